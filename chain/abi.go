package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const standardOrderTupleJSON = `{"name":"order","type":"tuple","components":[
	{"name":"user","type":"address"},
	{"name":"nonce","type":"uint256"},
	{"name":"originChainId","type":"uint256"},
	{"name":"expires","type":"uint32"},
	{"name":"fillDeadline","type":"uint32"},
	{"name":"inputOracle","type":"address"},
	{"name":"inputs","type":"uint256[2][]"},
	{"name":"outputs","type":"tuple[]","components":[
		{"name":"oracle","type":"bytes32"},
		{"name":"settler","type":"bytes32"},
		{"name":"chainId","type":"uint256"},
		{"name":"token","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"recipient","type":"bytes32"},
		{"name":"call","type":"bytes"},
		{"name":"context","type":"bytes"}]}]}`

// InputSettlerABI covers both entry-point shapes seen on origin settlers:
// the generic open(bytes) and the scalar openIntent(...).
const InputSettlerABI = `[
{"type":"function","name":"open","stateMutability":"nonpayable","inputs":[{"name":"order","type":"bytes"}],"outputs":[]},
{"type":"function","name":"openIntent","stateMutability":"nonpayable","inputs":[
	{"name":"outputToken","type":"address"},
	{"name":"outputAmount","type":"uint256"},
	{"name":"outputChainId","type":"uint256"},
	{"name":"outputRecipient","type":"bytes32"},
	{"name":"fillDeadline","type":"uint256"},
	{"name":"inputToken","type":"address"},
	{"name":"inputAmount","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"orderStatus","stateMutability":"view","inputs":[{"name":"orderId","type":"bytes32"}],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"finalise","stateMutability":"nonpayable","inputs":[` + standardOrderTupleJSON + `,
	{"name":"timestamps","type":"uint32[]"},
	{"name":"solvers","type":"bytes32[]"},
	{"name":"destination","type":"bytes32"},
	{"name":"call","type":"bytes"}],"outputs":[]},
{"type":"event","name":"Open","anonymous":false,"inputs":[
	{"name":"orderId","type":"bytes32","indexed":true},
	{"name":"order","type":"bytes","indexed":false}]},
{"type":"event","name":"IntentOpened","anonymous":false,"inputs":[
	{"name":"intentId","type":"bytes32","indexed":true},
	{"name":"inputToken","type":"address","indexed":true},
	{"name":"inputAmount","type":"uint256","indexed":false},
	{"name":"outputToken","type":"address","indexed":false},
	{"name":"outputAmount","type":"uint256","indexed":false},
	{"name":"outputChainId","type":"uint256","indexed":false},
	{"name":"outputRecipient","type":"bytes32","indexed":false},
	{"name":"sender","type":"address","indexed":true},
	{"name":"fillDeadline","type":"uint256","indexed":false}]}
]`

const OutputSettlerABI = `[
{"type":"event","name":"OutputFilled","anonymous":false,"inputs":[
	{"name":"orderId","type":"bytes32","indexed":true},
	{"name":"solver","type":"bytes32","indexed":false},
	{"name":"timestamp","type":"uint32","indexed":false},
	{"name":"output","type":"bytes","indexed":false},
	{"name":"finalAmount","type":"uint256","indexed":false}]}
]`

const messageArgsJSON = `
	{"name":"destinationDomain","type":"uint32"},
	{"name":"recipientOracle","type":"address"},
	{"name":"gasLimit","type":"uint256"},
	{"name":"customMetadata","type":"bytes"},
	{"name":"source","type":"address"},
	{"name":"payloads","type":"bytes[]"}`

// OracleABI is the message-transport oracle deployed on both ends of a route.
const OracleABI = `[
{"type":"function","name":"submit","stateMutability":"payable","inputs":[` + messageArgsJSON + `],"outputs":[]},
{"type":"function","name":"quoteGasPayment","stateMutability":"view","inputs":[` + messageArgsJSON + `],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"isProven","stateMutability":"view","inputs":[
	{"name":"remoteChainId","type":"uint256"},
	{"name":"remoteOracle","type":"bytes32"},
	{"name":"application","type":"bytes32"},
	{"name":"dataHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"MAILBOX","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

const MailboxABI = `[
{"type":"function","name":"localDomain","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint32"}]}
]`

const ERC20ABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	inputSettlerABI  = mustParseABI("InputSettler", InputSettlerABI)
	outputSettlerABI = mustParseABI("OutputSettler", OutputSettlerABI)
	oracleABI        = mustParseABI("Oracle", OracleABI)
	mailboxABI       = mustParseABI("Mailbox", MailboxABI)
	erc20ABI         = mustParseABI("ERC20", ERC20ABI)

	OpenTopic         = inputSettlerABI.Events["Open"].ID
	IntentOpenedTopic = inputSettlerABI.Events["IntentOpened"].ID
	OutputFilledTopic = outputSettlerABI.Events["OutputFilled"].ID
)

func mustParseABI(name, def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parsing %s abi: %v", name, err))
	}
	return parsed
}
