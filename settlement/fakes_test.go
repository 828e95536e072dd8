package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/intent"
)

var (
	originChain = big.NewInt(11155111)
	destChain   = big.NewInt(421614)

	userAddr      = common.HexToAddress("0x9f5fD813Bb33eD5304dCe2f1D89E97fb14Cc7877")
	solverAddr    = common.HexToAddress("0x5e1F8fA1a7bC4d2E0b7f0C9a3c2e1D4F6a8B9c0D")
	recipientAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenA        = common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14")
	tokenB        = common.HexToAddress("0x980B62Da83eFf3D4576C647993b0c1D7faf17c73")

	testRoute = Route{
		OriginChainID:      originChain,
		DestinationChainID: destChain,
		InputSettler:       common.HexToAddress("0xcA919F1EeAA377009E11a5C5c9FA5923fC3eD563"),
		OutputSettler:      common.HexToAddress("0x92DAe04879b394104491d5153C36d814bEbcB388"),
		OriginOracle:       common.HexToAddress("0xa39434521088d9a50325BC50eC2f50660e06Df34"),
		DestinationOracle:  common.HexToAddress("0x7711d06A5F6Fc7772aa109D2231635CEC3850dBa"),
	}

	fixedNow = time.Unix(1739000000, 0)
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func txHash(label string) common.Hash {
	return crypto.Keccak256Hash([]byte(label))
}

// fakeSettler is an in-memory origin settler. Finalise only succeeds for
// deposited orders, mirroring the on-chain status checks.
type fakeSettler struct {
	mu        sync.Mutex
	address   common.Address
	statuses  map[intent.OrderID]intent.OrderStatus
	opened    []intent.StandardOrder
	scalar    []chain.ScalarIntent
	finalised int
	lastCall  struct {
		timestamps  []uint32
		solvers     [][32]byte
		destination [32]byte
	}
	openErr     error
	finaliseErr error
	// skipStatusUpdate leaves the status untouched after finalise.
	skipStatusUpdate bool
}

func newFakeSettler() *fakeSettler {
	return &fakeSettler{
		address:  testRoute.InputSettler,
		statuses: map[intent.OrderID]intent.OrderStatus{},
	}
}

func (s *fakeSettler) Address() common.Address { return s.address }

func (s *fakeSettler) Open(_ context.Context, order intent.StandardOrder) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	encoded, err := intent.EncodeOrder(order)
	if err != nil {
		return nil, err
	}
	id, err := intent.ComputeOrderID(order)
	if err != nil {
		return nil, err
	}
	hash := txHash("open")
	l, err := chain.OpenLog(s.address, hash, id, encoded)
	if err != nil {
		return nil, err
	}
	s.opened = append(s.opened, order)
	s.statuses[id] = intent.StatusDeposited
	return &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            hash,
		GasUsed:           180_000,
		EffectiveGasPrice: big.NewInt(2_000_000_000),
		Logs:              []*types.Log{&l},
	}, nil
}

func (s *fakeSettler) OpenIntent(_ context.Context, in chain.ScalarIntent) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scalar = append(s.scalar, in)
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash("open-intent")}, nil
}

func (s *fakeSettler) OrderStatus(_ context.Context, id intent.OrderID) (intent.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id], nil
}

func (s *fakeSettler) Finalise(_ context.Context, order intent.StandardOrder, timestamps []uint32, solvers [][32]byte, destination [32]byte, _ []byte) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalised++
	s.lastCall.timestamps = timestamps
	s.lastCall.solvers = solvers
	s.lastCall.destination = destination
	if s.finaliseErr != nil {
		return nil, s.finaliseErr
	}
	id, err := intent.ComputeOrderID(order)
	if err != nil {
		return nil, err
	}
	if s.statuses[id] != intent.StatusDeposited {
		return nil, &chain.RevertError{Kind: chain.RevertInvalidStatus, Reason: "InvalidOrderStatus()"}
	}
	if !s.skipStatusUpdate {
		s.statuses[id] = intent.StatusClaimed
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash("finalise"), GasUsed: 120_000, EffectiveGasPrice: big.NewInt(2_000_000_000)}, nil
}

type fakeToken struct {
	balance   *big.Int
	allowance *big.Int
	approved  []*big.Int
	spender   common.Address
}

func (t *fakeToken) BalanceOf(context.Context, common.Address) (*big.Int, error) {
	return t.balance, nil
}

func (t *fakeToken) Allowance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return t.allowance, nil
}

func (t *fakeToken) Approve(_ context.Context, spender common.Address, amount *big.Int) (*types.Receipt, error) {
	t.approved = append(t.approved, amount)
	t.spender = spender
	t.allowance = amount
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash("approve")}, nil
}

type fakeTokens map[common.Address]*fakeToken

func (f fakeTokens) Token(addr common.Address) Token { return f[addr] }

type fakeReceipts map[common.Hash]*types.Receipt

func (f fakeReceipts) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	r, ok := f[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

// fakeOracle plays both ends of the messaging transport. Facts submitted on
// the destination side become provable on the origin side after
// attestAfter queries.
type fakeOracle struct {
	mu          sync.Mutex
	mailbox     common.Address
	domain      uint32
	mailboxErr  error
	domainErr   error
	quote       *big.Int
	quoteErr    error
	submitErr   error
	attestAfter int
	// never makes IsProven return false forever
	never    bool
	proveErr error

	submitted []chain.Message
	fees      []*big.Int
	facts     map[common.Hash]bool
	queries   int
	lastQuery struct {
		remoteChainID *big.Int
		remoteOracle  [32]byte
		application   [32]byte
	}
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		mailbox:     common.HexToAddress("0xfFAEF09B3cd11D9b20d1a19bECca54EEC2884766"),
		domain:      11155111,
		quote:       big.NewInt(31_337),
		attestAfter: 1,
		facts:       map[common.Hash]bool{},
	}
}

func (o *fakeOracle) Mailbox(context.Context) (common.Address, error) {
	return o.mailbox, o.mailboxErr
}

func (o *fakeOracle) LocalDomain(_ context.Context, mailbox common.Address) (uint32, error) {
	if o.domainErr != nil {
		return 0, o.domainErr
	}
	if mailbox != o.mailbox {
		return 0, errors.New("unexpected mailbox")
	}
	return o.domain, nil
}

func (o *fakeOracle) QuoteGasPayment(context.Context, chain.Message) (*big.Int, error) {
	if o.quoteErr != nil {
		return nil, o.quoteErr
	}
	return o.quote, nil
}

func (o *fakeOracle) Submit(_ context.Context, m chain.Message, fee *big.Int) (*types.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.submitErr != nil {
		return nil, o.submitErr
	}
	o.submitted = append(o.submitted, m)
	o.fees = append(o.fees, fee)
	for _, p := range m.Payloads {
		o.facts[crypto.Keccak256Hash(p)] = true
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash("submit"), GasUsed: 95_000, EffectiveGasPrice: big.NewInt(100_000_000)}, nil
}

func (o *fakeOracle) IsProven(_ context.Context, remoteChainID *big.Int, remoteOracle, application, dataHash [32]byte) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queries++
	o.lastQuery.remoteChainID = remoteChainID
	o.lastQuery.remoteOracle = remoteOracle
	o.lastQuery.application = application
	if o.proveErr != nil {
		return false, o.proveErr
	}
	if o.never {
		return false, nil
	}
	return o.facts[dataHash] && o.queries >= o.attestAfter, nil
}

type memJournal struct {
	mu          sync.Mutex
	transitions []Transition
}

// Record drops writes under a done context, like a database would.
func (j *memJournal) Record(ctx context.Context, t Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, t)
	return nil
}

func (j *memJournal) last() Transition {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.transitions) == 0 {
		return Transition{}
	}
	return j.transitions[len(j.transitions)-1]
}

func (j *memJournal) stages() []Stage {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Stage
	for _, t := range j.transitions {
		out = append(out, t.Stage)
	}
	return out
}

// fillReceipt builds the destination receipt of a solver filling out for id.
func fillReceipt(t *testing.T, hash common.Hash, id intent.OrderID, fillDeadline uint32, outs ...intent.MandateOutput) *types.Receipt {
	t.Helper()
	r := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}
	for i, out := range outs {
		encoded, err := intent.EncodeFilledOutput(uint64(fillDeadline), out)
		require.NoError(t, err)
		l, err := chain.OutputFilledLog(testRoute.OutputSettler, hash, chain.OutputFilled{
			OrderId:     id,
			Solver:      intent.WidenAddress(solverAddr),
			Timestamp:   uint32(fixedNow.Unix()) + 60,
			Output:      encoded,
			FinalAmount: out.Amount,
		})
		require.NoError(t, err)
		l.Index = uint(i)
		r.Logs = append(r.Logs, &l)
	}
	return r
}

func testRequest() SubmitRequest {
	return SubmitRequest{
		User:   userAddr,
		Inputs: []intent.Input{{Token: tokenA, Amount: big.NewInt(1_000_000)}},
		Outputs: []OutputRequest{{
			Token:     tokenB,
			MinAmount: big.NewInt(900_000),
			Recipient: recipientAddr,
		}},
		FillDeadlineIn: time.Hour,
		ExpiresIn:      2 * time.Hour,
	}
}

func newTestSubmitter(settler *fakeSettler, tokens fakeTokens, receipts fakeReceipts) *Submitter {
	s := NewSubmitter(testRoute, settler, tokens, receipts, OpenBytes, testLogger())
	s.Now = func() time.Time { return fixedNow }
	return s
}

func fundedTokens() fakeTokens {
	return fakeTokens{tokenA: {balance: big.NewInt(5_000_000), allowance: big.NewInt(0)}}
}
