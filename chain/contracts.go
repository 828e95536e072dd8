package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/msalopek/intent_settlement/intent"
)

// InputSettler is the origin-chain escrow contract.
type InputSettler struct {
	address  common.Address
	contract *bind.BoundContract
	tx       *Transactor
}

// NewInputSettler binds the settler at address. tx may be nil for read-only use.
func NewInputSettler(address common.Address, backend bind.ContractBackend, tx *Transactor) *InputSettler {
	return &InputSettler{
		address:  address,
		contract: bind.NewBoundContract(address, inputSettlerABI, backend, backend, backend),
		tx:       tx,
	}
}

func (s *InputSettler) Address() common.Address { return s.address }

// Open escrows the order's inputs via open(bytes).
func (s *InputSettler) Open(ctx context.Context, order intent.StandardOrder) (*types.Receipt, error) {
	if s.tx == nil {
		return nil, ErrReadOnly
	}
	encoded, err := intent.EncodeOrder(order)
	if err != nil {
		return nil, err
	}
	return s.tx.Send(ctx, s.contract, nil, "open", encoded)
}

// ScalarIntent is the argument set of the openIntent entry point.
type ScalarIntent struct {
	OutputToken     common.Address
	OutputAmount    *big.Int
	OutputChainID   *big.Int
	OutputRecipient [32]byte
	FillDeadline    *big.Int
	InputToken      common.Address
	InputAmount     *big.Int
}

// OpenIntent escrows a single-leg intent via openIntent(...).
func (s *InputSettler) OpenIntent(ctx context.Context, in ScalarIntent) (*types.Receipt, error) {
	if s.tx == nil {
		return nil, ErrReadOnly
	}
	return s.tx.Send(ctx, s.contract, nil, "openIntent",
		in.OutputToken, in.OutputAmount, in.OutputChainID, in.OutputRecipient,
		in.FillDeadline, in.InputToken, in.InputAmount)
}

func (s *InputSettler) OrderStatus(ctx context.Context, id intent.OrderID) (intent.OrderStatus, error) {
	v, err := call(ctx, s.contract, "orderStatus", [32]byte(id))
	if err != nil {
		return intent.StatusNone, err
	}
	return intent.OrderStatus(*abi.ConvertType(v, new(uint8)).(*uint8)), nil
}

// Finalise releases escrowed inputs to destination once every output is proven.
func (s *InputSettler) Finalise(ctx context.Context, order intent.StandardOrder, timestamps []uint32, solvers [][32]byte, destination [32]byte, callData []byte) (*types.Receipt, error) {
	if s.tx == nil {
		return nil, ErrReadOnly
	}
	if callData == nil {
		callData = []byte{}
	}
	return s.tx.Send(ctx, s.contract, nil, "finalise", order.Solidity(), timestamps, solvers, destination, callData)
}

// Oracle is the message-transport oracle on either end of a route.
type Oracle struct {
	address  common.Address
	backend  bind.ContractBackend
	contract *bind.BoundContract
	tx       *Transactor
}

func NewOracle(address common.Address, backend bind.ContractBackend, tx *Transactor) *Oracle {
	return &Oracle{
		address:  address,
		backend:  backend,
		contract: bind.NewBoundContract(address, oracleABI, backend, backend, backend),
		tx:       tx,
	}
}

func (o *Oracle) Address() common.Address { return o.address }

// Message is the argument set shared by submit and quoteGasPayment.
type Message struct {
	DestinationDomain uint32
	RecipientOracle   common.Address
	GasLimit          *big.Int
	CustomMetadata    []byte
	Source            common.Address
	Payloads          [][]byte
}

func (m Message) args() []interface{} {
	meta := m.CustomMetadata
	if meta == nil {
		meta = []byte{}
	}
	return []interface{}{m.DestinationDomain, m.RecipientOracle, m.GasLimit, meta, m.Source, m.Payloads}
}

func (o *Oracle) Mailbox(ctx context.Context) (common.Address, error) {
	v, err := call(ctx, o.contract, "MAILBOX")
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(v, new(common.Address)).(*common.Address), nil
}

// LocalDomain reads the messaging domain id from a mailbox contract on the
// same chain as the oracle.
func (o *Oracle) LocalDomain(ctx context.Context, mailbox common.Address) (uint32, error) {
	m := bind.NewBoundContract(mailbox, mailboxABI, o.backend, nil, nil)
	v, err := call(ctx, m, "localDomain")
	if err != nil {
		return 0, err
	}
	return *abi.ConvertType(v, new(uint32)).(*uint32), nil
}

func (o *Oracle) QuoteGasPayment(ctx context.Context, m Message) (*big.Int, error) {
	v, err := call(ctx, o.contract, "quoteGasPayment", m.args()...)
	if err != nil {
		return nil, err
	}
	fee, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("quoteGasPayment: unexpected return type %T", v)
	}
	return fee, nil
}

// Submit pays fee and hands the payloads to the transport.
func (o *Oracle) Submit(ctx context.Context, m Message, fee *big.Int) (*types.Receipt, error) {
	if o.tx == nil {
		return nil, ErrReadOnly
	}
	return o.tx.Send(ctx, o.contract, fee, "submit", m.args()...)
}

func (o *Oracle) IsProven(ctx context.Context, remoteChainID *big.Int, remoteOracle, application, dataHash [32]byte) (bool, error) {
	v, err := call(ctx, o.contract, "isProven", remoteChainID, remoteOracle, application, dataHash)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(v, new(bool)).(*bool), nil
}

// ERC20 covers the token calls needed for escrow pre-flight.
type ERC20 struct {
	address  common.Address
	contract *bind.BoundContract
	tx       *Transactor
}

func NewERC20(address common.Address, backend bind.ContractBackend, tx *Transactor) *ERC20 {
	return &ERC20{
		address:  address,
		contract: bind.NewBoundContract(address, erc20ABI, backend, backend, backend),
		tx:       tx,
	}
}

func (e *ERC20) Address() common.Address { return e.address }

func (e *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return e.uint256(ctx, "balanceOf", owner)
}

func (e *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return e.uint256(ctx, "allowance", owner, spender)
}

func (e *ERC20) Decimals(ctx context.Context) (uint8, error) {
	v, err := call(ctx, e.contract, "decimals")
	if err != nil {
		return 0, err
	}
	return *abi.ConvertType(v, new(uint8)).(*uint8), nil
}

func (e *ERC20) Approve(ctx context.Context, spender common.Address, amount *big.Int) (*types.Receipt, error) {
	if e.tx == nil {
		return nil, ErrReadOnly
	}
	return e.tx.Send(ctx, e.contract, nil, "approve", spender, amount)
}

func (e *ERC20) uint256(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	v, err := call(ctx, e.contract, method, args...)
	if err != nil {
		return nil, err
	}
	out, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected return type %T", method, v)
	}
	return out, nil
}
