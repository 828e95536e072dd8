package settlement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/intent"
)

// Route is the resolved contract set between one origin and one destination chain.
type Route struct {
	OriginChainID      *big.Int
	DestinationChainID *big.Int
	InputSettler       common.Address
	OutputSettler      common.Address
	OriginOracle       common.Address
	DestinationOracle  common.Address
}

func (r Route) Validate() error {
	if r.OriginChainID == nil || r.OriginChainID.Sign() <= 0 {
		return fmt.Errorf("%w: origin chain id", ErrMissingConfiguration)
	}
	if r.DestinationChainID == nil || r.DestinationChainID.Sign() <= 0 {
		return fmt.Errorf("%w: destination chain id", ErrMissingConfiguration)
	}
	for _, c := range []struct {
		name string
		addr common.Address
	}{
		{"input settler", r.InputSettler},
		{"output settler", r.OutputSettler},
		{"origin oracle", r.OriginOracle},
		{"destination oracle", r.DestinationOracle},
	} {
		if c.addr == (common.Address{}) {
			return fmt.Errorf("%w: %s address for %s -> %s", ErrMissingConfiguration, c.name, r.OriginChainID, r.DestinationChainID)
		}
	}
	return nil
}

// Token is the slice of an ERC20 the submitter needs.
type Token interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender common.Address, amount *big.Int) (*types.Receipt, error)
}

type TokenSource interface {
	Token(address common.Address) Token
}

// TokenFunc adapts a constructor to TokenSource.
type TokenFunc func(address common.Address) Token

func (f TokenFunc) Token(address common.Address) Token { return f(address) }

// OriginSettler is the escrow contract on the origin chain.
type OriginSettler interface {
	Address() common.Address
	Open(ctx context.Context, order intent.StandardOrder) (*types.Receipt, error)
	OpenIntent(ctx context.Context, in chain.ScalarIntent) (*types.Receipt, error)
	OrderStatus(ctx context.Context, id intent.OrderID) (intent.OrderStatus, error)
	Finalise(ctx context.Context, order intent.StandardOrder, timestamps []uint32, solvers [][32]byte, destination [32]byte, call []byte) (*types.Receipt, error)
}

type StatusReader interface {
	OrderStatus(ctx context.Context, id intent.OrderID) (intent.OrderStatus, error)
}

type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// DomainSource resolves the messaging domain of the chain an oracle lives on.
type DomainSource interface {
	Mailbox(ctx context.Context) (common.Address, error)
	LocalDomain(ctx context.Context, mailbox common.Address) (uint32, error)
}

// Dispatcher is the destination-side oracle that sends proof messages.
type Dispatcher interface {
	QuoteGasPayment(ctx context.Context, m chain.Message) (*big.Int, error)
	Submit(ctx context.Context, m chain.Message, fee *big.Int) (*types.Receipt, error)
}

// ProofSource is the origin-side oracle that records attested facts.
type ProofSource interface {
	IsProven(ctx context.Context, remoteChainID *big.Int, remoteOracle, application, dataHash [32]byte) (bool, error)
}
