package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/intent"
)

// Solve is the (timestamp, solver) pair observed for one output leg.
type Solve struct {
	Timestamp uint32
	Solver    [32]byte
}

// SolveFrom takes the pair out of an observed fill.
func SolveFrom(f *Fill) Solve {
	return Solve{Timestamp: f.Record.Timestamp, Solver: f.Record.Solver}
}

type Claim struct {
	TxHash  common.Hash        `json:"tx_hash"`
	Status  intent.OrderStatus `json:"status"`
	Receipt *types.Receipt     `json:"-"`
}

type Finisher struct {
	Settler OriginSettler

	logger *zerolog.Logger
}

func NewFinisher(settler OriginSettler, logger *zerolog.Logger) *Finisher {
	return &Finisher{Settler: settler, logger: logger}
}

// Finalise claims order for destination. solves must hold one entry per
// output, in output order. statusID is the id the settler indexes the order
// by. Success is only reported once orderStatus reads back as claimed.
func (f *Finisher) Finalise(ctx context.Context, order intent.StandardOrder, statusID intent.OrderID, solves []Solve, destination [32]byte, call []byte) (*Claim, error) {
	if len(solves) != len(order.Outputs) {
		return nil, fmt.Errorf("%w: %d solves for %d outputs", ErrSolveCountMismatch, len(solves), len(order.Outputs))
	}
	timestamps := make([]uint32, len(solves))
	solvers := make([][32]byte, len(solves))
	for i, s := range solves {
		timestamps[i] = s.Timestamp
		solvers[i] = s.Solver
	}

	receipt, err := f.Settler.Finalise(ctx, order, timestamps, solvers, destination, call)
	if err != nil {
		f.narrowStatusRevert(ctx, statusID, err)
		return nil, fmt.Errorf("finalising %s: %w", statusID, err)
	}

	status, err := f.Settler.OrderStatus(ctx, statusID)
	if err != nil {
		return nil, fmt.Errorf("confirming claim of %s: %w", statusID, err)
	}
	if status != intent.StatusClaimed {
		return nil, fmt.Errorf("%w: %s is %s after tx %s", ErrClaimNotConfirmed, statusID, status, receipt.TxHash.Hex())
	}

	f.logger.Info().
		Str("order_id", statusID.Hex()).
		Str("tx", receipt.TxHash.Hex()).
		Uint64("gas_used", receipt.GasUsed).
		Msg("order claimed")
	return &Claim{TxHash: receipt.TxHash, Status: status, Receipt: receipt}, nil
}

// narrowStatusRevert turns an InvalidOrderStatus revert into already claimed
// when the settler reports the order as claimed. Any other status keeps the
// generic kind.
func (f *Finisher) narrowStatusRevert(ctx context.Context, id intent.OrderID, err error) {
	var rerr *chain.RevertError
	if !errors.As(err, &rerr) || rerr.Kind != chain.RevertInvalidStatus {
		return
	}
	status, serr := f.Settler.OrderStatus(ctx, id)
	if serr != nil {
		f.logger.Warn().Err(serr).Str("order_id", id.Hex()).Msg("could not read status after rejected claim")
		return
	}
	if status == intent.StatusClaimed {
		rerr.Kind = chain.RevertAlreadyClaimed
	}
	f.logger.Warn().Str("order_id", id.Hex()).Str("status", status.String()).Msg("settler rejected order status")
}
