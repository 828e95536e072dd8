package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/intent"
)

// Fill is one decoded OutputFilled event together with the mandate it paid.
type Fill struct {
	Record       intent.FillRecord
	FillDeadline uint64
	Output       intent.MandateOutput
	TxHash       common.Hash
	BlockNumber  uint64
	LogIndex     uint
}

type Observer struct {
	Receipts      ReceiptSource
	OutputSettler common.Address

	logger *zerolog.Logger
}

func NewObserver(receipts ReceiptSource, outputSettler common.Address, logger *zerolog.Logger) *Observer {
	return &Observer{Receipts: receipts, OutputSettler: outputSettler, logger: logger}
}

// Observe returns the single fill in txHash. When orderID is not nil only
// fills for that order are considered.
func (o *Observer) Observe(ctx context.Context, txHash common.Hash, orderID *intent.OrderID) (*Fill, error) {
	fills, err := o.ObserveAll(ctx, txHash, orderID)
	if err != nil {
		return nil, err
	}
	if len(fills) > 1 {
		return nil, fmt.Errorf("%w: %d OutputFilled events in tx %s", ErrAmbiguousFill, len(fills), txHash.Hex())
	}
	return fills[0], nil
}

// ObserveAll returns every fill in txHash, in log order. A transaction that
// fills several outputs of one order emits one event per output.
func (o *Observer) ObserveAll(ctx context.Context, txHash common.Hash, orderID *intent.OrderID) ([]*Fill, error) {
	receipt, err := o.Receipts.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, fmt.Errorf("%w: no receipt for %s", ErrFillTxNotFound, txHash.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("fetching fill receipt %s: %w", txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s failed", ErrFillTxNotFound, txHash.Hex())
	}

	var fills []*Fill
	for _, l := range logsFrom(receipt, o.OutputSettler, chain.OutputFilledTopic) {
		if orderID != nil && (len(l.Topics) < 2 || l.Topics[1] != common.Hash(*orderID)) {
			continue
		}
		fill, err := decodeFill(l)
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	if len(fills) == 0 {
		return nil, fmt.Errorf("%w: OutputFilled from %s in tx %s", ErrEventNotFound, o.OutputSettler.Hex(), txHash.Hex())
	}

	for _, f := range fills {
		o.logger.Info().
			Str("order_id", f.Record.OrderID.Hex()).
			Str("tx", txHash.Hex()).
			Uint32("timestamp", f.Record.Timestamp).
			Str("amount", f.Output.Amount.String()).
			Msg("fill observed")
	}
	return fills, nil
}

func decodeFill(l types.Log) (*Fill, error) {
	ev, err := chain.ParseOutputFilled(l)
	if err != nil {
		return nil, err
	}
	deadline, output, err := intent.DecodeFilledOutput(ev.Output)
	if err != nil {
		return nil, err
	}
	return &Fill{
		Record: intent.FillRecord{
			OrderID:       ev.OrderId,
			Solver:        ev.Solver,
			Timestamp:     ev.Timestamp,
			EncodedOutput: ev.Output,
			FinalAmount:   ev.FinalAmount,
		},
		FillDeadline: deadline,
		Output:       output,
		TxHash:       l.TxHash,
		BlockNumber:  l.BlockNumber,
		LogIndex:     l.Index,
	}, nil
}
