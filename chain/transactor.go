package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

var ErrReadOnly = errors.New("contract binding has no transactor")

// Backend is what a Transactor needs from a node connection.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Transactor signs, sends and waits for transactions on one chain.
type Transactor struct {
	backend Backend
	signer  *Signer
	chainID *big.Int
	logger  zerolog.Logger

	// MaxAttempts bounds resubmissions after underpriced, replaced or stale
	// nonce errors.
	MaxAttempts uint64
	// TipBumpPercent raises the priority fee on every underpriced resubmission.
	TipBumpPercent int64
	RetryInterval  time.Duration
}

func NewTransactor(backend Backend, signer *Signer, chainID *big.Int, logger zerolog.Logger) *Transactor {
	return &Transactor{
		backend:        backend,
		signer:         signer,
		chainID:        chainID,
		logger:         logger,
		MaxAttempts:    3,
		TipBumpPercent: 20,
		RetryInterval:  2 * time.Second,
	}
}

func (t *Transactor) From() common.Address {
	return t.signer.Address()
}

// Send invokes method on contract and blocks until the transaction is mined.
// A mined-but-failed transaction is replayed at its block to recover the
// revert reason.
func (t *Transactor) Send(ctx context.Context, contract *bind.BoundContract, value *big.Int, method string, args ...interface{}) (*types.Receipt, error) {
	opts, err := t.signer.TransactOpts(t.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	opts.Value = value

	var (
		tx      *types.Transaction
		attempt int64
		bump    bool
	)
	send := func() error {
		if bump {
			tip, err := t.backend.SuggestGasTipCap(ctx)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("suggesting gas tip: %w", err))
			}
			opts.GasTipCap = new(big.Int).Div(new(big.Int).Mul(tip, big.NewInt(100+attempt*t.TipBumpPercent)), big.NewInt(100))
			bump = false
		}
		attempt++

		tx, err = contract.Transact(opts, method, args...)
		if err == nil {
			return nil
		}
		if rerr := revertFromError(err); rerr != nil {
			return backoff.Permanent(rerr)
		}
		switch {
		case isUnderpriced(err):
			t.logger.Warn().Err(err).Str("method", method).Int64("attempt", attempt).Msg("transaction underpriced, bumping tip")
			bump = true
			return err
		case isStaleNonce(err):
			// the pending nonce is read again on the next attempt
			t.logger.Warn().Err(err).Str("method", method).Int64("attempt", attempt).Msg("nonce already used, resending")
			return err
		}
		return backoff.Permanent(err)
	}

	retries := uint64(0)
	if t.MaxAttempts > 1 {
		retries = t.MaxAttempts - 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(t.RetryInterval), retries), ctx)
	if err := backoff.Retry(send, b); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	t.logger.Info().
		Str("method", method).
		Str("tx", tx.Hash().Hex()).
		Str("chain_id", t.chainID.String()).
		Msg("transaction sent")

	receipt, err := bind.WaitMined(ctx, t.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s tx %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		rerr := t.replay(ctx, opts, tx, receipt)
		rerr.TxHash = tx.Hash()
		return receipt, rerr
	}

	t.logger.Debug().
		Str("method", method).
		Str("tx", tx.Hash().Hex()).
		Uint64("block", receipt.BlockNumber.Uint64()).
		Uint64("gas_used", receipt.GasUsed).
		Msg("transaction mined")
	return receipt, nil
}

func (t *Transactor) replay(ctx context.Context, opts *bind.TransactOpts, tx *types.Transaction, receipt *types.Receipt) *RevertError {
	msg := ethereum.CallMsg{
		From:  opts.From,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err := t.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if rerr := revertFromError(err); rerr != nil {
		return rerr
	}
	return &RevertError{Reason: "transaction failed without revert data"}
}

func isUnderpriced(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "underpriced") ||
		strings.Contains(msg, "replacement transaction")
}

func isStaleNonce(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// call runs a read-only method that returns exactly one value.
func call(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (interface{}, error) {
	var res []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &res, method, args...); err != nil {
		if rerr := revertFromError(err); rerr != nil {
			return nil, fmt.Errorf("%s: %w", method, rerr)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("%s: expected 1 return value, got %d", method, len(res))
	}
	return res[0], nil
}
