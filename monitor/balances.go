package monitor

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const nativeToken = "native"

type NativeBalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type TokenBalanceReader interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// RecordBalances snapshots the native balance of account on network, which
// pays approvals and relay fees, and every configured token balance.
func (m *Monitor) RecordBalances(ctx context.Context, network string, account common.Address, native NativeBalanceReader, tokenAt func(common.Address) TokenBalanceReader) error {
	entry, err := m.cfg.Chain(network)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	gas, err := native.BalanceAt(ctx, account, nil)
	if err != nil {
		return fmt.Errorf("%s native balance: %w", network, err)
	}
	if err := m.InsertBalance(ctx, DbBalance{
		Address:   account.Hex(),
		Balance:   gas.String(),
		Exponent:  18,
		Token:     nativeToken,
		Network:   network,
		Timestamp: now,
	}); err != nil {
		return err
	}

	symbols := make([]string, 0, len(entry.Tokens))
	for symbol := range entry.Tokens {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	recorded := 1
	for _, symbol := range symbols {
		addr, token, err := entry.Token(symbol)
		if err != nil {
			m.logger.Error().Err(err).Str("network", network).Msg("skipping token")
			continue
		}
		balance, err := tokenAt(addr).BalanceOf(ctx, account)
		if err != nil {
			m.logger.Error().Err(err).Str("network", network).Str("token", symbol).Msg("failed to read token balance")
			continue
		}
		if err := m.InsertBalance(ctx, DbBalance{
			Address:   account.Hex(),
			Balance:   balance.String(),
			Exponent:  token.Decimals,
			Token:     symbol,
			Network:   network,
			Timestamp: now,
		}); err != nil {
			return err
		}
		recorded++
	}

	m.logger.Info().
		Str("network", network).
		Str("address", account.Hex()).
		Str("native_balance", decimal.NewFromBigInt(gas, -18).String()).
		Int("recorded", recorded).
		Msg("recorded balances")
	return nil
}
