package monitor

import (
	"context"
	"fmt"

	"github.com/msalopek/intent_settlement/intent"
	"github.com/msalopek/intent_settlement/settlement"
)

// RefreshStatuses reads orderStatus for every order that can still change
// and stores it. readers are keyed by origin chain id in decimal.
func (m *Monitor) RefreshStatuses(ctx context.Context, readers map[string]settlement.StatusReader) error {
	orders, err := m.GetDbPendingOrders(ctx)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		m.logger.Debug().Msg("no pending orders")
		return m.publishStatusCounts(ctx)
	}

	updated, failed, skipped := 0, 0, 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reader, ok := readers[o.OriginChainID]
		if !ok {
			skipped++
			m.logger.Debug().Str("order_id", o.OrderID).Str("chain_id", o.OriginChainID).Msg("no reader for origin chain")
			continue
		}
		id, err := intent.HexToOrderID(o.OrderID)
		if err != nil {
			failed++
			m.logger.Error().Err(err).Str("order_id", o.OrderID).Msg("stored order id is malformed")
			continue
		}
		status, err := reader.OrderStatus(ctx, id)
		if err != nil {
			failed++
			m.logger.Error().Err(err).
				Str("order_id", o.OrderID).
				Str("network", m.cfg.Network(o.OriginChainID)).
				Msg("failed to read order status")
			continue
		}
		if status.String() == o.OnchainStatus {
			continue
		}
		if err := m.SetOnchainStatus(ctx, o.OrderID, status.String()); err != nil {
			return fmt.Errorf("storing status of %s: %w", o.OrderID, err)
		}
		updated++
		if status.Terminal() {
			m.logger.Info().
				Str("order_id", o.OrderID).
				Str("status", status.String()).
				Str("stage", o.Stage).
				Msg("order reached terminal status")
		}
	}

	m.logger.Info().
		Int("pending", len(orders)).
		Int("updated", updated).
		Int("failed", failed).
		Int("skipped", skipped).
		Msg("refreshed order statuses")
	return m.publishStatusCounts(ctx)
}

func (m *Monitor) publishStatusCounts(ctx context.Context) error {
	counts, err := m.GetDbStatusCounts(ctx)
	if err != nil {
		return err
	}
	for _, s := range []intent.OrderStatus{intent.StatusNone, intent.StatusDeposited, intent.StatusClaimed, intent.StatusRefunded} {
		settlement.OrdersByStatus.WithLabelValues(s.String()).Set(float64(counts[s.String()]))
	}
	return nil
}
