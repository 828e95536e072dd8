package monitor

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"
)

type StageGasStats struct {
	Stage   string `json:"stage"`
	TxCount int64  `json:"tx_count"`
	GasUsed int64  `json:"gas_used"`
	CostWei string `json:"cost_wei"`
}

type NetworkGasStats struct {
	Network string          `json:"network"`
	TxCount int64           `json:"tx_count"`
	CostWei string          `json:"cost_wei"`
	Stages  []StageGasStats `json:"stages"`
}

type GasStatsSummary struct {
	TotalCostWei string            `json:"total_cost_wei"`
	TotalTxCount int64             `json:"total_tx_count"`
	NetworkStats []NetworkGasStats `json:"network_stats"`
}

func txCost(gasUsed uint64, gasPrice *big.Int) *big.Int {
	cost := new(big.Int).SetUint64(gasUsed)
	return cost.Mul(cost, gasPrice)
}

// GetDbGasStats sums what the pipeline paid per chain and stage. Costs are
// stored as wei strings and summed as decimals; SUM() would overflow int64.
func (m *Monitor) GetDbGasStats(ctx context.Context) (*GasStatsSummary, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT chain_id, stage, gas_used, cost_wei
		FROM stage_txs
		WHERE gas_used > 0 OR (value IS NOT NULL AND value != '')
	`)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	type key struct{ chain, stage string }
	costs := map[key]decimal.Decimal{}
	counts := map[key]int64{}
	gas := map[key]int64{}
	for rows.Next() {
		var k key
		var gasUsed int64
		var cost string
		if err := rows.Scan(&k.chain, &k.stage, &gasUsed, &cost); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		d, err := decimal.NewFromString(cost)
		if err != nil {
			m.logger.Error().Str("cost_wei", cost).Msg("failed to parse stored tx cost")
			continue
		}
		costs[k] = costs[k].Add(d)
		counts[k]++
		gas[k] += gasUsed
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byNetwork := map[string]*NetworkGasStats{}
	networkCost := map[string]decimal.Decimal{}
	total := decimal.Zero
	stats := &GasStatsSummary{}
	for k, cost := range costs {
		name := m.cfg.Network(k.chain)
		n, ok := byNetwork[name]
		if !ok {
			n = &NetworkGasStats{Network: name}
			byNetwork[name] = n
		}
		n.TxCount += counts[k]
		n.Stages = append(n.Stages, StageGasStats{
			Stage:   k.stage,
			TxCount: counts[k],
			GasUsed: gas[k],
			CostWei: cost.String(),
		})
		networkCost[name] = networkCost[name].Add(cost)
		total = total.Add(cost)
		stats.TotalTxCount += counts[k]
	}

	for name, n := range byNetwork {
		n.CostWei = networkCost[name].String()
		sort.Slice(n.Stages, func(i, j int) bool { return n.Stages[i].Stage < n.Stages[j].Stage })
		stats.NetworkStats = append(stats.NetworkStats, *n)
	}
	sort.Slice(stats.NetworkStats, func(i, j int) bool { return stats.NetworkStats[i].Network < stats.NetworkStats[j].Network })
	stats.TotalCostWei = total.String()
	return stats, nil
}
