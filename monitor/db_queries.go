package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/msalopek/intent_settlement/intent"
	"github.com/msalopek/intent_settlement/settlement"
)

var ErrOrderNotFound = errors.New("order not found")

type StageCount struct {
	Stage  string `json:"stage"`
	Orders int64  `json:"orders"`
	Failed int64  `json:"failed"`
}

const progressColumns = `order_id, origin_chain_id, stage, failed_stage, reason, onchain_status, updated_at`

func scanProgress(row interface{ Scan(...interface{}) error }) (DbOrderProgress, error) {
	var p DbOrderProgress
	var origin, failed, reason, status sql.NullString
	if err := row.Scan(&p.OrderID, &origin, &p.Stage, &failed, &reason, &status, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.OriginChainID = origin.String
	p.FailedStage = failed.String
	p.Reason = reason.String
	p.OnchainStatus = status.String
	return p, nil
}

func (m *Monitor) GetDbOrderProgress(ctx context.Context, id intent.OrderID) (*DbOrderProgress, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+progressColumns+` FROM order_progress WHERE order_id = ?`, id.Hex())
	p, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return &p, nil
}

// GetDbOrders lists orders at stage. An empty stage lists everything and
// "failed" lists orders with an outstanding failure.
func (m *Monitor) GetDbOrders(ctx context.Context, stage string) ([]DbOrderProgress, error) {
	query := `SELECT ` + progressColumns + ` FROM order_progress`
	var args []interface{}
	switch stage {
	case "":
	case string(settlement.StageFailed):
		query += ` WHERE failed_stage IS NOT NULL`
	default:
		query += ` WHERE stage = ? AND failed_stage IS NULL`
		args = append(args, stage)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	orders := []DbOrderProgress{}
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return orders, fmt.Errorf("scan error: %w", err)
		}
		orders = append(orders, p)
	}
	return orders, rows.Err()
}

// GetDbPendingOrders lists orders whose settler status may still change.
func (m *Monitor) GetDbPendingOrders(ctx context.Context) ([]DbOrderProgress, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+progressColumns+`
		FROM order_progress
		WHERE origin_chain_id IS NOT NULL
		  AND (onchain_status IS NULL OR onchain_status NOT IN (?, ?))
	`, intent.StatusClaimed.String(), intent.StatusRefunded.String())
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	orders := []DbOrderProgress{}
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return orders, fmt.Errorf("scan error: %w", err)
		}
		orders = append(orders, p)
	}
	return orders, rows.Err()
}

func (m *Monitor) GetDbOrderEvents(ctx context.Context, id intent.OrderID) ([]DbOrderEvent, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT run_id, order_id, stage, failed_stage, reason, leg, chain_id, tx_hash, created_at
		FROM order_events
		WHERE order_id = ?
		ORDER BY id
	`, id.Hex())
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	events := []DbOrderEvent{}
	for rows.Next() {
		var e DbOrderEvent
		var runID, failed, reason, chainID, txHash sql.NullString
		err := rows.Scan(&runID, &e.OrderID, &e.Stage, &failed, &reason, &e.Leg, &chainID, &txHash, &e.CreatedAt)
		if err != nil {
			return events, fmt.Errorf("scan error: %w", err)
		}
		e.RunID = runID.String
		e.FailedStage = failed.String
		e.Reason = reason.String
		e.ChainID = chainID.String
		e.TxHash = txHash.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func (m *Monitor) GetDbStageTxs(ctx context.Context, id intent.OrderID) ([]DbStageTx, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT tx_hash, order_id, stage, leg, chain_id, gas_used, gas_price, value, cost_wei
		FROM stage_txs
		WHERE order_id = ?
		ORDER BY leg, stage
	`, id.Hex())
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	txs := []DbStageTx{}
	for rows.Next() {
		var t DbStageTx
		var value sql.NullString
		err := rows.Scan(&t.TxHash, &t.OrderID, &t.Stage, &t.Leg, &t.ChainID, &t.GasUsed, &t.GasPrice, &value, &t.CostWei)
		if err != nil {
			return txs, fmt.Errorf("scan error: %w", err)
		}
		t.Value = value.String
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (m *Monitor) GetDbStageStats(ctx context.Context) ([]StageCount, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT
			stage,
			COUNT(*) as orders,
			SUM(CASE WHEN failed_stage IS NOT NULL THEN 1 ELSE 0 END) as failed
		FROM order_progress
		GROUP BY stage
		ORDER BY MIN(stage_rank)
	`)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	stats := []StageCount{}
	for rows.Next() {
		var s StageCount
		if err := rows.Scan(&s.Stage, &s.Orders, &s.Failed); err != nil {
			return stats, fmt.Errorf("scan error: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// GetDbStatusCounts counts tracked orders by last observed settler status.
func (m *Monitor) GetDbStatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT onchain_status, COUNT(*)
		FROM order_progress
		WHERE onchain_status IS NOT NULL
		GROUP BY onchain_status
	`)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan error: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// if network is empty, the latest balance of every network is returned
func (m *Monitor) GetDbLatestBalances(ctx context.Context, network string) ([]DbBalance, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT address, balance, exponent, token, network, timestamp
		FROM balances
		WHERE (address, token, network, timestamp) IN (
			SELECT address, token, network, MAX(timestamp)
			FROM balances
			GROUP BY address, token, network
		)
		AND (? = '' OR network = ?)
		ORDER BY network, token
	`, network, network)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	balances := []DbBalance{}
	for rows.Next() {
		var b DbBalance
		if err := rows.Scan(&b.Address, &b.Balance, &b.Exponent, &b.Token, &b.Network, &b.Timestamp); err != nil {
			return balances, fmt.Errorf("scan error: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}
