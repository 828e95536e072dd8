package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	"github.com/msalopek/intent_settlement/settlement"
)

type DbOrderProgress struct {
	OrderID       string    `json:"order_id"`
	OriginChainID string    `json:"origin_chain_id,omitempty"`
	Stage         string    `json:"stage"`
	FailedStage   string    `json:"failed_stage,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OnchainStatus string    `json:"onchain_status,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// State mirrors settlement.Progress.State for stored rows.
func (p DbOrderProgress) State() string {
	if p.FailedStage != "" {
		return string(settlement.StageFailed)
	}
	return p.Stage
}

type DbOrderEvent struct {
	RunID       string    `json:"run_id"`
	OrderID     string    `json:"order_id"`
	Stage       string    `json:"stage"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Leg         int       `json:"leg"`
	ChainID     string    `json:"chain_id,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type DbStageTx struct {
	TxHash   string `json:"tx_hash"`
	OrderID  string `json:"order_id"`
	Stage    string `json:"stage"`
	Leg      int    `json:"leg"`
	ChainID  string `json:"chain_id"`
	GasUsed  int64  `json:"gas_used"`
	GasPrice string `json:"gas_price"`
	Value    string `json:"value"`
	CostWei  string `json:"cost_wei"`
}

type DbBalance struct {
	Address   string `json:"address"`
	Balance   string `json:"balance"`
	Exponent  int32  `json:"exponent"`
	Token     string `json:"token"`
	Network   string `json:"network"`
	Timestamp int64  `json:"timestamp"`
}

func InitDB(db *sql.DB) error {
	for _, stmt := range []string{`
		CREATE TABLE IF NOT EXISTS order_progress (
			order_id TEXT PRIMARY KEY,
			origin_chain_id TEXT,
			stage TEXT NOT NULL,
			stage_rank INTEGER NOT NULL,
			failed_stage TEXT,
			reason TEXT,
			onchain_status TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`, `
		CREATE TABLE IF NOT EXISTS order_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			order_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			failed_stage TEXT,
			reason TEXT,
			leg INTEGER,
			chain_id TEXT,
			tx_hash TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`, `
		CREATE INDEX IF NOT EXISTS order_events_order_id ON order_events (order_id)`, `
		CREATE TABLE IF NOT EXISTS stage_txs (
			tx_hash TEXT NOT NULL,
			order_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			leg INTEGER NOT NULL,
			chain_id TEXT,
			gas_used INTEGER,
			gas_price TEXT,
			value TEXT,
			cost_wei TEXT,
			PRIMARY KEY (tx_hash, stage, leg)
		)`, `
		CREATE TABLE IF NOT EXISTS balances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT,
			balance TEXT,
			exponent INTEGER,
			token TEXT,
			network TEXT,
			timestamp INTEGER
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init db: %w", err)
		}
	}
	return nil
}

// Record implements settlement.Journal. The stored stage only moves forward;
// partial per-leg entries and failures never advance it. The write is not
// tied to ctx's cancellation, since the failure being recorded is often ctx
// expiring.
func (m *Monitor) Record(ctx context.Context, t settlement.Transition) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settlement.JournalTimeout)
	defer cancel()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	orderID := t.OrderID.Hex()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_events (run_id, order_id, stage, failed_stage, reason, leg, chain_id, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.runID, orderID, string(t.Stage), nullString(string(t.FailedStage)), nullString(t.Reason),
		t.Leg, nullString(bigString(t.ChainID)), nullString(hashString(t.TxHash)), at)
	if err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}

	switch {
	case t.Stage == settlement.StageFailed:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_progress (order_id, stage, stage_rank, failed_stage, reason, updated_at)
			VALUES (?, ?, 0, ?, ?, ?)
			ON CONFLICT(order_id) DO UPDATE SET
				failed_stage = excluded.failed_stage,
				reason = excluded.reason,
				updated_at = excluded.updated_at
		`, orderID, string(settlement.StageNone), string(t.FailedStage), t.Reason, at)
	case t.Partial:
		// nothing to advance
	default:
		var origin interface{}
		if t.Stage == settlement.StageSubmitted {
			origin = nullString(bigString(t.ChainID))
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_progress (order_id, origin_chain_id, stage, stage_rank, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(order_id) DO UPDATE SET
				origin_chain_id = COALESCE(order_progress.origin_chain_id, excluded.origin_chain_id),
				stage = CASE WHEN excluded.stage_rank > order_progress.stage_rank THEN excluded.stage ELSE order_progress.stage END,
				stage_rank = MAX(order_progress.stage_rank, excluded.stage_rank),
				failed_stage = NULL,
				reason = NULL,
				updated_at = excluded.updated_at
		`, orderID, origin, string(t.Stage), t.Stage.Rank(), at)
	}
	if err != nil {
		return fmt.Errorf("update order progress: %w", err)
	}

	if t.TxHash != (common.Hash{}) && t.Stage != settlement.StageFailed {
		if err := insertStageTx(ctx, tx, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertStageTx(ctx context.Context, tx *sql.Tx, t settlement.Transition) error {
	gasPrice := new(big.Int)
	if t.GasPrice != nil {
		gasPrice.Set(t.GasPrice)
	}
	cost := txCost(t.GasUsed, gasPrice)
	// relay fees are paid on top of gas
	if t.Value != nil {
		cost.Add(cost, t.Value)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO stage_txs (tx_hash, order_id, stage, leg, chain_id, gas_used, gas_price, value, cost_wei)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TxHash.Hex(), t.OrderID.Hex(), string(t.Stage), t.Leg, bigString(t.ChainID),
		int64(t.GasUsed), gasPrice.String(), bigString(t.Value), cost.String())
	if err != nil {
		return fmt.Errorf("insert stage tx %s: %w", t.TxHash.Hex(), err)
	}
	return nil
}

func (m *Monitor) SetOnchainStatus(ctx context.Context, orderID string, status string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE order_progress SET onchain_status = ?, updated_at = ? WHERE order_id = ?
	`, status, time.Now().UTC(), orderID)
	return err
}

func (m *Monitor) InsertBalance(ctx context.Context, b DbBalance) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO balances (address, balance, exponent, token, network, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.Address, b.Balance, b.Exponent, b.Token, b.Network, b.Timestamp)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
