// Package journal persists batches, risk executions and orders, and caches
// the last good broker snapshot.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/database"
	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/batchrisk"
	"github.com/aristath/tranche/internal/modules/ledger"
	"github.com/aristath/tranche/internal/utils"
)

// Repository stores the batch journal. It implements ledger.Observer so every
// committed batch change is written through.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a journal repository on a migrated journal database
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "journal").Logger(),
	}
}

// BatchesChanged implements ledger.Observer
func (r *Repository) BatchesChanged(batches []*ledger.PositionBatch) {
	if err := r.SaveBatches(batches); err != nil {
		r.log.Error().Err(err).Int("batches", len(batches)).Msg("Failed to journal batch changes")
	}
}

const upsertBatch = `
INSERT INTO batches (
	id, symbol, portfolio_id, level, parent_id, entry_time, entry_price, quantity,
	current_price, highest_price, lowest_price, initial_stop_price, trailing_stop_price,
	trailing_ratio, take_profit_price, status, exit_time, exit_price, exit_reason,
	max_profit_ratio, max_drawdown, updated_at, removed
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	quantity = excluded.quantity,
	current_price = excluded.current_price,
	highest_price = excluded.highest_price,
	lowest_price = excluded.lowest_price,
	trailing_stop_price = excluded.trailing_stop_price,
	status = excluded.status,
	exit_time = excluded.exit_time,
	exit_price = excluded.exit_price,
	exit_reason = excluded.exit_reason,
	max_profit_ratio = excluded.max_profit_ratio,
	max_drawdown = excluded.max_drawdown,
	updated_at = excluded.updated_at,
	removed = 0`

// SaveBatches upserts changed batches in one transaction. A batch with an
// empty status was removed from the ledger and is flagged instead.
func (r *Repository) SaveBatches(batches []*ledger.PositionBatch) error {
	if len(batches) == 0 {
		return nil
	}
	done := utils.MeasureDBQuery("save_batches", r.log)

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		for _, b := range batches {
			if b.Status == "" {
				if _, err := tx.Exec(`UPDATE batches SET removed = 1, updated_at = ? WHERE id = ?`, now, b.ID); err != nil {
					return fmt.Errorf("flag removed batch %s: %w", b.ID, err)
				}
				continue
			}
			if _, err := tx.Exec(upsertBatch, batchArgs(b)...); err != nil {
				return fmt.Errorf("upsert batch %s: %w", b.ID, err)
			}
		}
		return nil
	})
	done(int64(len(batches)))
	return err
}

func batchArgs(b *ledger.PositionBatch) []any {
	var parent sql.NullString
	if b.ParentID != "" {
		parent = sql.NullString{String: b.ParentID, Valid: true}
	}
	var takeProfit sql.NullFloat64
	if b.TakeProfitPrice != nil {
		takeProfit = sql.NullFloat64{Float64: *b.TakeProfitPrice, Valid: true}
	}
	var exitTime sql.NullInt64
	if b.ExitTime != nil {
		exitTime = sql.NullInt64{Int64: b.ExitTime.Unix(), Valid: true}
	}
	updated := b.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	return []any{
		b.ID, b.Symbol, b.PortfolioID, b.Level, parent, b.EntryTime.Unix(), b.EntryPrice, b.Quantity,
		b.CurrentPrice, b.HighestPrice, b.LowestPrice, b.InitialStopPrice, b.TrailingStopPrice,
		b.TrailingRatio, takeProfit, string(b.Status), exitTime, b.ExitPrice, b.ExitReason,
		b.MaxProfitRatio, b.MaxDrawdown, updated.Unix(),
	}
}

const selectBatch = `SELECT id, symbol, portfolio_id, level, parent_id, entry_time, entry_price, quantity,
	current_price, highest_price, lowest_price, initial_stop_price, trailing_stop_price,
	trailing_ratio, take_profit_price, status, exit_time, exit_price, exit_reason,
	max_profit_ratio, max_drawdown, updated_at
	FROM batches`

// LoadActiveBatches returns every journaled batch still active, for
// restoring the ledger at startup.
func (r *Repository) LoadActiveBatches() ([]*ledger.PositionBatch, error) {
	return r.queryBatches(selectBatch+` WHERE status = ? AND removed = 0 ORDER BY entry_time, id`, string(ledger.BatchActive))
}

// ListBatches returns batches newest first. An empty symbol lists all.
func (r *Repository) ListBatches(symbol string, limit int) ([]*ledger.PositionBatch, error) {
	if symbol == "" {
		return r.queryBatches(selectBatch+` WHERE removed = 0 ORDER BY entry_time DESC, id DESC LIMIT ?`, limit)
	}
	return r.queryBatches(selectBatch+` WHERE symbol = ? AND removed = 0 ORDER BY entry_time DESC, id DESC LIMIT ?`, symbol, limit)
}

// GetBatch returns one batch, or nil when unknown
func (r *Repository) GetBatch(id string) (*ledger.PositionBatch, error) {
	batches, err := r.queryBatches(selectBatch+` WHERE id = ?`, id)
	if err != nil || len(batches) == 0 {
		return nil, err
	}
	return batches[0], nil
}

func (r *Repository) queryBatches(query string, args ...any) ([]*ledger.PositionBatch, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []*ledger.PositionBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(rows *sql.Rows) (*ledger.PositionBatch, error) {
	var (
		b          ledger.PositionBatch
		parent     sql.NullString
		entryTime  int64
		takeProfit sql.NullFloat64
		status     string
		exitTime   sql.NullInt64
		updatedAt  int64
	)
	if err := rows.Scan(
		&b.ID, &b.Symbol, &b.PortfolioID, &b.Level, &parent, &entryTime, &b.EntryPrice, &b.Quantity,
		&b.CurrentPrice, &b.HighestPrice, &b.LowestPrice, &b.InitialStopPrice, &b.TrailingStopPrice,
		&b.TrailingRatio, &takeProfit, &status, &exitTime, &b.ExitPrice, &b.ExitReason,
		&b.MaxProfitRatio, &b.MaxDrawdown, &updatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}

	b.ParentID = parent.String
	b.EntryTime = time.Unix(entryTime, 0).UTC()
	if takeProfit.Valid {
		tp := takeProfit.Float64
		b.TakeProfitPrice = &tp
	}
	b.Status = ledger.BatchStatus(status)
	if exitTime.Valid {
		t := time.Unix(exitTime.Int64, 0).UTC()
		b.ExitTime = &t
	}
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &b, nil
}

// RecordExecutions stores risk engine executions
func (r *Repository) RecordExecutions(execs []batchrisk.Execution) error {
	if len(execs) == 0 {
		return nil
	}
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for _, e := range execs {
			_, err := tx.Exec(`INSERT INTO executions
				(id, batch_id, symbol, level, action, urgency, quantity, price, profit_ratio, status, order_id, reason, executed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				utils.NewID("exec_"), e.BatchID, e.Symbol, e.Level, string(e.Action), string(e.Urgency),
				e.Quantity, e.Price, e.ProfitRatio, string(e.Status), e.OrderID, e.Reason, e.ExecutedAt.Unix())
			if err != nil {
				return fmt.Errorf("insert execution for %s: %w", e.BatchID, err)
			}
		}
		return nil
	})
}

// RecentExecutions returns executions newest first
func (r *Repository) RecentExecutions(limit int) ([]batchrisk.Execution, error) {
	rows, err := r.db.Query(`SELECT batch_id, symbol, level, action, urgency, quantity, price,
		profit_ratio, status, order_id, reason, executed_at
		FROM executions ORDER BY executed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []batchrisk.Execution
	for rows.Next() {
		var e batchrisk.Execution
		var action, urgency, status string
		var executedAt int64
		if err := rows.Scan(&e.BatchID, &e.Symbol, &e.Level, &action, &urgency, &e.Quantity, &e.Price,
			&e.ProfitRatio, &status, &e.OrderID, &e.Reason, &executedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Action = batchrisk.Action(action)
		e.Urgency = domain.RiskLevel(urgency)
		e.Status = ledger.BatchStatus(status)
		e.ExecutedAt = time.Unix(executedAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordOrder stores a submitted order, accepted or rejected
func (r *Repository) RecordOrder(t domain.TradeRecord) error {
	success := 0
	if t.Success {
		success = 1
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.Exec(`INSERT INTO orders
		(client_id, order_id, symbol, side, quantity, price, batch_id, reason, success, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			order_id = excluded.order_id, success = excluded.success, message = excluded.message`,
		t.ClientID, t.OrderID, t.Symbol, string(t.Side), t.Quantity, t.Price, t.BatchID, t.Reason,
		success, t.Message, created.Unix())
	if err != nil {
		return fmt.Errorf("insert order %s: %w", t.ClientID, err)
	}
	return nil
}

// RecentOrders returns orders newest first
func (r *Repository) RecentOrders(limit int) ([]domain.TradeRecord, error) {
	rows, err := r.db.Query(`SELECT client_id, order_id, symbol, side, quantity, price, batch_id,
		reason, success, message, created_at
		FROM orders ORDER BY created_at DESC, client_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var side string
		var success int
		var created int64
		if err := rows.Scan(&t.ClientID, &t.OrderID, &t.Symbol, &side, &t.Quantity, &t.Price, &t.BatchID,
			&t.Reason, &success, &t.Message, &created); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		t.Side = domain.OrderSide(side)
		t.Success = success == 1
		t.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneClosed deletes terminal and removed batches last updated before
// cutoff. Active batches are never pruned.
func (r *Repository) PruneClosed(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM batches WHERE (status != ? OR removed = 1) AND updated_at < ?`,
		string(ledger.BatchActive), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune batches: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Pruned closed batches")
	}
	return n, nil
}
