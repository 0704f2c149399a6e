package market_regime

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/domain"
)

// Schema creates the regime history table
const Schema = `
CREATE TABLE IF NOT EXISTS market_regime_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at INTEGER NOT NULL,
	index_symbol TEXT NOT NULL,
	raw_score REAL NOT NULL,
	smoothed_score REAL NOT NULL,
	discrete_regime TEXT NOT NULL,
	index_change REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_regime_history_symbol ON market_regime_history(index_symbol, id);
`

// DefaultSmoothingAlpha is the EMA weight given to each new raw score
const DefaultSmoothingAlpha = 0.1

// HistoryEntry is one recorded regime score
type HistoryEntry struct {
	ID             int64               `json:"id"`
	RecordedAt     time.Time           `json:"recorded_at"`
	IndexSymbol    string              `json:"index_symbol"`
	RawScore       float64             `json:"raw_score"`
	SmoothedScore  float64             `json:"smoothed_score"`
	DiscreteRegime domain.MarketRegime `json:"regime"`
	IndexChange    float64             `json:"index_change"`
}

// Persistence stores regime scores and smooths them with an EMA
type Persistence struct {
	db    *sql.DB
	log   zerolog.Logger
	alpha float64
}

// NewPersistence creates the regime store. The table must exist; see Schema.
func NewPersistence(db *sql.DB, log zerolog.Logger) *Persistence {
	return &Persistence{
		db:    db,
		log:   log.With().Str("component", "regime_persistence").Logger(),
		alpha: DefaultSmoothingAlpha,
	}
}

// CurrentScore returns the last smoothed score for index. ok is false when
// nothing has been recorded yet.
func (p *Persistence) CurrentScore(index string) (score float64, ok bool, err error) {
	err = p.db.QueryRow(`SELECT smoothed_score FROM market_regime_history
		WHERE index_symbol = ? ORDER BY id DESC LIMIT 1`, index).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read regime score: %w", err)
	}
	return score, true, nil
}

// Smooth applies the EMA to raw given the previous smoothed value
func Smooth(raw, previous, alpha float64) float64 {
	return alpha*raw + (1-alpha)*previous
}

// Record smooths raw against the last stored score, classifies it and stores
// the entry. The first entry for an index is stored unsmoothed.
func (p *Persistence) Record(index string, raw, indexChange float64, at time.Time) (HistoryEntry, error) {
	previous, ok, err := p.CurrentScore(index)
	if err != nil {
		return HistoryEntry{}, err
	}

	smoothed := raw
	if ok {
		smoothed = Smooth(raw, previous, p.alpha)
	}

	entry := HistoryEntry{
		RecordedAt:     at.UTC(),
		IndexSymbol:    index,
		RawScore:       raw,
		SmoothedScore:  smoothed,
		DiscreteRegime: Classify(smoothed),
		IndexChange:    indexChange,
	}

	res, err := p.db.Exec(`INSERT INTO market_regime_history
		(recorded_at, index_symbol, raw_score, smoothed_score, discrete_regime, index_change)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RecordedAt.Unix(), index, raw, smoothed, string(entry.DiscreteRegime), indexChange)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("record regime score: %w", err)
	}
	entry.ID, _ = res.LastInsertId()

	p.log.Debug().
		Str("index", index).
		Float64("raw_score", raw).
		Float64("smoothed_score", smoothed).
		Str("regime", string(entry.DiscreteRegime)).
		Msg("Recorded regime score")

	return entry, nil
}

// History returns the most recent entries for index, newest first
func (p *Persistence) History(index string, limit int) ([]HistoryEntry, error) {
	rows, err := p.db.Query(`SELECT id, recorded_at, index_symbol, raw_score, smoothed_score, discrete_regime, index_change
		FROM market_regime_history
		WHERE index_symbol = ?
		ORDER BY id DESC
		LIMIT ?`, index, limit)
	if err != nil {
		return nil, fmt.Errorf("query regime history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var recordedAt int64
		var regime string
		if err := rows.Scan(&e.ID, &recordedAt, &e.IndexSymbol, &e.RawScore, &e.SmoothedScore, &regime, &e.IndexChange); err != nil {
			return nil, fmt.Errorf("scan regime history: %w", err)
		}
		e.RecordedAt = time.Unix(recordedAt, 0).UTC()
		e.DiscreteRegime = domain.MarketRegime(regime)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ScoreChange is the difference between the last two smoothed scores
func (p *Persistence) ScoreChange(index string) (float64, error) {
	entries, err := p.History(index, 2)
	if err != nil {
		return 0, err
	}
	if len(entries) < 2 {
		return 0, nil
	}
	return entries[0].SmoothedScore - entries[1].SmoothedScore, nil
}
