// Package sizing decides how many shares to buy for an initial build or an
// add-on, and creates the batch for every non-zero suggestion.
package sizing

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/ledger"
)

// Reasons carried by zero-quantity suggestions
const (
	ReasonInvalidPrice       = "invalid price"
	ReasonPriceLimit         = "price above sanity limit"
	ReasonRestricted         = "restricted symbol"
	ReasonConcentration      = "concentration limit exceeded"
	ReasonCashGate           = "available cash below one lot"
	ReasonInsufficientFunds  = "insufficient funds"
	ReasonMaxLevel           = "max level reached"
	ReasonTargetReached      = "position already at target ratio"
	ReasonNoAssets           = "no total assets"
	ReasonInitialBuild       = "initial build"
	ReasonAddOn              = "add-on"
	ReasonTieredAdd          = "tiered add"
	ReasonLedgerUpdateFailed = "ledger update failed"
)

// Suggestion is the outcome of one sizing call. A suggestion with a
// positive Quantity always carries the id of the batch created for it.
type Suggestion struct {
	Symbol    string           `json:"symbol"`
	Quantity  int64            `json:"quantity"`
	Price     float64          `json:"price"`
	Value     float64          `json:"value"`
	Level     int              `json:"level"`
	BatchID   string           `json:"batch_id,omitempty"`
	Ratio     float64          `json:"position_ratio"` // position value after the buy / total assets
	Risk      domain.RiskLevel `json:"risk_level"`
	Reason    string           `json:"reason"`
	IsInitial bool             `json:"is_initial"`
	Err       error            `json:"-"`
	CreatedAt time.Time        `json:"created_at"`
}

// Actionable reports whether the suggestion should become an order
func (s Suggestion) Actionable() bool {
	return s.Quantity > 0 && s.BatchID != ""
}

// Engine sizes buys against the ledger
type Engine struct {
	ledger     *ledger.Ledger
	restricted RestrictedList
	cfg        config.SizingConfig
	trading    *config.TradingConfig
	clock      domain.Clock
	log        zerolog.Logger
}

// NewEngine creates a sizing engine. A nil restricted list restricts nothing.
func NewEngine(l *ledger.Ledger, cfg *config.TradingConfig, restricted RestrictedList, log zerolog.Logger) *Engine {
	if restricted == nil {
		restricted = NewStaticRestrictedList(cfg.Sizing.RestrictedSymbols)
	}
	return &Engine{
		ledger:     l,
		restricted: restricted,
		cfg:        cfg.Sizing,
		trading:    cfg,
		clock:      domain.SystemClock{},
		log:        log.With().Str("engine", "sizing").Logger(),
	}
}

// WithClock replaces the clock used for batch entry times
func (e *Engine) WithClock(c domain.Clock) *Engine {
	e.clock = c
	return e
}

// Size sizes a buy using the default lot size.
func (e *Engine) Size(symbol string, price float64, isInitial bool) Suggestion {
	return e.SizeWithLots(symbol, price, isInitial, nil)
}

// SizeWithLots sizes a buy for symbol. On success the batch is created and
// exposure recorded inside the same ledger update that produced the
// suggestion.
func (e *Engine) SizeWithLots(symbol string, price float64, isInitial bool, lots domain.LotSizeProvider) Suggestion {
	now := e.clock.Now()
	lot := e.lotSize(symbol, lots)

	var sug Suggestion
	err := e.ledger.Update(func(p *ledger.Portfolio, s *ledger.BatchStore) error {
		sug = e.evaluate(p, s, symbol, price, isInitial, lot, now)
		if sug.Quantity == 0 {
			return nil
		}

		var parentID string
		if sug.Level > ledger.MinLevel {
			parent := s.TopActive(symbol)
			if parent == nil {
				return fmt.Errorf("size %s: no parent for level %d: %w", symbol, sug.Level, domain.ErrInvariantViolation)
			}
			parentID = parent.ID
		}

		stops := e.trading.StopProfileFor(sug.Level)
		batch, err := s.Create(ledger.BatchSpec{
			Symbol:          symbol,
			PortfolioID:     p.AccountID,
			Level:           sug.Level,
			ParentID:        parentID,
			EntryPrice:      price,
			Quantity:        sug.Quantity,
			StopLossRatio:   stops.StopLossRatio,
			TrailingRatio:   stops.TrailingRatio,
			TakeProfitRatio: e.trading.Risk.Levels[sug.Level].ProfitTakingRatio,
			EntryTime:       now,
		})
		if err != nil {
			return err
		}
		sug.BatchID = batch.ID
		e.ledger.Exposure().Record(symbol, sug.Value, sug.Level)
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to create batch for suggestion")
		return reject(symbol, price, isInitial, ReasonLedgerUpdateFailed, err, now)
	}

	ev := e.log.Debug().
		Str("symbol", symbol).
		Int64("quantity", sug.Quantity).
		Float64("price", price).
		Str("reason", sug.Reason)
	if sug.BatchID != "" {
		ev = ev.Str("batch_id", sug.BatchID).Int("level", sug.Level)
	}
	ev.Msg("Sized position")
	return sug
}

func (e *Engine) evaluate(p *ledger.Portfolio, s *ledger.BatchStore, symbol string, price float64, isInitial bool, lot int64, now time.Time) Suggestion {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return reject(symbol, price, isInitial, ReasonInvalidPrice, domain.ErrInvalidPrice, now)
	}
	if price > e.cfg.MaxPrice {
		return reject(symbol, price, isInitial, ReasonPriceLimit, domain.ErrInvalidPrice, now)
	}
	if e.restricted.IsRestricted(symbol) {
		return reject(symbol, price, isInitial, ReasonRestricted, nil, now)
	}

	total := p.TotalAssets
	if total <= 0 {
		return reject(symbol, price, isInitial, ReasonNoAssets, domain.ErrInsufficientFunds, now)
	}

	current := p.PositionValue(symbol)
	oneLot := price * float64(lot)

	ceiling := e.cfg.MaxConcentration
	if isInitial {
		ceiling = e.cfg.InitialConcentration
	}
	if (current+oneLot)/total > ceiling {
		return reject(symbol, price, isInitial, ReasonConcentration, nil, now)
	}
	if p.AvailableCash < oneLot {
		return reject(symbol, price, isInitial, ReasonCashGate, domain.ErrInsufficientFunds, now)
	}

	cashCap := (1 - e.cfg.CashReserve) * p.AvailableCash
	tier := s.CurrentTier(symbol)
	level := tier + 1

	var value float64
	var reason string
	if !isInitial && tier > 0 {
		if level > ledger.MaxLevel {
			return zero(symbol, price, isInitial, tier, ReasonMaxLevel, now)
		}
		lvl, ok := e.trading.Scaling.Levels[level]
		if !ok {
			return zero(symbol, price, isInitial, tier, ReasonMaxLevel, now)
		}
		headroom := total*lvl.MaxRatio - current
		if headroom <= 0 {
			return zero(symbol, price, isInitial, tier, ReasonTargetReached, now)
		}
		value = math.Min(domain.MulRatio(total, lvl.AddRatio), headroom)
		reason = ReasonTieredAdd
	} else {
		if level > ledger.MaxLevel {
			return zero(symbol, price, isInitial, tier, ReasonMaxLevel, now)
		}
		ratio := e.cfg.MaxRatio
		reason = ReasonAddOn
		if isInitial {
			ratio = e.cfg.InitialRatio
			reason = ReasonInitialBuild
		}
		value = domain.MulRatio(total, ratio) - current
		if value <= 0 {
			return zero(symbol, price, isInitial, tier, ReasonTargetReached, now)
		}
	}

	value = math.Min(value, cashCap)
	qty := domain.FloorToLot(value, price, lot)
	if qty == 0 {
		return zero(symbol, price, isInitial, tier, ReasonInsufficientFunds, now)
	}

	tradeValue := domain.TradeValue(qty, price)
	positionRatio := (current + tradeValue) / total
	return Suggestion{
		Symbol:    symbol,
		Quantity:  qty,
		Price:     price,
		Value:     tradeValue,
		Level:     level,
		Ratio:     positionRatio,
		Risk:      riskForRatio(positionRatio),
		Reason:    reason,
		IsInitial: isInitial,
		CreatedAt: now,
	}
}

func (e *Engine) lotSize(symbol string, lots domain.LotSizeProvider) int64 {
	if lots != nil {
		if lot, ok := lots.LotSize(symbol); ok && lot > 0 {
			return lot
		}
	}
	if e.cfg.DefaultLotSize > 0 {
		return e.cfg.DefaultLotSize
	}
	return domain.DefaultLotSize
}

// riskForRatio labels a suggestion by the resulting position ratio
func riskForRatio(ratio float64) domain.RiskLevel {
	switch {
	case ratio > 0.15:
		return domain.RiskHigh
	case ratio > 0.08:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func reject(symbol string, price float64, isInitial bool, reason string, err error, now time.Time) Suggestion {
	return Suggestion{
		Symbol:    symbol,
		Price:     price,
		Risk:      domain.RiskCritical,
		Reason:    reason,
		IsInitial: isInitial,
		Err:       err,
		CreatedAt: now,
	}
}

func zero(symbol string, price float64, isInitial bool, tier int, reason string, now time.Time) Suggestion {
	return Suggestion{
		Symbol:    symbol,
		Price:     price,
		Level:     tier,
		Risk:      domain.RiskLow,
		Reason:    reason,
		IsInitial: isInitial,
		CreatedAt: now,
	}
}
