package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/events"
	"github.com/aristath/tranche/internal/modules/batchrisk"
	"github.com/aristath/tranche/internal/modules/ledger"
	"github.com/aristath/tranche/internal/modules/sizing"
	"github.com/aristath/tranche/internal/utils"
)

// RunRiskCycle prices held symbols, assesses every active batch and sells
// the ones that hit an exit. It is disabled in selection mode.
func (r *Runner) RunRiskCycle(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := r.clock.Now()
	if r.cfg.Mode == config.ModeSelection {
		r.skip(CycleRisk, "disabled in selection mode", start)
		return nil
	}
	if ok, reason := r.ready(ctx, CycleRisk); !ok {
		r.skip(CycleRisk, reason, start)
		return nil
	}
	if err := r.fsm.Advance(StateRiskChecking); err != nil {
		r.skip(CycleRisk, err.Error(), start)
		return nil
	}
	defer r.toIdle()

	defer utils.OperationTimer(CycleRisk, 10*r.cfg.Loop.BrokerTimeout, r.log)()
	_, err := r.riskPhase(ctx)
	r.finishRun(CycleRisk, start, err)
	return err
}

// RunTradingCycle runs the risk phase, then scaling add-ons, then new
// entries from the selector. Symbols stopped out in this tick are not bought
// back. In selection mode it only refreshes the candidate list; in risk mode
// it does nothing.
func (r *Runner) RunTradingCycle(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := r.clock.Now()
	if r.cfg.Mode == config.ModeRisk {
		r.skip(CycleTrading, "disabled in risk mode", start)
		return nil
	}
	if ok, reason := r.ready(ctx, CycleTrading); !ok {
		r.skip(CycleTrading, reason, start)
		return nil
	}
	if r.fsm.State() == StateStopped {
		r.skip(CycleTrading, ErrStopped.Error(), start)
		return nil
	}
	defer r.toIdle()
	defer utils.OperationTimer(CycleTrading, 30*r.cfg.Loop.BrokerTimeout, r.log)()

	var warnings []string
	err := r.tradingCycle(ctx, &warnings)
	if errors.Is(err, ErrStopped) {
		r.log.Info().Msg("Trading cycle aborted by stop")
		err = nil
	}
	r.finishRun(CycleTrading, start, err, warnings...)
	return err
}

// tradingCycle runs one trading pass. Failures it continues past are
// appended to warnings.
func (r *Runner) tradingCycle(ctx context.Context, warnings *[]string) error {
	if err := r.RefreshMarket(ctx); err != nil {
		*warnings = append(*warnings, "market refresh: "+err.Error())
	}

	stopped := map[string]bool{}
	if r.cfg.Mode == config.ModeFull {
		if err := r.fsm.Advance(StateRiskChecking); err != nil {
			return err
		}
		s, err := r.riskPhase(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			r.log.Warn().Err(err).Msg("Risk phase failed, continuing with selection")
			*warnings = append(*warnings, "risk phase: "+err.Error())
		}
		stopped = s
	}

	if err := r.fsm.Advance(StateSelecting); err != nil {
		return err
	}
	candidates := r.selectCandidates(ctx)
	if r.cfg.Mode == config.ModeSelection {
		return nil
	}

	symbols := mergeSymbols(r.heldSymbols(), candidates)
	market, err := r.deps.Broker.GetMarketSnapshot(ctx, symbols)
	if err != nil {
		return fmt.Errorf("trading cycle market snapshot: %w", err)
	}
	if r.deps.Indicators != nil {
		r.deps.Indicators.Enrich(ctx, market)
	}

	portfolio, batches := r.deps.Ledger.Snapshot()
	opportunities := r.deps.Scaling.FindOpportunities(portfolio, batches, market, r.clock.Now())
	r.mu.Lock()
	r.scaling = opportunities
	r.mu.Unlock()

	if err := r.fsm.Advance(StateTrading); err != nil {
		return err
	}

	for _, opp := range opportunities {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stopped[opp.Symbol] {
			continue
		}
		r.emit(&events.ScalingOpportunityData{
			Symbol:      opp.Symbol,
			FromLevel:   opp.CurrentLevel,
			ToLevel:     opp.TargetLevel,
			ProfitRatio: opp.ProfitRatio,
			Confidence:  opp.Confidence,
			Quantity:    opp.Quantity,
		})
		sug := r.deps.Sizing.SizeWithLots(opp.Symbol, opp.Price, false, market)
		if !sug.Actionable() {
			r.log.Debug().Str("symbol", opp.Symbol).Str("reason", sug.Reason).Msg("Scaling add not sized")
			continue
		}
		r.buy(ctx, sug, opp.Reason)
	}

	held := make(map[string]bool)
	for _, sym := range r.heldSymbols() {
		held[sym] = true
	}
	slots := r.cfg.Sizing.MaxPositions - r.deps.Ledger.Portfolio().PositionCount()

	for _, sym := range candidates {
		if slots <= 0 {
			r.log.Info().Int("max_positions", r.cfg.Sizing.MaxPositions).Msg("Position limit reached")
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if held[sym] || stopped[sym] {
			continue
		}
		price, ok := market.Price(sym)
		if !ok {
			r.log.Debug().Str("symbol", sym).Msg("Candidate has no price")
			continue
		}
		sug := r.deps.Sizing.SizeWithLots(sym, price, true, market)
		if !sug.Actionable() {
			r.log.Debug().Str("symbol", sym).Str("reason", sug.Reason).Msg("Candidate not sized")
			continue
		}
		if r.buy(ctx, sug, sug.Reason) {
			slots--
			held[sym] = true
		}
	}
	return nil
}

// riskPhase prices held symbols, assesses and executes. It returns the
// symbols closed in this phase.
func (r *Runner) riskPhase(ctx context.Context) (map[string]bool, error) {
	stopped := make(map[string]bool)

	symbols := r.heldSymbols()
	if len(symbols) == 0 {
		return stopped, nil
	}

	market, err := r.deps.Broker.GetMarketSnapshot(ctx, symbols)
	if err != nil {
		return stopped, fmt.Errorf("risk market snapshot: %w", err)
	}
	if r.deps.Indicators != nil {
		r.deps.Indicators.Enrich(ctx, market)
	}

	now := r.clock.Now()
	prices := market.Prices()
	if err := r.deps.Ledger.Update(func(p *ledger.Portfolio, s *ledger.BatchStore) error {
		p.UpdatePrices(prices)
		s.UpdatePrices(prices, now)
		return nil
	}); err != nil {
		return stopped, err
	}

	_, batches := r.deps.Ledger.Snapshot()
	assessments := r.deps.Risk.Assess(batches, market, now)

	execs, err := r.deps.Risk.Execute(ctx, r.deps.Ledger, assessments, r.closeBatch)
	for _, ex := range execs {
		stopped[ex.Symbol] = true
		r.emit(events.NewBatchClosed(ex.BatchID, ex.Symbol, ex.Level, ex.Quantity, ex.Price, string(ex.Status), ex.Reason))
	}
	if len(execs) > 0 && r.deps.Journal != nil {
		if jerr := r.deps.Journal.RecordExecutions(execs); jerr != nil {
			r.log.Error().Err(jerr).Msg("Failed to journal executions")
		}
	}

	r.emit(&events.RiskAssessedData{
		Assessed:   len(r.deps.Risk.Latest()),
		Actionable: len(assessments),
		Executed:   len(execs),
		Pending:    len(r.deps.Risk.PendingConfirmations()),
	})
	return stopped, err
}

// closeBatch is the risk engine's Closer: one market sell for the batch
func (r *Runner) closeBatch(ctx context.Context, a batchrisk.Assessment) (batchrisk.Fill, error) {
	req := domain.OrderRequest{
		ClientOrderID: NewClientOrderID(),
		Symbol:        a.Symbol,
		Quantity:      a.Quantity,
		Price:         a.CurrentPrice,
		Side:          domain.SideSell,
		Type:          domain.OrderTypeMarket,
		Remark:        string(a.Action),
	}
	res, err := r.deps.Broker.PlaceOrder(ctx, req)
	r.recordOrder(req, res, err, a.BatchID, a.Reason)
	if err != nil {
		return batchrisk.Fill{}, err
	}
	if res == nil || !res.Accepted {
		msg := "empty order response"
		if res != nil {
			msg = res.Message
		}
		return batchrisk.Fill{}, fmt.Errorf("sell %s: %s: %w", a.Symbol, msg, domain.ErrOrderRejected)
	}
	return batchrisk.Fill{OrderID: res.OrderID, Price: res.Price}, nil
}

// buy submits the order for a sized suggestion. On failure the batch created
// by sizing is released; on success the position and cash are updated
// optimistically until the next account refresh.
func (r *Runner) buy(ctx context.Context, sug sizing.Suggestion, reason string) bool {
	req := domain.OrderRequest{
		ClientOrderID: NewClientOrderID(),
		Symbol:        sug.Symbol,
		Quantity:      sug.Quantity,
		Price:         sug.Price,
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeMarket,
		Remark:        reason,
	}
	res, err := r.deps.Broker.PlaceOrder(ctx, req)
	r.recordOrder(req, res, err, sug.BatchID, reason)

	if err != nil || res == nil || !res.Accepted {
		if rerr := r.deps.Sizing.ReleaseBatch(sug.BatchID); rerr != nil {
			r.log.Error().Err(rerr).Str("batch_id", sug.BatchID).Msg("Failed to release batch")
		}
		return false
	}

	price := res.Price
	if price <= 0 {
		price = sug.Price
	}
	now := r.clock.Now()
	err = r.deps.Ledger.Update(func(p *ledger.Portfolio, _ *ledger.BatchStore) error {
		pos, err := p.AddPosition(sug.Symbol, sug.Quantity, price, now)
		if err != nil {
			return err
		}
		pos.CurrentPrice = price
		p.DebitCash(domain.TradeValue(sug.Quantity, price))
		return nil
	})
	if err != nil {
		r.log.Error().Err(err).Str("symbol", sug.Symbol).Msg("Optimistic ledger update failed, next refresh reconciles")
	}

	r.emit(events.NewBatchCreated(sug.BatchID, sug.Symbol, sug.Level, sug.Quantity, price, reason))
	return true
}

// recordOrder journals the order and emits OrderPlaced or OrderFailed
func (r *Runner) recordOrder(req domain.OrderRequest, res *domain.OrderResult, err error, batchID, reason string) {
	rec := domain.TradeRecord{
		ClientID:  req.ClientOrderID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
		BatchID:   batchID,
		Reason:    reason,
		CreatedAt: r.clock.Now(),
	}
	switch {
	case err != nil:
		rec.Message = err.Error()
	case res == nil:
		rec.Message = "empty order response"
	case !res.Accepted:
		rec.OrderID = res.OrderID
		rec.Message = res.Message
	default:
		rec.OrderID = res.OrderID
		rec.Success = true
		rec.Message = res.Message
		if res.Price > 0 {
			rec.Price = res.Price
		}
	}

	if !rec.Success {
		r.log.Warn().
			Str("symbol", rec.Symbol).
			Str("side", string(rec.Side)).
			Int64("quantity", rec.Quantity).
			Str("reason", rec.Message).
			Time("at", rec.CreatedAt).
			Msg("Order failed")
	}

	if r.deps.Journal != nil {
		if jerr := r.deps.Journal.RecordOrder(rec); jerr != nil {
			r.log.Error().Err(jerr).Str("client_id", rec.ClientID).Msg("Failed to journal order")
		}
	}

	data := &events.OrderData{
		ClientID: rec.ClientID,
		OrderID:  rec.OrderID,
		Symbol:   rec.Symbol,
		Side:     string(rec.Side),
		Quantity: rec.Quantity,
		Price:    rec.Price,
		BatchID:  batchID,
	}
	if !rec.Success {
		data.Error = rec.Message
		if data.Error == "" {
			data.Error = "rejected"
		}
	}
	r.emit(data)
}

// selectCandidates asks the selector for symbols and remembers them
func (r *Runner) selectCandidates(ctx context.Context) []string {
	if r.deps.Selector == nil {
		return nil
	}
	candidates, err := r.deps.Selector.Candidates(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("Candidate selection failed")
		return nil
	}
	r.mu.Lock()
	r.candidates = append([]string(nil), candidates...)
	r.mu.Unlock()
	r.log.Info().Int("count", len(candidates)).Strs("candidates", candidates).Msg("Candidates selected")
	return candidates
}

func mergeSymbols(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
