package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/events"
	"github.com/aristath/tranche/internal/modules/ledger"
)

// RefreshAccount reloads balances and positions from the broker and
// reconciles the ledger. When the broker fails before any successful load,
// the last cached account is used; with nothing cached the ledger stays
// degraded. A failed refresh after a successful one keeps the current
// ledger, which is at least as fresh as the cache.
func (r *Runner) RefreshAccount(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := r.clock.Now()
	account, positions, err := r.fetchAccount(ctx)
	if err == nil {
		err = r.applyAccount(account, positions)
	}
	if err == nil {
		r.setSource(SourceBroker)
		if r.deps.Cache != nil {
			if cerr := r.deps.Cache.Store(*account, positions); cerr != nil {
				r.log.Warn().Err(cerr).Msg("Failed to cache account snapshot")
			}
		}
		r.announceAccount(SourceBroker)
		r.finishRun(CycleAccount, start, nil)
		return nil
	}

	r.log.Warn().Err(err).Msg("Account refresh failed")
	r.finishRun(CycleAccount, start, err)

	if r.currentSource() == SourceBroker {
		return nil
	}
	r.fallback()
	return nil
}

func (r *Runner) fetchAccount(ctx context.Context) (*domain.AccountSnapshot, map[string]domain.BrokerPosition, error) {
	if ok, reason := r.ready(ctx, CycleAccount); !ok {
		return nil, nil, fmt.Errorf("account refresh: %s: %w", reason, domain.ErrBrokerUnavailable)
	}

	var (
		account   *domain.AccountSnapshot
		positions map[string]domain.BrokerPosition
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := r.deps.Broker.GetAccountSnapshot(gctx)
		if err != nil {
			return fmt.Errorf("account snapshot: %w", err)
		}
		account = a
		return nil
	})
	g.Go(func() error {
		p, err := r.deps.Broker.GetPositions(gctx)
		if err != nil {
			return fmt.Errorf("positions: %w", err)
		}
		positions = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if account == nil {
		return nil, nil, fmt.Errorf("account snapshot: empty response: %w", domain.ErrBrokerUnavailable)
	}
	return account, positions, nil
}

// applyAccount builds a portfolio from broker state and swaps it into the
// ledger, which reconciles batches against the new positions.
func (r *Runner) applyAccount(account *domain.AccountSnapshot, positions map[string]domain.BrokerPosition) error {
	now := r.clock.Now()
	current := r.deps.Ledger.Portfolio()

	accountID := account.AccountID
	if accountID == "" {
		accountID = r.deps.AccountID
	}
	p := ledger.NewDegradedPortfolio(accountID)
	p.InitialCapital = current.InitialCapital
	if err := p.ApplyAccountSnapshot(account); err != nil {
		return err
	}

	for sym, bp := range positions {
		if bp.Quantity <= 0 {
			continue
		}
		cost := bp.CostPrice
		if cost <= 0 {
			cost = bp.CurrentPrice
		}
		if cost <= 0 {
			r.log.Warn().Str("symbol", sym).Msg("Broker position without cost or price, skipped")
			continue
		}
		pos, err := p.AddPosition(sym, bp.Quantity, cost, now)
		if err != nil {
			return fmt.Errorf("load position %s: %w", sym, err)
		}
		pos.CurrentPrice = bp.CurrentPrice
	}
	return r.deps.Ledger.Replace(p)
}

func (r *Runner) fallback() {
	if r.deps.Cache != nil {
		entry, ok, err := r.deps.Cache.Load()
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to read cached account")
		}
		if ok {
			if err := r.applyAccount(&entry.Account, entry.Positions); err != nil {
				r.log.Error().Err(err).Msg("Cached account rejected")
			} else {
				r.log.Info().Time("stored_at", entry.StoredAt).Msg("Using cached account snapshot")
				r.setSource(SourceCache)
				r.announceAccount(SourceCache)
				return
			}
		}
	}

	if r.currentSource() == SourceCache {
		return
	}
	r.log.Warn().Msg("No account data available, running degraded")
	r.setSource(SourceDegraded)
	r.announceAccount(SourceDegraded)
}

func (r *Runner) announceAccount(source string) {
	p := r.deps.Ledger.Portfolio()
	r.emit(&events.AccountRefreshedData{
		Source:      source,
		TotalAssets: p.TotalAssets,
		Cash:        p.Cash,
		Positions:   len(p.Positions),
	})
}

func (r *Runner) setSource(source string) {
	r.mu.Lock()
	r.source = source
	r.mu.Unlock()
}

func (r *Runner) currentSource() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}
