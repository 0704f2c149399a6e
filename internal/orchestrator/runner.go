// Package orchestrator drives the engines on a schedule: account refresh,
// the risk cycle and the trading cycle. Broker calls go through a rate
// limited Gateway and every cycle holds one mutex so they never interleave.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/config"
	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/events"
	"github.com/aristath/tranche/internal/modules/batchrisk"
	"github.com/aristath/tranche/internal/modules/journal"
	"github.com/aristath/tranche/internal/modules/ledger"
	"github.com/aristath/tranche/internal/modules/scaling"
	"github.com/aristath/tranche/internal/modules/sizing"
	"github.com/aristath/tranche/internal/scheduler"
)

// Cycle names, also used as scheduler job names
const (
	CycleAccount = "account_refresh"
	CycleRisk    = "risk_cycle"
	CycleTrading = "trading_cycle"
)

// Account sources
const (
	SourceBroker   = "broker"
	SourceCache    = "cache"
	SourceDegraded = "degraded"
)

// Journal persists executions and orders
type Journal interface {
	RecordExecutions(execs []batchrisk.Execution) error
	RecordOrder(rec domain.TradeRecord) error
}

// AccountCache keeps the last good broker account
type AccountCache interface {
	Store(account domain.AccountSnapshot, positions map[string]domain.BrokerPosition) error
	Load() (journal.CachedAccount, bool, error)
}

// Enricher fills derived snapshot fields
type Enricher interface {
	Enrich(ctx context.Context, data domain.MarketData)
}

// MarketMonitor tracks the broad market regime
type MarketMonitor interface {
	Condition() domain.MarketCondition
	Refresh(ctx context.Context) (domain.MarketCondition, error)
}

// MarketClock reports whether the exchange is trading
type MarketClock interface {
	MarketOpen(ctx context.Context) (bool, error)
}

// Deps are the runner's collaborators. Ledger, Broker, Sizing, Scaling,
// Risk and Config are required; the rest may be nil.
type Deps struct {
	Ledger     *ledger.Ledger
	Broker     domain.BrokerClient
	Sizing     *sizing.Engine
	Scaling    *scaling.Detector
	Risk       *batchrisk.Engine
	Indicators Enricher
	Market     MarketMonitor
	Hours      MarketClock
	Selector   scheduler.Selector
	Journal    Journal
	Cache      AccountCache
	Events     *events.Manager
	Config     *config.TradingConfig
	AccountID  string
	Clock      domain.Clock
}

// CycleRun describes the last run of one cycle
type CycleRun struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Skipped   bool          `json:"skipped"`
	Reason    string        `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"` // failures the cycle ran past
}

// Status is a point-in-time view of the runner
type Status struct {
	State         State                  `json:"state"`
	StateSince    time.Time              `json:"state_since"`
	Mode          config.RunMode         `json:"mode"`
	AccountSource string                 `json:"account_source"`
	BackoffUntil  *time.Time             `json:"backoff_until,omitempty"`
	LastRuns      map[string]CycleRun    `json:"last_runs"`
	Candidates    []string               `json:"candidates"`
	Market        domain.MarketCondition `json:"market"`
}

// Runner owns the cycles
type Runner struct {
	deps  Deps
	cfg   *config.TradingConfig
	clock domain.Clock
	fsm   *Machine
	log   zerolog.Logger

	cycleMu sync.Mutex

	mu           sync.Mutex
	source       string
	backoffUntil time.Time
	lastRuns     map[string]CycleRun
	candidates   []string
	scaling      []scaling.Opportunity
	regime       domain.MarketRegime
}

// NewRunner wires a runner. It starts IDLE with a degraded account source
// until the first refresh.
func NewRunner(deps Deps, log zerolog.Logger) *Runner {
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	r := &Runner{
		deps:     deps,
		cfg:      deps.Config,
		clock:    deps.Clock,
		log:      log.With().Str("service", "orchestrator").Logger(),
		source:   SourceDegraded,
		lastRuns: make(map[string]CycleRun),
		regime:   domain.RegimeNeutral,
	}
	r.fsm = NewMachine(func(from, to State) {
		r.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("State changed")
		r.emit(&events.StateChangedData{From: string(from), To: string(to)})
	})
	return r
}

// State returns the current FSM state
func (r *Runner) State() State {
	return r.fsm.State()
}

// Stop halts cycles until Resume. A cycle already running finishes its
// current step and then aborts.
func (r *Runner) Stop() error {
	r.log.Info().Msg("Orchestrator stopping")
	return r.fsm.Transition(StateStopped)
}

// Resume leaves STOPPED
func (r *Runner) Resume() {
	if r.fsm.Resume() {
		r.log.Info().Msg("Orchestrator resumed")
	}
}

// Status returns a copy of the runner status
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		State:         r.fsm.State(),
		StateSince:    r.fsm.Since(),
		Mode:          r.cfg.Mode,
		AccountSource: r.source,
		LastRuns:      make(map[string]CycleRun, len(r.lastRuns)),
		Candidates:    append([]string(nil), r.candidates...),
		Market:        domain.NeutralMarket(),
	}
	if r.clock.Now().Before(r.backoffUntil) {
		until := r.backoffUntil
		st.BackoffUntil = &until
	}
	for k, v := range r.lastRuns {
		st.LastRuns[k] = v
	}
	if r.deps.Market != nil {
		st.Market = r.deps.Market.Condition()
	}
	return st
}

// Opportunities returns the scaling opportunities found by the last trading
// cycle
func (r *Runner) Opportunities() []scaling.Opportunity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scaling.Opportunity(nil), r.scaling...)
}

// ready checks connectivity before a cycle. An unreachable broker starts a
// fixed backoff during which cycles are skipped without calling it.
func (r *Runner) ready(ctx context.Context, cycle string) (bool, string) {
	now := r.clock.Now()

	r.mu.Lock()
	backoff := r.backoffUntil
	r.mu.Unlock()
	if now.Before(backoff) {
		return false, "connectivity backoff"
	}

	if r.deps.Broker.IsConnected(ctx) {
		return r.marketOpen(ctx, cycle)
	}

	r.mu.Lock()
	r.backoffUntil = now.Add(r.cfg.Loop.ConnectivityBackoff)
	r.mu.Unlock()
	r.log.Warn().
		Str("cycle", cycle).
		Dur("backoff", r.cfg.Loop.ConnectivityBackoff).
		Msg("Broker unreachable, backing off")
	return false, "broker unreachable"
}

// marketOpen fails open: a clock error only logs
func (r *Runner) marketOpen(ctx context.Context, cycle string) (bool, string) {
	if r.deps.Hours == nil {
		return true, ""
	}
	open, err := r.deps.Hours.MarketOpen(ctx)
	if err != nil {
		r.log.Warn().Err(err).Str("cycle", cycle).Msg("Market clock unavailable")
		return true, ""
	}
	if !open {
		return false, "market closed"
	}
	return true, ""
}

func (r *Runner) skip(cycle, reason string, start time.Time) {
	r.log.Info().Str("cycle", cycle).Str("reason", reason).Msg("Cycle skipped")
	r.emit(&events.CycleSkippedData{Cycle: cycle, Reason: reason})
	r.recordRun(cycle, CycleRun{StartedAt: start, Skipped: true, Reason: reason})
}

func (r *Runner) finishRun(cycle string, start time.Time, err error, warnings ...string) {
	run := CycleRun{StartedAt: start, Duration: r.clock.Now().Sub(start), Warnings: warnings}
	if err != nil {
		run.Error = err.Error()
	}
	r.recordRun(cycle, run)
}

func (r *Runner) recordRun(cycle string, run CycleRun) {
	r.mu.Lock()
	r.lastRuns[cycle] = run
	r.mu.Unlock()
}

// toIdle ends a cycle. A stop issued mid-cycle is left in place.
func (r *Runner) toIdle() {
	if err := r.fsm.Advance(StateIdle); err != nil && err != ErrStopped {
		r.log.Error().Err(err).Msg("Failed to return to idle")
	}
}

func (r *Runner) emit(data events.EventData) {
	if r.deps.Events != nil {
		r.deps.Events.Emit("orchestrator", data)
	}
}

// heldSymbols returns every symbol with a position or an active batch
func (r *Runner) heldSymbols() []string {
	set := make(map[string]struct{})
	r.deps.Ledger.View(func(p *ledger.Portfolio, s *ledger.BatchStore) {
		for _, sym := range p.Symbols() {
			set[sym] = struct{}{}
		}
		for _, sym := range s.ActiveSymbols() {
			set[sym] = struct{}{}
		}
	})
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// RefreshMarket updates the market regime and reports changes
func (r *Runner) RefreshMarket(ctx context.Context) error {
	if r.deps.Market == nil {
		return nil
	}
	cond, err := r.deps.Market.Refresh(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("Market regime refresh failed, keeping previous condition")
		return err
	}

	r.mu.Lock()
	changed := cond.Regime != r.regime
	r.regime = cond.Regime
	r.mu.Unlock()

	if changed {
		r.emit(&events.MarketRegimeData{
			Regime:      string(cond.Regime),
			IndexChange: cond.IndexChange,
			Unfavorable: cond.Unfavorable,
		})
	}
	return nil
}
