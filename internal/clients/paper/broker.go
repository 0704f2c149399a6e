// Package paper is an in-memory broker that fills every order at the current
// quote. It backs dry runs and the orchestrator tests, and can inject faults.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/indicators"
	"github.com/aristath/tranche/internal/utils"
)

// Faults makes the broker misbehave. The zero value is a healthy broker.
type Faults struct {
	Disconnected  bool
	AccountErr    error
	PositionsErr  error
	MarketErr     error
	OrderErr      error // returned from PlaceOrder before any fill
	RejectOrders  bool  // orders come back with Accepted=false
	Latency       time.Duration
	MissingQuotes []string // symbols omitted from snapshots
}

type holding struct {
	qty  int64
	cost float64
}

// Broker implements domain.BrokerClient and indicators.BarSource
type Broker struct {
	accountID string
	lotSize   int64
	log       zerolog.Logger

	mu       sync.Mutex
	cash     float64
	holdings map[string]*holding
	quotes   map[string]domain.MarketSnapshot
	bars     map[string][]indicators.Bar
	orders   []domain.OrderResult
	faults   Faults
	calls    int
}

// NewBroker creates a paper broker with starting cash. lotSize applies to
// every symbol without an explicit quote lot size.
func NewBroker(accountID string, cash float64, lotSize int64, log zerolog.Logger) *Broker {
	if lotSize <= 0 {
		lotSize = domain.DefaultLotSize
	}
	return &Broker{
		accountID: accountID,
		lotSize:   lotSize,
		log:       log.With().Str("client", "paper").Logger(),
		cash:      cash,
		holdings:  make(map[string]*holding),
		quotes:    make(map[string]domain.MarketSnapshot),
		bars:      make(map[string][]indicators.Bar),
	}
}

// SetPrice sets the last price for symbol, keeping other quote fields
func (b *Broker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.quotes[symbol]
	q.Symbol = symbol
	q.LastPrice = domain.Float(price)
	q.Timestamp = time.Now()
	b.quotes[symbol] = q
}

// SetQuote replaces the full snapshot for a symbol
func (b *Broker) SetQuote(snap domain.MarketSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[snap.Symbol] = snap
}

// SetBars sets the daily history served by GetDailyBars
func (b *Broker) SetBars(symbol string, bars []indicators.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bars[symbol] = append([]indicators.Bar(nil), bars...)
}

// SetPosition seeds a holding without touching cash
func (b *Broker) SetPosition(symbol string, qty int64, cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if qty <= 0 {
		delete(b.holdings, symbol)
		return
	}
	b.holdings[symbol] = &holding{qty: qty, cost: cost}
}

// SetFaults replaces the injected faults
func (b *Broker) SetFaults(f Faults) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = f
}

// Orders returns every order result, oldest first
func (b *Broker) Orders() []domain.OrderResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OrderResult(nil), b.orders...)
}

// Calls returns how many broker operations have been invoked
func (b *Broker) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Cash returns the current cash balance
func (b *Broker) Cash() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash
}

// begin counts the call, applies latency and returns the current faults
func (b *Broker) begin(ctx context.Context) (Faults, error) {
	b.mu.Lock()
	b.calls++
	f := b.faults
	b.mu.Unlock()

	if f.Latency > 0 {
		select {
		case <-time.After(f.Latency):
		case <-ctx.Done():
			return f, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return f, err
	}
	if f.Disconnected {
		return f, fmt.Errorf("paper broker: %w", domain.ErrBrokerUnavailable)
	}
	return f, nil
}

func (b *Broker) priceLocked(symbol string) float64 {
	if q, ok := b.quotes[symbol]; ok {
		return q.EffectivePrice()
	}
	return 0
}

// GetAccountSnapshot implements domain.BrokerClient
func (b *Broker) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	f, err := b.begin(ctx)
	if err != nil {
		return nil, err
	}
	if f.AccountErr != nil {
		return nil, f.AccountErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	total := b.cash
	for sym, h := range b.holdings {
		price := b.priceLocked(sym)
		if price <= 0 {
			price = h.cost
		}
		total += float64(h.qty) * price
	}
	return &domain.AccountSnapshot{
		AccountID:     b.accountID,
		TotalAssets:   domain.RoundMoney(total),
		Cash:          domain.RoundMoney(b.cash),
		AvailableCash: domain.RoundMoney(b.cash),
		Timestamp:     time.Now(),
	}, nil
}

// GetPositions implements domain.BrokerClient
func (b *Broker) GetPositions(ctx context.Context) (map[string]domain.BrokerPosition, error) {
	f, err := b.begin(ctx)
	if err != nil {
		return nil, err
	}
	if f.PositionsErr != nil {
		return nil, f.PositionsErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]domain.BrokerPosition, len(b.holdings))
	for sym, h := range b.holdings {
		out[sym] = domain.BrokerPosition{
			Symbol:       sym,
			Quantity:     h.qty,
			CostPrice:    h.cost,
			CurrentPrice: b.priceLocked(sym),
		}
	}
	return out, nil
}

// GetMarketSnapshot implements domain.BrokerClient. Unknown symbols are
// left out of the result.
func (b *Broker) GetMarketSnapshot(ctx context.Context, symbols []string) (domain.MarketData, error) {
	f, err := b.begin(ctx)
	if err != nil {
		return nil, err
	}
	if f.MarketErr != nil {
		return nil, f.MarketErr
	}

	missing := make(map[string]bool, len(f.MissingQuotes))
	for _, s := range f.MissingQuotes {
		missing[s] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(domain.MarketData, len(symbols))
	for _, sym := range symbols {
		q, ok := b.quotes[sym]
		if !ok || missing[sym] {
			continue
		}
		if q.LotSize == nil {
			q.LotSize = domain.Int(b.lotSize)
		}
		out[sym] = q
	}
	return out, nil
}

// PlaceOrder implements domain.BrokerClient. Orders fill immediately at the
// current quote; lot misalignment, unknown prices, short cash and overselling
// are rejected.
func (b *Broker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	f, err := b.begin(ctx)
	if err != nil {
		return nil, err
	}
	if f.OrderErr != nil {
		return nil, f.OrderErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	result := &domain.OrderResult{
		OrderID:       utils.NewID("paper_"),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		SubmittedAt:   time.Now(),
	}
	reject := func(msg string) (*domain.OrderResult, error) {
		result.Message = msg
		b.orders = append(b.orders, *result)
		b.log.Info().Str("symbol", req.Symbol).Str("reason", msg).Msg("Paper order rejected")
		return result, nil
	}

	if f.RejectOrders {
		return reject("rejected by fault injection")
	}

	lot := b.lotSize
	if q, ok := b.quotes[req.Symbol]; ok && q.LotSize != nil && *q.LotSize > 0 {
		lot = *q.LotSize
	}
	if !domain.IsLotAligned(req.Quantity, lot) {
		return reject(fmt.Sprintf("quantity %d not a multiple of lot %d", req.Quantity, lot))
	}

	price := b.priceLocked(req.Symbol)
	if req.Type == domain.OrderTypeLimit && req.Price > 0 {
		price = req.Price
	}
	if price <= 0 {
		return reject("no price for " + req.Symbol)
	}
	value := domain.TradeValue(req.Quantity, price)

	switch req.Side {
	case domain.SideBuy:
		if value > b.cash {
			return reject(fmt.Sprintf("insufficient cash: need %.2f, have %.2f", value, b.cash))
		}
		h := b.holdings[req.Symbol]
		if h == nil {
			h = &holding{}
			b.holdings[req.Symbol] = h
		}
		h.cost = (h.cost*float64(h.qty) + price*float64(req.Quantity)) / float64(h.qty+req.Quantity)
		h.qty += req.Quantity
		b.cash -= value
	case domain.SideSell:
		h := b.holdings[req.Symbol]
		if h == nil || h.qty < req.Quantity {
			return reject("selling more than held")
		}
		h.qty -= req.Quantity
		if h.qty == 0 {
			delete(b.holdings, req.Symbol)
		}
		b.cash += value
	default:
		return reject("unknown side " + string(req.Side))
	}

	result.Price = price
	result.Accepted = true
	b.orders = append(b.orders, *result)

	b.log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("quantity", req.Quantity).
		Float64("price", price).
		Msg("Paper order filled")
	return result, nil
}

// IsConnected implements domain.BrokerClient
func (b *Broker) IsConnected(ctx context.Context) bool {
	_, err := b.begin(ctx)
	return err == nil
}

// GetDailyBars implements indicators.BarSource
func (b *Broker) GetDailyBars(ctx context.Context, symbol string, days int) ([]indicators.Bar, error) {
	f, err := b.begin(ctx)
	if err != nil {
		return nil, err
	}
	if f.MarketErr != nil {
		return nil, f.MarketErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	bars, ok := b.bars[symbol]
	if !ok {
		return nil, fmt.Errorf("paper broker: no bars for %s", symbol)
	}
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return append([]indicators.Bar(nil), bars...), nil
}

// Symbols returns held symbols, sorted
func (b *Broker) Symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.holdings))
	for s := range b.holdings {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
