// Package alpaca adapts the Alpaca trading and market data SDKs to
// domain.BrokerClient. US equities trade in single shares, so every symbol
// reports a lot size of one.
package alpaca

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/indicators"
)

// LotSize is the share lot for US equities
const LotSize int64 = 1

// tradingAPI is the subset of *alpaca.Client the adapter uses
type tradingAPI interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetClock() (*alpaca.Clock, error)
}

// marketDataAPI is the subset of *marketdata.Client the adapter uses
type marketDataAPI interface {
	GetSnapshots(symbols []string, req marketdata.GetSnapshotRequest) (map[string]*marketdata.Snapshot, error)
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// Options configures the SDK clients. Empty keys fall back to the SDK's
// APCA_* environment variables.
type Options struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// Adapter implements domain.BrokerClient and indicators.BarSource
type Adapter struct {
	trading tradingAPI
	data    marketDataAPI
	log     zerolog.Logger
}

// NewAdapter creates an adapter that owns both SDK clients
func NewAdapter(opts Options, log zerolog.Logger) *Adapter {
	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	data := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	})
	return newAdapter(trading, data, log)
}

func newAdapter(trading tradingAPI, data marketDataAPI, log zerolog.Logger) *Adapter {
	return &Adapter{
		trading: trading,
		data:    data,
		log:     log.With().Str("client", "alpaca").Logger(),
	}
}

// call runs a blocking SDK call and gives up when ctx ends. The SDK has no
// context support, so an abandoned call finishes in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn()
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetAccountSnapshot implements domain.BrokerClient
func (a *Adapter) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	acct, err := call(ctx, a.trading.GetAccount)
	if err != nil {
		return nil, fmt.Errorf("alpaca account: %w", err)
	}
	return transformAccountToDomain(acct), nil
}

// GetPositions implements domain.BrokerClient
func (a *Adapter) GetPositions(ctx context.Context) (map[string]domain.BrokerPosition, error) {
	positions, err := call(ctx, a.trading.GetPositions)
	if err != nil {
		return nil, fmt.Errorf("alpaca positions: %w", err)
	}
	return transformPositionsToDomain(positions), nil
}

// GetMarketSnapshot implements domain.BrokerClient. Symbols Alpaca has no
// snapshot for are omitted.
func (a *Adapter) GetMarketSnapshot(ctx context.Context, symbols []string) (domain.MarketData, error) {
	out := make(domain.MarketData, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	snaps, err := call(ctx, func() (map[string]*marketdata.Snapshot, error) {
		return a.data.GetSnapshots(symbols, marketdata.GetSnapshotRequest{})
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca snapshots: %w", err)
	}

	for sym, snap := range snaps {
		if snap == nil {
			continue
		}
		out[sym] = transformSnapshotToDomain(sym, snap)
	}
	if len(out) < len(symbols) {
		a.log.Debug().Int("requested", len(symbols)).Int("received", len(out)).Msg("Partial market snapshot")
	}
	return out, nil
}

// PlaceOrder implements domain.BrokerClient. A broker-side rejection is
// returned as an error wrapping domain.ErrOrderRejected.
func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	sdkReq, err := transformOrderRequest(req)
	if err != nil {
		return nil, err
	}

	order, err := call(ctx, func() (*alpaca.Order, error) {
		return a.trading.PlaceOrder(sdkReq)
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca order %s %s: %w", req.Side, req.Symbol, err)
	}

	result := transformOrderToDomain(order, req)
	a.log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("quantity", req.Quantity).
		Str("order_id", result.OrderID).
		Bool("accepted", result.Accepted).
		Msg("Order submitted")
	return result, nil
}

// IsConnected implements domain.BrokerClient using the market clock
func (a *Adapter) IsConnected(ctx context.Context) bool {
	_, err := call(ctx, a.trading.GetClock)
	if err != nil {
		a.log.Debug().Err(err).Msg("Alpaca connectivity check failed")
		return false
	}
	return true
}

// MarketOpen reports whether the exchange is currently open
func (a *Adapter) MarketOpen(ctx context.Context) (bool, error) {
	clock, err := call(ctx, a.trading.GetClock)
	if err != nil {
		return false, err
	}
	return clock.IsOpen, nil
}

// GetDailyBars implements indicators.BarSource
func (a *Adapter) GetDailyBars(ctx context.Context, symbol string, days int) ([]indicators.Bar, error) {
	// calendar days cover weekends and holidays
	start := time.Now().AddDate(0, 0, -days*3/2-7)
	bars, err := call(ctx, func() ([]marketdata.Bar, error) {
		return a.data.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     start,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", symbol, err)
	}
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return transformBarsToDomain(bars), nil
}
