package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/indicators"
	"github.com/aristath/tranche/internal/utils"
)

// Gateway wraps a broker with the shared rate limiter and a per-call
// timeout. It implements domain.BrokerClient and indicators.BarSource.
type Gateway struct {
	broker  domain.BrokerClient
	limiter *RateLimiter
	timeout time.Duration
	log     zerolog.Logger
}

// NewGateway creates a gateway. A nil limiter disables rate limiting and a
// zero timeout leaves the caller's deadline alone.
func NewGateway(broker domain.BrokerClient, limiter *RateLimiter, timeout time.Duration, log zerolog.Logger) *Gateway {
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &Gateway{
		broker:  broker,
		limiter: limiter,
		timeout: timeout,
		log:     log.With().Str("component", "broker_gateway").Logger(),
	}
}

// Limiter exposes the shared limiter
func (g *Gateway) Limiter() *RateLimiter {
	return g.limiter
}

func (g *Gateway) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("%s: rate limit wait: %w", op, err)
	}
	if g.timeout <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	return ctx, cancel, nil
}

// GetAccountSnapshot implements domain.BrokerClient
func (g *Gateway) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	ctx, cancel, err := g.begin(ctx, "account snapshot")
	if err != nil {
		return nil, err
	}
	defer cancel()
	return g.broker.GetAccountSnapshot(ctx)
}

// GetPositions implements domain.BrokerClient
func (g *Gateway) GetPositions(ctx context.Context) (map[string]domain.BrokerPosition, error) {
	ctx, cancel, err := g.begin(ctx, "positions")
	if err != nil {
		return nil, err
	}
	defer cancel()
	return g.broker.GetPositions(ctx)
}

// GetMarketSnapshot implements domain.BrokerClient
func (g *Gateway) GetMarketSnapshot(ctx context.Context, symbols []string) (domain.MarketData, error) {
	if len(symbols) == 0 {
		return domain.MarketData{}, nil
	}
	ctx, cancel, err := g.begin(ctx, "market snapshot")
	if err != nil {
		return nil, err
	}
	defer cancel()
	return g.broker.GetMarketSnapshot(ctx, symbols)
}

// PlaceOrder implements domain.BrokerClient. Requests without a client
// order id get a time-ordered one.
func (g *Gateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID()
	}
	ctx, cancel, err := g.begin(ctx, "place order")
	if err != nil {
		return nil, err
	}
	defer cancel()

	done := utils.OperationTimer("place_order", 2*time.Second, g.log)
	defer done()
	return g.broker.PlaceOrder(ctx, req)
}

// IsConnected implements domain.BrokerClient
func (g *Gateway) IsConnected(ctx context.Context) bool {
	ctx, cancel, err := g.begin(ctx, "connectivity")
	if err != nil {
		return false
	}
	defer cancel()
	return g.broker.IsConnected(ctx)
}

// GetDailyBars implements indicators.BarSource when the broker serves bars
func (g *Gateway) GetDailyBars(ctx context.Context, symbol string, days int) ([]indicators.Bar, error) {
	src, ok := g.broker.(indicators.BarSource)
	if !ok {
		return nil, fmt.Errorf("daily bars %s: broker has no bar history", symbol)
	}
	ctx, cancel, err := g.begin(ctx, "daily bars")
	if err != nil {
		return nil, err
	}
	defer cancel()
	return src.GetDailyBars(ctx, symbol, days)
}

// NewClientOrderID returns a sortable client order id
func NewClientOrderID() string {
	return utils.NewID("ord_")
}
