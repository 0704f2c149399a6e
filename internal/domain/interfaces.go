package domain

import (
	"context"
	"time"
)

// BrokerClient defines broker-agnostic account, market-data and order operations.
// All broker operations go through this interface; every call may block, so
// each takes a context that bounds it.
type BrokerClient interface {
	// Account operations
	GetAccountSnapshot(ctx context.Context) (*AccountSnapshot, error)
	GetPositions(ctx context.Context) (map[string]BrokerPosition, error)

	// Market data operations. Partial results for a subset of symbols are acceptable.
	GetMarketSnapshot(ctx context.Context, symbols []string) (MarketData, error)

	// Trading operations. Quantity must already be lot-size aligned.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// Connection & health
	IsConnected(ctx context.Context) bool
}

// LotSizeProvider reports the minimum tradable increment for a symbol.
// The boolean is false when the adapter does not know the lot size.
type LotSizeProvider interface {
	LotSize(symbol string) (int64, bool)
}

// MarketConditionProvider classifies the overall market.
type MarketConditionProvider interface {
	Condition() MarketCondition
}

// Clock abstracts time for the engines.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
