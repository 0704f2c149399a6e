package domain

import "time"

// Broker-agnostic types for the account, positions and orders.
// These types abstract away broker-specific implementations (paper, Alpaca, etc.)

// AccountSnapshot represents the broker's view of the account balances
type AccountSnapshot struct {
	AccountID     string    // Broker account identifier
	TotalAssets   float64   // Cash plus market value of holdings
	Cash          float64   // Settled cash
	AvailableCash float64   // Cash available for new orders (0 = not reported)
	FrozenCash    float64   // Cash locked by open orders
	Timestamp     time.Time // When the broker produced the snapshot
}

// EffectiveAvailableCash is the canonical available-cash fallback:
// available cash when reported, otherwise settled cash, otherwise zero.
// The result never exceeds cash.
func (a AccountSnapshot) EffectiveAvailableCash() float64 {
	available := a.AvailableCash
	if available <= 0 {
		available = a.Cash
	}
	if available > a.Cash {
		available = a.Cash
	}
	if available < 0 {
		available = 0
	}
	return available
}

// BrokerPosition represents a holding reported by the broker
type BrokerPosition struct {
	Symbol       string  // Security symbol
	Quantity     int64   // Number of shares held
	CostPrice    float64 // Average purchase price
	CurrentPrice float64 // Last price known to the broker (0 = unknown)
}

// OrderRequest is a lot-aligned order submitted to the broker
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Quantity      int64 // Must already be lot-size aligned by the caller
	Price         float64
	Side          OrderSide
	Type          OrderType
	Remark        string
}

// OrderResult represents the result of placing an order (broker-agnostic)
type OrderResult struct {
	OrderID       string    // Broker order ID
	ClientOrderID string    // Echo of the request's client ID
	Symbol        string    // Security symbol
	Side          OrderSide // BUY or SELL
	Quantity      int64     // Accepted quantity
	Price         float64   // Execution or limit price
	Accepted      bool      // False when the broker rejected the order
	Message       string    // Rejection reason or broker remark
	SubmittedAt   time.Time
}
