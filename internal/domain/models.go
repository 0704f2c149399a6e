// Package domain provides core domain models and types shared by the engines,
// the orchestrator and the broker adapters.
package domain

import (
	"errors"
	"time"
)

// DefaultLotSize is used when the market-data adapter does not report one.
const DefaultLotSize int64 = 100

// Engine-wide sentinel errors.
var (
	// ErrInvalidPrice is reported for non-positive or absurd prices.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInsufficientFunds is reported when not even one lot is affordable.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvariantViolation marks programming errors that would corrupt the ledger.
	ErrInvariantViolation = errors.New("ledger invariant violation")
	// ErrBrokerUnavailable is returned when the broker cannot be reached.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrOrderRejected is returned when the broker refuses an order.
	ErrOrderRejected = errors.New("order rejected")
)

// OrderSide represents the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType represents the broker order type
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// RiskLevel classifies suggestions, opportunities and assessments.
// The ordering LOW < MEDIUM < HIGH < CRITICAL is significant.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank returns the numeric urgency of a risk level (higher is more urgent).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// MarketRegime is the global market classification used to scale thresholds
type MarketRegime string

const (
	RegimeBull    MarketRegime = "bull"
	RegimeNeutral MarketRegime = "neutral"
	RegimeBear    MarketRegime = "bear"
)

// MarketCondition describes the overall market at the time of a cycle.
type MarketCondition struct {
	Regime      MarketRegime `json:"regime"`
	IndexChange float64      `json:"index_change"` // fraction, -0.02 = -2%
	Unfavorable bool         `json:"unfavorable"`
	ObservedAt  time.Time    `json:"observed_at"`
}

// NeutralMarket is used when no market classification is available.
func NeutralMarket() MarketCondition {
	return MarketCondition{Regime: RegimeNeutral}
}

// Favorable reports whether the market permits adding exposure.
func (m MarketCondition) Favorable() bool {
	return !m.Unfavorable
}

// TradeRecord is a fill recorded by the orchestrator for the journal.
type TradeRecord struct {
	OrderID   string    `json:"order_id"`
	ClientID  string    `json:"client_id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Quantity  int64     `json:"quantity"`
	Price     float64   `json:"price"`
	BatchID   string    `json:"batch_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
