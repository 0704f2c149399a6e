// Package events provides event management functionality.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	BatchCreated        EventType = "BATCH_CREATED"
	BatchClosed         EventType = "BATCH_CLOSED"
	RiskAssessed        EventType = "RISK_ASSESSED"
	ScalingOpportunity  EventType = "SCALING_OPPORTUNITY"
	OrderPlaced         EventType = "ORDER_PLACED"
	OrderFailed         EventType = "ORDER_FAILED"
	CycleSkipped        EventType = "CYCLE_SKIPPED"
	StateChanged        EventType = "STATE_CHANGED"
	AccountRefreshed    EventType = "ACCOUNT_REFRESHED"
	MarketRegimeChanged EventType = "MARKET_REGIME_CHANGED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)

// AllTypes lists every event type, for subscribers that want everything
var AllTypes = []EventType{
	BatchCreated,
	BatchClosed,
	RiskAssessed,
	ScalingOpportunity,
	OrderPlaced,
	OrderFailed,
	CycleSkipped,
	StateChanged,
	AccountRefreshed,
	MarketRegimeChanged,
	ErrorOccurred,
}

// Event represents a system event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data,omitempty"`
}
