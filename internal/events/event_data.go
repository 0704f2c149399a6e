package events

// EventData is implemented by every typed event payload
type EventData interface {
	EventType() EventType
}

// BatchData describes a created or closed batch
type BatchData struct {
	BatchID  string  `json:"batch_id"`
	Symbol   string  `json:"symbol"`
	Level    int     `json:"level"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
	Status   string  `json:"status,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	closed   bool
}

// NewBatchCreated builds the payload for a new batch
func NewBatchCreated(id, symbol string, level int, qty int64, price float64, reason string) *BatchData {
	return &BatchData{BatchID: id, Symbol: symbol, Level: level, Quantity: qty, Price: price, Reason: reason}
}

// NewBatchClosed builds the payload for a closed batch
func NewBatchClosed(id, symbol string, level int, qty int64, price float64, status, reason string) *BatchData {
	return &BatchData{BatchID: id, Symbol: symbol, Level: level, Quantity: qty, Price: price, Status: status, Reason: reason, closed: true}
}

// EventType returns BatchClosed or BatchCreated
func (d *BatchData) EventType() EventType {
	if d.closed {
		return BatchClosed
	}
	return BatchCreated
}

// RiskAssessedData summarises one risk cycle
type RiskAssessedData struct {
	Assessed   int `json:"assessed"`
	Actionable int `json:"actionable"`
	Executed   int `json:"executed"`
	Pending    int `json:"pending"`
}

func (d *RiskAssessedData) EventType() EventType { return RiskAssessed }

// ScalingOpportunityData describes a detected add-on
type ScalingOpportunityData struct {
	Symbol      string  `json:"symbol"`
	FromLevel   int     `json:"from_level"`
	ToLevel     int     `json:"to_level"`
	ProfitRatio float64 `json:"profit_ratio"`
	Confidence  float64 `json:"confidence"`
	Quantity    int64   `json:"quantity"`
}

func (d *ScalingOpportunityData) EventType() EventType { return ScalingOpportunity }

// OrderData describes a submitted order
type OrderData struct {
	ClientID string  `json:"client_id"`
	OrderID  string  `json:"order_id,omitempty"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
	BatchID  string  `json:"batch_id,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// EventType returns OrderFailed when Error is set
func (d *OrderData) EventType() EventType {
	if d.Error != "" {
		return OrderFailed
	}
	return OrderPlaced
}

// CycleSkippedData explains why a cycle did not run
type CycleSkippedData struct {
	Cycle  string `json:"cycle"`
	Reason string `json:"reason"`
}

func (d *CycleSkippedData) EventType() EventType { return CycleSkipped }

// StateChangedData records an orchestrator state transition
type StateChangedData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (d *StateChangedData) EventType() EventType { return StateChanged }

// AccountRefreshedData describes where the account state came from
type AccountRefreshedData struct {
	Source      string  `json:"source"` // broker, cache or degraded
	TotalAssets float64 `json:"total_assets"`
	Cash        float64 `json:"cash"`
	Positions   int     `json:"positions"`
}

func (d *AccountRefreshedData) EventType() EventType { return AccountRefreshed }

// MarketRegimeData carries a new market classification
type MarketRegimeData struct {
	Regime      string  `json:"regime"`
	IndexChange float64 `json:"index_change"`
	Unfavorable bool    `json:"unfavorable"`
	Score       float64 `json:"score"`
}

func (d *MarketRegimeData) EventType() EventType { return MarketRegimeChanged }

// ErrorEventData carries an error and its context
type ErrorEventData struct {
	Error   string         `json:"error"`
	Context map[string]any `json:"context,omitempty"`
}

func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }
