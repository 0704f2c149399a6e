package alpaca

import (
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/modules/indicators"
)

// rejectedStatuses are order states that mean the order will never fill
var rejectedStatuses = map[string]bool{
	"rejected": true,
	"canceled": true,
	"expired":  true,
}

func transformAccountToDomain(acct *alpaca.Account) *domain.AccountSnapshot {
	if acct == nil {
		return &domain.AccountSnapshot{}
	}
	cash := acct.Cash.InexactFloat64()
	available := acct.BuyingPower.InexactFloat64()
	// margin accounts report buying power above cash
	if available > cash {
		available = cash
	}
	return &domain.AccountSnapshot{
		AccountID:     acct.ID,
		TotalAssets:   acct.Equity.InexactFloat64(),
		Cash:          cash,
		AvailableCash: available,
		Timestamp:     time.Now(),
	}
}

func transformPositionsToDomain(positions []alpaca.Position) map[string]domain.BrokerPosition {
	out := make(map[string]domain.BrokerPosition, len(positions))
	for _, p := range positions {
		// fractional shares are dropped; the ledger tracks whole lots
		qty := p.Qty.IntPart()
		if qty <= 0 {
			continue
		}
		current := 0.0
		if p.CurrentPrice != nil {
			current = p.CurrentPrice.InexactFloat64()
		}
		out[p.Symbol] = domain.BrokerPosition{
			Symbol:       p.Symbol,
			Quantity:     qty,
			CostPrice:    p.AvgEntryPrice.InexactFloat64(),
			CurrentPrice: current,
		}
	}
	return out
}

func transformSnapshotToDomain(symbol string, snap *marketdata.Snapshot) domain.MarketSnapshot {
	out := domain.MarketSnapshot{
		Symbol:  symbol,
		LotSize: domain.Int(LotSize),
	}
	if t := snap.LatestTrade; t != nil && t.Price > 0 {
		out.LastPrice = domain.Float(t.Price)
		out.Timestamp = t.Timestamp
	}
	if d := snap.DailyBar; d != nil {
		out.OpenPrice = domain.Float(d.Open)
		out.HighPrice = domain.Float(d.High)
		out.LowPrice = domain.Float(d.Low)
		out.ClosePrice = domain.Float(d.Close)
		out.Volume = domain.Int(int64(d.Volume))
		if out.Timestamp.IsZero() {
			out.Timestamp = d.Timestamp
		}
	}
	if p := snap.PrevDailyBar; p != nil && p.Close > 0 {
		out.PrevClose = domain.Float(p.Close)
		if price := out.EffectivePrice(); price > 0 {
			out.ChangeRate = domain.Float((price - p.Close) / p.Close)
		}
	}
	return out
}

func transformOrderRequest(req domain.OrderRequest) (alpaca.PlaceOrderRequest, error) {
	if req.Quantity <= 0 {
		return alpaca.PlaceOrderRequest{}, fmt.Errorf("order quantity %d: %w", req.Quantity, domain.ErrOrderRejected)
	}

	qty := decimal.NewFromInt(req.Quantity)
	out := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}

	switch req.Side {
	case domain.SideBuy:
		out.Side = alpaca.Buy
	case domain.SideSell:
		out.Side = alpaca.Sell
	default:
		return alpaca.PlaceOrderRequest{}, fmt.Errorf("order side %q: %w", req.Side, domain.ErrOrderRejected)
	}

	if req.Type == domain.OrderTypeLimit {
		if req.Price <= 0 {
			return alpaca.PlaceOrderRequest{}, fmt.Errorf("limit order without price: %w", domain.ErrInvalidPrice)
		}
		limit := decimal.NewFromFloat(req.Price).Round(2)
		out.Type = alpaca.Limit
		out.LimitPrice = &limit
	}
	return out, nil
}

func transformOrderToDomain(o *alpaca.Order, req domain.OrderRequest) *domain.OrderResult {
	result := &domain.OrderResult{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
	}
	if o == nil {
		result.Message = "empty order response"
		return result
	}

	result.OrderID = o.ID
	result.SubmittedAt = o.SubmittedAt
	if o.Qty != nil {
		result.Quantity = o.Qty.IntPart()
	}
	if o.FilledAvgPrice != nil {
		result.Price = o.FilledAvgPrice.InexactFloat64()
	}
	status := strings.ToLower(o.Status)
	result.Accepted = !rejectedStatuses[status]
	result.Message = status
	return result
}

func transformBarsToDomain(bars []marketdata.Bar) []indicators.Bar {
	out := make([]indicators.Bar, len(bars))
	for i, b := range bars {
		out[i] = indicators.Bar{
			Time:   b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: float64(b.Volume),
		}
	}
	return out
}
