// Package yahoo loads daily history from Yahoo Finance. It feeds the market
// regime monitor when the broker has no index bars, as with the paper
// broker.
package yahoo

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/wnjoon/go-yfinance/pkg/models"
	"github.com/wnjoon/go-yfinance/pkg/ticker"

	"github.com/aristath/tranche/internal/modules/indicators"
)

// historyFunc fetches raw bars for one symbol
type historyFunc func(symbol string, params models.HistoryParams) ([]models.Bar, error)

// Client implements indicators.BarSource on top of go-yfinance
type Client struct {
	history historyFunc
	log     zerolog.Logger
}

// NewClient creates a Yahoo Finance bar source
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		history: fetchHistory,
		log:     log.With().Str("client", "yahoo").Logger(),
	}
}

func fetchHistory(symbol string, params models.HistoryParams) ([]models.Bar, error) {
	t, err := ticker.New(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticker: %w", err)
	}
	defer t.Close()

	return t.History(params)
}

// GetDailyBars implements indicators.BarSource. The library has no context
// support, so an abandoned request finishes in the background.
func (c *Client) GetDailyBars(ctx context.Context, symbol string, days int) ([]indicators.Bar, error) {
	params := models.HistoryParams{
		Period:     periodFor(days),
		Interval:   "1d",
		AutoAdjust: true,
	}

	type outcome struct {
		bars []models.Bar
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		bars, err := c.history(symbol, params)
		done <- outcome{bars, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if out.err != nil {
		return nil, fmt.Errorf("yahoo history %s: %w", symbol, out.err)
	}

	bars := make([]indicators.Bar, 0, len(out.bars))
	for _, b := range out.bars {
		if b.Close <= 0 {
			continue
		}
		bars = append(bars, indicators.Bar{
			Time:   b.Date,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: float64(b.Volume),
		})
	}
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}

	c.log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("Loaded history")
	return bars, nil
}

// periodFor picks the shortest Yahoo period holding at least days trading
// sessions
func periodFor(days int) string {
	switch {
	case days <= 5:
		return "5d"
	case days <= 20:
		return "1mo"
	case days <= 60:
		return "3mo"
	case days <= 120:
		return "6mo"
	case days <= 250:
		return "1y"
	default:
		return "2y"
	}
}
