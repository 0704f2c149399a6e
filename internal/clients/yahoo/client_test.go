package yahoo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnjoon/go-yfinance/pkg/models"
)

func newTestClient(fn historyFunc) *Client {
	c := NewClient(zerolog.New(nil).Level(zerolog.Disabled))
	c.history = fn
	return c
}

func TestGetDailyBars(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var got models.HistoryParams
	c := newTestClient(func(symbol string, params models.HistoryParams) ([]models.Bar, error) {
		got = params
		assert.Equal(t, "SPY", symbol)
		return []models.Bar{
			{Date: day, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 1000},
			{Date: day.AddDate(0, 0, 1), Open: 10.5, High: 12, Low: 10, Close: 0, Volume: 0},
			{Date: day.AddDate(0, 0, 2), Open: 10.5, High: 12, Low: 10, Close: 11.5, Volume: 2000},
			{Date: day.AddDate(0, 0, 3), Open: 11.5, High: 13, Low: 11, Close: 12.5, Volume: 3000},
		}, nil
	})

	bars, err := c.GetDailyBars(context.Background(), "SPY", 2)
	require.NoError(t, err)
	assert.Equal(t, "3mo", periodFor(60))
	assert.Equal(t, "5d", got.Period)
	assert.Equal(t, "1d", got.Interval)
	assert.True(t, got.AutoAdjust)

	require.Len(t, bars, 2, "zero closes dropped, then trimmed to the newest two")
	assert.Equal(t, 11.5, bars[0].Close)
	assert.Equal(t, 12.5, bars[1].Close)
	assert.Equal(t, float64(3000), bars[1].Volume)
	assert.True(t, bars[1].Time.Equal(day.AddDate(0, 0, 3)))
}

func TestGetDailyBars_Error(t *testing.T) {
	c := newTestClient(func(string, models.HistoryParams) ([]models.Bar, error) {
		return nil, errors.New("rate limited")
	})
	_, err := c.GetDailyBars(context.Background(), "SPY", 60)
	assert.ErrorContains(t, err, "rate limited")
}

func TestGetDailyBars_Cancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(func(string, models.HistoryParams) ([]models.Bar, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetDailyBars(ctx, "SPY", 60)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPeriodFor(t *testing.T) {
	tests := []struct {
		days int
		want string
	}{
		{1, "5d"},
		{20, "1mo"},
		{60, "3mo"},
		{100, "6mo"},
		{250, "1y"},
		{400, "2y"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, periodFor(tt.days), "days=%d", tt.days)
	}
}
