package indicators

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tranche/internal/domain"
)

func risingBars(n int, start, step float64) []Bar {
	bars := make([]Bar, n)
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		c := start + step*float64(i)
		bars[i] = Bar{
			Time:   t.AddDate(0, 0, i),
			Open:   c,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 1000,
		}
	}
	return bars
}

func closesOf(bars []Bar) []float64 {
	_, _, c, _ := columns(bars)
	return c
}

func TestATR_ConstantRange(t *testing.T) {
	bars := risingBars(30, 100, 0)
	atr := ATR(bars, ATRPeriod)
	require.NotNil(t, atr)
	assert.InDelta(t, 2.0, *atr, 1e-9)
}

func TestATR_NotEnoughBars(t *testing.T) {
	assert.Nil(t, ATR(risingBars(ATRPeriod, 100, 1), ATRPeriod))
}

func TestTrendStrength_Direction(t *testing.T) {
	up := TrendStrength(closesOf(risingBars(30, 100, 1)), TrendWindow)
	down := TrendStrength(closesOf(risingBars(30, 100, -1)), TrendWindow)
	require.NotNil(t, up)
	require.NotNil(t, down)

	assert.InDelta(t, 100, *up, 0.5)
	assert.InDelta(t, 0, *down, 0.5)
}

func TestTrendStrength_TooShort(t *testing.T) {
	assert.Nil(t, TrendStrength([]float64{10, 11}, TrendWindow))
	assert.Nil(t, TrendStrength([]float64{10, 0, 11}, TrendWindow))
}

func TestAmplitude(t *testing.T) {
	a := Amplitude(52, 48, 50)
	require.NotNil(t, a)
	assert.InDelta(t, 8.0, *a, 1e-9)

	assert.Nil(t, Amplitude(52, 48, 0))
	assert.Nil(t, Amplitude(48, 52, 50))
}

func TestVolumeRatio(t *testing.T) {
	r := VolumeRatio([]float64{100, 200, 300}, 400, VolumeWindow)
	require.NotNil(t, r)
	assert.InDelta(t, 2.0, *r, 1e-9)

	assert.Nil(t, VolumeRatio(nil, 400, VolumeWindow))
	assert.Nil(t, VolumeRatio([]float64{100}, 0, VolumeWindow))
}

func TestTechnicalScore_Bounds(t *testing.T) {
	up := TechnicalScore(closesOf(risingBars(40, 100, 1)))
	down := TechnicalScore(closesOf(risingBars(40, 100, -1)))
	require.NotNil(t, up)
	require.NotNil(t, down)

	assert.Greater(t, *up, 50.0)
	assert.Less(t, *down, 50.0)
	assert.LessOrEqual(t, *up, 100.0)
	assert.GreaterOrEqual(t, *down, 0.0)

	assert.Nil(t, TechnicalScore([]float64{1, 2, 3}))
}

func TestEnrichSnapshot_KeepsProvidedFields(t *testing.T) {
	snap := domain.MarketSnapshot{
		Symbol:    "AAPL",
		LastPrice: domain.Float(130),
		ATR:       domain.Float(7),
	}
	out := EnrichSnapshot(snap, risingBars(40, 100, 1))

	assert.Equal(t, 7.0, *out.ATR)
	assert.NotNil(t, out.TrendStrength)
	assert.NotNil(t, out.Amplitude)
	assert.NotNil(t, out.VolumeRatio)
	assert.NotNil(t, out.TechnicalScore)
}

func TestEnrichSnapshot_NoBars(t *testing.T) {
	snap := domain.MarketSnapshot{
		Symbol:    "AAPL",
		HighPrice: domain.Float(52),
		LowPrice:  domain.Float(48),
		PrevClose: domain.Float(50),
	}
	out := EnrichSnapshot(snap, nil)

	require.NotNil(t, out.Amplitude)
	assert.InDelta(t, 8.0, *out.Amplitude, 1e-9)
	assert.Nil(t, out.ATR)
	assert.Nil(t, out.TrendStrength)
}

type stubSource struct {
	bars  map[string][]Bar
	err   error
	calls int
}

func (s *stubSource) GetDailyBars(_ context.Context, symbol string, _ int) ([]Bar, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.bars[symbol], nil
}

func TestCache_UsesTTL(t *testing.T) {
	src := &stubSource{bars: map[string][]Bar{"AAPL": risingBars(40, 100, 1)}}
	c := NewCache(src, time.Hour, zerolog.New(nil).Level(zerolog.Disabled))

	_, err := c.Bars(context.Background(), "AAPL")
	require.NoError(t, err)
	_, err = c.Bars(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, 1, src.calls)
}

func TestCache_StaleOnError(t *testing.T) {
	src := &stubSource{bars: map[string][]Bar{"AAPL": risingBars(40, 100, 1)}}
	c := NewCache(src, 0, zerolog.New(nil).Level(zerolog.Disabled))

	first, err := c.Bars(context.Background(), "AAPL")
	require.NoError(t, err)

	src.err = errors.New("feed down")
	again, err := c.Bars(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = c.Bars(context.Background(), "MSFT")
	assert.Error(t, err)
}

func TestCache_Enrich(t *testing.T) {
	src := &stubSource{bars: map[string][]Bar{"AAPL": risingBars(40, 100, 1)}}
	c := NewCache(src, time.Hour, zerolog.New(nil).Level(zerolog.Disabled))

	data := domain.MarketData{
		"AAPL": {Symbol: "AAPL", LastPrice: domain.Float(139)},
		"MSFT": {Symbol: "MSFT", LastPrice: domain.Float(300)},
	}
	c.Enrich(context.Background(), data)

	assert.NotNil(t, data["AAPL"].ATR)
	assert.NotNil(t, data["AAPL"].TrendStrength)
	assert.Nil(t, data["MSFT"].ATR)
	assert.Equal(t, 139.0, data["AAPL"].EffectivePrice())
}
