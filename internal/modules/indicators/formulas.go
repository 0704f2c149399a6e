// Package indicators derives the optional market snapshot fields (ATR,
// amplitude, trend strength, volume ratio, technical score) from daily bars.
package indicators

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// Bar is one daily OHLCV candle
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Periods used by the derived fields
const (
	ATRPeriod    = 14
	TrendWindow  = 20
	VolumeWindow = 20
	RSIPeriod    = 14
	SMAPeriod    = 20
)

func columns(bars []Bar) (high, low, closes, volume []float64) {
	high = make([]float64, len(bars))
	low = make([]float64, len(bars))
	closes = make([]float64, len(bars))
	volume = make([]float64, len(bars))
	for i, b := range bars {
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
		volume[i] = b.Volume
	}
	return
}

// ATR returns the average true range over period bars, or nil if there is
// not enough data.
func ATR(bars []Bar, period int) *float64 {
	if len(bars) <= period {
		return nil
	}
	high, low, closes, _ := columns(bars)
	atr := talib.Atr(high, low, closes, period)
	return lastValid(atr)
}

// RSI returns the relative strength index of the closes
func RSI(closes []float64, period int) *float64 {
	if len(closes) < period+1 {
		return nil
	}
	return lastValid(talib.Rsi(closes, period))
}

// SMA returns the simple moving average of the last period closes
func SMA(closes []float64, period int) *float64 {
	if len(closes) < period {
		return nil
	}
	return lastValid(talib.Sma(closes, period))
}

// TrendScore fits a line to the log closes of the last window bars and
// returns direction times fit quality, in [-1, 1].
func TrendScore(closes []float64, window int) *float64 {
	if len(closes) < 3 {
		return nil
	}
	if len(closes) > window {
		closes = closes[len(closes)-window:]
	}

	xs := make([]float64, len(closes))
	ys := make([]float64, len(closes))
	for i, c := range closes {
		if c <= 0 {
			return nil
		}
		xs[i] = float64(i)
		ys[i] = math.Log(c)
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	if math.IsNaN(r2) {
		r2 = 0
	}

	score := r2
	if beta < 0 {
		score = -r2
	}
	return &score
}

// TrendStrength maps TrendScore onto 0-100 with 50 as no trend.
func TrendStrength(closes []float64, window int) *float64 {
	score := TrendScore(closes, window)
	if score == nil {
		return nil
	}
	strength := 50 + 50*(*score)
	return &strength
}

// Amplitude is the session range relative to the previous close, in percent.
func Amplitude(high, low, prevClose float64) *float64 {
	if prevClose <= 0 || high <= 0 || low <= 0 || high < low {
		return nil
	}
	a := (high - low) / prevClose * 100
	return &a
}

// VolumeRatio compares volume with the mean of the trailing window,
// excluding the current session.
func VolumeRatio(volumes []float64, current float64, window int) *float64 {
	if len(volumes) == 0 || current <= 0 {
		return nil
	}
	if len(volumes) > window {
		volumes = volumes[len(volumes)-window:]
	}
	mean := stat.Mean(volumes, nil)
	if mean <= 0 {
		return nil
	}
	r := current / mean
	return &r
}

// TechnicalScore blends RSI with the distance from the 20-day average into
// 0-100. Above 50 is constructive.
func TechnicalScore(closes []float64) *float64 {
	rsi := RSI(closes, RSIPeriod)
	sma := SMA(closes, SMAPeriod)
	if rsi == nil || sma == nil || *sma <= 0 {
		return nil
	}

	last := closes[len(closes)-1]
	momentum := clamp(50+500*(last / *sma - 1), 0, 100)
	score := clamp(0.5**rsi+0.5*momentum, 0, 100)
	return &score
}

func lastValid(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
