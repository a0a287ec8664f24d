package signal

import (
	"testing"
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func foldCandles(candles []core.Candle) *tracker {
	st := newTracker(config.DefaultConfig().Signal)
	for _, c := range candles {
		st.update(c)
	}
	return st
}

func constantCandles(n int, price, rng float64) []core.Candle {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]core.Candle, n)
	for i := range out {
		out[i] = core.Candle{
			OpenTime: t0.Add(time.Duration(i) * time.Minute),
			Open:     decimal.NewFromFloat(price),
			High:     decimal.NewFromFloat(price + rng/2),
			Low:      decimal.NewFromFloat(price - rng/2),
			Close:    decimal.NewFromFloat(price),
			Closed:   true,
		}
	}
	return out
}

// rampCandles closes each bar exactly step away from the previous one.
func rampCandles(n int, start, step float64) []core.Candle {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]core.Candle, n)
	price := start
	for i := range out {
		open := price
		price += step
		out[i] = core.Candle{
			OpenTime: t0.Add(time.Duration(i) * time.Minute),
			Open:     decimal.NewFromFloat(open),
			High:     decimal.NewFromFloat(maxf(open, price)),
			Low:      decimal.NewFromFloat(minf(open, price)),
			Close:    decimal.NewFromFloat(price),
			Closed:   true,
		}
	}
	return out
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func TestEMAConstantSeries(t *testing.T) {
	f := foldCandles(constantCandles(50, 42, 0)).features()
	assert.InDelta(t, 42, f["ema_fast"], 1e-9)
	assert.InDelta(t, 42, f["ema_slow"], 1e-9)
}

func TestInsufficientBarsNeutralDefaults(t *testing.T) {
	f := foldCandles(constantCandles(3, 100, 2)).features()
	assert.Zero(t, f["ema_fast"], "EMA needs a full seed window")
	assert.Zero(t, f["ema_slow"])
	assert.InDelta(t, 50, f["rsi"], 1e-9, "short series defaults to neutral")
	assert.Zero(t, f["atr"])
	assert.Zero(t, f["adx"])
}

func TestRSIExtremes(t *testing.T) {
	up := foldCandles(rampCandles(30, 100, 1)).features()
	assert.InDelta(t, 100, up["rsi"], 1e-9)

	down := foldCandles(rampCandles(30, 100, -1)).features()
	assert.InDelta(t, 0, down["rsi"], 1e-9)
}

func TestATRConstantRange(t *testing.T) {
	f := foldCandles(constantCandles(40, 100, 2)).features()
	assert.InDelta(t, 2, f["atr"], 1e-9)
}

func TestADXFlatMarketNearZero(t *testing.T) {
	f := foldCandles(constantCandles(60, 100, 2)).features()
	assert.InDelta(t, 0, f["adx"], 1e-9)
}

func TestADXTrendingMarketElevated(t *testing.T) {
	f := foldCandles(trendingCandles(120, 100, 0.4)).features()
	assert.Greater(t, f["adx"], 20.0)
}

func TestADXSilentUntilTwoPeriods(t *testing.T) {
	cfg := config.DefaultConfig().Signal
	candles := trendingCandles(2*cfg.ADXPeriod+2, 100, 0.4)

	st := newTracker(cfg)
	for _, c := range candles[:2*cfg.ADXPeriod] {
		st.update(c)
	}
	assert.Zero(t, st.features()["adx"])

	st.update(candles[2*cfg.ADXPeriod])
	assert.Greater(t, st.features()["adx"], 0.0)
}

// Folding one more bar into a live state must land on the same features
// as refolding the whole window from scratch.
func TestIncrementalFoldMatchesFreshFold(t *testing.T) {
	candles := trendingCandles(120, 100, 0.4)

	live := foldCandles(candles[:119])
	live.update(candles[119])

	fresh := foldCandles(candles)
	want := fresh.features()
	got := live.features()
	for k, v := range want {
		assert.InDelta(t, v, got[k], 1e-9, k)
	}
	assert.Equal(t, fresh.bars, live.bars)
	assert.True(t, fresh.lastOpen.Equal(live.lastOpen))
}
