package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"bfx_trader/internal/clock"
	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	"bfx_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeREST struct {
	core.IExchangeClient
	ticker     *core.Ticker
	tickerErr  error
	candles    []core.Candle
	candlesErr error
	calls      int
}

func (f *fakeREST) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	f.calls++
	return f.ticker, f.tickerErr
}

func (f *fakeREST) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	f.calls++
	return f.candles, f.candlesErr
}

func newFacade(t *testing.T, rest *fakeREST, clk core.Clock) *Facade {
	t.Helper()
	f, err := New(rest, config.DefaultConfig().WS, clk, logging.Nop())
	require.NoError(t, err)
	return f
}

func tickerAt(symbol string, price float64, at time.Time) core.Ticker {
	return core.Ticker{
		Symbol:    symbol,
		LastPrice: decimal.NewFromFloat(price),
		UpdatedAt: at,
	}
}

func bar(symbol string, open time.Time, close float64, closed bool) core.Candle {
	return core.Candle{
		Symbol:    symbol,
		Timeframe: "1m",
		OpenTime:  open,
		Close:     decimal.NewFromFloat(close),
		Closed:    closed,
	}
}

func TestTickerServedFromFreshWSCache(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rest := &fakeREST{}
	f := newFacade(t, rest, clk)

	f.HandleTicker(tickerAt("tBTCUSD", 30000, clk.Now()))
	clk.Advance(3 * time.Second)

	resp, err := f.Ticker(context.Background(), "tBTCUSD")
	require.NoError(t, err)
	assert.Equal(t, core.SourceWS, resp.Meta.Source)
	assert.EqualValues(t, 3000, resp.Meta.AgeMS)
	assert.Zero(t, rest.calls, "fresh cache must not hit REST")
}

func TestTickerFallsBackToRESTWhenStale(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rest := &fakeREST{ticker: &core.Ticker{Symbol: "tBTCUSD", LastPrice: decimal.NewFromInt(30100), UpdatedAt: clk.Now()}}
	f := newFacade(t, rest, clk)

	f.HandleTicker(tickerAt("tBTCUSD", 30000, clk.Now()))
	clk.Advance(60 * time.Second) // past the 10s staleness bound

	resp, err := f.Ticker(context.Background(), "tBTCUSD")
	require.NoError(t, err)
	assert.Equal(t, core.SourceREST, resp.Meta.Source)
	assert.Equal(t, "ws_stale", resp.Meta.Reason)
	assert.True(t, resp.Ticker.LastPrice.Equal(decimal.NewFromInt(30100)))
	assert.Equal(t, 1, rest.calls)
}

func TestTickerMissingGoesToREST(t *testing.T) {
	clk := clock.NewFake(time.Now())
	rest := &fakeREST{ticker: &core.Ticker{Symbol: "tETHUSD", UpdatedAt: clk.Now()}}
	f := newFacade(t, rest, clk)

	resp, err := f.Ticker(context.Background(), "tETHUSD")
	require.NoError(t, err)
	assert.Equal(t, core.SourceREST, resp.Meta.Source)
	assert.Equal(t, "ws_missing", resp.Meta.Reason)
}

func TestTickerStaleCacheServedWhenRESTDown(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rest := &fakeREST{tickerErr: errors.New("rest down")}
	f := newFacade(t, rest, clk)

	f.HandleTicker(tickerAt("tBTCUSD", 30000, clk.Now()))
	clk.Advance(60 * time.Second)

	resp, err := f.Ticker(context.Background(), "tBTCUSD")
	require.NoError(t, err)
	assert.Equal(t, core.SourceCache, resp.Meta.Source,
		"a cache older than the staleness bound must not claim the ws label")
	assert.Equal(t, "rest_fallback_failed", resp.Meta.Reason)
	assert.GreaterOrEqual(t, resp.Meta.AgeMS, int64(60000))
}

func TestTickerErrorWhenNothingAvailable(t *testing.T) {
	clk := clock.NewFake(time.Now())
	rest := &fakeREST{tickerErr: errors.New("rest down")}
	f := newFacade(t, rest, clk)

	_, err := f.Ticker(context.Background(), "tBTCUSD")
	assert.Error(t, err)
}

func TestCandlesServedFromWSSeries(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rest := &fakeREST{}
	f := newFacade(t, rest, clk)

	base := clk.Now().Add(-5 * time.Minute)
	for i := 0; i < 5; i++ {
		f.HandleCandle(bar("tBTCUSD", base.Add(time.Duration(i)*time.Minute), 100+float64(i), false))
	}

	resp, err := f.Candles(context.Background(), "tBTCUSD", "1m", 3)
	require.NoError(t, err)
	assert.Equal(t, core.SourceWS, resp.Meta.Source)
	require.Len(t, resp.Candles, 3)
	assert.True(t, resp.Candles[2].Close.Equal(decimal.NewFromInt(104)), "newest bar last")
	assert.Zero(t, rest.calls)
}

func TestCandlesFallBackWhenInsufficient(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	base := clk.Now().Add(-10 * time.Minute)
	hist := make([]core.Candle, 6)
	for i := range hist {
		hist[i] = bar("tBTCUSD", base.Add(time.Duration(i)*time.Minute), 100+float64(i), true)
	}
	rest := &fakeREST{candles: hist}
	f := newFacade(t, rest, clk)

	resp, err := f.Candles(context.Background(), "tBTCUSD", "1m", 6)
	require.NoError(t, err)
	assert.Equal(t, core.SourceREST, resp.Meta.Source)
	assert.Equal(t, "ws_insufficient", resp.Meta.Reason)
	assert.Len(t, resp.Candles, 6)

	// Seeded series now serves from cache.
	resp, err = f.Candles(context.Background(), "tBTCUSD", "1m", 6)
	require.NoError(t, err)
	assert.Equal(t, core.SourceWS, resp.Meta.Source)
	assert.Equal(t, 1, rest.calls)
}

func TestNewerBarClosesPredecessorAndNotifies(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	f := newFacade(t, &fakeREST{}, clk)

	var closed []core.Candle
	f.OnCandleClosed(func(c core.Candle) { closed = append(closed, c) })

	t0 := clk.Now().Truncate(time.Minute)
	f.HandleCandle(bar("tBTCUSD", t0, 100, false))
	f.HandleCandle(bar("tBTCUSD", t0, 100.5, false)) // same bar update
	require.Empty(t, closed)

	f.HandleCandle(bar("tBTCUSD", t0.Add(time.Minute), 101, false))
	require.Len(t, closed, 1)
	assert.True(t, closed[0].Closed)
	assert.True(t, closed[0].Close.Equal(decimal.NewFromFloat(100.5)),
		"the final update of the finished bar is reported")
}

func TestMergePrefersWSBars(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	t0 := clk.Now().Truncate(time.Minute)

	rest := &fakeREST{candles: []core.Candle{
		bar("tBTCUSD", t0.Add(-time.Minute), 99, true),
		bar("tBTCUSD", t0, 100, true), // REST view of the live bar
	}}
	f := newFacade(t, rest, clk)

	f.HandleCandle(bar("tBTCUSD", t0, 100.7, false)) // fresher WS view

	resp, err := f.Candles(context.Background(), "tBTCUSD", "1m", 2)
	require.NoError(t, err)
	require.Len(t, resp.Candles, 2)
	// After the merge the series keeps the WS bar for the shared open time.
	again, err := f.Candles(context.Background(), "tBTCUSD", "1m", 2)
	require.NoError(t, err)
	assert.True(t, again.Candles[1].Close.Equal(decimal.NewFromFloat(100.7)))
}

func TestPruneTrimsLiveSeries(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.DefaultConfig().WS
	cfg.RetentionBars = 5
	f, err := New(&fakeREST{}, cfg, clk, logging.Nop())
	require.NoError(t, err)

	t0 := clk.Now().Truncate(time.Minute)
	for i := 0; i < 10; i++ {
		f.HandleCandle(bar("tBTCUSD", t0.Add(time.Duration(i)*time.Minute), 100, true))
	}

	evicted, trimmed := f.Prune()
	assert.Zero(t, evicted, "a live series must survive")
	assert.Equal(t, 1, trimmed)

	resp, err := f.Candles(context.Background(), "tBTCUSD", "1m", 5)
	require.NoError(t, err)
	assert.Equal(t, core.SourceWS, resp.Meta.Source)
	assert.Len(t, resp.Candles, 5)
}

func TestPruneEvictsIdleSeriesAndTickers(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rest := &fakeREST{candles: []core.Candle{bar("tBTCUSD", clk.Now(), 100, true)}}
	f := newFacade(t, rest, clk)

	f.HandleCandle(bar("tBTCUSD", clk.Now().Truncate(time.Minute), 100, true))
	f.HandleTicker(tickerAt("tBTCUSD", 30000, clk.Now()))

	clk.Advance(61 * time.Minute) // past the default idle window

	evicted, _ := f.Prune()
	assert.Equal(t, 2, evicted)

	// The evicted series is gone, so candles come from REST again.
	resp, err := f.Candles(context.Background(), "tBTCUSD", "1m", 1)
	require.NoError(t, err)
	assert.Equal(t, core.SourceREST, resp.Meta.Source)
}
