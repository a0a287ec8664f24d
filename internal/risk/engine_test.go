package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"bfx_trader/internal/clock"
	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	apperrors "bfx_trader/pkg/errors"
	"bfx_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEquity struct {
	value decimal.Decimal
	err   error
}

func (f *fakeEquity) Equity(ctx context.Context) (decimal.Decimal, error) {
	return f.value, f.err
}

type fakePositions struct{ positions []core.Position }

func (f *fakePositions) Positions() []core.Position { return f.positions }

type fakeTickerMarket struct {
	core.IMarketData
	price decimal.Decimal
}

func (f *fakeTickerMarket) Ticker(ctx context.Context, symbol string) (*core.TickerResponse, error) {
	return &core.TickerResponse{
		Ticker: core.Ticker{Symbol: symbol, LastPrice: f.price},
	}, nil
}

type riskFixture struct {
	engine    *Engine
	clk       *clock.Fake
	equity    *fakeEquity
	positions *fakePositions
	runtime   *config.Runtime
}

func newFixture(t *testing.T, mutate func(*config.Config)) *riskFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	runtime := config.NewRuntime(cfg)
	clk := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)) // a Monday
	eq := &fakeEquity{value: decimal.NewFromInt(1000)}
	pos := &fakePositions{}
	market := &fakeTickerMarket{price: decimal.NewFromInt(100)}

	engine, err := NewEngine(runtime, eq, pos, market, nil, clk, logging.Nop(), "")
	require.NoError(t, err)
	return &riskFixture{engine: engine, clk: clk, equity: eq, positions: pos, runtime: runtime}
}

func smallIntent() *core.OrderIntent {
	return &core.OrderIntent{
		Symbol: "tBTCUSD",
		Side:   core.SideBuy,
		Type:   core.TypeExchangeLimit,
		Amount: decimal.NewFromFloat(0.1),
		Price:  decimal.NewFromInt(100), // notional 10 against 1000 equity
	}
}

func deniedGate(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	gate, ok := apperrors.DeniedGate(err)
	require.True(t, ok, "expected a risk denial, got %v", err)
	return gate
}

func TestEvaluateAdmitsHealthyIntent(t *testing.T) {
	f := newFixture(t, nil)
	assert.NoError(t, f.engine.Evaluate(context.Background(), smallIntent()))
}

func TestKillSwitchDeniesFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.TripKillSwitch("manual")
	f.engine.Pause() // both active: kill switch must win

	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateKillSwitch, gate)
}

func TestPauseDenies(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Pause()
	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateTradingPaused, gate)

	f.engine.Resume()
	assert.NoError(t, f.engine.Evaluate(context.Background(), smallIntent()))
}

func TestTradingWindowDeniesOutside(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Risk.TradingWindows = []config.TradingWindow{
			{Days: []string{"Tue"}, Start: "09:00", End: "17:00"},
		}
	})
	// Monday noon: outside the Tuesday window.
	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateTradingWindow, gate)

	f.clk.Advance(24 * time.Hour) // Tuesday noon
	assert.NoError(t, f.engine.Evaluate(context.Background(), smallIntent()))
}

func TestOvernightWindowWrapsMidnight(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Risk.TradingWindows = []config.TradingWindow{
			{Start: "22:00", End: "02:00"},
		}
		c.Risk.TradeCooldownSeconds = 0
	})

	f.clk.Set(time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC))
	assert.NoError(t, f.engine.Evaluate(context.Background(), smallIntent()))

	f.clk.Set(time.Date(2025, 6, 3, 1, 0, 0, 0, time.UTC))
	assert.NoError(t, f.engine.Evaluate(context.Background(), smallIntent()))

	f.clk.Set(time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC))
	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateTradingWindow, gate)
}

func TestDailyTradeBudget(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Risk.MaxTradesPerDay = 2
		c.Risk.MaxTradesPerSymbolPerDay = 10
		c.Risk.TradeCooldownSeconds = 0
	})

	f.engine.RecordTrade("tBTCUSD", 1, f.clk.Now())
	f.engine.RecordTrade("tETHUSD", 2, f.clk.Now())

	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateMaxTradesPerDay, gate)
}

func TestPerSymbolBudget(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Risk.MaxTradesPerSymbolPerDay = 1
		c.Risk.TradeCooldownSeconds = 0
	})

	f.engine.RecordTrade("tBTCUSD", 1, f.clk.Now())
	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateMaxPerSymbol, gate)

	// A different symbol is still allowed.
	other := smallIntent()
	other.Symbol = "tETHUSD"
	assert.NoError(t, f.engine.Evaluate(context.Background(), other))
}

func TestRecordTradeIdempotent(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Risk.MaxTradesPerDay = 2
		c.Risk.TradeCooldownSeconds = 0
	})

	f.engine.RecordTrade("tBTCUSD", 42, f.clk.Now())
	f.engine.RecordTrade("tBTCUSD", 42, f.clk.Now()) // replayed event

	st := f.engine.Status(context.Background())
	assert.Equal(t, 1, st.TradesToday)
}

func TestCooldownDenies(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Risk.TradeCooldownSeconds = 300
	})

	f.engine.RecordTrade("tBTCUSD", 1, f.clk.Now())
	f.clk.Advance(100 * time.Second)
	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateCooldown, gate)

	f.clk.Advance(201 * time.Second)
	assert.NoError(t, f.engine.Evaluate(context.Background(), smallIntent()))
}

func TestDailyLossGate(t *testing.T) {
	f := newFixture(t, nil)
	// Anchor the day at 1000, then drop 6% (limit is 5%).
	require.NoError(t, f.engine.Evaluate(context.Background(), smallIntent()))
	f.equity.value = decimal.NewFromInt(940)

	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateMaxDailyLoss, gate)

	// The loss breach engages the kill switch for subsequent intents.
	gate = deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateKillSwitch, gate)
}

func TestDrawdownTripsKillSwitch(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.engine.Evaluate(context.Background(), smallIntent()))

	f.equity.value = decimal.NewFromInt(880) // 12% below the 1000 peak
	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateKillSwitch, gate)

	st := f.engine.Status(context.Background())
	assert.True(t, st.KillSwitch)
	assert.Contains(t, st.KillSwitchReason, "drawdown")
}

func TestKillSwitchCooldownExpires(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Risk.KillSwitchCooldownHours = 24
		c.Risk.TradeCooldownSeconds = 0
	})

	f.engine.TripKillSwitch("manual")
	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateKillSwitch, gate)

	f.clk.Advance(25 * time.Hour)
	assert.NoError(t, f.engine.Evaluate(context.Background(), smallIntent()))
}

func TestDailyCountersResetOncePerDay(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Risk.MaxTradesPerDay = 1
		c.Risk.TradeCooldownSeconds = 0
	})

	f.engine.RecordTrade("tBTCUSD", 1, f.clk.Now())
	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateMaxTradesPerDay, gate)

	f.clk.Advance(24 * time.Hour)
	assert.NoError(t, f.engine.Evaluate(context.Background(), smallIntent()))
	st := f.engine.Status(context.Background())
	assert.Zero(t, st.TradesToday)
}

func TestExposurePerSymbolCap(t *testing.T) {
	f := newFixture(t, nil) // MaxPositionPct 20 of 1000 equity = 200

	intent := smallIntent()
	intent.Amount = decimal.NewFromInt(3) // notional 300
	gate := deniedGate(t, f.engine.Evaluate(context.Background(), intent))
	assert.Equal(t, GateExposure, gate)
}

func TestExposureCountsOpenPositions(t *testing.T) {
	f := newFixture(t, nil)
	f.positions.positions = []core.Position{
		{Symbol: "tBTCUSD", Amount: decimal.NewFromInt(1), BasePrice: decimal.NewFromInt(150)},
	}

	intent := smallIntent()
	intent.Amount = decimal.NewFromInt(1) // 150 + 100 > 200 cap
	gate := deniedGate(t, f.engine.Evaluate(context.Background(), intent))
	assert.Equal(t, GateExposure, gate)
}

func TestExposureMarketOrderUsesTickerPrice(t *testing.T) {
	f := newFixture(t, nil)

	intent := smallIntent()
	intent.Type = core.TypeExchangeMarket
	intent.Price = decimal.Zero
	intent.Amount = decimal.NewFromInt(3) // 3 * ticker 100 = 300 > 200 cap
	gate := deniedGate(t, f.engine.Evaluate(context.Background(), intent))
	assert.Equal(t, GateExposure, gate)
}

func TestStatusCarriesGuards(t *testing.T) {
	f := newFixture(t, nil)
	st := f.engine.Status(context.Background())
	require.NotEmpty(t, st.Guards)
	assert.True(t, st.WindowOpen)
	assert.True(t, st.DMSEnabled)
	assert.True(t, st.EquityUSD.Equal(decimal.NewFromInt(1000)))
}

func TestEquityUnknownDeniesExposure(t *testing.T) {
	f := newFixture(t, nil)
	f.equity.err = errors.New("equity down")
	f.equity.value = decimal.Zero

	gate := deniedGate(t, f.engine.Evaluate(context.Background(), smallIntent()))
	assert.Equal(t, GateExposure, gate)
}
