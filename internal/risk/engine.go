package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	apperrors "bfx_trader/pkg/errors"
	"bfx_trader/pkg/persist"
	"bfx_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Gate names, in evaluation order. The first denial wins and is reported.
const (
	GateKillSwitch      = "kill_switch"
	GateTradingPaused   = "trading_paused"
	GateTradingWindow   = "trading_window"
	GateMaxTradesPerDay = "max_trades_per_day"
	GateMaxPerSymbol    = "max_trades_per_symbol"
	GateCooldown        = "cooldown"
	GateMaxDailyLoss    = "max_daily_loss"
	GateMaxDrawdown     = "max_drawdown"
	GateExposure        = "exposure"
)

// PositionsReader is the account mirror surface the exposure gate needs.
type PositionsReader interface {
	Positions() []core.Position
}

// Engine runs every order intent through the policy gate chain and owns the
// kill switch, trade budgets, and daily equity anchors.
type Engine struct {
	runtime   *config.Runtime
	equitySrc core.IEquitySource
	positions PositionsReader
	market    core.IMarketData
	breakers  core.IBreakerRegistry
	clock     core.Clock
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	loc       *time.Location
	snapshots *persist.AppendLog

	mu sync.Mutex

	killSwitch       bool
	killSwitchReason string
	killSwitchAt     time.Time
	paused           bool

	day         string
	tradesToday int
	perSymbol   map[string]int
	lastTrade   map[string]time.Time
	recorded    map[int64]bool

	equity       decimal.Decimal
	dailyStart   decimal.Decimal
	peak         decimal.Decimal
	dailyLossPct float64
	drawdownPct  float64
}

// NewEngine creates the risk engine. snapshotPath may be empty to disable
// equity snapshots.
func NewEngine(
	runtime *config.Runtime,
	equitySrc core.IEquitySource,
	positions PositionsReader,
	market core.IMarketData,
	breakers core.IBreakerRegistry,
	clk core.Clock,
	logger core.ILogger,
	snapshotPath string,
) (*Engine, error) {
	cfg := runtime.Config().Risk
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid risk timezone: %w", err)
	}

	var snapshots *persist.AppendLog
	if snapshotPath != "" {
		snapshots, err = persist.OpenAppendLog(snapshotPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open equity snapshot log: %w", err)
		}
	}

	return &Engine{
		runtime:   runtime,
		equitySrc: equitySrc,
		positions: positions,
		market:    market,
		breakers:  breakers,
		clock:     clk,
		logger:    logger.WithField("component", "risk_engine"),
		metrics:   telemetry.GetGlobalMetrics(),
		loc:       loc,
		snapshots: snapshots,
		perSymbol: make(map[string]int),
		lastTrade: make(map[string]time.Time),
		recorded:  make(map[int64]bool),
	}, nil
}

// Close flushes the equity snapshot log.
func (e *Engine) Close() error {
	if e.snapshots != nil {
		return e.snapshots.Close()
	}
	return nil
}

// Evaluate runs the gate chain against an intent. A nil return admits the
// order; denials carry the gate name.
func (e *Engine) Evaluate(ctx context.Context, intent *core.OrderIntent) error {
	now := e.clock.Now().In(e.loc)
	if err := e.refreshEquity(ctx); err != nil {
		e.logger.Warn("Equity refresh failed during evaluation", "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDayLocked(now)
	e.expireKillSwitchLocked(now)

	if e.killSwitch {
		return apperrors.NewRiskDenied(GateKillSwitch, e.killSwitchReason)
	}
	if e.paused {
		return apperrors.NewRiskDenied(GateTradingPaused, "trading is paused")
	}
	if !e.windowOpenLocked(now) {
		return apperrors.NewRiskDenied(GateTradingWindow, "outside configured trading windows")
	}
	if max := e.runtime.MaxTradesPerDay(); e.tradesToday >= max {
		return apperrors.NewRiskDenied(GateMaxTradesPerDay,
			fmt.Sprintf("daily trade budget %d exhausted", max))
	}
	if max := e.runtime.MaxTradesPerSymbolPerDay(); e.perSymbol[intent.Symbol] >= max {
		return apperrors.NewRiskDenied(GateMaxPerSymbol,
			fmt.Sprintf("symbol trade budget %d exhausted for %s", max, intent.Symbol))
	}
	if cooldown := time.Duration(e.runtime.TradeCooldownSeconds()) * time.Second; cooldown > 0 {
		if last, ok := e.lastTrade[intent.Symbol]; ok {
			if since := e.clock.Since(last); since < cooldown {
				return apperrors.NewRiskDenied(GateCooldown,
					fmt.Sprintf("cooldown on %s: %s remaining", intent.Symbol, (cooldown - since).Round(time.Second)))
			}
		}
	}
	if limit := e.runtime.MaxDailyLossPct(); e.dailyLossPct >= limit {
		reason := fmt.Sprintf("daily loss %.2f%% at limit %.2f%%", e.dailyLossPct, limit)
		e.tripLocked(reason)
		return apperrors.NewRiskDenied(GateMaxDailyLoss, reason)
	}
	if limit := e.runtime.KillSwitchDrawdownPct(); e.drawdownPct >= limit {
		reason := fmt.Sprintf("drawdown %.2f%% at limit %.2f%%", e.drawdownPct, limit)
		e.tripLocked(reason)
		return apperrors.NewRiskDenied(GateMaxDrawdown, reason)
	}
	return e.exposureGateLocked(ctx, intent)
}

// exposureGateLocked must be called with the mutex held.
func (e *Engine) exposureGateLocked(ctx context.Context, intent *core.OrderIntent) error {
	if e.equity.IsZero() {
		return apperrors.NewRiskDenied(GateExposure, "equity unknown, refusing to size exposure")
	}

	price := intent.Price
	if price.IsZero() {
		resp, err := e.market.Ticker(ctx, intent.Symbol)
		if err != nil {
			return apperrors.NewRiskDenied(GateExposure,
				fmt.Sprintf("no price available for %s: %v", intent.Symbol, err))
		}
		price = resp.Ticker.LastPrice
	}
	notional := intent.Amount.Mul(price).Abs()

	cfg := e.runtime.Config().Risk
	maxPosition := e.equity.Mul(decimal.NewFromFloat(cfg.MaxPositionPct / 100))
	maxTotal := e.equity.Mul(decimal.NewFromFloat(cfg.MaxTotalExposurePct / 100))

	symbolExposure := decimal.Zero
	totalExposure := decimal.Zero
	if e.positions != nil {
		for _, p := range e.positions.Positions() {
			n := p.Amount.Mul(p.BasePrice).Abs()
			totalExposure = totalExposure.Add(n)
			if p.Symbol == intent.Symbol {
				symbolExposure = symbolExposure.Add(n)
			}
		}
	}

	if symbolExposure.Add(notional).GreaterThan(maxPosition) {
		return apperrors.NewRiskDenied(GateExposure,
			fmt.Sprintf("position %s + %s exceeds per-symbol cap %s",
				symbolExposure, notional, maxPosition))
	}
	if totalExposure.Add(notional).GreaterThan(maxTotal) {
		return apperrors.NewRiskDenied(GateExposure,
			fmt.Sprintf("total exposure %s + %s exceeds cap %s",
				totalExposure, notional, maxTotal))
	}
	return nil
}

// RecordTrade counts an accepted order toward the budgets. Idempotent per
// order id: replays do not double-count.
func (e *Engine) RecordTrade(symbol string, orderID int64, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recorded[orderID] {
		return
	}
	e.recorded[orderID] = true
	e.tradesToday++
	e.perSymbol[symbol]++
	if ts.After(e.lastTrade[symbol]) {
		e.lastTrade[symbol] = ts
	}
}

// tripLocked engages the kill switch from inside a gate. Must be called
// with the mutex held.
func (e *Engine) tripLocked(reason string) {
	if e.killSwitch {
		return
	}
	e.killSwitch = true
	e.killSwitchReason = reason
	e.killSwitchAt = e.clock.Now()
	e.metrics.SetKillSwitch(true)
	e.logger.Error("Kill switch tripped", "reason", reason)
}

// TripKillSwitch halts all trading until reset or cooldown expiry.
func (e *Engine) TripKillSwitch(reason string) {
	e.mu.Lock()
	already := e.killSwitch
	e.killSwitch = true
	e.killSwitchReason = reason
	e.killSwitchAt = e.clock.Now()
	e.mu.Unlock()

	e.metrics.SetKillSwitch(true)
	if !already {
		e.logger.Error("Kill switch tripped", "reason", reason)
	}
}

// ResetKillSwitch clears the kill switch.
func (e *Engine) ResetKillSwitch() {
	e.mu.Lock()
	e.killSwitch = false
	e.killSwitchReason = ""
	e.mu.Unlock()
	e.metrics.SetKillSwitch(false)
	e.logger.Warn("Kill switch reset")
}

// Pause suspends trading without tripping the kill switch.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.logger.Warn("Trading paused")
}

// Resume lifts a pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.logger.Info("Trading resumed")
}

// Status reports the derived risk state.
func (e *Engine) Status(ctx context.Context) *core.RiskStatus {
	if err := e.refreshEquity(ctx); err != nil {
		e.logger.Warn("Equity refresh failed for status", "error", err)
	}

	now := e.clock.Now().In(e.loc)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDayLocked(now)

	perSymbol := make(map[string]int, len(e.perSymbol))
	for k, v := range e.perSymbol {
		perSymbol[k] = v
	}

	st := &core.RiskStatus{
		EquityUSD:        e.equity,
		DailyStartEquity: e.dailyStart,
		PeakEquity:       e.peak,
		DailyLossPct:     e.dailyLossPct,
		DrawdownPct:      e.drawdownPct,
		KillSwitch:       e.killSwitch,
		KillSwitchReason: e.killSwitchReason,
		TradingPaused:    e.paused,
		WindowOpen:       e.windowOpenLocked(now),
		DMSEnabled:       e.runtime.Config().WS.DeadManSwitch,
		TradesToday:      e.tradesToday,
		TradesPerSymbol:  perSymbol,
		Guards: []core.GuardStatus{
			{Name: GateMaxDailyLoss, Triggered: e.dailyLossPct >= e.runtime.MaxDailyLossPct(),
				Value: e.dailyLossPct, Limit: e.runtime.MaxDailyLossPct()},
			{Name: GateMaxDrawdown, Triggered: e.drawdownPct >= e.runtime.KillSwitchDrawdownPct(),
				Value: e.drawdownPct, Limit: e.runtime.KillSwitchDrawdownPct()},
			{Name: GateMaxTradesPerDay, Triggered: e.tradesToday >= e.runtime.MaxTradesPerDay(),
				Value: float64(e.tradesToday), Limit: float64(e.runtime.MaxTradesPerDay())},
		},
	}
	if e.breakers != nil {
		st.BreakerStates = e.breakers.States()
	}
	return st
}

// SnapshotEquity refreshes equity and appends a JSONL record; scheduled
// periodically.
func (e *Engine) SnapshotEquity(ctx context.Context) error {
	if err := e.refreshEquity(ctx); err != nil {
		return err
	}
	if e.snapshots == nil {
		return nil
	}

	e.mu.Lock()
	entry := map[string]interface{}{
		"ts":             e.clock.Now().UTC().Format(time.RFC3339),
		"equity_usd":     e.equity.String(),
		"daily_start":    e.dailyStart.String(),
		"peak":           e.peak.String(),
		"daily_loss_pct": e.dailyLossPct,
		"drawdown_pct":   e.drawdownPct,
	}
	e.mu.Unlock()
	return e.snapshots.Append(entry)
}

// refreshEquity pulls equity and refreshes the derived loss metrics, auto
// tripping the kill switch on drawdown breach.
func (e *Engine) refreshEquity(ctx context.Context) error {
	eq, err := e.equitySrc.Equity(ctx)
	if err != nil {
		return err
	}

	now := e.clock.Now().In(e.loc)
	var trip string

	e.mu.Lock()
	e.rollDayLocked(now)
	e.equity = eq
	if e.dailyStart.IsZero() {
		e.dailyStart = eq
	}
	if eq.GreaterThan(e.peak) {
		e.peak = eq
	}
	e.dailyLossPct = lossPct(e.dailyStart, eq)
	e.drawdownPct = lossPct(e.peak, eq)

	if !e.killSwitch && e.drawdownPct >= e.runtime.KillSwitchDrawdownPct() {
		trip = fmt.Sprintf("drawdown %.2f%% breached limit %.2f%%", e.drawdownPct, e.runtime.KillSwitchDrawdownPct())
	}
	equity, _ := eq.Float64()
	dailyLoss, drawdown := e.dailyLossPct, e.drawdownPct
	e.mu.Unlock()

	e.metrics.SetEquity(equity, dailyLoss, drawdown)
	if trip != "" {
		e.TripKillSwitch(trip)
	}
	return nil
}

// rollDayLocked resets daily counters exactly once per calendar day in the
// configured timezone. Must be called with the mutex held.
func (e *Engine) rollDayLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if day == e.day {
		return
	}
	e.day = day
	e.tradesToday = 0
	e.perSymbol = make(map[string]int)
	e.recorded = make(map[int64]bool)
	e.dailyStart = e.equity
	e.dailyLossPct = 0
	e.logger.Info("Daily risk counters reset", "day", day, "daily_start_equity", e.dailyStart.String())
}

// expireKillSwitchLocked lifts the kill switch after its cooldown. Must be
// called with the mutex held.
func (e *Engine) expireKillSwitchLocked(now time.Time) {
	if !e.killSwitch {
		return
	}
	cooldown := time.Duration(e.runtime.Config().Risk.KillSwitchCooldownHours) * time.Hour
	if cooldown <= 0 {
		return
	}
	if now.Sub(e.killSwitchAt) >= cooldown {
		e.killSwitch = false
		e.killSwitchReason = ""
		e.metrics.SetKillSwitch(false)
		e.logger.Warn("Kill switch cooldown elapsed, trading re-enabled")
	}
}

// windowOpenLocked reports whether now falls inside a configured trading
// window. No windows means always open. Must be called with the mutex held.
func (e *Engine) windowOpenLocked(now time.Time) bool {
	windows := e.runtime.Config().Risk.TradingWindows
	if len(windows) == 0 {
		return true
	}

	day := now.Format("Mon")
	minutes := now.Hour()*60 + now.Minute()

	for _, w := range windows {
		if !dayMatches(w.Days, day) {
			continue
		}
		start, err1 := config.WallClockMinutes(w.Start)
		end, err2 := config.WallClockMinutes(w.End)
		if err1 != nil || err2 != nil {
			continue
		}
		if start <= end {
			if minutes >= start && minutes < end {
				return true
			}
		} else if minutes >= start || minutes < end {
			// Overnight window wrapping midnight.
			return true
		}
	}
	return false
}

func dayMatches(days []string, day string) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if strings.EqualFold(d, day) {
			return true
		}
	}
	return false
}

func lossPct(anchor, current decimal.Decimal) float64 {
	if anchor.IsZero() || current.GreaterThanOrEqual(anchor) {
		return 0
	}
	pct, _ := anchor.Sub(current).Div(anchor).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

var _ core.IRiskEngine = (*Engine)(nil)
