// Package engine exposes the trading core to its operator: order entry,
// market data, signals, risk state, and the operational controls. It holds
// no strategy loop; callers decide when to trade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
)

// MarketStream is the live subscription surface of the public websocket.
type MarketStream interface {
	SubscribeTicker(symbol string) error
	SubscribeCandles(symbol, timeframe string) error
	UnsubscribeTicker(symbol string)
	UnsubscribeCandles(symbol, timeframe string)
}

// EquitySnapshotter persists an equity reading on demand.
type EquitySnapshotter interface {
	SnapshotEquity(ctx context.Context) error
}

// Deps carries the wired components the facade delegates to.
type Deps struct {
	Runtime    *config.Runtime
	ConfigPath string
	Risk       core.IRiskEngine
	Pipeline   core.IOrderPipeline
	Market     core.IMarketData
	Signals    core.ISignalEngine
	Brackets   core.IBracketManager
	Breakers   core.IBreakerRegistry
	Stream     MarketStream
	Equity     EquitySnapshotter
	Logger     core.ILogger
}

// Trader is the operator-facing facade over the trading core.
type Trader struct {
	runtime    *config.Runtime
	configPath string
	risk       core.IRiskEngine
	pipeline   core.IOrderPipeline
	market     core.IMarketData
	signals    core.ISignalEngine
	brackets   core.IBracketManager
	breakers   core.IBreakerRegistry
	stream     MarketStream
	equity     EquitySnapshotter
	logger     core.ILogger
}

// New assembles the facade.
func New(d Deps) *Trader {
	return &Trader{
		runtime:    d.Runtime,
		configPath: d.ConfigPath,
		risk:       d.Risk,
		pipeline:   d.Pipeline,
		market:     d.Market,
		signals:    d.Signals,
		brackets:   d.Brackets,
		breakers:   d.Breakers,
		stream:     d.Stream,
		equity:     d.Equity,
		logger:     d.Logger.WithField("component", "trader"),
	}
}

// PlaceOrder runs an intent through the full pipeline.
func (t *Trader) PlaceOrder(ctx context.Context, intent *core.OrderIntent) (*core.OrderResult, error) {
	return t.pipeline.PlaceOrder(ctx, intent)
}

// CancelOrder cancels one order by exchange id.
func (t *Trader) CancelOrder(ctx context.Context, orderID int64) error {
	return t.pipeline.CancelOrder(ctx, orderID)
}

// CancelAll cancels every open order, or every order on one symbol when
// symbol is non-empty.
func (t *Trader) CancelAll(ctx context.Context, symbol string) error {
	return t.pipeline.CancelAll(ctx, symbol)
}

// Ticker returns the freshest ticker with provenance.
func (t *Trader) Ticker(ctx context.Context, symbol string) (*core.TickerResponse, error) {
	return t.market.Ticker(ctx, symbol)
}

// Candles returns the freshest candle series with provenance.
func (t *Trader) Candles(ctx context.Context, symbol, timeframe string, limit int) (*core.CandlesResponse, error) {
	return t.market.Candles(ctx, symbol, timeframe, limit)
}

// Signal returns the current signal score for a symbol and timeframe.
func (t *Trader) Signal(ctx context.Context, symbol, timeframe string) (*core.SignalScore, error) {
	return t.signals.Score(ctx, symbol, timeframe)
}

// RiskStatus reports the derived risk state including breaker states.
func (t *Trader) RiskStatus(ctx context.Context) *core.RiskStatus {
	return t.risk.Status(ctx)
}

// DeadLetters lists submissions that failed at the transport layer.
func (t *Trader) DeadLetters() []core.DeadLetter {
	return t.pipeline.DeadLetters()
}

// Subscribe opens a live market data subscription. Channel is "ticker" or
// "candles"; candles require a timeframe.
func (t *Trader) Subscribe(channel, symbol, timeframe string) error {
	switch channel {
	case "ticker":
		return t.stream.SubscribeTicker(symbol)
	case "candles":
		if timeframe == "" {
			return errors.New("candles subscription requires a timeframe")
		}
		return t.stream.SubscribeCandles(symbol, timeframe)
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}
}

// Unsubscribe closes a live market data subscription.
func (t *Trader) Unsubscribe(channel, symbol, timeframe string) error {
	switch channel {
	case "ticker":
		t.stream.UnsubscribeTicker(symbol)
		return nil
	case "candles":
		if timeframe == "" {
			return errors.New("candles subscription requires a timeframe")
		}
		t.stream.UnsubscribeCandles(symbol, timeframe)
		return nil
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}
}

// ResetBreaker resets one named breaker, or every breaker when name is
// empty.
func (t *Trader) ResetBreaker(name string) error {
	if name == "" {
		t.breakers.ForceRecovery()
		t.logger.Warn("All circuit breakers force-reset")
		return nil
	}
	if err := t.breakers.Reset(name); err != nil {
		return err
	}
	t.logger.Warn("Circuit breaker reset", "breaker", name)
	return nil
}

// ForceRecovery closes every breaker at once.
func (t *Trader) ForceRecovery() {
	t.breakers.ForceRecovery()
	t.logger.Warn("Forced recovery of all circuit breakers")
}

// PauseTrading suspends order admission without tripping the kill switch.
func (t *Trader) PauseTrading() { t.risk.Pause() }

// ResumeTrading lifts a pause.
func (t *Trader) ResumeTrading() { t.risk.Resume() }

// TripKillSwitch halts trading until reset or cooldown expiry.
func (t *Trader) TripKillSwitch(reason string) { t.risk.TripKillSwitch(reason) }

// ResetKillSwitch clears the kill switch.
func (t *Trader) ResetKillSwitch() { t.risk.ResetKillSwitch() }

// SetDryRun toggles dry-run order handling via a runtime override.
func (t *Trader) SetDryRun(enabled bool) {
	t.runtime.Set("dry_run_enabled", strconv.FormatBool(enabled))
	t.logger.Warn("Dry-run mode changed", "enabled", enabled)
}

// DryRunEnabled reports the effective dry-run setting.
func (t *Trader) DryRunEnabled() bool {
	return t.runtime.DryRunEnabled()
}

// ReloadConfig re-reads the configuration file and swaps it in. Runtime
// overrides survive the reload.
func (t *Trader) ReloadConfig() error {
	if t.configPath == "" {
		return errors.New("no config file to reload")
	}
	cfg, err := config.LoadConfig(t.configPath)
	if err != nil {
		return fmt.Errorf("config reload rejected: %w", err)
	}
	t.runtime.Reload(cfg)
	t.logger.Info("Configuration reloaded", "path", t.configPath)
	return nil
}

// ForceSnapshot persists bracket state and an equity reading immediately.
func (t *Trader) ForceSnapshot(ctx context.Context) error {
	var errs []error
	if err := t.brackets.Snapshot(); err != nil {
		errs = append(errs, fmt.Errorf("bracket snapshot: %w", err))
	}
	if err := t.equity.SnapshotEquity(ctx); err != nil {
		errs = append(errs, fmt.Errorf("equity snapshot: %w", err))
	}
	return errors.Join(errs...)
}
