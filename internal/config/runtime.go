package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// Runtime layers operator overrides on top of environment variables and the
// loaded file. Lookup precedence: override > env (BFX_ prefix, upper snake
// case) > file value.
type Runtime struct {
	mu        sync.RWMutex
	cfg       *Config
	overrides map[string]string
}

// NewRuntime wraps a loaded configuration.
func NewRuntime(cfg *Config) *Runtime {
	return &Runtime{
		cfg:       cfg,
		overrides: make(map[string]string),
	}
}

// Config returns the underlying file configuration.
func (r *Runtime) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Reload swaps the file configuration; overrides are preserved.
func (r *Runtime) Reload(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Set installs a runtime override for key.
func (r *Runtime) Set(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[key] = value
}

// Unset removes a runtime override.
func (r *Runtime) Unset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, key)
}

// lookup resolves key through override then env. The bool reports whether a
// layered value was found; callers fall back to the file value otherwise.
func (r *Runtime) lookup(key string) (string, bool) {
	r.mu.RLock()
	v, ok := r.overrides[key]
	r.mu.RUnlock()
	if ok {
		return v, true
	}
	envKey := "BFX_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if v, ok := os.LookupEnv(envKey); ok {
		return v, true
	}
	return "", false
}

// Bool resolves a boolean key with the precedence chain.
func (r *Runtime) Bool(key string, fileValue bool) bool {
	if v, ok := r.lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fileValue
}

// Int resolves an integer key with the precedence chain.
func (r *Runtime) Int(key string, fileValue int) int {
	if v, ok := r.lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fileValue
}

// Float resolves a float key with the precedence chain.
func (r *Runtime) Float(key string, fileValue float64) float64 {
	if v, ok := r.lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fileValue
}

// String resolves a string key with the precedence chain.
func (r *Runtime) StringValue(key string, fileValue string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return fileValue
}

// Convenience getters for the keys that may change at runtime.

func (r *Runtime) DryRunEnabled() bool {
	return r.Bool("dry_run_enabled", r.Config().Trading.DryRunEnabled)
}

func (r *Runtime) MaxTradesPerDay() int {
	return r.Int("max_trades_per_day", r.Config().Risk.MaxTradesPerDay)
}

func (r *Runtime) MaxTradesPerSymbolPerDay() int {
	return r.Int("max_trades_per_symbol_per_day", r.Config().Risk.MaxTradesPerSymbolPerDay)
}

func (r *Runtime) TradeCooldownSeconds() int {
	return r.Int("trade_cooldown_seconds", r.Config().Risk.TradeCooldownSeconds)
}

func (r *Runtime) MaxDailyLossPct() float64 {
	return r.Float("max_daily_loss_pct", r.Config().Risk.MaxDailyLossPct)
}

func (r *Runtime) KillSwitchDrawdownPct() float64 {
	return r.Float("kill_switch_drawdown_pct", r.Config().Risk.KillSwitchDrawdownPct)
}

func (r *Runtime) TickerStaleSecs() int {
	return r.Int("ws_ticker_stale_secs", r.Config().WS.TickerStaleSecs)
}

func (r *Runtime) CandleStaleSecs() int {
	return r.Int("candle_stale_secs", r.Config().WS.CandleStaleSecs)
}
