// Package risk implements the order policy pipeline: equity tracking with
// daily anchors, the ordered gate chain, kill switch, and trade budgets.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// walletStale bounds how old the WS wallet mirror may be before equity
// falls back to REST.
const walletStale = 30 * time.Second

// usdCurrencies are counted at face value toward equity.
var usdCurrencies = map[string]bool{"USD": true, "UST": true, "USDT": true}

// WalletsReader is the WS account mirror surface the tracker needs.
type WalletsReader interface {
	Wallets() []core.Wallet
	UpdatedAt() time.Time
}

// EquityTracker derives account equity in USD, WS-first with a deduplicated
// REST fallback and a last-known-good floor under transient outages.
type EquityTracker struct {
	state  WalletsReader
	rest   core.IExchangeClient
	cfg    config.RiskConfig
	clock  core.Clock
	logger core.ILogger

	group singleflight.Group

	mu         sync.Mutex
	lastGood   decimal.Decimal
	lastGoodAt time.Time
}

// NewEquityTracker creates the tracker.
func NewEquityTracker(state WalletsReader, rest core.IExchangeClient, cfg config.RiskConfig, clk core.Clock, logger core.ILogger) *EquityTracker {
	return &EquityTracker{
		state:  state,
		rest:   rest,
		cfg:    cfg,
		clock:  clk,
		logger: logger.WithField("component", "equity_tracker"),
	}
}

// Equity returns the current account equity in USD.
func (t *EquityTracker) Equity(ctx context.Context) (decimal.Decimal, error) {
	if t.state != nil && t.clock.Since(t.state.UpdatedAt()) <= walletStale {
		eq := sumUSD(t.state.Wallets())
		t.remember(eq)
		return eq, nil
	}

	timeout := time.Duration(t.cfg.EquityTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	// Concurrent gate evaluations share one REST fetch.
	v, err, _ := t.group.Do("equity", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		wallets, err := t.rest.GetWallets(fetchCtx)
		if err != nil {
			return nil, err
		}
		return sumUSD(wallets), nil
	})
	if err == nil {
		eq := v.(decimal.Decimal)
		t.remember(eq)
		return eq, nil
	}

	t.mu.Lock()
	lastGood, lastGoodAt := t.lastGood, t.lastGoodAt
	t.mu.Unlock()

	if !lastGoodAt.IsZero() {
		t.logger.Warn("Equity fetch failed, using last known good",
			"error", err, "age", t.clock.Since(lastGoodAt).String())
		return lastGood, nil
	}
	if t.cfg.EquityFallbackUSD > 0 {
		t.logger.Warn("Equity fetch failed, using configured fallback", "error", err)
		return decimal.NewFromFloat(t.cfg.EquityFallbackUSD), nil
	}
	return decimal.Zero, fmt.Errorf("equity unavailable: %w", err)
}

func (t *EquityTracker) remember(eq decimal.Decimal) {
	t.mu.Lock()
	t.lastGood = eq
	t.lastGoodAt = t.clock.Now()
	t.mu.Unlock()
}

// sumUSD totals USD-denominated wallet balances at face value.
func sumUSD(wallets []core.Wallet) decimal.Decimal {
	total := decimal.Zero
	for _, w := range wallets {
		if usdCurrencies[w.Currency] {
			total = total.Add(w.Balance)
		}
	}
	return total
}

var _ core.IEquitySource = (*EquityTracker)(nil)
