package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bfx_trader/internal/alert"
	"bfx_trader/internal/breaker"
	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	"bfx_trader/internal/marketdata"
	"bfx_trader/internal/ratelimit"
	"bfx_trader/internal/risk"
	"bfx_trader/internal/scheduler"
	signalengine "bfx_trader/internal/signal"
	"bfx_trader/internal/symbols"
	"bfx_trader/internal/trading/bracket"
	"bfx_trader/internal/trading/order"
)

type jobDeps struct {
	cfg      *config.Config
	health   core.IHealthMonitor
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	risk     *risk.Engine
	brackets *bracket.Manager
	pipeline *order.Pipeline
	signals  *signalengine.Engine
	market   *marketdata.Facade
	registry *symbols.Registry
	notifier *alert.Notifier
	logger   core.ILogger
}

// brierDegraded is the mean Brier score above which the probability model
// is treated as stale. 0.25 is the score of always predicting 0.5.
const brierDegraded = 0.30

// registerJobs wires the periodic maintenance work. Critical jobs watch the
// system, high-priority jobs persist state, the rest is housekeeping.
func registerJobs(sched *scheduler.Scheduler, d jobDeps) {
	var wasUnhealthy, killSeen bool
	sched.Register(&scheduler.Job{
		Name:     "health_check",
		Priority: scheduler.Critical,
		Interval: 30 * time.Second,
		Jitter:   5 * time.Second,
		Run: func(ctx context.Context) error {
			healthy := d.health.IsHealthy()
			if !healthy && !wasUnhealthy {
				status := d.health.GetStatus()
				var failing []string
				for name, s := range status {
					if s != "healthy" {
						failing = append(failing, name+": "+s)
					}
				}
				d.logger.Warn("System degraded", "components", failing)
				d.notifier.Warn("system degraded", strings.Join(failing, "\n"), nil)
			}
			wasUnhealthy = !healthy

			st := d.risk.Status(ctx)
			if st.KillSwitch && !killSeen {
				d.notifier.Critical("kill switch engaged", st.KillSwitchReason, map[string]string{
					"daily_loss_pct": fmt.Sprintf("%.2f", st.DailyLossPct),
					"drawdown_pct":   fmt.Sprintf("%.2f", st.DrawdownPct),
				})
			}
			killSeen = st.KillSwitch
			return nil
		},
	})

	sched.Register(&scheduler.Job{
		Name:     "cb_monitor",
		Priority: scheduler.Critical,
		Interval: 30 * time.Second,
		Jitter:   5 * time.Second,
		Run: func(ctx context.Context) error {
			d.limiter.PublishGauges()
			for name, state := range d.breakers.States() {
				if state != "closed" {
					d.logger.Warn("Circuit breaker not closed", "breaker", name, "state", state)
				}
			}
			return nil
		},
	})

	sched.Register(&scheduler.Job{
		Name:     "equity_snapshot",
		Priority: scheduler.High,
		Interval: 60 * time.Second,
		Jitter:   10 * time.Second,
		Run:      d.risk.SnapshotEquity,
	})

	sched.Register(&scheduler.Job{
		Name:     "bracket_reconcile",
		Priority: scheduler.High,
		Interval: 60 * time.Second,
		Jitter:   10 * time.Second,
		Run:      d.brackets.Reconcile,
	})

	var deadLettersSeen int
	sched.Register(&scheduler.Job{
		Name:     "dead_letter_watch",
		Priority: scheduler.Medium,
		Interval: 5 * time.Minute,
		Jitter:   30 * time.Second,
		Run: func(ctx context.Context) error {
			letters := d.pipeline.DeadLetters()
			if n := len(letters); n > deadLettersSeen {
				last := letters[n-1]
				d.notifier.Warn("order submissions dead-lettered",
					fmt.Sprintf("%d failed submissions await inspection; latest: %s", n, last.Reason),
					map[string]string{"symbol": last.Intent.Symbol})
				deadLettersSeen = n
			}
			return nil
		},
	})

	sched.Register(&scheduler.Job{
		Name:     "prob_validation",
		Priority: scheduler.Medium,
		Interval: 5 * time.Minute,
		Jitter:   30 * time.Second,
		Run: func(ctx context.Context) error {
			for _, sym := range d.cfg.Trading.Symbols {
				report, err := d.signals.ValidateModel(ctx, sym, d.cfg.Trading.Timeframe)
				if err != nil {
					d.logger.Debug("Model validation skipped", "symbol", sym, "error", err)
					continue
				}
				if report == nil {
					// No model loaded, nothing to validate.
					return nil
				}
				if report.Brier > brierDegraded {
					d.logger.Warn("Probability model degraded",
						"symbol", sym, "brier", report.Brier, "samples", report.Samples, "version", report.Version)
				} else {
					d.logger.Debug("Probability model validated",
						"symbol", sym, "brier", report.Brier, "samples", report.Samples)
				}
			}
			return nil
		},
	})

	sched.Register(&scheduler.Job{
		Name:     "regime_update",
		Priority: scheduler.Medium,
		Interval: 5 * time.Minute,
		Jitter:   30 * time.Second,
		Run: func(ctx context.Context) error {
			return d.signals.UpdateRegimes(ctx, d.cfg.Trading.Symbols, d.cfg.Trading.Timeframe)
		},
	})

	sched.Register(&scheduler.Job{
		Name:     "cache_retention",
		Priority: scheduler.Low,
		Interval: 30 * time.Minute,
		Jitter:   5 * time.Minute,
		Run: func(ctx context.Context) error {
			evicted, trimmed := d.market.Prune()
			expired := d.signals.PruneExpired()
			d.logger.Debug("Retention pass finished",
				"evicted", evicted, "trimmed", trimmed, "scores_expired", expired)
			return nil
		},
	})

	sched.Register(&scheduler.Job{
		Name:     "model_retraining",
		Priority: scheduler.Low,
		Interval: 30 * time.Minute,
		Jitter:   5 * time.Minute,
		Run: func(ctx context.Context) error {
			// Training runs offline; this picks up a rewritten snapshot.
			_, err := d.signals.ReloadModel()
			return err
		},
	})

	sched.Register(&scheduler.Job{
		Name:     "symbol_refresh",
		Priority: scheduler.Low,
		Interval: 2 * time.Hour,
		Jitter:   5 * time.Minute,
		Run:      d.registry.Refresh,
	})
}
