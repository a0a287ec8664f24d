// Command trader assembles and runs the Bitfinex trading core.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bfx_trader/internal/alert"
	"bfx_trader/internal/audit"
	"bfx_trader/internal/breaker"
	"bfx_trader/internal/clock"
	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	"bfx_trader/internal/engine"
	"bfx_trader/internal/exchange/bitfinex"
	"bfx_trader/internal/infrastructure/health"
	"bfx_trader/internal/infrastructure/metrics"
	"bfx_trader/internal/marketdata"
	"bfx_trader/internal/nonce"
	"bfx_trader/internal/ratelimit"
	"bfx_trader/internal/risk"
	"bfx_trader/internal/scheduler"
	signalengine "bfx_trader/internal/signal"
	"bfx_trader/internal/symbols"
	"bfx_trader/internal/trading/bracket"
	"bfx_trader/internal/trading/order"
	"bfx_trader/pkg/logging"
	"bfx_trader/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "trader: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	runtime := config.NewRuntime(cfg)

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tel, err := telemetry.Setup("bfx_trader")
	if err != nil {
		return fmt.Errorf("telemetry setup failed: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	clk := clock.NewSystem()
	notifier := alert.New(cfg.Alerts, clk, logger)

	nonces, err := nonce.NewStore(cfg.Paths.NoncePath, logger)
	if err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	limiter, err := ratelimit.New(cfg.RateLimit, clk, logger)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	breakers := breaker.NewRegistry(breaker.DefaultConfigs(), clk, logger)
	breakers.OnEvent(func(evt breaker.Event) {
		if evt.To == breaker.Open {
			notifier.Warn("circuit breaker opened",
				fmt.Sprintf("breaker %s opened: %s", evt.Name, evt.Reason),
				map[string]string{"breaker": evt.Name})
		}
	})

	rest := bitfinex.NewRESTClient(cfg.Exchange, nonces, limiter, breakers, logger)

	trail, err := audit.Open(cfg.Paths.AuditLogPath, clk, logger)
	if err != nil {
		return fmt.Errorf("audit trail: %w", err)
	}
	defer trail.Close()

	startupCtx, startupCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Exchange.TimeoutSecs)*time.Second)
	defer startupCancel()

	registry := symbols.New(rest, clk, logger)
	if err := registry.Refresh(startupCtx); err != nil {
		// Trading validation needs the table; market data can run without.
		logger.Warn("Initial symbol refresh failed, orders will be rejected until it succeeds", "error", err)
	}

	market, err := marketdata.New(rest, cfg.WS, clk, logger)
	if err != nil {
		return fmt.Errorf("market data facade: %w", err)
	}

	pubStream := bitfinex.NewPublicStream(cfg.Exchange.WSPublicURL, cfg.WS, logger)
	pubStream.OnTicker(market.HandleTicker)
	pubStream.OnCandle(market.HandleCandle)
	defer pubStream.Close()

	authStream := bitfinex.NewAuthStream(cfg.Exchange, cfg.WS, nonces, logger)
	defer authStream.Close()

	equity := risk.NewEquityTracker(authStream.State(), rest, cfg.Risk, clk, logger)
	riskEngine, err := risk.NewEngine(runtime, equity, authStream.State(), market, breakers, clk, logger,
		cfg.Paths.EquitySnapshotPath)
	if err != nil {
		return fmt.Errorf("risk engine: %w", err)
	}
	defer riskEngine.Close()

	brackets, err := bracket.NewManager(rest, registry, clk, logger, trail, cfg.Paths.BracketSnapshot)
	if err != nil {
		return fmt.Errorf("bracket manager: %w", err)
	}

	pipeline := order.NewPipeline(rest, registry, riskEngine, brackets, runtime, clk, logger, trail)

	signals, err := signalengine.New(market, cfg.Signal, clk, logger)
	if err != nil {
		return fmt.Errorf("signal engine: %w", err)
	}
	market.OnCandleClosed(signals.HandleCandleClosed)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authStream.OnOrderUpdate(func(o *core.Order) {
		brackets.OnOrderUpdate(rootCtx, o)
	})
	authStream.OnAuthError(func(err error) {
		logger.Error("Websocket authentication failed", "error", err)
		notifier.Critical("websocket auth failed", err.Error(), nil)
	})

	healthMgr := health.NewManager(logger)
	staleAfter := time.Duration(cfg.WS.TickerStaleSecs) * time.Second
	healthMgr.Register("ws_public", health.StalenessCheck(clk, staleAfter, pubStream.LastMessageAt))
	healthMgr.Register("ws_auth", health.AuthCheck(authStream.Authenticated))
	healthMgr.Register("breakers", health.BreakerCheck(breakers))

	trader := engine.New(engine.Deps{
		Runtime:    runtime,
		ConfigPath: configPath,
		Risk:       riskEngine,
		Pipeline:   pipeline,
		Market:     market,
		Signals:    signals,
		Brackets:   brackets,
		Breakers:   breakers,
		Stream:     pubStream,
		Equity:     riskEngine,
		Logger:     logger,
	})

	if cfg.WS.ConnectOnStart {
		authStream.Start()
		for _, sym := range cfg.Trading.Symbols {
			if err := trader.Subscribe("ticker", sym, ""); err != nil {
				logger.Warn("Ticker subscription failed", "symbol", sym, "error", err)
			}
			if err := trader.Subscribe("candles", sym, cfg.Trading.Timeframe); err != nil {
				logger.Warn("Candle subscription failed", "symbol", sym, "error", err)
			}
		}
	}

	if err := brackets.Reconcile(startupCtx); err != nil {
		logger.Warn("Startup bracket reconcile failed", "error", err)
	}

	sched := scheduler.New(cfg.Scheduler, clk, logger)
	registerJobs(sched, jobDeps{
		cfg:      cfg,
		health:   healthMgr,
		limiter:  limiter,
		breakers: breakers,
		risk:     riskEngine,
		brackets: brackets,
		pipeline: pipeline,
		signals:  signals,
		market:   market,
		registry: registry,
		notifier: notifier,
		logger:   logger,
	})

	g, gctx := errgroup.WithContext(rootCtx)
	grace := time.Duration(cfg.System.ShutdownGraceSecs) * time.Second

	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	if cfg.Telemetry.EnableMetrics {
		srv := metrics.NewServer(cfg.Telemetry.MetricsPort, healthMgr, logger)
		g.Go(func() error {
			srv.Start()
			<-gctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			return srv.Stop(shCtx)
		})
	}

	logger.Info("Trader started",
		"symbols", cfg.Trading.Symbols,
		"timeframe", cfg.Trading.Timeframe,
		"dry_run", runtime.DryRunEnabled())

	<-rootCtx.Done()
	logger.Info("Shutdown signal received")

	shCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := trader.ForceSnapshot(shCtx); err != nil {
		logger.Warn("Final snapshot failed", "error", err)
	}

	err = g.Wait()
	notifier.Flush()
	logger.Info("Trader stopped")
	return err
}
