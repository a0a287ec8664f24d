// Package marketdata serves tickers and candles WS-first with REST
// fallback. Every response carries provenance: source, age, and the reason
// when the preferred path was not taken.
package marketdata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	"bfx_trader/pkg/telemetry"

	lru "github.com/hashicorp/golang-lru"
)

const seriesCacheSize = 128

// maxBars bounds each cached candle series.
const maxBars = 1000

// series is one symbol/timeframe candle history, oldest first.
type series struct {
	mu        sync.Mutex
	bars      []core.Candle
	updatedAt time.Time
}

// Facade implements core.IMarketData over the WS caches and a REST client.
type Facade struct {
	rest   core.IExchangeClient
	cfg    config.WSConfig
	clock  core.Clock
	logger core.ILogger

	tickersMu sync.RWMutex
	tickers   map[string]core.Ticker

	seriesCache *lru.Cache

	closedMu sync.Mutex
	onClosed []func(core.Candle)

	metrics *telemetry.MetricsHolder
}

// New creates the facade. Wire HandleTicker/HandleCandle into the public
// stream at composition time.
func New(rest core.IExchangeClient, cfg config.WSConfig, clk core.Clock, logger core.ILogger) (*Facade, error) {
	cache, err := lru.New(seriesCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create series cache: %w", err)
	}
	return &Facade{
		rest:        rest,
		cfg:         cfg,
		clock:       clk,
		logger:      logger.WithField("component", "marketdata"),
		tickers:     make(map[string]core.Ticker),
		seriesCache: cache,
		metrics:     telemetry.GetGlobalMetrics(),
	}, nil
}

// OnCandleClosed registers a listener invoked when a bar finishes forming.
func (f *Facade) OnCandleClosed(h func(core.Candle)) {
	f.closedMu.Lock()
	f.onClosed = append(f.onClosed, h)
	f.closedMu.Unlock()
}

// HandleTicker ingests a live ticker from the public stream.
func (f *Facade) HandleTicker(tk core.Ticker) {
	f.tickersMu.Lock()
	f.tickers[tk.Symbol] = tk
	f.tickersMu.Unlock()
}

// HandleCandle ingests a live candle. A bar with a newer open time closes
// its predecessor.
func (f *Facade) HandleCandle(c core.Candle) {
	s := f.seriesFor(c.Symbol, c.Timeframe)

	var closed *core.Candle
	s.mu.Lock()
	s.updatedAt = f.clock.Now()
	n := len(s.bars)
	switch {
	case n == 0 || c.OpenTime.After(s.bars[n-1].OpenTime):
		if n > 0 && !s.bars[n-1].Closed {
			s.bars[n-1].Closed = true
			cp := s.bars[n-1]
			closed = &cp
		}
		s.bars = append(s.bars, c)
		if len(s.bars) > maxBars {
			s.bars = s.bars[len(s.bars)-maxBars:]
		}
	case c.OpenTime.Equal(s.bars[n-1].OpenTime):
		if s.bars[n-1].Closed {
			c.Closed = true
		}
		s.bars[n-1] = c
	default:
		// Replay of an older bar, merge in place.
		for i := n - 2; i >= 0; i-- {
			if s.bars[i].OpenTime.Equal(c.OpenTime) {
				c.Closed = true
				s.bars[i] = c
				break
			}
		}
	}
	s.mu.Unlock()

	if closed != nil {
		f.notifyClosed(*closed)
	}
}

func (f *Facade) notifyClosed(c core.Candle) {
	f.closedMu.Lock()
	handlers := make([]func(core.Candle), len(f.onClosed))
	copy(handlers, f.onClosed)
	f.closedMu.Unlock()
	for _, h := range handlers {
		h(c)
	}
}

func (f *Facade) seriesFor(symbol, timeframe string) *series {
	key := timeframe + ":" + symbol
	if v, ok := f.seriesCache.Get(key); ok {
		return v.(*series)
	}
	s := &series{}
	// Peek-or-add: a concurrent add wins, reuse it.
	if existing, loaded, _ := f.seriesCache.PeekOrAdd(key, s); loaded {
		return existing.(*series)
	}
	return s
}

// Ticker returns the freshest ticker available, preferring the WS cache.
func (f *Facade) Ticker(ctx context.Context, symbol string) (*core.TickerResponse, error) {
	staleAfter := time.Duration(f.cfg.TickerStaleSecs) * time.Second

	f.tickersMu.RLock()
	cached, ok := f.tickers[symbol]
	f.tickersMu.RUnlock()

	if ok {
		if age := f.clock.Since(cached.UpdatedAt); age <= staleAfter {
			f.metrics.IncMarketDataWS()
			return &core.TickerResponse{
				Ticker: cached,
				Meta:   core.MarketDataMeta{Source: core.SourceWS, AgeMS: age.Milliseconds()},
			}, nil
		}
	}

	reason := "ws_missing"
	if ok {
		reason = "ws_stale"
	}

	tk, err := f.rest.GetTicker(ctx, symbol)
	if err != nil {
		if ok {
			// Degraded: REST down, serve the stale cache and say so.
			age := f.clock.Since(cached.UpdatedAt)
			f.logger.Warn("REST ticker fallback failed, serving stale cache",
				"symbol", symbol, "age_ms", age.Milliseconds(), "error", err)
			f.metrics.IncMarketDataCache()
			return &core.TickerResponse{
				Ticker: cached,
				Meta:   core.MarketDataMeta{Source: core.SourceCache, AgeMS: age.Milliseconds(), Reason: "rest_fallback_failed"},
			}, nil
		}
		return nil, err
	}

	f.HandleTicker(*tk)
	f.metrics.IncMarketDataREST()
	return &core.TickerResponse{
		Ticker: *tk,
		Meta:   core.MarketDataMeta{Source: core.SourceREST, Reason: reason},
	}, nil
}

// Candles returns the most recent limit bars, preferring the WS series.
func (f *Facade) Candles(ctx context.Context, symbol, timeframe string, limit int) (*core.CandlesResponse, error) {
	staleAfter := time.Duration(f.cfg.CandleStaleSecs) * time.Second
	s := f.seriesFor(symbol, timeframe)

	s.mu.Lock()
	age := f.clock.Since(s.updatedAt)
	enough := len(s.bars) >= limit
	fresh := !s.updatedAt.IsZero() && age <= staleAfter
	var bars []core.Candle
	if enough && fresh {
		bars = append(bars, s.bars[len(s.bars)-limit:]...)
	}
	s.mu.Unlock()

	if bars != nil {
		f.metrics.IncMarketDataWS()
		return &core.CandlesResponse{
			Candles: bars,
			Meta:    core.MarketDataMeta{Source: core.SourceWS, AgeMS: age.Milliseconds()},
		}, nil
	}

	reason := "ws_insufficient"
	if enough {
		reason = "ws_stale"
	}

	fetched, err := f.rest.GetCandles(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	f.merge(s, fetched)
	f.metrics.IncMarketDataREST()
	return &core.CandlesResponse{
		Candles: fetched,
		Meta:    core.MarketDataMeta{Source: core.SourceREST, Reason: reason},
	}, nil
}

// Prune enforces cache retention: candle series with no updates inside the
// idle window are evicted, live series are trimmed to the retention bar
// count, and tickers that stopped updating are dropped. Returns evicted and
// trimmed counts.
func (f *Facade) Prune() (evicted, trimmed int) {
	idleAfter := time.Duration(f.cfg.SeriesIdleMins) * time.Minute
	keep := f.cfg.RetentionBars

	for _, key := range f.seriesCache.Keys() {
		v, ok := f.seriesCache.Peek(key)
		if !ok {
			continue
		}
		s := v.(*series)

		s.mu.Lock()
		idle := idleAfter > 0 && !s.updatedAt.IsZero() && f.clock.Since(s.updatedAt) > idleAfter
		if !idle && keep > 0 && len(s.bars) > keep {
			s.bars = append([]core.Candle(nil), s.bars[len(s.bars)-keep:]...)
			trimmed++
		}
		s.mu.Unlock()

		if idle {
			f.seriesCache.Remove(key)
			evicted++
		}
	}

	if idleAfter > 0 {
		f.tickersMu.Lock()
		for sym, tk := range f.tickers {
			if f.clock.Since(tk.UpdatedAt) > idleAfter {
				delete(f.tickers, sym)
				evicted++
			}
		}
		f.tickersMu.Unlock()
	}

	if evicted > 0 || trimmed > 0 {
		f.logger.Debug("Cache retention pass", "evicted", evicted, "trimmed", trimmed)
	}
	return evicted, trimmed
}

// merge folds REST history into the series without clobbering newer WS bars.
func (f *Facade) merge(s *series, fetched []core.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byOpen := make(map[time.Time]core.Candle, len(s.bars)+len(fetched))
	for _, c := range fetched {
		byOpen[c.OpenTime] = c
	}
	for _, c := range s.bars {
		byOpen[c.OpenTime] = c // WS bars win
	}

	merged := make([]core.Candle, 0, len(byOpen))
	for _, c := range byOpen {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].OpenTime.Before(merged[j].OpenTime) })
	if len(merged) > maxBars {
		merged = merged[len(merged)-maxBars:]
	}
	s.bars = merged
	if s.updatedAt.IsZero() {
		s.updatedAt = f.clock.Now()
	}
}

var _ core.IMarketData = (*Facade)(nil)
