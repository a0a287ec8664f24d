package signal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
)

// Score thresholds for the heuristic regime filter.
const (
	trendADXMin    = 20.0
	rsiOverbought  = 70.0
	rsiOversold    = 30.0
	holdConfidence = 0.0
)

type cachedScore struct {
	score    *core.SignalScore
	cachedAt time.Time
}

// Market regimes derived from ADX.
const (
	RegimeTrending = "trending"
	RegimeRanging  = "ranging"
)

// Engine computes signal scores from market data with a TTL cache. Each
// symbol/timeframe carries a running indicator state, so a freshly closed
// candle folds in at O(1) instead of recomputing the whole window.
type Engine struct {
	market core.IMarketData
	cfg    config.SignalConfig
	clock  core.Clock
	logger core.ILogger

	mu         sync.Mutex
	model      *Model
	modelMTime time.Time
	cache      map[string]cachedScore
	states     map[string]*tracker
	regimes    map[string]string
}

// New creates the engine, loading the probability model when configured.
func New(market core.IMarketData, cfg config.SignalConfig, clk core.Clock, logger core.ILogger) (*Engine, error) {
	model, err := LoadModel(cfg.ProbModelFile)
	if err != nil {
		return nil, err
	}
	log := logger.WithField("component", "signal_engine")
	var mtime time.Time
	if model != nil {
		if fi, err := os.Stat(cfg.ProbModelFile); err == nil {
			mtime = fi.ModTime()
		}
		log.Info("Probability model loaded", "file", cfg.ProbModelFile, "version", model.Version)
	} else {
		log.Info("No probability model, using heuristic mapping")
	}
	return &Engine{
		market:     market,
		cfg:        cfg,
		clock:      clk,
		logger:     log,
		model:      model,
		modelMTime: mtime,
		cache:      make(map[string]cachedScore),
		states:     make(map[string]*tracker),
		regimes:    make(map[string]string),
	}, nil
}

// Score returns the current signal for a symbol/timeframe, cached for the
// configured TTL.
func (e *Engine) Score(ctx context.Context, symbol, timeframe string) (*core.SignalScore, error) {
	key := symbol + ":" + timeframe
	ttl := time.Duration(e.cfg.ScoreTTLSecs) * time.Second

	e.mu.Lock()
	if c, ok := e.cache[key]; ok && e.clock.Since(c.cachedAt) <= ttl {
		score := *c.score
		e.mu.Unlock()
		return &score, nil
	}
	e.mu.Unlock()

	score, err := e.compute(ctx, symbol, timeframe)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = cachedScore{score: score, cachedAt: e.clock.Now()}
	e.mu.Unlock()
	return score, nil
}

// HandleCandleClosed folds one freshly closed bar into the symbol's
// running indicator state and drops the now-stale cached score.
func (e *Engine) HandleCandleClosed(c core.Candle) {
	key := c.Symbol + ":" + c.Timeframe
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[key]; ok && c.OpenTime.After(st.lastOpen) {
		st.update(c)
	}
	delete(e.cache, key)
}

func (e *Engine) compute(ctx context.Context, symbol, timeframe string) (*core.SignalScore, error) {
	resp, err := e.market.Candles(ctx, symbol, timeframe, e.cfg.CandleLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candles for scoring: %w", err)
	}

	// Only closed bars count; the forming bar would repaint the signal.
	candles := resp.Candles
	if n := len(candles); n > 0 && !candles[n-1].Closed {
		candles = candles[:n-1]
	}
	if len(candles) < e.minBars() {
		return nil, fmt.Errorf("insufficient history for %s %s: %d closed bars", symbol, timeframe, len(candles))
	}

	features := e.fold(symbol+":"+timeframe, candles)
	side, confidence := e.classify(features)
	probability := e.probability(side, confidence, features)

	return &core.SignalScore{
		Symbol:      symbol,
		Timeframe:   timeframe,
		Side:        side,
		Confidence:  confidence,
		Probability: probability,
		Features:    features,
		ComputedAt:  e.clock.Now(),
	}, nil
}

func (e *Engine) minBars() int {
	return e.cfg.EMASlow + 1
}

// fold advances the per-key indicator state with any bars it has not seen
// and returns the resulting feature vector. When closed candles stream in
// through HandleCandleClosed the fetched window is already folded, so the
// steady-state cost here is zero updates.
func (e *Engine) fold(key string, candles []core.Candle) map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.states[key]
	if st == nil || st.lastOpen.After(candles[len(candles)-1].OpenTime) {
		// No state yet, or the state is ahead of the window (history
		// rewritten after an eviction): start over.
		st = newTracker(e.cfg)
		e.states[key] = st
	}
	for _, c := range candles {
		if !c.OpenTime.After(st.lastOpen) {
			continue
		}
		st.update(c)
	}
	return st.features()
}

// classify maps features to a direction and a confidence in [0,1].
// Trend-following with an RSI exhaustion filter and an ADX regime gate.
func (e *Engine) classify(f map[string]float64) (core.OrderSide, float64) {
	spread := f["ema_spread_pct"]
	rsiVal := f["rsi"]
	adxVal := f["adx"]

	if adxVal < trendADXMin {
		return core.SideHold, holdConfidence
	}

	trendStrength := clamp((adxVal-trendADXMin)/30, 0, 1)

	switch {
	case spread > 0 && rsiVal < rsiOverbought:
		room := (rsiOverbought - rsiVal) / rsiOverbought
		return core.SideBuy, clamp(trendStrength*0.6+room*0.4, 0, 1)
	case spread < 0 && rsiVal > rsiOversold:
		room := (rsiVal - rsiOversold) / (100 - rsiOversold)
		return core.SideSell, clamp(trendStrength*0.6+room*0.4, 0, 1)
	default:
		return core.SideHold, holdConfidence
	}
}

// probability produces a calibrated up-move probability: the model when
// present, otherwise a conservative mapping from confidence.
func (e *Engine) probability(side core.OrderSide, confidence float64, features map[string]float64) float64 {
	e.mu.Lock()
	model := e.model
	e.mu.Unlock()
	if model != nil {
		return model.Probability(features)
	}
	switch side {
	case core.SideBuy:
		return 0.5 + confidence*0.3
	case core.SideSell:
		return 0.5 - confidence*0.3
	default:
		return 0.5
	}
}

// ModelReport summarizes one validation pass of the probability model over
// recent history.
type ModelReport struct {
	Symbol    string
	Timeframe string
	Version   string
	Samples   int
	Brier     float64
}

// ValidateModel folds recent closed bars through a fresh indicator state
// in one pass, at each bar comparing the model's predicted up-move
// probability against the realized next-bar direction. Returns nil when
// no model is loaded.
func (e *Engine) ValidateModel(ctx context.Context, symbol, timeframe string) (*ModelReport, error) {
	e.mu.Lock()
	model := e.model
	e.mu.Unlock()
	if model == nil {
		return nil, nil
	}

	resp, err := e.market.Candles(ctx, symbol, timeframe, e.cfg.CandleLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candles for validation: %w", err)
	}
	candles := resp.Candles
	if n := len(candles); n > 0 && !candles[n-1].Closed {
		candles = candles[:n-1]
	}

	st := newTracker(e.cfg)
	var sum float64
	samples := 0
	for i, c := range candles {
		st.update(c)
		if i < e.minBars() || i >= len(candles)-1 {
			continue
		}
		p := model.Probability(st.features())
		outcome := 0.0
		if candles[i+1].Close.GreaterThan(c.Close) {
			outcome = 1.0
		}
		d := p - outcome
		sum += d * d
		samples++
	}
	if samples == 0 {
		return nil, fmt.Errorf("insufficient history to validate %s %s", symbol, timeframe)
	}
	return &ModelReport{
		Symbol:    symbol,
		Timeframe: timeframe,
		Version:   model.Version,
		Samples:   samples,
		Brier:     sum / float64(samples),
	}, nil
}

// ReloadModel picks up a model snapshot rewritten by the offline trainer.
// It reloads only when the file changed since the last load and reports
// whether a swap happened. Cached scores are dropped on swap.
func (e *Engine) ReloadModel() (bool, error) {
	if e.cfg.ProbModelFile == "" {
		return false, nil
	}
	fi, err := os.Stat(e.cfg.ProbModelFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat signal model: %w", err)
	}

	e.mu.Lock()
	last := e.modelMTime
	e.mu.Unlock()
	if !fi.ModTime().After(last) {
		return false, nil
	}

	model, err := LoadModel(e.cfg.ProbModelFile)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	e.model = model
	e.modelMTime = fi.ModTime()
	e.cache = make(map[string]cachedScore)
	e.mu.Unlock()

	version := ""
	if model != nil {
		version = model.Version
	}
	e.logger.Info("Probability model reloaded", "file", e.cfg.ProbModelFile, "version", version)
	return true, nil
}

// UpdateRegimes recomputes each symbol's trend regime from ADX and logs
// transitions. Scoring errors are collected, not fatal per symbol.
func (e *Engine) UpdateRegimes(ctx context.Context, symbols []string, timeframe string) error {
	var errs []error
	for _, sym := range symbols {
		score, err := e.Score(ctx, sym, timeframe)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		regime := RegimeRanging
		if score.Features["adx"] >= trendADXMin {
			regime = RegimeTrending
		}

		e.mu.Lock()
		prev := e.regimes[sym]
		e.regimes[sym] = regime
		e.mu.Unlock()

		if prev != "" && prev != regime {
			e.logger.Info("Market regime changed", "symbol", sym, "from", prev, "to", regime)
		}
	}
	return errors.Join(errs...)
}

// Regime returns the last computed regime for a symbol, empty if never
// computed.
func (e *Engine) Regime(symbol string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regimes[symbol]
}

// PruneExpired drops score cache entries past their TTL and returns how
// many were removed.
func (e *Engine) PruneExpired() int {
	ttl := time.Duration(e.cfg.ScoreTTLSecs) * time.Second
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for key, c := range e.cache {
		if e.clock.Since(c.cachedAt) > ttl {
			delete(e.cache, key)
			removed++
		}
	}
	return removed
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var _ core.ISignalEngine = (*Engine)(nil)
