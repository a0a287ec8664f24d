// Package signal computes per-symbol trading scores from candle history:
// trend and momentum indicators feed either a calibrated model or a
// heuristic mapping.
package signal

import (
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
)

// tracker holds the running indicator state for one symbol/timeframe.
// Each closed bar folds in at O(1); until an indicator has seen enough
// bars it reports its neutral value (0 for EMA/ATR/ADX, 50 for RSI).
type tracker struct {
	emaFast streamEMA
	emaSlow streamEMA
	rsi     streamRSI
	atr     streamATR
	adx     streamADX

	bars      int
	lastOpen  time.Time
	lastClose float64
}

func newTracker(cfg config.SignalConfig) *tracker {
	return &tracker{
		emaFast: newStreamEMA(cfg.EMAFast),
		emaSlow: newStreamEMA(cfg.EMASlow),
		rsi:     streamRSI{period: cfg.RSIPeriod},
		atr:     streamATR{period: cfg.ATRPeriod},
		adx:     streamADX{period: cfg.ADXPeriod},
	}
}

// update folds one closed bar. Bars must arrive oldest first.
func (t *tracker) update(c core.Candle) {
	cl, _ := c.Close.Float64()
	h, _ := c.High.Float64()
	l, _ := c.Low.Float64()

	t.emaFast.update(cl)
	t.emaSlow.update(cl)
	t.rsi.update(cl)
	t.atr.update(h, l, cl)
	t.adx.update(h, l, cl)

	t.bars++
	t.lastOpen = c.OpenTime
	t.lastClose = cl
}

// features returns the indicator vector as of the last folded bar.
func (t *tracker) features() map[string]float64 {
	f := map[string]float64{
		"ema_fast": t.emaFast.current(),
		"ema_slow": t.emaSlow.current(),
		"rsi":      t.rsi.current(),
		"atr":      t.atr.current(),
		"adx":      t.adx.current(),
		"close":    t.lastClose,
	}
	if f["close"] > 0 {
		f["atr_pct"] = f["atr"] / f["close"] * 100
		f["ema_spread_pct"] = (f["ema_fast"] - f["ema_slow"]) / f["close"] * 100
	}
	return f
}

// streamEMA is an exponential moving average seeded with the simple
// average of the first period values.
type streamEMA struct {
	period int
	k      float64
	seen   int
	sum    float64
	value  float64
}

func newStreamEMA(period int) streamEMA {
	return streamEMA{period: period, k: 2.0 / float64(period+1)}
}

func (s *streamEMA) update(v float64) {
	s.seen++
	if s.seen <= s.period {
		s.sum += v
		if s.seen == s.period {
			s.value = s.sum / float64(s.period)
		}
		return
	}
	s.value = v*s.k + s.value*(1-s.k)
}

func (s *streamEMA) current() float64 {
	if s.period <= 0 || s.seen < s.period {
		return 0
	}
	return s.value
}

// streamRSI is a Wilder-smoothed relative strength index.
type streamRSI struct {
	period    int
	prevClose float64
	started   bool
	deltas    int
	gainSum   float64
	lossSum   float64
	avgGain   float64
	avgLoss   float64
}

func (s *streamRSI) update(cl float64) {
	if !s.started {
		s.prevClose = cl
		s.started = true
		return
	}
	d := cl - s.prevClose
	s.prevClose = cl
	var g, l float64
	if d > 0 {
		g = d
	} else {
		l = -d
	}
	s.deltas++
	if s.deltas <= s.period {
		s.gainSum += g
		s.lossSum += l
		if s.deltas == s.period {
			s.avgGain = s.gainSum / float64(s.period)
			s.avgLoss = s.lossSum / float64(s.period)
		}
		return
	}
	s.avgGain = (s.avgGain*float64(s.period-1) + g) / float64(s.period)
	s.avgLoss = (s.avgLoss*float64(s.period-1) + l) / float64(s.period)
}

func (s *streamRSI) current() float64 {
	if s.period <= 0 || s.deltas < s.period {
		return 50
	}
	if s.avgLoss == 0 {
		return 100
	}
	rs := s.avgGain / s.avgLoss
	return 100 - 100/(1+rs)
}

// streamATR is a Wilder-smoothed average true range.
type streamATR struct {
	period    int
	prevClose float64
	started   bool
	trs       int
	sum       float64
	value     float64
}

func (s *streamATR) update(h, l, cl float64) {
	if !s.started {
		s.prevClose = cl
		s.started = true
		return
	}
	tr := trueRange(h, l, s.prevClose)
	s.prevClose = cl
	s.trs++
	if s.trs <= s.period {
		s.sum += tr
		if s.trs == s.period {
			s.value = s.sum / float64(s.period)
		}
		return
	}
	s.value = (s.value*float64(s.period-1) + tr) / float64(s.period)
}

func (s *streamATR) current() float64 {
	if s.period <= 0 || s.trs < s.period {
		return 0
	}
	return s.value
}

// streamADX is the average directional index, Wilder smoothing throughout:
// running TR/+DM/-DM sums yield one DX per bar once the first period has
// accumulated, and the DX sequence is itself seeded with a simple average
// before Wilder smoothing takes over.
type streamADX struct {
	period    int
	prevHigh  float64
	prevLow   float64
	prevClose float64
	started   bool

	deltas   int
	trSum    float64
	plusSum  float64
	minusSum float64

	dxs   int
	dxSum float64
	value float64
}

func (s *streamADX) update(h, l, cl float64) {
	if !s.started {
		s.prevHigh, s.prevLow, s.prevClose = h, l, cl
		s.started = true
		return
	}
	tr := trueRange(h, l, s.prevClose)
	up := h - s.prevHigh
	down := s.prevLow - l
	var plus, minus float64
	if up > down && up > 0 {
		plus = up
	}
	if down > up && down > 0 {
		minus = down
	}
	s.prevHigh, s.prevLow, s.prevClose = h, l, cl

	s.deltas++
	if s.deltas <= s.period {
		s.trSum += tr
		s.plusSum += plus
		s.minusSum += minus
		if s.deltas < s.period {
			return
		}
	} else {
		p := float64(s.period)
		s.trSum = s.trSum - s.trSum/p + tr
		s.plusSum = s.plusSum - s.plusSum/p + plus
		s.minusSum = s.minusSum - s.minusSum/p + minus
	}

	dx := 0.0
	if s.trSum != 0 {
		pdi := 100 * s.plusSum / s.trSum
		mdi := 100 * s.minusSum / s.trSum
		if pdi+mdi != 0 {
			dx = 100 * abs(pdi-mdi) / (pdi + mdi)
		}
	}
	s.dxs++
	if s.dxs <= s.period {
		s.dxSum += dx
		if s.dxs == s.period {
			s.value = s.dxSum / float64(s.period)
		}
		return
	}
	s.value = (s.value*float64(s.period-1) + dx) / float64(s.period)
}

func (s *streamADX) current() float64 {
	// A full DX seed needs two periods of deltas; before that the index
	// has no meaning.
	if s.period <= 0 || s.deltas < 2*s.period {
		return 0
	}
	return s.value
}

func trueRange(h, l, prevClose float64) float64 {
	tr := h - l
	if d := abs(h - prevClose); d > tr {
		tr = d
	}
	if d := abs(l - prevClose); d > tr {
		tr = d
	}
	return tr
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
