// Package breaker implements a registry of named circuit breakers with
// closed/open/half-open states, exponential capped cooldowns, and typed
// state-change events.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"bfx_trader/internal/core"
	apperrors "bfx_trader/pkg/errors"
	"bfx_trader/pkg/telemetry"
)

// State is the breaker state machine position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Well-known breaker names.
const (
	Transport = "transport"
	Trading   = "trading"
	Risk      = "risk"
)

// Config controls one breaker's thresholds.
type Config struct {
	FailThreshold int           // failures within FailWindow that trip the breaker
	FailWindow    time.Duration
	Cooldown      time.Duration // initial open duration
	MaxCooldown   time.Duration // cap for exponential growth
	ProbeTimeout  time.Duration // half-open probe slot reclaimed after this
}

// defaultProbeTimeout bounds how long an admitted probe may hold the
// half-open slot without reporting an outcome. A probe that dies before
// reaching the wire (nonce failure, limiter timeout, plain 4xx) would
// otherwise wedge the breaker in half-open forever.
const defaultProbeTimeout = 30 * time.Second

// DefaultConfigs returns the per-class cooldown defaults.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		Transport: {FailThreshold: 5, FailWindow: time.Minute, Cooldown: 60 * time.Second, MaxCooldown: 15 * time.Minute},
		Trading:   {FailThreshold: 3, FailWindow: 5 * time.Minute, Cooldown: 300 * time.Second, MaxCooldown: time.Hour},
		Risk:      {FailThreshold: 3, FailWindow: 5 * time.Minute, Cooldown: 300 * time.Second, MaxCooldown: time.Hour},
	}
}

// Event is emitted on every state change.
type Event struct {
	Name   string
	From   State
	To     State
	Reason string
	At     time.Time
}

type breakerState struct {
	cfg Config

	state          State
	failures       []time.Time
	openedAt       time.Time
	openUntil      time.Time
	cooldown       time.Duration
	probeInFlight  bool
	probeStartedAt time.Time
}

// Status is a point-in-time view of one breaker for the query API.
type Status struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
	NextProbeAt  time.Time `json:"next_probe_at,omitempty"`
}

// Registry holds the named breakers.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*breakerState
	clock     core.Clock
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	listeners []func(Event)
}

// NewRegistry creates a registry with one breaker per config entry.
func NewRegistry(configs map[string]Config, clk core.Clock, logger core.ILogger) *Registry {
	r := &Registry{
		breakers: make(map[string]*breakerState, len(configs)),
		clock:    clk,
		logger:   logger.WithField("component", "breaker_registry"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
	for name, cfg := range configs {
		if cfg.ProbeTimeout <= 0 {
			cfg.ProbeTimeout = defaultProbeTimeout
		}
		r.breakers[name] = &breakerState{cfg: cfg, state: Closed, cooldown: cfg.Cooldown}
	}
	return r
}

// OnEvent registers a listener for state-change events. Listeners are
// invoked synchronously under no lock.
func (r *Registry) OnEvent(fn func(Event)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Allow reports whether a request may proceed through the named breaker.
// An open breaker past its cooldown transitions to half-open and admits a
// single probe.
func (r *Registry) Allow(name string) error {
	r.mu.Lock()
	b, ok := r.breakers[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	now := r.clock.Now()
	var evt *Event

	switch b.state {
	case Closed:
		r.mu.Unlock()
		return nil
	case Open:
		if now.Before(b.openUntil) {
			r.mu.Unlock()
			return fmt.Errorf("breaker %s open until %s: %w", name, b.openUntil.Format(time.RFC3339), apperrors.ErrCircuitOpen)
		}
		evt = r.transition(b, name, HalfOpen, "cooldown elapsed")
		b.probeInFlight = true
		b.probeStartedAt = now
		r.mu.Unlock()
		r.emit(evt)
		return nil
	case HalfOpen:
		if b.probeInFlight {
			// A probe that never reported an outcome must not hold the
			// slot forever.
			if now.Sub(b.probeStartedAt) < b.cfg.ProbeTimeout {
				r.mu.Unlock()
				return fmt.Errorf("breaker %s probing: %w", name, apperrors.ErrCircuitOpen)
			}
			r.logger.Warn("Probe outcome never reported, reclaiming slot", "breaker", name)
		}
		b.probeInFlight = true
		b.probeStartedAt = now
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return nil
}

// RecordSuccess feeds a successful call back into the breaker.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	b, ok := r.breakers[name]
	if !ok {
		r.mu.Unlock()
		return
	}

	var evt *Event
	switch b.state {
	case HalfOpen:
		evt = r.transition(b, name, Closed, "probe succeeded")
		b.failures = nil
		b.cooldown = b.cfg.Cooldown
		b.probeInFlight = false
	case Closed:
		b.failures = nil
	}
	r.mu.Unlock()
	r.emit(evt)
}

// RecordFailure feeds a failed call into the breaker. retryAfter, when the
// server supplied one, becomes the cooldown floor.
func (r *Registry) RecordFailure(name string, retryAfter time.Duration) {
	r.mu.Lock()
	b, ok := r.breakers[name]
	if !ok {
		r.mu.Unlock()
		return
	}

	now := r.clock.Now()
	var evt *Event

	switch b.state {
	case Closed:
		b.failures = append(b.failures, now)
		b.failures = pruneOld(b.failures, now.Add(-b.cfg.FailWindow))
		if len(b.failures) >= b.cfg.FailThreshold {
			evt = r.open(b, name, now, b.cfg.Cooldown, retryAfter, "failure threshold reached")
		}
	case HalfOpen:
		// Probe failed: reopen with a longer cooldown, exponential capped.
		next := b.cooldown * 2
		if next > b.cfg.MaxCooldown {
			next = b.cfg.MaxCooldown
		}
		b.cooldown = next
		b.probeInFlight = false
		evt = r.open(b, name, now, next, retryAfter, "probe failed")
	case Open:
		// Extend the window when the server demands a longer pause.
		if until := now.Add(retryAfter); retryAfter > 0 && until.After(b.openUntil) {
			b.openUntil = until
		}
	}
	r.mu.Unlock()
	r.emit(evt)
}

// open must be called with the mutex held.
func (r *Registry) open(b *breakerState, name string, now time.Time, cooldown, retryAfter time.Duration, reason string) *Event {
	if retryAfter > cooldown {
		cooldown = retryAfter
	}
	b.openedAt = now
	b.openUntil = now.Add(cooldown)
	return r.transition(b, name, Open, reason)
}

// transition must be called with the mutex held; the returned event is
// emitted after unlock.
func (r *Registry) transition(b *breakerState, name string, to State, reason string) *Event {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	r.metrics.SetCircuitBreakerOpen(name, to != Closed)
	return &Event{Name: name, From: from, To: to, Reason: reason, At: r.clock.Now()}
}

func (r *Registry) emit(evt *Event) {
	if evt == nil {
		return
	}
	r.logger.Warn("Circuit breaker state change",
		"breaker", evt.Name, "from", evt.From.String(), "to", evt.To.String(), "reason", evt.Reason)

	r.mu.Lock()
	listeners := make([]func(Event), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(*evt)
	}
}

// State returns the state string of the named breaker.
func (r *Registry) State(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b.state.String()
	}
	return ""
}

// States returns the state of every breaker.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.state.String()
	}
	return out
}

// StatusAll returns a detailed view for the query API.
func (r *Registry) StatusAll() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.breakers))
	for name, b := range r.breakers {
		out = append(out, Status{
			Name:         name,
			State:        b.state.String(),
			FailureCount: len(b.failures),
			OpenedAt:     b.openedAt,
			NextProbeAt:  b.openUntil,
		})
	}
	return out
}

// Reset manually closes the named breaker and clears its counters.
func (r *Registry) Reset(name string) error {
	r.mu.Lock()
	b, ok := r.breakers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown breaker: %s", name)
	}
	evt := r.transition(b, name, Closed, "manual reset")
	b.failures = nil
	b.cooldown = b.cfg.Cooldown
	b.probeInFlight = false
	r.mu.Unlock()
	r.emit(evt)
	return nil
}

// ForceRecovery closes every breaker.
func (r *Registry) ForceRecovery() {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		_ = r.Reset(name)
	}
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(ts); i++ {
		if ts[i].After(cutoff) {
			break
		}
	}
	return ts[i:]
}

var _ core.IBreakerRegistry = (*Registry)(nil)
