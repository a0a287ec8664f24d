// Package health aggregates component liveness checks: websocket
// freshness, circuit breaker states, and anything else a component
// registers. The scheduler's critical health job and the /healthz
// endpoint both read from here.
package health

import (
	"fmt"
	"sync"
	"time"

	"bfx_trader/internal/core"
)

// Manager holds the registered checks.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates an empty manager.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds or replaces the check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and reports per-component status strings.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
		} else {
			status[component] = "healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("Health check failing", "check", component, "error", err)
			}
			return false
		}
	}
	return true
}

// StalenessCheck builds a check that fails when lastFn's reading is older
// than maxAge. Used for websocket feeds.
func StalenessCheck(clk core.Clock, maxAge time.Duration, lastFn func() time.Time) func() error {
	return func() error {
		last := lastFn()
		if last.IsZero() {
			return fmt.Errorf("no data received yet")
		}
		if age := clk.Since(last); age > maxAge {
			return fmt.Errorf("stale for %s (max %s)", age.Round(time.Second), maxAge)
		}
		return nil
	}
}

// BreakerCheck builds a check that fails while any circuit breaker is open.
func BreakerCheck(breakers core.IBreakerRegistry) func() error {
	return func() error {
		for name, state := range breakers.States() {
			if state == "open" {
				return fmt.Errorf("circuit breaker %s is open", name)
			}
		}
		return nil
	}
}

// AuthCheck builds a check that fails while the private stream is not
// authenticated.
func AuthCheck(authed func() bool) func() error {
	return func() error {
		if !authed() {
			return fmt.Errorf("private stream not authenticated")
		}
		return nil
	}
}

var _ core.IHealthMonitor = (*Manager)(nil)
