// Package symbols caches the exchange pair configuration: which symbols
// are tradable and their size and tick constraints.
package symbols

import (
	"context"
	"sort"
	"sync"
	"time"

	"bfx_trader/internal/core"
)

// Registry holds the last fetched symbol table. Refresh is scheduled
// periodically; reads never block on the exchange.
type Registry struct {
	rest   core.IExchangeClient
	clock  core.Clock
	logger core.ILogger

	mu          sync.RWMutex
	bySymbol    map[string]*core.SymbolInfo
	refreshedAt time.Time
}

// New creates an empty registry. Call Refresh before first use.
func New(rest core.IExchangeClient, clk core.Clock, logger core.ILogger) *Registry {
	return &Registry{
		rest:     rest,
		clock:    clk,
		logger:   logger.WithField("component", "symbol_registry"),
		bySymbol: make(map[string]*core.SymbolInfo),
	}
}

// Refresh replaces the table with the exchange's current configuration.
// A failed fetch keeps the previous table.
func (r *Registry) Refresh(ctx context.Context) error {
	infos, err := r.rest.GetSymbols(ctx)
	if err != nil {
		r.logger.Warn("Symbol refresh failed, keeping previous table", "error", err)
		return err
	}

	table := make(map[string]*core.SymbolInfo, len(infos))
	for i := range infos {
		info := infos[i]
		table[info.Symbol] = &info
	}

	r.mu.Lock()
	r.bySymbol = table
	r.refreshedAt = r.clock.Now()
	r.mu.Unlock()

	r.logger.Info("Symbol table refreshed", "symbols", len(table))
	return nil
}

// Get returns the constraints for symbol, copied out.
func (r *Registry) Get(symbol string) (*core.SymbolInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.bySymbol[symbol]
	if !ok {
		return nil, false
	}
	cp := *info
	return &cp, true
}

// Symbols lists the known symbols, sorted.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RefreshedAt reports when the table was last replaced.
func (r *Registry) RefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshedAt
}

var _ core.ISymbolRegistry = (*Registry)(nil)
