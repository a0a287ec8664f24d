// Package bracket tracks entry orders with protective stop and take legs.
// The two exit legs share the entry's group id and are mutually exclusive:
// a fill on either cancels the sibling. Group state survives restarts via
// an atomic JSON snapshot and is reconciled against the exchange's open
// orders on startup.
package bracket

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"bfx_trader/internal/audit"
	"bfx_trader/internal/core"
	"bfx_trader/pkg/persist"

	"github.com/shopspring/decimal"
)

// Group lifecycle states.
const (
	StatePending   = "pending"   // entry submitted, no fills yet
	StateActive    = "active"    // exit legs working
	StateClosed    = "closed"    // an exit leg filled, sibling canceled
	StateCancelled = "cancelled" // entry canceled before completion
)

// Leg is one persisted order reference inside a group.
type Leg struct {
	OrderID int64           `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
	Price   decimal.Decimal `json:"price"`
	Type    core.OrderType  `json:"type"`
	Open    bool            `json:"open"`
}

// Group is one bracket: the entry plus its protective legs.
type Group struct {
	GroupID     int64           `json:"group_id"`
	Symbol      string          `json:"symbol"`
	State       string          `json:"state"`
	EntryID     int64           `json:"entry_id"`
	EntrySide   core.OrderSide  `json:"entry_side"`
	EntryOrig   decimal.Decimal `json:"entry_orig"`
	EntryFilled decimal.Decimal `json:"entry_filled"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TakePrice   decimal.Decimal `json:"take_price"`
	Stop        *Leg            `json:"stop,omitempty"`
	Take        *Leg            `json:"take,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (g *Group) terminal() bool {
	return g.State == StateClosed || g.State == StateCancelled
}

// snapshot is the persisted file layout.
type snapshot struct {
	Groups []*Group `json:"groups"`
}

// Manager owns all bracket groups for the account.
type Manager struct {
	rest     core.IExchangeClient
	registry core.ISymbolRegistry
	clock    core.Clock
	logger   core.ILogger
	trail    *audit.Trail
	path     string

	mu      sync.Mutex
	groups  map[int64]*Group
	entryIX map[int64]int64 // entry order id -> group id
}

// NewManager creates the manager, loading any previous snapshot from path.
// An empty path disables persistence.
func NewManager(
	rest core.IExchangeClient,
	registry core.ISymbolRegistry,
	clk core.Clock,
	logger core.ILogger,
	trail *audit.Trail,
	path string,
) (*Manager, error) {
	m := &Manager{
		rest:     rest,
		registry: registry,
		clock:    clk,
		logger:   logger.WithField("component", "bracket_manager"),
		trail:    trail,
		path:     path,
		groups:   make(map[int64]*Group),
		entryIX:  make(map[int64]int64),
	}
	if path != "" {
		var snap snapshot
		err := persist.LoadJSON(path, &snap)
		switch {
		case err == nil:
			for _, g := range snap.Groups {
				m.groups[g.GroupID] = g
				m.entryIX[g.EntryID] = g.GroupID
			}
			m.logger.Info("Bracket snapshot loaded", "groups", len(m.groups))
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to load bracket snapshot: %w", err)
		}
	}
	return m, nil
}

// Create registers a bracket group for a just-submitted entry. Exit legs
// are placed once the entry has filled enough to satisfy the symbol's
// minimum order size.
func (m *Manager) Create(ctx context.Context, entry *core.Order, spec *core.BracketSpec) (int64, error) {
	if entry.GroupID == 0 {
		return 0, fmt.Errorf("bracket entry %d has no group id", entry.ID)
	}
	if spec.StopPrice.IsZero() && spec.TakePrice.IsZero() {
		return 0, fmt.Errorf("bracket for order %d names no exit prices", entry.ID)
	}

	g := &Group{
		GroupID:     entry.GroupID,
		Symbol:      entry.Symbol,
		State:       StatePending,
		EntryID:     entry.ID,
		EntrySide:   entry.Side,
		EntryOrig:   entry.AmountOrig,
		EntryFilled: entry.Filled(),
		StopPrice:   spec.StopPrice,
		TakePrice:   spec.TakePrice,
		CreatedAt:   m.clock.Now(),
		UpdatedAt:   m.clock.Now(),
	}

	m.mu.Lock()
	m.groups[g.GroupID] = g
	m.entryIX[entry.ID] = g.GroupID
	m.mu.Unlock()

	e := audit.OrderEntry(audit.EventBracketCreated, entry)
	e.GroupID = g.GroupID
	m.trail.Record(e)
	m.logger.Info("Bracket group created",
		"group_id", g.GroupID, "symbol", g.Symbol,
		"stop", spec.StopPrice.String(), "take", spec.TakePrice.String())

	// Market entries can come back already (partially) executed.
	if g.EntryFilled.IsPositive() {
		m.syncLegs(ctx, g)
	}
	m.persist()
	return g.GroupID, nil
}

// OnOrderUpdate consumes private stream order events and drives group
// transitions. Safe to call for orders that belong to no group.
func (m *Manager) OnOrderUpdate(ctx context.Context, order *core.Order) {
	m.mu.Lock()
	gid := order.GroupID
	if gid == 0 {
		gid = m.entryIX[order.ID]
	}
	g, ok := m.groups[gid]
	m.mu.Unlock()
	if !ok || g.terminal() {
		return
	}

	switch order.ID {
	case g.EntryID:
		m.onEntryUpdate(ctx, g, order)
	default:
		m.onLegUpdate(ctx, g, order)
	}
}

func (m *Manager) onEntryUpdate(ctx context.Context, g *Group, order *core.Order) {
	switch order.Status {
	case core.StatusCanceled, core.StatusRejected:
		m.logger.Info("Bracket entry canceled", "group_id", g.GroupID, "order_id", order.ID)
		m.cancelLeg(ctx, g, g.Stop, "entry_canceled")
		m.cancelLeg(ctx, g, g.Take, "entry_canceled")
		m.transition(g, StateCancelled)
	default:
		filled := order.Filled()
		m.mu.Lock()
		changed := !filled.Equal(g.EntryFilled)
		g.EntryFilled = filled
		m.mu.Unlock()
		if changed && filled.IsPositive() {
			m.syncLegs(ctx, g)
			m.persist()
		}
	}
}

func (m *Manager) onLegUpdate(ctx context.Context, g *Group, order *core.Order) {
	leg := m.legByID(g, order.ID)
	if leg == nil {
		return
	}

	switch order.Status {
	case core.StatusExecuted:
		m.mu.Lock()
		leg.Open = false
		sibling := m.siblingLocked(g, leg)
		m.mu.Unlock()

		m.logger.Info("Bracket exit filled, canceling sibling",
			"group_id", g.GroupID, "order_id", order.ID)
		m.cancelLeg(ctx, g, sibling, "oco")
		m.transition(g, StateClosed)
	case core.StatusCanceled, core.StatusRejected:
		m.mu.Lock()
		leg.Open = false
		bothDown := g.State == StateActive &&
			(g.Stop == nil || !g.Stop.Open) && (g.Take == nil || !g.Take.Open)
		m.mu.Unlock()
		if bothDown {
			m.logger.Warn("All bracket exits gone without a fill", "group_id", g.GroupID)
		}
		m.persist()
	}
}

// syncLegs places missing exit legs and resizes existing ones to the
// entry's filled amount.
func (m *Manager) syncLegs(ctx context.Context, g *Group) {
	m.mu.Lock()
	target := g.EntryFilled
	m.mu.Unlock()

	if min, ok := m.minSize(g.Symbol); ok && target.LessThan(min) {
		m.logger.Debug("Entry fill below minimum exit size, deferring legs",
			"group_id", g.GroupID, "filled", target.String(), "min", min.String())
		return
	}

	if !g.StopPrice.IsZero() {
		m.placeOrResize(ctx, g, &g.Stop, core.TypeExchangeStop, g.StopPrice, target)
	}
	if !g.TakePrice.IsZero() {
		m.placeOrResize(ctx, g, &g.Take, core.TypeExchangeLimit, g.TakePrice, target)
	}

	m.mu.Lock()
	if g.State == StatePending {
		g.State = StateActive
		g.UpdatedAt = m.clock.Now()
	}
	m.mu.Unlock()
}

// placeOrResize ensures one exit leg is working at the target amount. A
// resize cancels the old leg and submits a replacement.
func (m *Manager) placeOrResize(ctx context.Context, g *Group, slot **Leg, typ core.OrderType, price, amount decimal.Decimal) {
	m.mu.Lock()
	current := *slot
	m.mu.Unlock()

	if current != nil && current.Open {
		if current.Amount.Equal(amount) {
			return
		}
		if err := m.rest.CancelOrder(ctx, current.OrderID); err != nil {
			m.logger.Error("Failed to cancel exit leg for resize",
				"group_id", g.GroupID, "order_id", current.OrderID, "error", err)
			return
		}
		m.mu.Lock()
		current.Open = false
		m.mu.Unlock()
	}

	intent := &core.OrderIntent{
		Symbol:     g.Symbol,
		Side:       exitSide(g.EntrySide),
		Type:       typ,
		Amount:     amount,
		Price:      price,
		ReduceOnly: true,
	}
	order, err := m.rest.SubmitOrder(ctx, intent, g.GroupID)
	if err != nil {
		m.logger.Error("Failed to place exit leg",
			"group_id", g.GroupID, "type", typ, "price", price.String(), "error", err)
		return
	}

	m.mu.Lock()
	*slot = &Leg{
		OrderID: order.ID,
		Amount:  amount,
		Price:   price,
		Type:    typ,
		Open:    true,
	}
	g.UpdatedAt = m.clock.Now()
	m.mu.Unlock()

	m.logger.Info("Exit leg working",
		"group_id", g.GroupID, "order_id", order.ID,
		"type", typ, "amount", amount.String(), "price", price.String())
}

// entryGoneGrace keeps reconcile from racing a fresh submission whose
// entry has not yet shown up in the open-order snapshot.
const entryGoneGrace = time.Minute

// Reconcile compares tracked groups with the exchange's open orders.
// Orphaned exit legs (group unknown or terminal) are canceled; legs that
// vanished server-side are marked closed. A live group whose entry
// disappeared without filling is torn down: its legs no longer protect
// any position.
func (m *Manager) Reconcile(ctx context.Context) error {
	open, err := m.rest.GetOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	openByID := make(map[int64]*core.Order, len(open))
	for _, o := range open {
		openByID[o.ID] = o
	}

	m.mu.Lock()
	tracked := make(map[int64]bool)
	for _, g := range m.groups {
		for _, leg := range []*Leg{g.Stop, g.Take} {
			if leg == nil {
				continue
			}
			tracked[leg.OrderID] = true
			if leg.Open && !g.terminal() {
				if _, stillOpen := openByID[leg.OrderID]; !stillOpen {
					leg.Open = false
					m.logger.Warn("Exit leg vanished server-side",
						"group_id", g.GroupID, "order_id", leg.OrderID)
				}
			}
		}
		tracked[g.EntryID] = true
	}
	live := make(map[int64]bool)
	for gid, g := range m.groups {
		if !g.terminal() {
			live[gid] = true
		}
	}
	var entryGone []*Group
	for _, g := range m.groups {
		if g.terminal() || m.clock.Since(g.CreatedAt) < entryGoneGrace {
			continue
		}
		if _, entryOpen := openByID[g.EntryID]; !entryOpen && !g.EntryFilled.IsPositive() {
			entryGone = append(entryGone, g)
		}
	}
	m.mu.Unlock()

	for _, g := range entryGone {
		m.logger.Warn("Bracket entry gone without a fill, tearing group down",
			"group_id", g.GroupID, "entry_id", g.EntryID)
		m.cancelLeg(ctx, g, g.Stop, "entry_gone")
		m.cancelLeg(ctx, g, g.Take, "entry_gone")
		m.transition(g, StateCancelled)
		delete(live, g.GroupID)
	}

	// An open order carrying a group id we no longer track, or whose group
	// already finished, has lost its reason to exist.
	for _, o := range open {
		if o.GroupID == 0 {
			continue
		}
		if tracked[o.ID] && live[o.GroupID] {
			continue
		}
		m.logger.Warn("Canceling orphan exit leg",
			"order_id", o.ID, "group_id", o.GroupID, "symbol", o.Symbol)
		if err := m.rest.CancelOrder(ctx, o.ID); err != nil {
			m.logger.Error("Failed to cancel orphan leg", "order_id", o.ID, "error", err)
		} else {
			m.trail.Record(audit.Entry{Event: audit.EventOCOCancel, OrderID: o.ID, GroupID: o.GroupID, Reason: "orphan"})
		}
	}

	m.persist()
	return nil
}

// Snapshot writes the current group map to disk.
func (m *Manager) Snapshot() error {
	if m.path == "" {
		return nil
	}
	m.mu.Lock()
	snap := snapshot{Groups: make([]*Group, 0, len(m.groups))}
	for _, g := range m.groups {
		cp := *g
		snap.Groups = append(snap.Groups, &cp)
	}
	m.mu.Unlock()
	return persist.SaveJSON(m.path, &snap)
}

// Groups returns a copy of all tracked groups.
func (m *Manager) Groups() []*Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		cp := *g
		out = append(out, &cp)
	}
	return out
}

func (m *Manager) transition(g *Group, state string) {
	m.mu.Lock()
	g.State = state
	g.UpdatedAt = m.clock.Now()
	m.mu.Unlock()

	m.trail.Record(audit.Entry{Event: audit.EventBracketClosed, GroupID: g.GroupID, Symbol: g.Symbol, Reason: state})
	m.persist()
}

func (m *Manager) cancelLeg(ctx context.Context, g *Group, leg *Leg, reason string) {
	if leg == nil || !leg.Open {
		return
	}
	if err := m.rest.CancelOrder(ctx, leg.OrderID); err != nil {
		m.logger.Error("Failed to cancel bracket leg",
			"group_id", g.GroupID, "order_id", leg.OrderID, "reason", reason, "error", err)
		return
	}
	m.mu.Lock()
	leg.Open = false
	m.mu.Unlock()
	m.trail.Record(audit.Entry{Event: audit.EventOCOCancel, OrderID: leg.OrderID, GroupID: g.GroupID, Reason: reason})
}

func (m *Manager) legByID(g *Group, orderID int64) *Leg {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.Stop != nil && g.Stop.OrderID == orderID {
		return g.Stop
	}
	if g.Take != nil && g.Take.OrderID == orderID {
		return g.Take
	}
	return nil
}

// siblingLocked must be called with the mutex held.
func (m *Manager) siblingLocked(g *Group, leg *Leg) *Leg {
	if g.Stop == leg {
		return g.Take
	}
	return g.Stop
}

func (m *Manager) minSize(symbol string) (decimal.Decimal, bool) {
	if m.registry == nil {
		return decimal.Zero, false
	}
	info, ok := m.registry.Get(symbol)
	if !ok || !info.MinSize.IsPositive() {
		return decimal.Zero, false
	}
	return info.MinSize, true
}

func (m *Manager) persist() {
	if err := m.Snapshot(); err != nil {
		m.logger.Error("Bracket snapshot failed", "error", err)
	}
}

func exitSide(entry core.OrderSide) core.OrderSide {
	if entry == core.SideBuy {
		return core.SideSell
	}
	return core.SideBuy
}

var _ core.IBracketManager = (*Manager)(nil)
