// Package audit records the order lifecycle as an append-only JSONL trail.
// Every decision point in the order pipeline leaves one line: what was
// requested, what admitted or denied it, and what the exchange answered.
package audit

import (
	"time"

	"bfx_trader/internal/core"
	"bfx_trader/pkg/persist"

	"github.com/shopspring/decimal"
)

// Event kinds written to the trail.
const (
	EventIntentReceived = "intent_received"
	EventValidateFailed = "validate_failed"
	EventDuplicate      = "duplicate"
	EventRiskDenied     = "risk_denied"
	EventDryRun         = "dry_run"
	EventSubmitted      = "submitted"
	EventSubmitFailed   = "submit_failed"
	EventDeadLettered   = "dead_lettered"
	EventCanceled       = "canceled"
	EventCancelFailed   = "cancel_failed"
	EventBracketCreated = "bracket_created"
	EventBracketClosed  = "bracket_closed"
	EventOCOCancel      = "oco_cancel"
)

// Entry is one audit line.
type Entry struct {
	TS            string `json:"ts"`
	Event         string `json:"event"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	OrderID       int64  `json:"order_id,omitempty"`
	GroupID       int64  `json:"group_id,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	Side          string `json:"side,omitempty"`
	Type          string `json:"type,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Price         string `json:"price,omitempty"`
	Gate          string `json:"gate,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Trail appends order lifecycle entries to a JSONL file. A nil Trail is a
// valid no-op, so callers never need to guard.
type Trail struct {
	log    *persist.AppendLog
	clock  core.Clock
	logger core.ILogger
}

// Open creates the trail at path. An empty path disables auditing.
func Open(path string, clk core.Clock, logger core.ILogger) (*Trail, error) {
	if path == "" {
		return nil, nil
	}
	log, err := persist.OpenAppendLog(path)
	if err != nil {
		return nil, err
	}
	return &Trail{log: log, clock: clk, logger: logger.WithField("component", "audit")}, nil
}

// Close flushes the trail.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	return t.log.Close()
}

// Record writes one entry. Append failures are logged, not propagated: a
// full disk must not block order handling.
func (t *Trail) Record(e Entry) {
	if t == nil {
		return
	}
	e.TS = t.clock.Now().UTC().Format(time.RFC3339Nano)
	if err := t.log.Append(e); err != nil {
		t.logger.Error("Audit append failed", "event", e.Event, "error", err)
	}
}

// Intent builds the common fields of an entry from an order intent.
func Intent(event string, intent *core.OrderIntent) Entry {
	e := Entry{
		Event:         event,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		Type:          string(intent.Type),
		Amount:        intent.Amount.String(),
	}
	if !intent.Price.IsZero() {
		e.Price = intent.Price.String()
	}
	return e
}

// OrderEntry builds the common fields of an entry from an exchange order.
func OrderEntry(event string, order *core.Order) Entry {
	e := Entry{
		Event:         event,
		ClientOrderID: order.ClientOrderID,
		OrderID:       order.ID,
		GroupID:       order.GroupID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Type:          string(order.Type),
		Amount:        order.AmountOrig.String(),
	}
	if !order.Price.Equal(decimal.Zero) {
		e.Price = order.Price.String()
	}
	return e
}
