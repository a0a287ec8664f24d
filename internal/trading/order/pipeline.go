// Package order implements the idempotent submission pipeline: validation
// against exchange constraints, the risk gate, signed submission, audit,
// and bracket leg creation.
package order

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"bfx_trader/internal/audit"
	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	apperrors "bfx_trader/pkg/errors"
	"bfx_trader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxDeadLetters bounds the in-memory dead letter queue; the oldest entry
// is evicted first.
const maxDeadLetters = 256

// Pipeline runs every order intent through validation, idempotency, the
// risk gate, and submission. One instance serves all symbols; submissions
// are serialized per symbol.
type Pipeline struct {
	rest     core.IExchangeClient
	registry core.ISymbolRegistry
	risk     core.IRiskEngine
	brackets core.IBracketManager
	runtime  *config.Runtime
	clock    core.Clock
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	trail    *audit.Trail

	idem   *idemCache
	cidSeq atomic.Int64

	mu          sync.Mutex
	symbolLocks map[string]*sync.Mutex
	deadLetters []core.DeadLetter
}

// NewPipeline creates the pipeline. brackets and trail may be nil.
func NewPipeline(
	rest core.IExchangeClient,
	registry core.ISymbolRegistry,
	risk core.IRiskEngine,
	brackets core.IBracketManager,
	runtime *config.Runtime,
	clk core.Clock,
	logger core.ILogger,
	trail *audit.Trail,
) *Pipeline {
	ttl := time.Duration(runtime.Config().Trading.IdempotencyTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	p := &Pipeline{
		rest:        rest,
		registry:    registry,
		risk:        risk,
		brackets:    brackets,
		runtime:     runtime,
		clock:       clk,
		logger:      logger.WithField("component", "order_pipeline"),
		metrics:     telemetry.GetGlobalMetrics(),
		trail:       trail,
		idem:        newIdemCache(clk, ttl),
		symbolLocks: make(map[string]*sync.Mutex),
	}
	p.cidSeq.Store(clk.Now().UnixMicro())
	return p
}

// PlaceOrder submits one intent. Risk denials come back as a rejected
// result with the gate name and a nil error; infrastructure failures
// return an error.
func (p *Pipeline) PlaceOrder(ctx context.Context, intent *core.OrderIntent) (*core.OrderResult, error) {
	if intent.ClientOrderID == "" {
		intent.ClientOrderID = strconv.FormatInt(p.cidSeq.Add(1), 10)
	}
	p.trail.Record(audit.Intent(audit.EventIntentReceived, intent))

	if err := p.validate(intent); err != nil {
		p.trail.Record(withReason(audit.Intent(audit.EventValidateFailed, intent), err))
		return nil, err
	}

	entry, owner := p.idem.begin(intent.ClientOrderID)
	if !owner {
		p.logger.Info("Duplicate submission latched", "client_order_id", intent.ClientOrderID)
		p.trail.Record(audit.Intent(audit.EventDuplicate, intent))
		// Success or failure, the duplicate observes the owner's outcome
		// unchanged.
		return entry.wait(ctx)
	}

	res, err := p.execute(ctx, intent)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && res == nil {
		// Never cache an outcome we do not know; let a retry try again.
		p.idem.abandon(intent.ClientOrderID, entry)
		return nil, err
	}
	p.idem.complete(intent.ClientOrderID, entry, res, err)
	p.idem.sweep()
	return res, err
}

// execute runs the gated submission under the per-symbol lock.
func (p *Pipeline) execute(ctx context.Context, intent *core.OrderIntent) (*core.OrderResult, error) {
	lock := p.lockFor(intent.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if err := p.risk.Evaluate(ctx, intent); err != nil {
		gate, _ := apperrors.DeniedGate(err)
		p.logger.Warn("Order denied by risk gate",
			"client_order_id", intent.ClientOrderID, "symbol", intent.Symbol, "gate", gate)
		e := audit.Intent(audit.EventRiskDenied, intent)
		e.Gate = gate
		e.Reason = err.Error()
		p.trail.Record(e)
		if gate != "" {
			return &core.OrderResult{Accepted: false, Gate: gate, Reason: err.Error()}, nil
		}
		return nil, err
	}

	if p.runtime.DryRunEnabled() {
		p.logger.Info("Dry run, order not sent",
			"client_order_id", intent.ClientOrderID, "symbol", intent.Symbol,
			"side", intent.Side, "amount", intent.Amount.String())
		p.trail.Record(audit.Intent(audit.EventDryRun, intent))
		return &core.OrderResult{Accepted: true, Reason: "dry_run"}, nil
	}

	var groupID int64
	if intent.Bracket != nil {
		groupID = p.cidSeq.Add(1)
	}

	order, err := p.rest.SubmitOrder(ctx, intent, groupID)
	if err != nil {
		p.metrics.IncOrderFailures()
		p.trail.Record(withReason(audit.Intent(audit.EventSubmitFailed, intent), err))
		if isTransportFailure(err) {
			p.deadLetter(intent, err)
		}
		return nil, err
	}

	p.metrics.IncOrdersPlaced(intent.Symbol)
	p.risk.RecordTrade(order.Symbol, order.ID, p.clock.Now())
	p.trail.Record(audit.OrderEntry(audit.EventSubmitted, order))
	p.logger.Info("Order submitted",
		"order_id", order.ID, "client_order_id", order.ClientOrderID,
		"symbol", order.Symbol, "side", order.Side, "status", order.Status)

	if intent.Bracket != nil && p.brackets != nil {
		if _, err := p.brackets.Create(ctx, order, intent.Bracket); err != nil {
			// The entry is live; surface the failure but do not fail the
			// submission.
			p.logger.Error("Bracket creation failed",
				"order_id", order.ID, "group_id", groupID, "error", err)
		}
	}

	return &core.OrderResult{Accepted: true, Order: order}, nil
}

// CancelOrder cancels one order by exchange id.
func (p *Pipeline) CancelOrder(ctx context.Context, orderID int64) error {
	if err := p.rest.CancelOrder(ctx, orderID); err != nil {
		p.trail.Record(audit.Entry{Event: audit.EventCancelFailed, OrderID: orderID, Reason: err.Error()})
		return err
	}
	p.trail.Record(audit.Entry{Event: audit.EventCanceled, OrderID: orderID})
	return nil
}

// CancelAll cancels every open order, optionally scoped to a symbol.
func (p *Pipeline) CancelAll(ctx context.Context, symbol string) error {
	if err := p.rest.CancelAllOrders(ctx, symbol); err != nil {
		return err
	}
	p.trail.Record(audit.Entry{Event: audit.EventCanceled, Symbol: symbol, Reason: "cancel_all"})
	return nil
}

// DeadLetters returns a copy of the dead letter queue, newest last.
func (p *Pipeline) DeadLetters() []core.DeadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.DeadLetter, len(p.deadLetters))
	copy(out, p.deadLetters)
	return out
}

// validate checks the intent against basic shape rules and the symbol
// registry constraints.
func (p *Pipeline) validate(intent *core.OrderIntent) error {
	if intent.Side != core.SideBuy && intent.Side != core.SideSell {
		return &apperrors.ValidationError{Field: "side", Message: "must be BUY or SELL"}
	}
	if !intent.Amount.IsPositive() {
		return &apperrors.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if intent.Type.IsMarket() {
		// Price and maker-only flags have no meaning at market.
		intent.Price = decimal.Zero
		intent.PostOnly = false
	} else if !intent.Price.IsPositive() {
		return &apperrors.ValidationError{Field: "price", Message: "required for limit orders"}
	}

	if p.registry == nil {
		return nil
	}
	info, ok := p.registry.Get(intent.Symbol)
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, intent.Symbol)
	}
	if !info.Tradable {
		return &apperrors.ValidationError{Field: "symbol", Message: fmt.Sprintf("%s is not tradable", intent.Symbol)}
	}
	if info.MinSize.IsPositive() && intent.Amount.LessThan(info.MinSize) {
		return &apperrors.ValidationError{Field: "amount",
			Message: fmt.Sprintf("%s below minimum %s", intent.Amount, info.MinSize)}
	}
	if info.MaxSize.IsPositive() && intent.Amount.GreaterThan(info.MaxSize) {
		return &apperrors.ValidationError{Field: "amount",
			Message: fmt.Sprintf("%s above maximum %s", intent.Amount, info.MaxSize)}
	}
	if !intent.Price.IsZero() && info.PriceTick.IsPositive() {
		if !intent.Price.Mod(info.PriceTick).IsZero() {
			return &apperrors.ValidationError{Field: "price",
				Message: fmt.Sprintf("%s is not a multiple of tick %s", intent.Price, info.PriceTick)}
		}
	}
	return nil
}

func (p *Pipeline) lockFor(symbol string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.symbolLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		p.symbolLocks[symbol] = l
	}
	return l
}

func (p *Pipeline) deadLetter(intent *core.OrderIntent, cause error) {
	dl := core.DeadLetter{
		ID:     uuid.NewString(),
		Intent: intent,
		Reason: cause.Error(),
		At:     p.clock.Now(),
	}
	p.mu.Lock()
	p.deadLetters = append(p.deadLetters, dl)
	if len(p.deadLetters) > maxDeadLetters {
		p.deadLetters = p.deadLetters[len(p.deadLetters)-maxDeadLetters:]
	}
	p.mu.Unlock()

	e := audit.Intent(audit.EventDeadLettered, intent)
	e.Reason = cause.Error()
	p.trail.Record(e)
	p.logger.Error("Order dead-lettered",
		"dead_letter_id", dl.ID, "client_order_id", intent.ClientOrderID,
		"symbol", intent.Symbol, "error", cause)
}

// isTransportFailure reports whether the submit outcome is unknown: the
// request may or may not have reached the exchange.
func isTransportFailure(err error) bool {
	return errors.Is(err, apperrors.ErrTransport) || errors.Is(err, apperrors.ErrTimeout)
}

func withReason(e audit.Entry, err error) audit.Entry {
	e.Reason = err.Error()
	return e
}

var _ core.IOrderPipeline = (*Pipeline)(nil)
