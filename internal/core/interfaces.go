package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for structured logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Clock abstracts wall and monotonic time so gates and staleness checks are
// testable.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// INonceStore issues process-wide strictly increasing nonces per API key.
type INonceStore interface {
	Next(key string) (int64, error)
	Bump(key string, min int64) error
}

// IRateLimiter gates outbound exchange calls per endpoint class.
type IRateLimiter interface {
	Acquire(ctx context.Context, class string) (release func(), err error)
	ClassOf(path string) string
	Penalize(class string, d time.Duration)
}

// IBreakerRegistry exposes the named circuit breakers.
type IBreakerRegistry interface {
	Allow(name string) error
	RecordSuccess(name string)
	RecordFailure(name string, retryAfter time.Duration)
	State(name string) string
	States() map[string]string
	Reset(name string) error
	ForceRecovery()
}

// IExchangeClient is the REST surface of the exchange used by the core.
type IExchangeClient interface {
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	GetWallets(ctx context.Context) ([]Wallet, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
	SubmitOrder(ctx context.Context, intent *OrderIntent, groupID int64) (*Order, error)
	CancelOrder(ctx context.Context, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetSymbols(ctx context.Context) ([]SymbolInfo, error)
}

// IMarketData is the unified WS-first market data facade.
type IMarketData interface {
	Ticker(ctx context.Context, symbol string) (*TickerResponse, error)
	Candles(ctx context.Context, symbol, timeframe string, limit int) (*CandlesResponse, error)
}

// ISignalEngine computes trading signals per symbol and timeframe.
type ISignalEngine interface {
	Score(ctx context.Context, symbol, timeframe string) (*SignalScore, error)
	HandleCandleClosed(c Candle)
}

// IRiskEngine evaluates order intents against the policy pipeline.
type IRiskEngine interface {
	Evaluate(ctx context.Context, intent *OrderIntent) error
	RecordTrade(symbol string, orderID int64, ts time.Time)
	Status(ctx context.Context) *RiskStatus
	TripKillSwitch(reason string)
	ResetKillSwitch()
	Pause()
	Resume()
}

// IOrderPipeline submits validated, risk-gated, idempotent orders.
type IOrderPipeline interface {
	PlaceOrder(ctx context.Context, intent *OrderIntent) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID int64) error
	CancelAll(ctx context.Context, symbol string) error
	DeadLetters() []DeadLetter
}

// IBracketManager tracks entry/stop/take groups with OCO semantics.
type IBracketManager interface {
	Create(ctx context.Context, entry *Order, spec *BracketSpec) (int64, error)
	OnOrderUpdate(ctx context.Context, order *Order)
	Reconcile(ctx context.Context) error
	Snapshot() error
}

// IEquitySource produces the current account equity in USD.
type IEquitySource interface {
	Equity(ctx context.Context) (decimal.Decimal, error)
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ISymbolRegistry resolves tradable symbols and their constraints.
type ISymbolRegistry interface {
	Get(symbol string) (*SymbolInfo, bool)
	Refresh(ctx context.Context) error
	Symbols() []string
}
