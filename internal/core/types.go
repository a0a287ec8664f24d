// Package core defines the domain types and interfaces shared across the
// trading core.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
	SideHold OrderSide = "HOLD"
)

// OrderType is the Bitfinex order type string.
type OrderType string

const (
	TypeExchangeMarket OrderType = "EXCHANGE MARKET"
	TypeExchangeLimit  OrderType = "EXCHANGE LIMIT"
	TypeExchangeStop   OrderType = "EXCHANGE STOP"
	TypeMarket         OrderType = "MARKET"
	TypeLimit          OrderType = "LIMIT"
	TypeStop           OrderType = "STOP"
)

// IsMarket reports whether the order type executes immediately at market.
func (t OrderType) IsMarket() bool {
	return t == TypeExchangeMarket || t == TypeMarket
}

// OrderStatus is the lifecycle state of an exchange order.
type OrderStatus string

const (
	StatusActive          OrderStatus = "ACTIVE"
	StatusPartiallyFilled OrderStatus = "PARTIALLY FILLED"
	StatusExecuted        OrderStatus = "EXECUTED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

// SymbolInfo describes a tradable symbol from the exchange configuration.
type SymbolInfo struct {
	Symbol    string          // canonical id, e.g. tBTCUSD
	Base      string
	Quote     string
	PriceTick decimal.Decimal // minimum price increment
	MinSize   decimal.Decimal // minimum order amount
	MaxSize   decimal.Decimal
	Tradable  bool
}

// Ticker is the latest market snapshot for a symbol.
type Ticker struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	LastPrice decimal.Decimal
	Volume    decimal.Decimal
	UpdatedAt time.Time // arrival time, monotonic-backed
}

// Candle is one OHLCV bar.
type Candle struct {
	Symbol    string
	Timeframe string
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Closed    bool
}

// BookLevel is one aggregated order book price level. Count is the number
// of orders at the level; a negative Amount sits on the ask side.
type BookLevel struct {
	Price  decimal.Decimal
	Count  int64
	Amount decimal.Decimal
}

// PublicTrade is one executed trade from the public feed.
type PublicTrade struct {
	ID     int64
	Time   time.Time
	Amount decimal.Decimal // signed; negative for seller-initiated
	Price  decimal.Decimal
}

// MarginInfo is the account-wide margin summary.
type MarginInfo struct {
	UserPnL       decimal.Decimal
	UserSwaps     decimal.Decimal
	MarginBalance decimal.Decimal
	MarginNet     decimal.Decimal
	MarginMin     decimal.Decimal
}

// BracketSpec describes the optional protective legs attached to an entry.
type BracketSpec struct {
	EntryType  OrderType
	EntryPrice decimal.Decimal // zero for market entries
	StopPrice  decimal.Decimal
	TakePrice  decimal.Decimal
	PostOnly   bool
	ReduceOnly bool
}

// OrderIntent is a request to place an order. ClientOrderID is generated
// when absent.
type OrderIntent struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Amount        decimal.Decimal // always positive; Side carries direction
	Price         decimal.Decimal // required for limit types
	PostOnly      bool
	ReduceOnly    bool
	Bracket       *BracketSpec
}

// Order is the exchange view of an order.
type Order struct {
	ID            int64
	ClientOrderID string
	GroupID       int64
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Amount        decimal.Decimal
	AmountOrig    decimal.Decimal
	Price         decimal.Decimal
	PriceAvg      decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Filled returns the executed amount of the order.
func (o *Order) Filled() decimal.Decimal {
	return o.AmountOrig.Sub(o.Amount)
}

// OrderResult is the terminal outcome of an order submission.
type OrderResult struct {
	Accepted bool
	Order    *Order
	Reason   string
	Gate     string // set when rejected by the risk engine
}

// DeadLetter is a submission that failed at the transport layer. Dead
// letters are kept for operator inspection and never resubmitted
// automatically.
type DeadLetter struct {
	ID     string       `json:"id"`
	Intent *OrderIntent `json:"intent"`
	Reason string       `json:"reason"`
	At     time.Time    `json:"at"`
}

// Position is an open position reported on the private stream.
type Position struct {
	Symbol        string
	Amount        decimal.Decimal // signed; positive long
	BasePrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	UpdatedAt     time.Time
}

// Wallet is one currency balance.
type Wallet struct {
	Currency  string
	Type      string // exchange, margin, funding
	Balance   decimal.Decimal
	Available decimal.Decimal
	UpdatedAt time.Time
}

// SignalScore is the output of the signal engine for one symbol/timeframe.
type SignalScore struct {
	Symbol      string
	Timeframe   string
	Side        OrderSide
	Confidence  float64 // [0,1], distance from indicator thresholds
	Probability float64 // [0,1], model output or heuristic mapping
	Features    map[string]float64
	ComputedAt  time.Time
}

// DataSource labels where a market data response came from.
type DataSource string

const (
	SourceWS    DataSource = "ws"    // fresh websocket cache, age within the staleness bound
	SourceREST  DataSource = "rest"  // fetched from the REST API
	SourceCache DataSource = "cache" // stale cache served because REST failed; degraded
)

// MarketDataMeta tags every facade response with provenance.
type MarketDataMeta struct {
	Source DataSource
	AgeMS  int64
	Reason string // set when the preferred path was not taken
}

// TickerResponse is a ticker plus provenance.
type TickerResponse struct {
	Ticker Ticker
	Meta   MarketDataMeta
}

// CandlesResponse is a candle series plus provenance.
type CandlesResponse struct {
	Candles []Candle
	Meta    MarketDataMeta
}

// GuardStatus is one named risk guard with its current reading.
type GuardStatus struct {
	Name      string  `json:"name"`
	Triggered bool    `json:"triggered"`
	Value     float64 `json:"value"`
	Limit     float64 `json:"limit"`
}

// RiskStatus is the derived risk state returned by the risk engine.
type RiskStatus struct {
	EquityUSD        decimal.Decimal         `json:"equity_usd"`
	DailyStartEquity decimal.Decimal         `json:"daily_start_equity"`
	PeakEquity       decimal.Decimal         `json:"peak_equity"`
	DailyLossPct     float64                 `json:"daily_loss_pct"`
	DrawdownPct      float64                 `json:"drawdown_pct"`
	KillSwitch       bool                    `json:"kill_switch"`
	KillSwitchReason string                  `json:"kill_switch_reason,omitempty"`
	TradingPaused    bool                    `json:"trading_paused"`
	WindowOpen       bool                    `json:"window_open"`
	DMSEnabled       bool                    `json:"dms_enabled"`
	TradesToday      int                     `json:"trades_today"`
	TradesPerSymbol  map[string]int          `json:"trades_per_symbol"`
	Guards           []GuardStatus           `json:"guards"`
	BreakerStates    map[string]string       `json:"breaker_states"`
}
