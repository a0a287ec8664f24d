package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricEquityUSD            = "bfx_trader_equity_usd"
	MetricDailyLossPct         = "bfx_trader_daily_loss_pct"
	MetricDrawdownPct          = "bfx_trader_drawdown_pct"
	MetricKillSwitch           = "bfx_trader_kill_switch"
	MetricCircuitBreakerState  = "bfx_trader_circuit_breaker_open"
	MetricRateLimitTokens      = "bfx_trader_ratelimit_tokens_available"
	MetricRateLimitUtilization = "bfx_trader_ratelimit_utilization_pct"
	MetricOrdersPlacedTotal    = "bfx_trader_orders_placed_total"
	MetricOrdersFilledTotal    = "bfx_trader_orders_filled_total"
	MetricOrderRetriesTotal    = "bfx_trader_order_retries_total"
	MetricOrderFailuresTotal   = "bfx_trader_order_failures_total"
	MetricMarketDataWSTotal    = "bfx_trader_marketdata_ws_total"
	MetricMarketDataRESTTotal  = "bfx_trader_marketdata_rest_total"
	MetricMarketDataCacheTotal = "bfx_trader_marketdata_cache_total"
	MetricWSDroppedEvents      = "bfx_trader_ws_dropped_events_total"
	MetricWSReconnects         = "bfx_trader_ws_reconnects_total"
)

// MetricsHolder holds initialized instruments shared across components.
type MetricsHolder struct {
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrderRetriesTotal    metric.Int64Counter
	OrderFailuresTotal   metric.Int64Counter
	MarketDataWSTotal    metric.Int64Counter
	MarketDataRESTTotal  metric.Int64Counter
	MarketDataCacheTotal metric.Int64Counter
	WSDroppedEvents      metric.Int64Counter
	WSReconnects         metric.Int64Counter

	EquityUSD            metric.Float64ObservableGauge
	DailyLossPct         metric.Float64ObservableGauge
	DrawdownPct          metric.Float64ObservableGauge
	KillSwitch           metric.Int64ObservableGauge
	CircuitBreakerState  metric.Int64ObservableGauge
	RateLimitTokens      metric.Float64ObservableGauge
	RateLimitUtilization metric.Float64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	equity          float64
	dailyLossPct    float64
	drawdownPct     float64
	killSwitch      int64
	breakerOpenMap  map[string]int64
	tokensMap       map[string]float64
	utilizationMap  map[string]float64
	initialized     bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			breakerOpenMap: make(map[string]int64),
			tokensMap:      make(map[string]float64),
			utilizationMap: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders submitted to the exchange"))
	if err != nil {
		return err
	}
	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders fully executed"))
	if err != nil {
		return err
	}
	m.OrderRetriesTotal, err = meter.Int64Counter(MetricOrderRetriesTotal, metric.WithDescription("Total order submission retries"))
	if err != nil {
		return err
	}
	m.OrderFailuresTotal, err = meter.Int64Counter(MetricOrderFailuresTotal, metric.WithDescription("Total order submissions that failed terminally"))
	if err != nil {
		return err
	}
	m.MarketDataWSTotal, err = meter.Int64Counter(MetricMarketDataWSTotal, metric.WithDescription("Market data responses served from the WS cache"))
	if err != nil {
		return err
	}
	m.MarketDataRESTTotal, err = meter.Int64Counter(MetricMarketDataRESTTotal, metric.WithDescription("Market data responses served via REST fallback"))
	if err != nil {
		return err
	}
	m.MarketDataCacheTotal, err = meter.Int64Counter(MetricMarketDataCacheTotal, metric.WithDescription("Market data cache hits"))
	if err != nil {
		return err
	}
	m.WSDroppedEvents, err = meter.Int64Counter(MetricWSDroppedEvents, metric.WithDescription("WS events dropped due to full subscription queues"))
	if err != nil {
		return err
	}
	m.WSReconnects, err = meter.Int64Counter(MetricWSReconnects, metric.WithDescription("WS reconnect attempts"))
	if err != nil {
		return err
	}

	// Observables
	m.EquityUSD, err = meter.Float64ObservableGauge(MetricEquityUSD, metric.WithDescription("Current account equity in USD"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.equity)
			return nil
		}))
	if err != nil {
		return err
	}
	m.DailyLossPct, err = meter.Float64ObservableGauge(MetricDailyLossPct, metric.WithDescription("Loss since daily start equity, percent"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dailyLossPct)
			return nil
		}))
	if err != nil {
		return err
	}
	m.DrawdownPct, err = meter.Float64ObservableGauge(MetricDrawdownPct, metric.WithDescription("Drawdown from peak equity, percent"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.drawdownPct)
			return nil
		}))
	if err != nil {
		return err
	}
	m.KillSwitch, err = meter.Int64ObservableGauge(MetricKillSwitch, metric.WithDescription("Kill switch state (1=tripped)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.killSwitch)
			return nil
		}))
	if err != nil {
		return err
	}
	m.CircuitBreakerState, err = meter.Int64ObservableGauge(MetricCircuitBreakerState, metric.WithDescription("Circuit breaker open state per breaker (1=open)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, val := range m.breakerOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("breaker", name)))
			}
			return nil
		}))
	if err != nil {
		return err
	}
	m.RateLimitTokens, err = meter.Float64ObservableGauge(MetricRateLimitTokens, metric.WithDescription("Token bucket level per endpoint class"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for class, val := range m.tokensMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("class", class)))
			}
			return nil
		}))
	if err != nil {
		return err
	}
	m.RateLimitUtilization, err = meter.Float64ObservableGauge(MetricRateLimitUtilization, metric.WithDescription("Token bucket utilization per endpoint class, percent"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for class, val := range m.utilizationMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("class", class)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Counter helpers. Instruments are nil until InitMetrics runs (tests skip
// telemetry setup), so increments go through these guards.

func (m *MetricsHolder) inc(c metric.Int64Counter, opts ...metric.AddOption) {
	if c != nil {
		c.Add(context.Background(), 1, opts...)
	}
}

func (m *MetricsHolder) IncOrdersPlaced(symbol string) {
	m.inc(m.OrdersPlacedTotal, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) IncOrdersFilled(symbol string) {
	m.inc(m.OrdersFilledTotal, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) IncOrderRetries()  { m.inc(m.OrderRetriesTotal) }
func (m *MetricsHolder) IncOrderFailures() { m.inc(m.OrderFailuresTotal) }

func (m *MetricsHolder) IncMarketDataWS()    { m.inc(m.MarketDataWSTotal) }
func (m *MetricsHolder) IncMarketDataREST()  { m.inc(m.MarketDataRESTTotal) }
func (m *MetricsHolder) IncMarketDataCache() { m.inc(m.MarketDataCacheTotal) }

func (m *MetricsHolder) IncWSDropped(channel string) {
	m.inc(m.WSDroppedEvents, metric.WithAttributes(attribute.String("channel", channel)))
}

func (m *MetricsHolder) IncWSReconnects() { m.inc(m.WSReconnects) }

// Helpers to update observable state

func (m *MetricsHolder) SetEquity(equity, dailyLossPct, drawdownPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
	m.dailyLossPct = dailyLossPct
	m.drawdownPct = drawdownPct
}

func (m *MetricsHolder) SetKillSwitch(tripped bool) {
	val := int64(0)
	if tripped {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitch = val
}

func (m *MetricsHolder) SetCircuitBreakerOpen(name string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerOpenMap[name] = val
}

func (m *MetricsHolder) SetRateLimitState(class string, tokens, utilizationPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokensMap[class] = tokens
	m.utilizationMap[class] = utilizationPct
}
