// Package bitfinex implements the Bitfinex v2 REST and websocket surface:
// signed requests with fresh nonces, array payload decoding, public and
// authenticated streams.
package bitfinex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bfx_trader/internal/breaker"
	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	apperrors "bfx_trader/pkg/errors"
	"bfx_trader/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RESTClient talks to the Bitfinex v2 REST API. Every attempt re-signs with
// a fresh nonce and re-consults the rate limiter and breaker registry, so
// retries never reuse a stale signature or bypass the gates.
type RESTClient struct {
	httpClient *http.Client
	publicURL  string
	authURL    string
	apiKey     string
	apiSecret  string
	nonceKey   string

	nonces   core.INonceStore
	limiter  core.IRateLimiter
	breakers core.IBreakerRegistry
	retry    failsafe.Executor[[]byte]
	timeout  time.Duration
	logger   core.ILogger

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewRESTClient builds the REST client from the exchange configuration.
func NewRESTClient(
	cfg config.ExchangeConfig,
	nonces core.INonceStore,
	limiter core.IRateLimiter,
	breakers core.IBreakerRegistry,
	logger core.ILogger,
) *RESTClient {
	retryPolicy := retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			return apperrors.IsRetryable(err) && !errors.Is(err, apperrors.ErrCircuitOpen)
		}).
		WithBackoff(500*time.Millisecond, 8*time.Second).
		WithJitterFactor(0.25).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	tracer := telemetry.GetTracer("bitfinex-rest")
	meter := telemetry.GetMeter("bitfinex-rest")

	reqCounter, _ := meter.Int64Counter("bfx_trader_rest_requests_total",
		metric.WithDescription("Total REST requests by endpoint"))
	errCounter, _ := meter.Int64Counter("bfx_trader_rest_errors_total",
		metric.WithDescription("Total REST request failures by endpoint"))
	latencyHist, _ := meter.Float64Histogram("bfx_trader_rest_request_duration_seconds",
		metric.WithDescription("REST request latency in seconds"))

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second

	return &RESTClient{
		httpClient:  &http.Client{Timeout: timeout},
		publicURL:   strings.TrimRight(cfg.RESTPublicURL, "/"),
		authURL:     strings.TrimRight(cfg.RESTAuthURL, "/"),
		apiKey:      cfg.APIKey.Reveal(),
		apiSecret:   cfg.APISecret.Reveal(),
		nonceKey:    "rest:" + cfg.APIKey.Reveal(),
		nonces:      nonces,
		limiter:     limiter,
		breakers:    breakers,
		retry:       failsafe.With[[]byte](retryPolicy),
		timeout:     timeout,
		logger:      logger.WithField("component", "bitfinex_rest"),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// public performs an unauthenticated GET under the public base URL.
func (c *RESTClient) public(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, path, nil, false)
}

// private performs a signed POST under the auth base URL. A nonce error
// bumps the persisted floor past the server's expectation and retries once.
func (c *RESTClient) private(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	} else {
		body = []byte("{}")
	}

	out, err := c.do(ctx, path, body, true)
	if err != nil && apperrors.IsNonceTooSmall(err) {
		floor := time.Now().UnixMicro()
		if reported, ok := apperrors.NonceFloor(err); ok && reported > floor {
			// Another consumer of the key may be far ahead; trust the
			// server's figure over the local clock.
			floor = reported
		}
		c.logger.Warn("Nonce rejected, bumping floor and retrying once", "path", path, "floor", floor)
		if bumpErr := c.nonces.Bump(c.nonceKey, floor); bumpErr != nil {
			return nil, fmt.Errorf("failed to bump nonce after rejection: %w", bumpErr)
		}
		out, err = c.do(ctx, path, body, true)
	}
	return out, err
}

// do runs one request through the retry executor under the call deadline.
func (c *RESTClient) do(ctx context.Context, path string, body []byte, signed bool) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "bitfinex."+path,
		trace.WithAttributes(attribute.String("endpoint", path), attribute.Bool("signed", signed)))
	defer span.End()

	start := time.Now()
	out, err := c.retry.GetWithExecution(func(_ failsafe.Execution[[]byte]) ([]byte, error) {
		return c.attempt(ctx, path, body, signed)
	})

	c.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", path)))
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("endpoint", path)))

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", path)))
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", path, apperrors.ErrTimeout)
		}
		return nil, err
	}
	return out, nil
}

// attempt is one wire round trip: breaker gate, token acquire, sign, send,
// classify. Called once per retry attempt.
func (c *RESTClient) attempt(ctx context.Context, path string, body []byte, signed bool) ([]byte, error) {
	class := c.limiter.ClassOf(path)
	breakerName := c.breakerFor(class)

	if err := c.breakers.Allow(breakerName); err != nil {
		return nil, err
	}

	release, err := c.limiter.Acquire(ctx, class)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := c.buildRequest(ctx, path, body, signed)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breakers.RecordFailure(breakerName, 0)
		return nil, fmt.Errorf("%s: %v: %w", path, err, apperrors.ErrTransport)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breakers.RecordFailure(breakerName, 0)
		return nil, fmt.Errorf("%s: read body: %v: %w", path, err, apperrors.ErrTransport)
	}

	return c.classify(resp, respBody, path, class, breakerName)
}

func (c *RESTClient) buildRequest(ctx context.Context, path string, body []byte, signed bool) (*http.Request, error) {
	if !signed {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.publicURL+"/"+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		return req, nil
	}

	nonce, err := c.nonces.Next(c.nonceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to issue nonce: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/v2/"+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("bfx-nonce", strconv.FormatInt(nonce, 10))
	req.Header.Set("bfx-apikey", c.apiKey)
	req.Header.Set("bfx-signature", signPayload(c.apiSecret, path, nonce, body))
	return req, nil
}

// classify maps an HTTP response onto the error taxonomy and feeds the
// breaker registry.
func (c *RESTClient) classify(resp *http.Response, body []byte, path, class, breakerName string) ([]byte, error) {
	switch {
	case resp.StatusCode < 300:
		c.breakers.RecordSuccess(breakerName)
		return body, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		ra := retryAfter(resp)
		c.limiter.Penalize(class, ra)
		c.breakers.RecordFailure(breakerName, ra)
		return nil, fmt.Errorf("%s: http 429 retry-after %s: %w", path, ra, apperrors.ErrRateLimited)

	case resp.StatusCode >= 500:
		c.breakers.RecordFailure(breakerName, retryAfter(resp))
		if exErr := parseErrorBody(body); exErr != nil {
			return nil, exErr
		}
		return nil, fmt.Errorf("%s: http %d: %w", path, resp.StatusCode, apperrors.ErrTransport)

	default:
		// 4xx other than 429: a caller problem, never a breaker signal.
		if exErr := parseErrorBody(body); exErr != nil {
			return nil, exErr
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%s: http %d: %w", path, resp.StatusCode, apperrors.ErrAuthentication)
		}
		return nil, fmt.Errorf("%s: http %d: %s", path, resp.StatusCode, string(body))
	}
}

// breakerFor maps a rate limit class to the breaker guarding it. Trading
// endpoints get their own breaker so a broken order path does not block
// market data.
func (c *RESTClient) breakerFor(class string) string {
	if class == "PRIVATE_TRADING" {
		return breaker.Trading
	}
	return breaker.Transport
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 2 * time.Second
}

// GetTicker fetches the current ticker for a symbol.
func (c *RESTClient) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	body, err := c.public(ctx, "ticker/"+symbol)
	if err != nil {
		return nil, err
	}
	return decodeTicker(symbol, body, time.Now().UTC())
}

// GetCandles fetches up to limit historical candles, oldest first.
func (c *RESTClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	path := fmt.Sprintf("candles/trade:%s:%s/hist?limit=%d", timeframe, symbol, limit)
	body, err := c.public(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeCandles(symbol, timeframe, body)
}

// GetWallets fetches all wallet balances.
func (c *RESTClient) GetWallets(ctx context.Context) ([]core.Wallet, error) {
	body, err := c.private(ctx, "auth/r/wallets", nil)
	if err != nil {
		return nil, err
	}
	return decodeWallets(body, time.Now().UTC())
}

// GetPositions fetches all open margin positions.
func (c *RESTClient) GetPositions(ctx context.Context) ([]core.Position, error) {
	body, err := c.private(ctx, "auth/r/positions", nil)
	if err != nil {
		return nil, err
	}
	return decodePositions(body, time.Now().UTC())
}

// GetOpenOrders fetches active orders, optionally scoped to one symbol.
func (c *RESTClient) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	path := "auth/r/orders"
	if symbol != "" {
		path += "/" + symbol
	}
	body, err := c.private(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeOrders(body)
}

// SubmitOrder places an order. The signed amount carries the side; group id
// links bracket legs.
func (c *RESTClient) SubmitOrder(ctx context.Context, intent *core.OrderIntent, groupID int64) (*core.Order, error) {
	amount := intent.Amount
	if intent.Side == core.SideSell {
		amount = amount.Neg()
	}

	payload := map[string]interface{}{
		"type":   string(intent.Type),
		"symbol": intent.Symbol,
		"amount": amount.String(),
	}
	if !intent.Price.IsZero() {
		payload["price"] = intent.Price.String()
	}
	if intent.ClientOrderID != "" {
		if cid, err := strconv.ParseInt(intent.ClientOrderID, 10, 64); err == nil {
			payload["cid"] = cid
		}
	}
	if groupID != 0 {
		payload["gid"] = groupID
	}
	flags := 0
	if intent.PostOnly {
		flags |= 4096
	}
	if intent.ReduceOnly {
		flags |= 1024
	}
	if flags != 0 {
		payload["flags"] = flags
	}

	body, err := c.private(ctx, "auth/w/order/submit", payload)
	if err != nil {
		return nil, err
	}
	return decodeSubmitResponse(body)
}

// CancelOrder cancels one order by exchange id.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID int64) error {
	body, err := c.private(ctx, "auth/w/order/cancel", map[string]interface{}{"id": orderID})
	if err != nil {
		return err
	}
	_, err = decodeSubmitResponse(body)
	if err != nil && strings.Contains(err.Error(), "no order payload") {
		// Cancel notifications may omit the order snapshot.
		return nil
	}
	return err
}

// CancelAllOrders cancels every open order, optionally for one symbol.
func (c *RESTClient) CancelAllOrders(ctx context.Context, symbol string) error {
	payload := map[string]interface{}{"all": 1}
	if symbol != "" {
		orders, err := c.GetOpenOrders(ctx, symbol)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(orders))
		for _, o := range orders {
			ids = append(ids, o.ID)
		}
		payload = map[string]interface{}{"id": ids}
	}
	_, err := c.private(ctx, "auth/w/order/cancel/multi", payload)
	return err
}

// GetTickers fetches tickers for several symbols in one call.
func (c *RESTClient) GetTickers(ctx context.Context, symbols []string) ([]core.Ticker, error) {
	q := "ALL"
	if len(symbols) > 0 {
		q = strings.Join(symbols, ",")
	}
	body, err := c.public(ctx, "tickers?symbols="+q)
	if err != nil {
		return nil, err
	}
	return decodeTickers(body, time.Now().UTC())
}

// GetBook fetches the aggregated order book at the given precision (P0-P4).
func (c *RESTClient) GetBook(ctx context.Context, symbol, precision string, limit int) ([]core.BookLevel, error) {
	if precision == "" {
		precision = "P0"
	}
	path := fmt.Sprintf("book/%s/%s?len=%d", symbol, precision, limit)
	body, err := c.public(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeBook(body)
}

// GetTrades fetches recent public trades, newest first.
func (c *RESTClient) GetTrades(ctx context.Context, symbol string, limit int) ([]core.PublicTrade, error) {
	path := fmt.Sprintf("trades/%s/hist?limit=%d", symbol, limit)
	body, err := c.public(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeTrades(body)
}

// UpdateOrder amends price and/or amount of a working order in place.
// Zero-valued fields are left unchanged.
func (c *RESTClient) UpdateOrder(ctx context.Context, orderID int64, price, amount decimal.Decimal) (*core.Order, error) {
	payload := map[string]interface{}{"id": orderID}
	if !price.IsZero() {
		payload["price"] = price.String()
	}
	if !amount.IsZero() {
		payload["amount"] = amount.String()
	}
	body, err := c.private(ctx, "auth/w/order/update", payload)
	if err != nil {
		return nil, err
	}
	return decodeSubmitResponse(body)
}

// GetOrderHistory fetches recently closed orders, optionally for a symbol.
func (c *RESTClient) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]*core.Order, error) {
	path := "auth/r/orders/hist"
	if symbol != "" {
		path = "auth/r/orders/" + symbol + "/hist"
	}
	body, err := c.private(ctx, path, map[string]interface{}{"limit": limit})
	if err != nil {
		return nil, err
	}
	return decodeOrders(body)
}

// GetMarginInfo fetches the account-wide margin summary.
func (c *RESTClient) GetMarginInfo(ctx context.Context) (*core.MarginInfo, error) {
	body, err := c.private(ctx, "auth/r/info/margin/base", nil)
	if err != nil {
		return nil, err
	}
	return decodeMarginInfo(body)
}

// GetSymbols fetches the tradable pair configuration.
func (c *RESTClient) GetSymbols(ctx context.Context) ([]core.SymbolInfo, error) {
	body, err := c.public(ctx, "conf/pub:info:pair")
	if err != nil {
		return nil, err
	}
	return decodeSymbolsConf(body)
}

var _ core.IExchangeClient = (*RESTClient)(nil)
