package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"bfx_trader/internal/breaker"
	"bfx_trader/internal/clock"
	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	"bfx_trader/internal/nonce"
	"bfx_trader/internal/ratelimit"
	apperrors "bfx_trader/pkg/errors"
	"bfx_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, srv *httptest.Server) *RESTClient {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Exchange.APIKey = "test-key"
	cfg.Exchange.APISecret = "test-secret"
	cfg.Exchange.RESTPublicURL = srv.URL
	cfg.Exchange.RESTAuthURL = srv.URL
	cfg.Exchange.TimeoutSecs = 5
	cfg.Exchange.MaxRetries = 2

	nonces, err := nonce.NewStore(filepath.Join(t.TempDir(), "nonce.json"), logging.Nop())
	require.NoError(t, err)

	limiter, err := ratelimit.New(cfg.RateLimit, clock.NewSystem(), logging.Nop())
	require.NoError(t, err)

	breakers := breaker.NewRegistry(breaker.DefaultConfigs(), clock.NewSystem(), logging.Nop())

	return NewRESTClient(cfg.Exchange, nonces, limiter, breakers, logging.Nop())
}

func TestGetTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ticker/tBTCUSD", r.URL.Path)
		w.Write([]byte(`[29990.5,12.3,29991.0,8.1,150.0,0.005,29990.8,1234.5,30100.0,29500.0]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	tk, err := c.GetTicker(context.Background(), "tBTCUSD")
	require.NoError(t, err)
	assert.Equal(t, "tBTCUSD", tk.Symbol)
	assert.True(t, tk.Bid.Equal(decimal.NewFromFloat(29990.5)))
	assert.True(t, tk.Ask.Equal(decimal.NewFromFloat(29991.0)))
	assert.True(t, tk.LastPrice.Equal(decimal.NewFromFloat(29990.8)))
}

func TestGetCandlesOldestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "candles/trade:1m:tBTCUSD/hist")
		// Bitfinex returns newest first.
		w.Write([]byte(`[[1700000120000,101,102,103,100,5.0],[1700000060000,100,101,102,99,4.0]]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	candles, err := c.GetCandles(context.Background(), "tBTCUSD", "1m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].OpenTime.Before(candles[1].OpenTime), "candles must be reordered oldest first")
	assert.True(t, candles[0].Open.Equal(decimal.NewFromInt(100)))
}

func TestPrivateRequestSignedHeaders(t *testing.T) {
	var gotNonce, gotKey, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/auth/r/wallets", r.URL.Path)
		gotNonce = r.Header.Get("bfx-nonce")
		gotKey = r.Header.Get("bfx-apikey")
		gotSig = r.Header.Get("bfx-signature")
		w.Write([]byte(`[["exchange","USD",1000.0,0,995.5]]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	wallets, err := c.GetWallets(context.Background())
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, "USD", wallets[0].Currency)
	assert.True(t, wallets[0].Available.Equal(decimal.NewFromFloat(995.5)))

	assert.Equal(t, "test-key", gotKey)
	require.NotEmpty(t, gotNonce)
	n, err := strconv.ParseInt(gotNonce, 10, 64)
	require.NoError(t, err)
	assert.Equal(t, signPayload("test-secret", "auth/r/wallets", n, []byte("{}")), gotSig)
}

func TestNoncesIncreaseAcrossRequests(t *testing.T) {
	var nonces []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.ParseInt(r.Header.Get("bfx-nonce"), 10, 64)
		nonces = append(nonces, n)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	for i := 0; i < 3; i++ {
		_, err := c.GetWallets(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, nonces, 3)
	assert.Less(t, nonces[0], nonces[1])
	assert.Less(t, nonces[1], nonces[2])
}

func TestNonceTooSmallRetriedOnceWithHigherNonce(t *testing.T) {
	var calls int32
	var first, second int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.ParseInt(r.Header.Get("bfx-nonce"), 10, 64)
		if atomic.AddInt32(&calls, 1) == 1 {
			first = n
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`["error",10114,"nonce: small"]`))
			return
		}
		second = n
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.GetWallets(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Greater(t, second, first+int64(nonce.BumpOffset)/2, "retry must carry a bumped nonce")
}

func TestNonceBumpHonorsServerReportedFloor(t *testing.T) {
	// Far ahead of any wall clock this test will run under.
	const serverFloor = int64(9_000_000_000_000_000)
	var calls int32
	var second int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.ParseInt(r.Header.Get("bfx-nonce"), 10, 64)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, `["error",10114,"nonce: small, expected > %d"]`, serverFloor)
			return
		}
		second = n
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.GetWallets(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Greater(t, second, serverFloor, "retry must jump past the server's expectation, not just the local clock")
}

func TestTransientServerErrorRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[29990.5,12.3,29991.0,8.1,150.0,0.005,29990.8,1234.5,30100.0,29500.0]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.GetTicker(context.Background(), "tBTCUSD")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestFatalExchangeErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`["error",10020,"symbol: invalid"]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.GetTicker(context.Background(), "tNOPEUSD")
	require.Error(t, err)

	var ex *apperrors.ExchangeError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, apperrors.CodeInvalidParams, ex.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "invalid params must not be retried")
}

func TestRateLimitedPenalizesNextAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[29990.5,12.3,29991.0,8.1,150.0,0.005,29990.8,1234.5,30100.0,29500.0]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	start := time.Now()
	_, err := c.GetTicker(context.Background(), "tBTCUSD")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond,
		"second attempt must wait out the Retry-After penalty")
}

func TestOpenTradingBreakerBlocksSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the wire while the breaker is open")
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Exchange.APIKey = "test-key"
	cfg.Exchange.APISecret = "test-secret"
	cfg.Exchange.RESTPublicURL = srv.URL
	cfg.Exchange.RESTAuthURL = srv.URL

	nonces, err := nonce.NewStore(filepath.Join(t.TempDir(), "nonce.json"), logging.Nop())
	require.NoError(t, err)
	limiter, err := ratelimit.New(cfg.RateLimit, clock.NewSystem(), logging.Nop())
	require.NoError(t, err)

	clk := clock.NewFake(time.Now())
	breakers := breaker.NewRegistry(breaker.DefaultConfigs(), clk, logging.Nop())
	for i := 0; i < 3; i++ {
		breakers.RecordFailure(breaker.Trading, 0)
	}
	require.Equal(t, "open", breakers.State(breaker.Trading))

	c := NewRESTClient(cfg.Exchange, nonces, limiter, breakers, logging.Nop())
	intent := &core.OrderIntent{
		Symbol: "tBTCUSD",
		Side:   core.SideBuy,
		Type:   core.TypeExchangeMarket,
		Amount: decimal.NewFromFloat(0.001),
	}
	_, err = c.SubmitOrder(context.Background(), intent, 0)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
}

func TestSubmitOrderPayloadAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/auth/w/order/submit", r.URL.Path)
		w.Write([]byte(`[1700000000000,"on-req",12345,null,[[98765,77,555,"tBTCUSD",1700000000000,1700000000000,0.001,0.001,"EXCHANGE LIMIT",null,null,null,0,"ACTIVE",null,null,29000,0,0,0,null,null,null,0,0,null,null,null,"API>BFX",null,null,null]],0,"SUCCESS","Submitting order"]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	intent := &core.OrderIntent{
		ClientOrderID: "555",
		Symbol:        "tBTCUSD",
		Side:          core.SideBuy,
		Type:          core.TypeExchangeLimit,
		Amount:        decimal.NewFromFloat(0.001),
		Price:         decimal.NewFromInt(29000),
	}
	order, err := c.SubmitOrder(context.Background(), intent, 77)
	require.NoError(t, err)
	assert.EqualValues(t, 98765, order.ID)
	assert.EqualValues(t, 77, order.GroupID)
	assert.Equal(t, "555", order.ClientOrderID)
	assert.Equal(t, core.SideBuy, order.Side)
	assert.Equal(t, core.StatusActive, order.Status)
	assert.True(t, order.Price.Equal(decimal.NewFromInt(29000)))
}

func TestSubmitOrderErrorNotification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1700000000000,"on-req",12345,null,null,10100,"ERROR","apikey: invalid"]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	intent := &core.OrderIntent{
		Symbol: "tBTCUSD",
		Side:   core.SideSell,
		Type:   core.TypeExchangeMarket,
		Amount: decimal.NewFromFloat(0.001),
	}
	_, err := c.SubmitOrder(context.Background(), intent, 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsFatalAuth(err))
}

func TestSellAmountNegated(t *testing.T) {
	var gotAmount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotAmount, _ = payload["amount"].(string)
		w.Write([]byte(`[1700000000000,"on-req",1,null,[[1,0,0,"tBTCUSD",1700000000000,1700000000000,-0.002,-0.002,"EXCHANGE MARKET",null,null,null,0,"ACTIVE",null,null,0,0,0,0]],0,"SUCCESS",""]`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	intent := &core.OrderIntent{
		Symbol: "tBTCUSD",
		Side:   core.SideSell,
		Type:   core.TypeExchangeMarket,
		Amount: decimal.NewFromFloat(0.002),
	}
	order, err := c.SubmitOrder(context.Background(), intent, 0)
	require.NoError(t, err)
	assert.Equal(t, "-0.002", gotAmount)
	assert.Equal(t, core.SideSell, order.Side)
	assert.True(t, order.Amount.IsPositive())
}
