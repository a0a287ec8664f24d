package bitfinex

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	"bfx_trader/pkg/telemetry"
)

// TickerHandler receives live ticker updates.
type TickerHandler func(core.Ticker)

// CandleHandler receives live candle updates. Candles arrive with
// Closed=false; consumers decide closure when a newer bar appears.
type CandleHandler func(core.Candle)

// subscription is one channel on one socket with its bounded event queue.
// A full queue drops the oldest event so consumers always see the newest.
type subscription struct {
	key       string // ticker:tBTCUSD or candles:trade:1m:tBTCUSD
	channel   string
	symbol    string
	timeframe string
	request   map[string]interface{}
	queue     chan json.RawMessage
	stop      chan struct{}
}

// pubSocket is one public connection holding up to maxSubs subscriptions.
type pubSocket struct {
	sock *socket

	mu     sync.Mutex
	subs   map[string]*subscription
	byChan map[int64]*subscription
}

// PublicStream manages public market data subscriptions across a pool of
// sockets, respecting the per-socket subscription cap.
type PublicStream struct {
	cfg    config.WSConfig
	url    string
	logger core.ILogger

	mu       sync.Mutex
	sockets  []*pubSocket
	onTicker TickerHandler
	onCandle CandleHandler
	lastMsg  time.Time

	metrics *telemetry.MetricsHolder
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPublicStream creates the stream manager. Handlers must be registered
// before Subscribe calls.
func NewPublicStream(url string, cfg config.WSConfig, logger core.ILogger) *PublicStream {
	return &PublicStream{
		cfg:     cfg,
		url:     url,
		logger:  logger.WithField("component", "bitfinex_ws_public"),
		metrics: telemetry.GetGlobalMetrics(),
		done:    make(chan struct{}),
	}
}

// OnTicker registers the ticker consumer.
func (p *PublicStream) OnTicker(h TickerHandler) { p.onTicker = h }

// OnCandle registers the candle consumer.
func (p *PublicStream) OnCandle(h CandleHandler) { p.onCandle = h }

// SubscribeTicker subscribes to live tickers for a symbol.
func (p *PublicStream) SubscribeTicker(symbol string) error {
	return p.subscribe(&subscription{
		key:     "ticker:" + symbol,
		channel: "ticker",
		symbol:  symbol,
		request: map[string]interface{}{
			"event":   "subscribe",
			"channel": "ticker",
			"symbol":  symbol,
		},
	})
}

// SubscribeCandles subscribes to live candles for a symbol and timeframe.
func (p *PublicStream) SubscribeCandles(symbol, timeframe string) error {
	key := fmt.Sprintf("trade:%s:%s", timeframe, symbol)
	return p.subscribe(&subscription{
		key:       "candles:" + key,
		channel:   "candles",
		symbol:    symbol,
		timeframe: timeframe,
		request: map[string]interface{}{
			"event":   "subscribe",
			"channel": "candles",
			"key":     key,
		},
	})
}

func (p *PublicStream) subscribe(sub *subscription) error {
	sub.queue = make(chan json.RawMessage, p.cfg.QueueSize)
	sub.stop = make(chan struct{})

	p.mu.Lock()
	ps := p.socketWithRoom()
	p.mu.Unlock()

	ps.mu.Lock()
	if _, exists := ps.subs[sub.key]; exists {
		ps.mu.Unlock()
		return nil
	}
	ps.subs[sub.key] = sub
	ps.mu.Unlock()

	p.wg.Add(1)
	go p.dispatch(sub)

	// Best effort; the onConnected replay covers a socket not yet up.
	if err := ps.sock.send(sub.request); err != nil {
		p.logger.Debug("Subscribe deferred until connect", "key", sub.key)
	}
	return nil
}

// UnsubscribeTicker removes a ticker subscription.
func (p *PublicStream) UnsubscribeTicker(symbol string) {
	p.unsubscribe("ticker:" + symbol)
}

// UnsubscribeCandles removes a candle subscription.
func (p *PublicStream) UnsubscribeCandles(symbol, timeframe string) {
	p.unsubscribe(fmt.Sprintf("candles:trade:%s:%s", timeframe, symbol))
}

func (p *PublicStream) unsubscribe(key string) {
	p.mu.Lock()
	sockets := p.sockets
	p.mu.Unlock()

	for _, ps := range sockets {
		ps.mu.Lock()
		sub, ok := ps.subs[key]
		if !ok {
			ps.mu.Unlock()
			continue
		}
		delete(ps.subs, key)
		var chanID int64
		for id, s := range ps.byChan {
			if s == sub {
				chanID = id
				delete(ps.byChan, id)
				break
			}
		}
		ps.mu.Unlock()

		close(sub.stop)
		if chanID != 0 {
			if err := ps.sock.send(map[string]interface{}{"event": "unsubscribe", "chanId": chanID}); err != nil {
				p.logger.Debug("Unsubscribe send failed", "key", key, "error", err)
			}
		}
		p.logger.Info("Unsubscribed", "key", key)
		return
	}
}

// socketWithRoom must be called with p.mu held.
func (p *PublicStream) socketWithRoom() *pubSocket {
	for _, ps := range p.sockets {
		ps.mu.Lock()
		n := len(ps.subs)
		ps.mu.Unlock()
		if n < p.cfg.MaxSubsPerSocket {
			return ps
		}
	}

	ps := &pubSocket{
		subs:   make(map[string]*subscription),
		byChan: make(map[int64]*subscription),
	}
	ps.sock = newSocket(p.url, p.cfg, func(msg []byte) { p.handleFrame(ps, msg) }, p.logger)
	ps.sock.setOnConnected(func() { p.replay(ps) })
	ps.sock.start()
	p.sockets = append(p.sockets, ps)
	p.logger.Info("Opened public websocket", "socket_count", len(p.sockets))
	return ps
}

// replay resubscribes everything on a socket after (re)connect.
func (p *PublicStream) replay(ps *pubSocket) {
	ps.mu.Lock()
	ps.byChan = make(map[int64]*subscription)
	requests := make([]map[string]interface{}, 0, len(ps.subs))
	for _, sub := range ps.subs {
		requests = append(requests, sub.request)
	}
	ps.mu.Unlock()

	for _, req := range requests {
		if err := ps.sock.send(req); err != nil {
			p.logger.Warn("Resubscribe failed", "error", err)
			return
		}
	}
}

func (p *PublicStream) handleFrame(ps *pubSocket, msg []byte) {
	p.mu.Lock()
	p.lastMsg = time.Now()
	p.mu.Unlock()

	if len(msg) == 0 {
		return
	}
	if msg[0] == '{' {
		p.handleEvent(ps, msg)
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil || len(frame) < 2 {
		return
	}
	var chanID int64
	if err := json.Unmarshal(frame[0], &chanID); err != nil {
		return
	}
	if string(frame[1]) == `"hb"` {
		return
	}

	ps.mu.Lock()
	sub := ps.byChan[chanID]
	ps.mu.Unlock()
	if sub == nil {
		return
	}
	p.enqueue(sub, frame[1])
}

// enqueue delivers into the bounded queue, dropping the oldest on overflow.
func (p *PublicStream) enqueue(sub *subscription, payload json.RawMessage) {
	for {
		select {
		case sub.queue <- payload:
			return
		default:
			select {
			case <-sub.queue:
				p.metrics.IncWSDropped(sub.channel)
				p.logger.Warn("Dropped oldest queued event", "key", sub.key)
			default:
			}
		}
	}
}

func (p *PublicStream) handleEvent(ps *pubSocket, msg []byte) {
	var evt struct {
		Event   string `json:"event"`
		Channel string `json:"channel"`
		ChanID  int64  `json:"chanId"`
		Symbol  string `json:"symbol"`
		Key     string `json:"key"`
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(msg, &evt); err != nil {
		return
	}

	switch evt.Event {
	case "subscribed":
		key := evt.Channel + ":" + evt.Symbol
		if evt.Channel == "candles" {
			key = evt.Channel + ":" + evt.Key
		}
		ps.mu.Lock()
		if sub, ok := ps.subs[key]; ok {
			ps.byChan[evt.ChanID] = sub
		}
		ps.mu.Unlock()
		p.logger.Debug("Subscribed", "key", key, "chan_id", evt.ChanID)
	case "error":
		p.logger.Error("Websocket subscription error", "code", evt.Code, "msg", evt.Msg)
	case "info":
		if evt.Code == 20051 {
			// Server restart request: drop the connection and reconnect.
			p.logger.Warn("Server requested reconnect")
			ps.sock.closeConn()
		}
	}
}

// dispatch drains one subscription queue and fans out decoded updates.
func (p *PublicStream) dispatch(sub *subscription) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-sub.stop:
			return
		case payload := <-sub.queue:
			switch sub.channel {
			case "ticker":
				p.dispatchTicker(sub, payload)
			case "candles":
				p.dispatchCandles(sub, payload)
			}
		}
	}
}

func (p *PublicStream) dispatchTicker(sub *subscription, payload json.RawMessage) {
	if p.onTicker == nil {
		return
	}
	var fields []interface{}
	if err := json.Unmarshal(payload, &fields); err != nil || len(fields) < 10 {
		return
	}
	p.onTicker(core.Ticker{
		Symbol:    sub.symbol,
		Bid:       asDecimal(fields[0]),
		Ask:       asDecimal(fields[2]),
		LastPrice: asDecimal(fields[6]),
		Volume:    asDecimal(fields[7]),
		UpdatedAt: time.Now().UTC(),
	})
}

func (p *PublicStream) dispatchCandles(sub *subscription, payload json.RawMessage) {
	if p.onCandle == nil {
		return
	}
	var rows [][]interface{}
	if err := json.Unmarshal(payload, &rows); err == nil {
		// Snapshot: oldest first for the cache.
		for i := len(rows) - 1; i >= 0; i-- {
			if len(rows[i]) >= 6 {
				c := candleFromRow(sub.symbol, sub.timeframe, rows[i])
				c.Closed = i > 0 // only the newest bar is still forming
				p.onCandle(c)
			}
		}
		return
	}

	var row []interface{}
	if err := json.Unmarshal(payload, &row); err != nil || len(row) < 6 {
		return
	}
	c := candleFromRow(sub.symbol, sub.timeframe, row)
	c.Closed = false
	p.onCandle(c)
}

// LastMessageAt reports when any frame last arrived, for health checks.
func (p *PublicStream) LastMessageAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMsg
}

// Close shuts down every socket and dispatcher.
func (p *PublicStream) Close() {
	close(p.done)
	p.mu.Lock()
	sockets := p.sockets
	p.mu.Unlock()
	for _, ps := range sockets {
		ps.sock.stop()
	}
	p.wg.Wait()
}
