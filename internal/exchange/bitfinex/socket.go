package bitfinex

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	"bfx_trader/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
)

// messageHandler receives every raw frame from a socket.
type messageHandler func(message []byte)

// readGrace is added on top of the heartbeat interval for the read
// deadline: pings go out every interval, so a healthy peer answers within
// one interval plus round-trip slack. Past that the link is dead.
const readGrace = 5 * time.Second

// socket is one resilient websocket connection. Reconnects use jittered
// exponential backoff; the onConnected callback replays subscriptions.
type socket struct {
	url     string
	handler messageHandler

	reconnectBase time.Duration
	reconnectMax  time.Duration
	pingInterval  time.Duration
	pongWait      time.Duration

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected func()

	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	msgCounter metric.Int64Counter
}

func newSocket(url string, cfg config.WSConfig, handler messageHandler, logger core.ILogger) *socket {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("bitfinex-ws")
	msgCounter, _ := meter.Int64Counter("bfx_trader_ws_messages_total",
		metric.WithDescription("Total websocket frames received"))

	return &socket{
		url:           url,
		handler:       handler,
		reconnectBase: time.Duration(cfg.ReconnectBaseSecs) * time.Second,
		reconnectMax:  time.Duration(cfg.ReconnectMaxSecs) * time.Second,
		pingInterval:  time.Duration(cfg.HeartbeatSecs) * time.Second,
		pongWait:      time.Duration(cfg.HeartbeatSecs)*time.Second + readGrace,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger,
		metrics:       telemetry.GetGlobalMetrics(),
		msgCounter:    msgCounter,
	}
}

func (s *socket) setOnConnected(cb func()) {
	s.mu.Lock()
	s.onConnected = cb
	s.mu.Unlock()
}

// send writes a JSON message. Callers handle "not connected" by relying on
// the onConnected replay.
func (s *socket) send(message interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return s.conn.WriteJSON(message)
}

func (s *socket) start() {
	s.wg.Add(1)
	go s.runLoop()
}

func (s *socket) stop() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Websocket stop timed out waiting for goroutines")
	}
	s.closeConn()
}

func (s *socket) runLoop() {
	defer s.wg.Done()

	backoff := s.reconnectBase
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.connect(); err != nil {
			s.logger.Error("Websocket connect failed", "url", s.url, "error", err)
			if !s.sleep(jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, s.reconnectMax)
			continue
		}
		backoff = s.reconnectBase

		s.mu.Lock()
		onConnected := s.onConnected
		s.mu.Unlock()
		if onConnected != nil {
			onConnected()
		}

		heartbeatCtx, heartbeatCancel := context.WithCancel(s.ctx)
		s.wg.Add(1)
		go s.heartbeat(heartbeatCtx)

		s.readLoop()
		heartbeatCancel()

		select {
		case <-s.ctx.Done():
			return
		default:
			s.metrics.IncWSReconnects()
			if !s.sleep(jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, s.reconnectMax)
		}
	}
}

func (s *socket) connect() error {
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.url, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongWait))
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *socket) heartbeat(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second)); err != nil {
				s.closeConn()
				return
			}
		}
	}
}

func (s *socket) readLoop() {
	defer s.closeConn()

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// Any inbound frame proves liveness, including "hb".
		conn.SetReadDeadline(time.Now().Add(s.pongWait))

		s.msgCounter.Add(s.ctx, 1)
		if s.handler != nil {
			s.handler(message)
		}
	}
}

func (s *socket) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// sleep waits for d or until shutdown; reports false on shutdown.
func (s *socket) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

// jitter spreads reconnects by +/-25% so sockets do not thunder in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 2
	return time.Duration(int64(d)*3/4 + rand.Int63n(spread+1))
}
