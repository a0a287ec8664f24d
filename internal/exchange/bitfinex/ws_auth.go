package bitfinex

import (
	"encoding/json"
	"sync"
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	apperrors "bfx_trader/pkg/errors"
)

// dmsCancelOnDisconnect asks the exchange to cancel all orders when the
// authenticated socket drops.
const dmsCancelOnDisconnect = 4

// OrderUpdateHandler receives order lifecycle events from the private
// stream.
type OrderUpdateHandler func(*core.Order)

// AuthStream is the authenticated websocket: it mirrors orders, positions,
// and wallets, and fans order events out to listeners.
type AuthStream struct {
	sock   *socket
	cfg    config.WSConfig
	logger core.ILogger

	apiKey    string
	apiSecret string
	nonceKey  string
	nonces    core.INonceStore

	state *AccountState

	mu          sync.Mutex
	authed      bool
	lastMsg     time.Time
	onOrder     []OrderUpdateHandler
	onAuthError func(error)
}

// NewAuthStream creates the authenticated stream. Start connects it.
func NewAuthStream(cfg config.ExchangeConfig, wsCfg config.WSConfig, nonces core.INonceStore, logger core.ILogger) *AuthStream {
	a := &AuthStream{
		cfg:       wsCfg,
		logger:    logger.WithField("component", "bitfinex_ws_auth"),
		apiKey:    cfg.APIKey.Reveal(),
		apiSecret: cfg.APISecret.Reveal(),
		nonceKey:  "ws:" + cfg.APIKey.Reveal(),
		nonces:    nonces,
		state:     NewAccountState(),
	}
	a.sock = newSocket(cfg.WSAuthURL, wsCfg, a.handleFrame, a.logger)
	a.sock.setOnConnected(a.authenticate)
	return a
}

// State exposes the account mirror.
func (a *AuthStream) State() *AccountState { return a.state }

// OnOrderUpdate registers an order event listener. Must be called before
// Start.
func (a *AuthStream) OnOrderUpdate(h OrderUpdateHandler) {
	a.mu.Lock()
	a.onOrder = append(a.onOrder, h)
	a.mu.Unlock()
}

// OnAuthError registers the handler for fatal authentication failures.
func (a *AuthStream) OnAuthError(h func(error)) {
	a.mu.Lock()
	a.onAuthError = h
	a.mu.Unlock()
}

// Start connects and authenticates.
func (a *AuthStream) Start() { a.sock.start() }

// Close tears the stream down.
func (a *AuthStream) Close() { a.sock.stop() }

// Authenticated reports whether the last handshake succeeded.
func (a *AuthStream) Authenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authed
}

// LastMessageAt reports when any frame last arrived.
func (a *AuthStream) LastMessageAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastMsg
}

func (a *AuthStream) authenticate() {
	nonce, err := a.nonces.Next(a.nonceKey)
	if err != nil {
		a.logger.Error("Failed to issue auth nonce", "error", err)
		a.sock.closeConn()
		return
	}

	payload, sig := signAuthWS(a.apiSecret, nonce)
	msg := map[string]interface{}{
		"event":       "auth",
		"apiKey":      a.apiKey,
		"authSig":     sig,
		"authNonce":   nonce,
		"authPayload": payload,
	}
	if a.cfg.DeadManSwitch {
		msg["dms"] = dmsCancelOnDisconnect
	}
	if err := a.sock.send(msg); err != nil {
		a.logger.Error("Failed to send auth handshake", "error", err)
	}
}

func (a *AuthStream) handleFrame(msg []byte) {
	a.mu.Lock()
	a.lastMsg = time.Now()
	a.mu.Unlock()

	if len(msg) == 0 {
		return
	}
	if msg[0] == '{' {
		a.handleEvent(msg)
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil || len(frame) < 2 {
		return
	}
	var tag string
	if err := json.Unmarshal(frame[1], &tag); err != nil || tag == "hb" {
		return
	}
	if len(frame) < 3 {
		return
	}
	a.handleChannel(tag, frame[2])
}

func (a *AuthStream) handleEvent(msg []byte) {
	var evt struct {
		Event  string `json:"event"`
		Status string `json:"status"`
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
	}
	if err := json.Unmarshal(msg, &evt); err != nil {
		return
	}

	switch evt.Event {
	case "auth":
		a.mu.Lock()
		a.authed = evt.Status == "OK"
		handler := a.onAuthError
		a.mu.Unlock()

		if evt.Status == "OK" {
			a.logger.Info("Authenticated websocket ready", "dms", a.cfg.DeadManSwitch)
			return
		}
		err := &apperrors.ExchangeError{Code: evt.Code, Message: evt.Msg}
		a.logger.Error("Websocket authentication failed", "code", evt.Code, "msg", evt.Msg)
		if apperrors.IsNonceTooSmall(err) {
			if bumpErr := a.nonces.Bump(a.nonceKey, time.Now().UnixMicro()); bumpErr != nil {
				a.logger.Error("Failed to bump websocket nonce", "error", bumpErr)
			}
			a.sock.closeConn() // reconnect re-auths with the bumped nonce
			return
		}
		if handler != nil {
			handler(err)
		}
	case "info":
		// 20051 restart, 20060 maintenance start, 20061 maintenance end.
		if evt.Code == 20051 {
			a.sock.closeConn()
		}
	case "error":
		a.logger.Error("Websocket error event", "code", evt.Code, "msg", evt.Msg)
	}
}

func (a *AuthStream) handleChannel(tag string, payload json.RawMessage) {
	now := time.Now().UTC()
	switch tag {
	case "os":
		var rows [][]interface{}
		if err := json.Unmarshal(payload, &rows); err != nil {
			return
		}
		orders := make([]*core.Order, 0, len(rows))
		for _, row := range rows {
			if o, err := orderFromRow(row); err == nil {
				orders = append(orders, o)
			}
		}
		a.state.ReplaceOrders(orders)
	case "on", "ou", "oc":
		var row []interface{}
		if err := json.Unmarshal(payload, &row); err != nil {
			return
		}
		o, err := orderFromRow(row)
		if err != nil {
			return
		}
		a.state.UpsertOrder(o)
		a.notifyOrder(o)
	case "ps":
		var rows [][]interface{}
		if err := json.Unmarshal(payload, &rows); err != nil {
			return
		}
		positions := make([]core.Position, 0, len(rows))
		for _, row := range rows {
			if len(row) >= 7 {
				positions = append(positions, positionFromRow(row, now))
			}
		}
		a.state.ReplacePositions(positions)
	case "pu":
		var row []interface{}
		if err := json.Unmarshal(payload, &row); err != nil || len(row) < 7 {
			return
		}
		a.state.UpsertPosition(positionFromRow(row, now))
	case "pc":
		var row []interface{}
		if err := json.Unmarshal(payload, &row); err != nil || len(row) < 1 {
			return
		}
		a.state.ClosePosition(asString(row[0]))
	case "ws":
		var rows [][]interface{}
		if err := json.Unmarshal(payload, &rows); err != nil {
			return
		}
		wallets := make([]core.Wallet, 0, len(rows))
		for _, row := range rows {
			if len(row) >= 5 {
				wallets = append(wallets, walletFromRow(row, now))
			}
		}
		a.state.ReplaceWallets(wallets)
	case "wu":
		var row []interface{}
		if err := json.Unmarshal(payload, &row); err != nil || len(row) < 5 {
			return
		}
		a.state.UpsertWallet(walletFromRow(row, now))
	case "te", "tu":
		// Trade executions; fills are tracked through order updates.
		a.logger.Debug("Trade execution event", "tag", tag)
	}
}

func (a *AuthStream) notifyOrder(o *core.Order) {
	a.mu.Lock()
	handlers := make([]OrderUpdateHandler, len(a.onOrder))
	copy(handlers, a.onOrder)
	a.mu.Unlock()
	for _, h := range handlers {
		cp := *o
		h(&cp)
	}
}
