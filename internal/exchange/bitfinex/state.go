package bitfinex

import (
	"sync"
	"time"

	"bfx_trader/internal/core"
)

// AccountState mirrors the private stream: open orders, positions, and
// wallets. Readers get copies; the stream owns the maps.
type AccountState struct {
	mu        sync.RWMutex
	orders    map[int64]*core.Order
	positions map[string]core.Position
	wallets   map[string]core.Wallet // keyed type:currency
	updatedAt time.Time
}

// NewAccountState creates an empty account mirror.
func NewAccountState() *AccountState {
	return &AccountState{
		orders:    make(map[int64]*core.Order),
		positions: make(map[string]core.Position),
		wallets:   make(map[string]core.Wallet),
	}
}

func (s *AccountState) touch() { s.updatedAt = time.Now().UTC() }

// ReplaceOrders installs an order snapshot.
func (s *AccountState) ReplaceOrders(orders []*core.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make(map[int64]*core.Order, len(orders))
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	s.touch()
}

// UpsertOrder applies a single order event. Terminal orders leave the open
// set.
func (s *AccountState) UpsertOrder(o *core.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o.Status {
	case core.StatusExecuted, core.StatusCanceled, core.StatusRejected:
		delete(s.orders, o.ID)
	default:
		s.orders[o.ID] = o
	}
	s.touch()
}

// OpenOrders returns open orders, optionally filtered by symbol.
func (s *AccountState) OpenOrders(symbol string) []*core.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if symbol == "" || o.Symbol == symbol {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

// ReplacePositions installs a position snapshot.
func (s *AccountState) ReplacePositions(positions []core.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[string]core.Position, len(positions))
	for _, p := range positions {
		s.positions[p.Symbol] = p
	}
	s.touch()
}

// UpsertPosition applies a position update; a zero amount closes it.
func (s *AccountState) UpsertPosition(p core.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Amount.IsZero() {
		delete(s.positions, p.Symbol)
	} else {
		s.positions[p.Symbol] = p
	}
	s.touch()
}

// ClosePosition removes a position on a pc event.
func (s *AccountState) ClosePosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
	s.touch()
}

// Positions returns all open positions.
func (s *AccountState) Positions() []core.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// ReplaceWallets installs a wallet snapshot.
func (s *AccountState) ReplaceWallets(wallets []core.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets = make(map[string]core.Wallet, len(wallets))
	for _, w := range wallets {
		s.wallets[w.Type+":"+w.Currency] = w
	}
	s.touch()
}

// UpsertWallet applies a single wallet update.
func (s *AccountState) UpsertWallet(w core.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.Type+":"+w.Currency] = w
	s.touch()
}

// Wallets returns all wallet balances.
func (s *AccountState) Wallets() []core.Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}
	return out
}

// UpdatedAt reports when the mirror last changed, for staleness checks.
func (s *AccountState) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}
