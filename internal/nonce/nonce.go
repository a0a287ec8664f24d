// Package nonce issues process-wide strictly increasing nonces per API key.
// Values survive restarts: every issued nonce is persisted before use.
package nonce

import (
	"fmt"
	"os"
	"sync"
	"time"

	"bfx_trader/internal/core"
	"bfx_trader/pkg/persist"
)

// BumpOffset is added on top of the exchange-reported minimum when the
// exchange rejects a nonce as too small.
const BumpOffset = 1000

// Store issues nonces and persists the high-water mark per key.
type Store struct {
	mu     sync.Mutex
	path   string
	last   map[string]int64
	logger core.ILogger
	now    func() time.Time
}

type state struct {
	Last map[string]int64 `json:"last"`
}

// NewStore opens the nonce store at path, loading any persisted state.
func NewStore(path string, logger core.ILogger) (*Store, error) {
	s := &Store{
		path:   path,
		last:   make(map[string]int64),
		logger: logger.WithField("component", "nonce_store"),
		now:    time.Now,
	}

	var st state
	if err := persist.LoadJSON(path, &st); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load nonce state: %w", err)
		}
	} else if st.Last != nil {
		s.last = st.Last
	}
	return s, nil
}

// Next returns a nonce strictly greater than any previously issued value
// for key. The new high-water mark is persisted before the value is
// released to the caller.
func (s *Store) Next(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := s.now().UnixMicro()
	if candidate <= s.last[key] {
		candidate = s.last[key] + 1
	}
	s.last[key] = candidate

	if err := s.save(); err != nil {
		return 0, fmt.Errorf("failed to persist nonce: %w", err)
	}
	return candidate, nil
}

// Bump raises the high-water mark for key to at least min+BumpOffset. Used
// after a "nonce too small" rejection; it never decreases the mark.
func (s *Store) Bump(key string, min int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := min + BumpOffset
	if target <= s.last[key] {
		return nil
	}
	s.last[key] = target

	if err := s.save(); err != nil {
		return fmt.Errorf("failed to persist nonce bump: %w", err)
	}
	s.logger.Warn("Nonce bumped after exchange rejection", "key_suffix", suffix(key), "new_floor", target)
	return nil
}

// save must be called with the mutex held.
func (s *Store) save() error {
	return persist.SaveJSON(s.path, &state{Last: s.last})
}

func suffix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[len(key)-4:]
}

var _ core.INonceStore = (*Store)(nil)
