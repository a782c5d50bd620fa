// Package connkey implements the single-use connection key exchange that
// lets a browser authenticate its WebSocket upgrade without being able to
// set a custom Authorization header on new WebSocket(url).
package connkey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is how long an issued key remains consumable if unused.
const DefaultTTL = 60 * time.Second

// Entry is what a key resolves to once consumed.
type Entry struct {
	UserID    string
	SessionID *int64
	ExpiresAt time.Time
}

// Issued is returned by Issue: the opaque key plus its expiry, for the HTTP
// response body.
type Issued struct {
	Key       string
	ExpiresAt time.Time
}

// Store is a process-local, mutex-protected key → Entry map. It is
// intentionally not distributed: a connection key is consumed within
// seconds of being issued, on the same process that issued it, by the
// WebSocket upgrade handler behind the same load balancer sticky session.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
}

func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{entries: make(map[string]Entry), ttl: ttl}
}

// Issue mints a random 128-bit key bound to userID (and optionally an
// existing sessionID), valid until Store's TTL elapses.
func (s *Store) Issue(userID string, sessionID *int64) (Issued, error) {
	key, err := randomKey()
	if err != nil {
		return Issued{}, fmt.Errorf("connkey: issue: %w", err)
	}

	expiresAt := time.Now().Add(s.ttl)

	s.mu.Lock()
	s.entries[key] = Entry{UserID: userID, SessionID: sessionID, ExpiresAt: expiresAt}
	s.mu.Unlock()

	return Issued{Key: key, ExpiresAt: expiresAt}, nil
}

// Consume removes and returns the entry for key, if present and unexpired.
// A key can only ever be consumed once — this is the whole point of the
// exchange, so a leaked URL (access log, referer header) is useless after
// the legitimate upgrade happens.
func (s *Store) Consume(key string) (Entry, bool) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if !ok || time.Now().After(entry.ExpiresAt) {
		return Entry{}, false
	}
	return entry, true
}

// Sweep removes expired entries that were issued but never consumed. Call
// periodically from a background goroutine; Consume alone would otherwise
// leak memory for keys nobody ever redeems.
func (s *Store) Sweep() int {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	s.mu.Unlock()

	return removed
}

func randomKey() (string, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
