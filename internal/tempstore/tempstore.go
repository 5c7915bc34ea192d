// Package tempstore is the privacy-bounded scratch space for in-flight
// validation data. Every entry carries a category and a TTL; entries in
// sensitive categories never survive a store shutdown.
package tempstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("temp store closed")

// DefaultTTL bounds entries whose writer did not pick one.
const DefaultTTL = 5 * time.Minute

// Well-known entry categories.
const (
	CategoryRawInvoice    = "raw-invoice"
	CategoryParsedInvoice = "parsed-invoice"
	CategoryReportCache   = "report-cache"
	CategorySeenInvoice   = "seen-invoice"
)

// DefaultSensitiveCategories are purged unconditionally on Close.
var DefaultSensitiveCategories = []string{CategoryRawInvoice, CategoryParsedInvoice}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Key builds the canonical "category:identifier" entry key.
func Key(category, id string) string {
	return category + ":" + id
}

// CategoryOf returns the category prefix of a key, or "" when the key does
// not follow the category:identifier convention.
func CategoryOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return ""
}

// SetOptions tunes one write. Zero TTL means the store default; an empty
// Category is derived from the key prefix.
type SetOptions struct {
	TTL      time.Duration
	Category string
}

// CategoryStats summarizes live entries of one category.
type CategoryStats struct {
	Entries int `json:"entries"`
	Bytes   int `json:"bytes"`
}

type entry struct {
	value    []byte
	category string
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.storedAt) >= e.ttl
}

// Options configures a Store.
type Options struct {
	// DefaultTTL applies when SetOptions.TTL is zero. Zero keeps DefaultTTL.
	DefaultTTL time.Duration

	// SensitiveCategories replaces the default sensitive set when non-nil.
	SensitiveCategories []string
}

// Store is an in-memory TTL store. Values are opaque bytes, copied on write
// and on read. Expiry is enforced lazily on every read; the Sweeper only
// reclaims memory earlier. All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	sensitive map[string]bool
	ttl       time.Duration
	clock     Clock
	closed    bool
}

// New creates a Store with the real clock.
func New(opts Options) *Store {
	return NewWithClock(opts, realClock{})
}

// NewWithClock creates a Store with a custom clock (for testing).
func NewWithClock(opts Options, clock Clock) *Store {
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cats := opts.SensitiveCategories
	if cats == nil {
		cats = DefaultSensitiveCategories
	}
	sensitive := make(map[string]bool, len(cats))
	for _, c := range cats {
		sensitive[c] = true
	}
	return &Store{
		entries:   make(map[string]*entry),
		sensitive: sensitive,
		ttl:       ttl,
		clock:     clock,
	}
}

// Set stores a copy of value under key.
func (s *Store) Set(key string, value []byte, opts SetOptions) error {
	if key == "" {
		return errors.New("temp store: empty key")
	}
	category := opts.Category
	if category == "" {
		category = CategoryOf(key)
	}
	if category == "" {
		return fmt.Errorf("temp store: key %q has no category prefix", key)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	s.entries[key] = &entry{
		value:    buf,
		category: category,
		storedAt: s.clock.Now(),
		ttl:      ttl,
	}
	return nil
}

// Get returns a copy of the value. Expired entries are removed on the spot
// and reported as absent.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// Has reports whether key holds a live entry.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	return ok
}

// live returns the entry for key, evicting it first when expired.
// Callers must hold the write lock.
func (s *Store) live(key string) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.clock.Now()) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

// Delete removes key. Removing an absent key is not an error.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// TTL returns the remaining lifetime of key, or -1 when the key is absent,
// expired, or the store is closed.
func (s *Store) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1
	}
	e, ok := s.live(key)
	if !ok {
		return -1
	}
	if e.ttl <= 0 {
		return 0
	}
	return e.ttl - s.clock.Now().Sub(e.storedAt)
}

// ExtendTTL restarts key's lifetime at d from now. It reports whether the
// key was live.
func (s *Store) ExtendTTL(key string, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	e, ok := s.live(key)
	if !ok {
		return false
	}
	e.storedAt = s.clock.Now()
	e.ttl = d
	return true
}

// SecureDelete overwrites the entry's bytes with zeros before removing it.
// Deleting an absent key succeeds: the data is gone either way. A closed
// store refuses, like every other mutation, so callers re-queue the key
// instead of assuming the bytes were handled.
func (s *Store) SecureDelete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok {
		return true, nil
	}
	zero(e.value)
	delete(s.entries, key)
	return true, nil
}

// Stats returns live entry counts and byte sizes per category. Expired
// entries still in memory are not counted.
func (s *Store) Stats() map[string]CategoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	stats := make(map[string]CategoryStats)
	for _, e := range s.entries {
		if e.expired(now) {
			continue
		}
		cs := stats[e.category]
		cs.Entries++
		cs.Bytes += len(e.value)
		stats[e.category] = cs
	}
	return stats
}

// Cleanup evicts every expired entry and returns how many were removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Close purges every entry in a sensitive category, zeroing their bytes,
// and rejects further writes. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for key, e := range s.entries {
		if s.sensitive[e.category] {
			zero(e.value)
			delete(s.entries, key)
		}
	}
	s.closed = true
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
