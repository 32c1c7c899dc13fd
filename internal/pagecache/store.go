// Package pagecache provides the page-indexed cache store and the
// navigation-driven prefetch logic layered on top of it.
//
// Entries are replaced wholesale on refresh and never mutated in place,
// with one exception: an optimistic patch applied by the strategy
// coordinator, which is always reconciled (overwritten or rolled back)
// when the causing mutation settles.
package pagecache

import (
	"fmt"
	"sync"
	"time"

	"github.com/citypages/cacheflow/internal/errors"
	"github.com/citypages/cacheflow/internal/logging"
)

// DefaultStaleAfter is the canonical freshness window. Five minutes for
// every entity kind; per-kind overrides come from configuration.
const DefaultStaleAfter = 5 * time.Minute

// Entry is one cached result set with its freshness bookkeeping.
type Entry struct {
	Key        string
	Payload    any
	FetchedAt  time.Time
	StaleAfter time.Duration
}

// FreshAt reports whether the entry is fresh at the given instant.
// An entry exactly at its staleness threshold counts as stale.
func (e Entry) FreshAt(now time.Time) bool {
	window := e.StaleAfter
	if window <= 0 {
		window = DefaultStaleAfter
	}
	return now.Sub(e.FetchedAt) < window
}

// Counters is a snapshot of the store's hit/miss accounting.
// Observability only; nothing in the engine branches on these.
type Counters struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Store is a keyed cache of entries with a page-number view. It is safe
// for concurrent use; reads never block behind a refresh in progress.
type Store struct {
	mu      sync.RWMutex
	domain  string
	entries map[string]Entry
	stale   map[string]bool
	hits    int64
	misses  int64
	logger  *logging.Logger

	// now is injectable for staleness-boundary tests.
	now func() time.Time
}

// NewStore creates an empty store for the given cache domain
// (e.g. "events", "cities").
func NewStore(domain string, logger *logging.Logger) *Store {
	return &Store{
		domain:  domain,
		entries: make(map[string]Entry),
		stale:   make(map[string]bool),
		logger:  logger.WithComponent("pagecache").WithDomain(domain),
		now:     time.Now,
	}
}

// Domain returns the cache domain this store serves.
func (s *Store) Domain() string {
	return s.domain
}

// PageKey returns the cache key for a page of this store's domain.
func (s *Store) PageKey(page int) string {
	return fmt.Sprintf("%s:page:%d", s.domain, page)
}

// Get returns the entry for the key if present, fresh or not. A failed
// foreground refresh leaves the previous value readable here.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if ok {
		s.hits++
	} else {
		s.misses++
	}
	return entry, ok
}

// GetPage returns the entry for a page number.
func (s *Store) GetPage(page int) (Entry, bool) {
	return s.Get(s.PageKey(page))
}

// Fresh reports whether a usable (present, unmarked, within its
// freshness window) entry exists for the key.
func (s *Store) Fresh(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.freshLocked(key)
}

// FreshPage reports whether a usable entry exists for the page.
func (s *Store) FreshPage(page int) bool {
	return s.Fresh(s.PageKey(page))
}

func (s *Store) freshLocked(key string) bool {
	entry, ok := s.entries[key]
	if !ok || s.stale[key] {
		return false
	}
	return entry.FreshAt(s.now())
}

// Put commits an entry under the key. FetchedAt is monotonically
// non-decreasing per key: a Put carrying an older FetchedAt than the
// committed entry is refused with ErrStaleWrite, which is what keeps a
// late-settling superseded fetch from clobbering a newer result even if
// the token check was raced.
func (s *Store) Put(key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Key = key
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = s.now()
	}
	if entry.StaleAfter <= 0 {
		entry.StaleAfter = DefaultStaleAfter
	}

	if cur, ok := s.entries[key]; ok && entry.FetchedAt.Before(cur.FetchedAt) {
		return errors.ErrStaleWrite
	}
	s.entries[key] = entry
	delete(s.stale, key)
	return nil
}

// PutPage commits an entry under a page number's key.
func (s *Store) PutPage(page int, entry Entry) error {
	return s.Put(s.PageKey(page), entry)
}

// Patch replaces the payload of an existing entry in place, preserving
// its freshness bookkeeping. Used only for optimistic updates; the
// coordinator guarantees the patch is reconciled when the mutation
// settles. Returns the previous entry for snapshotting.
func (s *Store) Patch(key string, payload any) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if !ok {
		return Entry{}, errors.ErrEntryNotFound
	}

	next := cur
	next.Payload = payload
	s.entries[key] = next
	return cur, nil
}

// Restore puts back a previously snapshotted entry verbatim, bypassing
// the monotonic FetchedAt check. Rollback of an optimistic patch must
// reproduce the pre-patch entry exactly.
func (s *Store) Restore(key string, snapshot Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot.Key = key
	s.entries[key] = snapshot
}

// Delete removes the entry for the key. Returns true if one existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[key]
	delete(s.entries, key)
	delete(s.stale, key)
	return ok
}

// MarkStale flags the given keys so the next read refetches. Unknown
// keys are ignored. Returns how many entries were flagged.
func (s *Store) MarkStale(keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, key := range keys {
		if _, ok := s.entries[key]; ok && !s.stale[key] {
			s.stale[key] = true
			n++
		}
	}
	return n
}

// InvalidatePage drops the entry for one page.
func (s *Store) InvalidatePage(page int) {
	s.Delete(s.PageKey(page))
}

// InvalidateAll clears every entry in the store.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	s.entries = make(map[string]Entry)
	s.stale = make(map[string]bool)
	if n > 0 {
		s.logger.Debug("cache cleared", "entries", n)
	}
}

// Keys returns all cache keys currently present. The invalidation
// service matches these against scope patterns.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Counters returns the hit/miss snapshot.
func (s *Store) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counters{Hits: s.hits, Misses: s.misses}
}
