package pagecache

import (
	"testing"
	"time"

	"github.com/citypages/cacheflow/internal/errors"
	"github.com/citypages/cacheflow/internal/logging"
)

func newTestStore() *Store {
	return NewStore("events", logging.NopLogger())
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore()

	if err := s.PutPage(1, Entry{Payload: "page one"}); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}

	entry, ok := s.GetPage(1)
	if !ok {
		t.Fatal("GetPage should find the committed entry")
	}
	if entry.Payload != "page one" {
		t.Errorf("payload = %v, want 'page one'", entry.Payload)
	}
	if entry.Key != "events:page:1" {
		t.Errorf("key = %q, want 'events:page:1'", entry.Key)
	}
	if entry.StaleAfter != DefaultStaleAfter {
		t.Errorf("stale-after = %v, want default %v", entry.StaleAfter, DefaultStaleAfter)
	}
}

func TestStore_StalenessBoundary(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	tests := []struct {
		name      string
		fetchedAt time.Time
		wantFresh bool
	}{
		{"well within window", now.Add(-time.Minute), true},
		{"just inside window", now.Add(-DefaultStaleAfter + time.Millisecond), true},
		{"exactly at threshold", now.Add(-DefaultStaleAfter), false},
		{"just past threshold", now.Add(-DefaultStaleAfter - time.Millisecond), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.InvalidateAll()
			if err := s.Put("events:page:1", Entry{Payload: "x", FetchedAt: tt.fetchedAt, StaleAfter: DefaultStaleAfter}); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if got := s.Fresh("events:page:1"); got != tt.wantFresh {
				t.Errorf("Fresh() = %v, want %v", got, tt.wantFresh)
			}
		})
	}
}

func TestStore_MonotonicFetchedAt(t *testing.T) {
	s := newTestStore()
	now := time.Now()

	if err := s.Put("events:page:1", Entry{Payload: "newer", FetchedAt: now}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err := s.Put("events:page:1", Entry{Payload: "older", FetchedAt: now.Add(-time.Second)})
	if !errors.Is(err, errors.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}

	entry, _ := s.Get("events:page:1")
	if entry.Payload != "newer" {
		t.Errorf("payload = %v, the newer value must survive", entry.Payload)
	}
}

func TestStore_ZeroFetchedAtReplacesExisting(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	if err := s.Put("events:ev-1", Entry{Payload: "v1", FetchedAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// A zero FetchedAt means "fetched now" and must beat the monotonic
	// check against the older committed entry.
	if err := s.Put("events:ev-1", Entry{Payload: "v2"}); err != nil {
		t.Fatalf("Put with zero FetchedAt should commit, got %v", err)
	}

	entry, _ := s.Get("events:ev-1")
	if entry.Payload != "v2" {
		t.Errorf("payload = %v, want the replacement value", entry.Payload)
	}
	if !entry.FetchedAt.Equal(now) {
		t.Errorf("FetchedAt = %v, want defaulted to now", entry.FetchedAt)
	}
}

func TestStore_MarkStale(t *testing.T) {
	s := newTestStore()
	s.PutPage(1, Entry{Payload: "x"})
	s.PutPage(2, Entry{Payload: "y"})

	n := s.MarkStale("events:page:1", "events:page:99")
	if n != 1 {
		t.Errorf("MarkStale flagged %d entries, want 1 (unknown keys ignored)", n)
	}

	if s.FreshPage(1) {
		t.Error("marked page should not be fresh")
	}
	if !s.FreshPage(2) {
		t.Error("unmarked page should stay fresh")
	}

	// The stale value stays readable until replaced.
	if _, ok := s.GetPage(1); !ok {
		t.Error("marked-stale entry should remain readable")
	}

	// A fresh Put clears the flag.
	s.PutPage(1, Entry{Payload: "x2"})
	if !s.FreshPage(1) {
		t.Error("a new Put should clear the stale flag")
	}
}

func TestStore_PatchAndRestore(t *testing.T) {
	s := newTestStore()
	fetchedAt := time.Now().Add(-time.Minute)
	s.Put("events:ev-1", Entry{Payload: map[string]any{"name": "v1"}, FetchedAt: fetchedAt})

	snapshot, err := s.Patch("events:ev-1", map[string]any{"name": "v2"})
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if snapshot.Payload.(map[string]any)["name"] != "v1" {
		t.Error("Patch should return the pre-patch entry")
	}

	entry, _ := s.Get("events:ev-1")
	if entry.Payload.(map[string]any)["name"] != "v2" {
		t.Error("Patch should install the new payload")
	}
	if !entry.FetchedAt.Equal(fetchedAt) {
		t.Error("Patch should preserve FetchedAt")
	}

	s.Restore("events:ev-1", snapshot)
	entry, _ = s.Get("events:ev-1")
	if entry.Payload.(map[string]any)["name"] != "v1" {
		t.Error("Restore should reinstate the snapshot exactly")
	}
}

func TestStore_PatchMissingKey(t *testing.T) {
	s := newTestStore()

	_, err := s.Patch("events:nope", "x")
	if !errors.Is(err, errors.ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestStore_InvalidatePage(t *testing.T) {
	s := newTestStore()
	s.PutPage(1, Entry{Payload: "x"})
	s.PutPage(2, Entry{Payload: "y"})

	s.InvalidatePage(1)

	if _, ok := s.GetPage(1); ok {
		t.Error("invalidated page should be gone")
	}
	if _, ok := s.GetPage(2); !ok {
		t.Error("other pages should survive")
	}
}

func TestStore_InvalidateAll(t *testing.T) {
	s := newTestStore()
	s.PutPage(1, Entry{Payload: "x"})
	s.PutPage(2, Entry{Payload: "y"})

	s.InvalidateAll()
	if s.Len() != 0 {
		t.Errorf("store should be empty, has %d entries", s.Len())
	}
}

func TestStore_Counters(t *testing.T) {
	s := newTestStore()
	s.PutPage(1, Entry{Payload: "x"})

	s.GetPage(1) // hit
	s.GetPage(2) // miss
	s.GetPage(1) // hit

	c := s.Counters()
	if c.Hits != 2 || c.Misses != 1 {
		t.Errorf("counters = %+v, want 2 hits / 1 miss", c)
	}
}
