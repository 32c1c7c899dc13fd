package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/citypages/cacheflow/internal/cancel"
	"github.com/citypages/cacheflow/internal/pagecache"
	"github.com/citypages/cacheflow/internal/prefetch"
)

// The engine is the cross-domain view over its per-domain stores: the
// invalidation service and the coordinator operate on fully qualified
// keys and the engine routes each one to the owning store.

// Keys returns every cached key across all domains.
func (e *Engine) Keys() []string {
	e.mu.Lock()
	stores := make([]*pagecache.Store, 0, len(e.stores))
	for _, s := range e.stores {
		stores = append(stores, s)
	}
	e.mu.Unlock()

	var keys []string
	for _, s := range stores {
		keys = append(keys, s.Keys()...)
	}
	return keys
}

// MarkStale flags keys across all domains. Returns how many entries
// were flagged.
func (e *Engine) MarkStale(keys ...string) int {
	n := 0
	for _, key := range keys {
		store, _ := e.domain(domainOf(key))
		n += store.MarkStale(key)
	}
	return n
}

// Put commits an entry under its key's domain.
func (e *Engine) Put(key string, entry pagecache.Entry) error {
	store, _ := e.domain(domainOf(key))
	return store.Put(key, entry)
}

// Patch swaps an entry's payload in place, returning the pre-patch
// snapshot.
func (e *Engine) Patch(key string, payload any) (pagecache.Entry, error) {
	store, _ := e.domain(domainOf(key))
	return store.Patch(key, payload)
}

// Restore puts back a snapshotted entry verbatim.
func (e *Engine) Restore(key string, snapshot pagecache.Entry) {
	store, _ := e.domain(domainOf(key))
	store.Restore(key, snapshot)
}

// Delete removes an entry.
func (e *Engine) Delete(key string) bool {
	store, _ := e.domain(domainOf(key))
	return store.Delete(key)
}

// Revalidate refreshes one domain's non-fresh entries by scheduling
// them through the prefetch queue at low priority. Non-blocking: the
// queue's offline and budget handling bound the actual work, and
// failures land in the queue's accounting rather than here.
func (e *Engine) Revalidate(_ context.Context, domain string, listOnly bool) error {
	store, _ := e.domain(domain)

	for _, key := range store.Keys() {
		if listOnly && !strings.Contains(key, ":page:") {
			continue
		}
		if store.Fresh(key) {
			continue
		}
		e.scheduleRefetch(store, key)
	}
	return nil
}

// scheduleRefetch enqueues a low-priority background refetch of one
// key, skipping keys that already have a live command.
func (e *Engine) scheduleRefetch(store *pagecache.Store, key string) {
	if e.queue.HasSlot(key) {
		return
	}

	id := fmt.Sprintf("reval-%d", e.seq.Add(1))
	token := e.registry.Create(key, id)

	accepted := e.queue.Enqueue(&prefetch.Command{
		ID:       id,
		Slot:     key,
		Priority: prefetch.PriorityLow,
		Strategy: prefetch.StrategyNetworkAware,
		Token:    token,
		Execute: func(ctx context.Context) error {
			if token.Cancelled() {
				return nil
			}
			return e.Refetch(ctx, key)
		},
	})
	if !accepted {
		e.registry.Cancel(id, cancel.ReasonManual)
		return
	}

	e.logger.Debug("revalidation scheduled", "slot", key, "domain", store.Domain())
}
