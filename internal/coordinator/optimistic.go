package coordinator

import (
	"context"

	"github.com/citypages/cacheflow/internal/errors"
	"github.com/citypages/cacheflow/internal/invalidate"
	"github.com/citypages/cacheflow/internal/pagecache"
)

// OptimisticUpdate is the standalone optimistic-write primitive:
// snapshot the current entry, apply patch to its payload, run mutate,
// and reconcile.
//
// On success the entry is replaced with the mutation's resolved value
// and a dependent-scope invalidation is triggered. On failure the
// pre-patch snapshot is restored exactly and a hard refetch of key is
// forced before the error is returned, so the cache is never left in
// the optimistic-but-wrong state. If no entry exists under key there
// is nothing to patch and nothing to roll back; the mutation still
// runs.
//
// The returned bool reports whether a rollback happened.
func (c *Coordinator) OptimisticUpdate(ctx context.Context, key string, patch func(any) any, mutate func(context.Context) (any, error)) (any, bool, error) {
	value, rolledBack, err := c.optimistic(ctx, key, patch, mutate)
	if err != nil {
		return nil, rolledBack, err
	}

	if c.invalidator != nil {
		_, invErr := c.invalidator.Invalidate(ctx, invalidate.Request{
			Strategy: invalidate.StrategyOptimistic,
			Scope:    invalidate.ScopeDependent,
			Domain:   DomainOf(key),
		})
		if invErr != nil {
			c.logger.Warn("dependent invalidation failed", "key", key, "error", invErr)
		}
	}
	return value, false, nil
}

// optimistic is the patch/mutate/reconcile core, without the trailing
// invalidation. handleUpdate layers its own policy invalidation on
// top.
func (c *Coordinator) optimistic(ctx context.Context, key string, patch func(any) any, mutate func(context.Context) (any, error)) (any, bool, error) {
	snapshot, patched := c.snapshotAndPatch(key, patch)

	value, err := mutate(ctx)
	if err != nil {
		if patched {
			c.cache.Restore(key, snapshot)
			c.hardRefetch(key)
		}
		return nil, patched, err
	}

	entry := pagecache.Entry{Payload: value}
	if patched {
		entry.StaleAfter = snapshot.StaleAfter
	}
	if putErr := c.cache.Put(key, entry); putErr != nil {
		// A newer write settled while the mutation was in flight;
		// its result wins.
		c.logger.Debug("resolved value superseded", "key", key, "error", putErr)
	}
	return value, false, nil
}

// snapshotAndPatch applies the optimistic patch if an entry exists.
// Missing entries are left untouched: rollback with no snapshot is a
// no-op, not an error.
func (c *Coordinator) snapshotAndPatch(key string, patch func(any) any) (pagecache.Entry, bool) {
	cur, ok := c.cache.Get(key)
	if !ok {
		return pagecache.Entry{}, false
	}

	snapshot, err := c.cache.Patch(key, patch(cur.Payload))
	if err != nil {
		// Entry vanished between Get and Patch; treat as missing.
		return pagecache.Entry{}, false
	}
	return snapshot, true
}

// hardRefetch re-fetches key after a rollback. Best effort: the
// rollback already restored a consistent value, the refetch just
// shortens how long the stale one is served.
func (c *Coordinator) hardRefetch(key string) {
	if c.refetcher == nil {
		return
	}
	if err := c.refetcher.Refetch(context.Background(), key); err != nil && !errors.IsCancellation(err) {
		c.logger.Warn("post-rollback refetch failed", "key", key, "error", err)
	}
}
