package pagecache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/citypages/cacheflow/internal/cancel"
	"github.com/citypages/cacheflow/internal/config"
	"github.com/citypages/cacheflow/internal/errors"
	"github.com/citypages/cacheflow/internal/event"
	"github.com/citypages/cacheflow/internal/logging"
	"github.com/citypages/cacheflow/internal/prefetch"
)

// Fetcher is the async fetch primitive supplied by the collaborator.
// It is expected to return an error on transport or HTTP failure;
// retry and backoff at that level are the collaborator's concern.
type Fetcher interface {
	Fetch(ctx context.Context, resource string) (any, error)
}

// Paginator drives page navigation against a Store: debounced terminal
// fetches with supersession, plus speculative prefetch of adjacent
// pages through the prefetch queue.
//
// Rapid sequential navigation triggers only one terminal fetch - each
// RequestPage supersedes the previous navigation's token, so fetches
// for pages the user has already skipped past never commit.
type Paginator struct {
	store    *Store
	queue    *prefetch.Queue
	registry *cancel.Registry
	fetcher  Fetcher
	cfg      config.CacheConfig
	bus      *event.Bus
	logger   *logging.Logger
	seq      atomic.Uint64
}

// NewPaginator wires a Paginator over the given store.
func NewPaginator(store *Store, queue *prefetch.Queue, registry *cancel.Registry, fetcher Fetcher, cfg config.CacheConfig, bus *event.Bus, logger *logging.Logger) *Paginator {
	return &Paginator{
		store:    store,
		queue:    queue,
		registry: registry,
		fetcher:  fetcher,
		cfg:      cfg,
		bus:      bus,
		logger:   logger.WithComponent("pagecache").WithDomain(store.Domain()),
	}
}

// navSlot is the shared slot for terminal page fetches. One slot for
// all pages of the domain means every navigation supersedes the one
// before it, whatever page it targeted.
func (p *Paginator) navSlot() string {
	return p.store.Domain() + ":nav"
}

// RequestPage returns the page's data, fetching if the cache has no
// fresh entry. This is a foreground operation: fetch errors surface to
// the caller, and a superseded request returns ErrCancelled.
//
// The fetch is debounced: the call waits out the configured window
// first, and a newer navigation arriving during the wait cancels this
// one. On success the adjacent pages are scheduled for prefetch.
func (p *Paginator) RequestPage(ctx context.Context, page int) (Entry, error) {
	if entry, ok := p.store.GetPage(page); ok && p.store.FreshPage(page) {
		p.scheduleAdjacent(page)
		return entry, nil
	}

	id := fmt.Sprintf("nav-%d", p.seq.Add(1))
	token := p.registry.Create(p.navSlot(), id)

	if debounce := p.cfg.NavDebounce(); debounce > 0 {
		timer := time.NewTimer(debounce)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-token.Done():
			return Entry{}, errors.ErrCancelled
		case <-ctx.Done():
			p.registry.Cancel(id, cancel.ReasonManual)
			return Entry{}, ctx.Err()
		}
	}

	resource := p.store.PageKey(page)
	payload, err := p.fetcher.Fetch(ctx, resource)
	if err != nil {
		p.registry.Cancel(id, cancel.ReasonManual)
		// The previously cached value, if any, stays in place.
		return Entry{}, errors.NewFetchError("page fetch failed", err).WithResource(resource)
	}

	// A result from a superseded navigation must never be committed,
	// even though its fetch resolved.
	if token.Cancelled() {
		return Entry{}, errors.ErrCancelled
	}

	entry := Entry{
		Payload:    payload,
		FetchedAt:  time.Now(),
		StaleAfter: p.staleAfter(),
	}
	if err := p.store.PutPage(page, entry); err != nil {
		// A newer result beat us to the key; treat like supersession.
		return Entry{}, errors.ErrCancelled
	}
	p.registry.Cancel(id, cancel.ReasonSettled)

	if p.bus != nil {
		p.bus.Publish(event.NewEntryCommittedEvent(resource, p.navSlot()))
	}
	p.scheduleAdjacent(page)

	entry.Key = resource
	return entry, nil
}

// scheduleAdjacent enqueues speculative fetches for the pages around
// the current one: the next page at normal priority with no delay, the
// previous page at low priority with a delayed strategy. Pages already
// fresh or already queued/in-flight are skipped.
func (p *Paginator) scheduleAdjacent(page int) {
	radius := p.cfg.PrefetchRadius
	if radius <= 0 {
		return
	}

	for r := 1; r <= radius; r++ {
		p.schedulePrefetch(page+r, prefetch.PriorityNormal, prefetch.StrategyImmediate)
		if prev := page - r; prev >= 1 {
			p.schedulePrefetch(prev, prefetch.PriorityLow, prefetch.StrategyDelayed)
		}
	}
}

func (p *Paginator) schedulePrefetch(page int, priority prefetch.Priority, strategy prefetch.Strategy) {
	if p.store.FreshPage(page) {
		return
	}
	slot := p.store.PageKey(page)
	if p.queue.HasSlot(slot) {
		return
	}

	id := fmt.Sprintf("prefetch-%d", p.seq.Add(1))
	token := p.registry.Create(slot, id)

	accepted := p.queue.Enqueue(&prefetch.Command{
		ID:       id,
		Slot:     slot,
		Priority: priority,
		Strategy: strategy,
		Token:    token,
		Execute: func(ctx context.Context) error {
			return p.fetchAndCommit(ctx, page, slot, token)
		},
	})
	if !accepted {
		// Raced with another scheduler for the slot; drop the token.
		p.registry.Cancel(id, cancel.ReasonManual)
		return
	}

	p.logger.Debug("prefetch scheduled", "slot", slot,
		"priority", priority.String(), "strategy", string(strategy))
}

// fetchAndCommit runs inside the prefetch queue. It is a background
// operation: errors are returned for the queue's failure accounting but
// never surface to a user-facing caller.
func (p *Paginator) fetchAndCommit(ctx context.Context, page int, resource string, token *cancel.Token) error {
	payload, err := p.fetcher.Fetch(ctx, resource)
	if err != nil {
		return errors.NewFetchError("prefetch failed", err).WithResource(resource)
	}
	if token.Cancelled() {
		return errors.ErrCancelled
	}

	entry := Entry{
		Payload:    payload,
		FetchedAt:  time.Now(),
		StaleAfter: p.staleAfter(),
	}
	if err := p.store.PutPage(page, entry); err != nil {
		return errors.ErrCancelled
	}

	if p.bus != nil {
		p.bus.Publish(event.NewEntryCommittedEvent(resource, resource))
	}
	return nil
}

func (p *Paginator) staleAfter() time.Duration {
	if d := p.cfg.StaleAfter(p.store.Domain()); d > 0 {
		return d
	}
	return DefaultStaleAfter
}
