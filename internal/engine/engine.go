// Package engine wires the cache services into one facade: the network
// monitor, cancellation registry, prefetch queue, revalidation
// scheduler, invalidation service, strategy coordinator, and the
// per-domain page stores, all sharing one event bus.
//
// The engine is the only construction point the UI layer needs. It
// consumes an injected Fetcher for reads, an optional Mutator for
// writes, and publishes every lifecycle event on Events().
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/citypages/cacheflow/internal/cancel"
	"github.com/citypages/cacheflow/internal/config"
	"github.com/citypages/cacheflow/internal/coordinator"
	"github.com/citypages/cacheflow/internal/errors"
	"github.com/citypages/cacheflow/internal/event"
	"github.com/citypages/cacheflow/internal/invalidate"
	"github.com/citypages/cacheflow/internal/logging"
	"github.com/citypages/cacheflow/internal/netmon"
	"github.com/citypages/cacheflow/internal/pagecache"
	"github.com/citypages/cacheflow/internal/prefetch"
	"github.com/citypages/cacheflow/internal/scheduler"
)

// Fetcher is the async fetch primitive supplied by the collaborator.
// The resource descriptor is the cache key being filled.
type Fetcher interface {
	Fetch(ctx context.Context, resource string) (any, error)
}

// Stats is a point-in-time view across every service, for dashboards
// and the simulate summary.
type Stats struct {
	Queue      prefetch.Stats
	State      scheduler.State
	Network    netmon.Status
	Mutations  coordinator.MetricsSnapshot
	Cache      map[string]pagecache.Counters
	LiveTokens int
}

// Engine owns and wires every service. Construct with New, then Start
// before use and Stop when done.
type Engine struct {
	cfgMu sync.RWMutex
	cfg   config.Config

	fetcher    Fetcher
	mutator    coordinator.Mutator
	logger     *logging.Logger
	bus        *event.Bus
	monitor    *netmon.Monitor
	registry   *cancel.Registry
	queue      *prefetch.Queue
	service    *invalidate.Service
	coord      *coordinator.Coordinator
	sched      *scheduler.Scheduler
	watcher    *config.Watcher
	configPath string
	prober     netmon.Prober
	dependents map[string][]string

	mu             sync.Mutex
	stores         map[string]*pagecache.Store
	paginators     map[string]*pagecache.Paginator
	pendingDomains []string
	started        bool
	subIDs         []string

	seq atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithDomains pre-registers cache domains so revalidation covers them
// before any traffic arrives. Domains are otherwise created lazily on
// first use.
func WithDomains(domains ...string) Option {
	return func(e *Engine) {
		e.pendingDomains = append(e.pendingDomains, domains...)
	}
}

// WithDependents installs the adjacency table used by dependent-scope
// invalidation and relationship mutations.
func WithDependents(dependents map[string][]string) Option {
	return func(e *Engine) { e.dependents = dependents }
}

// WithMutator supplies the remote half of mutations. Without one,
// mutations resolve to their own input data and only the cache policy
// side runs.
func WithMutator(m coordinator.Mutator) Option {
	return func(e *Engine) { e.mutator = m }
}

// WithProber supplies host bandwidth/connectivity probing to the
// network monitor.
func WithProber(p netmon.Prober) Option {
	return func(e *Engine) { e.prober = p }
}

// WithConfigFile enables hot reload of the config file at path.
func WithConfigFile(path string) Option {
	return func(e *Engine) { e.configPath = path }
}

// echoMutator resolves a mutation to its own input. Stands in when the
// collaborator performs mutations out of band.
type echoMutator struct{}

func (echoMutator) Mutate(_ context.Context, m coordinator.Mutation) (any, error) {
	return m.Data, nil
}

// New creates an Engine from a validated config, a fetch primitive,
// and a logger.
func New(cfg config.Config, fetcher Fetcher, logger *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		fetcher:    fetcher,
		mutator:    echoMutator{},
		logger:     logger.WithComponent("engine"),
		bus:        event.NewBus(),
		stores:     make(map[string]*pagecache.Store),
		paginators: make(map[string]*pagecache.Paginator),
		dependents: make(map[string][]string),
	}

	// Options that only set fields must run before the services that
	// read them are constructed.
	for _, opt := range opts {
		opt(e)
	}

	e.monitor = netmon.NewMonitor(e.prober, cfg.Network.ProbeInterval(), e.bus, logger)
	e.registry = cancel.NewRegistry(logger)
	e.queue = prefetch.NewQueue(cfg.Prefetch, e.monitor, e.bus, logger)
	e.service = invalidate.NewService(e, refetcherFunc(e.Refetch), cfg.Invalidation, e.bus, logger,
		invalidate.WithDependents(e.dependents))
	e.coord = coordinator.NewCoordinator(e, e.service, refetcherFunc(e.Refetch), e.mutator, e.bus, logger)
	e.sched = scheduler.NewScheduler(cfg.Scheduler, e, e.monitor, e.bus, logger)

	for _, d := range e.pendingDomains {
		e.domain(d)
	}
	e.pendingDomains = nil

	return e
}

// refetcherFunc adapts a function to the Refetch interfaces.
type refetcherFunc func(ctx context.Context, key string) error

func (f refetcherFunc) Refetch(ctx context.Context, key string) error { return f(ctx, key) }

// Start begins dispatching: the prefetch queue, the revalidation
// scheduler, the connectivity bridge, and config hot reload if
// configured. Idempotent.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	// Host connectivity signals drive the monitor, which in turn
	// scales the prefetch queue; the scheduler subscribes on its own.
	e.subIDs = append(e.subIDs, e.bus.Subscribe(event.TypeConnectivityChange, func(ev event.Event) {
		if c, ok := ev.(event.ConnectivityChangedEvent); ok {
			e.monitor.SetOnline(c.Online)
		}
	}))

	e.queue.Start()
	e.sched.Start()

	if e.configPath != "" {
		w, err := config.NewWatcher(e.configPath, e.applyConfig)
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		e.watcher = w
		w.Start()
	}

	e.logger.Info("engine started", "domains", len(e.Domains()))
	return nil
}

// Stop halts every service and cancels all live tokens. In-flight
// fetches are prevented from committing rather than interrupted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	if e.watcher != nil {
		e.watcher.Stop()
		e.watcher = nil
	}
	for _, id := range e.subIDs {
		e.bus.Unsubscribe(id)
	}
	e.subIDs = nil

	e.sched.Stop()
	e.queue.Stop()
	e.service.Stop()
	e.registry.CancelAll(cancel.ReasonShutdown)

	e.logger.Info("engine stopped")
}

// Events returns the engine's event bus. The host publishes
// environment signals here and subscribes to lifecycle events.
func (e *Engine) Events() *event.Bus { return e.bus }

// Signal publishes an environment signal on the bus. Equivalent to
// Events().Publish; named for the callback surface the host sees.
func (e *Engine) Signal(sig event.Event) { e.bus.Publish(sig) }

// RequestPage fetches a page of a domain, honoring freshness,
// debounce, supersession, and adjacent prefetch.
func (e *Engine) RequestPage(ctx context.Context, domain string, page int) (pagecache.Entry, error) {
	if domain == "" || page < 1 {
		return pagecache.Entry{}, errors.ErrInvalidInput
	}
	_, paginator := e.domain(domain)
	return paginator.RequestPage(ctx, page)
}

// GetPage reads a page without fetching. The entry is returned even if
// stale; freshness is the second return's concern at read sites that
// care.
func (e *Engine) GetPage(domain string, page int) (pagecache.Entry, bool) {
	store, ok := e.lookup(domain)
	if !ok {
		return pagecache.Entry{}, false
	}
	return store.GetPage(page)
}

// Get reads any cache key without fetching. A key in an unregistered
// domain is a plain miss; reads never register domains.
func (e *Engine) Get(key string) (pagecache.Entry, bool) {
	store, ok := e.lookup(domainOf(key))
	if !ok {
		return pagecache.Entry{}, false
	}
	return store.Get(key)
}

// Invalidate runs an invalidation over one domain, or over everything
// when domain is empty.
func (e *Engine) Invalidate(ctx context.Context, domain string, strategy invalidate.Strategy) (invalidate.Result, error) {
	req := invalidate.Request{Strategy: strategy, Scope: invalidate.ScopeDomain, Domain: domain}
	if domain == "" {
		req.Scope = invalidate.ScopeAll
	}
	return e.service.Invalidate(ctx, req)
}

// InvalidateRequest runs a fully specified invalidation request.
func (e *Engine) InvalidateRequest(ctx context.Context, req invalidate.Request) (invalidate.Result, error) {
	return e.service.Invalidate(ctx, req)
}

// Mutate routes a mutation through the strategy coordinator.
func (e *Engine) Mutate(ctx context.Context, m coordinator.Mutation) (coordinator.OperationResult, error) {
	return e.coord.HandleMutation(ctx, m)
}

// OptimisticUpdate exposes the coordinator's standalone optimistic
// write primitive.
func (e *Engine) OptimisticUpdate(ctx context.Context, key string, patch func(any) any, mutate func(context.Context) (any, error)) (any, bool, error) {
	return e.coord.OptimisticUpdate(ctx, key, patch, mutate)
}

// Stats returns a snapshot across every service.
func (e *Engine) Stats() Stats {
	cache := make(map[string]pagecache.Counters)
	e.mu.Lock()
	for name, store := range e.stores {
		cache[name] = store.Counters()
	}
	e.mu.Unlock()

	return Stats{
		Queue:      e.queue.Stats(),
		State:      e.sched.State(),
		Network:    e.monitor.Snapshot(),
		Mutations:  e.coord.Metrics(),
		Cache:      cache,
		LiveTokens: e.registry.Len(),
	}
}

// Domains lists the registered cache domains, sorted.
func (e *Engine) Domains() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.stores))
	for name := range e.stores {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// domain returns the store and paginator for a domain, creating them
// on first use.
func (e *Engine) domain(name string) (*pagecache.Store, *pagecache.Paginator) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if store, ok := e.stores[name]; ok {
		return store, e.paginators[name]
	}

	e.cfgMu.RLock()
	cacheCfg := e.cfg.Cache
	e.cfgMu.RUnlock()

	store := pagecache.NewStore(name, e.logger)
	paginator := pagecache.NewPaginator(store, e.queue, e.registry, fetcherFunc(e.fetcher.Fetch), cacheCfg, e.bus, e.logger)
	e.stores[name] = store
	e.paginators[name] = paginator
	return store, paginator
}

// lookup returns the store for a domain without registering one.
func (e *Engine) lookup(name string) (*pagecache.Store, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	store, ok := e.stores[name]
	return store, ok
}

// fetcherFunc adapts the engine's Fetcher to pagecache.Fetcher.
type fetcherFunc func(ctx context.Context, resource string) (any, error)

func (f fetcherFunc) Fetch(ctx context.Context, resource string) (any, error) {
	return f(ctx, resource)
}

// applyConfig is the hot-reload hook: budget and freshness settings
// take effect live, services built around goroutine periods keep their
// construction-time intervals until restart.
func (e *Engine) applyConfig(cfg *config.Config) {
	e.cfgMu.Lock()
	e.cfg = *cfg
	e.cfgMu.Unlock()

	e.queue.SetBudget(cfg.Prefetch.ConcurrencyBudget)

	e.logger.Info("configuration reloaded", "path", e.configPath)
	e.bus.Publish(event.NewConfigReloadedEvent(e.configPath))
}

func domainOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// Refetch fetches one key and commits the result. It backs rollback
// refetches, invalidation refetch strategies, and revalidation
// commands. A commit refused by the monotonic check reports as a
// cancellation.
func (e *Engine) Refetch(ctx context.Context, key string) error {
	payload, err := e.fetcher.Fetch(ctx, key)
	if err != nil {
		return errors.NewFetchError("refetch failed", err).WithResource(key)
	}

	store, _ := e.domain(domainOf(key))
	entry := pagecache.Entry{
		Payload:   payload,
		FetchedAt: time.Now(),
	}
	e.cfgMu.RLock()
	entry.StaleAfter = e.cfg.Cache.StaleAfter(store.Domain())
	e.cfgMu.RUnlock()

	if err := store.Put(key, entry); err != nil {
		return errors.ErrCancelled
	}
	e.bus.Publish(event.NewEntryCommittedEvent(key, key))
	return nil
}
