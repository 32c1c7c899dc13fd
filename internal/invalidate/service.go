// Package invalidate implements the cache invalidation service: given
// a scope and a strategy it marks cached entries stale and optionally
// triggers refetch, with per-key debouncing and batching.
//
// Strategies:
//   - immediate: mark stale and refetch synchronously before returning
//   - background: mark stale, return, refetch on a background goroutine
//   - lazy: mark stale only; the next read refetches naturally
//   - optimistic: reconciliation after a local optimistic patch;
//     behaves like background but is reported under its own name
//   - batch: accumulate requests for a fixed window and collapse them
//     into one background invalidation over the union of targets
package invalidate

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/citypages/cacheflow/internal/config"
	"github.com/citypages/cacheflow/internal/errors"
	"github.com/citypages/cacheflow/internal/event"
	"github.com/citypages/cacheflow/internal/logging"
)

// Strategy selects how an invalidation takes effect.
type Strategy string

const (
	StrategyImmediate  Strategy = "immediate"
	StrategyBackground Strategy = "background"
	StrategyLazy       Strategy = "lazy"
	StrategyOptimistic Strategy = "optimistic"
	StrategyBatch      Strategy = "batch"
)

// ValidStrategies lists every recognized strategy name.
var ValidStrategies = []Strategy{
	StrategyImmediate,
	StrategyBackground,
	StrategyLazy,
	StrategyOptimistic,
	StrategyBatch,
}

// Scope selects which cache keys an invalidation covers.
type Scope string

const (
	// ScopeAll covers every key in the store.
	ScopeAll Scope = "all"

	// ScopeDomain covers every key under "<domain>:".
	ScopeDomain Scope = "domain"

	// ScopeSpecific covers the request's explicit targets. Targets may
	// be exact keys or glob patterns.
	ScopeSpecific Scope = "specific"

	// ScopeDependent covers the domains declared as related to the
	// request's domain in the adjacency table.
	ScopeDependent Scope = "dependent"
)

// Request describes one invalidation. It is transient: it exists only
// for the duration of the call, or of its debounce/batch window.
type Request struct {
	Strategy Strategy
	Scope    Scope

	// Domain scopes the request for ScopeDomain and ScopeDependent,
	// and keys batch accumulation.
	Domain string

	// Targets holds explicit keys or glob patterns for ScopeSpecific.
	Targets []string

	// Debounce defers execution of a non-batch request. A later call
	// with the same derived key restarts the pending timer, so only
	// the last call in a burst executes. Zero falls back to the
	// configured default.
	Debounce time.Duration
}

// Result reports what one invalidation did. Deferred work (background
// refetch, debounced or batched requests) is not reflected here; its
// completion is published as an InvalidationCompletedEvent instead.
type Result struct {
	Invalidated int
	Refetched   int
	Errors      []error
	Duration    time.Duration
}

// Store is the slice of cache behavior invalidation needs.
type Store interface {
	Keys() []string
	MarkStale(keys ...string) int
}

// Refetcher re-fetches a cache key and commits the result. The engine
// supplies one backed by the collaborator's fetch primitive.
type Refetcher interface {
	Refetch(ctx context.Context, key string) error
}

type pendingBatch struct {
	scope   Scope
	domain  string
	targets map[string]struct{}
	timer   *time.Timer
}

// Service coordinates invalidation against a Store. Safe for
// concurrent use.
type Service struct {
	store      Store
	refetcher  Refetcher
	bus        *event.Bus
	logger     *logging.Logger
	cfg        config.InvalidationConfig
	dependents map[string][]string

	mu       sync.Mutex
	batches  map[string]*pendingBatch
	debounce map[string]*time.Timer
	stopped  bool
	wg       sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithDependents installs the static adjacency table mapping a domain
// to the domains invalidated alongside it under ScopeDependent.
func WithDependents(dependents map[string][]string) Option {
	return func(s *Service) { s.dependents = dependents }
}

// NewService creates an invalidation Service. refetcher may be nil, in
// which case refetching strategies degrade to mark-stale only.
func NewService(store Store, refetcher Refetcher, cfg config.InvalidationConfig, bus *event.Bus, logger *logging.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		refetcher:  refetcher,
		bus:        bus,
		logger:     logger.WithComponent("invalidate"),
		cfg:        cfg,
		dependents: make(map[string][]string),
		batches:    make(map[string]*pendingBatch),
		debounce:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invalidate executes one invalidation request. Batch requests and
// debounced requests return an empty Result immediately; their
// completion is observable via the event bus.
//
// Returns errors.ErrInvalidInput for an unknown strategy or scope, and
// errors.ErrQueueStopped after Stop.
func (s *Service) Invalidate(ctx context.Context, req Request) (Result, error) {
	if !validStrategy(req.Strategy) || !validScope(req.Scope) {
		return Result{}, errors.ErrInvalidInput
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Result{}, errors.ErrQueueStopped
	}

	if req.Strategy == StrategyBatch {
		s.enqueueBatchLocked(req)
		s.mu.Unlock()
		return Result{}, nil
	}

	debounce := req.Debounce
	if debounce == 0 {
		debounce = s.cfg.DefaultDebounce()
	}
	if debounce > 0 {
		s.deferLocked(req, debounce)
		s.mu.Unlock()
		return Result{}, nil
	}
	s.mu.Unlock()

	return s.apply(ctx, req), nil
}

// Stop flushes pending batches, drops pending debounced requests, and
// waits for background refetches to finish. The service rejects new
// requests afterwards.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true

	var flush []Request
	for key, b := range s.batches {
		b.timer.Stop()
		flush = append(flush, b.request())
		delete(s.batches, key)
	}
	for key, t := range s.debounce {
		t.Stop()
		delete(s.debounce, key)
	}
	s.mu.Unlock()

	for _, req := range flush {
		s.apply(context.Background(), req)
	}
	s.wg.Wait()
}

// Pending reports how many batch windows and debounce timers are
// currently open. Intended for stats surfaces.
func (s *Service) Pending() (batches, debounced int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches), len(s.debounce)
}

// enqueueBatchLocked folds a batch request into the open window for
// its key, opening one if none exists. Caller holds s.mu.
func (s *Service) enqueueBatchLocked(req Request) {
	key := batchKey(req)
	b, ok := s.batches[key]
	if !ok {
		b = &pendingBatch{
			scope:   req.Scope,
			domain:  req.Domain,
			targets: make(map[string]struct{}),
		}
		b.timer = time.AfterFunc(s.cfg.BatchWindow(), func() { s.flushBatch(key) })
		s.batches[key] = b
	}
	for _, t := range req.Targets {
		b.targets[t] = struct{}{}
	}
}

func (s *Service) flushBatch(key string) {
	s.mu.Lock()
	b, ok := s.batches[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.batches, key)
	s.mu.Unlock()

	s.apply(context.Background(), b.request())
}

func (b *pendingBatch) request() Request {
	targets := make([]string, 0, len(b.targets))
	for t := range b.targets {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	// The accumulated window collapses into a single background
	// invalidation over the union of targets.
	return Request{
		Strategy: StrategyBackground,
		Scope:    b.scope,
		Domain:   b.domain,
		Targets:  targets,
	}
}

// deferLocked (re)arms the debounce timer for the request's derived
// key. Only the last request in a burst executes. Caller holds s.mu.
func (s *Service) deferLocked(req Request, debounce time.Duration) {
	key := debounceKey(req)
	if t, ok := s.debounce[key]; ok {
		t.Stop()
	}

	deferred := req
	deferred.Debounce = 0
	s.debounce[key] = time.AfterFunc(debounce, func() {
		s.mu.Lock()
		delete(s.debounce, key)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		// Execution was deferred past the caller, so errors can no
		// longer surface to them; immediate degrades to logged.
		s.apply(context.Background(), deferred)
	})
}

// apply resolves the request's targets, marks them stale, and runs the
// strategy's refetch behavior. It publishes an
// InvalidationCompletedEvent when the work, including any background
// refetch, has finished.
func (s *Service) apply(ctx context.Context, req Request) Result {
	start := time.Now()

	targets, errs := s.resolveTargets(req)
	res := Result{
		Invalidated: s.store.MarkStale(targets...),
		Errors:      errs,
	}

	switch req.Strategy {
	case StrategyLazy:
		// Next read refetches naturally.

	case StrategyImmediate:
		refetched, ferrs := s.refetchAll(ctx, targets)
		res.Refetched = refetched
		res.Errors = append(res.Errors, ferrs...)

	case StrategyBackground, StrategyOptimistic:
		s.mu.Lock()
		if !s.stopped {
			s.wg.Add(1)
			go s.refetchDeferred(req, targets, start)
		}
		s.mu.Unlock()
		res.Duration = time.Since(start)
		return res

	default:
		res.Errors = append(res.Errors, errors.NewInvalidationError("unknown strategy", errors.ErrInvalidInput).
			WithStrategy(string(req.Strategy)))
	}

	res.Duration = time.Since(start)
	s.completed(req.Strategy, res)
	return res
}

// refetchDeferred runs the background half of a background/optimistic
// invalidation. Errors are logged, never surfaced.
func (s *Service) refetchDeferred(req Request, targets []string, start time.Time) {
	defer s.wg.Done()

	refetched, errs := s.refetchAll(context.Background(), targets)
	for _, err := range errs {
		s.logger.Warn("background refetch failed", "error", err, "strategy", string(req.Strategy))
	}

	s.completed(req.Strategy, Result{
		Invalidated: len(targets),
		Refetched:   refetched,
		Errors:      errs,
		Duration:    time.Since(start),
	})
}

func (s *Service) refetchAll(ctx context.Context, targets []string) (int, []error) {
	if s.refetcher == nil {
		return 0, nil
	}

	refetched := 0
	var errs []error
	for _, key := range targets {
		if err := s.refetcher.Refetch(ctx, key); err != nil {
			if errors.IsCancellation(err) {
				continue
			}
			errs = append(errs, errors.NewInvalidationError("refetch failed", err).WithTargets([]string{key}))
			continue
		}
		refetched++
	}
	return refetched, errs
}

func (s *Service) completed(strategy Strategy, res Result) {
	s.logger.Debug("invalidation completed",
		"strategy", string(strategy),
		"invalidated", res.Invalidated,
		"refetched", res.Refetched,
		"errors", len(res.Errors))

	if s.bus != nil {
		s.bus.Publish(event.NewInvalidationCompletedEvent(
			string(strategy), res.Invalidated, res.Refetched, len(res.Errors), res.Duration))
	}
}

// resolveTargets expands a request's scope into concrete store keys,
// sorted for deterministic ordering.
func (s *Service) resolveTargets(req Request) ([]string, []error) {
	keys := s.store.Keys()

	var matched []string
	var errs []error

	switch req.Scope {
	case ScopeAll:
		matched = keys

	case ScopeDomain:
		m, err := matchPattern(req.Domain+":*", keys)
		if err != nil {
			errs = append(errs, err)
		}
		matched = m

	case ScopeSpecific:
		seen := make(map[string]struct{})
		for _, target := range req.Targets {
			m, err := matchPattern(target, keys)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, key := range m {
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					matched = append(matched, key)
				}
			}
		}

	case ScopeDependent:
		for _, dep := range s.dependents[req.Domain] {
			m, err := matchPattern(dep+":*", keys)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			matched = append(matched, m...)
		}
	}

	sort.Strings(matched)
	return matched, errs
}

// matchPattern matches one glob pattern against the store's keys. A
// pattern without glob metacharacters that matches no key is still
// returned as-is so that exact-key requests behave predictably.
func matchPattern(pattern string, keys []string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.NewInvalidationError("invalid target pattern", err).WithTargets([]string{pattern})
	}

	var matched []string
	for _, key := range keys {
		if g.Match(key) {
			matched = append(matched, key)
		}
	}
	if len(matched) == 0 && !strings.ContainsAny(pattern, "*?[{") {
		matched = append(matched, pattern)
	}
	return matched, nil
}

func batchKey(req Request) string {
	return string(req.Scope) + "|" + req.Domain
}

func debounceKey(req Request) string {
	targets := append([]string(nil), req.Targets...)
	sort.Strings(targets)
	return string(req.Scope) + "|" + req.Domain + "|" + strings.Join(targets, ",")
}

func validStrategy(s Strategy) bool {
	for _, v := range ValidStrategies {
		if s == v {
			return true
		}
	}
	return false
}

func validScope(sc Scope) bool {
	switch sc {
	case ScopeAll, ScopeDomain, ScopeSpecific, ScopeDependent:
		return true
	}
	return false
}
