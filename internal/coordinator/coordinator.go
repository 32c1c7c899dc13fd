// Package coordinator decides, per mutation type, what happens to the
// cache: optimistic patching, pre-emptive removal, and which
// invalidation strategy reconciles the affected domains afterwards.
//
// Concurrent HandleMutation calls for the identical (type, entityType,
// entityID) triple are deduplicated: the second caller shares the
// first call's in-flight result instead of starting another mutation.
package coordinator

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/citypages/cacheflow/internal/errors"
	"github.com/citypages/cacheflow/internal/event"
	"github.com/citypages/cacheflow/internal/invalidate"
	"github.com/citypages/cacheflow/internal/logging"
	"github.com/citypages/cacheflow/internal/pagecache"
)

// MutationType classifies a mutation for policy selection.
type MutationType string

const (
	MutationCreate       MutationType = "create"
	MutationUpdate       MutationType = "update"
	MutationDelete       MutationType = "delete"
	MutationBulkUpdate   MutationType = "bulk-update"
	MutationRelationship MutationType = "relationship"
)

// Mutation describes one cache-affecting write.
type Mutation struct {
	Type       MutationType
	EntityType string
	EntityID   string
	Data       any
}

// key is the dedup identity: two mutations with the same key share one
// in-flight execution.
func (m Mutation) key() string {
	return string(m.Type) + "|" + m.EntityType + "|" + m.EntityID
}

// OperationResult reports what one handled mutation did to the cache.
type OperationResult struct {
	Mutation    Mutation
	Value       any
	Invalidated int
	Refetched   int
	RolledBack  bool
	Shared      bool
	Duration    time.Duration
}

// Cache is the slice of store behavior the coordinator needs.
// pagecache.Store satisfies it.
type Cache interface {
	Get(key string) (pagecache.Entry, bool)
	Put(key string, entry pagecache.Entry) error
	Patch(key string, payload any) (pagecache.Entry, error)
	Restore(key string, snapshot pagecache.Entry)
	Delete(key string) bool
}

// Invalidator issues invalidation requests. invalidate.Service
// satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, req invalidate.Request) (invalidate.Result, error)
}

// Refetcher forces a fresh fetch-and-commit of one key. Used after a
// failed optimistic update to get the cache out of the patched-but-
// wrong state.
type Refetcher interface {
	Refetch(ctx context.Context, key string) error
}

// Mutator performs the remote side of a mutation and returns the
// server's resolved value. The engine supplies one backed by the
// collaborator's transport.
type Mutator interface {
	Mutate(ctx context.Context, m Mutation) (any, error)
}

// Policy overrides the invalidation behavior for one mutation type.
// Zero fields keep the built-in default.
type Policy struct {
	Strategy invalidate.Strategy
	Scope    invalidate.Scope
}

// Coordinator applies per-mutation-type cache policy. Safe for
// concurrent use.
type Coordinator struct {
	cache       Cache
	invalidator Invalidator
	refetcher   Refetcher
	mutator     Mutator
	bus         *event.Bus
	logger      *logging.Logger
	policies    map[MutationType]Policy
	group       singleflight.Group
	metrics     *metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy overrides the default policy for one mutation type.
func WithPolicy(t MutationType, p Policy) Option {
	return func(c *Coordinator) { c.policies[t] = p }
}

// WithMetricsWindow sets the size of the rolling metrics ring.
func WithMetricsWindow(n int) Option {
	return func(c *Coordinator) { c.metrics = newMetrics(n) }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cache Cache, invalidator Invalidator, refetcher Refetcher, mutator Mutator, bus *event.Bus, logger *logging.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cache:       cache,
		invalidator: invalidator,
		refetcher:   refetcher,
		mutator:     mutator,
		bus:         bus,
		logger:      logger.WithComponent("coordinator"),
		policies:    make(map[MutationType]Policy),
		metrics:     newMetrics(defaultMetricsWindow),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleMutation runs the mutation and applies the cache policy for
// its type. A second concurrent call with the same (type, entityType,
// entityID) returns the first call's result with Shared set.
func (c *Coordinator) HandleMutation(ctx context.Context, m Mutation) (OperationResult, error) {
	if m.Type == "" || m.EntityType == "" {
		return OperationResult{}, errors.ErrInvalidInput
	}

	v, err, shared := c.group.Do(m.key(), func() (any, error) {
		return c.handle(ctx, m)
	})

	res, _ := v.(OperationResult)
	res.Shared = shared
	return res, err
}

func (c *Coordinator) handle(ctx context.Context, m Mutation) (OperationResult, error) {
	start := time.Now()

	res, err := c.dispatch(ctx, m)
	res.Mutation = m
	res.Duration = time.Since(start)

	cancelled := errors.IsCancellation(err)
	if !cancelled {
		c.metrics.record(err == nil, res.Duration)
	}

	if err != nil && !cancelled {
		c.logger.Warn("mutation failed",
			"type", string(m.Type), "entity", m.EntityType, "id", m.EntityID, "error", err)
	}
	if c.bus != nil && !cancelled {
		c.bus.Publish(event.NewMutationSettledEvent(
			string(m.Type), m.EntityType, m.EntityID, err == nil, res.Duration))
	}
	return res, err
}

// dispatch is the per-type policy switch. Every MutationType is
// handled explicitly; an unknown type is an input error, not a silent
// fallthrough.
func (c *Coordinator) dispatch(ctx context.Context, m Mutation) (OperationResult, error) {
	switch m.Type {
	case MutationCreate:
		return c.handleCreate(ctx, m)
	case MutationUpdate:
		return c.handleUpdate(ctx, m)
	case MutationDelete:
		return c.handleDelete(ctx, m)
	case MutationBulkUpdate:
		return c.handleBulkUpdate(ctx, m)
	case MutationRelationship:
		return c.handleRelationship(ctx, m)
	default:
		return OperationResult{}, errors.NewMutationError("unknown mutation type", errors.ErrInvalidInput).
			WithMutation(string(m.Type), m.EntityType, m.EntityID)
	}
}

// handleCreate runs the mutation, then invalidates the domain's list
// views in the background. A new item cannot be optimistically placed
// in a list without knowing its sort position, so no patch is applied.
func (c *Coordinator) handleCreate(ctx context.Context, m Mutation) (OperationResult, error) {
	value, err := c.mutator.Mutate(ctx, m)
	if err != nil {
		return OperationResult{}, c.wrap(m, err)
	}

	res := OperationResult{Value: value}
	c.applyInvalidation(ctx, &res, c.policyRequest(m, invalidate.Request{
		Strategy: invalidate.StrategyBackground,
		Scope:    invalidate.ScopeSpecific,
		Domain:   m.EntityType,
		Targets:  []string{listPattern(m.EntityType)},
	}))
	return res, nil
}

// handleUpdate is the optimistic path: patch the entity's entry, run
// the mutation, and either commit the server's resolved value or roll
// back to the exact pre-patch snapshot.
func (c *Coordinator) handleUpdate(ctx context.Context, m Mutation) (OperationResult, error) {
	key := EntityKey(m.EntityType, m.EntityID)

	value, rolledBack, err := c.optimistic(ctx, key,
		func(any) any { return m.Data },
		func(ctx context.Context) (any, error) { return c.mutator.Mutate(ctx, m) },
	)
	if err != nil {
		return OperationResult{RolledBack: rolledBack}, c.wrap(m, err)
	}

	res := OperationResult{Value: value}
	c.applyInvalidation(ctx, &res, c.policyRequest(m, invalidate.Request{
		Strategy: invalidate.StrategyOptimistic,
		Scope:    invalidate.ScopeDependent,
		Domain:   m.EntityType,
	}))
	return res, nil
}

// handleDelete removes the entry before the mutation runs: a deletion
// must not be visible even transiently. The entry comes back only via
// rollback of a failed mutation.
func (c *Coordinator) handleDelete(ctx context.Context, m Mutation) (OperationResult, error) {
	key := EntityKey(m.EntityType, m.EntityID)
	snapshot, hadEntry := c.cache.Get(key)
	c.cache.Delete(key)

	value, err := c.mutator.Mutate(ctx, m)
	if err != nil {
		if hadEntry {
			c.cache.Restore(key, snapshot)
		}
		return OperationResult{RolledBack: hadEntry}, c.wrap(m, err)
	}

	res := OperationResult{Value: value}
	c.applyInvalidation(ctx, &res, c.policyRequest(m, invalidate.Request{
		Strategy: invalidate.StrategyImmediate,
		Scope:    invalidate.ScopeSpecific,
		Domain:   m.EntityType,
		Targets:  []string{listPattern(m.EntityType)},
	}))
	return res, nil
}

// handleBulkUpdate issues one domain-wide batch invalidation instead
// of one per affected entity.
func (c *Coordinator) handleBulkUpdate(ctx context.Context, m Mutation) (OperationResult, error) {
	value, err := c.mutator.Mutate(ctx, m)
	if err != nil {
		return OperationResult{}, c.wrap(m, err)
	}

	res := OperationResult{Value: value}
	c.applyInvalidation(ctx, &res, c.policyRequest(m, invalidate.Request{
		Strategy: invalidate.StrategyBatch,
		Scope:    invalidate.ScopeDomain,
		Domain:   m.EntityType,
	}))
	return res, nil
}

// handleRelationship invalidates every domain declared as related to
// the entity type; the adjacency table lives in the invalidation
// service.
func (c *Coordinator) handleRelationship(ctx context.Context, m Mutation) (OperationResult, error) {
	value, err := c.mutator.Mutate(ctx, m)
	if err != nil {
		return OperationResult{}, c.wrap(m, err)
	}

	res := OperationResult{Value: value}
	c.applyInvalidation(ctx, &res, c.policyRequest(m, invalidate.Request{
		Strategy: invalidate.StrategyBackground,
		Scope:    invalidate.ScopeDependent,
		Domain:   m.EntityType,
	}))
	return res, nil
}

// policyRequest applies any configured per-type override on top of
// the built-in default request.
func (c *Coordinator) policyRequest(m Mutation, req invalidate.Request) invalidate.Request {
	p, ok := c.policies[m.Type]
	if !ok {
		return req
	}
	if p.Strategy != "" {
		req.Strategy = p.Strategy
	}
	if p.Scope != "" {
		req.Scope = p.Scope
		if p.Scope != invalidate.ScopeSpecific {
			req.Targets = nil
		}
	}
	return req
}

// applyInvalidation runs the reconciling invalidation and folds its
// counters into the result. Invalidation failures after a successful
// mutation are logged, not surfaced: the mutation itself succeeded.
func (c *Coordinator) applyInvalidation(ctx context.Context, res *OperationResult, req invalidate.Request) {
	if c.invalidator == nil {
		return
	}

	inv, err := c.invalidator.Invalidate(ctx, req)
	if err != nil {
		c.logger.Warn("reconciling invalidation failed", "strategy", string(req.Strategy), "error", err)
		return
	}
	res.Invalidated = inv.Invalidated
	res.Refetched = inv.Refetched
	for _, e := range inv.Errors {
		c.logger.Warn("reconciling invalidation error", "error", e)
	}
}

func (c *Coordinator) wrap(m Mutation, err error) error {
	if errors.IsCancellation(err) {
		return err
	}
	return errors.NewMutationError("mutation failed", err).
		WithMutation(string(m.Type), m.EntityType, m.EntityID)
}

// Metrics returns the rolling mutation metrics.
func (c *Coordinator) Metrics() MetricsSnapshot {
	return c.metrics.snapshot()
}

// EntityKey is the cache key for one entity's detail entry.
func EntityKey(entityType, entityID string) string {
	return entityType + ":detail:" + entityID
}

// listPattern matches every list-view (paged) key of a domain.
func listPattern(domain string) string {
	return domain + ":page:*"
}

// DomainOf extracts the domain prefix from a cache key.
func DomainOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
