package coordinator

import (
	"context"
	stderrors "errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/citypages/cacheflow/internal/errors"
	"github.com/citypages/cacheflow/internal/invalidate"
	"github.com/citypages/cacheflow/internal/logging"
	"github.com/citypages/cacheflow/internal/pagecache"
)

type fakeInvalidator struct {
	mu     sync.Mutex
	reqs   []invalidate.Request
	result invalidate.Result
}

func (f *fakeInvalidator) Invalidate(_ context.Context, req invalidate.Request) (invalidate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.result, nil
}

func (f *fakeInvalidator) requests() []invalidate.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invalidate.Request(nil), f.reqs...)
}

type fakeMutator struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, m Mutation) (any, error)
}

func (f *fakeMutator) Mutate(ctx context.Context, m Mutation) (any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, m)
	}
	return m.Data, nil
}

func (f *fakeMutator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingRefetcher struct {
	mu   sync.Mutex
	keys []string
}

func (c *countingRefetcher) Refetch(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	return nil
}

func (c *countingRefetcher) refetched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

type fixture struct {
	cache       *pagecache.Store
	invalidator *fakeInvalidator
	refetcher   *countingRefetcher
	mutator     *fakeMutator
	coordinator *Coordinator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		cache:       pagecache.NewStore("events", logging.NopLogger()),
		invalidator: &fakeInvalidator{},
		refetcher:   &countingRefetcher{},
		mutator:     &fakeMutator{},
	}
	f.coordinator = NewCoordinator(f.cache, f.invalidator, f.refetcher, f.mutator, nil, logging.NopLogger(), opts...)
	return f
}

func TestHandleMutation_UpdateRollbackRestoresExactly(t *testing.T) {
	f := newFixture(t)

	original := map[string]any{"id": "7", "name": "Concert", "capacity": 1200}
	key := EntityKey("events", "7")
	if err := f.cache.Put(key, pagecache.Entry{Payload: original}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	before, _ := f.cache.Get(key)

	boom := stderrors.New("server rejected")
	f.mutator.fn = func(context.Context, Mutation) (any, error) { return nil, boom }

	res, err := f.coordinator.HandleMutation(context.Background(), Mutation{
		Type:       MutationUpdate,
		EntityType: "events",
		EntityID:   "7",
		Data:       map[string]any{"id": "7", "name": "Concert", "capacity": 900},
	})
	if err == nil {
		t.Fatal("expected mutation error")
	}
	if !stderrors.Is(err, boom) {
		t.Errorf("err = %v, want wrap of mutator failure", err)
	}
	if !res.RolledBack {
		t.Error("result does not report the rollback")
	}

	after, ok := f.cache.Get(key)
	if !ok {
		t.Fatal("entry missing after rollback")
	}
	if !reflect.DeepEqual(after.Payload, original) {
		t.Errorf("payload after rollback = %v, want exact original %v", after.Payload, original)
	}
	if !after.FetchedAt.Equal(before.FetchedAt) {
		t.Error("rollback changed FetchedAt; snapshot must be restored verbatim")
	}

	// Failed optimistic update forces a hard refetch of the key.
	keys := f.refetcher.refetched()
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("refetched = %v, want exactly [%s]", keys, key)
	}
}

func TestHandleMutation_UpdateCommitsResolvedValue(t *testing.T) {
	f := newFixture(t)

	key := EntityKey("events", "7")
	if err := f.cache.Put(key, pagecache.Entry{Payload: map[string]any{"name": "Concert"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resolved := map[string]any{"name": "Concert (moved)", "version": 2}
	f.mutator.fn = func(context.Context, Mutation) (any, error) { return resolved, nil }

	res, err := f.coordinator.HandleMutation(context.Background(), Mutation{
		Type:       MutationUpdate,
		EntityType: "events",
		EntityID:   "7",
		Data:       map[string]any{"name": "Concert (moved)"},
	})
	if err != nil {
		t.Fatalf("HandleMutation: %v", err)
	}
	if !reflect.DeepEqual(res.Value, resolved) {
		t.Errorf("Value = %v, want resolved %v", res.Value, resolved)
	}

	after, _ := f.cache.Get(key)
	if !reflect.DeepEqual(after.Payload, resolved) {
		t.Errorf("cache holds %v, want the server's resolved value", after.Payload)
	}

	reqs := f.invalidator.requests()
	if len(reqs) != 1 {
		t.Fatalf("invalidations = %d, want 1", len(reqs))
	}
	if reqs[0].Strategy != invalidate.StrategyOptimistic || reqs[0].Scope != invalidate.ScopeDependent {
		t.Errorf("got %s/%s, want optimistic/dependent", reqs[0].Strategy, reqs[0].Scope)
	}
}

func TestHandleMutation_CreateInvalidatesListViews(t *testing.T) {
	f := newFixture(t)

	if _, err := f.coordinator.HandleMutation(context.Background(), Mutation{
		Type:       MutationCreate,
		EntityType: "events",
		Data:       map[string]any{"name": "New Show"},
	}); err != nil {
		t.Fatalf("HandleMutation: %v", err)
	}

	reqs := f.invalidator.requests()
	if len(reqs) != 1 {
		t.Fatalf("invalidations = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Strategy != invalidate.StrategyBackground {
		t.Errorf("strategy = %s, want background", req.Strategy)
	}
	if len(req.Targets) != 1 || req.Targets[0] != "events:page:*" {
		t.Errorf("targets = %v, want the domain's list pattern", req.Targets)
	}
}

func TestHandleMutation_DeleteRemovesBeforeMutation(t *testing.T) {
	f := newFixture(t)

	key := EntityKey("events", "7")
	if err := f.cache.Put(key, pagecache.Entry{Payload: "doomed"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// The entry must already be gone while the mutation is in flight.
	var visibleDuringMutation bool
	f.mutator.fn = func(context.Context, Mutation) (any, error) {
		_, visibleDuringMutation = f.cache.Get(key)
		return nil, nil
	}

	if _, err := f.coordinator.HandleMutation(context.Background(), Mutation{
		Type:       MutationDelete,
		EntityType: "events",
		EntityID:   "7",
	}); err != nil {
		t.Fatalf("HandleMutation: %v", err)
	}

	if visibleDuringMutation {
		t.Error("deleted entry was visible during the mutation")
	}
	if _, ok := f.cache.Get(key); ok {
		t.Error("entry still present after delete")
	}

	reqs := f.invalidator.requests()
	if len(reqs) != 1 || reqs[0].Strategy != invalidate.StrategyImmediate {
		t.Errorf("invalidations = %+v, want one immediate", reqs)
	}
}

func TestHandleMutation_DeleteRollbackRestoresEntry(t *testing.T) {
	f := newFixture(t)

	key := EntityKey("events", "7")
	if err := f.cache.Put(key, pagecache.Entry{Payload: "kept after all"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	boom := stderrors.New("forbidden")
	f.mutator.fn = func(context.Context, Mutation) (any, error) { return nil, boom }

	res, err := f.coordinator.HandleMutation(context.Background(), Mutation{
		Type:       MutationDelete,
		EntityType: "events",
		EntityID:   "7",
	})
	if !stderrors.Is(err, boom) {
		t.Fatalf("err = %v, want wrap of mutator failure", err)
	}
	if !res.RolledBack {
		t.Error("result does not report the rollback")
	}

	after, ok := f.cache.Get(key)
	if !ok || after.Payload != "kept after all" {
		t.Errorf("entry after rollback = %+v, want the original restored", after)
	}
	if len(f.invalidator.requests()) != 0 {
		t.Error("failed delete must not invalidate")
	}
}

func TestHandleMutation_BulkUpdateUsesBatch(t *testing.T) {
	f := newFixture(t)

	if _, err := f.coordinator.HandleMutation(context.Background(), Mutation{
		Type:       MutationBulkUpdate,
		EntityType: "events",
	}); err != nil {
		t.Fatalf("HandleMutation: %v", err)
	}

	reqs := f.invalidator.requests()
	if len(reqs) != 1 {
		t.Fatalf("invalidations = %d, want 1", len(reqs))
	}
	if reqs[0].Strategy != invalidate.StrategyBatch || reqs[0].Scope != invalidate.ScopeDomain {
		t.Errorf("got %s/%s, want batch/domain", reqs[0].Strategy, reqs[0].Scope)
	}
}

func TestHandleMutation_RelationshipUsesDependentScope(t *testing.T) {
	f := newFixture(t)

	if _, err := f.coordinator.HandleMutation(context.Background(), Mutation{
		Type:       MutationRelationship,
		EntityType: "events",
		EntityID:   "7",
	}); err != nil {
		t.Fatalf("HandleMutation: %v", err)
	}

	reqs := f.invalidator.requests()
	if len(reqs) != 1 {
		t.Fatalf("invalidations = %d, want 1", len(reqs))
	}
	if reqs[0].Scope != invalidate.ScopeDependent || reqs[0].Domain != "events" {
		t.Errorf("got scope=%s domain=%s, want dependent/events", reqs[0].Scope, reqs[0].Domain)
	}
}

func TestHandleMutation_DeduplicatesConcurrentCalls(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	f.mutator.fn = func(context.Context, Mutation) (any, error) {
		<-release
		return "done", nil
	}

	m := Mutation{Type: MutationCreate, EntityType: "events", EntityID: "7"}

	type outcome struct {
		res OperationResult
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := f.coordinator.HandleMutation(context.Background(), m)
			results <- outcome{res, err}
		}()
	}

	// Let both callers reach the singleflight barrier, then release.
	time.Sleep(20 * time.Millisecond)
	close(release)

	shared := 0
	for i := 0; i < 2; i++ {
		select {
		case o := <-results:
			if o.err != nil {
				t.Fatalf("HandleMutation: %v", o.err)
			}
			if o.res.Shared {
				shared++
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deduplicated calls")
		}
	}

	if n := f.mutator.callCount(); n != 1 {
		t.Errorf("mutator calls = %d, want 1", n)
	}
	if shared != 2 {
		t.Errorf("shared results = %d, want both callers to observe sharing", shared)
	}
}

func TestHandleMutation_UnknownTypeRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.coordinator.HandleMutation(context.Background(), Mutation{
		Type:       "upsert",
		EntityType: "events",
	})
	if !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}

	if _, err := f.coordinator.HandleMutation(context.Background(), Mutation{}); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty mutation err = %v, want ErrInvalidInput", err)
	}
}

func TestHandleMutation_PolicyOverride(t *testing.T) {
	f := newFixture(t, WithPolicy(MutationCreate, Policy{Strategy: invalidate.StrategyImmediate}))

	if _, err := f.coordinator.HandleMutation(context.Background(), Mutation{
		Type:       MutationCreate,
		EntityType: "events",
	}); err != nil {
		t.Fatalf("HandleMutation: %v", err)
	}

	reqs := f.invalidator.requests()
	if len(reqs) != 1 || reqs[0].Strategy != invalidate.StrategyImmediate {
		t.Errorf("invalidations = %+v, want one immediate (overridden)", reqs)
	}
}

func TestOptimisticUpdate_NoEntryIsNoOpRollback(t *testing.T) {
	f := newFixture(t)

	boom := stderrors.New("nope")
	_, rolledBack, err := f.coordinator.OptimisticUpdate(context.Background(), "events:detail:404",
		func(v any) any { return v },
		func(context.Context) (any, error) { return nil, boom },
	)
	if !stderrors.Is(err, boom) {
		t.Fatalf("err = %v, want the mutation error", err)
	}
	if rolledBack {
		t.Error("rollback reported with no snapshot to restore")
	}
	if len(f.refetcher.refetched()) != 0 {
		t.Error("no refetch expected when nothing was patched")
	}
	if _, ok := f.cache.Get("events:detail:404"); ok {
		t.Error("no entry should have been created")
	}
}

func TestMetrics_ExcludesCancellations(t *testing.T) {
	f := newFixture(t)

	f.mutator.fn = func(context.Context, Mutation) (any, error) { return "ok", nil }
	if _, err := f.coordinator.HandleMutation(context.Background(), Mutation{
		Type: MutationCreate, EntityType: "events", EntityID: "1",
	}); err != nil {
		t.Fatalf("HandleMutation: %v", err)
	}

	f.mutator.fn = func(ctx context.Context, _ Mutation) (any, error) { return nil, context.Canceled }
	if _, err := f.coordinator.HandleMutation(context.Background(), Mutation{
		Type: MutationCreate, EntityType: "events", EntityID: "2",
	}); err == nil {
		t.Fatal("expected cancellation to propagate")
	}

	m := f.coordinator.Metrics()
	if m.Settled != 1 {
		t.Errorf("Settled = %d, want 1 (cancellation excluded)", m.Settled)
	}
	if m.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", m.SuccessRate)
	}
}
