package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/citypages/cacheflow/internal/config"
	"github.com/citypages/cacheflow/internal/event"
	"github.com/citypages/cacheflow/internal/logging"
	"github.com/citypages/cacheflow/internal/netmon"
)

type revalCall struct {
	domain   string
	listOnly bool
}

type fakeRevalidator struct {
	mu      sync.Mutex
	domains []string
	err     error
	calls   []revalCall
	notify  chan revalCall
}

func newFakeRevalidator(domains ...string) *fakeRevalidator {
	return &fakeRevalidator{domains: domains, notify: make(chan revalCall, 64)}
}

func (f *fakeRevalidator) Domains() []string {
	return append([]string(nil), f.domains...)
}

func (f *fakeRevalidator) Revalidate(_ context.Context, domain string, listOnly bool) error {
	f.mu.Lock()
	call := revalCall{domain: domain, listOnly: listOnly}
	f.calls = append(f.calls, call)
	err := f.err
	f.mu.Unlock()

	select {
	case f.notify <- call:
	default:
	}
	return err
}

func (f *fakeRevalidator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRevalidator) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// quietConfig has intervals long enough that the timer never fires
// during a test; only signal-driven behavior is observable.
func quietConfig(strategy string) config.SchedulerConfig {
	return config.SchedulerConfig{
		ActiveIntervalMs:     3_600_000,
		IdleIntervalMs:       3_600_000,
		BackgroundIntervalMs: 3_600_000,
		IdleThresholdMs:      3_600_000,
		IdleCheckIntervalMs:  3_600_000,
		Strategy:             strategy,
		MaxRetries:           3,
	}
}

func awaitCall(t *testing.T, r *fakeRevalidator) revalCall {
	t.Helper()
	select {
	case c := <-r.notify:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a revalidation call")
		return revalCall{}
	}
}

func awaitState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func TestScheduler_TransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		signals []event.Event
		want    State
	}{
		{"initial", nil, StateActive},
		{"blur while visible", []event.Event{event.NewFocusLostEvent()}, StateIdle},
		{"hidden", []event.Event{event.NewVisibilityChangedEvent(false)}, StateBackground},
		{"focus recovers from idle", []event.Event{
			event.NewFocusLostEvent(),
			event.NewFocusGainedEvent(),
		}, StateActive},
		{"visible recovers from background", []event.Event{
			event.NewVisibilityChangedEvent(false),
			event.NewVisibilityChangedEvent(true),
		}, StateActive},
		{"offline from any state", []event.Event{
			event.NewVisibilityChangedEvent(false),
			event.NewConnectivityChangedEvent(false),
		}, StateOffline},
		{"interaction recovers from idle", []event.Event{
			event.NewFocusLostEvent(),
			event.NewUserInteractionEvent(),
		}, StateActive},
		{"blur does not wake background", []event.Event{
			event.NewVisibilityChangedEvent(false),
			event.NewFocusLostEvent(),
		}, StateBackground},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := event.NewBus()
			s := NewScheduler(quietConfig("balanced"), newFakeRevalidator("events"), nil, bus, logging.NopLogger())
			s.Start()
			defer s.Stop()

			for _, sig := range tt.signals {
				bus.Publish(sig)
			}
			if got := s.State(); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestScheduler_OfflineIsSticky(t *testing.T) {
	bus := event.NewBus()
	s := NewScheduler(quietConfig("balanced"), newFakeRevalidator("events"), nil, bus, logging.NopLogger())
	s.Start()
	defer s.Stop()

	bus.Publish(event.NewConnectivityChangedEvent(false))

	// Neither focus nor interaction may leave offline.
	bus.Publish(event.NewFocusGainedEvent())
	bus.Publish(event.NewUserInteractionEvent())
	bus.Publish(event.NewVisibilityChangedEvent(true))
	if got := s.State(); got != StateOffline {
		t.Fatalf("state = %s, want offline to be sticky", got)
	}

	bus.Publish(event.NewConnectivityChangedEvent(true))
	if got := s.State(); got != StateActive {
		t.Errorf("state after reconnect = %s, want active", got)
	}
}

// Going offline stops the revalidation timer; no fetch is issued until
// the machine returns to active.
func TestScheduler_OfflineSuppressesPasses(t *testing.T) {
	cfg := quietConfig("aggressive")
	cfg.ActiveIntervalMs = 20

	bus := event.NewBus()
	r := newFakeRevalidator("events")
	s := NewScheduler(cfg, r, nil, bus, logging.NopLogger())
	s.Start()
	defer s.Stop()

	// Let at least one timer pass land, proving the timer works.
	awaitCall(t, r)

	bus.Publish(event.NewConnectivityChangedEvent(false))

	// Drain anything already in flight, then watch for silence.
	time.Sleep(50 * time.Millisecond)
	for len(r.notify) > 0 {
		<-r.notify
	}

	select {
	case c := <-r.notify:
		t.Fatalf("revalidation %v while offline", c)
	case <-time.After(150 * time.Millisecond):
	}

	// Reconnect: the out-of-band pass plus the restarted timer both
	// produce calls again.
	bus.Publish(event.NewConnectivityChangedEvent(true))
	awaitCall(t, r)
}

func TestScheduler_FocusTriggersImmediatePass(t *testing.T) {
	bus := event.NewBus()
	r := newFakeRevalidator("events", "venues")
	s := NewScheduler(quietConfig("balanced"), r, nil, bus, logging.NopLogger())
	s.Start()
	defer s.Stop()

	bus.Publish(event.NewFocusLostEvent())
	bus.Publish(event.NewFocusGainedEvent())

	// Balanced strategy on a focus pass refreshes list-level entries
	// only.
	c := awaitCall(t, r)
	if !c.listOnly {
		t.Error("focus pass with balanced strategy should be list-only")
	}
}

func TestScheduler_InteractionDoesNotTriggerPass(t *testing.T) {
	bus := event.NewBus()
	r := newFakeRevalidator("events")
	s := NewScheduler(quietConfig("balanced"), r, nil, bus, logging.NopLogger())
	s.Start()
	defer s.Stop()

	bus.Publish(event.NewFocusLostEvent())
	bus.Publish(event.NewUserInteractionEvent())
	awaitState(t, s, StateActive)

	select {
	case c := <-r.notify:
		t.Fatalf("unexpected pass %v from interaction", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScheduler_ConservativeOnlyReconnection(t *testing.T) {
	bus := event.NewBus()
	r := newFakeRevalidator("events")
	s := NewScheduler(quietConfig("conservative"), r, nil, bus, logging.NopLogger())
	s.Start()
	defer s.Stop()

	bus.Publish(event.NewFocusLostEvent())
	bus.Publish(event.NewFocusGainedEvent())
	select {
	case c := <-r.notify:
		t.Fatalf("conservative strategy fired on focus: %v", c)
	case <-time.After(100 * time.Millisecond):
	}

	bus.Publish(event.NewConnectivityChangedEvent(false))
	bus.Publish(event.NewConnectivityChangedEvent(true))
	awaitCall(t, r)
}

type staticNetwork struct{ status netmon.Status }

func (n staticNetwork) Snapshot() netmon.Status { return n.status }

func TestScheduler_NetworkAwareScalesScope(t *testing.T) {
	tests := []struct {
		name         string
		status       netmon.Status
		wantPass     bool
		wantListOnly bool
	}{
		{"fast full scope", netmon.Status{Online: true, Speed: netmon.SpeedFast}, true, false},
		{"slow list only", netmon.Status{Online: true, Speed: netmon.SpeedSlow}, true, true},
		{"offline no pass", netmon.Status{Online: false}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := event.NewBus()
			r := newFakeRevalidator("events")
			s := NewScheduler(quietConfig("network-aware"), r, staticNetwork{tt.status}, bus, logging.NopLogger())
			s.Start()
			defer s.Stop()

			bus.Publish(event.NewFocusLostEvent())
			bus.Publish(event.NewFocusGainedEvent())

			if !tt.wantPass {
				select {
				case c := <-r.notify:
					t.Fatalf("unexpected pass %v", c)
				case <-time.After(100 * time.Millisecond):
				}
				return
			}

			c := awaitCall(t, r)
			if c.listOnly != tt.wantListOnly {
				t.Errorf("listOnly = %v, want %v", c.listOnly, tt.wantListOnly)
			}
		})
	}
}

func TestScheduler_IdleDetector(t *testing.T) {
	cfg := quietConfig("balanced")
	cfg.IdleThresholdMs = 30
	cfg.IdleCheckIntervalMs = 10

	bus := event.NewBus()
	s := NewScheduler(cfg, newFakeRevalidator("events"), nil, bus, logging.NopLogger())
	s.Start()
	defer s.Stop()

	awaitState(t, s, StateIdle)

	// Interaction resets the clock and wakes the machine.
	bus.Publish(event.NewUserInteractionEvent())
	awaitState(t, s, StateActive)
}

func TestScheduler_RetryBookkeeping(t *testing.T) {
	cfg := quietConfig("aggressive")
	cfg.ActiveIntervalMs = 15

	bus := event.NewBus()
	r := newFakeRevalidator("events")
	r.setErr(stderrors.New("fetch refused"))
	s := NewScheduler(cfg, r, nil, bus, logging.NopLogger())
	s.Start()
	defer s.Stop()

	awaitCall(t, r)

	// The failed domain is parked behind its backoff window: further
	// timer passes within the window skip it instead of hammering.
	time.Sleep(80 * time.Millisecond)
	if n := r.callCount(); n != 1 {
		t.Errorf("calls = %d, want 1 while parked behind backoff", n)
	}

	stats := s.RetryStats()
	info, ok := stats["events"]
	if !ok {
		t.Fatal("no retry bookkeeping for the failed domain")
	}
	if info.Count != 1 {
		t.Errorf("Count = %d, want 1", info.Count)
	}
	if info.LastAttempt.IsZero() || !info.NextAttempt.After(info.LastAttempt) {
		t.Errorf("bookkeeping not advancing: %+v", info)
	}

	// Reconnection clears the slate.
	bus.Publish(event.NewConnectivityChangedEvent(false))
	bus.Publish(event.NewConnectivityChangedEvent(true))
	if stats := s.RetryStats(); len(stats) != 0 {
		t.Errorf("retry stats after reconnect = %v, want empty", stats)
	}
}

func TestScheduler_PublishesStateChanges(t *testing.T) {
	bus := event.NewBus()
	changes := make(chan event.StateChangedEvent, 8)
	bus.Subscribe(event.TypeStateChanged, func(e event.Event) {
		if ev, ok := e.(event.StateChangedEvent); ok {
			changes <- ev
		}
	})

	s := NewScheduler(quietConfig("balanced"), newFakeRevalidator("events"), nil, bus, logging.NopLogger())
	s.Start()
	defer s.Stop()

	bus.Publish(event.NewFocusLostEvent())

	select {
	case ev := <-changes:
		if ev.From != string(StateActive) || ev.To != string(StateIdle) || ev.Trigger != string(TriggerBlur) {
			t.Errorf("got %+v, want active->idle via blur", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no StateChangedEvent published")
	}
}
