// Package netmon observes connectivity and bandwidth and exposes a
// point-in-time snapshot plus change notifications.
//
// The monitor has no error cases: absence of a host probe degrades to
// Speed "unknown", never a failure. Probing is reference-counted - it
// starts when the first subscriber arrives and stops when the last one
// leaves, so a monitor with no subscribers costs nothing.
package netmon

import (
	"sync"
	"time"

	"github.com/citypages/cacheflow/internal/event"
	"github.com/citypages/cacheflow/internal/logging"
)

// Speed classifies the observed connection quality.
type Speed string

const (
	// SpeedFast indicates a connection good enough for aggressive prefetch.
	SpeedFast Speed = "fast"

	// SpeedSlow indicates a constrained connection; prefetch delays grow
	// and the effective concurrency budget shrinks.
	SpeedSlow Speed = "slow"

	// SpeedUnknown indicates the host exposes no bandwidth primitives.
	SpeedUnknown Speed = "unknown"
)

// Status is an immutable snapshot of network conditions. Snapshots are
// replaced wholesale on each observation, never mutated.
type Status struct {
	Online      bool
	Speed       Speed
	DataSaver   bool
	LastChecked time.Time
}

// Equal reports field-wise equality on the fields that matter for
// change notification. LastChecked is deliberately excluded: a re-probe
// that observes the same conditions is not a change.
func (s Status) Equal(o Status) bool {
	return s.Online == o.Online && s.Speed == o.Speed && s.DataSaver == o.DataSaver
}

// Prober abstracts the host environment's connectivity/bandwidth
// primitives. Implementations must be safe for concurrent use.
type Prober interface {
	Probe() Status
}

// Observer receives status snapshots when conditions change.
type Observer func(Status)

// Monitor watches network conditions. Construct one per engine
// instance; it is an injectable service, not a process-wide global.
type Monitor struct {
	mu      sync.Mutex
	prober  Prober
	bus     *event.Bus
	logger  *logging.Logger
	current Status

	interval time.Duration
	subs     map[int]Observer
	nextSub  int
	stopCh   chan struct{}
}

// NewMonitor creates a Monitor. If prober is nil the monitor reports
// online with Speed unknown and never changes on its own; SetOnline
// remains available for host-delivered connectivity signals.
func NewMonitor(prober Prober, probeInterval time.Duration, bus *event.Bus, logger *logging.Logger) *Monitor {
	m := &Monitor{
		prober:   prober,
		bus:      bus,
		logger:   logger.WithComponent("netmon"),
		interval: probeInterval,
		subs:     make(map[int]Observer),
	}

	if prober != nil {
		m.current = prober.Probe()
	} else {
		m.current = Status{Online: true, Speed: SpeedUnknown}
	}
	m.current.LastChecked = time.Now()

	return m
}

// Snapshot returns the current status.
func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe registers an observer and returns an unsubscribe function.
// The first subscriber starts the probe loop; unsubscribing the last
// one stops it. The unsubscribe function is idempotent.
func (m *Monitor) Subscribe(observer Observer) (unsubscribe func()) {
	m.mu.Lock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = observer

	if len(m.subs) == 1 && m.prober != nil {
		m.stopCh = make(chan struct{})
		go m.probeLoop(m.stopCh)
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			if len(m.subs) == 0 && m.stopCh != nil {
				close(m.stopCh)
				m.stopCh = nil
			}
			m.mu.Unlock()
		})
	}
}

// Refresh probes immediately, outside the regular cadence.
// No-op when no prober is configured.
func (m *Monitor) Refresh() {
	if m.prober == nil {
		return
	}
	m.observe(m.prober.Probe())
}

// SetOnline records a host-delivered connectivity transition. The rest
// of the snapshot is preserved; speed observations stay whatever the
// prober last reported.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	next := m.current
	m.mu.Unlock()

	next.Online = online
	m.observe(next)
}

func (m *Monitor) probeLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.observe(m.prober.Probe())
		}
	}
}

// observe installs a new snapshot and, if conditions changed, notifies
// subscribers and publishes a NetworkChangedEvent.
func (m *Monitor) observe(next Status) {
	next.LastChecked = time.Now()

	m.mu.Lock()
	changed := !m.current.Equal(next)
	m.current = next

	var observers []Observer
	if changed {
		observers = make([]Observer, 0, len(m.subs))
		for _, o := range m.subs {
			observers = append(observers, o)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Debug("network status changed",
		"online", next.Online, "speed", string(next.Speed), "data_saver", next.DataSaver)

	for _, o := range observers {
		o(next)
	}
	if m.bus != nil {
		m.bus.Publish(event.NewNetworkChangedEvent(next.Online, string(next.Speed), next.DataSaver))
	}
}
