package coordinator

import (
	"sync"
	"time"
)

const defaultMetricsWindow = 64

// MetricsSnapshot is a point-in-time view of the rolling mutation
// metrics. Cancellations are not counted: an aborted mutation is
// neither a success nor a failure.
type MetricsSnapshot struct {
	Settled     int
	SuccessRate float64
	AvgDuration time.Duration
}

type sample struct {
	ok       bool
	duration time.Duration
}

// metrics keeps the last n settled mutations in a ring.
type metrics struct {
	mu      sync.Mutex
	samples []sample
	next    int
	filled  int
}

func newMetrics(n int) *metrics {
	if n <= 0 {
		n = defaultMetricsWindow
	}
	return &metrics{samples: make([]sample, n)}
}

func (m *metrics) record(ok bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[m.next] = sample{ok: ok, duration: duration}
	m.next = (m.next + 1) % len(m.samples)
	if m.filled < len(m.samples) {
		m.filled++
	}
}

func (m *metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filled == 0 {
		return MetricsSnapshot{}
	}

	ok := 0
	var total time.Duration
	for i := 0; i < m.filled; i++ {
		s := m.samples[i]
		if s.ok {
			ok++
		}
		total += s.duration
	}

	return MetricsSnapshot{
		Settled:     m.filled,
		SuccessRate: float64(ok) / float64(m.filled),
		AvgDuration: total / time.Duration(m.filled),
	}
}
