package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/citypages/cacheflow/internal/config"
	"github.com/citypages/cacheflow/internal/errors"
	"github.com/citypages/cacheflow/internal/event"
	"github.com/citypages/cacheflow/internal/logging"
	"github.com/citypages/cacheflow/internal/netmon"
)

// Queue holds pending speculative-fetch commands and executes them
// under a concurrency budget. Dispatch is timer-driven: a ticker drains
// the queue while active executions are below budget, in priority order
// (high before normal before low, FIFO within a tier).
//
// The queue never holds two non-cancelled commands for the same slot,
// and a failure never stops the dispatch loop. All methods are safe for
// concurrent use.
type Queue struct {
	mu      sync.Mutex
	cfg     config.PrefetchConfig
	monitor *netmon.Monitor
	bus     *event.Bus
	logger  *logging.Logger

	pending map[Priority][]*Command
	bySlot  map[string]*Command // live commands, pending or active

	active    int
	completed int
	failed    int
	cancelled int

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewQueue creates a stopped Queue. The monitor may be nil, in which
// case strategy delays use their base values and the budget is never
// reduced for slow connections.
func NewQueue(cfg config.PrefetchConfig, monitor *netmon.Monitor, bus *event.Bus, logger *logging.Logger) *Queue {
	return &Queue{
		cfg:     cfg,
		monitor: monitor,
		bus:     bus,
		logger:  logger.WithComponent("prefetch"),
		pending: make(map[Priority][]*Command),
		bySlot:  make(map[string]*Command),
	}
}

// Enqueue adds a command. It returns false with no side effect when a
// non-cancelled command already exists for the same slot (duplicate
// prevention). Commands may be enqueued while the queue is stopped;
// they dispatch once Start is called.
func (q *Queue) Enqueue(cmd *Command) bool {
	if cmd == nil || cmd.Execute == nil {
		return false
	}

	q.mu.Lock()
	if existing, ok := q.bySlot[cmd.Slot]; ok && !existing.cancelled() {
		q.mu.Unlock()
		q.logger.Debug("duplicate slot rejected", "slot", cmd.Slot, "id", cmd.ID)
		return false
	}

	q.pending[cmd.Priority] = append(q.pending[cmd.Priority], cmd)
	q.bySlot[cmd.Slot] = cmd
	q.mu.Unlock()

	q.publishDepth()
	return true
}

// HasSlot reports whether a live (non-cancelled) command exists for the
// slot, queued or executing. The paginated store consults this before
// scheduling adjacent-page prefetches.
func (q *Queue) HasSlot(slot string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd, ok := q.bySlot[slot]
	return ok && !cmd.cancelled()
}

// Start launches the dispatch loop. Calling Start on a running queue is
// a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	stopCh := q.stopCh
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatchLoop(stopCh)
	q.logger.Info("prefetch queue started", "budget", q.cfg.ConcurrencyBudget)
}

// Stop halts dispatching and waits for in-flight executions to settle.
// Queued commands remain queued; their tokens decide whether they are
// still worth running on the next Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("prefetch queue stopped")
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	queued := 0
	for _, tier := range q.pending {
		queued += len(tier)
	}
	return Stats{
		Queued:    queued,
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
		Cancelled: q.cancelled,
	}
}

// SetBudget replaces the concurrency budget at runtime. Used by config
// hot reload; takes effect on the next dispatch pass.
func (q *Queue) SetBudget(budget int) {
	if budget < 1 {
		return
	}
	q.mu.Lock()
	q.cfg.ConcurrencyBudget = budget
	q.mu.Unlock()
}

func (q *Queue) dispatchLoop(stopCh chan struct{}) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.DispatchInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			q.dispatch(stopCh)
		}
	}
}

// dispatch drains the queue while the active count is under the
// effective budget. Cancelled commands are discarded without executing.
func (q *Queue) dispatch(stopCh chan struct{}) {
	var snap netmon.Status
	if q.monitor != nil {
		snap = q.monitor.Snapshot()
		// No speculative network activity while offline.
		if !snap.Online {
			return
		}
	} else {
		snap = netmon.Status{Online: true, Speed: netmon.SpeedUnknown}
	}

	budget := q.effectiveBudget(snap.Speed)

	for {
		q.mu.Lock()
		if q.active >= budget {
			q.mu.Unlock()
			return
		}

		cmd, ok := q.popLocked()
		if !ok {
			q.mu.Unlock()
			return
		}

		if cmd.cancelled() {
			delete(q.bySlot, cmd.Slot)
			q.cancelled++
			q.mu.Unlock()
			q.publishDepth()
			continue
		}

		if cmd.CanExecute != nil && !cmd.CanExecute() {
			// Not ready; requeue at the back of its tier and stop this
			// pass rather than spinning on the same command.
			q.pending[cmd.Priority] = append(q.pending[cmd.Priority], cmd)
			q.mu.Unlock()
			return
		}

		q.active++
		q.mu.Unlock()
		q.publishDepth()

		delay := q.strategyDelay(cmd.Strategy, snap.Speed)
		q.wg.Add(1)
		go q.run(cmd, delay, stopCh)
	}
}

// popLocked removes and returns the next command in priority/FIFO
// order. Caller must hold the lock.
func (q *Queue) popLocked() (*Command, bool) {
	for _, tier := range priorityTiers {
		if len(q.pending[tier]) > 0 {
			cmd := q.pending[tier][0]
			q.pending[tier] = q.pending[tier][1:]
			return cmd, true
		}
	}
	return nil, false
}

// effectiveBudget halves the configured budget on slow connections,
// keeping at least one execution possible.
func (q *Queue) effectiveBudget(speed netmon.Speed) int {
	q.mu.Lock()
	budget := q.cfg.ConcurrencyBudget
	q.mu.Unlock()

	if speed == netmon.SpeedSlow {
		budget /= 2
		if budget < 1 {
			budget = 1
		}
	}
	return budget
}

// strategyDelay computes the pre-execution delay for a command.
// Slower connections stretch delays by the configured multiplier.
func (q *Queue) strategyDelay(strategy Strategy, speed netmon.Speed) time.Duration {
	base := q.cfg.DelayedBase()
	slow := func(d time.Duration) time.Duration {
		if speed == netmon.SpeedSlow {
			return time.Duration(float64(d) * q.cfg.SlowDelayMultiplier)
		}
		return d
	}

	switch strategy {
	case StrategyDelayed:
		return slow(base)
	case StrategyNetworkAware:
		if speed == netmon.SpeedFast {
			return 0
		}
		return slow(base)
	default: // StrategyImmediate
		return 0
	}
}

// run waits out the command's delay, re-checks its token, and executes.
// Completion, failure, and cancellation are mutually exclusive terminal
// states; exactly one counter is incremented per command.
func (q *Queue) run(cmd *Command, delay time.Duration, stopCh chan struct{}) {
	defer q.wg.Done()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		var done <-chan struct{}
		if cmd.Token != nil {
			done = cmd.Token.Done()
		}
		select {
		case <-timer.C:
		case <-done:
			q.finish(cmd, outcomeCancelled)
			return
		case <-stopCh:
			// Queue is stopping; treat as cancelled so the slot frees up.
			q.finish(cmd, outcomeCancelled)
			return
		}
	}

	if cmd.cancelled() {
		q.finish(cmd, outcomeCancelled)
		return
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	if cmd.Token != nil {
		go func() {
			select {
			case <-cmd.Token.Done():
				cancelCtx()
			case <-ctx.Done():
			}
		}()
	}

	err := cmd.Execute(ctx)

	switch {
	case cmd.cancelled(), errors.IsCancellation(err):
		// The command must not have committed its result; the token
		// check inside Execute is what enforces that. A cancellation
		// error with a live token means the commit lost to a newer
		// write, which is supersession, not failure.
		q.finish(cmd, outcomeCancelled)
	case err != nil:
		q.logger.Warn("prefetch command failed", "slot", cmd.Slot, "id", cmd.ID, "error", err)
		q.finish(cmd, outcomeFailed)
	default:
		q.finish(cmd, outcomeCompleted)
	}
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeCancelled
)

func (q *Queue) finish(cmd *Command, result outcome) {
	q.mu.Lock()
	q.active--
	if cur, ok := q.bySlot[cmd.Slot]; ok && cur == cmd {
		delete(q.bySlot, cmd.Slot)
	}
	switch result {
	case outcomeCompleted:
		q.completed++
	case outcomeFailed:
		q.failed++
	case outcomeCancelled:
		q.cancelled++
	}
	q.mu.Unlock()

	q.publishDepth()
}

// publishDepth emits a QueueDepthChangedEvent with current counters.
func (q *Queue) publishDepth() {
	if q.bus == nil {
		return
	}
	q.mu.Lock()
	stats := q.statsLocked()
	q.mu.Unlock()

	q.bus.Publish(event.NewQueueDepthChangedEvent(
		stats.Queued, stats.Active, stats.Completed, stats.Failed, stats.Cancelled))
}
