// Package scheduler drives background revalidation off a small app
// state machine. Environment signals (focus, visibility, connectivity,
// user interaction) move the machine between active, idle, background,
// and offline; each state carries its own revalidation interval, and
// offline stops the timer entirely.
//
// Revalidation is best-effort: a pass never surfaces errors to anyone,
// it logs them and keeps bounded retry bookkeeping per domain.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/citypages/cacheflow/internal/config"
	"github.com/citypages/cacheflow/internal/event"
	"github.com/citypages/cacheflow/internal/logging"
	"github.com/citypages/cacheflow/internal/netmon"
)

// State is the scheduler's app state.
type State string

const (
	StateActive     State = "active"
	StateIdle       State = "idle"
	StateBackground State = "background"
	StateOffline    State = "offline"
)

// Strategy selects which domains a revalidation pass refreshes.
type Strategy string

const (
	// StrategyAggressive refreshes every domain on every pass.
	StrategyAggressive Strategy = "aggressive"

	// StrategyBalanced refreshes only list-level entries on
	// focus/online/visible passes and everything on timer passes.
	StrategyBalanced Strategy = "balanced"

	// StrategyConservative only reacts to reconnection.
	StrategyConservative Strategy = "conservative"

	// StrategyUserDriven only fires while the user is active.
	StrategyUserDriven Strategy = "user-driven"

	// StrategyNetworkAware scales pass scope to connection speed.
	StrategyNetworkAware Strategy = "network-aware"
)

// Trigger names what caused a transition or a pass.
type Trigger string

const (
	TriggerFocus       Trigger = "focus"
	TriggerBlur        Trigger = "blur"
	TriggerVisible     Trigger = "visible"
	TriggerHidden      Trigger = "hidden"
	TriggerOnline      Trigger = "online"
	TriggerOffline     Trigger = "offline"
	TriggerInteraction Trigger = "interaction"
	TriggerIdle        Trigger = "idle"
	TriggerTimer       Trigger = "timer"
)

// Revalidator performs the actual refresh of one cache domain. The
// listOnly hint restricts the pass to list-level (paged) entries.
// Implementations must be non-blocking or fast; Revalidate is called
// inline from the scheduler's pass.
type Revalidator interface {
	Domains() []string
	Revalidate(ctx context.Context, domain string, listOnly bool) error
}

// NetworkStatus supplies the current network snapshot for the
// network-aware strategy. netmon.Monitor satisfies it.
type NetworkStatus interface {
	Snapshot() netmon.Status
}

// RetryInfo is the per-domain failure bookkeeping exposed for
// inspection.
type RetryInfo struct {
	Count       int
	LastAttempt time.Time
	NextAttempt time.Time
}

type retryState struct {
	info RetryInfo
	bo   *backoff.ExponentialBackOff
}

// Scheduler is the background revalidation state machine. Construct
// with NewScheduler, Start to begin observing the bus, Stop to halt.
type Scheduler struct {
	cfg         config.SchedulerConfig
	strategy    Strategy
	revalidator Revalidator
	network     NetworkStatus
	bus         *event.Bus
	logger      *logging.Logger

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	retries      map[string]*retryState
	running      bool

	subIDs    []string
	restartCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	now func() time.Time
}

// NewScheduler creates a Scheduler in the active state. network may be
// nil; the network-aware strategy then degrades to balanced behavior.
func NewScheduler(cfg config.SchedulerConfig, revalidator Revalidator, network NetworkStatus, bus *event.Bus, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		strategy:    Strategy(cfg.Strategy),
		revalidator: revalidator,
		network:     network,
		bus:         bus,
		logger:      logger.WithComponent("scheduler"),
		state:       StateActive,
		retries:     make(map[string]*retryState),
		restartCh:   make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Start subscribes to environment signals and starts the revalidation
// and idle-detection loops. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.lastActivity = s.now()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.bus != nil {
		s.subIDs = []string{
			s.bus.Subscribe(event.TypeFocusGained, s.onSignal),
			s.bus.Subscribe(event.TypeFocusLost, s.onSignal),
			s.bus.Subscribe(event.TypeVisibilityChanged, s.onSignal),
			s.bus.Subscribe(event.TypeConnectivityChange, s.onSignal),
			s.bus.Subscribe(event.TypeUserInteraction, s.onSignal),
		}
	}

	s.wg.Add(2)
	go s.revalLoop()
	go s.idleLoop()
}

// Stop unsubscribes and halts both loops, waiting for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	if s.bus != nil {
		for _, id := range s.subIDs {
			s.bus.Unsubscribe(id)
		}
		s.subIDs = nil
	}

	close(stopCh)
	s.wg.Wait()
}

// State returns the current app state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetryStats returns a copy of the per-domain failure bookkeeping.
func (s *Scheduler) RetryStats() map[string]RetryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]RetryInfo, len(s.retries))
	for domain, rs := range s.retries {
		out[domain] = rs.info
	}
	return out
}

// onSignal routes one environment event through the transition table.
func (s *Scheduler) onSignal(e event.Event) {
	switch ev := e.(type) {
	case event.FocusGainedEvent:
		s.recordActivity()
		s.transition(StateActive, TriggerFocus)

	case event.FocusLostEvent:
		s.mu.Lock()
		blurFromVisible := s.state == StateActive || s.state == StateIdle
		s.mu.Unlock()
		if blurFromVisible {
			s.transition(StateIdle, TriggerBlur)
		}

	case event.VisibilityChangedEvent:
		if ev.Visible {
			s.recordActivity()
			s.transition(StateActive, TriggerVisible)
		} else {
			s.transition(StateBackground, TriggerHidden)
		}

	case event.ConnectivityChangedEvent:
		if ev.Online {
			s.transition(StateActive, TriggerOnline)
		} else {
			s.transition(StateOffline, TriggerOffline)
		}

	case event.UserInteractionEvent:
		s.recordActivity()
		s.transition(StateActive, TriggerInteraction)
	}
}

func (s *Scheduler) recordActivity() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// transition moves the machine to next. Offline is sticky: only the
// online signal leaves it, since a focused-but-disconnected app must
// not start speculative fetches.
func (s *Scheduler) transition(next State, trigger Trigger) {
	s.mu.Lock()
	prev := s.state
	if prev == next || (prev == StateOffline && trigger != TriggerOnline) {
		s.mu.Unlock()
		return
	}
	s.state = next
	if trigger == TriggerOnline {
		// A reconnect gets a clean slate: parked domains become
		// eligible again.
		s.retries = make(map[string]*retryState)
	}
	s.mu.Unlock()

	s.logger.Debug("state transition", "from", string(prev), "to", string(next), "trigger", string(trigger))
	if s.bus != nil {
		s.bus.Publish(event.NewStateChangedEvent(string(prev), string(next), string(trigger)))
	}

	// Restart the interval timer with the new state's period.
	select {
	case s.restartCh <- struct{}{}:
	default:
	}

	// Entering active via focus/online/visibility gets one immediate
	// out-of-band pass on top of the restarted timer.
	if next == StateActive {
		switch trigger {
		case TriggerFocus, TriggerOnline, TriggerVisible:
			go s.pass(trigger)
		}
	}
}

func (s *Scheduler) intervalFor(state State) time.Duration {
	switch state {
	case StateActive:
		return s.cfg.ActiveInterval()
	case StateIdle:
		return s.cfg.IdleInterval()
	case StateBackground:
		return s.cfg.BackgroundInterval()
	default:
		// Offline: no timer at all.
		return 0
	}
}

func (s *Scheduler) revalLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		interval := s.intervalFor(s.state)
		stopCh := s.stopCh
		s.mu.Unlock()

		var tick <-chan time.Time
		var timer *time.Timer
		if interval > 0 {
			timer = time.NewTimer(interval)
			tick = timer.C
		}

		select {
		case <-stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.restartCh:
			if timer != nil {
				timer.Stop()
			}
		case <-tick:
			s.pass(TriggerTimer)
		}
	}
}

// idleLoop flips active to idle when no qualifying user action has
// happened within the threshold. It runs on its own fixed period,
// independent of the revalidation timer.
func (s *Scheduler) idleLoop() {
	defer s.wg.Done()

	interval := s.cfg.IdleCheckInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			shouldIdle := s.state == StateActive && s.now().Sub(s.lastActivity) >= s.cfg.IdleThreshold()
			s.mu.Unlock()
			if shouldIdle {
				s.transition(StateIdle, TriggerIdle)
			}
		}
	}
}

// pass runs one revalidation sweep. Failures are swallowed with a
// warning; revalidation never surfaces to a caller.
func (s *Scheduler) pass(trigger Trigger) {
	if s.revalidator == nil {
		return
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateOffline {
		return
	}

	domains, listOnly, ok := s.selectScope(state, trigger)
	if !ok {
		return
	}

	for _, domain := range domains {
		if !s.attemptAllowed(domain) {
			continue
		}
		if err := s.revalidator.Revalidate(context.Background(), domain, listOnly); err != nil {
			s.recordFailure(domain)
			s.logger.Warn("revalidation failed", "domain", domain, "trigger", string(trigger), "error", err)
			continue
		}
		s.clearFailure(domain)
	}
}

// selectScope applies the configured strategy to one pass.
func (s *Scheduler) selectScope(state State, trigger Trigger) (domains []string, listOnly, ok bool) {
	all := s.revalidator.Domains()
	entering := trigger == TriggerFocus || trigger == TriggerOnline || trigger == TriggerVisible

	switch s.strategy {
	case StrategyAggressive:
		return all, false, true

	case StrategyConservative:
		if trigger != TriggerOnline {
			return nil, false, false
		}
		return all, false, true

	case StrategyUserDriven:
		if state != StateActive {
			return nil, false, false
		}
		return all, false, true

	case StrategyNetworkAware:
		if s.network != nil {
			status := s.network.Snapshot()
			if !status.Online {
				return nil, false, false
			}
			if status.Speed == netmon.SpeedSlow {
				return all, true, true
			}
			return all, false, true
		}
		fallthrough

	default: // balanced
		return all, entering, true
	}
}

func (s *Scheduler) attemptAllowed(domain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.retries[domain]
	if !ok {
		return true
	}
	if s.cfg.MaxRetries > 0 && rs.info.Count >= s.cfg.MaxRetries {
		return false
	}
	return !s.now().Before(rs.info.NextAttempt)
}

func (s *Scheduler) recordFailure(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.retries[domain]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = 5 * time.Minute
		rs = &retryState{bo: bo}
		s.retries[domain] = rs
	}

	now := s.now()
	rs.info.Count++
	rs.info.LastAttempt = now
	rs.info.NextAttempt = now.Add(rs.bo.NextBackOff())
}

func (s *Scheduler) clearFailure(domain string) {
	s.mu.Lock()
	delete(s.retries, domain)
	s.mu.Unlock()
}
