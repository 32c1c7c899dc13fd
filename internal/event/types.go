// Package event defines event types for decoupling components in cacheflow.
// Environment signals flow in from the host application, and engine
// services publish their own lifecycle events on the same bus.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "env.focus", "queue.depth_changed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Environment Signals
// -----------------------------------------------------------------------------

// Environment signal event type identifiers. The host application
// publishes these; the revalidation scheduler and network monitor
// subscribe to them.
const (
	TypeFocusGained        = "env.focus"
	TypeFocusLost          = "env.blur"
	TypeVisibilityChanged  = "env.visibility"
	TypeConnectivityChange = "env.connectivity"
	TypeUserInteraction    = "env.interaction"
)

// FocusGainedEvent is emitted when the host window gains focus.
type FocusGainedEvent struct {
	baseEvent
}

// NewFocusGainedEvent creates a FocusGainedEvent.
func NewFocusGainedEvent() FocusGainedEvent {
	return FocusGainedEvent{baseEvent: newBaseEvent(TypeFocusGained)}
}

// FocusLostEvent is emitted when the host window loses focus while
// remaining visible.
type FocusLostEvent struct {
	baseEvent
}

// NewFocusLostEvent creates a FocusLostEvent.
func NewFocusLostEvent() FocusLostEvent {
	return FocusLostEvent{baseEvent: newBaseEvent(TypeFocusLost)}
}

// VisibilityChangedEvent is emitted when the host window is hidden or
// becomes visible again.
type VisibilityChangedEvent struct {
	baseEvent
	Visible bool
}

// NewVisibilityChangedEvent creates a VisibilityChangedEvent.
func NewVisibilityChangedEvent(visible bool) VisibilityChangedEvent {
	return VisibilityChangedEvent{
		baseEvent: newBaseEvent(TypeVisibilityChanged),
		Visible:   visible,
	}
}

// ConnectivityChangedEvent is emitted when the host reports a
// connectivity transition.
type ConnectivityChangedEvent struct {
	baseEvent
	Online bool
}

// NewConnectivityChangedEvent creates a ConnectivityChangedEvent.
func NewConnectivityChangedEvent(online bool) ConnectivityChangedEvent {
	return ConnectivityChangedEvent{
		baseEvent: newBaseEvent(TypeConnectivityChange),
		Online:    online,
	}
}

// UserInteractionEvent is emitted on any qualifying user action.
// The scheduler's idle detector uses these to track activity.
type UserInteractionEvent struct {
	baseEvent
}

// NewUserInteractionEvent creates a UserInteractionEvent.
func NewUserInteractionEvent() UserInteractionEvent {
	return UserInteractionEvent{baseEvent: newBaseEvent(TypeUserInteraction)}
}

// -----------------------------------------------------------------------------
// Engine Lifecycle Events
// -----------------------------------------------------------------------------

// Engine event type identifiers.
const (
	TypeQueueDepthChanged     = "queue.depth_changed"
	TypeStateChanged          = "scheduler.state_changed"
	TypeNetworkChanged        = "network.changed"
	TypeInvalidationCompleted = "invalidation.completed"
	TypeEntryCommitted        = "cache.entry_committed"
	TypeMutationSettled       = "mutation.settled"
	TypeConfigReloaded        = "config.reloaded"
)

// QueueDepthChangedEvent is emitted whenever the prefetch queue's
// counters change.
type QueueDepthChangedEvent struct {
	baseEvent
	Queued    int
	Active    int
	Completed int
	Failed    int
	Cancelled int
}

// NewQueueDepthChangedEvent creates a QueueDepthChangedEvent.
func NewQueueDepthChangedEvent(queued, active, completed, failed, cancelled int) QueueDepthChangedEvent {
	return QueueDepthChangedEvent{
		baseEvent: newBaseEvent(TypeQueueDepthChanged),
		Queued:    queued,
		Active:    active,
		Completed: completed,
		Failed:    failed,
		Cancelled: cancelled,
	}
}

// StateChangedEvent is emitted when the revalidation scheduler
// transitions between app states.
type StateChangedEvent struct {
	baseEvent
	From    string // previous app state
	To      string // new app state
	Trigger string // the signal that caused the transition
}

// NewStateChangedEvent creates a StateChangedEvent.
func NewStateChangedEvent(from, to, trigger string) StateChangedEvent {
	return StateChangedEvent{
		baseEvent: newBaseEvent(TypeStateChanged),
		From:      from,
		To:        to,
		Trigger:   trigger,
	}
}

// NetworkChangedEvent is emitted by the network monitor when a
// snapshot differs from its predecessor.
type NetworkChangedEvent struct {
	baseEvent
	Online    bool
	Speed     string
	DataSaver bool
}

// NewNetworkChangedEvent creates a NetworkChangedEvent.
func NewNetworkChangedEvent(online bool, speed string, dataSaver bool) NetworkChangedEvent {
	return NetworkChangedEvent{
		baseEvent: newBaseEvent(TypeNetworkChanged),
		Online:    online,
		Speed:     speed,
		DataSaver: dataSaver,
	}
}

// InvalidationCompletedEvent is emitted when an invalidation request
// finishes, including the deferred completion of background and batch
// strategies.
type InvalidationCompletedEvent struct {
	baseEvent
	Strategy    string
	Invalidated int
	Refetched   int
	Errors      int
	Duration    time.Duration
}

// NewInvalidationCompletedEvent creates an InvalidationCompletedEvent.
func NewInvalidationCompletedEvent(strategy string, invalidated, refetched, errs int, duration time.Duration) InvalidationCompletedEvent {
	return InvalidationCompletedEvent{
		baseEvent:   newBaseEvent(TypeInvalidationCompleted),
		Strategy:    strategy,
		Invalidated: invalidated,
		Refetched:   refetched,
		Errors:      errs,
		Duration:    duration,
	}
}

// EntryCommittedEvent is emitted when a fetched payload is committed
// to the cache store.
type EntryCommittedEvent struct {
	baseEvent
	Key  string
	Slot string
}

// NewEntryCommittedEvent creates an EntryCommittedEvent.
func NewEntryCommittedEvent(key, slot string) EntryCommittedEvent {
	return EntryCommittedEvent{
		baseEvent: newBaseEvent(TypeEntryCommitted),
		Key:       key,
		Slot:      slot,
	}
}

// MutationSettledEvent is emitted when the strategy coordinator
// finishes handling a mutation, successfully or not.
type MutationSettledEvent struct {
	baseEvent
	MutationType string
	EntityType   string
	EntityID     string
	Success      bool
	Duration     time.Duration
}

// NewMutationSettledEvent creates a MutationSettledEvent.
func NewMutationSettledEvent(mutationType, entityType, entityID string, success bool, duration time.Duration) MutationSettledEvent {
	return MutationSettledEvent{
		baseEvent:    newBaseEvent(TypeMutationSettled),
		MutationType: mutationType,
		EntityType:   entityType,
		EntityID:     entityID,
		Success:      success,
		Duration:     duration,
	}
}

// ConfigReloadedEvent is emitted by the config watcher after the
// configuration file changes on disk and re-reads cleanly.
type ConfigReloadedEvent struct {
	baseEvent
	Path string
}

// NewConfigReloadedEvent creates a ConfigReloadedEvent.
func NewConfigReloadedEvent(path string) ConfigReloadedEvent {
	return ConfigReloadedEvent{
		baseEvent: newBaseEvent(TypeConfigReloaded),
		Path:      path,
	}
}
