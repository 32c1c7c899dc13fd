// Package event provides a pub-sub event bus for decoupled
// inter-component communication in cacheflow.
//
// The engine's services (prefetch queue, revalidation scheduler,
// network monitor, invalidation service) communicate through events
// rather than direct method calls, and the host application delivers
// environment signals the same way. Components publish without knowing
// who will receive, and subscribe without knowing who will produce.
//
// # Main Types
//
//   - [Event]: Interface all events implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub dispatcher, safe for concurrent use
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Environment signals (published by the host application):
//   - [FocusGainedEvent], [FocusLostEvent]: window focus transitions
//   - [VisibilityChangedEvent]: window hidden / visible again
//   - [ConnectivityChangedEvent]: host went offline or came back online
//   - [UserInteractionEvent]: a qualifying user action occurred
//
// Engine lifecycle events (published by engine services):
//   - [QueueDepthChangedEvent]: prefetch queue counters changed
//   - [StateChangedEvent]: scheduler app state transitioned
//   - [NetworkChangedEvent]: network status snapshot changed
//   - [InvalidationCompletedEvent]: an invalidation request settled
//   - [EntryCommittedEvent]: a fetched payload was committed to the cache
//   - [MutationSettledEvent]: the strategy coordinator settled a mutation
//   - [ConfigReloadedEvent]: the configuration file was reloaded
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Handlers are called
// synchronously and protected against panics - a panicking handler
// will not prevent other handlers from being called.
//
// # Basic Usage
//
//	bus := event.NewBus()
//
//	bus.Subscribe(event.TypeQueueDepthChanged, func(e event.Event) {
//	    depth := e.(event.QueueDepthChangedEvent)
//	    log.Printf("queue depth: %d queued, %d active", depth.Queued, depth.Active)
//	})
//
//	bus.Publish(event.NewFocusGainedEvent())
//
//	id := bus.Subscribe(event.TypeStateChanged, handler)
//	bus.Unsubscribe(id)
package event
