// Package prefetch provides a priority queue for speculative fetches
// with a concurrency budget and cooperative cancellation.
//
// Commands represent future pages or entities the user is likely to
// need. The queue holds them until a timer-driven dispatch loop pulls
// them in priority order (high before normal before low, FIFO within a
// tier) while the number of concurrently executing commands stays under
// the configured budget. A command whose cancellation token is already
// cancelled at dequeue time is discarded without executing.
//
// The core invariant is at most one live command per slot: Enqueue
// rejects a command whose slot already has a non-cancelled occupant,
// returning false with no side effect. Supersession happens through the
// cancel registry, not the queue - cancelling the old command's token
// frees the slot for a new Enqueue.
//
// Each command carries a pre-execution Strategy. "immediate" runs as
// soon as it is dequeued, "delayed" waits a configured base delay, and
// "network-aware" adapts to the network monitor's current speed: fast
// connections skip the delay, slow connections stretch it and also
// halve the queue's effective budget. While offline, the queue
// dispatches nothing.
//
// Usage:
//
//	queue := prefetch.NewQueue(cfg, monitor, bus, logger)
//	queue.Start()
//	defer queue.Stop()
//
//	accepted := queue.Enqueue(&prefetch.Command{
//	    ID:       "req-42",
//	    Slot:     "page:3",
//	    Priority: prefetch.PriorityNormal,
//	    Strategy: prefetch.StrategyImmediate,
//	    Token:    registry.Create("page:3", "req-42"),
//	    Execute:  fetchPage,
//	})
package prefetch
