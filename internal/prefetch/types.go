package prefetch

import (
	"context"
	"time"

	"github.com/citypages/cacheflow/internal/cancel"
)

// Priority orders commands within the queue. Higher priorities are
// dequeued first; within a priority tier, dispatch is FIFO.
type Priority int

const (
	// PriorityLow is for speculative work nobody is waiting on, like
	// the previous page in a pagination flow.
	PriorityLow Priority = iota

	// PriorityNormal is the default for adjacent-page prefetch.
	PriorityNormal

	// PriorityHigh is for prefetches the user is likely to need next.
	PriorityHigh
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// priorityTiers lists priorities in dequeue order.
var priorityTiers = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Strategy determines the pre-execution delay applied to a command.
type Strategy string

const (
	// StrategyImmediate executes with no added delay.
	StrategyImmediate Strategy = "immediate"

	// StrategyDelayed waits a configured base delay before executing.
	StrategyDelayed Strategy = "delayed"

	// StrategyNetworkAware scales its delay with connection speed:
	// fast connections skip the delay, slow connections stretch it.
	StrategyNetworkAware Strategy = "network-aware"
)

// Command is one speculative fetch. It is owned by the queue from
// Enqueue until it completes, fails, or is superseded.
//
// Execute must poll the command's token before committing any result:
// the queue checks the token before dispatch, but a cancellation that
// lands mid-flight can only be honored by the command itself.
type Command struct {
	// ID uniquely identifies this request.
	ID string

	// Slot is the logical key the command fetches (e.g. "page:3").
	// At most one live command may exist per slot.
	Slot string

	// Priority orders dispatch.
	Priority Priority

	// Strategy selects the pre-execution delay.
	Strategy Strategy

	// CreatedAt is when the command was built.
	CreatedAt time.Time

	// Token is the command's cancellation token, one-to-one with the
	// command. A nil token means the command cannot be cancelled.
	Token *cancel.Token

	// Execute performs the fetch. The context is cancelled if the
	// token is cancelled mid-flight or the queue stops.
	Execute func(ctx context.Context) error

	// CanExecute optionally gates dispatch. A command reporting false
	// is pushed to the back of its tier and retried next pass.
	CanExecute func() bool
}

// cancelled reports whether the command's token has been cancelled.
func (c *Command) cancelled() bool {
	return c.Token != nil && c.Token.Cancelled()
}

// Stats is a snapshot of the queue's counters. Completed, Failed, and
// Cancelled are mutually exclusive terminal states per command.
type Stats struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
