package cancel

import (
	"sync"
	"time"
)

// Reason describes why a token was cancelled.
type Reason string

const (
	// ReasonSuperseded indicates a newer request took over the slot.
	ReasonSuperseded Reason = "superseded"

	// ReasonNavigation indicates the user navigated away before the
	// request settled.
	ReasonNavigation Reason = "navigation"

	// ReasonOffline indicates connectivity was lost.
	ReasonOffline Reason = "offline"

	// ReasonShutdown indicates the engine is stopping.
	ReasonShutdown Reason = "shutdown"

	// ReasonManual indicates an explicit cancellation by the caller.
	ReasonManual Reason = "manual"

	// ReasonSettled releases a token whose request committed its
	// result; the token is spent, not aborted.
	ReasonSettled Reason = "settled"
)

// Token is a cancellation token tied one-to-one to an in-flight request.
// A token transitions to cancelled exactly once; the reason is fixed on
// the first cancellation and re-cancellation is a no-op.
//
// In-flight operations must check Cancelled (or select on Done) before
// committing any result to the cache. Cancellation is cooperative: it
// never unwinds I/O, it only prevents the result from being committed.
type Token struct {
	ID        string
	Slot      string
	CreatedAt time.Time

	mu     sync.Mutex
	once   sync.Once
	done   chan struct{}
	reason Reason
}

func newToken(slot, requestID string) *Token {
	return &Token{
		ID:        requestID,
		Slot:      slot,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the token is cancelled.
// Useful for select-based cancellation checks inside executing commands.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Reason returns why the token was cancelled, or the empty string if it
// is still live.
func (t *Token) Reason() Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// cancel marks the token cancelled with the given reason.
// Only the first call has any effect.
func (t *Token) cancel(reason Reason) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}
