// Package cancel provides per-slot cancellation tokens for in-flight
// requests.
//
// A slot is the logical addressable unit of a fetch (a page number or an
// entity key). The registry guarantees at most one live token per slot:
// creating a token for an occupied slot atomically cancels the previous
// holder with ReasonSuperseded. This is what makes supersession safe -
// a result from an older request can never be committed, because its
// token was cancelled the moment the newer request registered.
package cancel

import (
	"sync"

	"github.com/citypages/cacheflow/internal/logging"
)

// Registry issues and tracks cancellation tokens. It is safe for
// concurrent use. Construct one per engine instance; there is no
// process-wide registry.
type Registry struct {
	mu     sync.Mutex
	bySlot map[string]*Token
	byID   map[string]*Token
	logger *logging.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		bySlot: make(map[string]*Token),
		byID:   make(map[string]*Token),
		logger: logger.WithComponent("cancel"),
	}
}

// Create registers a new token for the slot, atomically cancelling any
// existing token for that slot with ReasonSuperseded first. The returned
// token is live until cancelled through the registry.
func (r *Registry) Create(slot, requestID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bySlot[slot]; ok {
		prev.cancel(ReasonSuperseded)
		delete(r.byID, prev.ID)
		r.logger.Debug("token superseded", "slot", slot, "old_id", prev.ID, "new_id", requestID)
	}

	token := newToken(slot, requestID)
	r.bySlot[slot] = token
	r.byID[requestID] = token
	return token
}

// Cancel cancels the token with the given request ID.
// Returns false if no live token has that ID.
func (r *Registry) Cancel(requestID string, reason Reason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byID[requestID]
	if !ok {
		return false
	}
	r.remove(token, reason)
	return true
}

// CancelSlot cancels the live token for the given slot, if any.
func (r *Registry) CancelSlot(slot string, reason Reason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.bySlot[slot]
	if !ok {
		return false
	}
	r.remove(token, reason)
	return true
}

// CancelAll cancels every live token and returns how many were cancelled.
func (r *Registry) CancelAll(reason Reason) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.byID)
	for _, token := range r.byID {
		token.cancel(reason)
	}
	r.bySlot = make(map[string]*Token)
	r.byID = make(map[string]*Token)

	if n > 0 {
		r.logger.Debug("cancelled all tokens", "count", n, "reason", string(reason))
	}
	return n
}

// IsLive reports whether a non-cancelled token exists for the request ID.
func (r *Registry) IsLive(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byID[requestID]
	return ok && !token.Cancelled()
}

// SlotLive reports whether a non-cancelled token exists for the slot.
func (r *Registry) SlotLive(slot string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.bySlot[slot]
	return ok && !token.Cancelled()
}

// Len returns the number of tracked tokens.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Cleanup removes any cancelled tokens still present in the maps and
// returns how many were swept. Tokens cancelled through the registry
// are removed eagerly, so this mostly serves tests.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	swept := 0
	for id, token := range r.byID {
		if token.Cancelled() {
			delete(r.byID, id)
			if cur, ok := r.bySlot[token.Slot]; ok && cur == token {
				delete(r.bySlot, token.Slot)
			}
			swept++
		}
	}
	return swept
}

// remove cancels the token and evicts it. Caller must hold the lock.
func (r *Registry) remove(token *Token, reason Reason) {
	token.cancel(reason)
	delete(r.byID, token.ID)
	if cur, ok := r.bySlot[token.Slot]; ok && cur == token {
		delete(r.bySlot, token.Slot)
	}
	r.logger.Debug("token cancelled", "slot", token.Slot, "id", token.ID, "reason", string(reason))
}
