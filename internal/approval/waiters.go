package approval

import (
	"context"
	"sync"
)

// Waiters is a table of one-shot resolvable slots keyed by approval id. A
// parked permission callback registers a slot and blocks on it; AnswerApproval
// and turn cancellation race to resolve it, and exactly one writer wins.
type Waiters struct {
	mu    sync.Mutex
	slots map[string]chan Decision
}

// NewWaiters creates an empty waiter table.
func NewWaiters() *Waiters {
	return &Waiters{slots: make(map[string]chan Decision)}
}

// Register creates a one-shot slot for the given approval id. The returned
// Waiter must be consumed with Wait; Register panics on a duplicate id since
// approval ids are generated fresh per request.
func (w *Waiters) Register(id string) Waiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.slots[id]; exists {
		panic("approval: duplicate waiter id " + id)
	}
	ch := make(chan Decision, 1)
	w.slots[id] = ch
	return Waiter{id: id, ch: ch, table: w}
}

// Resolve delivers a decision to the slot for id. It reports whether the slot
// existed and was still unresolved; a second resolve for the same id returns
// false.
func (w *Waiters) Resolve(id string, d Decision) bool {
	w.mu.Lock()
	ch, ok := w.slots[id]
	if ok {
		delete(w.slots, id)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- d
	return true
}

// Pending returns the number of unresolved slots.
func (w *Waiters) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots)
}

// IsPending reports whether id still has an unresolved slot. After the
// waiter was released by cancellation this returns false.
func (w *Waiters) IsPending(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.slots[id]
	return ok
}

// Waiter is one registered slot.
type Waiter struct {
	id    string
	ch    chan Decision
	table *Waiters
}

// Wait blocks until the slot is resolved or ctx is cancelled. On cancellation
// the slot is removed from the table and ok is false.
func (w Waiter) Wait(ctx context.Context) (d Decision, ok bool) {
	select {
	case d = <-w.ch:
		return d, true
	case <-ctx.Done():
	}

	// The context fired, but a concurrent Resolve may already have claimed
	// the slot and be about to send. Prefer the decision when both raced.
	w.table.mu.Lock()
	_, stillRegistered := w.table.slots[w.id]
	if stillRegistered {
		delete(w.table.slots, w.id)
	}
	w.table.mu.Unlock()

	if !stillRegistered {
		d = <-w.ch
		return d, true
	}
	return Decision{}, false
}
