package sockets

import (
	"sync"
	"sync/atomic"

	"github.com/boomhut/goja-netloop/internal/trampoline"
)

const (
	pendingWaiting uint32 = iota
	pendingDelivered
	pendingCancelled
)

// pending is the continuation registered for one outstanding token.
type pending struct {
	done chan trampoline.Result
	// settled is closed once the trampoline for this operation has fired and
	// its result has been delivered, kept or dropped.
	settled chan struct{}
	buf     []byte
	op    string
	sock  Socket
	slot  trampoline.Slot
	state atomic.Uint32
	// tracked is set when the operation counts against sock's in-flight total.
	tracked bool
}

func newPending(slot trampoline.Slot, op string) *pending {
	return &pending{
		done:    make(chan trampoline.Result, 1),
		settled: make(chan struct{}),
		op:      op,
		slot:    slot,
		sock:    -1,
	}
}

// claim transitions the continuation to delivered. It fails if the waiter
// already gave up.
func (p *pending) claim() bool {
	return p.state.CompareAndSwap(pendingWaiting, pendingDelivered)
}

// cancel transitions the continuation to cancelled. It fails if the result
// has already been claimed, in which case it is (or will shortly be) readable
// from done.
func (p *pending) cancel() bool {
	return p.state.CompareAndSwap(pendingWaiting, pendingCancelled)
}

// registry maps tokens to continuations. Tokens are never reused: they come
// from a monotonic counter, and an entry is removed only when its trampoline
// fires.
type registry struct {
	entries map[trampoline.Token]*pending
	mu      sync.Mutex
	next    uint64
}

func (r *registry) issue(p *pending) trampoline.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[trampoline.Token]*pending)
	}
	r.next++
	token := trampoline.Token(r.next)
	r.entries[token] = p
	return token
}

// take removes and returns the continuation for token. A token that is not
// outstanding, or that was issued for a different slot, is a protocol
// violation.
func (r *registry) take(slot trampoline.Slot, token trampoline.Token) *pending {
	r.mu.Lock()
	p, ok := r.entries[token]
	if ok && p.slot == slot {
		delete(r.entries, token)
	}
	r.mu.Unlock()
	switch {
	case !ok:
		trampoline.Violate(slot, token, "token not outstanding (fired twice or never issued)")
	case p.slot != slot:
		trampoline.Violate(slot, token, "token issued for the "+p.slot.String()+" slot")
	}
	return p
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
