package scsm

import (
	"sync"

	"github.com/alxayo/opcua-sc/internal/opcua/chunk"
)

// requestTable owns the client's sentRequestIds map (§4.1.3, §8 invariant 2).
// RequestId generation starts at 1; 0 is reserved to mean "unset" (§9 open
// question), which makes an uninitialized SentRequestContext detectable.
type requestTable struct {
	mu      sync.Mutex
	next    uint32
	pending map[uint32]*chunk.SentRequestContext
	timers  map[uint32]*timerHandle
}

func newRequestTable() *requestTable {
	return &requestTable{
		next:    1,
		pending: make(map[uint32]*chunk.SentRequestContext),
		timers:  make(map[uint32]*timerHandle),
	}
}

// nextID allocates a fresh RequestId without tracking it as a pending MSG
// (used for OPN, which correlates via connection state rather than this
// table's timeout bookkeeping).
func (t *requestTable) nextID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextIDLocked()
}

func (t *requestTable) nextIDLocked() uint32 {
	id := t.next
	t.next++
	if t.next == 0 { // wrapped past uint32 max; skip the reserved 0 value
		t.next = 1
	}
	return id
}

// register allocates a fresh RequestId and records the outstanding request.
func (t *requestTable) register(handle uint32, expectedMsgType string) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextIDLocked()
	t.pending[id] = &chunk.SentRequestContext{
		RequestID:       id,
		RequestHandle:   handle,
		ExpectedMsgType: expectedMsgType,
	}
	return id
}

// complete removes and returns the context for a response's RequestId. A
// second, late completion (e.g. a stray retransmit) returns ok=false rather
// than panicking, so a caller can silently discard it.
func (t *requestTable) complete(id uint32) (*chunk.SentRequestContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		if h, hasTimer := t.timers[id]; hasTimer {
			delete(t.timers, id)
			h.cancel()
		}
	}
	return ctx, ok
}

// markTimedOut flags a slot as timed out without removing it, so a response
// that eventually arrives is recognized and discarded (§4.1.3, §4.2.4).
func (t *requestTable) markTimedOut(id uint32) (*chunk.SentRequestContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, ok := t.pending[id]
	if ok {
		ctx.TimeoutExpired = true
	}
	return ctx, ok
}

// drain removes every pending request, invoking fn for each — used on
// channel closure to notify SendFailure(BadSecureChannelClosed) for each
// still-outstanding MSG request (§4.2.5).
func (t *requestTable) drain(fn func(*chunk.SentRequestContext)) {
	t.mu.Lock()
	pending := t.pending
	timers := t.timers
	t.pending = make(map[uint32]*chunk.SentRequestContext)
	t.timers = make(map[uint32]*timerHandle)
	t.mu.Unlock()
	for _, h := range timers {
		h.cancel()
	}
	for _, ctx := range pending {
		fn(ctx)
	}
}

func (t *requestTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
