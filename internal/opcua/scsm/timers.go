package scsm

import (
	"sync"
	"time"
)

// timerHandle wraps a time.Timer with an explicit "still armed" guard so a
// fire racing a cancellation is a no-op rather than a double-handled event
// (§7 idempotence: "timerId != 0 guard ... cleared on cancellation").
type timerHandle struct {
	t      *time.Timer
	mu     sync.Mutex
	active bool
}

func (c *Connection) armTimer(d time.Duration, fire func()) *timerHandle {
	h := &timerHandle{active: true}
	h.t = time.AfterFunc(d, func() {
		h.mu.Lock()
		ok := h.active
		h.active = false
		h.mu.Unlock()
		if ok {
			fire()
		}
	})
	return h
}

func (h *timerHandle) cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.active = false
	h.mu.Unlock()
	h.t.Stop()
}

// armRenewTimer schedules a Renew at 75% of revisedLifetime (§4.2.4);
// expiry is only meaningful in ScConnected, checked in handleRenewDue.
func (c *Connection) armRenewTimer(revisedLifetime time.Duration) {
	c.renewTimer.cancel()
	at := (revisedLifetime * 75) / 100
	c.renewTimer = c.armTimer(at, func() {
		c.postAsNext(event{kind: evRenewDue})
	})
}

func (c *Connection) cancelRenewTimer() {
	c.renewTimer.cancel()
	c.renewTimer = nil
}

// armRequestTimer starts a per-request timer (§4.2.4); its expiry sets
// TimeoutExpired on the SentRequestContext rather than removing the slot, so
// a late response can still be recognized and silently discarded.
func (c *Connection) armRequestTimer(requestID uint32, d time.Duration) {
	h := c.armTimer(d, func() {
		c.postAsNext(event{kind: evRequestTimeout, requestID: requestID})
	})
	c.requests.mu.Lock()
	if _, ok := c.requests.pending[requestID]; ok {
		c.requests.timers[requestID] = h
	} else {
		h.cancel()
	}
	c.requests.mu.Unlock()
}
