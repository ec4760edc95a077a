package transport

import (
	"context"
	"sync"
)

// Event is one typed item flowing through a Looper. Kind is caller-defined
// (transport has no opinion on the enum's values — scsm defines its own
// eventKind today); Handle identifies which registered
// occupant the event targets, and Payload carries whatever that event kind
// needs.
type Event struct {
	Kind    int
	Handle  Handle
	Payload any
}

// Handler processes one dequeued Event. It returns false to stop the
// Looper, mirroring scsm.Connection.dispatch's bool-return shutdown
// signal.
type Handler func(Event) bool

// Looper is a single-goroutine, two-priority event loop: the same shape as
// scsm.Connection's events/asNext channel pair and run/dispatch methods,
// generalized so one loop can serve more than one connection's worth of
// events keyed by Handle instead of being embedded per-connection.
type Looper struct {
	normal  chan Event
	asNext  chan Event
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLooper builds a Looper with the given queue depth and handler. Call
// Run to start it and Stop to tear it down.
func NewLooper(queueDepth int, handler Handler) *Looper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Looper{
		normal:  make(chan Event, queueDepth),
		asNext:  make(chan Event, queueDepth),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Post enqueues e at normal priority (§5 FIFO ordering within a queue).
func (l *Looper) Post(e Event) {
	select {
	case l.normal <- e:
	case <-l.ctx.Done():
	}
}

// PostAsNext enqueues e at front-of-line priority, so it cannot be
// overtaken by traffic already queued ahead of it (§5 — used for close and
// send-error events that must reach their target before further normal
// traffic).
func (l *Looper) PostAsNext(e Event) {
	select {
	case l.asNext <- e:
	case <-l.ctx.Done():
	}
}

// Run starts the loop goroutine. Call Stop to end it.
func (l *Looper) Run() {
	l.wg.Add(1)
	go l.run()
}

func (l *Looper) run() {
	defer l.wg.Done()
	for {
		var e Event
		select {
		case e = <-l.asNext:
		default:
			select {
			case e = <-l.asNext:
			case e = <-l.normal:
			case <-l.ctx.Done():
				return
			}
		}
		if !l.handler(e) {
			return
		}
	}
}

// Stop cancels the loop and waits for its goroutine to exit.
func (l *Looper) Stop() {
	l.cancel()
	l.wg.Wait()
}
