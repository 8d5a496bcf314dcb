package replica

import (
	"context"

	"go.uber.org/atomic"
)

// event carries all the context needed to dispose of it; the worker draining the channel is not smart and simply
// handles whatever it is given.
type event interface {
	// handle is called in the context of the worker goroutine, except while the channel is being flushed, when
	// it may be called by the producer.
	handle(ctx context.Context)
	logKV() []interface{}
}

// eventFlushUndo wraps an event posted with flush. Handling it decrements the flush counter, which gets the
// channel closer to no longer discarding, and then handles the wrapped event.
type eventFlushUndo struct {
	fec          *flushableEventChannel
	wrappedEvent event
}

func (e *eventFlushUndo) handle(ctx context.Context) {
	e.fec.updateFlush(false)
	if e.wrappedEvent != nil {
		// We may still be discarding if other flushes are queued behind us; the inner handler checks.
		e.wrappedEvent.handle(ctx)
	}
}

func (e *eventFlushUndo) logKV() []interface{} {
	kv := []interface{}{"obj", "eventFlushUndo"}
	if e.wrappedEvent != nil {
		kv = append(kv, e.wrappedEvent.logKV()...)
	}
	return kv
}

type flushableEventChannel struct {
	channel chan event
	// flush is written from both sides of the channel: incremented on the producer side and decremented on the
	// consumer side. Any nonzero value makes discard eligible events a noop on the consumer side.
	flush *atomic.Int32
}

func newFlushableEventChannel(size int) *flushableEventChannel {
	return &flushableEventChannel{
		channel: make(chan event, size),
		flush:   atomic.NewInt32(0),
	}
}

// discardEligibleEvent is checked by handlers of discardable events before doing any work.
func (fec *flushableEventChannel) discardEligibleEvent() bool {
	return fec.flush.Load() != 0
}

func (fec *flushableEventChannel) updateFlush(up bool) {
	if up {
		fec.flush.Inc()
	} else {
		fec.flush.Dec()
	}
}

// postMessage never blocks. If the channel is full the event is not posted and false is returned; the caller
// decides how to recover.
func (fec *flushableEventChannel) postMessage(e event) bool {
	select {
	case fec.channel <- e:
		return true
	default:
		return false
	}
}

// postMessageWithFlush posts an event which causes every discard eligible event ahead of it to be discarded. If
// the channel is full, events are drained and discarded inline until there is room.
func (fec *flushableEventChannel) postMessageWithFlush(ctx context.Context, e event) {

	fec.flush.Inc()
	wrapper := &eventFlushUndo{wrappedEvent: e, fec: fec}

	for {
		select {
		case fec.channel <- wrapper:
			return
		case discard := <-fec.channel:
			discard.handle(ctx)
		}
	}
}
