package indirection

import (
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/lukasgraetz/distmq"
)

// Adapter turns a buffered queue into a relayed one. Posts travel to the
// scheme's next hop with the final receiver embedded in the envelope
// metadata; arriving envelopes are re-posted until they reach their
// receiver. The queue must therefore use a merger and splitter that carry
// the receiver on the wire, such as the aggregation package's envelope
// serialization.
type Adapter[M any, B constraints.Integer] struct {
	q      *distmq.BufferedQueue[M, B]
	scheme Scheme

	relayErr error
}

// New wraps q with the given routing scheme. The adapter owns the queue
// from here on; all posting and polling must go through the adapter, since
// envelopes would otherwise strand at their relay ranks.
func New[M any, B constraints.Integer](q *distmq.BufferedQueue[M, B], scheme Scheme) *Adapter[M, B] {
	return &Adapter[M, B]{q: q, scheme: scheme}
}

// Rank returns the local rank.
func (a *Adapter[M, B]) Rank() distmq.PEID { return a.q.Rank() }

// Size returns the number of ranks.
func (a *Adapter[M, B]) Size() int { return a.q.Size() }

// Stats reports the underlying queue's counters. Relayed envelopes count
// once per hop.
func (a *Adapter[M, B]) Stats() distmq.Stats { return a.q.Stats() }

// SynchronousMode switches the underlying queue into synchronous sends.
func (a *Adapter[M, B]) SynchronousMode() { a.q.SynchronousMode() }

// Post enqueues a single element for receiver.
func (a *Adapter[M, B]) Post(msg M, receiver distmq.PEID) error {
	return a.PostMessage([]M{msg}, receiver)
}

// PostMessage enqueues one logical message for receiver, addressed to the
// scheme's first hop.
func (a *Adapter[M, B]) PostMessage(payload []M, receiver distmq.PEID) error {
	env := distmq.Envelope[M]{Message: payload, Sender: a.q.Rank(), Receiver: receiver}
	return a.q.PostEnvelope(env, a.scheme.NextHop(a.q.Rank(), receiver))
}

// PostMessageBlocking posts payload and polls, delivering to h, until the
// local transport sends have completed.
func (a *Adapter[M, B]) PostMessageBlocking(payload []M, receiver distmq.PEID, h distmq.Handler[M]) error {
	if err := a.PostMessage(payload, receiver); err != nil {
		return err
	}
	if err := a.q.FlushAll(); err != nil {
		return err
	}
	for {
		if err := a.Poll(h); err != nil {
			return err
		}
		if a.q.Stats().PendingSends == 0 {
			return nil
		}
	}
}

// Flush flushes the buffer of one next-hop destination.
func (a *Adapter[M, B]) Flush(dest distmq.PEID) error { return a.q.Flush(dest) }

// FlushAll flushes all buffers.
func (a *Adapter[M, B]) FlushAll() error { return a.q.FlushAll() }

// Poll progresses the queue. Envelopes that arrived for another rank are
// re-posted to their next hop; the rest reach h with the receiver rewritten
// to the local rank.
func (a *Adapter[M, B]) Poll(h distmq.Handler[M]) error {
	if err := a.q.Poll(a.route(h)); err != nil {
		return err
	}
	return a.takeRelayErr()
}

// Terminate drives the underlying termination protocol while routing. A
// round during which envelopes were relayed onward reports false and the
// caller loops, exactly as with handler-injected traffic.
func (a *Adapter[M, B]) Terminate(h distmq.Handler[M]) (bool, error) {
	done, err := a.q.Terminate(a.route(h))
	if err != nil {
		return false, err
	}
	if rerr := a.takeRelayErr(); rerr != nil {
		return false, rerr
	}
	return done, nil
}

// Close releases the underlying queue.
func (a *Adapter[M, B]) Close() error { return a.q.Close() }

func (a *Adapter[M, B]) route(h distmq.Handler[M]) distmq.Handler[M] {
	return func(env distmq.Envelope[M]) {
		if a.scheme.ShouldRedirect(env.Sender, env.Receiver) {
			// The merge copies the payload out right away, so borrowing the
			// handler-scoped slice is fine.
			hop := a.scheme.NextHop(a.q.Rank(), env.Receiver)
			if err := a.q.PostEnvelope(env, hop); err != nil && a.relayErr == nil {
				a.relayErr = fmt.Errorf("indirection: relaying to %d via %d: %w", env.Receiver, hop, err)
			}
			return
		}
		if h != nil {
			env.Receiver = a.q.Rank()
			h(env)
		}
	}
}

func (a *Adapter[M, B]) takeRelayErr() error {
	err := a.relayErr
	a.relayErr = nil
	return err
}
