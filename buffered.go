package distmq

import (
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/lukasgraetz/distmq/transport"
)

// BufferedQueue aggregates logical messages of type M into per-destination
// send buffers of transport elements B and ships a whole buffer per
// transport message. The merger encodes posted envelopes into buffers, the
// splitter recovers them on the receiving side.
//
// Like the raw queue, a buffered queue is driven by a single goroutine.
type BufferedQueue[M any, B constraints.Integer] struct {
	raw      *Queue[B]
	merger   Merger[M, B]
	splitter Splitter[M, B]
	cleaner  Cleaner[B]

	// buffers[dest] holds encoded messages not yet flushed; total is the
	// summed length across all destinations.
	buffers [][]B
	total   int

	tag             int
	localThreshold  int
	globalThreshold int
	maxMessageSize  int

	splitErr error
}

// NewBuffered creates a buffered queue over a private duplicate of conn.
// Merger and splitter must agree on the encoding; the aggregation package
// provides the stock pairs.
func NewBuffered[M any, B constraints.Integer](conn transport.Conn[B], merger Merger[M, B], splitter Splitter[M, B], opts ...Option) (*BufferedQueue[M, B], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	raw, err := New(conn, opts...)
	if err != nil {
		return nil, err
	}
	q := &BufferedQueue[M, B]{
		raw:             raw,
		merger:          merger,
		splitter:        splitter,
		buffers:         make([][]B, raw.size),
		tag:             cfg.tag,
		localThreshold:  cfg.localThreshold,
		globalThreshold: cfg.globalThreshold,
		maxMessageSize:  cfg.maxMessageSize,
	}
	// A post merged into a buffer below the flush threshold is traffic the
	// raw counters cannot see; the hook keeps termination rounds from
	// committing while any buffer is non-empty.
	raw.pending = func() bool { return q.total > 0 }
	return q, nil
}

// Rank returns the local rank.
func (q *BufferedQueue[M, B]) Rank() PEID { return q.raw.rank }

// Size returns the number of ranks.
func (q *BufferedQueue[M, B]) Size() int { return q.raw.size }

// Stats reports the counters of the underlying raw queue plus the number of
// buffer elements currently held.
func (q *BufferedQueue[M, B]) Stats() Stats {
	s := q.raw.Stats()
	s.BufferedElements = q.total
	return s
}

// SynchronousMode makes every flush complete its transport send before
// returning. Intended for tests.
func (q *BufferedQueue[M, B]) SynchronousMode() { q.raw.SynchronousMode() }

// SetCleaner installs a hook that may rewrite each buffer right before it
// is flushed. A nil cleaner removes the hook.
func (q *BufferedQueue[M, B]) SetCleaner(c Cleaner[B]) { q.cleaner = c }

// Post enqueues a single element for receiver.
func (q *BufferedQueue[M, B]) Post(msg M, receiver PEID) error {
	return q.PostMessage([]M{msg}, receiver)
}

// PostMessage enqueues one logical message for receiver. The payload is
// encoded into the receiver's buffer immediately, so the caller keeps
// ownership of the slice.
func (q *BufferedQueue[M, B]) PostMessage(payload []M, receiver PEID) error {
	env := Envelope[M]{Message: payload, Sender: q.raw.rank, Receiver: receiver, Tag: q.tag}
	return q.PostEnvelope(env, receiver)
}

// PostMessageBlocking posts payload, flushes the receiver's buffer and
// polls, delivering to h, until the transport send has completed. At least
// one poll pass happens even when the send finishes immediately.
func (q *BufferedQueue[M, B]) PostMessageBlocking(payload []M, receiver PEID, h Handler[M]) error {
	if err := q.PostMessage(payload, receiver); err != nil {
		return err
	}
	if err := q.Flush(receiver); err != nil {
		return err
	}
	for {
		if err := q.Poll(h); err != nil {
			return err
		}
		if len(q.raw.sends) == 0 {
			return nil
		}
	}
}

// PostEnvelope encodes env into the buffer for dest. The envelope's
// receiver may differ from dest; relaying layers use this to route an
// envelope through an intermediate rank.
//
// The flush policy: when appending env would push an already non-empty
// buffer past the local threshold, the buffer is flushed first. The
// envelope is then appended even if it exceeds the threshold on its own,
// and an oversized buffer is flushed immediately. Afterwards the largest
// buffer is flushed for as long as the global threshold is exceeded.
func (q *BufferedQueue[M, B]) PostEnvelope(env Envelope[M], dest PEID) error {
	if q.raw.terminated || q.raw.draining {
		return ErrQueueTerminating
	}
	if int(dest) < 0 || int(dest) >= q.raw.size {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidReceiver, dest, q.raw.size)
	}
	est := q.merger.Estimate(env)
	if q.maxMessageSize > 0 && est > q.maxMessageSize {
		return fmt.Errorf("%w: message of %d elements exceeds limit %d", ErrBufferOverflow, est, q.maxMessageSize)
	}

	if len(q.buffers[dest]) > 0 && len(q.buffers[dest])+est > q.localThreshold {
		if err := q.Flush(dest); err != nil {
			return err
		}
	}

	before := len(q.buffers[dest])
	merged, err := q.merger.Merge(q.buffers[dest], env)
	if err != nil {
		return fmt.Errorf("distmq: merging message for %d: %w", dest, err)
	}
	q.buffers[dest] = merged
	q.total += len(merged) - before
	q.raw.met.setBuffered(q.total)

	// A buffered post is pending traffic the counters cannot see yet, so it
	// must interrupt any termination round in flight.
	q.raw.activity = true

	if len(q.buffers[dest]) > q.localThreshold {
		if err := q.Flush(dest); err != nil {
			return err
		}
	}
	for q.globalThreshold > 0 && q.total > q.globalThreshold {
		if err := q.flushLargest(); err != nil {
			return err
		}
	}
	return nil
}

// Flush ships dest's buffer as one transport message. Flushing an empty
// buffer is a no-op.
func (q *BufferedQueue[M, B]) Flush(dest PEID) error {
	buf := q.buffers[dest]
	if len(buf) == 0 {
		return nil
	}
	if q.cleaner != nil {
		buf = q.cleaner(buf, dest)
	}
	q.total -= len(q.buffers[dest])
	q.buffers[dest] = nil
	q.raw.met.setBuffered(q.total)
	if len(buf) == 0 {
		return nil
	}
	q.raw.log.Debug().Int("dest", int(dest)).Int("elements", len(buf)).Msg("flushing buffer")
	q.raw.met.incFlushes()
	return q.raw.postOwned(buf, dest, q.tag)
}

// FlushAll flushes every destination in rank order.
func (q *BufferedQueue[M, B]) FlushAll() error {
	for dest := 0; dest < q.raw.size; dest++ {
		if err := q.Flush(PEID(dest)); err != nil {
			return err
		}
	}
	return nil
}

// flushLargest flushes the largest non-empty buffer, preferring the lowest
// destination rank on ties.
func (q *BufferedQueue[M, B]) flushLargest() error {
	largest := -1
	for dest, buf := range q.buffers {
		if len(buf) == 0 {
			continue
		}
		if largest < 0 || len(buf) > len(q.buffers[largest]) {
			largest = dest
		}
	}
	if largest < 0 {
		return nil
	}
	return q.Flush(PEID(largest))
}

// Poll progresses the transport and delivers any received buffers, split
// into their logical messages, to h.
func (q *BufferedQueue[M, B]) Poll(h Handler[M]) error {
	if err := q.raw.Poll(q.wrap(h)); err != nil {
		return err
	}
	return q.takeSplitErr()
}

// Terminate flushes all buffers and then runs one round of the raw queue's
// termination protocol, splitting deliveries for h throughout. Posts issued
// by handlers during the round land in the buffers and force the round to
// report false; the caller's loop then flushes them on the next call.
func (q *BufferedQueue[M, B]) Terminate(h Handler[M]) (bool, error) {
	if q.raw.terminated {
		return true, nil
	}
	if err := q.FlushAll(); err != nil {
		return false, err
	}
	done, err := q.raw.Terminate(q.wrap(h))
	if err != nil {
		return false, err
	}
	if serr := q.takeSplitErr(); serr != nil {
		return false, serr
	}
	// The raw protocol refuses to commit while the pending hook reports
	// buffered content, so a true result with non-empty buffers cannot
	// occur; the check guards the invariant regardless.
	if done && q.total > 0 {
		return false, nil
	}
	return done, nil
}

// Close releases the queue's private communicator.
func (q *BufferedQueue[M, B]) Close() error { return q.raw.Close() }

// wrap adapts a logical-message handler to the raw queue's buffer-level
// handler. Split errors cannot propagate through the raw dispatch path, so
// the first one is parked and surfaced by the caller.
func (q *BufferedQueue[M, B]) wrap(h Handler[M]) Handler[B] {
	if h == nil {
		return nil
	}
	return func(env Envelope[B]) {
		if err := q.splitter.Split(env, h); err != nil && q.splitErr == nil {
			q.splitErr = fmt.Errorf("distmq: splitting message from %d: %w", env.Sender, err)
		}
	}
}

func (q *BufferedQueue[M, B]) takeSplitErr() error {
	err := q.splitErr
	q.splitErr = nil
	return err
}
