package distmq

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/exp/constraints"

	"github.com/lukasgraetz/distmq/transport"
)

// Queue is the raw asynchronous message queue: it posts and receives
// variable-length messages of buffer elements without aggregation. A queue
// duplicates the supplied connection at construction, so its traffic never
// matches messages of other queues on the same world.
//
// A queue is driven by exactly one goroutine; all transport progress
// happens inside PostMessage, Poll and Terminate.
type Queue[B constraints.Integer] struct {
	conn transport.Conn[B]
	rank PEID
	size int
	id   uuid.UUID
	log  zerolog.Logger
	met  *metrics

	sends []*sendSlot[B]
	recvs []*recvSlot[B]

	sent     int64
	received int64

	// activity flags sends posted since the last termination snapshot.
	// pending, when set, reports traffic the counters cannot see yet; the
	// buffered layer registers it to expose unflushed buffer content.
	activity    bool
	pending     func() bool
	synchronous bool
	draining    bool
	terminated  bool
}

type sendSlot[B constraints.Integer] struct {
	req  transport.Request
	buf  []B
	dest PEID
}

type recvSlot[B constraints.Integer] struct {
	req    transport.Request
	buf    []B
	source PEID
	tag    int
}

// New creates a raw queue over a private duplicate of conn.
func New[B constraints.Integer](conn transport.Conn[B], opts ...Option) (*Queue[B], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	dup, err := conn.Dup()
	if err != nil {
		return nil, fmt.Errorf("distmq: duplicating communicator: %w", err)
	}
	id := uuid.New()
	q := &Queue[B]{
		conn: dup,
		rank: dup.Rank(),
		size: dup.Size(),
		id:   id,
		log:  cfg.logger.With().Str("queue", id.String()).Int("rank", int(dup.Rank())).Logger(),
		met:  newMetrics(cfg.registerer, id.String()),
	}
	q.log.Debug().Int("size", q.size).Msg("queue created")
	return q, nil
}

// Rank returns the local rank.
func (q *Queue[B]) Rank() PEID { return q.rank }

// Size returns the number of ranks.
func (q *Queue[B]) Size() int { return q.size }

// Stats reports the local send and receive counters.
func (q *Queue[B]) Stats() Stats {
	return Stats{
		Sent:         q.sent,
		Received:     q.received,
		PendingSends: len(q.sends),
		PendingRecvs: len(q.recvs),
	}
}

// Stats are the local counters feeding the termination protocol. The
// buffered layer additionally reports its held elements.
type Stats struct {
	Sent             int64
	Received         int64
	PendingSends     int
	PendingRecvs     int
	BufferedElements int
}

// SynchronousMode makes every subsequent post complete its transport send
// before returning. Intended for tests.
func (q *Queue[B]) SynchronousMode() { q.synchronous = true }

// PostMessage enqueues a copy of payload for transmission to receiver.
func (q *Queue[B]) PostMessage(payload []B, receiver PEID, tag int) error {
	owned := make([]B, len(payload))
	copy(owned, payload)
	return q.postOwned(owned, receiver, tag)
}

// postOwned transfers ownership of buf to the queue. The buffered layer
// uses it to hand over drained buffers without another copy.
func (q *Queue[B]) postOwned(buf []B, receiver PEID, tag int) error {
	if q.terminated || q.draining {
		return ErrQueueTerminating
	}
	if int(receiver) < 0 || int(receiver) >= q.size {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidReceiver, receiver, q.size)
	}
	if tag < 0 || tag >= transport.ControlTag {
		return fmt.Errorf("%w: %d", ErrReservedTag, tag)
	}
	req, err := q.conn.Isend(buf, receiver, tag)
	if err != nil {
		return fmt.Errorf("distmq: send to %d failed: %w", receiver, err)
	}
	slot := &sendSlot[B]{req: req, buf: buf, dest: receiver}
	q.sends = append(q.sends, slot)
	q.sent++
	q.activity = true
	q.met.incPosted()
	if q.synchronous {
		return q.awaitSend(slot)
	}
	return nil
}

// awaitSend spins on send completion. Only sends are progressed here;
// receives stay pending until the next Poll.
func (q *Queue[B]) awaitSend(slot *sendSlot[B]) error {
	for {
		if _, err := q.reapSends(); err != nil {
			return err
		}
		done := true
		for _, s := range q.sends {
			if s == slot {
				done = false
				break
			}
		}
		if done {
			return nil
		}
	}
}

// Poll makes one pass of transport progress: completed sends are released,
// probed messages get matching receives posted, and completed receives are
// dispatched to h. Counters are updated before h runs.
func (q *Queue[B]) Poll(h Handler[B]) error {
	_, err := q.pollOnce(h)
	return err
}

func (q *Queue[B]) pollOnce(h Handler[B]) (bool, error) {
	progress := false

	reaped, err := q.reapSends()
	if err != nil {
		return progress, err
	}
	progress = progress || reaped > 0

	for {
		info, err := q.conn.Iprobe(transport.AnySource, transport.AnyTag)
		if err != nil {
			return progress, fmt.Errorf("distmq: probe failed: %w", err)
		}
		if info == nil {
			break
		}
		buf := make([]B, info.Count)
		req, err := q.conn.Irecv(buf, info.Source, info.Tag)
		if err != nil {
			return progress, fmt.Errorf("distmq: receive from %d failed: %w", info.Source, err)
		}
		q.recvs = append(q.recvs, &recvSlot[B]{req: req, buf: buf, source: info.Source, tag: info.Tag})
		progress = true
	}

	for i := 0; i < len(q.recvs); {
		slot := q.recvs[i]
		done, err := slot.req.Test()
		if err != nil {
			return progress, fmt.Errorf("distmq: receive from %d failed: %w", slot.source, err)
		}
		if !done {
			i++
			continue
		}
		q.recvs = append(q.recvs[:i], q.recvs[i+1:]...)
		q.received++
		q.met.incDelivered()
		progress = true
		if h != nil {
			h(Envelope[B]{Message: slot.buf, Sender: slot.source, Receiver: q.rank, Tag: slot.tag})
		}
	}
	return progress, nil
}

// reapSends tests outstanding sends in test-any fashion and releases the
// buffers of completed ones. Completion order is not preserved.
func (q *Queue[B]) reapSends() (int, error) {
	reaped := 0
	for i := 0; i < len(q.sends); {
		slot := q.sends[i]
		done, err := slot.req.Test()
		if err != nil {
			return reaped, fmt.Errorf("distmq: send to %d failed: %w", slot.dest, err)
		}
		if !done {
			i++
			continue
		}
		slot.buf = nil
		q.sends = append(q.sends[:i], q.sends[i+1:]...)
		reaped++
	}
	return reaped, nil
}

// drain polls until no send is pending, no receive is pending and no probe
// matches.
func (q *Queue[B]) drain(h Handler[B]) error {
	for {
		progress, err := q.pollOnce(h)
		if err != nil {
			return err
		}
		if !progress && len(q.sends) == 0 && len(q.recvs) == 0 {
			return nil
		}
	}
}

// Close releases the queue's private communicator. It does not drain;
// callers should have completed a successful Terminate first.
func (q *Queue[B]) Close() error {
	return q.conn.Close()
}
