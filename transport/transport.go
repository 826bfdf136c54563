// Package transport defines the point-to-point transport contract the
// message queues are built on: non-blocking tagged sends and receives with
// variable-length payloads, a probe that reports element counts, and
// non-blocking collective barrier and sum-reduction. Implementations must
// guarantee reliable, per-(pair, tag) FIFO delivery and exact matching
// between a probe and the receive posted for it.
//
// Three backends ship with this module: an in-process transport
// (transport/local), a TCP all-to-all transport (transport/tcp) and an MPI
// adapter over gompi (transport/mpi).
package transport

import (
	"errors"

	"golang.org/x/exp/constraints"
)

// PEID identifies a rank, 0 <= PEID < Size.
type PEID int32

const (
	// AnySource matches messages from every rank.
	AnySource PEID = -1
	// AnyTag matches messages with every data tag.
	AnyTag = -1
)

// ControlTag is reserved: data messages must use tags in [0, ControlTag).
// No traffic travels on it; each backend keeps barrier and reduction
// traffic apart from data messages by its own means.
const ControlTag = 1 << 30

var (
	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrInvalidRank is returned when a destination or source rank is out
	// of range.
	ErrInvalidRank = errors.New("transport: rank out of range")
)

// Request is the handle of an outstanding non-blocking operation.
type Request interface {
	// Test polls the operation without blocking. Once it has returned
	// true the handle is spent and must not be tested again.
	Test() (bool, error)
}

// ProbeInfo describes a matched incoming message.
type ProbeInfo struct {
	Source PEID
	Tag    int
	Count  int // payload length in buffer elements
}

// Conn is a single rank's endpoint into a communicator. All methods are
// non-blocking; progress is driven by polling the returned Requests.
//
// Collective operations (Ibarrier, Iallreduce, Dup) must be invoked in the
// same order on every rank of the communicator.
type Conn[B constraints.Integer] interface {
	Rank() PEID
	Size() int

	// Isend transmits buf to dest with the given tag. The transport
	// retains buf until the returned request completes.
	Isend(buf []B, dest PEID, tag int) (Request, error)

	// Iprobe checks for an incoming message matching source and tag
	// without receiving it. It returns nil when nothing is pending.
	Iprobe(source PEID, tag int) (*ProbeInfo, error)

	// Irecv posts a receive matching source and tag into buf. The buffer
	// must be sized from a preceding probe's Count.
	Irecv(buf []B, source PEID, tag int) (Request, error)

	// Ibarrier starts a collective barrier phase.
	Ibarrier() (Request, error)

	// Iallreduce starts an element-wise global sum of local into global.
	// global is valid once the request completes.
	Iallreduce(local, global []int64) (Request, error)

	// Dup derives a connection with an isolated matching universe over
	// the same ranks.
	Dup() (Conn[B], error)

	Close() error
}

// done is a request that completed at creation time.
type done struct{ err error }

func (d done) Test() (bool, error) { return true, d.err }

// Done returns a request that is already complete with the given error.
func Done(err error) Request { return done{err: err} }

// Async is a request completed by a concurrent worker, typically a
// goroutine adapting a blocking backend call.
type Async struct {
	ch  chan error
	err error
}

// NewAsync returns an Async request; the worker must call Complete exactly
// once.
func NewAsync() *Async { return &Async{ch: make(chan error, 1)} }

// Complete marks the request finished.
func (a *Async) Complete(err error) { a.ch <- err }

// Test implements Request.
func (a *Async) Test() (bool, error) {
	select {
	case err := <-a.ch:
		a.err = err
		return true, a.err
	default:
		return false, nil
	}
}
