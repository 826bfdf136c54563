// Package mpi adapts a gompi communicator to the non-blocking transport
// contract. Logical frames are gob encoded into byte messages; one
// receiver goroutine drains MrecvBytes and demultiplexes into per
// communicator inboxes, and a message on the communicator's MaxTag shuts
// it down. Barriers and reductions are coordinated by rank 0 over the same
// frame stream, which keeps all MPI calls point-to-point and serialized.
package mpi

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	mpi "github.com/sbromberger/gompi"
	"golang.org/x/exp/constraints"

	"github.com/lukasgraetz/distmq/transport"
)

const rootComm = "0"

// dataTag is the single MPI tag all frames travel on; the logical tag is
// part of the frame.
const dataTag = 0

type kind uint8

const (
	kindData kind = iota
	kindBarrier
	kindBarrierDone
	kindReduce
	kindReduceDone
)

type frame[B constraints.Integer] struct {
	Comm string
	Kind kind
	Tag  int
	Seq  int
	Src  int32
	Sums []int64
	Data []B
}

type commState[B constraints.Integer] struct {
	mu    sync.Mutex
	inbox []frame[B]

	barSeq     int
	barArrived map[int]int
	barDone    map[int]bool

	redSeq    int
	redAcc    map[int][]int64
	redCount  map[int]int
	redResult map[int][]int64

	dupSeq int
}

func newCommState[B constraints.Integer]() *commState[B] {
	return &commState[B]{
		barArrived: make(map[int]int),
		barDone:    make(map[int]bool),
		redAcc:     make(map[int][]int64),
		redCount:   make(map[int]int),
		redResult:  make(map[int][]int64),
	}
}

// World wraps one gompi communicator. The caller is responsible for
// mpi.Start and mpi.Stop around the world's lifetime.
type World[B constraints.Integer] struct {
	o    *mpi.Communicator
	rank int
	size int
	log  zerolog.Logger

	commMu sync.Mutex
	comms  map[string]*commState[B]

	sendMu sync.Mutex
	wg     sync.WaitGroup
}

// NewWorld starts the receiver goroutine over o.
func NewWorld[B constraints.Integer](o *mpi.Communicator, logger zerolog.Logger) *World[B] {
	w := &World[B]{
		o:     o,
		rank:  o.Rank(),
		size:  o.Size(),
		log:   logger.With().Int("rank", o.Rank()).Logger(),
		comms: make(map[string]*commState[B]),
	}
	w.wg.Add(1)
	go w.recvLoop()
	return w
}

func (w *World[B]) recvLoop() {
	defer w.wg.Done()
	for {
		raw, status := w.o.MrecvBytes(mpi.AnySource, mpi.AnyTag)
		if status.GetTag() == w.o.MaxTag {
			w.log.Debug().Msg("receiver shutting down")
			return
		}
		var f frame[B]
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&f); err != nil {
			w.log.Error().Err(err).Msg("dropping undecodable frame")
			continue
		}
		w.dispatch(&f)
	}
}

func (w *World[B]) state(comm string) *commState[B] {
	w.commMu.Lock()
	defer w.commMu.Unlock()
	st, ok := w.comms[comm]
	if !ok {
		st = newCommState[B]()
		w.comms[comm] = st
	}
	return st
}

func (w *World[B]) dispatch(f *frame[B]) {
	st := w.state(f.Comm)
	switch f.Kind {
	case kindData:
		st.mu.Lock()
		st.inbox = append(st.inbox, *f)
		st.mu.Unlock()
	case kindBarrier:
		w.barrierArrive(f.Comm, st, f.Seq)
	case kindBarrierDone:
		st.mu.Lock()
		st.barDone[f.Seq] = true
		st.mu.Unlock()
	case kindReduce:
		w.reduceArrive(f.Comm, st, f.Seq, f.Sums)
	case kindReduceDone:
		st.mu.Lock()
		st.redResult[f.Seq] = f.Sums
		st.mu.Unlock()
	}
}

func (w *World[B]) barrierArrive(comm string, st *commState[B], seq int) {
	st.mu.Lock()
	st.barArrived[seq]++
	complete := st.barArrived[seq] == w.size
	if complete {
		delete(st.barArrived, seq)
		st.barDone[seq] = true
	}
	st.mu.Unlock()
	if complete {
		w.broadcast(frame[B]{Comm: comm, Kind: kindBarrierDone, Seq: seq, Src: int32(w.rank)})
	}
}

func (w *World[B]) reduceArrive(comm string, st *commState[B], seq int, sums []int64) {
	st.mu.Lock()
	acc := st.redAcc[seq]
	if acc == nil {
		acc = make([]int64, len(sums))
		st.redAcc[seq] = acc
	}
	for i, v := range sums {
		acc[i] += v
	}
	st.redCount[seq]++
	complete := st.redCount[seq] == w.size
	if complete {
		delete(st.redAcc, seq)
		delete(st.redCount, seq)
		st.redResult[seq] = acc
	}
	st.mu.Unlock()
	if complete {
		w.broadcast(frame[B]{Comm: comm, Kind: kindReduceDone, Seq: seq, Src: int32(w.rank), Sums: acc})
	}
}

func (w *World[B]) broadcast(f frame[B]) {
	for dest := 0; dest < w.size; dest++ {
		if dest == w.rank {
			continue
		}
		if err := w.post(f, dest); err != nil {
			w.log.Error().Int("peer", dest).Err(err).Msg("broadcast failed")
		}
	}
}

// post encodes and ships one frame. Local destinations dispatch directly,
// everything else goes through SendBytes under the send mutex.
func (w *World[B]) post(f frame[B], dest int) error {
	if dest == w.rank {
		w.dispatch(&f)
		return nil
	}
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(&f); err != nil {
		return fmt.Errorf("mpi: encoding frame: %w", err)
	}
	w.sendMu.Lock()
	w.o.SendBytes(b.Bytes(), dest, dataTag)
	w.sendMu.Unlock()
	return nil
}

// Conn returns the local endpoint on the root communicator.
func (w *World[B]) Conn() transport.Conn[B] {
	return &endpoint[B]{w: w, comm: rootComm, st: w.state(rootComm), rank: transport.PEID(w.rank)}
}

// Close stops the receiver by mailing the shutdown tag to the local rank
// and waits for it to exit. MPI itself stays up for the caller to stop.
func (w *World[B]) Close() error {
	w.sendMu.Lock()
	w.o.SendString("q", w.rank, w.o.MaxTag)
	w.sendMu.Unlock()
	w.wg.Wait()
	return nil
}

type endpoint[B constraints.Integer] struct {
	w      *World[B]
	comm   string
	st     *commState[B]
	rank   transport.PEID
	closed bool
}

func (e *endpoint[B]) Rank() transport.PEID { return e.rank }
func (e *endpoint[B]) Size() int            { return e.w.size }

func (e *endpoint[B]) Isend(buf []B, dest transport.PEID, tag int) (transport.Request, error) {
	if e.closed {
		return nil, transport.ErrClosed
	}
	if int(dest) < 0 || int(dest) >= e.w.size {
		return nil, fmt.Errorf("%w: destination %d", transport.ErrInvalidRank, dest)
	}
	owned := make([]B, len(buf))
	copy(owned, buf)
	f := frame[B]{Comm: e.comm, Kind: kindData, Tag: tag, Src: int32(e.rank), Data: owned}
	req := transport.NewAsync()
	go func() {
		req.Complete(e.w.post(f, int(dest)))
	}()
	return req, nil
}

func matches[B constraints.Integer](f frame[B], source transport.PEID, tag int) bool {
	return (source == transport.AnySource || transport.PEID(f.Src) == source) &&
		(tag == transport.AnyTag || f.Tag == tag)
}

func (e *endpoint[B]) Iprobe(source transport.PEID, tag int) (*transport.ProbeInfo, error) {
	if e.closed {
		return nil, transport.ErrClosed
	}
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	for _, f := range e.st.inbox {
		if matches(f, source, tag) {
			return &transport.ProbeInfo{Source: transport.PEID(f.Src), Tag: f.Tag, Count: len(f.Data)}, nil
		}
	}
	return nil, nil
}

func (e *endpoint[B]) Irecv(buf []B, source transport.PEID, tag int) (transport.Request, error) {
	if e.closed {
		return nil, transport.ErrClosed
	}
	r := &recvRequest[B]{e: e, buf: buf, source: source, tag: tag}
	if ok, err := r.claim(); ok || err != nil {
		return transport.Done(err), nil
	}
	return r, nil
}

type recvRequest[B constraints.Integer] struct {
	e      *endpoint[B]
	buf    []B
	source transport.PEID
	tag    int
}

func (r *recvRequest[B]) claim() (bool, error) {
	st := r.e.st
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, f := range st.inbox {
		if !matches(f, r.source, r.tag) {
			continue
		}
		if len(f.Data) > len(r.buf) {
			return true, fmt.Errorf("mpi: receive buffer too small: %d < %d", len(r.buf), len(f.Data))
		}
		copy(r.buf, f.Data)
		st.inbox = append(st.inbox[:i], st.inbox[i+1:]...)
		return true, nil
	}
	return false, nil
}

func (r *recvRequest[B]) Test() (bool, error) { return r.claim() }

func (e *endpoint[B]) Ibarrier() (transport.Request, error) {
	if e.closed {
		return nil, transport.ErrClosed
	}
	e.st.mu.Lock()
	seq := e.st.barSeq
	e.st.barSeq++
	e.st.mu.Unlock()
	f := frame[B]{Comm: e.comm, Kind: kindBarrier, Seq: seq, Src: int32(e.rank)}
	if err := e.w.post(f, 0); err != nil {
		return nil, err
	}
	return &barrierRequest[B]{st: e.st, seq: seq}, nil
}

type barrierRequest[B constraints.Integer] struct {
	st  *commState[B]
	seq int
}

func (r *barrierRequest[B]) Test() (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if !r.st.barDone[r.seq] {
		return false, nil
	}
	delete(r.st.barDone, r.seq)
	return true, nil
}

func (e *endpoint[B]) Iallreduce(local, global []int64) (transport.Request, error) {
	if e.closed {
		return nil, transport.ErrClosed
	}
	if len(local) != len(global) {
		return nil, fmt.Errorf("mpi: allreduce length mismatch: %d != %d", len(local), len(global))
	}
	e.st.mu.Lock()
	seq := e.st.redSeq
	e.st.redSeq++
	e.st.mu.Unlock()
	sums := make([]int64, len(local))
	copy(sums, local)
	f := frame[B]{Comm: e.comm, Kind: kindReduce, Seq: seq, Src: int32(e.rank), Sums: sums}
	if err := e.w.post(f, 0); err != nil {
		return nil, err
	}
	return &reduceRequest[B]{st: e.st, seq: seq, global: global}, nil
}

type reduceRequest[B constraints.Integer] struct {
	st     *commState[B]
	seq    int
	global []int64
}

func (r *reduceRequest[B]) Test() (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	res, ok := r.st.redResult[r.seq]
	if !ok {
		return false, nil
	}
	copy(r.global, res)
	delete(r.st.redResult, r.seq)
	return true, nil
}

// Dup derives an endpoint on a child communicator, allocated per parent in
// duplication order. All ranks must duplicate in the same order.
func (e *endpoint[B]) Dup() (transport.Conn[B], error) {
	if e.closed {
		return nil, transport.ErrClosed
	}
	e.st.mu.Lock()
	index := e.st.dupSeq
	e.st.dupSeq++
	e.st.mu.Unlock()
	child := e.comm + "." + strconv.Itoa(index)
	return &endpoint[B]{w: e.w, comm: child, st: e.w.state(child), rank: e.rank}, nil
}

// Close invalidates the endpoint; the world's receiver stays up until
// World.Close.
func (e *endpoint[B]) Close() error {
	e.closed = true
	return nil
}
