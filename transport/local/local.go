// Package local provides an in-process transport. A World hosts a fixed
// number of ranks inside one OS process; each rank is driven by its own
// goroutine and exchanges frames through shared inboxes. The package exists
// for tests and single-node runs, but implements the full contract,
// including non-blocking collectives and communicator duplication.
package local

import (
	"fmt"
	"sync"

	"golang.org/x/exp/constraints"

	"github.com/lukasgraetz/distmq/transport"
)

// World is a set of in-process ranks sharing a root communicator.
type World[B constraints.Integer] struct {
	size int
	root *comm[B]
}

// NewWorld creates a world of size ranks.
func NewWorld[B constraints.Integer](size int) *World[B] {
	if size <= 0 {
		panic(fmt.Sprintf("local: invalid world size %d", size))
	}
	w := &World[B]{size: size}
	w.root = newComm[B](size)
	return w
}

// Size returns the number of ranks in the world.
func (w *World[B]) Size() int { return w.size }

// Conn returns rank's endpoint on the root communicator.
func (w *World[B]) Conn(rank int) transport.Conn[B] {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("local: rank %d out of range", rank))
	}
	return &conn[B]{c: w.root, rank: transport.PEID(rank)}
}

// Conns returns endpoints for all ranks, indexed by rank.
func (w *World[B]) Conns() []transport.Conn[B] {
	conns := make([]transport.Conn[B], w.size)
	for i := range conns {
		conns[i] = w.Conn(i)
	}
	return conns
}

type frame[B constraints.Integer] struct {
	src     transport.PEID
	tag     int
	payload []B
}

// comm is one matching universe. Frames, barrier state and reduction state
// are all guarded by mu; per-pair FIFO order follows from append order.
type comm[B constraints.Integer] struct {
	size int

	mu      sync.Mutex
	inboxes [][]frame[B]

	barGen   int
	barCount int

	redGen     int
	redCount   int
	redAcc     []int64
	redResults map[int][]int64
	redReads   map[int]int

	dupSeq   []int
	children map[int]*comm[B]
}

func newComm[B constraints.Integer](size int) *comm[B] {
	return &comm[B]{
		size:       size,
		inboxes:    make([][]frame[B], size),
		redResults: make(map[int][]int64),
		redReads:   make(map[int]int),
		dupSeq:     make([]int, size),
		children:   make(map[int]*comm[B]),
	}
}

func (c *comm[B]) child(index int) *comm[B] {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.children[index]
	if !ok {
		ch = newComm[B](c.size)
		c.children[index] = ch
	}
	return ch
}

func matches[B constraints.Integer](f frame[B], source transport.PEID, tag int) bool {
	return (source == transport.AnySource || f.src == source) &&
		(tag == transport.AnyTag || f.tag == tag)
}

type conn[B constraints.Integer] struct {
	c      *comm[B]
	rank   transport.PEID
	closed bool
}

func (cn *conn[B]) Rank() transport.PEID { return cn.rank }
func (cn *conn[B]) Size() int            { return cn.c.size }

func (cn *conn[B]) Isend(buf []B, dest transport.PEID, tag int) (transport.Request, error) {
	if cn.closed {
		return nil, transport.ErrClosed
	}
	if int(dest) < 0 || int(dest) >= cn.c.size {
		return nil, fmt.Errorf("%w: destination %d", transport.ErrInvalidRank, dest)
	}
	owned := make([]B, len(buf))
	copy(owned, buf)
	c := cn.c
	c.mu.Lock()
	c.inboxes[dest] = append(c.inboxes[dest], frame[B]{src: cn.rank, tag: tag, payload: owned})
	c.mu.Unlock()
	// The frame is already buffered, so the caller's buf is free again.
	return transport.Done(nil), nil
}

func (cn *conn[B]) Iprobe(source transport.PEID, tag int) (*transport.ProbeInfo, error) {
	if cn.closed {
		return nil, transport.ErrClosed
	}
	c := cn.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.inboxes[cn.rank] {
		if matches(f, source, tag) {
			return &transport.ProbeInfo{Source: f.src, Tag: f.tag, Count: len(f.payload)}, nil
		}
	}
	return nil, nil
}

// Irecv claims the first matching frame eagerly, so a frame matched by a
// posted receive is no longer visible to subsequent probes. When no frame
// has arrived yet the receive stays pending and claims on Test.
func (cn *conn[B]) Irecv(buf []B, source transport.PEID, tag int) (transport.Request, error) {
	if cn.closed {
		return nil, transport.ErrClosed
	}
	r := &recvRequest[B]{cn: cn, buf: buf, source: source, tag: tag}
	if ok, err := r.claim(); ok || err != nil {
		return transport.Done(err), nil
	}
	return r, nil
}

type recvRequest[B constraints.Integer] struct {
	cn     *conn[B]
	buf    []B
	source transport.PEID
	tag    int
}

func (r *recvRequest[B]) claim() (bool, error) {
	c := r.cn.c
	c.mu.Lock()
	defer c.mu.Unlock()
	inbox := c.inboxes[r.cn.rank]
	for i, f := range inbox {
		if !matches(f, r.source, r.tag) {
			continue
		}
		if len(f.payload) > len(r.buf) {
			return true, fmt.Errorf("local: receive buffer too small: %d < %d", len(r.buf), len(f.payload))
		}
		copy(r.buf, f.payload)
		c.inboxes[r.cn.rank] = append(inbox[:i], inbox[i+1:]...)
		return true, nil
	}
	return false, nil
}

func (r *recvRequest[B]) Test() (bool, error) { return r.claim() }

func (cn *conn[B]) Ibarrier() (transport.Request, error) {
	if cn.closed {
		return nil, transport.ErrClosed
	}
	c := cn.c
	c.mu.Lock()
	gen := c.barGen
	c.barCount++
	if c.barCount == c.size {
		c.barCount = 0
		c.barGen++
	}
	c.mu.Unlock()
	return &barrierRequest[B]{c: c, gen: gen}, nil
}

type barrierRequest[B constraints.Integer] struct {
	c   *comm[B]
	gen int
}

func (r *barrierRequest[B]) Test() (bool, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return r.c.barGen > r.gen, nil
}

func (cn *conn[B]) Iallreduce(local, global []int64) (transport.Request, error) {
	if cn.closed {
		return nil, transport.ErrClosed
	}
	if len(local) != len(global) {
		return nil, fmt.Errorf("local: allreduce length mismatch: %d != %d", len(local), len(global))
	}
	c := cn.c
	c.mu.Lock()
	round := c.redGen
	if c.redAcc == nil {
		c.redAcc = make([]int64, len(local))
	}
	for i, v := range local {
		c.redAcc[i] += v
	}
	c.redCount++
	if c.redCount == c.size {
		c.redResults[round] = c.redAcc
		c.redAcc = nil
		c.redCount = 0
		c.redGen++
	}
	c.mu.Unlock()
	return &reduceRequest[B]{c: c, round: round, global: global}, nil
}

type reduceRequest[B constraints.Integer] struct {
	c      *comm[B]
	round  int
	global []int64
}

func (r *reduceRequest[B]) Test() (bool, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.redResults[r.round]
	if !ok {
		return false, nil
	}
	copy(r.global, res)
	c.redReads[r.round]++
	if c.redReads[r.round] == c.size {
		delete(c.redResults, r.round)
		delete(c.redReads, r.round)
	}
	return true, nil
}

// Dup derives an endpoint on a child communicator. The n-th duplication of
// a communicator on every rank yields endpoints of the same child, so ranks
// must issue duplications in the same order.
func (cn *conn[B]) Dup() (transport.Conn[B], error) {
	if cn.closed {
		return nil, transport.ErrClosed
	}
	c := cn.c
	c.mu.Lock()
	index := c.dupSeq[cn.rank]
	c.dupSeq[cn.rank]++
	c.mu.Unlock()
	return &conn[B]{c: c.child(index), rank: cn.rank}, nil
}

func (cn *conn[B]) Close() error {
	cn.closed = true
	return nil
}
