// Package tcp implements the transport over pairwise TCP connections. A
// Node owns one socket per peer; rank order is the caller's address list
// order, so all ranks must be started with the same list. Frames are gob
// encoded. Collectives are coordinated by rank 0: participants report to
// the root, which broadcasts the release or the reduced sums.
package tcp

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/exp/constraints"
	"golang.org/x/sync/errgroup"

	"github.com/lukasgraetz/distmq/transport"
)

const rootComm = "0"

// Config describes one rank's view of the cluster.
type Config struct {
	// Addrs holds one listen address per rank; the index is the rank. Every
	// rank must be given the identical list.
	Addrs []string

	// Rank is the local index into Addrs.
	Rank int

	// Secret guards the handshake. Connections presenting a different
	// secret are rejected.
	Secret string

	// DialTimeout bounds the total time spent connecting to one peer,
	// retries included. Zero means a minute.
	DialTimeout time.Duration

	Logger zerolog.Logger
}

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

type handshake struct {
	Rank   int
	Secret string
}

// Node is one rank's endpoint set. It owns the sockets; the endpoints
// handed out by Conn and Dup share them.
type Node[B constraints.Integer] struct {
	rank  int
	size  int
	log   zerolog.Logger
	peers []*peer[B]
	comms *registry[string, *commState[B]]
	wg    sync.WaitGroup
}

// peer is one bidirectional connection. Outbound frames queue under mu and
// a dedicated writer goroutine encodes them, so no caller ever blocks on a
// slow socket.
type peer[B constraints.Integer] struct {
	rank int
	sock net.Conn

	mu     sync.Mutex
	cond   *sync.Cond
	outbox []frame[B]
	closed bool
	err    error
}

func newPeer[B constraints.Integer](rank int, sock net.Conn) *peer[B] {
	p := &peer[B]{rank: rank, sock: sock}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *peer[B]) enqueue(f frame[B]) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.closed {
		return transport.ErrClosed
	}
	p.outbox = append(p.outbox, f)
	p.cond.Signal()
	return nil
}

func (p *peer[B]) writeLoop(enc *gob.Encoder) {
	for {
		p.mu.Lock()
		for len(p.outbox) == 0 && !p.closed && p.err == nil {
			p.cond.Wait()
		}
		if (p.closed || p.err != nil) && len(p.outbox) == 0 {
			p.mu.Unlock()
			return
		}
		batch := p.outbox
		p.outbox = nil
		p.mu.Unlock()
		for i := range batch {
			if err := enc.Encode(&batch[i]); err != nil {
				p.mu.Lock()
				if p.err == nil {
					p.err = fmt.Errorf("tcp: writing to rank %d: %w", p.rank, err)
				}
				p.mu.Unlock()
				return
			}
		}
	}
}

func (p *peer[B]) shutdown() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return p.sock.Close()
}

// commState is one matching universe, mirrored on every rank. Collective
// bookkeeping on the root side lives in the arrival maps; every rank reads
// completion out of the done and result maps.
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

// Connect establishes the all-to-all mesh: the local rank accepts
// connections from higher ranks and dials lower ranks, retrying dials
// under exponential backoff until the peer's listener is up.
func Connect[B constraints.Integer](ctx context.Context, cfg Config) (*Node[B], error) {
	size := len(cfg.Addrs)
	if size == 0 {
		return nil, fmt.Errorf("tcp: empty address list")
	}
	if cfg.Rank < 0 || cfg.Rank >= size {
		return nil, fmt.Errorf("%w: rank %d with %d addresses", transport.ErrInvalidRank, cfg.Rank, size)
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = time.Minute
	}

	n := &Node[B]{
		rank:  cfg.Rank,
		size:  size,
		log:   cfg.Logger.With().Int("rank", cfg.Rank).Logger(),
		peers: make([]*peer[B], size),
		comms: newRegistry[string, *commState[B]](),
	}

	ln, err := net.Listen("tcp", cfg.Addrs[cfg.Rank])
	if err != nil {
		return nil, fmt.Errorf("tcp: listening on %s: %w", cfg.Addrs[cfg.Rank], err)
	}
	defer ln.Close()

	decoders := make([]*gob.Decoder, size)
	encoders := make([]*gob.Encoder, size)

	g, gctx := errgroup.WithContext(ctx)
	settled := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			ln.Close()
		case <-settled:
		}
	}()

	var mu sync.Mutex
	g.Go(func() error {
		for accepted := 0; accepted < size-1-cfg.Rank; accepted++ {
			sock, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("tcp: accept: %w", err)
			}
			dec := gob.NewDecoder(sock)
			enc := gob.NewEncoder(sock)
			var hello handshake
			if err := dec.Decode(&hello); err != nil {
				sock.Close()
				return fmt.Errorf("tcp: reading handshake: %w", err)
			}
			if hello.Secret != cfg.Secret {
				sock.Close()
				return fmt.Errorf("tcp: peer %s presented a bad secret", sock.RemoteAddr())
			}
			if hello.Rank <= cfg.Rank || hello.Rank >= size {
				sock.Close()
				return fmt.Errorf("tcp: unexpected rank %d from %s", hello.Rank, sock.RemoteAddr())
			}
			if err := enc.Encode(handshake{Rank: cfg.Rank, Secret: cfg.Secret}); err != nil {
				sock.Close()
				return fmt.Errorf("tcp: answering handshake: %w", err)
			}
			mu.Lock()
			dup := n.peers[hello.Rank] != nil
			if !dup {
				n.peers[hello.Rank] = newPeer[B](hello.Rank, sock)
				decoders[hello.Rank] = dec
				encoders[hello.Rank] = enc
			}
			mu.Unlock()
			if dup {
				sock.Close()
				return fmt.Errorf("tcp: duplicate connection from rank %d", hello.Rank)
			}
			n.log.Debug().Int("peer", hello.Rank).Msg("accepted connection")
		}
		return nil
	})

	for lower := 0; lower < cfg.Rank; lower++ {
		lower := lower
		g.Go(func() error {
			policy := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(dialTimeout)), gctx)
			sock, err := backoff.RetryWithData(func() (net.Conn, error) {
				return net.Dial("tcp", cfg.Addrs[lower])
			}, policy)
			if err != nil {
				return fmt.Errorf("tcp: dialing rank %d at %s: %w", lower, cfg.Addrs[lower], err)
			}
			enc := gob.NewEncoder(sock)
			dec := gob.NewDecoder(sock)
			if err := enc.Encode(handshake{Rank: cfg.Rank, Secret: cfg.Secret}); err != nil {
				sock.Close()
				return fmt.Errorf("tcp: sending handshake: %w", err)
			}
			var reply handshake
			if err := dec.Decode(&reply); err != nil {
				sock.Close()
				return fmt.Errorf("tcp: reading handshake reply: %w", err)
			}
			if reply.Secret != cfg.Secret || reply.Rank != lower {
				sock.Close()
				return fmt.Errorf("tcp: rank %d handshake mismatch", lower)
			}
			mu.Lock()
			n.peers[lower] = newPeer[B](lower, sock)
			decoders[lower] = dec
			encoders[lower] = enc
			mu.Unlock()
			n.log.Debug().Int("peer", lower).Msg("dialed connection")
			return nil
		})
	}

	err = g.Wait()
	close(settled)
	if err != nil {
		for _, p := range n.peers {
			if p != nil {
				p.sock.Close()
			}
		}
		return nil, err
	}

	for rank, p := range n.peers {
		if p == nil {
			continue
		}
		p := p
		enc, dec := encoders[rank], decoders[rank]
		n.wg.Add(2)
		go func() {
			defer n.wg.Done()
			p.writeLoop(enc)
		}()
		go func() {
			defer n.wg.Done()
			n.readLoop(p, dec)
		}()
	}
	n.log.Debug().Int("size", size).Msg("mesh established")
	return n, nil
}

func (n *Node[B]) readLoop(p *peer[B], dec *gob.Decoder) {
	for {
		var f frame[B]
		if err := dec.Decode(&f); err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if !closed {
				n.log.Debug().Int("peer", p.rank).Err(err).Msg("read loop ended")
			}
			return
		}
		n.dispatch(&f)
	}
}

func (n *Node[B]) state(comm string) *commState[B] {
	return n.comms.GetOrCreate(comm, newCommState[B])
}

func (n *Node[B]) dispatch(f *frame[B]) {
	st := n.state(f.Comm)
	switch f.Kind {
	case kindData:
		st.mu.Lock()
		st.inbox = append(st.inbox, *f)
		st.mu.Unlock()
	case kindBarrier:
		n.barrierArrive(f.Comm, st, f.Seq)
	case kindBarrierDone:
		st.mu.Lock()
		st.barDone[f.Seq] = true
		st.mu.Unlock()
	case kindReduce:
		n.reduceArrive(f.Comm, st, f.Seq, f.Sums)
	case kindReduceDone:
		st.mu.Lock()
		st.redResult[f.Seq] = f.Sums
		st.mu.Unlock()
	}
}

// barrierArrive runs on the root. The size-th arrival releases the barrier
// and broadcasts the release to every other rank.
func (n *Node[B]) barrierArrive(comm string, st *commState[B], seq int) {
	st.mu.Lock()
	st.barArrived[seq]++
	complete := st.barArrived[seq] == n.size
	if complete {
		delete(st.barArrived, seq)
		st.barDone[seq] = true
	}
	st.mu.Unlock()
	if complete {
		n.broadcast(frame[B]{Comm: comm, Kind: kindBarrierDone, Seq: seq, Src: int32(n.rank)})
	}
}

// reduceArrive runs on the root and accumulates element-wise sums.
func (n *Node[B]) reduceArrive(comm string, st *commState[B], seq int, sums []int64) {
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
	complete := st.redCount[seq] == n.size
	if complete {
		delete(st.redAcc, seq)
		delete(st.redCount, seq)
		st.redResult[seq] = acc
	}
	st.mu.Unlock()
	if complete {
		n.broadcast(frame[B]{Comm: comm, Kind: kindReduceDone, Seq: seq, Src: int32(n.rank), Sums: acc})
	}
}

func (n *Node[B]) broadcast(f frame[B]) {
	for _, p := range n.peers {
		if p == nil {
			continue
		}
		if err := p.enqueue(f); err != nil {
			n.log.Error().Int("peer", p.rank).Err(err).Msg("broadcast failed")
		}
	}
}

// Conn returns the local endpoint on the root communicator.
func (n *Node[B]) Conn() transport.Conn[B] {
	return &endpoint[B]{n: n, comm: rootComm, st: n.state(rootComm), rank: transport.PEID(n.rank)}
}

// Close tears down all sockets and waits for the reader and writer
// goroutines to exit.
func (n *Node[B]) Close() error {
	var err error
	for _, p := range n.peers {
		if p != nil {
			err = multierr.Append(err, p.shutdown())
		}
	}
	n.wg.Wait()
	return err
}

type endpoint[B constraints.Integer] struct {
	n      *Node[B]
	comm   string
	st     *commState[B]
	rank   transport.PEID
	closed bool
}

func (e *endpoint[B]) Rank() transport.PEID { return e.rank }
func (e *endpoint[B]) Size() int            { return e.n.size }

func (e *endpoint[B]) send(f frame[B], dest transport.PEID) error {
	if int(dest) == e.n.rank {
		e.n.dispatch(&f)
		return nil
	}
	p := e.n.peers[dest]
	return p.enqueue(f)
}

func (e *endpoint[B]) Isend(buf []B, dest transport.PEID, tag int) (transport.Request, error) {
	if e.closed {
		return nil, transport.ErrClosed
	}
	if int(dest) < 0 || int(dest) >= e.n.size {
		return nil, fmt.Errorf("%w: destination %d", transport.ErrInvalidRank, dest)
	}
	owned := make([]B, len(buf))
	copy(owned, buf)
	f := frame[B]{Comm: e.comm, Kind: kindData, Tag: tag, Src: int32(e.rank), Data: owned}
	if err := e.send(f, dest); err != nil {
		return nil, err
	}
	// The writer goroutine owns the frame now; the caller's buf is free.
	return transport.Done(nil), nil
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

// Irecv claims the first matching frame eagerly; a pending receive claims
// on Test. A frame matched by a posted receive is invisible to later
// probes.
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
			return true, fmt.Errorf("tcp: receive buffer too small: %d < %d", len(r.buf), len(f.Data))
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
	if e.n.rank == 0 {
		e.n.barrierArrive(e.comm, e.st, seq)
	} else if err := e.send(frame[B]{Comm: e.comm, Kind: kindBarrier, Seq: seq, Src: int32(e.rank)}, 0); err != nil {
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
		return nil, fmt.Errorf("tcp: allreduce length mismatch: %d != %d", len(local), len(global))
	}
	e.st.mu.Lock()
	seq := e.st.redSeq
	e.st.redSeq++
	e.st.mu.Unlock()
	sums := make([]int64, len(local))
	copy(sums, local)
	if e.n.rank == 0 {
		e.n.reduceArrive(e.comm, e.st, seq, sums)
	} else if err := e.send(frame[B]{Comm: e.comm, Kind: kindReduce, Seq: seq, Src: int32(e.rank), Sums: sums}, 0); err != nil {
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

// Dup derives an endpoint on a child communicator. Child identifiers are
// allocated per parent in duplication order, so all ranks must duplicate a
// communicator in the same order.
func (e *endpoint[B]) Dup() (transport.Conn[B], error) {
	if e.closed {
		return nil, transport.ErrClosed
	}
	e.st.mu.Lock()
	index := e.st.dupSeq
	e.st.dupSeq++
	e.st.mu.Unlock()
	child := e.comm + "." + strconv.Itoa(index)
	return &endpoint[B]{n: e.n, comm: child, st: e.n.state(child), rank: e.rank}, nil
}

// Close invalidates the endpoint; the node's sockets stay up until
// Node.Close.
func (e *endpoint[B]) Close() error {
	e.closed = true
	return nil
}
