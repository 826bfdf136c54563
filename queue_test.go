package distmq

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/lukasgraetz/distmq/transport"
	"github.com/lukasgraetz/distmq/transport/local"
)

// runWorld drives one goroutine per rank over an in-process world and
// fails the test on the first rank error.
func runWorld(t *testing.T, p int, fn func(rank int, conn transport.Conn[int32]) error) {
	t.Helper()
	world := local.NewWorld[int32](p)
	var g errgroup.Group
	for rank := 0; rank < p; rank++ {
		conn := world.Conn(rank)
		g.Go(func() error { return fn(rank, conn) })
	}
	require.NoError(t, g.Wait())
}

func terminateLoop(q *Queue[int32], h Handler[int32]) error {
	for {
		done, err := q.Terminate(h)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func TestQueueRoundTrip(t *testing.T) {
	const p = 4
	var delivered atomic.Int64
	runWorld(t, p, func(rank int, conn transport.Conn[int32]) error {
		q, err := New(conn)
		if err != nil {
			return err
		}
		defer q.Close()

		seen := make(map[PEID]int)
		h := func(env Envelope[int32]) {
			if len(env.Message) != 2 || env.Message[0] != int32(env.Sender) {
				return
			}
			seen[env.Sender]++
			delivered.Add(1)
		}
		for dest := 0; dest < p; dest++ {
			if err := q.PostMessage([]int32{int32(rank), int32(dest)}, PEID(dest), 0); err != nil {
				return err
			}
		}
		if err := terminateLoop(q, h); err != nil {
			return err
		}
		for src := 0; src < p; src++ {
			if seen[PEID(src)] != 1 {
				return fmt.Errorf("rank %d saw %d messages from %d", rank, seen[PEID(src)], src)
			}
		}
		return nil
	})
	require.EqualValues(t, p*p, delivered.Load())
}

func TestQueueSingleRank(t *testing.T) {
	runWorld(t, 1, func(rank int, conn transport.Conn[int32]) error {
		q, err := New(conn)
		if err != nil {
			return err
		}
		defer q.Close()
		if err := q.PostMessage([]int32{7}, 0, 3); err != nil {
			return err
		}
		var got []Envelope[int32]
		h := func(env Envelope[int32]) {
			msg := make([]int32, len(env.Message))
			copy(msg, env.Message)
			env.Message = msg
			got = append(got, env)
		}
		if err := terminateLoop(q, h); err != nil {
			return err
		}
		if len(got) != 1 || got[0].Message[0] != 7 || got[0].Tag != 3 || got[0].Sender != 0 {
			return fmt.Errorf("unexpected deliveries %+v", got)
		}
		return nil
	})
}

func TestQueuePostValidation(t *testing.T) {
	runWorld(t, 2, func(rank int, conn transport.Conn[int32]) error {
		q, err := New(conn)
		if err != nil {
			return err
		}
		defer q.Close()
		if err := q.PostMessage([]int32{1}, 5, 0); !errors.Is(err, ErrInvalidReceiver) {
			return fmt.Errorf("want ErrInvalidReceiver, got %v", err)
		}
		if err := q.PostMessage([]int32{1}, -1, 0); !errors.Is(err, ErrInvalidReceiver) {
			return fmt.Errorf("want ErrInvalidReceiver, got %v", err)
		}
		if err := q.PostMessage([]int32{1}, 0, transport.ControlTag); !errors.Is(err, ErrReservedTag) {
			return fmt.Errorf("want ErrReservedTag, got %v", err)
		}
		if err := terminateLoop(q, nil); err != nil {
			return err
		}
		if err := q.PostMessage([]int32{1}, 0, 0); !errors.Is(err, ErrQueueTerminating) {
			return fmt.Errorf("want ErrQueueTerminating, got %v", err)
		}
		return nil
	})
}

func TestQueueSynchronousMode(t *testing.T) {
	runWorld(t, 2, func(rank int, conn transport.Conn[int32]) error {
		q, err := New(conn)
		if err != nil {
			return err
		}
		defer q.Close()
		q.SynchronousMode()
		if err := q.PostMessage([]int32{int32(rank)}, PEID(1-rank), 0); err != nil {
			return err
		}
		if n := q.Stats().PendingSends; n != 0 {
			return fmt.Errorf("synchronous post left %d pending sends", n)
		}
		return terminateLoop(q, nil)
	})
}

// Handlers may inject new sends while termination is running; the round
// they interrupt must report false and a later round must still succeed.
func TestQueueTerminateInterrupted(t *testing.T) {
	const p = 2
	runWorld(t, p, func(rank int, conn transport.Conn[int32]) error {
		q, err := New(conn)
		if err != nil {
			return err
		}
		defer q.Close()
		h := func(env Envelope[int32]) {
			ttl := env.Message[0]
			if ttl > 0 {
				if err := q.PostMessage([]int32{ttl - 1}, PEID(1-int(q.Rank())), 0); err != nil {
					panic(err)
				}
			}
		}
		if err := q.PostMessage([]int32{8}, PEID(1-rank), 0); err != nil {
			return err
		}
		rounds := 0
		for {
			done, err := q.Terminate(h)
			if err != nil {
				return err
			}
			rounds++
			if done {
				break
			}
			if rounds > 100 {
				return fmt.Errorf("termination made no progress after %d rounds", rounds)
			}
		}
		stats := q.Stats()
		if stats.PendingSends != 0 || stats.PendingRecvs != 0 {
			return fmt.Errorf("termination left pending requests: %+v", stats)
		}
		return nil
	})
}

// With no traffic in flight termination must succeed within two rounds.
func TestQueueTerminateLiveness(t *testing.T) {
	const p = 4
	runWorld(t, p, func(rank int, conn transport.Conn[int32]) error {
		q, err := New(conn)
		if err != nil {
			return err
		}
		defer q.Close()
		rounds := 0
		for {
			done, err := q.Terminate(nil)
			if err != nil {
				return err
			}
			rounds++
			if done {
				break
			}
		}
		if rounds > 2 {
			return fmt.Errorf("idle termination took %d rounds", rounds)
		}
		// Terminate is idempotent once reached.
		done, err := q.Terminate(nil)
		if err != nil || !done {
			return fmt.Errorf("repeated terminate: done=%v err=%v", done, err)
		}
		return nil
	})
}

func TestQueueStatsCounters(t *testing.T) {
	runWorld(t, 1, func(rank int, conn transport.Conn[int32]) error {
		q, err := New(conn)
		if err != nil {
			return err
		}
		defer q.Close()
		for i := 0; i < 3; i++ {
			if err := q.PostMessage([]int32{int32(i)}, 0, 0); err != nil {
				return err
			}
		}
		if err := terminateLoop(q, nil); err != nil {
			return err
		}
		stats := q.Stats()
		if stats.Sent != 3 || stats.Received != 3 {
			return fmt.Errorf("counters sent=%d received=%d", stats.Sent, stats.Received)
		}
		return nil
	})
}

// Queues on duplicated communicators of the same world must never observe
// each other's traffic.
func TestQueueIsolation(t *testing.T) {
	const p = 4
	runWorld(t, p, func(rank int, conn transport.Conn[int32]) error {
		qa, err := New(conn)
		if err != nil {
			return err
		}
		defer qa.Close()
		qb, err := New(conn)
		if err != nil {
			return err
		}
		defer qb.Close()

		for dest := 0; dest < p; dest++ {
			if err := qa.PostMessage([]int32{100}, PEID(dest), 0); err != nil {
				return err
			}
			if err := qb.PostMessage([]int32{200}, PEID(dest), 0); err != nil {
				return err
			}
		}

		check := func(want int32) func(Envelope[int32]) error {
			return func(env Envelope[int32]) error {
				if env.Message[0] != want {
					return fmt.Errorf("rank %d: queue expecting %d got %d", rank, want, env.Message[0])
				}
				return nil
			}
		}
		var firstErr error
		ha := func(env Envelope[int32]) {
			if err := check(100)(env); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		hb := func(env Envelope[int32]) {
			if err := check(200)(env); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		// Drive both queues; they terminate independently.
		doneA, doneB := false, false
		for !doneA || !doneB {
			if !doneA {
				if doneA, err = qa.Terminate(ha); err != nil {
					return err
				}
			}
			if !doneB {
				if doneB, err = qb.Terminate(hb); err != nil {
					return err
				}
			}
		}
		if firstErr != nil {
			return firstErr
		}
		if qa.Stats().Received != int64(p) || qb.Stats().Received != int64(p) {
			return fmt.Errorf("rank %d received %d/%d", rank, qa.Stats().Received, qb.Stats().Received)
		}
		return nil
	})
}
