package distmq

import "fmt"

// Terminate drives one round of the two-wave termination protocol,
// delivering messages via h while it runs. It returns true once global
// quiescence is proven: the sum of messages posted equals the sum of
// messages delivered across all ranks and no local send was posted after
// the counter snapshot. A false return means the round was interrupted by
// new traffic; callers loop, typically as
//
//	for {
//		if done, err := q.Terminate(h); err != nil || done {
//			...
//		}
//	}
//
// After a true return no further sends are accepted. Terminate must not be
// called from within a handler.
func (q *Queue[B]) Terminate(h Handler[B]) (bool, error) {
	if q.terminated {
		return true, nil
	}

	// Drain locally before joining the barrier: every rank enters wave A
	// only once its own queue is momentarily quiet.
	if err := q.drain(h); err != nil {
		return false, err
	}

	// Wave A: the barrier establishes a global cut. Every send posted
	// before any rank leaves the barrier has been initiated by the time
	// all ranks exit, and the transport's reliability guarantees it will
	// be matched. Polling continues throughout, since messages may still
	// arrive and handlers may spawn new sends.
	q.log.Debug().Msg("termination: entering barrier wave")
	breq, err := q.conn.Ibarrier()
	if err != nil {
		return false, fmt.Errorf("distmq: barrier failed: %w", err)
	}
	if err := q.await(breq, h); err != nil {
		return false, err
	}

	// Snapshot the local counters after the cut. The third element carries
	// traffic the counters cannot see, reported by a layer above through
	// the pending hook, such as a post merged into a buffer that stayed
	// under its flush threshold. It travels in the reduction so every rank
	// reaches the same verdict on the round.
	local := []int64{q.sent, q.received, 0}
	if q.hasPending() {
		local[2] = 1
	}
	q.activity = false

	// Wave B: global sums of the snapshots.
	q.log.Debug().Int64("sent", local[0]).Int64("received", local[1]).Int64("pending", local[2]).Msg("termination: entering reduction wave")
	global := make([]int64, 3)
	rreq, err := q.conn.Iallreduce(local, global)
	if err != nil {
		return false, fmt.Errorf("distmq: allreduce failed: %w", err)
	}
	if err := q.await(rreq, h); err != nil {
		return false, err
	}

	// Equality proves every posted message was delivered, any pending
	// content anywhere fails the round for all ranks alike, and the
	// activity guard rejects rounds where handlers injected sends after
	// the snapshot, since those are not covered by the sums.
	if global[0] != global[1] || global[2] != 0 || q.activity {
		q.log.Debug().
			Int64("global_sent", global[0]).
			Int64("global_received", global[1]).
			Int64("global_pending", global[2]).
			Bool("local_activity", q.activity).
			Msg("termination: round interrupted")
		return false, nil
	}

	// Final drain for messages that were already in the transport between
	// snapshot and barrier exit. New posts are rejected from here on.
	q.draining = true
	if err := q.drain(h); err != nil {
		q.draining = false
		return false, err
	}
	q.terminated = true
	q.log.Debug().Int64("sent", q.sent).Int64("received", q.received).Msg("termination: reached")
	return true, nil
}

func (q *Queue[B]) hasPending() bool { return q.pending != nil && q.pending() }

// await polls the queue while waiting for a collective request.
func (q *Queue[B]) await(req interface{ Test() (bool, error) }, h Handler[B]) error {
	for {
		done, err := req.Test()
		if err != nil {
			return fmt.Errorf("distmq: collective failed: %w", err)
		}
		if done {
			return nil
		}
		if _, err := q.pollOnce(h); err != nil {
			return err
		}
	}
}
