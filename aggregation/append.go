// Package aggregation provides the stock mergers and splitters for buffered
// queues: plain append, sentinel framing and envelope serialization with a
// configurable metadata field set. All of them encode into flat integer
// buffers, which is what the transports ship natively.
package aggregation

import (
	"golang.org/x/exp/constraints"

	"github.com/lukasgraetz/distmq"
)

// AppendMerger concatenates payloads without any framing. Message
// boundaries survive only when each transport buffer carries a single
// message, so it pairs with WholeBufferSplitter and suits workloads that
// flush per post or treat a whole buffer as one message.
type AppendMerger[B constraints.Integer] struct{}

func (AppendMerger[B]) Estimate(env distmq.Envelope[B]) int { return len(env.Message) }

func (AppendMerger[B]) Merge(buf []B, env distmq.Envelope[B]) ([]B, error) {
	return append(buf, env.Message...), nil
}

// WholeBufferSplitter delivers each received buffer as one envelope.
type WholeBufferSplitter[B constraints.Integer] struct{}

func (WholeBufferSplitter[B]) Split(env distmq.Envelope[B], deliver distmq.Handler[B]) error {
	deliver(env)
	return nil
}
