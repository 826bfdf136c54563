package aggregation

import (
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/lukasgraetz/distmq"
)

// SentinelMerger terminates every message with a sentinel value. The
// sentinel must not occur in any payload; the merger does not scan for it.
type SentinelMerger[B constraints.Integer] struct {
	Sentinel B
}

func (m SentinelMerger[B]) Estimate(env distmq.Envelope[B]) int { return len(env.Message) + 1 }

func (m SentinelMerger[B]) Merge(buf []B, env distmq.Envelope[B]) ([]B, error) {
	buf = append(buf, env.Message...)
	return append(buf, m.Sentinel), nil
}

// SentinelSplitter cuts a received buffer at each sentinel and delivers the
// piece before it as one message. A buffer whose last message is not
// sentinel-terminated is malformed.
type SentinelSplitter[B constraints.Integer] struct {
	Sentinel B
}

func (s SentinelSplitter[B]) Split(env distmq.Envelope[B], deliver distmq.Handler[B]) error {
	start := 0
	for i, v := range env.Message {
		if v != s.Sentinel {
			continue
		}
		out := env
		out.Message = env.Message[start:i]
		deliver(out)
		start = i + 1
	}
	if start != len(env.Message) {
		return fmt.Errorf("aggregation: buffer not sentinel-terminated, %d trailing elements", len(env.Message)-start)
	}
	return nil
}
