package aggregation

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/lukasgraetz/distmq"
	"github.com/lukasgraetz/distmq/transport/local"
)

func TestChunkByEmbeddedSize(t *testing.T) {
	buf := []int32{3, 1, 1, 1, 2, 42, 42, 5, 8, 8, 8, 8, 8}
	var payloads [][]int32
	for chunk := range ChunkByEmbeddedSize(buf, 0) {
		payloads = append(payloads, chunk[1:])
	}
	want := [][]int32{{1, 1, 1}, {42, 42}, {8, 8, 8, 8, 8}}
	require.Empty(t, cmp.Diff(want, payloads))
}

func TestChunkByEmbeddedSizeClampsTrailing(t *testing.T) {
	buf := []int32{2, 7, 7, 9, 5}
	var chunks [][]int32
	for chunk := range ChunkByEmbeddedSize(buf, 0) {
		chunks = append(chunks, chunk)
	}
	want := [][]int32{{2, 7, 7}, {9, 5}}
	require.Empty(t, cmp.Diff(want, chunks))
}

func TestChunkByEmbeddedSizeOffset(t *testing.T) {
	// One leading field before the size.
	buf := []int32{9, 2, 5, 5, 4, 1, 6}
	var chunks [][]int32
	for chunk := range ChunkByEmbeddedSize(buf, 1) {
		chunks = append(chunks, chunk)
	}
	want := [][]int32{{9, 2, 5, 5}, {4, 1, 6}}
	require.Empty(t, cmp.Diff(want, chunks))
}

func collect[M any](t *testing.T, s distmq.Splitter[M, int32], env distmq.Envelope[int32]) []distmq.Envelope[M] {
	t.Helper()
	var out []distmq.Envelope[M]
	require.NoError(t, s.Split(env, func(e distmq.Envelope[M]) { out = append(out, e) }))
	return out
}

func TestSentinelRoundTrip(t *testing.T) {
	m := SentinelMerger[int32]{Sentinel: -1}
	s := SentinelSplitter[int32]{Sentinel: -1}

	var buf []int32
	var err error
	msgs := [][]int32{{1, 2, 3}, {}, {9}}
	for _, msg := range msgs {
		buf, err = m.Merge(buf, distmq.Envelope[int32]{Message: msg})
		require.NoError(t, err)
	}
	require.Equal(t, []int32{1, 2, 3, -1, -1, 9, -1}, buf)

	got := collect[int32](t, s, distmq.Envelope[int32]{Message: buf, Sender: 2})
	require.Len(t, got, 3)
	for i, env := range got {
		require.Empty(t, cmp.Diff(msgs[i], env.Message, cmp.Transformer("nilToEmpty", func(v []int32) []int32 {
			if v == nil {
				return []int32{}
			}
			return v
		})))
		require.EqualValues(t, 2, env.Sender)
	}
}

func TestSentinelTrailingGarbage(t *testing.T) {
	s := SentinelSplitter[int32]{Sentinel: -1}
	err := s.Split(distmq.Envelope[int32]{Message: []int32{1, -1, 2, 3}}, func(distmq.Envelope[int32]) {})
	require.Error(t, err)
}

func TestEnvelopeScalarRoundTrip(t *testing.T) {
	fields := FieldSize | FieldReceiver | FieldSender | FieldTag
	m := EnvelopeMerger[int32, int32]{Fields: fields, Codec: Scalar[int32]{}}
	s := EnvelopeSplitter[int32, int32]{Fields: fields, Codec: Scalar[int32]{}}

	var buf []int32
	var err error
	envs := []distmq.Envelope[int32]{
		{Message: []int32{5, 6}, Sender: 1, Receiver: 2, Tag: 3},
		{Message: []int32{7}, Sender: 0, Receiver: 3, Tag: 1},
	}
	for _, env := range envs {
		require.Equal(t, 4+len(env.Message), m.Estimate(env))
		buf, err = m.Merge(buf, env)
		require.NoError(t, err)
	}
	// size counts the remaining metadata plus the payload.
	require.Equal(t, []int32{5, 2, 1, 3, 5, 6, 4, 3, 0, 1, 7}, buf)

	got := collect[int32](t, s, distmq.Envelope[int32]{Message: buf})
	require.Empty(t, cmp.Diff(envs, got))
}

func TestEnvelopeDefaultFieldsFallBackToWireMetadata(t *testing.T) {
	m := EnvelopeMerger[int32, int32]{Fields: DefaultFields, Codec: Scalar[int32]{}}
	s := EnvelopeSplitter[int32, int32]{Fields: DefaultFields, Codec: Scalar[int32]{}}

	buf, err := m.Merge(nil, distmq.Envelope[int32]{Message: []int32{8}, Sender: 1, Receiver: 2, Tag: 9})
	require.NoError(t, err)
	require.Equal(t, []int32{2, 2, 8}, buf)

	got := collect[int32](t, s, distmq.Envelope[int32]{Message: buf, Sender: 1, Receiver: 5, Tag: 7})
	require.Len(t, got, 1)
	// Receiver travels on the wire; sender and tag come from the transport
	// envelope.
	require.EqualValues(t, 2, got[0].Receiver)
	require.EqualValues(t, 1, got[0].Sender)
	require.Equal(t, 7, got[0].Tag)
}

func TestEnvelopeFixedLength(t *testing.T) {
	fields := FieldReceiver
	m := EnvelopeMerger[int32, int32]{Fields: fields, Codec: Scalar[int32]{}, FixedLength: 2}
	s := EnvelopeSplitter[int32, int32]{Fields: fields, Codec: Scalar[int32]{}, FixedLength: 2}

	buf, err := m.Merge(nil, distmq.Envelope[int32]{Message: []int32{4, 5}, Receiver: 3})
	require.NoError(t, err)
	buf, err = m.Merge(buf, distmq.Envelope[int32]{Message: []int32{6, 7}, Receiver: 0})
	require.NoError(t, err)
	require.Equal(t, []int32{3, 4, 5, 0, 6, 7}, buf)

	got := collect[int32](t, s, distmq.Envelope[int32]{Message: buf})
	require.Len(t, got, 2)
	require.Equal(t, []int32{4, 5}, got[0].Message)
	require.EqualValues(t, 3, got[0].Receiver)
	require.Equal(t, []int32{6, 7}, got[1].Message)

	_, err = m.Merge(nil, distmq.Envelope[int32]{Message: []int32{1}, Receiver: 0})
	require.Error(t, err)
}

func TestEnvelopePairRoundTrip(t *testing.T) {
	fields := FieldSize | FieldSender
	m := EnvelopeMerger[Pair[int32], int32]{Fields: fields, Codec: PairCodec[int32]{}}
	s := EnvelopeSplitter[Pair[int32], int32]{Fields: fields, Codec: PairCodec[int32]{}}

	env := distmq.Envelope[Pair[int32]]{
		Message: []Pair[int32]{{First: 1, Second: 2}, {First: 3, Second: 4}},
		Sender:  7,
	}
	buf, err := m.Merge(nil, env)
	require.NoError(t, err)
	require.Equal(t, []int32{5, 7, 1, 2, 3, 4}, buf)

	got := collect[Pair[int32]](t, s, distmq.Envelope[int32]{Message: buf})
	require.Len(t, got, 1)
	require.Empty(t, cmp.Diff(env.Message, got[0].Message))
	require.EqualValues(t, 7, got[0].Sender)
}

// All-to-all with tuple payloads over the in-process transport: every rank
// sends (dest, rank) pairs to every rank, so each received pair names its
// receiver in First and its sender in Second.
func TestEnvelopePairAllToAll(t *testing.T) {
	const (
		p        = 4
		elements = 200
	)
	fields := FieldSize | FieldSender
	var received atomic.Int64

	world := local.NewWorld[int32](p)
	var eg errgroup.Group
	for rank := 0; rank < p; rank++ {
		rank := rank
		eg.Go(func() error {
			q, err := distmq.NewBuffered[Pair[int32]](world.Conn(rank),
				EnvelopeMerger[Pair[int32], int32]{Fields: fields, Codec: PairCodec[int32]{}},
				EnvelopeSplitter[Pair[int32], int32]{Fields: fields, Codec: PairCodec[int32]{}},
				distmq.WithLocalThreshold(32))
			if err != nil {
				return err
			}
			defer q.Close()

			var bad int64
			h := func(env distmq.Envelope[Pair[int32]]) {
				for _, pair := range env.Message {
					if pair.First != int32(rank) || pair.Second != int32(env.Sender) {
						bad++
					}
					received.Add(1)
				}
			}
			for i := 0; i < elements; i++ {
				dest := i % p
				pair := Pair[int32]{First: int32(dest), Second: int32(rank)}
				if err := q.Post(pair, distmq.PEID(dest)); err != nil {
					return err
				}
				if err := q.Poll(h); err != nil {
					return err
				}
			}
			for {
				done, err := q.Terminate(h)
				if err != nil {
					return err
				}
				if done {
					break
				}
			}
			if bad != 0 {
				return fmt.Errorf("rank %d received %d mismatched pairs", rank, bad)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.EqualValues(t, p*elements, received.Load())
}

func TestEnvelopeTruncatedRecord(t *testing.T) {
	s := EnvelopeSplitter[int32, int32]{Fields: DefaultFields, Codec: Scalar[int32]{}}
	err := s.Split(distmq.Envelope[int32]{Message: []int32{5, 2, 8}}, func(distmq.Envelope[int32]) {})
	require.Error(t, err)
}
