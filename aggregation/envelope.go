package aggregation

import (
	"fmt"
	"math/bits"

	"golang.org/x/exp/constraints"

	"github.com/lukasgraetz/distmq"
)

// FieldSet selects which envelope metadata fields travel on the wire.
// Records carry the selected fields in the fixed order size, receiver,
// sender, tag, followed by the flattened payload. The size field counts
// every element after itself up to the next record, so it covers both the
// remaining metadata and the payload.
type FieldSet uint8

const (
	FieldSize FieldSet = 1 << iota
	FieldReceiver
	FieldSender
	FieldTag
)

// DefaultFields is the minimum field set that supports relaying: variable
// message sizes plus the final receiver.
const DefaultFields = FieldSize | FieldReceiver

// Has reports whether field is part of the set.
func (f FieldSet) Has(field FieldSet) bool { return f&field != 0 }

func (f FieldSet) count() int { return bits.OnesCount8(uint8(f)) }

// ElementCodec flattens logical elements into buffer elements and back.
// Arity is the fixed number of buffer elements per logical element; tuple
// fields are laid out in declaration order.
type ElementCodec[M any, B constraints.Integer] interface {
	Arity() int
	Flatten(buf []B, elem M) []B
	Restore(elems []B) M
}

// Scalar is the identity codec for integer payloads.
type Scalar[B constraints.Integer] struct{}

func (Scalar[B]) Arity() int                  { return 1 }
func (Scalar[B]) Flatten(buf []B, elem B) []B { return append(buf, elem) }
func (Scalar[B]) Restore(elems []B) B         { return elems[0] }

// Pair is a two-field tuple of buffer elements.
type Pair[B constraints.Integer] struct {
	First  B
	Second B
}

// PairCodec flattens pairs as first then second.
type PairCodec[B constraints.Integer] struct{}

func (PairCodec[B]) Arity() int { return 2 }

func (PairCodec[B]) Flatten(buf []B, elem Pair[B]) []B {
	return append(buf, elem.First, elem.Second)
}

func (PairCodec[B]) Restore(elems []B) Pair[B] {
	return Pair[B]{First: elems[0], Second: elems[1]}
}

// EnvelopeMerger frames each message with the metadata named by Fields.
// When FieldSize is absent every message must carry exactly FixedLength
// logical elements, since the splitter has no other way to find record
// boundaries.
type EnvelopeMerger[M any, B constraints.Integer] struct {
	Fields      FieldSet
	Codec       ElementCodec[M, B]
	FixedLength int
}

func (m EnvelopeMerger[M, B]) Estimate(env distmq.Envelope[M]) int {
	return m.Fields.count() + len(env.Message)*m.Codec.Arity()
}

func (m EnvelopeMerger[M, B]) Merge(buf []B, env distmq.Envelope[M]) ([]B, error) {
	payload := len(env.Message) * m.Codec.Arity()
	if !m.Fields.Has(FieldSize) && len(env.Message) != m.FixedLength {
		return buf, fmt.Errorf("aggregation: fixed-length envelope requires %d elements, got %d", m.FixedLength, len(env.Message))
	}
	if m.Fields.Has(FieldSize) {
		buf = append(buf, B(payload+m.Fields.count()-1))
	}
	if m.Fields.Has(FieldReceiver) {
		buf = append(buf, B(env.Receiver))
	}
	if m.Fields.Has(FieldSender) {
		buf = append(buf, B(env.Sender))
	}
	if m.Fields.Has(FieldTag) {
		buf = append(buf, B(env.Tag))
	}
	for _, elem := range env.Message {
		buf = m.Codec.Flatten(buf, elem)
	}
	return buf, nil
}

// EnvelopeSplitter is the inverse of EnvelopeMerger with the same Fields,
// Codec and FixedLength. Metadata absent from the wire is taken from the
// transport envelope.
type EnvelopeSplitter[M any, B constraints.Integer] struct {
	Fields      FieldSet
	Codec       ElementCodec[M, B]
	FixedLength int
}

func (s EnvelopeSplitter[M, B]) Split(env distmq.Envelope[B], deliver distmq.Handler[M]) error {
	if s.Fields.Has(FieldSize) {
		for chunk := range ChunkByEmbeddedSize(env.Message, 0) {
			if len(chunk) != int(chunk[0])+1 {
				return fmt.Errorf("aggregation: truncated record, %d of %d elements", len(chunk)-1, int(chunk[0]))
			}
			if err := s.deliver(chunk[1:], env, deliver); err != nil {
				return err
			}
		}
		return nil
	}

	record := s.Fields.count() + s.FixedLength*s.Codec.Arity()
	if record == 0 || len(env.Message)%record != 0 {
		return fmt.Errorf("aggregation: buffer of %d elements is no multiple of record size %d", len(env.Message), record)
	}
	for cur := 0; cur < len(env.Message); cur += record {
		if err := s.deliver(env.Message[cur:cur+record], env, deliver); err != nil {
			return err
		}
	}
	return nil
}

// deliver decodes one record, rest holding everything after the size field.
func (s EnvelopeSplitter[M, B]) deliver(rest []B, wire distmq.Envelope[B], h distmq.Handler[M]) error {
	out := distmq.Envelope[M]{Sender: wire.Sender, Receiver: wire.Receiver, Tag: wire.Tag}
	if s.Fields.Has(FieldReceiver) {
		if len(rest) == 0 {
			return fmt.Errorf("aggregation: record too short for receiver field")
		}
		out.Receiver = distmq.PEID(rest[0])
		rest = rest[1:]
	}
	if s.Fields.Has(FieldSender) {
		if len(rest) == 0 {
			return fmt.Errorf("aggregation: record too short for sender field")
		}
		out.Sender = distmq.PEID(rest[0])
		rest = rest[1:]
	}
	if s.Fields.Has(FieldTag) {
		if len(rest) == 0 {
			return fmt.Errorf("aggregation: record too short for tag field")
		}
		out.Tag = int(rest[0])
		rest = rest[1:]
	}
	arity := s.Codec.Arity()
	if len(rest)%arity != 0 {
		return fmt.Errorf("aggregation: payload of %d elements is no multiple of arity %d", len(rest), arity)
	}
	msg := make([]M, 0, len(rest)/arity)
	for cur := 0; cur < len(rest); cur += arity {
		msg = append(msg, s.Codec.Restore(rest[cur:cur+arity]))
	}
	out.Message = msg
	if h != nil {
		h(out)
	}
	return nil
}
