package distmq

import "golang.org/x/exp/constraints"

// Merger serializes logical messages of element type M into transport
// buffers of element type B. Implementations append to the supplied buffer
// and return the grown slice.
type Merger[M any, B constraints.Integer] interface {
	// Estimate returns the number of buffer elements Merge would append for
	// env. It is consulted by the flush policy before the merge happens.
	Estimate(env Envelope[M]) int

	// Merge appends the encoding of env to buf.
	Merge(buf []B, env Envelope[M]) ([]B, error)
}

// Splitter is the inverse of a Merger: it decomposes one received transport
// buffer into the logical messages it carries and hands each to deliver.
type Splitter[M any, B constraints.Integer] interface {
	Split(env Envelope[B], deliver Handler[M]) error
}

// Cleaner rewrites a send buffer immediately before it is flushed. The
// returned slice replaces the buffer; returning it unchanged is the no-op.
// Cleaners run after merging, so they see the encoded form.
type Cleaner[B constraints.Integer] func(buf []B, receiver PEID) []B
