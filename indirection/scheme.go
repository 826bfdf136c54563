// Package indirection routes logical messages through relay ranks on top
// of a buffered queue. With P ranks arranged in a grid, two-hop delivery
// bounds the number of distinct transport pairings per rank to O(sqrt P),
// which keeps buffers fuller when every rank talks to every other rank.
package indirection

import (
	"math"

	"github.com/lukasgraetz/distmq"
)

// Scheme decides the route of an envelope. NextHop names the rank the next
// transport message goes to; ShouldRedirect reports whether an envelope
// that arrived for receiver needs another hop from the local rank.
type Scheme interface {
	NextHop(sender, receiver distmq.PEID) distmq.PEID
	ShouldRedirect(sender, receiver distmq.PEID) bool
}

// Direct is the identity scheme: every message goes straight to its
// receiver in one hop.
type Direct struct {
	rank distmq.PEID
	size int
}

// NewDirect creates the identity scheme for a world of size ranks.
func NewDirect(rank distmq.PEID, size int) Direct {
	return Direct{rank: rank, size: size}
}

func (d Direct) NextHop(_, receiver distmq.PEID) distmq.PEID { return receiver }

func (d Direct) ShouldRedirect(_, receiver distmq.PEID) bool { return receiver != d.rank }

// GroupSize returns the size of one routing group, the whole world here.
func (d Direct) GroupSize() int { return d.size }

// NumGroups returns the number of routing groups.
func (d Direct) NumGroups() int { return 1 }

// Grid arranges the ranks row-major in a near-square grid and routes in
// two hops: first along the sender's row into the receiver's column, then
// down the column. A route whose relay would lie past the end of the
// ragged last row goes directly to the receiver.
type Grid struct {
	rank  distmq.PEID
	size  int
	width int
}

// NewGrid creates a grid scheme for a world of size ranks.
func NewGrid(rank distmq.PEID, size int) Grid {
	width := int(math.Ceil(math.Sqrt(float64(size))))
	if width < 1 {
		width = 1
	}
	return Grid{rank: rank, size: size, width: width}
}

func (g Grid) row(r distmq.PEID) int { return int(r) / g.width }
func (g Grid) col(r distmq.PEID) int { return int(r) % g.width }

func (g Grid) NextHop(sender, receiver distmq.PEID) distmq.PEID {
	if g.col(sender) == g.col(receiver) {
		return receiver
	}
	relay := distmq.PEID(g.row(sender)*g.width + g.col(receiver))
	if int(relay) >= g.size {
		return receiver
	}
	return relay
}

func (g Grid) ShouldRedirect(_, receiver distmq.PEID) bool { return receiver != g.rank }

// GroupSize returns the row length of the grid.
func (g Grid) GroupSize() int { return g.width }

// NumGroups returns the number of rows, counting the ragged one.
func (g Grid) NumGroups() int { return (g.size + g.width - 1) / g.width }
