package local

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/lukasgraetz/distmq/transport"
)

func await(t *testing.T, req transport.Request) {
	t.Helper()
	for {
		done, err := req.Test()
		require.NoError(t, err)
		if done {
			return
		}
	}
}

func TestSendProbeRecv(t *testing.T) {
	world := NewWorld[int32](2)
	a, b := world.Conn(0), world.Conn(1)

	_, err := a.Isend([]int32{1, 2, 3}, 1, 4)
	require.NoError(t, err)

	info, err := b.Iprobe(transport.AnySource, transport.AnyTag)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.EqualValues(t, 0, info.Source)
	require.Equal(t, 4, info.Tag)
	require.Equal(t, 3, info.Count)

	buf := make([]int32, info.Count)
	req, err := b.Irecv(buf, info.Source, info.Tag)
	require.NoError(t, err)
	await(t, req)
	require.Equal(t, []int32{1, 2, 3}, buf)

	// The claimed message is gone.
	info, err = b.Iprobe(transport.AnySource, transport.AnyTag)
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestProbeFiltersSourceAndTag(t *testing.T) {
	world := NewWorld[int32](3)
	c := world.Conn(2)

	_, err := world.Conn(0).Isend([]int32{1}, 2, 5)
	require.NoError(t, err)
	_, err = world.Conn(1).Isend([]int32{2}, 2, 6)
	require.NoError(t, err)

	info, err := c.Iprobe(1, transport.AnyTag)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.EqualValues(t, 1, info.Source)

	info, err = c.Iprobe(transport.AnySource, 5)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, 5, info.Tag)

	info, err = c.Iprobe(0, 6)
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestPairwiseOrder(t *testing.T) {
	world := NewWorld[int32](2)
	a, b := world.Conn(0), world.Conn(1)
	for i := int32(0); i < 10; i++ {
		_, err := a.Isend([]int32{i}, 1, 0)
		require.NoError(t, err)
	}
	for i := int32(0); i < 10; i++ {
		buf := make([]int32, 1)
		req, err := b.Irecv(buf, 0, 0)
		require.NoError(t, err)
		await(t, req)
		require.Equal(t, i, buf[0])
	}
}

func TestRecvBufferTooSmall(t *testing.T) {
	world := NewWorld[int32](1)
	c := world.Conn(0)
	_, err := c.Isend([]int32{1, 2}, 0, 0)
	require.NoError(t, err)
	req, err := c.Irecv(make([]int32, 1), 0, 0)
	require.NoError(t, err)
	_, err = req.Test()
	require.Error(t, err)
}

func TestBarrierReleasesTogether(t *testing.T) {
	world := NewWorld[int32](3)

	first, err := world.Conn(0).Ibarrier()
	require.NoError(t, err)
	done, err := first.Test()
	require.NoError(t, err)
	require.False(t, done)

	second, err := world.Conn(1).Ibarrier()
	require.NoError(t, err)
	done, err = second.Test()
	require.NoError(t, err)
	require.False(t, done)

	third, err := world.Conn(2).Ibarrier()
	require.NoError(t, err)
	for _, req := range []transport.Request{first, second, third} {
		await(t, req)
	}
}

func TestAllreduceSums(t *testing.T) {
	world := NewWorld[int32](3)
	var g errgroup.Group
	for rank := 0; rank < 3; rank++ {
		conn := world.Conn(rank)
		g.Go(func() error {
			local := []int64{int64(rank), 10}
			global := make([]int64, 2)
			req, err := conn.Iallreduce(local, global)
			if err != nil {
				return err
			}
			for {
				done, err := req.Test()
				if err != nil {
					return err
				}
				if done {
					break
				}
			}
			if global[0] != 3 || global[1] != 30 {
				return fmt.Errorf("rank %d got sums %v", rank, global)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestAllreduceRounds(t *testing.T) {
	world := NewWorld[int32](1)
	c := world.Conn(0)
	for round := int64(1); round <= 3; round++ {
		global := make([]int64, 1)
		req, err := c.Iallreduce([]int64{round}, global)
		require.NoError(t, err)
		await(t, req)
		require.Equal(t, round, global[0])
	}
}

// Endpoints created by the same duplication step share a matching
// universe; different steps are fully isolated.
func TestDupIsolation(t *testing.T) {
	world := NewWorld[int32](2)
	a0, err := world.Conn(0).Dup()
	require.NoError(t, err)
	a1, err := world.Conn(1).Dup()
	require.NoError(t, err)
	b0, err := world.Conn(0).Dup()
	require.NoError(t, err)
	b1, err := world.Conn(1).Dup()
	require.NoError(t, err)

	_, err = a0.Isend([]int32{11}, 1, 0)
	require.NoError(t, err)
	_, err = b0.Isend([]int32{22}, 1, 0)
	require.NoError(t, err)

	info, err := b1.Iprobe(transport.AnySource, transport.AnyTag)
	require.NoError(t, err)
	require.NotNil(t, info)
	buf := make([]int32, info.Count)
	req, err := b1.Irecv(buf, info.Source, info.Tag)
	require.NoError(t, err)
	await(t, req)
	require.Equal(t, []int32{22}, buf)

	info, err = a1.Iprobe(transport.AnySource, transport.AnyTag)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, 1, info.Count)
	buf = make([]int32, 1)
	req, err = a1.Irecv(buf, info.Source, info.Tag)
	require.NoError(t, err)
	await(t, req)
	require.Equal(t, []int32{11}, buf)

	// The root communicator saw none of it.
	info, err = world.Conn(1).Iprobe(transport.AnySource, transport.AnyTag)
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestClosedConn(t *testing.T) {
	world := NewWorld[int32](1)
	c := world.Conn(0)
	require.NoError(t, c.Close())
	_, err := c.Isend([]int32{1}, 0, 0)
	require.ErrorIs(t, err, transport.ErrClosed)
	_, err = c.Iprobe(transport.AnySource, transport.AnyTag)
	require.ErrorIs(t, err, transport.ErrClosed)
	_, err = c.Dup()
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestInvalidDestination(t *testing.T) {
	world := NewWorld[int32](1)
	_, err := world.Conn(0).Isend([]int32{1}, 4, 0)
	require.ErrorIs(t, err, transport.ErrInvalidRank)
}
