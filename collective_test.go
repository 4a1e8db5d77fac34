// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var commSizes = []int{1, 2, 3, 4, 5, 8}

func TestBcast(t *testing.T) {
	for _, n := range commSizes {
		n := n
		for _, root := range []int{0, n - 1, n / 2} {
			root := root
			t.Run(fmt.Sprintf("n=%d/root=%d", n, root), func(t *testing.T) {
				err := RunLocal(testContext(t), n, func(ctx context.Context, c *Comm) error {
					buf := make([]int64, 3)
					if c.Rank() == root {
						buf = []int64{int64(root), 7, -7}
					}
					if err := c.Bcast(ctx, buf, 3, Int64, root); err != nil {
						return err
					}
					assert.Equal(t, []int64{int64(root), 7, -7}, buf)
					return nil
				})
				require.NoError(t, err)
			})
		}
	}
}

func TestReduceToRoot(t *testing.T) {
	for _, n := range commSizes {
		n := n
		root := n - 1
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			err := RunLocal(testContext(t), n, func(ctx context.Context, c *Comm) error {
				r := int32(c.Rank())
				recv := make([]int32, 2)
				if err := c.Reduce(ctx, []int32{r + 1, r}, recv, 2, Int32, OpMax, root); err != nil {
					return err
				}
				if c.Rank() == root {
					assert.Equal(t, []int32{int32(n), int32(n - 1)}, recv)
				} else {
					assert.Equal(t, []int32{0, 0}, recv, "non-root recvbuf must be untouched")
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestAllreduce(t *testing.T) {
	for _, n := range commSizes {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			err := RunLocal(testContext(t), n, func(ctx context.Context, c *Comm) error {
				sum := make([]int, 1)
				if err := c.Allreduce(ctx, []int{c.Rank() + 1}, sum, 1, Int, OpSum); err != nil {
					return err
				}
				assert.Equal(t, n*(n+1)/2, sum[0])

				all := make([]bool, 1)
				if err := c.Allreduce(ctx, []bool{c.Rank() != 1}, all, 1, Bool, OpLAND); err != nil {
					return err
				}
				assert.Equal(t, n < 2, all[0])
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestAllreduceFourRanks(t *testing.T) {
	err := RunLocal(testContext(t), 4, func(ctx context.Context, c *Comm) error {
		sum := make([]int, 1)
		if err := c.Allreduce(ctx, []int{c.Rank() + 1}, sum, 1, Int, OpSum); err != nil {
			return err
		}
		assert.Equal(t, 10, sum[0])
		return nil
	})
	require.NoError(t, err)
}

func TestAllreduceFloatOrder(t *testing.T) {
	vals := []float64{1e16, 1, -1e16, 1, 3.25}
	want := ((vals[0] + vals[1]) + (vals[2] + vals[3])) + vals[4]

	err := RunLocal(testContext(t), len(vals), func(ctx context.Context, c *Comm) error {
		got := make([]float64, 1)
		if err := c.Allreduce(ctx, []float64{vals[c.Rank()]}, got, 1, Float64, OpSum); err != nil {
			return err
		}
		assert.Equal(t, math.Float64bits(want), math.Float64bits(got[0]))
		return nil
	})
	require.NoError(t, err)
}

func TestScatterGather(t *testing.T) {
	const n = 4
	err := RunLocal(testContext(t), n, func(ctx context.Context, c *Comm) error {
		var send []uint16
		if c.Rank() == 1 {
			send = []uint16{0, 1, 10, 11, 20, 21, 30, 31}
		}
		mine := make([]uint16, 2)
		if err := c.Scatter(ctx, send, mine, 2, Uint16, 1); err != nil {
			return err
		}
		r := uint16(c.Rank())
		assert.Equal(t, []uint16{10 * r, 10*r + 1}, mine)

		mine[1] += 100
		var all []uint16
		if c.Rank() == 2 {
			all = make([]uint16, n*2)
		}
		if err := c.Gather(ctx, mine, all, 2, Uint16, 2); err != nil {
			return err
		}
		if c.Rank() == 2 {
			assert.Equal(t, []uint16{0, 101, 10, 111, 20, 121, 30, 131}, all)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAllgather(t *testing.T) {
	for _, n := range commSizes {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			err := RunLocal(testContext(t), n, func(ctx context.Context, c *Comm) error {
				all := make([]int8, n)
				if err := c.Allgather(ctx, []int8{int8(c.Rank() * 2)}, all, 1, Int8); err != nil {
					return err
				}
				for i, v := range all {
					assert.Equal(t, int8(i*2), v)
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestAlltoall(t *testing.T) {
	const n = 5
	err := RunLocal(testContext(t), n, func(ctx context.Context, c *Comm) error {
		send := make([]int, n)
		for j := range send {
			send[j] = c.Rank()*10 + j
		}
		recv := make([]int, n)
		if err := c.Alltoall(ctx, send, recv, 1, Int); err != nil {
			return err
		}
		for i, v := range recv {
			assert.Equal(t, i*10+c.Rank(), v)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestScan(t *testing.T) {
	const n = 6
	err := RunLocal(testContext(t), n, func(ctx context.Context, c *Comm) error {
		r := int64(c.Rank())
		prefix := make([]int64, 1)
		if err := c.Scan(ctx, []int64{r + 1}, prefix, 1, Int64, OpSum); err != nil {
			return err
		}
		assert.Equal(t, (r+1)*(r+2)/2, prefix[0])
		return nil
	})
	require.NoError(t, err)
}

func TestBarrier(t *testing.T) {
	const n = 5
	var arrived atomic.Int32
	err := RunLocal(testContext(t), n, func(ctx context.Context, c *Comm) error {
		time.Sleep(time.Duration(c.Rank()) * 10 * time.Millisecond)
		arrived.Add(1)
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		assert.Equal(t, int32(n), arrived.Load())
		return nil
	})
	require.NoError(t, err)
}

func TestNonBlockingCollectivesKeepCallOrder(t *testing.T) {
	const n = 4
	err := RunLocal(testContext(t), n, func(ctx context.Context, c *Comm) error {
		buf := make([]float32, 2)
		if c.Rank() == 0 {
			buf = []float32{1.5, 2.5}
		}
		bcast, err := c.Ibcast(buf, 2, Float32, 0)
		if err != nil {
			return err
		}
		sum := make([]int32, 1)
		allreduce, err := c.Iallreduce([]int32{1}, sum, 1, Int32, OpSum)
		if err != nil {
			return err
		}
		barrier, err := c.Ibarrier()
		if err != nil {
			return err
		}
		if _, err := WaitAll(ctx, barrier, allreduce, bcast); err != nil {
			return err
		}
		assert.Equal(t, []float32{1.5, 2.5}, buf)
		assert.Equal(t, int32(n), sum[0])

		// blocking collectives queue behind pending ones
		sum2 := make([]int32, 1)
		req, err := c.Iallreduce([]int32{2}, sum2, 1, Int32, OpSum)
		if err != nil {
			return err
		}
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		_, done, err := req.Test()
		assert.True(t, done)
		assert.Equal(t, int32(2*n), sum2[0])
		return err
	})
	require.NoError(t, err)
}

func TestSubCommunicators(t *testing.T) {
	const n = 6
	err := RunLocal(testContext(t), n, func(ctx context.Context, c *Comm) error {
		even, odd := []int{0, 2, 4}, []int{5, 3, 1}
		group, other := even, odd
		if c.Rank()%2 == 1 {
			group, other = odd, even
		}
		_, err := c.Sub(other...)
		assert.ErrorIs(t, err, ErrRank)

		sub, err := c.Sub(group...)
		if err != nil {
			return err
		}
		assert.Equal(t, 3, sub.Size())
		assert.Equal(t, c.Rank(), sub.Members()[sub.Rank()].Rank)

		got := make([]int, 1)
		if err := sub.Allreduce(ctx, []int{c.Rank()}, got, 1, Int, OpSum); err != nil {
			return err
		}
		if c.Rank()%2 == 0 {
			assert.Equal(t, 6, got[0])
		} else {
			assert.Equal(t, 9, got[0])
		}

		// sub-communicator traffic never matches world receives
		if sub.Rank() == 0 {
			if err := sub.Send(ctx, []int{c.Rank()}, 1, Int, 1, 0); err != nil {
				return err
			}
		}
		if sub.Rank() == 1 {
			_, ok, err := c.Iprobe(AnySource, AnyTag)
			assert.NoError(t, err)
			assert.False(t, ok)
			if _, err := sub.Recv(ctx, got, 1, Int, 0, 0); err != nil {
				return err
			}
			assert.Equal(t, group[0], got[0])
		}
		return c.Barrier(ctx)
	})
	require.NoError(t, err)
}

func TestTwinSubCommunicatorsDoNotCross(t *testing.T) {
	err := RunLocal(testContext(t), 3, func(ctx context.Context, c *Comm) error {
		if c.Rank() == 2 {
			return nil
		}
		a, err := c.Sub(0, 1)
		if err != nil {
			return err
		}
		b, err := c.Sub(0, 1)
		if err != nil {
			return err
		}
		assert.NotEqual(t, a.ctx, b.ctx)

		if c.Rank() == 0 {
			if err := a.Send(ctx, []int{1}, 1, Int, 1, 5); err != nil {
				return err
			}
			return b.Send(ctx, []int{2}, 1, Int, 1, 5)
		}
		got := make([]int, 1)
		// the message sent on a is first in line, b must skip it
		if _, err := b.Recv(ctx, got, 1, Int, 0, 5); err != nil {
			return err
		}
		assert.Equal(t, 2, got[0])
		_, ok, err := b.Iprobe(AnySource, AnyTag)
		assert.NoError(t, err)
		assert.False(t, ok)
		if _, err := a.Recv(ctx, got, 1, Int, 0, 5); err != nil {
			return err
		}
		assert.Equal(t, 1, got[0])
		return nil
	})
	require.NoError(t, err)
}

func TestCollectiveArgs(t *testing.T) {
	err := RunLocal(testContext(t), 2, func(ctx context.Context, c *Comm) error {
		buf := make([]float64, 1)
		assert.ErrorIs(t, c.Bcast(ctx, buf, 1, Float64, 2), ErrRoot)
		assert.ErrorIs(t, c.Bcast(ctx, buf, 1, Float64, -1), ErrRoot)
		assert.ErrorIs(t, c.Allreduce(ctx, buf, buf, 1, Float64, OpBAND), ErrOp)
		assert.ErrorIs(t, c.Reduce(ctx, buf, buf, 1, Float64, nil, 0), ErrOp)
		assert.ErrorIs(t, c.Allgather(ctx, buf, buf, 1, Float64), ErrBuffer)
		_, err := c.Ibcast(buf, 2, Float64, 0)
		assert.ErrorIs(t, err, ErrBuffer)

		// argument errors must not consume a collective slot
		out := make([]float64, 1)
		if err := c.Allreduce(ctx, []float64{1}, out, 1, Float64, OpSum); err != nil {
			return err
		}
		assert.Equal(t, 2.0, out[0])
		return nil
	})
	require.NoError(t, err)
}
