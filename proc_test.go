// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// startProcs initializes n processes of one job, each configured by cfg
func startProcs(t *testing.T, n int, cfg func(rank int) Config, opts ...Option) []*Proc {
	t.Helper()
	procs := make([]*Proc, n)
	for i := range procs {
		procs[i] = New(cfg(i), append([]Option{WithAbortHandler(func(int, error) {})}, opts...)...)
	}
	g, ctx := errgroup.WithContext(testContext(t))
	for _, p := range procs {
		p := p
		g.Go(func() error { return p.Init(ctx) })
	}
	require.NoError(t, g.Wait())
	return procs
}

func finalizeAll(t *testing.T, procs []*Proc) {
	t.Helper()
	ctx := testContext(t)
	var g errgroup.Group
	for _, p := range procs {
		p := p
		g.Go(func() error { return p.Finalize(ctx) })
	}
	require.NoError(t, g.Wait())
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	ctx := testContext(t)

	p := New(DefaultConfig())
	c := p.World()
	require.Equal(-1, c.Rank())
	require.Zero(c.Size())
	require.ErrorIs(c.Send(ctx, []int{1}, 1, Int, 0, 0), ErrNotInitialized)
	require.ErrorIs(c.Barrier(ctx), ErrNotInitialized)
	require.ErrorIs(p.Finalize(ctx), ErrNotInitialized)

	require.NoError(p.Init(ctx))
	require.ErrorIs(p.Init(ctx), ErrAlreadyInitialized)
	require.Equal(0, c.Rank())
	require.Equal(1, c.Size())
	require.Len(c.Members(), 1)

	require.NoError(p.Finalize(ctx))
	require.ErrorIs(p.Finalize(ctx), ErrFinalized)
	require.ErrorIs(c.Send(ctx, []int{1}, 1, Int, 0, 0), ErrFinalized)
	require.ErrorIs(p.Init(ctx), ErrAlreadyInitialized)
	require.Equal(-1, c.Rank())
}

func TestInitFailureAllowsRetry(t *testing.T) {
	require := require.New(t)
	ctx := testContext(t)

	cfg := DefaultConfig()
	cfg.Transport = "carrier-pigeon"
	p := New(cfg)
	require.Error(p.Init(ctx))
	require.ErrorIs(p.World().Barrier(ctx), ErrNotInitialized)

	cfg.Transport = TransportInproc
	cfg.Size = 2
	cfg.Rank = 0
	cfg.Job = NewJobID()
	p = New(cfg, WithRegistrar(NewRendezvous()), WithConfig(func(cfg *Config) {
		cfg.InitTimeout = 50 * time.Millisecond
	}))
	// nobody else joins
	require.ErrorIs(p.Init(ctx), context.DeadlineExceeded)
	require.ErrorIs(p.World().Barrier(ctx), ErrNotInitialized)
}

func runAbort(t *testing.T, n int) []int {
	ctx := testContext(t)
	var (
		mu    sync.Mutex
		codes []int
	)
	err := RunLocal(ctx, n, func(_ context.Context, c *Comm) error {
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		if c.Rank() == 0 {
			c.Proc().Abort(7)
			return nil
		}
		_, err := c.Recv(ctx, make([]int, 1), 1, Int, 0, 0)
		assert.ErrorIs(t, err, ErrAborted)
		assert.ErrorIs(t, c.Send(ctx, []int{1}, 1, Int, 0, 0), ErrAborted)
		return nil
	}, WithAbortHandler(func(code int, _ error) {
		mu.Lock()
		defer mu.Unlock()
		codes = append(codes, code)
	}))
	require.ErrorIs(t, err, ErrAborted)

	mu.Lock()
	defer mu.Unlock()
	return codes
}

func TestAbortPropagatesCode(t *testing.T) {
	require.Equal(t, []int{7, 7}, runAbort(t, 2))
}

func TestAbortReachesEveryRank(t *testing.T) {
	// with more than two ranks a peer may notice a closed link before
	// the abort frame, so only the aborting rank's code is fixed
	codes := runAbort(t, 5)
	require.Len(t, codes, 5)
	require.Contains(t, codes, 7)
}

func TestAbortLogsErrorWithoutStack(t *testing.T) {
	require := require.New(t)

	var out bytes.Buffer
	var code int
	p := New(DefaultConfig(),
		WithLogger(NewLogger(&out, slog.LevelError)),
		WithAbortHandler(func(c int, _ error) { code = c }),
	)
	require.NoError(p.Init(testContext(t)))
	p.Abort(3)
	require.Equal(3, code)

	line := out.String()
	require.Contains(line, `msg="job aborted"`)
	require.Contains(line, `code=3 err="rank 0 called abort with code 3"`)
	require.NotContains(line, ".go:")
	require.Equal(1, strings.Count(line, "\n"))
}

func TestStaticPeerTable(t *testing.T) {
	const n = 3
	job := NewJobID()
	procs := startProcs(t, n, func(rank int) Config {
		cfg := DefaultConfig()
		cfg.Size, cfg.Rank, cfg.Job = n, rank, job
		cfg.Transport = TransportInproc
		cfg.Peers = []string{job + "/a", job + "/b", job + "/c"}
		return cfg
	})

	ctx := testContext(t)
	var g errgroup.Group
	for _, p := range procs {
		p := p
		g.Go(func() error {
			c := p.World()
			assert.Equal(t, job+"/b", c.Members()[1].Addr)
			got := make([]int, 1)
			if err := c.Allreduce(ctx, []int{c.Rank()}, got, 1, Int, OpSum); err != nil {
				return err
			}
			assert.Equal(t, 3, got[0])
			return nil
		})
	}
	require.NoError(t, g.Wait())
	finalizeAll(t, procs)
}

func TestTCPWithRendezvousService(t *testing.T) {
	const n = 3
	h, err := NewRendezvous().Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	job := NewJobID()
	procs := startProcs(t, n, func(int) Config {
		cfg := DefaultConfig()
		cfg.Size, cfg.Job = n, job
		cfg.Transport = TransportTCP
		cfg.Rendezvous = srv.URL + RendezvousPath
		return cfg
	})

	ranks := make(map[int]bool)
	for _, p := range procs {
		ranks[p.World().Rank()] = true
	}
	require.Len(t, ranks, n)

	ctx := testContext(t)
	var g errgroup.Group
	for _, p := range procs {
		p := p
		g.Go(func() error {
			c := p.World()
			next, prev := (c.Rank()+1)%n, (c.Rank()+n-1)%n
			in := make([]byte, 5)
			if _, err := c.Sendrecv(ctx, []byte("token"), 5, Byte, next, 1, in, 5, Byte, prev, 1); err != nil {
				return err
			}
			assert.Equal(t, "token", string(in))
			return nil
		})
	}
	require.NoError(t, g.Wait())
	finalizeAll(t, procs)
}

func TestWebSocketTransport(t *testing.T) {
	err := RunLocal(testContext(t), 3, func(ctx context.Context, c *Comm) error {
		out := make([]int16, 3)
		if err := c.Allgather(ctx, []int16{int16(c.Rank() + 1)}, out, 1, Int16); err != nil {
			return err
		}
		assert.Equal(t, []int16{1, 2, 3}, out)
		return nil
	}, WithConfig(func(cfg *Config) {
		cfg.Transport = TransportWS
		cfg.Addr = "127.0.0.1:0"
	}))
	require.NoError(t, err)
}
