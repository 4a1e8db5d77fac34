// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// RunLocal runs fn on n ranks in this process, one goroutine and one Proc
// per rank, linked over the inproc transport. Each rank is initialized
// before fn and finalized after it. A rank whose fn fails aborts the job;
// the first error is returned. Options apply to every rank, so they must
// not share a metrics registry.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, c *Comm) error, opts ...Option) error {
	if n < 1 {
		return errors.Errorf("run local: %d ranks", n)
	}
	rdv := NewRendezvous()
	job := NewJobID()

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		rank := rank
		cfg := DefaultConfig()
		cfg.Size = n
		cfg.Rank = rank
		cfg.Job = job
		cfg.Transport = TransportInproc
		cfg.Addr = ""

		all := append([]Option{
			WithRegistrar(rdv),
			WithAbortHandler(func(int, error) {}),
		}, opts...)
		p := New(cfg, all...)
		g.Go(func() error {
			if err := p.Init(gctx); err != nil {
				return errors.Wrapf(err, "rank %d init", rank)
			}
			if err := fn(gctx, p.World()); err != nil {
				p.Abort(1)
				return errors.Wrapf(err, "rank %d", rank)
			}
			return errors.Wrapf(p.Finalize(gctx), "rank %d finalize", rank)
		})
	}
	return g.Wait()
}
