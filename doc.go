// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package mpi is a message-passing runtime for jobs of cooperating
// processes. Every process of a job gets a rank, keeps one ordered link to
// every other process and exchanges typed messages over them.
//
// # Transport Selection
//
// TCP is the default link transport. Alternatives are picked with
// Config.Transport (or MPI_TRANSPORT):
//
//	tcp      length-prefixed frames over TCP (default)
//	inproc   in-process pipes, used by RunLocal
//	ws       websocket binary messages
//	grpc     gRPC bidi stream, needs: go build -tags grpc
//
// # Usage
//
// Under mpirun every process reads its identity from the environment:
//
//	cfg, err := mpi.ConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	p := mpi.New(cfg)
//	if err := p.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	world := p.World()
//
//	// point-to-point
//	err = world.Send(ctx, []float64{1, 2, 3}, 3, mpi.Float64, 1, 0)
//	st, err := world.Recv(ctx, buf, 3, mpi.Float64, mpi.AnySource, mpi.AnyTag)
//
//	// collectives
//	err = world.Allreduce(ctx, local, total, len(local), mpi.Float64, mpi.OpSum)
//	err = world.Barrier(ctx)
//
//	err = p.Finalize(ctx)
//
// Run a job with:
//
//	mpirun -n 4 ./prog
//
// Tests and single-binary programs run ranks as goroutines instead:
//
//	err := mpi.RunLocal(ctx, 4, func(ctx context.Context, world *mpi.Comm) error {
//	    return world.Barrier(ctx)
//	})
//
// # Ordering
//
// Messages between two ranks with the same tag in the same communicator
// arrive in the order they were sent. Nothing is promised across tags,
// communicators or senders.
//
// # Errors
//
// Errors wrap the sentinel classes in errors.go; test them with errors.Is.
// A lost peer link, a malformed frame or a peer's Abort ends the job: every
// pending call fails with ErrAborted and the abort handler runs.
package mpi
