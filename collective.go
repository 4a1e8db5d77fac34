// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
)

// Every member of a communicator must call the same collectives in the same
// order with matching arguments; mismatches are not detected. Collectives
// travel in the communicator's private context and never match user
// point-to-point messages.

// Bcast copies count elements of buf on root into buf on every rank
func (c *Comm) Bcast(ctx context.Context, buf any, count int, dt *Datatype, root int) error {
	if err := c.bcastArgs(buf, count, dt, root); err != nil {
		return err
	}
	return c.runColl(ctx, opBcast, func(ctx context.Context) error {
		return c.bcast(ctx, buf, count, dt, root)
	})
}

// Ibcast starts a Bcast
func (c *Comm) Ibcast(buf any, count int, dt *Datatype, root int) (*Request, error) {
	if err := c.bcastArgs(buf, count, dt, root); err != nil {
		return nil, err
	}
	return c.startColl(opBcast, func(ctx context.Context) error {
		return c.bcast(ctx, buf, count, dt, root)
	}), nil
}

func (c *Comm) bcastArgs(buf any, count int, dt *Datatype, root int) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	return dt.check(buf, count)
}

func (c *Comm) bcast(ctx context.Context, buf any, count int, dt *Datatype, root int) error {
	var data []byte
	if c.rank == root {
		var err error
		if data, err = dt.pack(buf, count); err != nil {
			return err
		}
	}
	data, err := c.bcastBytes(ctx, data, dt, count, root, collTag(opBcast, 0))
	if err != nil {
		return err
	}
	if c.rank != root {
		dt.unpack(data, buf, count)
	}
	return nil
}

// bcastBytes spreads root's packed data down a binomial tree over ranks
// relative to root. Non-root ranks pass nil and get the data back.
func (c *Comm) bcastBytes(ctx context.Context, data []byte, dt *Datatype, count, root, tag int) ([]byte, error) {
	n := len(c.members)
	rel := (c.rank - root + n) % n
	mask := 1
	for mask < n {
		if rel&mask != 0 {
			src := (c.rank - mask + n) % n
			var err error
			if data, err = c.crecv(ctx, dt, count, src, tag); err != nil {
				return nil, err
			}
			break
		}
		mask <<= 1
	}
	var sends []*Request
	for mask >>= 1; mask > 0; mask >>= 1 {
		if rel+mask < n {
			sends = append(sends, c.icsend(data, dt, count, (c.rank+mask)%n, tag))
		}
	}
	if _, err := WaitAll(ctx, sends...); err != nil {
		return nil, err
	}
	return data, nil
}

// Reduce combines count elements of sendbuf from every rank with op and
// stores the result in recvbuf on root. The combination order is the same
// on every run: partial results are folded up a binomial tree over ranks,
// lower ranks always on the left.
func (c *Comm) Reduce(ctx context.Context, sendbuf, recvbuf any, count int, dt *Datatype, op *Op, root int) error {
	if err := c.reduceArgs(sendbuf, recvbuf, count, dt, op, root); err != nil {
		return err
	}
	return c.runColl(ctx, opReduce, func(ctx context.Context) error {
		return c.reduce(ctx, sendbuf, recvbuf, count, dt, op, root)
	})
}

// Ireduce starts a Reduce
func (c *Comm) Ireduce(sendbuf, recvbuf any, count int, dt *Datatype, op *Op, root int) (*Request, error) {
	if err := c.reduceArgs(sendbuf, recvbuf, count, dt, op, root); err != nil {
		return nil, err
	}
	return c.startColl(opReduce, func(ctx context.Context) error {
		return c.reduce(ctx, sendbuf, recvbuf, count, dt, op, root)
	}), nil
}

func (c *Comm) reduceArgs(sendbuf, recvbuf any, count int, dt *Datatype, op *Op, root int) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	if err := op.validate(dt); err != nil {
		return err
	}
	if err := dt.check(sendbuf, count); err != nil {
		return err
	}
	if c.rank == root {
		return dt.check(recvbuf, count)
	}
	return nil
}

func (c *Comm) reduce(ctx context.Context, sendbuf, recvbuf any, count int, dt *Datatype, op *Op, root int) error {
	acc, err := dt.pack(sendbuf, count)
	if err != nil {
		return err
	}
	if acc, err = c.reduceBytes(ctx, acc, dt, count, op, collTag(opReduce, 0)); err != nil {
		return err
	}
	if root != 0 {
		tag := collTag(opReduce, 1)
		switch c.rank {
		case 0:
			if err := c.csend(ctx, acc, dt, count, root, tag); err != nil {
				return err
			}
		case root:
			if acc, err = c.crecv(ctx, dt, count, 0, tag); err != nil {
				return err
			}
		}
	}
	if c.rank == root {
		dt.unpack(acc, recvbuf, count)
	}
	return nil
}

// reduceBytes folds every rank's acc into rank 0. Rank r's partial covers
// ranks [r, r+mask) in order and is combined with the partial of r+mask.
func (c *Comm) reduceBytes(ctx context.Context, acc []byte, dt *Datatype, count int, op *Op, tag int) ([]byte, error) {
	n := len(c.members)
	for mask := 1; mask < n; mask <<= 1 {
		if c.rank&mask != 0 {
			return acc, c.csend(ctx, acc, dt, count, c.rank-mask, tag)
		}
		if partner := c.rank | mask; partner < n {
			in, err := c.crecv(ctx, dt, count, partner, tag)
			if err != nil {
				return nil, err
			}
			op.reduce(acc, in, count, dt)
		}
	}
	return acc, nil
}

// Allreduce is Reduce with the result stored on every rank. All ranks get
// bit-identical results.
func (c *Comm) Allreduce(ctx context.Context, sendbuf, recvbuf any, count int, dt *Datatype, op *Op) error {
	if err := c.allreduceArgs(sendbuf, recvbuf, count, dt, op); err != nil {
		return err
	}
	return c.runColl(ctx, opAllreduce, func(ctx context.Context) error {
		return c.allreduce(ctx, sendbuf, recvbuf, count, dt, op)
	})
}

// Iallreduce starts an Allreduce
func (c *Comm) Iallreduce(sendbuf, recvbuf any, count int, dt *Datatype, op *Op) (*Request, error) {
	if err := c.allreduceArgs(sendbuf, recvbuf, count, dt, op); err != nil {
		return nil, err
	}
	return c.startColl(opAllreduce, func(ctx context.Context) error {
		return c.allreduce(ctx, sendbuf, recvbuf, count, dt, op)
	}), nil
}

func (c *Comm) allreduceArgs(sendbuf, recvbuf any, count int, dt *Datatype, op *Op) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := op.validate(dt); err != nil {
		return err
	}
	if err := dt.check(sendbuf, count); err != nil {
		return err
	}
	return dt.check(recvbuf, count)
}

func (c *Comm) allreduce(ctx context.Context, sendbuf, recvbuf any, count int, dt *Datatype, op *Op) error {
	acc, err := dt.pack(sendbuf, count)
	if err != nil {
		return err
	}
	if acc, err = c.reduceBytes(ctx, acc, dt, count, op, collTag(opAllreduce, 0)); err != nil {
		return err
	}
	if c.rank != 0 {
		acc = nil
	}
	if acc, err = c.bcastBytes(ctx, acc, dt, count, 0, collTag(opAllreduce, 1)); err != nil {
		return err
	}
	dt.unpack(acc, recvbuf, count)
	return nil
}

// Scatter sends block i of root's sendbuf (size*count elements) to rank i
func (c *Comm) Scatter(ctx context.Context, sendbuf, recvbuf any, count int, dt *Datatype, root int) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	if err := dt.check(recvbuf, count); err != nil {
		return err
	}
	n := len(c.members)
	if c.rank == root {
		if err := dt.check(sendbuf, n*count); err != nil {
			return err
		}
	}
	return c.runColl(ctx, opScatter, func(ctx context.Context) error {
		tag := collTag(opScatter, 0)
		if c.rank != root {
			data, err := c.crecv(ctx, dt, count, root, tag)
			if err != nil {
				return err
			}
			dt.unpack(data, recvbuf, count)
			return nil
		}
		all, err := dt.pack(sendbuf, n*count)
		if err != nil {
			return err
		}
		block := count * dt.size
		sends := make([]*Request, 0, n-1)
		for r := 0; r < n; r++ {
			if r != root {
				sends = append(sends, c.icsend(all[r*block:(r+1)*block], dt, count, r, tag))
			}
		}
		dt.unpack(all[root*block:(root+1)*block], recvbuf, count)
		_, err = WaitAll(ctx, sends...)
		return err
	})
}

// Gather collects count elements from every rank into root's recvbuf,
// block i coming from rank i.
func (c *Comm) Gather(ctx context.Context, sendbuf, recvbuf any, count int, dt *Datatype, root int) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	if err := dt.check(sendbuf, count); err != nil {
		return err
	}
	n := len(c.members)
	if c.rank == root {
		if err := dt.check(recvbuf, n*count); err != nil {
			return err
		}
	}
	return c.runColl(ctx, opGather, func(ctx context.Context) error {
		mine, err := dt.pack(sendbuf, count)
		if err != nil {
			return err
		}
		all, err := c.gatherBytes(ctx, mine, dt, count, root, collTag(opGather, 0))
		if err != nil || c.rank != root {
			return err
		}
		dt.unpack(all, recvbuf, n*count)
		return nil
	})
}

// gatherBytes concatenates every rank's block in rank order on root
func (c *Comm) gatherBytes(ctx context.Context, mine []byte, dt *Datatype, count, root, tag int) ([]byte, error) {
	if c.rank != root {
		return nil, c.csend(ctx, mine, dt, count, root, tag)
	}
	n := len(c.members)
	blocks := make([][]byte, n)
	recvs := make([]*Request, 0, n-1)
	for r := 0; r < n; r++ {
		if r == root {
			blocks[r] = mine
			continue
		}
		recvs = append(recvs, c.icrecv(dt, count, r, tag, &blocks[r]))
	}
	if err := waitRecvs(ctx, recvs); err != nil {
		return nil, err
	}
	all := make([]byte, 0, n*count*dt.size)
	for _, b := range blocks {
		all = append(all, b...)
	}
	return all, nil
}

// Allgather is Gather with the result stored on every rank
func (c *Comm) Allgather(ctx context.Context, sendbuf, recvbuf any, count int, dt *Datatype) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := dt.check(sendbuf, count); err != nil {
		return err
	}
	n := len(c.members)
	if err := dt.check(recvbuf, n*count); err != nil {
		return err
	}
	return c.runColl(ctx, opAllgather, func(ctx context.Context) error {
		mine, err := dt.pack(sendbuf, count)
		if err != nil {
			return err
		}
		all, err := c.gatherBytes(ctx, mine, dt, count, 0, collTag(opAllgather, 0))
		if err != nil {
			return err
		}
		if all, err = c.bcastBytes(ctx, all, dt, n*count, 0, collTag(opAllgather, 1)); err != nil {
			return err
		}
		dt.unpack(all, recvbuf, n*count)
		return nil
	})
}

// Alltoall sends block j of sendbuf to rank j and stores the block from
// rank i at block i of recvbuf. Both buffers hold size*count elements.
func (c *Comm) Alltoall(ctx context.Context, sendbuf, recvbuf any, count int, dt *Datatype) error {
	if err := c.check(); err != nil {
		return err
	}
	n := len(c.members)
	if err := dt.check(sendbuf, n*count); err != nil {
		return err
	}
	if err := dt.check(recvbuf, n*count); err != nil {
		return err
	}
	return c.runColl(ctx, opAlltoall, func(ctx context.Context) error {
		tag := collTag(opAlltoall, 0)
		out, err := dt.pack(sendbuf, n*count)
		if err != nil {
			return err
		}
		block := count * dt.size
		blocks := make([][]byte, n)
		recvs := make([]*Request, 0, n-1)
		for r := 0; r < n; r++ {
			if r != c.rank {
				recvs = append(recvs, c.icrecv(dt, count, r, tag, &blocks[r]))
			}
		}
		sends := make([]*Request, 0, n-1)
		for i := 1; i < n; i++ {
			r := (c.rank + i) % n
			sends = append(sends, c.icsend(out[r*block:(r+1)*block], dt, count, r, tag))
		}
		blocks[c.rank] = out[c.rank*block : (c.rank+1)*block]
		if err := waitRecvs(ctx, recvs); err != nil {
			return err
		}
		if _, err := WaitAll(ctx, sends...); err != nil {
			return err
		}
		all := make([]byte, 0, n*block)
		for _, b := range blocks {
			all = append(all, b...)
		}
		dt.unpack(all, recvbuf, n*count)
		return nil
	})
}

// Scan stores in recvbuf of rank i the reduction of sendbuf over ranks 0..i
func (c *Comm) Scan(ctx context.Context, sendbuf, recvbuf any, count int, dt *Datatype, op *Op) error {
	if err := c.allreduceArgs(sendbuf, recvbuf, count, dt, op); err != nil {
		return err
	}
	return c.runColl(ctx, opScan, func(ctx context.Context) error {
		tag := collTag(opScan, 0)
		acc, err := dt.pack(sendbuf, count)
		if err != nil {
			return err
		}
		if c.rank > 0 {
			prefix, err := c.crecv(ctx, dt, count, c.rank-1, tag)
			if err != nil {
				return err
			}
			left := append([]byte(nil), prefix...)
			op.reduce(left, acc, count, dt)
			acc = left
		}
		if c.rank < len(c.members)-1 {
			if err := c.csend(ctx, acc, dt, count, c.rank+1, tag); err != nil {
				return err
			}
		}
		dt.unpack(acc, recvbuf, count)
		return nil
	})
}

// Barrier returns once every member of c has entered it. It uses the
// dissemination algorithm: in round k each rank signals rank+2^k and waits
// for rank-2^k.
func (c *Comm) Barrier(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.runColl(ctx, opBarrier, c.barrier)
}

// Ibarrier starts a Barrier
func (c *Comm) Ibarrier() (*Request, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.startColl(opBarrier, c.barrier), nil
}

func (c *Comm) barrier(ctx context.Context) error {
	n := len(c.members)
	for k, dist := 0, 1; dist < n; k, dist = k+1, dist<<1 {
		tag := collTag(opBarrier, k)
		recv := c.icrecv(Byte, 0, (c.rank-dist+n)%n, tag, new([]byte))
		send := c.icsend(nil, Byte, 0, (c.rank+dist)%n, tag)
		if _, err := waitRecv(ctx, recv); err != nil {
			return err
		}
		if _, err := send.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// waitRecvs waits for collective receives, withdrawing the rest on error
func waitRecvs(ctx context.Context, recvs []*Request) error {
	for i, r := range recvs {
		if _, err := waitRecv(ctx, r); err != nil {
			for _, rest := range recvs[i+1:] {
				if rest.cancel() {
					rest.consumed.Store(true)
				}
			}
			return err
		}
	}
	return nil
}
