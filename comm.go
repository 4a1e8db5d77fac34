// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
)

// worldContext is the context id of the world communicator. Collective
// traffic of a communicator uses its context id + 1, so user contexts are
// always even.
const worldContext uint32 = 0

// Member is one process of a communicator
type Member struct {
	Rank int    // world rank
	Addr string // link listener address
}

// Comm is an immutable group of processes with its own matching context.
// Ranks are indexes into the member list.
type Comm struct {
	p       *Proc
	ctx     uint32
	rank    int
	members []Member

	collMu   sync.Mutex
	collTail chan struct{} // closed when the last started collective is done

	subMu  sync.Mutex
	subSeq uint64 // Sub calls on c so far
}

func newComm(p *Proc, ctx uint32, rank int, members []Member) *Comm {
	c := &Comm{p: p, ctx: ctx}
	c.reset(rank, members)
	return c
}

func (c *Comm) reset(rank int, members []Member) {
	tail := make(chan struct{})
	close(tail)
	c.rank = rank
	c.members = members
	c.collTail = tail
	c.subMu.Lock()
	c.subSeq = 0
	c.subMu.Unlock()
}

// Rank returns this process's rank in c, or -1 outside Init..Finalize
func (c *Comm) Rank() int {
	if c.check() != nil {
		return -1
	}
	return c.rank
}

// Size returns the number of processes in c, or 0 outside Init..Finalize
func (c *Comm) Size() int {
	if c.check() != nil {
		return 0
	}
	return len(c.members)
}

// Members returns the processes of c in rank order
func (c *Comm) Members() []Member {
	if c.check() != nil {
		return nil
	}
	return append([]Member(nil), c.members...)
}

// Proc returns the process c belongs to
func (c *Comm) Proc() *Proc { return c.p }

// Sub derives the communicator of the given ranks of c, in that order.
// Every listed process must call Sub with the same list, in the same order
// relative to its other Sub calls on c; processes not in the list get
// ErrRank. No communication takes place.
func (c *Comm) Sub(ranks ...int) (*Comm, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	members := make([]Member, len(ranks))
	seen := make(map[int]bool, len(ranks))
	self := -1
	h := xxhash.New64()
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:4], c.ctx)
	h.Write(b[:4])
	for i, r := range ranks {
		if r < 0 || r >= len(c.members) {
			return nil, rankErr(r, len(c.members), "sub-communicator rank")
		}
		if seen[r] {
			return nil, errors.Wrapf(ErrRank, "rank %d listed twice", r)
		}
		seen[r] = true
		members[i] = c.members[r]
		if r == c.rank {
			self = i
		}
		binary.LittleEndian.PutUint64(b[:], uint64(members[i].Rank))
		h.Write(b[:])
	}
	if self < 0 {
		return nil, errors.Wrapf(ErrRank, "rank %d is not a member", c.rank)
	}
	// members derive from c in the same order, so the derivation count
	// agrees across them and tells twin groups apart
	c.subMu.Lock()
	c.subSeq++
	binary.LittleEndian.PutUint64(b[:], c.subSeq)
	c.subMu.Unlock()
	h.Write(b[:])
	id := uint32(h.Sum64()) &^ 1
	if id == worldContext {
		id = 2
	}
	return newComm(c.p, id, self, members), nil
}

// checkSize rejects messages that cannot travel in one data frame.
func checkSize(count int, dt *Datatype) error {
	if count > math.MaxInt32 {
		return errors.Wrapf(ErrCount, "count %d exceeds %d", count, math.MaxInt32)
	}
	if dt == nil || count <= 0 {
		return nil
	}
	if size := int64(count) * int64(dt.size); size > maxPayloadSize {
		return errors.Wrapf(ErrCount, "message of %d bytes exceeds %d", size, maxPayloadSize)
	}
	return nil
}

func (c *Comm) check() error {
	if c == nil || c.p == nil {
		return ErrNotInitialized
	}
	return c.p.check()
}

func (c *Comm) checkRank(rank int, wildcard bool, what string) error {
	if rank == ProcNull || (wildcard && rank == AnySource) {
		return nil
	}
	if rank < 0 || rank >= len(c.members) {
		return rankErr(rank, len(c.members), what)
	}
	return nil
}

func checkTag(tag int, wildcard bool) error {
	if wildcard && tag == AnyTag {
		return nil
	}
	if tag < 0 || tag > TagUB {
		return errors.Wrapf(ErrTag, "tag %d not in [0, %d]", tag, TagUB)
	}
	return nil
}

func (c *Comm) checkRoot(root int) error {
	if root < 0 || root >= len(c.members) {
		return errors.Wrapf(ErrRoot, "root %d not in [0, %d)", root, len(c.members))
	}
	return nil
}

// enter takes the next collective slot of c. The slot opens when prev is
// closed; release must be called when the collective is done.
func (c *Comm) enter() (prev <-chan struct{}, release func()) {
	c.collMu.Lock()
	defer c.collMu.Unlock()
	prev = c.collTail
	next := make(chan struct{})
	c.collTail = next
	return prev, func() { close(next) }
}

// runColl runs a blocking collective in call order
func (c *Comm) runColl(ctx context.Context, kind opKind, fn func(context.Context) error) error {
	prev, release := c.enter()
	select {
	case <-prev:
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return ctx.Err()
	}
	defer release()
	start := time.Now()
	err := fn(ctx)
	c.p.metrics.observe(kind, start)
	return errors.Wrapf(err, "%s", kind)
}

// startColl runs a non-blocking collective in call order
func (c *Comm) startColl(kind opKind, fn func(context.Context) error) *Request {
	req := newRequest(kind)
	prev, release := c.enter()
	go func() {
		defer release()
		<-prev
		start := time.Now()
		err := fn(context.Background())
		c.p.metrics.observe(kind, start)
		req.finish(Status{}, errors.Wrapf(err, "%s", kind))
	}()
	return req
}

// isendRaw queues a packed payload for comm rank dest in context cid.
// Synchronous sends complete when the receiver acknowledges the match.
func (c *Comm) isendRaw(cid uint32, payload []byte, sig uint64, count, dest, tag int, kind opKind) *Request {
	req := newRequest(kind)
	if count > math.MaxInt32 || len(payload) > maxPayloadSize {
		req.finish(Status{}, errors.Wrapf(ErrCount, "message of %d elements (%d bytes) exceeds the frame limit", count, len(payload)))
		return req
	}
	env := envelope{
		Context: cid,
		Source:  int32(c.rank),
		Tag:     int32(tag),
		Sig:     sig,
		Count:   int32(count),
	}
	synchronous := kind == opSsend
	if synchronous {
		env.Flags |= flagSync
		env.Seq = c.p.seq.Add(1)
		c.p.syncs.Store(env.Seq, req)
		if err := c.p.check(); err != nil {
			c.p.syncs.Delete(env.Seq)
			req.finish(Status{}, err)
			return req
		}
	}

	world := c.members[dest].Rank
	if world == c.p.rank {
		c.p.match.deliver(&inbound{
			ctx:     cid,
			src:     c.rank,
			tag:     tag,
			sig:     sig,
			count:   count,
			seq:     env.Seq,
			sync:    synchronous,
			from:    world,
			payload: payload,
		})
		if !synchronous {
			req.finish(Status{}, nil)
		}
		return req
	}

	frame := encodeData(env, payload, c.p.frames)
	c.p.links[world].enqueue(frame, func(err error) {
		if err != nil {
			if synchronous {
				c.p.syncs.Delete(env.Seq)
			}
			req.finish(Status{}, err)
			return
		}
		if !synchronous {
			req.finish(Status{}, nil)
		}
	})
	return req
}

// irecvRaw posts a receive in context cid; accept consumes the match
func (c *Comm) irecvRaw(cid uint32, src, tag int, kind opKind, accept func(*inbound) (Status, error)) *Request {
	req := newRequest(kind)
	pr := &postedRecv{ctx: cid, src: src, tag: tag, accept: accept, req: req}
	req.posted, req.match = pr, c.p.match
	c.p.match.post(pr)
	return req
}

// waitRecv waits for a posted receive. If ctx ends before the receive
// matched it is withdrawn.
func waitRecv(ctx context.Context, req *Request) (Status, error) {
	select {
	case <-req.done:
	case <-ctx.Done():
		if req.cancel() {
			req.consumed.Store(true)
			return Status{}, ctx.Err()
		}
		<-req.done
	}
	return req.Wait(context.Background())
}

// collContext is the private context of c's collectives
func (c *Comm) collContext() uint32 { return c.ctx + 1 }

// csend sends count packed elements of dt to dest in the collective context
func (c *Comm) csend(ctx context.Context, data []byte, dt *Datatype, count, dest, tag int) error {
	_, err := c.isendRaw(c.collContext(), data, dt.sig, count, dest, tag, opSend).Wait(ctx)
	return err
}

// icsend is csend without the wait
func (c *Comm) icsend(data []byte, dt *Datatype, count, dest, tag int) *Request {
	return c.isendRaw(c.collContext(), data, dt.sig, count, dest, tag, opSend)
}

// icrecv posts a collective receive of exactly count elements; the payload
// is stored in *out.
func (c *Comm) icrecv(dt *Datatype, count, src, tag int, out *[]byte) *Request {
	return c.irecvRaw(c.collContext(), src, tag, opRecv, func(in *inbound) (Status, error) {
		st := Status{Source: in.src, Tag: in.tag, Count: in.count}
		if in.sig != dt.sig || in.count != count || len(in.payload) != count*dt.size {
			return st, errors.Wrapf(ErrTypeMismatch,
				"collective message from rank %d: %d elements, want %d of %s", in.src, in.count, count, dt.name)
		}
		*out = in.payload
		return st, nil
	})
}

func (c *Comm) crecv(ctx context.Context, dt *Datatype, count, src, tag int) ([]byte, error) {
	var data []byte
	if _, err := waitRecv(ctx, c.icrecv(dt, count, src, tag, &data)); err != nil {
		return nil, err
	}
	return data, nil
}
