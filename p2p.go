// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"

	"github.com/pkg/errors"
)

// Send transfers count elements of dt from buf to rank dest. It returns
// once the message is written to the link; buf may be reused right away.
func (c *Comm) Send(ctx context.Context, buf any, count int, dt *Datatype, dest, tag int) error {
	req, err := c.Isend(buf, count, dt, dest, tag)
	if err != nil {
		return err
	}
	_, err = req.Wait(ctx)
	return err
}

// Isend starts a send. The payload is copied before Isend returns.
func (c *Comm) Isend(buf any, count int, dt *Datatype, dest, tag int) (*Request, error) {
	return c.isend(buf, count, dt, dest, tag, opSend)
}

// Ssend is Send in synchronous mode: it returns only after the receiver
// matched the message.
func (c *Comm) Ssend(ctx context.Context, buf any, count int, dt *Datatype, dest, tag int) error {
	req, err := c.Issend(buf, count, dt, dest, tag)
	if err != nil {
		return err
	}
	_, err = req.Wait(ctx)
	return err
}

// Issend starts a synchronous send
func (c *Comm) Issend(buf any, count int, dt *Datatype, dest, tag int) (*Request, error) {
	return c.isend(buf, count, dt, dest, tag, opSsend)
}

func (c *Comm) isend(buf any, count int, dt *Datatype, dest, tag int, kind opKind) (*Request, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.checkRank(dest, false, "destination"); err != nil {
		return nil, err
	}
	if err := checkTag(tag, false); err != nil {
		return nil, err
	}
	if err := checkSize(count, dt); err != nil {
		return nil, err
	}
	payload, err := dt.pack(buf, count)
	if err != nil {
		return nil, err
	}
	if dest == ProcNull {
		return completedRequest(kind, Status{Source: ProcNull, Tag: tag}), nil
	}
	return c.isendRaw(c.ctx, payload, dt.sig, count, dest, tag, kind), nil
}

// Recv receives up to count elements of dt into buf from source (or
// AnySource) with tag (or AnyTag). A longer message stores its first count
// elements and returns ErrTruncate along with the Status.
func (c *Comm) Recv(ctx context.Context, buf any, count int, dt *Datatype, source, tag int) (Status, error) {
	req, err := c.Irecv(buf, count, dt, source, tag)
	if err != nil {
		return Status{}, err
	}
	return waitRecv(ctx, req)
}

// Irecv posts a receive. buf must not be touched until the request completes.
func (c *Comm) Irecv(buf any, count int, dt *Datatype, source, tag int) (*Request, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.checkRank(source, true, "source"); err != nil {
		return nil, err
	}
	if err := checkTag(tag, true); err != nil {
		return nil, err
	}
	if err := dt.check(buf, count); err != nil {
		return nil, err
	}
	if source == ProcNull {
		return completedRequest(opRecv, Status{Source: ProcNull, Tag: AnyTag}), nil
	}
	return c.irecvRaw(c.ctx, source, tag, opRecv, acceptInto(buf, count, dt)), nil
}

// acceptInto unpacks a matched message into buf
func acceptInto(buf any, count int, dt *Datatype) func(*inbound) (Status, error) {
	return func(in *inbound) (Status, error) {
		st := Status{Source: in.src, Tag: in.tag}
		if in.sig != dt.sig {
			return st, errors.Wrapf(ErrTypeMismatch, "message from rank %d with tag %d is not %s", in.src, in.tag, dt.name)
		}
		if len(in.payload) != in.count*dt.size {
			return st, errors.Wrapf(errBadFrame, "%d payload bytes for %d elements of %s", len(in.payload), in.count, dt.name)
		}
		n := in.count
		var err error
		if n > count {
			n = count
			err = errors.Wrapf(ErrTruncate, "message has %d elements, buffer %d", in.count, count)
		}
		dt.unpack(in.payload[:n*dt.size], buf, n)
		st.Count = n
		return st, err
	}
}

// Sendrecv sends to dest and receives from source concurrently, so
// exchanges between pairs cannot deadlock.
func (c *Comm) Sendrecv(
	ctx context.Context,
	sendbuf any, sendcount int, sendtype *Datatype, dest, sendtag int,
	recvbuf any, recvcount int, recvtype *Datatype, source, recvtag int,
) (Status, error) {
	rreq, err := c.Irecv(recvbuf, recvcount, recvtype, source, recvtag)
	if err != nil {
		return Status{}, err
	}
	sreq, err := c.Isend(sendbuf, sendcount, sendtype, dest, sendtag)
	if err != nil {
		if rreq.cancel() {
			rreq.consumed.Store(true)
		}
		return Status{}, err
	}
	st, rerr := waitRecv(ctx, rreq)
	if _, err := sreq.Wait(ctx); err != nil {
		return st, err
	}
	return st, rerr
}

// Probe blocks until a message matching source and tag has arrived and
// describes it without receiving it. Status.Count is the element count.
func (c *Comm) Probe(ctx context.Context, source, tag int) (Status, error) {
	if err := c.probeArgs(source, tag); err != nil {
		return Status{}, err
	}
	if source == ProcNull {
		return Status{Source: ProcNull, Tag: AnyTag}, nil
	}
	in, err := c.p.match.probe(ctx, c.ctx, source, tag)
	if err != nil {
		return Status{}, err
	}
	return Status{Source: in.src, Tag: in.tag, Count: in.count}, nil
}

// Iprobe is Probe without blocking; ok reports whether a message is waiting
func (c *Comm) Iprobe(source, tag int) (st Status, ok bool, err error) {
	if err := c.probeArgs(source, tag); err != nil {
		return Status{}, false, err
	}
	if source == ProcNull {
		return Status{Source: ProcNull, Tag: AnyTag}, true, nil
	}
	in, _, err := c.p.match.peek(c.ctx, source, tag)
	if err != nil || in == nil {
		return Status{}, false, err
	}
	return Status{Source: in.src, Tag: in.tag, Count: in.count}, true, nil
}

func (c *Comm) probeArgs(source, tag int) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRank(source, true, "source"); err != nil {
		return err
	}
	return checkTag(tag, true)
}

// SendObject encodes v with the process codec and sends it as bytes
func (c *Comm) SendObject(ctx context.Context, v any, dest, tag int) error {
	if err := c.check(); err != nil {
		return err
	}
	data, err := c.p.codec.Encode(v)
	if err != nil {
		return errors.Wrap(err, "encode object")
	}
	return c.Send(ctx, data, len(data), Byte, dest, tag)
}

// RecvObject receives a message sent with SendObject and decodes it into v
func (c *Comm) RecvObject(ctx context.Context, v any, source, tag int) (Status, error) {
	if err := c.probeArgs(source, tag); err != nil {
		return Status{}, err
	}
	if source == ProcNull {
		return Status{Source: ProcNull, Tag: AnyTag}, nil
	}
	var data []byte
	req := c.irecvRaw(c.ctx, source, tag, opRecv, func(in *inbound) (Status, error) {
		st := Status{Source: in.src, Tag: in.tag, Count: in.count}
		if in.sig != Byte.sig {
			return st, errors.Wrapf(ErrTypeMismatch, "message from rank %d with tag %d is not an object", in.src, in.tag)
		}
		data = in.payload
		return st, nil
	})
	st, err := waitRecv(ctx, req)
	if err != nil {
		return st, err
	}
	if err := c.p.codec.Decode(data, v); err != nil {
		return st, errors.Wrap(err, "decode object")
	}
	return st, nil
}
