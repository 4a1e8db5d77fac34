// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testMatcher() *matcher {
	return newMatcher(func(pr *postedRecv, in *inbound) {
		st, err := pr.accept(in)
		pr.req.finish(st, err)
	}, func(int) {})
}

func postSeq(m *matcher, ctx uint32, src, tag int) (*Request, *uint64) {
	seq := new(uint64)
	req := newRequest(opRecv)
	pr := &postedRecv{ctx: ctx, src: src, tag: tag, req: req, accept: func(in *inbound) (Status, error) {
		*seq = in.seq
		return Status{Source: in.src, Tag: in.tag}, nil
	}}
	req.posted, req.match = pr, m
	m.post(pr)
	return req, seq
}

func TestMatcherNonOvertaking(t *testing.T) {
	require := require.New(t)
	m := testMatcher()

	for seq := uint64(1); seq <= 3; seq++ {
		m.deliver(&inbound{src: 1, tag: 7, seq: seq})
	}
	for want := uint64(1); want <= 3; want++ {
		req, seq := postSeq(m, 0, 1, 7)
		_, err := req.Wait(context.Background())
		require.NoError(err)
		require.Equal(want, *seq)
	}

	// posted receives are matched oldest first too
	r1, s1 := postSeq(m, 0, AnySource, 7)
	r2, s2 := postSeq(m, 0, 1, AnyTag)
	m.deliver(&inbound{src: 1, tag: 7, seq: 10})
	m.deliver(&inbound{src: 1, tag: 7, seq: 11})
	_, err := WaitAll(context.Background(), r1, r2)
	require.NoError(err)
	require.Equal(uint64(10), *s1)
	require.Equal(uint64(11), *s2)
}

func TestMatcherSelectsByEnvelope(t *testing.T) {
	require := require.New(t)
	m := testMatcher()

	m.deliver(&inbound{ctx: 1, src: 0, tag: 5, seq: 1}) // collective context
	m.deliver(&inbound{ctx: 0, src: 2, tag: 5, seq: 2})
	m.deliver(&inbound{ctx: 0, src: 0, tag: 6, seq: 3})
	m.deliver(&inbound{ctx: 0, src: 0, tag: 5, seq: 4})

	req, seq := postSeq(m, 0, 0, 5)
	st, err := req.Wait(context.Background())
	require.NoError(err)
	require.Equal(uint64(4), *seq)
	require.Equal(Status{Source: 0, Tag: 5}, st)

	in, _, err := m.peek(0, AnySource, 6)
	require.NoError(err)
	require.Equal(uint64(3), in.seq)
}

func TestMatcherCancel(t *testing.T) {
	require := require.New(t)
	m := testMatcher()

	req, _ := postSeq(m, 0, 3, 1)
	require.True(req.cancel())
	require.False(req.cancel())

	// the withdrawn receive must not take the message
	m.deliver(&inbound{src: 3, tag: 1, seq: 9})
	in, _, err := m.peek(0, 3, 1)
	require.NoError(err)
	require.Equal(uint64(9), in.seq)
}

func TestMatcherProbeWaits(t *testing.T) {
	require := require.New(t)
	m := testMatcher()

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.deliver(&inbound{src: 2, tag: 4, count: 8})
	}()
	in, err := m.probe(context.Background(), 0, AnySource, AnyTag)
	require.NoError(err)
	require.Equal(8, in.count)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.probe(ctx, 0, 5, AnyTag)
	require.ErrorIs(err, context.DeadlineExceeded)
}

func TestMatcherShutdown(t *testing.T) {
	require := require.New(t)
	m := testMatcher()

	parked, _ := postSeq(m, 0, 1, 1)
	m.shutdown(ErrAborted)
	_, err := parked.Wait(context.Background())
	require.ErrorIs(err, ErrAborted)

	late, _ := postSeq(m, 0, 1, 1)
	_, err = late.Wait(context.Background())
	require.ErrorIs(err, ErrAborted)

	m.deliver(&inbound{src: 1, tag: 1})
	_, err = m.probe(context.Background(), 0, 1, 1)
	require.ErrorIs(err, ErrAborted)
}
