// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
	"sync"
)

// inbound is an arrived data message
type inbound struct {
	ctx     uint32
	src     int // sender rank within the communicator
	tag     int
	sig     uint64
	count   int
	seq     uint64
	sync    bool
	from    int // sender world rank, for acks
	payload []byte
}

// postedRecv is a receive waiting for a match
type postedRecv struct {
	ctx    uint32
	src    int
	tag    int
	accept func(in *inbound) (Status, error)
	req    *Request
}

func (pr *postedRecv) matches(in *inbound) bool {
	return pr.ctx == in.ctx &&
		(pr.src == AnySource || pr.src == in.src) &&
		(pr.tag == AnyTag || pr.tag == in.tag)
}

// matcher pairs arrivals with posted receives. Arrivals from one link are
// delivered in link order and both queues are scanned oldest first, so
// messages with the same (source, tag) never overtake each other.
type matcher struct {
	mu         sync.Mutex
	unexpected []*inbound
	posted     []*postedRecv
	arrived    chan struct{} // closed and replaced on every unexpected arrival
	err        error

	onMatch func(pr *postedRecv, in *inbound)
	onDepth func(n int)
}

func newMatcher(onMatch func(*postedRecv, *inbound), onDepth func(int)) *matcher {
	return &matcher{
		arrived: make(chan struct{}),
		onMatch: onMatch,
		onDepth: onDepth,
	}
}

// deliver hands an arrival to the first matching posted receive or queues it
func (m *matcher) deliver(in *inbound) {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return
	}
	for i, pr := range m.posted {
		if pr.matches(in) {
			m.posted = append(m.posted[:i], m.posted[i+1:]...)
			m.mu.Unlock()
			m.onMatch(pr, in)
			return
		}
	}
	m.unexpected = append(m.unexpected, in)
	depth := len(m.unexpected)
	close(m.arrived)
	m.arrived = make(chan struct{})
	m.mu.Unlock()
	m.onDepth(depth)
}

// post matches pr against queued arrivals or parks it
func (m *matcher) post(pr *postedRecv) {
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		pr.req.finish(Status{}, err)
		return
	}
	for i, in := range m.unexpected {
		if pr.matches(in) {
			m.unexpected = append(m.unexpected[:i], m.unexpected[i+1:]...)
			depth := len(m.unexpected)
			m.mu.Unlock()
			m.onDepth(depth)
			m.onMatch(pr, in)
			return
		}
	}
	m.posted = append(m.posted, pr)
	m.mu.Unlock()
}

// cancel removes a parked receive; false if it already matched
func (m *matcher) cancel(pr *postedRecv) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.posted {
		if p == pr {
			m.posted = append(m.posted[:i], m.posted[i+1:]...)
			return true
		}
	}
	return false
}

// peek finds the oldest matching arrival without consuming it
func (m *matcher) peek(ctx uint32, src, tag int) (*inbound, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, nil, m.err
	}
	probe := postedRecv{ctx: ctx, src: src, tag: tag}
	for _, in := range m.unexpected {
		if probe.matches(in) {
			return in, nil, nil
		}
	}
	return nil, m.arrived, nil
}

// probe blocks until a matching arrival is queued
func (m *matcher) probe(ctx context.Context, cid uint32, src, tag int) (*inbound, error) {
	for {
		in, arrived, err := m.peek(cid, src, tag)
		if err != nil || in != nil {
			return in, err
		}
		select {
		case <-arrived:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// shutdown fails every parked and future receive with err
func (m *matcher) shutdown(err error) {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return
	}
	m.err = err
	posted := m.posted
	m.posted = nil
	m.unexpected = nil
	close(m.arrived)
	m.mu.Unlock()
	for _, pr := range posted {
		pr.req.finish(Status{}, err)
	}
}
