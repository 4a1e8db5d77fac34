// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// Wildcards and sentinels
const (
	AnySource = -1 // receive from any rank
	AnyTag    = -1 // receive any tag
	ProcNull  = -2 // send/receive completes immediately without transfer
	TagUB     = 1<<23 - 1
)

// Status describes a completed receive
type Status struct {
	Source int   // actual source rank in the communicator
	Tag    int   // actual tag
	Count  int   // elements stored in the receive buffer
	Err    error // per-request error, mirrors the error returned by Wait
}

// RequestState is the lifecycle state of a Request
type RequestState int32

const (
	RequestPending RequestState = iota
	RequestCompleted
	RequestErrored
)

func (s RequestState) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestCompleted:
		return "completed"
	case RequestErrored:
		return "errored"
	}
	return "invalid"
}

// Request is an outstanding non-blocking operation. Buffers handed to the
// operation belong to the runtime until the request completes; touching them
// earlier is undefined. A request is consumed by the Wait or Test that
// observes its completion; later calls return ErrRequestInactive.
type Request struct {
	kind     opKind
	done     chan struct{}
	once     sync.Once
	state    atomic.Int32
	status   Status
	err      error
	consumed atomic.Bool

	// set for receives so a cancelled blocking Recv can withdraw it
	posted *postedRecv
	match  *matcher
}

func newRequest(kind opKind) *Request {
	return &Request{kind: kind, done: make(chan struct{})}
}

// completedRequest returns a request that is already done
func completedRequest(kind opKind, st Status) *Request {
	r := newRequest(kind)
	r.finish(st, nil)
	return r
}

func (r *Request) finish(st Status, err error) {
	r.once.Do(func() {
		st.Err = err
		r.status = st
		r.err = err
		if err != nil {
			r.state.Store(int32(RequestErrored))
		} else {
			r.state.Store(int32(RequestCompleted))
		}
		close(r.done)
	})
}

// State returns the current state without consuming the request
func (r *Request) State() RequestState {
	return RequestState(r.state.Load())
}

// Done returns a channel closed when the request completes or errors
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the request completes and consumes it. If ctx ends
// first Wait returns ctx.Err() and the request stays live.
func (r *Request) Wait(ctx context.Context) (Status, error) {
	if r == nil || r.consumed.Load() {
		return Status{}, ErrRequestInactive
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	if r.consumed.Swap(true) {
		return Status{}, ErrRequestInactive
	}
	return r.status, r.err
}

// Test reports whether the request has completed, consuming it if so
func (r *Request) Test() (Status, bool, error) {
	if r == nil || r.consumed.Load() {
		return Status{}, false, ErrRequestInactive
	}
	select {
	case <-r.done:
	default:
		return Status{}, false, nil
	}
	if r.consumed.Swap(true) {
		return Status{}, false, ErrRequestInactive
	}
	return r.status, true, r.err
}

// cancel withdraws a pending receive. It reports false if the receive
// already matched.
func (r *Request) cancel() bool {
	if r.posted == nil || r.match == nil {
		return false
	}
	return r.match.cancel(r.posted)
}

// WaitAll waits for every request and returns their statuses in order.
// The first error encountered is returned after all requests finished.
func WaitAll(ctx context.Context, reqs ...*Request) ([]Status, error) {
	statuses := make([]Status, len(reqs))
	var firstErr error
	for i, r := range reqs {
		st, err := r.Wait(ctx)
		statuses[i] = st
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return statuses, ctx.Err()
		}
	}
	return statuses, firstErr
}

// WaitAny blocks until one of the active requests completes and returns its
// index. Nil and consumed requests are skipped; if none is active it returns
// -1 and ErrRequestInactive.
func WaitAny(ctx context.Context, reqs ...*Request) (int, Status, error) {
	cases := make([]reflect.SelectCase, 0, len(reqs)+1)
	index := make([]int, 0, len(reqs))
	for i, r := range reqs {
		if r == nil || r.consumed.Load() {
			continue
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.done)})
		index = append(index, i)
	}
	if len(index) == 0 {
		return -1, Status{}, ErrRequestInactive
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, _, _ := reflect.Select(cases)
	if chosen == len(index) {
		return -1, Status{}, ctx.Err()
	}
	i := index[chosen]
	st, err := reqs[i].Wait(ctx)
	return i, st, err
}

// TestAll reports whether every request has completed. Requests are only
// consumed when all of them are done.
func TestAll(reqs ...*Request) (bool, []Status, error) {
	for _, r := range reqs {
		if r == nil || r.consumed.Load() {
			return false, nil, ErrRequestInactive
		}
		select {
		case <-r.done:
		default:
			return false, nil, nil
		}
	}
	statuses, err := WaitAll(context.Background(), reqs...)
	return true, statuses, err
}
