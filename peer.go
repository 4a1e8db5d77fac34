// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// byeTimeout bounds how long a finalizing link waits for the peer's bye
var byeTimeout = 5 * time.Second

type outFrame struct {
	data []byte
	done func(error) // may be nil
}

// link is the single ordered connection to one peer. One goroutine writes
// the outbound queue in FIFO order, one reads frames into the Proc.
type link struct {
	p    *Proc
	rank int // peer world rank
	conn Conn

	mu     sync.Mutex
	queue  []outFrame
	closed bool // no more frames accepted
	wake   chan struct{}

	written  chan struct{} // writer exited
	readDone chan struct{}
	byeOnce  sync.Once
	byeRecv  chan struct{}
	closing  atomic.Bool
	gone     atomic.Bool // peer said bye
}

func newLink(p *Proc, rank int, conn Conn) *link {
	return &link{
		p:        p,
		rank:     rank,
		conn:     conn,
		wake:     make(chan struct{}, 1),
		written:  make(chan struct{}),
		readDone: make(chan struct{}),
		byeRecv:  make(chan struct{}),
	}
}

func (l *link) start() {
	go l.writeLoop()
	go l.readLoop()
}

// enqueue appends a frame to the outbound queue; done runs once the frame
// was written or failed.
func (l *link) enqueue(data []byte, done func(error)) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		if done != nil {
			done(l.goneErr())
		}
		return
	}
	l.queue = append(l.queue, outFrame{data: data, done: done})
	l.mu.Unlock()
	l.signal()
}

func (l *link) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *link) goneErr() error {
	return errors.Wrapf(ErrPeerGone, "link to rank %d", l.rank)
}

func (l *link) writeLoop() {
	defer close(l.written)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-l.wake
			continue
		}
		for i, f := range batch {
			err := l.conn.Send(context.Background(), f.data)
			if err == nil {
				l.p.metrics.sent(f.data)
				if f.done != nil {
					f.done(nil)
				}
				continue
			}
			l.fail(batch[i:], err)
			return
		}
	}
}

// fail drops the remaining frames after a write error
func (l *link) fail(rest []outFrame, err error) {
	l.mu.Lock()
	l.closed = true
	rest = append(rest, l.queue...)
	l.queue = nil
	l.mu.Unlock()

	gone := l.goneErr()
	for _, f := range rest {
		if f.done != nil {
			f.done(gone)
		}
	}
	if l.closing.Load() || l.gone.Load() {
		return
	}
	l.p.fatal(1, errors.Wrapf(gone, "write: %v", err))
}

func (l *link) readLoop() {
	defer close(l.readDone)
	for {
		frame, err := l.conn.Recv(context.Background())
		if err != nil {
			if l.closing.Load() || l.gone.Load() {
				return
			}
			l.p.fatal(1, errors.Wrapf(l.goneErr(), "read: %v", err))
			return
		}
		if len(frame) == 0 {
			l.p.fatal(1, errors.Wrapf(errBadFrame, "empty frame from rank %d", l.rank))
			return
		}
		l.p.metrics.received(frame)
		if err := l.p.handleFrame(l, frame); err != nil {
			l.p.fatal(1, errors.Wrapf(err, "frame from rank %d", l.rank))
			return
		}
	}
}

func (l *link) peerBye() {
	l.gone.Store(true)
	l.byeOnce.Do(func() { close(l.byeRecv) })
}

// shutdown closes the link gracefully: the queue drains, bye is written
// last and the connection closes once the peer's bye arrived.
func (l *link) shutdown(ctx context.Context) {
	l.enqueue(byeFrame, nil)
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()

	ctx, cancel := context.WithTimeout(ctx, byeTimeout)
	defer cancel()
	select {
	case <-l.written:
	case <-ctx.Done():
	}
	select {
	case <-l.byeRecv:
	case <-l.readDone:
	case <-ctx.Done():
	}
	l.closing.Store(true)
	_ = l.conn.Close()
}

// kill closes the link without a bye exchange
func (l *link) kill() {
	l.closing.Store(true)
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
	_ = l.conn.Close()
}
