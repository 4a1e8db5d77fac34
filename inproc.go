// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// In-process links are net.Pipe pairs handed out through a table of named
// listeners, so goroutine ranks exercise the same framing as TCP ranks.
var inproc = struct {
	sync.Mutex
	listeners map[string]*inprocListener
	next      int
}{listeners: make(map[string]*inprocListener)}

type inprocListener struct {
	addr string
	ch   chan net.Conn
	done chan struct{}
	once sync.Once
}

func listenInproc(addr string) (Listener, error) {
	inproc.Lock()
	defer inproc.Unlock()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		inproc.next++
		addr = fmt.Sprintf("inproc-%d", inproc.next)
	}
	if _, ok := inproc.listeners[addr]; ok {
		return nil, errors.Errorf("inproc listen: address %s in use", addr)
	}
	l := &inprocListener{
		addr: addr,
		ch:   make(chan net.Conn),
		done: make(chan struct{}),
	}
	inproc.listeners[addr] = l
	return l, nil
}

func dialInproc(ctx context.Context, addr string) (Conn, error) {
	inproc.Lock()
	l, ok := inproc.listeners[addr]
	inproc.Unlock()
	if !ok {
		return nil, errors.Errorf("inproc dial: no listener at %s", addr)
	}
	local, remote := net.Pipe()
	select {
	case l.ch <- remote:
		return newStreamConn(local), nil
	case <-l.done:
	case <-ctx.Done():
	}
	local.Close()
	remote.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.Errorf("inproc dial: listener %s closed", addr)
}

func (l *inprocListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.ch:
		return newStreamConn(conn), nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *inprocListener) Addr() string { return l.addr }

func (l *inprocListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		inproc.Lock()
		delete(inproc.listeners, l.addr)
		inproc.Unlock()
	})
	return nil
}
