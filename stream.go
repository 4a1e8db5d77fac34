// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// streamConn frames a byte stream: [4 len][frame]
type streamConn struct {
	conn    net.Conn
	r       *bufio.Reader
	writeMu sync.Mutex
	header  [4]byte
	closed  atomic.Bool
}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
	}
}

func (c *streamConn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if len(frame) == 0 || len(frame) > maxFrameSize {
		return errors.Wrapf(errBadFrame, "frame size %d", len(frame))
	}

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(frame)))
	copy(buf[4:], frame)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(buf)
	return err
}

func (c *streamConn) Recv(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	if _, err := io.ReadFull(c.r, c.header[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(c.header[:])
	if msgLen == 0 || msgLen > maxFrameSize {
		return nil, errors.Wrapf(errBadFrame, "frame size %d", msgLen)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(c.r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *streamConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// streamListener adapts a net.Listener
type streamListener struct {
	listener net.Listener
	addr     string
}

func (l *streamListener) Accept(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	return newStreamConn(conn), nil
}

func (l *streamListener) Addr() string { return l.addr }

func (l *streamListener) Close() error { return l.listener.Close() }

func dialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "tcp dial")
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return newStreamConn(conn), nil
}

func listenTCP(addr string) (Listener, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "tcp listen")
	}
	return &streamListener{listener: listener, addr: listener.Addr().String()}, nil
}
