//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func init() {
	// Register gRPC transport when build tag is enabled
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

const linkMethod = "/mpi.Link/Frames"

// linkService is implemented by grpcListener
type linkService interface {
	frames(stream grpc.ServerStream) error
}

var linkServiceDesc = grpc.ServiceDesc{
	ServiceName: "mpi.Link",
	HandlerType: (*linkService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Frames",
		Handler:       framesHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "mpi/link.proto",
}

func framesHandler(srv any, stream grpc.ServerStream) error {
	return srv.(linkService).frames(stream)
}

// grpcStream is the part of grpc.ClientStream and grpc.ServerStream a link needs
type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcConn carries one frame per BytesValue message
type grpcConn struct {
	stream  grpcStream
	writeMu sync.Mutex
	closeFn func() error
	once    sync.Once
}

func (c *grpcConn) Send(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.stream.SendMsg(&wrapperspb.BytesValue{Value: frame})
}

func (c *grpcConn) Recv(ctx context.Context) ([]byte, error) {
	msg := new(wrapperspb.BytesValue)
	if err := c.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

func (c *grpcConn) Close() error {
	var err error
	c.once.Do(func() { err = c.closeFn() })
	return err
}

func dialGRPC(ctx context.Context, addr string) (Conn, error) {
	cc, err := grpc.NewClient(strings.TrimPrefix(addr, "grpc://"),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxFrameSize+64),
			grpc.MaxCallSendMsgSize(maxFrameSize+64),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "grpc dial")
	}
	// the link outlives the dial context
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := cc.NewStream(streamCtx, &linkServiceDesc.Streams[0], linkMethod)
	if err != nil {
		cancel()
		cc.Close()
		return nil, errors.Wrap(err, "grpc stream")
	}
	return &grpcConn{
		stream: stream,
		closeFn: func() error {
			stream.CloseSend()
			cancel()
			return cc.Close()
		},
	}, nil
}

type grpcListener struct {
	listener net.Listener
	server   *grpc.Server
	ch       chan *grpcConn
	done     chan struct{}
	once     sync.Once
}

func listenGRPC(addr string) (Listener, error) {
	addr = strings.TrimPrefix(addr, "grpc://")
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "grpc listen")
	}
	l := &grpcListener{
		listener: listener,
		server: grpc.NewServer(
			grpc.MaxRecvMsgSize(maxFrameSize+64),
			grpc.MaxSendMsgSize(maxFrameSize+64),
		),
		ch:   make(chan *grpcConn),
		done: make(chan struct{}),
	}
	l.server.RegisterService(&linkServiceDesc, l)
	go l.server.Serve(listener)
	return l, nil
}

// frames hands the stream to Accept and holds it open until the link closes.
func (l *grpcListener) frames(stream grpc.ServerStream) error {
	closed := make(chan struct{})
	conn := &grpcConn{
		stream: stream,
		closeFn: func() error {
			close(closed)
			return nil
		},
	}
	select {
	case l.ch <- conn:
	case <-l.done:
		return nil
	}
	select {
	case <-closed:
	case <-stream.Context().Done():
	}
	return nil
}

func (l *grpcListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.ch:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *grpcListener) Addr() string { return "grpc://" + l.listener.Addr().String() }

func (l *grpcListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		// links may still be draining bye frames; Stop would cut them off
		go l.server.GracefulStop()
	})
	return nil
}
