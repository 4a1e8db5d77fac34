// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Transport types
const (
	TransportTCP    = "tcp"    // length-prefixed frames over TCP, default
	TransportInproc = "inproc" // in-process pipes, for goroutine ranks
	TransportWS     = "ws"     // websocket binary messages
	TransportGRPC   = "grpc"   // gRPC bidi stream, requires build tag
)

// DefaultTransport is the default link transport (TCP)
const DefaultTransport = TransportTCP

// Conn is one ordered, reliable link between two ranks. Frames sent on a
// Conn arrive in order. Send and Recv may be called concurrently with each
// other but each by a single goroutine at a time.
type Conn interface {
	io.Closer
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Listener accepts inbound links
type Listener interface {
	io.Closer
	Accept(ctx context.Context) (Conn, error)
	// Addr returns the address peers dial to reach this listener
	Addr() string
}

type dialFunc func(ctx context.Context, addr string) (Conn, error)
type listenFunc func(addr string) (Listener, error)

type transportEntry struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportEntry{
		TransportTCP:    {dialTCP, listenTCP},
		TransportInproc: {dialInproc, listenInproc},
		TransportWS:     {dialWS, listenWS},
	}
)

// registerTransport registers a new transport (used by build tags)
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transportEntry{dial, listen}
}

// AvailableTransports returns the sorted list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}

func lookupTransport(name string) (transportEntry, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	if !ok {
		return t, errors.Errorf("unknown transport: %s", name)
	}
	return t, nil
}

// Dial opens a link to addr using the named transport
func Dial(ctx context.Context, transport, addr string) (Conn, error) {
	t, err := lookupTransport(transport)
	if err != nil {
		return nil, err
	}
	return t.dial(ctx, addr)
}

// Listen creates a link listener using the named transport
func Listen(transport, addr string) (Listener, error) {
	t, err := lookupTransport(transport)
	if err != nil {
		return nil, err
	}
	return t.listen(addr)
}
