// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLinkShutdownWithSilentPeer(t *testing.T) {
	defer func(d time.Duration) { byeTimeout = d }(byeTimeout)
	byeTimeout = 50 * time.Millisecond

	var aborted bool
	p := New(DefaultConfig(), WithAbortHandler(func(int, error) { aborted = true }))

	// the peer end is never read, so the bye write blocks until the
	// timeout, and no bye ever comes back
	local, remote := net.Pipe()
	defer remote.Close()
	l := newLink(p, 1, newStreamConn(local))
	l.start()

	done := make(chan struct{})
	go func() {
		l.shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "shutdown did not return")
	}

	<-l.written
	<-l.readDone
	require.False(t, aborted)
}
