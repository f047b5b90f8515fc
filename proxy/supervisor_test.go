package proxy_test

import (
	"net"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/kffl/tlsproxy/proxy"
)

// TestRunReturnsListenError exercises the non-signal exit path: if the
// listen address is already taken, Run returns the bind error instead of
// blocking forever waiting on a signal that will never arrive.
func TestRunReturnsListenError(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer ln.Close()
	addr := ln.Addr().String()

	srv := proxy.New(proxy.Config{
		Addr:     addr,
		Identity: selfSignedIdentity(t),
	})

	done := make(chan error, 1)
	go func() { done <- proxy.Run(srv) }()

	select {
	case err := <-done:
		c.Assert(err, qt.Not(qt.IsNil))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return when the listen address was already in use")
	}
}

// TestRunStopsOnServerClose confirms Run unblocks and returns a clean nil
// once the server is closed out from under it, mirroring how a graceful
// shutdown elsewhere in the process would terminate Run's serve goroutine.
func TestRunStopsOnServerClose(t *testing.T) {
	c := qt.New(t)

	addr := freeAddr(t)
	srv := proxy.New(proxy.Config{
		Addr:     addr,
		Identity: selfSignedIdentity(t),
	})

	done := make(chan error, 1)
	go func() { done <- proxy.Run(srv) }()

	waitListening(t, addr)

	c.Assert(srv.Close(), qt.IsNil)

	select {
	case err := <-done:
		c.Assert(err, qt.IsNil)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the server was closed")
	}
}
