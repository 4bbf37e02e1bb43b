// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/switchboard"
	"github.com/creachadair/switchboard/channel"
	"github.com/creachadair/switchboard/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close method can be
// called without panicking.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			c, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := c.(channel.IOChannel); !ok {
				t.Errorf("Accept: got %[1]T %[1]v, want %T", c, channel.IOChannel{})
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			ch, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", ch)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	got := make(chan *switchboard.Packet, 1)
	loc := peers.NewLocal(nil, &switchboard.ConnOptions{
		Trusted: true,
		Handler: func(_ *switchboard.Conn, pkt *switchboard.Packet) { got <- pkt },
	})

	want := switchboard.Event("Clock", "tick", nil)
	if err := loc.A.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if pkt := <-got; pkt.CorrelationID != want.CorrelationID {
		t.Errorf("Received %v, want %v", pkt, want)
	}
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if loc.A.Alive() || loc.B.Alive() {
		t.Errorf("After Stop: A alive %v, B alive %v; want both dead", loc.A.Alive(), loc.B.Alive())
	}
}

// echoServer returns a serve function for Loop that answers every call with
// its first argument.
func echoServer(secret string) func(context.Context, switchboard.Channel) error {
	return func(ctx context.Context, ch switchboard.Channel) error {
		c := switchboard.NewConn(ch, &switchboard.ConnOptions{
			Secret: secret,
			Handler: func(c *switchboard.Conn, pkt *switchboard.Packet) {
				if pkt.Kind == switchboard.KindServiceCall {
					time.Sleep(3 * time.Millisecond)
					c.Send(switchboard.ServiceCallResponse(pkt.CorrelationID, pkt.Arguments[0]))
				}
			},
		}).Start()
		go func() { <-ctx.Done(); c.Close() }()
		return c.Wait()
	}
}

// callEcho connects a trusted client on ch and makes n calls to the echo
// server.
func callEcho(t *testing.T, ch switchboard.Channel, secret string, n int) error {
	replies := make(chan *switchboard.Packet)
	c := switchboard.NewConn(ch, &switchboard.ConnOptions{
		Trusted: true,
		Handler: func(_ *switchboard.Conn, pkt *switchboard.Packet) { replies <- pkt },
	}).Start()
	defer c.Close()

	c.Send(switchboard.Auth(secret))
	for j := range n {
		args, _ := switchboard.EncodeArgs(j)
		call := switchboard.ServiceCall("Echo", "repeat", args)
		if err := c.Send(call); err != nil {
			return err
		}
		rsp := <-replies
		if rsp.OriginalCorrelationID != call.CorrelationID {
			t.Errorf("Call %d: reply for %q, want %q", j+1, rsp.OriginalCorrelationID, call.CorrelationID)
		}
		if string(rsp.ReturnValue) != string(args[0]) {
			t.Errorf("Call %d: got %s, want %s", j+1, rsp.ReturnValue, args[0])
		}
	}
	return nil
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst), echoServer("sekret"))
	})
	t.Log("Started accept loop...")

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for range numClients {
		g.Go(func() error {
			ch, err := channel.Dial(t.Context(), addr)
			if err != nil {
				return err
			}
			return callEcho(t, ch, "sekret", numCalls)
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	cancel()
	t.Logf("Loop exited, err=%v", loop.Wait())
}

func TestWebSocketAccepter(t *testing.T) {
	acc := peers.NewWebSocketAccepter()
	srv := httptest.NewServer(acc)
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, acc, echoServer("sekret"))
	})

	ch, err := channel.Dial(t.Context(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := callEcho(t, ch, "sekret", 3); err != nil {
		t.Errorf("Calls failed: %v", err)
	}

	acc.Close()
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
	if _, err := acc.Accept(t.Context()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept after close: got %v, want %v", err, net.ErrClosed)
	}
}
