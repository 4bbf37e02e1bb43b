// Package peers provides support code for accepting and testing connections.
package peers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/switchboard"
	"github.com/creachadair/switchboard/channel"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// Local is a pair of in-memory connected connections, suitable for testing.
type Local struct {
	A *switchboard.Conn
	B *switchboard.Conn
}

// Stop closes both connections and blocks until both have exited.
func (p *Local) Stop() error {
	p.A.Close()
	p.B.Close()
	aerr := p.A.Wait()
	berr := p.B.Wait()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of started connections that communicate via a
// direct channel without encoding, configured by aopts and bopts.
func NewLocal(aopts, bopts *switchboard.ConnOptions) *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: switchboard.NewConn(a2b, aopts).Start(),
		B: switchboard.NewConn(b2a, bopts).Start(),
	}
}

// An Accepter produces channels for inbound connections.
type Accepter interface {
	Accept(context.Context) (switchboard.Channel, error)
}

// Loop accepts connections from acc and calls serve for each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// The context passed to serve ends when ctx does. When acc closes, the loop
// waits for running calls to serve to return before returning.
func Loop(ctx context.Context, acc Accepter, serve func(context.Context, switchboard.Channel) error) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			return serve(sctx, ch)
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.  Accepted
// connections are wrapped with [channel.IO].
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (switchboard.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// A WebSocketAccepter is an http.Handler that upgrades requests to
// websockets and delivers them through its Accept method.
type WebSocketAccepter struct {
	up    websocket.Upgrader
	chs   chan switchboard.Channel
	done  chan struct{}
	close sync.Once
}

// NewWebSocketAccepter constructs a new accepter. Requests from any origin
// are accepted.
func NewWebSocketAccepter() *WebSocketAccepter {
	return &WebSocketAccepter{
		up: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		chs:  make(chan switchboard.Channel),
		done: make(chan struct{}),
	}
}

// ServeHTTP implements the http.Handler interface. It blocks until the
// upgraded connection is accepted, or the accepter is closed.
func (w *WebSocketAccepter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	select {
	case <-w.done:
		http.Error(rw, "not accepting connections", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := w.up.Upgrade(rw, req, nil)
	if err != nil {
		return // Upgrade has already replied to the client
	}
	ch := channel.WebSocket(conn)
	select {
	case w.chs <- ch:
	case <-w.done:
		ch.Close()
	case <-req.Context().Done():
		ch.Close()
	}
}

// Accept implements the Accepter interface.
func (w *WebSocketAccepter) Accept(ctx context.Context) (switchboard.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, net.ErrClosed
	case ch := <-w.chs:
		return ch, nil
	}
}

// Close stops w from accepting further connections.
func (w *WebSocketAccepter) Close() error {
	w.close.Do(func() { close(w.done) })
	return nil
}
