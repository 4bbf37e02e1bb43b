// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/switchboard"
	"github.com/creachadair/switchboard/broker"
	"github.com/creachadair/switchboard/channel"
	"github.com/creachadair/switchboard/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-metrics"
)

const secret = "open sesame"

var quiet = slog.New(slog.DiscardHandler)

// countSink is a metrics sink that tallies counters by key.
type countSink struct {
	metrics.BlackholeSink

	μ sync.Mutex
	n map[string]float32
}

func (s *countSink) IncrCounter(key []string, val float32) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.n == nil {
		s.n = make(map[string]float32)
	}
	s.n[strings.Join(key, ".")] += val
}

func (s *countSink) IncrCounterWithLabels(key []string, val float32, _ []metrics.Label) {
	s.IncrCounter(key, val)
}

func (s *countSink) count(key []string) float32 {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.n[strings.Join(key, ".")]
}

// auditLines is an audit log that remembers what it was given.
type auditLines struct {
	μ     sync.Mutex
	lines []string
}

func (a *auditLines) LogText(text string) error {
	a.μ.Lock()
	defer a.μ.Unlock()
	a.lines = append(a.lines, text)
	return nil
}

// has reports whether some line of a begins with prefix.
func (a *auditLines) has(prefix string) bool {
	a.μ.Lock()
	defer a.μ.Unlock()
	for _, line := range a.lines {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// A client is a connection to the broker that records the packets it
// receives.
type client struct {
	*switchboard.Conn
	recv chan *switchboard.Packet
}

// connect attaches a new client to b. If key != "", the client presents it
// to authenticate.
func connect(t *testing.T, b *broker.Broker, key string) *client {
	t.Helper()
	cch, sch := channel.Direct()
	b.Attach(sch)
	cl := &client{recv: make(chan *switchboard.Packet, 64)}
	cl.Conn = switchboard.NewConn(cch, &switchboard.ConnOptions{
		Trusted: true,
		Handler: func(_ *switchboard.Conn, pkt *switchboard.Packet) { cl.recv <- pkt },
		Logger:  quiet,
	}).Start()
	if key != "" {
		cl.Send(switchboard.Auth(key))
	}
	return cl
}

// next returns the next packet received by cl, which must already be
// available.
func (cl *client) next(t *testing.T) *switchboard.Packet {
	t.Helper()
	select {
	case pkt := <-cl.recv:
		return pkt
	default:
		t.Fatalf("Client %v: no packet received", cl.Conn)
		return nil
	}
}

func (cl *client) none(t *testing.T) {
	t.Helper()
	select {
	case pkt := <-cl.recv:
		t.Errorf("Client %v: unexpected packet %v", cl.Conn, pkt)
	default:
	}
}

func newBroker(t *testing.T, opts ...broker.Option) *broker.Broker {
	t.Helper()
	b, err := broker.New(secret, append([]broker.Option{broker.WithLogger(quiet)}, opts...)...)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	return b
}

func args(t *testing.T, vs ...any) []json.RawMessage {
	t.Helper()
	out, err := switchboard.EncodeArgs(vs...)
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}
	return out
}

func TestEcho(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var audit auditLines
		b := newBroker(t, broker.WithAuditLog(&audit))
		defer b.Close()

		svc := connect(t, b, secret)
		svc.Send(switchboard.RegisterService("Echo", "", 0))
		synctest.Wait()

		cl := connect(t, b, secret)
		call := switchboard.ServiceCall("Echo", "repeat", args(t, "hello"))
		cl.Send(call)
		synctest.Wait()

		got := svc.next(t)
		if got.Kind != switchboard.KindServiceCall || got.CorrelationID != call.CorrelationID {
			t.Fatalf("Service received %v, want %v", got, call)
		}
		svc.Send(switchboard.ServiceCallResponse(got.CorrelationID, got.Arguments[0]))
		synctest.Wait()

		rsp := cl.next(t)
		if rsp.OriginalCorrelationID != call.CorrelationID || string(rsp.ReturnValue) != `"hello"` {
			t.Errorf("Client received %v %s, want reply to %s with \"hello\"", rsp, rsp.ReturnValue, call.CorrelationID)
		}
		if s := b.Stats(); s.Pending != 0 || s.Buffered != 0 {
			t.Errorf("Stats: got %+v, want nothing pending", s)
		}

		for _, prefix := range []string{
			"Startup", "connection ", "auth ", "register ",
			"service_call (serviceCall) " + call.CorrelationID,
			"service_reply " + call.CorrelationID + ` (serviceCallResponse)  Reply: "hello"`,
		} {
			if !audit.has(prefix) {
				t.Errorf("Audit log is missing %q", prefix)
			}
		}
	})
}

func TestMissingRegistersLater(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBroker(t)
		defer b.Close()

		cl := connect(t, b, secret)
		calls := []*switchboard.Packet{
			switchboard.ServiceCall("Missing", "one", args(t, 1)),
			switchboard.ReadStreamStart("Missing", "two", args(t, 2)),
			switchboard.ServiceCall("Missing", "three", nil),
		}
		for _, call := range calls {
			cl.Send(call)
		}
		synctest.Wait()
		if s := b.Stats(); s.Buffered != 3 || s.Pending != 3 {
			t.Errorf("Stats: got %+v, want 3 buffered and pending", s)
		}

		svc := connect(t, b, secret)
		svc.Send(switchboard.RegisterService("Missing", "", 0))
		synctest.Wait()

		var got []string
		for range calls {
			got = append(got, svc.next(t).CorrelationID)
		}
		svc.none(t)
		want := []string{calls[0].CorrelationID, calls[1].CorrelationID, calls[2].CorrelationID}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Flushed calls (-want, +got):\n%s", diff)
		}
		if s := b.Stats(); s.Buffered != 0 {
			t.Errorf("Stats: got %d buffered, want 0", s.Buffered)
		}

		// Replies to the flushed calls reach the original caller.
		svc.Send(switchboard.ServiceCallResponse(calls[2].CorrelationID, []byte(`3`)))
		svc.Send(switchboard.ServiceCallResponse(calls[0].CorrelationID, []byte(`1`)))
		synctest.Wait()
		if rsp := cl.next(t); rsp.OriginalCorrelationID != calls[2].CorrelationID {
			t.Errorf("First reply: got %v, want reply to %s", rsp, calls[2].CorrelationID)
		}
		if rsp := cl.next(t); rsp.OriginalCorrelationID != calls[0].CorrelationID {
			t.Errorf("Second reply: got %v, want reply to %s", rsp, calls[0].CorrelationID)
		}
	})
}

func TestAtMostOneReply(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var ms countSink
		b := newBroker(t, broker.WithMetricSink(&ms))
		defer b.Close()

		svc := connect(t, b, secret)
		svc.Send(switchboard.RegisterService("Echo", "", 0))
		cl := connect(t, b, secret)
		synctest.Wait()

		call := switchboard.ServiceCall("Echo", "repeat", nil)
		cl.Send(call)
		synctest.Wait()
		svc.next(t)

		svc.Send(switchboard.ServiceCallResponse(call.CorrelationID, []byte(`"first"`)))
		svc.Send(switchboard.ServiceCallResponse(call.CorrelationID, []byte(`"second"`)))
		svc.Send(switchboard.ServiceCallResponse("nonesuch", nil))
		synctest.Wait()

		if rsp := cl.next(t); string(rsp.ReturnValue) != `"first"` {
			t.Errorf("Reply: got %s, want \"first\"", rsp.ReturnValue)
		}
		cl.none(t)
		if n := ms.count(switchboard.MetricRepliesOrphaned); n != 2 {
			t.Errorf("Orphaned replies: got %v, want 2", n)
		}
	})
}

func TestReadStream(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBroker(t)
		defer b.Close()

		svc := connect(t, b, secret)
		svc.Send(switchboard.RegisterService("Echo", "", 0))
		cl := connect(t, b, secret)
		synctest.Wait()

		start := switchboard.ReadStreamStart("Echo", "count", args(t, 2))
		cl.Send(start)
		synctest.Wait()
		svc.next(t)

		id := start.CorrelationID
		svc.Send(
			switchboard.StreamData(id, []byte("1"), switchboard.StreamEventData),
			switchboard.StreamData(id, []byte("2"), switchboard.StreamEventData),
		)
		synctest.Wait()
		if s := b.Stats(); s.Pending != 1 {
			t.Errorf("After data: %d pending, want 1", s.Pending)
		}
		svc.Send(switchboard.StreamData(id, nil, switchboard.StreamEventEnd))
		svc.Send(switchboard.StreamData(id, []byte("late"), switchboard.StreamEventData))
		synctest.Wait()

		var got []string
		for range 3 {
			pkt := cl.next(t)
			got = append(got, string(pkt.Data)+"/"+string(pkt.Event))
		}
		cl.none(t)
		if diff := cmp.Diff([]string{"1/data", "2/data", "/end"}, got); diff != "" {
			t.Errorf("Stream chunks (-want, +got):\n%s", diff)
		}
		if s := b.Stats(); s.Pending != 0 {
			t.Errorf("After end: %d pending, want 0", s.Pending)
		}
	})
}

func TestWriteStream(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBroker(t)
		defer b.Close()

		// The caller writes the whole stream before the service exists.
		cl := connect(t, b, secret)
		start := switchboard.WriteStreamStart("Sink", "store", args(t, "name"))
		id := start.CorrelationID
		cl.Send(start)
		cl.Send(switchboard.StreamData(id, []byte("a"), switchboard.StreamEventData))
		synctest.Wait()
		if s := b.Stats(); s.Buffered != 2 {
			t.Errorf("Before registration: %d buffered, want 2", s.Buffered)
		}

		svc := connect(t, b, secret)
		svc.Send(switchboard.RegisterService("Sink", "", 0))
		synctest.Wait()

		// Chunks sent after registration follow the flushed start.
		cl.Send(switchboard.StreamData(id, []byte("b"), switchboard.StreamEventData))
		cl.Send(switchboard.StreamData(id, nil, switchboard.StreamEventEnd))
		synctest.Wait()

		var got []string
		for range 4 {
			pkt := svc.next(t)
			got = append(got, string(pkt.Kind)+":"+string(pkt.Data))
		}
		svc.none(t)
		cl.none(t)
		if diff := cmp.Diff([]string{
			"writeStreamStart:", "streamData:a", "streamData:b", "streamData:",
		}, got); diff != "" {
			t.Errorf("Service received (-want, +got):\n%s", diff)
		}
		if s := b.Stats(); s.Pending != 0 || s.Buffered != 0 {
			t.Errorf("Stats: got %+v, want nothing pending", s)
		}
	})
}

func TestEventFanOut(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var audit auditLines
		b := newBroker(t, broker.WithAuditLog(&audit))
		defer b.Close()

		a := connect(t, b, secret)
		a.Send(switchboard.SubscribeToEvent("Clock", "tick"))
		a.Send(switchboard.SubscribeToEvent("Clock", "tick")) // duplicate
		f := connect(t, b, secret)
		f.Send(switchboard.SubscribeToEvent("Clock", "tock"))
		n := connect(t, b, secret)
		u := connect(t, b, "") // never authenticates
		u.Send(switchboard.SubscribeToEvent("Clock", "tick"))
		synctest.Wait()

		ev := switchboard.Event("Clock", "tick", args(t, 12))
		n.Send(ev)
		synctest.Wait()

		if got := a.next(t); got.CorrelationID != ev.CorrelationID {
			t.Errorf("Subscriber received %v, want %v", got, ev)
		}
		a.none(t)
		f.none(t)
		n.none(t)
		u.none(t)

		want := []switchboard.EventKey{{Service: "Clock", Event: "tick"}, {Service: "Clock", Event: "tock"}}
		if diff := cmp.Diff(want, b.Stats().Subscriptions); diff != "" {
			t.Errorf("Subscriptions (-want, +got):\n%s", diff)
		}
		for _, prefix := range []string{"subscribe ", "event " + ev.CorrelationID, "event_sent " + ev.CorrelationID} {
			if !audit.has(prefix) {
				t.Errorf("Audit log is missing %q", prefix)
			}
		}
	})
}

func TestAuthGate(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var ms countSink
		b := newBroker(t, broker.WithMetricSink(&ms))
		defer b.Close()

		cl := connect(t, b, "")
		cl.Send(switchboard.RegisterService("Sneaky", "", 0))
		cl.Send(switchboard.Auth("wrong"))
		cl.Send(switchboard.RegisterService("Sneaky", "", 0))
		synctest.Wait()
		if s := b.Stats(); len(s.Services) != 0 {
			t.Errorf("Before auth: services %q, want none", s.Services)
		}
		if n := ms.count(switchboard.MetricAuthFailures); n != 1 {
			t.Errorf("Auth failures: got %v, want 1", n)
		}

		// Heartbeats are still answered before authentication.
		cch, sch := channel.Direct()
		b.Attach(sch)
		ping, _ := switchboard.EncodeMessage(switchboard.Ping())
		if err := cch.Send(ping); err != nil {
			t.Fatalf("Send ping: %v", err)
		}
		msg, err := cch.Recv()
		if err != nil {
			t.Fatalf("Receive pong: %v", err)
		}
		if pkts, err := switchboard.DecodeMessage(msg); err != nil || len(pkts) != 1 || pkts[0].Kind != switchboard.KindPong {
			t.Errorf("Reply to ping: got %q, %v; want pong", msg, err)
		}
		cch.Close()

		cl.Send(switchboard.Auth(secret))
		cl.Send(switchboard.RegisterService("Sneaky", "", 0))
		synctest.Wait()
		if diff := cmp.Diff([]string{"Sneaky"}, b.Stats().Services); diff != "" {
			t.Errorf("After auth: services (-want, +got):\n%s", diff)
		}
	})
}

func TestAuthGateState(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBroker(t)
		defer b.Close()

		svc := connect(t, b, secret)
		svc.Send(switchboard.RegisterService("Echo", "", 0))
		sub := connect(t, b, secret)
		sub.Send(switchboard.SubscribeToEvent("Clock", "tick"))
		cl := connect(t, b, secret)
		call := switchboard.ServiceCall("Echo", "repeat", nil)
		cl.Send(call, switchboard.ServiceCall("Missing", "never", nil))
		cl.Send(switchboard.ServiceIPLookup("Missing"))
		synctest.Wait()
		svc.next(t)

		want := b.Stats()
		if want.Pending != 2 || want.Buffered != 1 || want.Lookups != 1 {
			t.Fatalf("Initial stats: %+v", want)
		}

		tests := []*switchboard.Packet{
			switchboard.ServiceCall("Echo", "repeat", nil),
			switchboard.ServiceCall("Missing", "never", nil),
			switchboard.ReadStreamStart("Missing", "count", nil),
			switchboard.WriteStreamStart("Missing", "store", nil),
			switchboard.StreamData(call.CorrelationID, nil, switchboard.StreamEventEnd),
			switchboard.ServiceCallResponse(call.CorrelationID, json.RawMessage(`"x"`)),
			switchboard.SubscribeToEvent("Clock", "tock"),
			switchboard.Event("Clock", "tick", nil),
			switchboard.ServiceIPLookup("Other"),
			switchboard.RegisterService("Missing", "", 0),
		}
		for _, pkt := range tests {
			anon := connect(t, b, "")
			anon.Send(pkt)
			synctest.Wait()

			got := b.Stats()
			got.Conns = want.Conns
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("After unauthenticated %s: stats (-want, +got):\n%s", pkt.Kind, diff)
			}
			anon.none(t)
			anon.Close()
		}
		svc.none(t)
		sub.none(t)
		cl.none(t)
	})
}

func TestLookup(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var audit auditLines
		b := newBroker(t, broker.WithAuditLog(&audit))
		defer b.Close()

		cl := connect(t, b, secret)
		cl.Send(switchboard.ServiceIPLookup("Echo"))
		cl.Send(switchboard.ServiceIPLookup("Echo"))
		synctest.Wait()
		cl.none(t)
		if s := b.Stats(); s.Lookups != 1 {
			t.Errorf("Deferred lookups: got %d, want 1", s.Lookups)
		}

		svc := connect(t, b, secret)
		svc.Send(switchboard.RegisterService("Echo", "10.0.0.5", 9000))
		synctest.Wait()

		check := func(pkt *switchboard.Packet) {
			t.Helper()
			if pkt.Kind != switchboard.KindServiceIPResolution || pkt.ServiceID != "Echo" ||
				pkt.Address != "10.0.0.5" || pkt.Port != 9000 {
				t.Errorf("Resolution: got %+v, want Echo at 10.0.0.5:9000", pkt)
			}
		}
		check(cl.next(t))
		cl.none(t)

		// A lookup for a registered service is answered immediately.
		cl.Send(switchboard.ServiceIPLookup("Echo"))
		synctest.Wait()
		check(cl.next(t))
		if s := b.Stats(); s.Lookups != 0 {
			t.Errorf("Deferred lookups: got %d, want 0", s.Lookups)
		}
		if !audit.has("lookup ") {
			t.Error("Audit log is missing lookup")
		}
	})
}

func TestPrune(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBroker(t)
		defer b.Close()

		svc := connect(t, b, secret)
		svc.Send(switchboard.RegisterService("Echo", "", 0))
		svc.Send(switchboard.SubscribeToEvent("Clock", "tick"))
		cl := connect(t, b, secret)
		synctest.Wait()
		if s := b.Stats(); s.Conns != 2 || len(s.Services) != 1 || len(s.Subscriptions) != 1 {
			t.Fatalf("Before close: stats %+v", s)
		}

		svc.Close()
		synctest.Wait()

		// A dead connection is not routed to, even before it is pruned.
		call := switchboard.ServiceCall("Echo", "repeat", nil)
		cl.Send(call)
		synctest.Wait()
		if s := b.Stats(); s.Buffered != 1 {
			t.Errorf("Call to dead service: %d buffered, want 1", s.Buffered)
		}

		b.Tick(time.Now())
		s := b.Stats()
		if s.Conns != 1 || len(s.Services) != 0 || len(s.Subscriptions) != 0 {
			t.Errorf("After prune: stats %+v, want 1 conn and no services or subscriptions", s)
		}

		// A new registration receives the buffered call.
		svc2 := connect(t, b, secret)
		svc2.Send(switchboard.RegisterService("Echo", "", 0))
		synctest.Wait()
		if got := svc2.next(t); got.CorrelationID != call.CorrelationID {
			t.Errorf("New service received %v, want %v", got, call)
		}
	})
}

func TestPendingTTL(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var ms countSink
		b := newBroker(t, broker.WithPendingTTL(5*time.Second), broker.WithMetricSink(&ms))
		defer b.Close()

		cl := connect(t, b, secret)
		call := switchboard.ServiceCall("Missing", "never", nil)
		stream := switchboard.ReadStreamStart("Missing", "never", nil)
		cl.Send(call, stream)
		synctest.Wait()

		b.Tick(time.Now().Add(time.Second))
		synctest.Wait()
		cl.none(t)

		b.Tick(time.Now().Add(6 * time.Second))
		synctest.Wait()

		rsp := cl.next(t)
		if rsp.Kind != switchboard.KindServiceCallResponse || rsp.OriginalCorrelationID != call.CorrelationID ||
			!strings.Contains(rsp.Error, switchboard.ErrServiceUnavailable.Error()) {
			t.Errorf("Expired call: got %+v, want error response", rsp)
		}
		end := cl.next(t)
		if !end.Terminal() || end.OriginalCorrelationID != stream.CorrelationID || end.Error == "" {
			t.Errorf("Expired stream: got %+v, want end with error", end)
		}
		if s := b.Stats(); s.Buffered != 0 || s.Pending != 0 {
			t.Errorf("Stats: got %+v, want nothing pending", s)
		}
		if n := ms.count(switchboard.MetricCallsExpired); n != 2 {
			t.Errorf("Expired calls: got %v, want 2", n)
		}
	})
}

func TestPendingTTLWriteStream(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBroker(t, broker.WithPendingTTL(5*time.Second))
		defer b.Close()

		cl := connect(t, b, secret)
		start := switchboard.WriteStreamStart("Sink", "store", nil)
		cl.Send(start)
		synctest.Wait()

		time.Sleep(3 * time.Second)
		cl.Send(switchboard.StreamData(start.CorrelationID, []byte("x"), switchboard.StreamEventData))
		synctest.Wait()
		if s := b.Stats(); s.Buffered != 2 {
			t.Fatalf("Buffered: got %d, want 2", s.Buffered)
		}

		// The start has expired, but its chunk is younger than the TTL.
		time.Sleep(3 * time.Second)
		b.Tick(time.Now())
		synctest.Wait()

		end := cl.next(t)
		if !end.Terminal() || end.OriginalCorrelationID != start.CorrelationID ||
			!strings.Contains(end.Error, switchboard.ErrServiceUnavailable.Error()) {
			t.Errorf("Expired stream: got %+v, want end with error", end)
		}
		if s := b.Stats(); s.Buffered != 0 || s.Pending != 0 {
			t.Errorf("Stats: got %+v, want nothing buffered or pending", s)
		}

		svc := connect(t, b, secret)
		svc.Send(switchboard.RegisterService("Sink", "", 0))
		synctest.Wait()
		svc.none(t)
	})
}

func TestPendingUnbounded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBroker(t, broker.WithHeartbeat(0, 2*time.Hour))
		defer b.Close()

		cl := connect(t, b, secret)
		cl.Send(switchboard.ServiceCall("Missing", "never", nil))
		synctest.Wait()

		b.Tick(time.Now().Add(time.Hour))
		synctest.Wait()
		cl.none(t)
		if s := b.Stats(); s.Buffered != 1 || s.Pending != 1 {
			t.Errorf("Stats: got %+v, want 1 buffered and pending", s)
		}
	})
}

func TestHeartbeatTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var audit auditLines
		var ms countSink
		b := newBroker(t, broker.WithAuditLog(&audit), broker.WithMetricSink(&ms),
			broker.WithHeartbeat(time.Second, 3*time.Second))
		defer b.Close()

		// A raw channel that never answers pings.
		cch, sch := channel.Direct()
		c := b.Attach(sch)
		go func() {
			for {
				if _, err := cch.Recv(); err != nil {
					return
				}
			}
		}()

		start := time.Now()
		b.Tick(start.Add(2 * time.Second)) // sends a ping
		synctest.Wait()
		if !c.Alive() {
			t.Fatal("Connection closed before timeout")
		}
		if got := c.LastPingSent(); !got.Equal(start.Add(2 * time.Second)) {
			t.Errorf("LastPingSent: got %v, want %v", got, start.Add(2*time.Second))
		}

		b.Tick(start.Add(4 * time.Second))
		synctest.Wait()
		if c.Alive() {
			t.Error("Connection is alive after timeout")
		}
		if !errors.Is(c.Err(), switchboard.ErrHeartbeatTimeout) {
			t.Errorf("Err: got %v, want %v", c.Err(), switchboard.ErrHeartbeatTimeout)
		}
		if n := ms.count(switchboard.MetricConnTimeouts); n != 1 {
			t.Errorf("Timeouts: got %v, want 1", n)
		}
		for _, prefix := range []string{"timeout " + c.ID(), "close " + c.ID()} {
			if !audit.has(prefix) {
				t.Errorf("Audit log is missing %q", prefix)
			}
		}
		if s := b.Stats(); s.Conns != 0 {
			t.Errorf("After timeout: %d conns, want 0", s.Conns)
		}
	})
}

func TestAuditFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var ms countSink
		b := newBroker(t, broker.WithMetricSink(&ms), broker.WithAuditLog(broker.AuditFunc(func(string) error {
			return errors.New("disk full")
		})))
		defer b.Close()

		svc := connect(t, b, secret)
		svc.Send(switchboard.RegisterService("Echo", "", 0))
		cl := connect(t, b, secret)
		synctest.Wait()

		call := switchboard.ServiceCall("Echo", "repeat", nil)
		cl.Send(call)
		synctest.Wait()
		if got := svc.next(t); got.CorrelationID != call.CorrelationID {
			t.Errorf("Service received %v, want %v", got, call)
		}
		if n := ms.count(switchboard.MetricAuditFailures); n == 0 {
			t.Error("Audit failures were not counted")
		}
	})
}

func TestDuplicateRegistration(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBroker(t)
		defer b.Close()

		old := connect(t, b, secret)
		old.Send(switchboard.RegisterService("Echo", "", 0))
		cl := connect(t, b, secret)
		synctest.Wait()

		first := switchboard.ServiceCall("Echo", "repeat", nil)
		cl.Send(first)
		synctest.Wait()
		old.next(t)

		cur := connect(t, b, secret)
		cur.Send(switchboard.RegisterService("Echo", "", 0))
		synctest.Wait()

		second := switchboard.ServiceCall("Echo", "repeat", nil)
		cl.Send(second)
		synctest.Wait()
		if got := cur.next(t); got.CorrelationID != second.CorrelationID {
			t.Errorf("New registration received %v, want %v", got, second)
		}
		old.none(t)

		// The old connection can still answer the call it was given.
		old.Send(switchboard.ServiceCallResponse(first.CorrelationID, []byte(`1`)))
		synctest.Wait()
		if rsp := cl.next(t); rsp.OriginalCorrelationID != first.CorrelationID {
			t.Errorf("Reply: got %v, want reply to %v", rsp, first)
		}
	})
}

func TestAuditFile(t *testing.T) {
	var buf bytes.Buffer
	when := time.Date(2024, 3, 1, 12, 30, 45, 250e6, time.FixedZone("X", 3600))
	f := broker.NewAuditWriter(&buf, func() time.Time { return when })
	f.LogText("Startup")
	f.LogText("register abc Echo")
	if err := f.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	const want = "[2024-03-01T11:30:45.250Z] Startup\n[2024-03-01T11:30:45.250Z] register abc Echo\n"
	if got := buf.String(); got != want {
		t.Errorf("Audit file: got %q, want %q", got, want)
	}
}

func TestOpenAuditFile(t *testing.T) {
	path := t.TempDir() + "/master.log"
	for range 2 {
		f, err := broker.OpenAuditFile(path)
		if err != nil {
			t.Fatalf("OpenAuditFile: %v", err)
		}
		if err := f.LogText("Startup"); err != nil {
			t.Errorf("LogText: %v", err)
		}
		f.Close()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Read audit file: %v", err)
	}
	if n := strings.Count(string(data), "] Startup\n"); n != 2 {
		t.Errorf("Audit file has %d records, want 2 (appended):\n%s", n, data)
	}
}

func TestOptions(t *testing.T) {
	for _, opt := range []broker.Option{
		broker.WithPendingTTL(-time.Second),
		broker.WithHeartbeat(-1, 0),
		broker.WithRateLimit(0, 1),
		broker.WithTickRate(0),
		broker.WithClock(nil),
		broker.WithLogger(nil),
		broker.WithLog(nil),
	} {
		if _, err := broker.New(secret, opt); !errors.Is(err, broker.ErrInvalidOption) {
			t.Errorf("New: got %v, want %v", err, broker.ErrInvalidOption)
		}
	}
}

func TestRun(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	b := newBroker(t, broker.WithTickRate(10*time.Millisecond))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	run := taskgroup.Go(func() error { return b.Run(ctx, peers.NetAccepter(lst)) })

	dial := func() *client {
		ch, err := channel.Dial(ctx, lst.Addr().String())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		cl := &client{recv: make(chan *switchboard.Packet, 16)}
		cl.Conn = switchboard.NewConn(ch, &switchboard.ConnOptions{
			Trusted: true,
			Handler: func(_ *switchboard.Conn, pkt *switchboard.Packet) { cl.recv <- pkt },
			Logger:  quiet,
		}).Start()
		cl.Send(switchboard.Auth(secret))
		return cl
	}

	// The caller connects first, so its call is buffered or routed depending
	// on timing; either way the reply must arrive.
	cl := dial()
	defer cl.Close()
	call := switchboard.ServiceCall("Echo", "repeat", args(t, "over tcp"))
	cl.Send(call)

	svc := dial()
	defer svc.Close()
	svc.Send(switchboard.RegisterService("Echo", "", 0))

	select {
	case got := <-svc.recv:
		svc.Send(switchboard.ServiceCallResponse(got.CorrelationID, got.Arguments[0]))
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for call")
	}
	select {
	case rsp := <-cl.recv:
		if string(rsp.ReturnValue) != `"over tcp"` {
			t.Errorf("Reply: got %s, want \"over tcp\"", rsp.ReturnValue)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reply")
	}

	cancel()
	if err := run.Wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
	cl.Close()
	svc.Close()
	cl.Wait()
	svc.Wait()
}
