// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package connector implements the service side of a switchboard mesh.
//
// A Connector maintains a link to the broker, serves the methods of the
// services registered with it, and lets its owner call the methods of other
// services, open streams to them, fire events and subscribe to events.
//
// If the link to the broker is lost, the connector reconnects after a fixed
// backoff, authenticates again, re-registers its services and re-subscribes
// its events. Packets sent while the link is down are queued and sent once
// the link is restored.
//
// In mesh mode (see WithMesh) the connector resolves the address of each
// service it calls through the broker, and sends its calls over a direct
// link to that service.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/switchboard"
	"github.com/creachadair/switchboard/catalog"
	"github.com/creachadair/switchboard/peers"
	"github.com/creachadair/switchboard/stream"
	"github.com/creachadair/taskgroup"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

// An EventHandler receives the arguments of an event. Handlers are called
// synchronously in the order events arrive, and must not block.
type EventHandler func(args []json.RawMessage)

type eventHandler struct{ fn EventHandler }

// A resolver receives the replies to one outstanding call.
type resolver func(*switchboard.Packet)

// A Connector links the services of one process to a switchboard broker.
// It is safe for concurrent use.
type Connector struct {
	addr   string
	secret string
	cfg    *config
	log    *slog.Logger
	msink  metrics.MetricSink

	// ctx governs method handlers and mesh dials, and ends when the
	// connector closes.
	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group

	table   catalog.Table
	events  switchboard.Subscriptions[*eventHandler]
	replies switchboard.Correlator[resolver]
	streams stream.Mux
	mesh    *directory // nil unless mesh mode is enabled

	μ       sync.Mutex
	closed  bool
	running bool
	broker  *switchboard.Conn // nil while the broker link is down
	backlog *queue.Queue[*switchboard.Packet]
	inbound []*switchboard.Conn // mesh links accepted from other connectors
}

// New constructs a connector that links to the broker at addr, and
// authenticates with secret. The connector does not contact the broker until
// Run is called.
func New(addr, secret string, opts ...Option) (*Connector, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connector{
		addr:    addr,
		secret:  secret,
		cfg:     cfg,
		log:     cfg.logger,
		msink:   cfg.metricSink,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   taskgroup.New(nil),
		backlog: queue.New[*switchboard.Packet](),
	}
	if cfg.meshAcc != nil {
		c.mesh = newDirectory(c)
	}
	return c, nil
}

// Catalog returns the table of services registered with c.
func (c *Connector) Catalog() *catalog.Table { return &c.table }

// Connected reports whether c currently has a link to the broker.
func (c *Connector) Connected() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.broker != nil && c.broker.Alive()
}

// Register adds the methods of svc to c, and announces svc to the broker.
func (c *Connector) Register(svc *catalog.Service) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if err := c.table.Register(svc); err != nil {
		return err
	}
	c.log.Info("registered service", switchboard.LabelService.L(svc.Name()))
	if c.broker != nil {
		// If the link is down, the registration is sent when it is restored.
		c.broker.Send(c.registerPacket(svc.Name()))
	}
	return nil
}

func (c *Connector) registerPacket(name string) *switchboard.Packet {
	return switchboard.RegisterService(name, c.cfg.meshAddr, c.cfg.meshPort)
}

// OnEvent calls handler for each event with the given name fired by the
// specified service. The broker is asked for the event only once, no matter
// how many handlers subscribe to it. Calling cancel removes the handler.
func (c *Connector) OnEvent(service, event string, handler EventHandler) (cancel func()) {
	key := switchboard.EventKey{Service: service, Event: event}
	h := &eventHandler{fn: handler}

	c.μ.Lock()
	if c.events.Add(key, h) && c.broker != nil {
		c.broker.Send(switchboard.SubscribeToEvent(service, event))
	}
	c.μ.Unlock()

	var once sync.Once
	return func() { once.Do(func() { c.events.Remove(key, h) }) }
}

// FireEvent publishes an event of the given service with the given arguments
// to all subscribers. Delivery is best-effort.
func (c *Connector) FireEvent(service, event string, args ...any) error {
	enc, err := switchboard.EncodeArgs(args...)
	if err != nil {
		return err
	}
	return c.sendBroker(switchboard.Event(service, event, enc))
}

// Call calls the specified method of a service with the given arguments,
// and blocks until it replies or ctx ends. Each argument is encoded as JSON.
//
// If the call reaches the service and fails, the error has concrete type
// *CallError. There is no timeout other than ctx: a call to a service that
// never registers waits until ctx ends, unless the broker expires it.
func (c *Connector) Call(ctx context.Context, service, method string, args ...any) (json.RawMessage, error) {
	enc, err := switchboard.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	pkt := switchboard.ServiceCall(service, method, enc)
	id := pkt.CorrelationID

	done := make(chan *switchboard.Packet, 1)
	start := time.Now()
	c.replies.Add(id, switchboard.Pending[resolver]{
		Dest: func(rsp *switchboard.Packet) {
			select {
			case done <- rsp:
			default:
			}
		},
		Start: start,
		Key:   pkt.Method(),
	})
	if err := c.route(service, pkt); err != nil {
		c.replies.Remove(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.replies.Remove(id)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.replies.Remove(id)
		return nil, switchboard.ErrClosed
	case rsp := <-done:
		c.msink.AddSampleWithLabels(switchboard.MetricCallLatencyMS, float32(time.Since(start).Milliseconds()), []metrics.Label{
			switchboard.LabelService.M(service),
			switchboard.LabelMethod.M(method),
		})
		if rsp.Error != "" {
			return nil, &CallError{Service: service, Method: method, Message: rsp.Error}
		}
		return rsp.ReturnValue, nil
	}
}

// Notify calls the specified method of a service without waiting for its
// reply. The reply is discarded when it arrives.
func (c *Connector) Notify(service, method string, args ...any) error {
	enc, err := switchboard.EncodeArgs(args...)
	if err != nil {
		return err
	}
	pkt := switchboard.ServiceCall(service, method, enc)
	c.replies.Add(pkt.CorrelationID, switchboard.Pending[resolver]{Start: time.Now(), Key: pkt.Method()})
	if err := c.route(service, pkt); err != nil {
		c.replies.Remove(pkt.CorrelationID)
		return err
	}
	return nil
}

// OpenReadStream opens a stream from the specified method of a service.
// The caller must read the stream to its end, or close it.
func (c *Connector) OpenReadStream(ctx context.Context, service, method string, args ...any) (*stream.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc, err := switchboard.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	pkt := switchboard.ReadStreamStart(service, method, enc)
	r := c.streams.Open(pkt.CorrelationID)
	if err := c.route(service, pkt); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// OpenWriteStream opens a stream to the specified method of a service.
// The caller must close the writer to end the stream. If the stream fails at
// the service or the broker, later writes report a *stream.Error.
func (c *Connector) OpenWriteStream(ctx context.Context, service, method string, args ...any) (*stream.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc, err := switchboard.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	pkt := switchboard.WriteStreamStart(service, method, enc)
	id := pkt.CorrelationID

	// Chunks must follow the start packet over the same path.
	w := stream.NewWriter(id, func(p *switchboard.Packet) error {
		err := c.route(service, p)
		if p.Terminal() {
			c.replies.Remove(id)
		}
		return err
	})

	// The receiving side replies only if the stream fails.
	c.replies.Add(id, switchboard.Pending[resolver]{
		Dest: func(rsp *switchboard.Packet) {
			w.Abort(&stream.Error{ID: id, Message: rsp.Error})
		},
		Start: time.Now(),
		Key:   pkt.Method(),
	})
	if err := c.route(service, pkt); err != nil {
		c.replies.Remove(id)
		return nil, err
	}
	return w, nil
}

// route sends pkt toward the given service, directly if mesh mode is
// enabled, otherwise through the broker.
func (c *Connector) route(service string, pkt *switchboard.Packet) error {
	if c.mesh != nil {
		return c.mesh.route(service, pkt)
	}
	return c.sendBroker(pkt)
}

// sendBroker sends pkts to the broker, or queues them until the link is
// restored.
func (c *Connector) sendBroker(pkts ...*switchboard.Packet) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return switchboard.ErrClosed
	}
	if c.broker != nil && c.broker.Send(pkts...) == nil {
		return nil
	}
	for _, pkt := range pkts {
		c.backlog.Add(pkt)
	}
	return nil
}

// Run maintains the link to the broker, and in mesh mode accepts links from
// other connectors, until ctx ends or c is closed. When Run returns, c is
// closed.
func (c *Connector) Run(ctx context.Context) error {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return switchboard.ErrClosed
	} else if c.running {
		c.μ.Unlock()
		return errors.New("connector is already running")
	}
	c.running = true
	c.μ.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	g := taskgroup.New(nil)
	g.Go(func() error {
		return switchboard.Scheduler{Rate: c.cfg.tickRate}.Run(ctx, c)
	})
	if c.cfg.meshAcc != nil {
		g.Go(func() error { return peers.Loop(ctx, c.cfg.meshAcc, c.serveMesh) })
	}

	redial := rate.NewLimiter(rate.Every(c.cfg.backoff), 1)
	for redial.Wait(ctx) == nil {
		ch, err := c.cfg.dial(ctx, c.addr)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("dial broker failed", switchboard.LabelPeerAddr.L(c.addr), switchboard.LabelError.L(err))
			}
			continue
		}
		conn := c.connect(ch)
		if c.mesh != nil {
			c.mesh.relookup()
		}
		select {
		case <-conn.Done():
			c.log.Info("broker link lost", switchboard.LabelError.L(conn.Err()))
			c.msink.IncrCounter(switchboard.MetricReconnects, 1)
		case <-ctx.Done():
		}
		c.disconnect(conn)
		redial = holdoff(c.cfg.backoff)
	}
	cancel()
	g.Wait()
	return c.Close()
}

// holdoff returns a limiter whose first token is available one backoff
// interval from now.
func holdoff(backoff time.Duration) *rate.Limiter {
	lim := rate.NewLimiter(rate.Every(backoff), 1)
	lim.Allow()
	return lim
}

// connect starts a link to the broker on ch. The link is authenticated, and
// all registrations, subscriptions and queued packets are sent ahead of any
// other traffic.
func (c *Connector) connect(ch switchboard.Channel) *switchboard.Conn {
	conn := switchboard.NewConn(ch, c.connOptions(true, func(_ *switchboard.Conn, pkt *switchboard.Packet) {
		c.handle(pkt, c.sendBroker)
	})).Start()

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		conn.Close()
		return conn
	}
	burst := []*switchboard.Packet{switchboard.Auth(c.secret)}
	for _, name := range c.table.Services() {
		burst = append(burst, c.registerPacket(name))
	}
	for _, key := range c.events.Keys() {
		burst = append(burst, switchboard.SubscribeToEvent(key.Service, key.Event))
	}
	queued := drain(c.backlog)
	conn.Send(append(burst, queued...)...)
	c.broker = conn
	c.log.Info("connected to broker", switchboard.LabelPeerAddr.L(c.addr), slog.Int("queued", len(queued)))
	return conn
}

func (c *Connector) disconnect(conn *switchboard.Conn) {
	c.μ.Lock()
	if c.broker == conn {
		c.broker = nil
	}
	c.μ.Unlock()
	conn.Close()
}

func (c *Connector) connOptions(trusted bool, h switchboard.PacketHandler) *switchboard.ConnOptions {
	return &switchboard.ConnOptions{
		Secret:       c.secret,
		Trusted:      trusted,
		Handler:      h,
		PingInterval: c.cfg.pingInterval,
		Timeout:      c.cfg.timeout,
		Logger:       c.log,
		MetricSink:   c.msink,
	}
}

// serveMesh runs an inbound mesh link on ch until it closes or ctx ends.
// The remote connector must authenticate before its calls are served.
func (c *Connector) serveMesh(ctx context.Context, ch switchboard.Channel) error {
	conn := switchboard.NewConn(ch, c.connOptions(false, func(conn *switchboard.Conn, pkt *switchboard.Packet) {
		c.handle(pkt, conn.Send)
	}))
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return ch.Close()
	}
	c.inbound = append(c.inbound, conn)
	c.μ.Unlock()

	conn.Start()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	conn.Wait()
	return nil
}

// Tick drives the heartbeat of the links of c, and drops links that have
// closed. Run calls Tick periodically.
func (c *Connector) Tick(now time.Time) {
	c.μ.Lock()
	c.inbound = slices.DeleteFunc(c.inbound, func(conn *switchboard.Conn) bool { return !conn.Alive() })
	conns := slices.Clone(c.inbound)
	if c.broker != nil {
		conns = append(conns, c.broker)
	}
	c.μ.Unlock()

	for _, conn := range conns {
		conn.Tick(now)
	}
	if c.mesh != nil {
		c.mesh.tick(now)
	}
}

// handle processes a packet received on any link of c. Replies to calls
// served here are sent with reply.
func (c *Connector) handle(pkt *switchboard.Packet, reply func(...*switchboard.Packet) error) {
	switch pkt.Kind {
	case switchboard.KindServiceCall, switchboard.KindReadStreamStart, switchboard.KindWriteStreamStart:
		c.serve(pkt, reply)
	case switchboard.KindServiceCallResponse:
		c.resolve(pkt)
	case switchboard.KindStreamData:
		err := c.streams.Deliver(pkt)
		if err == nil {
			break
		}
		// An error end for a stream written here aborts its writer.
		if pkt.Terminal() {
			if p, ok := c.replies.Resolve(pkt); ok && p.Dest != nil {
				p.Dest(pkt)
				break
			}
		}
		c.log.Debug("dropped stream chunk",
			switchboard.LabelCorrelationID.L(pkt.OriginalCorrelationID), switchboard.LabelError.L(err))
	case switchboard.KindEvent:
		c.dispatchEvent(pkt)
	case switchboard.KindServiceIPResolution:
		if c.mesh != nil {
			c.mesh.resolved(pkt)
		}
	default:
		c.log.Debug("ignored packet", switchboard.LabelKind.L(pkt.Kind))
	}
}

// serve runs the handler for a call or stream received by c. Handlers run
// in their own goroutines so they may block.
func (c *Connector) serve(pkt *switchboard.Packet, reply func(...*switchboard.Packet) error) {
	id := pkt.CorrelationID
	m, err := c.table.Lookup(pkt.Method(), pkt.Kind)
	if err != nil {
		c.log.Warn("unhandled call", switchboard.LabelService.L(pkt.ServiceID),
			switchboard.LabelMethod.L(pkt.MethodName), switchboard.LabelKind.L(pkt.Kind), switchboard.LabelError.L(err))
		switch pkt.Kind {
		case switchboard.KindServiceCall:
			reply(switchboard.ServiceCallError(id, err))
		case switchboard.KindReadStreamStart, switchboard.KindWriteStreamStart:
			reply(switchboard.StreamError(id, err))
		}
		return
	}

	switch m.Kind {
	case switchboard.KindServiceCall:
		c.tasks.Go(func() error {
			v, err := m.Call(c.ctx, pkt.Arguments)
			if err == nil {
				var bits []byte
				if bits, err = json.Marshal(v); err == nil {
					reply(switchboard.ServiceCallResponse(id, bits))
					return nil
				}
			}
			reply(switchboard.ServiceCallError(id, err))
			return nil
		})

	case switchboard.KindReadStreamStart:
		w := stream.NewWriter(id, func(p *switchboard.Packet) error { return reply(p) })
		c.tasks.Go(func() error {
			w.CloseWithError(m.ReadStream(c.ctx, w, pkt.Arguments))
			return nil
		})

	case switchboard.KindWriteStreamStart:
		// Open the stream before returning, so chunks that arrive right
		// behind the start are not dropped.
		r := c.streams.Open(id)
		c.tasks.Go(func() error {
			defer r.Close()

			// Unblock the reader if the connector closes mid-stream.
			stop := context.AfterFunc(c.ctx, func() {
				c.streams.Deliver(switchboard.StreamError(id, switchboard.ErrClosed))
			})
			defer stop()

			if err := m.WriteStream(c.ctx, r, pkt.Arguments); err != nil {
				c.log.Warn("write stream failed", switchboard.LabelService.L(pkt.ServiceID),
					switchboard.LabelMethod.L(pkt.MethodName), switchboard.LabelError.L(err))
			}
			return nil
		})
	}
}

func (c *Connector) resolve(pkt *switchboard.Packet) {
	p, ok := c.replies.Resolve(pkt)
	if !ok {
		c.log.Warn("orphan reply", switchboard.LabelCorrelationID.L(pkt.OriginalCorrelationID),
			switchboard.LabelError.L(switchboard.ErrOrphanReply))
		c.msink.IncrCounter(switchboard.MetricRepliesOrphaned, 1)
		return
	}
	if p.Dest != nil {
		p.Dest(pkt)
	}
}

func (c *Connector) dispatchEvent(pkt *switchboard.Packet) {
	hs := c.events.Subscribers(pkt.EventKey())
	if len(hs) == 0 {
		c.log.Debug("event has no handlers", switchboard.LabelEvent.L(pkt.EventKey().String()))
		return
	}
	for _, h := range hs {
		h.fn(pkt.Arguments)
	}
}

// Close closes all the links of c and waits for its method handlers to
// return. After Close, calls to c report switchboard.ErrClosed. It is safe
// to call Close more than once.
func (c *Connector) Close() error {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		c.tasks.Wait()
		return nil
	}
	c.closed = true
	conns := c.inbound
	if c.broker != nil {
		conns = append(conns, c.broker)
	}
	c.broker, c.inbound = nil, nil
	c.backlog.Clear()
	c.μ.Unlock()

	c.cancel()
	for _, conn := range conns {
		conn.Close()
	}
	if c.mesh != nil {
		c.mesh.close()
	}
	c.tasks.Wait()
	return nil
}

// CallError is the concrete type of errors reported by Call when the
// service reports a failure.
type CallError struct {
	Service string
	Method  string
	Message string // as reported by the service
}

func (c *CallError) Error() string {
	return fmt.Sprintf("call %s.%s: %s", c.Service, c.Method, c.Message)
}

// remoteErrors are failures that may be recognized in a remote message.
var remoteErrors = []error{
	switchboard.ErrServiceUnavailable,
	catalog.ErrUnknownService,
	catalog.ErrUnknownMethod,
	catalog.ErrWrongKind,
}

// Unwrap returns the error from this package or the catalog package that
// the remote message reports, if any, so that callers may use errors.Is.
func (c *CallError) Unwrap() error {
	for _, err := range remoteErrors {
		if strings.HasSuffix(c.Message, err.Error()) {
			return err
		}
	}
	return nil
}
