// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package broker implements the central router of a switchboard mesh.
//
// A Broker accepts connections from service processes, authenticates them
// with a shared secret, and routes packets among them:
//
//   - Calls are forwarded to the connection that registered the target
//     service. Calls for a service that has not registered are buffered in
//     arrival order, and flushed as one batch when it registers.
//   - Replies are forwarded to the origin of the call they answer, by
//     correlation ID. A call is answered at most once.
//   - Events are sent to every connection subscribed to them.
//   - Address lookups are answered from the registry, or deferred until the
//     service registers.
//
// Every routing decision is recorded by an AuditLog.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/switchboard"
	"github.com/creachadair/switchboard/peers"
	"github.com/creachadair/taskgroup"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

// auditArgLimit bounds the length of call arguments in audit records.
const auditArgLimit = 4096

// A Broker routes calls, replies, events, and lookups among the connections
// attached to it. It is safe for concurrent use.
type Broker struct {
	secret string
	cfg    *config
	log    *slog.Logger
	msink  metrics.MetricSink

	// Each inbound packet is handled to completion while holding μ.
	μ        sync.Mutex
	closed   bool
	conns    []*switchboard.Conn
	registry map[string]entry
	buffers  map[string]*queue.Queue[buffered]
	lookups  map[string][]*switchboard.Conn
	subs     switchboard.Subscriptions[*switchboard.Conn]
	replies  switchboard.Correlator[*route]
}

// An entry records the connection serving a registered service.
type entry struct {
	conn    *switchboard.Conn
	address string
	port    int
}

// A buffered packet awaits the registration of its service.
type buffered struct {
	pkt  *switchboard.Packet
	from *switchboard.Conn
	at   time.Time
}

// A route records where the replies to a call are delivered.
type route struct {
	caller  *switchboard.Conn
	service string

	// The connection the call was forwarded to, or nil if it is buffered.
	target *switchboard.Conn

	// For a write stream, chunks from the caller flow to the target.
	upstream bool
}

// New constructs a broker that admits connections presenting secret.
func New(secret string, opts ...Option) (*Broker, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	b := &Broker{
		secret:   secret,
		cfg:      cfg,
		log:      cfg.logger,
		msink:    cfg.metricSink,
		registry: make(map[string]entry),
		buffers:  make(map[string]*queue.Queue[buffered]),
		lookups:  make(map[string][]*switchboard.Conn),
	}
	b.audit("Startup")
	return b, nil
}

// audit records a line in the audit log. Failures are logged and counted,
// and otherwise ignored.
func (b *Broker) audit(format string, args ...any) {
	text := format
	if len(args) != 0 {
		text = fmt.Sprintf(format, args...)
	}
	if err := b.cfg.audit.LogText(text); err != nil {
		b.log.Warn("audit log failed", switchboard.LabelError.L(err))
		b.msink.IncrCounter(switchboard.MetricAuditFailures, 1)
	}
}

// Attach starts a connection on ch and adds it to the broker. The connection
// must authenticate before any of its packets are routed.
func (b *Broker) Attach(ch switchboard.Channel) *switchboard.Conn {
	opts := &switchboard.ConnOptions{
		Secret:       b.secret,
		Handler:      b.handle,
		OnState:      b.onState,
		PingInterval: b.cfg.pingInterval,
		Timeout:      b.cfg.timeout,
		Clock:        b.cfg.clock,
		Logger:       b.log,
		MetricSink:   b.msink,
	}
	if b.cfg.rateLimit > 0 {
		opts.Limiter = rate.NewLimiter(b.cfg.rateLimit, b.cfg.rateBurst)
	}
	c := switchboard.NewConn(ch, opts)

	b.μ.Lock()
	closed := b.closed
	if !closed {
		b.conns = append(b.conns, c)
	}
	b.μ.Unlock()

	if closed {
		c.Start().Close()
		return c
	}
	b.audit("connection %s", c.ID())
	b.log.Info("new connection", switchboard.LabelConnID.L(c.ID()))
	return c.Start()
}

// Serve attaches a connection on ch and blocks until it closes or ctx ends.
// Serve is suitable for use with peers.Loop.
func (b *Broker) Serve(ctx context.Context, ch switchboard.Channel) error {
	c := b.Attach(ch)
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	return c.Wait()
}

// Run accepts connections from acc and drives the heartbeat of the broker
// until ctx ends, or until acc closes and every connection has ended.
func (b *Broker) Run(ctx context.Context, acc peers.Accepter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tick := taskgroup.Go(func() error {
		return switchboard.Scheduler{Rate: b.cfg.tickRate}.Run(ctx, b)
	})
	b.audit("Ready")
	b.log.Info("broker ready")

	err := peers.Loop(ctx, acc, b.Serve)
	cancel()
	tick.Wait()
	return err
}

// Close closes all the connections of b. After Close, newly attached
// connections are closed immediately.
func (b *Broker) Close() error {
	b.μ.Lock()
	b.closed = true
	conns := slices.Clone(b.conns)
	b.μ.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

func (b *Broker) onState(c *switchboard.Conn, s switchboard.State) {
	switch s {
	case switchboard.StateAuthenticated:
		b.audit("auth %s", c.ID())
	case switchboard.StateClosed:
		if errors.Is(c.Err(), switchboard.ErrHeartbeatTimeout) {
			b.audit("timeout %s", c.ID())
		}
		b.audit("close %s", c.ID())
		b.log.Info("connection closed", switchboard.LabelConnID.L(c.ID()))
	}
}

// handle is the packet handler for every connection of b.
func (b *Broker) handle(c *switchboard.Conn, pkt *switchboard.Packet) {
	b.μ.Lock()
	defer b.μ.Unlock()

	switch {
	case pkt.Kind == switchboard.KindRegisterService:
		b.register(c, pkt)
	case pkt.Kind == switchboard.KindServiceIPLookup:
		b.lookup(c, pkt)
	case pkt.Kind == switchboard.KindSubscribeToEvent:
		b.subscribe(c, pkt)
	case pkt.Kind == switchboard.KindEvent:
		b.fanOut(pkt)
	case pkt.Kind.IsCall():
		b.routeCall(c, pkt)
	case pkt.Kind.IsReply():
		b.routeReply(c, pkt)
	default:
		b.log.Debug("ignored packet", switchboard.LabelConnID.L(c.ID()), switchboard.LabelKind.L(pkt.Kind))
	}
}

// live returns the registry entry for service, if its connection is alive
// and authenticated.
func (b *Broker) live(service string) (entry, bool) {
	e, ok := b.registry[service]
	if !ok || !e.conn.Authenticated() {
		return entry{}, false
	}
	return e, true
}

func (b *Broker) register(c *switchboard.Conn, pkt *switchboard.Packet) {
	svc := pkt.ServiceID
	if svc == "" {
		b.log.Warn("invalid registration", switchboard.LabelConnID.L(c.ID()))
		return
	}
	if old, ok := b.registry[svc]; ok && old.conn != c && old.conn.Alive() {
		b.log.Warn("service registration replaced", switchboard.LabelService.L(svc),
			slog.String("old_conn_id", old.conn.ID()), switchboard.LabelConnID.L(c.ID()))
	}
	b.registry[svc] = entry{conn: c, address: pkt.Address, port: pkt.Port}
	b.audit("register %s %s", c.ID(), svc)
	b.log.Info("registered service", switchboard.LabelService.L(svc), switchboard.LabelConnID.L(c.ID()))

	b.flush(svc, c)

	for _, req := range b.lookups[svc] {
		if req.Alive() {
			req.Send(switchboard.ServiceIPResolution(svc, pkt.Address, pkt.Port))
		}
	}
	delete(b.lookups, svc)
}

// flush sends the buffered packets for svc to c as one batch, in the order
// they arrived.
func (b *Broker) flush(svc string, c *switchboard.Conn) {
	q, ok := b.buffers[svc]
	if !ok {
		return
	}
	items := make([]buffered, 0, q.Len())
	pkts := make([]*switchboard.Packet, 0, q.Len())
	for {
		it, ok := q.Pop()
		if !ok {
			break
		}
		items = append(items, it)
		pkts = append(pkts, it.pkt)
	}
	if err := c.Send(pkts...); err != nil {
		for _, it := range items {
			q.Add(it)
		}
		b.log.Warn("flush failed", switchboard.LabelService.L(svc), switchboard.LabelError.L(err))
		return
	}
	delete(b.buffers, svc)

	// Chunks of write streams opened while svc was absent now follow their
	// start packets to c.
	for _, pkt := range pkts {
		if pkt.Kind != switchboard.KindWriteStreamStart {
			continue
		}
		if p, ok := b.replies.Lookup(pkt.CorrelationID); ok {
			p.Dest.target = c
		}
	}
	b.log.Info("flushed buffered calls", switchboard.LabelService.L(svc), slog.Int("count", len(pkts)))
}

func (b *Broker) enqueue(pkt *switchboard.Packet, from *switchboard.Conn, svc string) {
	q, ok := b.buffers[svc]
	if !ok {
		q = queue.New[buffered]()
		b.buffers[svc] = q
	}
	q.Add(buffered{pkt: pkt, from: from, at: b.cfg.clock()})
}

func (b *Broker) lookup(c *switchboard.Conn, pkt *switchboard.Packet) {
	svc := pkt.ServiceID
	b.audit("lookup %s %s", c.ID(), svc)
	if e, ok := b.live(svc); ok {
		c.Send(switchboard.ServiceIPResolution(svc, e.address, e.port))
		return
	}
	if !slices.Contains(b.lookups[svc], c) {
		b.lookups[svc] = append(b.lookups[svc], c)
	}
	b.log.Debug("deferred lookup", switchboard.LabelService.L(svc), switchboard.LabelConnID.L(c.ID()))
}

func (b *Broker) subscribe(c *switchboard.Conn, pkt *switchboard.Packet) {
	key := pkt.EventKey()
	b.subs.Add(key, c)
	b.audit("subscribe %s <- %s", c.ID(), key)
	b.log.Info("subscribed", switchboard.LabelConnID.L(c.ID()), switchboard.LabelEvent.L(key.String()))
}

func (b *Broker) fanOut(pkt *switchboard.Packet) {
	key := pkt.EventKey()
	b.audit("event %s %s  Args: %s", pkt.CorrelationID, key, pkt.ArgsText(auditArgLimit))
	for _, sub := range b.subs.Subscribers(key) {
		if !sub.Authenticated() {
			continue
		}
		if err := sub.Send(pkt); err != nil {
			continue
		}
		b.audit("event_sent %s -> %s  %s -> (%s)", pkt.CorrelationID, sub.ID(), key, strings.Join(sub.Services(), ", "))
		b.msink.IncrCounterWithLabels(switchboard.MetricEventsSent, 1, []metrics.Label{
			switchboard.LabelService.M(key.Service), switchboard.LabelEvent.M(key.Event),
		})
	}
}

func (b *Broker) routeCall(c *switchboard.Conn, pkt *switchboard.Packet) {
	key := pkt.Method()
	b.audit("service_call (%s) %s %s (%s) -> %s  Args: %s", pkt.Kind, pkt.CorrelationID, c.ID(),
		strings.Join(c.Services(), ", "), key, pkt.ArgsText(auditArgLimit))

	r := &route{caller: c, service: pkt.ServiceID, upstream: pkt.Kind == switchboard.KindWriteStreamStart}
	b.replies.Add(pkt.CorrelationID, switchboard.Pending[*route]{Dest: r, Start: b.cfg.clock(), Key: key})

	labels := []metrics.Label{switchboard.LabelService.M(key.Service), switchboard.LabelMethod.M(key.Method)}
	if e, ok := b.live(pkt.ServiceID); ok && e.conn.Send(pkt) == nil {
		r.target = e.conn
		b.msink.IncrCounterWithLabels(switchboard.MetricCallsRouted, 1, labels)
		return
	}
	b.enqueue(pkt, c, pkt.ServiceID)
	b.msink.IncrCounterWithLabels(switchboard.MetricCallsBuffered, 1, labels)
	b.log.Debug("buffered call", switchboard.LabelCorrelationID.L(pkt.CorrelationID), switchboard.LabelService.L(key.Service))
}

func (b *Broker) routeReply(c *switchboard.Conn, pkt *switchboard.Packet) {
	p, ok := b.replies.Resolve(pkt)
	if !ok {
		b.log.Warn("dropped reply", switchboard.LabelConnID.L(c.ID()), switchboard.LabelKind.L(pkt.Kind),
			switchboard.LabelCorrelationID.L(pkt.OriginalCorrelationID), switchboard.LabelError.L(switchboard.ErrOrphanReply))
		b.msink.IncrCounter(switchboard.MetricRepliesOrphaned, 1)
		return
	}
	if len(pkt.ReturnValue) != 0 {
		b.audit("service_reply %s (%s)  Reply: %s", pkt.OriginalCorrelationID, pkt.Kind, pkt.ReturnValue)
	} else {
		b.audit("service_reply %s (%s)", pkt.OriginalCorrelationID, pkt.Kind)
	}

	r := p.Dest
	if r.upstream && c == r.caller {
		if r.target == nil {
			b.enqueue(pkt, c, r.service)
		} else if err := r.target.Send(pkt); err != nil {
			b.log.Warn("dropped stream chunk", switchboard.LabelCorrelationID.L(pkt.OriginalCorrelationID), switchboard.LabelError.L(err))
		}
		return
	}
	if err := r.caller.Send(pkt); err != nil {
		b.log.Warn("dropped reply", switchboard.LabelConnID.L(r.caller.ID()),
			switchboard.LabelCorrelationID.L(pkt.OriginalCorrelationID), switchboard.LabelError.L(err))
		return
	}
	if pkt.Terminal() {
		b.msink.AddSampleWithLabels(switchboard.MetricCallLatencyMS,
			float32(b.cfg.clock().Sub(p.Start).Milliseconds()),
			[]metrics.Label{switchboard.LabelService.M(p.Key.Service), switchboard.LabelMethod.M(p.Key.Method)})
	}
}

// Tick implements the switchboard.Ticker interface. It ticks the heartbeat of
// every connection, then prunes dead connections from the routing state, and
// expires buffered calls older than the pending TTL, if one is set.
func (b *Broker) Tick(now time.Time) {
	b.μ.Lock()
	conns := slices.Clone(b.conns)
	b.μ.Unlock()

	for _, c := range conns {
		c.Tick(now)
	}

	b.μ.Lock()
	defer b.μ.Unlock()
	b.prune()
	if b.cfg.pendingTTL > 0 {
		b.expire(now)
	}
}

func (b *Broker) prune() {
	var dead []*switchboard.Conn
	live := b.conns[:0]
	for _, c := range b.conns {
		if c.Alive() {
			live = append(live, c)
		} else {
			dead = append(dead, c)
		}
	}
	clear(b.conns[len(live):])
	b.conns = live
	if len(dead) == 0 {
		return
	}

	for svc, e := range b.registry {
		if !e.conn.Alive() {
			delete(b.registry, svc)
			b.log.Info("unregistered service", switchboard.LabelService.L(svc), switchboard.LabelConnID.L(e.conn.ID()))
		}
	}
	for _, c := range dead {
		b.subs.RemoveAll(c)
	}
	for svc, reqs := range b.lookups {
		reqs = slices.DeleteFunc(reqs, func(c *switchboard.Conn) bool { return !c.Alive() })
		if len(reqs) == 0 {
			delete(b.lookups, svc)
		} else {
			b.lookups[svc] = reqs
		}
	}
	b.replies.RemoveIf(func(_ string, p switchboard.Pending[*route]) bool {
		return !p.Dest.caller.Alive()
	})
}

// expire discards buffered calls older than the pending TTL. The chunks of an
// expired write stream are discarded with its start, whatever their age.
// A start is always buffered ahead of its chunks.
func (b *Broker) expire(now time.Time) {
	for svc, q := range b.buffers {
		keep := queue.New[buffered]()
		gone := mapset.New[string]()
		for {
			it, ok := q.Pop()
			if !ok {
				break
			}
			switch {
			case it.pkt.Kind == switchboard.KindStreamData && gone.Has(it.pkt.OriginalCorrelationID):
				// drop
			case now.Sub(it.at) < b.cfg.pendingTTL:
				keep.Add(it)
			case it.pkt.Kind.IsCall():
				b.expireCall(it)
				gone.Add(it.pkt.CorrelationID)
			}
		}
		if keep.IsEmpty() {
			delete(b.buffers, svc)
		} else {
			b.buffers[svc] = keep
		}
	}
}

func (b *Broker) expireCall(it buffered) {
	pkt := it.pkt
	b.replies.Remove(pkt.CorrelationID)
	b.audit("expire %s %s", pkt.CorrelationID, pkt.Method())
	b.log.Warn("buffered call expired", switchboard.LabelCorrelationID.L(pkt.CorrelationID),
		switchboard.LabelService.L(pkt.ServiceID), switchboard.LabelMethod.L(pkt.MethodName))
	b.msink.IncrCounterWithLabels(switchboard.MetricCallsExpired, 1, []metrics.Label{
		switchboard.LabelService.M(pkt.ServiceID), switchboard.LabelMethod.M(pkt.MethodName),
	})

	err := fmt.Errorf("%s: %w", pkt.Method(), switchboard.ErrServiceUnavailable)
	if pkt.Kind == switchboard.KindServiceCall {
		it.from.Send(switchboard.ServiceCallError(pkt.CorrelationID, err))
	} else {
		it.from.Send(switchboard.StreamError(pkt.CorrelationID, err))
	}
}

// Stats is a snapshot of the routing state of a broker.
type Stats struct {
	Conns         int                    // live connections
	Services      []string               // registered services, in order
	Buffered      int                    // packets awaiting registration
	Pending       int                    // calls awaiting a reply
	Lookups       int                    // deferred lookups
	Subscriptions []switchboard.EventKey // events with subscribers
}

// Stats returns a snapshot of the routing state of b.
func (b *Broker) Stats() Stats {
	b.μ.Lock()
	defer b.μ.Unlock()
	s := Stats{
		Conns:         len(b.conns),
		Pending:       b.replies.Len(),
		Subscriptions: b.subs.Keys(),
	}
	for svc := range b.registry {
		s.Services = append(s.Services, svc)
	}
	sort.Strings(s.Services)
	for _, q := range b.buffers {
		s.Buffered += q.Len()
	}
	for _, reqs := range b.lookups {
		s.Lookups += len(reqs)
	}
	return s
}

// Lookup returns the connection serving service, if it is registered.
func (b *Broker) Lookup(service string) (*switchboard.Conn, bool) {
	b.μ.Lock()
	defer b.μ.Unlock()
	e, ok := b.registry[service]
	return e.conn, ok
}
