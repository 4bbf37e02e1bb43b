// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

// A Channel is a reliable ordered stream of wire messages shared by two
// endpoints. Each message is one encoded packet or a batch of packets.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the message to the receiver.
	Send([]byte) error

	// Receive the next available message from the channel.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A PacketHandler processes a packet received on an authenticated
// connection. Handlers are invoked synchronously in the order packets
// arrive, and must not block.
type PacketHandler func(*Conn, *Packet)

// State is the position of a connection in its lifecycle.
type State int32

const (
	StateConnecting     State = iota // constructed, not yet started
	StateAuthenticating              // running, awaiting a valid auth packet
	StateAuthenticated               // running, all packet kinds accepted
	StateClosed                      // terminal
)

var stateStr = [...]string{"CONNECTING", "AUTHENTICATING", "AUTHENTICATED", "CLOSED"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateStr) {
		return stateStr[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

const (
	// DefaultPingInterval is the minimum time between heartbeat pings.
	DefaultPingInterval = 1000 * time.Millisecond

	// DefaultTimeout is how long a connection may go without a pong before
	// it is closed.
	DefaultTimeout = 15000 * time.Millisecond
)

// ConnOptions are settings for a Conn. A nil *ConnOptions is valid and
// provides default values.
type ConnOptions struct {
	// The shared secret a remote endpoint must present to authenticate.
	Secret string

	// If true, the connection starts out authenticated. This is used for
	// links the local process dialed itself.
	Trusted bool

	// If set, called for each non-heartbeat packet received once the
	// connection is authenticated.
	Handler PacketHandler

	// If set, called when the connection becomes authenticated and when it
	// closes.
	OnState func(*Conn, State)

	// If set, inbound packets exceeding this rate are dropped.
	Limiter *rate.Limiter

	// Heartbeat settings; zero values select the defaults.
	PingInterval time.Duration
	Timeout      time.Duration

	// Clock returns the current time. If nil, time.Now is used.
	Clock func() time.Time

	Logger     *slog.Logger       // default slog.Default()
	MetricSink metrics.MetricSink // default metrics.Default()
}

func (o *ConnOptions) pingInterval() time.Duration {
	if o == nil || o.PingInterval <= 0 {
		return DefaultPingInterval
	}
	return o.PingInterval
}

func (o *ConnOptions) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o *ConnOptions) clock() func() time.Time {
	if o == nil || o.Clock == nil {
		return time.Now
	}
	return o.Clock
}

func (o *ConnOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *ConnOptions) metricSink() metrics.MetricSink {
	if o == nil {
		return MetricSinkOrDefault(nil)
	}
	return MetricSinkOrDefault(o.MetricSink)
}

// A Conn wraps one Channel with the heartbeat and authentication state
// machine. Construct a Conn with NewConn and call Start to run it.
//
// Inbound pings are always answered and inbound pongs update the latency
// estimate. Any other packet is dropped until the remote endpoint presents
// the shared secret. Authenticated packets are passed to the handler.
//
// Send never blocks on I/O: outbound messages are queued and written in
// order by a separate goroutine. The owner of a Conn must call Tick
// periodically to drive the heartbeat, and must drop the Conn once Alive
// reports false.
type Conn struct {
	id       string
	ch       Channel
	secret   []byte
	trusted  bool
	handler  PacketHandler
	onState  func(*Conn, State)
	limiter  *rate.Limiter
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger
	msink    metrics.MetricSink

	tasks *taskgroup.Group
	done  chan struct{}
	stop  sync.Once

	out struct {
		// Must hold the lock to add to q or set closed.
		sync.Mutex
		q      *queue.Queue[[]byte]
		closed bool
		ready  chan struct{}
	}

	μ sync.Mutex

	state    State
	err      error                // the error that closed the connection
	services []string             // in order of registration
	events   mapset.Set[EventKey] // subscribed events
	lastPing time.Time            // when the last ping was sent
	lastPong time.Time            // when the last pong was received
	waiting  bool                 // a ping is outstanding
	latency  time.Duration        // from the most recent ping/pong
}

// NewConn constructs a new unstarted connection on ch.
func NewConn(ch Channel, opts *ConnOptions) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		ch:       ch,
		interval: opts.pingInterval(),
		timeout:  opts.timeout(),
		now:      opts.clock(),
		msink:    opts.metricSink(),
		done:     make(chan struct{}),
		events:   mapset.New[EventKey](),
	}
	if opts != nil {
		c.secret = []byte(opts.Secret)
		c.trusted = opts.Trusted
		c.handler = opts.Handler
		c.onState = opts.OnState
		c.limiter = opts.Limiter
	}
	c.log = opts.logger().With(LabelConnID.L(c.id))
	c.out.q = queue.New[[]byte]()
	c.out.ready = make(chan struct{}, 1)

	now := c.now()
	c.lastPing = now
	c.lastPong = now
	return c
}

// Start starts the service routines of c. Start does not block; use Wait to
// wait for the connection to end. Start returns c to permit chaining.
func (c *Conn) Start() *Conn {
	c.μ.Lock()
	if c.tasks != nil {
		c.μ.Unlock()
		panic("connection is already started")
	}
	c.tasks = taskgroup.New(nil)
	if c.trusted {
		c.state = StateAuthenticated
	} else {
		c.state = StateAuthenticating
	}
	c.μ.Unlock()

	c.tasks.Go(c.readLoop)
	c.tasks.Go(c.writeLoop)
	return c
}

func (c *Conn) readLoop() error {
	for {
		msg, err := c.ch.Recv()
		if err != nil {
			c.fail(err)
			return nil
		}
		pkts, err := DecodeMessage(msg)
		if err != nil {
			c.log.Warn("dropped message", LabelError.L(err))
			c.msink.IncrCounterWithLabels(MetricPacketsDropped, 1, []metrics.Label{LabelError.M("malformed")})
			continue
		}
		for _, pkt := range pkts {
			if err := c.dispatch(pkt); err != nil {
				c.fail(err)
				return nil
			}
		}
	}
}

func (c *Conn) writeLoop() error {
	for {
		select {
		case <-c.done:
			return nil
		case <-c.out.ready:
		}
		for {
			c.out.Lock()
			msg, ok := c.out.q.Pop()
			c.out.Unlock()
			if !ok {
				break
			}
			if err := c.ch.Send(msg); err != nil {
				c.fail(err)
				return nil
			}
		}
	}
}

func (c *Conn) drop(pkt *Packet, reason error) {
	c.log.Warn("dropped packet", LabelKind.L(pkt.Kind), LabelCorrelationID.L(pkt.CorrelationID), LabelError.L(reason))
	c.msink.IncrCounterWithLabels(MetricPacketsDropped, 1, []metrics.Label{LabelKind.M(string(pkt.Kind))})
}

// dispatch processes an inbound packet. Any error it reports is fatal to
// the connection.
func (c *Conn) dispatch(pkt *Packet) (err error) {
	c.msink.IncrCounterWithLabels(MetricPacketsIn, 1, []metrics.Label{LabelKind.M(string(pkt.Kind))})
	if c.limiter != nil && !c.limiter.Allow() {
		c.drop(pkt, errors.New("rate limit exceeded"))
		return nil
	}
	if !pkt.Kind.Known() {
		c.drop(pkt, ErrUnknownKind)
		return nil
	}

	switch pkt.Kind {
	case KindPing:
		c.Send(Pong())
		return nil
	case KindPong:
		c.recordPong()
		return nil
	case KindAuth:
		c.authenticate(pkt)
		return nil
	}
	if !c.Authenticated() {
		c.drop(pkt, ErrNotAuthenticated)
		return nil
	}

	switch pkt.Kind {
	case KindRegisterService:
		c.addService(pkt.ServiceID)
	case KindSubscribeToEvent:
		if !c.addEvent(pkt.EventKey()) {
			return nil // already subscribed
		}
	}
	if c.handler == nil {
		return nil
	}

	// Ensure a panic out of a handler is turned into a connection failure.
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("packet handler panicked (recovered): %v", x)
		}
	}()
	c.handler(c, pkt)
	return nil
}

func (c *Conn) recordPong() {
	now := c.now()
	c.μ.Lock()
	c.lastPong = now
	c.waiting = false
	c.latency = now.Sub(c.lastPing)
	lat := c.latency
	c.μ.Unlock()
	c.msink.SetGaugeWithLabels(MetricConnLatencyMS, float32(lat.Milliseconds()), []metrics.Label{LabelConnID.M(c.id)})
}

func (c *Conn) authenticate(pkt *Packet) {
	if subtle.ConstantTimeCompare([]byte(pkt.Secret), c.secret) != 1 {
		c.log.Warn("authentication failed", LabelError.L(ErrBadSecret))
		c.msink.IncrCounter(MetricAuthFailures, 1)
		return
	}
	c.μ.Lock()
	changed := c.state == StateAuthenticating
	if changed {
		c.state = StateAuthenticated
	}
	c.μ.Unlock()
	if changed {
		c.log.Info("authenticated")
		c.notify(StateAuthenticated)
	}
}

func (c *Conn) addService(id string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if !slices.Contains(c.services, id) {
		c.services = append(c.services, id)
	}
}

func (c *Conn) addEvent(key EventKey) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.events.Has(key) {
		return false
	}
	c.events.Add(key)
	return true
}

func (c *Conn) notify(s State) {
	if c.onState != nil {
		c.onState(c, s)
	}
}

// Send queues pkts for delivery to the remote endpoint. A single packet is
// sent by itself; several packets are sent as one batch in order. Send does
// not block, and reports ErrClosed if c is no longer alive.
func (c *Conn) Send(pkts ...*Packet) error {
	if len(pkts) == 0 {
		return nil
	}
	msg, err := EncodeMessage(pkts...)
	if err != nil {
		return err
	}

	c.out.Lock()
	defer c.out.Unlock()
	if c.out.closed {
		return ErrClosed
	}
	c.out.q.Add(msg)
	select {
	case c.out.ready <- struct{}{}:
	default:
	}
	c.msink.IncrCounter(MetricPacketsOut, float32(len(pkts)))
	return nil
}

// Tick drives the heartbeat of c at time now. If no pong has arrived within
// the timeout, c is closed. Otherwise, if the ping interval has elapsed and
// no ping is outstanding, a ping is sent. Tick does not block.
func (c *Conn) Tick(now time.Time) {
	c.μ.Lock()
	if c.state == StateConnecting || c.state == StateClosed {
		c.μ.Unlock()
		return
	}
	if now.Sub(c.lastPong) > c.timeout {
		c.μ.Unlock()
		c.log.Warn("connection timed out", slog.Duration("since_pong", now.Sub(c.lastPong)))
		c.msink.IncrCounter(MetricConnTimeouts, 1)
		c.closeWith(ErrHeartbeatTimeout)
		return
	}
	if c.waiting || now.Sub(c.lastPing) <= c.interval {
		c.μ.Unlock()
		return
	}
	c.waiting = true
	c.lastPing = now
	c.μ.Unlock()
	c.Send(Ping())
}

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed)
}

// fail closes c because of an error from the channel or a handler.
func (c *Conn) fail(err error) {
	if treatErrorAsSuccess(err) {
		c.log.Debug("connection closed")
	} else {
		c.log.Info("connection failed", LabelError.L(err))
	}
	c.closeWith(err)
}

// Close closes the connection and marks it dead. Packets not yet written are
// discarded. It is safe to call Close more than once.
func (c *Conn) Close() error { c.closeWith(nil); return nil }

func (c *Conn) closeWith(err error) {
	c.stop.Do(func() {
		c.μ.Lock()
		c.state = StateClosed
		c.err = err
		c.μ.Unlock()

		c.out.Lock()
		c.out.closed = true
		c.out.q.Clear()
		c.out.Unlock()

		close(c.done)
		c.ch.Close()
		c.notify(StateClosed)
	})
}

// Done returns a channel that is closed when c is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Wait blocks until the service routines of c have exited, and reports the
// error that closed the connection. A connection closed by Close, or by the
// remote endpoint, reports nil. If c was never started, Wait returns nil.
func (c *Conn) Wait() error {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return nil
	}
	t.Wait()

	c.μ.Lock()
	defer c.μ.Unlock()
	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// Err reports the error that closed c, or nil if c is open or was closed
// normally.
func (c *Conn) Err() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// ID returns the unique identifier of c.
func (c *Conn) ID() string { return c.id }

// State reports the current lifecycle state of c.
func (c *Conn) State() State {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

// Alive reports whether c has not yet closed.
func (c *Conn) Alive() bool { return c.State() != StateClosed }

// Authenticated reports whether c is open and authenticated.
func (c *Conn) Authenticated() bool { return c.State() == StateAuthenticated }

// Services returns the service IDs registered on c, in registration order.
func (c *Conn) Services() []string {
	c.μ.Lock()
	defer c.μ.Unlock()
	return slices.Clone(c.services)
}

// Subscribed reports whether c has subscribed to key.
func (c *Conn) Subscribed(key EventKey) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.events.Has(key)
}

// Latency reports the round-trip time of the most recent ping.
func (c *Conn) Latency() time.Duration {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.latency
}

// LastPingSent reports when c last sent a ping.
func (c *Conn) LastPingSent() time.Time {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.lastPing
}

// LastPongReceived reports when c last received a pong.
func (c *Conn) LastPongReceived() time.Time {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.lastPong
}

func (c *Conn) String() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	var sb strings.Builder
	if c.state == StateClosed {
		sb.WriteString("[DEAD] ")
	} else if c.state != StateAuthenticated {
		sb.WriteString("[NA] ")
	}
	if len(c.services) != 0 {
		fmt.Fprintf(&sb, "(%s) ", strings.Join(c.services, ","))
	}
	sb.WriteString(c.id[strings.LastIndexByte(c.id, '-')+1:])
	return sb.String()
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
