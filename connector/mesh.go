// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package connector

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/switchboard"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

// A directory tracks the direct links of a connector in mesh mode.
type directory struct {
	c *Connector

	μ      sync.Mutex
	closed bool
	peers  map[string]*peer
}

// A peer is the state of the direct link to one service.
//
// Packets are queued until the address of the service is resolved and a
// link is established. A service resolved without an address is relayed
// through the broker.
type peer struct {
	service string
	addr    string // dial address, empty until resolved
	relay   bool
	dialing bool
	conn    *switchboard.Conn // nil while no link is established
	queue   *queue.Queue[*switchboard.Packet]
	redial  *rate.Limiter
}

func newDirectory(c *Connector) *directory {
	return &directory{c: c, peers: make(map[string]*peer)}
}

// route sends pkt to the given service, or queues it until a link to the
// service is available.
func (d *directory) route(service string, pkt *switchboard.Packet) error {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.closed {
		return switchboard.ErrClosed
	}
	p, ok := d.peers[service]
	if !ok {
		p = &peer{
			service: service,
			queue:   queue.New[*switchboard.Packet](),
			redial:  rate.NewLimiter(rate.Every(d.c.cfg.backoff), 1),
		}
		d.peers[service] = p
		d.lookup(p)
	}

	if p.relay {
		return d.c.sendBroker(pkt)
	} else if p.conn != nil {
		if p.conn.Send(pkt) == nil {
			return nil
		}
		d.lost(p)
	}
	p.queue.Add(pkt)
	return nil
}

func (d *directory) lookup(p *peer) {
	d.c.log.Debug("looking up service", switchboard.LabelService.L(p.service))
	d.c.sendBroker(switchboard.ServiceIPLookup(p.service))
}

// relookup repeats the lookup for each service whose address is not yet
// known. The broker link calls this when it is restored, since a deferred
// lookup does not survive the loss of the link that asked for it.
func (d *directory) relookup() {
	d.μ.Lock()
	defer d.μ.Unlock()
	for _, p := range d.peers {
		if !p.relay && !p.dialing && p.conn == nil && p.addr == "" {
			d.lookup(p)
		}
	}
}

// resolved handles a serviceIPResolution packet from the broker.
func (d *directory) resolved(pkt *switchboard.Packet) {
	d.μ.Lock()
	defer d.μ.Unlock()
	p, ok := d.peers[pkt.ServiceID]
	if !ok || d.closed || p.dialing || p.conn != nil {
		return // unsolicited, or a duplicate answer
	}
	if pkt.Address == "" {
		p.relay = true
		d.c.log.Info("relaying service through broker", switchboard.LabelService.L(p.service))
		d.c.sendBroker(drain(p.queue)...)
		return
	}
	p.relay = false
	p.addr = dialAddress(pkt.Address, pkt.Port)
	d.dial(p)
}

// dialAddress returns the address to dial for a service advertised at the
// given address and port.
func dialAddress(address string, port int) string {
	if port == 0 || strings.Contains(address, "://") {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// dial establishes a link to p in a separate goroutine. The caller must
// hold d.μ. When the link is ready, it is authenticated and the queue of p
// is sent ahead of any later traffic. If the dial fails, the address of p
// is looked up again.
func (d *directory) dial(p *peer) {
	p.dialing = true
	addr, redial := p.addr, p.redial
	d.c.tasks.Go(func() error {
		ctx := d.c.ctx
		if err := redial.Wait(ctx); err != nil {
			d.μ.Lock()
			p.dialing = false
			d.μ.Unlock()
			return nil
		}
		d.c.msink.IncrCounterWithLabels(switchboard.MetricMeshDials, 1, []metrics.Label{
			switchboard.LabelService.M(p.service),
		})
		ch, err := d.c.cfg.dial(ctx, addr)

		d.μ.Lock()
		defer d.μ.Unlock()
		p.dialing = false
		if d.closed {
			if err == nil {
				ch.Close()
			}
			return nil
		} else if err != nil {
			d.c.log.Warn("mesh dial failed", switchboard.LabelService.L(p.service),
				switchboard.LabelPeerAddr.L(addr), switchboard.LabelError.L(err))
			p.addr = ""
			d.lookup(p)
			return nil
		}

		conn := switchboard.NewConn(ch, d.c.connOptions(true, func(conn *switchboard.Conn, pkt *switchboard.Packet) {
			d.c.handle(pkt, conn.Send)
		})).Start()
		conn.Send(append([]*switchboard.Packet{switchboard.Auth(d.c.secret)}, drain(p.queue)...)...)
		p.conn = conn
		d.c.log.Info("direct link established", switchboard.LabelService.L(p.service), switchboard.LabelPeerAddr.L(addr))
		return nil
	})
}

// lost drops the link of p and dials it again. The caller must hold d.μ.
func (d *directory) lost(p *peer) {
	d.c.log.Info("direct link lost", switchboard.LabelService.L(p.service), switchboard.LabelError.L(p.conn.Err()))
	p.conn = nil
	p.redial = holdoff(d.c.cfg.backoff)
	if p.addr != "" && !p.dialing {
		d.dial(p)
	}
}

// tick drives the heartbeat of the direct links, and redials the ones that
// have closed.
func (d *directory) tick(now time.Time) {
	d.μ.Lock()
	defer d.μ.Unlock()
	for _, p := range d.peers {
		if p.conn == nil {
			continue
		} else if p.conn.Alive() {
			p.conn.Tick(now)
		} else {
			d.lost(p)
		}
	}
}

func (d *directory) close() {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.closed = true
	for _, p := range d.peers {
		if p.conn != nil {
			p.conn.Close()
			p.conn = nil
		}
		p.queue.Clear()
	}
}

// drain removes and returns all the packets in q, in order.
func drain(q *queue.Queue[*switchboard.Packet]) []*switchboard.Packet {
	out := make([]*switchboard.Packet, 0, q.Len())
	for !q.IsEmpty() {
		pkt, _ := q.Pop()
		out = append(out, pkt)
	}
	return out
}
