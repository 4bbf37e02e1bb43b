// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the switchboard.Channel
// interface.
package channel

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/switchboard"
	"google.golang.org/protobuf/encoding/protowire"
)

// Direct constructs a connected pair of in-memory channels that pass
// messages directly without framing. Messages sent to A are received by B
// and vice versa. Closing either channel closes both.
func Direct() (A, B switchboard.Channel) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	s := &shutdown{done: make(chan struct{})}
	A = direct{out: a2b, in: b2a, s: s}
	B = direct{out: b2a, in: a2b, s: s}
	return
}

type shutdown struct {
	once sync.Once
	done chan struct{}
}

type direct struct {
	out chan<- []byte
	in  <-chan []byte
	s   *shutdown
}

// Send implements a method of the [switchboard.Channel] interface.
func (d direct) Send(msg []byte) error {
	select {
	case <-d.s.done:
		return net.ErrClosed
	default:
	}
	select {
	case <-d.s.done:
		return net.ErrClosed
	case d.out <- msg:
		return nil
	}
}

// Recv implements a method of the [switchboard.Channel] interface.
func (d direct) Recv() ([]byte, error) {
	select {
	case <-d.s.done:
		return nil, net.ErrClosed
	case msg := <-d.in:
		return msg, nil
	}
}

// Close implements a method of the [switchboard.Channel] interface.
func (d direct) Close() error {
	d.s.once.Do(func() { close(d.s.done) })
	return nil
}

// DefaultMaxFrameSize is the largest frame an IOChannel accepts by default.
const DefaultMaxFrameSize = 16 << 20

// IO constructs a channel that receives from r and sends to wc. Each message
// is framed with a varint length prefix.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc, max: DefaultMaxFrameSize}
}

// An IOChannel sends and receives length-prefixed messages on a reader and
// a writer.
type IOChannel struct {
	r   *bufio.Reader
	w   *bufio.Writer
	c   io.Closer
	max int
}

// WithMaxFrameSize returns a copy of c that rejects frames longer than n
// bytes.
func (c IOChannel) WithMaxFrameSize(n int) IOChannel { c.max = n; return c }

// Send implements a method of the [switchboard.Channel] interface.
func (c IOChannel) Send(msg []byte) error {
	if len(msg) > c.max {
		return fmt.Errorf("send %d bytes: %w", len(msg), switchboard.ErrFrameTooLarge)
	}
	if _, err := c.w.Write(protowire.AppendVarint(nil, uint64(len(msg)))); err != nil {
		return err
	}
	if _, err := c.w.Write(msg); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [switchboard.Channel] interface.
func (c IOChannel) Recv() ([]byte, error) {
	var hdr [binary.MaxVarintLen64]byte
	n := 0
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if n > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		hdr[n] = b
		n++
		if b < 0x80 {
			break
		} else if n == len(hdr) {
			return nil, fmt.Errorf("invalid frame length: %w", switchboard.ErrMalformed)
		}
	}
	size, m := protowire.ConsumeVarint(hdr[:n])
	if err := protowire.ParseError(m); err != nil {
		return nil, fmt.Errorf("invalid frame length: %w", err)
	}
	if size > uint64(c.max) {
		return nil, fmt.Errorf("receive %d bytes: %w", size, switchboard.ErrFrameTooLarge)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close implements a method of the [switchboard.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// Dial connects to addr and returns a channel for the connection. If addr
// has a ws:// or wss:// scheme, Dial opens a websocket; otherwise the
// network is chosen by [switchboard.SplitAddress] and the connection is
// wrapped by IO.
func Dial(ctx context.Context, addr string) (switchboard.Channel, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		ws, err := DialWebSocket(ctx, addr)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
	var d net.Dialer
	network, address := switchboard.SplitAddress(addr)
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return IO(conn, conn), nil
}
