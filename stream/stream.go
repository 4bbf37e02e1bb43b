// Package stream multiplexes byte streams over the packets of a connection.
//
// A stream is identified by the correlation ID of the packet that opened it.
// Its chunks are streamData packets carrying that ID as their original
// correlation ID, delivered in the order they were sent and terminated by a
// single chunk with the "end" event.
//
// The receiving side of a stream uses a Mux to route arriving chunks to the
// Reader for their stream. The sending side uses a Writer. The same types
// serve both directions: a caller reading a stream from a service, and a
// service reading a stream written by a caller.
package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/switchboard"
)

// ErrUnknownStream is reported by Deliver for a chunk whose stream is not
// open, or whose stream has already ended.
var ErrUnknownStream = errors.New("stream: unknown stream")

// An Error reports the failure of a stream by its sender.
type Error struct {
	ID      string // the stream ID
	Message string // the message reported by the sender
}

func (e *Error) Error() string { return "stream " + e.ID + ": " + e.Message }

// A Mux routes stream chunks to the readers of open streams. A zero value is
// ready for use. It is safe for concurrent use.
type Mux struct {
	μ sync.Mutex
	m map[string]*handle
}

type chunk struct {
	data []byte
	end  bool
	err  string
}

// A handle is the receiving state of one stream. Chunks that arrive while
// the consumer is not waiting are queued. When the consumer is waiting and
// the queue is empty, the next chunk is handed over directly.
type handle struct {
	μ     sync.Mutex
	q     *queue.Queue[chunk]
	ready bool       // the consumer is waiting for a chunk
	next  chan chunk // handoff to a waiting consumer
	ended bool       // the end chunk has been received
}

// Open creates a handle for the stream with the given ID and returns a
// Reader for it. If a stream with that ID is already open, it is replaced.
func (m *Mux) Open(id string) *Reader {
	h := &handle{q: queue.New[chunk](), next: make(chan chunk, 1)}
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.m == nil {
		m.m = make(map[string]*handle)
	}
	m.m[id] = h
	return &Reader{id: id, mux: m, h: h}
}

// Deliver routes the streamData packet pkt to the reader of its stream.
// Deliver does not block. It reports ErrUnknownStream if the stream is not
// open or has already received its end chunk.
func (m *Mux) Deliver(pkt *switchboard.Packet) error {
	m.μ.Lock()
	h, ok := m.m[pkt.OriginalCorrelationID]
	m.μ.Unlock()
	if !ok {
		return ErrUnknownStream
	}

	c := chunk{data: pkt.Data, end: pkt.Event == switchboard.StreamEventEnd, err: pkt.Error}
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.ended {
		return ErrUnknownStream
	}
	h.ended = c.end
	if h.ready && h.q.IsEmpty() {
		h.ready = false
		h.next <- c // does not block: at most one handoff is outstanding
	} else {
		h.q.Add(c)
	}
	return nil
}

// Len reports the number of open streams.
func (m *Mux) Len() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return len(m.m)
}

func (m *Mux) remove(id string, h *handle) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.m[id] == h {
		delete(m.m, id)
	}
}

// A Reader consumes the chunks of one stream. A Reader is not safe for
// concurrent use by multiple goroutines.
type Reader struct {
	id  string
	mux *Mux
	h   *handle
	buf []byte // unread remainder of the current chunk, for Read
	err error  // sticky, once the stream has ended
}

// ID returns the ID of the stream read by r.
func (r *Reader) ID() string { return r.id }

// Next returns the next chunk of the stream, blocking until one arrives or
// ctx ends. When the end of the stream is reached, Next reports io.EOF, or
// an *Error if the sender reported a failure; the stream is then closed and
// all further calls report io.EOF.
func (r *Reader) Next(ctx context.Context) ([]byte, error) {
	if r.err != nil {
		return nil, io.EOF
	}
	h := r.h
	h.μ.Lock()
	if c, ok := h.q.Pop(); ok {
		h.μ.Unlock()
		return r.take(c)
	}
	h.ready = true
	h.μ.Unlock()

	select {
	case c := <-h.next:
		return r.take(c)
	case <-ctx.Done():
		h.μ.Lock()
		if h.ready {
			h.ready = false
			h.μ.Unlock()
			return nil, ctx.Err()
		}
		h.μ.Unlock()

		// A chunk was handed over concurrently with the cancellation.
		return r.take(<-h.next)
	}
}

func (r *Reader) take(c chunk) ([]byte, error) {
	if !c.end {
		return c.data, nil
	}
	r.mux.remove(r.id, r.h)
	r.err = io.EOF
	if c.err != "" {
		return nil, &Error{ID: r.id, Message: c.err}
	}
	return nil, io.EOF
}

// Read implements the io.Reader interface, blocking without a deadline.
func (r *Reader) Read(data []byte) (int, error) {
	for len(r.buf) == 0 {
		next, err := r.Next(context.Background())
		if err != nil {
			return 0, err
		}
		r.buf = next
	}
	n := copy(data, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Close abandons the stream. Chunks that arrive after Close are rejected by
// the Mux. It is safe to call Close more than once.
func (r *Reader) Close() error {
	r.mux.remove(r.id, r.h)
	if r.err == nil {
		r.err = io.EOF
	}
	return nil
}

// A Writer sends the chunks of one stream. It is safe for concurrent use,
// though concurrent writes are sent in an unspecified order.
type Writer struct {
	id   string
	send func(*switchboard.Packet) error

	μ      sync.Mutex
	closed bool
	err    error // set by Abort
}

// NewWriter constructs a Writer for the stream with the given ID, that
// passes each chunk to send.
func NewWriter(id string, send func(*switchboard.Packet) error) *Writer {
	return &Writer{id: id, send: send}
}

// ID returns the ID of the stream written by w.
func (w *Writer) ID() string { return w.id }

// Write sends a copy of data as one chunk of the stream. It reports
// switchboard.ErrClosed if w has been closed, or the error passed to Abort
// if the stream was aborted.
func (w *Writer) Write(data []byte) (int, error) {
	w.μ.Lock()
	defer w.μ.Unlock()
	if w.err != nil {
		return 0, w.err
	} else if w.closed {
		return 0, switchboard.ErrClosed
	}
	if err := w.send(switchboard.StreamData(w.id, bytes.Clone(data), switchboard.StreamEventData)); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Close sends the end of the stream. Only the first call to Close (or
// CloseWithError) sends a packet; later calls do nothing.
func (w *Writer) Close() error { return w.CloseWithError(nil) }

// CloseWithError sends the end of the stream, reporting err to the reader
// if it is not nil.
func (w *Writer) CloseWithError(err error) error {
	w.μ.Lock()
	defer w.μ.Unlock()
	if w.err != nil {
		w.closed = true
		return w.err
	} else if w.closed {
		return nil
	}
	w.closed = true
	if err != nil {
		return w.send(switchboard.StreamError(w.id, err))
	}
	return w.send(switchboard.StreamData(w.id, nil, switchboard.StreamEventEnd))
}

// Abort marks the stream written by w as failed by its receiver. Later calls
// to Write and Close send nothing and report err. Only the first call to
// Abort has any effect.
func (w *Writer) Abort(err error) {
	w.μ.Lock()
	defer w.μ.Unlock()
	if w.err == nil {
		w.err = err
	}
}
