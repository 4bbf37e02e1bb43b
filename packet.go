// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// A Kind discriminates the packets of the wire protocol.
type Kind string

const (
	KindPing                Kind = "ping"
	KindPong                Kind = "pong"
	KindAuth                Kind = "auth"
	KindRegisterService     Kind = "registerService"
	KindServiceIPLookup     Kind = "serviceIPLookup"
	KindServiceIPResolution Kind = "serviceIPResolution"
	KindSubscribeToEvent    Kind = "subscribeToEvent"
	KindEvent               Kind = "event"
	KindServiceCall         Kind = "serviceCall"
	KindServiceCallResponse Kind = "serviceCallResponse"
	KindReadStreamStart     Kind = "readStreamStart"
	KindWriteStreamStart    Kind = "writeStreamStart"
	KindStreamData          Kind = "streamData"
)

// Known reports whether k is one of the kinds defined by the protocol.
func (k Kind) Known() bool {
	switch k {
	case KindPing, KindPong, KindAuth, KindRegisterService, KindServiceIPLookup,
		KindServiceIPResolution, KindSubscribeToEvent, KindEvent, KindServiceCall,
		KindServiceCallResponse, KindReadStreamStart, KindWriteStreamStart, KindStreamData:
		return true
	}
	return false
}

// IsCall reports whether k opens an exchange routed to a service: a plain
// call or the start of a stream in either direction.
func (k Kind) IsCall() bool {
	return k == KindServiceCall || k == KindReadStreamStart || k == KindWriteStreamStart
}

// IsReply reports whether k answers an earlier call by correlation ID.
func (k Kind) IsReply() bool {
	return k == KindServiceCallResponse || k == KindStreamData
}

// exempt reports whether k may be received before authentication.
func (k Kind) exempt() bool { return k == KindPing || k == KindPong || k == KindAuth }

// A StreamEvent labels a stream chunk.
type StreamEvent string

const (
	StreamEventData StreamEvent = "data"
	StreamEventEnd  StreamEvent = "end"
)

// A Packet is a single message of the wire protocol. Every packet carries a
// kind, a unique correlation ID and a creation timestamp (Unix milliseconds).
// The remaining fields are set according to the kind.
//
// Packets are constructed by the functions in this package and should not be
// modified after construction.
type Packet struct {
	Kind          Kind   `json:"kind"`
	CorrelationID string `json:"correlationId"`
	Timestamp     int64  `json:"timestamp"`

	Secret     string            `json:"secret,omitempty"`
	ServiceID  string            `json:"serviceId,omitempty"`
	Address    string            `json:"address,omitempty"`
	Port       int               `json:"port,omitempty"`
	EventName  string            `json:"eventName,omitempty"`
	MethodName string            `json:"methodName,omitempty"`
	Arguments  []json.RawMessage `json:"arguments,omitempty"`

	OriginalCorrelationID string          `json:"originalCorrelationId,omitempty"`
	ReturnValue           json.RawMessage `json:"returnValue,omitempty"`
	Error                 string          `json:"error,omitempty"`
	Data                  []byte          `json:"data,omitempty"`
	Event                 StreamEvent     `json:"event,omitempty"`
}

func newPacket(kind Kind) *Packet {
	return &Packet{
		Kind:          kind,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UnixMilli(),
	}
}

// Ping constructs a heartbeat request.
func Ping() *Packet { return newPacket(KindPing) }

// Pong constructs a heartbeat response.
func Pong() *Packet { return newPacket(KindPong) }

// Auth constructs a packet presenting the shared secret.
func Auth(secret string) *Packet {
	p := newPacket(KindAuth)
	p.Secret = secret
	return p
}

// RegisterService constructs a packet claiming ownership of serviceID. The
// address and port are optional, and advertise where the sender accepts
// direct connections.
func RegisterService(serviceID, address string, port int) *Packet {
	p := newPacket(KindRegisterService)
	p.ServiceID = serviceID
	p.Address = address
	p.Port = port
	return p
}

// ServiceIPLookup constructs a request for the address of serviceID.
func ServiceIPLookup(serviceID string) *Packet {
	p := newPacket(KindServiceIPLookup)
	p.ServiceID = serviceID
	return p
}

// ServiceIPResolution constructs the answer to a lookup. An empty address
// means the service does not accept direct connections.
func ServiceIPResolution(serviceID, address string, port int) *Packet {
	p := newPacket(KindServiceIPResolution)
	p.ServiceID = serviceID
	p.Address = address
	p.Port = port
	return p
}

// SubscribeToEvent constructs a packet registering interest in an event.
func SubscribeToEvent(serviceID, eventName string) *Packet {
	p := newPacket(KindSubscribeToEvent)
	p.ServiceID = serviceID
	p.EventName = eventName
	return p
}

// Event constructs a fire-and-forget event notification.
func Event(serviceID, eventName string, args []json.RawMessage) *Packet {
	p := newPacket(KindEvent)
	p.ServiceID = serviceID
	p.EventName = eventName
	p.Arguments = args
	return p
}

func newCall(kind Kind, serviceID, method string, args []json.RawMessage) *Packet {
	p := newPacket(kind)
	p.ServiceID = serviceID
	p.MethodName = method
	p.Arguments = args
	return p
}

// ServiceCall constructs a call expecting exactly one response.
func ServiceCall(serviceID, method string, args []json.RawMessage) *Packet {
	return newCall(KindServiceCall, serviceID, method, args)
}

// ReadStreamStart constructs a call opening a stream from the service to the
// caller.
func ReadStreamStart(serviceID, method string, args []json.RawMessage) *Packet {
	return newCall(KindReadStreamStart, serviceID, method, args)
}

// WriteStreamStart constructs a call opening a stream from the caller to the
// service.
func WriteStreamStart(serviceID, method string, args []json.RawMessage) *Packet {
	return newCall(KindWriteStreamStart, serviceID, method, args)
}

// ServiceCallResponse constructs the terminal reply to the call with ID origID.
func ServiceCallResponse(origID string, value json.RawMessage) *Packet {
	p := newPacket(KindServiceCallResponse)
	p.OriginalCorrelationID = origID
	p.ReturnValue = value
	return p
}

// ServiceCallError constructs a terminal reply to the call with ID origID
// reporting a failure.
func ServiceCallError(origID string, err error) *Packet {
	p := ServiceCallResponse(origID, nil)
	p.Error = err.Error()
	return p
}

// StreamData constructs one chunk of the stream opened by the packet with ID
// origID.
func StreamData(origID string, data []byte, event StreamEvent) *Packet {
	p := newPacket(KindStreamData)
	p.OriginalCorrelationID = origID
	p.Data = data
	p.Event = event
	return p
}

// StreamError constructs the end chunk of the stream opened by the packet
// with ID origID, reporting that the stream failed.
func StreamError(origID string, err error) *Packet {
	p := StreamData(origID, nil, StreamEventEnd)
	p.Error = err.Error()
	return p
}

// EncodeArgs encodes each of vs as JSON, for use as packet arguments.
func EncodeArgs(vs ...any) ([]json.RawMessage, error) {
	if len(vs) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		if raw, ok := v.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		bits, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = bits
	}
	return out, nil
}

// Terminal reports whether p is the last reply for its correlation ID: a call
// response, or the end of a stream.
func (p *Packet) Terminal() bool {
	switch p.Kind {
	case KindServiceCallResponse:
		return true
	case KindStreamData:
		return p.Event == StreamEventEnd
	}
	return false
}

// Method returns the (service, method) pair addressed by a call packet.
func (p *Packet) Method() MethodKey { return MethodKey{Service: p.ServiceID, Method: p.MethodName} }

// EventKey returns the (service, event) pair named by p.
func (p *Packet) EventKey() EventKey { return EventKey{Service: p.ServiceID, Event: p.EventName} }

// ArgsText renders the arguments of p as a JSON array of at most n bytes.
func (p *Packet) ArgsText(n int) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, arg := range p.Arguments {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.Write(arg)
	}
	sb.WriteByte(']')
	return truncate(sb.String(), n)
}

func (p *Packet) String() string {
	id := p.CorrelationID
	if p.Kind.IsReply() {
		id = p.OriginalCorrelationID
	}
	switch {
	case p.Kind.IsCall():
		return fmt.Sprintf("Packet(%s, %s, %s.%s%s)", p.Kind, id, p.ServiceID, p.MethodName, p.ArgsText(64))
	case p.Kind == KindEvent || p.Kind == KindSubscribeToEvent:
		return fmt.Sprintf("Packet(%s, %s, %s)", p.Kind, id, p.EventKey())
	case p.Kind == KindStreamData:
		return fmt.Sprintf("Packet(%s, %s, %s, %d bytes)", p.Kind, id, p.Event, len(p.Data))
	case p.ServiceID != "":
		return fmt.Sprintf("Packet(%s, %s, %s)", p.Kind, id, p.ServiceID)
	}
	return fmt.Sprintf("Packet(%s, %s)", p.Kind, id)
}

// A MethodKey names a method of a service.
type MethodKey struct {
	Service string
	Method  string
}

func (m MethodKey) String() string { return m.Service + "." + m.Method }

// DecodeMessage decodes a wire message, which is either a single packet or
// a JSON array of packets. Packets of unknown kind are returned as-is; the
// caller decides what to do with them.
func DecodeMessage(data []byte) ([]*Packet, error) {
	trim := bytes.TrimLeft(data, " \t\r\n")
	if len(trim) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	if trim[0] == '[' {
		var pkts []*Packet
		if err := json.Unmarshal(trim, &pkts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out := pkts[:0]
		for _, p := range pkts {
			if p != nil {
				out = append(out, p)
			}
		}
		return out, nil
	}
	var pkt Packet
	if err := json.Unmarshal(trim, &pkt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return []*Packet{&pkt}, nil
}

// EncodeMessage encodes pkts as a wire message. A single packet is encoded
// as an object, otherwise the packets are encoded as an array in order.
func EncodeMessage(pkts ...*Packet) ([]byte, error) {
	if len(pkts) == 1 {
		return json.Marshal(pkts[0])
	}
	return json.Marshal(pkts)
}

// truncate returns a prefix of a UTF-8 string s, having length no greater
// than n bytes.  If s exceeds this length, it is truncated at a point ≤ n so
// that the result does not end in a partial UTF-8 encoding.  If s is less
// than or equal to this length, it is returned unmodified.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. It's possible the value was already complete, but it's simpler
	// if we only have to check in one direction.
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}
