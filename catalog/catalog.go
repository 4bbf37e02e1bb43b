// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a dispatch table from (service, method) names to
// the handlers that implement them, for use with a connector.
//
// # Usage
//
// Describe a service and its methods:
//
//	svc := catalog.New("Echo").
//	   Call("repeat", repeat).
//	   ReadStream("count", count).
//	   WriteStream("sink", sink)
//
// Each method has one of three shapes. A Call method returns a single value
// to its caller. A ReadStream method writes a stream of chunks back to the
// caller, and a WriteStream method consumes a stream of chunks written by the
// caller.
//
// Add the service to a table:
//
//	var tab catalog.Table
//	if err := tab.Register(svc); err != nil {
//	   log.Fatalf("Register: %v", err)
//	}
//
// Register validates the description, so that a malformed service is rejected
// before any call can reach it. To find the handler for an inbound call, use
// Lookup:
//
//	m, err := tab.Lookup(pkt.Method(), pkt.Kind)
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/creachadair/switchboard"
	"github.com/creachadair/switchboard/stream"
)

var (
	ErrInvalidName    = errors.New("catalog: invalid name")
	ErrNilHandler     = errors.New("catalog: nil handler")
	ErrDuplicate      = errors.New("catalog: duplicate name")
	ErrUnknownService = errors.New("catalog: unknown service")
	ErrUnknownMethod  = errors.New("catalog: unknown method")
	ErrWrongKind      = errors.New("catalog: method does not accept this kind of call")
)

// A CallFunc handles a call and returns a single value. The value is encoded
// as JSON in the response.
type CallFunc func(ctx context.Context, args []json.RawMessage) (any, error)

// A ReadStreamFunc handles a call that opens a stream to the caller. The
// function writes chunks to w; when it returns, the stream is ended and an
// error, if any, is reported to the caller.
type ReadStreamFunc func(ctx context.Context, w *stream.Writer, args []json.RawMessage) error

// A WriteStreamFunc handles a call that opens a stream from the caller. The
// function reads the chunks written by the caller from r.
type WriteStreamFunc func(ctx context.Context, r *stream.Reader, args []json.RawMessage) error

// A Method is one entry in a dispatch table. Exactly one of the handler
// fields is set, according to Kind.
type Method struct {
	Service string
	Name    string
	Kind    switchboard.Kind // serviceCall, readStreamStart, or writeStreamStart

	Call        CallFunc
	ReadStream  ReadStreamFunc
	WriteStream WriteStreamFunc
}

// Key returns the (service, method) pair for m.
func (m Method) Key() switchboard.MethodKey {
	return switchboard.MethodKey{Service: m.Service, Method: m.Name}
}

func (m Method) handler() any {
	switch m.Kind {
	case switchboard.KindServiceCall:
		if m.Call != nil {
			return m.Call
		}
	case switchboard.KindReadStreamStart:
		if m.ReadStream != nil {
			return m.ReadStream
		}
	case switchboard.KindWriteStreamStart:
		if m.WriteStream != nil {
			return m.WriteStream
		}
	}
	return nil
}

// A Service describes the methods of a named service. Construct a Service
// with New and add methods with Call, ReadStream, and WriteStream. Errors in
// the description are reported when the service is registered.
type Service struct {
	name    string
	methods []Method
}

// New constructs an empty service with the given name.
func New(name string) *Service { return &Service{name: name} }

// Name returns the name of s.
func (s *Service) Name() string { return s.name }

// Methods returns the methods of s in the order they were added.
func (s *Service) Methods() []Method { return append([]Method(nil), s.methods...) }

func (s *Service) add(name string, m Method) *Service {
	m.Service = s.name
	m.Name = name
	s.methods = append(s.methods, m)
	return s
}

// Call adds a method returning a single value, and returns s to permit
// chaining.
func (s *Service) Call(name string, f CallFunc) *Service {
	return s.add(name, Method{Kind: switchboard.KindServiceCall, Call: f})
}

// ReadStream adds a method that streams to its caller, and returns s to
// permit chaining.
func (s *Service) ReadStream(name string, f ReadStreamFunc) *Service {
	return s.add(name, Method{Kind: switchboard.KindReadStreamStart, ReadStream: f})
}

// WriteStream adds a method that consumes a stream from its caller, and
// returns s to permit chaining.
func (s *Service) WriteStream(name string, f WriteStreamFunc) *Service {
	return s.add(name, Method{Kind: switchboard.KindWriteStreamStart, WriteStream: f})
}

// Validate reports an error if s is not a well-formed description: its name
// and the names of its methods must be valid, method names must be unique,
// and every method must have a handler.
func (s *Service) Validate() error {
	if !validName(s.name) {
		return fmt.Errorf("service %q: %w", s.name, ErrInvalidName)
	}
	seen := make(map[string]bool)
	for _, m := range s.methods {
		key := m.Key()
		if !validName(m.Name) {
			return fmt.Errorf("method %q: %w", key, ErrInvalidName)
		} else if seen[m.Name] {
			return fmt.Errorf("method %q: %w", key, ErrDuplicate)
		} else if m.handler() == nil {
			return fmt.Errorf("method %q: %w", key, ErrNilHandler)
		}
		seen[m.Name] = true
	}
	return nil
}

// validName reports whether s is usable as a service or method name. Names
// are non-empty and contain no spaces, control characters or periods.
func validName(s string) bool {
	return s != "" && !strings.ContainsFunc(s, func(r rune) bool {
		return r <= ' ' || r == '.' || r == 0x7f
	})
}

// A Table maps (service, method) pairs to handlers. A zero value is ready for
// use. It is safe for concurrent use.
type Table struct {
	μ        sync.RWMutex
	services map[string]*Service
	methods  map[switchboard.MethodKey]Method
}

// Register validates svc and adds its methods to t. It reports ErrDuplicate
// if a service with the same name is already registered.
func (t *Table) Register(svc *Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	if _, ok := t.services[svc.name]; ok {
		return fmt.Errorf("service %q: %w", svc.name, ErrDuplicate)
	}
	if t.services == nil {
		t.services = make(map[string]*Service)
		t.methods = make(map[switchboard.MethodKey]Method)
	}
	t.services[svc.name] = svc
	for _, m := range svc.methods {
		t.methods[m.Key()] = m
	}
	return nil
}

// Has reports whether a service with the given name is registered.
func (t *Table) Has(service string) bool {
	t.μ.RLock()
	defer t.μ.RUnlock()
	_, ok := t.services[service]
	return ok
}

// Lookup returns the method for key, checking that it accepts calls of the
// given kind.
func (t *Table) Lookup(key switchboard.MethodKey, kind switchboard.Kind) (Method, error) {
	t.μ.RLock()
	defer t.μ.RUnlock()
	if _, ok := t.services[key.Service]; !ok {
		return Method{}, fmt.Errorf("service %q: %w", key.Service, ErrUnknownService)
	}
	m, ok := t.methods[key]
	if !ok {
		return Method{}, fmt.Errorf("method %q: %w", key, ErrUnknownMethod)
	} else if m.Kind != kind {
		return Method{}, fmt.Errorf("method %q is %s, not %s: %w", key, m.Kind, kind, ErrWrongKind)
	}
	return m, nil
}

// Services returns the names of the registered services in lexicographic
// order.
func (t *Table) Services() []string {
	t.μ.RLock()
	defer t.μ.RUnlock()
	names := make([]string, 0, len(t.services))
	for name := range t.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe reports the methods of the registered services, as a map from
// service name to method names in the order they were added.
func (t *Table) Describe() map[string][]string {
	t.μ.RLock()
	defer t.μ.RUnlock()
	out := make(map[string][]string, len(t.services))
	for name, svc := range t.services {
		names := make([]string, len(svc.methods))
		for i, m := range svc.methods {
			names[i] = m.Name
		}
		out[name] = names
	}
	return out
}

// Handler is a CallFunc that reports the contents of the table, as encoded
// by Describe.
func (t *Table) Handler(context.Context, []json.RawMessage) (any, error) {
	return t.Describe(), nil
}
