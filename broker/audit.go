// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// An AuditLog records one line of text for each routing decision and
// connection lifecycle transition of a broker. Errors reported by LogText are
// logged by the broker and otherwise ignored.
type AuditLog interface {
	LogText(text string) error
}

// AuditFunc adapts a function to the AuditLog interface.
type AuditFunc func(string) error

// LogText implements the AuditLog interface.
func (f AuditFunc) LogText(text string) error { return f(text) }

type nopAudit struct{}

func (nopAudit) LogText(string) error { return nil }

// auditTimeFormat is an ISO 8601 time in UTC with millisecond precision.
const auditTimeFormat = "2006-01-02T15:04:05.000Z"

// An AuditFile is an AuditLog that writes each line to a file, prefixed by
// a bracketed timestamp:
//
//	[2024-03-01T12:00:00.000Z] register 3e4f... Echo
//
// It is safe for concurrent use.
type AuditFile struct {
	now func() time.Time

	μ sync.Mutex
	w io.Writer
	c io.Closer
}

// OpenAuditFile opens the named file for appending, creating it if needed,
// and returns an AuditFile that writes to it.
func OpenAuditFile(path string) (*AuditFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &AuditFile{now: time.Now, w: f, c: f}, nil
}

// NewAuditWriter returns an AuditFile that writes to w. If now == nil,
// time.Now is used for timestamps.
func NewAuditWriter(w io.Writer, now func() time.Time) *AuditFile {
	if now == nil {
		now = time.Now
	}
	return &AuditFile{now: now, w: w}
}

// LogText implements the AuditLog interface.
func (f *AuditFile) LogText(text string) error {
	stamp := f.now().UTC().Format(auditTimeFormat)
	f.μ.Lock()
	defer f.μ.Unlock()
	_, err := fmt.Fprintf(f.w, "[%s] %s\n", stamp, text)
	return err
}

// Close closes the underlying file, if f owns one.
func (f *AuditFile) Close() error {
	f.μ.Lock()
	defer f.μ.Unlock()
	if f.c == nil {
		return nil
	}
	err := f.c.Close()
	f.c = nil
	return err
}
