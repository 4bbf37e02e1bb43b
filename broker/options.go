// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creachadair/switchboard"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

// ErrInvalidOption is reported by New for an option with an invalid value.
var ErrInvalidOption = errors.New("broker: invalid option")

type config struct {
	logger       *slog.Logger
	metricSink   metrics.MetricSink
	audit        AuditLog
	pendingTTL   time.Duration
	pingInterval time.Duration
	timeout      time.Duration
	rateLimit    rate.Limit
	rateBurst    int
	tickRate     time.Duration
	clock        func() time.Time
}

func defaultConfig() *config {
	return &config{
		logger:     slog.Default(),
		metricSink: switchboard.MetricSinkOrDefault(nil),
		audit:      nopAudit{},
		clock:      time.Now,
	}
}

// Option to pass to New.
type Option func(*config) error

// WithLog specifies which slog.Handler the broker logs to.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		if handler == nil {
			return fmt.Errorf("%w: nil log handler", ErrInvalidOption)
		}
		c.logger = slog.New(handler)
		return nil
	}
}

// WithLogger specifies the logger used by the broker and its connections.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidOption)
		}
		c.logger = logger
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the broker. A nil sink discards them.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithAuditLog specifies where the broker records its routing decisions.
// By default they are discarded.
func WithAuditLog(log AuditLog) Option {
	return func(c *config) error {
		if log == nil {
			log = nopAudit{}
		}
		c.audit = log
		return nil
	}
}

// WithPendingTTL bounds how long a call may wait in the buffer of a service
// that has not registered. When the bound expires, the caller receives a
// failure response. Zero, the default, means calls wait indefinitely.
func WithPendingTTL(ttl time.Duration) Option {
	return func(c *config) error {
		if ttl < 0 {
			return fmt.Errorf("%w: negative pending TTL %v", ErrInvalidOption, ttl)
		}
		c.pendingTTL = ttl
		return nil
	}
}

// WithHeartbeat sets the ping interval and pong timeout of connections.
// Zero values select the defaults of switchboard.ConnOptions.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *config) error {
		if interval < 0 || timeout < 0 {
			return fmt.Errorf("%w: heartbeat %v/%v", ErrInvalidOption, interval, timeout)
		}
		c.pingInterval = interval
		c.timeout = timeout
		return nil
	}
}

// WithRateLimit limits the rate of packets accepted from each connection.
// Packets over the limit are dropped.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *config) error {
		if r <= 0 || burst <= 0 {
			return fmt.Errorf("%w: rate limit %v burst %d", ErrInvalidOption, r, burst)
		}
		c.rateLimit = r
		c.rateBurst = burst
		return nil
	}
}

// WithTickRate sets the interval between heartbeat ticks in Run.
func WithTickRate(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("%w: tick rate %v", ErrInvalidOption, d)
		}
		c.tickRate = d
		return nil
	}
}

// WithClock replaces the clock used for heartbeats and buffer expiry.
func WithClock(now func() time.Time) Option {
	return func(c *config) error {
		if now == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidOption)
		}
		c.clock = now
		return nil
	}
}
