// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creachadair/switchboard"
	"github.com/creachadair/switchboard/channel"
	"github.com/creachadair/switchboard/peers"
	"github.com/hashicorp/go-metrics"
)

// ErrInvalidOption is reported by New for an option with an invalid value.
var ErrInvalidOption = errors.New("connector: invalid option")

// DefaultBackoff is the delay before reconnecting a lost link.
const DefaultBackoff = 250 * time.Millisecond

// A Dialer opens a channel to the endpoint at addr.
type Dialer func(ctx context.Context, addr string) (switchboard.Channel, error)

type config struct {
	logger       *slog.Logger
	metricSink   metrics.MetricSink
	dial         Dialer
	backoff      time.Duration
	pingInterval time.Duration
	timeout      time.Duration
	tickRate     time.Duration

	// Mesh mode settings. meshAcc is nil when mesh mode is off.
	meshAcc  peers.Accepter
	meshAddr string
	meshPort int
}

func defaultConfig() *config {
	return &config{
		logger:     slog.Default(),
		metricSink: switchboard.MetricSinkOrDefault(nil),
		dial:       channel.Dial,
		backoff:    DefaultBackoff,
	}
}

// Option to pass to New.
type Option func(*config) error

// WithLog specifies which slog.Handler the connector logs to.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		if handler == nil {
			return fmt.Errorf("%w: nil log handler", ErrInvalidOption)
		}
		c.logger = slog.New(handler)
		return nil
	}
}

// WithLogger specifies the logger used by the connector and its links.
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
// the connector. A nil sink discards them.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithDialer replaces the function used to open links to the broker and to
// mesh peers. The default is channel.Dial.
func WithDialer(dial Dialer) Option {
	return func(c *config) error {
		if dial == nil {
			return fmt.Errorf("%w: nil dialer", ErrInvalidOption)
		}
		c.dial = dial
		return nil
	}
}

// WithBackoff sets the delay between attempts to reconnect a lost link to
// the broker or to a mesh peer.
func WithBackoff(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("%w: backoff %v", ErrInvalidOption, d)
		}
		c.backoff = d
		return nil
	}
}

// WithHeartbeat sets the ping interval and pong timeout of links.
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

// WithMesh enables mesh mode. Services are registered with the given
// address and port, at which acc must accept connections from other
// connectors. Calls to other services are sent over direct links once the
// broker resolves their address.
func WithMesh(acc peers.Accepter, address string, port int) Option {
	return func(c *config) error {
		if acc == nil {
			return fmt.Errorf("%w: nil mesh accepter", ErrInvalidOption)
		} else if address == "" {
			return fmt.Errorf("%w: empty mesh address", ErrInvalidOption)
		}
		c.meshAcc = acc
		c.meshAddr = address
		c.meshPort = port
		return nil
	}
}
