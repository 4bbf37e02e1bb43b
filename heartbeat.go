// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"context"
	"time"
)

// DefaultTickRate is the interval between heartbeat ticks (60 Hz).
const DefaultTickRate = time.Second / 60

// A Ticker is driven by a Scheduler. Implementations must not block.
type Ticker interface {
	Tick(now time.Time)
}

// TickerFunc adapts a function to the Ticker interface.
type TickerFunc func(time.Time)

// Tick implements the Ticker interface.
func (f TickerFunc) Tick(now time.Time) { f(now) }

// A Scheduler invokes its tickers at a fixed rate. Owners of connections use
// it to drive the heartbeat of each connection and to prune dead ones.
type Scheduler struct {
	// The interval between ticks; if zero, DefaultTickRate is used.
	Rate time.Duration
}

func (s Scheduler) rate() time.Duration {
	if s.Rate <= 0 {
		return DefaultTickRate
	}
	return s.Rate
}

// Run ticks each of ts in order at the scheduler's rate until ctx ends.
// It always returns nil.
func (s Scheduler) Run(ctx context.Context, ts ...Ticker) error {
	t := time.NewTicker(s.rate())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			for _, tk := range ts {
				tk.Tick(now)
			}
		}
	}
}
