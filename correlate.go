// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"sync"
	"time"
)

// Pending records an outstanding call awaiting its reply.
type Pending[D any] struct {
	Dest  D         // where to deliver replies; the zero value discards them
	Start time.Time // when the call was first routed
	Key   MethodKey // the method called
}

// A Correlator maps the correlation IDs of outstanding calls to the
// destination of their replies. Each entry is resolved by at most one
// terminal reply. A zero value is ready for use. It is safe for concurrent
// use.
type Correlator[D any] struct {
	μ sync.Mutex
	m map[string]Pending[D]
}

// Add records p as pending for id, replacing any previous entry.
func (c *Correlator[D]) Add(id string, p Pending[D]) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.m == nil {
		c.m = make(map[string]Pending[D])
	}
	c.m[id] = p
}

// Lookup returns the entry for id without removing it.
func (c *Correlator[D]) Lookup(id string) (Pending[D], bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	p, ok := c.m[id]
	return p, ok
}

// Resolve returns the entry for the reply pkt, removing it if pkt is
// terminal. It reports false if no entry exists.
func (c *Correlator[D]) Resolve(pkt *Packet) (Pending[D], bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	p, ok := c.m[pkt.OriginalCorrelationID]
	if ok && pkt.Terminal() {
		delete(c.m, pkt.OriginalCorrelationID)
	}
	return p, ok
}

// Remove discards the entry for id, reporting whether it existed.
func (c *Correlator[D]) Remove(id string) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	_, ok := c.m[id]
	delete(c.m, id)
	return ok
}

// RemoveIf discards all entries for which drop reports true, and returns
// the number of entries removed.
func (c *Correlator[D]) RemoveIf(drop func(id string, p Pending[D]) bool) int {
	c.μ.Lock()
	defer c.μ.Unlock()
	var n int
	for id, p := range c.m {
		if drop(id, p) {
			delete(c.m, id)
			n++
		}
	}
	return n
}

// Len reports the number of outstanding entries.
func (c *Correlator[D]) Len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.m)
}
