// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"sort"
	"sync"

	"github.com/creachadair/mds/mapset"
)

// An EventKey names an event published by a service.
type EventKey struct {
	Service string
	Event   string
}

func (e EventKey) String() string { return e.Service + "." + e.Event }

// Subscriptions maps events to the set of subscribers interested in them.
// A zero value is ready for use. It is safe for concurrent use.
type Subscriptions[T comparable] struct {
	μ sync.Mutex
	m map[EventKey]mapset.Set[T]
}

// Add subscribes s to key. It reports whether key had no subscribers before
// the call.
func (s *Subscriptions[T]) Add(key EventKey, sub T) (first bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.m == nil {
		s.m = make(map[EventKey]mapset.Set[T])
	}
	set, ok := s.m[key]
	if !ok {
		set = mapset.New[T]()
		s.m[key] = set
	}
	first = set.Len() == 0
	set.Add(sub)
	return first
}

// Remove unsubscribes sub from key. It reports whether key has no remaining
// subscribers.
func (s *Subscriptions[T]) Remove(key EventKey, sub T) (last bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	set, ok := s.m[key]
	if !ok {
		return true
	}
	set.Remove(sub)
	if set.Len() == 0 {
		delete(s.m, key)
		return true
	}
	return false
}

// RemoveAll unsubscribes sub from every key.
func (s *Subscriptions[T]) RemoveAll(sub T) {
	s.μ.Lock()
	defer s.μ.Unlock()
	for key, set := range s.m {
		set.Remove(sub)
		if set.Len() == 0 {
			delete(s.m, key)
		}
	}
}

// Has reports whether sub is subscribed to key.
func (s *Subscriptions[T]) Has(key EventKey, sub T) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.m[key].Has(sub)
}

// Subscribers returns the current subscribers of key, in no particular order.
func (s *Subscriptions[T]) Subscribers(key EventKey) []T {
	s.μ.Lock()
	defer s.μ.Unlock()
	set := s.m[key]
	out := make([]T, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

// Keys returns the keys that have at least one subscriber, in order.
func (s *Subscriptions[T]) Keys() []EventKey {
	s.μ.Lock()
	defer s.μ.Unlock()
	keys := make([]EventKey, 0, len(s.m))
	for key := range s.m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Service == keys[j].Service {
			return keys[i].Event < keys[j].Event
		}
		return keys[i].Service < keys[j].Service
	})
	return keys
}
