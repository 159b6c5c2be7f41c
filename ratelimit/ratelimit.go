// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxKeys = 256

// Sampler limits how often an event is reported per key. Events over the
// allowance are counted, and the count is handed to the next allowed event
// so nothing is lost silently.
type Sampler struct {
	mu      sync.Mutex
	entries map[string]*entry
	rate    rate.Limit
	burst   int
	idle    time.Duration
	maxKeys int
	now     func() time.Time
}

type entry struct {
	limiter    *rate.Limiter
	suppressed uint64
	lastSeen   time.Time
}

// NewSampler creates a sampler allowing r events per second per key with
// the given burst. A non-positive r disables limiting. Keys unseen for idle
// are dropped once the sampler tracks many keys.
func NewSampler(r float64, burst int, idle time.Duration) *Sampler {
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Sampler{
		entries: make(map[string]*entry),
		rate:    limit,
		burst:   burst,
		idle:    idle,
		maxKeys: defaultMaxKeys,
		now:     time.Now,
	}
}

// Allow reports whether an event for key should be reported. When it
// should, it also returns how many events were suppressed since the last
// reported one.
func (s *Sampler) Allow(key string) (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok {
		if len(s.entries) >= s.maxKeys {
			s.pruneLocked(now)
		}
		e = &entry{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now

	if !e.limiter.AllowN(now, 1) {
		e.suppressed++
		return false, 0
	}
	suppressed := e.suppressed
	e.suppressed = 0
	return true, suppressed
}

// Len returns the number of tracked keys.
func (s *Sampler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Sampler) pruneLocked(now time.Time) {
	threshold := now.Add(-s.idle)
	for key, e := range s.entries {
		if e.lastSeen.Before(threshold) {
			delete(s.entries, key)
		}
	}
}
