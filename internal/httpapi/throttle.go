// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	throttleSweepEvery = time.Minute
	throttleIdleAfter  = 10 * time.Minute
)

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sourceThrottle keeps one token bucket per client address. Idle buckets
// are swept lazily so the map stays bounded by recent sources.
type sourceThrottle struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	now       func() time.Time
	sources   map[string]*sourceLimiter
	lastSweep time.Time
}

func newSourceThrottle(rps float64, burst int, now func() time.Time) *sourceThrottle {
	if burst < 1 {
		burst = 1
	}
	return &sourceThrottle{
		limit:     rate.Limit(rps),
		burst:     burst,
		now:       now,
		sources:   make(map[string]*sourceLimiter),
		lastSweep: now(),
	}
}

func (t *sourceThrottle) allow(source string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Sub(t.lastSweep) >= throttleSweepEvery {
		t.sweep(now)
	}

	s, ok := t.sources[source]
	if !ok {
		s = &sourceLimiter{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.sources[source] = s
	}
	s.lastSeen = now
	return s.limiter.AllowN(now, 1)
}

func (t *sourceThrottle) sweep(now time.Time) {
	for source, s := range t.sources {
		if now.Sub(s.lastSeen) > throttleIdleAfter {
			delete(t.sources, source)
		}
	}
	t.lastSweep = now
}

func (t *sourceThrottle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}
