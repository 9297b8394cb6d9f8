// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"math/rand"
	"net/http"
	"time"
)

// Backoff defaults.
const (
	defaultInitialInterval = 1 * time.Second
	defaultMaxInterval     = 15 * time.Second
	defaultOverloadFloor   = 5 * time.Second
	defaultJitterFactor    = 0.2
)

// Backoff computes adaptive poll intervals for the bootstrap wait
// loops: doubling on failure up to a cap, reset on success, and a
// forced floor while the gateway reports overload (502/504), so a
// proxy that is up before its upstream is not polled aggressively.
// Every interval carries ±jitter.
type Backoff struct {
	initial       time.Duration
	max           time.Duration
	overloadFloor time.Duration
	jitter        float64

	current    time.Duration
	overloaded bool
	rng        *rand.Rand
}

// NewBackoff returns a backoff with the default tuning.
func NewBackoff() *Backoff {
	return &Backoff{
		initial: defaultInitialInterval,
		max:     defaultMaxInterval,

		overloadFloor: defaultOverloadFloor,
		jitter:        defaultJitterFactor,
		current:       defaultInitialInterval,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Observe feeds one probe outcome into the backoff. Success resets the
// interval; failure doubles it (capped). A 502 or 504 additionally
// arms the overload floor until the next success.
func (b *Backoff) Observe(status int, success bool) {
	if success {
		b.current = b.initial
		b.overloaded = false
		return
	}
	b.overloaded = status == http.StatusBadGateway || status == http.StatusGatewayTimeout

	next := b.current * 2
	if next > b.max {
		next = b.max
	}
	b.current = next
}

// Next returns the jittered interval to sleep before the next probe.
func (b *Backoff) Next() time.Duration {
	interval := b.current
	if b.overloaded && interval < b.overloadFloor {
		interval = b.overloadFloor
	}
	return b.applyJitter(interval)
}

// applyJitter multiplies interval by a random factor in
// [1-jitter, 1+jitter].
func (b *Backoff) applyJitter(interval time.Duration) time.Duration {
	if b.jitter <= 0 {
		return interval
	}
	factor := 1 + b.jitter*(2*b.rng.Float64()-1)
	return time.Duration(float64(interval) * factor)
}

// Reset restores the initial interval and clears the overload flag.
func (b *Backoff) Reset() {
	b.current = b.initial
	b.overloaded = false
}

// sleepWithContext sleeps for d or until ctx is done, reporting whether
// the full sleep completed.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
