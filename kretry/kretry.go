// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package kretry contains retry-policy utilities used for
// device-facing operations that the core write pipeline does not
// itself retry (e.g. a best-effort trim hint after truncation, or the
// initial open of a block device). Nothing in the write or recovery
// path retries a failed I/O automatically: per spec, a failed physical
// write fails the log.
package kretry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ktllog/core/kerrors"
)

// A Policy tells the caller whether to retry, and after how long.
type Policy interface {
	Retry(retry int) (bool, time.Duration)
}

// Wait sleeps according to policy's advice for the given retry count,
// or returns an error if the policy says to stop or ctx is done.
func Wait(ctx context.Context, policy Policy, retry int) error {
	keepGoing, wait := policy.Retry(retry)
	if !keepGoing {
		return kerrors.E(kerrors.Other, "gave up retrying")
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		return kerrors.E(kerrors.Other, "ran out of time while waiting for retry")
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type backoff struct {
	factor       float64
	initial, max time.Duration
}

// Backoff returns a Policy that starts at initial and multiplies by
// factor on each subsequent try, capped at max.
func Backoff(initial, max time.Duration, factor float64) Policy {
	return &backoff{factor: factor, initial: initial, max: max}
}

func (b *backoff) Retry(retries int) (bool, time.Duration) {
	ns := float64(b.initial) * math.Pow(b.factor, float64(retries))
	ns = math.Min(ns, float64(b.max))
	return true, time.Duration(int64(ns))
}

type jitter struct {
	policy Policy
	frac   float64
}

// Jitter randomizes frac of the wait time returned by policy.
func Jitter(policy Policy, frac float64) Policy {
	return &jitter{policy, frac}
}

func (j *jitter) Retry(retries int) (bool, time.Duration) {
	ok, wait := j.policy.Retry(retries)
	if wait > 0 && j.frac > 0 {
		prop := time.Duration(j.frac * float64(wait))
		if prop > 0 {
			wait = wait - prop + time.Duration(rand.Int63n(int64(prop)))
		}
	}
	return ok, wait
}

type maxTries struct {
	policy Policy
	max    int
}

// MaxRetries caps the number of attempts at n.
func MaxRetries(policy Policy, n int) Policy {
	if n < 1 {
		panic("kretry.MaxRetries: n < 1")
	}
	return &maxTries{policy, n - 1}
}

func (m *maxTries) Retry(retries int) (bool, time.Duration) {
	if retries > m.max {
		return false, 0
	}
	if m.policy != nil {
		return m.policy.Retry(retries)
	}
	return true, 0
}
