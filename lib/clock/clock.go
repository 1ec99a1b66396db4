// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for the polling
// loops in this tool. Both waits with real state — the job-running
// wait and the tunnel-readiness wait — run unbounded, so tests must
// be able to drive them with a deterministic clock instead of real
// sleeps. Production code injects Real(); tests inject Fake() and
// advance time explicitly.
package clock

import "time"

// Clock abstracts the time operations used by polling code. Any
// function that would otherwise call time.Now, time.After, or
// time.Sleep accepts a Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep blocks the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}
