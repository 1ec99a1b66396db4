// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry provides the cancellable poll-with-interval primitive
// shared by every wait in this tool. Batch-queue wait times are
// inherently unbounded, so Poll applies no maximum attempt count and
// no backoff: the only exits are success, a check error, or context
// cancellation.
package retry

import (
	"context"
	"time"

	"github.com/nbtunnel/nbtunnel/lib/clock"
)

// Poll calls check immediately and then once per interval until check
// reports done, check returns an error, or ctx is cancelled. The
// context error is returned on cancellation, including cancellation
// that arrives while sleeping between attempts.
func Poll(ctx context.Context, clk clock.Clock, interval time.Duration, check func(ctx context.Context) (done bool, err error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
		}
	}
}
