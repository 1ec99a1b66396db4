// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"sync"
)

// Supervisor holds the one cleanup scope that is armed at any moment.
// The launch passes through two scopes: "queued" (cancel the batch
// job) from submission until the connection message is observed, and
// "running" (close the tunnel, then cancel the job) from tunnel
// establishment onward. Arming a scope replaces the previous one —
// the scopes supersede each other, they never both run.
//
// Fire runs the armed scope at most once, on any exit path. Cleanup
// failures are logged by the scope itself and never block exit.
type Supervisor struct {
	logger *slog.Logger

	mu      sync.Mutex
	name    string
	cleanup func(ctx context.Context)
	fired   bool
}

// NewSupervisor returns a Supervisor with no scope armed.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Arm installs a named cleanup scope, superseding any previous one.
func (s *Supervisor) Arm(name string, cleanup func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	s.cleanup = cleanup
}

// Fire runs the armed scope, if any. Only the first call does
// anything. The context is the caller's cleanup context, not the
// (typically already cancelled) launch context.
func (s *Supervisor) Fire(ctx context.Context) {
	s.mu.Lock()
	if s.fired || s.cleanup == nil {
		s.fired = true
		s.mu.Unlock()
		return
	}
	s.fired = true
	name, cleanup := s.name, s.cleanup
	s.mu.Unlock()

	s.logger.Debug("running cleanup scope", "scope", name)
	cleanup(ctx)
}
