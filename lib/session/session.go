// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// Package session drives a complete launch: confirmation, job
// acquisition, tunnel establishment, browser handoff, and the
// blocking monitoring view — with deterministic teardown of the
// tunnel and the batch job on every exit path, interrupted or not.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nbtunnel/nbtunnel/lib/pbs"
	"github.com/nbtunnel/nbtunnel/lib/remote"
	"github.com/nbtunnel/nbtunnel/lib/tunnel"
)

// confirmThreshold is the CPU count above which the launch asks for
// explicit confirmation before touching the scheduler.
const confirmThreshold = 8

// ErrDeclined is returned when the user declines the large-request
// confirmation. No remote action has been taken when it is returned.
var ErrDeclined = errors.New("launch declined")

// JobController acquires a live notebook job. Implemented by
// remote.Controller.
type JobController interface {
	EnsureRunning(ctx context.Context, request pbs.JobRequest, onSubmitted func(jobID string)) (remote.Message, error)
}

// JobCanceller cancels a batch job during cleanup. Implemented by
// pbs.Client.
type JobCanceller interface {
	Cancel(ctx context.Context, jobID string) error
}

// Session wires the launch steps together. The function fields exist
// so the orchestration — ordering, scope transitions, failure paths —
// is testable without ssh, PBS, or a browser.
type Session struct {
	// ID identifies this invocation in log lines.
	ID uuid.UUID

	Controller JobController
	Canceller  JobCanceller

	// OpenTunnel opens the local forwarding tunnel. Production wiring
	// uses tunnel.Manager.Open.
	OpenTunnel func(ctx context.Context, remoteHost string, remotePort int) (*tunnel.Session, error)

	// WaitReady blocks until the forwarded endpoint answers.
	// Production wiring uses tunnel.WaitReady with the real clock.
	WaitReady func(ctx context.Context, url string) error

	// OpenBrowser opens the notebook URL locally. Nil skips the
	// browser (--no-browser). Failures are logged, not fatal — the
	// URL is printed either way.
	OpenBrowser func(url string) error

	// Monitor blocks on the remote monitoring view until ctx is
	// cancelled. Production wiring runs an interactive qstat watch
	// through the gateway.
	Monitor func(ctx context.Context, jobID string) error

	// RestoreSignals, when set, is called as cleanup begins so that a
	// second interrupt kills the process immediately instead of being
	// swallowed by the already-cancelled context.
	RestoreSignals func()

	// Input and Output carry the confirmation prompt and the final
	// URL line. Defaults are wired by the CLI to stdin/stdout.
	Input  io.Reader
	Output io.Writer

	Logger *slog.Logger
}

// confirmLargeRequest prompts before a large CPU request. Anything
// other than an explicit yes declines.
func (s *Session) confirmLargeRequest(cpus int) (bool, error) {
	fmt.Fprintf(s.Output, "This will request %d CPUs from the batch queue. Proceed? [y/N] ", cpus)
	line, err := bufio.NewReader(s.Input).ReadString('\n')
	if err != nil && line == "" {
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// Run executes the launch to completion. It returns nil on a normal
// or interrupted exit after cleanup, and an error when a stage fails.
// Cleanup of whatever scope is armed always runs before Run returns.
func (s *Session) Run(ctx context.Context, request pbs.JobRequest) error {
	logger := s.Logger.With("launch_id", s.ID.String())

	if request.CPUs > confirmThreshold {
		confirmed, err := s.confirmLargeRequest(request.CPUs)
		if err != nil {
			return err
		}
		if !confirmed {
			return ErrDeclined
		}
	}

	supervisor := NewSupervisor(logger)
	// The launch context is cancelled by the time cleanup runs on an
	// interrupt, so cleanup gets its own context.
	defer supervisor.Fire(context.Background())

	message, err := s.Controller.EnsureRunning(ctx, request, func(jobID string) {
		supervisor.Arm("queued", func(cleanupCtx context.Context) {
			if s.RestoreSignals != nil {
				s.RestoreSignals()
			}
			logger.Warn("cancelling queued job; interrupting again now will abandon it in the queue",
				"job_id", jobID)
			if err := s.Canceller.Cancel(cleanupCtx, jobID); err != nil {
				logger.Error("job cancel failed", "job_id", jobID, "error", err)
			}
		})
	})
	if err != nil {
		return err
	}
	logger.Info("notebook job is up",
		"job_id", message.JobID, "host", message.Host, "port", message.Port, "tag", string(message.Tag))

	tunnelSession, err := s.OpenTunnel(ctx, message.Host, message.Port)
	if err != nil {
		return err
	}
	supervisor.Arm("running", func(cleanupCtx context.Context) {
		if s.RestoreSignals != nil {
			s.RestoreSignals()
		}
		if err := tunnelSession.Close(); err != nil {
			logger.Error("tunnel teardown failed", "error", err)
		}
		if err := s.Canceller.Cancel(cleanupCtx, message.JobID); err != nil {
			logger.Error("job cancel failed", "job_id", message.JobID, "error", err)
		}
	})

	if err := s.WaitReady(ctx, tunnelSession.URL()); err != nil {
		return err
	}

	url := message.LocalURL(tunnelSession.LocalPort)
	fmt.Fprintf(s.Output, "Notebook running at %s\n", url)
	if s.OpenBrowser != nil {
		if err := s.OpenBrowser(url); err != nil {
			logger.Warn("could not open browser; open the URL manually", "error", err)
		}
	}

	// Block on the monitoring view until the user interrupts or the
	// job's walltime ends. Cancellation here is the normal way out.
	if err := s.Monitor(ctx, message.JobID); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
