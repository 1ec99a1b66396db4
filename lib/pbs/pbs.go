// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// Package pbs provides typed access to the PBS batch scheduler
// commands (qsub, qstat, qdel) as executed on a cluster login host.
// The package never talks to the scheduler directly: every command
// goes through a Runner, which in production is the SSH gateway and
// in tests a scripted fake.
package pbs

import (
	"context"
	"fmt"
	"strings"
)

// Runner executes a shell command on the login host and returns its
// stdout. Implemented by sshgate.Gateway.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// JobRequest describes the resources of a notebook batch job. It is
// constructed once from user input and passed unchanged to qsub.
type JobRequest struct {
	// Queue is the PBS queue name (e.g., "normal", "gpuvolta").
	Queue string

	// CPUs is the ncpus resource request.
	CPUs int

	// GPUs is the ngpus resource request. Zero omits the flag
	// entirely, since CPU-only queues reject it.
	GPUs int

	// Memory is the mem request in PBS syntax (e.g., "16GB").
	Memory string

	// Walltime is the walltime request (e.g., "4:00:00").
	Walltime string

	// JobFS is the per-node scratch request (e.g., "10GB").
	JobFS string

	// Project is the accounting project the job is billed to.
	Project string

	// Storage is the resolved storage-access string (e.g.,
	// "gdata/hh5+scratch/w35"). Computed by the job controller, not
	// by the user directly.
	Storage string

	// Environment is the conda environment the job script loads.
	// Not a scheduler resource; carried here so the descriptor is
	// the single immutable record of what was requested.
	Environment string
}

// State is a coarse classification of a PBS job's scheduler state.
type State int

const (
	// StateQueued means the job is waiting in the queue (PBS "Q").
	StateQueued State = iota
	// StateRunning means the job is executing (PBS "R").
	StateRunning
	// StateOther covers every other live state (held, exiting,
	// suspended, finished). Reattachment treats these as dead.
	StateOther
	// StateGone means the scheduler no longer knows the job ID.
	StateGone
)

// String returns the state name for log lines.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateOther:
		return "other"
	case StateGone:
		return "gone"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Client issues scheduler commands through a Runner.
type Client struct {
	runner Runner
}

// NewClient returns a Client that runs scheduler commands through
// runner.
func NewClient(runner Runner) *Client {
	return &Client{runner: runner}
}

// SubmitCommand builds the qsub command line for a request. Separated
// from Submit so the flag construction is testable without a runner.
func SubmitCommand(request JobRequest, scriptPath, logPath string) string {
	parts := []string{
		"qsub",
		"-N", "nbtunnel",
		"-q", request.Queue,
		"-P", request.Project,
		"-j", "oe",
		"-o", logPath,
		"-l", "ncpus=" + fmt.Sprint(request.CPUs),
		"-l", "mem=" + request.Memory,
		"-l", "walltime=" + request.Walltime,
		"-l", "jobfs=" + request.JobFS,
	}
	if request.GPUs > 0 {
		parts = append(parts, "-l", "ngpus="+fmt.Sprint(request.GPUs))
	}
	if request.Storage != "" {
		parts = append(parts, "-l", "storage="+request.Storage)
	}
	parts = append(parts, scriptPath)
	return strings.Join(parts, " ")
}

// Submit submits the script at scriptPath with the request's resource
// flags and returns the scheduler-assigned job ID. A rejection by the
// scheduler propagates as the command's failure; there is no retry.
func (c *Client) Submit(ctx context.Context, request JobRequest, scriptPath, logPath string) (string, error) {
	stdout, err := c.runner.Run(ctx, SubmitCommand(request, scriptPath, logPath))
	if err != nil {
		return "", fmt.Errorf("qsub: %w", err)
	}
	jobID := strings.TrimSpace(stdout)
	if jobID == "" {
		return "", fmt.Errorf("qsub succeeded but printed no job ID")
	}
	return jobID, nil
}

// State reports the scheduler's view of a job. A job ID the scheduler
// no longer knows yields StateGone with no error.
func (c *Client) State(ctx context.Context, jobID string) (State, error) {
	stdout, err := c.runner.Run(ctx, "qstat -f "+jobID)
	if err != nil {
		if strings.Contains(err.Error(), "Unknown Job Id") {
			return StateGone, nil
		}
		return StateGone, fmt.Errorf("qstat %s: %w", jobID, err)
	}
	return parseJobState(stdout), nil
}

// parseJobState extracts the job_state attribute from qstat -f output.
func parseJobState(output string) State {
	for _, line := range strings.Split(output, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found || strings.TrimSpace(key) != "job_state" {
			continue
		}
		switch strings.TrimSpace(value) {
		case "Q":
			return StateQueued
		case "R":
			return StateRunning
		default:
			return StateOther
		}
	}
	return StateOther
}

// Cancel asks the scheduler to delete a job. Whether a failure here is
// fatal is the caller's decision — during cleanup it is logged and
// ignored.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if _, err := c.runner.Run(ctx, "qdel "+jobID); err != nil {
		return fmt.Errorf("qdel %s: %w", jobID, err)
	}
	return nil
}
