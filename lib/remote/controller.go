// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote owns the job side of the launch: the shared-storage
// work directory, the decision between submitting a new batch job and
// reattaching to a live one, and the wait for the job's published
// connection message.
//
// The work directory is keyed by (project, user) and holds three
// pieces of persisted state: "jobid" (the most recent submission),
// "message" (the connection parameters once the job is running), and
// the generated job script. It is created on first use, reused across
// invocations to enable reattachment, and never deleted by this tool.
//
// Scheduler state is polled indirectly through the message file
// rather than repeated status queries; qstat is consulted exactly
// once, during the reattachment check. Both waits poll at a fixed
// 5-second interval with no upper bound — queue waits are inherently
// unbounded, so a timeout at this layer could only misfire.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nbtunnel/nbtunnel/lib/clock"
	"github.com/nbtunnel/nbtunnel/lib/jobscript"
	"github.com/nbtunnel/nbtunnel/lib/pbs"
	"github.com/nbtunnel/nbtunnel/lib/retry"
)

// requiredGroups are the memberships a user must hold before a job is
// submitted: hh5 hosts the shared conda environments, w35 the shared
// tooling tree. Checked before any remote mutation.
var requiredGroups = []string{"hh5", "w35"}

// pollInterval is the fixed interval for the job-running wait.
const pollInterval = 5 * time.Second

// Runner executes commands and writes files on the login host.
// Implemented by sshgate.Gateway.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
	WriteFile(ctx context.Context, path string, data []byte) error
}

// Scheduler is the slice of the batch scheduler the controller needs.
// Implemented by pbs.Client.
type Scheduler interface {
	Submit(ctx context.Context, request pbs.JobRequest, scriptPath, logPath string) (string, error)
	State(ctx context.Context, jobID string) (pbs.State, error)
	Cancel(ctx context.Context, jobID string) error
}

// Controller manages the work directory and the batch job recorded in
// it for one (project, user) pair.
type Controller struct {
	runner    Runner
	scheduler Scheduler
	clk       clock.Clock
	logger    *slog.Logger
	workDir   string
}

// NewController returns a Controller for the given project and remote
// username. The work directory lives on the project's scratch mount.
func NewController(runner Runner, scheduler Scheduler, clk clock.Clock, logger *slog.Logger, project, user string) *Controller {
	return &Controller{
		runner:    runner,
		scheduler: scheduler,
		clk:       clk,
		logger:    logger,
		workDir:   fmt.Sprintf("/scratch/%s/%s/tmp/nbtunnel", project, user),
	}
}

// WorkDir returns the shared-storage work directory path.
func (c *Controller) WorkDir() string { return c.workDir }

func (c *Controller) jobIDPath() string   { return c.workDir + "/jobid" }
func (c *Controller) messagePath() string { return c.workDir + "/message" }
func (c *Controller) scriptPath() string  { return c.workDir + "/runjp.sh" }
func (c *Controller) logPath() string     { return c.workDir + "/pbs.log" }

// readFile returns a remote file's trimmed content, or ok=false when
// it cannot be read. Absence and unreadability are deliberately not
// distinguished: either way the state it would carry is unusable.
func (c *Controller) readFile(ctx context.Context, path string) (content string, ok bool) {
	stdout, err := c.runner.Run(ctx, "cat "+path)
	if err != nil {
		return "", false
	}
	content = strings.TrimSpace(stdout)
	return content, content != ""
}

// RecordedJobID returns the job ID persisted by the most recent
// submission, if any.
func (c *Controller) RecordedJobID(ctx context.Context) (string, bool) {
	return c.readFile(ctx, c.jobIDPath())
}

// PublishedMessage returns the currently published connection
// message, if one exists and parses.
func (c *Controller) PublishedMessage(ctx context.Context) (Message, bool) {
	line, ok := c.readFile(ctx, c.messagePath())
	if !ok {
		return Message{}, false
	}
	message, err := ParseMessage(line)
	if err != nil {
		return Message{}, false
	}
	return message, true
}

// ClearJobID removes the persisted job ID. Used by "nbtunnel stop"
// after a cancel so the next launch does not try to reattach.
func (c *Controller) ClearJobID(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, "rm -f "+c.jobIDPath()); err != nil {
		return fmt.Errorf("clearing recorded job ID: %w", err)
	}
	return nil
}

// checkGroups verifies the required group memberships and returns a
// join instruction for the first one that is missing.
func (c *Controller) checkGroups(ctx context.Context) error {
	memberships, err := c.groups(ctx)
	if err != nil {
		return err
	}
	held := make(map[string]bool, len(memberships))
	for _, group := range memberships {
		held[group] = true
	}
	for _, group := range requiredGroups {
		if !held[group] {
			return fmt.Errorf("your account is not a member of group %q; ask your project administrator to add you, then log out and back in", group)
		}
	}
	return nil
}

// malformedReadLimit is how many consecutive polls may observe a
// malformed message line before the wait gives up. The message lives
// on a shared filesystem, so a poll can land mid-write and see a
// partial line; a few extra polls let the write complete, while a line
// that stays malformed is a genuinely broken publication.
const malformedReadLimit = 3

// awaitMessage polls the work directory until the job publishes its
// connection message. Unbounded: the only exits are the message
// appearing, a persistently malformed message, or cancellation.
func (c *Controller) awaitMessage(ctx context.Context) (Message, error) {
	var message Message
	malformed := 0
	err := retry.Poll(ctx, c.clk, pollInterval, func(ctx context.Context) (bool, error) {
		line, ok := c.readFile(ctx, c.messagePath())
		if !ok {
			return false, nil
		}
		parsed, err := ParseMessage(line)
		if err != nil {
			malformed++
			if malformed >= malformedReadLimit {
				return false, err
			}
			c.logger.Debug("message file not yet complete", "attempt", malformed)
			return false, nil
		}
		message = parsed
		return true, nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("waiting for job connection message: %w", err)
	}
	return message, nil
}

// EnsureRunning returns the connection message of a live notebook
// job, reattaching to an existing queued or running job when the work
// directory records one, and submitting a new job otherwise. On a
// precondition failure the returned message carries TagError and no
// job is submitted.
//
// onSubmitted, when non-nil, is called with the scheduler job ID
// immediately after a new submission, before the unbounded message
// wait begins. The lifecycle supervisor uses it to arm queued-job
// cleanup. It is not called on reattachment — a job this invocation
// did not submit is not cancelled on its behalf.
func (c *Controller) EnsureRunning(ctx context.Context, request pbs.JobRequest, onSubmitted func(jobID string)) (Message, error) {
	if _, err := c.runner.Run(ctx, "mkdir -p "+c.workDir); err != nil {
		return Message{Tag: TagError}, fmt.Errorf("creating work directory %s: %w", c.workDir, err)
	}

	if err := c.checkGroups(ctx); err != nil {
		return Message{Tag: TagError}, err
	}

	// Reattachment: a recorded job that the scheduler still reports
	// as queued or running is reused instead of submitting a second
	// job on top of it.
	if jobID, ok := c.RecordedJobID(ctx); ok {
		state, err := c.scheduler.State(ctx, jobID)
		if err != nil {
			return Message{Tag: TagError}, err
		}
		switch state {
		case pbs.StateQueued, pbs.StateRunning:
			c.logger.Info("reattaching to existing job", "job_id", jobID, "state", state.String())
			message, err := c.awaitMessage(ctx)
			if err != nil {
				return Message{Tag: TagError}, err
			}
			message.Tag = TagReconnect
			return message, nil
		default:
			c.logger.Info("recorded job is no longer live, submitting a new one",
				"job_id", jobID, "state", state.String())
		}
	}

	// A stale message from a previous job must not be mistaken for
	// the new job's publication.
	if _, err := c.runner.Run(ctx, "rm -f "+c.messagePath()); err != nil {
		return Message{Tag: TagError}, fmt.Errorf("removing stale message file: %w", err)
	}

	storage, err := c.resolveStorage(ctx, request.Storage)
	if err != nil {
		return Message{Tag: TagError}, err
	}
	request.Storage = storage

	script, err := jobscript.Render(jobscript.Params{
		WorkDir:      c.workDir,
		Environment:  request.Environment,
		WorkerMemory: request.Memory,
	})
	if err != nil {
		return Message{Tag: TagError}, err
	}
	if err := c.runner.WriteFile(ctx, c.scriptPath(), []byte(script)); err != nil {
		return Message{Tag: TagError}, err
	}

	jobID, err := c.scheduler.Submit(ctx, request, c.scriptPath(), c.logPath())
	if err != nil {
		return Message{Tag: TagError}, err
	}
	if err := c.runner.WriteFile(ctx, c.jobIDPath(), []byte(jobID+"\n")); err != nil {
		// The job is in the queue but its ID was not persisted; the
		// caller's cleanup still knows the ID through onSubmitted, so
		// arm it before surfacing the error.
		if onSubmitted != nil {
			onSubmitted(jobID)
		}
		return Message{Tag: TagError}, fmt.Errorf("persisting job ID %s: %w", jobID, err)
	}
	c.logger.Info("job submitted", "job_id", jobID, "queue", request.Queue, "storage", request.Storage)
	if onSubmitted != nil {
		onSubmitted(jobID)
	}

	message, err := c.awaitMessage(ctx)
	if err != nil {
		return Message{Tag: TagError}, err
	}
	message.Tag = TagNew
	return message, nil
}
