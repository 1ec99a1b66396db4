// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// Package sshgate provides typed access to the ssh CLI for remote
// execution and port forwarding through a cluster login host. All
// operations go through a Gateway bound to a specific user@host
// destination, which is injected into every ssh invocation — there is
// no way to run a remote command without saying which login host it
// targets.
//
// Authentication is delegated entirely to the ambient ssh-agent.
// [AgentStatus] reports whether the agent is usable before any remote
// operation is attempted; the caller decides how to repair a missing
// agent or an empty keyring.
package sshgate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Gateway represents an SSH destination (a cluster login host reached
// as a specific remote user). All remote commands and tunnels run
// through it.
type Gateway struct {
	user string
	host string
}

// New returns a Gateway for user@host.
func New(user, host string) *Gateway {
	return &Gateway{user: user, host: host}
}

// Dest returns the user@host destination string passed to ssh.
func (g *Gateway) Dest() string {
	return g.user + "@" + g.host
}

// runArgs builds the argument list for a one-shot remote command.
// BatchMode keeps ssh from prompting for a passphrase mid-run: by the
// time a Gateway is used the agent has already been verified, so any
// prompt would indicate a broken setup and should fail instead of
// hanging a polling loop.
func (g *Gateway) runArgs(command string) []string {
	return []string{"-o", "BatchMode=yes", g.Dest(), "--", command}
}

// Run executes a command on the login host and returns its stdout.
// Stderr is captured separately and folded into the error on failure.
func (g *Gateway) Run(ctx context.Context, command string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ssh", g.runArgs(command)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ssh %s %q: %w (stderr: %s)",
			g.Dest(), command, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// WriteFile writes data to a file on the login host's filesystem by
// streaming it to a remote "cat". The parent directory must exist.
func (g *Gateway) WriteFile(ctx context.Context, path string, data []byte) error {
	command := fmt.Sprintf("cat > %q", path)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ssh", g.runArgs(command)...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("writing %s on %s: %w (stderr: %s)",
			path, g.Dest(), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Interactive returns an *exec.Cmd for a remote command with a forced
// pseudo-terminal, without starting it. The caller wires Stdin, Stdout,
// and Stderr and owns the process. Used for the blocking monitoring
// view and for credential prompts that need a terminal.
func (g *Gateway) Interactive(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "ssh", "-t", g.Dest(), "--", command)
}

// Check verifies that the login host is reachable and the agent
// credential is accepted, before any remote side effects occur. Any
// failure here aborts startup.
func (g *Gateway) Check(ctx context.Context) error {
	if _, err := g.Run(ctx, "true"); err != nil {
		return fmt.Errorf("login host %s is not reachable: %w", g.host, err)
	}
	return nil
}
