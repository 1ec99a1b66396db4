// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/nbtunnel/nbtunnel/lib/sshgate"
)

// agentMarkerEnv marks a process already relaunched under a fresh
// ssh-agent, so a broken agent setup cannot cause an exec loop.
const agentMarkerEnv = "NBTUNNEL_SPAWNED_AGENT"

// ensureAgent makes the ambient ssh-agent usable before any remote
// operation. With no agent at all it replaces this process with
// "ssh-agent nbtunnel <same args>", which re-enters here exactly once
// with the agent running; with an empty keyring it runs ssh-add
// interactively and re-checks.
func ensureAgent(logger *slog.Logger) error {
	state, err := sshgate.AgentStatus()
	if err != nil {
		return fmt.Errorf("probing ssh-agent: %w", err)
	}

	switch state {
	case sshgate.AgentReady:
		return nil

	case sshgate.NeedsAgent:
		if os.Getenv(agentMarkerEnv) != "" {
			return fmt.Errorf("ssh-agent is still unreachable after spawning one; check your ssh installation")
		}
		logger.Info("no ssh-agent found, restarting under a fresh one")
		return relaunchUnderAgent()

	case sshgate.NeedsCredential:
		fmt.Fprintln(os.Stderr, "Your ssh-agent holds no keys. Adding one now:")
		add := exec.Command("ssh-add")
		add.Stdin = os.Stdin
		add.Stdout = os.Stdout
		add.Stderr = os.Stderr
		if err := add.Run(); err != nil {
			return fmt.Errorf("ssh-add: %w", err)
		}
		state, err = sshgate.AgentStatus()
		if err != nil {
			return fmt.Errorf("probing ssh-agent after ssh-add: %w", err)
		}
		if state != sshgate.AgentReady {
			return fmt.Errorf("ssh-agent is %s after ssh-add", state)
		}
		return nil
	}
	return fmt.Errorf("unexpected agent state %s", state)
}

// relaunchUnderAgent replaces the current process with itself wrapped
// in ssh-agent. On success it does not return.
func relaunchUnderAgent() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating own binary: %w", err)
	}
	agentPath, err := exec.LookPath("ssh-agent")
	if err != nil {
		return fmt.Errorf("ssh-agent is not installed: %w", err)
	}

	argv := append([]string{"ssh-agent", self}, os.Args[1:]...)
	env := append(os.Environ(), agentMarkerEnv+"=1")
	if err := unix.Exec(agentPath, argv, env); err != nil {
		return fmt.Errorf("exec ssh-agent: %w", err)
	}
	return nil
}
