// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

package sshgate

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh/agent"
)

// AgentState classifies the ambient ssh-agent's readiness for
// unattended remote operations.
type AgentState int

const (
	// AgentReady means a running agent holds at least one key.
	AgentReady AgentState = iota

	// NeedsAgent means no usable agent is reachable: SSH_AUTH_SOCK is
	// unset, or nothing answers the agent protocol on it.
	NeedsAgent

	// NeedsCredential means an agent is running but its keyring is
	// empty; ssh-add must load a key before remote operations can run
	// without prompting.
	NeedsCredential
)

// String returns the state name for log lines and error messages.
func (s AgentState) String() string {
	switch s {
	case AgentReady:
		return "ready"
	case NeedsAgent:
		return "needs-agent"
	case NeedsCredential:
		return "needs-credential"
	default:
		return fmt.Sprintf("AgentState(%d)", int(s))
	}
}

// AgentStatus probes the ssh-agent at SSH_AUTH_SOCK and reports its
// readiness. This is a pure capability check: it never spawns an
// agent, prompts for a passphrase, or otherwise mutates anything. The
// caller decides how to act on each state.
func AgentStatus() (AgentState, error) {
	socketPath := os.Getenv("SSH_AUTH_SOCK")
	if socketPath == "" {
		return NeedsAgent, nil
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		// A stale SSH_AUTH_SOCK pointing at a dead agent is the same
		// situation as no agent at all.
		return NeedsAgent, nil
	}
	defer conn.Close()

	keys, err := agent.NewClient(conn).List()
	if err != nil {
		return NeedsAgent, fmt.Errorf("listing agent keys: %w", err)
	}
	if len(keys) == 0 {
		return NeedsCredential, nil
	}
	return AgentReady, nil
}
