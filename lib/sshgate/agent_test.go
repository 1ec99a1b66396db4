// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

package sshgate_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh/agent"

	"github.com/nbtunnel/nbtunnel/lib/sshgate"
)

// serveKeyring runs an in-process ssh-agent on a Unix socket and
// points SSH_AUTH_SOCK at it for the duration of the test.
func serveKeyring(t *testing.T, keyring agent.Agent) {
	t.Helper()

	// Unix socket paths are length-limited, so use a short directory
	// in /tmp rather than t.TempDir().
	directory, err := os.MkdirTemp("/tmp", "nbt-agent-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(directory) })

	socketPath := filepath.Join(directory, "agent.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listening on agent socket: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				_ = agent.ServeAgent(keyring, conn)
				_ = conn.Close()
			}()
		}
	}()

	t.Setenv("SSH_AUTH_SOCK", socketPath)
}

func TestAgentStatusNoSocket(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	state, err := sshgate.AgentStatus()
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	if state != sshgate.NeedsAgent {
		t.Errorf("state = %v, want needs-agent", state)
	}
}

func TestAgentStatusDeadSocket(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "/nonexistent/agent.sock")

	state, err := sshgate.AgentStatus()
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	if state != sshgate.NeedsAgent {
		t.Errorf("state = %v, want needs-agent", state)
	}
}

func TestAgentStatusEmptyKeyring(t *testing.T) {
	serveKeyring(t, agent.NewKeyring())

	state, err := sshgate.AgentStatus()
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	if state != sshgate.NeedsCredential {
		t.Errorf("state = %v, want needs-credential", state)
	}
}

func TestAgentStatusReady(t *testing.T) {
	keyring := agent.NewKeyring()
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	if err := keyring.Add(agent.AddedKey{PrivateKey: privateKey, Comment: "test"}); err != nil {
		t.Fatalf("adding key to keyring: %v", err)
	}
	serveKeyring(t, keyring)

	state, err := sshgate.AgentStatus()
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	if state != sshgate.AgentReady {
		t.Errorf("state = %v, want ready", state)
	}
}
