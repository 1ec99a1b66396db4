// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

package sshgate

import (
	"context"
	"fmt"
	"os/exec"
)

// Tunnel is a background ssh port-forward from a local port to a
// remote host:port, via the gateway's login host. Its lifetime is
// bounded by the parent process; Close tears it down on every exit
// path.
type Tunnel struct {
	LocalPort  int
	RemoteHost string
	RemotePort int

	cmd *exec.Cmd
}

// tunnelArgs builds the argument list for a forwarding tunnel. -N
// skips the remote command (forward only); ExitOnForwardFailure makes
// a local bind conflict fail the process instead of degrading to a
// connection with no forward.
func (g *Gateway) tunnelArgs(localPort int, remoteHost string, remotePort int) []string {
	return []string{
		"-o", "BatchMode=yes",
		"-o", "ExitOnForwardFailure=yes",
		"-N",
		"-L", fmt.Sprintf("%d:%s:%d", localPort, remoteHost, remotePort),
		g.Dest(),
	}
}

// OpenTunnel starts a background port-forward and returns immediately
// once the ssh process has been spawned. Readiness of the forwarded
// endpoint is the caller's concern — ssh gives no signal for it.
func (g *Gateway) OpenTunnel(ctx context.Context, localPort int, remoteHost string, remotePort int) (*Tunnel, error) {
	cmd := exec.CommandContext(ctx, "ssh", g.tunnelArgs(localPort, remoteHost, remotePort)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting tunnel %d -> %s:%d via %s: %w",
			localPort, remoteHost, remotePort, g.Dest(), err)
	}
	return &Tunnel{
		LocalPort:  localPort,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		cmd:        cmd,
	}, nil
}

// Close terminates the tunnel process and reaps it. The process is
// expected to die from the kill, so its exit status is not an error.
func (t *Tunnel) Close() error {
	if t.cmd.Process == nil {
		return nil
	}
	if err := t.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing tunnel process: %w", err)
	}
	_ = t.cmd.Wait()
	return nil
}
