// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel manages the local end of the notebook connection: it
// picks a free local port, opens a background forwarding tunnel
// through the SSH gateway to the compute node, and waits for the
// forwarded HTTP endpoint to answer.
//
// Open returns as soon as the tunnel process is spawned; the ssh
// client gives no readiness signal for a forward, so readiness is
// confirmed by WaitReady probing the forwarded endpoint instead.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nbtunnel/nbtunnel/lib/clock"
	"github.com/nbtunnel/nbtunnel/lib/retry"
)

// readyInterval is the probe interval for the forwarded endpoint.
const readyInterval = time.Second

// Forwarder opens a background port-forward. Implemented by
// sshgate.Gateway.
type Forwarder interface {
	OpenTunnel(ctx context.Context, localPort int, remoteHost string, remotePort int) (io.Closer, error)
}

// Session is an established tunnel: the local port the browser talks
// to, the compute-node endpoint it forwards to, and the transport
// process keeping it alive. Its lifetime is bounded by this process;
// Close runs on every exit path.
type Session struct {
	LocalPort  int
	RemoteHost string
	RemotePort int

	handle io.Closer
}

// NewSession wraps an already-open transport handle as a Session.
// Manager.Open is the production path; this exists so callers that
// supervise tunnels can be tested with a fake handle.
func NewSession(localPort int, remoteHost string, remotePort int, handle io.Closer) *Session {
	return &Session{
		LocalPort:  localPort,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		handle:     handle,
	}
}

// URL returns the local root of the forwarded notebook server.
func (s *Session) URL() string {
	return fmt.Sprintf("http://localhost:%d/", s.LocalPort)
}

// Close tears down the tunnel process.
func (s *Session) Close() error {
	return s.handle.Close()
}

// Manager opens tunnel sessions through a Forwarder.
type Manager struct {
	forwarder Forwarder

	// StartPort overrides where the local port scan begins. Zero
	// means DefaultStartPort.
	StartPort int
}

// NewManager returns a Manager that forwards through forwarder.
func NewManager(forwarder Forwarder) *Manager {
	return &Manager{forwarder: forwarder}
}

// Open picks the first free local port and spawns a background
// forward to remoteHost:remotePort. It returns once the transport
// process exists; use WaitReady to confirm the forward works.
func (m *Manager) Open(ctx context.Context, remoteHost string, remotePort int) (*Session, error) {
	start := m.StartPort
	if start == 0 {
		start = DefaultStartPort
	}
	localPort, err := FreeLocalPort(start)
	if err != nil {
		return nil, err
	}

	handle, err := m.forwarder.OpenTunnel(ctx, localPort, remoteHost, remotePort)
	if err != nil {
		return nil, err
	}
	return &Session{
		LocalPort:  localPort,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		handle:     handle,
	}, nil
}

// WaitReady polls url once per second until it answers an HTTP
// request. Any response counts — the notebook server redirects
// unauthenticated requests rather than refusing them. Unbounded: a
// job that starts slowly holds the tunnel open for as long as the
// user is willing to wait.
func WaitReady(ctx context.Context, clk clock.Clock, client *http.Client, url string) error {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	err := retry.Poll(ctx, clk, readyInterval, func(ctx context.Context) (bool, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		response, err := client.Do(request)
		if err != nil {
			return false, nil
		}
		io.Copy(io.Discard, response.Body)
		response.Body.Close()
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for %s to answer: %w", url, err)
	}
	return nil
}
