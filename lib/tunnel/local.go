// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultStartPort is where the local port scan begins. Jupyter's
// conventional port, so the local URL looks like a local notebook.
const DefaultStartPort = 8888

// portScanLimit bounds the scan. A machine with this many consecutive
// occupied ports has a bigger problem than a missing notebook.
const portScanLimit = 100

// probeTimeout bounds the connect attempt per port. Localhost either
// accepts or refuses near-instantly; the timeout covers firewalled
// setups that silently drop.
const probeTimeout = 250 * time.Millisecond

// FreeLocalPort scans upward from start and returns the first port
// not currently accepting connections. The probe is a raw connect
// attempt: a successful connection means the port is taken, a refusal
// means it is free to forward to.
func FreeLocalPort(start int) (int, error) {
	for port := start; port < start+portScanLimit; port++ {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), probeTimeout)
		if err != nil {
			return port, nil
		}
		conn.Close()
	}
	return 0, fmt.Errorf("no free local port in %d..%d", start, start+portScanLimit-1)
}
