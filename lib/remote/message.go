// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag classifies how a connection message was obtained.
type Tag string

const (
	// TagNew marks a message from a job submitted by this invocation.
	TagNew Tag = "NEW"
	// TagReconnect marks a message recovered from a job that was
	// already queued or running when this invocation started.
	TagReconnect Tag = "RECONNECT"
	// TagError marks a failed precondition; no job was submitted.
	TagError Tag = "ERROR"
)

// Message is the connection record a running job publishes to the
// work directory: where the notebook server listens and the token
// that gates access to it. Produced exactly once per live job by the
// batch script; consumed exactly once per invocation.
type Message struct {
	// Host is the compute node the notebook server is bound to.
	Host string

	// Token is the security token required by the notebook server.
	Token string

	// JobID is the scheduler's identifier for the job, as seen by the
	// compute node (PBS_JOBID).
	JobID string

	// Port is the notebook server's port on the compute node.
	Port int

	// Tag records whether this invocation submitted the job or
	// reattached to it.
	Tag Tag
}

// ParseMessage parses the fixed 4-field wire format
// "<host> <token> <jobid> <port>" published by the batch script.
func ParseMessage(line string) (Message, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 4 {
		return Message{}, fmt.Errorf("malformed connection message: want 4 fields, got %d in %q", len(fields), strings.TrimSpace(line))
	}
	port, err := strconv.Atoi(fields[3])
	if err != nil {
		return Message{}, fmt.Errorf("malformed connection message port %q: %w", fields[3], err)
	}
	return Message{
		Host:  fields[0],
		Token: fields[1],
		JobID: fields[2],
		Port:  port,
	}, nil
}

// LocalURL returns the browser URL for this message once a tunnel is
// listening on localPort.
func (m Message) LocalURL(localPort int) string {
	return fmt.Sprintf("http://localhost:%d/?token=%s", localPort, m.Token)
}
