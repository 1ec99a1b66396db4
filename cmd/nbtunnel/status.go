// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nbtunnel/nbtunnel/lib/clock"
	"github.com/nbtunnel/nbtunnel/lib/pbs"
	"github.com/nbtunnel/nbtunnel/lib/remote"
	"github.com/nbtunnel/nbtunnel/lib/sshgate"
)

// statusCmd reports the recorded job's scheduler state and, when the
// job has published its connection message, the compute-node endpoint.
// Read-only: it never submits, cancels, or clears anything.
func statusCmd(args []string) error {
	flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
	connectionFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}

	debug, _ := flags.GetBool("debug")
	logger := newLogger(debug)

	cfg, err := resolveConfig(flags)
	if err != nil {
		return err
	}
	if err := ensureAgent(logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway := sshgate.New(cfg.User, cfg.Host)
	scheduler := pbs.NewClient(gateway)
	controller := remote.NewController(gateway, scheduler, clock.Real(), logger, cfg.Project, cfg.User)

	jobID, ok := controller.RecordedJobID(ctx)
	if !ok {
		fmt.Println("No recorded notebook job.")
		return nil
	}

	state, err := scheduler.State(ctx, jobID)
	if err != nil {
		return err
	}
	fmt.Printf("Job %s: %s\n", jobID, state)

	if message, ok := controller.PublishedMessage(ctx); ok {
		fmt.Printf("Notebook endpoint: %s:%d\n", message.Host, message.Port)
	}
	return nil
}
