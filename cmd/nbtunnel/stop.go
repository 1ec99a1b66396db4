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

// stopCmd cancels the job recorded in the work directory, for when a
// launch's own cleanup did not run (dropped connection, killed
// terminal) and the job is still burning allocation.
func stopCmd(args []string) error {
	flags := pflag.NewFlagSet("stop", pflag.ContinueOnError)
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

	if err := scheduler.Cancel(ctx, jobID); err != nil {
		return err
	}
	if err := controller.ClearJobID(ctx); err != nil {
		return err
	}
	logger.Info("job cancelled", "job_id", jobID)
	fmt.Printf("Cancelled job %s.\n", jobID)
	return nil
}
