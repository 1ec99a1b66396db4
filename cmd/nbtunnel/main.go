// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// nbtunnel runs a Jupyter notebook inside a PBS batch job on an HPC
// cluster and tunnels it to the local browser.
//
// Usage:
//
//	nbtunnel [launch] [flags]
//	nbtunnel stop [flags]
//	nbtunnel status [flags]
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/nbtunnel/nbtunnel/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]

	if len(args) > 0 {
		switch args[0] {
		case "--help", "-h", "help":
			printUsage()
			return nil
		case "--version", "version":
			fmt.Printf("nbtunnel %s\n", version.Info())
			return nil
		case "launch":
			return launchCmd(args[1:])
		case "stop":
			return stopCmd(args[1:])
		case "status":
			return statusCmd(args[1:])
		}
		if !strings.HasPrefix(args[0], "-") {
			return fmt.Errorf("unknown command %q (run 'nbtunnel --help' for usage)", args[0])
		}
	}

	// Bare flags mean launch, the common case.
	return launchCmd(args)
}

func printUsage() {
	fmt.Print(`nbtunnel - Jupyter on an HPC cluster, tunnelled to your browser

USAGE
    nbtunnel [launch] [flags]    submit (or reattach to) a notebook job and connect
    nbtunnel stop [flags]        cancel the recorded notebook job
    nbtunnel status [flags]      report the recorded job's state
    nbtunnel version             print version information

LAUNCH FLAGS
    --user        remote username on the login host
    --host        cluster login host
    --env         conda environment to load (default analysis3)
    --queue       PBS queue (default normal)
    --cpus        CPU count (default 4; >8 asks for confirmation)
    --gpus        GPU count (default 0)
    --mem         memory request (default 16GB)
    --walltime    walltime request (default 4:00:00)
    --jobfs       node-local scratch request (default 10GB)
    --project     accounting project (required)
    --storage     explicit PBS storage string (default: auto-detect)
    --config      YAML defaults file (or set NBTUNNEL_CONFIG)
    --no-browser  print the URL instead of opening a browser
    --debug       verbose logging
    --profile     write a CPU profile to nbtunnel.pprof

EXAMPLES
    # Launch with defaults, billing project w35
    nbtunnel --project w35

    # A bigger session on the GPU queue
    nbtunnel --project w35 --queue gpuvolta --cpus 12 --gpus 1 --mem 96GB

    # Reattach after a dropped connection: identical invocation,
    # nbtunnel finds the recorded job and reconnects to it
    nbtunnel --project w35

Interrupting a launch cancels the queued job, or tears down the tunnel
and cancels the running job. "nbtunnel stop" does the same for a job
recorded by an earlier invocation.
`)
}
