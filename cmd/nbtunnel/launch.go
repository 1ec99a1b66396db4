// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/nbtunnel/nbtunnel/lib/browser"
	"github.com/nbtunnel/nbtunnel/lib/clock"
	"github.com/nbtunnel/nbtunnel/lib/config"
	"github.com/nbtunnel/nbtunnel/lib/pbs"
	"github.com/nbtunnel/nbtunnel/lib/remote"
	"github.com/nbtunnel/nbtunnel/lib/session"
	"github.com/nbtunnel/nbtunnel/lib/sshgate"
	"github.com/nbtunnel/nbtunnel/lib/tunnel"
)

// gatewayForwarder adapts sshgate.Gateway's concrete tunnel type to
// the tunnel.Forwarder interface.
type gatewayForwarder struct {
	gateway *sshgate.Gateway
}

func (f gatewayForwarder) OpenTunnel(ctx context.Context, localPort int, remoteHost string, remotePort int) (io.Closer, error) {
	return f.gateway.OpenTunnel(ctx, localPort, remoteHost, remotePort)
}

// connectionFlags are the flags shared by every subcommand that talks
// to the cluster.
func connectionFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "YAML defaults file")
	flags.String("user", "", "remote username on the login host")
	flags.String("host", "", "cluster login host")
	flags.String("project", "", "accounting project")
	flags.Bool("debug", false, "verbose logging")
}

// resolveConfig loads defaults (built-in, then the config file if one
// is named by flag or NBTUNNEL_CONFIG) and overlays every flag the
// user actually set.
func resolveConfig(flags *pflag.FlagSet) (config.Config, error) {
	var cfg config.Config
	var err error
	if path, _ := flags.GetString("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}

	overlay := map[string]func(*pflag.Flag){
		"user":     func(f *pflag.Flag) { cfg.User = f.Value.String() },
		"host":     func(f *pflag.Flag) { cfg.Host = f.Value.String() },
		"env":      func(f *pflag.Flag) { cfg.Environment = f.Value.String() },
		"queue":    func(f *pflag.Flag) { cfg.Queue = f.Value.String() },
		"mem":      func(f *pflag.Flag) { cfg.Memory = f.Value.String() },
		"walltime": func(f *pflag.Flag) { cfg.Walltime = f.Value.String() },
		"jobfs":    func(f *pflag.Flag) { cfg.JobFS = f.Value.String() },
		"project":  func(f *pflag.Flag) { cfg.Project = f.Value.String() },
		"storage":  func(f *pflag.Flag) { cfg.Storage = f.Value.String() },
		"cpus":     func(f *pflag.Flag) { cfg.CPUs, _ = flags.GetInt("cpus") },
		"gpus":     func(f *pflag.Flag) { cfg.GPUs, _ = flags.GetInt("gpus") },
	}
	flags.Visit(func(f *pflag.Flag) {
		if apply, ok := overlay[f.Name]; ok {
			apply(f)
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func launchCmd(args []string) error {
	flags := pflag.NewFlagSet("launch", pflag.ContinueOnError)
	connectionFlags(flags)
	flags.String("env", "", "conda environment to load")
	flags.String("queue", "", "PBS queue")
	flags.Int("cpus", 0, "CPU count")
	flags.Int("gpus", 0, "GPU count")
	flags.String("mem", "", "memory request")
	flags.String("walltime", "", "walltime request")
	flags.String("jobfs", "", "node-local scratch request")
	flags.String("storage", "", "explicit PBS storage string")
	flags.Bool("no-browser", false, "print the URL instead of opening a browser")
	flags.Bool("profile", false, "write a CPU profile to nbtunnel.pprof")
	if err := flags.Parse(args); err != nil {
		return err
	}

	debug, _ := flags.GetBool("debug")
	logger := newLogger(debug)

	cfg, err := resolveConfig(flags)
	if err != nil {
		return err
	}

	if profile, _ := flags.GetBool("profile"); profile {
		out, err := os.Create("nbtunnel.pprof")
		if err != nil {
			return fmt.Errorf("creating profile: %w", err)
		}
		defer out.Close()
		if err := pprof.StartCPUProfile(out); err != nil {
			return fmt.Errorf("starting profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	if err := ensureAgent(logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway := sshgate.New(cfg.User, cfg.Host)
	logger.Debug("checking login host", "dest", gateway.Dest())
	if err := gateway.Check(ctx); err != nil {
		return err
	}

	clk := clock.Real()
	scheduler := pbs.NewClient(gateway)
	controller := remote.NewController(gateway, scheduler, clk, logger, cfg.Project, cfg.User)
	manager := tunnel.NewManager(gatewayForwarder{gateway})

	sess := &session.Session{
		ID:         uuid.New(),
		Controller: controller,
		Canceller:  scheduler,
		OpenTunnel: manager.Open,
		WaitReady: func(ctx context.Context, url string) error {
			return tunnel.WaitReady(ctx, clk, nil, url)
		},
		Monitor: func(ctx context.Context, jobID string) error {
			watch := gateway.Interactive(ctx, "watch -n 30 qstat "+jobID)
			watch.Stdin = os.Stdin
			watch.Stdout = os.Stdout
			watch.Stderr = os.Stderr
			return watch.Run()
		},
		RestoreSignals: stop,
		Input:          os.Stdin,
		Output:         os.Stdout,
		Logger:         logger,
	}
	if noBrowser, _ := flags.GetBool("no-browser"); !noBrowser {
		sess.OpenBrowser = browser.Open
	}

	request := pbs.JobRequest{
		Queue:       cfg.Queue,
		CPUs:        cfg.CPUs,
		GPUs:        cfg.GPUs,
		Memory:      cfg.Memory,
		Walltime:    cfg.Walltime,
		JobFS:       cfg.JobFS,
		Project:     cfg.Project,
		Storage:     cfg.Storage,
		Environment: cfg.Environment,
	}

	err = sess.Run(ctx, request)
	if errors.Is(err, session.ErrDeclined) {
		logger.Info("launch declined, nothing submitted")
		return nil
	}
	return err
}
