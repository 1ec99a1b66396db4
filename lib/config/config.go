// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for nbtunnel.
//
// Configuration is a single file of launch defaults, specified by the
// --config flag or the NBTUNNEL_CONFIG environment variable. There is
// no automatic discovery and no hidden override: without a file, the
// built-in defaults apply, and command-line flags always win over
// both. This keeps every launch's effective settings auditable from
// the command line plus at most one named file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"

	"gopkg.in/yaml.v3"
)

// Config holds the launch defaults a user would otherwise repeat on
// every invocation.
type Config struct {
	// User is the remote username on the login host.
	User string `yaml:"user"`

	// Host is the cluster login host.
	Host string `yaml:"host"`

	// Environment is the conda environment the job loads.
	Environment string `yaml:"environment"`

	// Queue is the PBS queue jobs are submitted to.
	Queue string `yaml:"queue"`

	// CPUs, GPUs, Memory, Walltime, and JobFS are the default
	// resource requests, in PBS syntax where textual.
	CPUs     int    `yaml:"cpus"`
	GPUs     int    `yaml:"gpus"`
	Memory   string `yaml:"memory"`
	Walltime string `yaml:"walltime"`
	JobFS    string `yaml:"jobfs"`

	// Project is the accounting project. Required; it also keys the
	// remote work directory.
	Project string `yaml:"project"`

	// Storage is an explicit PBS storage string. Empty means
	// auto-detect from group memberships.
	Storage string `yaml:"storage"`
}

// Default returns the built-in launch defaults. The remote username
// defaults to the local one, which is right for most cluster accounts
// and overridable everywhere.
func Default() Config {
	localUser := ""
	if current, err := user.Current(); err == nil {
		localUser = current.Username
	}
	return Config{
		User:        localUser,
		Host:        "gadi.nci.org.au",
		Environment: "analysis3",
		Queue:       "normal",
		CPUs:        4,
		Memory:      "16GB",
		Walltime:    "4:00:00",
		JobFS:       "10GB",
	}
}

// Load returns the configuration from NBTUNNEL_CONFIG when set, and
// the defaults otherwise.
func Load() (Config, error) {
	if path := os.Getenv("NBTUNNEL_CONFIG"); path != "" {
		return LoadFile(path)
	}
	return Default(), nil
}

// LoadFile reads a YAML configuration file over the defaults. Unknown
// keys are errors — a typoed key silently doing nothing is worse than
// a failed load.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	if c.User == "" {
		return fmt.Errorf("remote username is required (--user or config)")
	}
	if c.Host == "" {
		return fmt.Errorf("login host is required (--host or config)")
	}
	if c.Project == "" {
		return fmt.Errorf("project is required (--project or config)")
	}
	if c.CPUs < 1 {
		return fmt.Errorf("cpus must be at least 1, got %d", c.CPUs)
	}
	if c.GPUs < 0 {
		return fmt.Errorf("gpus must not be negative, got %d", c.GPUs)
	}
	return nil
}
