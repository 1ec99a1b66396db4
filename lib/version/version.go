// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of the nbtunnel binary.
package version

// version is stamped at build time via
// -ldflags "-X github.com/nbtunnel/nbtunnel/lib/version.version=...".
var version = "dev"

// Info returns the version string for --version output and logs.
func Info() string {
	return version
}
