// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// Package browser opens a URL in the user's default browser. Fire and
// forget: the opener is started, not awaited, and carries no state.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"
)

// openCommand returns the platform's URL opener and its arguments.
func openCommand(url string) (string, []string, error) {
	switch runtime.GOOS {
	case "linux":
		return "xdg-open", []string{url}, nil
	case "darwin":
		return "open", []string{url}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}, nil
	default:
		return "", nil, fmt.Errorf("no known browser opener for %s", runtime.GOOS)
	}
}

// Open launches the default browser at url. The browser process is
// not supervised; an error here means it could not be started at all.
func Open(url string) error {
	name, args, err := openCommand(url)
	if err != nil {
		return err
	}
	if err := exec.Command(name, args...).Start(); err != nil {
		return fmt.Errorf("opening browser with %s: %w", name, err)
	}
	return nil
}
