// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"strings"
)

// fixedStorage is always part of the storage string: the shared conda
// environments and the shared tooling tree live on these mounts.
var fixedStorage = []string{"gdata/hh5", "gdata/w35"}

// excludedGroups are administrative memberships that do not correspond
// to storage mounts and are skipped during auto-detection.
var excludedGroups = map[string]bool{
	"access.admin": true,
	"access.dev":   true,
}

// groups returns the remote account's group memberships.
func (c *Controller) groups(ctx context.Context) ([]string, error) {
	stdout, err := c.runner.Run(ctx, "id -nG")
	if err != nil {
		return nil, fmt.Errorf("listing group memberships: %w", err)
	}
	return strings.Fields(stdout), nil
}

// storageProbeCommand builds the single remote command that reports,
// one per line, which scratch and gdata mounts exist for the given
// groups. The trailing "true" keeps the command's exit status zero
// when the final test fails.
func storageProbeCommand(groups []string) string {
	var buffer strings.Builder
	buffer.WriteString("for g in " + strings.Join(groups, " ") + "; do ")
	buffer.WriteString(`[ -d /scratch/$g ] && echo scratch/$g; `)
	buffer.WriteString(`[ -d /g/data/$g ] && echo gdata/$g; `)
	buffer.WriteString("done; true")
	return buffer.String()
}

// resolveStorage computes the PBS storage-access string for the job.
// A user-supplied string wins; otherwise every group with an existing
// scratch or gdata mount contributes an entry, administrative groups
// excluded. The fixed mounts are always appended, deduplicated.
func (c *Controller) resolveStorage(ctx context.Context, userStorage string) (string, error) {
	var entries []string
	if userStorage != "" {
		entries = strings.Split(userStorage, "+")
	} else {
		memberships, err := c.groups(ctx)
		if err != nil {
			return "", err
		}
		var probed []string
		for _, group := range memberships {
			if !excludedGroups[group] {
				probed = append(probed, group)
			}
		}
		if len(probed) > 0 {
			stdout, err := c.runner.Run(ctx, storageProbeCommand(probed))
			if err != nil {
				return "", fmt.Errorf("probing storage mounts: %w", err)
			}
			entries = strings.Fields(stdout)
		}
	}

	seen := make(map[string]bool)
	var storage []string
	for _, entry := range append(entries, fixedStorage...) {
		if entry == "" || seen[entry] {
			continue
		}
		seen[entry] = true
		storage = append(storage, entry)
	}
	return strings.Join(storage, "+"), nil
}
