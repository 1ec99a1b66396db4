// Copyright 2026 The Nbtunnel Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobscript renders the batch job payload that PBS runs on a
// compute node. The script is built from typed parameters through a
// single template render; constructing the payload and shipping it to
// the login host are separate steps so each can be tested on its own.
//
// Once scheduled, the script picks a free port by binding port zero,
// generates an unguessable access token, exports the Dask settings
// that let the notebook start a local cluster with no extra user
// configuration, publishes "<host> <token> <jobid> <port>" to the
// work directory's message file, and then execs the notebook server
// in the foreground for the rest of the walltime. Writing the message
// file is the first observable side effect after port and token are
// known — its presence is the sole signal that the job is connectable.
package jobscript

import (
	"fmt"
	"strings"
	"text/template"
)

// Params are the values substituted into the job script. All fields
// are required.
type Params struct {
	// WorkDir is the shared-storage work directory; the script writes
	// its message file there.
	WorkDir string

	// Environment is the conda environment to load (e.g., "analysis3").
	Environment string

	// WorkerMemory is the per-job memory limit handed to Dask workers
	// (e.g., "16GB").
	WorkerMemory string
}

const scriptTemplate = `#!/bin/bash
#PBS -l wd
set -eu

module use /g/data/hh5/public/modules
module load conda/{{.Environment}}

port=$(python3 - <<'PY'
import socket
s = socket.socket()
s.bind(("", 0))
print(s.getsockname()[1])
s.close()
PY
)
token=$(python3 -c 'import secrets; print(secrets.token_hex(16))')

export DASK_LABEXTENSION__FACTORY__MODULE=dask.distributed
export DASK_LABEXTENSION__FACTORY__CLASS=LocalCluster
export DASK_LABEXTENSION__FACTORY__KWARGS__N_WORKERS="${PBS_NCPUS}"
export DASK_LABEXTENSION__FACTORY__KWARGS__MEMORY_LIMIT="{{.WorkerMemory}}"
export DASK_LABEXTENSION__FACTORY__KWARGS__LOCAL_DIRECTORY="${PBS_JOBFS}"
export DASK_DISTRIBUTED__DASHBOARD__LINK="/proxy/{port}/status"

echo "$(hostname) ${token} ${PBS_JOBID} ${port}" > "{{.WorkDir}}/message"

exec jupyter lab --no-browser --ip="$(hostname)" --port="${port}" --ServerApp.token="${token}"
`

var parsed = template.Must(template.New("runjp").Parse(scriptTemplate))

// Render produces the job script text for the given parameters.
func Render(params Params) (string, error) {
	if params.WorkDir == "" {
		return "", fmt.Errorf("job script: work directory is required")
	}
	if params.Environment == "" {
		return "", fmt.Errorf("job script: environment name is required")
	}
	if params.WorkerMemory == "" {
		return "", fmt.Errorf("job script: worker memory is required")
	}

	var buffer strings.Builder
	if err := parsed.Execute(&buffer, params); err != nil {
		return "", fmt.Errorf("rendering job script: %w", err)
	}
	return buffer.String(), nil
}
