// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package testbackend selects the backend used by tests that execute graphs.
package testbackend

import (
	"os"
	"runtime"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/stretchr/testify/require"
)

// MinCPUs required to execute graphs with the pure Go backend: with fewer its workers pool can
// stall executions waiting on nested work.
const MinCPUs = 2

// New returns the backend set in $GOMLX_BACKEND, or the pure Go backend if it is not set.
//
// The test is skipped if the pure Go backend would run on a machine with fewer than MinCPUs:
// set $GOMLX_BACKEND to run it anyway, or with another backend.
func New(t testing.TB) backends.Backend {
	if config, found := os.LookupEnv(backends.ConfigEnvVar); found && config != "" {
		backend, err := backends.NewWithConfig(config)
		require.NoError(t, err, "failed to create backend $%s=%q", backends.ConfigEnvVar, config)
		return backend
	}
	if numCPU := runtime.NumCPU(); numCPU < MinCPUs {
		t.Skipf("pure Go backend needs %d CPUs, only %d available: set $%s to select a backend",
			MinCPUs, numCPU, backends.ConfigEnvVar)
	}
	backend, err := backends.NewWithConfig(simplego.BackendName)
	require.NoError(t, err)
	return backend
}
