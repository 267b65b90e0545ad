// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package testbackend

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/stretchr/testify/assert"
)

func TestNewFromEnv(t *testing.T) {
	t.Setenv(backends.ConfigEnvVar, simplego.BackendName)
	backend := New(t)
	assert.NotNil(t, backend, "backend selected by $%s is used regardless of the number of CPUs", backends.ConfigEnvVar)
	assert.NotEmpty(t, backend.Description())
}
