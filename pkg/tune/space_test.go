// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpace() Space {
	return Space{
		"learning_rate": LogUniform(1e-5, 5e-4),
		"weight_decay":  Uniform(0, 0.1),
	}
}

func TestDistributionValidate(t *testing.T) {
	require.NoError(t, LogUniform(1e-5, 5e-4).Validate())
	require.NoError(t, Uniform(0, 0.1).Validate())
	assert.Error(t, Uniform(1, 1).Validate())
	assert.Error(t, Uniform(2, 1).Validate())
	assert.Error(t, Uniform(math.NaN(), 1).Validate())
	assert.Error(t, Uniform(0, math.Inf(1)).Validate())
	assert.Error(t, LogUniform(0, 1).Validate())
	assert.Error(t, LogUniform(-1, 1).Validate())
	assert.Error(t, LogUniform(1e-3, 1e-4).Validate())

	assert.Error(t, Space{}.Validate())
	assert.Error(t, Space{"x": nil}.Validate())
	assert.Error(t, Space{"x": Uniform(0, 1), "y": LogUniform(0, 1)}.Validate())
	assert.Equal(t, "{learning_rate=loguniform(1e-05, 0.0005), weight_decay=uniform(0, 0.1)}", testSpace().String())
}

func TestDistributionUnit(t *testing.T) {
	lr := LogUniform(1e-5, 1e-3)
	assert.InDelta(t, 1e-5, lr.FromUnit(0), 1e-18)
	assert.InDelta(t, 1e-3, lr.FromUnit(1), 1e-15)
	assert.InDelta(t, 1e-4, lr.FromUnit(0.5), 1e-15, "log scale midpoint")
	assert.InDelta(t, 0.5, lr.ToUnit(1e-4), 1e-12)
	assert.Equal(t, 0.0, lr.ToUnit(-1))
	assert.Equal(t, 1.0, lr.ToUnit(1))

	wd := Uniform(0, 0.1)
	assert.InDelta(t, 0.05, wd.FromUnit(0.5), 1e-15)
	assert.Equal(t, 0.1, wd.FromUnit(2), "clamped")

	space := testSpace()
	assert.Equal(t, []string{"learning_rate", "weight_decay"}, space.Names())
	rng := rand.New(rand.NewSource(42))
	for range 100 {
		params := space.Sample(rng)
		require.Len(t, params, 2)
		assert.GreaterOrEqual(t, params["learning_rate"], 1e-5)
		assert.LessOrEqual(t, params["learning_rate"], 5e-4)
		assert.GreaterOrEqual(t, params["weight_decay"], 0.0)
		assert.LessOrEqual(t, params["weight_decay"], 0.1)
		back := space.FromUnit(space.ToUnit(params))
		assert.InDelta(t, params["learning_rate"], back["learning_rate"], 1e-12)
		assert.InDelta(t, params["weight_decay"], back["weight_decay"], 1e-12)
	}

	assert.True(t, space.Equal(testSpace()))
	assert.False(t, space.Equal(Space{"learning_rate": LogUniform(1e-5, 5e-4)}))
	assert.False(t, space.Equal(Space{"learning_rate": LogUniform(1e-5, 5e-4), "weight_decay": Uniform(0, 0.2)}))
}

func TestQuantile(t *testing.T) {
	assert.Equal(t, 3.0, quantile([]float64{3}, 0.5))
	assert.Equal(t, 2.0, quantile([]float64{1, 3}, 0.5))
	assert.Equal(t, 2.5, quantile([]float64{1, 2, 3, 4}, 0.5))
	assert.Equal(t, 4.0, quantile([]float64{1, 2, 3, 4}, 1))
	assert.Equal(t, 1.0, quantile([]float64{1, 2, 3, 4}, 0))
}
