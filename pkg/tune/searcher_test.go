// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drive runs n sequential suggest/observe rounds of searcher over peak and returns the params suggested.
func drive(t *testing.T, searcher Searcher, n int) []Params {
	require.NoError(t, searcher.Setup(testSpace(), Maximize))
	var suggested []Params
	for ii := range n {
		id := fmt.Sprintf("t%d", ii)
		params, err := searcher.Suggest(id)
		require.NoError(t, err)
		suggested = append(suggested, params)
		require.NoError(t, searcher.Observe(id, TrialResult{ID: id, Params: params, Status: Completed, Objective: peak(params)}))
	}
	return suggested
}

func TestSearchersDeterministic(t *testing.T) {
	first, second := newSearchers(t), newSearchers(t)
	for ii := range first {
		assert.Equal(t, drive(t, first[ii], 6), drive(t, second[ii], 6), first[ii].Name())
	}
}

func TestSearcherErrors(t *testing.T) {
	for _, searcher := range newSearchers(t) {
		_, err := searcher.Suggest("a")
		assert.Error(t, err, "%s: suggest before setup", searcher.Name())
		require.NoError(t, searcher.Setup(testSpace(), Maximize))
		assert.Error(t, searcher.Setup(testSpace(), Maximize), "%s: setup twice", searcher.Name())
		assert.Error(t, searcher.Observe("unknown", TrialResult{Status: Completed, Objective: 1}))

		// Failed trials are accepted but ignored.
		_, err = searcher.Suggest("a")
		require.NoError(t, err)
		require.NoError(t, searcher.Observe("a", TrialResult{ID: "a", Status: Failed, Objective: math.NaN()}))
	}

	_, err := NewBayesOpt(BayesOptConfig{})
	assert.Error(t, err)
	_, err = NewTPE(TPEConfig{})
	assert.Error(t, err)
	config := DefaultBayesOptConfig()
	config.Acquisition = "thompson"
	_, err = NewBayesOpt(config)
	assert.Error(t, err)
}

func TestBayesOptAcquisitions(t *testing.T) {
	for _, acq := range []Acquisition{ExpectedImprovement, ProbabilityOfImprovement, UpperConfidenceBound} {
		config := DefaultBayesOptConfig()
		config.Acquisition = acq
		bo, err := NewBayesOpt(config)
		require.NoError(t, err)
		for _, params := range drive(t, bo, 6) {
			assert.Len(t, params, 2, string(acq))
		}
	}
}

func TestGaussianProcess(t *testing.T) {
	x := [][]float64{{0.1}, {0.5}, {0.9}}
	y := []float64{1, 3, 2}
	gp, err := fitGaussianProcess(x, y, 0.2, 1e-9)
	require.NoError(t, err)
	for ii := range x {
		mean, variance := gp.predict(x[ii])
		assert.InDelta(t, gp.standardize(y[ii]), mean, 1e-4, "interpolates observations")
		assert.InDelta(t, 0, variance, 1e-4)
	}
	_, variance := gp.predict([]float64{0.3})
	assert.Greater(t, variance, 0.01, "uncertain between observations")
}

func TestParzenEstimator(t *testing.T) {
	p := newParzenEstimator([]float64{0.2, 0.25}, 1)
	assert.Greater(t, p.logProb(0.22), p.logProb(0.8))
	var sum float64
	for _, w := range p.weights {
		sum += w
	}
	assert.InDelta(t, 1, sum, 1e-12)

	u := 0.0
	uniform := func() float64 { u += 0.1; return math.Mod(u, 1) }
	normal := func() float64 { return 0 }
	for range 10 {
		x := p.sample(uniform, normal)
		assert.GreaterOrEqual(t, x, 0.0)
		assert.LessOrEqual(t, x, 1.0)
	}
}
