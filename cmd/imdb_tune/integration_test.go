// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"testing"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/imdbtune/pkg/bert"
	"github.com/gomlx/imdbtune/pkg/imdb"
	"github.com/gomlx/imdbtune/pkg/textclass"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// integrationEnv enables the tests that download IMDB and the pretrained model. Set it to "full"
// to also run the complete baseline training, which takes long on the pure Go backend.
const integrationEnv = "IMDBTUNE_INTEGRATION"

func skipUnlessIntegration(t *testing.T, levels ...string) {
	value := os.Getenv(integrationEnv)
	if value == "" {
		t.Skipf("set %s=1 to run integration tests", integrationEnv)
	}
	for _, level := range levels {
		if value != level {
			t.Skipf("set %s=%s to run this test", integrationEnv, level)
		}
	}
}

func newIntegrationExperiment(t *testing.T) (*Experiment, *imdb.Split, *imdb.Split) {
	config := configFromContext(createDefaultContext())
	config.OutputDir = t.TempDir()
	config.DataDir = os.Getenv("IMDBTUNE_DATA")
	if config.DataDir == "" {
		config.DataDir = "~/tmp/imdb"
	}
	train, test, err := imdb.Load(config.DataDir)
	require.NoError(t, err)
	repo := hub.New(config.ModelID).WithAuth(os.Getenv("HF_TOKEN"))
	template, err := bert.FromHub(repo, imdb.NumLabels, config.Seed, config.tokenizerOptions()...)
	require.NoError(t, err)
	backend := must.M1(backends.New())
	e, err := NewExperiment(config, backend, template)
	require.NoError(t, err)
	return e, train, test
}

func TestIntegrationPrepareData(t *testing.T) {
	skipUnlessIntegration(t)
	e, train, test := newIntegrationExperiment(t)
	assert.Equal(t, 25000, train.Len())
	assert.Equal(t, 25000, test.Len())
	require.NoError(t, e.PrepareData(train, test))
	assert.Len(t, e.trainExamples, 2500)
	assert.Len(t, e.evalExamples, 2500)
	assert.Equal(t, map[imdb.Label]int{imdb.Negative: 1250, imdb.Positive: 1250}, e.evalSubset.CountByLabel())
	for _, example := range e.trainExamples {
		require.Len(t, example.IDs, 512)
	}

	// Same seed, same subset.
	again, err := imdb.BalancedSubset(train, 1250, 42)
	require.NoError(t, err)
	assert.Equal(t, e.trainSubset.Examples, again.Examples)
}

func TestIntegrationBaseline(t *testing.T) {
	skipUnlessIntegration(t, "full")
	e, train, test := newIntegrationExperiment(t)
	require.NoError(t, e.PrepareData(train, test))
	metrics, err := e.TrainBaseline(context.Background())
	require.NoError(t, err)
	assert.Greater(t, metrics.Accuracy, 0.7)
	assert.Len(t, e.history.EvalAccuracy(), 5)

	pipeline, err := e.Pipeline()
	require.NoError(t, err)
	predictions, err := pipeline.Classify("I loved the movie!")
	require.NoError(t, err)
	positive, _ := textclass.Score(predictions, "positive")
	negative, _ := textclass.Score(predictions, "negative")
	assert.InDelta(t, 1.0, positive+negative, 1e-6)
	assert.Greater(t, positive, negative)
}
