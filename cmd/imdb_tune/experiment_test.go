// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/imdbtune/pkg/artifacts"
	"github.com/gomlx/imdbtune/pkg/bert"
	"github.com/gomlx/imdbtune/pkg/bert/berttest"
	"github.com/gomlx/imdbtune/pkg/history"
	"github.com/gomlx/imdbtune/pkg/imdb"
	"github.com/gomlx/imdbtune/pkg/tune"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticSplit(name string, perClass int) *imdb.Split {
	texts, labels := berttest.Reviews(2 * perClass)
	split := &imdb.Split{Name: name}
	for ii, text := range texts {
		split.Examples = append(split.Examples, imdb.Example{Text: text, Label: imdb.Label(labels[ii])})
	}
	return split
}

func testConfig(t *testing.T) Config {
	config := configFromContext(createDefaultContext())
	config.OutputDir = t.TempDir()
	config.MaxLength = berttest.MaxLength
	config.TrainPerClass = 6
	config.EvalPerClass = 3
	config.NumEpochs = 2
	config.TrialEpochs = 2
	config.BatchSize = 4
	config.EvalSteps = 2
	config.NumTrials = 2
	config.LearningRate = 1e-3
	return config
}

func newTestExperiment(t *testing.T, config Config) *Experiment {
	return newExperimentOn(t, config, berttest.Backend(t))
}

// newExperimentOn creates an experiment with prepared data. The backend can be nil if no graph is executed.
func newExperimentOn(t *testing.T, config Config, backend backends.Backend) *Experiment {
	e, err := NewExperiment(config, backend, berttest.NewModel(t))
	require.NoError(t, err)
	require.NoError(t, e.PrepareData(syntheticSplit("train", 8), syntheticSplit("test", 4)))
	return e
}

func TestConfig(t *testing.T) {
	config := configFromContext(createDefaultContext())
	config.OutputDir = "/tmp/out"
	require.NoError(t, config.Validate())
	assert.Equal(t, 512, config.MaxLength)
	assert.Equal(t, 1250, config.TrainPerClass)
	assert.Equal(t, int64(42), config.Seed)
	assert.Equal(t, 5, config.NumEpochs)
	assert.Equal(t, 3, config.TrialEpochs)
	assert.Equal(t, 5, config.NumTrials)
	assert.Equal(t, 320, config.EvalSteps)

	noOutput := config
	noOutput.OutputDir = ""
	require.NoError(t, noOutput.Validate(), "output only required when persisting")
	noOutput.PersistTrials = true
	require.Error(t, noOutput.Validate())

	trial := config.trialConfig(3e-4, 0.05)
	assert.Equal(t, 3e-4, trial.LearningRate)
	assert.Equal(t, 0.05, trial.WeightDecay)
	assert.Equal(t, 320, trial.EvalSteps)
	assert.Equal(t, 3, trial.NumEpochs, "trials are shorter than the baseline")
	assert.Equal(t, 5, config.trainConfig().NumEpochs)
	assert.False(t, trial.Checkpoint)

	noTrialEpochs := config
	noTrialEpochs.TrialEpochs = 0
	require.Error(t, noTrialEpochs.Validate())
	noTrialEpochs.SkipSearch = true
	require.NoError(t, noTrialEpochs.Validate())

	_, err := NewExperiment(config, nil, berttest.NewModel(t))
	require.Error(t, err, "tokenizer max length doesn't match")
}

func TestPrepareData(t *testing.T) {
	e := newExperimentOn(t, testConfig(t), nil)
	assert.Len(t, e.trainExamples, 12)
	assert.Len(t, e.evalExamples, 6)
	assert.Equal(t, map[imdb.Label]int{imdb.Negative: 6, imdb.Positive: 6}, e.trainSubset.CountByLabel())
	for _, example := range e.trainExamples {
		assert.Len(t, example.IDs, berttest.MaxLength)
		assert.Len(t, example.AttentionMask, berttest.MaxLength)
	}

	config := testConfig(t)
	config.TrainPerClass = 100
	e, err := NewExperiment(config, nil, berttest.NewModel(t))
	require.NoError(t, err)
	err = e.PrepareData(syntheticSplit("train", 8), syntheticSplit("test", 4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, imdb.ErrInsufficientExamples))
}

func TestScheduler(t *testing.T) {
	config := testConfig(t)
	config.NumEpochs = 5
	for _, tc := range []struct {
		trialEpochs int
		want        [][]int
	}{
		{2, [][]int{{2}}},    // 6 steps.
		{3, [][]int{{2, 8}}}, // 9 steps.
	} {
		config.TrialEpochs = tc.trialEpochs
		scheduler, err := newExperimentOn(t, config, nil).Scheduler()
		require.NoError(t, err)
		assert.Equal(t, tc.want, scheduler.Milestones(), "trial epochs %d, baseline epochs don't matter", tc.trialEpochs)
	}
}

func TestBaselinePersistInfer(t *testing.T) {
	config := testConfig(t)
	config.PersistModel = true
	config.PersistLog = true
	e := newTestExperiment(t, config)

	metrics, err := e.TrainBaseline(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, metrics.Accuracy, 0.0)
	assert.LessOrEqual(t, metrics.Accuracy, 1.0)
	accuracies := e.history.EvalAccuracy()
	require.Len(t, accuracies, config.NumEpochs, "one evaluation per epoch")
	for _, acc := range accuracies {
		assert.GreaterOrEqual(t, acc, 0.0)
		assert.LessOrEqual(t, acc, 1.0)
	}

	written, err := e.Persist()
	require.NoError(t, err)
	assert.Contains(t, written, path.Join(config.OutputDir, ModelDir))
	var points []history.Point
	require.NoError(t, artifacts.Load(path.Join(config.OutputDir, artifacts.TrainingLog), &points))
	assert.Len(t, points, 3*config.NumEpochs)

	predictions, err := e.Classify("I loved the movie!")
	require.NoError(t, err)
	require.Len(t, predictions[0], 2)
	assert.ElementsMatch(t, []string{"negative", "positive"}, []string{predictions[0][0].Label, predictions[0][1].Label})
	assert.InDelta(t, 1.0, predictions[0][0].Score+predictions[0][1].Score, 1e-6)
	assert.GreaterOrEqual(t, predictions[0][0].Score, predictions[0][1].Score)

	require.NoError(t, os.RemoveAll(path.Join(config.OutputDir, ModelDir, bert.CheckpointDir)))
	_, err = e.Pipeline()
	require.Error(t, err, "persisted model artifacts are missing")
	assert.True(t, errors.Is(err, bert.ErrMissingArtifacts))
}

func TestPersistDisabled(t *testing.T) {
	config := testConfig(t)
	e := newTestExperiment(t, config)
	_, err := e.Pipeline()
	assert.True(t, errors.Is(err, bert.ErrMissingArtifacts), "nothing trained nor persisted")

	_, err = e.TrainBaseline(context.Background())
	require.NoError(t, err)
	written, err := e.Persist()
	require.NoError(t, err)
	assert.Empty(t, written)
	entries, err := os.ReadDir(config.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = e.Classify("great movie")
	require.NoError(t, err, "in-memory model used for inference")
}

func TestSearchCampaigns(t *testing.T) {
	config := testConfig(t)
	config.PersistTrials = true
	e := newTestExperiment(t, config)

	scheduler, err := e.Scheduler()
	require.NoError(t, err)
	assert.Equal(t, [][]int{{2}}, scheduler.Milestones(), "6 steps in total, rungs every 4x from 2")

	bo, err := tune.NewBayesOpt(tune.DefaultBayesOptConfig())
	require.NoError(t, err)
	tpe, err := tune.NewTPE(tune.DefaultTPEConfig())
	require.NoError(t, err)
	for _, c := range []struct {
		searcher tune.Searcher
		artifact string
	}{{bo, artifacts.BayesOptTrials}, {tpe, artifacts.TPETrials}} {
		analysis, err := e.Search(context.Background(), c.searcher.Name(), c.searcher, c.artifact)
		require.NoError(t, err, c.searcher.Name())
		require.NotNil(t, analysis.Best)
		assert.LessOrEqual(t, len(analysis.Trials), config.NumTrials)
		for _, r := range analysis.Trials {
			if r.Status == tune.Failed {
				continue
			}
			assert.GreaterOrEqual(t, analysis.Best.Objective, r.Objective)
			assert.GreaterOrEqual(t, r.Params[SearchLearningRate], config.LearningRateMin)
			assert.LessOrEqual(t, r.Params[SearchLearningRate], config.LearningRateMax)
		}

		var best tune.TrialResult
		require.NoError(t, artifacts.Load(path.Join(config.OutputDir, c.artifact), &best))
		assert.Equal(t, analysis.Best.ID, best.ID)
		df, err := artifacts.ReadCSV(path.Join(config.OutputDir, c.searcher.Name()+"_trials.csv"))
		require.NoError(t, err)
		assert.Equal(t, len(analysis.Trials), df.Nrow())
	}
}
