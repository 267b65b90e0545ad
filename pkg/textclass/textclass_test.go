// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textclass

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/imdbtune/pkg/bert"
	"github.com/gomlx/imdbtune/pkg/bert/berttest"
	"github.com/gomlx/imdbtune/pkg/imdb"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// biasTowards makes the classifier ignore its input and favor label id with the given margin.
func biasTowards(t *testing.T, model *bert.Model, id int, margin float32) {
	config := model.Config
	weights := model.Context().GetVariableByScopeAndName("/"+bert.ScopeClassifier+"/dense", "weights")
	biases := model.Context().GetVariableByScopeAndName("/"+bert.ScopeClassifier+"/dense", "biases")
	require.NotNil(t, weights, "classifier variables are created on first use")
	require.NotNil(t, biases)
	zeros := make([][]float32, config.HiddenSize)
	for ii := range zeros {
		zeros[ii] = make([]float32, config.NumLabels)
	}
	require.NoError(t, weights.SetValue(tensors.FromValue(zeros)))
	b := make([]float32, config.NumLabels)
	b[id] = margin
	require.NoError(t, biases.SetValue(tensors.FromValue(b)))
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float32{1, 1})
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, probs, 1e-12)
	probs = Softmax([]float32{1000, 0})
	assert.InDelta(t, 1.0, probs[0], 1e-9, "no overflow for large logits")
	assert.Empty(t, Softmax(nil))
}

func TestClassify(t *testing.T) {
	backend := berttest.Backend(t)
	model := berttest.NewModel(t)
	p, err := New(backend, model)
	require.NoError(t, err)

	predictions, err := p.Classify("I loved the movie!")
	require.NoError(t, err)
	require.Len(t, predictions, 2, "all labels are returned")
	assert.Equal(t, []string{"LABEL_0", "LABEL_1"}, []string{model.Config.LabelName(0), model.Config.LabelName(1)})
	assert.InDelta(t, 1.0, predictions[0].Score+predictions[1].Score, 1e-6)
	assert.GreaterOrEqual(t, predictions[0].Score, predictions[1].Score)

	require.NoError(t, p.WithLabels(imdb.Label2ID()))
	biasTowards(t, model, int(imdb.Positive), 5)
	predictions, err = p.Classify("I loved the movie!")
	require.NoError(t, err)
	top, ok := Top(predictions)
	require.True(t, ok)
	assert.Equal(t, "positive", top.Label)
	positive, _ := Score(predictions, "positive")
	negative, _ := Score(predictions, "negative")
	assert.Greater(t, positive, negative)

	// Exactly tied scores are ordered by label id.
	biasTowards(t, model, int(imdb.Positive), 0)
	predictions, err = p.Classify("hated it")
	require.NoError(t, err)
	assert.Equal(t, []string{"negative", "positive"}, []string{predictions[0].Label, predictions[1].Label})
	assert.Equal(t, predictions[0].Score, predictions[1].Score)
}

func TestClassifyBatch(t *testing.T) {
	backend := berttest.Backend(t)
	p, err := New(backend, berttest.NewModel(t))
	require.NoError(t, err)
	p.BatchSize = 2
	texts, _ := berttest.Reviews(5)
	batch, err := p.ClassifyBatch(texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))
	for ii, text := range texts {
		single, err := p.Classify(text)
		require.NoError(t, err)
		require.Len(t, batch[ii], 2)
		assert.Equal(t, single[0].Label, batch[ii][0].Label)
		assert.InDelta(t, single[0].Score, batch[ii][0].Score, 1e-5)
	}
	empty, err := p.ClassifyBatch(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLoad(t *testing.T) {
	backend := berttest.Backend(t)
	model := berttest.NewModel(t)
	p, err := New(backend, model)
	require.NoError(t, err)
	before, err := p.Classify("great movie")
	require.NoError(t, err)

	dir := path.Join(t.TempDir(), "model")
	require.NoError(t, model.Save(dir))
	loaded, err := Load(backend, dir)
	require.NoError(t, err)
	require.NoError(t, loaded.WithLabels(imdb.Label2ID()))
	after, err := loaded.Classify("great movie")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.InDelta(t, before[0].Score, after[0].Score, 1e-5)
	assert.Equal(t, imdb.LabelNames[before[0].ID], after[0].Label)

	require.NoError(t, os.RemoveAll(path.Join(dir, bert.CheckpointDir)))
	_, err = Load(backend, dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bert.ErrMissingArtifacts))

	_, err = Load(backend, path.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, bert.ErrMissingArtifacts))
}
