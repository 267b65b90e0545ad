// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package textclass implements a text classification pipeline over a fine-tuned bert.Model: texts go
// in, and every label comes out with its probability, ranked.
package textclass

import (
	"math"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/imdbtune/pkg/bert"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBatchSize is the maximum number of texts sent to the model at once by ClassifyBatch.
const DefaultBatchSize = 32

// Prediction is the score of one label for one text.
type Prediction struct {
	Label string
	ID    int
	Score float64
}

// Pipeline classifies texts with a model. It is safe for concurrent use.
type Pipeline struct {
	Model     *bert.Model
	Backend   backends.Backend
	BatchSize int
}

// New creates a pipeline running model on backend.
func New(backend backends.Backend, model *bert.Model) (*Pipeline, error) {
	if backend == nil || model == nil {
		return nil, errors.New("textclass.New requires a backend and a model")
	}
	return &Pipeline{Model: model, Backend: backend, BatchSize: DefaultBatchSize}, nil
}

// Load a model saved with bert.Model.Save from dir, along with its tokenizer.
// It fails with an error wrapping bert.ErrMissingArtifacts if dir doesn't hold a saved model.
func Load(backend backends.Backend, dir string) (*Pipeline, error) {
	model, err := bert.Load(dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load classification pipeline from %q", dir)
	}
	klog.V(1).Infof("textclass: loaded %d-label model from %q", model.Config.NumLabels, dir)
	return New(backend, model)
}

// WithLabels attaches label names to the model, see bert.Config.WithLabels.
func (p *Pipeline) WithLabels(label2id map[string]int) error {
	return p.Model.Config.WithLabels(label2id)
}

// Classify returns the probability of every label for text, sorted from most to least likely.
// Ties are ordered by label id. Scores add up to 1.
func (p *Pipeline) Classify(text string) ([]Prediction, error) {
	predictions, err := p.ClassifyBatch([]string{text})
	if err != nil {
		return nil, err
	}
	return predictions[0], nil
}

// ClassifyBatch is like Classify for several texts at once.
func (p *Pipeline) ClassifyBatch(texts []string) ([][]Prediction, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	results := make([][]Prediction, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		encodings := p.Model.Tokenizer.EncodeBatch(texts[start:end])
		logits, err := p.Model.Logits(p.Backend, encodings)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to classify texts %d to %d", start, end-1)
		}
		for _, row := range logits {
			results = append(results, p.rank(Softmax(row)))
		}
	}
	return results, nil
}

func (p *Pipeline) rank(probs []float64) []Prediction {
	predictions := make([]Prediction, len(probs))
	for id, score := range probs {
		predictions[id] = Prediction{Label: p.Model.Config.LabelName(id), ID: id, Score: score}
	}
	slices.SortStableFunc(predictions, func(a, b Prediction) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return a.ID - b.ID
	})
	return predictions
}

// Softmax of logits, computed in float64 with the maximum subtracted first.
func Softmax(logits []float32) []float64 {
	probs := make([]float64, len(logits))
	if len(logits) == 0 {
		return probs
	}
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = max(maxLogit, float64(l))
	}
	var sum float64
	for ii, l := range logits {
		probs[ii] = math.Exp(float64(l) - maxLogit)
		sum += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= sum
	}
	return probs
}

// Top returns the most likely label of the predictions returned by Classify.
func Top(predictions []Prediction) (Prediction, bool) {
	if len(predictions) == 0 {
		return Prediction{}, false
	}
	return predictions[0], true
}

// Score returns the score of label in predictions, and whether it was found.
func Score(predictions []Prediction, label string) (float64, bool) {
	for _, p := range predictions {
		if p.Label == label {
			return p.Score, true
		}
	}
	return 0, false
}
