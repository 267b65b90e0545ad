// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/imdbtune/pkg/bert"
	"github.com/gomlx/imdbtune/pkg/imdb"
	"github.com/gomlx/imdbtune/pkg/wordpiece"
	"github.com/pkg/errors"
)

// Encoded is a tokenized example with its label id.
type Encoded struct {
	wordpiece.Encoding
	Label int32
}

// Encode tokenizes all examples of split: every encoding has exactly tokenizer.MaxLength() tokens.
func Encode(tokenizer *wordpiece.Tokenizer, split *imdb.Split) []Encoded {
	encoded := make([]Encoded, split.Len())
	for ii, example := range split.Examples {
		encoded[ii] = Encoded{Encoding: tokenizer.Encode(example.Text), Label: int32(example.Label)}
	}
	return encoded
}

// newDataset creates an in-memory dataset yielding the inputs of bert.ClassifierGraph and the labels
// shaped [batchSize, 1].
//
// If rng is given the dataset is shuffled with it at every epoch. Incomplete last batches are kept.
func newDataset(backend backends.Backend, name string, examples []Encoded, batchSize int, rng *rand.Rand) (*datasets.InMemoryDataset, error) {
	if len(examples) == 0 {
		return nil, errors.Errorf("dataset %q is empty", name)
	}
	encodings := make([]wordpiece.Encoding, len(examples))
	labels := make([]int32, len(examples))
	for ii, e := range examples {
		encodings[ii] = e.Encoding
		labels[ii] = e.Label
	}
	inputs, err := bert.InputTensors(encodings)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	ds, err := datasets.InMemoryFromData(backend, name,
		[]any{inputs[0], inputs[1], inputs[2]},
		[]any{tensors.FromFlatDataAndDimensions(labels, len(labels), 1)})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create dataset %q", name)
	}
	ds.BatchSize(batchSize, false)
	if rng != nil {
		ds.Shuffle().WithRand(rng)
	}
	return ds, nil
}

// numBatches returns the number of batches per epoch, counting the incomplete last one.
func numBatches(numExamples, batchSize int) int {
	return (numExamples + batchSize - 1) / batchSize
}
