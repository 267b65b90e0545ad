// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package berttest provides a tiny BERT classifier and a pure Go backend for tests of the packages
// built on top of bert.
package berttest

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/imdbtune/internal/testbackend"
	"github.com/gomlx/imdbtune/pkg/bert"
	"github.com/gomlx/imdbtune/pkg/wordpiece"
	"github.com/stretchr/testify/require"
)

// MaxLength of the sequences encoded by the tokenizer of NewModel.
const MaxLength = 12

// Vocab of the tiny tokenizer.
var Vocab = []string{
	wordpiece.PadToken, wordpiece.UnkToken, wordpiece.ClsToken, wordpiece.SepToken,
	"i", "loved", "the", "movie", "!", "hated", "it", "great", "awful",
}

// Config returns a 2 layer BERT configuration with hidden size 8.
func Config() *bert.Config {
	return &bert.Config{
		VocabSize:             len(Vocab),
		HiddenSize:            8,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		IntermediateSize:      16,
		HiddenAct:             "gelu",
		HiddenDropoutProb:     0,
		MaxPositionEmbeddings: 16,
		TypeVocabSize:         2,
		InitializerRange:      0.02,
		LayerNormEps:          1e-12,
		NumLabels:             2,
	}
}

// Backend returns the backend to execute the tiny model, see testbackend.New.
func Backend(t testing.TB) backends.Backend {
	return testbackend.New(t)
}

// Tokenizer over Vocab, lower-casing, with MaxLength.
func Tokenizer(t testing.TB) *wordpiece.Tokenizer {
	tokenizer, err := wordpiece.New(Vocab, wordpiece.WithMaxLength(MaxLength))
	require.NoError(t, err)
	return tokenizer
}

// NewModel returns a freshly initialized tiny classifier.
func NewModel(t testing.TB) *bert.Model {
	model, err := bert.New(Config(), Tokenizer(t), 42)
	require.NoError(t, err)
	return model
}

// Reviews returns n short reviews alternating between a positive (label 1) and a negative (label 0) one.
func Reviews(n int) (texts []string, labels []int) {
	positive := []string{"i loved the movie!", "great movie", "loved it!", "the movie was great"}
	negative := []string{"i hated the movie!", "awful movie", "hated it!", "the movie was awful"}
	for ii := 0; ii < n; ii++ {
		if ii%2 == 0 {
			texts = append(texts, positive[(ii/2)%len(positive)])
			labels = append(labels, 1)
		} else {
			texts = append(texts, negative[(ii/2)%len(negative)])
			labels = append(labels, 0)
		}
	}
	return
}
