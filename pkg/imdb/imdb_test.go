// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imdb

import (
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticSplit creates a split with numNeg negative and numPos positive examples, interleaved.
func syntheticSplit(numNeg, numPos int) *Split {
	split := &Split{Name: "synthetic"}
	for ii := 0; ii < max(numNeg, numPos); ii++ {
		if ii < numNeg {
			split.Examples = append(split.Examples, Example{Text: fmt.Sprintf("neg-%d", ii), Label: Negative, Rating: 1})
		}
		if ii < numPos {
			split.Examples = append(split.Examples, Example{Text: fmt.Sprintf("pos-%d", ii), Label: Positive, Rating: 10})
		}
	}
	return split
}

func TestBalancedSubset(t *testing.T) {
	split := syntheticSplit(3000, 2000)
	subset, err := BalancedSubset(split, 1250, 42)
	require.NoError(t, err)
	require.Equal(t, 2500, subset.Len())
	counts := subset.CountByLabel()
	assert.Equal(t, 1250, counts[Negative])
	assert.Equal(t, 1250, counts[Positive])

	// No duplicates.
	seen := make(map[string]bool, subset.Len())
	for _, e := range subset.Examples {
		require.False(t, seen[e.Text], "duplicate example %q", e.Text)
		seen[e.Text] = true
	}

	// The original split is left untouched.
	assert.Equal(t, "neg-0", split.Examples[0].Text)
	assert.Equal(t, "pos-0", split.Examples[1].Text)
}

func TestBalancedSubsetDeterministic(t *testing.T) {
	split := syntheticSplit(500, 600)
	first, err := BalancedSubset(split, 200, 42)
	require.NoError(t, err)
	second, err := BalancedSubset(split, 200, 42)
	require.NoError(t, err)
	assert.Equal(t, first.Examples, second.Examples)

	other, err := BalancedSubset(split, 200, 7)
	require.NoError(t, err)
	assert.NotEqual(t, first.Examples, other.Examples)

	// Final order is shuffled: labels are mixed, not grouped.
	var switches int
	for ii := 1; ii < first.Len(); ii++ {
		if first.Examples[ii].Label != first.Examples[ii-1].Label {
			switches++
		}
	}
	assert.Greater(t, switches, 50)
}

func TestBalancedSubsetInsufficient(t *testing.T) {
	split := syntheticSplit(100, 10)
	_, err := BalancedSubset(split, 50, 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientExamples))
	assert.Contains(t, err.Error(), "positive")

	_, err = BalancedSubset(split, 0, 42)
	require.Error(t, err)
}

func TestBalancedSubsets(t *testing.T) {
	train, test := syntheticSplit(20, 20), syntheticSplit(20, 20)
	subsets, err := BalancedSubsets(SubsetConfig{PerClass: 5, Seed: 42}, train, test)
	require.NoError(t, err)
	require.Len(t, subsets, 2)
	assert.Equal(t, subsets[0].Examples, subsets[1].Examples, "identically constructed subsets")
}

func writeReview(t *testing.T, dir, name, contents string) {
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(path.Join(dir, name), []byte(contents), 0644))
}

func TestLoadIndividualFilesAndCache(t *testing.T) {
	baseDir := t.TempDir()
	root := path.Join(baseDir, LocalDir)
	writeReview(t, path.Join(root, "train", "neg"), "0_2.txt", "Boring.<br />Really boring.")
	writeReview(t, path.Join(root, "train", "pos"), "1_9.txt", "Loved it!")
	writeReview(t, path.Join(root, "train", "pos"), "2_10.txt", "Masterpiece.")
	writeReview(t, path.Join(root, "train", "unsup"), "3_0.txt", "Ignored.")
	writeReview(t, path.Join(root, "test", "neg"), "4_1.txt", "Awful.")
	writeReview(t, path.Join(root, "test", "pos"), "5_8.txt", "Nice.")

	train, test, err := LoadIndividualFiles(baseDir)
	require.NoError(t, err)
	require.Equal(t, 3, train.Len())
	assert.Equal(t, Example{Text: "Boring. Really boring.", Label: Negative, Rating: 2}, train.Examples[0])
	assert.Equal(t, Positive, train.Examples[1].Label)
	assert.Equal(t, 10, train.Examples[2].Rating)
	assert.Equal(t, 2, test.Len())

	// Load goes through the cache once it is written, without trying to download.
	require.NoError(t, saveBinary(baseDir, train, test))
	cachedTrain, cachedTest, err := Load(baseDir)
	require.NoError(t, err)
	assert.Equal(t, train, cachedTrain)
	assert.Equal(t, test, cachedTest)
}

func TestLabels(t *testing.T) {
	assert.Equal(t, "negative", Negative.String())
	assert.Equal(t, "positive", Positive.String())
	assert.Equal(t, map[string]int{"negative": 0, "positive": 1}, Label2ID())
}
