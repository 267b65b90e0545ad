// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imdb

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// ErrInsufficientExamples is returned by BalancedSubset when a label has fewer examples than requested.
var ErrInsufficientExamples = errors.New("insufficient examples for balanced subset")

// SubsetConfig configures BalancedSubset.
type SubsetConfig struct {
	// PerClass is the number of examples selected for each label.
	PerClass int

	// Seed used by every shuffle: the same seed always yields the same subset.
	Seed int64
}

// DefaultSubsetConfig returns 1250 examples per class, shuffled with seed 42.
func DefaultSubsetConfig() SubsetConfig {
	return SubsetConfig{PerClass: 1250, Seed: 42}
}

// BalancedSubset builds a subset of split with exactly perClass examples of each label.
//
// Each label is filtered independently (in split order), shuffled with a generator seeded with seed,
// and its first perClass examples are selected. The selections are concatenated in label order and
// the result is shuffled once more with a new generator seeded with the same seed.
//
// It returns an error wrapping ErrInsufficientExamples if any label has fewer than perClass examples:
// the subset is never silently truncated.
func BalancedSubset(split *Split, perClass int, seed int64) (*Split, error) {
	if split == nil {
		return nil, errors.New("imdb.BalancedSubset: nil split")
	}
	if perClass <= 0 {
		return nil, errors.Errorf("imdb.BalancedSubset: perClass must be > 0, got %d", perClass)
	}
	subset := &Split{
		Name:     fmt.Sprintf("%s-balanced-%d", split.Name, perClass),
		Examples: make([]Example, 0, NumLabels*perClass),
	}
	for label := Label(0); label < NumLabels; label++ {
		examples := split.ByLabel(label)
		if len(examples) < perClass {
			return nil, errors.Wrapf(ErrInsufficientExamples,
				"split %q has %d examples labeled %q, %d requested", split.Name, len(examples), label, perClass)
		}
		shuffleExamples(examples, seed)
		subset.Examples = append(subset.Examples, examples[:perClass]...)
	}
	shuffleExamples(subset.Examples, seed)
	return subset, nil
}

// BalancedSubsets applies BalancedSubset with the same config to each of the given splits.
func BalancedSubsets(config SubsetConfig, splits ...*Split) ([]*Split, error) {
	subsets := make([]*Split, len(splits))
	for ii, split := range splits {
		var err error
		subsets[ii], err = BalancedSubset(split, config.PerClass, config.Seed)
		if err != nil {
			return nil, err
		}
	}
	return subsets, nil
}

func shuffleExamples(examples []Example, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(examples), func(i, j int) {
		examples[i], examples[j] = examples[j], examples[i]
	})
}
