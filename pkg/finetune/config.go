// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"github.com/pkg/errors"
)

// EvalStrategy defines when evaluation happens during training.
type EvalStrategy string

const (
	// EvalEpoch evaluates at the end of every epoch.
	EvalEpoch EvalStrategy = "epoch"

	// EvalSteps evaluates every Config.EvalSteps training steps.
	EvalSteps EvalStrategy = "steps"
)

// Config of a fine-tuning run. It is passed once to NewTrainer and not changed afterwards.
type Config struct {
	// OutputDir is where checkpoints are written, if Checkpoint is set.
	OutputDir string

	EvalStrategy EvalStrategy

	// EvalSteps is the evaluation period, in training steps, when EvalStrategy is EvalSteps.
	EvalSteps int

	NumEpochs int

	// BatchSize for training. Evaluation uses EvalBatchSize, or BatchSize if it is 0.
	BatchSize     int
	EvalBatchSize int

	// LearningRate and WeightDecay of the AdamW optimizer.
	LearningRate float64
	WeightDecay  float64

	// Seed for the shuffling of the training data and the initialization of new variables.
	Seed int64

	// Checkpoint saves the model variables under OutputDir at every evaluation.
	Checkpoint bool

	// ShowProgress attaches a progress bar to the training loop.
	ShowProgress bool
}

// DefaultConfig returns the configuration used by the baseline run: 5 epochs, evaluated every epoch,
// with the usual BERT fine-tuning hyperparameters.
func DefaultConfig() Config {
	return Config{
		EvalStrategy: EvalEpoch,
		EvalSteps:    320,
		NumEpochs:    5,
		BatchSize:    8,
		LearningRate: 5e-5,
		WeightDecay:  0,
		Seed:         42,
	}
}

// Validate the configuration.
func (c Config) Validate() error {
	switch {
	case c.NumEpochs <= 0:
		return errors.Errorf("finetune: NumEpochs must be > 0, got %d", c.NumEpochs)
	case c.BatchSize <= 0:
		return errors.Errorf("finetune: BatchSize must be > 0, got %d", c.BatchSize)
	case c.EvalBatchSize < 0:
		return errors.Errorf("finetune: EvalBatchSize must be >= 0, got %d", c.EvalBatchSize)
	case c.LearningRate <= 0:
		return errors.Errorf("finetune: LearningRate must be > 0, got %g", c.LearningRate)
	case c.WeightDecay < 0:
		return errors.Errorf("finetune: WeightDecay must be >= 0, got %g", c.WeightDecay)
	case c.Checkpoint && c.OutputDir == "":
		return errors.New("finetune: Checkpoint requires OutputDir")
	}
	switch c.EvalStrategy {
	case EvalEpoch:
	case EvalSteps:
		if c.EvalSteps <= 0 {
			return errors.Errorf("finetune: EvalSteps must be > 0 with strategy %q, got %d", EvalSteps, c.EvalSteps)
		}
	default:
		return errors.Errorf("finetune: unknown EvalStrategy %q, valid values are %q and %q", c.EvalStrategy, EvalEpoch, EvalSteps)
	}
	return nil
}

func (c Config) evalBatchSize() int {
	if c.EvalBatchSize > 0 {
		return c.EvalBatchSize
	}
	return c.BatchSize
}
