// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/imdbtune/pkg/finetune"
	"github.com/gomlx/imdbtune/pkg/imdb"
	"github.com/gomlx/imdbtune/pkg/wordpiece"
	"github.com/pkg/errors"
)

// Hyperparameters that can be overridden with -set="param1=value1;param2=value2".
const (
	ParamMaxLength     = "max_length"
	ParamTrainPerClass = "train_per_class"
	ParamEvalPerClass  = "eval_per_class"
	ParamSeed          = "seed"
	ParamNumEpochs     = "num_epochs"
	ParamBatchSize     = "batch_size"
	ParamEvalBatchSize = "eval_batch_size"
	ParamEvalSteps     = "eval_steps"
	ParamNumTrials     = "num_trials"
	ParamTrialEpochs   = "trial_num_epochs"
	ParamConcurrency   = "trials_concurrency"

	// Search space bounds.
	ParamLearningRateMin = "search_learning_rate_min"
	ParamLearningRateMax = "search_learning_rate_max"
	ParamWeightDecayMin  = "search_weight_decay_min"
	ParamWeightDecayMax  = "search_weight_decay_max"

	// ASHA scheduler.
	ParamASHAReductionFactor = "asha_reduction_factor"
	ParamASHABrackets        = "asha_brackets"
)

// Names of the searched hyperparameters.
const (
	SearchLearningRate = "learning_rate"
	SearchWeightDecay  = "weight_decay"
)

// DefaultModelID is the pretrained checkpoint fine-tuned by the experiment.
const DefaultModelID = "google/bert_uncased_L-2_H-128_A-2"

// DefaultTrialEpochs is the number of epochs of each search trial, fewer than the baseline's.
const DefaultTrialEpochs = 3

// createDefaultContext holds the default hyperparameters of the experiment.
func createDefaultContext() *context.Context {
	ctx := context.New()
	base := finetune.DefaultConfig()
	subset := imdb.DefaultSubsetConfig()
	ctx.SetParams(map[string]any{
		ParamMaxLength:                  wordpiece.DefaultMaxLength,
		ParamTrainPerClass:              subset.PerClass,
		ParamEvalPerClass:               subset.PerClass,
		ParamSeed:                       int(subset.Seed),
		ParamNumEpochs:                  base.NumEpochs,
		ParamBatchSize:                  base.BatchSize,
		ParamEvalBatchSize:              base.BatchSize,
		ParamEvalSteps:                  base.EvalSteps,
		ParamNumTrials:                  5,
		ParamTrialEpochs:                DefaultTrialEpochs,
		ParamConcurrency:                1,
		optimizers.ParamLearningRate:    base.LearningRate,
		optimizers.ParamAdamWeightDecay: base.WeightDecay,
		ParamLearningRateMin:            1e-5,
		ParamLearningRateMax:            5e-4,
		ParamWeightDecayMin:             0.0,
		ParamWeightDecayMax:             0.1,
		ParamASHAReductionFactor:        4.0,
		ParamASHABrackets:               1,
	})
	return ctx
}

// Config of the experiment. It is built once from the flags and the context settings and never changed.
type Config struct {
	DataDir, OutputDir string
	ModelID            string
	HFToken            string

	MaxLength                   int
	TrainPerClass, EvalPerClass int
	Seed                        int64

	NumEpochs, BatchSize, EvalBatchSize, EvalSteps int
	LearningRate, WeightDecay                      float64

	NumTrials, TrialEpochs, Concurrency int
	LearningRateMin, LearningRateMax    float64
	WeightDecayMin, WeightDecayMax      float64
	ASHAReductionFactor                 float64
	ASHABrackets                        int

	// PersistModel saves the fine-tuned model and tokenizer under OutputDir/ModelDir.
	PersistModel bool

	// PersistLog saves the training log (and its plot) of the baseline run.
	PersistLog bool

	// PersistTrials saves the best trial and the table of trials of each search campaign.
	PersistTrials bool

	SkipBaseline, SkipSearch bool
	ShowProgress             bool
}

// ModelDir is the subdirectory of Config.OutputDir where the fine-tuned model is saved.
const ModelDir = "model"

// configFromContext reads the hyperparameters of ctx into a Config. Paths and flags are filled by the caller.
func configFromContext(ctx *context.Context) Config {
	return Config{
		ModelID:             DefaultModelID,
		MaxLength:           context.GetParamOr(ctx, ParamMaxLength, wordpiece.DefaultMaxLength),
		TrainPerClass:       context.GetParamOr(ctx, ParamTrainPerClass, 0),
		EvalPerClass:        context.GetParamOr(ctx, ParamEvalPerClass, 0),
		Seed:                int64(context.GetParamOr(ctx, ParamSeed, 0)),
		NumEpochs:           context.GetParamOr(ctx, ParamNumEpochs, 0),
		BatchSize:           context.GetParamOr(ctx, ParamBatchSize, 0),
		EvalBatchSize:       context.GetParamOr(ctx, ParamEvalBatchSize, 0),
		EvalSteps:           context.GetParamOr(ctx, ParamEvalSteps, 0),
		LearningRate:        context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0),
		WeightDecay:         context.GetParamOr(ctx, optimizers.ParamAdamWeightDecay, 0.0),
		NumTrials:           context.GetParamOr(ctx, ParamNumTrials, 0),
		TrialEpochs:         context.GetParamOr(ctx, ParamTrialEpochs, 0),
		Concurrency:         context.GetParamOr(ctx, ParamConcurrency, 1),
		LearningRateMin:     context.GetParamOr(ctx, ParamLearningRateMin, 0.0),
		LearningRateMax:     context.GetParamOr(ctx, ParamLearningRateMax, 0.0),
		WeightDecayMin:      context.GetParamOr(ctx, ParamWeightDecayMin, 0.0),
		WeightDecayMax:      context.GetParamOr(ctx, ParamWeightDecayMax, 0.0),
		ASHAReductionFactor: context.GetParamOr(ctx, ParamASHAReductionFactor, 0.0),
		ASHABrackets:        context.GetParamOr(ctx, ParamASHABrackets, 0),
	}
}

// Validate the configuration. Training parameters are validated by finetune.Config.Validate.
func (c Config) Validate() error {
	switch {
	case c.OutputDir == "" && (c.PersistModel || c.PersistLog || c.PersistTrials):
		return errors.New("an output directory is required to persist artifacts")
	case c.ModelID == "":
		return errors.New("a pretrained model id is required")
	case c.MaxLength < 2:
		return errors.Errorf("%s must be >= 2, got %d", ParamMaxLength, c.MaxLength)
	case c.TrainPerClass <= 0 || c.EvalPerClass <= 0:
		return errors.Errorf("%s and %s must be > 0, got %d and %d", ParamTrainPerClass, ParamEvalPerClass,
			c.TrainPerClass, c.EvalPerClass)
	case !c.SkipSearch && c.NumTrials <= 0:
		return errors.Errorf("%s must be > 0, got %d", ParamNumTrials, c.NumTrials)
	case !c.SkipSearch && c.TrialEpochs <= 0:
		return errors.Errorf("%s must be > 0, got %d", ParamTrialEpochs, c.TrialEpochs)
	}
	return c.trainConfig().Validate()
}

// trainConfig is the fine-tuning configuration of the baseline run: evaluated every epoch.
func (c Config) trainConfig() finetune.Config {
	return finetune.Config{
		OutputDir:     c.OutputDir,
		EvalStrategy:  finetune.EvalEpoch,
		EvalSteps:     c.EvalSteps,
		NumEpochs:     c.NumEpochs,
		BatchSize:     c.BatchSize,
		EvalBatchSize: c.EvalBatchSize,
		LearningRate:  c.LearningRate,
		WeightDecay:   c.WeightDecay,
		Seed:          c.Seed,
		ShowProgress:  c.ShowProgress,
	}
}

// trialConfig is the fine-tuning configuration of a search trial: TrialEpochs long, evaluated every
// EvalSteps so the scheduler can compare trials, and never checkpointed.
func (c Config) trialConfig(learningRate, weightDecay float64) finetune.Config {
	config := c.trainConfig()
	config.NumEpochs = c.TrialEpochs
	config.EvalStrategy = finetune.EvalSteps
	config.LearningRate = learningRate
	config.WeightDecay = weightDecay
	config.ShowProgress = false
	return config
}
