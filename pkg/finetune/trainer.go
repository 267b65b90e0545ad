// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package finetune trains a BERT classifier on tokenized examples, evaluating periodically and recording
// the metrics in a history.History.
package finetune

import (
	"context"
	"math"
	"math/rand"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/imdbtune/pkg/bert"
	"github.com/gomlx/imdbtune/pkg/history"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CheckpointDir is the subdirectory of Config.OutputDir where checkpoints are saved.
const CheckpointDir = "checkpoints"

const accuracyMetricName = "Mean Accuracy"

// Metrics of an evaluation.
type Metrics struct {
	Loss     float64
	Accuracy float64
}

// EvalHook is called after each evaluation during training, with the global step and (fractional) epoch
// at which it happened. If it returns an error training stops, and Train returns the error.
type EvalHook func(step int, epoch float64, m Metrics) error

// Trainer fine-tunes a bert.Model. The model variables are updated in place.
type Trainer struct {
	backend backends.Backend
	model   *bert.Model
	config  Config

	trainDS, evalDS *datasets.InMemoryDataset
	numTrain        int
	stepsPerEpoch   int

	trainer    *train.Trainer
	loop       *train.Loop
	checkpoint *checkpoints.Handler
	history    *history.History
	onEval     []EvalHook
	trained    bool
}

// NewTrainer creates a trainer for model, using AdamW with the learning rate and weight decay of config.
func NewTrainer(backend backends.Backend, model *bert.Model, config Config, trainExamples, evalExamples []Encoded) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, errors.New("finetune.NewTrainer: nil model")
	}
	t := &Trainer{
		backend:       backend,
		model:         model,
		config:        config,
		numTrain:      len(trainExamples),
		stepsPerEpoch: numBatches(len(trainExamples), config.BatchSize),
		history:       history.New(),
	}
	var err error
	t.trainDS, err = newDataset(backend, "train", trainExamples, config.BatchSize, rand.New(rand.NewSource(config.Seed)))
	if err != nil {
		return nil, err
	}
	t.evalDS, err = newDataset(backend, "eval", evalExamples, config.evalBatchSize(), nil)
	if err != nil {
		return nil, err
	}

	ctx := model.Context()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    config.LearningRate,
		optimizers.ParamAdamWeightDecay: config.WeightDecay,
		mlctx.ParamInitialSeed:          config.Seed,
	})
	if config.Checkpoint {
		t.checkpoint, err = checkpoints.Build(ctx).Dir(path.Join(config.OutputDir, CheckpointDir)).Keep(2).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to configure checkpoints in %q", config.OutputDir)
		}
	}
	t.trainer = train.NewTrainer(backend, ctx, model.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		nil, // trainMetrics
		[]metrics.Interface{metrics.NewSparseCategoricalAccuracy(accuracyMetricName, "#acc")}) // evalMetrics
	t.loop = train.NewLoop(t.trainer)
	if config.ShowProgress {
		commandline.AttachProgressBar(t.loop)
	}
	return t, nil
}

// OnEval registers a hook called after every evaluation during Train.
func (t *Trainer) OnEval(hook EvalHook) {
	t.onEval = append(t.onEval, hook)
}

// History of the metrics recorded so far.
func (t *Trainer) History() *history.History { return t.history }

// StepsPerEpoch is the number of training steps in one epoch.
func (t *Trainer) StepsPerEpoch() int { return t.stepsPerEpoch }

// Train runs Config.NumEpochs epochs over the training examples, evaluating at the configured cadence.
// It can only be called once.
//
// Training is interrupted between steps if ctx is cancelled or an OnEval hook returns an error: the
// error is returned along with the history recorded until then.
func (t *Trainer) Train(ctx context.Context) (*history.History, error) {
	if t.trained {
		return t.history, errors.New("finetune.Trainer.Train can only be called once")
	}
	t.trained = true

	var lossSum float64
	var lossCount int
	t.loop.OnStep("finetune", 0, func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "training interrupted")
		}
		lossSum += shapes.ConvertTo[float64](stepMetrics[0].Value())
		lossCount++
		step := loop.LoopStep + 1
		if !t.isEvalStep(step) {
			return nil
		}
		trainLoss := lossSum / float64(lossCount)
		lossSum, lossCount = 0, 0
		return t.evaluateAndRecord(step, trainLoss)
	})

	start := time.Now()
	klog.V(1).Infof("finetune: training %d examples for %d epochs (%d steps/epoch), lr=%g, weight_decay=%g",
		t.numTrain, t.config.NumEpochs, t.stepsPerEpoch, t.config.LearningRate, t.config.WeightDecay)
	if _, err := t.loop.RunEpochs(t.trainDS, t.config.NumEpochs); err != nil {
		return t.history, err
	}
	klog.V(1).Infof("finetune: trained %d steps in %s (median step %s)", t.loop.LoopStep,
		humanize.RelTime(start, time.Now(), "", ""), t.loop.MedianTrainStepDuration())
	if t.checkpoint != nil {
		if err := t.checkpoint.Save(); err != nil {
			return t.history, errors.WithMessage(err, "failed to save final checkpoint")
		}
	}
	return t.history, nil
}

// isEvalStep returns whether evaluation happens after the given number of completed steps.
func (t *Trainer) isEvalStep(step int) bool {
	switch t.config.EvalStrategy {
	case EvalSteps:
		return step%t.config.EvalSteps == 0
	default:
		return step%t.stepsPerEpoch == 0
	}
}

func (t *Trainer) evaluateAndRecord(step int, trainLoss float64) error {
	m, err := t.Evaluate()
	if err != nil {
		return err
	}
	epoch := float64(step) / float64(t.stepsPerEpoch)
	s := int64(step)
	t.history.Add(
		history.Point{MetricName: history.MetricTrainLoss, MetricType: history.TypeLoss, Step: s, Epoch: epoch, Value: trainLoss},
		history.Point{MetricName: history.MetricEvalLoss, MetricType: history.TypeLoss, Step: s, Epoch: epoch, Value: m.Loss},
		history.Point{MetricName: history.MetricEvalAccuracy, MetricType: history.TypeAccuracy, Step: s, Epoch: epoch, Value: m.Accuracy},
	)
	klog.V(1).Infof("finetune: step %d (epoch %.2f): train_loss=%.4f eval_loss=%.4f eval_accuracy=%.4f",
		step, epoch, trainLoss, m.Loss, m.Accuracy)
	if t.checkpoint != nil {
		if err = t.checkpoint.Save(); err != nil {
			return errors.WithMessagef(err, "failed to save checkpoint at step %d", step)
		}
	}
	for _, hook := range t.onEval {
		if err = hook(step, epoch, m); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate the model on the evaluation examples, returning the mean loss and accuracy.
func (t *Trainer) Evaluate() (Metrics, error) {
	t.evalDS.Reset()
	values, err := t.trainer.Eval(t.evalDS)
	t.evalDS.Reset()
	if err != nil {
		return Metrics{}, errors.WithMessage(err, "evaluation failed")
	}
	m := Metrics{Loss: math.NaN(), Accuracy: math.NaN()}
	for ii, metric := range t.trainer.EvalMetrics() {
		if ii >= len(values) {
			break
		}
		value := shapes.ConvertTo[float64](values[ii].Value())
		switch {
		case ii == 0:
			m.Loss = value
		case metric.Name() == accuracyMetricName:
			m.Accuracy = value
		}
	}
	if math.IsNaN(m.Accuracy) {
		return m, errors.New("evaluation didn't report accuracy")
	}
	return m, nil
}
