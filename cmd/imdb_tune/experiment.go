// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/imdbtune/pkg/artifacts"
	"github.com/gomlx/imdbtune/pkg/bert"
	"github.com/gomlx/imdbtune/pkg/finetune"
	"github.com/gomlx/imdbtune/pkg/history"
	"github.com/gomlx/imdbtune/pkg/imdb"
	"github.com/gomlx/imdbtune/pkg/textclass"
	"github.com/gomlx/imdbtune/pkg/tune"
	"github.com/gomlx/imdbtune/pkg/wordpiece"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Experiment runs the stages of the IMDB fine-tuning experiment, in order: data preparation,
// baseline training, persistence, inference and the two search campaigns.
type Experiment struct {
	config  Config
	backend backends.Backend
	store   artifacts.Store

	// template is the pretrained model: never trained itself, every run starts from a clone.
	template *bert.Model

	trainSubset, evalSubset     *imdb.Split
	trainExamples, evalExamples []finetune.Encoded

	// model fine-tuned by the baseline stage.
	model   *bert.Model
	history *history.History
}

// NewExperiment validates config and creates an experiment running on backend with the given
// pretrained model.
func NewExperiment(config Config, backend backends.Backend, template *bert.Model) (*Experiment, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid experiment configuration")
	}
	if template.Tokenizer.MaxLength() != config.MaxLength {
		return nil, errors.Errorf("tokenizer max length is %d, configured %d", template.Tokenizer.MaxLength(), config.MaxLength)
	}
	return &Experiment{
		config:   config,
		backend:  backend,
		template: template,
		store:    artifacts.Store{Dir: config.OutputDir, Enabled: config.PersistLog || config.PersistTrials},
	}, nil
}

// PrepareData builds the balanced subsets of the train and test splits and tokenizes them.
func (e *Experiment) PrepareData(train, test *imdb.Split) error {
	var err error
	if e.trainSubset, err = imdb.BalancedSubset(train, e.config.TrainPerClass, e.config.Seed); err != nil {
		return errors.WithMessage(err, "failed to build the training subset")
	}
	if e.evalSubset, err = imdb.BalancedSubset(test, e.config.EvalPerClass, e.config.Seed); err != nil {
		return errors.WithMessage(err, "failed to build the evaluation subset")
	}
	e.trainExamples = finetune.Encode(e.template.Tokenizer, e.trainSubset)
	e.evalExamples = finetune.Encode(e.template.Tokenizer, e.evalSubset)
	klog.Infof("data: %d training and %d evaluation examples, tokenized to length %d",
		len(e.trainExamples), len(e.evalExamples), e.config.MaxLength)
	return nil
}

// TrainBaseline fine-tunes a fresh copy of the pretrained model with the configured hyperparameters,
// and returns the final evaluation.
func (e *Experiment) TrainBaseline(ctx context.Context) (finetune.Metrics, error) {
	model, err := e.template.Clone()
	if err != nil {
		return finetune.Metrics{}, err
	}
	trainer, err := finetune.NewTrainer(e.backend, model, e.config.trainConfig(), e.trainExamples, e.evalExamples)
	if err != nil {
		return finetune.Metrics{}, err
	}
	hist, err := trainer.Train(ctx)
	if err != nil {
		return finetune.Metrics{}, errors.WithMessage(err, "baseline training failed")
	}
	metrics, err := trainer.Evaluate()
	if err != nil {
		return finetune.Metrics{}, err
	}
	e.model, e.history = model, hist
	fmt.Println(hist.Table(history.MetricTrainLoss, history.MetricEvalLoss, history.MetricEvalAccuracy))
	fmt.Printf("Baseline evaluation: loss=%.4f, accuracy=%.2f%%\n", metrics.Loss, 100*metrics.Accuracy)
	return metrics, nil
}

// Persist writes the fine-tuned model and the training log, as enabled by the configuration.
// It returns the paths written.
func (e *Experiment) Persist() ([]string, error) {
	var written []string
	if e.config.PersistModel && e.model != nil {
		dir := path.Join(e.config.OutputDir, ModelDir)
		if err := e.model.Save(dir); err != nil {
			return written, err
		}
		written = append(written, dir)
	}
	if e.config.PersistLog && e.history != nil {
		filePath, err := e.store.Save(artifacts.TrainingLog, e.history.Points())
		if err != nil {
			return written, err
		}
		written = append(written, filePath)
		plotPath := path.Join(e.config.OutputDir, "eval_accuracy.png")
		if err = e.history.Plot(plotPath, history.TypeAccuracy); err != nil {
			klog.Warningf("failed to plot the training log: %v", err)
		} else {
			written = append(written, plotPath)
		}
	}
	return written, nil
}

// Pipeline returns the inference pipeline of the fine-tuned model, with the IMDB label names attached.
// If the model was persisted it is reloaded from disk, and missing artifacts are an error.
func (e *Experiment) Pipeline() (*textclass.Pipeline, error) {
	var pipeline *textclass.Pipeline
	var err error
	switch {
	case e.config.PersistModel:
		pipeline, err = textclass.Load(e.backend, path.Join(e.config.OutputDir, ModelDir))
	case e.model != nil:
		klog.Infof("model not persisted, using the in-memory fine-tuned model for inference")
		pipeline, err = textclass.New(e.backend, e.model)
	default:
		return nil, errors.Wrap(bert.ErrMissingArtifacts, "no fine-tuned model: the baseline was skipped and no model was persisted")
	}
	if err != nil {
		return nil, err
	}
	if err = pipeline.WithLabels(imdb.Label2ID()); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// Classify returns the ranked predictions of each text.
func (e *Experiment) Classify(texts ...string) ([][]textclass.Prediction, error) {
	pipeline, err := e.Pipeline()
	if err != nil {
		return nil, err
	}
	predictions, err := pipeline.ClassifyBatch(texts)
	if err != nil {
		return nil, err
	}
	return predictions, nil
}

// SearchSpace is the hyperparameter search space function.
func (e *Experiment) SearchSpace(*tune.Trial) tune.Space {
	return tune.Space{
		SearchLearningRate: tune.LogUniform(e.config.LearningRateMin, e.config.LearningRateMax),
		SearchWeightDecay:  tune.Uniform(e.config.WeightDecayMin, e.config.WeightDecayMax),
	}
}

// Objective returns the search objective: each trial fine-tunes a fresh instance from factory with the
// trial's hyperparameters, reporting the evaluation accuracy every EvalSteps, and returns the final
// evaluation accuracy.
func (e *Experiment) Objective(factory bert.Factory) tune.Objective {
	return func(ctx context.Context, trial *tune.Trial) (float64, error) {
		model, err := factory()
		if err != nil {
			return 0, err
		}
		config := e.config.trialConfig(trial.Params[SearchLearningRate], trial.Params[SearchWeightDecay])
		trainer, err := finetune.NewTrainer(e.backend, model, config, e.trainExamples, e.evalExamples)
		if err != nil {
			return 0, err
		}
		trainer.OnEval(func(step int, epoch float64, m finetune.Metrics) error {
			return trial.Report(step, m.Accuracy)
		})
		if _, err = trainer.Train(ctx); err != nil {
			return 0, err
		}
		metrics, err := trainer.Evaluate()
		if err != nil {
			return 0, err
		}
		return metrics.Accuracy, nil
	}
}

// Scheduler returns a new ASHA scheduler comparing trials at multiples of EvalSteps, up to the
// number of steps of a trial.
func (e *Experiment) Scheduler() (*tune.ASHA, error) {
	stepsPerEpoch := (len(e.trainExamples) + e.config.BatchSize - 1) / e.config.BatchSize
	maxT := max(stepsPerEpoch*e.config.TrialEpochs, 1)
	return tune.NewASHA(tune.ASHAConfig{
		Metric:          "objective",
		Mode:            tune.Maximize,
		TimeAttr:        "step",
		MaxT:            maxT,
		GracePeriod:     min(e.config.EvalSteps, maxT),
		ReductionFactor: e.config.ASHAReductionFactor,
		Brackets:        e.config.ASHABrackets,
	})
}

// Search runs one search campaign with the given searcher and persists its best trial under artifactName,
// if enabled.
func (e *Experiment) Search(ctx context.Context, name string, searcher tune.Searcher, artifactName string) (*tune.Analysis, error) {
	scheduler, err := e.Scheduler()
	if err != nil {
		return nil, err
	}
	analysis, err := tune.Run(ctx, e.Objective(bert.NewFactory(e.template)), tune.Options{
		Name:        name,
		Direction:   tune.Maximize,
		Backend:     tune.LocalBackendName,
		NumTrials:   e.config.NumTrials,
		Searcher:    searcher,
		Scheduler:   scheduler,
		Space:       e.SearchSpace,
		Concurrency: e.config.Concurrency,
	})
	if analysis != nil {
		fmt.Printf("Campaign %q: %s\n%s\n", name, analysis.Counts(), analysis.Table())
		if summary, sErr := analysis.Summary(); sErr == nil {
			fmt.Printf("Objective: %s\n", summary)
		}
	}
	if err != nil {
		return analysis, err
	}
	fmt.Printf("Best trial of %q: #%d %s, objective=%.4f\n", name, analysis.Best.Number, analysis.Best.Params,
		analysis.Best.Objective)
	if e.config.PersistTrials {
		if _, err = e.store.Save(artifactName, analysis.Best); err != nil {
			return analysis, err
		}
		csvPath := path.Join(e.config.OutputDir, name+"_trials.csv")
		if err = artifacts.WriteCSV(csvPath, trialRows(analysis)); err != nil {
			return analysis, err
		}
		klog.Infof("persisted %s and %s", e.store.Path(artifactName), csvPath)
	}
	return analysis, nil
}

// TrialRow is a flat record of a trial, exported as CSV.
type TrialRow struct {
	Campaign     string
	Number       int
	ID           string
	Status       string
	Objective    float64
	LearningRate float64
	WeightDecay  float64
	NumReports   int
	Seconds      float64
	Error        string
}

func trialRows(analysis *tune.Analysis) []TrialRow {
	rows := make([]TrialRow, len(analysis.Trials))
	for ii, r := range analysis.Trials {
		rows[ii] = TrialRow{
			Campaign:     analysis.Name,
			Number:       r.Number,
			ID:           r.ID,
			Status:       string(r.Status),
			Objective:    r.Objective,
			LearningRate: r.Params[SearchLearningRate],
			WeightDecay:  r.Params[SearchWeightDecay],
			NumReports:   len(r.Reports),
			Seconds:      r.Duration.Seconds(),
			Error:        r.Error,
		}
	}
	return rows
}

// tokenizerOptions used to load the pretrained tokenizer.
func (c Config) tokenizerOptions() []wordpiece.Option {
	return []wordpiece.Option{wordpiece.WithMaxLength(c.MaxLength)}
}
