// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// imdb_tune fine-tunes a small pretrained BERT on a balanced subset of the IMDB movie reviews, and
// compares the baseline with the best hyperparameters found by a Gaussian process Bayesian optimization
// and a tree-of-Parzen-estimators search, both with ASHA early stopping.
//
// Hyperparameters can be changed with -set, e.g.: -set="num_epochs=2;num_trials=3;batch_size=16".
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/imdbtune/pkg/artifacts"
	"github.com/gomlx/imdbtune/pkg/bert"
	"github.com/gomlx/imdbtune/pkg/finetune"
	"github.com/gomlx/imdbtune/pkg/imdb"
	"github.com/gomlx/imdbtune/pkg/textclass"
	"github.com/gomlx/imdbtune/pkg/tune"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDataDir   = flag.String("data", "~/tmp/imdb", "Directory to cache downloaded and generated dataset files.")
	flagOutputDir = flag.String("output", "~/tmp/imdb_tune", "Directory where artifacts are persisted, if enabled.")
	flagModelID   = flag.String("model", DefaultModelID, "HuggingFace id of the pretrained BERT model.")

	flagPersistModel  = flag.Bool("persist_model", false, "Save the fine-tuned model and tokenizer under -output.")
	flagPersistLog    = flag.Bool("persist_log", false, "Save the baseline training log under -output.")
	flagPersistTrials = flag.Bool("persist_trials", false, "Save the best trials of the search campaigns under -output.")

	flagSkipBaseline = flag.Bool("skip_baseline", false, "Skip the baseline training and the inference stage.")
	flagSkipSearch   = flag.Bool("skip_search", false, "Skip the hyperparameter search campaigns.")
	flagProgress     = flag.Bool("progress", true, "Show progress bars while training the baseline.")
)

// exampleReviews are classified after the baseline training.
var exampleReviews = []string{"I loved the movie!", "What a waste of two hours."}

func main() {
	settingsCtx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(settingsCtx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(settingsCtx, *settings))
	klog.V(1).Infof("hyperparameters set with -set: %v", paramsSet)
	fmt.Println(commandline.SprintContextSettings(settingsCtx))

	config := configFromContext(settingsCtx)
	config.DataDir = fsutil.MustReplaceTildeInDir(*flagDataDir)
	config.OutputDir = fsutil.MustReplaceTildeInDir(*flagOutputDir)
	config.ModelID = *flagModelID
	config.HFToken = os.Getenv("HF_TOKEN")
	config.PersistModel = *flagPersistModel
	config.PersistLog = *flagPersistLog
	config.PersistTrials = *flagPersistTrials
	config.SkipBaseline = *flagSkipBaseline
	config.SkipSearch = *flagSkipSearch
	config.ShowProgress = *flagProgress

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	err := exceptions.TryCatch[error](func() { run(ctx, config) })
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// run executes the stages in order. Any failure is fatal.
func run(ctx context.Context, config Config) {
	backend := must.M1(backends.New())
	klog.Infof("backend: %s", backend.Description())

	// Stage 1: data.
	train, test := must.M2(imdb.Load(config.DataDir))
	repo := hub.New(config.ModelID).WithAuth(config.HFToken).WithProgressBar(true)
	template := must.M1(bert.FromHub(repo, imdb.NumLabels, config.Seed, config.tokenizerOptions()...))
	experiment := must.M1(NewExperiment(config, backend, template))
	must.M(experiment.PrepareData(train, test))

	// Stages 2 to 4: baseline, persistence and inference.
	var baseline *finetune.Metrics
	if !config.SkipBaseline {
		metrics := must.M1(experiment.TrainBaseline(ctx))
		baseline = &metrics
		for _, p := range must.M1(experiment.Persist()) {
			klog.Infof("persisted %s", p)
		}
		predictions := must.M1(experiment.Classify(exampleReviews...))
		printPredictions(os.Stdout, exampleReviews, predictions)
	}
	if config.SkipSearch {
		return
	}

	// Stage 5: search campaigns, one after the other.
	bo := must.M1(tune.NewBayesOpt(tune.BayesOptConfig{
		Seed:             config.Seed,
		NumInitialPoints: 2,
		NumCandidates:    1000,
		Acquisition:      tune.ExpectedImprovement,
		Xi:               0.01,
		Kappa:            2.576,
		LengthScale:      0.25,
		Noise:            1e-6,
	}))
	boAnalysis := must.M1(experiment.Search(ctx, "bayesopt", bo, artifacts.BayesOptTrials))

	tpeConfig := tune.DefaultTPEConfig()
	tpeConfig.Seed = config.Seed
	tpe := must.M1(tune.NewTPE(tpeConfig))
	tpeAnalysis := must.M1(experiment.Search(ctx, "tpe", tpe, artifacts.TPETrials))

	if baseline != nil {
		fmt.Printf("%-10s accuracy %.4f\n", "baseline", baseline.Accuracy)
	}
	for _, analysis := range []*tune.Analysis{boAnalysis, tpeAnalysis} {
		fmt.Printf("%-10s best accuracy %.4f with %s\n", analysis.Name, analysis.Best.Objective, analysis.Best.Params)
	}
}

// printPredictions prints the ranked label scores of each text.
func printPredictions(w io.Writer, texts []string, predictions [][]textclass.Prediction) {
	for ii, text := range texts {
		fmt.Fprintf(w, "%q:", text)
		for _, p := range predictions[ii] {
			fmt.Fprintf(w, " %s=%.4f", p.Label, p.Score)
		}
		fmt.Fprintln(w)
	}
}
