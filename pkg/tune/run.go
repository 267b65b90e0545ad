// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tune runs hyperparameter search campaigns: a Searcher suggests the hyperparameters of each
// trial, a Scheduler may stop unpromising trials early, and a Backend executes them.
package tune

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Objective evaluates a trial with trial.Params and returns its final value. It may call trial.Report
// with intermediate values, and should return as soon as Report returns ErrStopped.
type Objective func(ctx context.Context, trial *Trial) (float64, error)

// Options of a search campaign. All fields but Name and Concurrency are required.
type Options struct {
	// Name of the campaign, for logging.
	Name string

	Direction Direction

	// Backend is the name of a registered backend, see RegisterBackend. LocalBackendName is always available.
	Backend string

	NumTrials int
	Searcher  Searcher
	Scheduler Scheduler
	Space     SpaceFn

	// Concurrency is the maximum number of trials running at the same time. Defaults to 1.
	Concurrency int
}

// ErrAllTrialsFailed is returned by Run when no trial produced an objective value.
var ErrAllTrialsFailed = errors.New("all trials failed")

// Validate checks that all required options are set.
func (o Options) Validate() error {
	if o.Direction == "" {
		return errors.New("tune: Direction is required")
	}
	if err := o.Direction.Validate(); err != nil {
		return errors.WithMessage(err, "tune")
	}
	switch {
	case o.Backend == "":
		return errors.New("tune: Backend is required")
	case o.NumTrials <= 0:
		return errors.Errorf("tune: NumTrials must be > 0, got %d", o.NumTrials)
	case o.Searcher == nil:
		return errors.New("tune: Searcher is required")
	case o.Scheduler == nil:
		return errors.New("tune: Scheduler is required")
	case o.Space == nil:
		return errors.New("tune: Space is required")
	case o.Concurrency < 0:
		return errors.Errorf("tune: Concurrency must be >= 0, got %d", o.Concurrency)
	}
	_, err := GetBackend(o.Backend)
	return err
}

// campaign holds the state of one Run.
type campaign struct {
	opts      Options
	objective Objective

	mu     sync.Mutex // Serializes calls to the Searcher.
	space  Space
	trials []*Trial
}

// Run a search campaign: NumTrials trials of objective, with hyperparameters suggested by the
// Searcher and early stopping decided by the Scheduler.
//
// A trial whose objective returns an error or panics is marked Failed, and the campaign goes on.
// Run returns an error if the options are invalid, ctx is cancelled, or every trial failed.
func Run(ctx context.Context, objective Objective, opts Options) (*Analysis, error) {
	if objective == nil {
		return nil, errors.New("tune: objective is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	backend, _ := GetBackend(opts.Backend)
	c := &campaign{opts: opts, objective: objective, trials: make([]*Trial, opts.NumTrials)}
	for number := range c.trials {
		c.trials[number] = newTrial(uuid.NewString(), number, opts.Direction, opts.Scheduler)
	}

	start := time.Now()
	klog.Infof("tune: campaign %q starting %d trials with searcher %q on backend %q", opts.Name,
		opts.NumTrials, opts.Searcher.Name(), opts.Backend)
	err := backend.Execute(ctx, opts.NumTrials, max(opts.Concurrency, 1), c.runTrial)
	analysis := newAnalysis(opts.Name, opts.Direction, c.trials)
	if err != nil {
		return analysis, errors.WithMessagef(err, "tune: campaign %q interrupted", opts.Name)
	}
	klog.Infof("tune: campaign %q done in %s: %s", opts.Name, time.Since(start).Round(time.Second), analysis.Counts())
	if analysis.Best == nil {
		return analysis, errors.Wrapf(ErrAllTrialsFailed, "tune: campaign %q", opts.Name)
	}
	return analysis, nil
}

// runTrial runs trial number. Only errors that must abort the campaign are returned.
func (c *campaign) runTrial(ctx context.Context, number int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	trial := c.trials[number]
	params, err := c.suggest(trial)
	if err != nil {
		trial.start(nil)
		trial.finish(0, err)
		klog.Errorf("tune: trial #%d (%s) failed before starting: %+v", number, trial.ID, err)
		c.complete(trial)
		return nil
	}
	trial.start(params)
	klog.V(1).Infof("tune: trial #%d (%s) started with %s", number, trial.ID, params)
	value, err := c.callObjective(ctx, trial)
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		// Campaign cancelled: the trial didn't fail on its own.
		trial.finish(0, err)
		c.opts.Scheduler.OnComplete(trial.ID)
		return ctxErr
	}
	trial.finish(value, err)
	c.complete(trial)
	return nil
}

func (c *campaign) suggest(trial *Trial) (params Params, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	space := c.opts.Space(trial)
	if c.space == nil {
		if err = space.Validate(); err != nil {
			return nil, errors.WithMessage(err, "invalid search space")
		}
		if err = c.opts.Searcher.Setup(space, c.opts.Direction); err != nil {
			return nil, errors.WithMessagef(err, "failed to set up searcher %q", c.opts.Searcher.Name())
		}
		c.space = space
	} else if !c.space.Equal(space) {
		return nil, errors.Errorf("search space changed between trials: %s != %s", space, c.space)
	}
	params, err = c.opts.Searcher.Suggest(trial.ID)
	if err != nil {
		return nil, errors.WithMessagef(err, "searcher %q failed to suggest", c.opts.Searcher.Name())
	}
	return params, nil
}

// callObjective converts panics of the objective into errors.
func (c *campaign) callObjective(ctx context.Context, trial *Trial) (value float64, err error) {
	exception := exceptions.Try(func() {
		value, err = c.objective(ctx, trial)
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			return 0, errors.WithMessage(e, "objective panicked")
		}
		return 0, errors.Errorf("objective panicked: %v", exception)
	}
	return value, err
}

// complete notifies the scheduler and the searcher of the end of a trial.
func (c *campaign) complete(trial *Trial) {
	c.opts.Scheduler.OnComplete(trial.ID)
	result := trial.Result()
	switch result.Status {
	case Failed:
		klog.Warningf("tune: trial #%d (%s) failed after %s: %s", trial.Number, trial.ID, result.Duration, result.Error)
	default:
		klog.V(1).Infof("tune: trial #%d (%s) %s: objective=%s", trial.Number, trial.ID, result.Status,
			formatValue(result.Objective))
	}
	if result.Params == nil {
		// Never suggested.
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.opts.Searcher.Observe(trial.ID, result); err != nil {
		klog.Errorf("tune: searcher %q failed to observe trial %s: %+v", c.opts.Searcher.Name(), trial.ID, err)
	}
}

func formatValue(v float64) string { return fmt.Sprintf("%.4f", v) }
