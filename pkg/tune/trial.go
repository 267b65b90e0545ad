// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Direction of the optimization.
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// Validate returns an error if d is neither Maximize nor Minimize.
func (d Direction) Validate() error {
	switch d {
	case Maximize, Minimize:
		return nil
	}
	return errors.Errorf("invalid direction %q, valid values are %q and %q", d, Maximize, Minimize)
}

// Better returns whether a is strictly better than b. NaN is never better.
func (d Direction) Better(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	if d == Minimize {
		return a < b
	}
	return a > b
}

// Worst value for the direction: any real value is better than it.
func (d Direction) Worst() float64 {
	if d == Minimize {
		return math.Inf(1)
	}
	return math.Inf(-1)
}

// Status of a trial.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Completed Status = "completed"
	Stopped   Status = "stopped" // Early-stopped by the scheduler.
	Failed    Status = "failed"
)

// Done returns whether the status is final.
func (s Status) Done() bool { return s == Completed || s == Stopped || s == Failed }

// ErrStopped is returned by Trial.Report when the scheduler decided to stop the trial.
// Objectives should return it (or an error wrapping it) promptly.
var ErrStopped = errors.New("trial stopped by the scheduler")

// Report of an intermediate objective value.
type Report struct {
	Step  int
	Value float64
}

// Trial is one evaluation of the objective at a point of the search space.
type Trial struct {
	ID     string
	Number int
	Params Params

	mu        sync.Mutex
	status    Status
	reports   []Report
	objective float64
	err       error
	started   time.Time
	duration  time.Duration
	scheduler Scheduler
	direction Direction
}

func newTrial(id string, number int, direction Direction, scheduler Scheduler) *Trial {
	return &Trial{
		ID:        id,
		Number:    number,
		status:    Pending,
		objective: math.NaN(),
		direction: direction,
		scheduler: scheduler,
	}
}

// Report an intermediate value of the objective at the given step (e.g. the number of training steps).
// It returns ErrStopped if the scheduler decided the trial should stop, in which case the trial is
// marked as Stopped, with its last reported value as objective.
func (t *Trial) Report(step int, value float64) error {
	t.mu.Lock()
	if t.status != Running {
		status := t.status
		t.mu.Unlock()
		if status == Stopped {
			return ErrStopped
		}
		return errors.Errorf("trial %s is %s, it can't report values", t.ID, status)
	}
	t.reports = append(t.reports, Report{Step: step, Value: value})
	t.objective = value
	scheduler := t.scheduler
	t.mu.Unlock()

	if scheduler == nil || scheduler.OnResult(t.ID, step, value) == Continue {
		return nil
	}
	t.mu.Lock()
	t.status = Stopped
	t.mu.Unlock()
	return ErrStopped
}

// Status of the trial.
func (t *Trial) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Reports returns a copy of the intermediate values reported so far.
func (t *Trial) Reports() []Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Report(nil), t.reports...)
}

// Objective is the last value of the trial: the value returned by the objective function for
// completed trials, the last reported value for stopped ones. It is NaN if unknown.
func (t *Trial) Objective() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.objective
}

// Err is the error of a failed trial.
func (t *Trial) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Duration of the trial, once done.
func (t *Trial) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

func (t *Trial) start(params Params) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Params = params
	t.status = Running
	t.started = time.Now()
}

// finish sets the final status of the trial, given the result of the objective function.
func (t *Trial) finish(value float64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.duration = time.Since(t.started)
	switch {
	case err == nil && math.IsNaN(value):
		t.status = Failed
		t.err = errors.New("objective returned NaN")
	case err == nil:
		t.status = Completed
		t.objective = value
	case errors.Is(err, ErrStopped) || t.status == Stopped:
		t.status = Stopped
		switch {
		case len(t.reports) == 0:
			t.status = Failed
			t.err = errors.WithMessage(err, "trial stopped before reporting any value")
		case math.IsNaN(t.objective):
			t.status = Failed
			t.err = errors.WithMessage(err, "trial stopped after reporting NaN")
		}
	default:
		t.status = Failed
		t.err = err
	}
}

// TrialResult is a snapshot of a finished trial, suitable for serialization.
type TrialResult struct {
	ID        string
	Number    int
	Params    Params
	Status    Status
	Objective float64
	Reports   []Report
	Error     string
	Duration  time.Duration
}

// Result returns a snapshot of the trial.
func (t *Trial) Result() TrialResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := TrialResult{
		ID:        t.ID,
		Number:    t.Number,
		Params:    t.Params.Clone(),
		Status:    t.status,
		Objective: t.objective,
		Reports:   append([]Report(nil), t.reports...),
		Duration:  t.duration,
	}
	if t.err != nil {
		r.Error = t.err.Error()
	}
	return r
}
