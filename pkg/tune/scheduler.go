// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"math"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Decision of a scheduler about a running trial.
type Decision int

const (
	Continue Decision = iota
	Stop
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	if d == Stop {
		return "stop"
	}
	return "continue"
}

// Scheduler decides whether running trials continue, based on their intermediate results.
// It must be safe for concurrent use.
type Scheduler interface {
	// OnResult is called for every value reported by a trial, at the given step.
	OnResult(trialID string, step int, value float64) Decision

	// OnComplete is called once a trial is done, whatever its final status.
	OnComplete(trialID string)
}

// FIFO scheduler never stops trials.
type FIFO struct{}

var _ Scheduler = FIFO{}

// OnResult implements Scheduler.
func (FIFO) OnResult(string, int, float64) Decision { return Continue }

// OnComplete implements Scheduler.
func (FIFO) OnComplete(string) {}

// ASHAConfig configures NewASHA.
type ASHAConfig struct {
	// Metric is the name of the reported value, for logging.
	Metric string

	// Mode is the direction of Metric.
	Mode Direction

	// TimeAttr names the unit of the steps given to OnResult, for logging.
	TimeAttr string

	// MaxT is the maximum step of a trial: no rung is placed at or after it.
	MaxT int

	// GracePeriod is the first rung: trials are never stopped before it.
	GracePeriod int

	// ReductionFactor: only the top 1/ReductionFactor trials of each rung continue.
	ReductionFactor float64

	// Brackets is the number of brackets, each with rungs starting at a larger grace period.
	Brackets int
}

// Validate the configuration.
func (c ASHAConfig) Validate() error {
	if c.Metric == "" {
		return errors.New("ASHA: Metric is required")
	}
	if err := c.Mode.Validate(); err != nil {
		return errors.WithMessage(err, "ASHA: invalid Mode")
	}
	switch {
	case c.MaxT <= 0:
		return errors.Errorf("ASHA: MaxT must be > 0, got %d", c.MaxT)
	case c.GracePeriod <= 0 || c.GracePeriod > c.MaxT:
		return errors.Errorf("ASHA: GracePeriod must be in [1, MaxT=%d], got %d", c.MaxT, c.GracePeriod)
	case !(c.ReductionFactor > 1):
		return errors.Errorf("ASHA: ReductionFactor must be > 1, got %g", c.ReductionFactor)
	case c.Brackets < 1:
		return errors.Errorf("ASHA: Brackets must be >= 1, got %d", c.Brackets)
	}
	return nil
}

// ASHA is the asynchronous successive halving scheduler: trials are compared at rungs (steps
// GracePeriod * ReductionFactor^k), and a trial reaching a rung with a value outside the top
// 1/ReductionFactor of the values recorded at that rung by earlier trials is stopped.
// Values of stopped trials stay recorded.
type ASHA struct {
	config   ASHAConfig
	mu       sync.Mutex
	brackets []*ashaBracket
	trials   map[string]*ashaBracket
	numSeen  int
}

var _ Scheduler = (*ASHA)(nil)

type ashaBracket struct {
	rungs []*ashaRung // Sorted by decreasing milestone.
}

type ashaRung struct {
	milestone int
	recorded  map[string]float64
}

// NewASHA creates an ASHA scheduler.
func NewASHA(config ASHAConfig) (*ASHA, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	a := &ASHA{config: config, trials: make(map[string]*ashaBracket)}
	numRungs := int(math.Log(float64(config.MaxT)/float64(config.GracePeriod))/math.Log(config.ReductionFactor)) + 1
	for s := range config.Brackets {
		bracket := &ashaBracket{}
		for k := numRungs - s - 1; k >= 0; k-- {
			milestone := int(math.Round(float64(config.GracePeriod) * math.Pow(config.ReductionFactor, float64(k+s))))
			if milestone >= config.MaxT {
				continue
			}
			bracket.rungs = append(bracket.rungs, &ashaRung{milestone: milestone, recorded: make(map[string]float64)})
		}
		a.brackets = append(a.brackets, bracket)
	}
	return a, nil
}

// Milestones returns the rungs of each bracket, in increasing order.
func (a *ASHA) Milestones() [][]int {
	milestones := make([][]int, len(a.brackets))
	for ii, bracket := range a.brackets {
		for _, rung := range bracket.rungs {
			milestones[ii] = append(milestones[ii], rung.milestone)
		}
		slices.Sort(milestones[ii])
	}
	return milestones
}

// OnResult implements Scheduler.
func (a *ASHA) OnResult(trialID string, step int, value float64) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	bracket, found := a.trials[trialID]
	if !found {
		bracket = a.brackets[a.numSeen%len(a.brackets)]
		a.trials[trialID] = bracket
		a.numSeen++
	}
	if math.IsNaN(value) {
		return Stop
	}
	score := value
	if a.config.Mode == Minimize {
		score = -score
	}
	for _, rung := range bracket.rungs {
		if step < rung.milestone {
			continue
		}
		if _, done := rung.recorded[trialID]; done {
			// Only the highest rung reached by the trial counts.
			return Continue
		}
		// The cutoff only takes into account the trials that reached the rung before this one.
		decision := Continue
		if cutoff, ok := rung.cutoff(a.config.ReductionFactor); ok && score < cutoff {
			klog.V(1).Infof("ASHA: stopping trial %s at %s=%d: %s=%g below rung cutoff %g (%d recorded)",
				trialID, a.config.TimeAttr, step, a.config.Metric, value, a.orient(cutoff), len(rung.recorded))
			decision = Stop
		}
		rung.recorded[trialID] = score
		return decision
	}
	return Continue
}

// OnComplete implements Scheduler.
func (a *ASHA) OnComplete(trialID string) {}

func (a *ASHA) orient(score float64) float64 {
	if a.config.Mode == Minimize {
		return -score
	}
	return score
}

// cutoff is the (1 - 1/reductionFactor) quantile of the recorded scores. It returns false if nothing
// was recorded yet.
func (r *ashaRung) cutoff(reductionFactor float64) (float64, bool) {
	if len(r.recorded) == 0 {
		return 0, false
	}
	values := make([]float64, 0, len(r.recorded))
	for _, v := range r.recorded {
		values = append(values, v)
	}
	slices.Sort(values)
	return quantile(values, 1-1/reductionFactor), true
}

// quantile of sorted values, interpolating linearly between the closest ranks.
func quantile(sorted []float64, q float64) float64 {
	pos := clamp(q, 0, 1) * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
