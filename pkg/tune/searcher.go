// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// Searcher suggests the hyperparameters of new trials, given the results of the previous ones.
// Implementations are interchangeable: Run only uses this interface.
//
// Run serializes calls to a Searcher, but implementations are expected to be safe for concurrent use.
type Searcher interface {
	// Name of the search algorithm, for logging.
	Name() string

	// Setup is called once, before any suggestion, with the search space and the direction of the
	// optimization.
	Setup(space Space, direction Direction) error

	// Suggest returns the params for the trial with the given id.
	Suggest(trialID string) (Params, error)

	// Observe the final result of a trial previously suggested.
	Observe(trialID string, result TrialResult) error
}

// observations holds the state shared by model based searchers: the space, the points suggested and
// the finished trials usable to fit a model.
type observations struct {
	mu        sync.Mutex
	space     Space
	direction Direction
	rng       *rand.Rand
	pending   map[string][]float64

	// points in the unit cube and their scores. Scores are oriented so higher is better.
	points [][]float64
	scores []float64
	failed int
}

func (o *observations) setup(space Space, direction Direction, seed int64) error {
	if err := space.Validate(); err != nil {
		return err
	}
	if err := direction.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.space != nil {
		return errors.New("searcher already set up")
	}
	o.space = space
	o.direction = direction
	o.rng = rand.New(rand.NewSource(seed))
	o.pending = make(map[string][]float64)
	return nil
}

// suggested registers the unit point given to the trial and returns its params.
func (o *observations) suggested(trialID string, point []float64) Params {
	o.pending[trialID] = point
	return o.space.FromUnit(point)
}

func (o *observations) randomPoint() []float64 {
	point := make([]float64, len(o.space))
	for ii := range point {
		point[ii] = o.rng.Float64()
	}
	return point
}

// observe the result of a trial. Failed trials, or trials without an objective, are not used to fit
// models.
func (o *observations) observe(trialID string, result TrialResult) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.space == nil {
		return errors.New("searcher not set up")
	}
	point, found := o.pending[trialID]
	if !found {
		return errors.Errorf("unknown trial %q", trialID)
	}
	delete(o.pending, trialID)
	if result.Status == Failed || !isFinite(result.Objective) {
		o.failed++
		return nil
	}
	score := result.Objective
	if o.direction == Minimize {
		score = -score
	}
	o.points = append(o.points, point)
	o.scores = append(o.scores, score)
	return nil
}

// numObserved is the number of observations usable to fit a model.
func (o *observations) numObserved() int { return len(o.scores) }

// RandomSearch samples every trial independently from the space.
type RandomSearch struct {
	observations
	seed int64
}

var _ Searcher = (*RandomSearch)(nil)

// NewRandomSearch creates a RandomSearch seeded with seed.
func NewRandomSearch(seed int64) *RandomSearch { return &RandomSearch{seed: seed} }

// Name implements Searcher.
func (s *RandomSearch) Name() string { return "random" }

// Setup implements Searcher.
func (s *RandomSearch) Setup(space Space, direction Direction) error {
	return s.setup(space, direction, s.seed)
}

// Suggest implements Searcher.
func (s *RandomSearch) Suggest(trialID string) (Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.space == nil {
		return nil, errors.New("searcher not set up")
	}
	return s.suggested(trialID, s.randomPoint()), nil
}

// Observe implements Searcher.
func (s *RandomSearch) Observe(trialID string, result TrialResult) error {
	return s.observe(trialID, result)
}
