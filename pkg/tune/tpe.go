// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"math"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// TPEConfig configures NewTPE.
type TPEConfig struct {
	Seed int64

	// NumStartupTrials are sampled at random before the estimators are used.
	NumStartupTrials int

	// Gamma is the fraction of the observations considered "good".
	Gamma float64

	// NumEICandidates are drawn from the good estimator at each suggestion, and the one with the
	// highest ratio between the good and the bad densities is chosen.
	NumEICandidates int

	// PriorWeight of the uniform prior component in each estimator.
	PriorWeight float64
}

// DefaultTPEConfig returns the usual tree-of-Parzen-estimators settings.
func DefaultTPEConfig() TPEConfig {
	return TPEConfig{
		Seed:             42,
		NumStartupTrials: 2,
		Gamma:            0.25,
		NumEICandidates:  24,
		PriorWeight:      1.0,
	}
}

// Validate the configuration.
func (c TPEConfig) Validate() error {
	switch {
	case c.NumStartupTrials < 1:
		return errors.Errorf("TPE: NumStartupTrials must be >= 1, got %d", c.NumStartupTrials)
	case !(c.Gamma > 0 && c.Gamma < 1):
		return errors.Errorf("TPE: Gamma must be in (0, 1), got %g", c.Gamma)
	case c.NumEICandidates < 1:
		return errors.Errorf("TPE: NumEICandidates must be >= 1, got %d", c.NumEICandidates)
	case c.PriorWeight <= 0:
		return errors.Errorf("TPE: PriorWeight must be > 0, got %g", c.PriorWeight)
	}
	return nil
}

// TPE is a tree-of-Parzen-estimators searcher. Observations are split into good and bad ones, a
// Parzen estimator (mixture of truncated Gaussians in the unit interval) is fitted to each for every
// dimension, and the candidate maximizing the ratio l(x)/g(x) of good over bad densities is suggested.
type TPE struct {
	observations
	config TPEConfig
}

var _ Searcher = (*TPE)(nil)

// NewTPE creates a tree-of-Parzen-estimators searcher.
func NewTPE(config TPEConfig) (*TPE, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TPE{config: config}, nil
}

// Name implements Searcher.
func (t *TPE) Name() string { return "tpe" }

// Setup implements Searcher.
func (t *TPE) Setup(space Space, direction Direction) error {
	return t.setup(space, direction, t.config.Seed)
}

// Observe implements Searcher.
func (t *TPE) Observe(trialID string, result TrialResult) error {
	return t.observe(trialID, result)
}

// Suggest implements Searcher.
func (t *TPE) Suggest(trialID string) (Params, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.space == nil {
		return nil, errors.New("searcher not set up")
	}
	n := t.numObserved()
	if n < t.config.NumStartupTrials {
		return t.suggested(trialID, t.randomPoint()), nil
	}

	// Split observations, best first.
	order := make([]int, n)
	for ii := range order {
		order[ii] = ii
	}
	sort.SliceStable(order, func(i, j int) bool { return t.scores[order[i]] > t.scores[order[j]] })
	numGood := clamp(int(math.Ceil(t.config.Gamma*float64(n))), 1, n)

	numDims := len(t.space)
	point := make([]float64, numDims)
	for dim := range numDims {
		good := make([]float64, 0, numGood)
		bad := make([]float64, 0, n-numGood)
		for rank, idx := range order {
			if rank < numGood {
				good = append(good, t.points[idx][dim])
			} else {
				bad = append(bad, t.points[idx][dim])
			}
		}
		l := newParzenEstimator(good, t.config.PriorWeight)
		g := newParzenEstimator(bad, t.config.PriorWeight)
		bestRatio := math.Inf(-1)
		for range t.config.NumEICandidates {
			x := l.sample(t.rng.Float64, t.rng.NormFloat64)
			ratio := l.logProb(x) - g.logProb(x)
			if ratio > bestRatio {
				bestRatio, point[dim] = ratio, x
			}
		}
	}
	return t.suggested(trialID, point), nil
}

// parzenEstimator is a mixture of Gaussians truncated to [0, 1], one per observation plus a wide prior
// centered at 0.5.
type parzenEstimator struct {
	mus, sigmas, weights []float64
}

const (
	priorMu    = 0.5
	priorSigma = 1.0
)

func newParzenEstimator(observed []float64, priorWeight float64) *parzenEstimator {
	mus := append(slices.Clone(observed), priorMu)
	weights := make([]float64, len(mus))
	for ii := range observed {
		weights[ii] = 1
	}
	weights[len(observed)] = priorWeight

	// Bandwidth of each observation: distance to its farthest immediate neighbor (bounds included),
	// clipped to [priorSigma/min(100, 1+n), priorSigma].
	order := make([]int, len(mus))
	for ii := range order {
		order[ii] = ii
	}
	sort.SliceStable(order, func(i, j int) bool { return mus[order[i]] < mus[order[j]] })
	sigmas := make([]float64, len(mus))
	minSigma := priorSigma / math.Min(100, 1+float64(len(mus)))
	for rank, idx := range order {
		lower, upper := 0.0, 1.0
		if rank > 0 {
			lower = mus[order[rank-1]]
		}
		if rank < len(order)-1 {
			upper = mus[order[rank+1]]
		}
		sigmas[idx] = clamp(math.Max(mus[idx]-lower, upper-mus[idx]), minSigma, priorSigma)
	}
	sigmas[len(observed)] = priorSigma

	var total float64
	for _, w := range weights {
		total += w
	}
	for ii := range weights {
		weights[ii] /= total
	}
	return &parzenEstimator{mus: mus, sigmas: sigmas, weights: weights}
}

// sample draws from the mixture, given uniform and standard normal generators.
func (p *parzenEstimator) sample(uniform, normal func() float64) float64 {
	u := uniform()
	component := len(p.weights) - 1
	for ii, w := range p.weights {
		if u < w {
			component = ii
			break
		}
		u -= w
	}
	mu, sigma := p.mus[component], p.sigmas[component]
	for range 100 {
		x := mu + sigma*normal()
		if x >= 0 && x <= 1 {
			return x
		}
	}
	return clamp(mu, 0, 1)
}

// logProb of x under the truncated mixture.
func (p *parzenEstimator) logProb(x float64) float64 {
	var density float64
	for ii, mu := range p.mus {
		n := distuv.Normal{Mu: mu, Sigma: p.sigmas[ii]}
		mass := n.CDF(1) - n.CDF(0)
		if mass <= 0 {
			continue
		}
		density += p.weights[ii] * n.Prob(x) / mass
	}
	if density <= 0 {
		return math.Inf(-1)
	}
	return math.Log(density)
}
