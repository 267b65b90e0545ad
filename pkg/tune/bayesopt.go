// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// Acquisition function used by BayesOpt to rank candidate points.
type Acquisition string

const (
	// ExpectedImprovement over the best observed score.
	ExpectedImprovement Acquisition = "ei"

	// ProbabilityOfImprovement over the best observed score.
	ProbabilityOfImprovement Acquisition = "pi"

	// UpperConfidenceBound is mean + Kappa * stddev.
	UpperConfidenceBound Acquisition = "ucb"
)

// BayesOptConfig configures NewBayesOpt.
type BayesOptConfig struct {
	Seed int64

	// NumInitialPoints are sampled at random before the Gaussian process is used.
	NumInitialPoints int

	// NumCandidates random points of the unit cube are ranked by the acquisition function at each suggestion.
	NumCandidates int

	Acquisition Acquisition

	// Xi is the minimum improvement for ExpectedImprovement and ProbabilityOfImprovement.
	Xi float64

	// Kappa is the exploration weight of UpperConfidenceBound.
	Kappa float64

	// LengthScale of the RBF kernel, in the unit cube.
	LengthScale float64

	// Noise added to the diagonal of the kernel matrix.
	Noise float64
}

// DefaultBayesOptConfig returns a configuration using expected improvement.
func DefaultBayesOptConfig() BayesOptConfig {
	return BayesOptConfig{
		Seed:             42,
		NumInitialPoints: 2,
		NumCandidates:    1000,
		Acquisition:      ExpectedImprovement,
		Xi:               0.01,
		Kappa:            2.576,
		LengthScale:      0.25,
		Noise:            1e-6,
	}
}

// Validate the configuration.
func (c BayesOptConfig) Validate() error {
	switch {
	case c.NumInitialPoints < 1:
		return errors.Errorf("BayesOpt: NumInitialPoints must be >= 1, got %d", c.NumInitialPoints)
	case c.NumCandidates < 1:
		return errors.Errorf("BayesOpt: NumCandidates must be >= 1, got %d", c.NumCandidates)
	case c.LengthScale <= 0:
		return errors.Errorf("BayesOpt: LengthScale must be > 0, got %g", c.LengthScale)
	case c.Noise < 0:
		return errors.Errorf("BayesOpt: Noise must be >= 0, got %g", c.Noise)
	}
	switch c.Acquisition {
	case ExpectedImprovement, ProbabilityOfImprovement, UpperConfidenceBound:
		return nil
	}
	return errors.Errorf("BayesOpt: unknown acquisition function %q", c.Acquisition)
}

// BayesOpt is a Bayesian optimization searcher: it fits a Gaussian process with an RBF kernel to the
// observed scores (in the unit cube) and suggests the candidate point maximizing the acquisition
// function.
type BayesOpt struct {
	observations
	config BayesOptConfig
}

var _ Searcher = (*BayesOpt)(nil)

// NewBayesOpt creates a Gaussian process searcher.
func NewBayesOpt(config BayesOptConfig) (*BayesOpt, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &BayesOpt{config: config}, nil
}

// Name implements Searcher.
func (b *BayesOpt) Name() string { return "bayesopt" }

// Setup implements Searcher.
func (b *BayesOpt) Setup(space Space, direction Direction) error {
	return b.setup(space, direction, b.config.Seed)
}

// Observe implements Searcher.
func (b *BayesOpt) Observe(trialID string, result TrialResult) error {
	return b.observe(trialID, result)
}

// Suggest implements Searcher.
func (b *BayesOpt) Suggest(trialID string) (Params, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.space == nil {
		return nil, errors.New("searcher not set up")
	}
	if b.numObserved() < b.config.NumInitialPoints {
		return b.suggested(trialID, b.randomPoint()), nil
	}
	gp, err := fitGaussianProcess(b.points, b.scores, b.config.LengthScale, b.config.Noise)
	if err != nil {
		klog.Warningf("BayesOpt: %v, falling back to a random point", err)
		return b.suggested(trialID, b.randomPoint()), nil
	}
	best := b.scores[0]
	for _, s := range b.scores[1:] {
		best = max(best, s)
	}
	best = gp.standardize(best)

	var bestPoint []float64
	bestAcq := math.Inf(-1)
	for range b.config.NumCandidates {
		candidate := b.randomPoint()
		mean, variance := gp.predict(candidate)
		acq := b.acquisition(mean, variance, best)
		if acq > bestAcq || bestPoint == nil {
			bestAcq, bestPoint = acq, candidate
		}
	}
	return b.suggested(trialID, bestPoint), nil
}

var standardNormal = distuv.Normal{Mu: 0, Sigma: 1}

// acquisition of a point with the given posterior, where best is the best score observed so far.
// Higher is more promising.
func (b *BayesOpt) acquisition(mean, variance, best float64) float64 {
	sigma := math.Sqrt(max(variance, 1e-12))
	switch b.config.Acquisition {
	case UpperConfidenceBound:
		return mean + b.config.Kappa*sigma
	case ProbabilityOfImprovement:
		return standardNormal.CDF((mean - best - b.config.Xi) / sigma)
	default:
		improvement := mean - best - b.config.Xi
		z := improvement / sigma
		return improvement*standardNormal.CDF(z) + sigma*standardNormal.Prob(z)
	}
}

// gaussianProcess posterior with unit amplitude RBF kernel, fitted to standardized scores.
type gaussianProcess struct {
	x           [][]float64
	alpha       *mat.VecDense
	chol        mat.Cholesky
	lengthScale float64
	mean, std   float64
}

func fitGaussianProcess(x [][]float64, y []float64, lengthScale, noise float64) (*gaussianProcess, error) {
	n := len(x)
	gp := &gaussianProcess{x: x, lengthScale: lengthScale}
	gp.mean, gp.std = stat.MeanStdDev(y, nil)
	if n < 2 || !(gp.std > 0) {
		gp.std = 1
	}
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := gp.kernel(x[i], x[j])
			if i == j {
				v += noise
			}
			k.SetSym(i, j, v)
		}
	}
	if ok := gp.chol.Factorize(k); !ok {
		return nil, errors.New("kernel matrix is not positive definite")
	}
	yStd := mat.NewVecDense(n, nil)
	for i, v := range y {
		yStd.SetVec(i, gp.standardize(v))
	}
	gp.alpha = mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(gp.alpha, yStd); err != nil {
		return nil, errors.Wrap(err, "failed to solve the Gaussian process system")
	}
	return gp, nil
}

func (gp *gaussianProcess) standardize(v float64) float64 { return (v - gp.mean) / gp.std }

func (gp *gaussianProcess) kernel(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Exp(-sum / (2 * gp.lengthScale * gp.lengthScale))
}

// predict returns the posterior mean and variance, in standardized units, at x.
func (gp *gaussianProcess) predict(x []float64) (mean, variance float64) {
	n := len(gp.x)
	kx := mat.NewVecDense(n, nil)
	for i, xi := range gp.x {
		kx.SetVec(i, gp.kernel(x, xi))
	}
	mean = mat.Dot(kx, gp.alpha)
	v := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(v, kx); err != nil {
		return mean, 1
	}
	variance = max(1-mat.Dot(kx, v), 0)
	return mean, variance
}
