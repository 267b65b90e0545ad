// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"fmt"
	"maps"
	"math"
	"math/rand"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Distribution of a continuous hyperparameter. Searchers work on the unit interval: ToUnit and
// FromUnit map values to and from [0, 1].
type Distribution interface {
	// Validate returns an error if the bounds are invalid.
	Validate() error

	// Sample a value from the distribution.
	Sample(rng *rand.Rand) float64

	// ToUnit maps a value of the distribution to [0, 1]. Values out of bounds are clamped.
	ToUnit(value float64) float64

	// FromUnit maps u in [0, 1] to a value of the distribution. It is the inverse of ToUnit.
	FromUnit(u float64) float64

	fmt.Stringer
}

// LogUniform returns a distribution whose logarithm is uniform in [log(lo), log(hi)].
func LogUniform(lo, hi float64) Distribution { return logUniform{Lo: lo, Hi: hi} }

// Uniform returns a uniform distribution over [lo, hi].
func Uniform(lo, hi float64) Distribution { return uniform{Lo: lo, Hi: hi} }

type uniform struct{ Lo, Hi float64 }

func (d uniform) Validate() error {
	if !isFinite(d.Lo) || !isFinite(d.Hi) {
		return errors.Errorf("%s: bounds must be finite", d)
	}
	if d.Lo >= d.Hi {
		return errors.Errorf("%s: lower bound must be smaller than the upper bound", d)
	}
	return nil
}

func (d uniform) Sample(rng *rand.Rand) float64 { return d.FromUnit(rng.Float64()) }
func (d uniform) ToUnit(v float64) float64      { return clamp((v-d.Lo)/(d.Hi-d.Lo), 0, 1) }
func (d uniform) FromUnit(u float64) float64    { return clamp(d.Lo+clamp(u, 0, 1)*(d.Hi-d.Lo), d.Lo, d.Hi) }
func (d uniform) String() string                { return fmt.Sprintf("uniform(%g, %g)", d.Lo, d.Hi) }

type logUniform struct{ Lo, Hi float64 }

func (d logUniform) Validate() error {
	if !isFinite(d.Lo) || !isFinite(d.Hi) {
		return errors.Errorf("%s: bounds must be finite", d)
	}
	if d.Lo <= 0 {
		return errors.Errorf("%s: lower bound must be > 0", d)
	}
	if d.Lo >= d.Hi {
		return errors.Errorf("%s: lower bound must be smaller than the upper bound", d)
	}
	return nil
}

func (d logUniform) Sample(rng *rand.Rand) float64 { return d.FromUnit(rng.Float64()) }

func (d logUniform) ToUnit(v float64) float64 {
	if v <= 0 {
		return 0
	}
	logLo, logHi := math.Log(d.Lo), math.Log(d.Hi)
	return clamp((math.Log(v)-logLo)/(logHi-logLo), 0, 1)
}

func (d logUniform) FromUnit(u float64) float64 {
	logLo, logHi := math.Log(d.Lo), math.Log(d.Hi)
	return clamp(math.Exp(logLo+clamp(u, 0, 1)*(logHi-logLo)), d.Lo, d.Hi)
}

func (d logUniform) String() string { return fmt.Sprintf("loguniform(%g, %g)", d.Lo, d.Hi) }

// Space maps hyperparameter names to their distributions.
type Space map[string]Distribution

// SpaceFn returns the search space for a trial.
type SpaceFn func(trial *Trial) Space

// Params are the hyperparameter values of one trial.
type Params map[string]float64

// Names of the hyperparameters, sorted. Dimension ii of the unit cube is Names()[ii].
func (s Space) Names() []string {
	return slices.Sorted(maps.Keys(s))
}

// Validate checks the space is not empty and all distributions are valid.
func (s Space) Validate() error {
	if len(s) == 0 {
		return errors.New("search space is empty")
	}
	for _, name := range s.Names() {
		d := s[name]
		if d == nil {
			return errors.Errorf("hyperparameter %q has no distribution", name)
		}
		if err := d.Validate(); err != nil {
			return errors.WithMessagef(err, "hyperparameter %q", name)
		}
	}
	return nil
}

// Equal returns whether both spaces have the same hyperparameters with the same distributions.
func (s Space) Equal(other Space) bool {
	if len(s) != len(other) {
		return false
	}
	for name, d := range s {
		o, found := other[name]
		if !found || o != d {
			return false
		}
	}
	return true
}

// Sample each hyperparameter independently.
func (s Space) Sample(rng *rand.Rand) Params {
	params := make(Params, len(s))
	for _, name := range s.Names() {
		params[name] = s[name].Sample(rng)
	}
	return params
}

// ToUnit maps params to a point of the unit cube, one dimension per name in Names().
func (s Space) ToUnit(params Params) []float64 {
	names := s.Names()
	point := make([]float64, len(names))
	for ii, name := range names {
		point[ii] = s[name].ToUnit(params[name])
	}
	return point
}

// FromUnit maps a point of the unit cube back to params.
func (s Space) FromUnit(point []float64) Params {
	names := s.Names()
	params := make(Params, len(names))
	for ii, name := range names {
		params[name] = s[name].FromUnit(point[ii])
	}
	return params
}

// String lists the hyperparameters and their distributions.
func (s Space) String() string {
	parts := make([]string, 0, len(s))
	for _, name := range s.Names() {
		parts = append(parts, fmt.Sprintf("%s=%s", name, s[name]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// String formats the params sorted by name.
func (p Params) String() string {
	names := slices.Sorted(maps.Keys(p))
	parts := make([]string, len(names))
	for ii, name := range names {
		parts[ii] = fmt.Sprintf("%s=%.4g", name, p[name])
	}
	return strings.Join(parts, ", ")
}

// Clone returns a copy of the params.
func (p Params) Clone() Params {
	return maps.Clone(p)
}

func clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
