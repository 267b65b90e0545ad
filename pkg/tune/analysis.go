// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// Analysis is the result of a campaign.
type Analysis struct {
	Name      string
	Direction Direction

	// Trials in the order they were numbered.
	Trials []TrialResult

	// Best trial among completed and stopped ones, or nil if all failed.
	Best *TrialResult
}

func newAnalysis(name string, direction Direction, trials []*Trial) *Analysis {
	a := &Analysis{Name: name, Direction: direction, Trials: make([]TrialResult, 0, len(trials))}
	for _, t := range trials {
		a.Trials = append(a.Trials, t.Result())
	}
	for ii := range a.Trials {
		r := &a.Trials[ii]
		if r.Status != Completed && r.Status != Stopped {
			continue
		}
		if a.Best == nil || direction.Better(r.Objective, a.Best.Objective) {
			a.Best = r
		}
	}
	return a
}

// ByStatus returns the trials with the given status.
func (a *Analysis) ByStatus(status Status) []TrialResult {
	var results []TrialResult
	for _, r := range a.Trials {
		if r.Status == status {
			results = append(results, r)
		}
	}
	return results
}

// Counts returns a one-line count of trials per status.
func (a *Analysis) Counts() string {
	parts := make([]string, 0, 4)
	for _, status := range []Status{Completed, Stopped, Failed, Pending, Running} {
		if n := len(a.ByStatus(status)); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	return strings.Join(parts, ", ")
}

// Summary statistics of the objective over the trials that didn't fail.
type Summary struct {
	Count                int
	Mean, Median, StdDev float64
	Min, Max             float64
}

// Summary of the objective values of the completed and stopped trials.
func (a *Analysis) Summary() (Summary, error) {
	var values stats.Float64Data
	for _, r := range a.Trials {
		if (r.Status == Completed || r.Status == Stopped) && isFinite(r.Objective) {
			values = append(values, r.Objective)
		}
	}
	s := Summary{Count: len(values)}
	if len(values) == 0 {
		return s, errors.Wrapf(ErrAllTrialsFailed, "no objective values in campaign %q", a.Name)
	}
	var err error
	if s.Mean, err = stats.Mean(values); err != nil {
		return s, errors.Wrap(err, "mean")
	}
	if s.Median, err = stats.Median(values); err != nil {
		return s, errors.Wrap(err, "median")
	}
	if s.StdDev, err = stats.StandardDeviation(values); err != nil {
		return s, errors.Wrap(err, "standard deviation")
	}
	if s.Min, err = stats.Min(values); err != nil {
		return s, errors.Wrap(err, "min")
	}
	if s.Max, err = stats.Max(values); err != nil {
		return s, errors.Wrap(err, "max")
	}
	return s, nil
}

// String implements fmt.Stringer.
func (s Summary) String() string {
	return fmt.Sprintf("n=%d mean=%.4f median=%.4f stddev=%.4f min=%.4f max=%.4f",
		s.Count, s.Mean, s.Median, s.StdDev, s.Min, s.Max)
}

// Table renders all trials, marking the best one.
func (a *Analysis) Table() string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	bestStyle := cellStyle.Bold(true)
	bestRow := -1
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch row {
			case lgtable.HeaderRow:
				return headerStyle
			case bestRow:
				return bestStyle
			}
			return cellStyle
		})
	table.Headers("#", "Trial", "Params", "Status", "Objective", "Reports", "Duration")
	for ii, r := range a.Trials {
		if a.Best != nil && r.ID == a.Best.ID {
			bestRow = ii
		}
		objective := "-"
		if !math.IsNaN(r.Objective) && r.Status != Failed {
			objective = formatValue(r.Objective)
		}
		status := string(r.Status)
		if r.Error != "" {
			status += ": " + truncate(r.Error, 40)
		}
		table.Row(fmt.Sprintf("%d", r.Number), shortID(r.ID), r.Params.String(), status, objective,
			fmt.Sprintf("%d", len(r.Reports)), r.Duration.Round(time.Millisecond).String())
	}
	return table.String()
}

func shortID(id string) string { return truncate(id, 8) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
