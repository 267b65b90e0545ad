// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package history records the metrics collected while training (loss and accuracy per step or epoch),
// and presents them as a table, a JSON-lines log or a plot.
package history

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Names and types of the metrics recorded by the fine-tuning trainer.
const (
	MetricTrainLoss    = "train_loss"
	MetricEvalLoss     = "eval_loss"
	MetricEvalAccuracy = "eval_accuracy"

	TypeLoss     = "loss"
	TypeAccuracy = "accuracy"
)

// Point is one measurement of a metric.
type Point struct {
	// MetricName of this point, e.g. MetricEvalAccuracy.
	MetricName string

	// MetricType, typically TypeLoss or TypeAccuracy. Metrics of the same type are plotted together.
	MetricType string

	// Step is the global training step when the metric was measured.
	Step int64

	// Epoch is the (possibly fractional) number of epochs completed when the metric was measured.
	Epoch float64

	// Value of the metric.
	Value float64
}

// History is a collection of points, in the order they were added. It is safe for concurrent use.
type History struct {
	mu     sync.Mutex
	points []Point
}

// New creates an empty History.
func New() *History {
	return &History{}
}

// Add points to the history.
func (h *History) Add(points ...Point) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, points...)
}

// Len returns the number of points recorded.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.points)
}

// Points returns a copy of all points, in the order they were added.
func (h *History) Points() []Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.points)
}

// Metric returns the points of the given metric, in the order they were added.
func (h *History) Metric(name string) []Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	var points []Point
	for _, p := range h.points {
		if p.MetricName == name {
			points = append(points, p)
		}
	}
	return points
}

// Values returns the values of the given metric, in the order they were added.
func (h *History) Values(name string) []float64 {
	points := h.Metric(name)
	values := make([]float64, len(points))
	for ii, p := range points {
		values[ii] = p.Value
	}
	return values
}

// EvalAccuracy returns the evaluation accuracies, in the order they were measured.
func (h *History) EvalAccuracy() []float64 {
	return h.Values(MetricEvalAccuracy)
}

// Last returns the last point of the given metric.
func (h *History) Last(name string) (point Point, found bool) {
	points := h.Metric(name)
	if len(points) == 0 {
		return
	}
	return points[len(points)-1], true
}

// MetricsNames returns the names of the metrics recorded, sorted by type and then by name.
func (h *History) MetricsNames() []string {
	h.mu.Lock()
	nameToType := make(map[string]string)
	for _, p := range h.points {
		nameToType[p.MetricName] = p.MetricType
	}
	h.mu.Unlock()
	names := slices.Sorted(maps.Keys(nameToType))
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// Table returns a table with one row per step: the columns are the step, the epoch and the given metrics.
// If metrics is empty, it includes all metrics.
func (h *History) Table(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(metrics) == 0 {
		metrics = h.MetricsNames()
	}
	table.Headers(append([]string{"Step", "Epoch"}, metrics...)...)

	byStep := make(map[int64][]Point)
	for _, p := range h.Points() {
		byStep[p.Step] = append(byStep[p.Step], p)
	}
	for _, step := range slices.Sorted(maps.Keys(byStep)) {
		row := make([]string, 2+len(metrics))
		row[0] = fmt.Sprintf("%d", step)
		for _, p := range byStep[step] {
			row[1] = fmt.Sprintf("%.2f", p.Epoch)
			if idx := slices.Index(metrics, p.MetricName); idx != -1 {
				row[idx+2] = fmt.Sprintf("%.4f", p.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

// String implements fmt.Stringer, returning the table with all metrics.
func (h *History) String() string {
	return h.Table()
}

// Write the points as JSON lines, one point per line.
func (h *History) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, p := range h.Points() {
		if err := enc.Encode(p); err != nil {
			return errors.Wrapf(err, "failed to encode point %v", p)
		}
	}
	return nil
}

// Save the points to filePath as JSON lines, replacing the file if it exists.
func (h *History) Save(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create history file %q", filePath)
	}
	if err = h.Write(f); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "while writing %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// Read parses the points written with Write.
func Read(r io.Reader) (*History, error) {
	h := New()
	dec := json.NewDecoder(r)
	for {
		var p Point
		err := dec.Decode(&p)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode history point")
		}
		h.points = append(h.points, p)
	}
	return h, nil
}

// Load the points saved with Save.
func Load(filePath string) (*History, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	h, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", filePath)
	}
	return h, nil
}

// Plot draws the metrics of the given type (e.g. TypeAccuracy) as a function of the epoch, and saves
// the image to filePath. The format is taken from the file extension (e.g. ".png" or ".svg").
func (h *History) Plot(filePath, metricType string) error {
	p := plot.New()
	p.Title.Text = metricType
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = metricType
	p.Legend.Top = true

	var numLines int
	for _, name := range h.MetricsNames() {
		points := h.Metric(name)
		if len(points) == 0 || points[0].MetricType != metricType {
			continue
		}
		xys := make(plotter.XYs, len(points))
		for ii, pt := range points {
			xys[ii].X, xys[ii].Y = pt.Epoch, pt.Value
		}
		line, scatter, err := plotter.NewLinePoints(xys)
		if err != nil {
			return errors.Wrapf(err, "failed to plot metric %q", name)
		}
		line.Color = plotutil.Color(numLines)
		scatter.Color = plotutil.Color(numLines)
		scatter.Shape = plotutil.Shape(numLines)
		p.Add(line, scatter)
		p.Legend.Add(name, line, scatter)
		numLines++
	}
	if numLines == 0 {
		return errors.Errorf("no metrics of type %q to plot", metricType)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}
