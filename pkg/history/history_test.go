// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package history

import (
	"bytes"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHistory() *History {
	h := New()
	for epoch := 1; epoch <= 3; epoch++ {
		step := int64(epoch * 10)
		h.Add(
			Point{MetricName: MetricTrainLoss, MetricType: TypeLoss, Step: step, Epoch: float64(epoch), Value: 1 / float64(epoch)},
			Point{MetricName: MetricEvalLoss, MetricType: TypeLoss, Step: step, Epoch: float64(epoch), Value: 1.5 / float64(epoch)},
			Point{MetricName: MetricEvalAccuracy, MetricType: TypeAccuracy, Step: step, Epoch: float64(epoch), Value: 0.5 + 0.1*float64(epoch)},
		)
	}
	return h
}

func TestHistoryQueries(t *testing.T) {
	h := sampleHistory()
	assert.Equal(t, 9, h.Len())
	assert.InDeltaSlice(t, []float64{0.6, 0.7, 0.8}, h.EvalAccuracy(), 1e-9)
	last, found := h.Last(MetricTrainLoss)
	require.True(t, found)
	assert.Equal(t, int64(30), last.Step)
	_, found = h.Last("unknown")
	assert.False(t, found)
	assert.Equal(t, []string{MetricEvalAccuracy, MetricEvalLoss, MetricTrainLoss}, h.MetricsNames())
}

func TestTable(t *testing.T) {
	table := sampleHistory().Table(MetricEvalAccuracy)
	assert.Contains(t, table, "Step")
	assert.Contains(t, table, MetricEvalAccuracy)
	assert.NotContains(t, table, MetricTrainLoss)
	assert.Contains(t, table, "0.8000")
	assert.Contains(t, table, "0.6000")
	assert.Contains(t, table, "30")
}

func TestSaveLoad(t *testing.T) {
	h := sampleHistory()
	filePath := path.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, h.Save(filePath))
	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, h.Points(), loaded.Points())

	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	assert.Equal(t, 9, strings.Count(buf.String(), "\n"))

	_, err = Read(strings.NewReader("{not json"))
	require.Error(t, err)
	_, err = Load(path.Join(t.TempDir(), "missing.jsonl"))
	require.Error(t, err)
}

func TestPlot(t *testing.T) {
	h := sampleHistory()
	filePath := path.Join(t.TempDir(), "accuracy.png")
	require.NoError(t, h.Plot(filePath, TypeAccuracy))
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	require.Error(t, h.Plot(path.Join(t.TempDir(), "none.png"), "perplexity"))
}
