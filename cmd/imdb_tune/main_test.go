// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"testing"

	"github.com/gomlx/imdbtune/pkg/textclass"
	"github.com/stretchr/testify/assert"
)

func TestPrintPredictions(t *testing.T) {
	var buf bytes.Buffer
	printPredictions(&buf, []string{"great", "awful"}, [][]textclass.Prediction{
		{{Label: "pos", ID: 1, Score: 0.9}, {Label: "neg", ID: 0, Score: 0.1}},
		{{Label: "neg", ID: 0, Score: 0.75}, {Label: "pos", ID: 1, Score: 0.25}},
	})
	assert.Equal(t, "\"great\": pos=0.9000 neg=0.1000\n\"awful\": neg=0.7500 pos=0.2500\n", buf.String())
}
