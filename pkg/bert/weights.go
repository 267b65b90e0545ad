// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bert

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// SafetensorsFile is the name of the weights file in HuggingFace repositories.
const SafetensorsFile = "model.safetensors"

// tensorInfo is the safetensors header entry of one tensor.
type tensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// weightLayout tells how a PyTorch tensor is converted to the corresponding GoMLX variable.
type weightLayout int

const (
	layoutAsIs weightLayout = iota

	// layoutDense transposes PyTorch's [out, in] linear weights to [in, out].
	layoutDense

	// layoutHeadsWeights transposes and splits the output axis in heads: [in, heads, headDim].
	layoutHeadsWeights

	// layoutHeadsBiases splits the biases in heads: [heads, headDim].
	layoutHeadsBiases
)

type weightTarget struct {
	scope  []string
	name   string
	layout weightLayout
}

// LoadStats reports what LoadSafetensors did.
type LoadStats struct {
	// Loaded is the number of tensors set in the context.
	Loaded int

	// Skipped holds the names of tensors in the file that are not used by the classifier, e.g. the
	// masked language model head.
	Skipped []string
}

// LoadSafetensors reads a HuggingFace BERT safetensors file and sets the corresponding variables in ctx,
// creating them if they don't exist yet. Tensors are converted to float32.
//
// Both "bert."-prefixed names (as in BertForSequenceClassification) and bare names (BertModel) are accepted.
func LoadSafetensors(ctx *context.Context, config *Config, filePath string) (*LoadStats, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read safetensors file %q", filePath)
	}
	stats, err := loadSafetensorsBytes(ctx, config, contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading %q", filePath)
	}
	klog.V(1).Infof("bert: loaded %d tensors from %q, skipped %d", stats.Loaded, filePath, len(stats.Skipped))
	return stats, nil
}

func loadSafetensorsBytes(ctx *context.Context, config *Config, contents []byte) (*LoadStats, error) {
	if len(contents) < 8 {
		return nil, errors.New("safetensors file too small")
	}
	headerSize := binary.LittleEndian.Uint64(contents[:8])
	if headerSize > uint64(len(contents)-8) {
		return nil, errors.Errorf("safetensors header size %d larger than the file", headerSize)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(contents[8:8+headerSize], &header); err != nil {
		return nil, errors.Wrap(err, "failed to parse safetensors header")
	}
	data := contents[8+headerSize:]

	stats := &LoadStats{}
	for tensorName, raw := range header {
		if tensorName == "__metadata__" {
			continue
		}
		target, ok := mapTensorName(tensorName)
		if !ok {
			stats.Skipped = append(stats.Skipped, tensorName)
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, errors.Wrapf(err, "failed to parse header of tensor %q", tensorName)
		}
		if info.Offsets[0] < 0 || info.Offsets[1] < info.Offsets[0] || info.Offsets[1] > int64(len(data)) {
			return nil, errors.Errorf("tensor %q has invalid offsets %v (data size %d)", tensorName, info.Offsets, len(data))
		}
		values, err := decodeFloats(info.DType, data[info.Offsets[0]:info.Offsets[1]])
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", tensorName)
		}
		tensor, err := toVariableLayout(values, info.Shape, target.layout, config)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", tensorName)
		}
		if err = setVariable(ctx, target.scope, target.name, tensor); err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", tensorName)
		}
		stats.Loaded++
	}
	return stats, nil
}

// mapTensorName maps HuggingFace BERT tensor names to the scope and name of the variables created by ClassifierGraph.
func mapTensorName(tensorName string) (target weightTarget, ok bool) {
	tensorName = strings.TrimPrefix(tensorName, "bert.")
	parts := strings.Split(tensorName, ".")
	last := parts[len(parts)-1]

	// LayerNorm parameters: older checkpoints use gamma/beta.
	layerNormVar := func(scope ...string) (weightTarget, bool) {
		scope = append(scope, "layer_normalization")
		switch last {
		case "weight", "gamma":
			return weightTarget{scope: scope, name: "gain"}, true
		case "bias", "beta":
			return weightTarget{scope: scope, name: "offset"}, true
		}
		return weightTarget{}, false
	}
	denseVar := func(scope ...string) (weightTarget, bool) {
		scope = append(scope, "dense")
		switch last {
		case "weight":
			return weightTarget{scope: scope, name: "weights", layout: layoutDense}, true
		case "bias":
			return weightTarget{scope: scope, name: "biases"}, true
		}
		return weightTarget{}, false
	}

	switch {
	case len(parts) == 3 && parts[0] == "embeddings" && strings.HasSuffix(parts[1], "_embeddings") && last == "weight":
		kind := strings.TrimSuffix(parts[1], "_embeddings")
		if kind != "word" && kind != "position" && kind != "token_type" {
			return weightTarget{}, false
		}
		return weightTarget{scope: []string{ScopeEmbeddings, kind}, name: "embeddings"}, true

	case len(parts) == 3 && parts[0] == "embeddings" && parts[1] == "LayerNorm":
		return layerNormVar(ScopeEmbeddings)

	case len(parts) == 3 && parts[0] == "pooler" && parts[1] == "dense":
		return denseVar(ScopePooler)

	case len(parts) == 2 && parts[0] == "classifier":
		return denseVar(ScopeClassifier)

	case len(parts) >= 5 && parts[0] == "encoder" && parts[1] == "layer":
		var layerIdx int
		if _, err := fmt.Sscanf(parts[2], "%d", &layerIdx); err != nil {
			return weightTarget{}, false
		}
		layerScope := fmt.Sprintf("%s%d", ScopeLayerPrefix, layerIdx)
		component := strings.Join(parts[3:len(parts)-1], ".")
		switch component {
		case "attention.self.query", "attention.self.key", "attention.self.value":
			projection := parts[len(parts)-2]
			scope := []string{layerScope, ScopeAttention, "MultiHeadAttention", projection, "dense"}
			switch last {
			case "weight":
				return weightTarget{scope: scope, name: "weights", layout: layoutHeadsWeights}, true
			case "bias":
				return weightTarget{scope: scope, name: "biases", layout: layoutHeadsBiases}, true
			}
		case "attention.output.dense":
			return denseVar(layerScope, ScopeAttention, "MultiHeadAttention", "output")
		case "attention.output.LayerNorm":
			return layerNormVar(layerScope, ScopeAttention)
		case "intermediate.dense":
			return denseVar(layerScope, ScopeIntermediate)
		case "output.dense":
			return denseVar(layerScope, ScopeOutput)
		case "output.LayerNorm":
			return layerNormVar(layerScope, ScopeOutput)
		}
	}
	return weightTarget{}, false
}

// decodeFloats converts the little-endian raw data of a tensor to float32.
func decodeFloats(dtype string, raw []byte) ([]float32, error) {
	var elementSize int
	switch dtype {
	case "F32":
		elementSize = 4
	case "F64":
		elementSize = 8
	case "F16", "BF16":
		elementSize = 2
	default:
		return nil, errors.Errorf("unsupported safetensors dtype %q", dtype)
	}
	if len(raw)%elementSize != 0 {
		return nil, errors.Errorf("data size %d not a multiple of the %s element size", len(raw), dtype)
	}
	values := make([]float32, len(raw)/elementSize)
	for ii := range values {
		chunk := raw[ii*elementSize : (ii+1)*elementSize]
		switch dtype {
		case "F32":
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(chunk))
		case "F64":
			values[ii] = float32(math.Float64frombits(binary.LittleEndian.Uint64(chunk)))
		case "F16":
			values[ii] = float16.Frombits(binary.LittleEndian.Uint16(chunk)).Float32()
		case "BF16":
			values[ii] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(chunk)) << 16)
		}
	}
	return values, nil
}

func toVariableLayout(values []float32, shape []int, layout weightLayout, config *Config) (*tensors.Tensor, error) {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if size != len(values) {
		return nil, errors.Errorf("shape %v doesn't match the %d values stored", shape, len(values))
	}
	numHeads, headDim := config.NumAttentionHeads, config.HeadDim()
	switch layout {
	case layoutDense, layoutHeadsWeights:
		if len(shape) != 2 {
			return nil, errors.Errorf("dense weights must be rank 2, got shape %v", shape)
		}
		transposed := transpose(values, shape[0], shape[1])
		if layout == layoutHeadsWeights {
			if shape[0] != numHeads*headDim {
				return nil, errors.Errorf("attention projection with %d outputs, expected %d heads of dim %d",
					shape[0], numHeads, headDim)
			}
			return tensors.FromFlatDataAndDimensions(transposed, shape[1], numHeads, headDim), nil
		}
		return tensors.FromFlatDataAndDimensions(transposed, shape[1], shape[0]), nil
	case layoutHeadsBiases:
		if len(shape) != 1 || shape[0] != numHeads*headDim {
			return nil, errors.Errorf("attention biases shaped %v, expected [%d]", shape, numHeads*headDim)
		}
		return tensors.FromFlatDataAndDimensions(values, numHeads, headDim), nil
	default:
		return tensors.FromFlatDataAndDimensions(values, shape...), nil
	}
}

// transpose a row-major [rows, cols] matrix to [cols, rows].
func transpose(values []float32, rows, cols int) []float32 {
	transposed := make([]float32, len(values))
	for row := range rows {
		for col := range cols {
			transposed[col*rows+row] = values[row*cols+col]
		}
	}
	return transposed
}

// setVariable overwrites the value of the variable, or creates it with the value if it doesn't exist.
func setVariable(ctx *context.Context, scope []string, name string, value *tensors.Tensor) error {
	varCtx := ctx.Checked(false)
	for _, s := range scope {
		varCtx = varCtx.In(s)
	}
	if v := varCtx.GetVariableByScopeAndName(varCtx.Scope(), name); v != nil {
		if !v.Shape().Equal(value.Shape()) {
			return errors.Errorf("variable %s/%s shaped %s, but checkpoint value is shaped %s",
				varCtx.Scope(), name, v.Shape(), value.Shape())
		}
		return v.SetValue(value)
	}
	return exceptions.TryCatch[error](func() { varCtx.VariableWithValue(name, value) })
}
