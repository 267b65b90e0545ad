// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bert

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Scope names used for the model variables. They are stable: checkpoints depend on them.
const (
	ScopeEmbeddings   = "embeddings"
	ScopeLayerPrefix  = "layer_"
	ScopeAttention    = "attention"
	ScopeIntermediate = "intermediate"
	ScopeOutput       = "output"
	ScopePooler       = "pooler"
	ScopeClassifier   = "classifier"
)

// Inputs to the classifier graph, in order. All are shaped [batchSize, sequenceLength] and of dtype Int32.
const (
	InputTokenIDs = iota
	InputAttentionMask
	InputTypeIDs
	NumInputs
)

// ClassifierGraph builds the BERT encoder followed by the pooler and the classification head, and
// returns the logits shaped [batchSize, NumLabels].
//
// Dropout (rates from the config) is only active while training.
func ClassifierGraph(ctx *context.Context, config *Config, inputs []*Node) *Node {
	if len(inputs) < NumInputs {
		exceptions.Panicf("bert.ClassifierGraph requires %d inputs (token ids, attention mask, type ids), got %d",
			NumInputs, len(inputs))
	}
	ctx = ctx.Checked(false)
	hidden := EncoderGraph(ctx, config, inputs[InputTokenIDs], inputs[InputAttentionMask], inputs[InputTypeIDs])

	// Pooler: dense+tanh on the [CLS] embedding.
	cls := Squeeze(Slice(hidden, AxisRange(), AxisRange(0, 1), AxisRange()), 1)
	pooled := Tanh(layers.Dense(ctx.In(ScopePooler), cls, true, config.HiddenSize))
	pooled = dropout(ctx.In(ScopeClassifier), pooled, config.HiddenDropoutProb)
	return layers.Dense(ctx.In(ScopeClassifier), pooled, true, config.NumLabels)
}

// EncoderGraph returns the last hidden state of the encoder, shaped [batchSize, sequenceLength, HiddenSize].
func EncoderGraph(ctx *context.Context, config *Config, tokenIDs, attentionMask, typeIDs *Node) *Node {
	g := tokenIDs.Graph()
	tokenIDs.AssertRank(2)
	seqLen := tokenIDs.Shape().Dimensions[1]
	if seqLen > config.MaxPositionEmbeddings {
		exceptions.Panicf("sequence length %d larger than max_position_embeddings=%d", seqLen, config.MaxPositionEmbeddings)
	}
	dtype := config.DType()

	embedCtx := ctx.In(ScopeEmbeddings)
	x := layers.Embedding(embedCtx.In("word"), tokenIDs, dtype, config.VocabSize, config.HiddenSize)
	positions := Iota(g, shapes.Make(tokenIDs.DType(), seqLen), 0)
	posEmbed := layers.Embedding(embedCtx.In("position"), positions, dtype, config.MaxPositionEmbeddings, config.HiddenSize)
	x = Add(x, InsertAxes(posEmbed, 0))
	x = Add(x, layers.Embedding(embedCtx.In("token_type"), typeIDs, dtype, config.TypeVocabSize, config.HiddenSize))
	x = layerNorm(embedCtx, x, config)
	x = dropout(embedCtx, x, config.HiddenDropoutProb)

	mask := GreaterThan(attentionMask, ZerosLike(attentionMask))
	for layerIdx := range config.NumHiddenLayers {
		x = encoderLayer(ctx.In(fmt.Sprintf("%s%d", ScopeLayerPrefix, layerIdx)), config, x, mask)
	}
	return x
}

// encoderLayer is a post-norm transformer block: attention, residual and normalization, followed by
// the feed-forward block, residual and normalization.
func encoderLayer(ctx *context.Context, config *Config, x, mask *Node) *Node {
	attnCtx := ctx.In(ScopeAttention)
	attn := selfAttention(attnCtx, config, x, mask)
	attn = dropout(attnCtx, attn, config.HiddenDropoutProb)
	x = layerNorm(attnCtx, Add(x, attn), config)

	ff := layers.Dense(ctx.In(ScopeIntermediate), x, true, config.IntermediateSize)
	switch config.HiddenAct {
	case "relu":
		ff = activations.Relu(ff)
	case "gelu_new":
		ff = activations.GeluApproximate(ff)
	default:
		ff = activations.Gelu(ff)
	}
	outCtx := ctx.In(ScopeOutput)
	ff = layers.Dense(outCtx, ff, true, config.HiddenSize)
	ff = dropout(outCtx, ff, config.HiddenDropoutProb)
	return layerNorm(outCtx, Add(x, ff), config)
}

// selfAttention uses the same variables layout as layers.MultiHeadAttention (query/key/value
// projections shaped [hidden, heads, headDim]), with logits scaled by 1/sqrt(headDim).
//
// mask is shaped [batchSize, sequenceLength], true for tokens that can be attended to.
func selfAttention(ctx *context.Context, config *Config, x, mask *Node) *Node {
	ctx = ctx.In("MultiHeadAttention")
	numHeads, headDim := config.NumAttentionHeads, config.HeadDim()
	query := layers.Dense(ctx.In("query"), x, true, numHeads, headDim)
	key := layers.Dense(ctx.In("key"), x, true, numHeads, headDim)
	value := layers.Dense(ctx.In("value"), x, true, numHeads, headDim)

	// logits: [batch, queries, heads, keys]
	logits := Einsum("bqhd,bkhd->bqhk", query, key)
	logits = DivScalar(logits, math.Sqrt(float64(headDim)))
	dims := logits.Shape().Dimensions
	keyMask := BroadcastToDims(InsertAxes(mask, 1, 1), dims...)
	coefficients := MaskedSoftmax(logits, keyMask, -1)
	coefficients = dropout(ctx, coefficients, config.AttentionProbsDropoutProb)

	output := Einsum("bqhk,bkhd->bqhd", coefficients, value)
	output = Reshape(output, dims[0], dims[1], numHeads*headDim)
	return layers.Dense(ctx.In("output"), output, true, config.HiddenSize)
}

func layerNorm(ctx *context.Context, x *Node, config *Config) *Node {
	return layers.LayerNormalization(ctx, x, -1).Epsilon(config.LayerNormEps).Done()
}

func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), rate))
}
