// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bert

import (
	"os"
	"path"
	"sync"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/imdbtune/pkg/wordpiece"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CheckpointDir is the subdirectory of a saved model holding the variables.
const CheckpointDir = "checkpoint"

// ErrMissingArtifacts is returned by Load when the directory doesn't hold a complete saved model.
var ErrMissingArtifacts = errors.New("missing model artifacts")

// Model is a BERT sequence classifier: its configuration, tokenizer and variables (held in a context).
//
// A Model is trained in place: the trainer updates the variables of Context.
type Model struct {
	Config    *Config
	Tokenizer *wordpiece.Tokenizer

	ctx *context.Context

	muExec      sync.Mutex
	execBackend backends.Backend
	exec        *context.Exec
}

// New creates a model with variables not yet initialized: they are created (and randomly initialized,
// with the given seed) the first time the model graph is built.
func New(config *Config, tokenizer *wordpiece.Tokenizer, seed int64) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if tokenizer == nil {
		return nil, errors.New("bert.New: tokenizer is required")
	}
	if tokenizer.VocabSize() > config.VocabSize {
		return nil, errors.Errorf("tokenizer vocabulary (%d) larger than the model's (%d)", tokenizer.VocabSize(), config.VocabSize)
	}
	if tokenizer.MaxLength() > config.MaxPositionEmbeddings {
		return nil, errors.Errorf("tokenizer max length %d larger than max_position_embeddings=%d",
			tokenizer.MaxLength(), config.MaxPositionEmbeddings)
	}
	ctx := context.New()
	ctx.SetParam(context.ParamInitialSeed, seed)
	return &Model{Config: config, Tokenizer: tokenizer, ctx: ctx}, nil
}

// FromHub downloads a pretrained BERT from a HuggingFace repository (config.json, model.safetensors
// and the WordPiece vocabulary) and sets it up as a classifier for numLabels labels.
//
// The classification head is only loaded if the checkpoint has one: base models have it initialized
// randomly (with seed) the first time the model graph is built.
func FromHub(repo *hub.Repo, numLabels int, seed int64, tokenizerOpts ...wordpiece.Option) (*Model, error) {
	configPath, err := repo.DownloadFile(ConfigFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s", ConfigFile)
	}
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if numLabels > 0 && config.NumLabels != numLabels {
		config.NumLabels = numLabels
		config.ID2Label, config.Label2ID = nil, nil
	}
	tokenizer, err := wordpiece.FromHub(repo, tokenizerOpts...)
	if err != nil {
		return nil, err
	}
	model, err := New(config, tokenizer, seed)
	if err != nil {
		return nil, err
	}
	weightsPath, err := repo.DownloadFile(SafetensorsFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s", SafetensorsFile)
	}
	stats, err := LoadSafetensors(model.ctx, config, weightsPath)
	if err != nil {
		return nil, err
	}
	if classifier := model.ctx.GetVariableByScopeAndName(
		context.RootScope+ScopeClassifier+context.ScopeSeparator+"dense", "weights"); classifier != nil &&
		classifier.Shape().Dimensions[1] != config.NumLabels {
		// Head trained for a different number of labels: start it over.
		if err = model.ctx.In(ScopeClassifier).DeleteVariablesInScope(); err != nil {
			return nil, errors.WithMessage(err, "failed to reset classifier head")
		}
	}
	klog.Infof("bert: pretrained model loaded, %d tensors (%d unused)", stats.Loaded, len(stats.Skipped))
	return model, nil
}

// Context holding the model variables. It can be used with a train.Trainer.
func (m *Model) Context() *context.Context { return m.ctx }

// ModelGraph implements train.ModelFn: inputs are token ids, attention mask and type ids (see InputTokenIDs)
// and the only output is the logits shaped [batchSize, NumLabels].
func (m *Model) ModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{ClassifierGraph(ctx, m.Config, inputs)}
}

// Clone returns an independent copy of the model: training one doesn't affect the other.
// The tokenizer is shared, since it is immutable.
func (m *Model) Clone() (*Model, error) {
	ctx, err := m.ctx.Clone()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to clone model variables")
	}
	return &Model{Config: m.Config.Clone(), Tokenizer: m.Tokenizer, ctx: ctx}, nil
}

// Factory returns a fresh model instance on each call.
type Factory func() (*Model, error)

// NewFactory returns a Factory of clones of template, which itself is never modified: each instance
// starts from the same pretrained state.
func NewFactory(template *Model) Factory {
	return func() (*Model, error) {
		return template.Clone()
	}
}

// InputTensors converts encodings to the tensors fed to ModelGraph.
func InputTensors(encodings []wordpiece.Encoding) ([]*tensors.Tensor, error) {
	if len(encodings) == 0 {
		return nil, errors.New("no encodings given")
	}
	seqLen := len(encodings[0].IDs)
	ids := make([]int32, 0, len(encodings)*seqLen)
	mask := make([]int32, 0, len(encodings)*seqLen)
	typeIDs := make([]int32, 0, len(encodings)*seqLen)
	for ii, enc := range encodings {
		if len(enc.IDs) != seqLen || len(enc.AttentionMask) != seqLen || len(enc.TypeIDs) != seqLen {
			return nil, errors.Errorf("encoding #%d has length %d, expected %d: all encodings must have the same length",
				ii, len(enc.IDs), seqLen)
		}
		ids = append(ids, enc.IDs...)
		mask = append(mask, enc.AttentionMask...)
		typeIDs = append(typeIDs, enc.TypeIDs...)
	}
	batchSize := len(encodings)
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(ids, batchSize, seqLen),
		tensors.FromFlatDataAndDimensions(mask, batchSize, seqLen),
		tensors.FromFlatDataAndDimensions(typeIDs, batchSize, seqLen),
	}, nil
}

// Logits runs the model in inference mode (no dropout) and returns the logits of each encoding.
// The computation graph is compiled once per backend and input shape.
func (m *Model) Logits(backend backends.Backend, encodings []wordpiece.Encoding) ([][]float32, error) {
	inputs, err := InputTensors(encodings)
	if err != nil {
		return nil, err
	}
	m.muExec.Lock()
	defer m.muExec.Unlock()
	if m.exec == nil || m.execBackend != backend {
		m.exec, err = context.NewExec(backend, m.ctx, func(ctx *context.Context, ids, mask, typeIDs *Node) *Node {
			return ClassifierGraph(ctx, m.Config, []*Node{ids, mask, typeIDs})
		})
		if err != nil {
			return nil, errors.WithMessage(err, "failed to create inference executor")
		}
		m.execBackend = backend
	}
	output, err := m.exec.Exec1(inputs[0], inputs[1], inputs[2])
	if err != nil {
		return nil, errors.WithMessage(err, "failed to run BERT classifier")
	}
	flat := tensors.MustCopyFlatData[float32](output)
	logits := make([][]float32, len(encodings))
	for ii := range logits {
		logits[ii] = flat[ii*m.Config.NumLabels : (ii+1)*m.Config.NumLabels]
	}
	return logits, nil
}

// Save writes the model to dir: config.json, the tokenizer files and the variables, under
// the CheckpointDir subdirectory. Previously saved variables in dir are replaced.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create model directory %q", dir)
	}
	if err := m.Config.Save(path.Join(dir, ConfigFile)); err != nil {
		return err
	}
	if err := m.Tokenizer.Save(dir); err != nil {
		return err
	}
	checkpointPath := path.Join(dir, CheckpointDir)
	if err := os.RemoveAll(checkpointPath); err != nil {
		return errors.Wrapf(err, "failed to remove previous checkpoint in %q", checkpointPath)
	}
	handler, err := checkpoints.Build(m.ctx).Dir(checkpointPath).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %q", checkpointPath)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint in %q", checkpointPath)
	}
	klog.V(1).Infof("bert: model saved to %q", dir)
	return nil
}

// Load a model saved with Model.Save. It returns an error wrapping ErrMissingArtifacts if any of
// the files are missing.
func Load(dir string, tokenizerOpts ...wordpiece.Option) (*Model, error) {
	for _, name := range []string{ConfigFile, wordpiece.VocabFile, CheckpointDir} {
		if _, err := os.Stat(path.Join(dir, name)); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Wrapf(ErrMissingArtifacts, "%q not found in %q", name, dir)
			}
			return nil, errors.Wrapf(err, "failed to access %q", path.Join(dir, name))
		}
	}
	config, err := LoadConfig(path.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	tokenizer, err := wordpiece.Load(dir, tokenizerOpts...)
	if err != nil {
		return nil, err
	}
	model, err := New(config, tokenizer, 0)
	if err != nil {
		return nil, err
	}
	checkpointPath := path.Join(dir, CheckpointDir)
	if _, err = checkpoints.Load(model.ctx).Dir(checkpointPath).Immediate().Done(); err != nil {
		return nil, errors.Wrapf(ErrMissingArtifacts, "no usable checkpoint in %q: %v", checkpointPath, err)
	}
	return model, nil
}
