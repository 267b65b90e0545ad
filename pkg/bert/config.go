// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bert

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// ConfigFile is the name of the model configuration file, in HuggingFace format.
const ConfigFile = "config.json"

// Config holds the architecture of a BERT sequence classifier, as read from a HuggingFace config.json.
// Fields not used by this package are ignored on parsing.
type Config struct {
	VocabSize                 int     `json:"vocab_size"`
	HiddenSize                int     `json:"hidden_size"`
	NumHiddenLayers           int     `json:"num_hidden_layers"`
	NumAttentionHeads         int     `json:"num_attention_heads"`
	IntermediateSize          int     `json:"intermediate_size"`
	HiddenAct                 string  `json:"hidden_act"`
	HiddenDropoutProb         float64 `json:"hidden_dropout_prob"`
	AttentionProbsDropoutProb float64 `json:"attention_probs_dropout_prob"`
	MaxPositionEmbeddings     int     `json:"max_position_embeddings"`
	TypeVocabSize             int     `json:"type_vocab_size"`
	InitializerRange          float64 `json:"initializer_range"`
	LayerNormEps              float64 `json:"layer_norm_eps"`
	ModelType                 string  `json:"model_type,omitempty"`
	NumLabels                 int     `json:"num_labels,omitempty"`

	ID2Label map[int]string `json:"id2label,omitempty"`
	Label2ID map[string]int `json:"label2id,omitempty"`
}

// DefaultNumLabels is used when the configuration doesn't define labels.
const DefaultNumLabels = 2

// ParseConfig parses a HuggingFace config.json contents.
func ParseConfig(contents []byte) (*Config, error) {
	config := &Config{
		HiddenAct:        "gelu",
		InitializerRange: 0.02,
		LayerNormEps:     1e-12,
		TypeVocabSize:    2,
	}
	if err := json.Unmarshal(contents, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse BERT config")
	}
	if config.NumLabels == 0 {
		config.NumLabels = len(config.ID2Label)
		if config.NumLabels == 0 {
			config.NumLabels = DefaultNumLabels
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig reads and parses a config.json file.
func LoadConfig(filePath string) (*Config, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read BERT config %q", filePath)
	}
	config, err := ParseConfig(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", filePath)
	}
	return config, nil
}

// Save writes the configuration as JSON to filePath.
func (c *Config) Save(filePath string) error {
	contents, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize BERT config")
	}
	if err = os.WriteFile(filePath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return nil
}

// Validate checks the architecture is consistent.
func (c *Config) Validate() error {
	switch {
	case c.VocabSize <= 0 || c.HiddenSize <= 0 || c.NumHiddenLayers <= 0 || c.IntermediateSize <= 0:
		return errors.Errorf("invalid BERT config: vocab_size, hidden_size, num_hidden_layers and intermediate_size must be > 0: %+v", *c)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return errors.Errorf("invalid BERT config: hidden_size=%d must be divisible by num_attention_heads=%d",
			c.HiddenSize, c.NumAttentionHeads)
	case c.MaxPositionEmbeddings <= 0 || c.TypeVocabSize <= 0:
		return errors.Errorf("invalid BERT config: max_position_embeddings=%d and type_vocab_size=%d must be > 0",
			c.MaxPositionEmbeddings, c.TypeVocabSize)
	case c.NumLabels <= 0:
		return errors.Errorf("invalid BERT config: num_labels=%d must be > 0", c.NumLabels)
	case c.HiddenAct != "gelu" && c.HiddenAct != "gelu_new" && c.HiddenAct != "relu":
		return errors.Errorf("invalid BERT config: unsupported hidden_act %q", c.HiddenAct)
	}
	return nil
}

// HeadDim is the dimension of each attention head.
func (c *Config) HeadDim() int { return c.HiddenSize / c.NumAttentionHeads }

// DType of the model variables and activations.
func (c *Config) DType() dtypes.DType { return dtypes.Float32 }

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.ID2Label != nil {
		clone.ID2Label = make(map[int]string, len(c.ID2Label))
		for id, label := range c.ID2Label {
			clone.ID2Label[id] = label
		}
	}
	if c.Label2ID != nil {
		clone.Label2ID = make(map[string]int, len(c.Label2ID))
		for label, id := range c.Label2ID {
			clone.Label2ID[label] = id
		}
	}
	return &clone
}

// WithLabels sets label2id and the inverse id2label mapping, so predictions can be reported with
// human-readable names. The ids must be exactly 0 to NumLabels-1.
func (c *Config) WithLabels(label2id map[string]int) error {
	if len(label2id) != c.NumLabels {
		return errors.Errorf("model has %d labels, but %d label names were given: %v", c.NumLabels, len(label2id), label2id)
	}
	id2label := make(map[int]string, len(label2id))
	for label, id := range label2id {
		if id < 0 || id >= c.NumLabels {
			return errors.Errorf("label %q has id %d, outside of [0, %d)", label, id, c.NumLabels)
		}
		if previous, found := id2label[id]; found {
			return errors.Errorf("labels %q and %q share the id %d", previous, label, id)
		}
		id2label[id] = label
	}
	c.Label2ID = make(map[string]int, len(label2id))
	for label, id := range label2id {
		c.Label2ID[label] = id
	}
	c.ID2Label = id2label
	return nil
}

// LabelName returns the name of the label id, or "LABEL_<id>" if no names were attached.
func (c *Config) LabelName(id int) string {
	if name, found := c.ID2Label[id]; found {
		return name
	}
	return "LABEL_" + strconv.Itoa(id)
}

// LabelNames returns the names of all labels, ordered by id.
func (c *Config) LabelNames() []string {
	names := make([]string, c.NumLabels)
	for id := range names {
		names[id] = c.LabelName(id)
	}
	return names
}
