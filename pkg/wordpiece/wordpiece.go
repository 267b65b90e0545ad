// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package wordpiece implements the BERT WordPiece tokenizer, producing fixed-length encodings
// (token ids, attention mask and token type ids) ready to be fed to a model.
package wordpiece

import (
	"bufio"
	"encoding/json"
	"os"
	"path"
	"strings"
	"unicode"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
	"k8s.io/klog/v2"
)

const (
	// DefaultMaxLength of encodings: longer texts are truncated, shorter ones right-padded.
	DefaultMaxLength = 512

	VocabFile  = "vocab.txt"
	ConfigFile = "tokenizer_config.json"

	ClsToken = "[CLS]"
	SepToken = "[SEP]"
	PadToken = "[PAD]"
	UnkToken = "[UNK]"

	continuationPrefix   = "##"
	maxInputCharsPerWord = 100
)

// Config is serialized as tokenizer_config.json, next to the vocabulary.
type Config struct {
	DoLowerCase    bool   `json:"do_lower_case"`
	ModelMaxLength int    `json:"model_max_length"`
	TokenizerClass string `json:"tokenizer_class,omitempty"`
}

// Encoding of one text. All slices have the same length, the tokenizer's MaxLength.
type Encoding struct {
	IDs           []int32
	AttentionMask []int32
	TypeIDs       []int32
}

// NumTokens returns the number of non-padding tokens, including [CLS] and [SEP].
func (e Encoding) NumTokens() int {
	var n int
	for _, m := range e.AttentionMask {
		n += int(m)
	}
	return n
}

// Tokenizer is a BERT WordPiece tokenizer. It is safe for concurrent use once created.
type Tokenizer struct {
	vocab     []string
	ids       map[string]int32
	config    Config
	maxLength int

	clsID, sepID, padID, unkID int32
}

// Option configures a Tokenizer.
type Option func(t *Tokenizer)

// WithMaxLength sets the fixed length of the encodings. It must be at least 2, to fit [CLS] and [SEP].
func WithMaxLength(maxLength int) Option {
	return func(t *Tokenizer) { t.maxLength = maxLength }
}

// WithLowerCase configures whether texts are lower-cased and have accents stripped (uncased models).
func WithLowerCase(lowerCase bool) Option {
	return func(t *Tokenizer) { t.config.DoLowerCase = lowerCase }
}

// New creates a tokenizer from the ordered vocabulary: the token id is its position in vocab.
// The special tokens [CLS], [SEP], [PAD] and [UNK] must be present.
func New(vocab []string, opts ...Option) (*Tokenizer, error) {
	t := &Tokenizer{
		vocab:     vocab,
		ids:       make(map[string]int32, len(vocab)),
		config:    Config{DoLowerCase: true, TokenizerClass: "BertTokenizer"},
		maxLength: DefaultMaxLength,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxLength < 2 {
		return nil, errors.Errorf("wordpiece: max length must be >= 2, got %d", t.maxLength)
	}
	t.config.ModelMaxLength = t.maxLength
	for ii, token := range vocab {
		if _, found := t.ids[token]; !found {
			t.ids[token] = int32(ii)
		}
	}
	for _, special := range []struct {
		token string
		id    *int32
	}{{ClsToken, &t.clsID}, {SepToken, &t.sepID}, {PadToken, &t.padID}, {UnkToken, &t.unkID}} {
		id, found := t.ids[special.token]
		if !found {
			return nil, errors.Errorf("wordpiece: vocabulary is missing special token %s", special.token)
		}
		*special.id = id
	}
	return t, nil
}

// FromFile creates a tokenizer from a vocab.txt file, one token per line.
func FromFile(vocabPath string, opts ...Option) (*Tokenizer, error) {
	f, err := os.Open(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open vocab file %q", vocabPath)
	}
	defer func() { _ = f.Close() }()
	var vocab []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		vocab = append(vocab, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read vocab file %q", vocabPath)
	}
	return New(vocab, opts...)
}

// Load a tokenizer saved with Save in dir. The tokenizer_config.json file is optional.
// Options given override the saved configuration.
func Load(dir string, opts ...Option) (*Tokenizer, error) {
	configPath := path.Join(dir, ConfigFile)
	contents, err := os.ReadFile(configPath)
	if err == nil {
		var config Config
		if err = json.Unmarshal(contents, &config); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %q", configPath)
		}
		if config.ModelMaxLength > 0 {
			opts = append([]Option{WithMaxLength(config.ModelMaxLength)}, opts...)
		}
		opts = append([]Option{WithLowerCase(config.DoLowerCase)}, opts...)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to read %q", configPath)
	}
	return FromFile(path.Join(dir, VocabFile), opts...)
}

// FromHub downloads the vocabulary (and the tokenizer configuration, if present) from a HuggingFace repository.
func FromHub(repo *hub.Repo, opts ...Option) (*Tokenizer, error) {
	vocabPath, err := repo.DownloadFile(VocabFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s", VocabFile)
	}
	if configPath, err := repo.DownloadFile(ConfigFile); err == nil {
		if contents, err := os.ReadFile(configPath); err == nil {
			var config Config
			if json.Unmarshal(contents, &config) == nil {
				opts = append([]Option{WithLowerCase(config.DoLowerCase)}, opts...)
			}
		}
	} else {
		klog.V(1).Infof("wordpiece: no %s in repository, using defaults: %v", ConfigFile, err)
	}
	return FromFile(vocabPath, opts...)
}

// Save writes vocab.txt and tokenizer_config.json to dir, creating it if needed.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	vocabPath := path.Join(dir, VocabFile)
	if err := os.WriteFile(vocabPath, []byte(strings.Join(t.vocab, "\n")+"\n"), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", vocabPath)
	}
	contents, err := json.MarshalIndent(t.config, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize tokenizer config")
	}
	configPath := path.Join(dir, ConfigFile)
	if err = os.WriteFile(configPath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", configPath)
	}
	return nil
}

// MaxLength is the fixed length of all encodings.
func (t *Tokenizer) MaxLength() int { return t.maxLength }

// VocabSize is the number of entries in the vocabulary.
func (t *Tokenizer) VocabSize() int { return len(t.vocab) }

// PadID is the id of the [PAD] token.
func (t *Tokenizer) PadID() int32 { return t.padID }

// TokenID returns the id of token, or the id of [UNK] if it is not in the vocabulary.
func (t *Tokenizer) TokenID(token string) int32 {
	if id, found := t.ids[token]; found {
		return id
	}
	return t.unkID
}

// Tokenize splits text into WordPiece tokens, without special tokens or truncation.
func (t *Tokenizer) Tokenize(text string) []string {
	var tokens []string
	for _, word := range t.basicTokenize(text) {
		tokens = append(tokens, t.wordPieceTokenize(word)...)
	}
	return tokens
}

// Encode text as "[CLS] tokens... [SEP]", truncating the tokens so the total fits in MaxLength and
// right-padding with [PAD] up to exactly MaxLength.
func (t *Tokenizer) Encode(text string) Encoding {
	tokens := t.Tokenize(text)
	if maxTokens := t.maxLength - 2; len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
	}
	enc := Encoding{
		IDs:           make([]int32, t.maxLength),
		AttentionMask: make([]int32, t.maxLength),
		TypeIDs:       make([]int32, t.maxLength),
	}
	pos := 0
	appendID := func(id int32) {
		enc.IDs[pos] = id
		enc.AttentionMask[pos] = 1
		pos++
	}
	appendID(t.clsID)
	for _, token := range tokens {
		appendID(t.TokenID(token))
	}
	appendID(t.sepID)
	for ; pos < t.maxLength; pos++ {
		enc.IDs[pos] = t.padID
	}
	return enc
}

// EncodeBatch encodes each of the texts.
func (t *Tokenizer) EncodeBatch(texts []string) []Encoding {
	encodings := make([]Encoding, len(texts))
	for ii, text := range texts {
		encodings[ii] = t.Encode(text)
	}
	return encodings
}

// basicTokenize cleans up text, optionally lower-cases and strips accents, and splits it on
// whitespace and punctuation. CJK characters become words of their own.
func (t *Tokenizer) basicTokenize(text string) []string {
	if t.config.DoLowerCase {
		text = stripAccents(strings.ToLower(text))
	}
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case unicode.IsSpace(r):
			flush()
		case isPunctuation(r) || isCJK(r):
			flush()
			words = append(words, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return words
}

// wordPieceTokenize splits a word greedily into the longest matching vocabulary entries,
// continuation pieces prefixed with "##". Words that can't be fully matched become [UNK].
func (t *Tokenizer) wordPieceTokenize(word string) []string {
	runes := []rune(word)
	if len(runes) > maxInputCharsPerWord {
		return []string{UnkToken}
	}
	var tokens []string
	for start := 0; start < len(runes); {
		end := len(runes)
		var piece string
		for ; end > start; end-- {
			candidate := string(runes[start:end])
			if start > 0 {
				candidate = continuationPrefix + candidate
			}
			if _, found := t.ids[candidate]; found {
				piece = candidate
				break
			}
		}
		if piece == "" {
			return []string{UnkToken}
		}
		tokens = append(tokens, piece)
		start = end
	}
	return tokens
}

// stripAccents decomposes the text (NFD) and drops the combining marks.
func stripAccents(text string) string {
	var sb strings.Builder
	for _, r := range norm.NFD.String(text) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r) || unicode.In(r, unicode.Cf)
}

// isPunctuation treats all non-alphanumeric ASCII symbols as punctuation, like "$" or "^",
// in addition to the Unicode punctuation class.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
