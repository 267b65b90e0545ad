// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wordpiece

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = []string{
	PadToken, UnkToken, ClsToken, SepToken,
	"i", "loved", "the", "movie", "!", "un", "##believ", "##able", "cafe", ",", "great",
}

func newTestTokenizer(t *testing.T, opts ...Option) *Tokenizer {
	tok, err := New(testVocab, opts...)
	require.NoError(t, err)
	return tok
}

func TestTokenize(t *testing.T) {
	tok := newTestTokenizer(t)
	assert.Equal(t, []string{"i", "loved", "the", "movie", "!"}, tok.Tokenize("I loved the movie!"))
	assert.Equal(t, []string{"un", "##believ", "##able"}, tok.Tokenize("Unbelievable"))
	assert.Equal(t, []string{"cafe", ",", "great"}, tok.Tokenize("Café,\tGREAT"))
	assert.Equal(t, []string{UnkToken}, tok.Tokenize("xyz"))
	assert.Equal(t, []string{UnkToken}, tok.Tokenize(strings.Repeat("a", maxInputCharsPerWord+1)))
	assert.Empty(t, tok.Tokenize("  \n "))
}

func TestEncodeFixedLength(t *testing.T) {
	tok := newTestTokenizer(t)
	require.Equal(t, DefaultMaxLength, tok.MaxLength())
	for _, text := range []string{
		"",
		"I loved the movie!",
		strings.Repeat("great movie ", 1000),
	} {
		enc := tok.Encode(text)
		assert.Len(t, enc.IDs, DefaultMaxLength)
		assert.Len(t, enc.AttentionMask, DefaultMaxLength)
		assert.Len(t, enc.TypeIDs, DefaultMaxLength)
	}

	enc := tok.Encode("I loved the movie!")
	assert.Equal(t, []int32{2, 4, 5, 6, 7, 8, 3, 0}, enc.IDs[:8])
	assert.Equal(t, []int32{1, 1, 1, 1, 1, 1, 1, 0}, enc.AttentionMask[:8])
	assert.Equal(t, 7, enc.NumTokens())

	// Truncation keeps [SEP] as the last token.
	long := tok.Encode(strings.Repeat("great ", 1000))
	assert.Equal(t, DefaultMaxLength, long.NumTokens())
	assert.Equal(t, int32(3), long.IDs[DefaultMaxLength-1])
}

func TestEncodeShortMaxLength(t *testing.T) {
	tok := newTestTokenizer(t, WithMaxLength(4))
	enc := tok.Encode("I loved the movie!")
	assert.Equal(t, []int32{2, 4, 5, 3}, enc.IDs)

	_, err := New(testVocab, WithMaxLength(1))
	require.Error(t, err)
	_, err = New([]string{"a", "b"})
	require.Error(t, err)
}

func TestCased(t *testing.T) {
	tok := newTestTokenizer(t, WithLowerCase(false))
	assert.Equal(t, []string{UnkToken, "loved"}, tok.Tokenize("I loved"))
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	tok := newTestTokenizer(t, WithMaxLength(16))
	require.NoError(t, tok.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 16, loaded.MaxLength())
	assert.Equal(t, tok.VocabSize(), loaded.VocabSize())
	assert.Equal(t, tok.Encode("I loved the movie!"), loaded.Encode("I loved the movie!"))

	// Options override the saved configuration.
	loaded, err = Load(dir, WithMaxLength(32))
	require.NoError(t, err)
	assert.Equal(t, 32, loaded.MaxLength())

	_, err = Load(t.TempDir())
	require.Error(t, err)
}
