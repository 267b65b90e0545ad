// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imdb downloads and parses the IMDB Dataset of 50k Movie Reviews into labeled
// train and test splits of raw text, and builds class-balanced subsets out of them.
package imdb

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/imdbtune/internal/downloader"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DatasetID is the public identifier of the dataset.
	DatasetID = "imdb"

	DownloadURL  = "https://ai.stanford.edu/~amaas/data/sentiment/aclImdb_v1.tar.gz"
	LocalTarFile = "aclImdb_v1.tar.gz"
	TarHash      = "c40f74a18d3b61f90feba1e17730e0d38e8b97c05fde7008942e91923d1658fe"
	LocalDir     = "aclImdb"
	BinaryFile   = "aclImdb_text.bin"
)

// Label of a review.
type Label int

const (
	Negative Label = 0
	Positive Label = 1
)

// NumLabels is the number of distinct labels.
const NumLabels = 2

// LabelNames are the human-readable names of the labels, indexed by Label.
var LabelNames = []string{"negative", "positive"}

// String implements fmt.Stringer.
func (l Label) String() string {
	if l < 0 || int(l) >= len(LabelNames) {
		return fmt.Sprintf("Label(%d)", int(l))
	}
	return LabelNames[l]
}

// Label2ID maps label names to their ids.
func Label2ID() map[string]int {
	m := make(map[string]int, len(LabelNames))
	for id, name := range LabelNames {
		m[name] = id
	}
	return m
}

// Example is one labeled review.
type Example struct {
	Text   string
	Label  Label
	Rating int // 1 to 10, as given by the file name.
}

// Split is an ordered sequence of examples.
type Split struct {
	Name     string
	Examples []Example
}

// Len returns the number of examples in the split.
func (s *Split) Len() int { return len(s.Examples) }

// ByLabel returns the examples with the given label, in split order.
func (s *Split) ByLabel(label Label) []Example {
	var selected []Example
	for _, e := range s.Examples {
		if e.Label == label {
			selected = append(selected, e)
		}
	}
	return selected
}

// CountByLabel returns the number of examples for each label.
func (s *Split) CountByLabel() map[Label]int {
	counts := make(map[Label]int, NumLabels)
	for _, e := range s.Examples {
		counts[e.Label]++
	}
	return counts
}

// Download the IMDB reviews tarball into baseDir and un-tar it, if not there yet.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if err := downloader.DownloadAndUntarIfMissing(DownloadURL, baseDir, LocalTarFile, LocalDir, TarHash); err != nil {
		return errors.WithMessage(err, "imdb.Download failed")
	}
	return nil
}

// Load returns the train and test splits found under baseDir, downloading the dataset first if needed.
//
// Parsed splits are cached in BinaryFile, under baseDir, and reused on later calls.
func Load(baseDir string) (train, test *Split, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	train, test, err = loadBinary(baseDir)
	if err != nil || train != nil {
		return
	}
	if err = Download(baseDir); err != nil {
		return nil, nil, err
	}
	train, test, err = LoadIndividualFiles(baseDir)
	if err != nil {
		return nil, nil, err
	}
	if err = saveBinary(baseDir, train, test); err != nil {
		return nil, nil, err
	}
	return
}

// LoadIndividualFiles parses the un-tar'ed review files, under baseDir/LocalDir.
// The unlabeled ("unsup") reviews are not included.
func LoadIndividualFiles(baseDir string) (train, test *Split, err error) {
	train = &Split{Name: "train"}
	test = &Split{Name: "test"}
	for _, split := range []*Split{train, test} {
		for label, labelDir := range []string{"neg", "pos"} {
			dir := path.Join(baseDir, LocalDir, split.Name, labelDir)
			var examples []Example
			examples, err = readLabelDir(dir, Label(label))
			if err != nil {
				return nil, nil, err
			}
			split.Examples = append(split.Examples, examples...)
		}
		klog.V(1).Infof("imdb: parsed %d %s examples", split.Len(), split.Name)
	}
	return
}

// readLabelDir reads all "<id>_<rating>.txt" files in dir. os.ReadDir returns them sorted by name,
// which keeps the split order deterministic.
func readLabelDir(dir string, label Label) ([]Example, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read examples from %s", dir)
	}
	examples := make([]Example, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}
		var rating int
		if parts := strings.Split(strings.TrimSuffix(name, ".txt"), "_"); len(parts) == 2 {
			// A malformed rating is kept as 0.
			rating, _ = strconv.Atoi(parts[1])
		}
		contents, err := os.ReadFile(path.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read example %s from %s", name, dir)
		}
		examples = append(examples, Example{
			Text:   CleanText(contents),
			Label:  label,
			Rating: rating,
		})
	}
	return examples, nil
}

// CleanText removes the HTML line breaks embedded in the reviews.
func CleanText(contents []byte) string {
	contents = bytes.ReplaceAll(contents, []byte("<br />"), []byte(" "))
	return strings.TrimSpace(string(contents))
}

func loadBinary(baseDir string) (train, test *Split, err error) {
	filePath := path.Join(baseDir, BinaryFile)
	f, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed loadBinary(%q) while opening file", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := gob.NewDecoder(f)
	train, test = &Split{}, &Split{}
	if err = dec.Decode(train); err != nil {
		return nil, nil, errors.Wrapf(err, "failed loadBinary(%q) while reading", filePath)
	}
	if err = dec.Decode(test); err != nil {
		return nil, nil, errors.Wrapf(err, "failed loadBinary(%q) while reading", filePath)
	}
	klog.V(1).Infof("imdb: loaded %d train and %d test examples from %q", train.Len(), test.Len(), filePath)
	return train, test, nil
}

func saveBinary(baseDir string, train, test *Split) error {
	filePath := path.Join(baseDir, BinaryFile)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to saveBinary(%q)", filePath)
	}
	enc := gob.NewEncoder(f)
	for _, split := range []*Split{train, test} {
		if err = enc.Encode(split); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed saveBinary(%q) while writing", filePath)
		}
	}
	return f.Close()
}
