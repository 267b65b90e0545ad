// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package artifacts persists the by-products of an experiment (training logs, best trials of a
// search campaign) as opaque binary blobs, and exports tabular results as CSV.
package artifacts

import (
	"encoding/gob"
	"os"
	"path"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the artifacts written by an experiment.
const (
	TrainingLog    = "training_log.bin"
	BayesOptTrials = "bo_best_trials.bin"
	TPETrials      = "tpe_best_trials.bin"
)

// Save v as a gob blob to filePath, creating the parent directory if needed.
// The write goes to a temporary file first, so an existing blob is never left half-written.
func Save(filePath string, v any) error {
	if err := os.MkdirAll(path.Dir(filePath), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmpPath)
	}
	if err = gob.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to encode %T to %q", v, filePath)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, filePath)
	}
	return nil
}

// Load a gob blob from filePath into v, which must be a pointer.
func Load(filePath string, v any) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	if err = gob.NewDecoder(f).Decode(v); err != nil {
		return errors.Wrapf(err, "failed to decode %T from %q", v, filePath)
	}
	return nil
}

// Store writes artifacts under Dir. With Enabled false all writes are skipped: persistence is opt-in.
type Store struct {
	Dir     string
	Enabled bool
}

// Path of the artifact with the given name.
func (s Store) Path(name string) string {
	return path.Join(s.Dir, name)
}

// Save v as the artifact name. It returns the path written, or "" if the store is disabled.
func (s Store) Save(name string, v any) (string, error) {
	if !s.Enabled {
		klog.V(1).Infof("artifacts: persistence disabled, not saving %q", name)
		return "", nil
	}
	filePath := s.Path(name)
	if err := Save(filePath, v); err != nil {
		return "", err
	}
	return filePath, nil
}

// Load the artifact name into v.
func (s Store) Load(name string, v any) error {
	return Load(s.Path(name), v)
}

// WriteCSV writes rows, a slice of structs, as a CSV file with a header of the exported field names.
func WriteCSV(filePath string, rows any) error {
	df := dataframe.LoadStructs(rows)
	if df.Err != nil {
		return errors.Wrapf(df.Err, "failed to convert %T to a table", rows)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write CSV to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// ReadCSV reads a CSV file written by WriteCSV.
func ReadCSV(filePath string) (dataframe.DataFrame, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(df.Err, "failed to parse CSV %q", filePath)
	}
	return df, nil
}
