// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTarGz returns a tar.gz archive with the given files.
func buildTarGz(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(contents)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestDownloadAndUntarIfMissing(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"corpus/train/pos/0_9.txt": "great",
		"corpus/train/neg/1_2.txt": "awful",
	})
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	baseDir := t.TempDir()
	err := DownloadAndUntarIfMissing(server.URL, baseDir, "corpus.tar.gz", "corpus", sha256Hex(archive))
	require.NoError(t, err)
	contents, err := os.ReadFile(filepath.Join(baseDir, "corpus", "train", "pos", "0_9.txt"))
	require.NoError(t, err)
	assert.Equal(t, "great", string(contents))

	// Second call is a no-op: the target directory is already there.
	require.NoError(t, DownloadAndUntarIfMissing(server.URL, baseDir, "corpus.tar.gz", "corpus", ""))
	assert.Equal(t, 1, requests)
}

func TestDownloadIfMissingChecksum(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not what you expected"))
	}))
	defer server.Close()

	filePath := filepath.Join(t.TempDir(), "file.bin")
	err := DownloadIfMissing(server.URL, filePath, sha256Hex([]byte("expected")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksum))
}

func TestDownloadHTTPError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	filePath := filepath.Join(t.TempDir(), "missing.bin")
	_, err := Download(server.URL, filePath, false)
	require.Error(t, err)
	_, statErr := os.Stat(filePath)
	assert.True(t, os.IsNotExist(statErr), "no partial file should be left behind")
}
