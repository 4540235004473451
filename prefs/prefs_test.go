// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package prefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	assert.Equal(t, "", s.Get(CertVerifierKey))

	s.Set(CertVerifierKey, "blob-1")
	s.Set("other", "value")
	require.NoError(t, s.Flush())

	s2, err := OpenFileStore(dir)
	require.NoError(t, err)
	assert.Equal(t, "blob-1", s2.Get(CertVerifierKey))
	assert.Equal(t, "value", s2.Get("other"))
}

func TestFileStoreUnflushedValuesAreNotDurable(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	s.Set("k", "v")

	s2, err := OpenFileStore(dir)
	require.NoError(t, err)
	assert.Equal(t, "", s2.Get("k"))
}

func TestFileStoreCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prefs.json"), []byte("{not json"), 0600))

	_, err := OpenFileStore(dir)
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	s := MemoryStore()
	assert.Equal(t, "", s.Get("k"))
	s.Set("k", "v")
	assert.Equal(t, "v", s.Get("k"))
	assert.NoError(t, s.Flush())
}
