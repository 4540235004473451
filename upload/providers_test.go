// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package upload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records the single result of one provider call.
type captureSink struct {
	n         int
	final     bool
	readErr   error
	rewound   bool
	rewindErr error
}

func (s *captureSink) OnReadSucceeded(n int, finalChunk bool) {
	s.n = n
	s.final = finalChunk
}

func (s *captureSink) OnReadError(err error) {
	s.readErr = err
}

func (s *captureSink) OnRewindSucceeded() {
	s.rewound = true
}

func (s *captureSink) OnRewindError(err error) {
	s.rewindErr = err
}

func readAll(t *testing.T, p DataProvider, bufSize int) []byte {
	t.Helper()
	length, err := p.Length()
	require.NoError(t, err)
	var out []byte
	for int64(len(out)) < length {
		sink := &captureSink{}
		buf := make([]byte, bufSize)
		p.Read(sink, buf)
		require.NoError(t, sink.readErr)
		require.False(t, sink.final)
		out = append(out, buf[:sink.n]...)
	}
	return out
}

func TestBytes(t *testing.T) {
	data := []byte("hello, world")
	p := Bytes(data)

	length, err := p.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), length)

	assert.Equal(t, data, readAll(t, p, 5))

	sink := &captureSink{}
	p.Rewind(sink)
	assert.True(t, sink.rewound)
	assert.Equal(t, data, readAll(t, p, 64))

	assert.NoError(t, p.Close())
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "body.txt")
	data := []byte("file body contents")
	require.NoError(t, os.WriteFile(name, data, 0600))

	p := File(name)
	length, err := p.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), length)

	assert.Equal(t, data, readAll(t, p, 7))

	sink := &captureSink{}
	p.Rewind(sink)
	require.True(t, sink.rewound)
	assert.Equal(t, data, readAll(t, p, 64))

	assert.NoError(t, p.Close())
}

func TestFileMissing(t *testing.T) {
	p := File(filepath.Join(t.TempDir(), "no-such-file"))
	_, err := p.Length()
	assert.Error(t, err)

	sink := &captureSink{}
	p.Read(sink, make([]byte, 8))
	assert.Error(t, sink.readErr)

	assert.NoError(t, p.Close())
}

func TestNoRewind(t *testing.T) {
	p := NoRewind(Bytes([]byte("abc")))

	length, err := p.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)

	sink := &captureSink{}
	p.Rewind(sink)
	assert.Error(t, sink.rewindErr)
	assert.False(t, sink.rewound)
}
