// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package upload

import (
	"errors"
	"os"
	"sync"
)

// Bytes returns a rewindable DataProvider that supplies the contents
// of b. The slice is not copied; the caller must not modify it while
// the request is in flight.
func Bytes(b []byte) DataProvider {
	return &bytesProvider{data: b}
}

type bytesProvider struct {
	data []byte
	pos  int
}

func (p *bytesProvider) Length() (int64, error) {
	return int64(len(p.data)), nil
}

func (p *bytesProvider) Read(sink DataSink, buf []byte) {
	n := copy(buf, p.data[p.pos:])
	p.pos += n
	sink.OnReadSucceeded(n, false)
}

func (p *bytesProvider) Rewind(sink DataSink) {
	p.pos = 0
	sink.OnRewindSucceeded()
}

func (p *bytesProvider) Close() error {
	return nil
}

// File returns a rewindable DataProvider that supplies the contents of
// the named file. The file is opened lazily, on the first Length call,
// and closed when the request finishes.
func File(name string) DataProvider {
	return &fileProvider{name: name}
}

type fileProvider struct {
	name string
	once sync.Once
	f    *os.File
	err  error
}

func (p *fileProvider) open() (*os.File, error) {
	p.once.Do(func() {
		p.f, p.err = os.Open(p.name)
	})
	return p.f, p.err
}

func (p *fileProvider) Length() (int64, error) {
	f, err := p.open()
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (p *fileProvider) Read(sink DataSink, buf []byte) {
	f, err := p.open()
	if err != nil {
		sink.OnReadError(err)
		return
	}
	n, err := f.Read(buf)
	if n > 0 {
		sink.OnReadSucceeded(n, false)
		return
	}
	if err != nil {
		sink.OnReadError(err)
		return
	}
	sink.OnReadSucceeded(0, false)
}

func (p *fileProvider) Rewind(sink DataSink) {
	f, err := p.open()
	if err != nil {
		sink.OnRewindError(err)
		return
	}
	if _, err = f.Seek(0, 0); err != nil {
		sink.OnRewindError(err)
		return
	}
	sink.OnRewindSucceeded()
}

func (p *fileProvider) Close() error {
	if p.f != nil {
		return p.f.Close()
	}
	return nil
}

// NoRewind wraps a DataProvider, making Rewind always fail. It is
// useful for verifying that redirect replay surfaces an error instead
// of silently skipping the rewind.
func NoRewind(p DataProvider) DataProvider {
	return &noRewind{p}
}

type noRewind struct {
	DataProvider
}

func (p *noRewind) Rewind(sink DataSink) {
	sink.OnRewindError(errors.New("upload: rewind not supported"))
}
