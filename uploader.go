// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/gogama/urlfetch/neterr"
	"github.com/gogama/urlfetch/upload"
	"go.uber.org/zap"
)

// Upload adapter sub-states. Transitions are compare-and-swap only, so
// a provider reporting a result it was never asked for loses the swap
// and fails loudly instead of corrupting the pending read.
const (
	sinkNotStarted int32 = iota
	sinkAwaitingReadResult
	sinkAwaitingRewindResult
	sinkUploading
)

var sinkStateNames = []string{
	"NOT_STARTED",
	"AWAITING_READ_RESULT",
	"AWAITING_REWIND_RESULT",
	"UPLOADING",
}

type uploadResult struct {
	n     int
	final bool
	err   error
}

// An uploader mediates between a request and its upload.DataProvider.
// It owns the strict issue-read/wait-for-result protocol: at most one
// provider call is outstanding, results arrive through the DataSink
// methods, and the byte count is reconciled against the declared
// length before anything reaches the wire.
//
// Provider methods run on the caller-supplied upload executor. The
// body side is pulled by the protocol, which may block its own I/O
// goroutine waiting for a provider result; the network thread is never
// blocked.
type uploader struct {
	req      *Request
	provider upload.DataProvider
	executor Executor

	state  atomic.Int32
	length int64 // declared total; upload.UnknownLength if unknown
	remaining int64
	written   atomic.Int64
	finished  bool // body fully supplied; reads return io.EOF
	closed    atomic.Bool

	buf     []byte // buffer handed to the provider for the pending read
	results chan uploadResult
	done    chan struct{} // closed when the uploader is closed
}

func newUploader(req *Request, provider upload.DataProvider, executor Executor) *uploader {
	return &uploader{
		req:      req,
		provider: provider,
		executor: executor,
		results:  make(chan uploadResult, 1),
		done:     make(chan struct{}),
	}
}

// initialize fetches the declared body length on the upload executor,
// where the provider is allowed to block, then calls next(true) to
// continue starting the request. A provider failure fails the request
// and calls next(false).
func (u *uploader) initialize(next func(ok bool)) {
	err := u.executor.Execute(func() {
		length, err := func() (n int64, err error) {
			defer func() {
				if v := recover(); v != nil {
					err = panicError(v)
				}
			}()
			return u.provider.Length()
		}()
		if err != nil {
			u.fail(neterr.Wrap(neterr.Other, "upload data provider error", err))
			next(false)
			return
		}
		if length < 0 {
			length = upload.UnknownLength
		}
		u.length = length
		u.remaining = length
		next(true)
	})
	if err != nil {
		u.fail(neterr.Wrap(neterr.Other, "upload executor rejected task", err))
		next(false)
	}
}

// body returns the read side handed to the protocol for one hop.
// rewind is true when the hop replays the body after a redirect.
func (u *uploader) body(rewind bool) io.ReadCloser {
	return &uploadBody{u: u, rewindPending: rewind}
}

func (u *uploader) contentLength() int64 {
	return u.length
}

func (u *uploader) sentBytes() int64 {
	return u.written.Load()
}

// close releases the provider exactly once. Safe from any goroutine.
func (u *uploader) close() {
	if !u.closed.CompareAndSwap(false, true) {
		return
	}
	close(u.done)
	err := u.executor.Execute(func() {
		if err := u.provider.Close(); err != nil {
			u.req.engine.logger().Error("error closing upload data provider",
				zap.String("request", u.req.id), zap.Error(err))
		}
	})
	if err != nil {
		u.req.engine.logger().Error("executor rejected upload close",
			zap.String("request", u.req.id), zap.Error(err))
	}
}

func (u *uploader) fail(err *neterr.Error) {
	u.req.enterError(err)
}

func (u *uploader) violation(msg string) *neterr.Error {
	return neterr.New(neterr.UploadViolation, msg)
}

// checkSwap performs a sub-state transition, panicking with a
// *StateError if the adapter is not in the expected state. The panic
// surfaces synchronously to the provider code that made the illegal
// call.
func (u *uploader) checkSwap(expected, to int32) {
	if !u.state.CompareAndSwap(expected, to) {
		throwStateError(fmt.Sprintf("expected upload state %s, but was %s",
			sinkStateNames[expected], sinkStateNames[u.state.Load()]))
	}
}

// OnReadSucceeded implements upload.DataSink.
func (u *uploader) OnReadSucceeded(n int, finalChunk bool) {
	u.checkSwap(sinkAwaitingReadResult, sinkUploading)
	u.results <- uploadResult{n: n, final: finalChunk}
}

// OnReadError implements upload.DataSink.
func (u *uploader) OnReadError(err error) {
	u.checkSwap(sinkAwaitingReadResult, sinkUploading)
	u.results <- uploadResult{err: err}
}

// OnRewindSucceeded implements upload.DataSink.
func (u *uploader) OnRewindSucceeded() {
	u.checkSwap(sinkAwaitingRewindResult, sinkUploading)
	u.results <- uploadResult{}
}

// OnRewindError implements upload.DataSink.
func (u *uploader) OnRewindError(err error) {
	u.checkSwap(sinkAwaitingRewindResult, sinkUploading)
	u.results <- uploadResult{err: err}
}

// issueRead posts a provider read on the upload executor and blocks
// the calling goroutine until the result arrives.
func (u *uploader) issueRead(p []byte) (uploadResult, error) {
	u.buf = p
	err := u.executor.Execute(func() {
		defer func() {
			if v := recover(); v != nil {
				// Losing the result CAS inside the provider leaves the
				// adapter in a poisoned state; fail the request rather
				// than wait forever.
				u.state.Store(sinkUploading)
				u.results <- uploadResult{err: panicError(v)}
			}
		}()
		u.provider.Read(u, u.buf)
	})
	if err != nil {
		return uploadResult{}, err
	}
	select {
	case res := <-u.results:
		return res, nil
	case <-u.done:
		return uploadResult{}, io.ErrClosedPipe
	}
}

func (u *uploader) issueRewind() (uploadResult, error) {
	err := u.executor.Execute(func() {
		defer func() {
			if v := recover(); v != nil {
				u.state.Store(sinkUploading)
				u.results <- uploadResult{err: panicError(v)}
			}
		}()
		u.provider.Rewind(u)
	})
	if err != nil {
		return uploadResult{}, err
	}
	select {
	case res := <-u.results:
		return res, nil
	case <-u.done:
		return uploadResult{}, io.ErrClosedPipe
	}
}

// uploadBody is the per-hop io.ReadCloser pulled by the protocol. Read
// drives the provider protocol one step at a time.
type uploadBody struct {
	u             *uploader
	rewindPending bool
	hopClosed     atomic.Bool
}

func (b *uploadBody) Read(p []byte) (int, error) {
	u := b.u
	if b.hopClosed.Load() || u.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	if b.rewindPending {
		if err := b.rewind(); err != nil {
			return 0, err
		}
	}
	if u.finished {
		return 0, io.EOF
	}
	if u.length >= 0 && u.remaining == 0 {
		u.finished = true
		return 0, io.EOF
	}

	// Cap the window at one byte past the declared remainder so a
	// provider overrunning its length is observable rather than
	// silently truncated.
	window := p
	if u.length >= 0 && int64(len(window)) > u.remaining+1 {
		window = window[:u.remaining+1]
	}

	if !u.state.CompareAndSwap(sinkNotStarted, sinkAwaitingReadResult) {
		u.checkSwap(sinkUploading, sinkAwaitingReadResult)
	}
	res, err := u.issueRead(window)
	if err == io.ErrClosedPipe {
		return 0, err
	}
	if err != nil {
		failErr := neterr.Wrap(neterr.Other, "upload executor rejected task", err)
		u.fail(failErr)
		return 0, failErr
	}
	if res.err != nil {
		failErr := neterr.Wrap(neterr.Other, "upload data provider error", res.err)
		u.fail(failErr)
		return 0, failErr
	}
	if res.final && u.length >= 0 {
		failErr := u.violation("non-chunked upload can't have final chunk")
		u.fail(failErr)
		return 0, failErr
	}
	if u.length >= 0 {
		u.remaining -= int64(res.n)
		if u.remaining < 0 {
			failErr := u.violation(fmt.Sprintf(
				"read upload data length %d exceeds expected length %d",
				u.length-u.remaining, u.length))
			u.fail(failErr)
			return 0, failErr
		}
		if u.remaining == 0 {
			u.finished = true
		}
	} else if res.final {
		u.finished = true
	}
	u.written.Add(int64(res.n))
	if res.n == 0 && u.finished {
		return 0, io.EOF
	}
	return res.n, nil
}

func (b *uploadBody) rewind() error {
	u := b.u
	b.rewindPending = false
	if !u.state.CompareAndSwap(sinkNotStarted, sinkAwaitingRewindResult) {
		u.checkSwap(sinkUploading, sinkAwaitingRewindResult)
	}
	res, err := u.issueRewind()
	if err == io.ErrClosedPipe {
		return err
	}
	if err != nil {
		failErr := neterr.Wrap(neterr.Other, "upload executor rejected task", err)
		u.fail(failErr)
		return failErr
	}
	if res.err != nil {
		failErr := neterr.Wrap(neterr.Other, "upload data provider rewind error", res.err)
		u.fail(failErr)
		return failErr
	}
	u.remaining = u.length
	u.finished = false
	return nil
}

// Close marks the hop done. The provider itself is closed once, by the
// request, when a terminal state is reached.
func (b *uploadBody) Close() error {
	b.hopClosed.Store(true)
	return nil
}

func panicError(v interface{}) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", v)
}
