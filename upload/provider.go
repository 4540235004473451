// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package upload

// A DataProvider supplies request-body bytes to the engine on demand.
//
// Except for Length, methods are issued one at a time: the engine never
// calls Read or Rewind again until the previous call has reported its
// result through the DataSink. Reporting a result when no call is
// outstanding is a fatal protocol violation that fails the request.
//
// Providers for requests that may be replayed after a redirect must
// support Rewind; providers that cannot rewind should report the
// inability through DataSink.OnRewindError, which fails the request
// rather than silently replaying a partial body.
type DataProvider interface {
	// Length returns the number of bytes the provider will supply, or
	// UnknownLength if the body length is not known in advance. It is
	// called once, before the request starts.
	Length() (int64, error)

	// Read copies up to len(p) body bytes into p and reports the
	// result through sink: OnReadSucceeded with the byte count and a
	// final-chunk flag, or OnReadError. For providers with a known
	// length the final-chunk flag must be false; completion is
	// signalled by the byte count reaching the declared length.
	Read(sink DataSink, p []byte)

	// Rewind resets the provider so the body can be replayed from the
	// beginning, reporting the result through sink.
	Rewind(sink DataSink)

	// Close releases provider resources. It is called exactly once,
	// after the request reaches a terminal state or fails to start.
	Close() error
}

// UnknownLength is the sentinel returned by DataProvider.Length when
// the body length is not known in advance. Completion is then
// signalled by the final-chunk flag on OnReadSucceeded.
const UnknownLength int64 = -1

// A DataSink receives the results of DataProvider calls. All methods
// may be called synchronously from within the provider call or
// asynchronously from any goroutine.
type DataSink interface {
	// OnReadSucceeded reports that a Read copied n bytes. finalChunk is
	// only legal for providers with unknown length.
	OnReadSucceeded(n int, finalChunk bool)

	// OnReadError reports that a Read failed. The request fails with an
	// upload error.
	OnReadError(err error)

	// OnRewindSucceeded reports that a Rewind completed and reading
	// will restart from the beginning of the body.
	OnRewindSucceeded()

	// OnRewindError reports that a Rewind failed or is unsupported. The
	// request fails with an upload error.
	OnRewindError(err error)
}
