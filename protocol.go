// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import (
	"io"

	"github.com/gogama/urlfetch/neterr"
)

// A Poster posts tasks onto the engine's network thread. It is the
// task-posting handle given to protocol implementations so their
// callbacks can be delivered on the network thread regardless of which
// goroutine the underlying I/O runs on.
type Poster interface {
	// Post submits a task for FIFO execution on the network thread.
	// It fails with taskq.ErrShutdown after the engine shuts down.
	Post(task func()) error
}

// A ConnRequest describes one connection attempt: a single hop of a
// request. Following a redirect opens a new ConnRequest for the
// redirect target.
type ConnRequest struct {
	// URL is the target of this hop.
	URL string
	// Method is the HTTP method, already rewritten for redirect hops
	// where the redirect status code requires it.
	Method string
	// Headers is the ordered request header list.
	Headers []Header
	// UserAgent is sent when Headers carries no User-Agent field.
	UserAgent string
	// Priority is a hint to the protocol; protocols that cannot
	// express priorities may ignore it.
	Priority Priority
	// Body supplies the request body, or nil when there is none.
	// Reads drive the request's upload data provider on demand.
	Body io.ReadCloser
	// ContentLength is the declared body length: -1 when Body is nil or
	// the length is unknown.
	ContentLength int64
	// DisableCache asks the protocol to bypass any cache it keeps.
	DisableCache bool
	// DisableConnectionMigration asks the protocol not to migrate the
	// connection between networks mid-request.
	DisableConnectionMigration bool
}

// A RawResponse carries the protocol-level response data for one hop.
// The engine combines it with request state (the URL chain) to build
// the ResponseInfo handed to callbacks.
type RawResponse struct {
	StatusCode         int
	StatusText         string
	Headers            []Header
	WasCached          bool
	NegotiatedProtocol string
	ProxyServer        string
}

// A ConnSink receives the lifecycle notifications for one connection
// attempt. Every method must be invoked on the network thread;
// protocol implementations doing I/O on other goroutines post their
// notifications through the Poster handed to Open.
//
// The protocol must invoke, in order, a subset of {OnRedirect,
// OnResponseStarted, OnReadCompleted xN, OnSucceeded | OnFailed}, with
// exactly one terminal notification, and must stop notifying after
// Disconnect.
type ConnSink interface {
	// OnRedirect reports a 3xx response. newLocation is the resolved
	// redirect target; receivedBytes is the protocol's count of bytes
	// received for the redirect response.
	OnRedirect(resp *RawResponse, newLocation string, receivedBytes int64)

	// OnResponseStarted reports the final (non-3xx) response headers.
	OnResponseStarted(resp *RawResponse)

	// OnReadCompleted reports that a Read placed n bytes (n >= 1) in
	// the buffer.
	OnReadCompleted(n int)

	// OnSucceeded reports end of stream. No notification follows.
	OnSucceeded()

	// OnFailed reports that the attempt failed. No notification
	// follows.
	OnFailed(err *neterr.Error)

	// OnStatus reports a change in the attempt's load status, used to
	// answer Request.GetStatus snapshots.
	OnStatus(status Status)
}

// A Conn is one in-flight connection attempt. Its methods are invoked
// only on the network thread.
type Conn interface {
	// Read asks for the next chunk of response body. Exactly one of
	// OnReadCompleted, OnSucceeded, or OnFailed follows. At most one
	// Read may be outstanding; the engine's state machine enforces
	// this.
	Read(p []byte)

	// Disconnect severs the connection and releases its resources. No
	// sink notification is delivered after Disconnect returns, except
	// possibly one already posted to the network thread.
	Disconnect()
}

// A Protocol executes connection attempts. It is the external
// collaborator that owns the actual wire logic; the engine owns only
// the request lifecycle above it.
//
// Implementations must be safe for concurrent use by multiple
// goroutines: Open is called on the network thread, once per hop.
type Protocol interface {
	// Open starts a connection attempt for req, delivering
	// notifications to sink on the network thread via tasks. Open must
	// not block; failures are reported through sink.OnFailed.
	Open(req *ConnRequest, sink ConnSink, tasks Poster) Conn
}
