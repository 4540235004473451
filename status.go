// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

// A Status is a best-effort snapshot of where a request currently is
// in its lifecycle, as reported by Request.GetStatus.
//
// The snapshot is advisory: by the time the listener observes it, the
// request may have moved on.
type Status int

const (
	// StatusInvalid indicates the request is in a state where no load
	// status applies: not yet started, or already terminal.
	StatusInvalid Status = iota - 1
	// StatusIdle indicates the request is started but currently
	// waiting on the caller, for example to follow a pending redirect
	// or issue the next read.
	StatusIdle
	// StatusConnecting indicates a connection is being established,
	// including any name resolution and proxy negotiation performed by
	// the underlying protocol.
	StatusConnecting
	// StatusSSLHandshake indicates the TLS handshake is in progress.
	StatusSSLHandshake
	// StatusSendingRequest indicates the request headers and body are
	// being transmitted.
	StatusSendingRequest
	// StatusWaitingForResponse indicates the request has been fully
	// sent and the response headers have not yet arrived.
	StatusWaitingForResponse
	// StatusReadingResponse indicates a read of the response body is
	// in flight.
	StatusReadingResponse
)

var statusNames = []string{
	"Invalid",
	"Idle",
	"Connecting",
	"SSLHandshake",
	"SendingRequest",
	"WaitingForResponse",
	"ReadingResponse",
}

// Name returns the name of the status.
func (s Status) Name() string {
	i := int(s) + 1
	if i < 0 || i >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[i]
}

// String returns the name of the status.
func (s Status) String() string {
	return s.Name()
}

// A StatusListener receives the result of a Request.GetStatus call.
// The notification is delivered asynchronously on the request's
// callback executor.
type StatusListener interface {
	OnStatus(status Status)
}

// The StatusListenerFunc type is an adapter to allow the use of
// ordinary functions as status listeners.
type StatusListenerFunc func(status Status)

// OnStatus calls f(status).
func (f StatusListenerFunc) OnStatus(status Status) {
	f(status)
}
