// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package neterr

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// A Code is the failure kind of an Error, as reported by the network
// protocol or assigned by the request adapter.
//
// Codes are deliberately coarse. The Detail field of Error carries the
// protocol-specific numeric code when one exists.
type Code int

const (
	// CallbackThrown indicates user-supplied callback code panicked
	// while processing a notification. The panic value is preserved as
	// the error cause; it is never allowed to propagate into the
	// network thread.
	CallbackThrown Code = iota
	// HostnameNotResolved indicates the host name could not be
	// resolved.
	HostnameNotResolved
	// InternetDisconnected indicates the device has no network
	// connectivity at all.
	InternetDisconnected
	// NetworkChanged indicates the network configuration changed while
	// the request was in flight. A retry might succeed on the new
	// configuration.
	NetworkChanged
	// TimedOut indicates a timeout not attributable to connection
	// establishment.
	TimedOut
	// ConnectionClosed indicates the connection was closed before the
	// exchange finished.
	ConnectionClosed
	// ConnectionTimedOut indicates a timeout while establishing the
	// connection.
	ConnectionTimedOut
	// ConnectionRefused indicates the remote host refused the
	// connection, corresponding to the POSIX error code ECONNREFUSED.
	//
	// Connection refusal can happen if the service on the remote host
	// is in the process of starting or restarting, but a retry right
	// away is unlikely to find it listening, so the code is classified
	// as not immediately retryable.
	ConnectionRefused
	// ConnectionReset indicates the remote host returned an RST packet
	// on a previously active TCP connection, corresponding to the POSIX
	// error code ECONNRESET.
	ConnectionReset
	// AddressUnreachable indicates the IP address was unreachable,
	// implying a routing problem.
	AddressUnreachable
	// QUICProtocolFailed indicates a failure specific to the QUIC
	// protocol. Detail carries the QUIC-specific error code.
	QUICProtocolFailed
	// UploadViolation indicates the request body source delivered more
	// or fewer bytes than its declared length.
	UploadViolation
	// ContentLengthExceeded indicates the response body exceeded the
	// caller-specified maximum and the request was failed rather than
	// silently truncated.
	ContentLengthExceeded
	// Other indicates any failure not covered by a more specific code.
	Other
)

var codeNames = map[Code]string{
	CallbackThrown:        "CallbackThrown",
	HostnameNotResolved:   "HostnameNotResolved",
	InternetDisconnected:  "InternetDisconnected",
	NetworkChanged:        "NetworkChanged",
	TimedOut:              "TimedOut",
	ConnectionClosed:      "ConnectionClosed",
	ConnectionTimedOut:    "ConnectionTimedOut",
	ConnectionRefused:     "ConnectionRefused",
	ConnectionReset:       "ConnectionReset",
	AddressUnreachable:    "AddressUnreachable",
	QUICProtocolFailed:    "QUICProtocolFailed",
	UploadViolation:       "UploadViolation",
	ContentLengthExceeded: "ContentLengthExceeded",
	Other:                 "Other",
}

// String returns the name of the code.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Retryable reports whether retrying the request right away has some
// prospect of success.
//
// For example, Retryable returns true for NetworkChanged because the
// request might succeed using the new network configuration, but false
// for InternetDisconnected because retrying right away will fail for as
// long as there is no connectivity. CallbackThrown and UploadViolation
// are caller bugs and never retryable.
func (c Code) Retryable() bool {
	switch c {
	case NetworkChanged, TimedOut, ConnectionClosed, ConnectionTimedOut, ConnectionReset:
		return true
	default:
		return false
	}
}

// An Error is the terminal failure of a request: it carries the coarse
// failure Code, an optional protocol-specific Detail code, and the
// wrapped cause when one exists.
type Error struct {
	Code   Code
	Detail int
	msg    string
	cause  error
}

// New constructs an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, msg: msg}
}

// Wrap constructs an Error with the given code whose cause is err.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, msg: msg, cause: err}
}

// WithDetail returns e with its protocol-specific detail code set.
func (e *Error) WithDetail(detail int) *Error {
	e.Detail = detail
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("urlfetch: %s (%s): %s", e.msg, e.Code, e.cause.Error())
	}
	return fmt.Sprintf("urlfetch: %s (%s)", e.msg, e.Code)
}

// Unwrap returns the wrapped cause, which may be nil.
func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the error's code is immediately retryable.
// Retry is entirely the caller's responsibility; the engine never
// retries internally.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// Categorize maps an arbitrary error produced by the Go networking
// stack onto a Code, looking at wrapped cause errors contained within
// err, not just err itself.
//
// Timeouts are detected through the Timeout() method idiom. Categorize
// never consults a Temporary() method, as its semantics aren't entirely
// clear.
func Categorize(err error) Code {
	if err == nil {
		return Other
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return HostnameNotResolved
	}

	var hasTimeout hasTimeout
	if errors.As(err, &hasTimeout) && hasTimeout.Timeout() {
		return TimedOut
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.EPIPE:
			return ConnectionReset
		case syscall.ECONNREFUSED:
			return ConnectionRefused
		case syscall.ETIMEDOUT:
			return ConnectionTimedOut
		case syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return AddressUnreachable
		case syscall.ENETDOWN:
			return InternetDisconnected
		}
	}

	return Other
}

// FromTransport wraps a failure reported by the network protocol,
// categorizing err to pick the code.
func FromTransport(err error) *Error {
	return Wrap(Categorize(err), "transport error", err)
}

type hasTimeout interface {
	Timeout() bool
}
