// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import "errors"

// A StateError reports that an operation was invoked while the request
// or engine was in a state where that operation is illegal: starting a
// request twice, reading before the previous read completed, following
// a redirect when none is pending, or shutting an engine down from its
// own network thread.
//
// State errors are caller bugs. They are raised synchronously, as a
// panic carrying a *StateError, so they cannot be mistaken for an
// asynchronous network failure; the request's state is unchanged.
type StateError struct {
	msg string
}

func (e *StateError) Error() string {
	return "urlfetch: " + e.msg
}

func throwStateError(msg string) {
	panic(&StateError{msg: msg})
}

// ErrShutdown is returned when an operation requires a running engine
// but the engine has been shut down.
var ErrShutdown = errors.New("urlfetch: engine is shut down")

// ErrActiveRequests is returned by Engine.Shutdown when requests are
// still in flight. Cancel or complete all requests before shutting
// down.
var ErrActiveRequests = errors.New("urlfetch: cannot shut down with active requests")
