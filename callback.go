// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import (
	"github.com/gogama/urlfetch/neterr"
	"github.com/gogama/urlfetch/taskq"
	"go.uber.org/zap"
)

// A Callback receives the lifecycle notifications for one request. All
// methods run on the Executor supplied when the request was built,
// never on the network thread.
//
// Exactly one of OnSucceeded, OnFailed, or OnCanceled is invoked per
// started request, and nothing is invoked after it. A panic escaping
// any non-terminal callback method fails the request with a
// neterr.CallbackThrown error; a panic escaping a terminal callback
// method is logged and otherwise ignored.
type Callback interface {
	// OnRedirectReceived reports a redirect response. The request is
	// paused: invoke FollowRedirect to continue to newLocationURL, or
	// Cancel to stop.
	OnRedirectReceived(req *Request, info *ResponseInfo, newLocationURL string)

	// OnResponseStarted reports the final response headers, after all
	// redirects. Invoke Read to begin receiving the body.
	OnResponseStarted(req *Request, info *ResponseInfo)

	// OnReadCompleted reports that a Read completed. body is the
	// prefix of the caller's buffer holding the bytes read; it is
	// valid until the next Read. Invoke Read again for more data.
	OnReadCompleted(req *Request, info *ResponseInfo, body []byte)

	// OnSucceeded reports that the request completed. Terminal.
	OnSucceeded(req *Request, info *ResponseInfo)

	// OnFailed reports that the request failed. info may be nil if no
	// response had arrived. Terminal.
	OnFailed(req *Request, info *ResponseInfo, err *neterr.Error)

	// OnCanceled reports that the request was canceled. Terminal.
	OnCanceled(req *Request, info *ResponseInfo)
}

// An Executor runs closures submitted to it, typically on a dedicated
// goroutine. Request callbacks are dispatched through an Executor so
// user code never runs on the network thread.
//
// The Executor must not run the closure synchronously on the goroutine
// that submitted it: several adapter entry points are invoked from
// within callbacks, and inline execution would re-enter the state
// machine. NewSerialExecutor returns a compliant implementation.
type Executor interface {
	// Execute submits f. A non-nil error means the executor rejected
	// the work, for example because it was stopped.
	Execute(f func()) error
}

// The ExecutorFunc type is an adapter to allow the use of ordinary
// functions as executors.
type ExecutorFunc func(f func()) error

// Execute calls e(f).
func (e ExecutorFunc) Execute(f func()) error {
	return e(f)
}

// A SerialExecutor runs submitted closures one at a time, in
// submission order, on a single dedicated goroutine.
type SerialExecutor struct {
	q *taskq.Queue
}

// NewSerialExecutor returns a started SerialExecutor. Call Stop to
// release its goroutine.
func NewSerialExecutor() *SerialExecutor {
	q := taskq.New()
	_ = q.Initialize(nil)
	return &SerialExecutor{q: q}
}

// Execute submits f for execution in FIFO order. It fails with
// taskq.ErrShutdown after Stop.
func (e *SerialExecutor) Execute(f func()) error {
	return e.q.Post(f)
}

// Stop drains submitted closures and stops the executor's goroutine,
// blocking until done.
func (e *SerialExecutor) Stop() {
	e.q.Shutdown()
}

// asyncCallback wraps the user callback and executor so every
// notification is delivered off the network thread, panics in user
// code are converted into request failures, and executor rejection
// destroys the request instead of wedging it.
type asyncCallback struct {
	callback Callback
	executor Executor
}

// execute dispatches a non-terminal notification. A panic in fn fails
// the request; rejection by the executor likewise.
func (c *asyncCallback) execute(req *Request, fn func()) {
	err := c.executor.Execute(func() {
		defer func() {
			if v := recover(); v != nil {
				req.onCallbackPanic(v)
			}
		}()
		fn()
	})
	if err != nil {
		req.onExecutorRejected(err)
	}
}

// executeTerminal dispatches a terminal notification. A panic in fn is
// logged and dropped: the request is already done, and no further
// callback may fire.
func (c *asyncCallback) executeTerminal(req *Request, fn func()) {
	err := c.executor.Execute(func() {
		defer func() {
			if v := recover(); v != nil {
				req.engine.logger().Error("panic in terminal callback",
					zap.String("request", req.id), zap.Any("panic", v))
			}
		}()
		fn()
	})
	if err != nil {
		req.engine.logger().Error("executor rejected terminal callback",
			zap.String("request", req.id), zap.Error(err))
	}
}

func (c *asyncCallback) onRedirectReceived(req *Request, info *ResponseInfo, newLocation string) {
	c.execute(req, func() {
		c.callback.OnRedirectReceived(req, info, newLocation)
	})
}

func (c *asyncCallback) onResponseStarted(req *Request, info *ResponseInfo) {
	c.execute(req, func() {
		c.callback.OnResponseStarted(req, info)
	})
}

func (c *asyncCallback) onReadCompleted(req *Request, info *ResponseInfo, body []byte) {
	c.execute(req, func() {
		c.callback.OnReadCompleted(req, info, body)
	})
}

func (c *asyncCallback) onSucceeded(req *Request, info *ResponseInfo) {
	c.executeTerminal(req, func() {
		c.callback.OnSucceeded(req, info)
	})
}

func (c *asyncCallback) onFailed(req *Request, info *ResponseInfo, err *neterr.Error) {
	c.executeTerminal(req, func() {
		c.callback.OnFailed(req, info, err)
	})
}

func (c *asyncCallback) onCanceled(req *Request, info *ResponseInfo) {
	c.executeTerminal(req, func() {
		c.callback.OnCanceled(req, info)
	})
}

func (c *asyncCallback) sendStatus(req *Request, listener StatusListener, status Status) {
	c.execute(req, func() {
		listener.OnStatus(status)
	})
}
