// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import (
	"os"
	"sync"
	"time"

	"github.com/gogama/urlfetch/prefs"
	"github.com/gogama/urlfetch/taskq"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// An Engine owns the network thread, the protocol stack, and the set
// of live requests. Engines are safe for concurrent use; a typical
// program creates one and shares it.
//
// Create an Engine with NewEngineBuilder and release it with Shutdown.
type Engine struct {
	q     *taskq.Queue
	proto Protocol
	ua    string
	log   *zap.Logger
	store prefs.Store
	limit *rate.Limiter

	active  cmap.ConcurrentMap[string, *Request]
	streams cmap.ConcurrentMap[string, *BidirectionalStream]

	listenerLock sync.Mutex
	listeners    map[FinishedListener]Executor

	netLogLock sync.Mutex
	netLog     *zap.Logger
	netLogFile *os.File

	certLock sync.Mutex
	certData string
}

// NewRequestBuilder returns a builder for a request to url whose
// lifecycle events are delivered to callback on executor.
func (e *Engine) NewRequestBuilder(url string, callback Callback, executor Executor) *RequestBuilder {
	return newRequestBuilder(e, url, callback, executor)
}

// ActiveRequestCount returns the number of started requests and
// streams that have not yet reached a terminal state.
func (e *Engine) ActiveRequestCount() int {
	return e.active.Count() + e.streams.Count()
}

// AddFinishedListener registers listener to receive a FinishedInfo,
// on executor, each time a request reaches a terminal state.
func (e *Engine) AddFinishedListener(listener FinishedListener, executor Executor) {
	e.listenerLock.Lock()
	defer e.listenerLock.Unlock()
	e.listeners[listener] = executor
}

// RemoveFinishedListener unregisters listener. It does not wait for
// notifications already dispatched to the listener's executor.
func (e *Engine) RemoveFinishedListener(listener FinishedListener) {
	e.listenerLock.Lock()
	defer e.listenerLock.Unlock()
	delete(e.listeners, listener)
}

// StartNetLogToFile begins appending a JSON event log of engine and
// request activity to the file at path, creating it if needed. Only
// one net log may be active at a time.
func (e *Engine) StartNetLogToFile(path string) error {
	e.netLogLock.Lock()
	defer e.netLogLock.Unlock()
	if e.netLog != nil {
		return errors.New("urlfetch: net log already started")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "urlfetch: opening net log file")
	}
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(enc, zapcore.Lock(f), zapcore.InfoLevel)
	e.netLogFile = f
	e.netLog = zap.New(core)
	e.netLog.Info("netlog started", zap.String("user_agent", e.ua))
	return nil
}

// StopNetLog stops an active net log and flushes the file. It does
// nothing if no net log is active.
func (e *Engine) StopNetLog() {
	e.netLogLock.Lock()
	defer e.netLogLock.Unlock()
	if e.netLog == nil {
		return
	}
	e.netLog.Info("netlog stopped")
	_ = e.netLog.Sync()
	_ = e.netLogFile.Close()
	e.netLog = nil
	e.netLogFile = nil
}

// GetCertVerifierData returns the engine's persisted certificate
// verifier data. The read happens on the network thread; the call
// blocks up to timeout waiting for it.
func (e *Engine) GetCertVerifierData(timeout time.Duration) (string, error) {
	result := make(chan string, 1)
	err := e.q.Post(func() {
		e.certLock.Lock()
		data := e.certData
		e.certLock.Unlock()
		result <- data
	})
	if err != nil {
		return "", err
	}
	select {
	case data := <-result:
		return data, nil
	case <-time.After(timeout):
		return "", errors.New("urlfetch: timed out reading cert verifier data")
	}
}

// SetCertVerifierData replaces the engine's certificate verifier data.
// The data is persisted at Shutdown.
func (e *Engine) SetCertVerifierData(data string) {
	e.certLock.Lock()
	e.certData = data
	e.certLock.Unlock()
}

// Shutdown stops the engine, persisting preferences and releasing the
// network thread. It fails with ErrActiveRequests while any started
// request has not reached a terminal state, and panics with a
// *StateError if called on the network thread, where it would
// deadlock.
func (e *Engine) Shutdown() error {
	if e.q.OnWorker() {
		throwStateError("cannot shut down the engine on the network thread")
	}
	if e.ActiveRequestCount() > 0 {
		return ErrActiveRequests
	}
	e.StopNetLog()
	if e.store != nil {
		e.certLock.Lock()
		data := e.certData
		e.certLock.Unlock()
		e.store.Set(prefs.CertVerifierKey, data)
		if err := e.store.Flush(); err != nil {
			e.log.Error("error flushing preferences", zap.Error(err))
		}
	}
	e.q.Shutdown()
	e.log.Info("engine shut down")
	_ = e.log.Sync()
	return nil
}

// attachRequest registers a started request. It fails after Shutdown.
func (e *Engine) attachRequest(r *Request) error {
	// Probe the queue: a closed queue means the engine is gone.
	if err := e.q.Post(func() {}); err != nil {
		return ErrShutdown
	}
	e.active.Set(r.id, r)
	e.netLogEvent("request started", zap.String("request", r.id),
		zap.String("url", r.initialURL), zap.String("method", r.method))
	return nil
}

// attachStream registers a started stream. It fails after Shutdown.
func (e *Engine) attachStream(s *BidirectionalStream) error {
	if err := e.q.Post(func() {}); err != nil {
		return ErrShutdown
	}
	e.streams.Set(s.id, s)
	e.netLogEvent("stream started", zap.String("stream", s.id),
		zap.String("url", s.initialURL), zap.String("method", s.method))
	return nil
}

func (e *Engine) detachStream(s *BidirectionalStream) {
	e.streams.Remove(s.id)
	e.netLogEvent("stream finished", zap.String("stream", s.id))
}

func (e *Engine) detachRequest(r *Request) {
	e.active.Remove(r.id)
	e.netLogEvent("request finished", zap.String("request", r.id),
		zap.String("state", r.loadState().String()))
}

// reportFinished fans info out to the registered finished listeners,
// each on its own executor.
func (e *Engine) reportFinished(info *FinishedInfo) {
	e.listenerLock.Lock()
	targets := make(map[FinishedListener]Executor, len(e.listeners))
	for l, x := range e.listeners {
		targets[l] = x
	}
	e.listenerLock.Unlock()
	for l, x := range targets {
		l := l
		err := x.Execute(func() {
			l.OnRequestFinished(info)
		})
		if err != nil {
			e.log.Error("executor rejected finished notification",
				zap.String("request", info.ID), zap.Error(err))
		}
	}
}

func (e *Engine) netLogEvent(msg string, fields ...zap.Field) {
	e.netLogLock.Lock()
	nl := e.netLog
	e.netLogLock.Unlock()
	if nl != nil {
		nl.Info(msg, fields...)
	}
}

// post submits a task to the network thread.
func (e *Engine) post(task func()) error {
	return e.q.Post(task)
}

// postConnect submits a connection-opening task, delaying it when a
// throttle is configured. The delay happens off the network thread.
func (e *Engine) postConnect(task func()) error {
	if e.limit == nil {
		return e.q.Post(task)
	}
	res := e.limit.Reserve()
	if !res.OK() {
		return e.q.Post(task)
	}
	d := res.Delay()
	if d <= 0 {
		return e.q.Post(task)
	}
	time.AfterFunc(d, func() {
		if err := e.q.Post(task); err != nil {
			e.log.Error("engine shut down before throttled task ran", zap.Error(err))
		}
	})
	return nil
}

// tasks returns a Poster delivering tasks to the network thread.
func (e *Engine) tasks() Poster {
	return queuePoster{q: e.q}
}

func (e *Engine) logger() *zap.Logger {
	return e.log
}

func (e *Engine) userAgent() string {
	return e.ua
}

func (e *Engine) protocol() Protocol {
	return e.proto
}

func cmapNew() cmap.ConcurrentMap[string, *Request] {
	return cmap.New[*Request]()
}

func cmapNewStreams() cmap.ConcurrentMap[string, *BidirectionalStream] {
	return cmap.New[*BidirectionalStream]()
}

type queuePoster struct {
	q *taskq.Queue
}

func (p queuePoster) Post(task func()) error {
	return p.q.Post(task)
}
