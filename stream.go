// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/gogama/urlfetch/neterr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// A StreamSink receives protocol events for one bidirectional stream.
// All methods run on the network thread.
type StreamSink interface {
	// OnStreamReady reports that the stream accepts writes.
	OnStreamReady()

	// OnResponseHeaders reports the response headers.
	OnResponseHeaders(resp *RawResponse)

	// OnDataRead reports that a ReadData call completed with n bytes.
	// n == 0 means the peer half-closed: no more data will arrive.
	OnDataRead(n int)

	// OnDataSent reports that a WriteData call completed.
	OnDataSent()

	// OnTrailers reports the response trailers, after the final
	// OnDataRead.
	OnTrailers(trailers []Header)

	// OnStreamFailed reports a terminal stream failure.
	OnStreamFailed(err *neterr.Error)
}

// A StreamConn is an open bidirectional stream at the protocol layer.
// Methods must not block; results arrive through the StreamSink.
type StreamConn interface {
	// ReadData requests the next chunk of response data into p.
	ReadData(p []byte)

	// WriteData sends p. endOfStream half-closes the write side after
	// the data is sent.
	WriteData(p []byte, endOfStream bool)

	// Disconnect abandons the stream. No further sink calls are made.
	Disconnect()
}

// A StreamProtocol is a Protocol that can also open bidirectional
// streams.
type StreamProtocol interface {
	Protocol

	// OpenStream starts a stream described by req. Like Open, it must
	// not block, and failures are reported through the sink.
	OpenStream(req *ConnRequest, sink StreamSink, tasks Poster) StreamConn
}

// A StreamCallback receives the lifecycle notifications for one
// bidirectional stream, on the stream's executor. Exactly one of
// OnSucceeded, OnFailed, or OnCanceled is invoked per started stream.
type StreamCallback interface {
	// OnStreamReady reports that the stream is ready for Write.
	OnStreamReady(s *BidirectionalStream)

	// OnResponseHeadersReceived reports the response headers. Invoke
	// Read to begin receiving data.
	OnResponseHeadersReceived(s *BidirectionalStream, info *ResponseInfo)

	// OnReadCompleted reports a completed Read. endOfStream is true on
	// the final read; no further reads may be issued after it.
	OnReadCompleted(s *BidirectionalStream, info *ResponseInfo, body []byte, endOfStream bool)

	// OnWriteCompleted reports a completed Write of buf.
	OnWriteCompleted(s *BidirectionalStream, info *ResponseInfo, buf []byte, endOfStream bool)

	// OnResponseTrailersReceived reports the response trailers, if the
	// peer sent any, before OnSucceeded.
	OnResponseTrailersReceived(s *BidirectionalStream, info *ResponseInfo, trailers []Header)

	// OnSucceeded reports that both directions completed. Terminal.
	OnSucceeded(s *BidirectionalStream, info *ResponseInfo)

	// OnFailed reports that the stream failed. Terminal.
	OnFailed(s *BidirectionalStream, info *ResponseInfo, err *neterr.Error)

	// OnCanceled reports that the stream was canceled. Terminal.
	OnCanceled(s *BidirectionalStream, info *ResponseInfo)
}

// Per-direction stream states. The read and write sides progress
// independently under the stream lock; the stream succeeds when both
// reach their done state.
const (
	streamNotStarted int32 = iota
	streamStarted
	streamWaiting
	streamBusy
	streamDone
	streamTerminated
)

// A BidirectionalStream exchanges data with a server in both
// directions concurrently over a single stream. Reads and writes are
// independent: a Write may be issued while a Read is outstanding, but
// at most one of each may be in flight at a time.
//
// Build streams with Engine.NewStreamBuilder.
type BidirectionalStream struct {
	engine   *Engine
	id       string
	callback *streamDispatcher

	method   string
	headers  []Header
	priority Priority
	initialURL string
	annotations []interface{}

	lock       sync.Mutex
	readState  int32
	writeState int32
	started    bool
	terminal   bool
	conn       StreamConn
	readBuf    []byte
	writeBuf   []byte
	writeEnd   bool

	respInfo  atomic.Pointer[ResponseInfo]
	destroyed atomic.Bool
}

// A StreamBuilder configures and builds a BidirectionalStream.
// Builders are not safe for concurrent use and must not be reused
// after Build.
type StreamBuilder struct {
	engine   *Engine
	url      string
	callback StreamCallback
	executor Executor
	method   string
	headers  *orderedmap.OrderedMap[string, headerEntry]
	priority Priority
	annotations []interface{}
}

// NewStreamBuilder returns a builder for a bidirectional stream to url
// whose lifecycle events are delivered to callback on executor. The
// engine's protocol must support streams.
func (e *Engine) NewStreamBuilder(url string, callback StreamCallback, executor Executor) *StreamBuilder {
	return &StreamBuilder{
		engine:   e,
		url:      url,
		callback: callback,
		executor: executor,
		headers:  orderedmap.NewOrderedMap[string, headerEntry](),
		priority: PriorityMedium,
	}
}

// Method sets the HTTP method. The default is POST.
func (b *StreamBuilder) Method(method string) *StreamBuilder {
	b.method = method
	return b
}

// AddHeader adds a request header, with the same replacement and
// case-insensitivity semantics as RequestBuilder.AddHeader.
func (b *StreamBuilder) AddHeader(name, value string) *StreamBuilder {
	b.headers.Set(strings.ToLower(name), headerEntry{name: name, value: value})
	return b
}

// Priority sets the stream priority hint.
func (b *StreamBuilder) Priority(p Priority) *StreamBuilder {
	b.priority = p
	return b
}

// Annotate attaches opaque values surfaced later in FinishedInfo.
func (b *StreamBuilder) Annotate(values ...interface{}) *StreamBuilder {
	b.annotations = append(b.annotations, values...)
	return b
}

// Build validates the configuration and returns a stream ready to
// Start.
func (b *StreamBuilder) Build() (*BidirectionalStream, error) {
	if b.callback == nil {
		return nil, fmt.Errorf("urlfetch: nil callback")
	}
	if b.executor == nil {
		return nil, fmt.Errorf("urlfetch: nil callback executor")
	}
	if _, ok := b.engine.protocol().(StreamProtocol); !ok {
		return nil, fmt.Errorf("urlfetch: engine protocol does not support bidirectional streams")
	}
	u, err := url.Parse(b.url)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("urlfetch: invalid URL %q", b.url)
	}
	method := b.method
	if method == "" {
		method = "POST"
	}
	if !validMethod(method) {
		return nil, fmt.Errorf("urlfetch: invalid HTTP method %q", method)
	}
	headers := make([]Header, 0, b.headers.Len())
	for el := b.headers.Front(); el != nil; el = el.Next() {
		h := el.Value
		if !validHeader(h.name, h.value) {
			return nil, fmt.Errorf("urlfetch: invalid header %q", h.name)
		}
		headers = append(headers, Header{Name: h.name, Value: h.value})
	}
	s := &BidirectionalStream{
		engine:      b.engine,
		id:          uuid.NewString(),
		method:      method,
		headers:     headers,
		priority:    b.priority,
		initialURL:  b.url,
		annotations: b.annotations,
	}
	s.callback = &streamDispatcher{stream: s, callback: b.callback, executor: b.executor}
	return s, nil
}

// ID returns the unique identifier assigned to this stream.
func (s *BidirectionalStream) ID() string {
	return s.id
}

// Start opens the stream. It may be called at most once.
func (s *BidirectionalStream) Start() {
	s.lock.Lock()
	if s.started {
		s.lock.Unlock()
		throwStateError("stream already started")
	}
	s.started = true
	s.readState = streamStarted
	s.writeState = streamStarted
	s.lock.Unlock()

	if err := s.engine.attachStream(s); err != nil {
		s.enterError(neterr.Wrap(neterr.Other, "engine unavailable", err))
		return
	}
	err := s.engine.postConnect(func() {
		s.lock.Lock()
		if s.terminal {
			s.lock.Unlock()
			return
		}
		req := &ConnRequest{
			URL:       s.initialURL,
			Method:    s.method,
			Headers:   s.headers,
			UserAgent: s.engine.userAgent(),
			Priority:  s.priority,
			ContentLength: -1,
		}
		proto := s.engine.protocol().(StreamProtocol)
		s.conn = proto.OpenStream(req, &streamSink{s}, s.engine.tasks())
		s.lock.Unlock()
	})
	if err != nil {
		s.enterError(neterr.Wrap(neterr.Other, "engine unavailable", err))
	}
}

// Read requests the next chunk of response data into p. The result is
// delivered through OnReadCompleted; p must not be touched until then.
// At most one read may be outstanding.
func (s *BidirectionalStream) Read(p []byte) {
	if len(p) == 0 {
		throwStateError("read buffer must have nonzero length")
	}
	s.lock.Lock()
	if s.terminal {
		s.lock.Unlock()
		return
	}
	if s.readState != streamWaiting {
		state := s.readState
		s.lock.Unlock()
		throwStateError(fmt.Sprintf("unexpected stream read attempt: read state is %d", state))
	}
	s.readState = streamBusy
	s.readBuf = p
	conn := s.conn
	s.lock.Unlock()
	err := s.engine.post(func() {
		if !s.isTerminal() {
			conn.ReadData(p)
		}
	})
	if err != nil {
		s.enterError(neterr.Wrap(neterr.Other, "engine unavailable", err))
	}
}

// Write sends p to the server. endOfStream half-closes the write side
// after p is sent; no further writes may be issued after it. The
// result is delivered through OnWriteCompleted; p must not be touched
// until then. At most one write may be outstanding.
func (s *BidirectionalStream) Write(p []byte, endOfStream bool) {
	s.lock.Lock()
	if s.terminal {
		s.lock.Unlock()
		return
	}
	if s.writeState != streamWaiting {
		state := s.writeState
		s.lock.Unlock()
		throwStateError(fmt.Sprintf("unexpected stream write attempt: write state is %d", state))
	}
	s.writeState = streamBusy
	s.writeBuf = p
	s.writeEnd = endOfStream
	conn := s.conn
	s.lock.Unlock()
	err := s.engine.post(func() {
		if !s.isTerminal() {
			conn.WriteData(p, endOfStream)
		}
	})
	if err != nil {
		s.enterError(neterr.Wrap(neterr.Other, "engine unavailable", err))
	}
}

// Cancel cancels the stream. The same in-flight-callback race rules
// apply as for Request.Cancel: OnCanceled is the last callback and
// fires exactly once. Canceling a stream that never started, or that
// already finished, does nothing.
func (s *BidirectionalStream) Cancel() {
	s.lock.Lock()
	if !s.started || s.terminal {
		s.lock.Unlock()
		return
	}
	s.terminal = true
	s.readState = streamTerminated
	s.writeState = streamTerminated
	s.lock.Unlock()
	s.destroy()
	s.callback.onCanceled(s.respInfo.Load())
}

// IsDone reports whether the stream reached a terminal state.
func (s *BidirectionalStream) IsDone() bool {
	return s.isTerminal()
}

func (s *BidirectionalStream) isTerminal() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.terminal
}

func (s *BidirectionalStream) destroy() {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}
	_ = s.engine.post(func() {
		s.lock.Lock()
		conn := s.conn
		s.conn = nil
		s.lock.Unlock()
		if conn != nil {
			conn.Disconnect()
		}
	})
	s.engine.detachStream(s)
}

func (s *BidirectionalStream) enterError(err *neterr.Error) {
	s.lock.Lock()
	if s.terminal {
		s.lock.Unlock()
		return
	}
	s.terminal = true
	s.readState = streamTerminated
	s.writeState = streamTerminated
	s.lock.Unlock()
	s.destroy()
	s.callback.onFailed(s.respInfo.Load(), err)
}

// maybeSucceed finishes the stream once both directions are done.
// Caller must not hold the lock.
func (s *BidirectionalStream) maybeSucceed() {
	s.lock.Lock()
	if s.terminal || s.readState != streamDone || s.writeState != streamDone {
		s.lock.Unlock()
		return
	}
	s.terminal = true
	s.lock.Unlock()
	s.destroy()
	s.callback.onSucceeded(s.respInfo.Load())
}

func (s *BidirectionalStream) onCallbackPanic(v interface{}) {
	s.engine.logger().Error("stream callback panicked",
		zap.String("stream", s.id), zap.Any("panic", v))
	s.enterError(neterr.Wrap(neterr.CallbackThrown, "panic in callback", panicError(v)))
}

func (s *BidirectionalStream) onExecutorRejected(err error) {
	s.engine.logger().Error("stream executor rejected task",
		zap.String("stream", s.id), zap.Error(err))
	s.lock.Lock()
	if s.terminal {
		s.lock.Unlock()
		return
	}
	s.terminal = true
	s.lock.Unlock()
	s.destroy()
}

// streamSink receives protocol events on the network thread and drives
// the per-direction state machines.
type streamSink struct {
	s *BidirectionalStream
}

func (k *streamSink) OnStreamReady() {
	s := k.s
	s.lock.Lock()
	if s.terminal {
		s.lock.Unlock()
		return
	}
	s.writeState = streamWaiting
	s.lock.Unlock()
	s.callback.onStreamReady()
}

func (k *streamSink) OnResponseHeaders(resp *RawResponse) {
	s := k.s
	info := &ResponseInfo{
		urlChain:           []string{s.initialURL},
		statusCode:         resp.StatusCode,
		statusText:         resp.StatusText,
		headers:            resp.Headers,
		negotiatedProtocol: resp.NegotiatedProtocol,
	}
	s.respInfo.Store(info)
	s.lock.Lock()
	if s.terminal {
		s.lock.Unlock()
		return
	}
	s.readState = streamWaiting
	s.lock.Unlock()
	s.callback.onResponseHeadersReceived(info)
}

func (k *streamSink) OnDataRead(n int) {
	s := k.s
	s.lock.Lock()
	if s.terminal || s.readState != streamBusy {
		s.lock.Unlock()
		return
	}
	buf := s.readBuf
	end := n == 0
	if end {
		s.readState = streamDone
	} else {
		s.readState = streamWaiting
	}
	s.lock.Unlock()
	info := s.respInfo.Load()
	if info != nil {
		info.setReceivedBytes(info.ReceivedBytes() + int64(n))
	}
	s.callback.onReadCompleted(info, buf[:n], end)
	if end {
		s.maybeSucceed()
	}
}

func (k *streamSink) OnDataSent() {
	s := k.s
	s.lock.Lock()
	if s.terminal || s.writeState != streamBusy {
		s.lock.Unlock()
		return
	}
	buf := s.writeBuf
	end := s.writeEnd
	if end {
		s.writeState = streamDone
	} else {
		s.writeState = streamWaiting
	}
	s.lock.Unlock()
	s.callback.onWriteCompleted(s.respInfo.Load(), buf, end)
	if end {
		s.maybeSucceed()
	}
}

func (k *streamSink) OnTrailers(trailers []Header) {
	s := k.s
	if s.isTerminal() {
		return
	}
	s.callback.onResponseTrailersReceived(s.respInfo.Load(), trailers)
}

func (k *streamSink) OnStreamFailed(err *neterr.Error) {
	k.s.enterError(err)
}

// streamDispatcher delivers stream callbacks on the stream's executor
// with the same panic and rejection handling as request callbacks.
type streamDispatcher struct {
	stream   *BidirectionalStream
	callback StreamCallback
	executor Executor
}

func (d *streamDispatcher) execute(fn func()) {
	err := d.executor.Execute(func() {
		defer func() {
			if v := recover(); v != nil {
				d.stream.onCallbackPanic(v)
			}
		}()
		fn()
	})
	if err != nil {
		d.stream.onExecutorRejected(err)
	}
}

func (d *streamDispatcher) executeTerminal(fn func()) {
	err := d.executor.Execute(func() {
		defer func() {
			if v := recover(); v != nil {
				d.stream.engine.logger().Error("panic in terminal stream callback",
					zap.String("stream", d.stream.id), zap.Any("panic", v))
			}
		}()
		fn()
	})
	if err != nil {
		d.stream.engine.logger().Error("executor rejected terminal stream callback",
			zap.String("stream", d.stream.id), zap.Error(err))
	}
}

func (d *streamDispatcher) onStreamReady() {
	d.execute(func() { d.callback.OnStreamReady(d.stream) })
}

func (d *streamDispatcher) onResponseHeadersReceived(info *ResponseInfo) {
	d.execute(func() { d.callback.OnResponseHeadersReceived(d.stream, info) })
}

func (d *streamDispatcher) onReadCompleted(info *ResponseInfo, body []byte, end bool) {
	d.execute(func() { d.callback.OnReadCompleted(d.stream, info, body, end) })
}

func (d *streamDispatcher) onWriteCompleted(info *ResponseInfo, buf []byte, end bool) {
	d.execute(func() { d.callback.OnWriteCompleted(d.stream, info, buf, end) })
}

func (d *streamDispatcher) onResponseTrailersReceived(info *ResponseInfo, trailers []Header) {
	d.execute(func() { d.callback.OnResponseTrailersReceived(d.stream, info, trailers) })
}

func (d *streamDispatcher) onSucceeded(info *ResponseInfo) {
	d.executeTerminal(func() { d.callback.OnSucceeded(d.stream, info) })
}

func (d *streamDispatcher) onFailed(info *ResponseInfo, err *neterr.Error) {
	d.executeTerminal(func() { d.callback.OnFailed(d.stream, info, err) })
}

func (d *streamDispatcher) onCanceled(info *ResponseInfo) {
	d.executeTerminal(func() { d.callback.OnCanceled(d.stream, info) })
}
