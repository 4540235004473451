// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import (
	"sync"
	"testing"
	"time"

	"github.com/gogama/urlfetch/neterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptStreamProtocol plays back one scripted bidirectional stream.
type scriptStreamProtocol struct {
	mu       sync.Mutex
	status   int
	body     []byte
	trailers []Header
	failOpen *neterr.Error
	written  [][]byte
}

func (p *scriptStreamProtocol) Open(req *ConnRequest, sink ConnSink, tasks Poster) Conn {
	panic("scriptStreamProtocol supports streams only")
}

func (p *scriptStreamProtocol) OpenStream(req *ConnRequest, sink StreamSink, tasks Poster) StreamConn {
	c := &scriptStreamConn{p: p, sink: sink, tasks: tasks}
	_ = tasks.Post(func() {
		if c.disconnected {
			return
		}
		if p.failOpen != nil {
			sink.OnStreamFailed(p.failOpen)
			return
		}
		sink.OnStreamReady()
		sink.OnResponseHeaders(&RawResponse{
			StatusCode:         p.status,
			StatusText:         "OK",
			NegotiatedProtocol: "h2",
		})
	})
	return c
}

func (p *scriptStreamProtocol) writtenData(t *testing.T) [][]byte {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.written))
	copy(out, p.written)
	return out
}

type scriptStreamConn struct {
	p            *scriptStreamProtocol
	sink         StreamSink
	tasks        Poster
	off          int
	disconnected bool
}

func (c *scriptStreamConn) ReadData(buf []byte) {
	_ = c.tasks.Post(func() {
		if c.disconnected {
			return
		}
		if c.off >= len(c.p.body) {
			if len(c.p.trailers) > 0 {
				c.sink.OnTrailers(c.p.trailers)
			}
			c.sink.OnDataRead(0)
			return
		}
		n := copy(buf, c.p.body[c.off:])
		c.off += n
		c.sink.OnDataRead(n)
	})
}

func (c *scriptStreamConn) WriteData(data []byte, endOfStream bool) {
	recorded := make([]byte, len(data))
	copy(recorded, data)
	c.p.mu.Lock()
	c.p.written = append(c.p.written, recorded)
	c.p.mu.Unlock()
	_ = c.tasks.Post(func() {
		if c.disconnected {
			return
		}
		c.sink.OnDataSent()
	})
}

func (c *scriptStreamConn) Disconnect() {
	c.disconnected = true
}

type streamWrite struct {
	data []byte
	end  bool
}

// recordingStreamCallback records stream callbacks, performing the
// configured writes as the stream allows and reading the response to
// completion.
type recordingStreamCallback struct {
	mu       sync.Mutex
	events   []string
	read     []byte
	trailers []Header
	err      *neterr.Error

	writes    []streamWrite
	nextWrite int

	terminalCount int
	terminal      chan struct{}
	termOnce      sync.Once

	onHeaders func(s *BidirectionalStream, info *ResponseInfo)
}

func newRecordingStreamCallback(writes ...streamWrite) *recordingStreamCallback {
	return &recordingStreamCallback{
		writes:   writes,
		terminal: make(chan struct{}),
	}
}

func (c *recordingStreamCallback) record(event string) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *recordingStreamCallback) recordTerminal(event string) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.terminalCount++
	c.mu.Unlock()
	c.termOnce.Do(func() {
		close(c.terminal)
	})
}

func (c *recordingStreamCallback) issueNextWrite(s *BidirectionalStream) {
	c.mu.Lock()
	if c.nextWrite >= len(c.writes) {
		c.mu.Unlock()
		return
	}
	w := c.writes[c.nextWrite]
	c.nextWrite++
	c.mu.Unlock()
	s.Write(w.data, w.end)
}

func (c *recordingStreamCallback) OnStreamReady(s *BidirectionalStream) {
	c.record("ready")
	c.issueNextWrite(s)
}

func (c *recordingStreamCallback) OnResponseHeadersReceived(s *BidirectionalStream, info *ResponseInfo) {
	c.record("headers")
	if c.onHeaders != nil {
		c.onHeaders(s, info)
		return
	}
	s.Read(make([]byte, 16))
}

func (c *recordingStreamCallback) OnReadCompleted(s *BidirectionalStream, info *ResponseInfo, body []byte, endOfStream bool) {
	c.mu.Lock()
	c.events = append(c.events, "read")
	c.read = append(c.read, body...)
	c.mu.Unlock()
	if !endOfStream {
		s.Read(make([]byte, 16))
	}
}

func (c *recordingStreamCallback) OnWriteCompleted(s *BidirectionalStream, info *ResponseInfo, buf []byte, endOfStream bool) {
	c.record("write")
	if !endOfStream {
		c.issueNextWrite(s)
	}
}

func (c *recordingStreamCallback) OnResponseTrailersReceived(s *BidirectionalStream, info *ResponseInfo, trailers []Header) {
	c.mu.Lock()
	c.events = append(c.events, "trailers")
	c.trailers = trailers
	c.mu.Unlock()
}

func (c *recordingStreamCallback) OnSucceeded(s *BidirectionalStream, info *ResponseInfo) {
	c.recordTerminal("succeeded")
}

func (c *recordingStreamCallback) OnFailed(s *BidirectionalStream, info *ResponseInfo, err *neterr.Error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.recordTerminal("failed")
}

func (c *recordingStreamCallback) OnCanceled(s *BidirectionalStream, info *ResponseInfo) {
	c.recordTerminal("canceled")
}

func (c *recordingStreamCallback) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-c.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal stream callback")
	}
}

func (c *recordingStreamCallback) eventList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	copy(out, c.events)
	return out
}

func (c *recordingStreamCallback) terminals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalCount
}

func (c *recordingStreamCallback) readBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.read))
	copy(out, c.read)
	return out
}

func (c *recordingStreamCallback) trailerList() []Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Header, len(c.trailers))
	copy(out, c.trailers)
	return out
}

func (c *recordingStreamCallback) failure() *neterr.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func TestStreamEcho(t *testing.T) {
	proto := &scriptStreamProtocol{status: 200, body: []byte("response data")}
	engine, executor := newTestEngine(t, proto)

	callback := newRecordingStreamCallback(
		streamWrite{data: []byte("hello "), end: false},
		streamWrite{data: []byte("world"), end: true},
	)
	s, err := engine.NewStreamBuilder("https://test.invalid/stream", callback, executor).Build()
	require.NoError(t, err)
	require.NotEmpty(t, s.ID())

	s.Start()
	callback.waitTerminal(t)

	assert.Equal(t, 1, callback.terminals())
	events := callback.eventList()
	assert.Equal(t, "ready", events[0])
	assert.Equal(t, "succeeded", events[len(events)-1])
	assert.Equal(t, []byte("response data"), callback.readBytes())
	assert.True(t, s.IsDone())

	written := proto.writtenData(t)
	require.Len(t, written, 2)
	assert.Equal(t, []byte("hello "), written[0])
	assert.Equal(t, []byte("world"), written[1])
}

func TestStreamTrailers(t *testing.T) {
	proto := &scriptStreamProtocol{
		status:   200,
		body:     []byte("short"),
		trailers: []Header{{Name: "Grpc-Status", Value: "0"}},
	}
	engine, executor := newTestEngine(t, proto)

	callback := newRecordingStreamCallback(streamWrite{data: []byte("x"), end: true})
	s, err := engine.NewStreamBuilder("https://test.invalid/trailers", callback, executor).Build()
	require.NoError(t, err)

	s.Start()
	callback.waitTerminal(t)

	events := callback.eventList()
	assert.Contains(t, events, "trailers")
	assert.Equal(t, "succeeded", events[len(events)-1])
	trailers := callback.trailerList()
	require.Len(t, trailers, 1)
	assert.Equal(t, Header{Name: "Grpc-Status", Value: "0"}, trailers[0])
}

func TestStreamCancel(t *testing.T) {
	proto := &scriptStreamProtocol{status: 200, body: []byte("never read")}
	engine, executor := newTestEngine(t, proto)

	callback := newRecordingStreamCallback()
	callback.onHeaders = func(s *BidirectionalStream, info *ResponseInfo) {
		s.Cancel()
		s.Cancel() // second cancel is a no-op
	}
	s, err := engine.NewStreamBuilder("https://test.invalid/cancel", callback, executor).Build()
	require.NoError(t, err)

	s.Start()
	callback.waitTerminal(t)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, callback.terminals())
	events := callback.eventList()
	assert.Equal(t, "canceled", events[len(events)-1])
	assert.True(t, s.IsDone())
}

func TestStreamOpenFailure(t *testing.T) {
	proto := &scriptStreamProtocol{failOpen: neterr.New(neterr.ConnectionRefused, "refused")}
	engine, executor := newTestEngine(t, proto)

	callback := newRecordingStreamCallback()
	s, err := engine.NewStreamBuilder("https://test.invalid/fail", callback, executor).Build()
	require.NoError(t, err)

	s.Start()
	callback.waitTerminal(t)

	assert.Equal(t, []string{"failed"}, callback.eventList())
	failure := callback.failure()
	require.NotNil(t, failure)
	assert.Equal(t, neterr.ConnectionRefused, failure.Code)
}

func TestStreamRequiresStreamProtocol(t *testing.T) {
	proto := newScriptProtocol()
	engine, executor := newTestEngine(t, proto)

	callback := newRecordingStreamCallback()
	_, err := engine.NewStreamBuilder("https://test.invalid/nostream", callback, executor).Build()
	assert.Error(t, err)
}

func TestStreamStartTwicePanics(t *testing.T) {
	proto := &scriptStreamProtocol{status: 200}
	engine, executor := newTestEngine(t, proto)

	callback := newRecordingStreamCallback(streamWrite{data: []byte("x"), end: true})
	s, err := engine.NewStreamBuilder("https://test.invalid/twice", callback, executor).Build()
	require.NoError(t, err)

	s.Start()
	assert.Panics(t, func() {
		s.Start()
	})
	callback.waitTerminal(t)
}

func TestStreamWriteBeforeReadyPanics(t *testing.T) {
	proto := &scriptStreamProtocol{status: 200}
	engine, executor := newTestEngine(t, proto)

	callback := newRecordingStreamCallback()
	s, err := engine.NewStreamBuilder("https://test.invalid/early", callback, executor).Build()
	require.NoError(t, err)

	assert.Panics(t, func() {
		s.Write([]byte("too soon"), false)
	})
}
