// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gogama/urlfetch/neterr"
	"github.com/stretchr/testify/require"
)

// scriptHop describes one connection attempt of a scripted protocol.
type scriptHop struct {
	failOpen      *neterr.Error
	redirectCode  int
	redirectTo    string
	redirectBytes int64
	status        int
	statusText    string
	headers       []Header
	body          []byte
	chunk         int // max bytes delivered per read; 0 means fill the buffer
	stallReads    bool
	failRead      *neterr.Error
}

// scriptProtocol plays back a fixed list of hops, one per Open call,
// and records what the engine sent it.
type scriptProtocol struct {
	mu      sync.Mutex
	hops    []scriptHop
	opened  []*ConnRequest
	uploads map[int][]byte
	upErrs  map[int]error
}

func newScriptProtocol(hops ...scriptHop) *scriptProtocol {
	return &scriptProtocol{
		hops:    hops,
		uploads: make(map[int][]byte),
		upErrs:  make(map[int]error),
	}
}

func (p *scriptProtocol) Open(req *ConnRequest, sink ConnSink, tasks Poster) Conn {
	p.mu.Lock()
	i := len(p.opened)
	p.opened = append(p.opened, req)
	if i >= len(p.hops) {
		p.mu.Unlock()
		panic("scriptProtocol: unexpected extra connection attempt")
	}
	hop := p.hops[i]
	p.mu.Unlock()

	c := &scriptConn{hop: hop, sink: sink, tasks: tasks}
	begin := func() {
		_ = tasks.Post(func() {
			c.begin()
		})
	}
	if req.Body != nil {
		// Drain the upload on a separate goroutine, the way a real
		// transport would, before producing the response.
		go func() {
			data, err := io.ReadAll(req.Body)
			_ = req.Body.Close()
			p.mu.Lock()
			p.uploads[i] = data
			p.upErrs[i] = err
			p.mu.Unlock()
			if err == nil {
				begin()
			}
		}()
	} else {
		begin()
	}
	return c
}

func (p *scriptProtocol) openedRequests() []*ConnRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ConnRequest, len(p.opened))
	copy(out, p.opened)
	return out
}

func (p *scriptProtocol) uploadedBody(hop int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploads[hop]
}

type scriptConn struct {
	hop          scriptHop
	sink         ConnSink
	tasks        Poster
	off          int
	disconnected bool
}

func (c *scriptConn) begin() {
	if c.disconnected {
		return
	}
	hop := c.hop
	if hop.failOpen != nil {
		c.sink.OnFailed(hop.failOpen)
		return
	}
	if hop.redirectCode != 0 {
		c.sink.OnRedirect(&RawResponse{
			StatusCode: hop.redirectCode,
			StatusText: "Redirect",
			Headers:    []Header{{Name: "Location", Value: hop.redirectTo}},
		}, hop.redirectTo, hop.redirectBytes)
		return
	}
	c.sink.OnStatus(StatusWaitingForResponse)
	c.sink.OnResponseStarted(&RawResponse{
		StatusCode:         hop.status,
		StatusText:         hop.statusText,
		Headers:            hop.headers,
		NegotiatedProtocol: "http/1.1",
	})
}

func (c *scriptConn) Read(p []byte) {
	if c.hop.stallReads {
		return
	}
	_ = c.tasks.Post(func() {
		if c.disconnected {
			return
		}
		if c.hop.failRead != nil {
			c.sink.OnFailed(c.hop.failRead)
			return
		}
		if c.off >= len(c.hop.body) {
			c.sink.OnSucceeded()
			return
		}
		limit := len(p)
		if c.hop.chunk > 0 && c.hop.chunk < limit {
			limit = c.hop.chunk
		}
		n := copy(p[:limit], c.hop.body[c.off:])
		c.off += n
		c.sink.OnReadCompleted(n)
	})
}

func (c *scriptConn) Disconnect() {
	c.disconnected = true
}

// recordingCallback records the callback sequence, accumulates body
// bytes, and by default follows redirects and reads the body to
// completion with a small buffer. Tests override individual steps
// through the on* hooks.
type recordingCallback struct {
	mu       sync.Mutex
	events   []string
	body     []byte
	lastInfo *ResponseInfo
	err      *neterr.Error

	terminalCount int
	terminal      chan struct{}
	termOnce      sync.Once

	bufSize    int
	onRedirect func(req *Request, info *ResponseInfo, newLocation string)
	onResponse func(req *Request, info *ResponseInfo)
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{
		bufSize:  16,
		terminal: make(chan struct{}),
	}
}

func (c *recordingCallback) record(event string, info *ResponseInfo) {
	c.mu.Lock()
	c.events = append(c.events, event)
	if info != nil {
		c.lastInfo = info
	}
	c.mu.Unlock()
}

func (c *recordingCallback) recordTerminal(event string, info *ResponseInfo) {
	c.mu.Lock()
	c.events = append(c.events, event)
	if info != nil {
		c.lastInfo = info
	}
	c.terminalCount++
	c.mu.Unlock()
	c.termOnce.Do(func() {
		close(c.terminal)
	})
}

func (c *recordingCallback) OnRedirectReceived(req *Request, info *ResponseInfo, newLocation string) {
	c.record("redirect", info)
	if c.onRedirect != nil {
		c.onRedirect(req, info, newLocation)
		return
	}
	req.FollowRedirect()
}

func (c *recordingCallback) OnResponseStarted(req *Request, info *ResponseInfo) {
	c.record("response", info)
	if c.onResponse != nil {
		c.onResponse(req, info)
		return
	}
	req.Read(make([]byte, c.bufSize))
}

func (c *recordingCallback) OnReadCompleted(req *Request, info *ResponseInfo, body []byte) {
	c.mu.Lock()
	c.events = append(c.events, "read")
	c.body = append(c.body, body...)
	c.lastInfo = info
	c.mu.Unlock()
	req.Read(make([]byte, c.bufSize))
}

func (c *recordingCallback) OnSucceeded(req *Request, info *ResponseInfo) {
	c.recordTerminal("succeeded", info)
}

func (c *recordingCallback) OnFailed(req *Request, info *ResponseInfo, err *neterr.Error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.recordTerminal("failed", info)
}

func (c *recordingCallback) OnCanceled(req *Request, info *ResponseInfo) {
	c.recordTerminal("canceled", info)
}

func (c *recordingCallback) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-c.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal callback")
	}
}

func (c *recordingCallback) eventList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	copy(out, c.events)
	return out
}

func (c *recordingCallback) bodyBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.body))
	copy(out, c.body)
	return out
}

func (c *recordingCallback) terminals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalCount
}

func (c *recordingCallback) failure() *neterr.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// newTestEngine builds an engine on proto plus a serial executor for
// callbacks, both torn down when the test finishes.
func newTestEngine(t *testing.T, proto Protocol) (*Engine, *SerialExecutor) {
	t.Helper()
	engine, err := NewEngineBuilder().Protocol(proto).Build()
	require.NoError(t, err)
	executor := NewSerialExecutor()
	t.Cleanup(func() {
		_ = engine.Shutdown()
		executor.Stop()
	})
	return engine, executor
}
