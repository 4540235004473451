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
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/gogama/urlfetch/neterr"
	"github.com/gogama/urlfetch/upload"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Priority is a hint to the protocol about the relative importance of
// a request.
type Priority int

// Request priorities, lowest to highest.
const (
	PriorityIdle Priority = iota
	PriorityLowest
	PriorityLow
	PriorityMedium
	PriorityHighest
)

// Request lifecycle states. Every transition is a compare-and-swap on
// the current state, so two goroutines racing to advance the machine
// resolve to exactly one winner.
type reqState int32

const (
	stateNotStarted reqState = iota
	stateStarted
	stateRedirectReceived
	stateAwaitingFollowRedirect
	stateAwaitingRead
	stateReading
	stateError
	stateComplete
	stateCancelled
)

var reqStateNames = []string{
	"NOT_STARTED",
	"STARTED",
	"REDIRECT_RECEIVED",
	"AWAITING_FOLLOW_REDIRECT",
	"AWAITING_READ",
	"READING",
	"ERROR",
	"COMPLETE",
	"CANCELLED",
}

func (s reqState) String() string {
	if s < 0 || int(s) >= len(reqStateNames) {
		return fmt.Sprintf("reqState(%d)", int32(s))
	}
	return reqStateNames[s]
}

// terminal reports whether s is one of the three final states.
func (s reqState) terminal() bool {
	return s >= stateError
}

type headerEntry struct {
	name  string // as given by the caller
	value string
}

// A RequestBuilder configures and builds a Request. Builders are not
// safe for concurrent use and must not be reused after Build.
type RequestBuilder struct {
	engine      *Engine
	url         string
	callback    Callback
	executor    Executor
	method      string
	headers     *orderedmap.OrderedMap[string, headerEntry]
	priority    Priority
	disableCache     bool
	disableMigration bool
	maxResponseBytes int64
	provider     upload.DataProvider
	uploadExec   Executor
	annotations  []interface{}
}

func newRequestBuilder(engine *Engine, rawURL string, callback Callback, executor Executor) *RequestBuilder {
	return &RequestBuilder{
		engine:   engine,
		url:      rawURL,
		callback: callback,
		executor: executor,
		headers:  orderedmap.NewOrderedMap[string, headerEntry](),
		priority: PriorityMedium,
	}
}

// Method sets the HTTP method. The default is GET, or POST when an
// upload body is attached without an explicit method.
func (b *RequestBuilder) Method(method string) *RequestBuilder {
	b.method = method
	return b
}

// AddHeader adds a request header. Adding a header whose name was
// already added replaces the earlier value but keeps its position.
// Header names are matched case-insensitively.
func (b *RequestBuilder) AddHeader(name, value string) *RequestBuilder {
	// Set keeps the original insertion position when the key exists.
	b.headers.Set(strings.ToLower(name), headerEntry{name: name, value: value})
	return b
}

// Priority sets the request priority hint.
func (b *RequestBuilder) Priority(p Priority) *RequestBuilder {
	b.priority = p
	return b
}

// DisableCache asks the protocol to bypass its cache for this request.
func (b *RequestBuilder) DisableCache() *RequestBuilder {
	b.disableCache = true
	return b
}

// DisableConnectionMigration opts this request out of connection
// migration on protocols that support it.
func (b *RequestBuilder) DisableConnectionMigration() *RequestBuilder {
	b.disableMigration = true
	return b
}

// MaxResponseBytes caps the response body size. A request whose body
// exceeds n bytes fails with neterr.ContentLengthExceeded. Zero means
// no cap.
func (b *RequestBuilder) MaxResponseBytes(n int64) *RequestBuilder {
	b.maxResponseBytes = n
	return b
}

// UploadData attaches a request body. The provider's methods run on
// executor and are allowed to block there.
func (b *RequestBuilder) UploadData(provider upload.DataProvider, executor Executor) *RequestBuilder {
	b.provider = provider
	b.uploadExec = executor
	return b
}

// Annotate attaches opaque values surfaced later in FinishedInfo.
func (b *RequestBuilder) Annotate(values ...interface{}) *RequestBuilder {
	b.annotations = append(b.annotations, values...)
	return b
}

// Build validates the configuration and returns a Request ready to
// Start.
func (b *RequestBuilder) Build() (*Request, error) {
	if b.callback == nil {
		return nil, fmt.Errorf("urlfetch: nil callback")
	}
	if b.executor == nil {
		return nil, fmt.Errorf("urlfetch: nil callback executor")
	}
	u, err := url.Parse(b.url)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("urlfetch: invalid URL %q", b.url)
	}
	method := b.method
	if method == "" {
		if b.provider != nil {
			method = "POST"
		} else {
			method = "GET"
		}
	}
	if !validMethod(method) {
		return nil, fmt.Errorf("urlfetch: invalid HTTP method %q", method)
	}
	if b.provider != nil {
		if b.uploadExec == nil {
			return nil, fmt.Errorf("urlfetch: upload body requires an executor")
		}
		if !b.hasContentType() {
			return nil, fmt.Errorf("urlfetch: upload body requires a Content-Type header")
		}
	}
	headers := make([]Header, 0, b.headers.Len())
	for el := b.headers.Front(); el != nil; el = el.Next() {
		h := el.Value
		if !validHeader(h.name, h.value) {
			return nil, fmt.Errorf("urlfetch: invalid header %q", h.name)
		}
		headers = append(headers, Header{Name: h.name, Value: h.value})
	}
	r := &Request{
		engine:           b.engine,
		id:               uuid.NewString(),
		method:           method,
		headers:          headers,
		priority:         b.priority,
		disableCache:     b.disableCache,
		disableMigration: b.disableMigration,
		maxResponseBytes: b.maxResponseBytes,
		annotations:      b.annotations,
		initialURL:       b.url,
		currentURL:       b.url,
	}
	r.callback = &asyncCallback{callback: b.callback, executor: b.executor}
	if b.provider != nil {
		r.uploader = newUploader(r, b.provider, b.uploadExec)
	}
	return r, nil
}

func (b *RequestBuilder) hasContentType() bool {
	_, ok := b.headers.Get("content-type")
	return ok
}

// A Request is a single asynchronous URL request. All lifecycle events
// are delivered through the Callback supplied at build time, on the
// callback executor, and every request reaches exactly one terminal
// callback: OnSucceeded, OnFailed, or OnCanceled.
//
// Request methods other than Cancel, IsDone and GetStatus must be
// called in lockstep with the callback sequence; calling them out of
// turn panics with a *StateError.
type Request struct {
	engine   *Engine
	id       string
	callback *asyncCallback

	method           string
	headers          []Header
	priority         Priority
	disableCache     bool
	disableMigration bool
	maxResponseBytes int64
	annotations      []interface{}
	uploader         *uploader

	state       atomic.Int32
	extraStatus atomic.Int32 // Status while in flight
	destroyed   atomic.Bool

	// chainLock guards the redirect chain and the current hop.
	chainLock       sync.Mutex
	initialURL      string
	currentURL      string
	urlChain        []string
	pendingRedirect string
	pendingCode     int
	hop             int

	respInfo atomic.Pointer[ResponseInfo]

	// Network-thread-only fields.
	conn    Conn
	readBuf []byte

	redirectBytes atomic.Int64
	bodyBytes     atomic.Int64

	startNanos atomic.Int64
	ttfbNanos  atomic.Int64
}

// ID returns the unique identifier assigned to this request.
func (r *Request) ID() string {
	return r.id
}

func (r *Request) loadState() reqState {
	return reqState(r.state.Load())
}

func (r *Request) cas(from, to reqState) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

// transition advances the state machine from expected to to. If the
// request already reached a terminal state the call silently does
// nothing and returns false; any other mismatch is a caller bug and
// panics with a *StateError.
func (r *Request) transition(expected, to reqState) bool {
	for {
		s := r.loadState()
		if s == expected {
			if r.cas(expected, to) {
				return true
			}
			continue
		}
		if s.terminal() {
			return false
		}
		throwStateError(fmt.Sprintf("expected state %s, but was %s", expected, s))
	}
}

// terminate moves the request from any non-terminal state into to.
// Returns the previous state and true, or false if the request was
// already terminal.
func (r *Request) terminate(to reqState) (reqState, bool) {
	for {
		s := r.loadState()
		if s.terminal() {
			return s, false
		}
		if r.cas(s, to) {
			return s, true
		}
	}
}

// Start begins the request. It may be called at most once; a second
// call, or a call on a request that already ran, panics with a
// *StateError.
func (r *Request) Start() {
	if !r.cas(stateNotStarted, stateStarted) {
		throwStateError(fmt.Sprintf("request already started: state is %s", r.loadState()))
	}
	r.startNanos.Store(time.Now().UnixNano())
	r.extraStatus.Store(int32(StatusConnecting))
	r.chainLock.Lock()
	r.urlChain = append(r.urlChain, r.currentURL)
	r.chainLock.Unlock()
	if err := r.engine.attachRequest(r); err != nil {
		r.enterError(neterr.Wrap(neterr.Other, "engine unavailable", err))
		return
	}
	if r.uploader != nil {
		r.uploader.initialize(func(ok bool) {
			if ok {
				r.openConnection(false)
			}
		})
		return
	}
	r.openConnection(false)
}

// openConnection posts a task that opens the next hop on the network
// thread. rewind is true when the hop must replay an upload body.
func (r *Request) openConnection(rewind bool) {
	err := r.engine.postConnect(func() {
		if r.loadState().terminal() {
			return
		}
		r.chainLock.Lock()
		target := r.currentURL
		hop := r.hop
		r.hop++
		uploader := r.uploader
		r.chainLock.Unlock()
		if old := r.conn; old != nil {
			r.conn = nil
			old.Disconnect()
		}
		req := &ConnRequest{
			URL:                        target,
			Method:                     r.method,
			Headers:                    r.headers,
			UserAgent:                  r.engine.userAgent(),
			Priority:                   r.priority,
			DisableCache:               r.disableCache,
			DisableConnectionMigration: r.disableMigration,
			ContentLength:              -1,
		}
		if uploader != nil {
			req.Body = uploader.body(rewind && hop > 0)
			req.ContentLength = uploader.contentLength()
		}
		r.conn = r.engine.protocol().Open(req, &requestSink{r}, r.engine.tasks())
	})
	if err != nil {
		r.enterError(neterr.Wrap(neterr.Other, "engine unavailable", err))
	}
}

// FollowRedirect resumes a request paused in OnRedirectReceived.
func (r *Request) FollowRedirect() {
	if !r.transition(stateAwaitingFollowRedirect, stateStarted) {
		return
	}
	r.chainLock.Lock()
	r.currentURL = r.pendingRedirect
	code := r.pendingCode
	r.chainLock.Unlock()
	method, dropBody := redirectMethod(r.method, code)
	r.method = method
	rewind := false
	r.chainLock.Lock()
	if r.uploader != nil {
		if dropBody {
			r.uploader.close()
			r.uploader = nil
		} else {
			rewind = true
		}
	}
	r.chainLock.Unlock()
	r.extraStatus.Store(int32(StatusConnecting))
	r.openConnection(rewind)
}

// Read requests the next chunk of response body into p. The result is
// delivered through OnReadCompleted; p must not be touched until then.
func (r *Request) Read(p []byte) {
	if len(p) == 0 {
		throwStateError("read buffer must have nonzero length")
	}
	if !r.transition(stateAwaitingRead, stateReading) {
		return
	}
	r.readBuf = p
	r.extraStatus.Store(int32(StatusReadingResponse))
	err := r.engine.post(func() {
		if r.loadState().terminal() || r.conn == nil {
			return
		}
		r.conn.Read(r.readBuf)
	})
	if err != nil {
		r.enterError(neterr.Wrap(neterr.Other, "engine unavailable", err))
	}
}

// Cancel cancels the request. Cancellation is asynchronous: a callback
// already in flight when Cancel wins the state race may still be
// delivered, but OnCanceled is the last callback and fires exactly
// once. Cancel is safe to call from any goroutine, at any time, any
// number of times. Cancelling a request that never started, or that
// already reached a terminal state, does nothing.
func (r *Request) Cancel() {
	for {
		s := r.loadState()
		if s == stateNotStarted || s.terminal() {
			return
		}
		if r.cas(s, stateCancelled) {
			break
		}
	}
	r.destroy(true)
}

// IsDone reports whether the request reached a terminal state.
func (r *Request) IsDone() bool {
	return r.loadState().terminal()
}

// GetStatus reports the request's current connection status to
// listener on the callback executor. A request that finished, or was
// never started, reports StatusInvalid.
func (r *Request) GetStatus(listener StatusListener) {
	s := r.loadState()
	var status Status
	switch s {
	case stateStarted, stateReading:
		status = Status(r.extraStatus.Load())
	case stateRedirectReceived, stateAwaitingFollowRedirect, stateAwaitingRead:
		status = StatusIdle
	default:
		status = StatusInvalid
	}
	r.callback.sendStatus(r, listener, status)
}

// URLChain returns the chain of URLs the request has traversed,
// starting with the original URL.
func (r *Request) URLChain() []string {
	r.chainLock.Lock()
	defer r.chainLock.Unlock()
	chain := make([]string, len(r.urlChain))
	copy(chain, r.urlChain)
	return chain
}

// destroy releases the request's resources exactly once and, when
// canceled is true, delivers the OnCanceled terminal callback.
func (r *Request) destroy(canceled bool) {
	if !r.destroyed.CompareAndSwap(false, true) {
		return
	}
	// Best effort: the engine may already be unreachable.
	_ = r.engine.post(func() {
		if r.conn != nil {
			c := r.conn
			r.conn = nil
			c.Disconnect()
		}
	})
	r.chainLock.Lock()
	uploader := r.uploader
	r.chainLock.Unlock()
	if uploader != nil {
		uploader.close()
	}
	r.engine.detachRequest(r)
	r.engine.reportFinished(r.finishedInfo())
	if canceled {
		r.callback.onCanceled(r, r.respInfo.Load())
	}
}

// enterError moves the request into the ERROR state and delivers
// OnFailed, unless a terminal state was already reached.
func (r *Request) enterError(err *neterr.Error) {
	if _, ok := r.terminate(stateError); !ok {
		return
	}
	r.destroy(false)
	r.callback.onFailed(r, r.respInfo.Load(), err)
}

// onCallbackPanic handles a panic thrown by user callback code.
func (r *Request) onCallbackPanic(v interface{}) {
	r.engine.logger().Error("callback panicked",
		zap.String("request", r.id), zap.Any("panic", v))
	r.enterError(neterr.Wrap(neterr.CallbackThrown, "panic in callback", panicError(v)))
}

// onExecutorRejected handles the callback executor refusing a task.
// There is no callback to deliver the failure through, so the request
// is torn down quietly.
func (r *Request) onExecutorRejected(err error) {
	r.engine.logger().Error("callback executor rejected task",
		zap.String("request", r.id), zap.Error(err))
	if _, ok := r.terminate(stateError); !ok {
		return
	}
	r.destroy(false)
}

func (r *Request) newResponseInfo(raw *RawResponse) *ResponseInfo {
	info := &ResponseInfo{
		urlChain:           r.URLChain(),
		statusCode:         raw.StatusCode,
		statusText:         raw.StatusText,
		headers:            raw.Headers,
		wasCached:          raw.WasCached,
		negotiatedProtocol: raw.NegotiatedProtocol,
		proxyServer:        raw.ProxyServer,
	}
	info.setReceivedBytes(r.redirectBytes.Load() + r.bodyBytes.Load())
	return info
}

func (r *Request) finishedInfo() *FinishedInfo {
	start := time.Unix(0, r.startNanos.Load())
	m := Metrics{
		TotalTime:     time.Since(start),
		ReceivedBytes: r.redirectBytes.Load() + r.bodyBytes.Load(),
	}
	if ttfb := r.ttfbNanos.Load(); ttfb > 0 {
		m.TimeToFirstByte = time.Duration(ttfb)
	}
	r.chainLock.Lock()
	uploader := r.uploader
	r.chainLock.Unlock()
	if uploader != nil {
		m.SentBytes = uploader.sentBytes()
	}
	return &FinishedInfo{
		ID:          r.id,
		URL:         r.initialURL,
		Annotations: r.annotations,
		Metrics:     m,
		Response:    r.respInfo.Load(),
	}
}

// requestSink receives protocol events for one request. All methods
// run on the network thread.
type requestSink struct {
	r *Request
}

func (s *requestSink) OnRedirect(resp *RawResponse, newLocation string, receivedBytes int64) {
	r := s.r
	r.redirectBytes.Add(receivedBytes)
	info := r.newResponseInfo(resp)
	r.chainLock.Lock()
	r.pendingRedirect = newLocation
	r.pendingCode = resp.StatusCode
	r.urlChain = append(r.urlChain, newLocation)
	r.chainLock.Unlock()
	if !r.cas(stateStarted, stateRedirectReceived) {
		return
	}
	if !r.cas(stateRedirectReceived, stateAwaitingFollowRedirect) {
		return
	}
	r.callback.onRedirectReceived(r, info, newLocation)
}

func (s *requestSink) OnResponseStarted(resp *RawResponse) {
	r := s.r
	info := r.newResponseInfo(resp)
	r.respInfo.Store(info)
	r.ttfbNanos.Store(time.Now().UnixNano() - r.startNanos.Load())
	r.chainLock.Lock()
	uploader := r.uploader
	r.chainLock.Unlock()
	if uploader != nil {
		// Body fully sent; the provider is no longer needed.
		uploader.close()
	}
	if !r.cas(stateStarted, stateAwaitingRead) {
		return
	}
	r.callback.onResponseStarted(r, info)
}

func (s *requestSink) OnReadCompleted(n int) {
	r := s.r
	r.bodyBytes.Add(int64(n))
	info := r.respInfo.Load()
	if info != nil {
		info.setReceivedBytes(r.redirectBytes.Load() + r.bodyBytes.Load())
	}
	if r.maxResponseBytes > 0 && r.bodyBytes.Load() > r.maxResponseBytes {
		r.enterError(neterr.New(neterr.ContentLengthExceeded, fmt.Sprintf(
			"response body exceeds limit of %d bytes", r.maxResponseBytes)))
		return
	}
	if !r.cas(stateReading, stateAwaitingRead) {
		return
	}
	r.callback.onReadCompleted(r, info, r.readBuf[:n])
}

func (s *requestSink) OnSucceeded() {
	r := s.r
	if !r.cas(stateReading, stateComplete) {
		return
	}
	r.destroy(false)
	r.callback.onSucceeded(r, r.respInfo.Load())
}

func (s *requestSink) OnFailed(err *neterr.Error) {
	s.r.enterError(err)
}

func (s *requestSink) OnStatus(status Status) {
	s.r.extraStatus.Store(int32(status))
}

// redirectMethod decides how the request method changes across a
// redirect. 303 always rewrites to GET, 301 and 302 rewrite POST to
// GET, and 307 and 308 preserve the method and replay the body.
func redirectMethod(method string, code int) (string, bool) {
	switch code {
	case 303:
		if method != "GET" && method != "HEAD" {
			return "GET", true
		}
		return method, true
	case 301, 302:
		if method == "POST" {
			return "GET", true
		}
		return method, false
	default:
		return method, false
	}
}

// validMethod reports whether method is a valid HTTP token per
// RFC 7230 section 3.2.6.
func validMethod(method string) bool {
	if method == "" {
		return false
	}
	for i := 0; i < len(method); i++ {
		c := method[i]
		if c >= 127 || !isTokenTable[c] {
			return false
		}
	}
	return true
}

func validHeader(name, value string) bool {
	if !validMethod(name) {
		return false
	}
	return !strings.ContainsAny(value, "\r\n")
}

// isTokenTable was lifted verbatim from golang.org/x/net/http/httpguts.
var isTokenTable = [127]bool{
	'!':  true,
	'#':  true,
	'$':  true,
	'%':  true,
	'&':  true,
	'\'': true,
	'*':  true,
	'+':  true,
	'-':  true,
	'.':  true,
	'0':  true,
	'1':  true,
	'2':  true,
	'3':  true,
	'4':  true,
	'5':  true,
	'6':  true,
	'7':  true,
	'8':  true,
	'9':  true,
	'A':  true,
	'B':  true,
	'C':  true,
	'D':  true,
	'E':  true,
	'F':  true,
	'G':  true,
	'H':  true,
	'I':  true,
	'J':  true,
	'K':  true,
	'L':  true,
	'M':  true,
	'N':  true,
	'O':  true,
	'P':  true,
	'Q':  true,
	'R':  true,
	'S':  true,
	'T':  true,
	'U':  true,
	'W':  true,
	'V':  true,
	'X':  true,
	'Y':  true,
	'Z':  true,
	'^':  true,
	'_':  true,
	'`':  true,
	'a':  true,
	'b':  true,
	'c':  true,
	'd':  true,
	'e':  true,
	'f':  true,
	'g':  true,
	'h':  true,
	'i':  true,
	'j':  true,
	'k':  true,
	'l':  true,
	'm':  true,
	'n':  true,
	'o':  true,
	'p':  true,
	'q':  true,
	'r':  true,
	's':  true,
	't':  true,
	'u':  true,
	'v':  true,
	'w':  true,
	'x':  true,
	'y':  true,
	'z':  true,
	'|':  true,
	'~':  true,
}
