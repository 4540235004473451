// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gogama/urlfetch/neterr"
	"golang.org/x/net/http2"
)

// HTTPProtocol is the default Protocol. It speaks HTTP/1.1 and, where
// the server negotiates it, HTTP/2, over a shared http.Transport.
type HTTPProtocol struct {
	transport *http.Transport
}

// NewHTTPProtocol returns an HTTPProtocol with a fresh transport.
func NewHTTPProtocol() *HTTPProtocol {
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// A fresh transport has no conflicting TLS or protocol
	// configuration, so this cannot fail.
	_ = http2.ConfigureTransport(t)
	return &HTTPProtocol{transport: t}
}

// NewHTTPProtocolWithTransport returns an HTTPProtocol using the given
// transport. The caller is responsible for its HTTP/2 configuration.
func NewHTTPProtocolWithTransport(t *http.Transport) *HTTPProtocol {
	return &HTTPProtocol{transport: t}
}

// Open implements Protocol.
func (p *HTTPProtocol) Open(req *ConnRequest, sink ConnSink, tasks Poster) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &httpConn{
		proto:  p,
		req:    req,
		sink:   sink,
		tasks:  tasks,
		cancel: cancel,
		reads:  make(chan []byte, 1),
	}
	go c.run(ctx)
	return c
}

// httpConn is one hop of an HTTPProtocol request. The round trip and
// all body reads happen on a dedicated I/O goroutine; results are
// posted back to the network thread.
type httpConn struct {
	proto  *HTTPProtocol
	req    *ConnRequest
	sink   ConnSink
	tasks  Poster
	cancel context.CancelFunc
	reads  chan []byte
	closed atomic.Bool
}

// post delivers an event to the network thread unless the conn has
// been disconnected.
func (c *httpConn) post(event func()) {
	if c.closed.Load() {
		return
	}
	_ = c.tasks.Post(func() {
		if c.closed.Load() {
			return
		}
		event()
	})
}

func (c *httpConn) status(s Status) {
	c.post(func() {
		c.sink.OnStatus(s)
	})
}

func (c *httpConn) fail(err error) {
	nerr := neterr.FromTransport(err)
	c.post(func() {
		c.sink.OnFailed(nerr)
	})
}

func (c *httpConn) run(ctx context.Context) {
	hreq, err := c.buildRequest(ctx)
	if err != nil {
		c.fail(err)
		return
	}
	resp, err := c.proto.transport.RoundTrip(hreq)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(err)
		}
		return
	}
	defer resp.Body.Close()

	if location := redirectLocation(resp); location != "" {
		target, err := hreq.URL.Parse(location)
		if err != nil {
			c.fail(err)
			return
		}
		// Drain the redirect body so its bytes are accounted for and
		// the connection can be reused.
		n, _ := io.Copy(io.Discard, resp.Body)
		raw := rawResponse(resp)
		c.post(func() {
			c.sink.OnRedirect(raw, target.String(), n)
		})
		return
	}

	raw := rawResponse(resp)
	c.post(func() {
		c.sink.OnResponseStarted(raw)
	})
	c.pump(ctx, resp.Body)
}

// pump services read requests against body until the body ends, the
// transport errors, or the conn is disconnected.
func (c *httpConn) pump(ctx context.Context, body io.Reader) {
	for buf := range c.reads {
		for {
			n, err := body.Read(buf)
			if n > 0 {
				n := n
				c.post(func() {
					c.sink.OnReadCompleted(n)
				})
				break
			}
			if err == io.EOF {
				c.post(func() {
					c.sink.OnSucceeded()
				})
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					c.fail(err)
				}
				return
			}
		}
	}
}

func (c *httpConn) buildRequest(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(c.req.URL)
	if err != nil {
		return nil, err
	}
	hreq := &http.Request{
		Method: c.req.Method,
		URL:    u,
		Header: make(http.Header, len(c.req.Headers)+2),
		Body:   c.req.Body,
	}
	if c.req.ContentLength >= 0 {
		hreq.ContentLength = c.req.ContentLength
	}
	for _, h := range c.req.Headers {
		hreq.Header.Add(h.Name, h.Value)
	}
	if hreq.Header.Get("User-Agent") == "" && c.req.UserAgent != "" {
		hreq.Header.Set("User-Agent", c.req.UserAgent)
	}
	if c.req.DisableCache {
		hreq.Header.Set("Cache-Control", "no-cache")
	}
	trace := &httptrace.ClientTrace{
		ConnectStart: func(network, addr string) {
			c.status(StatusConnecting)
		},
		TLSHandshakeStart: func() {
			c.status(StatusSSLHandshake)
		},
		WroteHeaders: func() {
			c.status(StatusSendingRequest)
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			c.status(StatusWaitingForResponse)
		},
	}
	ctx = httptrace.WithClientTrace(ctx, trace)
	return hreq.WithContext(ctx), nil
}

// Read implements Conn. The state machine guarantees at most one
// outstanding read, so the buffered send never blocks the network
// thread.
func (c *httpConn) Read(p []byte) {
	if c.closed.Load() {
		return
	}
	c.reads <- p
}

// Disconnect implements Conn. Safe to call once, on the network
// thread.
func (c *httpConn) Disconnect() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	close(c.reads)
}

func redirectLocation(resp *http.Response) string {
	switch resp.StatusCode {
	case 301, 302, 303, 307, 308:
		return resp.Header.Get("Location")
	default:
		return ""
	}
}

func rawResponse(resp *http.Response) *RawResponse {
	headers := make([]Header, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, value := range values {
			headers = append(headers, Header{Name: name, Value: value})
		}
	}
	text := resp.Status
	if i := strings.IndexByte(text, ' '); i >= 0 {
		text = text[i+1:]
	}
	return &RawResponse{
		StatusCode:         resp.StatusCode,
		StatusText:         text,
		Headers:            headers,
		NegotiatedProtocol: negotiated(resp.Proto),
	}
}

func negotiated(proto string) string {
	switch proto {
	case "HTTP/2.0":
		return "h2"
	case "HTTP/1.1":
		return "http/1.1"
	case "HTTP/1.0":
		return "http/1.0"
	default:
		return proto
	}
}
