// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/gogama/urlfetch/neterr"
)

type streamWriteOp struct {
	p   []byte
	end bool
}

// OpenStream implements StreamProtocol. The request body is fed
// through a pipe so data written to the stream flows to the server
// while the response is being read.
func (p *HTTPProtocol) OpenStream(req *ConnRequest, sink StreamSink, tasks Poster) StreamConn {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	c := &httpStreamConn{
		proto:  p,
		req:    req,
		sink:   sink,
		tasks:  tasks,
		cancel: cancel,
		pw:     pw,
		reads:  make(chan []byte, 1),
		writes: make(chan streamWriteOp, 1),
	}
	go c.run(ctx, pr)
	go c.writePump()
	// The pipe accepts writes as soon as the transport starts pulling
	// the body, so the stream is ready immediately.
	c.post(func() {
		sink.OnStreamReady()
	})
	return c
}

type httpStreamConn struct {
	proto  *HTTPProtocol
	req    *ConnRequest
	sink   StreamSink
	tasks  Poster
	cancel context.CancelFunc
	pw     *io.PipeWriter
	reads  chan []byte
	writes chan streamWriteOp
	closed atomic.Bool
}

func (c *httpStreamConn) post(event func()) {
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

func (c *httpStreamConn) fail(err error) {
	nerr := neterr.FromTransport(err)
	c.post(func() {
		c.sink.OnStreamFailed(nerr)
	})
}

func (c *httpStreamConn) run(ctx context.Context, body io.ReadCloser) {
	u, err := url.Parse(c.req.URL)
	if err != nil {
		c.fail(err)
		return
	}
	hreq := &http.Request{
		Method: c.req.Method,
		URL:    u,
		Header: make(http.Header, len(c.req.Headers)+1),
		Body:   body,
	}
	for _, h := range c.req.Headers {
		hreq.Header.Add(h.Name, h.Value)
	}
	if hreq.Header.Get("User-Agent") == "" && c.req.UserAgent != "" {
		hreq.Header.Set("User-Agent", c.req.UserAgent)
	}
	resp, err := c.proto.transport.RoundTrip(hreq.WithContext(ctx))
	if err != nil {
		if ctx.Err() == nil {
			c.fail(err)
		}
		return
	}
	defer resp.Body.Close()
	raw := rawResponse(resp)
	c.post(func() {
		c.sink.OnResponseHeaders(raw)
	})
	for buf := range c.reads {
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				n := n
				c.post(func() {
					c.sink.OnDataRead(n)
				})
				break
			}
			if err == io.EOF {
				// Trailers become available once the body is fully
				// consumed.
				if len(resp.Trailer) > 0 {
					trailers := make([]Header, 0, len(resp.Trailer))
					for name, values := range resp.Trailer {
						for _, value := range values {
							trailers = append(trailers, Header{Name: name, Value: value})
						}
					}
					c.post(func() {
						c.sink.OnTrailers(trailers)
					})
				}
				c.post(func() {
					c.sink.OnDataRead(0)
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

func (c *httpStreamConn) writePump() {
	for op := range c.writes {
		if _, err := c.pw.Write(op.p); err != nil {
			if !c.closed.Load() {
				c.fail(err)
			}
			return
		}
		c.post(func() {
			c.sink.OnDataSent()
		})
		if op.end {
			_ = c.pw.Close()
			return
		}
	}
}

// ReadData implements StreamConn. The stream adapter guarantees at
// most one outstanding read, so the buffered send never blocks.
func (c *httpStreamConn) ReadData(p []byte) {
	if c.closed.Load() {
		return
	}
	c.reads <- p
}

// WriteData implements StreamConn, with the same at-most-one
// outstanding guarantee as ReadData.
func (c *httpStreamConn) WriteData(p []byte, endOfStream bool) {
	if c.closed.Load() {
		return
	}
	c.writes <- streamWriteOp{p: p, end: endOfStream}
}

// Disconnect implements StreamConn.
func (c *httpStreamConn) Disconnect() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	_ = c.pw.CloseWithError(io.ErrClosedPipe)
	close(c.reads)
	close(c.writes)
}
