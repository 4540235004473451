// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import (
	"strings"
	"sync/atomic"
	"time"
)

// A Header is one response or request header field. Headers are kept
// as an ordered list of pairs, preserving the order the fields were
// received or added in; repeated field names are allowed.
type Header struct {
	Name  string
	Value string
}

// A ResponseInfo describes a response delivered to the callback: the
// final response for OnResponseStarted and later notifications, or the
// redirect response for OnRedirectReceived.
//
// A ResponseInfo is immutable except for the received-bytes counter,
// which grows as body bytes arrive.
type ResponseInfo struct {
	urlChain           []string
	statusCode         int
	statusText         string
	headers            []Header
	wasCached          bool
	negotiatedProtocol string
	proxyServer        string
	receivedBytes      atomic.Int64
}

// URL returns the URL the response was received for: the last entry in
// the URL chain.
func (i *ResponseInfo) URL() string {
	return i.urlChain[len(i.urlChain)-1]
}

// URLChain returns the ordered sequence of URLs visited by the request
// up to this response, including the original URL and every redirect
// target. The returned slice is a copy.
func (i *ResponseInfo) URLChain() []string {
	chain := make([]string, len(i.urlChain))
	copy(chain, i.urlChain)
	return chain
}

// StatusCode returns the HTTP status code of the response.
func (i *ResponseInfo) StatusCode() int {
	return i.statusCode
}

// StatusText returns the HTTP status text of the response.
func (i *ResponseInfo) StatusText() string {
	return i.statusText
}

// Headers returns the response headers in the order they were
// received. The returned slice is a copy.
func (i *ResponseInfo) Headers() []Header {
	headers := make([]Header, len(i.headers))
	copy(headers, i.headers)
	return headers
}

// Header returns the value of the first response header with the given
// name, compared case-insensitively, or "" if there is none.
func (i *ResponseInfo) Header(name string) string {
	for _, h := range i.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// WasCached reports whether the response was served from a cache by
// the underlying protocol.
func (i *ResponseInfo) WasCached() bool {
	return i.wasCached
}

// NegotiatedProtocol returns the protocol the exchange was carried
// over, for example "h2" or "http/1.1".
func (i *ResponseInfo) NegotiatedProtocol() string {
	return i.negotiatedProtocol
}

// ProxyServer returns the proxy the exchange went through, or "" for a
// direct connection.
func (i *ResponseInfo) ProxyServer() string {
	return i.proxyServer
}

// ReceivedBytes returns the number of bytes received over the network
// for this request so far, including headers and bytes received for
// any redirect responses on the way.
func (i *ResponseInfo) ReceivedBytes() int64 {
	return i.receivedBytes.Load()
}

func (i *ResponseInfo) setReceivedBytes(n int64) {
	i.receivedBytes.Store(n)
}

// Metrics aggregates timing and volume measurements for a finished
// request. Fields that could not be measured are zero.
type Metrics struct {
	// TimeToFirstByte is the time from Start to the arrival of the
	// final response headers.
	TimeToFirstByte time.Duration
	// TotalTime is the time from Start to the terminal callback.
	TotalTime time.Duration
	// SentBytes is the number of request body bytes written.
	SentBytes int64
	// ReceivedBytes is the number of bytes received, including bytes
	// received for redirect responses.
	ReceivedBytes int64
}

// A FinishedInfo describes a request that has reached a terminal
// state. It is delivered to the engine's finished-request listeners.
type FinishedInfo struct {
	// ID is the engine-assigned request ID.
	ID string
	// URL is the original URL the request was created with.
	URL string
	// Annotations holds the caller-supplied annotation values attached
	// through the request builder.
	Annotations []interface{}
	// Metrics holds the aggregate measurements for the request.
	Metrics Metrics
	// Response is the final response info, or nil if the request
	// failed before any response arrived.
	Response *ResponseInfo
}

// A FinishedListener is notified when any request on the engine
// reaches a terminal state. Notifications run on the executor supplied
// when the listener was added.
type FinishedListener interface {
	OnRequestFinished(info *FinishedInfo)
}

// The FinishedListenerFunc type is an adapter to allow the use of
// ordinary functions as finished-request listeners.
type FinishedListenerFunc func(info *FinishedInfo)

// OnRequestFinished calls f(info).
func (f FinishedListenerFunc) OnRequestFinished(info *FinishedInfo) {
	f(info)
}