// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package urlfetch provides an asynchronous URL request engine: a
callback-driven request API layered over a pluggable network protocol,
with all protocol work serialized onto a single dedicated worker
goroutine (the "network thread").

Create an Engine to begin making requests. The engine starts its
network thread immediately and finishes initializing asynchronously;
requests started in the meantime are queued and run, in order, once
initialization completes.

	engine, err := urlfetch.NewEngineBuilder().
		UserAgent("example/1.0").
		Build()
	...
	defer engine.Shutdown()

	exec := urlfetch.NewSerialExecutor()
	defer exec.Stop()
	req, err := engine.NewRequestBuilder("https://www.example.com", cb, exec).
		Build()
	...
	req.Start()

A request is driven by its Callback: after Start, the engine delivers
OnResponseStarted (or OnRedirectReceived), the callback answers with
Read (or FollowRedirect), and the exchange continues until exactly one
of OnSucceeded, OnFailed, or OnCanceled fires. All callback
notifications are dispatched on the caller-supplied Executor, never on
the network thread.

Request bodies are supplied by an upload.DataProvider (see package
upload), read on demand and rewound if a redirect forces the body to
be replayed.

For control over how bytes actually move on the wire, supply a custom
Protocol to the engine builder. The default protocol is backed by the
Go standard HTTP transport with HTTP/2 enabled.

There is no built-in timeout at this layer: callers needing a timeout
race Cancel against a timer of their choosing. Failed requests carry a
*neterr.Error whose code classifies whether an immediate retry has any
prospect of success; retry itself is entirely the caller's
responsibility.
*/
package urlfetch
