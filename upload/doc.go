// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package upload defines the request-body abstraction used by urlfetch:
// a DataProvider supplies body bytes on demand, possibly rewindable so
// the body can be replayed after a redirect, and reports each result
// through a DataSink.
//
// The strict one-outstanding-call protocol between the engine and the
// provider is enforced by the engine's upload adapter; providers only
// need to answer the call they were given.
package upload
