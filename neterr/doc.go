// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package neterr defines the error taxonomy for failed requests: a
// coarse failure code, a protocol-specific detail code, and a
// per-code classification of whether an immediate retry is expected
// to succeed.
//
// The engine never retries internally. Callers wanting retry behavior
// should consult Error.Retryable and drive the retry themselves.
package neterr
