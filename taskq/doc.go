// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package taskq provides the single-threaded task queue underpinning an
// urlfetch engine: one dedicated worker goroutine on which all
// engine-mutating operations and protocol callbacks execute.
//
// Work submitted before the queue's one-time initialization step has
// completed is buffered in FIFO order and replayed, still in order,
// when initialization finishes. This lets callers start requests
// against an engine that is still starting up without observing
// reordered effects.
package taskq
