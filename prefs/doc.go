// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package prefs persists small engine preferences between runs, such
// as the serialized certificate-verification cache. A FileStore keeps
// values in a JSON file under the engine's storage path; a MemoryStore
// keeps them only for the life of the process.
package prefs
