// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package prefs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// A Store persists engine preferences between runs: small opaque
// key/value blobs such as the serialized certificate-verification
// cache. The engine reads the store once during initialization, on the
// network thread, and writes it back during shutdown. Values are not
// interpreted by the engine.
type Store interface {
	// Get returns the value for key, or "" if the key is absent.
	Get(key string) string

	// Set records the value for key. The value is not durable until
	// Flush is called.
	Set(key, value string)

	// Flush persists all recorded values.
	Flush() error
}

// Well-known preference keys.
const (
	// CertVerifierKey holds the serialized certificate-verification
	// cache blob.
	CertVerifierKey = "cert_verifier_data"
)

// OpenFileStore returns a Store backed by a JSON file in dir. The file
// is created on first Flush; a missing file reads as an empty store.
func OpenFileStore(dir string) (Store, error) {
	path := filepath.Join(dir, "prefs.json")
	s := &fileStore{path: path, values: make(map[string]string)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "prefs: reading store")
	}
	if err = json.Unmarshal(data, &s.values); err != nil {
		return nil, errors.Wrapf(err, "prefs: corrupt store %s", path)
	}
	return s, nil
}

type fileStore struct {
	lock   sync.Mutex
	path   string
	values map[string]string
}

func (s *fileStore) Get(key string) string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.values[key]
}

func (s *fileStore) Set(key, value string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.values[key] = value
}

func (s *fileStore) Flush() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	data, err := json.Marshal(s.values)
	if err != nil {
		return errors.Wrap(err, "prefs: encoding store")
	}
	tmp := s.path + ".tmp"
	if err = os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "prefs: writing store")
	}
	if err = os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "prefs: replacing store")
	}
	return nil
}

// MemoryStore returns a Store that holds values in memory only. It is
// the store used when the engine is built without a storage path.
func MemoryStore() Store {
	return &memStore{values: make(map[string]string)}
}

type memStore struct {
	lock   sync.Mutex
	values map[string]string
}

func (s *memStore) Get(key string) string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.values[key]
}

func (s *memStore) Set(key, value string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.values[key] = value
}

func (s *memStore) Flush() error {
	return nil
}
