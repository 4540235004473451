// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package urlfetch

import (
	"github.com/gogama/urlfetch/prefs"
	"github.com/gogama/urlfetch/taskq"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// An EngineBuilder configures and builds an Engine. Builders are not
// safe for concurrent use and must not be reused after Build.
type EngineBuilder struct {
	ua       string
	proto    Protocol
	log      *zap.Logger
	store    prefs.Store
	storeDir string
	limit    rate.Limit
	burst    int
}

// NewEngineBuilder returns a builder with defaults: the built-in HTTP
// protocol, a no-op logger, no preferences store, and no throttle.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{
		ua: defaultUserAgent,
	}
}

// UserAgent sets the default User-Agent header value for requests made
// through the engine.
func (b *EngineBuilder) UserAgent(ua string) *EngineBuilder {
	b.ua = ua
	return b
}

// Protocol replaces the engine's protocol stack. The default is the
// built-in HTTP protocol.
func (b *EngineBuilder) Protocol(p Protocol) *EngineBuilder {
	b.proto = p
	return b
}

// Logger sets the engine's structured logger. The default discards
// everything.
func (b *EngineBuilder) Logger(log *zap.Logger) *EngineBuilder {
	b.log = log
	return b
}

// StoragePath enables a file-backed preferences store rooted at dir,
// used to persist state such as certificate verifier data across
// engine lifetimes.
func (b *EngineBuilder) StoragePath(dir string) *EngineBuilder {
	b.storeDir = dir
	b.store = nil
	return b
}

// PreferencesStore supplies a preferences store directly, overriding
// StoragePath.
func (b *EngineBuilder) PreferencesStore(store prefs.Store) *EngineBuilder {
	b.store = store
	b.storeDir = ""
	return b
}

// Throttle limits the rate at which the engine opens connections.
// Requests above the limit are delayed, not rejected.
func (b *EngineBuilder) Throttle(limit rate.Limit, burst int) *EngineBuilder {
	b.limit = limit
	b.burst = burst
	return b
}

// Build starts the network thread and returns a ready Engine.
func (b *EngineBuilder) Build() (*Engine, error) {
	log := b.log
	if log == nil {
		log = zap.NewNop()
	}
	store := b.store
	if store == nil && b.storeDir != "" {
		var err error
		store, err = prefs.OpenFileStore(b.storeDir)
		if err != nil {
			return nil, errors.Wrap(err, "urlfetch: opening preferences store")
		}
	}
	proto := b.proto
	if proto == nil {
		proto = NewHTTPProtocol()
	}
	e := &Engine{
		q:         taskq.New(),
		proto:     proto,
		ua:        b.ua,
		log:       log,
		store:     store,
		active:    cmapNew(),
		streams:   cmapNewStreams(),
		listeners: make(map[FinishedListener]Executor),
	}
	if b.limit > 0 {
		e.limit = rate.NewLimiter(b.limit, b.burst)
	}
	// Tasks posted before initialization completes are queued and run,
	// in order, once it does.
	err := e.q.Initialize(func() {
		if e.store != nil {
			data := e.store.Get(prefs.CertVerifierKey)
			e.certLock.Lock()
			e.certData = data
			e.certLock.Unlock()
		}
		log.Info("engine initialized", zap.String("user_agent", e.ua))
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

const defaultUserAgent = "urlfetch/1.0"
