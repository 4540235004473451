// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package taskq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostBeforeInitializeIsDeferred(t *testing.T) {
	q := New()
	defer q.Shutdown()

	var mu sync.Mutex
	var order []int
	record := func(i int) Task {
		return func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}

	for i := 1; i <= 100; i++ {
		require.NoError(t, q.Post(record(i)))
	}

	mu.Lock()
	assert.Empty(t, order, "deferred tasks must not run before initialization")
	mu.Unlock()

	initRan := make(chan struct{})
	require.NoError(t, q.Initialize(func() {
		close(initRan)
	}))

	drained := make(chan struct{})
	require.NoError(t, q.Post(func() {
		close(drained)
	}))
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for queue to drain")
	}

	<-initRan
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i+1, v, "deferred tasks must drain in FIFO order")
	}
}

func TestPostAfterInitializeRunsFIFO(t *testing.T) {
	q := New()
	defer q.Shutdown()
	require.NoError(t, q.Initialize(nil))

	var order []int
	done := make(chan struct{})
	for i := 1; i <= 50; i++ {
		i := i
		require.NoError(t, q.Post(func() {
			order = append(order, i)
			if i == 50 {
				close(done)
			}
		}))
	}
	<-done
	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i+1, v)
	}
}

func TestInitializeTwicePanics(t *testing.T) {
	q := New()
	defer q.Shutdown()
	require.NoError(t, q.Initialize(nil))
	assert.Panics(t, func() {
		_ = q.Initialize(nil)
	})
}

func TestInitialized(t *testing.T) {
	q := New()
	defer q.Shutdown()
	assert.False(t, q.Initialized())
	require.NoError(t, q.Initialize(nil))
	settled := make(chan struct{})
	require.NoError(t, q.Post(func() {
		close(settled)
	}))
	<-settled
	assert.True(t, q.Initialized())
}

func TestOnWorker(t *testing.T) {
	q := New()
	defer q.Shutdown()
	require.NoError(t, q.Initialize(nil))

	assert.False(t, q.OnWorker())

	result := make(chan bool, 1)
	require.NoError(t, q.Post(func() {
		result <- q.OnWorker()
	}))
	assert.True(t, <-result)
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	q := New()
	require.NoError(t, q.Initialize(nil))

	var ran bool
	require.NoError(t, q.Post(func() {
		ran = true
	}))
	q.Shutdown()
	assert.True(t, ran, "queued tasks must run before Shutdown returns")

	err := q.Post(func() {})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestPostFromWorkerRunsAfterCurrentTask(t *testing.T) {
	q := New()
	defer q.Shutdown()
	require.NoError(t, q.Initialize(nil))

	var order []string
	done := make(chan struct{})
	require.NoError(t, q.Post(func() {
		_ = q.Post(func() {
			order = append(order, "nested")
			close(done)
		})
		order = append(order, "outer")
	}))
	<-done
	assert.Equal(t, []string{"outer", "nested"}, order)
}
