// Copyright 2024 The urlfetch Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package taskq

import (
	"errors"
	"sync"

	"github.com/petermattis/goid"
)

// A Task is a deferred operation which runs on the queue's worker
// goroutine.
type Task func()

// ErrShutdown is returned by Post when the queue has been shut down and
// can no longer accept tasks.
var ErrShutdown = errors.New("taskq: queue is shut down")

// A Queue owns a single worker goroutine (the "network thread") and
// runs tasks on it in FIFO submission order.
//
// A queue begins life uninitialized. Tasks posted with Post before
// Initialize has completed are parked in an internal deferred list;
// when the initialization step finishes, the deferred list is drained,
// in insertion order, before any task posted after initialization runs.
// This preserves the causal order observed by callers that submit work
// during startup.
//
// All methods are safe for concurrent use by multiple goroutines,
// except where documented otherwise.
type Queue struct {
	lock     sync.Mutex
	cond     *sync.Cond
	tasks    []Task
	closed   bool
	inited   bool // written only on the worker goroutine, under lock
	initPosted bool
	deferred []Task // accessed only on the worker goroutine
	workerID int64
	started  chan struct{}
	done     chan struct{}
}

// New constructs a queue and starts its worker goroutine immediately.
// The queue is not yet initialized: tasks posted with Post are deferred
// until Initialize completes.
func New() *Queue {
	q := &Queue{
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.lock)
	go q.loop()
	<-q.started
	return q
}

func (q *Queue) loop() {
	q.workerID = goid.Get()
	close(q.started)
	for {
		q.lock.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.lock.Unlock()
			close(q.done)
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.lock.Unlock()
		t()
	}
}

// Post submits a task for execution on the worker goroutine. If the
// queue is initialized the task runs in FIFO order relative to other
// posted tasks; otherwise it is parked until initialization completes.
//
// Post may be called from any goroutine, including the worker goroutine
// itself (the task then runs after the current task returns).
func (q *Queue) Post(t Task) error {
	return q.post(func() {
		if q.inited {
			t()
			return
		}
		q.deferred = append(q.deferred, t)
	})
}

// Initialize posts the one-time initialization step. When init returns,
// the queue becomes initialized and the deferred task list is drained
// in insertion order, ahead of any task posted afterward.
//
// The initialized flag is a one-way gate. Calling Initialize a second
// time is a programmer error and panics.
func (q *Queue) Initialize(init Task) error {
	q.lock.Lock()
	if q.initPosted {
		q.lock.Unlock()
		panic("taskq: Initialize called twice")
	}
	q.initPosted = true
	q.lock.Unlock()
	return q.post(func() {
		if init != nil {
			init()
		}
		q.lock.Lock()
		q.inited = true
		q.lock.Unlock()
		// Drain in one step so no newly posted task can interleave.
		deferred := q.deferred
		q.deferred = nil
		for _, t := range deferred {
			t()
		}
	})
}

func (q *Queue) post(t Task) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrShutdown
	}
	q.tasks = append(q.tasks, t)
	q.cond.Signal()
	return nil
}

// Initialized reports whether the initialization step has completed.
// It is advisory only: the result may be stale by the time it is
// observed from another goroutine.
func (q *Queue) Initialized() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.inited
}

// OnWorker reports whether the calling goroutine is the queue's worker
// goroutine.
func (q *Queue) OnWorker() bool {
	return goid.Get() == q.workerID
}

// Shutdown stops the queue and blocks until the worker goroutine has
// drained all currently queued tasks and exited. Tasks posted after
// Shutdown returns, or while it is draining, are rejected with
// ErrShutdown.
//
// Shutdown must not be called from the worker goroutine: doing so
// deadlocks, since the worker cannot drain itself. Callers are expected
// to enforce this constraint (see Engine.Shutdown).
//
// Shutdown is idempotent: subsequent calls block until the original
// drain finishes and then return.
func (q *Queue) Shutdown() {
	q.lock.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.lock.Unlock()
	<-q.done
}
