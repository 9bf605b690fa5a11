// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dummydev

import (
	"context"
	"fmt"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Workqueue runs delayed works on a dedicated, bounded set of goroutines.
type Workqueue struct {
	name   string
	jobs   chan *DelayedWork
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry
}

// NewWorkqueue starts maxActive workers. Each work has at most one pending
// instance, so a queue of size n never holds more than n entries per work.
func NewWorkqueue(name string, maxActive int, log *logrus.Entry) (*Workqueue, error) {
	if maxActive < 1 {
		return nil, fmt.Errorf("workqueue %s: invalid max active %d", name, maxActive)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Workqueue{
		name:   name,
		jobs:   make(chan *DelayedWork, maxActive*2),
		ctx:    ctx,
		cancel: cancel,
		log:    log.WithField("wq", name),
	}
	for i := 0; i < maxActive; i++ {
		q.wg.Add(1)
		labels := pprof.Labels("goroutine_name", fmt.Sprintf("%s/%d", name, i))
		go pprof.Do(ctx, labels, func(ctx context.Context) {
			defer q.wg.Done()
			q.worker(ctx)
		})
	}
	return q, nil
}

func (q *Workqueue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-q.jobs:
			w.run()
		}
	}
}

// Destroy stops the workers and waits for them to exit. Works must be
// cancelled first.
func (q *Workqueue) Destroy() {
	q.cancel()
	q.wg.Wait()
	q.log.Debug("workqueue destroyed")
}

// QueueDelayed arms w to run on q after delay. It returns false if w is
// already pending or has been cancelled.
func (q *Workqueue) QueueDelayed(w *DelayedWork, delay time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled || w.pending {
		return false
	}
	w.pending = true
	w.q = q
	if delay <= 0 {
		go w.enqueue()
		return true
	}
	w.timer = time.AfterFunc(delay, w.enqueue)
	return true
}

// DelayedWork is a function run once per arming.
type DelayedWork struct {
	name string
	fn   func()

	mu        sync.Mutex
	q         *Workqueue
	timer     *time.Timer
	pending   bool
	cancelled bool
	idle      chan struct{} // non-nil and open while fn is running
}

// NewDelayedWork returns a disarmed work calling fn.
func NewDelayedWork(name string, fn func()) *DelayedWork {
	return &DelayedWork{name: name, fn: fn}
}

// Armed reports whether a run is pending.
func (w *DelayedWork) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

func (w *DelayedWork) enqueue() {
	w.mu.Lock()
	q, ok := w.q, w.pending && !w.cancelled
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case q.jobs <- w:
	case <-q.ctx.Done():
	}
}

func (w *DelayedWork) run() {
	w.mu.Lock()
	if w.cancelled || !w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.timer = nil
	idle := make(chan struct{})
	w.idle = idle
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.idle = nil
		w.mu.Unlock()
		close(idle)
	}()
	w.fn()
}

// CancelSync disarms w for good and waits for an in-flight run to return.
// Waiting is bounded to attempts periods of wait; past that a
// *CancellationTimeout is returned and w may still be running.
func (w *DelayedWork) CancelSync(attempts int, wait time.Duration) error {
	w.mu.Lock()
	w.cancelled = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = false
	idle := w.idle
	w.mu.Unlock()

	if idle == nil {
		return nil
	}
	for i := 0; i < attempts; i++ {
		select {
		case <-idle:
			return nil
		case <-time.After(wait):
		}
	}
	return &CancellationTimeout{Work: w.name, Attempts: attempts}
}
