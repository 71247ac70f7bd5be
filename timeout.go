package cmrio

/*
MIT License

Copyright (c) 2015-2024 University Corporation for Atmospheric Research

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

//DefaultTimeoutWorkers is the pool size NewTimeouts uses for workers <= 0
const DefaultTimeoutWorkers = 4

//handle states
const (
	stateScheduled int32 = iota
	stateRunning
	stateDone
	stateCancelled
)

/*Timeouts runs callbacks once after a delay unless they are cancelled first.
Callbacks execute on a fixed pool of worker goroutines, never on the
goroutine that scheduled them.  Construct one at process start and hand it to
whatever needs it; ShutdownNow tears it down for good.*/
type Timeouts struct {
	log   *zap.Logger
	tasks chan *Handle
	quit  chan struct{}

	mu      sync.Mutex
	pending map[*Handle]struct{}
	closed  bool
}

//NewTimeouts starts a pool of workers goroutines.  A nil logger discards.
func NewTimeouts(workers int, log *zap.Logger) *Timeouts {
	if workers <= 0 {
		workers = DefaultTimeoutWorkers
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Timeouts{
		log:     log,
		tasks:   make(chan *Handle, workers),
		quit:    make(chan struct{}),
		pending: make(map[*Handle]struct{}),
	}
	for i := 0; i < workers; i++ {
		go m.work()
	}
	return m
}

func (m *Timeouts) work() {
	for {
		select {
		case <-m.quit:
			return
		case h := <-m.tasks:
			h.execute()
		}
	}
}

/*Handle refers to one scheduled callback*/
type Handle struct {
	owner *Timeouts
	state *atomic.Int32
	timer *time.Timer
	run   func()
	done  chan struct{}
}

/*Schedule runs fn once, on the worker pool, no sooner than delay from now.
It wraps ErrShutdown after ShutdownNow and ErrInvalidArgument for a negative
delay or nil fn.*/
func (m *Timeouts) Schedule(delay time.Duration, fn func()) (*Handle, error) {
	if fn == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil timeout callback")
	}
	return m.schedule(delay, func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("timeout callback panicked", zap.Any("panic", r))
			}
		}()
		fn()
	})
}

func (m *Timeouts) schedule(delay time.Duration, run func()) (*Handle, error) {
	if delay < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "negative delay %v", delay)
	}
	h := &Handle{owner: m, state: atomic.NewInt32(stateScheduled), run: run, done: make(chan struct{})}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.Wrap(ErrShutdown, "timeout manager")
	}
	m.pending[h] = struct{}{}
	h.timer = time.AfterFunc(delay, func() { m.enqueue(h) })
	return h, nil
}

//enqueue runs on the timer's goroutine
func (m *Timeouts) enqueue(h *Handle) {
	select {
	case m.tasks <- h:
	case <-m.quit:
		h.Cancel()
	}
}

func (m *Timeouts) forget(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, h)
}

//Pending is the number of callbacks neither run nor cancelled
func (m *Timeouts) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

/*ShutdownNow cancels every callback that has not started, stops the workers
and refuses further scheduling.  Callbacks already running are left to
finish; ShutdownNow does not wait for them.*/
func (m *Timeouts) ShutdownNow() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := make([]*Handle, 0, len(m.pending))
	for h := range m.pending {
		handles = append(handles, h)
	}
	close(m.quit)
	m.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	m.log.Debug("timeout manager shut down", zap.Int("cancelled", len(handles)))
}

func (h *Handle) execute() {
	if !h.state.CompareAndSwap(stateScheduled, stateRunning) {
		return
	}
	defer func() {
		h.state.Store(stateDone)
		close(h.done)
		h.owner.forget(h)
	}()
	h.run()
}

/*Cancel stops the callback from running.  It returns false, and does
nothing, if the callback has already started, finished or been cancelled.*/
func (h *Handle) Cancel() bool {
	if !h.state.CompareAndSwap(stateScheduled, stateCancelled) {
		return false
	}
	h.timer.Stop()
	close(h.done)
	h.owner.forget(h)
	return true
}

//IsDone is true once the callback has finished or was cancelled
func (h *Handle) IsDone() bool {
	s := h.state.Load()
	return s == stateDone || s == stateCancelled
}

//Cancelled is true if Cancel won before the callback started
func (h *Handle) Cancelled() bool { return h.state.Load() == stateCancelled }

//Done is closed once IsDone becomes true
func (h *Handle) Done() <-chan struct{} { return h.done }

/*Future is a Handle whose callback produces a value or an error*/
type Future[T any] struct {
	*Handle
	val T
	err error
}

/*ScheduleWithResult is Schedule for a callback with a result, retrieved with
Get.  A panicking callback becomes an error result.*/
func ScheduleWithResult[T any](m *Timeouts, delay time.Duration, fn func() (T, error)) (*Future[T], error) {
	if fn == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil timeout callback")
	}
	f := &Future[T]{}
	h, err := m.schedule(delay, func() {
		defer func() {
			if r := recover(); r != nil {
				f.err = errors.Errorf("timeout callback panicked: %v", r)
			}
		}()
		f.val, f.err = fn()
	})
	if err != nil {
		return nil, err
	}
	f.Handle = h
	return f, nil
}

/*Get blocks until the callback has run (returning its result), it was
cancelled (wrapping ErrCancelled), or ctx ends.*/
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.done:
	}
	if f.Cancelled() {
		return zero, errors.Wrap(ErrCancelled, "timeout")
	}
	return f.val, f.err
}
