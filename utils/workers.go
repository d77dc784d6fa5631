// Package utils holds small concurrency helpers shared by the transports, the simulator server
// and the command line.
package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a group of goroutines sharing one cancellation.
type StoppableWorkers interface {
	AddWorkers(...func(context.Context))
	Stop()
	Context() context.Context
}

// workers must only be used through the interface; it holds a WaitGroup and cannot be copied.
type workers struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewStoppableWorkers starts each function in its own goroutine.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	return NewStoppableWorkersWithContext(context.Background(), funcs...)
}

// NewStoppableWorkersWithContext is like NewStoppableWorkers, but the workers also stop when
// parent is done.
func NewStoppableWorkersWithContext(parent context.Context, funcs ...func(context.Context)) StoppableWorkers {
	ctx, cancel := context.WithCancel(parent)
	w := &workers{ctx: ctx, cancel: cancel}
	w.AddWorkers(funcs...)
	return w
}

// AddWorkers starts more goroutines. After Stop it does nothing.
func (w *workers) AddWorkers(funcs ...func(context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	w.running.Add(len(funcs))
	for _, f := range funcs {
		goutils.PanicCapturingGo(func() {
			defer w.running.Done()
			f(w.ctx)
		})
	}
}

// Stop cancels the workers and waits for all of them to return.
func (w *workers) Stop() {
	w.mu.Lock()
	w.cancel()
	w.mu.Unlock()
	w.running.Wait()
}

// Context returns the context workers are watching.
func (w *workers) Context() context.Context {
	return w.ctx
}
