package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/dexvm/vm"
)

// ErrStopped is returned by Do after Stop.
var ErrStopped = errors.New("worker pool stopped")

// vmRequest represents a unit of work to be executed on a pool goroutine.
type vmRequest struct {
	ctx  context.Context
	fn   func(context.Context, *vm.VM) (any, error)
	done chan vmResult
}

// vmResult holds the return value from a VM operation.
type vmResult struct {
	value any
	err   error
}

// VMWorker runs verification requests on a fixed number of goroutines,
// bounding how many dex files are verified at once.
type VMWorker struct {
	vm       *vm.VM
	requests chan vmRequest
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewVMWorker creates a VMWorker with n goroutines (at least one).
func NewVMWorker(v *vm.VM, n int) *VMWorker {
	if n < 1 {
		n = 1
	}
	w := &VMWorker{
		vm:       v,
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
	}
	w.wg.Add(n)
	for range n {
		go w.loop()
	}
	return w
}

func (w *VMWorker) loop() {
	defer w.wg.Done()
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req)
		case <-w.quit:
			return
		}
	}
}

// execute runs a request, turning panics into errors.
func (w *VMWorker) execute(req vmRequest) (result vmResult) {
	if err := req.ctx.Err(); err != nil {
		return vmResult{err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("worker panic: %v", r)
			result = vmResult{err: fmt.Errorf("%v", r)}
		}
	}()
	result.value, result.err = req.fn(req.ctx, w.vm)
	return result
}

// Do submits fn and blocks until it completes or ctx is done.
func (w *VMWorker) Do(ctx context.Context, fn func(context.Context, *vm.VM) (any, error)) (any, error) {
	select {
	case <-w.quit:
		return nil, ErrStopped
	default:
	}
	req := vmRequest{ctx: ctx, fn: fn, done: make(chan vmResult, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down the worker goroutines and waits for running requests.
func (w *VMWorker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	w.wg.Wait()
}

// VM returns the underlying VM.
func (w *VMWorker) VM() *vm.VM {
	return w.vm
}
