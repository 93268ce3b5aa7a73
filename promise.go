package jsrunner

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/boomhut/goja-netloop/internal/errkind"
	"github.com/boomhut/goja-netloop/internal/trampoline"
)

// ErrInterrupted is the cause recorded by Interrupt.
var ErrInterrupted = errors.New("jsrunner: interrupted")

// Future is a native computation bridged into script by FutureToPromise. It
// runs on its own goroutine and must not touch the runtime. The context is
// cancelled when the Runner closes.
type Future func(ctx context.Context) (any, error)

// ValueFunc is a Future result that needs the runtime to become a script
// value, such as an object with methods. It is called on the interpreter
// goroutine just before the promise resolves.
type ValueFunc func(vm *goja.Runtime) goja.Value

// RejectedError carries a script rejection value.
//
// Returned from a Future, the promise rejects with Value as is. Returned by
// Await and AwaitPromise, Value is the rejection reason; if the reason was
// produced from a Go error, Unwrap returns that error, so errors.Is works
// against errkind sentinels.
type RejectedError struct {
	Value goja.Value
}

func (e *RejectedError) Error() string {
	if e.Value == nil {
		return "promise rejected"
	}
	return "promise rejected: " + e.Value.String()
}

func (e *RejectedError) Unwrap() error {
	obj, ok := e.Value.(*goja.Object)
	if !ok {
		return nil
	}
	if v := obj.Get("value"); v != nil {
		if err, ok := v.Export().(error); ok {
			return err
		}
	}
	return nil
}

// PanicError rejects the promise of a Future that panicked.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("jsrunner: future panicked: %v", e.Value)
}

// FutureToPromise starts fn on a new goroutine and returns a promise for its
// result. The promise settles exactly once, on the interpreter goroutine, the
// next time the loop is polled after fn returns: it resolves with the value,
// or rejects with an Error whose kind and code properties classify the Go
// error.
//
// Every call registers a task with the event loop, so Run does not return
// while fn is still running.
//
// Example:
//
//	runner.SetGlobal("sleep", func(ms int) *goja.Promise {
//	    return runner.FutureToPromise(func(ctx context.Context) (any, error) {
//	        select {
//	        case <-time.After(time.Duration(ms) * time.Millisecond):
//	            return ms, nil
//	        case <-ctx.Done():
//	            return nil, ctx.Err()
//	        }
//	    })
//	})
func (r *Runner) FutureToPromise(fn Future) *goja.Promise {
	promise, resolve, reject := r.vm.NewPromise()
	task := r.loop.Spawn()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		v, err := r.compute(fn)
		r.post(func() error {
			defer task.Finish()
			if err != nil {
				return reject(r.errorValue(err))
			}
			if f, ok := v.(ValueFunc); ok {
				return resolve(f(r.vm))
			}
			return resolve(v)
		})
	}()

	return promise
}

func (r *Runner) compute(fn Future) (v any, err error) {
	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", errkind.FromKind("spawn", errkind.Interrupted), err)
	}
	defer r.sem.Release(1)
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if pv, ok := x.(*trampoline.ProtocolViolation); ok {
			panic(pv)
		}
		r.logger.Err().Str(`panic`, fmt.Sprint(x)).Log(`future panicked`)
		v, err = nil, PanicError{Value: x}
	}()
	return fn(r.ctx)
}

// errorValue converts err to the value a promise rejects with.
func (r *Runner) errorValue(err error) goja.Value {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Value
	}
	kind := errkind.KindOf(err)
	obj := r.vm.NewGoError(err)
	_ = obj.Set("kind", kind.String())
	_ = obj.Set("code", kind.Code())
	return obj
}

// post queues job for the interpreter goroutine and wakes the loop.
func (r *Runner) post(job func() error) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	r.loop.Wake()
}

// RunLoopWithoutIO runs every queued settlement job, and with them the
// promise reactions they trigger. It returns the number of jobs run, or -1
// once the runner has failed or been interrupted; failure is permanent.
func (r *Runner) RunLoopWithoutIO() int {
	if r.halted.Load() {
		return -1
	}
	r.mu.Lock()
	jobs := r.jobs
	r.jobs = nil
	r.mu.Unlock()

	for _, job := range jobs {
		if err := job(); err != nil {
			r.fail(err)
			return -1
		}
	}
	return len(jobs)
}

// Interrupt stops the runner: running script throws, and the next poll
// reports termination with ErrInterrupted. It is safe to call from any
// goroutine.
func (r *Runner) Interrupt(reason any) {
	r.vm.Interrupt(reason)
	r.fail(fmt.Errorf("%w: %v", ErrInterrupted, reason))
	r.loop.Wake()
}

// Err returns the error that terminated the runner, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *Runner) fail(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
		r.logger.Err().Err(err).Log(`runner terminated`)
	}
	r.mu.Unlock()
	r.halted.Store(true)
}
