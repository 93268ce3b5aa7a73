package jsrunner

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/boomhut/goja-netloop/internal/eventloop"
)

// ErrUnsettled is returned by Await when a promise is still pending but no
// native work remains that could settle it.
var ErrUnsettled = errors.New("jsrunner: promise can never settle")

// Run drives the event loop until every task started by FutureToPromise has
// completed and its promise reactions have run, or until ctx is done.
//
// If the runner fails or is interrupted, Run returns an error wrapping both
// eventloop.ErrTerminated and the cause.
//
// Example:
//
//	runner.LoadScriptString(`
//	    require('net').connect('127.0.0.1', 7).then(s => s.close());
//	`)
//	if err := runner.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
func (r *Runner) Run(ctx context.Context) error {
	return r.terminated(eventloop.Run(ctx, r.loop, r))
}

// Poll runs a single step of the event loop, installing w to be woken when
// another step is warranted. It is for callers embedding the runner in their
// own scheduler; most callers want Run.
func (r *Runner) Poll(w eventloop.Waker) (eventloop.Status, error) {
	status, err := r.loop.Poll(r, w)
	return status, r.terminated(err)
}

// Await drives the event loop until p settles. A rejection is returned as a
// *RejectedError.
func (r *Runner) Await(ctx context.Context, p *goja.Promise) (goja.Value, error) {
	w := eventloop.NewChanWaker()
	for {
		status, err := r.loop.Poll(r, w)
		if err != nil {
			return nil, r.terminated(err)
		}
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result(), nil
		case goja.PromiseStateRejected:
			return nil, &RejectedError{Value: p.Result()}
		}
		if status == eventloop.Ready {
			return nil, ErrUnsettled
		}
		select {
		case <-w.C():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AwaitPromise evaluates code and, if the result is a promise, waits for it
// with Await. Any other result is returned as is.
//
// Example:
//
//	v, err := runner.AwaitPromise(ctx, `
//	    require('net').connect('127.0.0.1', 1).catch(e => e.kind)
//	`)
//	fmt.Println(jsrunner.ExportString(v)) // ConnectionRefused
func (r *Runner) AwaitPromise(ctx context.Context, code string) (goja.Value, error) {
	v, err := r.vm.RunString(code)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	return r.Await(ctx, p)
}

// Stats is a point-in-time view of a Runner.
type Stats struct {
	// Tasks counts tasks still queued on the event loop, including finished
	// tasks blocked behind a pending head.
	Tasks int `json:"tasks"`

	// Jobs counts settlements waiting for the next poll.
	Jobs int `json:"jobs"`

	// Outstanding counts socket operations awaiting host completion.
	Outstanding int `json:"outstanding"`

	// OpenSockets counts sockets the script has not closed.
	OpenSockets int `json:"open_sockets"`
}

// Stats may be called from any goroutine.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	jobs := len(r.jobs)
	r.mu.Unlock()
	cs := r.client.Stats()
	return Stats{
		Tasks:       r.loop.Len(),
		Jobs:        jobs,
		Outstanding: cs.Outstanding,
		OpenSockets: cs.OpenSockets,
	}
}

func (r *Runner) terminated(err error) error {
	if errors.Is(err, eventloop.ErrTerminated) {
		if cause := r.Err(); cause != nil {
			return fmt.Errorf("%w: %w", err, cause)
		}
	}
	return err
}
