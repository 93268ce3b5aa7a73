// Package eventloop drives a cooperatively scheduled script engine together
// with natively spawned tasks.
//
// A Loop owns two pieces of state: a FIFO queue of spawned task handles, and a
// waker slot holding at most one Waker. Poll composes one unit of cooperative
// work: drain the engine's own job queue, drop finished tasks from the head of
// the queue, and, if tasks remain, park on the supplied Waker. Any outer
// scheduler (a goroutine loop, a manual tick in tests) can drive it.
package eventloop

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
)

// ErrTerminated is returned by Poll when the engine reported a fatal error
// while draining its jobs. The loop is Ready, but application work may be
// incomplete; callers must not treat it as normal quiescence.
var ErrTerminated = errors.New("eventloop: engine terminated")

// Status is the outcome of one Poll.
type Status uint8

const (
	// Pending means tasks are still outstanding and the waker was installed.
	Pending Status = iota
	// Ready means the loop has nothing left to do, or the engine terminated.
	Ready
)

func (s Status) String() string {
	if s == Ready {
		return "ready"
	}
	return "pending"
}

// Engine is the script engine half of the loop.
type Engine interface {
	// RunLoopWithoutIO drains the engine's job queue without touching host
	// I/O. A negative result is a fatal engine error, otherwise it is the
	// number of jobs processed.
	RunLoopWithoutIO() int
}

// EngineFunc adapts a function to Engine.
type EngineFunc func() int

func (f EngineFunc) RunLoopWithoutIO() int { return f() }

// Option configures a Loop.
type Option func(*Loop)

// WithLogger attaches a structured logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithHighWater logs a warning each time the task queue grows past a multiple
// of n. Tasks whose computation never completes stay queued forever, so this
// is the only signal of that leak.
func WithHighWater(n int) Option {
	return func(l *Loop) { l.highWater = n }
}

// Loop is the event loop of one interpreter instance.
type Loop struct {
	waker     Waker
	tasks     *queue.Queue
	logger    *logiface.Logger[logiface.Event]
	signals   atomic.Uint64
	nextID    uint64
	highWater int
	mu        sync.Mutex
}

// New returns an empty Loop.
func New(opts ...Option) *Loop {
	l := &Loop{tasks: queue.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Spawn registers a new pending task at the tail of the queue. The caller
// finishes it, from any goroutine, once the work it represents is done.
func (l *Loop) Spawn() *Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	t := &Task{id: l.nextID}
	l.tasks.Add(t)
	if n := l.tasks.Length(); l.highWater > 0 && n%l.highWater == 0 {
		l.logger.Warning().Int(`pending`, n).Log(`task queue high water`)
	}
	return t
}

// InstallWaker stores w, replacing any previous waker. Last writer wins.
func (l *Loop) InstallWaker(w Waker) {
	l.mu.Lock()
	l.waker = w
	l.mu.Unlock()
}

// Wake signals the stored waker, if any. It is safe to call from any
// goroutine.
func (l *Loop) Wake() {
	l.signals.Add(1)
	l.mu.Lock()
	w := l.waker
	l.mu.Unlock()
	if w != nil {
		w.Wake()
	}
}

// DrainReady pops finished tasks off the head of the queue, stopping at the
// first pending one, and reports whether the queue is now empty. A pending
// head blocks later finished tasks until a subsequent call.
func (l *Loop) DrainReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.tasks.Length() > 0 {
		if !l.tasks.Peek().(*Task).Finished() {
			return false
		}
		l.tasks.Remove()
	}
	return true
}

// Len returns the number of queued tasks, finished or not.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks.Length()
}

// Poll runs one composite step. It returns Ready with ErrTerminated if the
// engine failed, Ready with a nil error once the task queue is empty, and
// Pending after installing w otherwise.
//
// A wake that races with the step (between draining the engine and installing
// w) may have gone to the previous waker; in that case w is woken immediately
// so the driver polls again.
func (l *Loop) Poll(e Engine, w Waker) (Status, error) {
	seen := l.signals.Load()
	if n := e.RunLoopWithoutIO(); n < 0 {
		l.logger.Err().Int(`status`, n).Log(`engine terminated while draining jobs`)
		return Ready, ErrTerminated
	}
	if l.DrainReady() {
		return Ready, nil
	}
	l.InstallWaker(w)
	if l.signals.Load() != seen {
		w.Wake()
	}
	return Pending, nil
}
