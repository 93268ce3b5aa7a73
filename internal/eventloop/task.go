package eventloop

import "sync/atomic"

// Task is the handle of a spawned bridge between native work and a promise.
// It moves one way, from pending to finished.
type Task struct {
	id       uint64
	finished atomic.Bool
}

// ID is unique within the Loop that spawned the task.
func (t *Task) ID() uint64 { return t.id }

// Finish marks the task finished. It reports false if it already was.
func (t *Task) Finish() bool { return t.finished.CompareAndSwap(false, true) }

// Finished reports whether Finish has been called.
func (t *Task) Finished() bool { return t.finished.Load() }
