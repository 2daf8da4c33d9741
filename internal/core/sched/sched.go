// Package sched provides the single timer primitive every timeout in the
// driver is built on: a cancellable, re-armable, single-shot task owned by
// one component. It replaces the timer-plus-worklist pairs a kernel driver
// would use.
package sched

import (
	"sync"
	"time"
)

// Task is a single-shot timer. Arm schedules the callback, Cancel revokes it.
// A Task may be re-armed any number of times; arming an armed task resets the
// deadline. The callback runs on its own goroutine and is guaranteed not to
// run after Cancel returns true.
type Task struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	fn    func()
}

// NewTask creates a task that runs fn when it fires.
func NewTask(fn func()) *Task {
	return &Task{fn: fn}
}

// Arm schedules the task to fire after d, replacing any earlier deadline.
func (t *Task) Arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		stale := gen != t.gen
		if !stale {
			t.timer = nil
		}
		t.mu.Unlock()
		if stale {
			return
		}
		t.fn()
	})
}

// Cancel revokes a pending deadline. It returns true if a deadline was armed
// and the callback had not started; false if the task was idle or the
// callback already began running.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer == nil {
		return false
	}
	stopped := t.timer.Stop()
	t.timer = nil
	return stopped
}

// Armed reports whether a deadline is currently pending.
func (t *Task) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
