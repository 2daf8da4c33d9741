package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_Fires(t *testing.T) {
	fired := make(chan struct{})
	task := NewTask(func() { close(fired) })
	task.Arm(10 * time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("task never fired")
	}
	assert.False(t, task.Armed())
}

func TestTask_CancelPreventsCallback(t *testing.T) {
	var fired atomic.Bool
	task := NewTask(func() { fired.Store(true) })
	task.Arm(50 * time.Millisecond)

	assert.True(t, task.Cancel())
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestTask_RearmResetsDeadline(t *testing.T) {
	var count atomic.Int32
	task := NewTask(func() { count.Add(1) })

	// Re-arming an armed task must collapse to a single firing.
	task.Arm(30 * time.Millisecond)
	task.Arm(30 * time.Millisecond)
	task.Arm(30 * time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestTask_CancelIdle(t *testing.T) {
	task := NewTask(func() {})
	assert.False(t, task.Cancel())
}

func TestTask_RearmAfterFire(t *testing.T) {
	var count atomic.Int32
	task := NewTask(func() { count.Add(1) })

	task.Arm(5 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	task.Arm(5 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(2), count.Load())
}
