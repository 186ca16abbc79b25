package sqstest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/mmate-sqs/messaging"
)

// ManualTasks is a messaging.TaskFactory whose tasks only run when ticked
type ManualTasks struct {
	mu    sync.Mutex
	tasks []*ManualTask
}

// NewPeriodicTask creates a task that runs on Tick
func (f *ManualTasks) NewPeriodicTask(name string, interval time.Duration, fn func(ctx context.Context) error) messaging.PeriodicTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &ManualTask{Name: name, Interval: interval, fn: fn}
	f.tasks = append(f.tasks, t)
	return t
}

// Tasks returns all tasks created so far
func (f *ManualTasks) Tasks() []*ManualTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ManualTask(nil), f.tasks...)
}

// Last returns the most recently created task, or nil
func (f *ManualTasks) Last() *ManualTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return nil
	}
	return f.tasks[len(f.tasks)-1]
}

// ManualTask is a periodic task driven by Tick
type ManualTask struct {
	Name     string
	Interval time.Duration

	fn      func(ctx context.Context) error
	mu      sync.Mutex
	started bool
	stopped bool
	runs    int
}

func (t *ManualTask) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.started = true
	}
}

func (t *ManualTask) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Running reports whether the task was started and not stopped
func (t *ManualTask) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.stopped
}

// Stopped reports whether Stop was called or the task ended itself
func (t *ManualTask) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Runs returns how many times the task function ran
func (t *ManualTask) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

// Tick runs the task function once if the task is running
func (t *ManualTask) Tick(ctx context.Context) error {
	if !t.Running() {
		return nil
	}

	err := t.fn(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	if errors.Is(err, messaging.ErrStopTask) {
		t.stopped = true
	}
	return err
}
