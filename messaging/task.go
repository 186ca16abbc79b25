package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopTask can be returned by a periodic task function to end the task
var ErrStopTask = errors.New("stop periodic task")

// PeriodicTask runs a function on an interval until stopped
type PeriodicTask interface {
	// Start begins running the task. Starting twice or after Stop does nothing.
	Start()

	// Stop cancels the task and waits for a running invocation to return.
	// Stop may be called before Start and more than once.
	Stop()
}

// TaskFactory creates periodic tasks
type TaskFactory interface {
	NewPeriodicTask(name string, interval time.Duration, fn func(ctx context.Context) error) PeriodicTask
}

// DefaultTaskFactory creates goroutine and ticker backed tasks
type DefaultTaskFactory struct {
	Logger *slog.Logger
}

// NewTaskFactory creates a task factory logging task failures to logger
func NewTaskFactory(logger *slog.Logger) *DefaultTaskFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultTaskFactory{Logger: logger}
}

// NewPeriodicTask creates a stopped task
func (f *DefaultTaskFactory) NewPeriodicTask(name string, interval time.Duration, fn func(ctx context.Context) error) PeriodicTask {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &periodicTask{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}
}

type periodicTask struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (t *periodicTask) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started || t.stopped {
		return
	}
	t.started = true

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(ctx)
}

func (t *periodicTask) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *periodicTask) run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := t.fn(ctx)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrStopTask) {
				t.logger.Debug("periodic task finished", "task", t.name)
				return
			}
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("periodic task failed", "task", t.name, "error", err)
		}
	}
}
