package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/mmate-sqs/transports/sqs"
)

// StatsSource reports the approximate message counts of a queue
type StatsSource interface {
	Address() string
	Stats(ctx context.Context) (sqs.QueueStats, error)
}

// QueueChecker checks that a queue is reachable and its backlog is below a threshold
type QueueChecker struct {
	source           StatsSource
	backlogThreshold int64
	logger           *slog.Logger
}

// NewQueueChecker creates a queue checker. The queue is reported degraded when
// more than backlogThreshold messages are visible; 0 disables the threshold.
func NewQueueChecker(source StatsSource, backlogThreshold int64, logger *slog.Logger) *QueueChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueChecker{
		source:           source,
		backlogThreshold: backlogThreshold,
		logger:           logger,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.source.Address())
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	stats, err := c.source.Stats(ctx)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		if errors.Is(err, sqs.ErrQueueNotFound) {
			result.Message = fmt.Sprintf("queue %s does not exist", c.source.Address())
		} else {
			result.Message = fmt.Sprintf("queue %s not accessible", c.source.Address())
		}
		c.logger.Warn("queue health check failed", "queue", c.source.Address(), "error", err)
		return result
	}

	result.Details["visible"] = stats.Visible
	result.Details["in_flight"] = stats.InFlight
	result.Details["delayed"] = stats.Delayed

	if c.backlogThreshold > 0 && stats.Visible > c.backlogThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has %d visible messages", c.source.Address(), stats.Visible)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.source.Address())
	return result
}

// GoroutineChecker reports degraded or unhealthy above goroutine count thresholds
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"goroutines":     goroutines,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}

	switch {
	case c.critical > 0 && goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warning > 0 && goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
