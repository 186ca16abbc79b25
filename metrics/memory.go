package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-sqs/messaging"
)

const maxSamples = 100

// MemoryCollector keeps transport metrics in memory
type MemoryCollector struct {
	mu sync.RWMutex

	queues map[string]*queueCounters

	// Error counters by component and error type
	errorCounters map[string]map[string]int64
}

type queueCounters struct {
	sent          int64
	sendFailures  int64
	received      int64
	emptyReceives int64
	acks          int64
	ackFailures   int64
	nacks         int64
	nackFailures  int64
	renewals      int64
	renewalFailed int64
	expired       int64
	sendTimes     *TimeStats
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64 // last maxSamples samples for percentiles
}

func (s *TimeStats) add(d time.Duration) {
	ms := d.Milliseconds()
	if s.Count == 0 || ms < s.MinMs {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	s.Count++
	s.TotalMs += ms

	if len(s.samples) >= maxSamples {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, ms)
}

var _ messaging.MetricsCollector = (*MemoryCollector)(nil)

// NewMemoryCollector creates an empty in-memory collector
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		queues:        make(map[string]*queueCounters),
		errorCounters: make(map[string]map[string]int64),
	}
}

// queue returns the counters of queue. c.mu must be held for writing.
func (c *MemoryCollector) queue(queue string) *queueCounters {
	q, ok := c.queues[queue]
	if !ok {
		q = &queueCounters{sendTimes: &TimeStats{}}
		c.queues[queue] = q
	}
	return q
}

func (c *MemoryCollector) RecordSend(queue string, messages int, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue(queue)
	if success {
		q.sent += int64(messages)
	} else {
		q.sendFailures += int64(messages)
	}
	q.sendTimes.add(duration)
}

func (c *MemoryCollector) RecordReceive(queue string, received bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue(queue)
	if received {
		q.received++
	} else {
		q.emptyReceives++
	}
}

func (c *MemoryCollector) RecordAck(queue string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue(queue)
	if success {
		q.acks++
	} else {
		q.ackFailures++
	}
}

func (c *MemoryCollector) RecordNack(queue string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue(queue)
	if success {
		q.nacks++
	} else {
		q.nackFailures++
	}
}

func (c *MemoryCollector) RecordLeaseRenewal(queue string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue(queue)
	if success {
		q.renewals++
	} else {
		q.renewalFailed++
	}
}

func (c *MemoryCollector) RecordExpired(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue(queue).expired++
}

func (c *MemoryCollector) RecordError(component, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errorCounters[component] == nil {
		c.errorCounters[component] = make(map[string]int64)
	}
	c.errorCounters[component][errorType]++
}

// Summary represents a snapshot of all metrics
type Summary struct {
	Queues map[string]QueueSummary     `json:"queues"`
	Errors map[string]map[string]int64 `json:"errors"`
}

// QueueSummary holds the counters of one queue
type QueueSummary struct {
	Sent            int64        `json:"sent"`
	SendFailures    int64        `json:"send_failures"`
	Received        int64        `json:"received"`
	EmptyReceives   int64        `json:"empty_receives"`
	Acks            int64        `json:"acks"`
	AckFailures     int64        `json:"ack_failures"`
	Nacks           int64        `json:"nacks"`
	NackFailures    int64        `json:"nack_failures"`
	Renewals        int64        `json:"renewals"`
	RenewalFailures int64        `json:"renewal_failures"`
	Expired         int64        `json:"expired"`
	SendLatency     LatencyStats `json:"send_latency"`
}

// LatencyStats summarizes call durations
type LatencyStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// Summary returns a snapshot of all collected metrics
func (c *MemoryCollector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := Summary{
		Queues: make(map[string]QueueSummary, len(c.queues)),
		Errors: make(map[string]map[string]int64, len(c.errorCounters)),
	}

	for name, q := range c.queues {
		summary.Queues[name] = QueueSummary{
			Sent:            q.sent,
			SendFailures:    q.sendFailures,
			Received:        q.received,
			EmptyReceives:   q.emptyReceives,
			Acks:            q.acks,
			AckFailures:     q.ackFailures,
			Nacks:           q.nacks,
			NackFailures:    q.nackFailures,
			Renewals:        q.renewals,
			RenewalFailures: q.renewalFailed,
			Expired:         q.expired,
			SendLatency:     latency(q.sendTimes),
		}
	}

	for component, errs := range c.errorCounters {
		summary.Errors[component] = make(map[string]int64, len(errs))
		for errorType, count := range errs {
			summary.Errors[component][errorType] = count
		}
	}
	return summary
}

// Reset clears all collected metrics
func (c *MemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = make(map[string]*queueCounters)
	c.errorCounters = make(map[string]map[string]int64)
}

func latency(s *TimeStats) LatencyStats {
	stats := LatencyStats{
		Count: s.Count,
		MinMs: s.MinMs,
		MaxMs: s.MaxMs,
	}
	if s.Count > 0 {
		stats.AvgMs = s.TotalMs / s.Count
	}
	if len(s.samples) > 0 {
		sorted := append([]int64(nil), s.samples...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		stats.P50Ms = percentile(sorted, 0.50)
		stats.P95Ms = percentile(sorted, 0.95)
		stats.P99Ms = percentile(sorted, 0.99)
	}
	return stats
}

// percentile picks from sorted samples
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
