package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-sqs/messaging"
)

// DefaultNamespace prefixes all metric names
const DefaultNamespace = "mmate_sqs"

// PrometheusCollector records transport activity as Prometheus metrics
type PrometheusCollector struct {
	registry *prometheus.Registry

	messagesSent    *prometheus.CounterVec
	sendDuration    *prometheus.HistogramVec
	receives        *prometheus.CounterVec
	receiveDuration *prometheus.HistogramVec
	acks            *prometheus.CounterVec
	nacks           *prometheus.CounterVec
	leaseRenewals   *prometheus.CounterVec
	expiredMessages *prometheus.CounterVec
	handled         *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
	errors          *prometheus.CounterVec
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates a collector registered on a new registry.
// An empty namespace uses DefaultNamespace.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Messages submitted in send batches",
			},
			[]string{"queue", "success"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_batch_duration_seconds",
				Help:      "Duration of SendMessageBatch calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		receives: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "receives_total",
				Help:      "Receive calls, by whether a message was returned",
			},
			[]string{"queue", "received"},
		),
		receiveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "receive_duration_seconds",
				Help:      "Duration of ReceiveMessage calls including long polling",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"queue"},
		),
		acks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acks_total",
				Help:      "Messages deleted after successful handling",
			},
			[]string{"queue", "success"},
		),
		nacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nacks_total",
				Help:      "Messages released after failed handling",
			},
			[]string{"queue", "success"},
		),
		leaseRenewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_renewals_total",
				Help:      "Visibility timeout extensions of leased messages",
			},
			[]string{"queue", "success"},
		),
		expiredMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "expired_messages_total",
				Help:      "Messages dropped because their time to be received had passed",
			},
			[]string{"queue"},
		),
		handled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_handled_total",
				Help:      "Received messages passed to a handler, by outcome",
			},
			[]string{"queue", "success"},
		),
		handleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handle_duration_seconds",
				Help:      "Duration of message handlers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Provider errors by component and error code",
			},
			[]string{"component", "error_type"},
		),
	}

	c.registry.MustRegister(
		c.messagesSent,
		c.sendDuration,
		c.receives,
		c.receiveDuration,
		c.acks,
		c.nacks,
		c.leaseRenewals,
		c.expiredMessages,
		c.handled,
		c.handleDuration,
		c.errors,
	)
	return c
}

// Registry returns the registry holding the collector's metrics
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the metrics
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *PrometheusCollector) RecordSend(queue string, messages int, duration time.Duration, success bool) {
	c.messagesSent.WithLabelValues(queue, strconv.FormatBool(success)).Add(float64(messages))
	c.sendDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordReceive(queue string, received bool, duration time.Duration) {
	c.receives.WithLabelValues(queue, strconv.FormatBool(received)).Inc()
	c.receiveDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordAck(queue string, success bool) {
	c.acks.WithLabelValues(queue, strconv.FormatBool(success)).Inc()
}

func (c *PrometheusCollector) RecordNack(queue string, success bool) {
	c.nacks.WithLabelValues(queue, strconv.FormatBool(success)).Inc()
}

func (c *PrometheusCollector) RecordLeaseRenewal(queue string, success bool) {
	c.leaseRenewals.WithLabelValues(queue, strconv.FormatBool(success)).Inc()
}

func (c *PrometheusCollector) RecordExpired(queue string) {
	c.expiredMessages.WithLabelValues(queue).Inc()
}

// RecordHandled records the outcome of a message handler
func (c *PrometheusCollector) RecordHandled(queue string, duration time.Duration, success bool) {
	c.handled.WithLabelValues(queue, strconv.FormatBool(success)).Inc()
	c.handleDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordError(component, errorType string) {
	c.errors.WithLabelValues(component, errorType).Inc()
}
