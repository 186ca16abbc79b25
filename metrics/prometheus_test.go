package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_RecordSend(t *testing.T) {
	c := NewPrometheusCollector("")

	c.RecordSend("orders", 10, 20*time.Millisecond, true)
	c.RecordSend("orders", 5, 10*time.Millisecond, true)
	c.RecordSend("orders", 2, 10*time.Millisecond, false)

	assert.Equal(t, 15.0, testutil.ToFloat64(c.messagesSent.With(prometheus.Labels{"queue": "orders", "success": "true"})))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesSent.With(prometheus.Labels{"queue": "orders", "success": "false"})))
	assert.Equal(t, 1, testutil.CollectAndCount(c.sendDuration))
}

func TestPrometheusCollector_Lease(t *testing.T) {
	c := NewPrometheusCollector("test")

	c.RecordReceive("orders", true, time.Second)
	c.RecordReceive("orders", false, time.Second)
	c.RecordAck("orders", true)
	c.RecordNack("orders", true)
	c.RecordLeaseRenewal("orders", true)
	c.RecordLeaseRenewal("orders", false)
	c.RecordExpired("orders")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.receives.WithLabelValues("orders", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.receives.WithLabelValues("orders", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.acks.WithLabelValues("orders", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nacks.WithLabelValues("orders", "true")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.leaseRenewals))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.expiredMessages.WithLabelValues("orders")))
}

func TestPrometheusCollector_RecordHandled(t *testing.T) {
	c := NewPrometheusCollector("")

	c.RecordHandled("orders", 5*time.Millisecond, true)
	c.RecordHandled("orders", 7*time.Millisecond, false)
	c.RecordHandled("orders", time.Millisecond, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.handled.WithLabelValues("orders", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handled.WithLabelValues("orders", "false")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.handleDuration))
}

func TestPrometheusCollector_RecordError(t *testing.T) {
	c := NewPrometheusCollector("")

	c.RecordError("sender", "AWS.SimpleQueueService.Throttled")
	c.RecordError("sender", "AWS.SimpleQueueService.Throttled")

	value := testutil.ToFloat64(c.errors.With(prometheus.Labels{
		"component":  "sender",
		"error_type": "AWS.SimpleQueueService.Throttled",
	}))
	assert.Equal(t, 2.0, value)
}

func TestPrometheusCollector_Handler(t *testing.T) {
	c := NewPrometheusCollector("")
	c.RecordExpired("orders")

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `mmate_sqs_expired_messages_total{queue="orders"} 1`))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	a := NewPrometheusCollector("")
	b := NewPrometheusCollector("")

	a.RecordAck("orders", true)

	assert.Equal(t, 1, testutil.CollectAndCount(a.acks))
	assert.Equal(t, 0, testutil.CollectAndCount(b.acks))
	assert.NotSame(t, a.Registry(), b.Registry())
}
