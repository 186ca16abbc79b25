// Package metrics provides messaging.MetricsCollector implementations for the
// SQS transport.
//
//   - PrometheusCollector exports counters and histograms on its own registry
//   - MemoryCollector keeps in-process counters and latency percentiles, for
//     tools and tests that want a snapshot without a scrape endpoint
package metrics
