package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/doridoridoriand/latency-probe/internal/probe"
	"github.com/doridoridoriand/latency-probe/internal/state"
)

const namespace = "probe"

// RowSource yields aggregated rows. *state.Aggregator satisfies it.
type RowSource interface {
	Snapshot() []state.Row
}

// RejectionCounter reports refused configuration snapshots. *config.Source
// satisfies it.
type RejectionCounter interface {
	Rejected() uint64
}

// Collector converts aggregator rows into Prometheus metrics at scrape time.
type Collector struct {
	rows       RowSource
	rejections RejectionCounter
	history    atomic.Bool

	latency     *prometheus.Desc
	current     *prometheus.Desc
	timeouts    *prometheus.Desc
	errors      *prometheus.Desc
	up          *prometheus.Desc
	consecutive *prometheus.Desc
	rejected    *prometheus.Desc
}

// NewCollector returns a collector with the latency histogram enabled.
// rejections may be nil.
func NewCollector(rows RowSource, rejections RejectionCounter) *Collector {
	labels := []string{"target", "probe_type"}
	c := &Collector{
		rows:       rows,
		rejections: rejections,
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "latency_milliseconds"),
			"Latency of successful probes in milliseconds.",
			labels, nil,
		),
		current: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "latency_milliseconds_current"),
			"Latency of the most recent successful probe in milliseconds.",
			labels, nil,
		),
		timeouts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "timeout_total"),
			"Probes that did not complete before their timeout.",
			labels, nil,
		),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "error_total"),
			"Probes that failed, by reason.",
			append(labels, "reason"), nil,
		),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "up"),
			"Whether the last probe succeeded (1) or not (0).",
			labels, nil,
		),
		consecutive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "consecutive_failures"),
			"Failed probes since the last success.",
			labels, nil,
		),
		rejected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "config_rejected_total"),
			"Configuration documents refused while decoding or validating.",
			nil, nil,
		),
	}
	c.history.Store(true)
	return c
}

// SetLatencyHistory toggles the latency histogram family.
func (c *Collector) SetLatencyHistory(enabled bool) {
	c.history.Store(enabled)
}

// LatencyHistory reports whether the histogram family is exported.
func (c *Collector) LatencyHistory() bool {
	return c.history.Load()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.latency
	ch <- c.current
	ch <- c.timeouts
	ch <- c.errors
	ch <- c.up
	ch <- c.consecutive
	ch <- c.rejected
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	history := c.history.Load()
	for _, row := range c.rows.Snapshot() {
		target, kind := row.Target, row.Kind.String()

		if history {
			buckets := make(map[float64]uint64, len(row.Buckets))
			for _, b := range row.Buckets {
				buckets[b.UpperBound] = b.Count
			}
			ch <- prometheus.MustNewConstHistogram(c.latency, row.Count, row.Sum, buckets, target, kind)
		}
		if row.HasLatency {
			ch <- prometheus.MustNewConstMetric(c.current, prometheus.GaugeValue, milliseconds(row.LastLatency), target, kind)
		}
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(row.Timeouts), target, kind)
		for reason, n := range row.Errors {
			ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(n), target, kind, reason)
		}

		up := 0.0
		if row.LastStatus == probe.StatusSuccess {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, target, kind)
		ch <- prometheus.MustNewConstMetric(c.consecutive, prometheus.GaugeValue, float64(row.ConsecutiveFailures), target, kind)
	}

	var rejected uint64
	if c.rejections != nil {
		rejected = c.rejections.Rejected()
	}
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(rejected))
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
