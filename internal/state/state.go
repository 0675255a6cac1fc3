package state

import (
	"time"

	"github.com/doridoridoriand/latency-probe/internal/config"
	"github.com/doridoridoriand/latency-probe/internal/probe"
)

// DefaultBuckets are the latency histogram upper bounds in milliseconds.
var DefaultBuckets = []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50, 100, 250, 500, 1000}

// Health summarises the recent outcomes of a series.
type Health string

const (
	HealthUnknown Health = "UNKNOWN"
	HealthOK      Health = "OK"
	HealthWarn    Health = "WARN"
	HealthDown    Health = "DOWN"
)

// Key identifies one series.
type Key struct {
	Target string
	Kind   config.Kind
}

// Bucket is a cumulative histogram bucket.
type Bucket struct {
	UpperBound float64
	Count      uint64
}

// Row is a point-in-time copy of one series.
type Row struct {
	Target string
	Kind   config.Kind

	// Buckets, Count and Sum describe successful latencies in milliseconds.
	// Counts beyond the last bound are only reflected in Count.
	Buckets []Bucket
	Count   uint64
	Sum     float64

	LastLatency time.Duration
	HasLatency  bool
	Timeouts    uint64
	Errors      map[string]uint64

	LastStatus          probe.Status
	ConsecutiveFailures int
	Health              Health
	History             []time.Duration
}

// Key returns the series key of r.
func (r Row) Key() Key {
	return Key{Target: r.Target, Kind: r.Kind}
}

// Mean returns the average successful latency.
func (r Row) Mean() time.Duration {
	if r.Count == 0 {
		return 0
	}
	return time.Duration(r.Sum / float64(r.Count) * float64(time.Millisecond))
}

// RecentMean averages the latencies kept in History.
func (r Row) RecentMean() time.Duration {
	return recentAverage(r.History, len(r.History))
}

// ErrorTotal sums errors across reasons.
func (r Row) ErrorTotal() uint64 {
	var total uint64
	for _, n := range r.Errors {
		total += n
	}
	return total
}

// Recorder accepts probe outcomes.
type Recorder interface {
	Record(outcome probe.Outcome)
}

// Reader exposes aggregated rows.
type Reader interface {
	Snapshot() []Row
	Series(key Key) (Row, bool)
}
