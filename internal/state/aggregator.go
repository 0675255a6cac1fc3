package state

import (
	"sort"
	"sync"
	"time"

	"github.com/doridoridoriand/latency-probe/internal/probe"
)

const (
	defaultHistorySize   = 100
	defaultDownThreshold = 3
)

// Aggregator keeps one series per (target, kind). Series are created on the
// first outcome and never evicted. Record may be called from any number of
// goroutines.
type Aggregator struct {
	series        sync.Map // Key -> *series
	bounds        []float64
	historySize   int
	downThreshold int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBuckets replaces the histogram bounds. bounds must be ascending.
func WithBuckets(bounds []float64) Option {
	return func(a *Aggregator) {
		a.bounds = append([]float64(nil), bounds...)
	}
}

// WithHistorySize sets how many recent latencies each series keeps.
func WithHistorySize(n int) Option {
	return func(a *Aggregator) {
		a.historySize = n
	}
}

// NewAggregator returns an empty aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		bounds:        append([]float64(nil), DefaultBuckets...),
		historySize:   defaultHistorySize,
		downThreshold: defaultDownThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type series struct {
	mu sync.Mutex

	key      Key
	buckets  []uint64 // per bucket, not cumulative
	count    uint64
	sum      float64
	last     time.Duration
	hasLast  bool
	timeouts uint64
	errors   map[string]uint64

	lastStatus          probe.Status
	consecutiveFailures int
	seen                bool
	history             []time.Duration
}

// Record folds one outcome into its series.
func (a *Aggregator) Record(outcome probe.Outcome) {
	s := a.lookup(Key{Target: outcome.Target, Kind: outcome.Kind})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen = true
	s.lastStatus = outcome.Status
	switch outcome.Status {
	case probe.StatusSuccess:
		ms := float64(outcome.Elapsed) / float64(time.Millisecond)
		if i := sort.SearchFloat64s(a.bounds, ms); i < len(a.bounds) {
			s.buckets[i]++
		}
		s.count++
		s.sum += ms
		s.last = outcome.Elapsed
		s.hasLast = true
		s.consecutiveFailures = 0
		a.appendHistory(s, outcome.Elapsed)
	case probe.StatusTimeout:
		s.timeouts++
		s.consecutiveFailures++
	default:
		reason := string(outcome.Reason)
		if reason == "" {
			reason = string(probe.ReasonOther)
		}
		s.errors[reason]++
		s.consecutiveFailures++
	}
}

func (a *Aggregator) lookup(key Key) *series {
	if v, ok := a.series.Load(key); ok {
		return v.(*series)
	}
	v, _ := a.series.LoadOrStore(key, &series{
		key:     key,
		buckets: make([]uint64, len(a.bounds)),
		errors:  make(map[string]uint64),
	})
	return v.(*series)
}

func (a *Aggregator) appendHistory(s *series, latency time.Duration) {
	if a.historySize <= 0 {
		return
	}
	if len(s.history) < a.historySize {
		s.history = append(s.history, latency)
		return
	}
	copy(s.history, s.history[1:])
	s.history[len(s.history)-1] = latency
}

// Snapshot returns a copy of every series sorted by target, then kind.
func (a *Aggregator) Snapshot() []Row {
	var rows []Row
	a.series.Range(func(_, v any) bool {
		rows = append(rows, a.row(v.(*series)))
		return true
	})
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Target != rows[j].Target {
			return rows[i].Target < rows[j].Target
		}
		return rows[i].Kind < rows[j].Kind
	})
	return rows
}

// Series returns a copy of a single series.
func (a *Aggregator) Series(key Key) (Row, bool) {
	v, ok := a.series.Load(key)
	if !ok {
		return Row{}, false
	}
	return a.row(v.(*series)), true
}

// Len reports the number of series.
func (a *Aggregator) Len() int {
	n := 0
	a.series.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (a *Aggregator) row(s *series) Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := Row{
		Target:              s.key.Target,
		Kind:                s.key.Kind,
		Buckets:             make([]Bucket, len(a.bounds)),
		Count:               s.count,
		Sum:                 s.sum,
		LastLatency:         s.last,
		HasLatency:          s.hasLast,
		Timeouts:            s.timeouts,
		Errors:              make(map[string]uint64, len(s.errors)),
		LastStatus:          s.lastStatus,
		ConsecutiveFailures: s.consecutiveFailures,
		Health:              a.health(s),
	}
	var cumulative uint64
	for i, bound := range a.bounds {
		cumulative += s.buckets[i]
		row.Buckets[i] = Bucket{UpperBound: bound, Count: cumulative}
	}
	for reason, n := range s.errors {
		row.Errors[reason] = n
	}
	if len(s.history) > 0 {
		row.History = append([]time.Duration(nil), s.history...)
	}
	return row
}

func (a *Aggregator) health(s *series) Health {
	switch {
	case !s.seen:
		return HealthUnknown
	case s.consecutiveFailures == 0:
		return HealthOK
	case s.consecutiveFailures >= a.downThreshold:
		return HealthDown
	default:
		return HealthWarn
	}
}

// recentAverage averages the last count entries of history.
func recentAverage(history []time.Duration, count int) time.Duration {
	if len(history) == 0 || count <= 0 {
		return 0
	}
	start := len(history) - count
	if start < 0 {
		start = 0
	}
	var sum time.Duration
	for _, d := range history[start:] {
		sum += d
	}
	return sum / time.Duration(len(history)-start)
}
