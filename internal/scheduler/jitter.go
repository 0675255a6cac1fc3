package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/doridoridoriand/latency-probe/internal/config"
)

// Jitter returns a start offset for target within the cycle. It depends only
// on the target's name and kind, so a target keeps its slot across cycles,
// and it is always below fraction*interval.
func Jitter(target config.Target, interval time.Duration, fraction float64) time.Duration {
	window := time.Duration(fraction * float64(interval))
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(target.Name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(target.Kind.String()))
	return time.Duration(h.Sum64() % uint64(window))
}
