package clock

import (
	"errors"
	"time"
)

// ErrUnavailable is returned when no monotonic time source can be read.
var ErrUnavailable = errors.New("monotonic clock unavailable")

// Instant is a point on the monotonic time line, in nanoseconds since an
// unspecified origin. Instants are only comparable with each other.
type Instant int64

// Sub returns the duration i-earlier.
func (i Instant) Sub(earlier Instant) time.Duration {
	return time.Duration(i - earlier)
}

// Add returns the instant d after i.
func (i Instant) Add(d time.Duration) Instant {
	return i + Instant(d)
}

// Before reports whether i is earlier than other.
func (i Instant) Before(other Instant) bool {
	return i < other
}

// Clock supplies monotonic instants.
type Clock interface {
	Now() Instant
}

// Monotonic reads a clock that is not affected by wall-clock steps.
type Monotonic struct {
	read func() (Instant, error)
}

// New verifies the platform clock can be read and returns it.
func New() (*Monotonic, error) {
	return newMonotonic(platformNow)
}

func newMonotonic(read func() (Instant, error)) (*Monotonic, error) {
	m := &Monotonic{read: read}
	if _, err := m.read(); err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	return m, nil
}

// Now returns the current instant. A read failure after New succeeded is not
// expected; the last good reading is never needed, so it panics instead.
func (m *Monotonic) Now() Instant {
	now, err := m.read()
	if err != nil {
		panic(err)
	}
	return now
}

// Since returns the time elapsed since start, never negative.
func Since(c Clock, start Instant) time.Duration {
	d := c.Now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}
