package config

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/doridoridoriand/latency-probe/internal/log"
)

// Source holds the snapshot currently in effect. Loads never block; Publish
// swaps in a fully validated snapshot or keeps the previous one.
type Source struct {
	current  atomic.Pointer[Snapshot]
	rejected atomic.Uint64
	logger   *log.Logger
}

// NewSource returns an empty source. Load returns nil until the first
// successful Publish.
func NewSource(logger *log.Logger) *Source {
	if logger == nil {
		logger = log.Nop()
	}
	return &Source{logger: logger}
}

// Load returns the snapshot in effect, or nil if none was adopted yet.
func (s *Source) Load() *Snapshot {
	return s.current.Load()
}

// Publish validates snap and makes it current. An invalid snapshot is
// discarded, counted and logged; the previous snapshot stays authoritative.
func (s *Source) Publish(snap *Snapshot) error {
	if err := Validate(snap); err != nil {
		return s.Reject(err)
	}
	s.current.Store(snap)
	s.logger.LogSnapshotAdopted(len(snap.Targets), snap.Interval, snap.DefaultTimeout)
	return nil
}

// Reject counts and logs a document that could not become a snapshot, such
// as one that failed to decode. The returned error wraps ErrInvalid.
func (s *Source) Reject(err error) error {
	if !errors.Is(err, ErrInvalid) {
		err = fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	s.rejected.Add(1)
	s.logger.LogConfigRejected(err)
	return err
}

// Rejected returns how many documents have been refused.
func (s *Source) Rejected() uint64 {
	return s.rejected.Load()
}
