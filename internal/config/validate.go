package config

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrInvalid marks a snapshot that must not be scheduled against.
var ErrInvalid = errors.New("invalid snapshot")

// Validate checks timing parameters and targets. All problems are reported
// together, wrapped in ErrInvalid.
func Validate(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalid)
	}

	var errs error
	if s.Interval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("interval must be positive, got %v", s.Interval))
	}
	if s.DefaultTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("default timeout must be positive, got %v", s.DefaultTimeout))
	} else if s.Interval > 0 && s.DefaultTimeout >= s.Interval {
		errs = multierr.Append(errs, fmt.Errorf("default timeout %v must be shorter than interval %v", s.DefaultTimeout, s.Interval))
	}
	for kind, d := range s.KindTimeouts {
		if !kind.Valid() {
			errs = multierr.Append(errs, fmt.Errorf("timeout override for unknown kind %d", int(kind)))
			continue
		}
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s timeout must be positive, got %v", kind, d))
		} else if s.Interval > 0 && d >= s.Interval {
			errs = multierr.Append(errs, fmt.Errorf("%s timeout %v must be shorter than interval %v", kind, d, s.Interval))
		}
	}
	if s.JitterFraction < 0 || s.JitterFraction >= 1 {
		errs = multierr.Append(errs, fmt.Errorf("jitter fraction must be in [0, 1), got %v", s.JitterFraction))
	}

	type key struct {
		name string
		kind Kind
	}
	seen := make(map[key]struct{}, len(s.Targets))
	for i, tgt := range s.Targets {
		if err := validateTarget(tgt); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("targets[%d]: %w", i, err))
			continue
		}
		k := key{tgt.Name, tgt.Kind}
		if _, dup := seen[k]; dup {
			errs = multierr.Append(errs, fmt.Errorf("targets[%d]: duplicate target %q for kind %s", i, tgt.Name, tgt.Kind))
		}
		seen[k] = struct{}{}
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}

func validateTarget(t Target) error {
	var errs error
	if t.Name == "" {
		errs = multierr.Append(errs, errors.New("name is required"))
	}
	if t.Host == "" {
		errs = multierr.Append(errs, errors.New("host is required"))
	}
	if !t.Kind.Valid() {
		errs = multierr.Append(errs, fmt.Errorf("unknown kind %d", int(t.Kind)))
	}
	if (t.Kind == KindTCPConnect || t.Kind == KindUDPEcho) && t.Port == 0 {
		errs = multierr.Append(errs, fmt.Errorf("port is required for %s", t.Kind))
	}
	return errs
}
