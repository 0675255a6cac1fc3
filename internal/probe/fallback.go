package probe

import (
	"context"
	"sync/atomic"
	"time"
)

// FallbackProber delegates to primary, then secondary when permission errors occur.
// Once the primary has been denied, later probes go straight to the secondary.
type FallbackProber struct {
	primary   Prober
	secondary Prober
	denied    atomic.Bool
}

// NewFallbackProber wraps primary with a secondary fallback.
func NewFallbackProber(primary, secondary Prober) *FallbackProber {
	return &FallbackProber{primary: primary, secondary: secondary}
}

// Probe uses the primary prober and falls back on permission-related errors.
func (p *FallbackProber) Probe(ctx context.Context, host string, port uint16, timeout time.Duration) Outcome {
	if p.denied.Load() {
		return p.secondary.Probe(ctx, host, port, timeout)
	}
	outcome := p.primary.Probe(ctx, host, port, timeout)
	if outcome.Reason != ReasonPermission {
		return outcome
	}
	p.denied.Store(true)
	return p.secondary.Probe(ctx, host, port, timeout)
}
