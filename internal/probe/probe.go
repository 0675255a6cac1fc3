package probe

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/doridoridoriand/latency-probe/internal/clock"
	"github.com/doridoridoriand/latency-probe/internal/config"
)

// Status classifies a probe attempt.
type Status int

const (
	StatusSuccess Status = iota
	StatusTimeout
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Reason is a coarse tag for StatusError outcomes.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonDNS         Reason = "dns"
	ReasonRefused     Reason = "refused"
	ReasonUnreachable Reason = "unreachable"
	ReasonReset       Reason = "reset"
	ReasonMismatch    Reason = "mismatch"
	ReasonMalformed   Reason = "malformed"
	ReasonHTTPStatus  Reason = "http_status"
	ReasonPermission  Reason = "permission"
	ReasonAborted     Reason = "aborted"
	ReasonOther       Reason = "other"
)

// Outcome captures a single measurement. Target and Kind are filled in by
// the caller; probers only know host and port.
type Outcome struct {
	Target  string
	Kind    config.Kind
	Status  Status
	Elapsed time.Duration
	Reason  Reason
	Err     error
}

// Prober runs one timed measurement against host:port.
// Implementations must return within timeout plus a small overhead and must
// release every socket they opened, whatever the outcome.
type Prober interface {
	Probe(ctx context.Context, host string, port uint16, timeout time.Duration) Outcome
}

// Registry maps each kind to its prober. It is a closed set.
type Registry struct {
	ICMP Prober
	TCP  Prober
	HTTP Prober
	UDP  Prober
}

// NewRegistry returns the default probers. ICMP tries raw sockets first and
// falls back to unprivileged datagram ICMP when raw sockets are not permitted.
func NewRegistry(c clock.Clock) *Registry {
	return &Registry{
		ICMP: NewFallbackProber(NewICMPProber(c, true), NewICMPProber(c, false)),
		TCP:  NewTCPProber(c),
		HTTP: NewHTTPProber(c),
		UDP:  NewUDPProber(c),
	}
}

// For returns the prober for kind.
func (r *Registry) For(kind config.Kind) (Prober, bool) {
	var p Prober
	switch kind {
	case config.KindICMP:
		p = r.ICMP
	case config.KindTCPConnect:
		p = r.TCP
	case config.KindHTTP:
		p = r.HTTP
	case config.KindUDPEcho:
		p = r.UDP
	}
	return p, p != nil
}

func success(elapsed time.Duration) Outcome {
	return Outcome{Status: StatusSuccess, Elapsed: elapsed}
}

func failure(elapsed time.Duration, reason Reason, err error) Outcome {
	return Outcome{Status: StatusError, Elapsed: elapsed, Reason: reason, Err: err}
}

// fromError converts a network error into an outcome. ctx must be the
// probe's own deadline-bound context.
func fromError(ctx context.Context, elapsed time.Duration, err error) Outcome {
	status, reason := classify(ctx, err)
	return Outcome{Status: status, Elapsed: elapsed, Reason: reason, Err: err}
}

func classify(ctx context.Context, err error) (Status, Reason) {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return StatusTimeout, ReasonNone
	case context.Canceled:
		return StatusError, ReasonAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout, ReasonNone
	}
	if errors.Is(err, context.Canceled) {
		return StatusError, ReasonAborted
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return StatusError, ReasonDNS
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return StatusError, ReasonRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return StatusError, ReasonReset
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTDOWN):
		return StatusError, ReasonUnreachable
	case isPermissionError(err):
		return StatusError, ReasonPermission
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimeout, ReasonNone
	}
	return StatusError, ReasonOther
}

func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "permission denied")
}

// withDeadline bounds ctx by timeout. A non-positive timeout leaves only the
// parent's deadline in effect.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// closeOnDone closes c as soon as ctx ends so blocked reads return at once.
func closeOnDone(ctx context.Context, c interface{ Close() error }) (stop func() bool) {
	return context.AfterFunc(ctx, func() { _ = c.Close() })
}
