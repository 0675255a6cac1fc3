package config

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the probing protocol for a target.
type Kind int

const (
	KindICMP Kind = iota + 1
	KindTCPConnect
	KindHTTP
	KindUDPEcho
)

// Kinds lists every supported kind in display order.
var Kinds = []Kind{KindICMP, KindTCPConnect, KindHTTP, KindUDPEcho}

// String returns the label used in config files and metrics.
func (k Kind) String() string {
	switch k {
	case KindICMP:
		return "icmp"
	case KindTCPConnect:
		return "tcp_connect"
	case KindHTTP:
		return "http"
	case KindUDPEcho:
		return "echo"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	return k >= KindICMP && k <= KindUDPEcho
}

// ParseKind accepts the canonical labels and a few common spellings.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "icmp", "ping":
		return KindICMP, nil
	case "tcp_connect", "tcpconnect", "tcp":
		return KindTCPConnect, nil
	case "http", "https":
		return KindHTTP, nil
	case "echo", "udp_echo", "udp":
		return KindUDPEcho, nil
	default:
		return 0, fmt.Errorf("unknown probe kind: %q", value)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown probe kind: %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Target identifies one thing to probe. Port 0 means no port was given.
type Target struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	Host string `json:"host"`
	Port uint16 `json:"port,omitempty"`
}

// Snapshot is the complete probing plan the scheduler works from.
// A published snapshot must never be modified; reloads build a new one.
type Snapshot struct {
	Targets        []Target
	Interval       time.Duration
	DefaultTimeout time.Duration
	KindTimeouts   map[Kind]time.Duration
	JitterFraction float64
}

// NewSnapshot copies its inputs so callers cannot mutate the result afterwards.
func NewSnapshot(targets []Target, interval, defaultTimeout time.Duration, kindTimeouts map[Kind]time.Duration, jitter float64) *Snapshot {
	s := &Snapshot{
		Targets:        append([]Target(nil), targets...),
		Interval:       interval,
		DefaultTimeout: defaultTimeout,
		KindTimeouts:   make(map[Kind]time.Duration, len(kindTimeouts)),
		JitterFraction: jitter,
	}
	for k, v := range kindTimeouts {
		s.KindTimeouts[k] = v
	}
	return s
}

// TimeoutFor returns the per-kind override, or the default timeout.
func (s *Snapshot) TimeoutFor(kind Kind) time.Duration {
	if d, ok := s.KindTimeouts[kind]; ok && d > 0 {
		return d
	}
	return s.DefaultTimeout
}

// CLIOverrides holds optional CLI values that override config file values.
type CLIOverrides struct {
	Interval *time.Duration
	Timeout  *time.Duration
	Jitter   *float64
	LogLevel *string

	LatencyHistory *bool
}
