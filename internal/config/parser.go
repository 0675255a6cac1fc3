package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/goccy/go-json"
)

// maxMillis is the largest millisecond count a time.Duration can hold.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

const (
	defaultLogLevel       = "info"
	defaultJitterFraction = 0.0
)

// File mirrors the JSON configuration document.
type File struct {
	ProbeIntervalMS      int64            `json:"probe_interval_ms"`
	DefaultTimeoutMS     int64            `json:"default_timeout_ms"`
	TimeoutOverridesMS   map[string]int64 `json:"timeout_overrides_ms,omitempty"`
	JitterFraction       *float64         `json:"jitter_fraction,omitempty"`
	Targets              []Target         `json:"targets"`
	LogLevel             string           `json:"log_level,omitempty"`
	EnableLatencyHistory *bool            `json:"enable_latency_history,omitempty"`
}

// Parser defines config parsing behavior.
type Parser interface {
	LoadConfig(path string, overrides CLIOverrides) (*File, error)
	Parse(data []byte, overrides CLIOverrides) (*File, error)
}

// JSONParser implements the Parser interface for targets.json style documents.
type JSONParser struct{}

// LoadConfig reads and parses a config file with CLI overrides applied.
func (p JSONParser) LoadConfig(path string, overrides CLIOverrides) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return p.Parse(data, overrides)
}

// Parse decodes a config document and applies defaults and overrides.
// Unknown keys are ignored for forward compatibility.
func (p JSONParser) Parse(data []byte, overrides CLIOverrides) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if f.LogLevel == "" {
		f.LogLevel = defaultLogLevel
	}
	if f.EnableLatencyHistory == nil {
		enabled := true
		f.EnableLatencyHistory = &enabled
	}
	applyCLIOverrides(&f, overrides)
	return &f, nil
}

// LatencyHistory reports whether the latency histogram should be exported.
func (f *File) LatencyHistory() bool {
	return f.EnableLatencyHistory == nil || *f.EnableLatencyHistory
}

// Snapshot converts the document into a scheduler snapshot. The result is not
// validated here; Source.Publish does that.
func (f *File) Snapshot() (*Snapshot, error) {
	interval, err := millis("probe_interval_ms", f.ProbeIntervalMS)
	if err != nil {
		return nil, err
	}
	timeout, err := millis("default_timeout_ms", f.DefaultTimeoutMS)
	if err != nil {
		return nil, err
	}
	overrides := make(map[Kind]time.Duration, len(f.TimeoutOverridesMS))
	for name, ms := range f.TimeoutOverridesMS {
		kind, err := ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("timeout_overrides_ms: %w", err)
		}
		d, err := millis("timeout_overrides_ms."+name, ms)
		if err != nil {
			return nil, err
		}
		overrides[kind] = d
	}
	jitter := defaultJitterFraction
	if f.JitterFraction != nil {
		jitter = *f.JitterFraction
	}
	return NewSnapshot(f.Targets, interval, timeout, overrides, jitter), nil
}

func millis(field string, ms int64) (time.Duration, error) {
	if ms > maxMillis || ms < -maxMillis {
		return 0, fmt.Errorf("%s: %d is out of range (max %d)", field, ms, maxMillis)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func applyCLIOverrides(f *File, overrides CLIOverrides) {
	if overrides.Interval != nil {
		f.ProbeIntervalMS = overrides.Interval.Milliseconds()
	}
	if overrides.Timeout != nil {
		f.DefaultTimeoutMS = overrides.Timeout.Milliseconds()
	}
	if overrides.Jitter != nil {
		v := *overrides.Jitter
		f.JitterFraction = &v
	}
	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		f.LogLevel = *overrides.LogLevel
	}
	if overrides.LatencyHistory != nil {
		v := *overrides.LatencyHistory
		f.EnableLatencyHistory = &v
	}
}
