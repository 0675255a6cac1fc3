package config

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherReloadPublishesChanges(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	src := NewSource(nil)
	w := NewWatcher(FileLoader{Path: path}, src, CLIOverrides{}, time.Second, nil)

	var observed int32
	w.OnFile = func(*File) { atomic.AddInt32(&observed, 1) }

	changed, err := w.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("expected first reload to publish, changed=%v err=%v", changed, err)
	}
	first := src.Load()
	if len(first.Targets) != 4 {
		t.Fatalf("expected 4 targets, got %d", len(first.Targets))
	}

	changed, err = w.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("expected unchanged reload, changed=%v err=%v", changed, err)
	}
	if src.Load() != first {
		t.Fatalf("unchanged reload must not swap the snapshot")
	}

	superset := `{"probe_interval_ms": 1000, "default_timeout_ms": 500, "targets": [
		{"name": "gw", "kind": "icmp", "host": "192.0.2.1"},
		{"name": "gw2", "kind": "icmp", "host": "192.0.2.2"}]}`
	if err := os.WriteFile(path, []byte(superset), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	changed, err = w.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("expected changed reload, changed=%v err=%v", changed, err)
	}
	if len(src.Load().Targets) != 2 {
		t.Fatalf("expected new snapshot with 2 targets")
	}
	if atomic.LoadInt32(&observed) != 2 {
		t.Fatalf("expected OnFile called twice, got %d", observed)
	}
}

func TestWatcherInvalidReloadKeepsPrevious(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	src := NewSource(nil)
	w := NewWatcher(FileLoader{Path: path}, src, CLIOverrides{}, time.Second, nil)
	if _, err := w.Reload(context.Background()); err != nil {
		t.Fatalf("initial reload: %v", err)
	}
	good := src.Load()

	if err := os.WriteFile(path, []byte(`{"probe_interval_ms": 0, "default_timeout_ms": 100, "targets": []}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	_, err := w.Reload(context.Background())
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if src.Load() != good {
		t.Fatalf("invalid reload replaced the snapshot")
	}
	if src.Rejected() != 1 {
		t.Fatalf("expected one rejection, got %d", src.Rejected())
	}

	// The same invalid document is not re-evaluated on every poll.
	if _, err := w.Reload(context.Background()); err != nil {
		t.Fatalf("expected silent skip of identical invalid document, got %v", err)
	}
	if src.Rejected() != 1 {
		t.Fatalf("expected rejection count to stay at 1, got %d", src.Rejected())
	}
}

func TestWatcherMalformedDocument(t *testing.T) {
	path := writeTempConfig(t, `{"probe_interval_ms": `)
	src := NewSource(nil)
	w := NewWatcher(FileLoader{Path: path}, src, CLIOverrides{}, time.Second, nil)
	if _, err := w.Reload(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
	if src.Load() != nil {
		t.Fatalf("malformed document must not produce a snapshot")
	}
	if src.Rejected() != 1 {
		t.Fatalf("expected decode failure to count as a rejection, got %d", src.Rejected())
	}
}

func TestWatcherCountsEveryRefusedDocument(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	src := NewSource(nil)
	w := NewWatcher(FileLoader{Path: path}, src, CLIOverrides{}, time.Second, nil)
	if _, err := w.Reload(context.Background()); err != nil {
		t.Fatalf("initial reload: %v", err)
	}
	good := src.Load()

	docs := []string{
		`{"probe_interval_ms": 1000, "default_timeout_ms": `,
		`{"probe_interval_ms": 1000, "default_timeout_ms": 100, "targets": [{"name": "x", "kind": "smtp", "host": "h"}]}`,
		`{"probe_interval_ms": 1000, "default_timeout_ms": 100, "timeout_overrides_ms": {"bogus": 10}}`,
		`{"probe_interval_ms": 10000000000000, "default_timeout_ms": 100}`,
		`{"probe_interval_ms": 0, "default_timeout_ms": 100}`,
	}
	for i, doc := range docs {
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("rewrite config: %v", err)
		}
		_, err := w.Reload(context.Background())
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("doc %d: expected ErrInvalid, got %v", i, err)
		}
		if src.Load() != good {
			t.Fatalf("doc %d: refused document replaced the snapshot", i)
		}
		if got := src.Rejected(); got != uint64(i+1) {
			t.Fatalf("doc %d: expected %d rejections, got %d", i, i+1, got)
		}
	}
}

func TestWatcherRunStopsOnCancel(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	w := NewWatcher(FileLoader{Path: path}, NewSource(nil), CLIOverrides{}, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not stop")
	}
}

func TestWatcherRunRejectsZeroInterval(t *testing.T) {
	w := NewWatcher(FileLoader{Path: "x"}, NewSource(nil), CLIOverrides{}, 0, nil)
	if err := w.Run(context.Background()); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}
