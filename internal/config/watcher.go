package config

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/doridoridoriand/latency-probe/internal/log"
)

// Watcher reloads the config document on a fixed cadence and publishes a new
// snapshot whenever its content changes.
type Watcher struct {
	mu        sync.Mutex
	loader    Loader
	parser    Parser
	source    *Source
	logger    *log.Logger
	overrides CLIOverrides
	every     time.Duration
	last      []byte

	// OnFile, when set, observes every adopted document.
	OnFile func(*File)
}

// NewWatcher wires a loader to a source.
func NewWatcher(loader Loader, source *Source, overrides CLIOverrides, every time.Duration, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Watcher{
		loader:    loader,
		parser:    JSONParser{},
		source:    source,
		logger:    logger,
		overrides: overrides,
		every:     every,
	}
}

// Reload fetches the document once. It returns changed=false when the
// content is identical to the last adopted or rejected document.
func (w *Watcher) Reload(ctx context.Context) (changed bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := w.loader.Load(ctx)
	if err != nil {
		w.logger.LogConfigLoad(false, w.loader.Describe(), err)
		return false, err
	}
	if w.last != nil && bytes.Equal(data, w.last) {
		return false, nil
	}
	w.last = append([]byte(nil), data...)

	file, err := w.parser.Parse(data, w.overrides)
	if err != nil {
		return false, w.source.Reject(err)
	}
	snap, err := file.Snapshot()
	if err != nil {
		return false, w.source.Reject(err)
	}
	if err := w.source.Publish(snap); err != nil {
		return false, err
	}
	w.logger.LogConfigLoad(true, w.loader.Describe(), nil)
	if w.OnFile != nil {
		w.OnFile(file)
	}
	return true, nil
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if w.every <= 0 {
		return fmt.Errorf("invalid reload interval: %v", w.every)
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", w.every), func() {
		if _, err := w.Reload(ctx); err != nil && ctx.Err() == nil {
			w.logger.Debug("config reload skipped", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule config reload: %w", err)
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
