// Package watch polls model artifact files for promotions. The first
// observation seeds the mtime baseline without firing; any later mtime
// past the baseline fires model.promoted with the newest paths. Missing
// files are silently skipped so the watcher can run before the first
// training cycle completes.
package watch

import (
	"context"
	"log/slog"
	"os"
	"time"

	"tradekernel/internal/bus"
)

// Promotion is the payload fired on model.promoted.
type Promotion struct {
	Paths []string  `json:"paths"`
	MTime time.Time `json:"mtime"`
}

// ModelWatcher polls a fixed path set for newer mtimes.
type ModelWatcher struct {
	paths    []string
	interval time.Duration
	bus      *bus.Bus
	logger   *slog.Logger

	baseline time.Time
	seeded   bool
}

// NewModelWatcher creates a watcher (default poll interval 5s).
func NewModelWatcher(paths []string, interval time.Duration, b *bus.Bus, logger *slog.Logger) *ModelWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ModelWatcher{
		paths:    paths,
		interval: interval,
		bus:      b,
		logger:   logger.With("component", "model_watch"),
	}
}

// Run polls until ctx is cancelled.
func (w *ModelWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll performs one scan. Exported behavior is tested through Poll.
func (w *ModelWatcher) poll() {
	var newest time.Time
	var newestPaths []string

	for _, p := range w.paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		mt := info.ModTime()
		switch {
		case mt.After(newest):
			newest = mt
			newestPaths = []string{p}
		case mt.Equal(newest):
			newestPaths = append(newestPaths, p)
		}
	}
	if newest.IsZero() {
		return
	}

	if !w.seeded {
		w.seeded = true
		w.baseline = newest
		w.logger.Debug("model watch baseline", "mtime", newest)
		return
	}

	if newest.After(w.baseline) {
		w.baseline = newest
		w.logger.Info("model promoted", "paths", newestPaths, "mtime", newest)
		w.bus.Fire(bus.TopicModelPromoted, Promotion{Paths: newestPaths, MTime: newest})
	}
}

// Poll exposes one scan cycle for tests and manual triggers.
func (w *ModelWatcher) Poll() { w.poll() }
