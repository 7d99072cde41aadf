package runner

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Watchdog self-kills the process when the engine loop stops ticking.
// The engine calls Tick from its main loop; a dedicated goroutine checks
// the heartbeat every interval and terminates the process (exit 1) once
// the gap exceeds the timeout. Self-kill is intended behavior: an external
// orchestrator restarts the process from a clean state.
type Watchdog struct {
	interval time.Duration
	timeout  time.Duration
	lastTick atomic.Int64 // unix nanos
	logger   *slog.Logger
	exit     func(code int)
}

// NewWatchdog creates a watchdog with the given check interval and stall
// timeout (defaults: 5s / 30s).
func NewWatchdog(interval, timeout time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	w := &Watchdog{
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "watchdog"),
		exit:     os.Exit,
	}
	w.lastTick.Store(time.Now().UnixNano())
	return w
}

// Tick records a heartbeat. Safe to call from any goroutine.
func (w *Watchdog) Tick() {
	w.lastTick.Store(time.Now().UnixNano())
}

// Run blocks until ctx is cancelled, checking the heartbeat every interval.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.stalled(time.Now()) {
				w.logger.Error("event loop stalled, terminating",
					"timeout", w.timeout,
					"last_tick", time.Unix(0, w.lastTick.Load()),
				)
				w.exit(1)
				return nil
			}
		}
	}
}

func (w *Watchdog) stalled(now time.Time) bool {
	return now.UnixNano()-w.lastTick.Load() > int64(w.timeout)
}
