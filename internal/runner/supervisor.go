// Package runner supervises the kernel's long-lived tasks (WS stream,
// depeg tick, digest, fee sweep, model watcher, health notifier) and hosts
// the watchdog that self-kills the process on event-loop stalls.
//
// A task that returns an error is restarted with jittered backoff
// (500ms, 1s, then held at 2s). A task that returns nil is considered
// done and is not restarted. Shutdown cancels every task, waits up to a
// global deadline, and force-exits if any task overstays.
package runner

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"tradekernel/internal/metrics"
)

// Task is a long-running cooperative function. It must return promptly
// once ctx is cancelled.
type Task func(ctx context.Context) error

// Options tunes supervision timing.
type Options struct {
	TaskGrace        time.Duration // per-task wait after cancel
	ShutdownDeadline time.Duration // global wait before force-exit
}

// Supervisor owns the lifecycle of all named background tasks.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	met    *metrics.Set

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// exit is swappable so tests don't kill the test process.
	exit func(code int)
}

// New creates a supervisor rooted at parent.
func New(parent context.Context, opts Options, met *metrics.Set, logger *slog.Logger) *Supervisor {
	if opts.TaskGrace <= 0 {
		opts.TaskGrace = 5 * time.Second
	}
	if opts.ShutdownDeadline <= 0 {
		opts.ShutdownDeadline = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		opts:   opts,
		logger: logger.With("component", "runner"),
		met:    met,
		ctx:    ctx,
		cancel: cancel,
		exit:   os.Exit,
	}
}

// Spawn starts a named task under supervision.
func (s *Supervisor) Spawn(name string, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(name, task)
	}()
}

// run executes the task, restarting on error with jittered backoff.
func (s *Supervisor) run(name string, task Task) {
	backoff := 500 * time.Millisecond
	const backoffMax = 2 * time.Second

	for {
		err := s.invoke(name, task)
		if s.ctx.Err() != nil {
			return
		}
		if err == nil {
			s.logger.Info("task finished", "task", name)
			return
		}

		s.met.TaskRestarts.WithLabelValues(name).Inc()
		wait := jitter(backoff)
		s.logger.Error("task failed, restarting", "task", name, "error", err, "backoff", wait)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// invoke runs one task iteration, converting panics into restarts.
func (s *Supervisor) invoke(name string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task", name, "panic", r)
			err = &panicError{name: name}
		}
	}()
	return task(s.ctx)
}

// Shutdown cancels all tasks and waits for them. If any task exceeds the
// global deadline the process is force-terminated with exit code 1 so an
// external orchestrator restarts cleanly.
func (s *Supervisor) Shutdown() {
	s.logger.Info("shutting down tasks")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all tasks stopped")
	case <-time.After(s.opts.ShutdownDeadline):
		s.logger.Error("tasks exceeded shutdown deadline, force-terminating")
		s.exit(1)
	}
}

// Context returns the supervision root context.
func (s *Supervisor) Context() context.Context { return s.ctx }

type panicError struct{ name string }

func (e *panicError) Error() string { return "task panic: " + e.name }

// jitter spreads a backoff ±20% so restarting tasks don't thunder together.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
