package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"tradekernel/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSupervisor(opts Options) *Supervisor {
	return New(context.Background(), opts, metrics.New(), testLogger())
}

func TestTaskRestartsOnError(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(Options{})

	var runs atomic.Int32
	done := make(chan struct{})
	s.Spawn("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task was not restarted to completion")
	}
	if runs.Load() != 3 {
		t.Errorf("runs = %d, want 3", runs.Load())
	}
}

func TestTaskRestartsOnPanic(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(Options{})

	var runs atomic.Int32
	done := make(chan struct{})
	s.Spawn("panicky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("panicking task was not restarted")
	}
}

func TestCleanReturnNotRestarted(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(Options{})

	var runs atomic.Int32
	s.Spawn("oneshot", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	time.Sleep(100 * time.Millisecond)
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1 (nil return means done)", runs.Load())
	}
}

func TestShutdownCancelsTasks(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(Options{ShutdownDeadline: 5 * time.Second})

	stopped := make(chan struct{})
	s.Spawn("loop", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	})

	s.Shutdown()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
}

func TestShutdownForceExitsOnDeadline(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(Options{ShutdownDeadline: 50 * time.Millisecond})

	var code atomic.Int32
	exited := make(chan struct{})
	s.exit = func(c int) {
		code.Store(int32(c))
		close(exited)
	}

	release := make(chan struct{})
	s.Spawn("stuck", func(ctx context.Context) error {
		<-release // ignores cancellation
		return nil
	})

	go s.Shutdown()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("overstaying task did not force-exit")
	}
	if code.Load() != 1 {
		t.Errorf("exit code = %d, want 1", code.Load())
	}
	close(release)
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()
	base := time.Second
	for i := 0; i < 100; i++ {
		d := jitter(base)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jitter(%v) = %v, outside ±20%%", base, d)
		}
	}
}

func TestWatchdogStallDetection(t *testing.T) {
	t.Parallel()
	w := NewWatchdog(time.Second, 30*time.Second, testLogger())

	now := time.Now()
	if w.stalled(now) {
		t.Error("fresh watchdog must not be stalled")
	}
	if !w.stalled(now.Add(31 * time.Second)) {
		t.Error("31s without a tick must stall a 30s watchdog")
	}

	w.Tick()
	if w.stalled(time.Now().Add(29 * time.Second)) {
		t.Error("tick must reset the stall clock")
	}
}

func TestWatchdogExitsOnStall(t *testing.T) {
	t.Parallel()
	w := NewWatchdog(10*time.Millisecond, 20*time.Millisecond, testLogger())

	exited := make(chan int, 1)
	w.exit = func(c int) { exited <- c }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	select {
	case c := <-exited:
		if c != 1 {
			t.Errorf("exit code = %d, want 1", c)
		}
	case <-time.After(time.Second):
		t.Fatal("stalled watchdog never exited")
	}
}
