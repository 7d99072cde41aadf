package stream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"tradekernel/internal/bus"
	"tradekernel/internal/health"
	"tradekernel/internal/metrics"
	"tradekernel/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStream struct {
	ch     chan types.OrderUpdate
	closed atomic.Bool
}

func (s *fakeStream) Updates() <-chan types.OrderUpdate { return s.ch }
func (s *fakeStream) Close() error                      { s.closed.Store(true); return nil }

func healthEvents(t *testing.T, b *bus.Bus) <-chan health.Event {
	t.Helper()
	events := make(chan health.Event, 16)
	b.Subscribe(bus.TopicHealth, func(ctx context.Context, payload any) {
		if e, ok := payload.(health.Event); ok {
			events <- e
		}
	})
	return events
}

func waitReason(t *testing.T, events <-chan health.Event, want string) health.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Reason == want {
				return e
			}
		case <-deadline:
			t.Fatalf("no %q health event", want)
		}
	}
}

func TestRunnerForwardsUpdates(t *testing.T) {
	t.Parallel()
	b := bus.New(64, metrics.New(), testLogger())
	defer b.Close()

	updates := make(chan types.OrderUpdate, 1)
	factory := func(ctx context.Context) (Stream, error) {
		return &fakeStream{ch: updates}, nil
	}

	got := make(chan types.OrderUpdate, 1)
	r := New(factory, func(ctx context.Context, upd types.OrderUpdate) error {
		got <- upd
		return nil
	}, Options{SilenceAlert: time.Minute}, b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	updates <- types.OrderUpdate{Symbol: "BTCUSDT", Status: "FILLED"}
	select {
	case upd := <-got:
		if upd.Symbol != "BTCUSDT" {
			t.Errorf("update = %+v", upd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update not forwarded")
	}
}

func TestRunnerReconnectsAfterStreamEnds(t *testing.T) {
	t.Parallel()
	b := bus.New(64, metrics.New(), testLogger())
	defer b.Close()
	events := healthEvents(t, b)

	var calls atomic.Int32
	updates := make(chan types.OrderUpdate)
	factory := func(ctx context.Context) (Stream, error) {
		if calls.Add(1) == 1 {
			dead := &fakeStream{ch: make(chan types.OrderUpdate)}
			close(dead.ch)
			return dead, nil
		}
		return &fakeStream{ch: updates}, nil
	}

	r := New(factory, func(ctx context.Context, upd types.OrderUpdate) error { return nil },
		Options{
			ReconnectBackoff: 10 * time.Millisecond,
			HealthEnabled:    true,
			SilenceAlert:     time.Minute,
		}, b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitReason(t, events, "ws_connected")
	e := waitReason(t, events, "ws_disconnected")
	if e.State != health.StateDegraded {
		t.Errorf("disconnect state = %d, want degraded", e.State)
	}
	waitReason(t, events, "ws_connected")
	if calls.Load() < 2 {
		t.Errorf("factory calls = %d, want a reconnect", calls.Load())
	}
}

func TestRunnerRetriesFailingFactory(t *testing.T) {
	t.Parallel()
	b := bus.New(64, metrics.New(), testLogger())
	defer b.Close()
	events := healthEvents(t, b)

	var calls atomic.Int32
	factory := func(ctx context.Context) (Stream, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("dial refused")
		}
		return &fakeStream{ch: make(chan types.OrderUpdate)}, nil
	}

	r := New(factory, func(ctx context.Context, upd types.OrderUpdate) error { return nil },
		Options{
			ReconnectBackoff: 10 * time.Millisecond,
			HealthEnabled:    true,
			SilenceAlert:     time.Minute,
		}, b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitReason(t, events, "ws_connected")
	if calls.Load() != 3 {
		t.Errorf("factory calls = %d, want 3", calls.Load())
	}
}

func TestRunnerEmitsSilenceAlertOnce(t *testing.T) {
	t.Parallel()
	b := bus.New(64, metrics.New(), testLogger())
	defer b.Close()
	events := healthEvents(t, b)

	quiet := make(chan types.OrderUpdate) // never sends
	factory := func(ctx context.Context) (Stream, error) {
		return &fakeStream{ch: quiet}, nil
	}

	r := New(factory, func(ctx context.Context, upd types.OrderUpdate) error { return nil },
		Options{
			ReconnectBackoff: 10 * time.Millisecond,
			HealthEnabled:    true,
			SilenceAlert:     1200 * time.Millisecond,
		}, b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitReason(t, events, "ws_connected")
	e := waitReason(t, events, "ws_silent")
	if e.State != health.StateDegraded {
		t.Errorf("silence state = %d, want degraded", e.State)
	}

	// One alert per quiet period: no second ws_silent while still quiet.
	select {
	case e := <-events:
		if e.Reason == "ws_silent" {
			t.Error("silence alert repeated within the same quiet period")
		}
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestRunnerHealthGatedOff(t *testing.T) {
	t.Parallel()
	b := bus.New(64, metrics.New(), testLogger())
	defer b.Close()
	events := healthEvents(t, b)

	updates := make(chan types.OrderUpdate)
	factory := func(ctx context.Context) (Stream, error) {
		return &fakeStream{ch: updates}, nil
	}

	r := New(factory, func(ctx context.Context, upd types.OrderUpdate) error { return nil },
		Options{SilenceAlert: time.Minute}, b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case e := <-events:
		t.Errorf("health emission while gated off: %+v", e)
	case <-time.After(300 * time.Millisecond):
	}
}
