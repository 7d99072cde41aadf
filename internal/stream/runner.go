// Package stream supervises a venue stream: it obtains a stream from a
// factory, forwards updates to a handler, and reconnects with backoff when
// the factory fails or the stream ends. Health transitions (connected,
// disconnected, silent) are published on the bus, gated by configuration.
package stream

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"tradekernel/internal/bus"
	"tradekernel/internal/health"
	"tradekernel/pkg/types"
)

// Stream is one live connection's update feed.
type Stream interface {
	// Updates yields order updates until the stream dies; the channel is
	// closed on termination.
	Updates() <-chan types.OrderUpdate
	Close() error
}

// Factory opens a fresh stream. Called on every (re)connect.
type Factory func(ctx context.Context) (Stream, error)

// Handler consumes one update. Errors are logged, not fatal to the stream.
type Handler func(ctx context.Context, upd types.OrderUpdate) error

// Options tunes the runner.
type Options struct {
	ReconnectBackoff time.Duration // initial; doubles and holds at 2s
	HealthEnabled    bool          // gate for bus health emissions
	SilenceAlert     time.Duration // DEGRADED/ws_silent after this quiet gap
}

// Runner is the resilient stream consumer.
type Runner struct {
	factory  Factory
	onUpdate Handler
	opts     Options
	bus      *bus.Bus
	logger   *slog.Logger

	lastUpdate atomic.Int64 // unix nanos of the last received update
}

// New creates a runner.
func New(factory Factory, onUpdate Handler, opts Options, b *bus.Bus, logger *slog.Logger) *Runner {
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 500 * time.Millisecond
	}
	if opts.SilenceAlert <= 0 {
		opts.SilenceAlert = 15 * time.Second
	}
	return &Runner{
		factory:  factory,
		onUpdate: onUpdate,
		opts:     opts,
		bus:      b,
		logger:   logger.With("component", "stream"),
	}
}

// Run connects and consumes until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	backoff := r.opts.ReconnectBackoff
	const backoffMax = 2 * time.Second

	for {
		err := r.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		r.emitHealth(health.StateDegraded, "ws_disconnected")
		r.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// consume opens one stream and drains it until it ends.
func (r *Runner) consume(ctx context.Context) error {
	st, err := r.factory(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	r.emitHealth(health.StateOK, "ws_connected")
	r.lastUpdate.Store(time.Now().UnixNano())
	r.logger.Info("stream connected")

	silenceCtx, cancelSilence := context.WithCancel(ctx)
	defer cancelSilence()
	go r.silenceWatch(silenceCtx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-st.Updates():
			if !ok {
				return nil
			}
			r.lastUpdate.Store(time.Now().UnixNano())
			if err := r.onUpdate(ctx, upd); err != nil {
				r.logger.Error("update handler failed", "symbol", upd.Symbol, "error", err)
			}
		}
	}
}

// silenceWatch emits DEGRADED/ws_silent when no update arrives within the
// alert window. One alert per quiet period; a fresh update re-arms it.
func (r *Runner) silenceWatch(ctx context.Context) {
	interval := r.opts.SilenceAlert / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	alerted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			quiet := time.Duration(time.Now().UnixNano() - r.lastUpdate.Load())
			if quiet > r.opts.SilenceAlert {
				if !alerted {
					alerted = true
					r.emitHealth(health.StateDegraded, "ws_silent")
					r.logger.Warn("stream silent", "quiet", quiet)
				}
			} else {
				alerted = false
			}
		}
	}
}

func (r *Runner) emitHealth(state int, reason string) {
	if !r.opts.HealthEnabled {
		return
	}
	r.bus.Fire(bus.TopicHealth, health.Event{State: state, Reason: reason})
}
