// Package health turns health.state bus events into operator
// notifications. Duplicate states are suppressed, transitions inside the
// debounce window are ignored, and accepted transitions are counted
// (from/to/reason) and forwarded to the notification sink. Sink failures
// never propagate.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"tradekernel/internal/bus"
	"tradekernel/internal/metrics"
	"tradekernel/internal/notify"
)

// Engine health states.
const (
	StateOK       = 0
	StateDegraded = 1
	StateHalted   = 2
)

// Event is the payload published on the health.state topic.
type Event struct {
	State  int
	Reason string
}

// StateName renders a state for messages and metric labels.
func StateName(s int) string {
	switch s {
	case StateOK:
		return "OK"
	case StateDegraded:
		return "DEGRADED"
	case StateHalted:
		return "HALTED"
	default:
		return strconv.Itoa(s)
	}
}

// Notifier is the debounced health-state sink bridge.
type Notifier struct {
	sink     notify.Sink
	debounce time.Duration
	enabled  bool
	met      *metrics.Set
	logger   *slog.Logger

	mu        sync.Mutex
	state     int
	lastTrans time.Time
	now       func() time.Time
}

// New creates a notifier and subscribes it to the health topic.
func New(b *bus.Bus, sink notify.Sink, debounce time.Duration, enabled bool, met *metrics.Set, logger *slog.Logger) *Notifier {
	if debounce <= 0 {
		debounce = 10 * time.Second
	}
	n := &Notifier{
		sink:     sink,
		debounce: debounce,
		enabled:  enabled,
		met:      met,
		logger:   logger.With("component", "health"),
		state:    StateOK,
		now:      time.Now,
	}
	b.Subscribe(bus.TopicHealth, n.handle)
	return n
}

// State returns the current accepted state.
func (n *Notifier) State() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Notifier) handle(ctx context.Context, payload any) {
	evt, ok := payload.(Event)
	if !ok {
		return
	}
	n.Observe(evt)
}

// Observe applies one health event, returning whether the transition was
// accepted.
func (n *Notifier) Observe(evt Event) bool {
	now := n.now()

	n.mu.Lock()
	if evt.State == n.state {
		n.mu.Unlock()
		return false
	}
	if now.Sub(n.lastTrans) < n.debounce {
		n.mu.Unlock()
		return false
	}
	from := n.state
	n.state = evt.State
	n.lastTrans = now
	n.mu.Unlock()

	n.met.HealthTransitions.WithLabelValues(StateName(from), StateName(evt.State), evt.Reason).Inc()
	n.logger.Info("health transition",
		"from", StateName(from),
		"to", StateName(evt.State),
		"reason", evt.Reason,
	)

	if n.enabled {
		msg := fmt.Sprintf("health: %s → %s (%s)", StateName(from), StateName(evt.State), evt.Reason)
		if err := n.sink.Send(context.Background(), msg, ""); err != nil {
			n.logger.Warn("health notification failed", "error", err)
		}
	}
	return true
}
