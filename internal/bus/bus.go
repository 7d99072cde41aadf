// Package bus implements the in-process topic pub/sub that glues the
// kernel together.
//
// Delivery model:
//
//   - Fire is non-blocking: it enqueues onto the topic's queue and returns.
//   - Each topic has one dispatch goroutine, so subscribers observe events
//     in fire order per topic. There is no cross-topic ordering.
//   - At-most-once: a full queue drops the event (logged and counted)
//     rather than blocking the publisher — a stuck sink must not stall the
//     trading loop.
//   - A failing or panicking handler is isolated: logged, never re-raised,
//     and never affects other handlers or the publisher.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"tradekernel/internal/metrics"
)

// Well-known topics. Topics are free-form strings; these are the ones the
// kernel itself publishes or subscribes to.
const (
	TopicFill          = "trade.fill"
	TopicHealth        = "health.state"
	TopicDepegTrigger  = "risk.depeg_trigger"
	TopicModelPromoted = "model.promoted"
	TopicNotify        = "notify.telegram"
)

// Strategy pipeline topics. External strategy processes publish these; the
// engine mirrors each into the telemetry rollups.
const (
	TopicPlanDry  = "event_bo.plan_dry"
	TopicPlanLive = "event_bo.plan_live"
	TopicBOTrade  = "event_bo.trade"
	TopicBOSkip   = "event_bo.skip"
	TopicBOHalf   = "event_bo.half"
	TopicBOTrail  = "event_bo.trail"
)

// Handler processes one event. Handlers run on the topic's dispatch
// goroutine and are responsible for their own timeouts.
type Handler func(ctx context.Context, payload any)

type topicQueue struct {
	mu       sync.RWMutex
	handlers []Handler
	ch       chan any
}

// Bus is the topic-based publisher. Safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	topics    map[string]*topicQueue
	queueSize int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
	met       *metrics.Set
}

// New creates a bus. queueSize bounds each topic's queue; 0 falls back to
// a large default rather than truly unbounded memory growth.
func New(queueSize int, met *metrics.Set, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 65536
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		topics:    make(map[string]*topicQueue),
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "bus"),
		met:       met,
	}
}

// Subscribe registers a handler for a topic. The same handler may be
// registered multiple times; each registration is invoked.
func (b *Bus) Subscribe(topic string, h Handler) {
	q := b.queue(topic)
	q.mu.Lock()
	q.handlers = append(q.handlers, h)
	q.mu.Unlock()
}

// Fire publishes an event. It never blocks: if the topic queue is full the
// event is dropped and counted.
func (b *Bus) Fire(topic string, payload any) {
	q := b.queue(topic)
	select {
	case q.ch <- payload:
	default:
		b.met.BusDropped.WithLabelValues(topic).Inc()
		b.logger.Warn("topic queue full, dropping event", "topic", topic)
	}
}

// Close stops all dispatch goroutines. Queued events are discarded.
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bus) queue(topic string) *topicQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.topics[topic]
	if !ok {
		q = &topicQueue{ch: make(chan any, b.queueSize)}
		b.topics[topic] = q
		b.wg.Add(1)
		go b.dispatch(topic, q)
	}
	return q
}

// dispatch is the per-topic serial delivery loop.
func (b *Bus) dispatch(topic string, q *topicQueue) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case payload := <-q.ch:
			q.mu.RLock()
			handlers := make([]Handler, len(q.handlers))
			copy(handlers, q.handlers)
			q.mu.RUnlock()

			for _, h := range handlers {
				b.invoke(topic, h, payload)
			}
			b.met.BusDelivered.WithLabelValues(topic).Inc()
		}
	}
}

func (b *Bus) invoke(topic string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "topic", topic, "panic", r)
		}
	}()
	h(b.ctx, payload)
}
