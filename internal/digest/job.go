// Package digest builds the periodic trading summary: daily counters, the
// most-traded symbols, and optionally the last 24h split into 6h buckets,
// delivered to the notification sink. Sink errors are logged and swallowed.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"tradekernel/internal/notify"
	"tradekernel/internal/rollup"
	"tradekernel/internal/telemetry"
)

// Config mirrors the digest knobs.
type Config struct {
	IncludeSymbols bool
	Buckets6h      bool
}

// Job assembles and sends one digest per scheduled run.
type Job struct {
	cfg     Config
	daily   *rollup.Daily
	ring    *rollup.Ring
	latency *telemetry.LatencyWindow
	pnl     *telemetry.PnLWindow
	sink    notify.Sink
	logger  *slog.Logger
}

// New creates a digest job.
func New(cfg Config, daily *rollup.Daily, ring *rollup.Ring, latency *telemetry.LatencyWindow, pnl *telemetry.PnLWindow, sink notify.Sink, logger *slog.Logger) *Job {
	return &Job{
		cfg:     cfg,
		daily:   daily,
		ring:    ring,
		latency: latency,
		pnl:     pnl,
		sink:    sink,
		logger:  logger.With("component", "digest"),
	}
}

// Name implements scheduler.Job.
func (j *Job) Name() string { return "digest" }

// Run implements scheduler.Job: reset the day boundary if due, build the
// summary, and send it. Always returns nil — a sink failure must not
// surface as a job failure.
func (j *Job) Run() error {
	j.daily.MaybeReset()

	text := j.Build()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := j.sink.Send(ctx, text, ""); err != nil {
		j.logger.Warn("digest send failed", "error", err)
	}
	return nil
}

// Build renders the digest text.
func (j *Job) Build() string {
	var b strings.Builder
	b.WriteString("daily digest\n")

	counters := j.daily.Counters()
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %d\n", k, counters[k])
	}

	p50, p95 := j.latency.Percentiles()
	fmt.Fprintf(&b, "  latency p50/p95: %.0f/%.0f ms\n", p50, p95)
	fmt.Fprintf(&b, "  pnl 24h: %+.2f USD\n", j.pnl.Delta())

	if j.cfg.IncludeSymbols {
		top := j.daily.TopSymbols("trades", 5)
		if len(top) > 0 {
			b.WriteString("top symbols:\n")
			for _, sc := range top {
				fmt.Fprintf(&b, "  %s: %d\n", sc.Symbol, sc.Count)
			}
		}
	}

	if j.cfg.Buckets6h {
		buckets := j.ring.Snapshot()
		if len(buckets) > 0 {
			b.WriteString("6h buckets:\n")
			for _, bk := range buckets {
				fmt.Fprintf(&b, "  %s: trades=%d\n",
					bk.Start.UTC().Format("15:04"), bk.Counters["trades"])
			}
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
