package digest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"tradekernel/internal/notify"
	"tradekernel/internal/rollup"
	"tradekernel/internal/telemetry"
)

type captureSink struct {
	texts []string
	err   error
}

func (c *captureSink) Send(ctx context.Context, text, parseMode string) error {
	c.texts = append(c.texts, text)
	return c.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestJob(cfg Config, sink notify.Sink) (*Job, *rollup.Daily, *rollup.Ring, *telemetry.LatencyWindow, *telemetry.PnLWindow) {
	daily := rollup.NewDaily()
	ring := rollup.NewRing(360, 4)
	lat := telemetry.NewLatencyWindow(256)
	pnl := telemetry.NewPnLWindow(24 * time.Hour)
	return New(cfg, daily, ring, lat, pnl, sink, testLogger()), daily, ring, lat, pnl
}

func TestBuildCountersSorted(t *testing.T) {
	t.Parallel()
	j, daily, _, _, _ := newTestJob(Config{}, notify.Noop{})

	daily.Inc("trades", 7)
	daily.Inc("orders", 9)
	daily.Inc("stops", 1)

	text := j.Build()
	iOrders := strings.Index(text, "orders: 9")
	iStops := strings.Index(text, "stops: 1")
	iTrades := strings.Index(text, "trades: 7")
	if iOrders < 0 || iStops < 0 || iTrades < 0 {
		t.Fatalf("missing counters:\n%s", text)
	}
	if !(iOrders < iStops && iStops < iTrades) {
		t.Errorf("counters not sorted:\n%s", text)
	}
}

func TestBuildLatencyAndPnLLines(t *testing.T) {
	t.Parallel()
	j, _, _, lat, pnl := newTestJob(Config{}, notify.Noop{})

	lat.Record("BTCUSDT", 100)
	lat.Record("BTCUSDT", 200)
	pnl.Record(125.5)

	text := j.Build()
	if !strings.Contains(text, "latency p50/p95: 150/195 ms") {
		t.Errorf("latency line missing or wrong:\n%s", text)
	}
	if !strings.Contains(text, "pnl 24h: +125.50 USD") {
		t.Errorf("pnl line missing or wrong:\n%s", text)
	}
}

func TestBuildTopSymbolsOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off, dailyOff, _, _, _ := newTestJob(Config{}, notify.Noop{})
	on, dailyOn, _, _, _ := newTestJob(Config{IncludeSymbols: true}, notify.Noop{})

	for _, d := range []*rollup.Daily{dailyOff, dailyOn} {
		d.IncSymbol("trades", "BTCUSDT", 5)
		d.IncSymbol("trades", "ETHUSDT", 3)
	}

	if strings.Contains(off.Build(), "top symbols") {
		t.Error("symbols section rendered while disabled")
	}
	text := on.Build()
	if !strings.Contains(text, "top symbols:") {
		t.Fatalf("symbols section missing:\n%s", text)
	}
	if strings.Index(text, "BTCUSDT: 5") > strings.Index(text, "ETHUSDT: 3") {
		t.Errorf("top symbols not ranked by count:\n%s", text)
	}
}

func TestBuildBucketLines(t *testing.T) {
	t.Parallel()
	j, _, ring, _, _ := newTestJob(Config{Buckets6h: true}, notify.Noop{})

	ring.Inc("trades", 4)

	text := j.Build()
	if !strings.Contains(text, "6h buckets:") {
		t.Fatalf("bucket section missing:\n%s", text)
	}
	if !strings.Contains(text, "trades=4") {
		t.Errorf("bucket counter missing:\n%s", text)
	}
}

func TestBuildEmptyBucketSectionOmitted(t *testing.T) {
	t.Parallel()
	j, _, _, _, _ := newTestJob(Config{Buckets6h: true}, notify.Noop{})

	if strings.Contains(j.Build(), "6h buckets") {
		t.Error("empty ring must omit the bucket section")
	}
}

func TestRunSendsDigest(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	j, daily, _, _, _ := newTestJob(Config{}, sink)
	daily.Inc("orders", 2)

	if err := j.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.texts) != 1 || !strings.HasPrefix(sink.texts[0], "daily digest") {
		t.Errorf("sent = %q", sink.texts)
	}
}

func TestRunSwallowsSinkError(t *testing.T) {
	t.Parallel()
	sink := &captureSink{err: errors.New("telegram down")}
	j, _, _, _, _ := newTestJob(Config{}, sink)

	if err := j.Run(); err != nil {
		t.Errorf("sink failure must not fail the job: %v", err)
	}
}
