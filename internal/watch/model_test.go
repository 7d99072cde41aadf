package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradekernel/internal/bus"
	"tradekernel/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("model"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func newTestWatcher(t *testing.T, paths []string) (*ModelWatcher, <-chan Promotion, *bus.Bus) {
	t.Helper()
	b := bus.New(16, metrics.New(), testLogger())
	t.Cleanup(b.Close)

	promoted := make(chan Promotion, 4)
	b.Subscribe(bus.TopicModelPromoted, func(ctx context.Context, payload any) {
		if p, ok := payload.(Promotion); ok {
			promoted <- p
		}
	})
	return NewModelWatcher(paths, time.Hour, b, testLogger()), promoted, b
}

func waitPromotion(t *testing.T, ch <-chan Promotion) Promotion {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(time.Second):
		t.Fatal("no promotion event")
		return Promotion{}
	}
}

func assertNoPromotion(t *testing.T, ch <-chan Promotion) {
	t.Helper()
	select {
	case p := <-ch:
		t.Fatalf("unexpected promotion: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFirstObservationSeedsBaseline(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	writeFile(t, path, time.Now().Add(-time.Hour))

	w, promoted, _ := newTestWatcher(t, []string{path})

	w.Poll()
	assertNoPromotion(t, promoted)
}

func TestNewerMTimeFires(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, path, old)

	w, promoted, _ := newTestWatcher(t, []string{path})
	w.Poll()

	newer := old.Add(30 * time.Minute)
	writeFile(t, path, newer)
	w.Poll()

	p := waitPromotion(t, promoted)
	if len(p.Paths) != 1 || p.Paths[0] != path {
		t.Errorf("paths = %v, want [%s]", p.Paths, path)
	}
	if !p.MTime.Equal(newer) {
		t.Errorf("mtime = %v, want %v", p.MTime, newer)
	}
}

func TestUnchangedMTimeDoesNotFire(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	writeFile(t, path, time.Now().Add(-time.Hour))

	w, promoted, _ := newTestWatcher(t, []string{path})
	w.Poll()
	w.Poll()
	w.Poll()
	assertNoPromotion(t, promoted)
}

func TestMissingFilesSkipped(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	present := filepath.Join(dir, "model.bin")
	missing := filepath.Join(dir, "does-not-exist.bin")
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, present, old)

	w, promoted, _ := newTestWatcher(t, []string{missing, present})
	w.Poll()
	assertNoPromotion(t, promoted)

	writeFile(t, present, old.Add(time.Minute))
	w.Poll()
	waitPromotion(t, promoted)
}

func TestAllMissingIsNoop(t *testing.T) {
	t.Parallel()
	w, promoted, _ := newTestWatcher(t, []string{filepath.Join(t.TempDir(), "nope")})
	w.Poll()
	w.Poll()
	assertNoPromotion(t, promoted)
}

func TestNewestOfSeveralWins(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	bPath := filepath.Join(dir, "b.bin")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, a, base)
	writeFile(t, bPath, base)

	w, promoted, _ := newTestWatcher(t, []string{a, bPath})
	w.Poll()

	writeFile(t, bPath, base.Add(10*time.Minute))
	w.Poll()

	p := waitPromotion(t, promoted)
	if len(p.Paths) != 1 || p.Paths[0] != bPath {
		t.Errorf("paths = %v, want only the newer file", p.Paths)
	}
}
