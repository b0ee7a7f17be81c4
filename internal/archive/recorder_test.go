package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/transcribe"
)

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func droppedCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "earshot.archive.dropped" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				return 0
			}
			return sum.DataPoints[0].Value
		}
	}
	return 0
}

func waitWrite(t *testing.T, s *memStore) {
	t.Helper()
	select {
	case <-s.written:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a batch write")
	}
}

func lines(seq uint64, texts ...string) transcribe.Result {
	return transcribe.Result{Seq: seq, Session: "s1", Lines: texts}
}

func TestRecorder_BatchesAndFlushesOnClose(t *testing.T) {
	store := newMemStore()
	m, _ := testMetrics(t)
	r := NewRecorder(store,
		WithBatchSize(2),
		WithFlushInterval(time.Hour),
		WithRecorderMetrics(m),
	)

	r.Observe(lines(1, "一", "二", "三"))
	waitWrite(t, store)
	if got, writes := store.snapshot(); len(got) != 2 || writes != 1 {
		t.Fatalf("after first batch: %d entries in %d writes, want 2 in 1", len(got), writes)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, writes := store.snapshot()
	if len(got) != 3 || writes != 2 {
		t.Fatalf("after Close: %d entries in %d writes, want 3 in 2", len(got), writes)
	}
	for i, want := range []string{"一", "二", "三"} {
		if got[i].Text != want || got[i].Line != i {
			t.Errorf("entry %d = %+v, want text %q line %d", i, got[i], want, i)
		}
	}
}

func TestRecorder_FlushesOnInterval(t *testing.T) {
	store := newMemStore()
	m, _ := testMetrics(t)
	r := NewRecorder(store,
		WithBatchSize(100),
		WithFlushInterval(10*time.Millisecond),
		WithRecorderMetrics(m),
	)
	t.Cleanup(func() { _ = r.Close() })

	r.Observe(lines(1, "はい"))
	waitWrite(t, store)
	if got, _ := store.snapshot(); len(got) != 1 || got[0].Text != "はい" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestRecorder_StampsWithClock(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := newMemStore()
	m, _ := testMetrics(t)
	r := NewRecorder(store, WithRecorderMetrics(m), WithClock(func() time.Time { return at }))

	r.Observe(lines(7, "x"))
	_ = r.Close()

	got, _ := store.snapshot()
	if len(got) != 1 || !got[0].Timestamp.Equal(at) || got[0].Seq != 7 || got[0].SessionID != "s1" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	store := newMemStore()
	store.block = make(chan struct{})
	store.entered = make(chan struct{}, 8)
	m, reader := testMetrics(t)
	r := NewRecorder(store,
		WithQueueSize(1),
		WithBatchSize(1),
		WithRecorderMetrics(m),
	)

	r.Observe(lines(1, "a"))
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never started")
	}
	// The writer is stuck on "a"; "b" fills the queue and "c", "d" overflow.
	r.Observe(lines(2, "b"))
	r.Observe(lines(3, "c", "d"))

	if got := droppedCount(t, reader); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}

	close(store.block)
	_ = r.Close()
	got, _ := store.snapshot()
	if len(got) != 2 || got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("entries = %+v, want a and b", got)
	}
}

func TestRecorder_WriteFailureCountsDropped(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	m, reader := testMetrics(t)
	r := NewRecorder(store, WithRecorderMetrics(m))

	r.Observe(lines(1, "a", "b"))
	_ = r.Close()

	if got := droppedCount(t, reader); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

func TestRecorder_ObserveAfterCloseIsIgnored(t *testing.T) {
	store := newMemStore()
	m, _ := testMetrics(t)
	r := NewRecorder(store, WithRecorderMetrics(m))

	_ = r.Close()
	r.Observe(lines(1, "late"))
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got, writes := store.snapshot(); len(got) != 0 || writes != 0 {
		t.Fatalf("entries = %+v, writes = %d", got, writes)
	}
}

func TestRecorder_ArchivesDispatcherResults(t *testing.T) {
	store := newMemStore()
	m, _ := testMetrics(t)
	r := NewRecorder(store, WithRecorderMetrics(m))

	r.Observe(transcribe.Result{
		Seq:     3,
		Session: "s2",
		Err:     transcribe.ErrTranscriptionFailed,
	})
	r.Observe(transcribe.Result{Seq: 4, Session: "s2"})
	_ = r.Close()

	got, _ := store.snapshot()
	if len(got) != 1 || !got[0].Failed || got[0].Seq != 3 {
		t.Fatalf("entries = %+v, want one failure entry for segment 3", got)
	}
}
