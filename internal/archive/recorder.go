package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/transcribe"
)

const (
	defaultQueueSize     = 256
	defaultBatchSize     = 32
	defaultFlushInterval = time.Second
	defaultWriteTimeout  = 5 * time.Second
)

// RecorderOption is a functional option for a [Recorder].
type RecorderOption func(*Recorder)

// WithQueueSize sets how many entries may wait for the writer before new ones
// are dropped. Default: 256.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithBatchSize sets the number of entries that triggers an immediate write.
// Default: 32.
func WithBatchSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait. Default: 1s.
func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithWriteTimeout bounds a single batch write. Default: 5s.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRecorderMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithRecorderMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock replaces the timestamp source. Default: time.Now.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// Recorder archives dispatcher results in the background.
type Recorder struct {
	store     Store
	queueSize int
	batchSize int
	interval  time.Duration
	timeout   time.Duration
	metrics   *observe.Metrics
	now       func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan Entry
	done   chan struct{}

	dropOnce sync.Once
}

// NewRecorder starts a Recorder writing to store. Call Close to flush and
// stop it.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:     store,
		queueSize: defaultQueueSize,
		batchSize: defaultBatchSize,
		interval:  defaultFlushInterval,
		timeout:   defaultWriteTimeout,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.queue = make(chan Entry, r.queueSize)
	r.done = make(chan struct{})
	go r.loop()
	return r
}

// Observe queues the entries of res. It never blocks: when the queue is full
// the entries are dropped and counted. Suitable for
// [transcribe.WithResultHook].
func (r *Recorder) Observe(res transcribe.Result) {
	entries := FromResult(res, r.now())
	if len(entries) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for i, e := range entries {
		select {
		case r.queue <- e:
		default:
			r.drop(len(entries) - i)
			return
		}
	}
}

func (r *Recorder) drop(n int) {
	r.metrics.ArchiveDropped.Add(context.Background(), int64(n))
	r.dropOnce.Do(func() {
		slog.Warn("archive: queue full, dropping entries", "queue", r.queueSize)
	})
}

// Close stops accepting results, writes everything still queued and waits
// for the writer to finish. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
	return nil
}

func (r *Recorder) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var batch []Entry
	for {
		select {
		case e, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			r.flush(batch)
			batch = nil
		}
	}
}

// flush writes batch. A failed batch is logged and counted, not retried.
func (r *Recorder) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.WriteEntries(ctx, batch); err != nil {
		slog.Warn("archive: write batch failed", "entries", len(batch), "err", err)
		r.metrics.ArchiveDropped.Add(ctx, int64(len(batch)))
	}
}
