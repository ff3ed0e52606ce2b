// Package sink turns fan-out deliveries into side effects: bus publications,
// search index documents, or lines on a writer.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/logstream/common/logging"
	"github.com/telhawk-systems/logstream/internal/metrics"
	"github.com/telhawk-systems/logstream/internal/models"
)

// Writer delivers one batch to a destination.
type Writer interface {
	Name() string
	Write(ctx context.Context, topic models.Topic, b models.Batch) error
}

// Direct calls a Writer inline from the fan-out. Suitable for writers that
// never block for long, such as buffered NATS publishes or local output.
type Direct struct {
	w       Writer
	timeout time.Duration
	logger  *slog.Logger
}

// NewDirect wraps w. Each write is bounded by timeout when it is positive.
func NewDirect(w Writer, timeout time.Duration, logger *slog.Logger) *Direct {
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{w: w, timeout: timeout, logger: logger.With(slog.String("sink", w.Name()))}
}

func (d *Direct) Deliver(topic models.Topic, b models.Batch) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := d.w.Write(ctx, topic, b); err != nil {
		metrics.SinkErrors.WithLabelValues(d.w.Name()).Inc()
		d.logger.Warn("sink write failed", logging.Topic(string(topic)), logging.Source(b.Source), logging.Error(err))
	}
}

// Queue decouples a slow Writer from the synchronous fan-out. Deliveries are
// buffered and written by a single goroutine in arrival order; a full
// buffer drops the batch.
type Queue struct {
	w       Writer
	ch      chan delivery
	logger  *slog.Logger
	dropped atomic.Int64
	written atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

type delivery struct {
	topic models.Topic
	batch models.Batch
}

// NewQueue creates a queue of the given size in front of w. Call Run to
// start writing.
func NewQueue(w Writer, size int, logger *slog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		w:      w,
		ch:     make(chan delivery, size),
		logger: logger.With(slog.String("sink", w.Name())),
		done:   make(chan struct{}),
	}
}

func (q *Queue) Deliver(topic models.Topic, b models.Batch) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.ch <- delivery{topic: topic, batch: b}:
	default:
		q.dropped.Add(1)
		metrics.ListenerDrops.WithLabelValues(string(topic)).Inc()
	}
}

// Run writes queued batches until ctx is done or Close is called, then
// drains what is already buffered.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case d := <-q.ch:
			q.write(ctx, d)
		case <-ctx.Done():
			q.drain(context.WithoutCancel(ctx))
			return nil
		case <-q.done:
			q.drain(ctx)
			return nil
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case d := <-q.ch:
			q.write(ctx, d)
		default:
			return
		}
	}
}

func (q *Queue) write(ctx context.Context, d delivery) {
	if err := q.w.Write(ctx, d.topic, d.batch); err != nil {
		metrics.SinkErrors.WithLabelValues(q.w.Name()).Inc()
		q.logger.Warn("sink write failed", logging.Topic(string(d.topic)), logging.Source(d.batch.Source), logging.Error(err))
		return
	}
	q.written.Add(1)
}

// Close stops accepting deliveries and makes Run return after draining.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Name returns the wrapped writer's name.
func (q *Queue) Name() string {
	return q.w.Name()
}

// Dropped returns how many batches were lost to a full buffer.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Written returns how many batches were written successfully.
func (q *Queue) Written() int64 {
	return q.written.Load()
}
