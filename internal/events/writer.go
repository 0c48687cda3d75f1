package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/metrics"
)

// EventStore is the persistence boundary for the event log.
type EventStore interface {
	InsertEvent(ctx context.Context, ev Event) error
	InsertEvents(ctx context.Context, evs []Event) error
}

const (
	writerMaxBatch      = 64
	writerFlushInterval = 200 * time.Millisecond
	writerWriteTimeout  = 5 * time.Second
)

// AsyncWriter decouples high-rate event persistence from the producing
// thread. Enqueue never blocks; a full queue is a persist failure the caller
// observes, so the persist-then-emit discipline holds for the async path
// too: accepted means it will be written, refused means it is never emitted.
type AsyncWriter struct {
	store   EventStore
	queue   chan Event
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewAsyncWriter builds a writer with a bounded queue.
func NewAsyncWriter(store EventStore, queueSize int, m *metrics.Registry, log zerolog.Logger) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &AsyncWriter{
		store:   store,
		queue:   make(chan Event, queueSize),
		metrics: m,
		log:     log.With().Str("component", "event_writer").Logger(),
	}
}

// Enqueue hands an event to the writer without blocking.
func (w *AsyncWriter) Enqueue(ev Event) error {
	select {
	case w.queue <- ev:
		return nil
	default:
		w.metrics.Degrade.WithLabelValues("event_queue_full").Inc()
		return ErrWriterFull
	}
}

// QueueDepth reports how many events are waiting. Health checks use it.
func (w *AsyncWriter) QueueDepth() int {
	return len(w.queue)
}

// Run drains the queue in batches until the context is cancelled, then
// flushes whatever is already queued before returning.
func (w *AsyncWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(writerFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, writerMaxBatch)
	for {
		select {
		case <-ctx.Done():
			w.drain(&batch)
			return
		case ev := <-w.queue:
			batch = append(batch, ev)
			if len(batch) >= writerMaxBatch {
				w.flush(&batch)
			}
		case <-ticker.C:
			w.flush(&batch)
		}
	}
}

func (w *AsyncWriter) drain(batch *[]Event) {
	for {
		select {
		case ev := <-w.queue:
			*batch = append(*batch, ev)
			if len(*batch) >= writerMaxBatch {
				w.flush(batch)
			}
		default:
			w.flush(batch)
			return
		}
	}
}

func (w *AsyncWriter) flush(batch *[]Event) {
	if len(*batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writerWriteTimeout)
	err := w.store.InsertEvents(ctx, *batch)
	cancel()
	if err != nil {
		w.metrics.Degrade.WithLabelValues("event_write_fail").Inc()
		w.log.Error().Err(err).Int("batch", len(*batch)).Msg("event batch write failed")
	}
	*batch = (*batch)[:0]
}
