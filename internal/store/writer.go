package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/13uraksahin/read-water-worker/internal/db"
	"github.com/13uraksahin/read-water-worker/internal/faults"
)

// ErrDeadLettered marks an Append whose reading was handed to the
// dead-letter sink after all flush retries failed. The reading is retained
// there, so the caller must not requeue the originating job.
var ErrDeadLettered = errors.New("reading dead-lettered")

// Flusher persists a batch of readings in one round trip.
type Flusher interface {
	CopyReadings(ctx context.Context, readings []db.Reading) error
}

// DeadLetter receives readings that could not be persisted after all flush
// retries were exhausted.
type DeadLetter interface {
	DeadLetterReading(ctx context.Context, reading db.Reading, cause error)
}

type pendingReading struct {
	reading db.Reading
	done    chan error
}

// BatchWriter buffers reading appends and flushes them in bulk, on a size or
// a time threshold, whichever triggers first. Readings are append-only
// facts; there is no update path.
type BatchWriter struct {
	flusher       Flusher
	deadLetter    DeadLetter
	logger        *zap.Logger
	flushSize     int
	flushInterval time.Duration
	maxRetries    int

	in      chan pendingReading
	stopped chan struct{}
}

// NewBatchWriter creates a batch writer; call Start before Append.
func NewBatchWriter(flusher Flusher, deadLetter DeadLetter, flushSize int, flushInterval time.Duration, maxRetries int, logger *zap.Logger) *BatchWriter {
	if flushSize <= 0 {
		flushSize = 64
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &BatchWriter{
		flusher:       flusher,
		deadLetter:    deadLetter,
		logger:        logger,
		flushSize:     flushSize,
		flushInterval: flushInterval,
		maxRetries:    maxRetries,
		in:            make(chan pendingReading, flushSize*2),
		stopped:       make(chan struct{}),
	}
}

// Start launches the flush loop. It runs until ctx is cancelled, then drains
// the buffer with one final flush.
func (w *BatchWriter) Start(ctx context.Context) {
	go w.run(ctx)
}

// Append enqueues a reading and waits until its batch is flushed, so the
// caller acks its message only after the row is actually durable.
func (w *BatchWriter) Append(ctx context.Context, reading db.Reading) error {
	p := pendingReading{reading: reading, done: make(chan error, 1)}

	select {
	case w.in <- p:
	case <-ctx.Done():
		return faults.Wrap(faults.KindPersistence, ctx.Err(), "append cancelled")
	case <-w.stopped:
		return faults.New(faults.KindPersistence, "batch writer stopped")
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return faults.Wrap(faults.KindPersistence, ctx.Err(), "append cancelled while awaiting flush")
	}
}

func (w *BatchWriter) run(ctx context.Context) {
	defer close(w.stopped)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	var buf []pendingReading
	for {
		select {
		case p := <-w.in:
			buf = append(buf, p)
			if len(buf) >= w.flushSize {
				w.flush(buf)
				buf = nil
			}
		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(buf)
				buf = nil
			}
		case <-ctx.Done():
			// Drain whatever is already queued before shutting down.
			for {
				select {
				case p := <-w.in:
					buf = append(buf, p)
					continue
				default:
				}
				break
			}
			if len(buf) > 0 {
				w.flush(buf)
			}
			return
		}
	}
}

// flush retries with bounded exponential backoff; exhausted batches are
// dead-lettered row by row so no reading is silently dropped.
func (w *BatchWriter) flush(buf []pendingReading) {
	readings := make([]db.Reading, len(buf))
	for i, p := range buf {
		readings[i] = p.reading
	}

	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = w.flusher.CopyReadings(flushCtx, readings)
		cancel()
		if err == nil {
			break
		}
		w.logger.Warn("reading flush failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Int("batch_size", len(readings)),
		)
		time.Sleep(backoff)
		backoff *= 2
	}

	if err != nil {
		w.logger.Error("reading flush exhausted retries, dead-lettering batch",
			zap.Error(err),
			zap.Int("batch_size", len(readings)),
		)
		fault := faults.Wrap(faults.KindPersistence, ErrDeadLettered, "flush failed after %d attempts: %v", w.maxRetries, err)
		for _, p := range buf {
			if w.deadLetter != nil {
				w.deadLetter.DeadLetterReading(context.Background(), p.reading, fault)
			}
			p.done <- fault
		}
		return
	}

	for _, p := range buf {
		p.done <- nil
	}
}
