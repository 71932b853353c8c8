package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/13uraksahin/read-water-worker/internal/db"
	"github.com/13uraksahin/read-water-worker/internal/faults"
	"github.com/13uraksahin/read-water-worker/internal/store"
)

type fakeFlusher struct {
	mu      sync.Mutex
	batches [][]db.Reading
	fail    int
}

func (f *fakeFlusher) CopyReadings(ctx context.Context, readings []db.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("store unavailable")
	}
	batch := make([]db.Reading, len(readings))
	copy(batch, readings)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeFlusher) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeFlusher) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type fakeDeadLetter struct {
	mu       sync.Mutex
	readings []db.Reading
}

func (f *fakeDeadLetter) DeadLetterReading(ctx context.Context, reading db.Reading, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, reading)
}

func testReading() db.Reading {
	return db.Reading{
		Time:        time.Now().UTC(),
		TenantID:    uuid.New(),
		MeterID:     uuid.New(),
		Value:       90.0,
		Unit:        "m3",
		ProcessedAt: time.Now().UTC(),
		DecoderUsed: "Default",
	}
}

func TestBatchWriter_FlushesOnSize(t *testing.T) {
	flusher := &fakeFlusher{}
	writer := store.NewBatchWriter(flusher, nil, 2, time.Hour, 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writer.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, writer.Append(context.Background(), testReading()))
		}()
	}
	wg.Wait()

	// Two appends, flush size two, long ticker: one size-triggered batch.
	assert.Equal(t, 1, flusher.batchCount())
	assert.Equal(t, 2, flusher.rowCount())
}

func TestBatchWriter_FlushesOnInterval(t *testing.T) {
	flusher := &fakeFlusher{}
	writer := store.NewBatchWriter(flusher, nil, 100, 50*time.Millisecond, 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writer.Start(ctx)

	err := writer.Append(context.Background(), testReading())
	require.NoError(t, err)
	assert.Equal(t, 1, flusher.rowCount())
}

func TestBatchWriter_RetriesTransientFailure(t *testing.T) {
	flusher := &fakeFlusher{fail: 1}
	writer := store.NewBatchWriter(flusher, nil, 1, time.Hour, 3, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writer.Start(ctx)

	err := writer.Append(context.Background(), testReading())
	require.NoError(t, err)
	assert.Equal(t, 1, flusher.rowCount())
}

func TestBatchWriter_DeadLettersAfterExhaustedRetries(t *testing.T) {
	flusher := &fakeFlusher{fail: 100}
	deadLetter := &fakeDeadLetter{}
	writer := store.NewBatchWriter(flusher, deadLetter, 1, time.Hour, 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writer.Start(ctx)

	err := writer.Append(context.Background(), testReading())
	require.Error(t, err)
	assert.Equal(t, faults.KindPersistence, faults.KindOf(err))
	assert.True(t, errors.Is(err, store.ErrDeadLettered),
		"callers must be able to tell a retained reading from a lost one")

	deadLetter.mu.Lock()
	defer deadLetter.mu.Unlock()
	assert.Len(t, deadLetter.readings, 1)
}

func TestBatchWriter_ConcurrentAppendsShareOneBatch(t *testing.T) {
	const n = 5

	flusher := &fakeFlusher{}
	writer := store.NewBatchWriter(flusher, nil, 64, 200*time.Millisecond, 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writer.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, writer.Append(context.Background(), testReading()))
		}()
	}
	wg.Wait()

	// Concurrent callers must ride the same ticker flush instead of each
	// paying a full interval for a size-1 batch.
	flusher.mu.Lock()
	defer flusher.mu.Unlock()
	require.Len(t, flusher.batches, 1)
	assert.Len(t, flusher.batches[0], n)
}

func TestBatchWriter_DrainsOnShutdown(t *testing.T) {
	flusher := &fakeFlusher{}
	writer := store.NewBatchWriter(flusher, nil, 100, time.Hour, 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	writer.Start(ctx)

	done := make(chan error, 1)
	go func() {
		done <- writer.Append(context.Background(), testReading())
	}()

	// Give the append time to land in the buffer, then stop the writer.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("append did not resolve on shutdown drain")
	}
	assert.Equal(t, 1, flusher.rowCount())
}
