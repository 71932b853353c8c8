package mq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func newTestConsumer(prefetch int, handler MessageHandler) *Consumer {
	return &Consumer{
		queue:            "test-queue",
		prefetchCount:    prefetch,
		logger:           zap.NewNop(),
		messageProcessor: handler,
	}
}

func TestDispatch_ProcessesDeliveriesConcurrently(t *testing.T) {
	const workers = 4

	var inFlight int32
	gate := make(chan struct{})
	allBusy := make(chan struct{})

	handler := func(ctx context.Context, body []byte) error {
		if atomic.AddInt32(&inFlight, 1) == workers {
			close(allBusy)
		}
		<-gate
		return nil
	}

	ack := &fakeAcknowledger{}
	msgs := make(chan amqp.Delivery, workers)
	for i := 0; i < workers; i++ {
		msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(i + 1), Body: []byte("{}")}
	}
	close(msgs)

	done := make(chan struct{})
	go func() {
		newTestConsumer(workers, handler).dispatch(context.Background(), msgs)
		close(done)
	}()

	// Every worker must pick up a delivery while all handlers are still
	// blocked; a sequential loop would never get past the first one.
	select {
	case <-allBusy:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected %d handlers in flight, got %d", workers, atomic.LoadInt32(&inFlight))
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not finish after deliveries were drained")
	}

	if len(ack.acked) != workers {
		t.Fatalf("expected %d acks, got %d", workers, len(ack.acked))
	}
}

func TestDispatch_AcksSuccessNacksFailure(t *testing.T) {
	handler := func(ctx context.Context, body []byte) error {
		if string(body) == "bad" {
			return errors.New("handler failed")
		}
		return nil
	}

	ack := &fakeAcknowledger{}
	msgs := make(chan amqp.Delivery, 2)
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("good")}
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("bad")}
	close(msgs)

	newTestConsumer(1, handler).dispatch(context.Background(), msgs)

	if len(ack.acked) != 1 || ack.acked[0] != 1 {
		t.Fatalf("expected delivery 1 acked, got %v", ack.acked)
	}
	if len(ack.nacked) != 1 || ack.nacked[0] != 2 {
		t.Fatalf("expected delivery 2 nacked, got %v", ack.nacked)
	}
}

func TestDispatch_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msgs := make(chan amqp.Delivery)
	done := make(chan struct{})
	go func() {
		newTestConsumer(2, func(ctx context.Context, body []byte) error { return nil }).dispatch(ctx, msgs)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not stop on context cancellation")
	}
}
