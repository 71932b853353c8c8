package pipeline

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/13uraksahin/read-water-worker/internal/db"
	"github.com/13uraksahin/read-water-worker/internal/mq"
)

// EventNotifier publishes reading events on the worker events exchange.
type EventNotifier struct {
	publisher  *mq.Publisher
	routingKey string
}

// NewEventNotifier creates the MQ-backed notifier.
func NewEventNotifier(publisher *mq.Publisher, routingKey string) *EventNotifier {
	return &EventNotifier{publisher: publisher, routingKey: routingKey}
}

// Publish sends one reading event downstream.
func (n *EventNotifier) Publish(ctx context.Context, event ReadingEvent) error {
	return n.publisher.PublishJSON(ctx, n.routingKey, event)
}

// DeadLetterSink forwards readings whose persistence exhausted all retries
// onto the events exchange for operator inspection.
type DeadLetterSink struct {
	publisher  *mq.Publisher
	routingKey string
	counter    prometheus.Counter
	logger     *zap.Logger
}

// NewDeadLetterSink creates the sink used by the store batch writer.
func NewDeadLetterSink(publisher *mq.Publisher, routingKey string, counter prometheus.Counter, logger *zap.Logger) *DeadLetterSink {
	return &DeadLetterSink{publisher: publisher, routingKey: routingKey, counter: counter, logger: logger}
}

type deadLetteredReading struct {
	Reading db.Reading `json:"reading"`
	Cause   string     `json:"cause"`
}

// DeadLetterReading publishes the unpersistable reading and counts it.
func (s *DeadLetterSink) DeadLetterReading(ctx context.Context, reading db.Reading, cause error) {
	s.counter.Inc()
	msg := deadLetteredReading{Reading: reading, Cause: cause.Error()}
	if err := s.publisher.PublishJSON(ctx, s.routingKey, msg); err != nil {
		s.logger.Error("failed to publish dead-lettered reading",
			zap.Error(err),
			zap.String("meter_id", reading.MeterID.String()),
		)
	}
}
