package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13uraksahin/read-water-worker/internal/config"
	"github.com/13uraksahin/read-water-worker/internal/db"
	"github.com/13uraksahin/read-water-worker/internal/decoder"
	"github.com/13uraksahin/read-water-worker/internal/faults"
	"github.com/13uraksahin/read-water-worker/internal/logging"
	"github.com/13uraksahin/read-water-worker/internal/metrics"
	"github.com/13uraksahin/read-water-worker/internal/store"
	"github.com/13uraksahin/read-water-worker/internal/timeformat"
)

const defaultUnit = "m3"

// Store is the persistence surface the pipeline needs.
type Store interface {
	DeviceBySerialTechnology(ctx context.Context, serial, technology string) (*db.Device, error)
	MeterByActiveDevice(ctx context.Context, deviceID uuid.UUID) (*db.Meter, error)
	SwapMeterCounter(ctx context.Context, meterID uuid.UUID, newValue float64, maxRetries int) (float64, bool, error)
	RevertMeterCounter(ctx context.Context, meterID uuid.UUID, fromValue, toValue float64, hadPrev bool) error
	InsertOrphanEvent(ctx context.Context, event *db.OrphanEvent) error
	UpdateDeviceTelemetry(ctx context.Context, deviceID uuid.UUID, signalStrength, batteryLevel *float64) error
}

// DecoderResolver narrows a meter and technology to the single scenario that
// applies. Implemented by link.Manager.
type DecoderResolver interface {
	ResolveDecoder(ctx context.Context, meterID uuid.UUID, technology string) (*db.Scenario, *db.Device, error)
}

// SandboxRunner executes decoder source against one payload.
type SandboxRunner interface {
	Run(ctx context.Context, source, payloadHex string, fields map[string]string) (*decoder.Decoded, error)
}

// Appender persists a reading; implemented by the store batch writer.
type Appender interface {
	Append(ctx context.Context, reading db.Reading) error
}

// JobPublisher enqueues normalized jobs; implemented by mq.Publisher.
type JobPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, v interface{}) error
}

// Notifier is the downstream publish sink: alarm evaluation and realtime
// fanout consume it. Best-effort; the pipeline never awaits or retries it.
type Notifier interface {
	Publish(ctx context.Context, event ReadingEvent) error
}

// Pipeline orchestrates accept-enqueue-decode-persist-notify for inbound
// telemetry.
type Pipeline struct {
	store    Store
	links    DecoderResolver
	sandbox  SandboxRunner
	appender Appender
	jobs     JobPublisher
	notifier Notifier
	metrics  *metrics.Pipeline
	cfg      *config.Config
	logger   *zap.Logger
	validate *validator.Validate
}

// New creates the ingestion pipeline.
func New(
	st Store,
	links DecoderResolver,
	sandbox SandboxRunner,
	appender Appender,
	jobs JobPublisher,
	notifier Notifier,
	m *metrics.Pipeline,
	cfg *config.Config,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		store:    st,
		links:    links,
		sandbox:  sandbox,
		appender: appender,
		jobs:     jobs,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
	}
}

// Accept validates a submission's shape, enqueues a normalized job and
// returns its id. It never blocks on decoding or persistence; a returned id
// acknowledges queuing only.
func (p *Pipeline) Accept(ctx context.Context, sub Submission) (uuid.UUID, error) {
	return p.accept(ctx, nil, sub)
}

// AcceptBatch applies Accept to every submission under one tenant scope with
// per-item status. One malformed item never aborts the batch.
func (p *Pipeline) AcceptBatch(ctx context.Context, tenantID *uuid.UUID, subs []Submission) []ItemStatus {
	statuses := make([]ItemStatus, len(subs))
	for i, sub := range subs {
		jobID, err := p.accept(ctx, tenantID, sub)
		statuses[i] = ItemStatus{Index: i, Accepted: err == nil}
		if err != nil {
			statuses[i].Error = err.Error()
			continue
		}
		id := jobID
		statuses[i].JobID = &id
	}
	return statuses
}

func (p *Pipeline) accept(ctx context.Context, tenantID *uuid.UUID, sub Submission) (uuid.UUID, error) {
	if err := p.validate.Struct(sub); err != nil {
		return uuid.Nil, faults.Wrap(faults.KindValidation, err, "invalid submission")
	}
	if _, err := hex.DecodeString(sub.PayloadHex); err != nil {
		return uuid.Nil, faults.Wrap(faults.KindValidation, err, "payload is not valid hex")
	}
	if sub.Time != nil {
		if _, err := timeformat.DetectFormat(sub.Time); err != nil {
			return uuid.Nil, faults.Wrap(faults.KindValidation, err, "invalid declared time")
		}
	}

	source := sub.Source
	if source == "" {
		source = "api"
	}

	job := Job{
		JobID:            uuid.New(),
		TenantID:         tenantID,
		DeviceIdentifier: sub.DeviceIdentifier,
		Technology:       sub.Technology,
		PayloadHex:       sub.PayloadHex,
		DeclaredTime:     sub.Time,
		Metadata:         sub.Metadata,
		Source:           source,
		ReceivedAt:       time.Now().UTC(),
	}

	if err := p.jobs.PublishJSON(ctx, p.cfg.RabbitMQ.IngestRoutingKey, job); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	p.metrics.JobsAccepted.WithLabelValues(job.Technology).Inc()
	return job.JobID, nil
}

// ProcessMessage is the queue consumer handler for one enqueued job. A
// returned error nacks the message to the DLQ; parked and undecodable
// outcomes return nil because retrying them cannot succeed.
func (p *Pipeline) ProcessMessage(ctx context.Context, body []byte) error {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		p.metrics.JobOutcomes.WithLabelValues(metrics.OutcomeMalformed).Inc()
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}

	jobLogger := logging.WithJobID(p.logger, job.JobID.String())
	jobLogger.Debug("processing job",
		zap.String("device_identifier", job.DeviceIdentifier),
		zap.String("technology", job.Technology),
	)

	// 1. Attribute the payload to a device and its linked meter.
	device, err := p.store.DeviceBySerialTechnology(ctx, job.DeviceIdentifier, job.Technology)
	if err != nil {
		return err
	}
	if device == nil {
		return p.park(ctx, jobLogger, job, faults.New(faults.KindUnresolvedDevice,
			"no device with identifier %s for technology %s", job.DeviceIdentifier, job.Technology))
	}

	meter, err := p.store.MeterByActiveDevice(ctx, device.ID)
	if err != nil {
		return err
	}
	if meter == nil {
		return p.park(ctx, jobLogger, job, faults.New(faults.KindUnresolvedDecoder,
			"device %s is not linked to any meter", device.ID))
	}

	// 2. Normalize the declared timestamp; out-of-range or unparseable
	// declarations fall back to the arrival time but are flagged.
	var flags []string
	readingTime, timeFmt, err := timeformat.Normalize(job.DeclaredTime, job.ReceivedAt)
	if err != nil {
		readingTime = job.ReceivedAt.UTC()
		flags = append(flags, "invalid_time_format")
	} else if timeFmt != timeformat.FormatNone &&
		!timeformat.ValidRange(readingTime, time.Now().UTC(), p.cfg.TimeRange.MaxAge, p.cfg.TimeRange.MaxFuture) {
		readingTime = job.ReceivedAt.UTC()
		flags = append(flags, "time_out_of_range")
	}

	// 3. Resolve the single applicable decoder scenario.
	scenario, _, err := p.links.ResolveDecoder(ctx, meter.ID, job.Technology)
	if err != nil {
		if faults.Parkable(err) {
			return p.park(ctx, jobLogger, job, err)
		}
		return err
	}

	// 4. Run the decoder; failures persist an undecodable reading rather
	// than dropping the event.
	fields := fieldContext(device, job.Metadata)
	started := time.Now()
	decoded, decodeErr := p.sandbox.Run(ctx, scenario.DecoderSource, job.PayloadHex, fields)
	p.metrics.DecodeDuration.Observe(time.Since(started).Seconds())

	if decodeErr != nil {
		jobLogger.Warn("decoder failed, persisting undecodable reading",
			zap.Error(decodeErr),
			zap.String("scenario", scenario.Name),
		)
		reading := p.buildUndecodable(job, meter, device, readingTime, decodeErr, flags)
		if err := p.appender.Append(ctx, reading); err != nil {
			if errors.Is(err, store.ErrDeadLettered) {
				// The sink retains the row; requeueing would record it twice.
				jobLogger.Error("undecodable reading dead-lettered", zap.Error(err))
				return nil
			}
			return err
		}
		p.metrics.JobOutcomes.WithLabelValues(metrics.OutcomeUndecodable).Inc()
		p.notify(ctx, jobLogger, job, reading, flags)
		return nil
	}

	// 5. Consumption delta from the persisted cumulative counter. The swap
	// serializes concurrent jobs for one meter.
	prev, hadPrev, err := p.store.SwapMeterCounter(ctx, meter.ID, decoded.Value, p.cfg.Pipeline.CounterMaxRetries)
	if err != nil {
		return err
	}

	consumption := 0.0
	switch {
	case decoded.Consumption != nil && *decoded.Consumption >= 0:
		consumption = *decoded.Consumption
	case hadPrev:
		delta := decoded.Value - prev
		if delta < 0 {
			// Counter went backwards: rollover or tamper, never negative
			// consumption.
			flags = append(flags, "rollover")
		} else {
			consumption = delta
		}
	}

	unit := decoded.Unit
	if unit == "" {
		unit = defaultUnit
	}

	raw, err := json.Marshal(map[string]interface{}{
		"hex":         job.PayloadHex,
		"decoded":     decoded.Raw,
		"alarms":      decoded.Alarms,
		"flags":       flags,
		"time_format": timeFmt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal raw payload: %w", err)
	}

	reading := db.Reading{
		Time:           readingTime,
		TenantID:       meter.TenantID,
		MeterID:        meter.ID,
		Value:          decoded.Value,
		Consumption:    consumption,
		Unit:           unit,
		SignalStrength: decoded.SignalStrength,
		BatteryLevel:   decoded.BatteryLevel,
		Temperature:    decoded.Temperature,
		RawPayload:     raw,
		Source:         job.Source,
		SourceDeviceID: device.ID,
		Technology:     job.Technology,
		ProcessedAt:    time.Now().UTC(),
		DecoderUsed:    scenario.Name,
	}

	// 6. Persist, then 7. notify. Notification failures never roll back the
	// persisted reading.
	if err := p.appender.Append(ctx, reading); err != nil {
		if errors.Is(err, store.ErrDeadLettered) {
			// The sink retains the row with its consumption intact, so the
			// advanced counter stays correct and the job is not requeued.
			jobLogger.Error("reading dead-lettered", zap.Error(err))
			return nil
		}
		// The reading was not retained anywhere; undo the counter advance
		// so the redelivered job recomputes the same delta.
		if revertErr := p.store.RevertMeterCounter(ctx, meter.ID, decoded.Value, prev, hadPrev); revertErr != nil {
			jobLogger.Error("failed to revert meter counter", zap.Error(revertErr))
		}
		return err
	}

	if decoded.SignalStrength != nil || decoded.BatteryLevel != nil {
		if err := p.store.UpdateDeviceTelemetry(ctx, device.ID, decoded.SignalStrength, decoded.BatteryLevel); err != nil {
			jobLogger.Warn("failed to refresh device telemetry", zap.Error(err))
		}
	}

	p.metrics.JobOutcomes.WithLabelValues(metrics.OutcomeProcessed).Inc()
	p.notify(ctx, jobLogger, job, reading, flags)

	jobLogger.Info("job processed",
		zap.String("meter_id", meter.ID.String()),
		zap.Float64("value", reading.Value),
		zap.Float64("consumption", reading.Consumption),
		zap.Strings("flags", flags),
	)
	return nil
}

// park records a job that cannot be attributed as an orphan event and acks
// it: retrying cannot resolve a missing device or decoder configuration.
func (p *Pipeline) park(ctx context.Context, logger *zap.Logger, job Job, cause error) error {
	event := &db.OrphanEvent{
		ID:               uuid.New(),
		JobID:            job.JobID,
		TenantID:         job.TenantID,
		DeviceIdentifier: job.DeviceIdentifier,
		Technology:       job.Technology,
		PayloadHex:       job.PayloadHex,
		Reason:           string(faults.KindOf(cause)),
		Detail:           cause.Error(),
		ReceivedAt:       job.ReceivedAt,
	}
	if err := p.store.InsertOrphanEvent(ctx, event); err != nil {
		return err
	}

	switch faults.KindOf(cause) {
	case faults.KindUnresolvedDevice:
		p.metrics.JobOutcomes.WithLabelValues(metrics.OutcomeUnresolvedDevice).Inc()
	case faults.KindAmbiguousDefaultScenario:
		p.metrics.JobOutcomes.WithLabelValues(metrics.OutcomeAmbiguousDecoder).Inc()
	default:
		p.metrics.JobOutcomes.WithLabelValues(metrics.OutcomeUnresolvedDecoder).Inc()
	}

	logger.Warn("job parked as orphan event",
		zap.String("reason", event.Reason),
		zap.String("device_identifier", job.DeviceIdentifier),
	)
	return nil
}

func (p *Pipeline) buildUndecodable(job Job, meter *db.Meter, device *db.Device, readingTime time.Time, cause error, flags []string) db.Reading {
	raw, _ := json.Marshal(map[string]interface{}{
		"hex":   job.PayloadHex,
		"error": cause.Error(),
		"flags": flags,
	})
	return db.Reading{
		Time:           readingTime,
		TenantID:       meter.TenantID,
		MeterID:        meter.ID,
		Value:          0,
		Consumption:    0,
		Unit:           defaultUnit,
		RawPayload:     raw,
		Source:         job.Source,
		SourceDeviceID: device.ID,
		Technology:     job.Technology,
		ProcessedAt:    time.Now().UTC(),
		DecoderUsed:    decoder.Undecodable,
	}
}

func (p *Pipeline) notify(ctx context.Context, logger *zap.Logger, job Job, reading db.Reading, flags []string) {
	event := ReadingEvent{
		JobID:       job.JobID.String(),
		TenantID:    reading.TenantID.String(),
		MeterID:     reading.MeterID.String(),
		Time:        reading.Time.Format(time.RFC3339),
		Value:       reading.Value,
		Consumption: reading.Consumption,
		Unit:        reading.Unit,
		Technology:  reading.Technology,
		DecoderUsed: reading.DecoderUsed,
		Flags:       flags,
	}
	if err := p.notifier.Publish(ctx, event); err != nil {
		// Best-effort by contract.
		logger.Warn("failed to publish reading event", zap.Error(err))
	}
}

// fieldContext merges device dynamic fields with per-job metadata; job
// metadata wins on key collision.
func fieldContext(device *db.Device, metadata map[string]string) map[string]string {
	if len(device.DynamicFields) == 0 && len(metadata) == 0 {
		return nil
	}
	fields := make(map[string]string, len(device.DynamicFields)+len(metadata))
	for k, v := range device.DynamicFields {
		fields[k] = v
	}
	for k, v := range metadata {
		fields[k] = v
	}
	return fields
}
