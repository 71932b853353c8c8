package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/13uraksahin/read-water-worker/internal/config"
	"github.com/13uraksahin/read-water-worker/internal/db"
	"github.com/13uraksahin/read-water-worker/internal/decoder"
	"github.com/13uraksahin/read-water-worker/internal/faults"
	"github.com/13uraksahin/read-water-worker/internal/metrics"
	"github.com/13uraksahin/read-water-worker/internal/pipeline"
	"github.com/13uraksahin/read-water-worker/internal/store"
)

const indexDecoder = `
function decode(payload, fields) {
	return { value: parseInt(payload.substring(0, 8), 16) / 1000, unit: "m3" };
}
`

const throwingDecoder = `function decode(payload, fields) { throw new Error("bad payload"); }`

type fakeStore struct {
	device *db.Device
	meter  *db.Meter

	counterPrev    float64
	counterHadPrev bool
	swappedTo      *float64
	reverted       bool

	orphans []db.OrphanEvent
}

func (f *fakeStore) DeviceBySerialTechnology(ctx context.Context, serial, technology string) (*db.Device, error) {
	if f.device != nil && f.device.SerialNumber == serial && f.device.SelectedTechnology == technology {
		return f.device, nil
	}
	return nil, nil
}

func (f *fakeStore) MeterByActiveDevice(ctx context.Context, deviceID uuid.UUID) (*db.Meter, error) {
	if f.meter != nil && f.meter.ActiveDeviceID != nil && *f.meter.ActiveDeviceID == deviceID {
		return f.meter, nil
	}
	return nil, nil
}

func (f *fakeStore) SwapMeterCounter(ctx context.Context, meterID uuid.UUID, newValue float64, maxRetries int) (float64, bool, error) {
	prev, hadPrev := f.counterPrev, f.counterHadPrev
	f.counterPrev = newValue
	f.counterHadPrev = true
	f.swappedTo = &newValue
	return prev, hadPrev, nil
}

func (f *fakeStore) RevertMeterCounter(ctx context.Context, meterID uuid.UUID, fromValue, toValue float64, hadPrev bool) error {
	f.reverted = true
	if f.counterPrev == fromValue {
		f.counterPrev = toValue
		f.counterHadPrev = hadPrev
	}
	return nil
}

func (f *fakeStore) InsertOrphanEvent(ctx context.Context, event *db.OrphanEvent) error {
	f.orphans = append(f.orphans, *event)
	return nil
}

func (f *fakeStore) UpdateDeviceTelemetry(ctx context.Context, deviceID uuid.UUID, signalStrength, batteryLevel *float64) error {
	return nil
}

type fakeResolver struct {
	scenario *db.Scenario
	device   *db.Device
	err      error
}

func (f *fakeResolver) ResolveDecoder(ctx context.Context, meterID uuid.UUID, technology string) (*db.Scenario, *db.Device, error) {
	return f.scenario, f.device, f.err
}

type fakeAppender struct {
	readings []db.Reading
	err      error
}

func (f *fakeAppender) Append(ctx context.Context, reading db.Reading) error {
	if f.err != nil {
		return f.err
	}
	f.readings = append(f.readings, reading)
	return nil
}

type fakeJobs struct {
	published [][]byte
	err       error
}

func (f *fakeJobs) PublishJSON(ctx context.Context, routingKey string, v interface{}) error {
	if f.err != nil {
		return f.err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.published = append(f.published, body)
	return nil
}

type fakeNotifier struct {
	events []pipeline.ReadingEvent
	err    error
}

func (f *fakeNotifier) Publish(ctx context.Context, event pipeline.ReadingEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

type fixture struct {
	pipeline *pipeline.Pipeline
	store    *fakeStore
	resolver *fakeResolver
	appender *fakeAppender
	jobs     *fakeJobs
	notifier *fakeNotifier
}

func testConfig() *config.Config {
	return &config.Config{
		RabbitMQ: config.RabbitMQConfig{IngestRoutingKey: "meter.telemetry.raw"},
		Decoder:  config.DecoderConfig{Timeout: 100 * time.Millisecond, MaxCallStack: 512},
		Pipeline: config.PipelineConfig{CounterMaxRetries: 5},
		TimeRange: config.TimeRangeConfig{
			MaxAge:    365 * 24 * time.Hour,
			MaxFuture: time.Hour,
		},
	}
}

func newFixture(source string) *fixture {
	deviceID := uuid.New()
	tenantID := uuid.New()

	device := &db.Device{
		ID:                 deviceID,
		TenantID:           tenantID,
		SerialNumber:       "WM-001122",
		Status:             db.DeviceStatusDeployed,
		SelectedTechnology: db.TechnologyLoRaWAN,
	}
	meter := &db.Meter{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Status:         db.MeterStatusActive,
		ActiveDeviceID: &deviceID,
	}
	scenario := &db.Scenario{
		ID:            uuid.New(),
		Name:          "Default",
		IsDefault:     true,
		DecoderSource: source,
	}

	f := &fixture{
		store:    &fakeStore{device: device, meter: meter},
		resolver: &fakeResolver{scenario: scenario, device: device},
		appender: &fakeAppender{},
		jobs:     &fakeJobs{},
		notifier: &fakeNotifier{},
	}
	f.pipeline = pipeline.New(
		f.store,
		f.resolver,
		decoder.NewSandbox(100*time.Millisecond, 512),
		f.appender,
		f.jobs,
		f.notifier,
		metrics.NewPipeline(prometheus.NewRegistry()),
		testConfig(),
		zap.NewNop(),
	)
	return f
}

func submission() pipeline.Submission {
	return pipeline.Submission{
		DeviceIdentifier: "WM-001122",
		Technology:       db.TechnologyLoRaWAN,
		PayloadHex:       "00015F90640A",
	}
}

func TestAccept_EnqueuesAndReturnsJobID(t *testing.T) {
	f := newFixture(indexDecoder)

	jobID, err := f.pipeline.Accept(context.Background(), submission())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, jobID)
	require.Len(t, f.jobs.published, 1)

	var job pipeline.Job
	require.NoError(t, json.Unmarshal(f.jobs.published[0], &job))
	assert.Equal(t, jobID, job.JobID)
	assert.Equal(t, "WM-001122", job.DeviceIdentifier)
	assert.False(t, job.ReceivedAt.IsZero())
}

func TestAccept_RejectsMalformedSubmission(t *testing.T) {
	f := newFixture(indexDecoder)

	cases := map[string]pipeline.Submission{
		"missing identifier": {Technology: db.TechnologyLoRaWAN, PayloadHex: "00"},
		"bad technology":     {DeviceIdentifier: "WM-1", Technology: "PIGEON", PayloadHex: "00"},
		"bad hex":            {DeviceIdentifier: "WM-1", Technology: db.TechnologyLoRaWAN, PayloadHex: "zz"},
		"bad declared time":  {DeviceIdentifier: "WM-1", Technology: db.TechnologyLoRaWAN, PayloadHex: "00", Time: "yesterday-ish"},
	}

	for name, sub := range cases {
		_, err := f.pipeline.Accept(context.Background(), sub)
		require.Error(t, err, name)
		assert.Equal(t, faults.KindValidation, faults.KindOf(err), name)
	}
	assert.Empty(t, f.jobs.published)
}

func TestAcceptBatch_OneBadItemDoesNotAbort(t *testing.T) {
	f := newFixture(indexDecoder)
	tenantID := uuid.New()

	subs := []pipeline.Submission{
		submission(),
		{DeviceIdentifier: "", Technology: db.TechnologyLoRaWAN, PayloadHex: "00"},
		submission(),
	}

	statuses := f.pipeline.AcceptBatch(context.Background(), &tenantID, subs)
	require.Len(t, statuses, 3)
	assert.True(t, statuses[0].Accepted)
	assert.False(t, statuses[1].Accepted)
	assert.NotEmpty(t, statuses[1].Error)
	assert.True(t, statuses[2].Accepted)
	assert.Len(t, f.jobs.published, 2)
}

func processJob(t *testing.T, f *fixture, job pipeline.Job) error {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	return f.pipeline.ProcessMessage(context.Background(), body)
}

func baseJob() pipeline.Job {
	return pipeline.Job{
		JobID:            uuid.New(),
		DeviceIdentifier: "WM-001122",
		Technology:       db.TechnologyLoRaWAN,
		PayloadHex:       "00015F90640A",
		Source:           "api",
		ReceivedAt:       time.Now().UTC(),
	}
}

func TestProcess_ComputesConsumptionDelta(t *testing.T) {
	f := newFixture(indexDecoder)
	f.store.counterPrev = 89.5
	f.store.counterHadPrev = true

	require.NoError(t, processJob(t, f, baseJob()))

	require.Len(t, f.appender.readings, 1)
	reading := f.appender.readings[0]
	// 0x00015F90 / 1000 = 90.0
	assert.InDelta(t, 90.0, reading.Value, 1e-9)
	assert.InDelta(t, 0.5, reading.Consumption, 1e-9)
	assert.Equal(t, "Default", reading.DecoderUsed)
	assert.Equal(t, "m3", reading.Unit)

	require.NotNil(t, f.store.swappedTo)
	assert.InDelta(t, 90.0, *f.store.swappedTo, 1e-9)

	require.Len(t, f.notifier.events, 1)
	assert.InDelta(t, 0.5, f.notifier.events[0].Consumption, 1e-9)
}

func TestProcess_FirstReadingHasZeroConsumption(t *testing.T) {
	f := newFixture(indexDecoder)
	f.store.counterHadPrev = false

	require.NoError(t, processJob(t, f, baseJob()))

	require.Len(t, f.appender.readings, 1)
	assert.Zero(t, f.appender.readings[0].Consumption)
}

func TestProcess_NegativeDeltaFlagsRollover(t *testing.T) {
	f := newFixture(indexDecoder)
	f.store.counterPrev = 120.0
	f.store.counterHadPrev = true

	require.NoError(t, processJob(t, f, baseJob()))

	require.Len(t, f.appender.readings, 1)
	reading := f.appender.readings[0]
	assert.Zero(t, reading.Consumption, "consumption is never negative")

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(reading.RawPayload, &raw))
	assert.Contains(t, raw["flags"], "rollover")

	require.Len(t, f.notifier.events, 1)
	assert.Contains(t, f.notifier.events[0].Flags, "rollover")
}

func TestProcess_DecoderFailurePersistsUndecodable(t *testing.T) {
	f := newFixture(throwingDecoder)

	require.NoError(t, processJob(t, f, baseJob()))

	require.Len(t, f.appender.readings, 1)
	reading := f.appender.readings[0]
	assert.Equal(t, decoder.Undecodable, reading.DecoderUsed)
	assert.Zero(t, reading.Value)
	assert.Empty(t, f.store.orphans)
}

func TestProcess_UnknownDeviceParksJob(t *testing.T) {
	f := newFixture(indexDecoder)

	job := baseJob()
	job.DeviceIdentifier = "WM-UNKNOWN"

	// Async failure: the handler acks (returns nil), records an orphan
	// event, and creates no reading row.
	require.NoError(t, processJob(t, f, job))

	assert.Empty(t, f.appender.readings)
	require.Len(t, f.store.orphans, 1)
	assert.Equal(t, string(faults.KindUnresolvedDevice), f.store.orphans[0].Reason)
	assert.Equal(t, job.PayloadHex, f.store.orphans[0].PayloadHex)
}

func TestProcess_UnlinkedDeviceParksJob(t *testing.T) {
	f := newFixture(indexDecoder)
	f.store.meter.ActiveDeviceID = nil

	require.NoError(t, processJob(t, f, baseJob()))

	assert.Empty(t, f.appender.readings)
	require.Len(t, f.store.orphans, 1)
	assert.Equal(t, string(faults.KindUnresolvedDecoder), f.store.orphans[0].Reason)
}

func TestProcess_UnresolvedDecoderParksJob(t *testing.T) {
	f := newFixture(indexDecoder)
	f.resolver.scenario = nil
	f.resolver.err = faults.New(faults.KindUnresolvedDecoder, "no enabled default scenario")

	require.NoError(t, processJob(t, f, baseJob()))

	assert.Empty(t, f.appender.readings)
	require.Len(t, f.store.orphans, 1)
}

func TestProcess_OutOfRangeTimeFallsBackToArrival(t *testing.T) {
	f := newFixture(indexDecoder)
	f.store.counterHadPrev = true
	f.store.counterPrev = 89.0

	job := baseJob()
	job.DeclaredTime = float64(time.Now().Add(-400 * 24 * time.Hour).Unix())

	require.NoError(t, processJob(t, f, job))

	require.Len(t, f.appender.readings, 1)
	reading := f.appender.readings[0]
	assert.WithinDuration(t, job.ReceivedAt, reading.Time, time.Second)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(reading.RawPayload, &raw))
	assert.Contains(t, raw["flags"], "time_out_of_range")
}

func TestProcess_DeclaredEpochMillisIsUsed(t *testing.T) {
	f := newFixture(indexDecoder)

	declared := time.Now().Add(-2 * time.Hour).Truncate(time.Millisecond)
	job := baseJob()
	job.DeclaredTime = float64(declared.UnixMilli())

	require.NoError(t, processJob(t, f, job))

	require.Len(t, f.appender.readings, 1)
	assert.WithinDuration(t, declared.UTC(), f.appender.readings[0].Time, time.Millisecond)
}

func TestProcess_NotifierFailureDoesNotFailJob(t *testing.T) {
	f := newFixture(indexDecoder)
	f.notifier.err = errors.New("fanout unavailable")

	require.NoError(t, processJob(t, f, baseJob()))
	require.Len(t, f.appender.readings, 1)
}

func TestProcess_AppendFailureNacksForRetry(t *testing.T) {
	f := newFixture(indexDecoder)
	f.appender.err = faults.New(faults.KindPersistence, "store unavailable")

	err := processJob(t, f, baseJob())
	require.Error(t, err)
	assert.Equal(t, faults.KindPersistence, faults.KindOf(err))
	assert.True(t, f.store.reverted, "counter advance must be undone when the reading is lost")
}

func TestProcess_AppendFailureReplayKeepsConsumption(t *testing.T) {
	f := newFixture(indexDecoder)
	f.store.counterPrev = 89.5
	f.store.counterHadPrev = true
	f.appender.err = faults.New(faults.KindPersistence, "store unavailable")

	job := baseJob()
	require.Error(t, processJob(t, f, job))

	// The redelivered job must see the counter as it was before the failed
	// attempt and compute the same delta.
	f.appender.err = nil
	require.NoError(t, processJob(t, f, job))

	require.Len(t, f.appender.readings, 1)
	assert.InDelta(t, 0.5, f.appender.readings[0].Consumption, 1e-9)
}

func TestProcess_DeadLetteredReadingIsAcked(t *testing.T) {
	f := newFixture(indexDecoder)
	f.store.counterPrev = 89.5
	f.store.counterHadPrev = true
	f.appender.err = faults.Wrap(faults.KindPersistence, store.ErrDeadLettered, "flush failed after 3 attempts")

	// The dead-letter sink already retains the reading with its consumption;
	// the job is acked and the counter advance stands.
	require.NoError(t, processJob(t, f, baseJob()))
	assert.False(t, f.store.reverted)
	assert.InDelta(t, 90.0, f.store.counterPrev, 1e-9)
}

func TestProcess_MalformedJobBodyErrors(t *testing.T) {
	f := newFixture(indexDecoder)
	err := f.pipeline.ProcessMessage(context.Background(), []byte("{not json"))
	require.Error(t, err)
}
