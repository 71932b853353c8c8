package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/13uraksahin/read-water-worker/internal/db"
	"github.com/13uraksahin/read-water-worker/internal/faults"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeviceBySerialTechnology resolves a device by its over-the-air identifier
// and technology. Returns (nil, nil) when no such device exists; attribution
// of that miss is the pipeline's concern.
func (r *Repository) DeviceBySerialTechnology(ctx context.Context, serial, technology string) (*db.Device, error) {
	query := `
		SELECT id, tenant_id, device_profile_id, serial_number, status, selected_technology,
		       active_scenario_ids, dynamic_fields, last_signal_strength, last_battery_level,
		       created_at, updated_at
		FROM devices
		WHERE serial_number = $1 AND selected_technology = $2
	`

	var device db.Device
	err := r.pool.QueryRow(ctx, query, serial, technology).Scan(
		&device.ID,
		&device.TenantID,
		&device.DeviceProfileID,
		&device.SerialNumber,
		&device.Status,
		&device.SelectedTechnology,
		&device.ActiveScenarioIDs,
		&device.DynamicFields,
		&device.LastSignalStrength,
		&device.LastBatteryLevel,
		&device.CreatedAt,
		&device.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return &device, nil
}

// DeviceByID loads a device within a transaction, locking the row.
func (r *Repository) DeviceByID(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID) (*db.Device, error) {
	query := `
		SELECT id, tenant_id, device_profile_id, serial_number, status, selected_technology,
		       active_scenario_ids, dynamic_fields, last_signal_strength, last_battery_level,
		       created_at, updated_at
		FROM devices
		WHERE id = $1
		FOR UPDATE
	`

	var device db.Device
	err := tx.QueryRow(ctx, query, deviceID).Scan(
		&device.ID,
		&device.TenantID,
		&device.DeviceProfileID,
		&device.SerialNumber,
		&device.Status,
		&device.SelectedTechnology,
		&device.ActiveScenarioIDs,
		&device.DynamicFields,
		&device.LastSignalStrength,
		&device.LastBatteryLevel,
		&device.CreatedAt,
		&device.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return &device, nil
}

// MeterByID loads a meter within a transaction, locking the row.
func (r *Repository) MeterByID(ctx context.Context, tx pgx.Tx, meterID uuid.UUID) (*db.Meter, error) {
	query := `
		SELECT id, tenant_id, meter_profile_id, subscription_id, serial_number, status,
		       active_device_id, created_at, updated_at
		FROM meters
		WHERE id = $1
		FOR UPDATE
	`

	var meter db.Meter
	err := tx.QueryRow(ctx, query, meterID).Scan(
		&meter.ID,
		&meter.TenantID,
		&meter.MeterProfileID,
		&meter.SubscriptionID,
		&meter.SerialNumber,
		&meter.Status,
		&meter.ActiveDeviceID,
		&meter.CreatedAt,
		&meter.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query meter: %w", err)
	}
	return &meter, nil
}

// Meter loads a meter without locking.
func (r *Repository) Meter(ctx context.Context, meterID uuid.UUID) (*db.Meter, error) {
	query := `
		SELECT id, tenant_id, meter_profile_id, subscription_id, serial_number, status,
		       active_device_id, created_at, updated_at
		FROM meters
		WHERE id = $1
	`

	var meter db.Meter
	err := r.pool.QueryRow(ctx, query, meterID).Scan(
		&meter.ID,
		&meter.TenantID,
		&meter.MeterProfileID,
		&meter.SubscriptionID,
		&meter.SerialNumber,
		&meter.Status,
		&meter.ActiveDeviceID,
		&meter.CreatedAt,
		&meter.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query meter: %w", err)
	}
	return &meter, nil
}

// Device loads a device without locking.
func (r *Repository) Device(ctx context.Context, deviceID uuid.UUID) (*db.Device, error) {
	query := `
		SELECT id, tenant_id, device_profile_id, serial_number, status, selected_technology,
		       active_scenario_ids, dynamic_fields, last_signal_strength, last_battery_level,
		       created_at, updated_at
		FROM devices
		WHERE id = $1
	`

	var device db.Device
	err := r.pool.QueryRow(ctx, query, deviceID).Scan(
		&device.ID,
		&device.TenantID,
		&device.DeviceProfileID,
		&device.SerialNumber,
		&device.Status,
		&device.SelectedTechnology,
		&device.ActiveScenarioIDs,
		&device.DynamicFields,
		&device.LastSignalStrength,
		&device.LastBatteryLevel,
		&device.CreatedAt,
		&device.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return &device, nil
}

// MeterByActiveDevice finds the meter a device is currently linked to.
func (r *Repository) MeterByActiveDevice(ctx context.Context, deviceID uuid.UUID) (*db.Meter, error) {
	query := `
		SELECT id, tenant_id, meter_profile_id, subscription_id, serial_number, status,
		       active_device_id, created_at, updated_at
		FROM meters
		WHERE active_device_id = $1
	`

	var meter db.Meter
	err := r.pool.QueryRow(ctx, query, deviceID).Scan(
		&meter.ID,
		&meter.TenantID,
		&meter.MeterProfileID,
		&meter.SubscriptionID,
		&meter.SerialNumber,
		&meter.Status,
		&meter.ActiveDeviceID,
		&meter.CreatedAt,
		&meter.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query meter by device: %w", err)
	}
	return &meter, nil
}

// DeviceIsLinked reports whether any meter points at the device.
func (r *Repository) DeviceIsLinked(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID) (bool, error) {
	var linked bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM meters WHERE active_device_id = $1)`, deviceID).Scan(&linked)
	if err != nil {
		return false, fmt.Errorf("failed to check device link: %w", err)
	}
	return linked, nil
}

// DeviceProfileByID loads a device profile.
func (r *Repository) DeviceProfileByID(ctx context.Context, profileID uuid.UUID) (*db.DeviceProfile, error) {
	query := `
		SELECT id, tenant_id, brand, model_code, compatible_meter_profiles, created_at, updated_at
		FROM device_profiles
		WHERE id = $1
	`

	var profile db.DeviceProfile
	err := r.pool.QueryRow(ctx, query, profileID).Scan(
		&profile.ID,
		&profile.TenantID,
		&profile.Brand,
		&profile.ModelCode,
		&profile.CompatibleMeterProfiles,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device profile: %w", err)
	}
	return &profile, nil
}

// SetMeterActiveDevice updates the meter side of a link within a transaction.
func (r *Repository) SetMeterActiveDevice(ctx context.Context, tx pgx.Tx, meterID uuid.UUID, deviceID *uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE meters SET active_device_id = $2, updated_at = now() WHERE id = $1`,
		meterID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update meter link: %w", err)
	}
	return nil
}

// SetDeviceStatus updates a device status within a transaction.
func (r *Repository) SetDeviceStatus(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID, status string) error {
	_, err := tx.Exec(ctx,
		`UPDATE devices SET status = $2, updated_at = now() WHERE id = $1`,
		deviceID, status,
	)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	return nil
}

// UpdateDeviceTelemetry refreshes the signal and battery levels last seen
// for a device. Called after a successful decode, best-effort.
func (r *Repository) UpdateDeviceTelemetry(ctx context.Context, deviceID uuid.UUID, signalStrength, batteryLevel *float64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE devices
		SET last_signal_strength = COALESCE($2, last_signal_strength),
		    last_battery_level   = COALESCE($3, last_battery_level),
		    updated_at           = now()
		WHERE id = $1
	`, deviceID, signalStrength, batteryLevel)
	if err != nil {
		return fmt.Errorf("failed to update device telemetry: %w", err)
	}
	return nil
}

// ScenariosByProfileTechnology returns the decoder scenarios declared for a
// device profile under one technology, default scenario first.
func (r *Repository) ScenariosByProfileTechnology(ctx context.Context, profileID uuid.UUID, technology string) ([]db.Scenario, error) {
	query := `
		SELECT s.id, s.communication_config_id, s.name, s.is_default, s.decoder_source,
		       s.test_payload, s.expected_output, s.battery_life_months, s.message_interval_sec,
		       s.description, s.last_tested_at, s.last_test_succeeded, s.created_at, s.updated_at
		FROM scenarios s
		JOIN communication_configs cc ON cc.id = s.communication_config_id
		WHERE cc.device_profile_id = $1 AND cc.technology = $2
		ORDER BY s.is_default DESC, s.name ASC
	`

	rows, err := r.pool.Query(ctx, query, profileID, technology)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []db.Scenario
	for rows.Next() {
		var s db.Scenario
		if err := rows.Scan(
			&s.ID,
			&s.CommunicationConfigID,
			&s.Name,
			&s.IsDefault,
			&s.DecoderSource,
			&s.TestPayload,
			&s.ExpectedOutput,
			&s.BatteryLifeMonths,
			&s.MessageIntervalSec,
			&s.Description,
			&s.LastTestedAt,
			&s.LastTestSucceeded,
			&s.CreatedAt,
			&s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scenario: %w", err)
		}
		scenarios = append(scenarios, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return scenarios, nil
}

// ScenariosNeedingSelfTest returns scenarios that carry a test fixture but
// were never tested, or whose source changed since the last recorded test.
func (r *Repository) ScenariosNeedingSelfTest(ctx context.Context) ([]db.Scenario, error) {
	query := `
		SELECT s.id, s.communication_config_id, s.name, s.is_default, s.decoder_source,
		       s.test_payload, s.expected_output, s.battery_life_months, s.message_interval_sec,
		       s.description, s.last_tested_at, s.last_test_succeeded, s.created_at, s.updated_at
		FROM scenarios s
		WHERE s.test_payload IS NOT NULL
		  AND s.expected_output IS NOT NULL
		  AND (s.last_tested_at IS NULL OR s.updated_at > s.last_tested_at)
		ORDER BY s.updated_at ASC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenarios needing self-test: %w", err)
	}
	defer rows.Close()

	var scenarios []db.Scenario
	for rows.Next() {
		var s db.Scenario
		if err := rows.Scan(
			&s.ID,
			&s.CommunicationConfigID,
			&s.Name,
			&s.IsDefault,
			&s.DecoderSource,
			&s.TestPayload,
			&s.ExpectedOutput,
			&s.BatteryLifeMonths,
			&s.MessageIntervalSec,
			&s.Description,
			&s.LastTestedAt,
			&s.LastTestSucceeded,
			&s.CreatedAt,
			&s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scenario: %w", err)
		}
		scenarios = append(scenarios, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return scenarios, nil
}

// UpdateScenarioTestResult records the outcome of a decoder self-test.
func (r *Repository) UpdateScenarioTestResult(ctx context.Context, scenarioID uuid.UUID, testedAt time.Time, succeeded bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE scenarios SET last_tested_at = $2, last_test_succeeded = $3, updated_at = now() WHERE id = $1`,
		scenarioID, testedAt, succeeded,
	)
	if err != nil {
		return fmt.Errorf("failed to update scenario test result: %w", err)
	}
	return nil
}

// SwapMeterCounter advances the persisted cumulative value for a meter with
// optimistic compare-and-swap so two concurrent jobs for one meter never
// compute a delta from the same stale value. Returns the previous value and
// whether one existed (first readings have no previous).
func (r *Repository) SwapMeterCounter(ctx context.Context, meterID uuid.UUID, newValue float64, maxRetries int) (float64, bool, error) {
	if maxRetries <= 0 {
		maxRetries = 5
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		var prev float64
		err := r.pool.QueryRow(ctx,
			`SELECT last_value FROM meter_counters WHERE meter_id = $1`, meterID,
		).Scan(&prev)

		if errors.Is(err, pgx.ErrNoRows) {
			tag, insErr := r.pool.Exec(ctx, `
				INSERT INTO meter_counters (meter_id, last_value, updated_at)
				VALUES ($1, $2, now())
				ON CONFLICT (meter_id) DO NOTHING
			`, meterID, newValue)
			if insErr != nil {
				return 0, false, faults.Wrap(faults.KindPersistence, insErr, "failed to initialize meter counter")
			}
			if tag.RowsAffected() == 1 {
				return 0, false, nil
			}
			// Lost the insert race; re-read and swap.
			continue
		}
		if err != nil {
			return 0, false, faults.Wrap(faults.KindPersistence, err, "failed to read meter counter")
		}

		tag, err := r.pool.Exec(ctx, `
			UPDATE meter_counters
			SET last_value = $2, updated_at = now()
			WHERE meter_id = $1 AND last_value = $3
		`, meterID, newValue, prev)
		if err != nil {
			return 0, false, faults.Wrap(faults.KindPersistence, err, "failed to swap meter counter")
		}
		if tag.RowsAffected() == 1 {
			return prev, true, nil
		}
	}

	return 0, false, faults.New(faults.KindPersistence, "meter counter contention for %s", meterID)
}

// RevertMeterCounter undoes a counter advance whose reading never became
// durable, so a requeued job recomputes the same delta. The revert is
// CAS-guarded: if a later reading already advanced the counter past
// fromValue, nothing is touched.
func (r *Repository) RevertMeterCounter(ctx context.Context, meterID uuid.UUID, fromValue, toValue float64, hadPrev bool) error {
	var err error
	if hadPrev {
		_, err = r.pool.Exec(ctx, `
			UPDATE meter_counters
			SET last_value = $3, updated_at = now()
			WHERE meter_id = $1 AND last_value = $2
		`, meterID, fromValue, toValue)
	} else {
		_, err = r.pool.Exec(ctx,
			`DELETE FROM meter_counters WHERE meter_id = $1 AND last_value = $2`,
			meterID, fromValue,
		)
	}
	if err != nil {
		return faults.Wrap(faults.KindPersistence, err, "failed to revert meter counter")
	}
	return nil
}

// InsertOrphanEvent parks a job that could not be attributed to a meter or
// decoder. Parked payloads stay inspectable; they are never retried.
func (r *Repository) InsertOrphanEvent(ctx context.Context, event *db.OrphanEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO orphan_events (
			id, job_id, tenant_id, device_identifier, technology,
			payload_hex, reason, detail, received_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	`,
		event.ID,
		event.JobID,
		event.TenantID,
		event.DeviceIdentifier,
		event.Technology,
		event.PayloadHex,
		event.Reason,
		event.Detail,
		event.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert orphan event: %w", err)
	}
	return nil
}
