package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/13uraksahin/read-water-worker/internal/db"
)

var readingColumns = []string{
	"time", "tenant_id", "meter_id", "value", "consumption", "unit",
	"signal_strength", "battery_level", "temperature", "raw_payload",
	"source", "source_device_id", "communication_technology",
	"processed_at", "decoder_used",
}

// Store is the reading time-series persistence layer: bulk appends plus the
// read-side aggregation queries. Aggregations are not on the hot path.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a reading store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CopyReadings bulk-inserts a batch of readings via the COPY protocol.
func (s *Store) CopyReadings(ctx context.Context, readings []db.Reading) error {
	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"readings"},
		readingColumns,
		pgx.CopyFromSlice(len(readings), func(i int) ([]interface{}, error) {
			r := readings[i]
			return []interface{}{
				r.Time,
				r.TenantID,
				r.MeterID,
				r.Value,
				r.Consumption,
				r.Unit,
				r.SignalStrength,
				r.BatteryLevel,
				r.Temperature,
				r.RawPayload,
				r.Source,
				r.SourceDeviceID,
				r.Technology,
				r.ProcessedAt,
				r.DecoderUsed,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy readings: %w", err)
	}
	return nil
}

// ConsumptionBucket is one fixed time bucket of summed consumption.
type ConsumptionBucket struct {
	BucketStart time.Time
	Total       float64
	Count       int64
}

// HourlyConsumption returns per-hour consumption totals for a meter.
func (s *Store) HourlyConsumption(ctx context.Context, tenantID, meterID uuid.UUID, from, to time.Time) ([]ConsumptionBucket, error) {
	return s.bucketedConsumption(ctx, "hour", tenantID, meterID, from, to)
}

// DailyConsumption returns per-day consumption totals for a meter.
func (s *Store) DailyConsumption(ctx context.Context, tenantID, meterID uuid.UUID, from, to time.Time) ([]ConsumptionBucket, error) {
	return s.bucketedConsumption(ctx, "day", tenantID, meterID, from, to)
}

func (s *Store) bucketedConsumption(ctx context.Context, bucket string, tenantID, meterID uuid.UUID, from, to time.Time) ([]ConsumptionBucket, error) {
	query := `
		SELECT date_trunc($1, time) AS bucket, SUM(consumption), COUNT(*)
		FROM readings
		WHERE tenant_id = $2 AND meter_id = $3 AND time >= $4 AND time < $5
		GROUP BY bucket
		ORDER BY bucket
	`

	rows, err := s.pool.Query(ctx, query, bucket, tenantID, meterID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumption rollup: %w", err)
	}
	defer rows.Close()

	var buckets []ConsumptionBucket
	for rows.Next() {
		var b ConsumptionBucket
		if err := rows.Scan(&b.BucketStart, &b.Total, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return buckets, nil
}

// LatestReadings returns the most recent reading per meter for a tenant.
func (s *Store) LatestReadings(ctx context.Context, tenantID uuid.UUID) ([]db.Reading, error) {
	query := `
		SELECT DISTINCT ON (meter_id)
		       time, tenant_id, meter_id, value, consumption, unit,
		       signal_strength, battery_level, temperature, raw_payload,
		       source, source_device_id, communication_technology,
		       processed_at, decoder_used
		FROM readings
		WHERE tenant_id = $1
		ORDER BY meter_id, time DESC
	`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest readings: %w", err)
	}
	defer rows.Close()

	var readings []db.Reading
	for rows.Next() {
		var r db.Reading
		if err := rows.Scan(
			&r.Time, &r.TenantID, &r.MeterID, &r.Value, &r.Consumption, &r.Unit,
			&r.SignalStrength, &r.BatteryLevel, &r.Temperature, &r.RawPayload,
			&r.Source, &r.SourceDeviceID, &r.Technology,
			&r.ProcessedAt, &r.DecoderUsed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return readings, nil
}

// ConsumptionStats holds summary statistics over a window.
type ConsumptionStats struct {
	Sum   float64
	Avg   float64
	Min   float64
	Max   float64
	Count int64
}

// Stats computes consumption statistics for a meter over [from, to).
func (s *Store) Stats(ctx context.Context, tenantID, meterID uuid.UUID, from, to time.Time) (*ConsumptionStats, error) {
	query := `
		SELECT COALESCE(SUM(consumption), 0), COALESCE(AVG(consumption), 0),
		       COALESCE(MIN(consumption), 0), COALESCE(MAX(consumption), 0), COUNT(*)
		FROM readings
		WHERE tenant_id = $1 AND meter_id = $2 AND time >= $3 AND time < $4
	`

	var stats ConsumptionStats
	err := s.pool.QueryRow(ctx, query, tenantID, meterID, from, to).Scan(
		&stats.Sum, &stats.Avg, &stats.Min, &stats.Max, &stats.Count,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumption stats: %w", err)
	}
	return &stats, nil
}

// HighConsumption flags a meter whose trailing window exceeds its
// historical baseline.
type HighConsumption struct {
	MeterID       uuid.UUID
	RecentTotal   float64
	BaselineDaily float64
	Ratio         float64
}

// HighConsumptionMeters compares each meter's trailing-N-hour summed
// consumption against its trailing-30-day historical daily average, the
// trailing window excluded, and returns meters above multiplier times the
// baseline.
func (s *Store) HighConsumptionMeters(ctx context.Context, tenantID uuid.UUID, trailingHours int, multiplier float64) ([]HighConsumption, error) {
	query := `
		WITH recent AS (
			SELECT meter_id, SUM(consumption) AS recent_total
			FROM readings
			WHERE tenant_id = $1
			  AND time >= now() - make_interval(hours => $2)
			GROUP BY meter_id
		),
		baseline AS (
			SELECT meter_id, SUM(consumption) / 30.0 AS daily_avg
			FROM readings
			WHERE tenant_id = $1
			  AND time >= now() - interval '30 days' - make_interval(hours => $2)
			  AND time <  now() - make_interval(hours => $2)
			GROUP BY meter_id
		)
		SELECT r.meter_id, r.recent_total, b.daily_avg, r.recent_total / b.daily_avg
		FROM recent r
		JOIN baseline b USING (meter_id)
		WHERE b.daily_avg > 0 AND r.recent_total > $3 * b.daily_avg
		ORDER BY r.recent_total / b.daily_avg DESC
	`

	rows, err := s.pool.Query(ctx, query, tenantID, trailingHours, multiplier)
	if err != nil {
		return nil, fmt.Errorf("failed to query high consumption meters: %w", err)
	}
	defer rows.Close()

	var results []HighConsumption
	for rows.Next() {
		var h HighConsumption
		if err := rows.Scan(&h.MeterID, &h.RecentTotal, &h.BaselineDaily, &h.Ratio); err != nil {
			return nil, fmt.Errorf("failed to scan high consumption row: %w", err)
		}
		results = append(results, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return results, nil
}

// TenantIDs returns every tenant that owns at least one meter.
func (s *Store) TenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM meters ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return ids, nil
}

// OfflineMeters returns ACTIVE meters with zero readings in the trailing
// window.
func (s *Store) OfflineMeters(ctx context.Context, tenantID uuid.UUID, windowHours int) ([]uuid.UUID, error) {
	query := `
		SELECT m.id
		FROM meters m
		WHERE m.tenant_id = $1
		  AND m.status = 'ACTIVE'
		  AND NOT EXISTS (
			SELECT 1 FROM readings r
			WHERE r.meter_id = m.id
			  AND r.time >= now() - make_interval(hours => $2)
		  )
		ORDER BY m.id
	`

	rows, err := s.pool.Query(ctx, query, tenantID, windowHours)
	if err != nil {
		return nil, fmt.Errorf("failed to query offline meters: %w", err)
	}
	defer rows.Close()

	var meterIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan meter id: %w", err)
		}
		meterIDs = append(meterIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return meterIDs, nil
}
