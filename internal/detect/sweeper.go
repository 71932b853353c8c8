package detect

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13uraksahin/read-water-worker/internal/store"
)

// Routing keys for detection alerts on the worker events exchange.
const (
	HighConsumptionKey = "meter.alert.high_consumption"
	OfflineKey         = "meter.alert.offline"
)

// Source is the read-side query surface the sweeper needs.
type Source interface {
	TenantIDs(ctx context.Context) ([]uuid.UUID, error)
	HighConsumptionMeters(ctx context.Context, tenantID uuid.UUID, trailingHours int, multiplier float64) ([]store.HighConsumption, error)
	OfflineMeters(ctx context.Context, tenantID uuid.UUID, windowHours int) ([]uuid.UUID, error)
}

// AlertPublisher publishes detection alerts; implemented by mq.Publisher.
type AlertPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, v interface{}) error
}

// HighConsumptionAlert flags a meter whose trailing consumption exceeds its
// historical baseline.
type HighConsumptionAlert struct {
	TenantID      string  `json:"tenant_id"`
	MeterID       string  `json:"meter_id"`
	RecentTotal   float64 `json:"recent_total"`
	BaselineDaily float64 `json:"baseline_daily"`
	Ratio         float64 `json:"ratio"`
	DetectedAt    string  `json:"detected_at"`
}

// OfflineAlert flags an active meter that produced no readings in the
// detection window.
type OfflineAlert struct {
	TenantID    string `json:"tenant_id"`
	MeterID     string `json:"meter_id"`
	WindowHours int    `json:"window_hours"`
	DetectedAt  string `json:"detected_at"`
}

// Sweeper periodically scans the fleet for high-consumption and offline
// meters and publishes alerts. Detection is read-side only and never blocks
// ingestion.
type Sweeper struct {
	source     Source
	publisher  AlertPublisher
	multiplier float64
	trailing   int
	window     int
	logger     *zap.Logger
}

// NewSweeper creates a detection sweeper.
func NewSweeper(source Source, publisher AlertPublisher, multiplier float64, trailingHours, offlineWindowHours int, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		source:     source,
		publisher:  publisher,
		multiplier: multiplier,
		trailing:   trailingHours,
		window:     offlineWindowHours,
		logger:     logger,
	}
}

// Run sweeps on the given interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("detection sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one detection pass across every tenant. Publish failures are
// logged and do not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	tenants, err := s.source.TenantIDs(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, tenantID := range tenants {
		if err := s.sweepTenant(ctx, tenantID, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) sweepTenant(ctx context.Context, tenantID uuid.UUID, now string) error {
	high, err := s.source.HighConsumptionMeters(ctx, tenantID, s.trailing, s.multiplier)
	if err != nil {
		return err
	}
	for _, h := range high {
		alert := HighConsumptionAlert{
			TenantID:      tenantID.String(),
			MeterID:       h.MeterID.String(),
			RecentTotal:   h.RecentTotal,
			BaselineDaily: h.BaselineDaily,
			Ratio:         h.Ratio,
			DetectedAt:    now,
		}
		if err := s.publisher.PublishJSON(ctx, HighConsumptionKey, alert); err != nil {
			s.logger.Warn("failed to publish high consumption alert",
				zap.String("meter_id", alert.MeterID), zap.Error(err))
		}
	}

	offline, err := s.source.OfflineMeters(ctx, tenantID, s.window)
	if err != nil {
		return err
	}
	for _, meterID := range offline {
		alert := OfflineAlert{
			TenantID:    tenantID.String(),
			MeterID:     meterID.String(),
			WindowHours: s.window,
			DetectedAt:  now,
		}
		if err := s.publisher.PublishJSON(ctx, OfflineKey, alert); err != nil {
			s.logger.Warn("failed to publish offline alert",
				zap.String("meter_id", alert.MeterID), zap.Error(err))
		}
	}

	if len(high) > 0 || len(offline) > 0 {
		s.logger.Info("detection sweep found meters",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("high_consumption", len(high)),
			zap.Int("offline", len(offline)),
		)
	}
	return nil
}
