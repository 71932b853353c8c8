package link

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/13uraksahin/read-water-worker/internal/db"
	"github.com/13uraksahin/read-water-worker/internal/faults"
)

// Store is the persistence surface the link manager needs.
type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	MeterByID(ctx context.Context, tx pgx.Tx, meterID uuid.UUID) (*db.Meter, error)
	DeviceByID(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID) (*db.Device, error)
	DeviceIsLinked(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID) (bool, error)
	DeviceProfileByID(ctx context.Context, profileID uuid.UUID) (*db.DeviceProfile, error)
	SetMeterActiveDevice(ctx context.Context, tx pgx.Tx, meterID uuid.UUID, deviceID *uuid.UUID) error
	SetDeviceStatus(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID, status string) error
	Meter(ctx context.Context, meterID uuid.UUID) (*db.Meter, error)
	Device(ctx context.Context, deviceID uuid.UUID) (*db.Device, error)
	ScenariosByProfileTechnology(ctx context.Context, profileID uuid.UUID, technology string) ([]db.Scenario, error)
}

// Manager owns the device-meter association state machine and resolves which
// decoder applies to a meter at ingestion time.
type Manager struct {
	store  Store
	logger *zap.Logger
}

// NewManager creates a link manager.
func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Link attaches a device to a meter. Both rows are locked and mutated in one
// transaction: the meter gains active_device_id, the device goes in service.
func (m *Manager) Link(ctx context.Context, meterID, deviceID uuid.UUID) error {
	return m.store.WithTx(ctx, func(tx pgx.Tx) error {
		meter, err := m.store.MeterByID(ctx, tx, meterID)
		if err != nil {
			return err
		}
		if meter == nil {
			return faults.New(faults.KindInvalidLinkState, "meter %s does not exist", meterID)
		}
		if meter.ActiveDeviceID != nil {
			return faults.New(faults.KindInvalidLinkState, "meter %s is already linked to device %s", meterID, *meter.ActiveDeviceID)
		}

		device, err := m.store.DeviceByID(ctx, tx, deviceID)
		if err != nil {
			return err
		}
		if device == nil {
			return faults.New(faults.KindInvalidLinkState, "device %s does not exist", deviceID)
		}
		if device.Status == db.DeviceStatusDeployed {
			return faults.New(faults.KindInvalidLinkState, "device %s is already in service", deviceID)
		}

		linked, err := m.store.DeviceIsLinked(ctx, tx, deviceID)
		if err != nil {
			return err
		}
		if linked {
			return faults.New(faults.KindInvalidLinkState, "device %s is linked to another meter", deviceID)
		}

		profile, err := m.store.DeviceProfileByID(ctx, device.DeviceProfileID)
		if err != nil {
			return err
		}
		if profile != nil && len(profile.CompatibleMeterProfiles) > 0 {
			if !containsUUID(profile.CompatibleMeterProfiles, meter.MeterProfileID) {
				return faults.New(faults.KindIncompatibleProfile,
					"device profile %s does not support meter profile %s", profile.ID, meter.MeterProfileID)
			}
		}

		if err := m.store.SetMeterActiveDevice(ctx, tx, meterID, &deviceID); err != nil {
			return err
		}
		if err := m.store.SetDeviceStatus(ctx, tx, deviceID, db.DeviceStatusDeployed); err != nil {
			return err
		}

		m.logger.Info("linked device to meter",
			zap.String("meter_id", meterID.String()),
			zap.String("device_id", deviceID.String()),
		)
		return nil
	})
}

// Unlink detaches the meter's device and parks it in the desired status
// (WAREHOUSE when empty).
func (m *Manager) Unlink(ctx context.Context, meterID uuid.UUID, desiredDeviceStatus string) error {
	if desiredDeviceStatus == "" {
		desiredDeviceStatus = db.DeviceStatusWarehouse
	}
	switch desiredDeviceStatus {
	case db.DeviceStatusWarehouse, db.DeviceStatusActive, db.DeviceStatusMaintenance:
	default:
		return faults.New(faults.KindInvalidLinkState, "invalid post-unlink device status %q", desiredDeviceStatus)
	}

	return m.store.WithTx(ctx, func(tx pgx.Tx) error {
		meter, err := m.store.MeterByID(ctx, tx, meterID)
		if err != nil {
			return err
		}
		if meter == nil {
			return faults.New(faults.KindInvalidLinkState, "meter %s does not exist", meterID)
		}
		if meter.ActiveDeviceID == nil {
			return faults.New(faults.KindInvalidLinkState, "meter %s has no linked device", meterID)
		}

		deviceID := *meter.ActiveDeviceID
		if err := m.store.SetMeterActiveDevice(ctx, tx, meterID, nil); err != nil {
			return err
		}
		if err := m.store.SetDeviceStatus(ctx, tx, deviceID, desiredDeviceStatus); err != nil {
			return err
		}

		m.logger.Info("unlinked device from meter",
			zap.String("meter_id", meterID.String()),
			zap.String("device_id", deviceID.String()),
			zap.String("device_status", desiredDeviceStatus),
		)
		return nil
	})
}

// ResolveDecoder determines the single decoder scenario applying to a meter
// for one technology. Missing links or scenarios are UnresolvedDecoder; more
// than one default scenario is a configuration error, surfaced, not silently
// tie-broken.
func (m *Manager) ResolveDecoder(ctx context.Context, meterID uuid.UUID, technology string) (*db.Scenario, *db.Device, error) {
	meter, err := m.store.Meter(ctx, meterID)
	if err != nil {
		return nil, nil, err
	}
	if meter == nil {
		return nil, nil, faults.New(faults.KindUnresolvedDecoder, "meter %s does not exist", meterID)
	}
	if meter.ActiveDeviceID == nil {
		return nil, nil, faults.New(faults.KindUnresolvedDecoder, "meter %s has no linked device", meterID)
	}

	device, err := m.store.Device(ctx, *meter.ActiveDeviceID)
	if err != nil {
		return nil, nil, err
	}
	if device == nil {
		return nil, nil, faults.New(faults.KindUnresolvedDecoder, "meter %s points at missing device %s", meterID, *meter.ActiveDeviceID)
	}

	scenarios, err := m.store.ScenariosByProfileTechnology(ctx, device.DeviceProfileID, technology)
	if err != nil {
		return nil, nil, err
	}

	var defaults []db.Scenario
	for _, s := range scenarios {
		if !s.IsDefault {
			continue
		}
		// Devices provisioned before scenario selection carry no enabled
		// subset; every scenario counts as enabled for them.
		if len(device.ActiveScenarioIDs) > 0 && !containsUUID(device.ActiveScenarioIDs, s.ID) {
			continue
		}
		defaults = append(defaults, s)
	}

	switch len(defaults) {
	case 0:
		return nil, nil, faults.New(faults.KindUnresolvedDecoder,
			"no enabled default scenario for meter %s technology %s", meterID, technology)
	case 1:
		return &defaults[0], device, nil
	default:
		return nil, nil, faults.New(faults.KindAmbiguousDefaultScenario,
			"%d scenarios flagged default for meter %s technology %s", len(defaults), meterID, technology)
	}
}

func containsUUID(list []uuid.UUID, id uuid.UUID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
