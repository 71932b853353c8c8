package db

import (
	"time"

	"github.com/google/uuid"
)

// Communication technologies supported by device profiles.
const (
	TechnologyLoRaWAN = "LORAWAN"
	TechnologySigfox  = "SIGFOX"
	TechnologyNBIoT   = "NB_IOT"
)

// Device (communication module) statuses.
const (
	DeviceStatusWarehouse   = "WAREHOUSE"
	DeviceStatusActive      = "ACTIVE"
	DeviceStatusDeployed    = "DEPLOYED"
	DeviceStatusMaintenance = "MAINTENANCE"
)

// Meter (physical asset) statuses.
const (
	MeterStatusWarehouse   = "WAREHOUSE"
	MeterStatusActive      = "ACTIVE"
	MeterStatusMaintenance = "MAINTENANCE"
)

// DeviceProfile describes a communication-module model: its brand, model
// code and the communication configurations it supports.
type DeviceProfile struct {
	ID                      uuid.UUID
	TenantID                uuid.UUID
	Brand                   string
	ModelCode               string
	CompatibleMeterProfiles []uuid.UUID
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// CommunicationConfig describes one technology a device profile speaks,
// together with the dynamic field definitions payloads may carry.
type CommunicationConfig struct {
	ID              uuid.UUID
	DeviceProfileID uuid.UUID
	Technology      string
	Fields          []FieldDefinition
}

// FieldDefinition is a named, typed, regex-validated payload field.
type FieldDefinition struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Pattern  string `json:"pattern,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Scenario is a named, versioned decoder configuration within one
// communication technology.
type Scenario struct {
	ID                    uuid.UUID
	CommunicationConfigID uuid.UUID
	Name                  string
	IsDefault             bool
	DecoderSource         string
	TestPayload           *string
	ExpectedOutput        []byte
	BatteryLifeMonths     *int
	MessageIntervalSec    *int
	Description           *string
	LastTestedAt          *time.Time
	LastTestSucceeded     *bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Device is a communication-module instance attached to (at most) one meter.
type Device struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	DeviceProfileID    uuid.UUID
	SerialNumber       string
	Status             string
	SelectedTechnology string
	ActiveScenarioIDs  []uuid.UUID
	DynamicFields      map[string]string
	LastSignalStrength *float64
	LastBatteryLevel   *float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Meter is the physical water-meter asset. ActiveDeviceID is nil when no
// communication module is attached, which means no telemetry path exists.
type Meter struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	MeterProfileID uuid.UUID
	SubscriptionID *uuid.UUID
	SerialNumber   string
	Status         string
	ActiveDeviceID *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Reading is an immutable consumption fact produced by the pipeline.
type Reading struct {
	Time           time.Time
	TenantID       uuid.UUID
	MeterID        uuid.UUID
	Value          float64
	Consumption    float64
	Unit           string
	SignalStrength *float64
	BatteryLevel   *float64
	Temperature    *float64
	RawPayload     []byte
	Source         string
	SourceDeviceID uuid.UUID
	Technology     string
	ProcessedAt    time.Time
	DecoderUsed    string
}

// OrphanEvent is a parked ingestion job: the payload reached the worker but
// could not be attributed to a meter or a decoder. It is retained for
// operator inspection, never retried automatically.
type OrphanEvent struct {
	ID               uuid.UUID
	JobID            uuid.UUID
	TenantID         *uuid.UUID
	DeviceIdentifier string
	Technology       string
	PayloadHex       string
	Reason           string
	Detail           string
	ReceivedAt       time.Time
	CreatedAt        time.Time
}
