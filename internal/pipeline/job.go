package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Submission is one inbound telemetry payload as handed over by the HTTP
// layer. Time is optional and may arrive in any encoding the
// timeformat package recognizes.
type Submission struct {
	DeviceIdentifier string            `json:"deviceIdentifier" validate:"required"`
	Technology       string            `json:"technology" validate:"required,oneof=LORAWAN SIGFOX NB_IOT"`
	PayloadHex       string            `json:"payloadHex" validate:"required"`
	Time             interface{}       `json:"time,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Source           string            `json:"source,omitempty"`
}

// Job is the normalized queue message produced by Accept. Enqueueing is
// at-least-once: a job id acknowledges queuing, not processing.
type Job struct {
	JobID            uuid.UUID         `json:"job_id"`
	TenantID         *uuid.UUID        `json:"tenant_id,omitempty"`
	DeviceIdentifier string            `json:"device_identifier"`
	Technology       string            `json:"technology"`
	PayloadHex       string            `json:"payload_hex"`
	DeclaredTime     interface{}       `json:"declared_time,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Source           string            `json:"source"`
	ReceivedAt       time.Time         `json:"received_at"`
}

// ItemStatus reports the per-item outcome of a batch submission.
type ItemStatus struct {
	Index    int        `json:"index"`
	JobID    *uuid.UUID `json:"job_id,omitempty"`
	Accepted bool       `json:"accepted"`
	Error    string     `json:"error,omitempty"`
}

// ReadingEvent is the downstream notification published after a reading is
// persisted. Consumers run alarm evaluation and realtime fanout on it.
type ReadingEvent struct {
	JobID       string   `json:"job_id"`
	TenantID    string   `json:"tenant_id"`
	MeterID     string   `json:"meter_id"`
	Time        string   `json:"time"`
	Value       float64  `json:"value"`
	Consumption float64  `json:"consumption"`
	Unit        string   `json:"unit"`
	Technology  string   `json:"technology"`
	DecoderUsed string   `json:"decoder_used"`
	Flags       []string `json:"flags,omitempty"`
}
