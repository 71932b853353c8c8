package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a processing failure so callers can decide between
// synchronous rejection, parking and requeue-to-DLQ.
type Kind string

const (
	KindValidation               Kind = "validation_error"
	KindUnresolvedDevice         Kind = "unresolved_device"
	KindUnresolvedDecoder        Kind = "unresolved_decoder"
	KindAmbiguousDefaultScenario Kind = "ambiguous_default_scenario"
	KindInvalidTimeFormat        Kind = "invalid_time_format"
	KindTimeOutOfRange           Kind = "time_out_of_range"
	KindDecodeFailure            Kind = "decode_failure"
	KindPersistence              Kind = "persistence_error"
	KindIncompatibleProfile      Kind = "incompatible_profile"
	KindInvalidLinkState         Kind = "invalid_link_state"
)

// Fault is a typed error carrying its classification.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a fault of the given kind.
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault of the given kind wrapping an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the fault kind from an error chain, or "" if the error
// carries no classification.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Is reports whether err is a fault of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Parkable reports whether a failure should park the job as an orphan event
// instead of requeueing it. Parked jobs are kept for operator inspection and
// are never retried automatically.
func Parkable(err error) bool {
	switch KindOf(err) {
	case KindUnresolvedDevice, KindUnresolvedDecoder, KindAmbiguousDefaultScenario:
		return true
	}
	return false
}
