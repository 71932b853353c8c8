package timeformat

import (
	"strconv"
	"strings"
	"time"

	"github.com/13uraksahin/read-water-worker/internal/faults"
)

// Format identifies how a declared reading timestamp is encoded.
type Format string

const (
	FormatNone         Format = "NONE"
	FormatEpochSeconds Format = "EPOCH_SECONDS"
	FormatEpochMillis  Format = "EPOCH_MS"
	FormatISO8601      Format = "ISO_8601"
	FormatNative       Format = "DATE_OBJECT"
)

// Magnitude boundaries for numeric epoch detection. Values at or above
// epochMillisMin are milliseconds; [epochSecondsMax, epochMillisMin) is a
// gap no real clock produces and is rejected.
const (
	epochMillisMin   = 1e12
	epochSecondsMax  = 1e10
	epochSecondsSafe = 1e9
)

// Defaults for ValidRange.
const (
	DefaultMaxAge    = 365 * 24 * time.Hour
	DefaultMaxFuture = time.Hour
)

var stringLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// DetectFormat classifies a declared timestamp value. A nil value yields
// FormatNone; the caller substitutes the arrival time.
func DetectFormat(v interface{}) (Format, error) {
	if v == nil {
		return FormatNone, nil
	}

	switch val := v.(type) {
	case time.Time:
		return FormatNative, nil
	case string:
		return detectStringFormat(val)
	default:
		if n, ok := asFloat(v); ok {
			return detectNumericFormat(n)
		}
	}

	return "", faults.New(faults.KindInvalidTimeFormat, "unsupported timestamp type %T", v)
}

func detectNumericFormat(n float64) (Format, error) {
	switch {
	case n >= epochMillisMin:
		return FormatEpochMillis, nil
	case n >= epochSecondsMax:
		// No real clock emits values in this gap.
		return "", faults.New(faults.KindInvalidTimeFormat, "numeric timestamp %.0f in unrecognized range", n)
	case n >= epochSecondsSafe:
		return FormatEpochSeconds, nil
	case n > 0:
		// Lenient: pre-2001 epoch seconds still map unambiguously.
		return FormatEpochSeconds, nil
	default:
		return "", faults.New(faults.KindInvalidTimeFormat, "non-positive numeric timestamp %.0f", n)
	}
}

func detectStringFormat(s string) (Format, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return FormatNone, nil
	}

	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return detectNumericFormat(float64(n))
	}

	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		if f >= epochMillisMin {
			return FormatEpochMillis, nil
		}
		if f > 0 {
			return FormatEpochSeconds, nil
		}
		return "", faults.New(faults.KindInvalidTimeFormat, "non-positive numeric timestamp %q", s)
	}

	for _, layout := range stringLayouts {
		if _, err := time.Parse(layout, trimmed); err == nil {
			return FormatISO8601, nil
		}
	}

	return "", faults.New(faults.KindInvalidTimeFormat, "unparseable timestamp %q", s)
}

// ToTime converts a value of a known format into a UTC instant.
func ToTime(v interface{}, format Format) (time.Time, error) {
	switch format {
	case FormatNative:
		t, ok := v.(time.Time)
		if !ok {
			return time.Time{}, faults.New(faults.KindInvalidTimeFormat, "expected time.Time, got %T", v)
		}
		return t.UTC(), nil
	case FormatEpochSeconds:
		n, ok := numericValue(v)
		if !ok {
			return time.Time{}, faults.New(faults.KindInvalidTimeFormat, "expected numeric epoch seconds, got %T", v)
		}
		sec := int64(n)
		nsec := int64((n - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	case FormatEpochMillis:
		n, ok := numericValue(v)
		if !ok {
			return time.Time{}, faults.New(faults.KindInvalidTimeFormat, "expected numeric epoch millis, got %T", v)
		}
		return time.UnixMilli(int64(n)).UTC(), nil
	case FormatISO8601:
		s, ok := v.(string)
		if !ok {
			return time.Time{}, faults.New(faults.KindInvalidTimeFormat, "expected string timestamp, got %T", v)
		}
		trimmed := strings.TrimSpace(s)
		var lastErr error
		for _, layout := range stringLayouts {
			t, err := time.Parse(layout, trimmed)
			if err == nil {
				return t.UTC(), nil
			}
			lastErr = err
		}
		return time.Time{}, faults.Wrap(faults.KindInvalidTimeFormat, lastErr, "unparseable timestamp %q", s)
	}
	return time.Time{}, faults.New(faults.KindInvalidTimeFormat, "cannot convert format %s", format)
}

// Normalize turns a declared timestamp into a UTC instant, substituting the
// arrival time when no timestamp was declared.
func Normalize(v interface{}, arrival time.Time) (time.Time, Format, error) {
	format, err := DetectFormat(v)
	if err != nil {
		return time.Time{}, "", err
	}
	if format == FormatNone {
		return arrival.UTC(), FormatNone, nil
	}
	t, err := ToTime(v, format)
	if err != nil {
		return time.Time{}, format, err
	}
	return t, format, nil
}

// ValidRange reports whether t lies within [now-maxAge, now+maxFuture].
// Guards the time series against replayed payloads and skewed clocks.
func ValidRange(t, now time.Time, maxAge, maxFuture time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxFuture <= 0 {
		maxFuture = DefaultMaxFuture
	}
	if t.Before(now.Add(-maxAge)) {
		return false
	}
	return !t.After(now.Add(maxFuture))
}

// numericValue accepts native numerics and numeric strings; parsed integer
// strings recurse through the same epoch classification as raw numbers.
func numericValue(v interface{}) (float64, bool) {
	if n, ok := asFloat(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
