package timeformat_test

import (
	"testing"
	"time"

	"github.com/13uraksahin/read-water-worker/internal/timeformat"
)

func TestDetectFormat_EpochMillis(t *testing.T) {
	format, err := timeformat.DetectFormat(float64(1735468245000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != timeformat.FormatEpochMillis {
		t.Errorf("expected EPOCH_MS, got %s", format)
	}
}

func TestDetectFormat_EpochSeconds(t *testing.T) {
	format, err := timeformat.DetectFormat(float64(1735468245))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != timeformat.FormatEpochSeconds {
		t.Errorf("expected EPOCH_SECONDS, got %s", format)
	}
}

func TestDetectFormat_LenientSmallEpoch(t *testing.T) {
	// Pre-2001 epoch seconds are still accepted.
	format, err := timeformat.DetectFormat(float64(915148800))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != timeformat.FormatEpochSeconds {
		t.Errorf("expected EPOCH_SECONDS, got %s", format)
	}
}

func TestDetectFormat_UnrecognizedGap(t *testing.T) {
	// [1e10, 1e12) is neither plausible seconds nor milliseconds.
	_, err := timeformat.DetectFormat(float64(5e10))
	if err == nil {
		t.Error("expected error for value in the unrecognized gap")
	}
}

func TestDetectFormat_NonPositive(t *testing.T) {
	for _, v := range []float64{0, -1735468245} {
		if _, err := timeformat.DetectFormat(v); err == nil {
			t.Errorf("expected error for non-positive value %v", v)
		}
	}
}

func TestDetectFormat_IntegerString(t *testing.T) {
	format, err := timeformat.DetectFormat("1735468245000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != timeformat.FormatEpochMillis {
		t.Errorf("expected EPOCH_MS for integer string, got %s", format)
	}
}

func TestDetectFormat_DecimalString(t *testing.T) {
	format, err := timeformat.DetectFormat("1735468245.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != timeformat.FormatEpochSeconds {
		t.Errorf("expected EPOCH_SECONDS for decimal string, got %s", format)
	}
}

func TestDetectFormat_ISO8601(t *testing.T) {
	format, err := timeformat.DetectFormat("2025-12-29T10:30:45Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != timeformat.FormatISO8601 {
		t.Errorf("expected ISO_8601, got %s", format)
	}
}

func TestDetectFormat_Native(t *testing.T) {
	format, err := timeformat.DetectFormat(time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != timeformat.FormatNative {
		t.Errorf("expected DATE_OBJECT, got %s", format)
	}
}

func TestDetectFormat_Nil(t *testing.T) {
	format, err := timeformat.DetectFormat(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != timeformat.FormatNone {
		t.Errorf("expected NONE, got %s", format)
	}
}

func TestDetectFormat_Garbage(t *testing.T) {
	if _, err := timeformat.DetectFormat("not-a-date"); err == nil {
		t.Error("expected error for unparseable string")
	}
}

func TestToTime_SecondsVersusMillis(t *testing.T) {
	sec, err := timeformat.ToTime(float64(1735468245), timeformat.FormatEpochSeconds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ms, err := timeformat.ToTime(float64(1735468245000), timeformat.FormatEpochMillis)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sec.Equal(ms) {
		t.Errorf("seconds and millis encodings of the same instant differ: %v vs %v", sec, ms)
	}
}

func TestISORoundTrip(t *testing.T) {
	input := "2025-12-29T10:30:45Z"

	parsed, err := timeformat.ToTime(input, timeformat.FormatISO8601)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	serialized := parsed.Format(time.RFC3339)
	if serialized != input {
		t.Errorf("round trip changed the instant: %s != %s", serialized, input)
	}

	reparsed, err := timeformat.ToTime(serialized, timeformat.FormatISO8601)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reparsed.Equal(parsed) {
		t.Errorf("re-normalized instant differs: %v != %v", reparsed, parsed)
	}
}

func TestNormalize_FallsBackToArrival(t *testing.T) {
	arrival := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)

	normalized, format, err := timeformat.Normalize(nil, arrival)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != timeformat.FormatNone {
		t.Errorf("expected NONE format, got %s", format)
	}
	if !normalized.Equal(arrival) {
		t.Errorf("expected arrival time %v, got %v", arrival, normalized)
	}
}

func TestValidRange_RejectsOldTimestamp(t *testing.T) {
	now := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)
	old := now.Add(-400 * 24 * time.Hour)

	if timeformat.ValidRange(old, now, timeformat.DefaultMaxAge, timeformat.DefaultMaxFuture) {
		t.Error("expected 400 day old timestamp to be rejected")
	}
}

func TestValidRange_AcceptsRecentTimestamp(t *testing.T) {
	now := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * 24 * time.Hour)

	if !timeformat.ValidRange(recent, now, timeformat.DefaultMaxAge, timeformat.DefaultMaxFuture) {
		t.Error("expected 10 day old timestamp to be accepted")
	}
}

func TestValidRange_RejectsFarFuture(t *testing.T) {
	now := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)
	future := now.Add(2 * time.Hour)

	if timeformat.ValidRange(future, now, timeformat.DefaultMaxAge, timeformat.DefaultMaxFuture) {
		t.Error("expected timestamp 2h in the future to be rejected")
	}
}
