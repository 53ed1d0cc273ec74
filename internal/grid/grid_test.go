package grid

import (
	"errors"
	"testing"
	"time"
)

func TestID_TwoDecimalEncoding(t *testing.T) {
	tests := []struct {
		slot     int64
		min, max int64
		want     string
	}{
		{1700000000, 10_00000000, 10_05000000, "1700000000-10.00-10.05"},
		{1700000005, 9_95000000, 10_02000000, "1700000005-9.95-10.02"},
		{1700000010, 0, 5000000, "1700000010-0.00-0.05"},
		// Sub-cent digits truncate rather than round: the encoding must be
		// identical no matter the caller's display precision.
		{1700000015, 10_00999999, 10_05999999, "1700000015-10.00-10.05"},
	}
	for _, tt := range tests {
		if got := ID(tt.slot, tt.min, tt.max); got != tt.want {
			t.Errorf("ID(%d, %d, %d) = %q, want %q", tt.slot, tt.min, tt.max, got, tt.want)
		}
	}
}

func TestParseID_RoundTrip(t *testing.T) {
	c := Cell{Slot: 1700000000, Band: Band{Min: 10_00000000, Max: 10_05000000}}
	got, err := ParseID(c.ID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != c {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestParseID_Rejects(t *testing.T) {
	tests := []struct {
		name string
		id   string
		err  error
	}{
		{"empty", "", ErrInvalidGridID},
		{"one decimal place", "1700000000-10.0-10.05", ErrInvalidGridID},
		{"three decimal places", "1700000000-10.000-10.050", ErrInvalidGridID},
		{"no decimals", "1700000000-10-11", ErrInvalidGridID},
		{"slot not multiple of five", "1700000003-10.00-10.05", ErrInvalidSlot},
		{"zero slot", "0-10.00-10.05", ErrInvalidSlot},
		{"inverted band", "1700000000-10.05-10.00", ErrInvalidBand},
		{"zero-width band", "1700000000-10.00-10.00", ErrInvalidBand},
		{"garbage", "not-a-grid-id", ErrInvalidGridID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseID(tt.id)
			if !errors.Is(err, tt.err) {
				t.Errorf("ParseID(%q) err = %v, want %v", tt.id, err, tt.err)
			}
		})
	}
}

func TestSlotFor_QuantizesDown(t *testing.T) {
	tests := []struct {
		unix int64
		want int64
	}{
		{1700000000, 1700000000},
		{1700000001, 1700000000},
		{1700000004, 1700000000},
		{1700000005, 1700000005},
	}
	for _, tt := range tests {
		if got := SlotFor(time.Unix(tt.unix, 0)); got != tt.want {
			t.Errorf("SlotFor(%d) = %d, want %d", tt.unix, got, tt.want)
		}
	}
}

func TestBucketFor_TierBoundaries(t *testing.T) {
	tests := []struct {
		until int64
		want  Bucket
	}{
		{-1, Bucket0to15},
		{0, Bucket0to15},
		{15, Bucket0to15},
		{16, Bucket15to25},
		{25, Bucket15to25},
		{26, Bucket25to40},
		{40, Bucket25to40},
		{41, Bucket40Plus},
		{50, Bucket40Plus},
		{3600, Bucket40Plus},
	}
	for _, tt := range tests {
		if got := BucketFor(tt.until); got != tt.want {
			t.Errorf("BucketFor(%d) = %v, want %v", tt.until, got, tt.want)
		}
	}
}

func TestFormatPrice_NegativeClampsToZero(t *testing.T) {
	if got := FormatPrice(-100); got != "0.00" {
		t.Errorf("FormatPrice(-100) = %q, want 0.00", got)
	}
}
