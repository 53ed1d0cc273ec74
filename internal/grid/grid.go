// Package grid handles cell addressing for the betting grid: 5-second time
// slots, price bands, canonical GridID encoding, and the coarse time
// buckets used for multiplier cache partitioning.
//
// A GridID is "{slotUnixSeconds}-{priceMin}-{priceMax}" with both prices
// rendered at exactly two decimal places from their 10^8-scale integer
// form. Every subsystem that indexes cells uses this one encoding; a
// second precision anywhere would silently fragment cell state.
package grid

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// SlotSeconds is the width of one betting period.
	SlotSeconds = 5

	// PriceScale is the integer scale of band prices (price × 10^8),
	// matching the settlement feed and the backend ledger.
	PriceScale = 100_000_000

	// AmountScale is the integer scale of currency amounts (× 10^6).
	AmountScale = 1_000_000
)

var (
	ErrInvalidGridID = errors.New("grid: invalid grid id")
	ErrInvalidBand   = errors.New("grid: price band max must exceed min")
	ErrInvalidSlot   = errors.New("grid: slot must be a positive multiple of 5")
)

// gridIDRegex matches {slot}-{min}-{max} with exactly two decimal places.
var gridIDRegex = regexp.MustCompile(`^(\d+)-(\d+\.\d{2})-(\d+\.\d{2})$`)

// Band is a half-open price interval [Min, Max) in 10^8-scale integers.
type Band struct {
	Min int64 `json:"price_min"`
	Max int64 `json:"price_max"`
}

// Cell is the atomic unit users bet on: one price band in one time slot.
type Cell struct {
	Slot int64 `json:"slot"` // Unix-second slot start, multiple of 5
	Band Band  `json:"band"`
}

// ID returns the canonical GridID for the cell.
func (c Cell) ID() string {
	return ID(c.Slot, c.Band.Min, c.Band.Max)
}

// ID builds the canonical GridID from a slot and a 10^8-scale price band.
func ID(slot, priceMin, priceMax int64) string {
	return fmt.Sprintf("%d-%s-%s", slot, FormatPrice(priceMin), FormatPrice(priceMax))
}

// FormatPrice renders a 10^8-scale price with exactly two decimal places,
// truncating sub-cent digits. This is the only price formatting GridIDs use.
func FormatPrice(p int64) string {
	if p < 0 {
		p = 0
	}
	cents := p / (PriceScale / 100)
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

// ParseID parses a canonical GridID back into a Cell. IDs with any other
// decimal precision are rejected outright.
func ParseID(id string) (Cell, error) {
	m := gridIDRegex.FindStringSubmatch(id)
	if m == nil {
		return Cell{}, fmt.Errorf("%w: %q", ErrInvalidGridID, id)
	}

	slot, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || slot <= 0 || slot%SlotSeconds != 0 {
		return Cell{}, fmt.Errorf("%w: slot %q", ErrInvalidSlot, m[1])
	}

	min, err := parsePrice(m[2])
	if err != nil {
		return Cell{}, fmt.Errorf("%w: %q", ErrInvalidGridID, id)
	}
	max, err := parsePrice(m[3])
	if err != nil {
		return Cell{}, fmt.Errorf("%w: %q", ErrInvalidGridID, id)
	}
	if max <= min {
		return Cell{}, fmt.Errorf("%w: %q", ErrInvalidBand, id)
	}

	return Cell{Slot: slot, Band: Band{Min: min, Max: max}}, nil
}

func parsePrice(s string) (int64, error) {
	whole, frac, ok := strings.Cut(s, ".")
	if !ok || len(frac) != 2 {
		return 0, ErrInvalidGridID
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	return w*PriceScale + f*(PriceScale/100), nil
}

// SlotFor quantizes a wall-clock instant down to its slot start.
func SlotFor(t time.Time) int64 {
	s := t.Unix()
	return s - s%SlotSeconds
}

// TimeUntilStart returns whole seconds from now until the slot opens.
// Zero or negative means the slot has started and the cell is closed.
func TimeUntilStart(slot int64, now time.Time) int64 {
	return slot - now.Unix()
}

// Bucket partitions "seconds until slot start" for cache keying. It mirrors
// the pricing tier boundaries but is used only for cache invalidation;
// pricing itself consumes the continuous time value.
type Bucket int

const (
	Bucket0to15 Bucket = iota
	Bucket15to25
	Bucket25to40
	Bucket40Plus
)

// BucketFor maps seconds-until-start onto its cache bucket.
func BucketFor(timeUntilStart int64) Bucket {
	switch {
	case timeUntilStart <= 15:
		return Bucket0to15
	case timeUntilStart <= 25:
		return Bucket15to25
	case timeUntilStart <= 40:
		return Bucket25to40
	default:
		return Bucket40Plus
	}
}

func (b Bucket) String() string {
	switch b {
	case Bucket0to15:
		return "0-15"
	case Bucket15to25:
		return "15-25"
	case Bucket25to40:
		return "25-40"
	case Bucket40Plus:
		return "40+"
	default:
		return "unknown"
	}
}
