package pricecache

import (
	"testing"
	"time"

	"github.com/tickgrid/bet-engine/internal/fixmath"
	"github.com/tickgrid/bet-engine/internal/grid"
)

var t0 = time.Unix(1_700_000_000, 0)

const gid = "1700000050-10.00-10.05"

func TestGet_HitWithinTTLAndBucket(t *testing.T) {
	c := New(5 * time.Second)
	slot := t0.Unix() + 50 // bucket 40+

	c.PutConfirmed(gid, slot, fixmath.Precision, 5*fixmath.Precision, t0)

	e, ok := c.Get(gid, slot, t0.Add(2*time.Second))
	if !ok {
		t.Fatal("expected cache hit")
	}
	if e.Multiplier != 5*fixmath.Precision {
		t.Errorf("multiplier = %d", e.Multiplier)
	}
	if e.Provenance != Confirmed {
		t.Errorf("provenance = %s, want confirmed", e.Provenance)
	}
}

func TestGet_MissAfterTTL(t *testing.T) {
	c := New(5 * time.Second)
	slot := t0.Unix() + 500

	c.PutConfirmed(gid, slot, 0, 5*fixmath.Precision, t0)

	if _, ok := c.Get(gid, slot, t0.Add(5 * time.Second)); ok {
		t.Error("expected miss at exactly the TTL")
	}
}

func TestGet_MissWhenBucketCrossed(t *testing.T) {
	// Cached under bucket 25-40, read once the live time has crossed into
	// 15-25. The TTL has not elapsed; the entry must still not be served.
	c := New(5 * time.Second)
	slot := t0.Unix() + 27 // 27s out → bucket 25-40

	c.PutConfirmed(gid, slot, 0, 2*fixmath.Precision, t0)

	if _, ok := c.Get(gid, slot, t0); !ok {
		t.Fatal("expected hit in the original bucket")
	}

	// 3 seconds later the cell is 24s out → bucket 15-25.
	if _, ok := c.Get(gid, slot, t0.Add(3*time.Second)); ok {
		t.Error("stale-bucket entry must not be returned before the TTL expires")
	}
}

func TestGet_MissOnceSlotStarts(t *testing.T) {
	// An entry cached seconds before the slot starts must not be served
	// once the slot has started; the cell can no longer be bet.
	c := New(5 * time.Second)
	slot := t0.Unix() + 3

	c.PutConfirmed(gid, slot, 0, 5*fixmath.Precision, t0)

	if _, ok := c.Get(gid, slot, t0); !ok {
		t.Fatal("expected hit while the slot is still open")
	}
	for _, after := range []time.Duration{3 * time.Second, 4 * time.Second} {
		if _, ok := c.Get(gid, slot, t0.Add(after)); ok {
			t.Errorf("entry served %s after caching, past slot start", after)
		}
	}
}

func TestPut_ConfirmedBeatsOptimistic(t *testing.T) {
	c := New(5 * time.Second)
	slot := t0.Unix() + 50

	c.PutConfirmed(gid, slot, fixmath.Precision, 4*fixmath.Precision, t0)
	// Same-timestamp optimistic write must not downgrade the entry.
	c.PutOptimistic(gid, slot, fixmath.Precision, 3*fixmath.Precision, t0)

	e, ok := c.Get(gid, slot, t0)
	if !ok {
		t.Fatal("expected hit")
	}
	if e.Provenance != Confirmed || e.Multiplier != 4*fixmath.Precision {
		t.Errorf("optimistic write replaced confirmed entry: %+v", e)
	}
}

func TestPut_OptimisticReplacesOlderOptimistic(t *testing.T) {
	c := New(10 * time.Second)
	slot := t0.Unix() + 50

	c.PutOptimistic(gid, slot, 0, 5*fixmath.Precision, t0)
	c.PutOptimistic(gid, slot, fixmath.Precision, 4*fixmath.Precision, t0.Add(time.Second))

	e, _ := c.Get(gid, slot, t0.Add(2*time.Second))
	if e.Multiplier != 4*fixmath.Precision {
		t.Errorf("expected newer optimistic value, got %d", e.Multiplier)
	}
}

func TestPut_ConfirmedOverwritesOptimistic(t *testing.T) {
	c := New(10 * time.Second)
	slot := t0.Unix() + 50

	c.PutOptimistic(gid, slot, 0, 5*fixmath.Precision, t0)
	c.PutConfirmed(gid, slot, 2*fixmath.Precision, 3*fixmath.Precision, t0)

	e, _ := c.Get(gid, slot, t0)
	if e.Provenance != Confirmed || e.Multiplier != 3*fixmath.Precision {
		t.Errorf("confirmed write should always win: %+v", e)
	}
}

func TestEvictExpired(t *testing.T) {
	c := New(5 * time.Second)
	slotA := t0.Unix() + 50
	slotB := t0.Unix() + 60
	c.PutConfirmed("a", slotA, 0, fixmath.Precision, t0)
	c.PutConfirmed("b", slotB, 0, fixmath.Precision, t0.Add(4*time.Second))

	if n := c.EvictExpired(t0.Add(6 * time.Second)); n != 1 {
		t.Errorf("evicted %d entries, want 1", n)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	if _, ok := c.Get("b", slotB, t0.Add(6*time.Second)); !ok {
		t.Error("fresh entry should survive the sweep")
	}
}

func TestBucketKeying_SeparateEntriesPerBucket(t *testing.T) {
	c := New(time.Minute)
	slot := t0.Unix() + 41 // 41s out → bucket 40+

	c.PutConfirmed(gid, slot, 0, 5*fixmath.Precision, t0)
	// 20 seconds later the same cell is 21s out → bucket 15-25.
	later := t0.Add(20 * time.Second)
	c.PutConfirmed(gid, slot, 0, 2*fixmath.Precision, later)

	if c.Len() != 2 {
		t.Fatalf("expected two bucket-keyed entries, got %d", c.Len())
	}
	e, ok := c.Get(gid, slot, later)
	if !ok {
		t.Fatal("expected hit in current bucket")
	}
	if e.Bucket != grid.Bucket15to25 {
		t.Errorf("bucket = %v, want 15-25", e.Bucket)
	}
	if e.Multiplier != 2*fixmath.Precision {
		t.Errorf("multiplier = %d, want the later bucket's value", e.Multiplier)
	}
}
