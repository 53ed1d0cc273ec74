// Package pricecache caches computed multipliers per (GridID, time bucket).
//
// Entries are invalidated two ways: a wall-clock TTL, and bucket coherency.
// The bonding curve's base price is a step function of the time tier, so a
// value computed under one bucket is wrong by construction once the cell's
// live time-until-start crosses into another, TTL or not. Get recomputes
// the bucket from the current clock on every read for exactly that reason.
//
// Entries carry provenance: Optimistic values come from locally simulated
// wagers; Confirmed values from authoritative share totals. Confirmed always
// wins over Optimistic for the same key.
package pricecache

import (
	"context"
	"sync"
	"time"

	"github.com/tickgrid/bet-engine/internal/grid"
)

// DefaultTTL is the wall-clock validity of a cached price.
const DefaultTTL = 5 * time.Second

// Provenance distinguishes locally estimated values from authoritative ones.
type Provenance string

const (
	Optimistic Provenance = "optimistic"
	Confirmed  Provenance = "confirmed"
)

// Entry is one cached price projection.
type Entry struct {
	GridID         string
	Bucket         grid.Bucket
	Multiplier     uint64 // ×10^18
	ExistingShares uint64 // ×10^6, shares the projection was computed over
	ComputedAt     time.Time
	Provenance     Provenance
}

type key struct {
	gridID string
	bucket grid.Bucket
}

// Cache is a TTL- and bucket-aware multiplier cache. Safe for concurrent
// use; eviction deletes whole entries, so readers never observe a partial
// one.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[key]Entry
}

// New creates a cache. A non-positive ttl falls back to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[key]Entry),
	}
}

// Get returns the cached entry for the cell's *current* bucket, if one
// exists and is younger than the TTL. A slot whose start has passed is
// always a miss: the nearest bucket has no lower bound, so a stale entry
// would otherwise keep quoting a cell that can no longer be bet.
func (c *Cache) Get(gridID string, slot int64, now time.Time) (Entry, bool) {
	until := grid.TimeUntilStart(slot, now)
	if until <= 0 {
		return Entry{}, false
	}
	bucket := grid.BucketFor(until)

	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key{gridID, bucket}]
	if !ok {
		return Entry{}, false
	}
	if now.Sub(e.ComputedAt) >= c.ttl {
		return Entry{}, false
	}
	return e, true
}

// PutOptimistic records a locally simulated projection. It never replaces a
// Confirmed entry that is at least as fresh.
func (c *Cache) PutOptimistic(gridID string, slot int64, shares, multiplier uint64, now time.Time) {
	c.put(Entry{
		GridID:         gridID,
		Bucket:         grid.BucketFor(grid.TimeUntilStart(slot, now)),
		Multiplier:     multiplier,
		ExistingShares: shares,
		ComputedAt:     now,
		Provenance:     Optimistic,
	})
}

// PutConfirmed records a projection backed by authoritative share totals.
// It overwrites whatever is cached for the key.
func (c *Cache) PutConfirmed(gridID string, slot int64, shares, multiplier uint64, now time.Time) {
	c.put(Entry{
		GridID:         gridID,
		Bucket:         grid.BucketFor(grid.TimeUntilStart(slot, now)),
		Multiplier:     multiplier,
		ExistingShares: shares,
		ComputedAt:     now,
		Provenance:     Confirmed,
	})
}

func (c *Cache) put(e Entry) {
	k := key{e.GridID, e.Bucket}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[k]; ok &&
		e.Provenance == Optimistic &&
		cur.Provenance == Confirmed &&
		!cur.ComputedAt.Before(e.ComputedAt) {
		return
	}
	c.entries[k] = e
}

// EvictExpired removes entries older than the TTL and returns how many were
// dropped.
func (c *Cache) EvictExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if now.Sub(e.ComputedAt) >= c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of live entries, for metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep evicts expired entries every interval until ctx is cancelled.
// Run it in a goroutine.
func (c *Cache) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.EvictExpired(now)
		}
	}
}
