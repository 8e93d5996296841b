// Package blockcache provides a fixed-capacity least-recently-used cache
// of 256-byte device blocks, keyed by (device, sector, block).
//
// The replacement policy runs on a logical clock: every Lookup and every
// Insert ticks the clock, a hit stamps its line with the current tick, and
// an insert into a full cache overwrites the line with the smallest stamp.
// Lines are scanned linearly; the line count is small enough that a
// secondary index would cost more than it saves.
package blockcache

import (
	"fmt"

	"github.com/tbuckley/nimbus"
)

type line struct {
	addr     nimbus.BlockAddr
	occupied bool
	stamp    int64
	payload  [nimbus.BlockSize]byte
}

// Stats holds the cumulative access counters reported at cache close.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// HitRatio gives Hits/(Hits+Misses), or 0 when the cache was never
// consulted.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (s Stats) String() string {
	return fmt.Sprintf("hits: [%d] misses: [%d] ratio: [%.2f]", s.Hits, s.Misses, s.HitRatio())
}

// Cache is the block cache. It is not safe for concurrent use; the engine
// drives it from a single logical client.
type Cache struct {
	lines []line
	clock int64
	stats Stats
}

// New allocates a cache of `capacity` lines, all empty. Capacity is fixed
// for the cache's lifetime.
func New(capacity int) (*Cache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("cache capacity must be at least 1 line, got %d", capacity)
	}
	cache := &Cache{lines: make([]line, capacity)}
	for i := range cache.lines {
		cache.lines[i].stamp = -1
	}
	return cache, nil
}

// Capacity returns the number of lines the cache holds.
func (cache *Cache) Capacity() int {
	return len(cache.lines)
}

// Lookup returns a copy of the cached payload for addr, if present. Hits
// refresh the line's access stamp; misses only count.
func (cache *Cache) Lookup(addr nimbus.BlockAddr) ([]byte, bool) {
	cache.clock++
	for i := range cache.lines {
		if cache.lines[i].occupied && cache.lines[i].addr == addr {
			cache.stats.Hits++
			cache.lines[i].stamp = cache.clock

			payload := make([]byte, nimbus.BlockSize)
			copy(payload, cache.lines[i].payload[:])
			return payload, true
		}
	}
	cache.stats.Misses++
	return nil, false
}

// Insert stores payload for addr. A line already tagged with addr is
// updated in place; otherwise the least recently stamped line (ties broken
// by lowest index) is overwritten. Payloads shorter than a full block are
// zero-padded. Insert never fails.
func (cache *Cache) Insert(addr nimbus.BlockAddr, payload []byte) {
	cache.clock++

	victim := 0
	leastStamp := cache.clock
	for i := range cache.lines {
		if cache.lines[i].occupied && cache.lines[i].addr == addr {
			victim = i
			break
		}
		if cache.lines[i].stamp < leastStamp {
			leastStamp = cache.lines[i].stamp
			victim = i
		}
	}

	cache.lines[victim].addr = addr
	cache.lines[victim].occupied = true
	cache.lines[victim].stamp = cache.clock
	cache.lines[victim].payload = [nimbus.BlockSize]byte{}
	copy(cache.lines[victim].payload[:], payload)
}

// Stats returns the cumulative hit/miss counters so far.
func (cache *Cache) Stats() Stats {
	return cache.stats
}

// Close releases the line storage and reports the final counters. The
// cache must not be used afterwards.
func (cache *Cache) Close() Stats {
	cache.lines = nil
	return cache.stats
}
