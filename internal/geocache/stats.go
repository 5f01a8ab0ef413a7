// Package geocache implements the two bounded, persistable coordinate
// caches the event pipeline consults before calling an external geocoding
// or static-map service: an address cache with proximity-match hits, and
// a minimap (static map tile) cache with exact-key hits (spec.md Section
// 3, GeoCacheEntry; Section 4.2).
package geocache

import "sync/atomic"

// Stats holds the hit/miss/eviction/external-call counters aggregated
// across a cache's lifetime (spec.md Section 3, CacheStats). Counters are
// atomic so concurrent event-pipeline workers can update them without a
// shared mutex.
type Stats struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	evictions     atomic.Uint64
	externalCalls atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats, suitable for persisting
// to geoloc_cachestat.txt (spec.md Section 6) or exposing over metrics.
type StatsSnapshot struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	ExternalCalls uint64
}

func (s *Stats) recordHit()      { s.hits.Add(1) }
func (s *Stats) recordMiss()     { s.misses.Add(1) }
func (s *Stats) recordEviction() { s.evictions.Add(1) }

// RecordExternalCall increments the external-service call counter. Called
// by the event pipeline after a successful geocoder or static-map request.
func (s *Stats) RecordExternalCall() { s.externalCalls.Add(1) }

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Evictions:     s.evictions.Load(),
		ExternalCalls: s.externalCalls.Load(),
	}
}
