// Package trackstore holds the bounded per-aircraft recent-position ring
// the intrusion tracker and dashboard history views read from. It is the
// authoritative source of pre-entry track candidates for the P-56 tracker.
package trackstore

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ncrsentry/sentry/internal/fsutil"
	"github.com/ncrsentry/sentry/internal/monitoring"
)

// Point is one recorded aircraft position.
type Point struct {
	TS          time.Time `json:"ts"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Altitude    *float64  `json:"alt"`
	Groundspeed float64   `json:"groundspeed"`
	Heading     float64   `json:"heading"`
	Callsign    string    `json:"callsign"`
}

// Update is one aircraft's new point, keyed by the same identity used
// throughout the pipeline (CID or callsign fallback).
type Update struct {
	Identity string
	Point    Point
}

// Store is a map identity → ring[K] of track points, one writer
// (the Precompute Pipeline), many readers.
type Store struct {
	mu       sync.RWMutex
	ringSize int
	rings    map[string][]Point

	fsys fsutil.FileSystem
	path string
	dirty bool
}

// New creates an empty store with the given per-CID ring capacity.
// persistPath may be empty to disable write-behind persistence.
func New(ringSize int, fsys fsutil.FileSystem, persistPath string) *Store {
	return &Store{
		ringSize: ringSize,
		rings:    make(map[string][]Point),
		fsys:     fsys,
		path:     persistPath,
	}
}

// UpdateBatch atomically drops every identity not in allowedIdentities, then
// appends each update's point to its ring, evicting the oldest entry when
// the ring exceeds its capacity.
func (s *Store) UpdateBatch(updates []Update, allowedIdentities map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.rings {
		if !allowedIdentities[id] {
			delete(s.rings, id)
		}
	}

	for _, u := range updates {
		if !allowedIdentities[u.Identity] {
			continue
		}
		ring := append(s.rings[u.Identity], u.Point)
		if len(ring) > s.ringSize {
			ring = ring[len(ring)-s.ringSize:]
		}
		s.rings[u.Identity] = ring
	}
	s.dirty = true
}

// GetAll returns a deep-copied snapshot of every ring, keyed by identity.
func (s *Store) GetAll() map[string][]Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]Point, len(s.rings))
	for id, ring := range s.rings {
		out[id] = append([]Point(nil), ring...)
	}
	return out
}

// Get returns the most recent at most limit points for identity, oldest
// first. A zero or negative limit returns the full ring.
func (s *Store) Get(identity string, limit int) []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ring := s.rings[identity]
	if limit <= 0 || limit >= len(ring) {
		return append([]Point(nil), ring...)
	}
	return append([]Point(nil), ring[len(ring)-limit:]...)
}

// persistedHistory is the on-disk shape of aircraft_history.json.
type persistedHistory struct {
	History map[string][]Point `json:"history"`
}

// Flush writes the current state to disk if it changed since the last
// flush, coalescing writes to once per call (intended to be invoked once
// per pipeline tick). A no-op when no persist path was configured.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.path == "" || !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := persistedHistory{History: make(map[string][]Point, len(s.rings))}
	for id, ring := range s.rings {
		snapshot.History[id] = append([]Point(nil), ring...)
	}
	s.dirty = false
	s.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		monitoring.Logf("trackstore: marshal failed: %v", err)
		return err
	}
	if err := s.fsys.WriteFile(s.path, data, 0o644); err != nil {
		monitoring.Logf("trackstore: write %q failed: %v", s.path, err)
		return err
	}
	return nil
}

// Load restores state from disk, replacing the in-memory rings. A missing
// file is not an error — the store simply starts empty.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	if !s.fsys.Exists(s.path) {
		return nil
	}
	data, err := s.fsys.ReadFile(s.path)
	if err != nil {
		return err
	}
	var snapshot persistedHistory
	if err := json.Unmarshal(data, &snapshot); err != nil {
		monitoring.Logf("trackstore: discarding corrupt history file %q: %v", s.path, err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rings = make(map[string][]Point, len(snapshot.History))
	for id, ring := range snapshot.History {
		if len(ring) > s.ringSize {
			ring = ring[len(ring)-s.ringSize:]
		}
		s.rings[id] = ring
	}
	return nil
}
