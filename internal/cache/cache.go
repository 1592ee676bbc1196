// Package cache is the Read Cache: a single-writer, multi-reader map from
// string key to the latest published classification bundle. The
// Precompute Pipeline is the only writer; HTTP handlers are readers.
package cache

import (
	"sync/atomic"
	"time"
)

// Entry is one published payload plus the metadata consumers need to
// compute staleness.
type Entry struct {
	Payload           any
	ComputedAt        time.Time
	UpstreamUpdatedAt time.Time
}

// Cache holds the newest Entry per key. Publish replaces a key's entry
// atomically so readers never observe a partially-updated payload; the
// underlying storage is a map of atomic pointers rather than a map guarded
// by a single mutex so that a read of one key is never blocked by a
// publish to another.
type Cache struct {
	entries map[string]*atomic.Pointer[Entry]
}

// Known keys, matching §6's enumerated Read API shapes.
const (
	KeyAircraftList = "aircraft_list"
	KeySFRA         = "sfra"
	KeyFRZ          = "frz"
	KeyP56          = "p56"
	KeySystemStatus = "system_status"
)

var knownKeys = []string{KeyAircraftList, KeySFRA, KeyFRZ, KeyP56, KeySystemStatus}

// New creates a cache with every known key pre-registered but unpublished
// (Get returns ok=false until the first successful precompute).
func New() *Cache {
	c := &Cache{entries: make(map[string]*atomic.Pointer[Entry], len(knownKeys))}
	for _, k := range knownKeys {
		c.entries[k] = &atomic.Pointer[Entry]{}
	}
	return c
}

// Publish atomically replaces the entry for key. Unknown keys are
// registered on first use so ad hoc diagnostic keys are not rejected.
func (c *Cache) Publish(key string, payload any, computedAt, upstreamUpdatedAt time.Time) {
	ptr, ok := c.entries[key]
	if !ok {
		ptr = &atomic.Pointer[Entry]{}
		c.entries[key] = ptr
	}
	ptr.Store(&Entry{Payload: payload, ComputedAt: computedAt, UpstreamUpdatedAt: upstreamUpdatedAt})
}

// Get returns the current entry for key. ok is false both when the key is
// unknown and when it is known but nothing has been published yet (the
// API's "initializing" state per §7).
func (c *Cache) Get(key string) (Entry, bool) {
	ptr, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	e := ptr.Load()
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}
