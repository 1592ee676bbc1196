// Package intrusion implements the P-56 intrusion tracker: a stateful
// detector that turns per-snapshot geometric results into durable,
// deduplicated "buster" events with a continuous position track from
// pre-entry through post-exit.
package intrusion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ncrsentry/sentry/internal/fsutil"
	"github.com/ncrsentry/sentry/internal/monitoring"
	"github.com/ncrsentry/sentry/internal/trackstore"
	"github.com/ncrsentry/sentry/internal/vatsim"
)

// Detection method labels, carried over from the original implementation's
// debugging/dashboard-coloring field.
const (
	DetectionSegmentCross  = "segment_cross"
	DetectionConnectInside = "connect_inside"
)

// Position is a track point as recorded in an event's evidence/history.
// It is the same shape as trackstore.Point: the tracker reads its
// pre_positions candidates directly out of the Track History Store.
type Position = trackstore.Point

// Event is the tracker's durable record of one P-56 buster, from first
// detection through confirmed exit.
type Event struct {
	ID             string             `json:"cid"`
	SynthesizedCID bool               `json:"synthesized_cid"`
	Callsign       string             `json:"callsign"`
	Name           string             `json:"name"`
	FlightPlan     *vatsim.FlightPlan `json:"flight_plan,omitempty"`

	RecordedAt      time.Time  `json:"recorded_at"`
	LatestTS        time.Time  `json:"latest_ts"`
	ExitDetectedAt  *time.Time `json:"exit_detected_at,omitempty"`
	ExitConfirmedAt *time.Time `json:"exit_confirmed_at,omitempty"`

	Zones          []string  `json:"zones"`
	PrevPosition   *Position `json:"prev_position,omitempty"`
	LatestPosition *Position `json:"latest_position,omitempty"`
	EvidenceLine   [2]Position `json:"evidence_line"`

	DetectionMethod string `json:"detection_method"`

	PrePositions       []Position `json:"pre_positions"`
	IntrusionPositions []Position `json:"intrusion_positions"`
}

// InsideState is the lifecycle record tracked per identity in the parallel
// current_inside map.
type InsideState struct {
	Inside       bool      `json:"inside"`
	P56Buster    bool      `json:"p56_buster"`
	OutsideCount int       `json:"outside_count"`
	LastSeen     time.Time `json:"last_seen"`
	LastPosition *Position `json:"last_position,omitempty"`

	// OpenEventID/OpenEventRecordedAt locate the event this state belongs
	// to by its (id, recorded_at) key, without needing a pointer cycle
	// inside the persisted JSON map. OpenEventID is the event's own
	// identity (a CID or synthesized "NOCID-<ts>"), not the map key this
	// InsideState is stored under (which may be a callsign-derived
	// fallback join key when the CID was briefly unavailable).
	OpenEventID         string    `json:"open_event_id,omitempty"`
	OpenEventRecordedAt time.Time `json:"open_event_recorded_at,omitempty"`
}

// persistedHistory is the on-disk shape of p56_history.json.
type persistedHistory struct {
	Events        []*Event                `json:"events"`
	CurrentInside map[string]*InsideState `json:"current_inside"`
}

// History is the tracker's durable event log plus lifecycle map, persisted
// via tmp-file-and-rename so a crash mid-write never corrupts the file
// readers see.
type History struct {
	Events        []*Event
	CurrentInside map[string]*InsideState

	fsys fsutil.FileSystem
	path string
}

// NewHistory creates an empty history backed by path (write-behind; Load
// restores any existing state).
func NewHistory(fsys fsutil.FileSystem, path string) *History {
	return &History{
		CurrentInside: make(map[string]*InsideState),
		fsys:          fsys,
		path:          path,
	}
}

// Load restores state from disk. A missing file is not an error.
func (h *History) Load() error {
	if !h.fsys.Exists(h.path) {
		return nil
	}
	data, err := h.fsys.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("read %q: %w", h.path, err)
	}
	var p persistedHistory
	if err := json.Unmarshal(data, &p); err != nil {
		monitoring.Logf("intrusion: discarding corrupt history file %q: %v", h.path, err)
		return nil
	}
	h.Events = p.Events
	if p.CurrentInside != nil {
		h.CurrentInside = p.CurrentInside
	}
	return nil
}

// Save persists the current state via a tmp-file-and-rename so the file is
// never observed half-written.
func (h *History) Save() error {
	data, err := json.MarshalIndent(persistedHistory{Events: h.Events, CurrentInside: h.CurrentInside}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	tmp := h.path + ".tmp"
	if err := h.fsys.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp history file %q: %w", tmp, err)
	}
	if err := h.fsys.Rename(tmp, h.path); err != nil {
		return fmt.Errorf("rename %q to %q: %w", tmp, h.path, err)
	}
	return nil
}

// Clear replaces the history with an empty structure. Backs the admin
// "purge P-56 history" command.
func (h *History) Clear() {
	h.Events = nil
	h.CurrentInside = make(map[string]*InsideState)
}

// EventKey uniquely identifies an event, per the (cid, recorded_at)
// invariant.
type EventKey struct {
	ID         string    `json:"cid"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PurgeSelective removes only the events matching the given keys, leaving
// everything else untouched. current_inside entries pointing at a removed
// event are cleared too, since their open event no longer exists.
func (h *History) PurgeSelective(keys []EventKey) {
	remove := make(map[EventKey]bool, len(keys))
	for _, k := range keys {
		remove[k] = true
	}

	kept := h.Events[:0:0]
	for _, e := range h.Events {
		if remove[EventKey{ID: e.ID, RecordedAt: e.RecordedAt}] {
			continue
		}
		kept = append(kept, e)
	}
	h.Events = kept

	for joinKey, state := range h.CurrentInside {
		if remove[EventKey{ID: state.OpenEventID, RecordedAt: state.OpenEventRecordedAt}] {
			delete(h.CurrentInside, joinKey)
		}
	}
}

// Recent returns every event recorded strictly after since, newest-first.
// Supplements the spec with a query helper the original implementation
// used ad hoc for incident debugging.
func (h *History) Recent(since time.Time) []*Event {
	var out []*Event
	for i := len(h.Events) - 1; i >= 0; i-- {
		if h.Events[i].RecordedAt.After(since) {
			out = append(out, h.Events[i])
		}
	}
	return out
}

// ForCID returns every event for the given identity, oldest-first.
func (h *History) ForCID(id string) []*Event {
	var out []*Event
	for _, e := range h.Events {
		if e.ID == id {
			out = append(out, e)
		}
	}
	return out
}

// mostRecentEventForID returns the most recently appended event with the
// given identity, or nil.
func (h *History) mostRecentEventForID(id string) *Event {
	for i := len(h.Events) - 1; i >= 0; i-- {
		if h.Events[i].ID == id {
			return h.Events[i]
		}
	}
	return nil
}

// eventByKey finds the event matching an identity+recorded_at pair.
func (h *History) eventByKey(id string, recordedAt time.Time) *Event {
	for _, e := range h.Events {
		if e.ID == id && e.RecordedAt.Equal(recordedAt) {
			return e
		}
	}
	return nil
}
