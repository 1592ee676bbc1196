package intrusion

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/paulmach/orb"

	"github.com/ncrsentry/sentry/internal/geo"
	"github.com/ncrsentry/sentry/internal/monitoring"
	"github.com/ncrsentry/sentry/internal/snapshotstore"
	"github.com/ncrsentry/sentry/internal/trackstore"
	"github.com/ncrsentry/sentry/internal/vatsim"
)

// AltitudeCeilingFt is the P-56 eligibility ceiling. The spec applies it
// uniformly to P-56 even though the original source's drafts disagreed,
// on the stated rationale that P-56 is the strictest of the three zones.
const AltitudeCeilingFt = 17999.0

const (
	prePositionCap       = 7
	intrusionPositionCap = 200
	minPositionSpacing   = time.Second
	dedupWindowDefault   = 60 * time.Second
	exitConfirmDefault   = 10
)

// Tracker is the stateful P-56 detector. One Tracker instance is owned and
// driven exclusively by the Precompute Pipeline; it is not safe for
// concurrent calls to Detect/ProcessTick from multiple goroutines, matching the
// single-writer contract the rest of the core assumes.
type Tracker struct {
	History      *History
	Registry     *geo.Registry
	Snapshots    *snapshotstore.Store
	Tracks       *trackstore.Store

	DedupWindow      time.Duration
	ExitConfirmTicks int

	// lastSyncAt is the wall time of the last continuous-tracking pass.
	lastSyncAt time.Time
}

// NewTracker wires a tracker against its dependencies, applying defaults
// for the dedup window and exit-confirm tick count when zero.
func NewTracker(history *History, registry *geo.Registry, snapshots *snapshotstore.Store, tracks *trackstore.Store, dedupWindow time.Duration, exitConfirmTicks int) *Tracker {
	if dedupWindow <= 0 {
		dedupWindow = dedupWindowDefault
	}
	if exitConfirmTicks <= 0 {
		exitConfirmTicks = exitConfirmDefault
	}
	return &Tracker{
		History:          history,
		Registry:         registry,
		Snapshots:        snapshots,
		Tracks:           tracks,
		DedupWindow:      dedupWindow,
		ExitConfirmTicks: exitConfirmTicks,
	}
}

// eligible reports whether an observation has an altitude within the P-56
// ceiling. Missing altitude is never eligible.
func eligible(o *vatsim.Observation) bool {
	if o == nil || o.Altitude == nil {
		return false
	}
	return *o.Altitude <= AltitudeCeilingFt
}

// identityFor resolves the tracker's own identity key, distinct from
// vatsim.Observation.Identity()'s generic "CALLSIGN:" fallback: the
// tracker additionally flags whether the identity was synthesized so the
// durable log can tell confident CIDs apart from best-effort ones.
func identityFor(o vatsim.Observation, now time.Time) (id string, synthesized bool) {
	if o.CID != nil {
		return strconv.FormatInt(*o.CID, 10), false
	}
	return fmt.Sprintf("NOCID-%d", now.UnixNano()), true
}

func toPosition(o vatsim.Observation, ts time.Time) Position {
	return Position{
		TS:          ts,
		Lat:         o.Lat,
		Lon:         o.Lon,
		Altitude:    o.Altitude,
		Groundspeed: o.Groundspeed,
		Heading:     o.Heading,
		Callsign:    o.Callsign,
	}
}

// zonesContaining returns the names of every P-56 feature containing
// (or touching) p.
func (t *Tracker) zonesContaining(p orb.Point) []string {
	var zones []string
	for _, f := range t.Registry.CandidatesNear("p56", p) {
		if geo.Contains(f, p) {
			zones = append(zones, f.Name)
		}
	}
	return zones
}

// zonesCrossed returns the names of every P-56 feature whose shape
// intersects the segment from--to.
func (t *Tracker) zonesCrossed(from, to orb.Point) []string {
	var zones []string
	seen := map[string]bool{}
	candidates := t.Registry.CandidatesNear("p56", from)
	candidates = append(candidates, t.Registry.CandidatesNear("p56", to)...)
	for _, f := range candidates {
		if seen[f.Name] {
			continue
		}
		if geo.SegmentIntersects(f, from, to) {
			zones = append(zones, f.Name)
			seen[f.Name] = true
		}
	}
	return zones
}

// detection is one aircraft's per-tick detect result. joinKey is the
// cross-tick correlation key shared with the Track History Store
// (vatsim.Observation.Identity()'s "CALLSIGN:"-prefixed fallback); eventID
// is the durable identity the spec wants recorded on the event itself
// (a bare CID, or a synthesized "NOCID-<ts>" when none was reported).
type detection struct {
	joinKey     string
	eventID     string
	synthesized bool
	obs         vatsim.Observation
	prevObs     *vatsim.Observation
	zones       []string
	method      string
}

// Detect implements §4.F steps 1-3: for every eligible aircraft in latest,
// find a segment-cross against prev or a connect-inside against latest
// alone. A nil prev is tolerated (every CID is then evaluated against
// latest only).
func (t *Tracker) Detect(prev, latest []vatsim.Observation, now time.Time) []detection {
	prevByID := make(map[string]vatsim.Observation, len(prev))
	for _, o := range prev {
		if !eligible(&o) {
			continue
		}
		prevByID[o.Identity()] = o
	}

	var out []detection
	for _, latestObs := range latest {
		if !eligible(&latestObs) {
			continue
		}
		key := latestObs.Identity()
		eventID, synthesized := identityFor(latestObs, now)
		prevObs, hadPrev := prevByID[key]

		latestPoint := orb.Point{latestObs.Lon, latestObs.Lat}

		if hadPrev {
			prevPoint := orb.Point{prevObs.Lon, prevObs.Lat}
			if zones := t.zonesCrossed(prevPoint, latestPoint); len(zones) > 0 {
				d := detection{joinKey: key, eventID: eventID, synthesized: synthesized, obs: latestObs, zones: zones, method: DetectionSegmentCross}
				d.prevObs = &prevObs
				out = append(out, d)
				continue
			}
		}

		zonesNow := t.zonesContaining(latestPoint)
		if len(zonesNow) == 0 {
			continue
		}
		prevInside := false
		if hadPrev {
			prevPoint := orb.Point{prevObs.Lon, prevObs.Lat}
			prevInside = len(t.zonesContaining(prevPoint)) > 0
		}
		if !hadPrev || !prevInside {
			d := detection{joinKey: key, eventID: eventID, synthesized: synthesized, obs: latestObs, zones: zonesNow, method: DetectionConnectInside}
			if hadPrev {
				d.prevObs = &prevObs
			}
			out = append(out, d)
		}
	}
	return out
}

// ProcessTick runs one full detect-then-sync pass, the tracker's single
// entry point from the Precompute Pipeline. now is the wall clock at
// ingest (latest.fetched_at), used to stamp recorded_at/latest_ts.
func (t *Tracker) ProcessTick(prev, latest []vatsim.Observation, now time.Time) {
	for _, d := range t.Detect(prev, latest, now) {
		t.writeDetection(d, now)
	}
	t.sync(latest, now)
}

// writeDetection implements §4.F's event write path.
func (t *Tracker) writeDetection(d detection, now time.Time) {
	// An identical replay of a tick (same identity, same wall-time) must
	// not write a second event or incident row: sync() already flipped
	// state.Inside to reflect the post-tick position, so the state.Inside
	// guard below cannot by itself tell "already handled this tick" apart
	// from "genuinely re-entered". Guard on wall-time instead.
	if existing := t.History.mostRecentEventForID(d.eventID); existing != nil && existing.LatestTS.Equal(now) {
		return
	}

	state := t.History.CurrentInside[d.joinKey]
	if state != nil && state.Inside {
		return // already-open event; this tick's detection is redundant
	}

	latestPos := toPosition(d.obs, now)
	var prevPos *Position
	if d.prevObs != nil {
		p := toPosition(*d.prevObs, now)
		prevPos = &p
	}

	// An event may only be merged into if it is within the dedup window
	// AND its buster flag has not already been cleared by exit
	// confirmation (§9 open-question resolution: post-confirm, a new
	// detection always opens a fresh event regardless of window).
	if existing := t.History.mostRecentEventForID(d.eventID); existing != nil {
		withinWindow := now.Sub(existing.RecordedAt) <= t.DedupWindow
		alreadyConfirmedExit := existing.ExitConfirmedAt != nil
		if withinWindow && !alreadyConfirmedExit {
			t.mergeDetection(existing, d, prevPos, latestPos, now)
			t.appendIncident(d, now)
			return
		}
	}

	t.createEvent(d, prevPos, latestPos, now)
	t.appendIncident(d, now)
}

func (t *Tracker) mergeDetection(e *Event, d detection, prevPos *Position, latestPos Position, now time.Time) {
	if now.After(e.LatestTS) {
		e.LatestTS = now
	}
	if len(e.PrePositions) == 0 {
		e.PrePositions = t.prePositions(d.joinKey, e.RecordedAt)
	}
	e.LatestPosition = &latestPos
	if prevPos != nil {
		e.PrevPosition = prevPos
	}

	t.History.CurrentInside[d.joinKey] = &InsideState{
		Inside:              true,
		P56Buster:           true,
		OutsideCount:        0,
		LastSeen:            now,
		LastPosition:        &latestPos,
		OpenEventID:         e.ID,
		OpenEventRecordedAt: e.RecordedAt,
	}
}

func (t *Tracker) createEvent(d detection, prevPos *Position, latestPos Position, now time.Time) {
	e := &Event{
		ID:              d.eventID,
		SynthesizedCID:  d.synthesized,
		Callsign:        d.obs.Callsign,
		Name:            d.obs.Name,
		FlightPlan:      d.obs.FlightPlan,
		RecordedAt:      now,
		LatestTS:        now,
		Zones:           d.zones,
		PrevPosition:    prevPos,
		LatestPosition:  &latestPos,
		EvidenceLine:    [2]Position{},
		DetectionMethod: d.method,
		PrePositions:    t.prePositions(d.joinKey, now),
	}
	if prevPos != nil {
		e.EvidenceLine[0] = *prevPos
	}
	e.EvidenceLine[1] = latestPos

	t.History.Events = append(t.History.Events, e)
	t.History.CurrentInside[d.joinKey] = &InsideState{
		Inside:              true,
		P56Buster:           true,
		OutsideCount:        0,
		LastSeen:            now,
		LastPosition:        &latestPos,
		OpenEventID:         e.ID,
		OpenEventRecordedAt: e.RecordedAt,
	}
}

// prePositions walks the Track History Store for id newest->oldest,
// collecting points strictly outside every P-56 zone until the first
// inside point, capped at prePositionCap and reversed to oldest-first.
func (t *Tracker) prePositions(id string, recordedAt time.Time) []Position {
	if t.Tracks == nil {
		return nil
	}
	history := t.Tracks.Get(id, 0)

	var collected []Position
	for i := len(history) - 1; i >= 0; i-- {
		p := history[i]
		if !p.TS.Before(recordedAt) {
			continue
		}
		if len(t.zonesContaining(orb.Point{p.Lon, p.Lat})) > 0 {
			break
		}
		collected = append(collected, p)
		if len(collected) >= prePositionCap {
			break
		}
	}

	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected
}

func (t *Tracker) appendIncident(d detection, now time.Time) {
	if t.Snapshots == nil {
		return
	}
	cid := d.eventID
	if d.synthesized {
		cid = ""
	}
	evidenceBytes, err := json.Marshal(struct {
		DetectionMethod string   `json:"detection_method"`
		Zones           []string `json:"zones"`
	}{DetectionMethod: d.method, Zones: d.zones})
	if err != nil {
		monitoring.Logf("intrusion: evidence marshal failed: %v", err)
	}
	evidence := string(evidenceBytes)
	err = t.Snapshots.AppendIncident(snapshotstore.Incident{
		DetectedAt:   now,
		Callsign:     d.obs.Callsign,
		CID:          cid,
		Name:         d.obs.Name,
		Lat:          d.obs.Lat,
		Lon:          d.obs.Lon,
		Altitude:     d.obs.Altitude,
		Zones:        d.zones,
		EvidenceJSON: evidence,
	})
	if err != nil {
		// Durability failure: log and carry on, the in-memory event log
		// is still correct and the dashboard stays live.
		monitoring.Logf("intrusion: incident write failed: %v", err)
	}
}

// sync implements §4.F's continuous tracking pass, run every tick over
// every identity with an open buster flag.
func (t *Tracker) sync(latest []vatsim.Observation, now time.Time) {
	if now.Equal(t.lastSyncAt) {
		return // a replayed tick: outside counts and positions already recorded
	}
	t.lastSyncAt = now
	latestByID := make(map[string]vatsim.Observation, len(latest))
	for _, o := range latest {
		latestByID[o.Identity()] = o
	}

	for joinKey, state := range t.History.CurrentInside {
		if !state.P56Buster {
			continue
		}
		t.syncOne(joinKey, state, latestByID, now)
	}
}

func (t *Tracker) syncOne(joinKey string, state *InsideState, latestByID map[string]vatsim.Observation, now time.Time) {
	event := t.History.eventByKey(state.OpenEventID, state.OpenEventRecordedAt)
	obs, present := latestByID[joinKey]

	inside := false
	var pos *Position
	if present {
		p := toPosition(obs, now)
		pos = &p
		inside = len(t.zonesContaining(orb.Point{obs.Lon, obs.Lat})) > 0
	}

	spacingOK := pos != nil && (event == nil || len(event.IntrusionPositions) == 0 ||
		pos.TS.Sub(event.IntrusionPositions[len(event.IntrusionPositions)-1].TS) >= minPositionSpacing)

	if inside {
		if event != nil && spacingOK {
			appendCapped(event, *pos)
		}
		state.Inside = true
		state.OutsideCount = 0
		state.LastSeen = now
		state.LastPosition = pos
		return
	}

	if event != nil && spacingOK {
		appendCapped(event, *pos)
	}
	state.Inside = false
	state.OutsideCount++
	if present {
		state.LastSeen = now
		state.LastPosition = pos
	}
	if event != nil && event.ExitDetectedAt == nil {
		exitTime := now
		event.ExitDetectedAt = &exitTime
	}

	if state.OutsideCount >= t.ExitConfirmTicks {
		if event != nil && event.ExitConfirmedAt == nil {
			confirmedTime := now
			event.ExitConfirmedAt = &confirmedTime
		}
		state.P56Buster = false
	}
}

func appendCapped(e *Event, p Position) {
	e.IntrusionPositions = append(e.IntrusionPositions, p)
	if len(e.IntrusionPositions) > intrusionPositionCap {
		e.IntrusionPositions = e.IntrusionPositions[len(e.IntrusionPositions)-intrusionPositionCap:]
	}
}
