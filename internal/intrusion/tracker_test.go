package intrusion

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncrsentry/sentry/internal/fsutil"
	"github.com/ncrsentry/sentry/internal/geo"
	"github.com/ncrsentry/sentry/internal/snapshotstore"
	"github.com/ncrsentry/sentry/internal/trackstore"
	"github.com/ncrsentry/sentry/internal/vatsim"
)

// p56GeoJSON covers the National Mall with a single rectangular zone
// named "P-56A", large enough for the scenario coordinates in spec.md §8.
const p56GeoJSON = `{
	"type": "FeatureCollection",
	"features": [{
		"type": "Feature",
		"properties": {"name": "P-56A"},
		"geometry": {
			"type": "Polygon",
			"coordinates": [[
				[-77.06, 38.88], [-77.02, 38.88], [-77.02, 38.90], [-77.06, 38.90], [-77.06, 38.88]
			]]
		}
	}]
}`

func testRegistry(t *testing.T) *geo.Registry {
	t.Helper()
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.WriteFile("geo/p56.geojson", []byte(p56GeoJSON), 0o644))
	reg, err := geo.LoadFiles(fs, []string{"geo/p56.geojson"})
	require.NoError(t, err)
	return reg
}

func testSnapshotStore(t *testing.T) *snapshotstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentry.db")
	s, err := snapshotstore.Open(path, 100)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	history := NewHistory(fsutil.NewMemoryFileSystem(), "p56_history.json")
	tracks := trackstore.New(10, fsutil.NewMemoryFileSystem(), "")
	return NewTracker(history, testRegistry(t), testSnapshotStore(t), tracks, 0, 0)
}

func obs(cid int64, callsign string, lat, lon, alt float64) vatsim.Observation {
	return vatsim.Observation{
		CID:      &cid,
		Callsign: callsign,
		Name:     "J. Pilot",
		Lat:      lat,
		Lon:      lon,
		Altitude: &alt,
	}
}

func TestProcessTick_SegmentCrossCreatesEvent(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	prev := []vatsim.Observation{obs(900001, "N900001", 38.95, -77.08, 15000)}
	latest := []vatsim.Observation{obs(900001, "N900001", 38.86, -77.03, 15000)}

	tr.ProcessTick(prev, latest, now)

	require.Len(t, tr.History.Events, 1)
	e := tr.History.Events[0]
	assert.Equal(t, "900001", e.ID)
	assert.False(t, e.SynthesizedCID)
	assert.Equal(t, DetectionSegmentCross, e.DetectionMethod)
	assert.Contains(t, e.Zones, "P-56A")
	assert.Empty(t, e.PrePositions)

	state := tr.History.CurrentInside["900001"]
	require.NotNil(t, state)
	assert.True(t, state.P56Buster, "a crossing opens a buster event even though the endpoint ends up outside the zone")

	incidents, err := tr.Snapshots.ListIncidents(10)
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}

func TestProcessTick_ConnectInsideNoPrevCreatesEvent(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	latest := []vatsim.Observation{obs(910001, "N910001", 38.8895, -77.035, 1500)}

	tr.ProcessTick(nil, latest, now)

	require.Len(t, tr.History.Events, 1)
	e := tr.History.Events[0]
	assert.Equal(t, DetectionConnectInside, e.DetectionMethod)
	assert.Contains(t, e.Zones, "P-56A")
	assert.Empty(t, e.PrePositions)
	assert.True(t, tr.History.CurrentInside["910001"].P56Buster)
}

func TestProcessTick_DedupMergeWithinWindow(t *testing.T) {
	tr := newTestTracker(t)
	start := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	prev := []vatsim.Observation{obs(900001, "N900001", 38.95, -77.08, 15000)}
	latest := []vatsim.Observation{obs(900001, "N900001", 38.86, -77.03, 15000)}
	tr.ProcessTick(prev, latest, start)
	require.Len(t, tr.History.Events, 1)

	// The first tick's continuous-tracking sync already found the endpoint
	// outside the zone, so Inside is false and the write path is open again;
	// a fresh identical segment-cross 30s later (e.g. a re-parsed snapshot)
	// must merge into the event inside the dedup window, not duplicate it.
	tr.History.CurrentInside["900001"].Inside = false // simulate a brief exit re-entry
	mergeTime := start.Add(30 * time.Second)
	tr.ProcessTick(prev, latest, mergeTime)

	require.Len(t, tr.History.Events, 1, "dedup window must merge, not create a second event")
	assert.Equal(t, mergeTime, tr.History.Events[0].LatestTS)
}

func TestProcessTick_ExitConfirmationAfterTenOutsideTicks(t *testing.T) {
	tr := newTestTracker(t)
	start := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	// latest is strictly inside the zone so the tick-0 sync pass counts
	// it as the first "inside" observation (outside_count stays 0),
	// keeping the arithmetic below exact: 9 outside ticks then a 10th.
	latest := []vatsim.Observation{obs(900001, "N900001", 38.8895, -77.035, 15000)}
	tr.ProcessTick(nil, latest, start)

	outside := obs(900001, "N900001", 39.5, -77.5, 15000) // well outside P-56A
	tick := start
	for i := 1; i <= 9; i++ {
		tick = tick.Add(2 * time.Second)
		tr.ProcessTick(nil, []vatsim.Observation{outside}, tick)
	}

	state := tr.History.CurrentInside["900001"]
	require.NotNil(t, state)
	assert.Equal(t, 9, state.OutsideCount)
	assert.True(t, state.P56Buster)
	assert.Nil(t, tr.History.Events[0].ExitConfirmedAt)

	tick = tick.Add(2 * time.Second)
	tr.ProcessTick(nil, []vatsim.Observation{outside}, tick)

	state = tr.History.CurrentInside["900001"]
	assert.Equal(t, 10, state.OutsideCount)
	assert.False(t, state.P56Buster)
	require.NotNil(t, tr.History.Events[0].ExitConfirmedAt)
	lenAfterConfirm := len(tr.History.Events[0].IntrusionPositions)

	// An 11th outside tick must not append further to the track: sync
	// only iterates identities with P56Buster still true.
	tick = tick.Add(2 * time.Second)
	tr.ProcessTick(nil, []vatsim.Observation{outside}, tick)
	assert.Equal(t, lenAfterConfirm, len(tr.History.Events[0].IntrusionPositions))
}

func TestProcessTick_AltitudeAboveCeilingNoDetection(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	latest := []vatsim.Observation{obs(920001, "N920001", 38.8895, -77.035, 18000)}
	tr.ProcessTick(nil, latest, now)

	assert.Empty(t, tr.History.Events)
	assert.Nil(t, tr.History.CurrentInside["920001"])
}

func TestProcessTick_MissingAltitudeExcluded(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	latest := []vatsim.Observation{{
		CID:      int64Ptr(930001),
		Callsign: "N930001",
		Lat:      38.8895,
		Lon:      -77.035,
		Altitude: nil,
	}}
	tr.ProcessTick(nil, latest, now)

	assert.Empty(t, tr.History.Events)
}

func TestProcessTick_SynthesizedCIDWhenAbsent(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	alt := 1500.0

	latest := []vatsim.Observation{{
		Callsign: "N940001",
		Lat:      38.8895,
		Lon:      -77.035,
		Altitude: &alt,
	}}
	tr.ProcessTick(nil, latest, now)

	require.Len(t, tr.History.Events, 1)
	e := tr.History.Events[0]
	assert.True(t, e.SynthesizedCID)
	assert.Contains(t, e.ID, "NOCID-")
}

func TestProcessTick_ReplayingSameTickIsIdempotent(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	prev := []vatsim.Observation{obs(900001, "N900001", 38.95, -77.08, 15000)}
	latest := []vatsim.Observation{obs(900001, "N900001", 38.86, -77.03, 15000)}

	tr.ProcessTick(prev, latest, now)
	state := tr.History.CurrentInside["900001"]
	require.NotNil(t, state)
	outsideCountAfterFirst := state.OutsideCount

	tr.ProcessTick(prev, latest, now)

	assert.Len(t, tr.History.Events, 1, "a replayed tick must not open a second event")
	assert.Equal(t, outsideCountAfterFirst, tr.History.CurrentInside["900001"].OutsideCount,
		"a replayed tick must not reset the outside-tick counter")

	incidents, err := tr.Snapshots.ListIncidents(10)
	require.NoError(t, err)
	assert.Len(t, incidents, 1, "a replayed tick must not append a second incident row")
}

func TestHistory_SaveAndLoadRoundTrips(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	h := NewHistory(fs, "p56_history.json")
	h.Events = append(h.Events, &Event{ID: "1", RecordedAt: time.Now().UTC().Truncate(time.Second), Zones: []string{"P-56A"}})
	h.CurrentInside["1"] = &InsideState{Inside: true, P56Buster: true, OpenEventID: "1"}

	require.NoError(t, h.Save())

	h2 := NewHistory(fs, "p56_history.json")
	require.NoError(t, h2.Load())
	require.Len(t, h2.Events, 1)
	assert.Equal(t, "1", h2.Events[0].ID)
	assert.True(t, h2.CurrentInside["1"].P56Buster)
}

func TestHistory_PurgeSelectiveRemovesOnlyMatchedKeys(t *testing.T) {
	h := NewHistory(fsutil.NewMemoryFileSystem(), "p56_history.json")
	t1 := time.Now().UTC().Truncate(time.Second)
	t2 := t1.Add(time.Hour)
	h.Events = []*Event{
		{ID: "1", RecordedAt: t1},
		{ID: "2", RecordedAt: t2},
	}
	h.CurrentInside["1"] = &InsideState{P56Buster: true, OpenEventID: "1", OpenEventRecordedAt: t1}
	h.CurrentInside["2"] = &InsideState{P56Buster: true, OpenEventID: "2", OpenEventRecordedAt: t2}

	h.PurgeSelective([]EventKey{{ID: "1", RecordedAt: t1}})

	require.Len(t, h.Events, 1)
	assert.Equal(t, "2", h.Events[0].ID)
	assert.Nil(t, h.CurrentInside["1"])
	assert.NotNil(t, h.CurrentInside["2"])
}

func int64Ptr(v int64) *int64 { return &v }
