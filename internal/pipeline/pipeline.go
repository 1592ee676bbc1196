// Package pipeline implements the Precompute Pipeline: the single
// subscriber that matters on every Fetcher tick. It appends the snapshot,
// applies the surge/backpressure radius policy, updates the Track History
// Store, runs the Geofence Engine and the P-56 Intrusion Tracker, and
// publishes a coherent bundle to the Read Cache.
package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/ncrsentry/sentry/internal/cache"
	"github.com/ncrsentry/sentry/internal/fetcher"
	"github.com/ncrsentry/sentry/internal/geo"
	"github.com/ncrsentry/sentry/internal/geofence"
	"github.com/ncrsentry/sentry/internal/intrusion"
	"github.com/ncrsentry/sentry/internal/monitoring"
	"github.com/ncrsentry/sentry/internal/snapshotstore"
	"github.com/ncrsentry/sentry/internal/trackstore"
	"github.com/ncrsentry/sentry/internal/vatsim"
)

// Surge thresholds and caps, §4.G step 2.
const (
	surgeThresholdHigh = 500
	surgeCapHigh       = 80.0
	surgeThresholdMed  = 300
	surgeCapMed        = 150.0
)

// AircraftEntry is one published aircraft position, DCA-annotated.
type AircraftEntry struct {
	Identity string       `json:"identity"`
	Callsign string       `json:"callsign"`
	Lat      float64      `json:"lat"`
	Lon      float64      `json:"lon"`
	Altitude *float64     `json:"altitude"`
	DCA      geofence.DCA `json:"dca"`
}

// AircraftListBundle backs the "aircraft_list" cache key.
type AircraftListBundle struct {
	Aircraft              []AircraftEntry `json:"aircraft"`
	ComputedAt            time.Time       `json:"computed_at"`
	VatsimUpdateTimestamp time.Time       `json:"vatsim_update_timestamp"`
	TrimRadiusNM          float64         `json:"trim_radius_nm"`
}

// ZoneBundle backs the "sfra"/"frz" cache keys.
type ZoneBundle struct {
	Aircraft      []geofence.Match `json:"aircraft"`
	ComputedAt    time.Time        `json:"computed_at"`
	AircraftCount int              `json:"aircraft_count"`
}

// P56History is the durable intrusion log nested under the "p56" bundle's
// history key, per §6's `{aircraft, history: {events, current_inside},
// computed_at}` shape.
type P56History struct {
	Events        []*intrusion.Event                `json:"events"`
	CurrentInside map[string]*intrusion.InsideState `json:"current_inside"`
}

// P56Bundle backs the "p56" cache key.
type P56Bundle struct {
	Aircraft   []geofence.Match `json:"aircraft"`
	History    P56History       `json:"history"`
	ComputedAt time.Time        `json:"computed_at"`
}

// SystemStatus backs the "system_status" cache key.
type SystemStatus struct {
	SurgeMode           bool      `json:"surge_mode"`
	TotalAircraftVatsim int       `json:"total_aircraft_vatsim"`
	ProcessedAircraft   int       `json:"processed_aircraft"`
	ConfiguredRadiusNM  float64   `json:"configured_radius_nm"`
	EffectiveRadiusNM   float64   `json:"effective_radius_nm"`
	ComputedAt          time.Time `json:"computed_at"`
}

// Pipeline wires the downstream components the Fetcher's tick fans out to.
type Pipeline struct {
	Snapshots *snapshotstore.Store
	Tracks    *trackstore.Store
	Registry  *geo.Registry
	Tracker   *intrusion.Tracker
	Cache     *cache.Cache

	ConfiguredRadiusNM float64

	busy    atomic.Bool
	workers chan func()
}

// New wires a pipeline. Ticks run on a single background worker whose job
// queue holds one entry; a tick that arrives while the previous one is still
// running is skipped outright rather than queued (§4.G's "must skip, not
// queue").
func New(snapshots *snapshotstore.Store, tracks *trackstore.Store, registry *geo.Registry, tracker *intrusion.Tracker, c *cache.Cache, configuredRadiusNM float64) *Pipeline {
	p := &Pipeline{
		Snapshots:          snapshots,
		Tracks:             tracks,
		Registry:           registry,
		Tracker:            tracker,
		Cache:              c,
		ConfiguredRadiusNM: configuredRadiusNM,
		workers:            make(chan func(), 1),
	}
	go p.runWorker()
	return p
}

func (p *Pipeline) runWorker() {
	for job := range p.workers {
		job()
	}
}

// OnEvent is the Fetcher subscriber entry point (§5: invoked synchronously
// from the Fetcher, must not block it). It schedules the actual precompute
// work onto the background worker and returns immediately; an overrunning
// previous tick causes this tick's precompute to be skipped entirely.
func (p *Pipeline) OnEvent(ev fetcher.Event) {
	if ev.Feed == nil {
		return
	}
	if !p.busy.CompareAndSwap(false, true) {
		monitoring.Logf("pipeline: overrun, skipping precompute for tick at %s", ev.WallTS)
		return
	}

	feed := *ev.Feed
	rawJSON := ev.RawJSON
	wallTS := ev.WallTS
	select {
	case p.workers <- func() {
		defer p.busy.Store(false)
		p.process(feed, rawJSON, wallTS)
	}:
	default:
		// The single-slot worker queue is full (should not happen given
		// the busy-flag gate above, but guards against a race at startup).
		p.busy.Store(false)
		monitoring.Logf("pipeline: worker queue full, skipping precompute for tick at %s", wallTS)
	}
}

// process runs steps 1-7 of §4.G synchronously on the worker goroutine.
func (p *Pipeline) process(feed vatsim.Feed, rawJSON []byte, wallTS time.Time) {
	// Step 1: append snapshot (the exact upstream bytes, not a re-marshal
	// of the parsed/typed Feed, per §3's "opaque JSON" contract).
	if _, err := p.Snapshots.Append(rawJSON, wallTS, feed.UpdateTimestamp); err != nil {
		monitoring.Logf("pipeline: snapshot append failed: %v", err)
	}

	// Step 2: effective radius / surge policy.
	total := len(feed.Observations)
	effectiveRadius := p.ConfiguredRadiusNM
	switch {
	case total > surgeThresholdHigh:
		effectiveRadius = min(p.ConfiguredRadiusNM, surgeCapHigh)
	case total > surgeThresholdMed:
		effectiveRadius = min(p.ConfiguredRadiusNM, surgeCapMed)
	}
	surgeMode := effectiveRadius < p.ConfiguredRadiusNM

	// Step 3: trim by range.
	trimmed := make([]vatsim.Observation, 0, len(feed.Observations))
	for _, o := range feed.Observations {
		if geofence.Bullseye(o.Lat, o.Lon).RangeNM <= effectiveRadius {
			trimmed = append(trimmed, o)
		}
	}

	// Step 4: Track History Store update.
	allowed := make(map[string]bool, len(trimmed))
	updates := make([]trackstore.Update, 0, len(trimmed))
	for _, o := range trimmed {
		id := o.Identity()
		allowed[id] = true
		updates = append(updates, trackstore.Update{
			Identity: id,
			Point: trackstore.Point{
				TS:          wallTS,
				Lat:         o.Lat,
				Lon:         o.Lon,
				Altitude:    o.Altitude,
				Groundspeed: o.Groundspeed,
				Heading:     o.Heading,
				Callsign:    o.Callsign,
			},
		})
	}
	p.Tracks.UpdateBatch(updates, allowed)
	if err := p.Tracks.Flush(); err != nil {
		monitoring.Logf("pipeline: track history flush failed: %v", err)
	}

	// Step 5: geofence sfra/frz.
	engineAircraft := make([]geofence.Aircraft, len(trimmed))
	for i, o := range trimmed {
		engineAircraft[i] = geofence.FromObservation(o)
	}
	ceiling := geofence.SFRAFRZCeilingFt
	sfraMatches := geofence.Classify(p.Registry, "sfra", engineAircraft, &ceiling)
	frzMatches := geofence.Classify(p.Registry, "frz", engineAircraft, &ceiling)

	// Step 6: P-56 intrusion tracker, against the snapshot store's two
	// newest snapshots' worth of observations.
	var prev []vatsim.Observation
	if snaps, err := p.Snapshots.LatestN(2); err == nil && len(snaps) == 2 {
		if pf, _, err := vatsim.ParseFeed(snaps[1].RawJSON); err == nil {
			prev = pf.Observations
		}
	}
	p.Tracker.ProcessTick(prev, trimmed, wallTS)
	if err := p.Tracker.History.Save(); err != nil {
		monitoring.Logf("pipeline: p56 history save failed: %v", err)
	}
	p56Ceiling := intrusion.AltitudeCeilingFt
	p56Matches := geofence.Classify(p.Registry, "p56", engineAircraft, &p56Ceiling)

	// Step 7: publish.
	computedAt := wallTS
	var entries []AircraftEntry
	for _, o := range trimmed {
		entries = append(entries, AircraftEntry{
			Identity: o.Identity(),
			Callsign: o.Callsign,
			Lat:      o.Lat,
			Lon:      o.Lon,
			Altitude: o.Altitude,
			DCA:      geofence.Bullseye(o.Lat, o.Lon),
		})
	}
	p.Cache.Publish(cache.KeyAircraftList, AircraftListBundle{
		Aircraft:              entries,
		ComputedAt:            computedAt,
		VatsimUpdateTimestamp: feed.UpdateTimestamp,
		TrimRadiusNM:          effectiveRadius,
	}, computedAt, feed.UpdateTimestamp)

	p.Cache.Publish(cache.KeySFRA, ZoneBundle{Aircraft: sfraMatches, ComputedAt: computedAt, AircraftCount: len(sfraMatches)}, computedAt, feed.UpdateTimestamp)
	p.Cache.Publish(cache.KeyFRZ, ZoneBundle{Aircraft: frzMatches, ComputedAt: computedAt, AircraftCount: len(frzMatches)}, computedAt, feed.UpdateTimestamp)
	p.Cache.Publish(cache.KeyP56, P56Bundle{
		Aircraft: p56Matches,
		History: P56History{
			Events:        p.Tracker.History.Events,
			CurrentInside: p.Tracker.History.CurrentInside,
		},
		ComputedAt: computedAt,
	}, computedAt, feed.UpdateTimestamp)
	p.Cache.Publish(cache.KeySystemStatus, SystemStatus{
		SurgeMode:           surgeMode,
		TotalAircraftVatsim: total,
		ProcessedAircraft:   len(trimmed),
		ConfiguredRadiusNM:  p.ConfiguredRadiusNM,
		EffectiveRadiusNM:   effectiveRadius,
		ComputedAt:          computedAt,
	}, computedAt, feed.UpdateTimestamp)
}

// Close stops the background worker. Callers should wait for any in-flight
// precompute to finish first (the caller's shutdown sequence already
// drains the Fetcher before calling this).
func (p *Pipeline) Close() {
	close(p.workers)
}
