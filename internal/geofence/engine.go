// Package geofence implements the pure classification function that tests
// aircraft against a loaded polygon set under an altitude ceiling, with
// DCA-bullseye annotation. It holds no state between calls.
package geofence

import (
	"github.com/paulmach/orb"

	"github.com/ncrsentry/sentry/internal/geo"
	"github.com/ncrsentry/sentry/internal/vatsim"
)

// Aircraft is the minimal shape the engine needs from an observation.
type Aircraft struct {
	Identity string   `json:"identity"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Altitude *float64 `json:"altitude"`
}

// FromObservation narrows a vatsim.Observation down to the engine's input
// shape.
func FromObservation(o vatsim.Observation) Aircraft {
	return Aircraft{Identity: o.Identity(), Lat: o.Lat, Lon: o.Lon, Altitude: o.Altitude}
}

// Match is one aircraft-to-feature hit.
type Match struct {
	Aircraft     Aircraft    `json:"aircraft"`
	MatchedProps geo.Feature `json:"matched_props"`
	DCA          DCA         `json:"dca"`
}

// Classify tests every aircraft in set against every feature returned by
// keyword, subject to an altitude ceiling (nil means no ceiling). Each
// aircraft matches at most once, in the feature set's load order (first
// hit wins).
func Classify(reg *geo.Registry, keyword string, aircraft []Aircraft, ceilingFt *float64) []Match {
	features, found := reg.Lookup(keyword)
	if !found {
		return nil
	}

	var matches []Match
	for _, ac := range aircraft {
		if !withinCeiling(ac.Altitude, ceilingFt) {
			continue
		}
		p := orb.Point{ac.Lon, ac.Lat}
		for _, f := range features {
			if geo.Contains(f, p) {
				matches = append(matches, Match{
					Aircraft:     ac,
					MatchedProps: f,
					DCA:          Bullseye(ac.Lat, ac.Lon),
				})
				break
			}
		}
	}
	return matches
}

// withinCeiling applies §4.E's filter: missing altitude excludes the
// observation; altitude strictly greater than the ceiling excludes it;
// exact equality passes.
func withinCeiling(altitude *float64, ceilingFt *float64) bool {
	if ceilingFt == nil {
		return true
	}
	if altitude == nil {
		return false
	}
	return *altitude <= *ceilingFt
}

// SFRAFRZCeilingFt is the fixed altitude ceiling applied to SFRA/FRZ/P-56
// classification per the specification.
var SFRAFRZCeilingFt = 17999.0
