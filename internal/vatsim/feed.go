// Package vatsim parses the upstream live-traffic feed into typed,
// defensively-validated observations. The upstream document is treated as
// untrusted input: a missing field, or a numeric field holding something
// that is not a number, degrades only that field (or drops only that
// aircraft) instead of failing the whole parse. A string field holding a
// non-string JSON value still fails the decode.
package vatsim

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlightPlan carries the subset of the upstream flight-plan sub-object the
// core cares about. Unknown fields are ignored.
type FlightPlan struct {
	Remarks      string
	Route        string
	AircraftType string
	LastUpdated  time.Time
}

// Observation is one aircraft position report, fully typed after defensive
// parsing of the raw upstream JSON.
type Observation struct {
	// CID is the stable numeric pilot ID. Nil when the upstream omitted or
	// could not supply one; downstream code must then fall back to a
	// callsign-derived identity (see Identity).
	CID        *int64
	Callsign   string
	Name       string
	Lat        float64
	Lon        float64
	Altitude   *float64 // nil when missing or unparseable
	Groundspeed float64
	Heading     float64
	Transponder string
	FlightPlan  *FlightPlan
	UpdatedAt   time.Time
}

// Identity returns the stable join key for this observation: the CID when
// present, otherwise a callsign-derived best-effort key.
func (o Observation) Identity() string {
	if o.CID != nil {
		return strconv.FormatInt(*o.CID, 10)
	}
	return "CALLSIGN:" + o.Callsign
}

// Feed is one successfully parsed upstream document.
type Feed struct {
	UpdateTimestamp time.Time
	Observations    []Observation
}

// rawFeed mirrors the upstream JSON shape loosely: numeric fields that the
// real feed sometimes emits as strings are decoded as flexNumber so a single
// field's bad value does not fail the whole decode.
type rawFeed struct {
	General struct {
		UpdateTimestamp string `json:"update_timestamp"`
	} `json:"general"`
	Pilots []rawPilot `json:"pilots"`
}

// flexNumber accepts a JSON number or numeric string; any other value
// decodes to an empty number rather than an error.
type flexNumber json.Number

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	var num json.Number
	if json.Unmarshal(b, &num) != nil {
		num = ""
	}
	*n = flexNumber(num)
	return nil
}

func (n flexNumber) Float64() (float64, error) { return json.Number(n).Float64() }
func (n flexNumber) Int64() (int64, error)     { return json.Number(n).Int64() }

type rawPilot struct {
	CID         flexNumber  `json:"cid"`
	Callsign    string      `json:"callsign"`
	Name        string      `json:"name"`
	Latitude    flexNumber  `json:"latitude"`
	Longitude   flexNumber  `json:"longitude"`
	Altitude    flexNumber  `json:"altitude"`
	Groundspeed flexNumber  `json:"groundspeed"`
	Heading     flexNumber  `json:"heading"`
	Transponder string      `json:"transponder"`
	FlightPlan  *rawFlightPlan `json:"flight_plan"`
}

type rawFlightPlan struct {
	Remarks     string `json:"remarks"`
	Route       string `json:"route"`
	AircraftType string `json:"aircraft"`
	LastUpdated string `json:"last_updated"`
}

// ParseFeed decodes and defensively validates one upstream document.
// Malformed individual aircraft are dropped (and counted); a malformed
// top-level document returns an error, since there is nothing sound to
// build a Feed from.
func ParseFeed(data []byte) (*Feed, int, error) {
	var raw rawFeed
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("decode upstream feed: %w", err)
	}

	ts, err := ParseUpstreamTimestamp(raw.General.UpdateTimestamp)
	if err != nil {
		// A malformed general.update_timestamp degrades only that field;
		// the caller's fetcher falls back to its configured interval.
		ts = time.Time{}
	}

	feed := &Feed{UpdateTimestamp: ts}
	dropped := 0
	for _, p := range raw.Pilots {
		obs, ok := parsePilot(p)
		if !ok {
			dropped++
			continue
		}
		feed.Observations = append(feed.Observations, obs)
	}
	return feed, dropped, nil
}

func parsePilot(p rawPilot) (Observation, bool) {
	lat, err := p.Latitude.Float64()
	if err != nil {
		return Observation{}, false
	}
	lon, err := p.Longitude.Float64()
	if err != nil {
		return Observation{}, false
	}

	obs := Observation{
		Callsign:    strings.TrimSpace(p.Callsign),
		Name:        strings.TrimSpace(p.Name),
		Lat:         lat,
		Lon:         lon,
		Transponder: strings.TrimSpace(p.Transponder),
	}

	if cid, err := p.CID.Int64(); err == nil {
		obs.CID = &cid
	}
	if alt, err := p.Altitude.Float64(); err == nil {
		obs.Altitude = &alt
	}
	if gs, err := p.Groundspeed.Float64(); err == nil {
		obs.Groundspeed = gs
	}
	if hdg, err := p.Heading.Float64(); err == nil {
		obs.Heading = hdg
	}
	if p.FlightPlan != nil {
		fp := &FlightPlan{
			Remarks:      p.FlightPlan.Remarks,
			Route:        p.FlightPlan.Route,
			AircraftType: p.FlightPlan.AircraftType,
		}
		if lu, err := ParseUpstreamTimestamp(p.FlightPlan.LastUpdated); err == nil {
			fp.LastUpdated = lu
		}
		obs.FlightPlan = fp
	}

	if obs.Callsign == "" && obs.CID == nil {
		// Neither identity source is usable; nothing downstream can key on.
		return Observation{}, false
	}

	return obs, true
}

// ParseUpstreamTimestamp accepts either RFC3339/ISO-8601 or the upstream's
// compact "YYYYMMDDHHMMSS" form.
func ParseUpstreamTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("20060102150405", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", s)
}
