package geofence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncrsentry/sentry/internal/fsutil"
	"github.com/ncrsentry/sentry/internal/geo"
)

const sfraGeoJSON = `{
	"type": "FeatureCollection",
	"features": [{
		"type": "Feature",
		"properties": {"name": "DC SFRA"},
		"geometry": {
			"type": "Polygon",
			"coordinates": [[
				[-77.5, 38.7], [-76.8, 38.7], [-76.8, 39.2], [-77.5, 39.2], [-77.5, 38.7]
			]]
		}
	}]
}`

func loadTestRegistry(t *testing.T) *geo.Registry {
	t.Helper()
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.WriteFile("geo/sfra.geojson", []byte(sfraGeoJSON), 0o644))
	reg, err := geo.LoadFiles(fs, []string{"geo/sfra.geojson"})
	require.NoError(t, err)
	return reg
}

func ptr(f float64) *float64 { return &f }

func TestClassify_MatchesInsideAircraftUnderCeiling(t *testing.T) {
	reg := loadTestRegistry(t)
	aircraft := []Aircraft{
		{Identity: "1", Lat: 38.9, Lon: -77.0, Altitude: ptr(10000)},
	}
	matches := Classify(reg, "sfra", aircraft, &SFRAFRZCeilingFt)
	require.Len(t, matches, 1)
	assert.Equal(t, "1", matches[0].Aircraft.Identity)
	assert.Equal(t, "DC SFRA", matches[0].MatchedProps.Name)
}

func TestClassify_ExcludesMissingAltitude(t *testing.T) {
	reg := loadTestRegistry(t)
	aircraft := []Aircraft{{Identity: "1", Lat: 38.9, Lon: -77.0, Altitude: nil}}
	matches := Classify(reg, "sfra", aircraft, &SFRAFRZCeilingFt)
	assert.Len(t, matches, 0)
}

func TestClassify_ExcludesStrictlyAboveCeilingButIncludesEqual(t *testing.T) {
	reg := loadTestRegistry(t)
	aircraft := []Aircraft{
		{Identity: "above", Lat: 38.9, Lon: -77.0, Altitude: ptr(18000)},
		{Identity: "equal", Lat: 38.9, Lon: -77.0, Altitude: ptr(17999)},
	}
	matches := Classify(reg, "sfra", aircraft, &SFRAFRZCeilingFt)
	require.Len(t, matches, 1)
	assert.Equal(t, "equal", matches[0].Aircraft.Identity)
}

func TestClassify_OutsideAircraftNoMatch(t *testing.T) {
	reg := loadTestRegistry(t)
	aircraft := []Aircraft{{Identity: "1", Lat: 10.0, Lon: 10.0, Altitude: ptr(1000)}}
	matches := Classify(reg, "sfra", aircraft, &SFRAFRZCeilingFt)
	assert.Len(t, matches, 0)
}

func TestClassify_UnknownKeywordReturnsNil(t *testing.T) {
	reg := loadTestRegistry(t)
	aircraft := []Aircraft{{Identity: "1", Lat: 38.9, Lon: -77.0, Altitude: ptr(1000)}}
	matches := Classify(reg, "nonexistent", aircraft, &SFRAFRZCeilingFt)
	assert.Nil(t, matches)
}

func TestBullseye_LabelFormat(t *testing.T) {
	dca := Bullseye(38.8514403, -77.0377214)
	assert.Equal(t, "DCA000000", dca.Label)
	assert.InDelta(t, 0.0, dca.RangeNM, 0.01)
}

func TestBullseye_KnownRange(t *testing.T) {
	// Roughly 1 degree of latitude north of DCA is ~60NM.
	dca := Bullseye(39.8514403, -77.0377214)
	assert.InDelta(t, 0.0, dca.BearingDeg, 1.0)
	assert.InDelta(t, 60.0, dca.RangeNM, 2.0)
}
