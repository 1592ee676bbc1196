package geo

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncrsentry/sentry/internal/fsutil"
)

const sfraGeoJSON = `{
	"type": "FeatureCollection",
	"features": [
		{
			"type": "Feature",
			"properties": {"name": "DC SFRA", "vicinity_nm": 5},
			"geometry": {
				"type": "Polygon",
				"coordinates": [[
					[-77.5, 38.7], [-76.8, 38.7], [-76.8, 39.2], [-77.5, 39.2], [-77.5, 38.7]
				]]
			}
		}
	]
}`

const p56GeoJSON = `{
	"type": "FeatureCollection",
	"features": [
		{
			"type": "Feature",
			"properties": {"name": "P-56A"},
			"geometry": {
				"type": "Polygon",
				"coordinates": [[
					[-77.06, 38.88], [-77.02, 38.88], [-77.02, 38.92], [-77.06, 38.92], [-77.06, 38.88]
				]]
			}
		}
	]
}`

func testFS(files map[string]string) *fsutil.MemoryFileSystem {
	fs := fsutil.NewMemoryFileSystem()
	for name, content := range files {
		fs.WriteFile(name, []byte(content), 0o644)
	}
	return fs
}

func TestLoadFiles_Basic(t *testing.T) {
	fs := testFS(map[string]string{
		"geo/sfra.geojson": sfraGeoJSON,
		"geo/p56.geojson":  p56GeoJSON,
	})

	reg, err := LoadFiles(fs, []string{"geo/sfra.geojson", "geo/p56.geojson"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p56", "sfra"}, reg.Tags())

	feats, found := reg.Lookup("sfra")
	require.True(t, found)
	require.Len(t, feats, 1)
	assert.Equal(t, "DC SFRA", feats[0].Name)
	assert.Equal(t, 5.0, feats[0].VicinityNM)
}

func TestLoadFiles_UnknownKeywordDistinguishedFromEmpty(t *testing.T) {
	fs := testFS(map[string]string{"geo/sfra.geojson": sfraGeoJSON})
	reg, err := LoadFiles(fs, []string{"geo/sfra.geojson"})
	require.NoError(t, err)

	_, found := reg.Lookup("nonexistent")
	assert.False(t, found)
}

func TestLoadFiles_SkipsMalformedFile(t *testing.T) {
	fs := testFS(map[string]string{
		"geo/sfra.geojson": sfraGeoJSON,
		"geo/bad.geojson":  `not json`,
	})
	reg, err := LoadFiles(fs, []string{"geo/sfra.geojson", "geo/bad.geojson"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sfra"}, reg.Tags())
}

func TestLoadFiles_AllUnreadableReturnsError(t *testing.T) {
	fs := testFS(nil)
	_, err := LoadFiles(fs, []string{"geo/missing.geojson"})
	assert.Error(t, err)
}

func TestContains_InsideAndBoundary(t *testing.T) {
	fs := testFS(map[string]string{"geo/sfra.geojson": sfraGeoJSON})
	reg, err := LoadFiles(fs, []string{"geo/sfra.geojson"})
	require.NoError(t, err)

	feats, _ := reg.Lookup("sfra")
	inside := orb.Point{-77.0, 38.9}
	assert.True(t, Contains(feats[0], inside))

	boundary := orb.Point{-77.5, 38.9}
	assert.True(t, Contains(feats[0], boundary))

	outside := orb.Point{-70.0, 38.9}
	assert.False(t, Contains(feats[0], outside))
}

func TestSegmentIntersects_CrossesPolygon(t *testing.T) {
	fs := testFS(map[string]string{"geo/p56.geojson": p56GeoJSON})
	reg, err := LoadFiles(fs, []string{"geo/p56.geojson"})
	require.NoError(t, err)

	feats, _ := reg.Lookup("p56")
	from := orb.Point{-77.10, 38.90}
	to := orb.Point{-77.00, 38.90}
	assert.True(t, SegmentIntersects(feats[0], from, to))

	farFrom := orb.Point{-70.0, 38.90}
	farTo := orb.Point{-69.0, 38.90}
	assert.False(t, SegmentIntersects(feats[0], farFrom, farTo))
}

func TestCandidatesNear_FiltersByGridCell(t *testing.T) {
	fs := testFS(map[string]string{"geo/sfra.geojson": sfraGeoJSON})
	reg, err := LoadFiles(fs, []string{"geo/sfra.geojson"})
	require.NoError(t, err)

	near := reg.CandidatesNear("sfra", orb.Point{-77.0, 38.9})
	assert.Len(t, near, 1)

	far := reg.CandidatesNear("sfra", orb.Point{10.0, 10.0})
	assert.Len(t, far, 0)
}

func TestRingSelfIntersects_RepairsToConvexHull(t *testing.T) {
	// A bowtie polygon: self-intersecting ring.
	bowtie := orb.Ring{
		{0, 0}, {2, 2}, {2, 0}, {0, 2}, {0, 0},
	}
	assert.True(t, ringSelfIntersects(bowtie))

	hull := convexHull(bowtie)
	assert.False(t, ringSelfIntersects(hull))
}
