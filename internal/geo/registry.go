// Package geo loads and caches the GeoJSON polygon sets (SFRA, FRZ, P-56,
// and any future special-use airspace) that the classification engine and
// the P-56 tracker test aircraft against. The registry is built once at
// startup and never mutated afterward.
package geo

import (
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/ncrsentry/sentry/internal/fsutil"
)

// Feature is one named, possibly-repaired polygon/line/point geometry plus
// the property bag the classification engine consults.
type Feature struct {
	Name       string       `json:"name"`
	Geometry   orb.Geometry `json:"-"`
	Tolerance  float64      `json:"-"` // degrees; only meaningful for line features
	VicinityNM float64      `json:"vicinity_nm,omitempty"`
	Bound      orb.Bound    `json:"-"`
}

const defaultLineTolerance = 0.001

// Registry is the immutable, loaded-once set of polygon features keyed by
// tag (filename stem, lowercased).
type Registry struct {
	order []string // tags in load order
	sets  map[string][]Feature
	index map[string]*gridIndex
}

// LoadFiles loads the registry from an explicit list of GeoJSON file paths,
// each identified by its filename stem (lowercased) as the tag, repairing
// invalid polygons once and building a per-tag spatial index. Unreadable or
// malformed files are skipped with a logged warning, never fatal — an
// entirely empty result is the only failure surfaced to the caller, which
// treats it as a boot-time config error (§7 error kind 6). Discovering the
// file list itself (reading a directory) is the caller's job: the
// fsutil.FileSystem abstraction this package is built on deals in file
// paths, not directory entries, so callers enumerate the geo data directory
// with os.ReadDir (or an equivalent) and pass the resulting paths in.
func LoadFiles(fsys fsutil.FileSystem, paths []string) (*Registry, error) {
	reg := &Registry{
		sets:  make(map[string][]Feature),
		index: make(map[string]*gridIndex),
	}

	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	for _, path := range sorted {
		tag := strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		data, err := fsys.ReadFile(path)
		if err != nil {
			log.Printf("geo: skipping %q: %v", path, err)
			continue
		}
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			log.Printf("geo: skipping %q: malformed GeoJSON: %v", path, err)
			continue
		}

		var features []Feature
		for _, f := range fc.Features {
			feat, ok := loadFeature(f, path)
			if !ok {
				continue
			}
			features = append(features, feat)
		}
		if len(features) == 0 {
			continue
		}

		reg.order = append(reg.order, tag)
		reg.sets[tag] = features
		reg.index[tag] = buildGridIndex(features)
	}

	if len(reg.order) == 0 {
		return nil, fmt.Errorf("no usable geo features loaded from %d candidate file(s)", len(paths))
	}

	return reg, nil
}

func loadFeature(f *geojson.Feature, filename string) (Feature, bool) {
	geom := f.Geometry
	if geom == nil {
		return Feature{}, false
	}

	repaired, ok := repairIfInvalid(geom)
	if !ok {
		log.Printf("geo: dropping unrepairable feature in %q", filename)
		return Feature{}, false
	}

	name, _ := f.Properties["name"].(string)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}

	tolerance := defaultLineTolerance
	if v, ok := f.Properties["tolerance"]; ok {
		if tf, ok := toFloat(v); ok {
			tolerance = tf
		}
	}
	vicinity := 0.0
	if v, ok := f.Properties["vicinity_nm"]; ok {
		if vf, ok := toFloat(v); ok {
			vicinity = vf
		}
	}

	return Feature{
		Name:       name,
		Geometry:   repaired,
		Tolerance:  tolerance,
		VicinityNM: vicinity,
		Bound:      boundOf(repaired),
	}, true
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Lookup returns the union of all feature sets whose tag contains keyword
// (case-insensitive), preserving load order. found is false when no loaded
// tag contains keyword at all — the registry's distinguished "no such
// keyword" result — as opposed to a tag that matched but loaded zero usable
// features, which cannot happen since LoadFiles never stores an empty set.
func (r *Registry) Lookup(keyword string) (features []Feature, found bool) {
	keyword = strings.ToLower(keyword)
	for _, tag := range r.order {
		if strings.Contains(tag, keyword) {
			found = true
			features = append(features, r.sets[tag]...)
		}
	}
	return features, found
}

// CandidatesNear narrows Lookup's result to features whose grid cell could
// plausibly contain p, for callers about to run an exact point-in-polygon
// test and wanting to skip features whose bounding cell rules them out.
func (r *Registry) CandidatesNear(keyword string, p orb.Point) []Feature {
	keyword = strings.ToLower(keyword)
	var out []Feature
	for _, tag := range r.order {
		if !strings.Contains(tag, keyword) {
			continue
		}
		idx := r.index[tag]
		if idx == nil {
			out = append(out, r.sets[tag]...)
			continue
		}
		out = append(out, idx.candidates(p)...)
	}
	return out
}

// Tags returns the registry's tags in load order (used by tests/diagnostics).
func (r *Registry) Tags() []string {
	return append([]string(nil), r.order...)
}
