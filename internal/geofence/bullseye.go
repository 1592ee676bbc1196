package geofence

import (
	"fmt"
	"math"
)

// dcaLat/dcaLon are Reagan National's reference point, the bullseye origin
// for every radial/range annotation this package produces.
const (
	dcaLat = 38.8514403
	dcaLon = -77.0377214

	earthRadiusKM = 6371.0
	nmPerKM       = 1 / 1.852
)

// DCA is the bullseye radial/range triple attached to every matched
// aircraft: a compass radial from DCA, the range in nautical miles, and the
// combined "DCAbbbRRR" label dashboards render directly.
type DCA struct {
	Label      string  `json:"label"` // "DCAbbbRRR", e.g. "DCA270030"
	BearingDeg float64 `json:"bearing_deg"`
	RangeNM    float64 `json:"range_nm"`
}

// Bullseye computes the great-circle bearing and range from DCA to
// (lat,lon), using the haversine formula with R=6371km, converting to
// nautical miles at 1 NM = 1.852 km.
func Bullseye(lat, lon float64) DCA {
	bearing := initialBearing(dcaLat, dcaLon, lat, lon)
	rangeNM := haversineKM(dcaLat, dcaLon, lat, lon) * nmPerKM
	return DCA{
		Label:      fmt.Sprintf("DCA%03d%03d", int(math.Round(bearing)), int(math.Round(rangeNM))),
		BearingDeg: bearing,
		RangeNM:    rangeNM,
	}
}

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := radians(lat1), radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}

func initialBearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := radians(lat1), radians(lat2)
	dLambda := radians(lon2 - lon1)

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	theta := math.Atan2(y, x)
	return math.Mod(degrees(theta)+360, 360)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
