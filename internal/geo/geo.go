// Package geo provides great-circle distance, geofence containment, and the
// fixed-size grid used for spatial coverage binning.
package geo

import (
	"math"
	"time"
)

// EarthRadiusM is the mean earth radius in meters.
const EarthRadiusM = 6371000.0

// GridCellDeg is the angular size of one coverage grid cell in degrees.
// 0.001 degrees is roughly 111 m of latitude at the equator.
const GridCellDeg = 0.001

// Haversine returns the great-circle distance in meters between two
// latitude/longitude points given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusM * c
}

// InRadius reports whether (lat, lon) lies within radiusM meters of the home
// point. A point exactly on the circle counts as inside.
func InRadius(lat, lon, homeLat, homeLon, radiusM float64) bool {
	return Haversine(lat, lon, homeLat, homeLon) <= radiusM
}

// GridIndex maps a coordinate in degrees to its grid cell index. Cells are
// half-open intervals [idx*GridCellDeg, (idx+1)*GridCellDeg).
func GridIndex(deg float64) int {
	return int(math.Floor(deg / GridCellDeg))
}

// CellBounds returns the [min, max) degree range covered by a grid index.
func CellBounds(idx int) (minDeg, maxDeg float64) {
	minDeg = float64(idx) * GridCellDeg
	return minDeg, minDeg + GridCellDeg
}

// UTCDay formats a timestamp as its UTC calendar day (YYYY-MM-DD), the day
// key used by coverage bins.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// DayBounds returns the unix-second range [start, end) for a YYYY-MM-DD UTC
// day string. Returns ok=false if the day does not parse.
func DayBounds(day string) (start, end float64, ok bool) {
	t, err := time.ParseInLocation("2006-01-02", day, time.UTC)
	if err != nil {
		return 0, 0, false
	}
	return float64(t.Unix()), float64(t.Add(24 * time.Hour).Unix()), true
}
