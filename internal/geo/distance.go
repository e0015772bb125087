// Package geo provides great-circle distance, coordinate sanitizing and login coordinate
// resolution (device GPS first, then an IP locator).
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by HaversineKm.
const EarthRadiusKm = 6371.0

// DistanceFunc computes the distance in kilometres between two coordinates.
type DistanceFunc func(lat1, lon1, lat2, lon2 float64) float64

// HaversineKm returns the great-circle distance in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := radians(lat1)
	rlat2 := radians(lat2)
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Point is a sanitized coordinate pair.
type Point struct {
	Lat float64
	Lon float64
}

// Sanitize returns the point when both values are present, finite and in range
// (latitude in [-90,90], longitude in [-180,180]). Anything else is treated as absent.
func Sanitize(lat, lon *float64) (Point, bool) {
	if lat == nil || lon == nil {
		return Point{}, false
	}
	la, lo := *lat, *lon
	if math.IsNaN(la) || math.IsNaN(lo) || math.IsInf(la, 0) || math.IsInf(lo, 0) {
		return Point{}, false
	}
	if la < -90 || la > 90 || lo < -180 || lo > 180 {
		return Point{}, false
	}
	return Point{Lat: la, Lon: lo}, true
}
