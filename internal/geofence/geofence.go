package geofence

import "math"

const earthRadiusMeters = 6371000.0

type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Fence is a circular registration area. A zero radius disables it.
type Fence struct {
	Center       Point
	RadiusMeters float64
}

func (f Fence) Enabled() bool {
	return f.RadiusMeters > 0
}

// Contains reports whether p lies inside the fence. A disabled fence contains everything.
func (f Fence) Contains(p Point) bool {
	if !f.Enabled() {
		return true
	}
	return Distance(f.Center, p) <= f.RadiusMeters
}

func (p Point) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// Distance returns the great-circle distance in meters (haversine).
func Distance(a, b Point) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := lat2 - lat1
	dLng := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
