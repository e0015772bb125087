package domain

import "math"

// Metadata describes the client a login or re-authentication comes from.
type Metadata struct {
	IPAddress string
	UserAgent string
	DeviceID  string
	Latitude  *float64
	Longitude *float64
	City      string
	Country   string
}

// HasCoordinates reports whether both latitude and longitude are present and finite.
func (m Metadata) HasCoordinates() bool {
	return finite(m.Latitude) && finite(m.Longitude)
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

// LocationSource names where a login's coordinates came from.
type LocationSource string

const (
	LocationSourceGPS  LocationSource = "gps"
	LocationSourceIP   LocationSource = "ip"
	LocationSourceNone LocationSource = "none"
)
