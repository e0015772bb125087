package geo

import (
	"context"
	"fmt"
	"net"

	"session-security-engine/backend/internal/session/domain"

	"github.com/rs/zerolog"
)

// Location is what an IP locator knows about an address.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	City      string  `json:"city"`
	Country   string  `json:"country"`
}

// Locator maps a public IP address to a location. A nil Location with a nil error means unknown.
type Locator interface {
	Locate(ctx context.Context, ip string) (*Location, error)
}

// Resolver normalizes a login's coordinates: device GPS when present, otherwise the IP locator,
// otherwise none. It never returns an error.
type Resolver struct {
	locator Locator
	log     zerolog.Logger
}

// NewResolver returns a resolver. locator may be nil, in which case logins without GPS resolve to none.
func NewResolver(locator Locator, log zerolog.Logger) *Resolver {
	return &Resolver{locator: locator, log: log.With().Str("component", "geo_resolver").Logger()}
}

// ResolveCoordinates returns meta enriched with the resolved location and the source it came from.
func (r *Resolver) ResolveCoordinates(ctx context.Context, meta domain.Metadata) (out domain.Metadata, src domain.LocationSource) {
	if meta.HasCoordinates() {
		return meta, domain.LocationSourceGPS
	}

	out, src = meta, domain.LocationSourceNone
	if r == nil || r.locator == nil || !Routable(meta.IPAddress) {
		return out, src
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Warn().Str("ip", meta.IPAddress).Str("panic", fmt.Sprint(p)).Msg("ip locator panicked")
			out, src = meta, domain.LocationSourceNone
		}
	}()

	loc, err := r.locator.Locate(ctx, meta.IPAddress)
	if err != nil {
		r.log.Warn().Err(err).Str("ip", meta.IPAddress).Msg("ip lookup failed")
		return meta, domain.LocationSourceNone
	}
	if loc == nil {
		return meta, domain.LocationSourceNone
	}

	lat, lon := loc.Latitude, loc.Longitude
	out.Latitude = &lat
	out.Longitude = &lon
	if loc.City != "" {
		out.City = loc.City
	}
	if loc.Country != "" {
		out.Country = loc.Country
	}
	return out, domain.LocationSourceIP
}

// Routable reports whether ip is a public unicast address worth looking up.
func Routable(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	return !(addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast())
}
