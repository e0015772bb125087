// Package anomaly classifies logins as suspicious using device novelty and
// distance-over-time heuristics against the user's most recent session.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"session-security-engine/backend/internal/geo"
	"session-security-engine/backend/internal/session/domain"
)

// Thresholds holds the per-location-source windows and distances.
type Thresholds struct {
	GPSTimeWindow time.Duration
	IPTimeWindow  time.Duration
	GPSDistanceKm float64
	IPDistanceKm  float64
}

// TimeWindow returns the window for src. Logins without coordinates use the IP window.
func (t Thresholds) TimeWindow(src domain.LocationSource) time.Duration {
	if src == domain.LocationSourceGPS {
		return t.GPSTimeWindow
	}
	return t.IPTimeWindow
}

// DistanceKm returns the distance threshold for src.
func (t Thresholds) DistanceKm(src domain.LocationSource) float64 {
	if src == domain.LocationSourceGPS {
		return t.GPSDistanceKm
	}
	return t.IPDistanceKm
}

// LatestSessionReader finds a user's most recently created session, or nil if none.
type LatestSessionReader interface {
	GetLatestSessionByUser(ctx context.Context, userID string) (*domain.Session, error)
}

// Detector implements the login anomaly rules.
type Detector struct {
	thresholds Thresholds
	distance   geo.DistanceFunc
	now        func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithDistanceFunc replaces the haversine distance function.
func WithDistanceFunc(f geo.DistanceFunc) Option {
	return func(d *Detector) { d.distance = f }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector returns a detector using t.
func NewDetector(t Thresholds, opts ...Option) *Detector {
	d := &Detector{thresholds: t, distance: geo.HaversineKm, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DetectLocationAnomaly compares the login described by meta against the user's latest session.
// The new-device check runs before, and short-circuits, any distance computation.
func (d *Detector) DetectLocationAnomaly(ctx context.Context, sessions LatestSessionReader, userID string, meta domain.Metadata, src domain.LocationSource, isNewDevice bool) (domain.AnomalyResult, error) {
	last, err := sessions.GetLatestSessionByUser(ctx, userID)
	if err != nil {
		return domain.AnomalyResult{}, fmt.Errorf("anomaly: latest session: %w", err)
	}
	if last == nil {
		return domain.NoAnomaly(), nil
	}

	prevID := last.ID
	diff := d.now().Sub(last.LastActivityAt)
	minutes := diff.Minutes()
	window := d.thresholds.TimeWindow(src)

	if isNewDevice && diff < window {
		return domain.AnomalyResult{
			IsAnomalous:           true,
			Type:                  domain.AnomalyNewDeviceQuickChange,
			PreviousSessionID:     &prevID,
			TimeDifferenceMinutes: &minutes,
		}, nil
	}

	if src == domain.LocationSourceNone {
		return domain.NoAnomaly(), nil
	}
	prev, ok := geo.Sanitize(last.Latitude, last.Longitude)
	if !ok {
		return domain.NoAnomaly(), nil
	}
	cur, ok := geo.Sanitize(meta.Latitude, meta.Longitude)
	if !ok {
		return domain.NoAnomaly(), nil
	}

	km := d.distance(prev.Lat, prev.Lon, cur.Lat, cur.Lon)
	if diff <= window && km >= d.thresholds.DistanceKm(src) {
		return domain.AnomalyResult{
			IsAnomalous:           true,
			Type:                  domain.AnomalyImpossibleTravel,
			PreviousSessionID:     &prevID,
			DistanceKm:            &km,
			TimeDifferenceMinutes: &minutes,
		}, nil
	}
	return domain.NoAnomaly(), nil
}
