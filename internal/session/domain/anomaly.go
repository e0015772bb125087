package domain

// AnomalyType classifies a suspicious login.
type AnomalyType string

const (
	AnomalyNone                 AnomalyType = "NONE"
	AnomalyNewDeviceQuickChange AnomalyType = "NEW_DEVICE_QUICK_CHANGE"
	AnomalyImpossibleTravel     AnomalyType = "IMPOSSIBLE_TRAVEL"
)

// AnomalyResult is the outcome of anomaly detection for one login.
// DistanceKm is nil whenever no distance was computed.
type AnomalyResult struct {
	IsAnomalous           bool
	Type                  AnomalyType
	PreviousSessionID     *string
	DistanceKm            *float64
	TimeDifferenceMinutes *float64
}

// NoAnomaly is the result for a login with nothing to compare against.
func NoAnomaly() AnomalyResult {
	return AnomalyResult{Type: AnomalyNone}
}
