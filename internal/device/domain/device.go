package domain

import "time"

// KnownDevice is a device that has held an ACTIVE session for a user at least once.
// A login from any other device counts as a new device for anomaly detection.
type KnownDevice struct {
	UserID      string
	DeviceID    string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}
