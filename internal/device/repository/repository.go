package repository

import (
	"context"
	"time"
)

// Registry records which devices a user has activated sessions on.
type Registry interface {
	// IsKnownDevice reports whether deviceID was ever remembered for userID.
	IsKnownDevice(ctx context.Context, userID, deviceID string) (bool, error)
	// RememberDevice records deviceID for userID, or bumps its last-seen time.
	RememberDevice(ctx context.Context, userID, deviceID string, at time.Time) error
}
