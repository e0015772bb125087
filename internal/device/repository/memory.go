package repository

import (
	"context"
	"time"

	"session-security-engine/backend/internal/device/domain"
)

// MemoryRegistry is a map-backed Registry. It is not safe for concurrent use on its own;
// callers serialize access (the in-memory unit of work holds its lock).
type MemoryRegistry struct {
	devices map[string]*domain.KnownDevice
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{devices: make(map[string]*domain.KnownDevice)}
}

func key(userID, deviceID string) string { return userID + "\x00" + deviceID }

func (r *MemoryRegistry) IsKnownDevice(_ context.Context, userID, deviceID string) (bool, error) {
	_, ok := r.devices[key(userID, deviceID)]
	return ok, nil
}

func (r *MemoryRegistry) RememberDevice(_ context.Context, userID, deviceID string, at time.Time) error {
	k := key(userID, deviceID)
	if d, ok := r.devices[k]; ok {
		d.LastSeenAt = at
		return nil
	}
	r.devices[k] = &domain.KnownDevice{UserID: userID, DeviceID: deviceID, FirstSeenAt: at, LastSeenAt: at}
	return nil
}

// Clone returns a deep copy, used for copy-on-write transactions.
func (r *MemoryRegistry) Clone() *MemoryRegistry {
	out := NewMemoryRegistry()
	for k, d := range r.devices {
		c := *d
		out.devices[k] = &c
	}
	return out
}
