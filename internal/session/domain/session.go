package domain

import "time"

// Status is a session lifecycle state. REVOKED is terminal.
type Status string

const (
	StatusActive                      Status = "ACTIVE"
	StatusPendingConcurrentResolution Status = "PENDING_CONCURRENT_RESOLUTION"
	StatusBlockedPendingReauth        Status = "BLOCKED_PENDING_REAUTH"
	StatusRevoked                     Status = "REVOKED"
)

// AllStatuses is the closed set of status codes the session_statuses catalog must contain.
var AllStatuses = []Status{
	StatusActive,
	StatusPendingConcurrentResolution,
	StatusBlockedPendingReauth,
	StatusRevoked,
}

// StatusCodes returns AllStatuses as plain strings for catalog construction.
func StatusCodes() []string {
	out := make([]string, len(AllStatuses))
	for i, s := range AllStatuses {
		out[i] = string(s)
	}
	return out
}

// Session represents an authenticated session bound to one device.
// IsActive is true exactly when StatusID is the ACTIVE catalog id.
type Session struct {
	ID               string
	UserID           string
	DeviceID         string
	IPAddress        string
	Latitude         *float64
	Longitude        *float64
	RefreshTokenHash string
	RefreshTokenJti  string
	StatusID         int32
	ActiveRoleID     *string
	ExpiresAt        time.Time
	LastActivityAt   time.Time
	IsActive         bool
	CreatedAt        time.Time
}

// Expired reports whether the session's refresh lifetime has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Latitude != nil {
		v := *s.Latitude
		c.Latitude = &v
	}
	if s.Longitude != nil {
		v := *s.Longitude
		c.Longitude = &v
	}
	if s.ActiveRoleID != nil {
		v := *s.ActiveRoleID
		c.ActiveRoleID = &v
	}
	return &c
}

// Decision is the user's answer to a concurrent-session prompt.
type Decision string

const (
	DecisionKeepNew      Decision = "KEEP_NEW"
	DecisionKeepExisting Decision = "KEEP_EXISTING"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	return d == DecisionKeepNew || d == DecisionKeepExisting
}
