package domain

import "time"

// EventCode is a security event type code from the security_event_types catalog.
type EventCode string

const (
	EventAnomalousLoginDetected      EventCode = "ANOMALOUS_LOGIN_DETECTED"
	EventConcurrentSessionDetected   EventCode = "CONCURRENT_SESSION_DETECTED"
	EventConcurrentSessionResolved   EventCode = "CONCURRENT_SESSION_RESOLVED"
	EventAnomalousLoginReauthSuccess EventCode = "ANOMALOUS_LOGIN_REAUTH_SUCCESS"
	EventAnomalousLoginReauthFailed  EventCode = "ANOMALOUS_LOGIN_REAUTH_FAILED"
	EventLoginSucceeded              EventCode = "LOGIN_SUCCEEDED"
	EventTokenRefreshed              EventCode = "TOKEN_REFRESHED"
	EventActiveRoleSwitched          EventCode = "ACTIVE_ROLE_SWITCHED"
	EventSessionRevoked              EventCode = "SESSION_REVOKED"
	EventAllSessionsRevoked          EventCode = "ALL_SESSIONS_REVOKED"
	EventSessionExpired              EventCode = "SESSION_EXPIRED"
	EventPendingSessionEvicted       EventCode = "PENDING_SESSION_EVICTED"
)

// AllEventCodes is the closed set the security_event_types catalog must contain.
var AllEventCodes = []EventCode{
	EventAnomalousLoginDetected,
	EventConcurrentSessionDetected,
	EventConcurrentSessionResolved,
	EventAnomalousLoginReauthSuccess,
	EventAnomalousLoginReauthFailed,
	EventLoginSucceeded,
	EventTokenRefreshed,
	EventActiveRoleSwitched,
	EventSessionRevoked,
	EventAllSessionsRevoked,
	EventSessionExpired,
	EventPendingSessionEvicted,
}

// EventCodes returns AllEventCodes as plain strings for catalog construction.
func EventCodes() []string {
	out := make([]string, len(AllEventCodes))
	for i, c := range AllEventCodes {
		out[i] = string(c)
	}
	return out
}

// SecurityEvent is one immutable row of the security event log.
type SecurityEvent struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	EventTypeID int32          `json:"eventTypeId"`
	Code        EventCode      `json:"eventCode"`
	OccurredAt  time.Time      `json:"occurredAt"`
	IPAddress   *string        `json:"ipAddress,omitempty"`
	UserAgent   *string        `json:"userAgent,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}
