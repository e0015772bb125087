package handler

import "time"

// ClientInfo describes the calling device. The IP address is taken from the connection.
type ClientInfo struct {
	DeviceID  string   `json:"deviceId"`
	UserAgent string   `json:"userAgent,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type LoginRequest struct {
	Code   string     `json:"code"`
	Client ClientInfo `json:"client"`
}

type RefreshRequest struct {
	RefreshToken string     `json:"refreshToken"`
	Client       ClientInfo `json:"client"`
}

type SwitchActiveRoleRequest struct {
	RefreshToken string     `json:"refreshToken"`
	RoleID       string     `json:"roleId"`
	Client       ClientInfo `json:"client"`
}

type ResolveConcurrentRequest struct {
	RefreshToken string     `json:"refreshToken"`
	Decision     string     `json:"decision"`
	Client       ClientInfo `json:"client"`
}

type ReauthenticateRequest struct {
	Code         string     `json:"code"`
	RefreshToken string     `json:"refreshToken"`
	Client       ClientInfo `json:"client"`
}

type LogoutRequest struct {
	RefreshToken string     `json:"refreshToken"`
	Client       ClientInfo `json:"client"`
}

type LogoutAllRequest struct{}

// TokenResponse is returned by every operation that can hand out credentials. AccessToken is
// empty unless Status is ACTIVE.
type TokenResponse struct {
	UserID              string    `json:"userId"`
	SessionID           string    `json:"sessionId"`
	Status              string    `json:"status"`
	AccessToken         string    `json:"accessToken,omitempty"`
	ExpiresIn           int64     `json:"expiresIn,omitempty"`
	RefreshToken        string    `json:"refreshToken"`
	RefreshExpiresAt    time.Time `json:"refreshExpiresAt"`
	ActiveRoleID        *string   `json:"activeRoleId,omitempty"`
	ConcurrentSessionID *string   `json:"concurrentSessionId,omitempty"`
	AnomalyType         string    `json:"anomalyType,omitempty"`
}

type ResolveConcurrentResponse struct {
	KeptSessionID     *string        `json:"keptSessionId"`
	RevokedSessionIDs []string       `json:"revokedSessionIds,omitempty"`
	Tokens            *TokenResponse `json:"tokens,omitempty"`
}

type LogoutResponse struct{}

type LogoutAllResponse struct {
	Revoked int `json:"revoked"`
}
