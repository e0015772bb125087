package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	authservice "session-security-engine/backend/internal/auth/service"
	"session-security-engine/backend/internal/catalog"
	"session-security-engine/backend/internal/identity"
	"session-security-engine/backend/internal/security"
	"session-security-engine/backend/internal/server/interceptors"
	sessiondomain "session-security-engine/backend/internal/session/domain"
	sessionservice "session-security-engine/backend/internal/session/service"
)

// Orchestrator is the auth service surface the handler calls.
type Orchestrator interface {
	Login(ctx context.Context, in authservice.LoginInput) (*authservice.AuthResult, error)
	Refresh(ctx context.Context, in authservice.RefreshInput) (*authservice.AuthResult, error)
	SwitchActiveRole(ctx context.Context, in authservice.SwitchRoleInput) (*authservice.AuthResult, error)
	ResolveConcurrent(ctx context.Context, in authservice.ResolveInput) (*authservice.ResolveResult, error)
	Reauthenticate(ctx context.Context, in authservice.ReauthInput) (*authservice.AuthResult, error)
	Logout(ctx context.Context, in authservice.LogoutInput) error
	LogoutAll(ctx context.Context, userID string) (int, error)
}

// Server implements SessionAuthService on top of the auth orchestrator.
type Server struct {
	auth Orchestrator
	log  zerolog.Logger
}

// NewServer returns a SessionAuthService server. When auth is nil every RPC returns Unimplemented.
func NewServer(auth Orchestrator, log zerolog.Logger) *Server {
	return &Server{auth: auth, log: log}
}

var _ SessionAuthServer = (*Server)(nil)

// Login exchanges an authorization code for a session.
func (s *Server) Login(ctx context.Context, req *LoginRequest) (*TokenResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Login not implemented")
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, status.Error(codes.InvalidArgument, "code is required")
	}
	res, err := s.auth.Login(ctx, authservice.LoginInput{Code: req.Code, Metadata: metadataFrom(ctx, req.Client)})
	if err != nil {
		return nil, s.toStatus(ctx, "Login", err)
	}
	return tokenResponse(res), nil
}

// Refresh rotates the refresh token of an active session.
func (s *Server) Refresh(ctx context.Context, req *RefreshRequest) (*TokenResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Refresh not implemented")
	}
	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh token is required")
	}
	res, err := s.auth.Refresh(ctx, authservice.RefreshInput{RefreshToken: req.RefreshToken, Metadata: metadataFrom(ctx, req.Client)})
	if err != nil {
		return nil, s.toStatus(ctx, "Refresh", err)
	}
	return tokenResponse(res), nil
}

// SwitchActiveRole changes the role carried by the session's access tokens.
func (s *Server) SwitchActiveRole(ctx context.Context, req *SwitchActiveRoleRequest) (*TokenResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method SwitchActiveRole not implemented")
	}
	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh token is required")
	}
	if strings.TrimSpace(req.RoleID) == "" {
		return nil, status.Error(codes.InvalidArgument, "role id is required")
	}
	res, err := s.auth.SwitchActiveRole(ctx, authservice.SwitchRoleInput{
		RefreshToken: req.RefreshToken,
		RoleID:       strings.TrimSpace(req.RoleID),
		Metadata:     metadataFrom(ctx, req.Client),
	})
	if err != nil {
		return nil, s.toStatus(ctx, "SwitchActiveRole", err)
	}
	return tokenResponse(res), nil
}

// ResolveConcurrent applies the user's decision to a pending session.
func (s *Server) ResolveConcurrent(ctx context.Context, req *ResolveConcurrentRequest) (*ResolveConcurrentResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method ResolveConcurrent not implemented")
	}
	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh token is required")
	}
	decision := sessiondomain.Decision(strings.ToUpper(strings.TrimSpace(req.Decision)))
	if !decision.Valid() {
		return nil, status.Error(codes.InvalidArgument, "decision must be KEEP_NEW or KEEP_EXISTING")
	}
	res, err := s.auth.ResolveConcurrent(ctx, authservice.ResolveInput{
		RefreshToken: req.RefreshToken,
		Decision:     decision,
		Metadata:     metadataFrom(ctx, req.Client),
	})
	if err != nil {
		return nil, s.toStatus(ctx, "ResolveConcurrent", err)
	}
	out := &ResolveConcurrentResponse{KeptSessionID: res.KeptSessionID, RevokedSessionIDs: res.RevokedSessionIDs}
	if res.Tokens != nil {
		out.Tokens = tokenResponse(res.Tokens)
	}
	return out, nil
}

// Reauthenticate settles a session blocked by an anomaly.
func (s *Server) Reauthenticate(ctx context.Context, req *ReauthenticateRequest) (*TokenResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Reauthenticate not implemented")
	}
	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh token is required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, status.Error(codes.InvalidArgument, "code is required")
	}
	res, err := s.auth.Reauthenticate(ctx, authservice.ReauthInput{
		Code:         req.Code,
		RefreshToken: req.RefreshToken,
		Metadata:     metadataFrom(ctx, req.Client),
	})
	if err != nil {
		return nil, s.toStatus(ctx, "Reauthenticate", err)
	}
	return tokenResponse(res), nil
}

// Logout ends the session holding the refresh token.
func (s *Server) Logout(ctx context.Context, req *LogoutRequest) (*LogoutResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Logout not implemented")
	}
	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh token is required")
	}
	if err := s.auth.Logout(ctx, authservice.LogoutInput{RefreshToken: req.RefreshToken, Metadata: metadataFrom(ctx, req.Client)}); err != nil {
		return nil, s.toStatus(ctx, "Logout", err)
	}
	return &LogoutResponse{}, nil
}

// LogoutAll revokes every session of the caller. Requires an access token.
func (s *Server) LogoutAll(ctx context.Context, req *LogoutAllRequest) (*LogoutAllResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method LogoutAll not implemented")
	}
	userID, ok := interceptors.GetUserID(ctx)
	if !ok || userID == "" {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	n, err := s.auth.LogoutAll(ctx, userID)
	if err != nil {
		return nil, s.toStatus(ctx, "LogoutAll", err)
	}
	return &LogoutAllResponse{Revoked: n}, nil
}

// metadataFrom builds session metadata from the request body and the connection.
func metadataFrom(ctx context.Context, c ClientInfo) sessiondomain.Metadata {
	ip := interceptors.ClientIP(ctx)
	if ip == "unknown" {
		ip = ""
	}
	ua := strings.TrimSpace(c.UserAgent)
	if ua == "" {
		ua = interceptors.UserAgent(ctx)
	}
	return sessiondomain.Metadata{
		IPAddress: ip,
		UserAgent: ua,
		DeviceID:  strings.TrimSpace(c.DeviceID),
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
	}
}

func tokenResponse(r *authservice.AuthResult) *TokenResponse {
	return &TokenResponse{
		UserID:              r.UserID,
		SessionID:           r.SessionID,
		Status:              string(r.Status),
		AccessToken:         r.AccessToken,
		ExpiresIn:           r.ExpiresIn,
		RefreshToken:        r.RefreshToken,
		RefreshExpiresAt:    r.RefreshExpiresAt,
		ActiveRoleID:        r.ActiveRoleID,
		ConcurrentSessionID: r.ConcurrentSessionID,
		AnomalyType:         string(r.AnomalyType),
	}
}

// toStatus maps service errors to gRPC status. Rejections carry a generic message; the reason
// only goes to the log.
func (s *Server) toStatus(ctx context.Context, method string, err error) error {
	switch {
	case errors.Is(err, sessionservice.ErrUnauthorized):
		s.log.Info().Str("method", method).Str("reason", sessionservice.Reason(err)).Msg("session rejected")
		return status.Error(codes.Unauthenticated, sessionservice.ErrUnauthorized.Error())
	case errors.Is(err, security.ErrInvalidToken):
		return status.Error(codes.Unauthenticated, sessionservice.ErrUnauthorized.Error())
	case errors.Is(err, identity.ErrInvalidCredential):
		s.log.Info().Err(err).Str("method", method).Msg("identity verification failed")
		return status.Error(codes.Unauthenticated, "invalid credentials")
	case errors.Is(err, sessionservice.ErrInvalidDecision):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, authservice.ErrDeviceRequired):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, authservice.ErrRoleNotAssigned):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, catalog.ErrMisconfigured):
		s.log.Error().Err(err).Str("method", method).Msg("catalog misconfigured")
		return status.Error(codes.Internal, "internal error")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	}
	s.log.Error().Err(err).Str("method", method).Msg("request failed")
	return status.Error(codes.Internal, "internal error")
}
