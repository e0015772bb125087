// Package service composes identity verification, token issuance and the session lifecycle into the
// user-facing auth operations. Each operation runs its session and audit writes in one unit of work;
// tokens are issued outside it.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"session-security-engine/backend/internal/audit"
	auditdomain "session-security-engine/backend/internal/audit/domain"
	"session-security-engine/backend/internal/identity"
	identitydomain "session-security-engine/backend/internal/identity/domain"
	"session-security-engine/backend/internal/security"
	sessiondomain "session-security-engine/backend/internal/session/domain"
	"session-security-engine/backend/internal/session/repository"
	sessionservice "session-security-engine/backend/internal/session/service"
	"session-security-engine/backend/internal/snapshot"
)

// Sentinel errors; the handler maps them to gRPC codes.
var (
	ErrDeviceRequired  = errors.New("device id is required")
	ErrRoleNotAssigned = errors.New("role not assigned to user")
)

// UserRepo is the minimal user repository needed by the orchestrator.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*identitydomain.User, error)
	GetByEmail(ctx context.Context, email string) (*identitydomain.User, error)
	UpsertByEmail(ctx context.Context, u *identitydomain.User) (*identitydomain.User, bool, error)
	HasRole(ctx context.Context, userID, roleID string) (bool, error)
	DefaultRoleID(ctx context.Context, userID string) (*string, error)
}

// SnapshotStore is the per-session identity snapshot cache.
type SnapshotStore interface {
	Put(ctx context.Context, s *snapshot.Snapshot) error
	Get(ctx context.Context, sessionID string) (*snapshot.Snapshot, error)
	InvalidateUser(ctx context.Context, userID string) error
}

// AuthResult is what a login-like operation hands back to the client. AccessToken is empty unless
// Status is ACTIVE; a pending or blocked session only gets the refresh token it needs to settle itself.
type AuthResult struct {
	UserID              string
	SessionID           string
	Status              sessiondomain.Status
	AccessToken         string
	AccessExpiresAt     time.Time
	ExpiresIn           int64
	RefreshToken        string
	RefreshExpiresAt    time.Time
	ActiveRoleID        *string
	ConcurrentSessionID *string
	AnomalyType         sessiondomain.AnomalyType
}

// Orchestrator implements login, refresh, role switch, concurrency resolution, re-authentication and logout.
type Orchestrator struct {
	uow       repository.UnitOfWork
	sessions  *sessionservice.Manager
	audit     audit.SecurityLogger
	tokens    *security.TokenIssuer
	verifier  identity.Verifier
	users     UserRepo
	snapshots SnapshotStore
	log       zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSnapshots enables the identity snapshot cache.
func WithSnapshots(s SnapshotStore) Option { return func(o *Orchestrator) { o.snapshots = s } }

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option { return func(o *Orchestrator) { o.log = log } }

// WithTracerProvider sets where spans go; the global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer("sse.auth") }
}

// WithClock sets the time source used for revocation TTLs.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// NewOrchestrator returns an Orchestrator with the given dependencies.
func NewOrchestrator(
	uow repository.UnitOfWork,
	sessions *sessionservice.Manager,
	auditLog audit.SecurityLogger,
	tokens *security.TokenIssuer,
	verifier identity.Verifier,
	users UserRepo,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		uow:      uow,
		sessions: sessions,
		audit:    auditLog,
		tokens:   tokens,
		verifier: verifier,
		users:    users,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider().Tracer("sse.auth")
	}
	return o
}

// LoginInput carries an authorization code and the client it came from.
type LoginInput struct {
	Code     string
	Metadata sessiondomain.Metadata
}

// Login verifies the identity, upserts the user and records a new session in whatever state the
// lifecycle assigns it.
func (o *Orchestrator) Login(ctx context.Context, in LoginInput) (res *AuthResult, err error) {
	ctx, span := o.tracer.Start(ctx, "auth.Login")
	defer func() { endSpan(span, err) }()

	if in.Metadata.DeviceID == "" {
		return nil, ErrDeviceRequired
	}
	ident, err := o.verifier.Verify(ctx, in.Code)
	if err != nil {
		return nil, err
	}
	user, changed, err := o.users.UpsertByEmail(ctx, &identitydomain.User{
		ID:        uuid.New().String(),
		Email:     ident.Email,
		Name:      ident.Name,
		Picture:   ident.Picture,
		CreatedAt: o.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("auth: upsert user: %w", err)
	}
	if changed {
		o.invalidateUser(ctx, user.ID)
	}
	roleID, err := o.users.DefaultRoleID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: default role: %w", err)
	}

	sessionID := uuid.New().String()
	refresh, err := o.tokens.IssueRefresh(user.ID, sessionID, in.Metadata.DeviceID)
	if err != nil {
		return nil, err
	}
	var created *sessionservice.CreateResult
	err = o.uow.Do(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		created, err = o.sessions.CreateSession(ctx, tx, sessionservice.CreateInput{
			SessionID:       sessionID,
			UserID:          user.ID,
			Metadata:        in.Metadata,
			RefreshToken:    refresh.Token,
			RefreshTokenJti: refresh.JTI,
			ExpiresAt:       refresh.ExpiresAt,
			ActiveRoleID:    roleID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session.status", string(created.Status)),
		attribute.String("session.anomaly", string(created.Anomaly.Type)),
	)

	res = &AuthResult{
		UserID:              user.ID,
		SessionID:           sessionID,
		Status:              created.Status,
		RefreshToken:        refresh.Token,
		RefreshExpiresAt:    refresh.ExpiresAt,
		ActiveRoleID:        roleID,
		ConcurrentSessionID: created.ConcurrentSessionID,
		AnomalyType:         created.Anomaly.Type,
	}
	if created.Status == sessiondomain.StatusActive {
		if err := o.grantAccess(ctx, res, user.Email); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// RefreshInput carries the refresh token and the client presenting it.
type RefreshInput struct {
	RefreshToken string
	Metadata     sessiondomain.Metadata
}

// Refresh rotates the refresh token of an ACTIVE session and issues a new access token. The old
// token is blacklisted for its remaining lifetime once the rotation commits.
func (o *Orchestrator) Refresh(ctx context.Context, in RefreshInput) (res *AuthResult, err error) {
	ctx, span := o.tracer.Start(ctx, "auth.Refresh")
	defer func() { endSpan(span, err) }()

	claims, err := o.verifyRefresh(ctx, in.RefreshToken, in.Metadata.DeviceID)
	if err != nil {
		return nil, err
	}
	next, err := o.tokens.IssueRefresh(claims.Subject, claims.SessionID, claims.DeviceID)
	if err != nil {
		return nil, err
	}
	var rotated *sessiondomain.Session
	err = o.uow.Do(ctx, func(ctx context.Context, tx repository.Tx) error {
		s, err := o.sessions.ValidateRefreshTokenSession(ctx, tx, claims.Subject, claims.DeviceID, in.RefreshToken)
		if err != nil {
			return err
		}
		if s.ID != claims.SessionID {
			return sessionservice.ErrUnauthorized
		}
		rotated, err = o.sessions.RotateRefreshToken(ctx, tx, s.ID, next.Token, next.JTI, next.ExpiresAt)
		if err != nil {
			return err
		}
		fields := clientFields(in.Metadata)
		fields["sessionId"] = s.ID
		fields["deviceId"] = s.DeviceID
		if err := o.audit.LogEvent(ctx, tx, s.UserID, auditdomain.EventTokenRefreshed, fields); err != nil {
			return err
		}
		o.blacklistAfterCommit(tx, in.RefreshToken, claims)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o.activeResult(ctx, rotated, next)
}

// SwitchRoleInput selects the role the session's access tokens carry from now on.
type SwitchRoleInput struct {
	RefreshToken string
	RoleID       string
	Metadata     sessiondomain.Metadata
}

// SwitchActiveRole changes the session's active role and rotates its refresh token.
func (o *Orchestrator) SwitchActiveRole(ctx context.Context, in SwitchRoleInput) (res *AuthResult, err error) {
	ctx, span := o.tracer.Start(ctx, "auth.SwitchActiveRole")
	defer func() { endSpan(span, err) }()

	claims, err := o.verifyRefresh(ctx, in.RefreshToken, in.Metadata.DeviceID)
	if err != nil {
		return nil, err
	}
	ok, err := o.users.HasRole(ctx, claims.Subject, in.RoleID)
	if err != nil {
		return nil, fmt.Errorf("auth: role lookup: %w", err)
	}
	if !ok {
		return nil, ErrRoleNotAssigned
	}
	next, err := o.tokens.IssueRefresh(claims.Subject, claims.SessionID, claims.DeviceID)
	if err != nil {
		return nil, err
	}
	var rotated *sessiondomain.Session
	err = o.uow.Do(ctx, func(ctx context.Context, tx repository.Tx) error {
		s, err := o.sessions.ValidateRefreshTokenSession(ctx, tx, claims.Subject, claims.DeviceID, in.RefreshToken)
		if err != nil {
			return err
		}
		if s.ID != claims.SessionID {
			return sessionservice.ErrUnauthorized
		}
		roleID := in.RoleID
		if err := o.sessions.SetActiveRole(ctx, tx, s.ID, &roleID); err != nil {
			return err
		}
		rotated, err = o.sessions.RotateRefreshToken(ctx, tx, s.ID, next.Token, next.JTI, next.ExpiresAt)
		if err != nil {
			return err
		}
		fields := clientFields(in.Metadata)
		fields["sessionId"] = s.ID
		fields["roleId"] = roleID
		if s.ActiveRoleID != nil {
			fields["previousRoleId"] = *s.ActiveRoleID
		}
		if err := o.audit.LogEvent(ctx, tx, s.UserID, auditdomain.EventActiveRoleSwitched, fields); err != nil {
			return err
		}
		o.blacklistAfterCommit(tx, in.RefreshToken, claims)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o.activeResult(ctx, rotated, next)
}

// ResolveInput carries the decision for a pending session, identified by its refresh token.
type ResolveInput struct {
	RefreshToken string
	Decision     sessiondomain.Decision
	Metadata     sessiondomain.Metadata
}

// ResolveResult reports the outcome of a concurrency decision. Tokens is set only when the pending
// session was kept; its refresh token is the one the client already holds.
type ResolveResult struct {
	KeptSessionID     *string
	RevokedSessionIDs []string
	Tokens            *AuthResult
}

// ResolveConcurrent applies a KEEP_NEW or KEEP_EXISTING decision to a pending session.
func (o *Orchestrator) ResolveConcurrent(ctx context.Context, in ResolveInput) (res *ResolveResult, err error) {
	ctx, span := o.tracer.Start(ctx, "auth.ResolveConcurrent")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("session.decision", string(in.Decision)))

	claims, err := o.verifyRefresh(ctx, in.RefreshToken, in.Metadata.DeviceID)
	if err != nil {
		return nil, err
	}
	var resolved *sessionservice.ResolveResult
	err = o.uow.Do(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		resolved, err = o.sessions.ResolveConcurrentSession(ctx, tx, sessionservice.ResolveInput{
			UserID:       claims.Subject,
			DeviceID:     claims.DeviceID,
			RefreshToken: in.RefreshToken,
			Decision:     in.Decision,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	res = &ResolveResult{KeptSessionID: resolved.KeptSessionID, RevokedSessionIDs: resolved.RevokedIDs}
	if resolved.Session == nil {
		return res, nil
	}
	current := security.IssuedToken{
		Token:     in.RefreshToken,
		JTI:       resolved.Session.RefreshTokenJti,
		ExpiresAt: resolved.Session.ExpiresAt,
	}
	res.Tokens, err = o.activeResult(ctx, resolved.Session, current)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReauthInput carries a fresh authorization code for a blocked session.
type ReauthInput struct {
	Code         string
	RefreshToken string
	Metadata     sessiondomain.Metadata
}

// Reauthenticate settles a BLOCKED_PENDING_REAUTH session. The identity provider is consulted before
// any row is locked. A failed attempt revokes the session and returns ErrUnauthorized.
func (o *Orchestrator) Reauthenticate(ctx context.Context, in ReauthInput) (res *AuthResult, err error) {
	ctx, span := o.tracer.Start(ctx, "auth.Reauthenticate")
	defer func() { endSpan(span, err) }()

	claims, err := o.verifyRefresh(ctx, in.RefreshToken, in.Metadata.DeviceID)
	if err != nil {
		return nil, err
	}
	var verifiedUserID string
	ident, verifyErr := o.verifier.Verify(ctx, in.Code)
	if verifyErr == nil {
		u, err := o.users.GetByEmail(ctx, ident.Email)
		if err != nil {
			return nil, fmt.Errorf("auth: user lookup: %w", err)
		}
		if u != nil {
			verifiedUserID = u.ID
		}
	}
	next, err := o.tokens.IssueRefresh(claims.Subject, claims.SessionID, claims.DeviceID)
	if err != nil {
		return nil, err
	}
	var activated *sessiondomain.Session
	err = o.uow.Do(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		activated, err = o.sessions.ReauthAnomalousSession(ctx, tx, sessionservice.ReauthInput{
			UserID:          claims.Subject,
			DeviceID:        claims.DeviceID,
			RefreshToken:    in.RefreshToken,
			VerifiedUserID:  verifiedUserID,
			VerifyErr:       verifyErr,
			NewRefreshToken: next.Token,
			NewJti:          next.JTI,
			NewExpiresAt:    next.ExpiresAt,
			Metadata:        in.Metadata,
		})
		if err != nil {
			return err
		}
		o.blacklistAfterCommit(tx, in.RefreshToken, claims)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o.activeResult(ctx, activated, next)
}

// LogoutInput identifies the session to end by its refresh token.
type LogoutInput struct {
	RefreshToken string
	Metadata     sessiondomain.Metadata
}

// Logout revokes the session holding the refresh token. Logging out a revoked session is a no-op.
func (o *Orchestrator) Logout(ctx context.Context, in LogoutInput) (err error) {
	ctx, span := o.tracer.Start(ctx, "auth.Logout")
	defer func() { endSpan(span, err) }()

	claims, err := o.verifyRefresh(ctx, in.RefreshToken, in.Metadata.DeviceID)
	if err != nil {
		return err
	}
	hash := security.HashRefreshToken(in.RefreshToken)
	return o.uow.Do(ctx, func(ctx context.Context, tx repository.Tx) error {
		s, err := tx.GetSessionByRefreshHashForUpdate(ctx, hash)
		if err != nil {
			return fmt.Errorf("auth: lock session: %w", err)
		}
		if s == nil || s.UserID != claims.Subject || s.ID != claims.SessionID {
			return sessionservice.ErrUnauthorized
		}
		return o.sessions.DeactivateSession(ctx, tx, s.ID, sessionservice.ReasonLogout)
	})
}

// LogoutAll revokes every open session of userID and returns how many were revoked.
func (o *Orchestrator) LogoutAll(ctx context.Context, userID string) (n int, err error) {
	ctx, span := o.tracer.Start(ctx, "auth.LogoutAll")
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return 0, sessionservice.ErrUnauthorized
	}
	err = o.uow.Do(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		n, err = o.sessions.DeactivateAllUserSessions(ctx, tx, userID, sessionservice.ReasonLogoutAll)
		return err
	})
	if err != nil {
		return 0, err
	}
	o.invalidateUser(ctx, userID)
	span.SetAttributes(attribute.Int("session.revoked", n))
	return n, nil
}

// IsSessionActive reports whether sessionID is a live ACTIVE session of userID, answering from the
// snapshot cache when it can.
func (o *Orchestrator) IsSessionActive(ctx context.Context, userID, sessionID string) (bool, error) {
	if o.snapshots != nil {
		snap, err := o.snapshots.Get(ctx, sessionID)
		if err != nil {
			o.log.Warn().Err(err).Str("session_id", sessionID).Msg("snapshot read failed")
		} else if snap != nil {
			return snap.UserID == userID && snap.Status == string(sessiondomain.StatusActive), nil
		}
	}
	var active bool
	err := o.uow.Do(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		active, err = o.sessions.IsSessionLive(ctx, tx, userID, sessionID)
		return err
	})
	return active, err
}

// verifyRefresh checks the refresh token and its device binding. An expired token is still
// rejected, but the session it names is first run through the lifecycle so it is revoked.
func (o *Orchestrator) verifyRefresh(ctx context.Context, token, deviceID string) (*security.RefreshClaims, error) {
	if deviceID == "" {
		return nil, ErrDeviceRequired
	}
	claims, err := o.tokens.VerifyRefresh(token)
	if errors.Is(err, security.ErrTokenExpired) && claims != nil && claims.DeviceID == deviceID {
		o.expireSession(ctx, claims, token)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if claims.DeviceID != deviceID {
		return nil, sessionservice.ErrUnauthorized
	}
	return claims, nil
}

// expireSession lets the lifecycle see an expired refresh token, which revokes its session and
// records SESSION_EXPIRED. The caller rejects the token whatever happens here.
func (o *Orchestrator) expireSession(ctx context.Context, claims *security.RefreshClaims, token string) {
	err := o.uow.Do(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := o.sessions.ValidateRefreshTokenSession(ctx, tx, claims.Subject, claims.DeviceID, token)
		return err
	})
	if err != nil && !errors.Is(err, sessionservice.ErrUnauthorized) {
		o.log.Warn().Err(err).Str("session_id", claims.SessionID).Msg("expiring session failed")
	}
}

// activeResult issues an access token for an ACTIVE session paired with refresh.
func (o *Orchestrator) activeResult(ctx context.Context, s *sessiondomain.Session, refresh security.IssuedToken) (*AuthResult, error) {
	res := &AuthResult{
		UserID:           s.UserID,
		SessionID:        s.ID,
		Status:           sessiondomain.StatusActive,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
		ActiveRoleID:     s.ActiveRoleID,
	}
	var email string
	if o.snapshots != nil {
		u, err := o.users.GetByID(ctx, s.UserID)
		if err != nil {
			o.log.Warn().Err(err).Str("user_id", s.UserID).Msg("user lookup for snapshot failed")
		} else if u != nil {
			email = u.Email
		}
	}
	if err := o.grantAccess(ctx, res, email); err != nil {
		return nil, err
	}
	return res, nil
}

// grantAccess fills in the access token and caches the session snapshot.
func (o *Orchestrator) grantAccess(ctx context.Context, res *AuthResult, email string) error {
	id := security.AccessIdentity{UserID: res.UserID, SessionID: res.SessionID}
	if res.ActiveRoleID != nil {
		id.ActiveRoleID = *res.ActiveRoleID
	}
	access, err := o.tokens.IssueAccess(id)
	if err != nil {
		return err
	}
	res.AccessToken = access.Token
	res.AccessExpiresAt = access.ExpiresAt
	res.ExpiresIn = int64(o.tokens.AccessTTL().Seconds())

	if o.snapshots == nil || email == "" {
		return nil
	}
	err = o.snapshots.Put(ctx, &snapshot.Snapshot{
		UserID:       res.UserID,
		Email:        email,
		ActiveRoleID: res.ActiveRoleID,
		SessionID:    res.SessionID,
		Status:       string(res.Status),
	})
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", res.SessionID).Msg("snapshot write failed")
	}
	return nil
}

// blacklistAfterCommit revokes the presented refresh token for the rest of its lifetime once tx commits.
func (o *Orchestrator) blacklistAfterCommit(tx repository.Tx, token string, claims *security.RefreshClaims) {
	hash := security.HashRefreshToken(token)
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	tx.AfterCommit(func(ctx context.Context) {
		o.sessions.BlacklistToken(ctx, hash, sessionservice.ReasonRotated, expiresAt.Sub(o.now()))
	})
}

func (o *Orchestrator) invalidateUser(ctx context.Context, userID string) {
	if o.snapshots == nil {
		return
	}
	if err := o.snapshots.InvalidateUser(ctx, userID); err != nil {
		o.log.Warn().Err(err).Str("user_id", userID).Msg("snapshot invalidation failed")
	}
}

func clientFields(meta sessiondomain.Metadata) map[string]any {
	fields := map[string]any{}
	if meta.IPAddress != "" {
		fields[audit.FieldIPAddress] = meta.IPAddress
	}
	if meta.UserAgent != "" {
		fields[audit.FieldUserAgent] = meta.UserAgent
	}
	return fields
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		desc := sessionservice.Reason(err)
		if desc == "" {
			desc = err.Error()
		}
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, desc)
	}
	span.End()
}
