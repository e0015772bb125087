// Package service implements the session lifecycle state machine. Every operation runs inside
// a unit of work opened by the caller and receives its transaction handle explicitly.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"session-security-engine/backend/internal/anomaly"
	"session-security-engine/backend/internal/audit"
	auditdomain "session-security-engine/backend/internal/audit/domain"
	"session-security-engine/backend/internal/catalog"
	"session-security-engine/backend/internal/geo"
	"session-security-engine/backend/internal/revocation"
	"session-security-engine/backend/internal/security"
	"session-security-engine/backend/internal/session/domain"
	"session-security-engine/backend/internal/session/repository"
)

// Revocation reasons recorded with blacklisted refresh tokens and SESSION_REVOKED events.
const (
	ReasonLogout         = "logout"
	ReasonLogoutAll      = "logout_all"
	ReasonSuperseded     = "superseded"
	ReasonKeepNew        = "concurrent_keep_new"
	ReasonKeepExisting   = "concurrent_keep_existing"
	ReasonPendingEvicted = "pending_evicted"
	ReasonExpired        = "expired"
	ReasonReauthFailed   = "reauth_failed"
	ReasonRotated        = "rotated"
)

// CoordinateResolver normalizes a login's coordinates. It never fails.
type CoordinateResolver interface {
	ResolveCoordinates(ctx context.Context, meta domain.Metadata) (domain.Metadata, domain.LocationSource)
}

// AnomalyDetector classifies a login against the user's latest session.
type AnomalyDetector interface {
	DetectLocationAnomaly(ctx context.Context, sessions anomaly.LatestSessionReader, userID string, meta domain.Metadata, src domain.LocationSource, isNewDevice bool) (domain.AnomalyResult, error)
}

// Revocations is the refresh-token blacklist.
type Revocations interface {
	Revoke(ctx context.Context, refreshTokenHash, reason string, ttl time.Duration) error
	// Get returns the blacklist entry for the hash, or nil when it is not blacklisted.
	Get(ctx context.Context, refreshTokenHash string) (*revocation.Entry, error)
}

// SnapshotInvalidator drops cached per-session identity snapshots.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, sessionIDs ...string) error
}

// Manager is the session lifecycle manager.
type Manager struct {
	statuses    *catalog.Catalog
	audit       audit.SecurityLogger
	resolver    CoordinateResolver
	detector    AnomalyDetector
	revocations Revocations
	snapshots   SnapshotInvalidator
	maxPending  int
	now         func() time.Time
	log         zerolog.Logger
	metrics     *metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithRevocations sets the blacklist consulted on refresh and written when sessions are revoked.
func WithRevocations(r Revocations) Option { return func(m *Manager) { m.revocations = r } }

// WithSnapshots sets the identity snapshot cache invalidated on every session mutation.
func WithSnapshots(s SnapshotInvalidator) Option { return func(m *Manager) { m.snapshots = s } }

// WithMaxPendingPerUser bounds the pending-resolution queue per user. Values below 1 are ignored.
func WithMaxPendingPerUser(n int) Option {
	return func(m *Manager) {
		if n >= 1 {
			m.maxPending = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option { return func(m *Manager) { m.log = log } }

// WithMeter sets the meter the session counters are registered on.
func WithMeter(meter metric.Meter) Option { return func(m *Manager) { m.metrics = newMetrics(meter) } }

// NewManager returns a Manager. statuses must be the session status catalog.
func NewManager(statuses *catalog.Catalog, auditLog audit.SecurityLogger, resolver CoordinateResolver, detector AnomalyDetector, opts ...Option) *Manager {
	m := &Manager{
		statuses:   statuses,
		audit:      auditLog,
		resolver:   resolver,
		detector:   detector,
		maxPending: 3,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = newMetrics(nil)
	}
	return m
}

// CreateInput describes a new login. SessionID is chosen by the caller because the refresh token embeds it.
type CreateInput struct {
	SessionID       string
	UserID          string
	Metadata        domain.Metadata
	RefreshToken    string
	RefreshTokenJti string
	ExpiresAt       time.Time
	ActiveRoleID    *string
}

// CreateResult is the outcome of CreateSession. ConcurrentSessionID is set only for PENDING_CONCURRENT_RESOLUTION.
type CreateResult struct {
	Session             *domain.Session
	Status              domain.Status
	ConcurrentSessionID *string
	Anomaly             domain.AnomalyResult
}

// CreateSession records a login. Anomaly detection runs first; an anomalous login is stored
// BLOCKED_PENDING_REAUTH regardless of other sessions. Otherwise an unexpired ACTIVE session on
// another device makes the login PENDING_CONCURRENT_RESOLUTION; failing both it becomes ACTIVE and
// replaces any active session on the same device.
func (m *Manager) CreateSession(ctx context.Context, tx repository.Tx, in CreateInput) (*CreateResult, error) {
	if in.SessionID == "" || in.UserID == "" || in.Metadata.DeviceID == "" || in.RefreshToken == "" {
		return nil, errors.New("session: session id, user id, device id and refresh token are required")
	}
	now := m.now().UTC()

	meta, src := m.resolver.ResolveCoordinates(ctx, in.Metadata)
	if err := tx.LockUser(ctx, in.UserID); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	known, err := tx.IsKnownDevice(ctx, in.UserID, meta.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("session: known device: %w", err)
	}
	verdict, err := m.detector.DetectLocationAnomaly(ctx, tx, in.UserID, meta, src, !known)
	if err != nil {
		return nil, err
	}

	s := &domain.Session{
		ID:               in.SessionID,
		UserID:           in.UserID,
		DeviceID:         meta.DeviceID,
		IPAddress:        meta.IPAddress,
		RefreshTokenHash: security.HashRefreshToken(in.RefreshToken),
		RefreshTokenJti:  in.RefreshTokenJti,
		ActiveRoleID:     in.ActiveRoleID,
		ExpiresAt:        in.ExpiresAt,
		LastActivityAt:   now,
		CreatedAt:        now,
	}
	if p, ok := geo.Sanitize(meta.Latitude, meta.Longitude); ok {
		s.Latitude, s.Longitude = &p.Lat, &p.Lon
	}
	res := &CreateResult{Session: s, Anomaly: verdict}

	if verdict.IsAnomalous {
		if err := m.insert(ctx, tx, s, domain.StatusBlockedPendingReauth); err != nil {
			return nil, err
		}
		fields := clientFields(meta)
		fields["sessionId"] = s.ID
		fields["deviceId"] = s.DeviceID
		fields["anomalyType"] = string(verdict.Type)
		fields["locationSource"] = string(src)
		fields["previousSessionId"] = derefString(verdict.PreviousSessionID)
		fields["distanceKm"] = derefFloat(verdict.DistanceKm)
		fields["timeDifferenceMinutes"] = derefFloat(verdict.TimeDifferenceMinutes)
		fields["latitude"] = derefFloat(s.Latitude)
		fields["longitude"] = derefFloat(s.Longitude)
		fields["city"] = nonEmpty(meta.City)
		fields["country"] = nonEmpty(meta.Country)
		if err := m.audit.LogEvent(ctx, tx, s.UserID, auditdomain.EventAnomalousLoginDetected, fields); err != nil {
			return nil, err
		}
		res.Status = domain.StatusBlockedPendingReauth
		m.metrics.anomalyDetected(ctx, string(verdict.Type))
		m.metrics.sessionCreated(ctx, string(res.Status))
		return res, nil
	}

	activeID, err := m.statusID(ctx, tx, domain.StatusActive)
	if err != nil {
		return nil, err
	}
	existing, err := tx.FindActiveSessionOnOtherDevice(ctx, s.UserID, s.DeviceID, activeID, now)
	if err != nil {
		return nil, fmt.Errorf("session: find concurrent: %w", err)
	}
	if existing != nil {
		if err := m.insert(ctx, tx, s, domain.StatusPendingConcurrentResolution); err != nil {
			return nil, err
		}
		fields := clientFields(meta)
		fields["sessionId"] = s.ID
		fields["deviceId"] = s.DeviceID
		fields["existingSessionId"] = existing.ID
		fields["existingDeviceId"] = existing.DeviceID
		if err := m.audit.LogEvent(ctx, tx, s.UserID, auditdomain.EventConcurrentSessionDetected, fields); err != nil {
			return nil, err
		}
		if err := m.evictExcessPending(ctx, tx, s.UserID, now); err != nil {
			return nil, err
		}
		existingID := existing.ID
		res.Status = domain.StatusPendingConcurrentResolution
		res.ConcurrentSessionID = &existingID
		m.metrics.sessionCreated(ctx, string(res.Status))
		return res, nil
	}

	if err := m.supersedeDevice(ctx, tx, s.UserID, s.DeviceID, "", now); err != nil {
		return nil, err
	}
	if err := m.insert(ctx, tx, s, domain.StatusActive); err != nil {
		return nil, err
	}
	if err := tx.RememberDevice(ctx, s.UserID, s.DeviceID, now); err != nil {
		return nil, fmt.Errorf("session: remember device: %w", err)
	}
	fields := clientFields(meta)
	fields["sessionId"] = s.ID
	fields["deviceId"] = s.DeviceID
	fields["locationSource"] = string(src)
	if err := m.audit.LogEvent(ctx, tx, s.UserID, auditdomain.EventLoginSucceeded, fields); err != nil {
		return nil, err
	}
	res.Status = domain.StatusActive
	m.metrics.sessionCreated(ctx, string(res.Status))
	return res, nil
}

// ValidateRefreshTokenSession returns the ACTIVE session holding refreshToken for userID on deviceID,
// bumping its last activity. Every rejection is Unauthorized; an expired session is revoked as a
// side effect that commits despite the rejection.
func (m *Manager) ValidateRefreshTokenSession(ctx context.Context, tx repository.Tx, userID, deviceID, refreshToken string) (*domain.Session, error) {
	now := m.now().UTC()
	s, err := m.lockByToken(ctx, tx, userID, deviceID, refreshToken, now)
	if err != nil {
		return nil, err
	}
	activeID, err := m.statusID(ctx, tx, domain.StatusActive)
	if err != nil {
		return nil, err
	}
	if s.StatusID != activeID || !s.IsActive {
		return nil, unauthorized("session not active")
	}
	if err := tx.TouchSession(ctx, s.ID, now); err != nil {
		return nil, fmt.Errorf("session: touch: %w", err)
	}
	s.LastActivityAt = now
	return s, nil
}

// RotateRefreshToken replaces the session's refresh token. The caller blacklists the old token's hash
// once the unit of work commits.
func (m *Manager) RotateRefreshToken(ctx context.Context, tx repository.Tx, sessionID, newToken, newJti string, newExpiresAt time.Time) (*domain.Session, error) {
	now := m.now().UTC()
	if err := tx.RotateSessionToken(ctx, sessionID, security.HashRefreshToken(newToken), newJti, newExpiresAt, now); err != nil {
		return nil, fmt.Errorf("session: rotate: %w", err)
	}
	m.invalidateAfterCommit(tx, sessionID)
	s, err := tx.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: reload: %w", err)
	}
	if s == nil {
		return nil, repository.ErrSessionNotFound
	}
	return s, nil
}

// ResolveInput identifies a pending session by its refresh token and carries the user's decision.
type ResolveInput struct {
	UserID       string
	DeviceID     string
	RefreshToken string
	Decision     domain.Decision
}

// ResolveResult reports which session survived. KeptSessionID is nil for KEEP_EXISTING.
// RevokedIDs lists every session the decision revoked.
type ResolveResult struct {
	KeptSessionID *string
	Session       *domain.Session
	RevokedIDs    []string
}

// ResolveConcurrentSession applies the user's decision to a pending session. The user, the pending
// session and every competing active session are locked before any decision is made; a pending
// session that changed state first is rejected as Unauthorized. KEEP_NEW revokes all active sessions
// on other devices, leaving the new one as the user's only ACTIVE session.
func (m *Manager) ResolveConcurrentSession(ctx context.Context, tx repository.Tx, in ResolveInput) (*ResolveResult, error) {
	if !in.Decision.Valid() {
		return nil, ErrInvalidDecision
	}
	now := m.now().UTC()
	if err := tx.LockUser(ctx, in.UserID); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	pending, err := m.lockByToken(ctx, tx, in.UserID, in.DeviceID, in.RefreshToken, now)
	if err != nil {
		return nil, err
	}
	pendingID, err := m.statusID(ctx, tx, domain.StatusPendingConcurrentResolution)
	if err != nil {
		return nil, err
	}
	if pending.StatusID != pendingID {
		return nil, unauthorized("session no longer pending resolution")
	}
	activeID, err := m.statusID(ctx, tx, domain.StatusActive)
	if err != nil {
		return nil, err
	}
	competing, err := tx.ListActiveSessionsOnOtherDevicesForUpdate(ctx, in.UserID, in.DeviceID, activeID, now)
	if err != nil {
		return nil, fmt.Errorf("session: lock concurrent: %w", err)
	}

	fields := map[string]any{
		"decision":  string(in.Decision),
		"sessionId": pending.ID,
		"deviceId":  pending.DeviceID,
	}
	res := &ResolveResult{}
	switch in.Decision {
	case domain.DecisionKeepNew:
		for _, existing := range competing {
			if err := m.retire(ctx, tx, existing, ReasonKeepNew, now); err != nil {
				return nil, err
			}
			res.RevokedIDs = append(res.RevokedIDs, existing.ID)
		}
		if len(res.RevokedIDs) > 0 {
			fields["revokedSessionId"] = res.RevokedIDs[0]
			fields["revokedSessionIds"] = append([]string(nil), res.RevokedIDs...)
		}
		if err := m.activate(ctx, tx, pending, now); err != nil {
			return nil, err
		}
		kept := pending.ID
		res.KeptSessionID = &kept
		res.Session = pending
	case domain.DecisionKeepExisting:
		if err := m.retire(ctx, tx, pending, ReasonKeepExisting, now); err != nil {
			return nil, err
		}
		if len(competing) > 0 {
			fields["keptSessionId"] = competing[0].ID
		}
		res.RevokedIDs = []string{pending.ID}
	}
	if err := m.audit.LogEvent(ctx, tx, in.UserID, auditdomain.EventConcurrentSessionResolved, fields); err != nil {
		return nil, err
	}
	m.metrics.resolved(ctx, string(in.Decision))
	return res, nil
}

// ReauthInput carries a re-authentication attempt. The identity collaborator has already been
// consulted: VerifiedUserID is the user it vouched for, or VerifyErr why it refused.
type ReauthInput struct {
	UserID          string
	DeviceID        string
	RefreshToken    string
	VerifiedUserID  string
	VerifyErr       error
	NewRefreshToken string
	NewJti          string
	NewExpiresAt    time.Time
	Metadata        domain.Metadata
}

// ReauthAnomalousSession settles a BLOCKED_PENDING_REAUTH session. Each blocked session gets one
// attempt: success activates it with a rotated token, failure revokes it and the rejection is
// returned with the revocation committed.
func (m *Manager) ReauthAnomalousSession(ctx context.Context, tx repository.Tx, in ReauthInput) (*domain.Session, error) {
	now := m.now().UTC()
	if err := tx.LockUser(ctx, in.UserID); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s, err := m.lockByToken(ctx, tx, in.UserID, in.DeviceID, in.RefreshToken, now)
	if err != nil {
		return nil, err
	}
	blockedID, err := m.statusID(ctx, tx, domain.StatusBlockedPendingReauth)
	if err != nil {
		return nil, err
	}
	if s.StatusID != blockedID {
		return nil, unauthorized("session not awaiting re-authentication")
	}

	fields := clientFields(in.Metadata)
	fields["sessionId"] = s.ID
	fields["deviceId"] = s.DeviceID

	if in.VerifyErr != nil || in.VerifiedUserID != s.UserID {
		reason := "identity mismatch"
		if in.VerifyErr != nil {
			reason = "identity verification failed"
		}
		if err := m.retire(ctx, tx, s, ReasonReauthFailed, now); err != nil {
			return nil, err
		}
		fields["reason"] = reason
		if err := m.audit.LogEvent(ctx, tx, s.UserID, auditdomain.EventAnomalousLoginReauthFailed, fields); err != nil {
			return nil, err
		}
		m.metrics.reauthenticated(ctx, "failure")
		return nil, repository.Persist(&UnauthorizedError{Reason: reason, Err: in.VerifyErr})
	}

	if err := m.activate(ctx, tx, s, now); err != nil {
		return nil, err
	}
	rotated, err := m.RotateRefreshToken(ctx, tx, s.ID, in.NewRefreshToken, in.NewJti, in.NewExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := m.audit.LogEvent(ctx, tx, s.UserID, auditdomain.EventAnomalousLoginReauthSuccess, fields); err != nil {
		return nil, err
	}
	m.metrics.reauthenticated(ctx, "success")
	return rotated, nil
}

// SetActiveRole records the role subsequent access tokens carry for the session.
func (m *Manager) SetActiveRole(ctx context.Context, tx repository.Tx, sessionID string, roleID *string) error {
	if err := tx.SetSessionActiveRole(ctx, sessionID, roleID, m.now().UTC()); err != nil {
		return fmt.Errorf("session: set active role: %w", err)
	}
	m.invalidateAfterCommit(tx, sessionID)
	return nil
}

// DeactivateSession revokes one session. Revoking an already revoked session is a no-op.
func (m *Manager) DeactivateSession(ctx context.Context, tx repository.Tx, sessionID, reason string) error {
	s, err := tx.GetSessionByIDForUpdate(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: lock: %w", err)
	}
	if s == nil {
		return unauthorized("session not found")
	}
	revokedID, err := m.statusID(ctx, tx, domain.StatusRevoked)
	if err != nil {
		return err
	}
	if s.StatusID == revokedID {
		return nil
	}
	if err := m.retire(ctx, tx, s, reason, m.now().UTC()); err != nil {
		return err
	}
	return m.audit.LogEvent(ctx, tx, s.UserID, auditdomain.EventSessionRevoked, map[string]any{
		"sessionId": s.ID,
		"deviceId":  s.DeviceID,
		"reason":    reason,
	})
}

// DeactivateAllUserSessions revokes every non-revoked session of the user and returns how many it revoked.
func (m *Manager) DeactivateAllUserSessions(ctx context.Context, tx repository.Tx, userID, reason string) (int, error) {
	revokedID, err := m.statusID(ctx, tx, domain.StatusRevoked)
	if err != nil {
		return 0, err
	}
	open, err := tx.ListOpenSessionsByUserForUpdate(ctx, userID, revokedID)
	if err != nil {
		return 0, fmt.Errorf("session: list open: %w", err)
	}
	now := m.now().UTC()
	ids := make([]string, 0, len(open))
	for _, s := range open {
		if err := m.retire(ctx, tx, s, reason, now); err != nil {
			return 0, err
		}
		ids = append(ids, s.ID)
	}
	err = m.audit.LogEvent(ctx, tx, userID, auditdomain.EventAllSessionsRevoked, map[string]any{
		"count":      len(ids),
		"sessionIds": ids,
		"reason":     reason,
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// lockByToken locks the session holding refreshToken and checks it belongs to userID on deviceID
// and has not expired. Status checks are left to the caller.
func (m *Manager) lockByToken(ctx context.Context, tx repository.Tx, userID, deviceID, refreshToken string, now time.Time) (*domain.Session, error) {
	hash := security.HashRefreshToken(refreshToken)
	if m.revocations != nil {
		entry, err := m.revocations.Get(ctx, hash)
		if err != nil {
			m.log.Warn().Err(err).Msg("revocation lookup failed; relying on session state")
		} else if entry != nil {
			m.log.Info().Str("user_id", userID).Str("device_id", deviceID).
				Str("revoked_reason", entry.Reason).Time("revoked_at", entry.RevokedAt).
				Msg("revoked refresh token presented")
			return nil, unauthorized("token revoked")
		}
	}
	s, err := tx.GetSessionByRefreshHashForUpdate(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("session: lock by token: %w", err)
	}
	if s == nil || !security.RefreshTokenHashEqual(refreshToken, s.RefreshTokenHash) {
		return nil, unauthorized("session not found")
	}
	if s.UserID != userID {
		return nil, unauthorized("owner mismatch")
	}
	if s.DeviceID != deviceID {
		return nil, unauthorized("device mismatch")
	}
	if s.Expired(now) {
		revokedID, err := m.statusID(ctx, tx, domain.StatusRevoked)
		if err != nil {
			return nil, err
		}
		if s.StatusID != revokedID {
			if err := m.retire(ctx, tx, s, ReasonExpired, now); err != nil {
				return nil, err
			}
			err := m.audit.LogEvent(ctx, tx, s.UserID, auditdomain.EventSessionExpired, map[string]any{
				"sessionId": s.ID,
				"deviceId":  s.DeviceID,
			})
			if err != nil {
				return nil, err
			}
		}
		return nil, repository.Persist(unauthorized("session expired"))
	}
	return s, nil
}

// activate moves s to ACTIVE, first revoking any other active session on its device.
func (m *Manager) activate(ctx context.Context, tx repository.Tx, s *domain.Session, now time.Time) error {
	if err := m.supersedeDevice(ctx, tx, s.UserID, s.DeviceID, s.ID, now); err != nil {
		return err
	}
	activeID, err := m.statusID(ctx, tx, domain.StatusActive)
	if err != nil {
		return err
	}
	if err := tx.UpdateSessionState(ctx, s.ID, activeID, true); err != nil {
		return fmt.Errorf("session: activate: %w", err)
	}
	if err := tx.TouchSession(ctx, s.ID, now); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	if err := tx.RememberDevice(ctx, s.UserID, s.DeviceID, now); err != nil {
		return fmt.Errorf("session: remember device: %w", err)
	}
	s.StatusID, s.IsActive, s.LastActivityAt = activeID, true, now
	m.invalidateAfterCommit(tx, s.ID)
	return nil
}

// supersedeDevice revokes active sessions of userID on deviceID other than keepID.
func (m *Manager) supersedeDevice(ctx context.Context, tx repository.Tx, userID, deviceID, keepID string, now time.Time) error {
	active, err := tx.ListActiveSessionsOnDeviceForUpdate(ctx, userID, deviceID)
	if err != nil {
		return fmt.Errorf("session: list device sessions: %w", err)
	}
	for _, old := range active {
		if old.ID == keepID {
			continue
		}
		if err := m.retire(ctx, tx, old, ReasonSuperseded, now); err != nil {
			return err
		}
		err := m.audit.LogEvent(ctx, tx, userID, auditdomain.EventSessionRevoked, map[string]any{
			"sessionId": old.ID,
			"deviceId":  deviceID,
			"reason":    ReasonSuperseded,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// evictExcessPending revokes the oldest pending sessions beyond the per-user cap.
func (m *Manager) evictExcessPending(ctx context.Context, tx repository.Tx, userID string, now time.Time) error {
	pendingID, err := m.statusID(ctx, tx, domain.StatusPendingConcurrentResolution)
	if err != nil {
		return err
	}
	pending, err := tx.ListSessionsByStatusForUpdate(ctx, userID, pendingID)
	if err != nil {
		return fmt.Errorf("session: list pending: %w", err)
	}
	excess := len(pending) - m.maxPending
	for i := 0; i < excess; i++ {
		s := pending[i]
		if err := m.retire(ctx, tx, s, ReasonPendingEvicted, now); err != nil {
			return err
		}
		err := m.audit.LogEvent(ctx, tx, userID, auditdomain.EventPendingSessionEvicted, map[string]any{
			"sessionId": s.ID,
			"deviceId":  s.DeviceID,
			"limit":     m.maxPending,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// retire marks s REVOKED. Once the unit of work commits, its refresh token is blacklisted for the
// rest of its lifetime and its snapshot dropped.
func (m *Manager) retire(ctx context.Context, tx repository.Tx, s *domain.Session, reason string, now time.Time) error {
	revokedID, err := m.statusID(ctx, tx, domain.StatusRevoked)
	if err != nil {
		return err
	}
	if err := tx.UpdateSessionState(ctx, s.ID, revokedID, false); err != nil {
		return fmt.Errorf("session: revoke %s: %w", s.ID, err)
	}
	s.StatusID, s.IsActive = revokedID, false
	hash, ttl := s.RefreshTokenHash, s.ExpiresAt.Sub(now)
	tx.AfterCommit(func(ctx context.Context) {
		m.BlacklistToken(ctx, hash, reason, ttl)
	})
	m.invalidateAfterCommit(tx, s.ID)
	return nil
}

// BlacklistToken writes hash to the revocation list for ttl. Failures are logged, not returned:
// the relational state already rejects the token.
func (m *Manager) BlacklistToken(ctx context.Context, hash, reason string, ttl time.Duration) {
	if m.revocations == nil || ttl <= 0 {
		return
	}
	if err := m.revocations.Revoke(ctx, hash, reason, ttl); err != nil {
		m.log.Warn().Err(err).Str("reason", reason).Msg("revocation write failed")
	}
}

func (m *Manager) invalidateAfterCommit(tx repository.Tx, sessionID string) {
	if m.snapshots == nil {
		return
	}
	tx.AfterCommit(func(ctx context.Context) {
		if err := m.snapshots.Invalidate(ctx, sessionID); err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("snapshot invalidation failed")
		}
	})
}

func (m *Manager) insert(ctx context.Context, tx repository.Tx, s *domain.Session, status domain.Status) error {
	id, err := m.statusID(ctx, tx, status)
	if err != nil {
		return err
	}
	s.StatusID = id
	s.IsActive = status == domain.StatusActive
	if err := tx.CreateSession(ctx, s); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

func (m *Manager) statusID(ctx context.Context, tx repository.Tx, status domain.Status) (int32, error) {
	return m.statuses.IDByCode(ctx, tx, string(status))
}

// IsSessionLive reports whether sessionID is an unexpired ACTIVE session owned by userID.
func (m *Manager) IsSessionLive(ctx context.Context, tx repository.Tx, userID, sessionID string) (bool, error) {
	s, err := tx.GetSessionByID(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("session: get: %w", err)
	}
	if s == nil || s.UserID != userID || !s.IsActive || s.Expired(m.now().UTC()) {
		return false, nil
	}
	activeID, err := m.statusID(ctx, tx, domain.StatusActive)
	if err != nil {
		return false, err
	}
	return s.StatusID == activeID, nil
}

func clientFields(meta domain.Metadata) map[string]any {
	return map[string]any{
		audit.FieldIPAddress: meta.IPAddress,
		audit.FieldUserAgent: meta.UserAgent,
	}
}

func derefFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func derefString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
