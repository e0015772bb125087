package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"session-security-engine/backend/internal/anomaly"
	"session-security-engine/backend/internal/audit"
	auditdomain "session-security-engine/backend/internal/audit/domain"
	"session-security-engine/backend/internal/catalog"
	"session-security-engine/backend/internal/geo"
	"session-security-engine/backend/internal/identity"
	identitydomain "session-security-engine/backend/internal/identity/domain"
	identityrepo "session-security-engine/backend/internal/identity/repository"
	"session-security-engine/backend/internal/revocation"
	"session-security-engine/backend/internal/security"
	sessiondomain "session-security-engine/backend/internal/session/domain"
	"session-security-engine/backend/internal/session/repository"
	sessionservice "session-security-engine/backend/internal/session/service"
	"session-security-engine/backend/internal/snapshot"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeVerifier vouches for the email registered under each code.
type fakeVerifier struct {
	emails map[string]string
}

func (v *fakeVerifier) Verify(_ context.Context, code string) (*identitydomain.VerifiedIdentity, error) {
	email, ok := v.emails[code]
	if !ok {
		return nil, identity.ErrInvalidCredential
	}
	return &identitydomain.VerifiedIdentity{Email: email, Name: "User " + code}, nil
}

type fixture struct {
	orch   *Orchestrator
	uow    *repository.MemoryUnitOfWork
	users  *identityrepo.MemoryRepository
	revs   *revocation.Store
	snaps  *snapshot.Cache
	tokens *security.TokenIssuer
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	f := &fixture{
		uow:   repository.NewMemoryUnitOfWork(),
		users: identityrepo.NewMemoryRepository(),
		revs:  revocation.NewStore(rdb),
		snaps: snapshot.NewCache(rdb, time.Minute),
		clock: &fakeClock{now: t0},
	}
	f.tokens, err = security.NewTestTokenIssuer(security.WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewTestTokenIssuer: %v", err)
	}

	log := zerolog.Nop()
	statuses := catalog.New(catalog.KindSessionStatus, sessiondomain.StatusCodes(), f.uow, log)
	events := catalog.New(catalog.KindSecurityEventType, auditdomain.EventCodes(), f.uow, log)
	auditLog := audit.NewLogger(events, log, audit.WithClock(f.clock.Now))
	detector := anomaly.NewDetector(anomaly.Thresholds{
		GPSTimeWindow: 30 * time.Minute,
		IPTimeWindow:  60 * time.Minute,
		GPSDistanceKm: 10,
		IPDistanceKm:  100,
	}, anomaly.WithClock(f.clock.Now))
	mgr := sessionservice.NewManager(statuses, auditLog, geo.NewResolver(nil, log), detector,
		sessionservice.WithRevocations(f.revs),
		sessionservice.WithSnapshots(f.snaps),
		sessionservice.WithClock(f.clock.Now),
	)
	verifier := &fakeVerifier{emails: map[string]string{
		"code-alice":   "alice@example.com",
		"code-alice-2": "alice@example.com",
		"code-bob":     "bob@example.com",
	}}

	ctx := context.Background()
	_ = f.users.UpsertRole(ctx, &identitydomain.Role{ID: "role-admin", Name: "admin"})
	_ = f.users.UpsertRole(ctx, &identitydomain.Role{ID: "role-viewer", Name: "viewer"})

	f.orch = NewOrchestrator(f.uow, mgr, auditLog, f.tokens, verifier, f.users,
		WithSnapshots(f.snaps),
		WithClock(f.clock.Now),
	)
	return f
}

func client(deviceID string) sessiondomain.Metadata {
	return sessiondomain.Metadata{IPAddress: "10.0.0.7", UserAgent: "test-agent", DeviceID: deviceID}
}

func (f *fixture) login(t *testing.T, code, deviceID string) *AuthResult {
	t.Helper()
	res, err := f.orch.Login(context.Background(), LoginInput{Code: code, Metadata: client(deviceID)})
	if err != nil {
		t.Fatalf("Login(%s, %s): %v", code, deviceID, err)
	}
	return res
}

func (f *fixture) status(t *testing.T, sessionID string) sessiondomain.Status {
	t.Helper()
	s := f.uow.Session(sessionID)
	if s == nil {
		t.Fatalf("session %s not found", sessionID)
	}
	return sessiondomain.AllStatuses[s.StatusID-1]
}

func (f *fixture) hasEvent(code auditdomain.EventCode) bool {
	for _, e := range f.uow.Events() {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestLogin_FirstSessionIsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _, _ := f.users.UpsertByEmail(ctx, &identitydomain.User{ID: "u-alice", Email: "alice@example.com", Name: "User code-alice"})
	_ = f.users.AssignRole(ctx, u.ID, "role-viewer")

	res := f.login(t, "code-alice", "laptop")

	if res.Status != sessiondomain.StatusActive {
		t.Fatalf("Status = %s, want ACTIVE", res.Status)
	}
	if res.UserID != "u-alice" {
		t.Errorf("UserID = %q, want u-alice", res.UserID)
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatal("ACTIVE login should receive both tokens")
	}
	if res.ExpiresIn != int64((15 * time.Minute).Seconds()) {
		t.Errorf("ExpiresIn = %d, want 900", res.ExpiresIn)
	}
	if res.ActiveRoleID == nil || *res.ActiveRoleID != "role-viewer" {
		t.Errorf("ActiveRoleID = %v, want role-viewer", res.ActiveRoleID)
	}
	claims, err := f.tokens.VerifyAccess(res.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.SessionID != res.SessionID || claims.ActiveRoleID != "role-viewer" {
		t.Errorf("access claims = %+v", claims)
	}
	snap, err := f.snaps.Get(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("snapshot Get: %v", err)
	}
	if snap == nil || snap.Email != "alice@example.com" || snap.Status != "ACTIVE" {
		t.Errorf("snapshot = %+v", snap)
	}
	if !f.hasEvent(auditdomain.EventLoginSucceeded) {
		t.Error("LOGIN_SUCCEEDED not recorded")
	}
}

func TestLogin_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Login(ctx, LoginInput{Code: "unknown", Metadata: client("laptop")}); !errors.Is(err, identity.ErrInvalidCredential) {
		t.Errorf("unknown code error = %v, want ErrInvalidCredential", err)
	}
	if _, err := f.orch.Login(ctx, LoginInput{Code: "code-alice"}); !errors.Is(err, ErrDeviceRequired) {
		t.Errorf("missing device error = %v, want ErrDeviceRequired", err)
	}
	if n := len(f.uow.Sessions()); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

func TestLogin_QuickNewDeviceIsBlockedWithoutAccessToken(t *testing.T) {
	f := newFixture(t)
	f.login(t, "code-alice", "laptop")
	f.clock.Advance(5 * time.Minute)

	res := f.login(t, "code-alice", "phone")

	if res.Status != sessiondomain.StatusBlockedPendingReauth {
		t.Fatalf("Status = %s, want BLOCKED_PENDING_REAUTH", res.Status)
	}
	if res.AnomalyType != sessiondomain.AnomalyNewDeviceQuickChange {
		t.Errorf("AnomalyType = %s, want NEW_DEVICE_QUICK_CHANGE", res.AnomalyType)
	}
	if res.AccessToken != "" {
		t.Error("blocked session must not receive an access token")
	}
	if res.RefreshToken == "" {
		t.Error("blocked session needs its refresh token to re-authenticate")
	}
}

func TestRefresh_RotatesAndRevokesOldToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t, "code-alice", "laptop")
	f.clock.Advance(time.Minute)

	second, err := f.orch.Refresh(ctx, RefreshInput{RefreshToken: first.RefreshToken, Metadata: client("laptop")})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if second.SessionID != first.SessionID || second.AccessToken == "" {
		t.Errorf("refresh result = %+v", second)
	}

	entry, err := f.revs.Get(ctx, security.HashRefreshToken(first.RefreshToken))
	if err != nil {
		t.Fatalf("revocation Get: %v", err)
	}
	if entry == nil || entry.Reason != sessionservice.ReasonRotated {
		t.Errorf("revocation entry = %+v, want reason %q", entry, sessionservice.ReasonRotated)
	}

	_, err = f.orch.Refresh(ctx, RefreshInput{RefreshToken: first.RefreshToken, Metadata: client("laptop")})
	if !errors.Is(err, sessionservice.ErrUnauthorized) {
		t.Errorf("replayed token error = %v, want ErrUnauthorized", err)
	}
	if sessionservice.Reason(err) != "token revoked" {
		t.Errorf("replay reason = %q, want %q", sessionservice.Reason(err), "token revoked")
	}
	if _, err := f.orch.Refresh(ctx, RefreshInput{RefreshToken: second.RefreshToken, Metadata: client("laptop")}); err != nil {
		t.Errorf("Refresh with rotated token: %v", err)
	}
	if !f.hasEvent(auditdomain.EventTokenRefreshed) {
		t.Error("TOKEN_REFRESHED not recorded")
	}
}

func TestRefresh_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.login(t, "code-alice", "laptop")

	testCases := []struct {
		name    string
		token   string
		device  string
		wantErr error
	}{
		{"garbage token", "not-a-jwt", "laptop", security.ErrInvalidToken},
		{"other device", res.RefreshToken, "phone", sessionservice.ErrUnauthorized},
		{"no device", res.RefreshToken, "", ErrDeviceRequired},
		{"access token", res.AccessToken, "laptop", security.ErrInvalidToken},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.Refresh(ctx, RefreshInput{RefreshToken: tc.token, Metadata: client(tc.device)})
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Refresh error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestRefresh_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	res := f.login(t, "code-alice", "laptop")
	f.clock.Advance(25 * time.Hour)

	_, err := f.orch.Refresh(context.Background(), RefreshInput{RefreshToken: res.RefreshToken, Metadata: client("laptop")})
	if err == nil {
		t.Fatal("expired refresh token should be rejected")
	}
	if !errors.Is(err, security.ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
	if got := f.status(t, res.SessionID); got != sessiondomain.StatusRevoked || f.uow.Session(res.SessionID).IsActive {
		t.Fatalf("expired session = %s, want REVOKED and inactive", got)
	}
	events := f.uow.Events()
	if last := events[len(events)-1]; last.Code != auditdomain.EventSessionExpired {
		t.Errorf("last event = %s, want SESSION_EXPIRED", last.Code)
	}
}

func TestResolveConcurrent_ExpiredPendingSessionIsRevoked(t *testing.T) {
	f := newFixture(t)
	_, pending := pendingLogin(t, f)
	f.clock.Advance(25 * time.Hour)

	_, err := f.orch.ResolveConcurrent(context.Background(), ResolveInput{
		RefreshToken: pending.RefreshToken,
		Decision:     sessiondomain.DecisionKeepNew,
		Metadata:     client("phone"),
	})
	if !errors.Is(err, security.ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
	if got := f.status(t, pending.SessionID); got != sessiondomain.StatusRevoked {
		t.Errorf("pending session = %s, want REVOKED", got)
	}
}

func TestRefresh_LongExpiredTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	res := f.login(t, "code-alice", "laptop")
	f.clock.Advance(49 * time.Hour)

	_, err := f.orch.Refresh(context.Background(), RefreshInput{RefreshToken: res.RefreshToken, Metadata: client("laptop")})
	if !errors.Is(err, security.ErrInvalidToken) || errors.Is(err, security.ErrTokenExpired) {
		t.Errorf("error = %v, want plain ErrInvalidToken", err)
	}
}

func pendingLogin(t *testing.T, f *fixture) (existing, pending *AuthResult) {
	t.Helper()
	existing = f.login(t, "code-alice", "laptop")
	f.clock.Advance(2 * time.Hour)
	pending = f.login(t, "code-alice", "phone")
	if pending.Status != sessiondomain.StatusPendingConcurrentResolution {
		t.Fatalf("second login Status = %s, want PENDING_CONCURRENT_RESOLUTION", pending.Status)
	}
	if pending.ConcurrentSessionID == nil || *pending.ConcurrentSessionID != existing.SessionID {
		t.Fatalf("ConcurrentSessionID = %v, want %s", pending.ConcurrentSessionID, existing.SessionID)
	}
	if pending.AccessToken != "" {
		t.Fatal("pending session must not receive an access token")
	}
	return existing, pending
}

func TestResolveConcurrent_KeepNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing, pending := pendingLogin(t, f)

	res, err := f.orch.ResolveConcurrent(ctx, ResolveInput{
		RefreshToken: pending.RefreshToken,
		Decision:     sessiondomain.DecisionKeepNew,
		Metadata:     client("phone"),
	})
	if err != nil {
		t.Fatalf("ResolveConcurrent: %v", err)
	}
	if res.KeptSessionID == nil || *res.KeptSessionID != pending.SessionID {
		t.Errorf("KeptSessionID = %v, want %s", res.KeptSessionID, pending.SessionID)
	}
	if res.Tokens == nil || res.Tokens.AccessToken == "" {
		t.Fatal("KEEP_NEW should issue an access token")
	}
	if res.Tokens.RefreshToken != pending.RefreshToken {
		t.Error("KEEP_NEW should keep the pending session's refresh token")
	}
	if got := f.status(t, existing.SessionID); got != sessiondomain.StatusRevoked {
		t.Errorf("existing status = %s, want REVOKED", got)
	}
	if got := f.status(t, pending.SessionID); got != sessiondomain.StatusActive {
		t.Errorf("pending status = %s, want ACTIVE", got)
	}

	active, err := f.orch.IsSessionActive(ctx, existing.UserID, existing.SessionID)
	if err != nil {
		t.Fatalf("IsSessionActive: %v", err)
	}
	if active {
		t.Error("revoked session still reported active")
	}
	_, err = f.orch.Refresh(ctx, RefreshInput{RefreshToken: existing.RefreshToken, Metadata: client("laptop")})
	if !errors.Is(err, sessionservice.ErrUnauthorized) {
		t.Errorf("refresh on revoked session error = %v, want ErrUnauthorized", err)
	}
}

func TestResolveConcurrent_KeepExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing, pending := pendingLogin(t, f)

	res, err := f.orch.ResolveConcurrent(ctx, ResolveInput{
		RefreshToken: pending.RefreshToken,
		Decision:     sessiondomain.DecisionKeepExisting,
		Metadata:     client("phone"),
	})
	if err != nil {
		t.Fatalf("ResolveConcurrent: %v", err)
	}
	if res.KeptSessionID != nil || res.Tokens != nil {
		t.Errorf("KEEP_EXISTING result = %+v, want no kept session and no tokens", res)
	}
	if got := f.status(t, pending.SessionID); got != sessiondomain.StatusRevoked {
		t.Errorf("pending status = %s, want REVOKED", got)
	}
	if got := f.status(t, existing.SessionID); got != sessiondomain.StatusActive {
		t.Errorf("existing status = %s, want ACTIVE", got)
	}
	_, err = f.orch.ResolveConcurrent(ctx, ResolveInput{
		RefreshToken: pending.RefreshToken,
		Decision:     sessiondomain.DecisionKeepNew,
		Metadata:     client("phone"),
	})
	if !errors.Is(err, sessionservice.ErrUnauthorized) {
		t.Errorf("second decision error = %v, want ErrUnauthorized", err)
	}
}

func TestReauthenticate_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login(t, "code-alice", "laptop")
	f.clock.Advance(5 * time.Minute)
	blocked := f.login(t, "code-alice", "phone")

	res, err := f.orch.Reauthenticate(ctx, ReauthInput{
		Code:         "code-alice-2",
		RefreshToken: blocked.RefreshToken,
		Metadata:     client("phone"),
	})
	if err != nil {
		t.Fatalf("Reauthenticate: %v", err)
	}
	if res.Status != sessiondomain.StatusActive || res.AccessToken == "" {
		t.Errorf("reauth result = %+v", res)
	}
	if res.RefreshToken == blocked.RefreshToken {
		t.Error("reauth should rotate the refresh token")
	}
	if got := f.status(t, blocked.SessionID); got != sessiondomain.StatusActive {
		t.Errorf("status = %s, want ACTIVE", got)
	}
	if e, _ := f.revs.Get(ctx, security.HashRefreshToken(blocked.RefreshToken)); e == nil {
		t.Error("pre-reauth refresh token should be blacklisted")
	}
	if !f.hasEvent(auditdomain.EventAnomalousLoginReauthSuccess) {
		t.Error("ANOMALOUS_LOGIN_REAUTH_SUCCESS not recorded")
	}
}

func TestReauthenticate_FailureIsSingleUse(t *testing.T) {
	testCases := []struct {
		name string
		code string
	}{
		{"provider rejects code", "bad-code"},
		{"different identity", "code-bob"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.login(t, "code-alice", "laptop")
			f.clock.Advance(5 * time.Minute)
			blocked := f.login(t, "code-alice", "phone")
			if tc.code == "code-bob" {
				f.login(t, "code-bob", "bob-laptop")
			}

			_, err := f.orch.Reauthenticate(ctx, ReauthInput{Code: tc.code, RefreshToken: blocked.RefreshToken, Metadata: client("phone")})
			if !errors.Is(err, sessionservice.ErrUnauthorized) {
				t.Fatalf("Reauthenticate error = %v, want ErrUnauthorized", err)
			}
			if got := f.status(t, blocked.SessionID); got != sessiondomain.StatusRevoked {
				t.Errorf("status = %s, want REVOKED", got)
			}
			if !f.hasEvent(auditdomain.EventAnomalousLoginReauthFailed) {
				t.Error("ANOMALOUS_LOGIN_REAUTH_FAILED not recorded")
			}

			_, err = f.orch.Reauthenticate(ctx, ReauthInput{Code: "code-alice-2", RefreshToken: blocked.RefreshToken, Metadata: client("phone")})
			if !errors.Is(err, sessionservice.ErrUnauthorized) {
				t.Errorf("second attempt error = %v, want ErrUnauthorized", err)
			}
			if got := f.status(t, blocked.SessionID); got != sessiondomain.StatusRevoked {
				t.Errorf("status after second attempt = %s, want REVOKED", got)
			}
		})
	}
}

func TestSwitchActiveRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _, _ := f.users.UpsertByEmail(ctx, &identitydomain.User{ID: "u-alice", Email: "alice@example.com", Name: "User code-alice"})
	_ = f.users.AssignRole(ctx, u.ID, "role-viewer")
	_ = f.users.AssignRole(ctx, u.ID, "role-admin")
	res := f.login(t, "code-alice", "laptop")

	_, err := f.orch.SwitchActiveRole(ctx, SwitchRoleInput{RefreshToken: res.RefreshToken, RoleID: "role-owner", Metadata: client("laptop")})
	if !errors.Is(err, ErrRoleNotAssigned) {
		t.Fatalf("unassigned role error = %v, want ErrRoleNotAssigned", err)
	}

	switched, err := f.orch.SwitchActiveRole(ctx, SwitchRoleInput{RefreshToken: res.RefreshToken, RoleID: "role-viewer", Metadata: client("laptop")})
	if err != nil {
		t.Fatalf("SwitchActiveRole: %v", err)
	}
	if switched.ActiveRoleID == nil || *switched.ActiveRoleID != "role-viewer" {
		t.Errorf("ActiveRoleID = %v, want role-viewer", switched.ActiveRoleID)
	}
	claims, err := f.tokens.VerifyAccess(switched.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.ActiveRoleID != "role-viewer" {
		t.Errorf("access role = %q, want role-viewer", claims.ActiveRoleID)
	}
	if s := f.uow.Session(res.SessionID); s.ActiveRoleID == nil || *s.ActiveRoleID != "role-viewer" {
		t.Errorf("stored role = %v, want role-viewer", s.ActiveRoleID)
	}
	if e, _ := f.revs.Get(ctx, security.HashRefreshToken(res.RefreshToken)); e == nil {
		t.Error("pre-switch refresh token should be blacklisted")
	}
	if !f.hasEvent(auditdomain.EventActiveRoleSwitched) {
		t.Error("ACTIVE_ROLE_SWITCHED not recorded")
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.login(t, "code-alice", "laptop")

	if err := f.orch.Logout(ctx, LogoutInput{RefreshToken: res.RefreshToken, Metadata: client("laptop")}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if got := f.status(t, res.SessionID); got != sessiondomain.StatusRevoked {
		t.Errorf("status = %s, want REVOKED", got)
	}
	if snap, _ := f.snaps.Get(ctx, res.SessionID); snap != nil {
		t.Errorf("snapshot survived logout: %+v", snap)
	}
	if err := f.orch.Logout(ctx, LogoutInput{RefreshToken: res.RefreshToken, Metadata: client("laptop")}); err != nil {
		t.Errorf("second Logout: %v", err)
	}
	active, err := f.orch.IsSessionActive(ctx, res.UserID, res.SessionID)
	if err != nil {
		t.Fatalf("IsSessionActive: %v", err)
	}
	if active {
		t.Error("logged out session reported active")
	}
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing, pending := pendingLogin(t, f)

	n, err := f.orch.LogoutAll(ctx, existing.UserID)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}
	for _, id := range []string{existing.SessionID, pending.SessionID} {
		if got := f.status(t, id); got != sessiondomain.StatusRevoked {
			t.Errorf("session %s status = %s, want REVOKED", id, got)
		}
	}
	if !f.hasEvent(auditdomain.EventAllSessionsRevoked) {
		t.Error("ALL_SESSIONS_REVOKED not recorded")
	}
	if _, err := f.orch.LogoutAll(ctx, ""); !errors.Is(err, sessionservice.ErrUnauthorized) {
		t.Errorf("empty user error = %v, want ErrUnauthorized", err)
	}
}

func TestIsSessionActive_FallsBackToStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.login(t, "code-alice", "laptop")
	if err := f.snaps.Invalidate(ctx, res.SessionID); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	active, err := f.orch.IsSessionActive(ctx, res.UserID, res.SessionID)
	if err != nil {
		t.Fatalf("IsSessionActive: %v", err)
	}
	if !active {
		t.Error("active session reported inactive")
	}
	if active, _ := f.orch.IsSessionActive(ctx, "someone-else", res.SessionID); active {
		t.Error("session reported active for a different user")
	}
}
