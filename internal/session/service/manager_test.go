package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

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

type fakeRevocations struct {
	mu      sync.Mutex
	entries map[string]string
	ttls    map[string]time.Duration
	readErr error
}

func newFakeRevocations() *fakeRevocations {
	return &fakeRevocations{entries: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRevocations) Revoke(_ context.Context, hash, reason string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[hash] = reason
	f.ttls[hash] = ttl
	return nil
}

func (f *fakeRevocations) Get(_ context.Context, hash string) (*revocation.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	reason, ok := f.entries[hash]
	if !ok {
		return nil, nil
	}
	return &revocation.Entry{Reason: reason}, nil
}

func (f *fakeRevocations) reason(token string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.entries[security.HashRefreshToken(token)]
	return r, ok
}

type fakeSnapshots struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeSnapshots) Invalidate(_ context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, ids...)
	return nil
}

func (f *fakeSnapshots) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.invalidated {
		if v == id {
			return true
		}
	}
	return false
}

type harness struct {
	uow    *repository.MemoryUnitOfWork
	mgr    *Manager
	clock  *fakeClock
	revs   *fakeRevocations
	snaps  *fakeSnapshots
	reader *sdkmetric.ManualReader
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		uow:    repository.NewMemoryUnitOfWork(),
		clock:  &fakeClock{now: t0},
		revs:   newFakeRevocations(),
		snaps:  &fakeSnapshots{},
		reader: sdkmetric.NewManualReader(),
	}
	log := zerolog.Nop()
	statuses := catalog.New(catalog.KindSessionStatus, domain.StatusCodes(), h.uow, log)
	events := catalog.New(catalog.KindSecurityEventType, auditdomain.EventCodes(), h.uow, log)
	detector := anomaly.NewDetector(anomaly.Thresholds{
		GPSTimeWindow: 30 * time.Minute,
		IPTimeWindow:  60 * time.Minute,
		GPSDistanceKm: 10,
		IPDistanceKm:  100,
	}, anomaly.WithClock(h.clock.Now))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))
	base := []Option{
		WithRevocations(h.revs),
		WithSnapshots(h.snaps),
		WithClock(h.clock.Now),
		WithMeter(provider.Meter("test")),
	}
	h.mgr = NewManager(statuses, audit.NewLogger(events, log, audit.WithClock(h.clock.Now)),
		geo.NewResolver(nil, log), detector, append(base, opts...)...)
	return h
}

func coords(lat, lon float64) domain.Metadata {
	return domain.Metadata{IPAddress: "203.0.113.5", UserAgent: "test-agent", Latitude: &lat, Longitude: &lon}
}

func (h *harness) login(t *testing.T, sessionID, userID, deviceID string, meta domain.Metadata) *CreateResult {
	t.Helper()
	res, err := h.tryLogin(sessionID, userID, deviceID, meta)
	if err != nil {
		t.Fatalf("CreateSession(%s): %v", sessionID, err)
	}
	return res
}

func (h *harness) tryLogin(sessionID, userID, deviceID string, meta domain.Metadata) (*CreateResult, error) {
	meta.DeviceID = deviceID
	var res *CreateResult
	err := h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		res, err = h.mgr.CreateSession(ctx, tx, CreateInput{
			SessionID:       sessionID,
			UserID:          userID,
			Metadata:        meta,
			RefreshToken:    "rt-" + sessionID,
			RefreshTokenJti: "jti-" + sessionID,
			ExpiresAt:       h.clock.Now().Add(24 * time.Hour),
		})
		return err
	})
	return res, err
}

func (h *harness) validate(userID, deviceID, token string) (*domain.Session, error) {
	var s *domain.Session
	err := h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		s, err = h.mgr.ValidateRefreshTokenSession(ctx, tx, userID, deviceID, token)
		return err
	})
	return s, err
}

func (h *harness) resolve(in ResolveInput) (*ResolveResult, error) {
	var res *ResolveResult
	err := h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		res, err = h.mgr.ResolveConcurrentSession(ctx, tx, in)
		return err
	})
	return res, err
}

func (h *harness) status(t *testing.T, id string) domain.Status {
	t.Helper()
	s := h.uow.Session(id)
	if s == nil {
		t.Fatalf("session %s not found", id)
	}
	return domain.Status(domain.AllStatuses[s.StatusID-1])
}

func (h *harness) eventCodes() []auditdomain.EventCode {
	var out []auditdomain.EventCode
	for _, e := range h.uow.Events() {
		out = append(out, e.Code)
	}
	return out
}

func (h *harness) lastEvent(t *testing.T) *auditdomain.SecurityEvent {
	t.Helper()
	events := h.uow.Events()
	if len(events) == 0 {
		t.Fatal("no events written")
	}
	return events[len(events)-1]
}

// assertSingleActive checks that no user/device pair holds more than one live ACTIVE session
// and that is_active agrees with the status.
func (h *harness) assertSingleActive(t *testing.T) {
	t.Helper()
	now := h.clock.Now()
	live := map[string]int{}
	for _, s := range h.uow.Sessions() {
		active := s.StatusID == 1
		if active != s.IsActive {
			t.Errorf("session %s: is_active=%v with status id %d", s.ID, s.IsActive, s.StatusID)
		}
		if active && s.IsActive && !s.Expired(now) {
			live[s.UserID+"/"+s.DeviceID]++
		}
	}
	for k, n := range live {
		if n > 1 {
			t.Errorf("%s has %d live active sessions", k, n)
		}
	}
}

func TestCreateSession_FirstLoginIsActive(t *testing.T) {
	h := newHarness(t)
	res := h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))

	if res.Status != domain.StatusActive || res.ConcurrentSessionID != nil {
		t.Fatalf("status = %s, concurrent = %v; want ACTIVE, nil", res.Status, res.ConcurrentSessionID)
	}
	s := h.uow.Session("s1")
	if !s.IsActive || s.RefreshTokenHash != security.HashRefreshToken("rt-s1") {
		t.Errorf("stored session = %+v", s)
	}
	if s.Latitude == nil || *s.Latitude != 48.85 {
		t.Errorf("latitude = %v, want 48.85", s.Latitude)
	}
	if got := h.eventCodes(); len(got) != 1 || got[0] != auditdomain.EventLoginSucceeded {
		t.Errorf("events = %v, want [LOGIN_SUCCEEDED]", got)
	}
	_ = h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		if known, _ := tx.IsKnownDevice(ctx, "u1", "d1"); !known {
			t.Error("device should be remembered once a session is active")
		}
		return nil
	})
}

func TestCreateSession_SameDeviceSupersedesPrevious(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	h.clock.Advance(5 * time.Minute)
	res := h.login(t, "s2", "u1", "d1", coords(48.85, 2.35))

	if res.Status != domain.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", res.Status)
	}
	if got := h.status(t, "s1"); got != domain.StatusRevoked {
		t.Errorf("previous session = %s, want REVOKED", got)
	}
	if reason, ok := h.revs.reason("rt-s1"); !ok || reason != ReasonSuperseded {
		t.Errorf("old token blacklisted = %v (%q), want superseded", ok, reason)
	}
	if !h.snaps.has("s1") {
		t.Error("superseded session snapshot should be invalidated")
	}
	h.assertSingleActive(t)
}

func TestCreateSession_OtherDeviceActiveGoesPending(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	h.clock.Advance(2 * time.Hour)
	res := h.login(t, "s2", "u1", "d2", coords(48.85, 2.35))

	if res.Status != domain.StatusPendingConcurrentResolution {
		t.Fatalf("status = %s, want PENDING_CONCURRENT_RESOLUTION", res.Status)
	}
	if res.ConcurrentSessionID == nil || *res.ConcurrentSessionID != "s1" {
		t.Errorf("concurrent session = %v, want s1", res.ConcurrentSessionID)
	}
	if s := h.uow.Session("s2"); s.IsActive {
		t.Error("pending session must not be active")
	}
	e := h.lastEvent(t)
	if e.Code != auditdomain.EventConcurrentSessionDetected || e.Metadata["existingSessionId"] != "s1" {
		t.Errorf("event = %s %v", e.Code, e.Metadata)
	}
	h.assertSingleActive(t)
}

func TestCreateSession_NewDeviceQuickChangeIsBlocked(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	h.clock.Advance(10 * time.Minute)
	res := h.login(t, "s2", "u1", "d2", coords(48.85, 2.35))

	// Anomaly pre-empts the concurrency branch even though s1 is active on another device.
	if res.Status != domain.StatusBlockedPendingReauth || res.ConcurrentSessionID != nil {
		t.Fatalf("status = %s, concurrent = %v; want BLOCKED_PENDING_REAUTH, nil", res.Status, res.ConcurrentSessionID)
	}
	if res.Anomaly.Type != domain.AnomalyNewDeviceQuickChange || res.Anomaly.DistanceKm != nil {
		t.Errorf("anomaly = %+v", res.Anomaly)
	}
	e := h.lastEvent(t)
	if e.Code != auditdomain.EventAnomalousLoginDetected {
		t.Fatalf("event = %s, want ANOMALOUS_LOGIN_DETECTED", e.Code)
	}
	if e.Metadata["anomalyType"] != "NEW_DEVICE_QUICK_CHANGE" || e.Metadata["previousSessionId"] != "s1" {
		t.Errorf("metadata = %v", e.Metadata)
	}
	if e.IPAddress == nil || *e.IPAddress != "203.0.113.5" {
		t.Errorf("ip = %v", e.IPAddress)
	}
}

func TestCreateSession_ImpossibleTravelIsBlocked(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(0, 0))
	h.clock.Advance(10 * time.Minute)
	res := h.login(t, "s2", "u1", "d1", coords(0, 0.45))

	if res.Status != domain.StatusBlockedPendingReauth {
		t.Fatalf("status = %s, want BLOCKED_PENDING_REAUTH", res.Status)
	}
	if res.Anomaly.Type != domain.AnomalyImpossibleTravel || res.Anomaly.DistanceKm == nil {
		t.Fatalf("anomaly = %+v", res.Anomaly)
	}
	if math.Abs(*res.Anomaly.DistanceKm-50) > 1 {
		t.Errorf("distance = %v, want about 50km", *res.Anomaly.DistanceKm)
	}
	if got := h.status(t, "s1"); got != domain.StatusActive {
		t.Errorf("blocked login must not touch the active session, got %s", got)
	}
}

func TestCreateSession_PendingCapEvictsOldest(t *testing.T) {
	h := newHarness(t, WithMaxPendingPerUser(2))
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	for _, p := range []struct{ id, device string }{{"p1", "d2"}, {"p2", "d3"}, {"p3", "d4"}} {
		h.clock.Advance(2 * time.Hour)
		if res := h.login(t, p.id, "u1", p.device, coords(48.85, 2.35)); res.Status != domain.StatusPendingConcurrentResolution {
			t.Fatalf("%s status = %s", p.id, res.Status)
		}
	}
	if got := h.status(t, "p1"); got != domain.StatusRevoked {
		t.Errorf("oldest pending = %s, want REVOKED", got)
	}
	for _, id := range []string{"p2", "p3"} {
		if got := h.status(t, id); got != domain.StatusPendingConcurrentResolution {
			t.Errorf("%s = %s, want pending", id, got)
		}
	}
	e := h.lastEvent(t)
	if e.Code != auditdomain.EventPendingSessionEvicted || e.Metadata["sessionId"] != "p1" {
		t.Errorf("event = %s %v", e.Code, e.Metadata)
	}
}

func TestCreateSession_AuditFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.uow.RemoveCatalogCode(catalog.KindSecurityEventType, string(auditdomain.EventLoginSucceeded))

	_, err := h.tryLogin("s1", "u1", "d1", coords(48.85, 2.35))
	if !errors.Is(err, catalog.ErrMisconfigured) {
		t.Fatalf("err = %v, want ErrMisconfigured", err)
	}
	if len(h.uow.Sessions()) != 0 {
		t.Error("session must not commit without its audit event")
	}
}

func TestCreateSession_MissingStatusCode(t *testing.T) {
	h := newHarness(t)
	h.uow.RemoveCatalogCode(catalog.KindSessionStatus, string(domain.StatusActive))
	_, err := h.tryLogin("s1", "u1", "d1", coords(48.85, 2.35))
	if !errors.Is(err, catalog.ErrMisconfigured) {
		t.Fatalf("err = %v, want ErrMisconfigured", err)
	}
}

func TestCreateSession_RequiresIdentifiers(t *testing.T) {
	h := newHarness(t)
	if _, err := h.tryLogin("s1", "u1", "", coords(0, 0)); err == nil {
		t.Error("missing device id should fail")
	}
}

func TestValidateRefreshTokenSession(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	h.clock.Advance(time.Minute)

	s, err := h.validate("u1", "d1", "rt-s1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !s.LastActivityAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("last activity = %v, want bumped", s.LastActivityAt)
	}
	if got := h.uow.Session("s1").LastActivityAt; !got.Equal(t0.Add(time.Minute)) {
		t.Errorf("stored last activity = %v", got)
	}

	cases := []struct {
		name, user, device, token, reason string
	}{
		{"unknown token", "u1", "d1", "rt-nope", "session not found"},
		{"other owner", "u2", "d1", "rt-s1", "owner mismatch"},
		{"other device", "u1", "d9", "rt-s1", "device mismatch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.validate(tc.user, tc.device, tc.token)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("err = %v, want ErrUnauthorized", err)
			}
			if err.Error() != ErrUnauthorized.Error() {
				t.Errorf("message %q leaks detail", err.Error())
			}
			if Reason(err) != tc.reason {
				t.Errorf("reason = %q, want %q", Reason(err), tc.reason)
			}
		})
	}
}

func TestValidateRefreshTokenSession_PendingIsRejected(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	h.clock.Advance(2 * time.Hour)
	h.login(t, "s2", "u1", "d2", coords(48.85, 2.35))

	_, err := h.validate("u1", "d2", "rt-s2")
	if Reason(err) != "session not active" {
		t.Errorf("err = %v (%q), want session not active", err, Reason(err))
	}
}

func TestValidateRefreshTokenSession_ExpiredIsRevokedAndCommitted(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	h.clock.Advance(25 * time.Hour)

	_, err := h.validate("u1", "d1", "rt-s1")
	if !errors.Is(err, ErrUnauthorized) || Reason(err) != "session expired" {
		t.Fatalf("err = %v (%q), want expired", err, Reason(err))
	}
	s := h.uow.Session("s1")
	if s.IsActive || h.status(t, "s1") != domain.StatusRevoked {
		t.Error("expired session should be revoked despite the rejection")
	}
	if e := h.lastEvent(t); e.Code != auditdomain.EventSessionExpired {
		t.Errorf("event = %s, want SESSION_EXPIRED", e.Code)
	}
	if _, ok := h.revs.reason("rt-s1"); ok {
		t.Error("a token past its lifetime needs no blacklist entry")
	}
}

func TestRotateRefreshToken_RoundTrip(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	h.clock.Advance(time.Minute)

	err := h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		s, err := h.mgr.ValidateRefreshTokenSession(ctx, tx, "u1", "d1", "rt-s1")
		if err != nil {
			return err
		}
		oldHash, ttl := s.RefreshTokenHash, s.ExpiresAt.Sub(h.clock.Now())
		rotated, err := h.mgr.RotateRefreshToken(ctx, tx, s.ID, "rt-s1-v2", "jti-v2", h.clock.Now().Add(24*time.Hour))
		if err != nil {
			return err
		}
		if rotated.RefreshTokenJti != "jti-v2" {
			t.Errorf("jti = %q", rotated.RefreshTokenJti)
		}
		tx.AfterCommit(func(ctx context.Context) { h.mgr.BlacklistToken(ctx, oldHash, ReasonRotated, ttl) })
		return nil
	})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	_, err = h.validate("u1", "d1", "rt-s1")
	if !errors.Is(err, ErrUnauthorized) || Reason(err) != "token revoked" {
		t.Errorf("old token: err = %v (%q), want token revoked", err, Reason(err))
	}
	if _, err := h.validate("u1", "d1", "rt-s1-v2"); err != nil {
		t.Errorf("new token: %v", err)
	}
	if !h.snaps.has("s1") {
		t.Error("rotation should invalidate the snapshot")
	}
}

func TestValidate_RevocationStoreDownFallsBackToSessionState(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	h.revs.readErr = errors.New("redis down")
	if _, err := h.validate("u1", "d1", "rt-s1"); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func pendingPair(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	h.clock.Advance(2 * time.Hour)
	h.login(t, "s2", "u1", "d2", coords(48.85, 2.35))
	return h
}

func TestResolveConcurrentSession_KeepNew(t *testing.T) {
	h := pendingPair(t)
	res, err := h.resolve(ResolveInput{UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", Decision: domain.DecisionKeepNew})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.KeptSessionID == nil || *res.KeptSessionID != "s2" {
		t.Errorf("kept = %v, want s2", res.KeptSessionID)
	}
	if got := h.status(t, "s1"); got != domain.StatusRevoked {
		t.Errorf("existing = %s, want REVOKED", got)
	}
	if got := h.status(t, "s2"); got != domain.StatusActive || !h.uow.Session("s2").IsActive {
		t.Errorf("new = %s, want ACTIVE", got)
	}
	active := 0
	for _, s := range h.uow.Sessions() {
		if s.IsActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active sessions = %d, want 1", active)
	}
	if reason, ok := h.revs.reason("rt-s1"); !ok || reason != ReasonKeepNew {
		t.Errorf("existing token blacklisted = %v (%q)", ok, reason)
	}
	e := h.lastEvent(t)
	if e.Code != auditdomain.EventConcurrentSessionResolved || e.Metadata["decision"] != "KEEP_NEW" || e.Metadata["revokedSessionId"] != "s1" {
		t.Errorf("event = %s %v", e.Code, e.Metadata)
	}
	h.assertSingleActive(t)
}

func TestResolveConcurrentSession_KeepExisting(t *testing.T) {
	h := pendingPair(t)
	before := h.uow.Session("s1")
	res, err := h.resolve(ResolveInput{UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", Decision: domain.DecisionKeepExisting})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.KeptSessionID != nil {
		t.Errorf("kept = %v, want nil", *res.KeptSessionID)
	}
	if got := h.status(t, "s2"); got != domain.StatusRevoked {
		t.Errorf("new = %s, want REVOKED", got)
	}
	after := h.uow.Session("s1")
	if after.StatusID != before.StatusID || after.IsActive != before.IsActive || !after.LastActivityAt.Equal(before.LastActivityAt) {
		t.Errorf("existing session changed: %+v -> %+v", before, after)
	}
	if e := h.lastEvent(t); e.Metadata["decision"] != "KEEP_EXISTING" {
		t.Errorf("decision = %v", e.Metadata["decision"])
	}
}

func TestResolveConcurrentSession_KeepNewRevokesEveryOtherDevice(t *testing.T) {
	h := blockedSession(t)
	_, err := h.reauth(ReauthInput{
		UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", VerifiedUserID: "u1",
		NewRefreshToken: "rt-s2-v2", NewJti: "jti-s2-v2", NewExpiresAt: h.clock.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("reauth: %v", err)
	}
	if h.status(t, "s1") != domain.StatusActive || h.status(t, "s2") != domain.StatusActive {
		t.Fatalf("want s1 and s2 both ACTIVE before the third login")
	}
	h.clock.Advance(2 * time.Hour)
	if res := h.login(t, "s3", "u1", "d3", coords(48.85, 2.35)); res.Status != domain.StatusPendingConcurrentResolution {
		t.Fatalf("third login status = %s, want pending", res.Status)
	}

	res, err := h.resolve(ResolveInput{UserID: "u1", DeviceID: "d3", RefreshToken: "rt-s3", Decision: domain.DecisionKeepNew})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var active []string
	for _, s := range h.uow.Sessions() {
		if s.IsActive {
			active = append(active, s.ID)
		}
	}
	if len(active) != 1 || active[0] != "s3" {
		t.Errorf("active after KEEP_NEW = %v, want [s3]", active)
	}
	revoked := append([]string(nil), res.RevokedIDs...)
	sort.Strings(revoked)
	if len(revoked) != 2 || revoked[0] != "s1" || revoked[1] != "s2" {
		t.Errorf("RevokedIDs = %v, want s1 and s2", res.RevokedIDs)
	}
	for _, token := range []string{"rt-s1", "rt-s2-v2"} {
		if reason, ok := h.revs.reason(token); !ok || reason != ReasonKeepNew {
			t.Errorf("%s blacklisted = %v (%q)", token, ok, reason)
		}
	}
	e := h.lastEvent(t)
	if ids, _ := e.Metadata["revokedSessionIds"].([]string); len(ids) != 2 {
		t.Errorf("event revokedSessionIds = %v", e.Metadata["revokedSessionIds"])
	}
	h.assertSingleActive(t)
}

// lockRecorder notes the order in which a unit of work takes its locks.
type lockRecorder struct {
	repository.Tx
	calls []string
}

func (r *lockRecorder) LockUser(ctx context.Context, userID string) error {
	r.calls = append(r.calls, "user:"+userID)
	return r.Tx.LockUser(ctx, userID)
}

func (r *lockRecorder) GetSessionByRefreshHashForUpdate(ctx context.Context, hash string) (*domain.Session, error) {
	r.calls = append(r.calls, "session")
	return r.Tx.GetSessionByRefreshHashForUpdate(ctx, hash)
}

func (r *lockRecorder) FindActiveSessionOnOtherDevice(ctx context.Context, userID, deviceID string, activeStatusID int32, now time.Time) (*domain.Session, error) {
	r.calls = append(r.calls, "other-devices")
	return r.Tx.FindActiveSessionOnOtherDevice(ctx, userID, deviceID, activeStatusID, now)
}

func (r *lockRecorder) ListActiveSessionsOnOtherDevicesForUpdate(ctx context.Context, userID, deviceID string, activeStatusID int32, now time.Time) ([]*domain.Session, error) {
	r.calls = append(r.calls, "other-devices")
	return r.Tx.ListActiveSessionsOnOtherDevicesForUpdate(ctx, userID, deviceID, activeStatusID, now)
}

func TestUserLockTakenBeforeDeciding(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(t *testing.T) *harness
		run   func(ctx context.Context, h *harness, tx repository.Tx) error
	}{
		{
			name:  "create",
			setup: pendingPair,
			run: func(ctx context.Context, h *harness, tx repository.Tx) error {
				h.clock.Advance(2 * time.Hour)
				meta := coords(48.85, 2.35)
				meta.DeviceID = "d3"
				_, err := h.mgr.CreateSession(ctx, tx, CreateInput{
					SessionID: "s3", UserID: "u1", Metadata: meta, RefreshToken: "rt-s3",
					RefreshTokenJti: "jti-s3", ExpiresAt: h.clock.Now().Add(24 * time.Hour),
				})
				return err
			},
		},
		{
			name:  "resolve",
			setup: pendingPair,
			run: func(ctx context.Context, h *harness, tx repository.Tx) error {
				_, err := h.mgr.ResolveConcurrentSession(ctx, tx, ResolveInput{
					UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", Decision: domain.DecisionKeepNew,
				})
				return err
			},
		},
		{
			name:  "reauth",
			setup: blockedSession,
			run: func(ctx context.Context, h *harness, tx repository.Tx) error {
				_, err := h.mgr.ReauthAnomalousSession(ctx, tx, ReauthInput{
					UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", VerifiedUserID: "u1",
					NewRefreshToken: "rt-s2-v2", NewJti: "jti-s2-v2", NewExpiresAt: h.clock.Now().Add(24 * time.Hour),
				})
				return err
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := tc.setup(t)
			var rec *lockRecorder
			err := h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
				rec = &lockRecorder{Tx: tx}
				return tc.run(ctx, h, rec)
			})
			if err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			if len(rec.calls) < 2 || rec.calls[0] != "user:u1" {
				t.Errorf("lock order = %v, want the user lock first", rec.calls)
			}
		})
	}
}

func TestResolveConcurrentSession_KeepNewWithoutExisting(t *testing.T) {
	h := pendingPair(t)
	if err := h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return h.mgr.DeactivateSession(ctx, tx, "s1", ReasonLogout)
	}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	res, err := h.resolve(ResolveInput{UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", Decision: domain.DecisionKeepNew})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.RevokedIDs) != 0 {
		t.Errorf("nothing should be revoked, got %v", res.RevokedIDs)
	}
	if got := h.status(t, "s2"); got != domain.StatusActive {
		t.Errorf("new = %s, want ACTIVE", got)
	}
}

func TestResolveConcurrentSession_SecondCallLosesRace(t *testing.T) {
	h := pendingPair(t)
	in := ResolveInput{UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", Decision: domain.DecisionKeepExisting}
	if _, err := h.resolve(in); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	in.Decision = domain.DecisionKeepNew
	_, err := h.resolve(in)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if got := h.status(t, "s1"); got != domain.StatusActive {
		t.Errorf("existing = %s, want still ACTIVE", got)
	}
}

func TestResolveConcurrentSession_ConcurrentCallsActivateOnce(t *testing.T) {
	h := pendingPair(t)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.resolve(ResolveInput{UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", Decision: domain.DecisionKeepNew})
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("successful resolutions = %d, want 1", ok)
	}
	h.assertSingleActive(t)
}

func TestResolveConcurrentSession_InvalidDecision(t *testing.T) {
	h := pendingPair(t)
	_, err := h.resolve(ResolveInput{UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", Decision: "KEEP_BOTH"})
	if !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("err = %v, want ErrInvalidDecision", err)
	}
}

func blockedSession(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	h.clock.Advance(5 * time.Minute)
	if res := h.login(t, "s2", "u1", "d2", coords(48.85, 2.35)); res.Status != domain.StatusBlockedPendingReauth {
		t.Fatalf("status = %s, want blocked", res.Status)
	}
	return h
}

func (h *harness) reauth(in ReauthInput) (*domain.Session, error) {
	var s *domain.Session
	err := h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		s, err = h.mgr.ReauthAnomalousSession(ctx, tx, in)
		return err
	})
	return s, err
}

func TestReauthAnomalousSession_Success(t *testing.T) {
	h := blockedSession(t)
	s, err := h.reauth(ReauthInput{
		UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", VerifiedUserID: "u1",
		NewRefreshToken: "rt-s2-v2", NewJti: "jti-v2", NewExpiresAt: h.clock.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("reauth: %v", err)
	}
	if got := h.status(t, "s2"); got != domain.StatusActive {
		t.Errorf("status = %s, want ACTIVE", got)
	}
	if s.RefreshTokenHash != security.HashRefreshToken("rt-s2-v2") {
		t.Error("refresh token should be rotated")
	}
	if e := h.lastEvent(t); e.Code != auditdomain.EventAnomalousLoginReauthSuccess {
		t.Errorf("event = %s", e.Code)
	}
	h.assertSingleActive(t)
}

func TestReauthAnomalousSession_FailureIsSingleUse(t *testing.T) {
	verifyErr := errors.New("bad code")
	h := blockedSession(t)
	in := ReauthInput{UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", VerifyErr: verifyErr}

	_, err := h.reauth(in)
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, verifyErr) {
		t.Fatalf("err = %v, want Unauthorized wrapping the verifier error", err)
	}
	if got := h.status(t, "s2"); got != domain.StatusRevoked {
		t.Errorf("status = %s, want REVOKED committed", got)
	}
	if e := h.lastEvent(t); e.Code != auditdomain.EventAnomalousLoginReauthFailed {
		t.Errorf("event = %s", e.Code)
	}

	in.VerifyErr, in.VerifiedUserID = nil, "u1"
	if _, err := h.reauth(in); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("second attempt err = %v, want ErrUnauthorized", err)
	}
}

func TestReauthAnomalousSession_IdentityMismatch(t *testing.T) {
	h := blockedSession(t)
	_, err := h.reauth(ReauthInput{UserID: "u1", DeviceID: "d2", RefreshToken: "rt-s2", VerifiedUserID: "someone-else"})
	if Reason(err) != "identity mismatch" {
		t.Fatalf("err = %v (%q), want identity mismatch", err, Reason(err))
	}
	if got := h.status(t, "s2"); got != domain.StatusRevoked {
		t.Errorf("status = %s, want REVOKED", got)
	}
}

func TestReauthAnomalousSession_WrongStateLeavesSessionAlone(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	_, err := h.reauth(ReauthInput{UserID: "u1", DeviceID: "d1", RefreshToken: "rt-s1", VerifiedUserID: "u1"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if got := h.status(t, "s1"); got != domain.StatusActive {
		t.Errorf("status = %s, want untouched ACTIVE", got)
	}
}

func TestSetActiveRole(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	role := "admin"
	err := h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return h.mgr.SetActiveRole(ctx, tx, "s1", &role)
	})
	if err != nil {
		t.Fatalf("SetActiveRole: %v", err)
	}
	if got := h.uow.Session("s1").ActiveRoleID; got == nil || *got != "admin" {
		t.Errorf("active role = %v", got)
	}
	if !h.snaps.has("s1") {
		t.Error("role switch should invalidate the snapshot")
	}
}

func TestDeactivateSession(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	deactivate := func() error {
		return h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			return h.mgr.DeactivateSession(ctx, tx, "s1", ReasonLogout)
		})
	}
	if err := deactivate(); err != nil {
		t.Fatalf("DeactivateSession: %v", err)
	}
	if got := h.status(t, "s1"); got != domain.StatusRevoked {
		t.Errorf("status = %s, want REVOKED", got)
	}
	if reason, _ := h.revs.reason("rt-s1"); reason != ReasonLogout {
		t.Errorf("blacklist reason = %q", reason)
	}
	n := len(h.uow.Events())
	if err := deactivate(); err != nil {
		t.Errorf("second DeactivateSession: %v", err)
	}
	if len(h.uow.Events()) != n {
		t.Error("revoking a revoked session should not log again")
	}
}

func TestIsSessionLive(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	live := func(userID, sessionID string) bool {
		t.Helper()
		var ok bool
		err := h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			var err error
			ok, err = h.mgr.IsSessionLive(ctx, tx, userID, sessionID)
			return err
		})
		if err != nil {
			t.Fatalf("IsSessionLive: %v", err)
		}
		return ok
	}

	if !live("u1", "s1") {
		t.Error("fresh ACTIVE session should be live")
	}
	if live("u2", "s1") {
		t.Error("session should not be live for another user")
	}
	if live("u1", "missing") {
		t.Error("missing session should not be live")
	}
	h.clock.Advance(25 * time.Hour)
	if live("u1", "s1") {
		t.Error("expired session should not be live")
	}
}

func TestDeactivateAllUserSessions(t *testing.T) {
	h := pendingPair(t)
	var count int
	err := h.uow.Do(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		count, err = h.mgr.DeactivateAllUserSessions(ctx, tx, "u1", ReasonLogoutAll)
		return err
	})
	if err != nil {
		t.Fatalf("DeactivateAllUserSessions: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	for _, s := range h.uow.Sessions() {
		if s.IsActive || s.StatusID != 4 {
			t.Errorf("session %s still open", s.ID)
		}
	}
	if !h.snaps.has("s1") || !h.snaps.has("s2") {
		t.Error("all snapshots should be invalidated")
	}
	if e := h.lastEvent(t); e.Code != auditdomain.EventAllSessionsRevoked {
		t.Errorf("event = %s", e.Code)
	}
}

func TestMetrics_SessionsCreated(t *testing.T) {
	h := newHarness(t)
	h.login(t, "s1", "u1", "d1", coords(48.85, 2.35))
	h.clock.Advance(5 * time.Minute)
	h.login(t, "s2", "u1", "d2", coords(48.85, 2.35))

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				for _, kv := range dp.Attributes.ToSlice() {
					got[m.Name+"/"+kv.Value.AsString()] += dp.Value
				}
			}
		}
	}
	if got["sessions.created/ACTIVE"] != 1 || got["sessions.created/BLOCKED_PENDING_REAUTH"] != 1 {
		t.Errorf("sessions.created = %v", got)
	}
	if got["sessions.anomalies/NEW_DEVICE_QUICK_CHANGE"] != 1 {
		t.Errorf("sessions.anomalies = %v", got)
	}
}
