package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	auditdomain "session-security-engine/backend/internal/audit/domain"
	"session-security-engine/backend/internal/catalog"
	devicerepo "session-security-engine/backend/internal/device/repository"
	"session-security-engine/backend/internal/session/domain"
)

// MemoryUnitOfWork is an in-process UnitOfWork. Transactions are fully serialized, which
// subsumes row locking, and run against a copy of the state that replaces the committed state
// only on commit. It enforces the same uniqueness rules as the Postgres schema.
type MemoryUnitOfWork struct {
	mu       sync.Mutex
	state    *memState
	catalogs map[catalog.Kind]map[string]int32
}

type memState struct {
	sessions map[string]*domain.Session
	seq      map[string]int
	next     int
	events   []*auditdomain.SecurityEvent
	devices  *devicerepo.MemoryRegistry
}

// NewMemoryUnitOfWork returns an empty store whose catalogs hold the standard status and event codes.
func NewMemoryUnitOfWork() *MemoryUnitOfWork {
	return &MemoryUnitOfWork{
		state: &memState{
			sessions: make(map[string]*domain.Session),
			seq:      make(map[string]int),
			devices:  devicerepo.NewMemoryRegistry(),
		},
		catalogs: map[catalog.Kind]map[string]int32{
			catalog.KindSessionStatus:     numbered(domain.StatusCodes()),
			catalog.KindSecurityEventType: numbered(auditdomain.EventCodes()),
		},
	}
}

func numbered(codes []string) map[string]int32 {
	out := make(map[string]int32, len(codes))
	for i, c := range codes {
		out[c] = int32(i + 1)
	}
	return out
}

// RemoveCatalogCode deletes a catalog row, simulating catalog drift.
func (m *MemoryUnitOfWork) RemoveCatalogCode(kind catalog.Kind, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.catalogs[kind], code)
}

// LookupCatalogID serves catalog reads outside a transaction.
func (m *MemoryUnitOfWork) LookupCatalogID(_ context.Context, kind catalog.Kind, code string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(kind, code)
}

func (m *MemoryUnitOfWork) lookup(kind catalog.Kind, code string) (int32, error) {
	id, ok := m.catalogs[kind][code]
	if !ok {
		return 0, catalog.ErrCodeNotFound
	}
	return id, nil
}

// Do implements UnitOfWork.
func (m *MemoryUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var tx *memTx
	commit, err := func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		tx = &memTx{store: m, state: m.state.clone()}
		commit, err := commitDecision(fn(ctx, tx))
		if commit {
			m.state = tx.state
		}
		return commit, err
	}()
	if commit {
		tx.hooks.run(context.WithoutCancel(ctx))
	}
	return err
}

// Sessions returns a copy of every committed session in creation order.
func (m *MemoryUnitOfWork) Sessions() []*domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Session, 0, len(m.state.sessions))
	for _, s := range m.state.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return m.state.seq[out[i].ID] < m.state.seq[out[j].ID] })
	return out
}

// Session returns a copy of the committed session id, or nil.
func (m *MemoryUnitOfWork) Session(id string) *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.sessions[id].Clone()
}

// Events returns the committed security events in insertion order.
func (m *MemoryUnitOfWork) Events() []*auditdomain.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*auditdomain.SecurityEvent(nil), m.state.events...)
}

func (s *memState) clone() *memState {
	c := &memState{
		sessions: make(map[string]*domain.Session, len(s.sessions)),
		seq:      make(map[string]int, len(s.seq)),
		next:     s.next,
		events:   append([]*auditdomain.SecurityEvent(nil), s.events...),
		devices:  s.devices.Clone(),
	}
	for id, sess := range s.sessions {
		c.sessions[id] = sess.Clone()
	}
	for id, n := range s.seq {
		c.seq[id] = n
	}
	return c
}

type memTx struct {
	store *MemoryUnitOfWork
	state *memState
	hooks hooks
}

func (t *memTx) LookupCatalogID(_ context.Context, kind catalog.Kind, code string) (int32, error) {
	return t.store.lookup(kind, code)
}

func (t *memTx) IsKnownDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	return t.state.devices.IsKnownDevice(ctx, userID, deviceID)
}

func (t *memTx) RememberDevice(ctx context.Context, userID, deviceID string, at time.Time) error {
	return t.state.devices.RememberDevice(ctx, userID, deviceID, at)
}

func (t *memTx) CreateSession(_ context.Context, s *domain.Session) error {
	if _, ok := t.state.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: duplicate id", s.ID)
	}
	if s.IsActive {
		if err := t.checkActiveUnique(s, ""); err != nil {
			return err
		}
	}
	t.state.sessions[s.ID] = s.Clone()
	t.state.seq[s.ID] = t.state.next
	t.state.next++
	return nil
}

// checkActiveUnique mirrors the partial unique indexes on active sessions.
func (t *memTx) checkActiveUnique(s *domain.Session, selfID string) error {
	for id, o := range t.state.sessions {
		if id == selfID || !o.IsActive {
			continue
		}
		if o.UserID == s.UserID && o.DeviceID == s.DeviceID {
			return fmt.Errorf("session %s: another active session on device %s", s.ID, s.DeviceID)
		}
		if o.RefreshTokenHash == s.RefreshTokenHash {
			return fmt.Errorf("session %s: duplicate active refresh token hash", s.ID)
		}
	}
	return nil
}

func (t *memTx) GetSessionByID(_ context.Context, id string) (*domain.Session, error) {
	return t.state.sessions[id].Clone(), nil
}

func (t *memTx) GetSessionByIDForUpdate(ctx context.Context, id string) (*domain.Session, error) {
	return t.GetSessionByID(ctx, id)
}

// LockUser is a no-op: units of work over the memory store already run one at a time.
func (t *memTx) LockUser(context.Context, string) error { return nil }

func (t *memTx) GetSessionByRefreshHashForUpdate(_ context.Context, hash string) (*domain.Session, error) {
	return t.newest(func(s *domain.Session) bool { return s.RefreshTokenHash == hash }), nil
}

func (t *memTx) GetLatestSessionByUser(_ context.Context, userID string) (*domain.Session, error) {
	return t.newest(func(s *domain.Session) bool { return s.UserID == userID }), nil
}

func (t *memTx) FindActiveSessionOnOtherDevice(ctx context.Context, userID, deviceID string, activeStatusID int32, now time.Time) (*domain.Session, error) {
	others, err := t.ListActiveSessionsOnOtherDevicesForUpdate(ctx, userID, deviceID, activeStatusID, now)
	if err != nil || len(others) == 0 {
		return nil, err
	}
	return others[0], nil
}

func (t *memTx) ListActiveSessionsOnOtherDevicesForUpdate(_ context.Context, userID, deviceID string, activeStatusID int32, now time.Time) ([]*domain.Session, error) {
	out := t.list(func(s *domain.Session) bool {
		return s.UserID == userID && s.DeviceID != deviceID && s.StatusID == activeStatusID && s.IsActive && !s.Expired(now)
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) ListSessionsByStatusForUpdate(_ context.Context, userID string, statusID int32) ([]*domain.Session, error) {
	return t.list(func(s *domain.Session) bool { return s.UserID == userID && s.StatusID == statusID }), nil
}

func (t *memTx) ListActiveSessionsOnDeviceForUpdate(_ context.Context, userID, deviceID string) ([]*domain.Session, error) {
	return t.list(func(s *domain.Session) bool { return s.UserID == userID && s.DeviceID == deviceID && s.IsActive }), nil
}

func (t *memTx) ListOpenSessionsByUserForUpdate(_ context.Context, userID string, revokedStatusID int32) ([]*domain.Session, error) {
	return t.list(func(s *domain.Session) bool { return s.UserID == userID && s.StatusID != revokedStatusID }), nil
}

func (t *memTx) UpdateSessionState(_ context.Context, id string, statusID int32, isActive bool) error {
	s, ok := t.state.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if isActive && !s.IsActive {
		if err := t.checkActiveUnique(s, id); err != nil {
			return err
		}
	}
	s.StatusID = statusID
	s.IsActive = isActive
	return nil
}

func (t *memTx) TouchSession(_ context.Context, id string, at time.Time) error {
	s, ok := t.state.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastActivityAt = at
	return nil
}

func (t *memTx) RotateSessionToken(_ context.Context, id, hash, jti string, expiresAt, at time.Time) error {
	s, ok := t.state.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.IsActive {
		candidate := *s
		candidate.RefreshTokenHash = hash
		if err := t.checkActiveUnique(&candidate, id); err != nil {
			return err
		}
	}
	s.RefreshTokenHash = hash
	s.RefreshTokenJti = jti
	s.ExpiresAt = expiresAt
	s.LastActivityAt = at
	return nil
}

func (t *memTx) SetSessionActiveRole(_ context.Context, id string, roleID *string, at time.Time) error {
	s, ok := t.state.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if roleID != nil {
		v := *roleID
		roleID = &v
	}
	s.ActiveRoleID = roleID
	s.LastActivityAt = at
	return nil
}

func (t *memTx) InsertSecurityEvent(_ context.Context, e *auditdomain.SecurityEvent) error {
	t.state.events = append(t.state.events, e)
	return nil
}

func (t *memTx) AfterCommit(fn func(ctx context.Context)) {
	t.hooks.add(fn)
}

func (t *memTx) newest(match func(*domain.Session) bool) *domain.Session {
	var best *domain.Session
	for _, s := range t.state.sessions {
		if !match(s) {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) ||
			(s.CreatedAt.Equal(best.CreatedAt) && t.state.seq[s.ID] > t.state.seq[best.ID]) {
			best = s
		}
	}
	return best.Clone()
}

// list returns matching sessions oldest first.
func (t *memTx) list(match func(*domain.Session) bool) []*domain.Session {
	var out []*domain.Session
	for _, s := range t.state.sessions {
		if match(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return t.state.seq[out[i].ID] < t.state.seq[out[j].ID]
	})
	return out
}
