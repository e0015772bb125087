package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	auditdomain "session-security-engine/backend/internal/audit/domain"
	"session-security-engine/backend/internal/catalog"
	devicerepo "session-security-engine/backend/internal/device/repository"
	"session-security-engine/backend/internal/session/domain"
)

const sessionColumns = `id, user_id, device_id, ip_address, latitude, longitude, refresh_token_hash,
	refresh_token_jti, status_id, active_role_id, expires_at, last_activity_at, is_active, created_at`

var catalogTables = map[catalog.Kind]string{
	catalog.KindSessionStatus:     "session_statuses",
	catalog.KindSecurityEventType: "security_event_types",
}

// PostgresUnitOfWork runs units of work as read-committed pgx transactions.
type PostgresUnitOfWork struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgresUnitOfWork returns a UnitOfWork over pool.
func NewPostgresUnitOfWork(pool *pgxpool.Pool, log zerolog.Logger) *PostgresUnitOfWork {
	return &PostgresUnitOfWork{pool: pool, log: log}
}

// LookupCatalogID serves catalog reads outside a transaction.
func (u *PostgresUnitOfWork) LookupCatalogID(ctx context.Context, kind catalog.Kind, code string) (int32, error) {
	return lookupCatalogID(ctx, u.pool, kind, code)
}

// Do implements UnitOfWork.
func (u *PostgresUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgtx, err := u.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if rbErr := pgtx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			u.log.Warn().Err(rbErr).Msg("rollback failed")
		}
	}()

	tx := &pgTx{tx: pgtx, PostgresRegistry: devicerepo.NewPostgresRegistry(pgtx)}
	commit, result := commitDecision(fn(ctx, tx))
	if !commit {
		return result
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	tx.hooks.run(context.WithoutCancel(ctx))
	return result
}

func lookupCatalogID(ctx context.Context, db devicerepo.DBTX, kind catalog.Kind, code string) (int32, error) {
	table, ok := catalogTables[kind]
	if !ok {
		return 0, fmt.Errorf("unknown catalog kind %q", kind)
	}
	var id int32
	err := db.QueryRow(ctx, "SELECT id FROM "+table+" WHERE code = $1", code).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, catalog.ErrCodeNotFound
	}
	return id, err
}

type pgTx struct {
	tx pgx.Tx
	*devicerepo.PostgresRegistry
	hooks hooks
}

func (t *pgTx) LookupCatalogID(ctx context.Context, kind catalog.Kind, code string) (int32, error) {
	return lookupCatalogID(ctx, t.tx, kind, code)
}

func (t *pgTx) CreateSession(ctx context.Context, s *domain.Session) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.UserID, s.DeviceID, s.IPAddress, s.Latitude, s.Longitude, s.RefreshTokenHash,
		s.RefreshTokenJti, s.StatusID, s.ActiveRoleID, s.ExpiresAt, s.LastActivityAt, s.IsActive, s.CreatedAt,
	)
	return err
}

func (t *pgTx) GetSessionByID(ctx context.Context, id string) (*domain.Session, error) {
	return t.one(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
}

func (t *pgTx) GetSessionByIDForUpdate(ctx context.Context, id string) (*domain.Session, error) {
	return t.one(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) LockUser(ctx context.Context, userID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID); err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	return nil
}

func (t *pgTx) GetSessionByRefreshHashForUpdate(ctx context.Context, hash string) (*domain.Session, error) {
	return t.one(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = $1
		ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, hash)
}

func (t *pgTx) GetLatestSessionByUser(ctx context.Context, userID string) (*domain.Session, error) {
	return t.one(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1
		ORDER BY created_at DESC LIMIT 1`, userID)
}

const otherDeviceQuery = `SELECT ` + sessionColumns + ` FROM sessions
	WHERE user_id = $1 AND device_id <> $2 AND status_id = $3 AND is_active AND expires_at > $4
	ORDER BY last_activity_at DESC, id`

func (t *pgTx) FindActiveSessionOnOtherDevice(ctx context.Context, userID, deviceID string, activeStatusID int32, now time.Time) (*domain.Session, error) {
	return t.one(ctx, otherDeviceQuery+` LIMIT 1`, userID, deviceID, activeStatusID, now)
}

func (t *pgTx) ListActiveSessionsOnOtherDevicesForUpdate(ctx context.Context, userID, deviceID string, activeStatusID int32, now time.Time) ([]*domain.Session, error) {
	return t.many(ctx, otherDeviceQuery+` FOR UPDATE`, userID, deviceID, activeStatusID, now)
}

func (t *pgTx) ListSessionsByStatusForUpdate(ctx context.Context, userID string, statusID int32) ([]*domain.Session, error) {
	return t.many(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND status_id = $2 ORDER BY created_at, id FOR UPDATE`, userID, statusID)
}

func (t *pgTx) ListActiveSessionsOnDeviceForUpdate(ctx context.Context, userID, deviceID string) ([]*domain.Session, error) {
	return t.many(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND device_id = $2 AND is_active ORDER BY created_at, id FOR UPDATE`, userID, deviceID)
}

func (t *pgTx) ListOpenSessionsByUserForUpdate(ctx context.Context, userID string, revokedStatusID int32) ([]*domain.Session, error) {
	return t.many(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND status_id <> $2 ORDER BY created_at, id FOR UPDATE`, userID, revokedStatusID)
}

func (t *pgTx) UpdateSessionState(ctx context.Context, id string, statusID int32, isActive bool) error {
	return t.exec(ctx, `UPDATE sessions SET status_id = $2, is_active = $3 WHERE id = $1`, id, statusID, isActive)
}

func (t *pgTx) TouchSession(ctx context.Context, id string, at time.Time) error {
	return t.exec(ctx, `UPDATE sessions SET last_activity_at = $2 WHERE id = $1`, id, at)
}

func (t *pgTx) RotateSessionToken(ctx context.Context, id, hash, jti string, expiresAt, at time.Time) error {
	return t.exec(ctx, `UPDATE sessions
		SET refresh_token_hash = $2, refresh_token_jti = $3, expires_at = $4, last_activity_at = $5
		WHERE id = $1`, id, hash, jti, expiresAt, at)
}

func (t *pgTx) SetSessionActiveRole(ctx context.Context, id string, roleID *string, at time.Time) error {
	return t.exec(ctx, `UPDATE sessions SET active_role_id = $2, last_activity_at = $3 WHERE id = $1`, id, roleID, at)
}

func (t *pgTx) InsertSecurityEvent(ctx context.Context, e *auditdomain.SecurityEvent) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO security_events (id, user_id, event_type_id, occurred_at, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.UserID, e.EventTypeID, e.OccurredAt, e.IPAddress, e.UserAgent, raw,
	)
	return err
}

func (t *pgTx) AfterCommit(fn func(ctx context.Context)) {
	t.hooks.add(fn)
}

func (t *pgTx) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (t *pgTx) one(ctx context.Context, sql string, args ...any) (*domain.Session, error) {
	s, err := scanSession(t.tx.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (t *pgTx) many(ctx context.Context, sql string, args ...any) ([]*domain.Session, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	s := &domain.Session{}
	err := row.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.IPAddress, &s.Latitude, &s.Longitude, &s.RefreshTokenHash,
		&s.RefreshTokenJti, &s.StatusID, &s.ActiveRoleID, &s.ExpiresAt, &s.LastActivityAt, &s.IsActive, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}
