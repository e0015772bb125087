package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the query surface shared by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRegistry implements Registry over the known_devices table.
type PostgresRegistry struct {
	db DBTX
}

// NewPostgresRegistry returns a registry that runs its statements on db, usually an open transaction.
func NewPostgresRegistry(db DBTX) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) IsKnownDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	var known bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM known_devices WHERE user_id = $1 AND device_id = $2)`,
		userID, deviceID,
	).Scan(&known)
	return known, err
}

func (r *PostgresRegistry) RememberDevice(ctx context.Context, userID, deviceID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO known_devices (user_id, device_id, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id, device_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`,
		userID, deviceID, at,
	)
	return err
}
