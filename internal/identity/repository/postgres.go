package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"session-security-engine/backend/internal/identity/domain"
)

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, email, name, picture, created_at`

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail returns the user with the given email, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg string) (*domain.User, error) {
	var u domain.User
	err := r.db.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &u.Picture, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// UpsertByEmail inserts u or updates the profile of the user holding u.Email. u.ID and u.CreatedAt
// are used only when inserting.
func (r *PostgresRepository) UpsertByEmail(ctx context.Context, u *domain.User) (*domain.User, bool, error) {
	var (
		out         domain.User
		prevName    *string
		prevPicture *string
	)
	err := r.db.QueryRow(ctx, `
		WITH prev AS (SELECT name, picture FROM users WHERE email = $2)
		INSERT INTO users (id, email, name, picture, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name, picture = EXCLUDED.picture
		RETURNING `+userColumns+`, (SELECT name FROM prev), (SELECT picture FROM prev)`,
		u.ID, u.Email, u.Name, u.Picture, u.CreatedAt,
	).Scan(&out.ID, &out.Email, &out.Name, &out.Picture, &out.CreatedAt, &prevName, &prevPicture)
	if err != nil {
		return nil, false, err
	}
	changed := prevName == nil || *prevName != out.Name || prevPicture == nil || *prevPicture != out.Picture
	return &out, changed, nil
}

func (r *PostgresRepository) HasRole(ctx context.Context, userID, roleID string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role_id = $2)`,
		userID, roleID,
	).Scan(&ok)
	return ok, err
}

// DefaultRoleID picks the user's role with the lowest name.
func (r *PostgresRepository) DefaultRoleID(ctx context.Context, userID string) (*string, error) {
	var id string
	err := r.db.QueryRow(ctx, `
		SELECT r.id FROM user_roles ur JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.name
		LIMIT 1`, userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &id, nil
}

func (r *PostgresRepository) UpsertRole(ctx context.Context, role *domain.Role) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO roles (id, name) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		role.ID, role.Name,
	)
	return err
}

func (r *PostgresRepository) AssignRole(ctx context.Context, userID, roleID string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, roleID,
	)
	return err
}
