package repository

import (
	"context"

	"session-security-engine/backend/internal/identity/domain"
)

// Repository persists users and their role assignments.
// Lookups return (nil, nil) when no row matches.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// UpsertByEmail creates the user or refreshes its profile. changed reports whether a row was
	// inserted or its name or picture differed.
	UpsertByEmail(ctx context.Context, u *domain.User) (user *domain.User, changed bool, err error)
	HasRole(ctx context.Context, userID, roleID string) (bool, error)
	// DefaultRoleID returns the role a new session starts with, or nil when the user holds none.
	DefaultRoleID(ctx context.Context, userID string) (*string, error)
	UpsertRole(ctx context.Context, r *domain.Role) error
	AssignRole(ctx context.Context, userID, roleID string) error
}
