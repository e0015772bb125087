// Package repository defines the transactional unit of work the session lifecycle runs in,
// with a Postgres implementation and an in-memory one.
package repository

import (
	"context"
	"errors"
	"time"

	auditdomain "session-security-engine/backend/internal/audit/domain"
	"session-security-engine/backend/internal/catalog"
	devicerepo "session-security-engine/backend/internal/device/repository"
	"session-security-engine/backend/internal/session/domain"
)

// Tx is one open unit of work. Getters return (nil, nil) when no row matches.
// ForUpdate variants take an exclusive row lock held until the unit of work ends.
type Tx interface {
	catalog.Source
	devicerepo.Registry

	// LockUser takes an exclusive lock on the user's row. Every read-then-decide over a user's
	// sessions calls it first, so concurrent decisions for one user run one after another and
	// each sees the sessions committed by the one before.
	LockUser(ctx context.Context, userID string) error

	CreateSession(ctx context.Context, s *domain.Session) error
	GetSessionByID(ctx context.Context, id string) (*domain.Session, error)
	GetSessionByIDForUpdate(ctx context.Context, id string) (*domain.Session, error)
	GetSessionByRefreshHashForUpdate(ctx context.Context, hash string) (*domain.Session, error)
	// GetLatestSessionByUser returns the user's most recently created session in any state.
	GetLatestSessionByUser(ctx context.Context, userID string) (*domain.Session, error)
	// FindActiveSessionOnOtherDevice returns the most recently used unexpired session in
	// activeStatusID on a device other than deviceID.
	FindActiveSessionOnOtherDevice(ctx context.Context, userID, deviceID string, activeStatusID int32, now time.Time) (*domain.Session, error)
	// ListActiveSessionsOnOtherDevicesForUpdate returns every unexpired session in activeStatusID on a
	// device other than deviceID, most recently used first.
	ListActiveSessionsOnOtherDevicesForUpdate(ctx context.Context, userID, deviceID string, activeStatusID int32, now time.Time) ([]*domain.Session, error)
	// ListSessionsByStatusForUpdate returns the user's sessions in statusID, oldest first.
	ListSessionsByStatusForUpdate(ctx context.Context, userID string, statusID int32) ([]*domain.Session, error)
	// ListActiveSessionsOnDeviceForUpdate returns the user's sessions on deviceID with is_active set.
	ListActiveSessionsOnDeviceForUpdate(ctx context.Context, userID, deviceID string) ([]*domain.Session, error)
	// ListOpenSessionsByUserForUpdate returns every session of the user not in revokedStatusID.
	ListOpenSessionsByUserForUpdate(ctx context.Context, userID string, revokedStatusID int32) ([]*domain.Session, error)

	UpdateSessionState(ctx context.Context, id string, statusID int32, isActive bool) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	RotateSessionToken(ctx context.Context, id, hash, jti string, expiresAt, at time.Time) error
	SetSessionActiveRole(ctx context.Context, id string, roleID *string, at time.Time) error

	InsertSecurityEvent(ctx context.Context, e *auditdomain.SecurityEvent) error
	// AfterCommit registers fn to run, in registration order, once the unit of work commits.
	// Hooks are dropped on rollback.
	AfterCommit(fn func(ctx context.Context))
}

// UnitOfWork runs fn inside one transaction. fn returning nil commits; an error created with
// Persist commits and is still returned; any other error rolls back.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// ErrSessionNotFound is returned by mutations addressed to a missing session id.
var ErrSessionNotFound = errors.New("session: not found")

type persistError struct {
	err error
}

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// Persist marks err as a result whose side effects must still commit, such as marking an
// expired session revoked before rejecting the caller.
func Persist(err error) error {
	if err == nil {
		return nil
	}
	return &persistError{err: err}
}

// commitDecision reports whether a unit of work ending with err should commit, and the error to return.
func commitDecision(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var pe *persistError
	if errors.As(err, &pe) {
		if err == error(pe) {
			return true, pe.err
		}
		return true, err
	}
	return false, err
}

// hooks collects after-commit callbacks.
type hooks []func(ctx context.Context)

func (h *hooks) add(fn func(ctx context.Context)) {
	if fn != nil {
		*h = append(*h, fn)
	}
}

func (h hooks) run(ctx context.Context) {
	for _, fn := range h {
		fn(ctx)
	}
}
