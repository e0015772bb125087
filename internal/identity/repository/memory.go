package repository

import (
	"context"
	"sort"
	"sync"

	"session-security-engine/backend/internal/identity/domain"
)

// MemoryRepository is an in-process Repository for tests and local tooling.
type MemoryRepository struct {
	mu        sync.Mutex
	byID      map[string]*domain.User
	byEmail   map[string]string
	roles     map[string]domain.Role
	userRoles map[string]map[string]bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:      map[string]*domain.User{},
		byEmail:   map[string]string{},
		roles:     map[string]domain.Role{},
		userRoles: map[string]map[string]bool{},
	}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyUser(r.byID[id]), nil
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyUser(r.byID[r.byEmail[email]]), nil
}

func (r *MemoryRepository) UpsertByEmail(ctx context.Context, u *domain.User) (*domain.User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byEmail[u.Email]; ok {
		cur := r.byID[id]
		changed := cur.Name != u.Name || cur.Picture != u.Picture
		cur.Name, cur.Picture = u.Name, u.Picture
		return copyUser(cur), changed, nil
	}
	stored := copyUser(u)
	r.byID[stored.ID] = stored
	r.byEmail[stored.Email] = stored.ID
	return copyUser(stored), true, nil
}

func (r *MemoryRepository) HasRole(ctx context.Context, userID, roleID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userRoles[userID][roleID], nil
}

func (r *MemoryRepository) DefaultRoleID(ctx context.Context, userID string) (*string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := make([]domain.Role, 0, len(r.userRoles[userID]))
	for id := range r.userRoles[userID] {
		held = append(held, r.roles[id])
	}
	if len(held) == 0 {
		return nil, nil
	}
	sort.Slice(held, func(i, j int) bool { return held[i].Name < held[j].Name })
	id := held[0].ID
	return &id, nil
}

func (r *MemoryRepository) UpsertRole(ctx context.Context, role *domain.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role.ID] = *role
	return nil
}

func (r *MemoryRepository) AssignRole(ctx context.Context, userID, roleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userRoles[userID] == nil {
		r.userRoles[userID] = map[string]bool{}
	}
	r.userRoles[userID][roleID] = true
	return nil
}

func copyUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
