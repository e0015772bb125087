package domain

import "time"

// VerifiedIdentity is what the identity provider vouches for after an authorization-code exchange.
type VerifiedIdentity struct {
	Email   string
	Name    string
	Picture string
}

// User is the core user entity, keyed by its verified email.
type User struct {
	ID        string
	Email     string
	Name      string
	Picture   string
	CreatedAt time.Time
}

// Role is a named role a user may hold; a session carries at most one active role.
type Role struct {
	ID   string
	Name string
}
