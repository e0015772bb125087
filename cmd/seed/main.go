// seed inserts development roles and users for local testing. Idempotent: roles and users are
// upserted and role assignments skip existing rows.
package main

import (
	"context"
	"time"

	"session-security-engine/backend/internal/config"
	"session-security-engine/backend/internal/db"
	"session-security-engine/backend/internal/identity/domain"
	"session-security-engine/backend/internal/identity/repository"
	"session-security-engine/backend/internal/logging"
)

var roles = []domain.Role{
	{ID: "role-admin", Name: "admin"},
	{ID: "role-member", Name: "member"},
	{ID: "role-viewer", Name: "viewer"},
}

var users = []struct {
	user  domain.User
	roles []string
}{
	{domain.User{ID: "dev-user-001", Email: "dev@example.com", Name: "Dev User"}, []string{"role-admin", "role-member"}},
	{domain.User{ID: "dev-user-002", Email: "member@example.com", Name: "Member User"}, []string{"role-member"}},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", "")
		bootLog.Fatal().Err(err).Msg("config")
	}
	log := logging.New(cfg.LogLevel, cfg.Env)
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db")
	}
	defer pool.Close()

	repo := repository.NewPostgresRepository(pool)
	for i := range roles {
		if err := repo.UpsertRole(ctx, &roles[i]); err != nil {
			log.Fatal().Err(err).Str("role", roles[i].Name).Msg("upsert role")
		}
	}
	now := time.Now().UTC()
	for _, seed := range users {
		u := seed.user
		u.CreatedAt = now
		saved, _, err := repo.UpsertByEmail(ctx, &u)
		if err != nil {
			log.Fatal().Err(err).Str("email", u.Email).Msg("upsert user")
		}
		for _, roleID := range seed.roles {
			if err := repo.AssignRole(ctx, saved.ID, roleID); err != nil {
				log.Fatal().Err(err).Str("email", u.Email).Str("role", roleID).Msg("assign role")
			}
		}
		log.Info().Str("email", saved.Email).Str("user_id", saved.ID).Strs("roles", seed.roles).Msg("seeded user")
	}
	log.Info().Int("roles", len(roles)).Int("users", len(users)).Msg("seed complete")
}
