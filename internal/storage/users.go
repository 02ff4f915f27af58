package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arete-ai/arete/internal/model"
)

// GetUser returns the principal with the given id.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.Principal, error) {
	var p model.Principal
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, username, tier, verified, active, created_at
		 FROM users WHERE id = $1`, id,
	).Scan(&p.ID, &p.Email, &p.Username, &p.Tier, &p.Verified, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Principal{}, ErrNotFound
		}
		return model.Principal{}, fmt.Errorf("storage: get user: %w", err)
	}
	return p, nil
}

// GetUserByUsername returns the principal with the given username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (model.Principal, error) {
	var p model.Principal
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, username, tier, verified, active, created_at
		 FROM users WHERE username = $1`, username,
	).Scan(&p.ID, &p.Email, &p.Username, &p.Tier, &p.Verified, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Principal{}, ErrNotFound
		}
		return model.Principal{}, fmt.Errorf("storage: get user by username: %w", err)
	}
	return p, nil
}

// CreateUser inserts a new principal.
func (db *DB) CreateUser(ctx context.Context, email, username string, tier model.Tier) (model.Principal, error) {
	var p model.Principal
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (email, username, tier)
		 VALUES ($1, $2, $3)
		 RETURNING id, email, username, tier, verified, active, created_at`,
		email, username, tier,
	).Scan(&p.ID, &p.Email, &p.Username, &p.Tier, &p.Verified, &p.Active, &p.CreatedAt)
	if err != nil {
		return model.Principal{}, fmt.Errorf("storage: create user: %w", err)
	}
	return p, nil
}

// SetUserTier updates a principal's resolved tier. Called by webhook
// handlers after a subscription change.
func (db *DB) SetUserTier(ctx context.Context, id uuid.UUID, tier model.Tier) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET tier = $2, updated_at = now() WHERE id = $1`, id, tier,
	)
	if err != nil {
		return fmt.Errorf("storage: set user tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a principal. Conversations and messages cascade;
// usage_records and webhook_events are deliberately retained (audit).
func (db *DB) DeleteUser(ctx context.Context, id uuid.UUID) error {
	var username string
	err := db.pool.QueryRow(ctx,
		`DELETE FROM users WHERE id = $1 RETURNING username`, id,
	).Scan(&username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: delete user: %w", err)
	}
	// Conversations reference the owner by username, not FK.
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM conversations WHERE owner_username = $1`, username,
	); err != nil {
		return fmt.Errorf("storage: delete user conversations: %w", err)
	}
	return nil
}
