package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weave-vtt/backend/internal/models"
)

// Repository handles user persistence (app_users).
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID returns a user by ID, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const q = `SELECT id, email, name, created_at FROM app_users WHERE id = $1`
	var u models.User
	err := r.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// Upsert creates the user by email or updates its name. An empty name defaults to the
// local part of the email on insert and keeps the stored name on update.
func (r *Repository) Upsert(ctx context.Context, email, name string) (*models.User, error) {
	const q = `INSERT INTO app_users (email, name)
		VALUES ($1, COALESCE(NULLIF($2, ''), split_part($1, '@', 1)))
		ON CONFLICT (email) DO UPDATE SET name = COALESCE(NULLIF($2, ''), app_users.name)
		RETURNING id, email, name, created_at`
	var u models.User
	if err := r.pool.QueryRow(ctx, q, email, name).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
