package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/db"
)

const routerColumns = `id, friendly_name, address, port, api_username, api_password, status, last_checked_at, created_at, updated_at`

// GetRouter loads one router by id
func (r *Repository) GetRouter(ctx context.Context, id uuid.UUID) (*db.Router, error) {
	query := `SELECT ` + routerColumns + ` FROM routers WHERE id = $1`

	var router db.Router
	err := r.db.QueryRow(ctx, query, id).Scan(
		&router.ID,
		&router.FriendlyName,
		&router.Address,
		&router.Port,
		&router.APIUsername,
		&router.APIPassword,
		&router.Status,
		&router.LastCheckedAt,
		&router.CreatedAt,
		&router.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "router")
	}
	return &router, nil
}

// UpdateRouterStatus records the outcome of the latest device contact
func (r *Repository) UpdateRouterStatus(ctx context.Context, id uuid.UUID, status db.RouterStatus, checkedAt time.Time) error {
	query := `
		UPDATE routers
		SET status = $2, last_checked_at = $3, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, status, checkedAt)
	return expectOne(tag, err, "router status")
}
