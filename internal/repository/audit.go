package repository

import (
	"context"
	"fmt"

	"github.com/septivank/router-secrets-worker/internal/db"
)

// InsertExpiryAdjustment appends an expiry history record
func (r *Repository) InsertExpiryAdjustment(ctx context.Context, adj *db.ExpiryAdjustment) error {
	query := `
		INSERT INTO expiry_adjustments (pppoe_user_id, previous_expiry, new_expiry, type)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		adj.AccountID,
		adj.PreviousExpiry,
		adj.NewExpiry,
		adj.Type,
	).Scan(&adj.ID, &adj.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert expiry adjustment: %w", err)
	}
	return nil
}

// InsertLog appends an audit log entry
func (r *Repository) InsertLog(ctx context.Context, entry *db.LogEntry) error {
	query := `
		INSERT INTO log_entries (action, router_id, pppoe_user_id, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.Action,
		entry.RouterID,
		entry.AccountID,
		entry.Details,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}
