package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/db"
)

const accountColumns = `u.id, u.router_id, u.username, u.password, u.status, u.activated_at, u.expiry_at,
	u.source, u.imported_at, u.last_recharged_at, u.speed_plan_id, u.created_at, u.updated_at`

func accountFields(acc *db.Account) []any {
	return []any{
		&acc.ID,
		&acc.RouterID,
		&acc.Username,
		&acc.Password,
		&acc.Status,
		&acc.ActivatedAt,
		&acc.ExpiryAt,
		&acc.Source,
		&acc.ImportedAt,
		&acc.LastRechargedAt,
		&acc.SpeedPlanID,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	}
}

// GetAccount loads one account by id
func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (*db.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM pppoe_users u WHERE u.id = $1`

	var acc db.Account
	if err := r.db.QueryRow(ctx, query, id).Scan(accountFields(&acc)...); err != nil {
		return nil, notFound(err, "account")
	}
	return &acc, nil
}

// GetAccountByUsername loads an account by its per-router username
func (r *Repository) GetAccountByUsername(ctx context.Context, routerID uuid.UUID, username string) (*db.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM pppoe_users u WHERE u.router_id = $1 AND u.username = $2`

	var acc db.Account
	if err := r.db.QueryRow(ctx, query, routerID, username).Scan(accountFields(&acc)...); err != nil {
		return nil, notFound(err, "account")
	}
	return &acc, nil
}

// ListAccountsByRouter returns every local account of one router
func (r *Repository) ListAccountsByRouter(ctx context.Context, routerID uuid.UUID) ([]db.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM pppoe_users u WHERE u.router_id = $1 ORDER BY u.username`

	rows, err := r.db.Query(ctx, query, routerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []db.Account
	for rows.Next() {
		var acc db.Account
		if err := rows.Scan(accountFields(&acc)...); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return accounts, nil
}

// ListOverdue returns ACTIVE accounts whose expiry is before now, joined with
// their router, ordered by router so callers can group cheaply.
func (r *Repository) ListOverdue(ctx context.Context, now time.Time) ([]db.OverdueAccount, error) {
	query := `
		SELECT ` + accountColumns + `,
			r.id, r.friendly_name, r.address, r.port, r.api_username, r.api_password,
			r.status, r.last_checked_at, r.created_at, r.updated_at
		FROM pppoe_users u
		JOIN routers r ON r.id = u.router_id
		WHERE u.status = $1 AND u.expiry_at IS NOT NULL AND u.expiry_at < $2
		ORDER BY u.router_id, u.expiry_at
	`

	rows, err := r.db.Query(ctx, query, db.AccountActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue accounts: %w", err)
	}
	defer rows.Close()

	var overdue []db.OverdueAccount
	for rows.Next() {
		var o db.OverdueAccount
		dest := append(accountFields(&o.Account),
			&o.Router.ID,
			&o.Router.FriendlyName,
			&o.Router.Address,
			&o.Router.Port,
			&o.Router.APIUsername,
			&o.Router.APIPassword,
			&o.Router.Status,
			&o.Router.LastCheckedAt,
			&o.Router.CreatedAt,
			&o.Router.UpdatedAt,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan overdue account: %w", err)
		}
		overdue = append(overdue, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return overdue, nil
}

// CreateAccount inserts an account and fills its generated fields. A
// (router_id, username) collision returns db.ErrDuplicateUsername.
func (r *Repository) CreateAccount(ctx context.Context, acc *db.Account) error {
	query := `
		INSERT INTO pppoe_users (
			router_id, username, password, status, activated_at, expiry_at,
			source, imported_at, last_recharged_at, speed_plan_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	if acc.ActivatedAt.IsZero() {
		acc.ActivatedAt = time.Now()
	}

	err := r.db.QueryRow(ctx, query,
		acc.RouterID,
		acc.Username,
		acc.Password,
		acc.Status,
		acc.ActivatedAt,
		acc.ExpiryAt,
		acc.Source,
		acc.ImportedAt,
		acc.LastRechargedAt,
		acc.SpeedPlanID,
	).Scan(&acc.ID, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%q: %w", acc.Username, db.ErrDuplicateUsername)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// UpdateAccountSync writes the device-owned fields reconciled from a router
func (r *Repository) UpdateAccountSync(ctx context.Context, id uuid.UUID, status db.AccountStatus, password string) error {
	query := `
		UPDATE pppoe_users
		SET status = $2, password = $3, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, status, password)
	return expectOne(tag, err, "account")
}

// SetAccountStatus sets the local status unconditionally
func (r *Repository) SetAccountStatus(ctx context.Context, id uuid.UUID, status db.AccountStatus) error {
	query := `UPDATE pppoe_users SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, status)
	return expectOne(tag, err, "account status")
}

// MarkExpired moves an account from ACTIVE to EXPIRED. It reports false when
// the account is no longer ACTIVE, e.g. recharged while the tick was running.
func (r *Repository) MarkExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE pppoe_users
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`
	tag, err := r.db.Exec(ctx, query, id, db.AccountExpired, db.AccountActive)
	if err != nil {
		return false, fmt.Errorf("failed to mark account expired: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateExpiry replaces the expiry timestamp
func (r *Repository) UpdateExpiry(ctx context.Context, id uuid.UUID, expiry *time.Time) error {
	query := `UPDATE pppoe_users SET expiry_at = $2, updated_at = now() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, expiry)
	return expectOne(tag, err, "account expiry")
}

// ApplyRecharge sets the new expiry, reactivates the account and stamps the recharge
func (r *Repository) ApplyRecharge(ctx context.Context, id uuid.UUID, expiry, rechargedAt time.Time) error {
	query := `
		UPDATE pppoe_users
		SET expiry_at = $2, status = $3, last_recharged_at = $4, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, expiry, db.AccountActive, rechargedAt)
	return expectOne(tag, err, "account recharge")
}

// UpdatePassword replaces the stored secret
func (r *Repository) UpdatePassword(ctx context.Context, id uuid.UUID, password string) error {
	query := `UPDATE pppoe_users SET password = $2, updated_at = now() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, password)
	return expectOne(tag, err, "account password")
}
