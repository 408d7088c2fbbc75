package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/septivank/router-secrets-worker/internal/db"
)

const speedPlanColumns = `id, router_id, name, download_kbps, upload_kbps, description, is_active, created_at, updated_at`

func speedPlanFields(p *db.SpeedPlan) []any {
	return []any{
		&p.ID,
		&p.RouterID,
		&p.Name,
		&p.DownloadKbps,
		&p.UploadKbps,
		&p.Description,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	}
}

// CreateSpeedPlan inserts a plan. A (router_id, name) collision returns
// db.ErrDuplicatePlanName.
func (r *Repository) CreateSpeedPlan(ctx context.Context, plan *db.SpeedPlan) error {
	query := `
		INSERT INTO speed_plans (router_id, name, download_kbps, upload_kbps, description, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		plan.RouterID,
		plan.Name,
		plan.DownloadKbps,
		plan.UploadKbps,
		plan.Description,
		plan.Active,
	).Scan(&plan.ID, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%q: %w", plan.Name, db.ErrDuplicatePlanName)
		}
		return fmt.Errorf("failed to create speed plan: %w", err)
	}
	return nil
}

// GetSpeedPlan loads one plan by id
func (r *Repository) GetSpeedPlan(ctx context.Context, id uuid.UUID) (*db.SpeedPlan, error) {
	query := `SELECT ` + speedPlanColumns + ` FROM speed_plans WHERE id = $1`

	var plan db.SpeedPlan
	if err := r.db.QueryRow(ctx, query, id).Scan(speedPlanFields(&plan)...); err != nil {
		return nil, notFound(err, "speed plan")
	}
	return &plan, nil
}

// ListSpeedPlans returns the plans of one router ordered by name
func (r *Repository) ListSpeedPlans(ctx context.Context, routerID uuid.UUID) ([]db.SpeedPlan, error) {
	query := `SELECT ` + speedPlanColumns + ` FROM speed_plans WHERE router_id = $1 ORDER BY name`

	rows, err := r.db.Query(ctx, query, routerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query speed plans: %w", err)
	}
	defer rows.Close()

	var plans []db.SpeedPlan
	for rows.Next() {
		var plan db.SpeedPlan
		if err := rows.Scan(speedPlanFields(&plan)...); err != nil {
			return nil, fmt.Errorf("failed to scan speed plan: %w", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return plans, nil
}

// DeleteSpeedPlan removes a plan no account references. A referenced plan
// returns db.ErrPlanInUse.
func (r *Repository) DeleteSpeedPlan(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM speed_plans WHERE id = $1`, id)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("speed plan %s: %w", id, db.ErrPlanInUse)
	}
	return expectOne(tag, err, "speed plan")
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
