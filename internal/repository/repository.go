package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/septivank/router-secrets-worker/internal/db"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the persistence surface used by the sync, account and expiration
// services. Every method may be called inside WithTx.
type Store interface {
	GetRouter(ctx context.Context, id uuid.UUID) (*db.Router, error)
	UpdateRouterStatus(ctx context.Context, id uuid.UUID, status db.RouterStatus, checkedAt time.Time) error

	GetAccount(ctx context.Context, id uuid.UUID) (*db.Account, error)
	GetAccountByUsername(ctx context.Context, routerID uuid.UUID, username string) (*db.Account, error)
	ListAccountsByRouter(ctx context.Context, routerID uuid.UUID) ([]db.Account, error)
	ListOverdue(ctx context.Context, now time.Time) ([]db.OverdueAccount, error)
	CreateAccount(ctx context.Context, acc *db.Account) error
	UpdateAccountSync(ctx context.Context, id uuid.UUID, status db.AccountStatus, password string) error
	SetAccountStatus(ctx context.Context, id uuid.UUID, status db.AccountStatus) error
	MarkExpired(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateExpiry(ctx context.Context, id uuid.UUID, expiry *time.Time) error
	ApplyRecharge(ctx context.Context, id uuid.UUID, expiry, rechargedAt time.Time) error
	UpdatePassword(ctx context.Context, id uuid.UUID, password string) error

	CreateSpeedPlan(ctx context.Context, plan *db.SpeedPlan) error
	GetSpeedPlan(ctx context.Context, id uuid.UUID) (*db.SpeedPlan, error)
	ListSpeedPlans(ctx context.Context, routerID uuid.UUID) ([]db.SpeedPlan, error)
	DeleteSpeedPlan(ctx context.Context, id uuid.UUID) error

	InsertExpiryAdjustment(ctx context.Context, adj *db.ExpiryAdjustment) error
	InsertLog(ctx context.Context, entry *db.LogEntry) error

	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Repository handles database operations
type Repository struct {
	db DBTX
}

// NewRepository creates a new repository
func NewRepository(conn DBTX) *Repository {
	return &Repository{db: conn}
}

// WithTx begins a transaction, runs fn with a transactional repository, and
// commits on success or rolls back on error or panic. Panics are rethrown.
func (r *Repository) WithTx(ctx context.Context, fn func(tx Store) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cerr)
		}
	}()

	err = fn(&Repository{db: tx})
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, db.ErrNotFound)
	}
	return fmt.Errorf("failed to query %s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func expectOne(tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, db.ErrNotFound)
	}
	return nil
}
