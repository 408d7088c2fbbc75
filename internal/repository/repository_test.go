package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Repository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewRepository(mock)
}

var routerCols = []string{"id", "friendly_name", "address", "port", "api_username", "api_password",
	"status", "last_checked_at", "created_at", "updated_at"}

var accountCols = []string{"id", "router_id", "username", "password", "status", "activated_at", "expiry_at",
	"source", "imported_at", "last_recharged_at", "speed_plan_id", "created_at", "updated_at"}

func TestGetRouter(t *testing.T) {
	mock, repo := newMock(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM routers WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(routerCols).AddRow(
			id, "core-1", "10.0.0.1", 8728, "api", "secret",
			db.RouterOnline, (*time.Time)(nil), now, now,
		))

	router, err := repo.GetRouter(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, "core-1", router.FriendlyName)
	assert.Equal(t, 8728, router.Port)
	assert.Equal(t, db.RouterOnline, router.Status)
	assert.Nil(t, router.LastCheckedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRouter_NotFound(t *testing.T) {
	mock, repo := newMock(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM routers WHERE id = $1")).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetRouter(context.Background(), id)

	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListOverdue_ScansAccountAndRouter(t *testing.T) {
	mock, repo := newMock(t)
	now := time.Now()
	yesterday := now.Add(-24 * time.Hour)
	routerID, accountID := uuid.New(), uuid.New()

	cols := append(append([]string{}, accountCols...), routerCols...)
	mock.ExpectQuery(regexp.QuoteMeta("JOIN routers r ON r.id = u.router_id")).
		WithArgs(db.AccountActive, now).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			accountID, routerID, "alice", "a1", db.AccountActive, yesterday.Add(-720*time.Hour), &yesterday,
			db.SourceManual, (*time.Time)(nil), (*time.Time)(nil), (*uuid.UUID)(nil), now, now,
			routerID, "core-1", "10.0.0.1", 8728, "api", "secret",
			db.RouterOnline, &now, now, now,
		))

	overdue, err := repo.ListOverdue(context.Background(), now)

	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "alice", overdue[0].Account.Username)
	assert.Equal(t, yesterday, *overdue[0].Account.ExpiryAt)
	assert.Equal(t, routerID, overdue[0].Router.ID)
	assert.Equal(t, "10.0.0.1", overdue[0].Router.Address)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAccount_FillsGeneratedFields(t *testing.T) {
	mock, repo := newMock(t)
	now := time.Now()
	newID := uuid.New()
	acc := &db.Account{
		RouterID: uuid.New(),
		Username: "bob",
		Password: "b1",
		Status:   db.AccountActive,
		Source:   db.SourceImported,
		ExpiryAt: &now,
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO pppoe_users")).
		WithArgs(acc.RouterID, "bob", "b1", db.AccountActive, pgxmock.AnyArg(), &now,
			db.SourceImported, (*time.Time)(nil), (*time.Time)(nil), (*uuid.UUID)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(newID, now, now))

	require.NoError(t, repo.CreateAccount(context.Background(), acc))
	assert.Equal(t, newID, acc.ID)
	assert.False(t, acc.ActivatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAccount_UniqueViolation(t *testing.T) {
	mock, repo := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO pppoe_users")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "pppoe_users_router_username_key"})

	err := repo.CreateAccount(context.Background(), &db.Account{RouterID: uuid.New(), Username: "bob"})

	assert.ErrorIs(t, err, db.ErrDuplicateUsername)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkExpired_OnlyWhenActive(t *testing.T) {
	mock, repo := newMock(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = $3")).
		WithArgs(id, db.AccountExpired, db.AccountActive).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = $3")).
		WithArgs(id, db.AccountExpired, db.AccountActive).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	changed, err := repo.MarkExpired(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.MarkExpired(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRouterStatus_MissingRow(t *testing.T) {
	mock, repo := newMock(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE routers")).
		WithArgs(id, db.RouterOffline, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.UpdateRouterStatus(context.Background(), id, db.RouterOffline, time.Now())

	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	mock, repo := newMock(t)
	accountID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE pppoe_users SET status = $2")).
		WithArgs(accountID, db.AccountDisabled).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO log_entries")).
		WithArgs(db.ActionDisabled, (*uuid.UUID)(nil), &accountID, "").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(uuid.New(), time.Now()))
	mock.ExpectCommit()

	err := repo.WithTx(context.Background(), func(tx Store) error {
		if err := tx.SetAccountStatus(context.Background(), accountID, db.AccountDisabled); err != nil {
			return err
		}
		return tx.InsertLog(context.Background(), &db.LogEntry{Action: db.ActionDisabled, AccountID: &accountID})
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	mock, repo := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(tx Store) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackAndRepanics(t *testing.T) {
	mock, repo := newMock(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = repo.WithTx(context.Background(), func(tx Store) error { panic("kaboom") })
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

var speedPlanCols = []string{"id", "router_id", "name", "download_kbps", "upload_kbps", "description",
	"is_active", "created_at", "updated_at"}

func TestCreateSpeedPlan_DuplicateName(t *testing.T) {
	mock, repo := newMock(t)
	plan := &db.SpeedPlan{RouterID: uuid.New(), Name: "10M", DownloadKbps: 10240, UploadKbps: 2048, Active: true}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO speed_plans")).
		WithArgs(plan.RouterID, "10M", 10240, 2048, "", true).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "speed_plans_router_name_key"})

	err := repo.CreateSpeedPlan(context.Background(), plan)

	assert.ErrorIs(t, err, db.ErrDuplicatePlanName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSpeedPlans(t *testing.T) {
	mock, repo := newMock(t)
	routerID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM speed_plans WHERE router_id = $1 ORDER BY name")).
		WithArgs(routerID).
		WillReturnRows(pgxmock.NewRows(speedPlanCols).
			AddRow(uuid.New(), routerID, "10M", 10240, 2048, "home", true, now, now).
			AddRow(uuid.New(), routerID, "20M", 20480, 4096, "", false, now, now))

	plans, err := repo.ListSpeedPlans(context.Background(), routerID)

	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "10M", plans[0].Name)
	assert.Equal(t, "2048k/10240k", plans[0].RateLimit().String())
	assert.False(t, plans[1].Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSpeedPlan_InUse(t *testing.T) {
	mock, repo := newMock(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM speed_plans WHERE id = $1")).
		WithArgs(id).
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "pppoe_users_speed_plan_id_fkey"})

	err := repo.DeleteSpeedPlan(context.Background(), id)

	assert.ErrorIs(t, err, db.ErrPlanInUse)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSpeedPlan_Missing(t *testing.T) {
	mock, repo := newMock(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM speed_plans WHERE id = $1")).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := repo.DeleteSpeedPlan(context.Background(), id)

	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
