package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_WithTxRestoresOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	r := m.AddRouter(db.Router{FriendlyName: "core-1"})

	err := m.WithTx(ctx, func(tx Store) error {
		acc := &db.Account{RouterID: r.ID, Username: "bob", Status: db.AccountActive}
		require.NoError(t, tx.CreateAccount(ctx, acc))
		require.NoError(t, tx.InsertLog(ctx, &db.LogEntry{Action: db.ActionImported}))
		return errors.New("abort")
	})

	require.Error(t, err)
	assert.Empty(t, m.Accounts())
	assert.Empty(t, m.Logs())
}

func TestMemoryStore_DuplicateUsernamePerRouter(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	r1 := m.AddRouter(db.Router{FriendlyName: "core-1"})
	r2 := m.AddRouter(db.Router{FriendlyName: "core-2"})

	require.NoError(t, m.CreateAccount(ctx, &db.Account{RouterID: r1.ID, Username: "bob"}))
	require.NoError(t, m.CreateAccount(ctx, &db.Account{RouterID: r2.ID, Username: "bob"}))

	err := m.CreateAccount(ctx, &db.Account{RouterID: r1.ID, Username: "bob"})
	assert.ErrorIs(t, err, db.ErrDuplicateUsername)
}

func TestMemoryStore_ListOverdue(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	r := m.AddRouter(db.Router{FriendlyName: "core-1"})
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	m.AddAccount(db.Account{RouterID: r.ID, Username: "alice", Status: db.AccountActive, ExpiryAt: &past})
	m.AddAccount(db.Account{RouterID: r.ID, Username: "bob", Status: db.AccountActive, ExpiryAt: &future})
	m.AddAccount(db.Account{RouterID: r.ID, Username: "carol", Status: db.AccountExpired, ExpiryAt: &past})
	m.AddAccount(db.Account{RouterID: r.ID, Username: "dave", Status: db.AccountActive})

	overdue, err := m.ListOverdue(ctx, time.Now())

	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "alice", overdue[0].Account.Username)
	assert.Equal(t, "core-1", overdue[0].Router.FriendlyName)
}

func TestMemoryStore_SpeedPlanInUseCannotBeDeleted(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	r := m.AddRouter(db.Router{FriendlyName: "core-1"})

	plan := &db.SpeedPlan{RouterID: r.ID, Name: "10M", DownloadKbps: 10240, UploadKbps: 2048, Active: true}
	require.NoError(t, m.CreateSpeedPlan(ctx, plan))
	assert.ErrorIs(t, m.CreateSpeedPlan(ctx, &db.SpeedPlan{RouterID: r.ID, Name: "10M"}), db.ErrDuplicatePlanName)

	m.AddAccount(db.Account{RouterID: r.ID, Username: "bob", SpeedPlanID: &plan.ID})

	assert.ErrorIs(t, m.DeleteSpeedPlan(ctx, plan.ID), db.ErrPlanInUse)
	_, err := m.GetSpeedPlan(ctx, plan.ID)
	assert.NoError(t, err)
}
