package service

import (
	"context"
	"testing"
	"time"

	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/septivank/router-secrets-worker/internal/events"
	"github.com/septivank/router-secrets-worker/internal/routeros"
	"github.com/septivank/router-secrets-worker/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecharge_ExtendsFromFutureExpiry(t *testing.T) {
	h := newHarness()
	expiry := fixedNow.Add(10 * 24 * time.Hour)
	acc := h.addAccount("alice", db.AccountActive, &expiry)
	days := 30

	result, err := h.accounts.Recharge(context.Background(), acc.ID, &days)

	require.NoError(t, err)
	want := expiry.AddDate(0, 0, 30)
	assert.Equal(t, want, result.NewExpiry)
	assert.Nil(t, result.RemoteEnable)
	assert.Empty(t, h.device.Calls())

	stored := h.account(acc.ID)
	assert.Equal(t, want, *stored.ExpiryAt)
	assert.Equal(t, fixedNow, *stored.LastRechargedAt)

	adjustments := h.store.Adjustments()
	require.Len(t, adjustments, 1)
	assert.Equal(t, db.AdjustmentRecharge, adjustments[0].Type)
	assert.Equal(t, expiry, *adjustments[0].PreviousExpiry)
	assert.Len(t, h.store.LogsWithAction(db.ActionRecharged), 1)
}

func TestRecharge_PastExpiryStartsFromNowAndEnables(t *testing.T) {
	h := newHarness()
	expiry := fixedNow.Add(-3 * 24 * time.Hour)
	acc := h.addAccount("alice", db.AccountExpired, &expiry)

	result, err := h.accounts.Recharge(context.Background(), acc.ID, nil)

	require.NoError(t, err)
	assert.Equal(t, 30, result.Days)
	assert.Equal(t, fixedNow.AddDate(0, 0, 30), result.NewExpiry)
	require.NotNil(t, result.RemoteEnable)
	assert.True(t, result.RemoteEnable.Success)
	assert.Equal(t, []string{"enable alice"}, h.device.Calls())

	assert.Equal(t, db.AccountActive, h.account(acc.ID).Status)
	assert.Len(t, h.store.LogsWithAction(db.ActionEnabled), 1)
	assert.Equal(t, []events.Type{events.AccountRecharged}, h.bus.Types())
}

func TestRecharge_EnableFailureStillCommits(t *testing.T) {
	h := newHarness()
	expiry := fixedNow.Add(-time.Hour)
	acc := h.addAccount("alice", db.AccountExpired, &expiry)
	h.device.enableRes = routeros.Result{Kind: routeros.KindTimeout, Error: "connection timeout after 15s"}

	result, err := h.accounts.Recharge(context.Background(), acc.ID, nil)

	require.NoError(t, err)
	require.NotNil(t, result.RemoteEnable)
	assert.False(t, result.RemoteEnable.Success)

	stored := h.account(acc.ID)
	assert.Equal(t, db.AccountActive, stored.Status)
	assert.Equal(t, result.NewExpiry, *stored.ExpiryAt)
	assert.Len(t, h.store.LogsWithAction(db.ActionRecharged), 1)
	assert.Len(t, h.store.LogsWithAction(db.ActionEnableFailed), 1)
	assert.Empty(t, h.store.LogsWithAction(db.ActionEnabled))
}

func TestRecharge_RejectsNonPositiveDays(t *testing.T) {
	h := newHarness()
	acc := h.addAccount("alice", db.AccountActive, nil)
	days := 0

	_, err := h.accounts.Recharge(context.Background(), acc.ID, &days)

	assert.ErrorIs(t, err, validator.ErrInvalid)
	assert.Empty(t, h.store.Adjustments())
	assert.Nil(t, h.account(acc.ID).ExpiryAt)
}

func TestSetEnabled_DeviceFailureLeavesLocalUntouched(t *testing.T) {
	h := newHarness()
	acc := h.addAccount("alice", db.AccountActive, nil)
	h.device.enableRes = routeros.Result{Kind: routeros.KindNotFound, Error: "no such item"}

	_, err := h.accounts.SetEnabled(context.Background(), acc.ID, false)

	var derr *DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, routeros.KindNotFound, derr.Result.Kind)
	assert.Equal(t, db.AccountActive, h.account(acc.ID).Status)

	require.Len(t, h.store.Logs(), 1)
	failed := h.store.LogsWithAction(db.ActionDisableFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, acc.ID, *failed[0].AccountID)
	assert.Contains(t, failed[0].Details, "NOT_FOUND")
	assert.Contains(t, failed[0].Details, "no such item")
	assert.Empty(t, h.bus.Types())
}

func TestSetEnabled_EnableFailureIsAudited(t *testing.T) {
	h := newHarness()
	acc := h.addAccount("alice", db.AccountDisabled, nil)
	h.device.enableRes = routeros.Result{Kind: routeros.KindTimeout, Error: "connection timeout after 15s"}

	_, err := h.accounts.SetEnabled(context.Background(), acc.ID, true)

	var derr *DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, db.AccountDisabled, h.account(acc.ID).Status)
	assert.Len(t, h.store.LogsWithAction(db.ActionEnableFailed), 1)
	assert.Empty(t, h.store.LogsWithAction(db.ActionEnabled))
}

func TestSetEnabled_CancelledAfterDeviceStillRecords(t *testing.T) {
	h := newHarness()
	acc := h.addAccount("alice", db.AccountActive, nil)
	ctx := h.cancelOnDeviceAnswer()

	updated, err := h.accounts.SetEnabled(ctx, acc.ID, false)

	require.NoError(t, err)
	assert.Error(t, ctx.Err())
	assert.Equal(t, db.AccountDisabled, updated.Status)
	assert.Equal(t, db.AccountDisabled, h.account(acc.ID).Status)
	assert.Len(t, h.store.LogsWithAction(db.ActionDisabled), 1)
}

func TestSetEnabled_DisablesAndAudits(t *testing.T) {
	h := newHarness()
	acc := h.addAccount("alice", db.AccountActive, nil)

	updated, err := h.accounts.SetEnabled(context.Background(), acc.ID, false)

	require.NoError(t, err)
	assert.Equal(t, db.AccountDisabled, updated.Status)
	assert.Equal(t, db.AccountDisabled, h.account(acc.ID).Status)
	assert.Equal(t, []string{"disable alice"}, h.device.Calls())
	assert.Len(t, h.store.LogsWithAction(db.ActionDisabled), 1)
	assert.Equal(t, []events.Type{events.AccountDisabled}, h.bus.Types())
}

func TestCreateAccount_DefaultsExpiry(t *testing.T) {
	h := newHarness()

	acc, err := h.accounts.CreateAccount(context.Background(), CreateAccountInput{
		RouterID:  h.router.ID,
		Username:  "dina",
		Password:  "d1",
		RateLimit: &routeros.RateLimit{DownloadKbps: 10240, UploadKbps: 2048},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"create dina"}, h.device.Calls())
	assert.Equal(t, db.SourceManual, acc.Source)
	assert.Equal(t, db.AccountActive, acc.Status)
	assert.Equal(t, fixedNow.AddDate(0, 0, 30), *acc.ExpiryAt)

	adjustments := h.store.Adjustments()
	require.Len(t, adjustments, 1)
	assert.Equal(t, db.AdjustmentManualEdit, adjustments[0].Type)
	assert.Nil(t, adjustments[0].PreviousExpiry)
	assert.Len(t, h.store.LogsWithAction(db.ActionCreated), 1)
}

func TestCreateAccount_RemoteFailureStoresNothing(t *testing.T) {
	h := newHarness()
	h.device.createRes = routeros.Result{Kind: routeros.KindUnknown, Error: "failure: secret with the same name already exists"}

	_, err := h.accounts.CreateAccount(context.Background(), CreateAccountInput{
		RouterID: h.router.ID,
		Username: "dina",
		Password: "d1",
	})

	var derr *DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Empty(t, h.store.Accounts())
	assert.Empty(t, h.store.Adjustments())

	require.Len(t, h.store.Logs(), 1)
	failed := h.store.LogsWithAction(db.ActionCreateFailed)
	require.Len(t, failed, 1)
	assert.Nil(t, failed[0].AccountID)
	assert.Equal(t, h.router.ID, *failed[0].RouterID)
	assert.Contains(t, failed[0].Details, "dina")
}

func TestCreateAccount_CancelledAfterDeviceStillRecords(t *testing.T) {
	h := newHarness()
	ctx := h.cancelOnDeviceAnswer()

	acc, err := h.accounts.CreateAccount(ctx, CreateAccountInput{
		RouterID: h.router.ID,
		Username: "dina",
		Password: "d1",
	})

	require.NoError(t, err)
	assert.Error(t, ctx.Err())
	require.NotNil(t, h.accountByName("dina"))
	assert.Equal(t, acc.ID, h.accountByName("dina").ID)
	assert.Len(t, h.store.Adjustments(), 1)
	assert.Len(t, h.store.LogsWithAction(db.ActionCreated), 1)
}

func TestCreateAccount_RejectsHalfRateLimit(t *testing.T) {
	h := newHarness()

	_, err := h.accounts.CreateAccount(context.Background(), CreateAccountInput{
		RouterID:  h.router.ID,
		Username:  "dina",
		Password:  "d1",
		RateLimit: &routeros.RateLimit{DownloadKbps: 1024},
	})

	assert.ErrorIs(t, err, validator.ErrInvalid)
	assert.Empty(t, h.device.Calls())
}

func TestCreateAccount_LocalDuplicateSkipsDevice(t *testing.T) {
	h := newHarness()
	h.addAccount("dina", db.AccountActive, nil)

	_, err := h.accounts.CreateAccount(context.Background(), CreateAccountInput{
		RouterID: h.router.ID,
		Username: "dina",
		Password: "d1",
	})

	assert.ErrorIs(t, err, db.ErrDuplicateUsername)
	assert.Empty(t, h.device.Calls())
}

func TestCreateAccount_InvalidInput(t *testing.T) {
	h := newHarness()

	_, err := h.accounts.CreateAccount(context.Background(), CreateAccountInput{
		RouterID: h.router.ID,
		Username: "has space",
		Password: "d1",
	})

	assert.ErrorIs(t, err, validator.ErrInvalid)
	assert.Empty(t, h.device.Calls())
}

func TestUpdateExpiry_ClearsAndRecordsHistory(t *testing.T) {
	h := newHarness()
	expiry := fixedNow.Add(time.Hour)
	acc := h.addAccount("alice", db.AccountActive, &expiry)

	updated, err := h.accounts.UpdateExpiry(context.Background(), acc.ID, nil)

	require.NoError(t, err)
	assert.Nil(t, updated.ExpiryAt)
	assert.Nil(t, h.account(acc.ID).ExpiryAt)
	adjustments := h.store.Adjustments()
	require.Len(t, adjustments, 1)
	assert.Equal(t, expiry, *adjustments[0].PreviousExpiry)
	assert.Nil(t, adjustments[0].NewExpiry)
	assert.Empty(t, h.device.Calls())
}

func TestChangePassword_RemoteThenLocal(t *testing.T) {
	h := newHarness()
	acc := h.addAccount("alice", db.AccountActive, nil)

	_, err := h.accounts.ChangePassword(context.Background(), acc.ID, "n3w")
	require.NoError(t, err)
	assert.Equal(t, "n3w", h.account(acc.ID).Password)
	assert.Len(t, h.store.LogsWithAction(db.ActionPasswordUpdated), 1)

	h.device.passRes = routeros.Result{Kind: routeros.KindTimeout, Error: "connection timeout after 15s"}
	_, err = h.accounts.ChangePassword(context.Background(), acc.ID, "other")

	var derr *DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "n3w", h.account(acc.ID).Password)
	assert.Len(t, h.store.LogsWithAction(db.ActionPasswordUpdateFailed), 1)
	assert.Len(t, h.store.LogsWithAction(db.ActionPasswordUpdated), 1)
}

func TestChangePassword_CancelledAfterDeviceStillRecords(t *testing.T) {
	h := newHarness()
	acc := h.addAccount("alice", db.AccountActive, nil)
	ctx := h.cancelOnDeviceAnswer()

	_, err := h.accounts.ChangePassword(ctx, acc.ID, "n3w")

	require.NoError(t, err)
	assert.Equal(t, "n3w", h.account(acc.ID).Password)
	assert.Len(t, h.store.LogsWithAction(db.ActionPasswordUpdated), 1)
}

func TestTestConnection_RecordsLiveness(t *testing.T) {
	h := newHarness()
	h.device.testRes = routeros.Result{Success: true, Identity: "core-1"}

	res, err := h.accounts.TestConnection(context.Background(), h.router.ID)

	require.NoError(t, err)
	assert.True(t, res.Success)
	router, _ := h.store.GetRouter(context.Background(), h.router.ID)
	assert.Equal(t, db.RouterOnline, router.Status)
	assert.Len(t, h.store.LogsWithAction(db.ActionRouterConnectionOK), 1)
	assert.Equal(t, []events.Type{events.RouterStatusChanged}, h.bus.Types())

	h.device.testRes = routeros.Result{Kind: routeros.KindConnectionRefused, Error: "connection refused"}
	res, err = h.accounts.TestConnection(context.Background(), h.router.ID)

	require.NoError(t, err)
	assert.False(t, res.Success)
	router, _ = h.store.GetRouter(context.Background(), h.router.ID)
	assert.Equal(t, db.RouterOffline, router.Status)
	assert.Len(t, h.store.LogsWithAction(db.ActionRouterConnectionFails), 1)
}

func TestTestTarget_ValidatesFirst(t *testing.T) {
	h := newHarness()

	_, err := h.accounts.TestTarget(context.Background(), routeros.Target{Address: "10.0.0.9"})

	assert.ErrorIs(t, err, validator.ErrInvalid)
	assert.Empty(t, h.device.Calls())
}
