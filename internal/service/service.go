// Package service orchestrates the device client, the reconciliation engine
// and the repository into the operator-facing entry points.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/septivank/router-secrets-worker/internal/repository"
	"github.com/septivank/router-secrets-worker/internal/routeros"
	"go.uber.org/zap"
)

// Device is the part of routeros.Client the services drive
type Device interface {
	TestConnection(ctx context.Context, target routeros.Target) routeros.Result
	FetchAccounts(ctx context.Context, target routeros.Target) ([]routeros.RemoteAccount, routeros.Result)
	CreateAccount(ctx context.Context, target routeros.Target, username, secret string, limit *routeros.RateLimit) routeros.Result
	SetEnabled(ctx context.Context, target routeros.Target, username string, enabled bool) routeros.Result
	SetPassword(ctx context.Context, target routeros.Target, username, secret string) routeros.Result
}

// DeviceError is returned when an operation could not proceed because the
// router rejected or never answered a call
type DeviceError struct {
	Op     string
	Result routeros.Result
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Result.Err())
}

func (e *DeviceError) Unwrap() error {
	return e.Result.Err()
}

// routerStatusFor maps a failed call to the router liveness it implies
func routerStatusFor(kind routeros.ErrorKind) db.RouterStatus {
	if kind.Retryable() {
		return db.RouterOffline
	}
	return db.RouterError
}

func logEntry(action string, routerID uuid.UUID, accountID *uuid.UUID, format string, args ...any) *db.LogEntry {
	return &db.LogEntry{
		Action:    action,
		RouterID:  &routerID,
		AccountID: accountID,
		Details:   fmt.Sprintf(format, args...),
	}
}

func audit(ctx context.Context, store repository.Store, entry *db.LogEntry) error {
	if err := store.InsertLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to write %s audit entry: %w", entry.Action, err)
	}
	return nil
}

// auditFailure records a device call the router rejected or never answered.
// The write is detached from ctx so a cancelled request still leaves its entry.
func auditFailure(ctx context.Context, store repository.Store, logger *zap.Logger, action string,
	routerID uuid.UUID, accountID *uuid.UUID, username string, res routeros.Result) {
	entry := logEntry(action, routerID, accountID, "%s: %s: %s", username, res.Kind, res.Error)
	if err := audit(context.WithoutCancel(ctx), store, entry); err != nil {
		logger.Error("failed to audit device failure", zap.String("action", action), zap.Error(err))
	}
}

func ptr[T any](v T) *T {
	return &v
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}
