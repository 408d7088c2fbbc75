package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/septivank/router-secrets-worker/internal/events"
	"github.com/septivank/router-secrets-worker/internal/logging"
	"github.com/septivank/router-secrets-worker/internal/repository"
	"github.com/septivank/router-secrets-worker/internal/routeros"
	"github.com/septivank/router-secrets-worker/internal/validator"
	"github.com/septivank/router-secrets-worker/tools/timeparser"
	"go.uber.org/zap"
)

// AccountService handles operator actions on single accounts and routers
type AccountService struct {
	store     repository.Store
	device    Device
	publisher events.Publisher
	validator *validator.Validator
	logger    *zap.Logger
	now       func() time.Time
}

// NewAccountService creates a new account service
func NewAccountService(
	store repository.Store,
	device Device,
	publisher events.Publisher,
	validator *validator.Validator,
	logger *zap.Logger,
) *AccountService {
	return &AccountService{
		store:     store,
		device:    device,
		publisher: publisher,
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// TestConnection checks a stored router and records its liveness. The
// returned error covers storage failures only; device failures are in the Result.
func (s *AccountService) TestConnection(ctx context.Context, routerID uuid.UUID) (routeros.Result, error) {
	router, err := s.store.GetRouter(ctx, routerID)
	if err != nil {
		return routeros.Result{}, err
	}

	res := s.device.TestConnection(ctx, router.Target())

	status, action, details := db.RouterOnline, db.ActionRouterConnectionOK, "identity "+res.Identity
	if !res.Success {
		status = routerStatusFor(res.Kind)
		action = db.ActionRouterConnectionFails
		details = fmt.Sprintf("%s: %s", res.Kind, res.Error)
	}

	if err := s.store.UpdateRouterStatus(ctx, router.ID, status, s.now()); err != nil {
		return res, err
	}
	if err := audit(ctx, s.store, logEntry(action, router.ID, nil, "%s", details)); err != nil {
		return res, err
	}
	if status != router.Status {
		events.Emit(ctx, s.publisher, s.logger, events.AccountEvent{
			Type:     events.RouterStatusChanged,
			RouterID: router.ID,
			Status:   string(status),
			Detail:   res.Error,
		})
	}
	return res, nil
}

// TestTarget checks connection parameters that are not stored yet
func (s *AccountService) TestTarget(ctx context.Context, target routeros.Target) (routeros.Result, error) {
	if err := s.validator.ValidateTarget(target); err != nil {
		return routeros.Result{}, err
	}
	return s.device.TestConnection(ctx, target), nil
}

// CreateAccountInput describes a new PPPoE account. SpeedPlanID and RateLimit
// are mutually exclusive; a plan resolves to its own rate limit.
type CreateAccountInput struct {
	RouterID    uuid.UUID
	Username    string
	Password    string
	ExpiryAt    *time.Time
	RateLimit   *routeros.RateLimit
	SpeedPlanID *uuid.UUID
}

// CreateAccount creates the secret on the router first and records it locally
// only once the router accepted it
func (s *AccountService) CreateAccount(ctx context.Context, in CreateAccountInput) (*db.Account, error) {
	if err := s.validator.ValidateCredentials(in.Username, in.Password); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateRateLimit(in.RateLimit); err != nil {
		return nil, err
	}
	if in.SpeedPlanID != nil && in.RateLimit != nil {
		return nil, fmt.Errorf("%w: give either a speed plan or a rate limit", validator.ErrInvalid)
	}

	router, err := s.store.GetRouter(ctx, in.RouterID)
	if err != nil {
		return nil, err
	}
	limit := in.RateLimit
	if in.SpeedPlanID != nil {
		plan, err := s.planFor(ctx, router.ID, *in.SpeedPlanID)
		if err != nil {
			return nil, err
		}
		limit = plan.RateLimit()
	}

	_, err = s.store.GetAccountByUsername(ctx, router.ID, in.Username)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%q: %w", in.Username, db.ErrDuplicateUsername)
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	log := logging.WithRouter(s.logger, router.ID, router.FriendlyName).With(zap.String("username", in.Username))

	if res := s.device.CreateAccount(ctx, router.Target(), in.Username, in.Password, limit); !res.Success {
		auditFailure(ctx, s.store, log, db.ActionCreateFailed, router.ID, nil, in.Username, res)
		return nil, &DeviceError{Op: "create account", Result: res}
	}
	storeCtx := context.WithoutCancel(ctx)

	now := s.now()
	expiry := in.ExpiryAt
	if expiry == nil {
		expiry = ptr(timeparser.AddDays(now, s.validator.DefaultDays()))
	}
	acc := &db.Account{
		RouterID:    router.ID,
		Username:    in.Username,
		Password:    in.Password,
		Status:      db.AccountActive,
		ActivatedAt: now,
		ExpiryAt:    expiry,
		Source:      db.SourceManual,
		SpeedPlanID: in.SpeedPlanID,
	}

	err = s.store.WithTx(storeCtx, func(tx repository.Store) error {
		if err := tx.CreateAccount(storeCtx, acc); err != nil {
			return err
		}
		if err := tx.InsertExpiryAdjustment(storeCtx, &db.ExpiryAdjustment{
			AccountID: acc.ID,
			NewExpiry: acc.ExpiryAt,
			Type:      db.AdjustmentManualEdit,
		}); err != nil {
			return err
		}
		return audit(storeCtx, tx, logEntry(db.ActionCreated, router.ID, &acc.ID,
			"created %s with expiry %s", acc.Username, formatExpiry(acc.ExpiryAt)))
	})
	if err != nil {
		log.Error("secret created on router but not recorded locally, a resync will adopt it", zap.Error(err))
		return nil, err
	}

	log.Info("account created", zap.String("expiry_at", formatExpiry(acc.ExpiryAt)))
	events.Emit(storeCtx, s.publisher, s.logger, events.AccountEvent{
		Type:      events.AccountCreated,
		RouterID:  router.ID,
		AccountID: &acc.ID,
		Username:  acc.Username,
		Status:    string(acc.Status),
		ExpiryAt:  acc.ExpiryAt,
	})
	return acc, nil
}

// SetEnabled enables or disables an account on its router, then locally. A
// device failure leaves the local record untouched.
func (s *AccountService) SetEnabled(ctx context.Context, accountID uuid.UUID, enabled bool) (*db.Account, error) {
	acc, router, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}

	status, action, failedAction, eventType := db.AccountDisabled, db.ActionDisabled, db.ActionDisableFailed, events.AccountDisabled
	if enabled {
		status, action, failedAction, eventType = db.AccountActive, db.ActionEnabled, db.ActionEnableFailed, events.AccountEnabled
	}

	if res := s.device.SetEnabled(ctx, router.Target(), acc.Username, enabled); !res.Success {
		auditFailure(ctx, s.store, s.logger, failedAction, router.ID, &acc.ID, acc.Username, res)
		return nil, &DeviceError{Op: "set enabled", Result: res}
	}
	storeCtx := context.WithoutCancel(ctx)

	err = s.store.WithTx(storeCtx, func(tx repository.Store) error {
		if err := tx.SetAccountStatus(storeCtx, acc.ID, status); err != nil {
			return err
		}
		return audit(storeCtx, tx, logEntry(action, router.ID, &acc.ID, "%s %s -> %s", acc.Username, acc.Status, status))
	})
	if err != nil {
		return nil, err
	}

	acc.Status = status
	events.Emit(storeCtx, s.publisher, s.logger, events.AccountEvent{
		Type:      eventType,
		RouterID:  router.ID,
		AccountID: &acc.ID,
		Username:  acc.Username,
		Status:    string(status),
		ExpiryAt:  acc.ExpiryAt,
	})
	return acc, nil
}

// RechargeResult reports a recharge and the remote enable attempted with it
type RechargeResult struct {
	Account        *db.Account      `json:"-"`
	Days           int              `json:"days"`
	PreviousExpiry *time.Time       `json:"previous_expiry,omitempty"`
	NewExpiry      time.Time        `json:"new_expiry"`
	RemoteEnable   *routeros.Result `json:"remote_enable,omitempty"`
}

// Recharge extends an account's expiry by days (default from configuration)
// counted from the later of now and the current expiry. The local change is
// committed regardless of the remote enable that follows for EXPIRED or
// DISABLED accounts.
func (s *AccountService) Recharge(ctx context.Context, accountID uuid.UUID, days *int) (*RechargeResult, error) {
	n, err := s.validator.RechargeDays(days)
	if err != nil {
		return nil, err
	}

	acc, router, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	log := logging.WithAccount(logging.WithRouter(s.logger, router.ID, router.FriendlyName), acc.ID, acc.Username)

	now := s.now()
	newExpiry := timeparser.AddDays(timeparser.RechargeBase(acc.ExpiryAt, now), n)
	result := &RechargeResult{Days: n, PreviousExpiry: acc.ExpiryAt, NewExpiry: newExpiry}

	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.ApplyRecharge(ctx, acc.ID, newExpiry, now); err != nil {
			return err
		}
		if err := tx.InsertExpiryAdjustment(ctx, &db.ExpiryAdjustment{
			AccountID:      acc.ID,
			PreviousExpiry: acc.ExpiryAt,
			NewExpiry:      &newExpiry,
			Type:           db.AdjustmentRecharge,
		}); err != nil {
			return err
		}
		return audit(ctx, tx, logEntry(db.ActionRecharged, router.ID, &acc.ID,
			"recharged %d days, expiry %s -> %s", n, formatExpiry(acc.ExpiryAt), formatExpiry(&newExpiry)))
	})
	if err != nil {
		return nil, err
	}

	previousStatus := acc.Status
	acc.Status = db.AccountActive
	acc.ExpiryAt = &newExpiry
	acc.LastRechargedAt = &now
	result.Account = acc

	if previousStatus == db.AccountExpired || previousStatus == db.AccountDisabled {
		res := s.device.SetEnabled(ctx, router.Target(), acc.Username, true)
		result.RemoteEnable = &res

		action, details := db.ActionEnabled, "enabled on router after recharge"
		if !res.Success {
			action, details = db.ActionEnableFailed, fmt.Sprintf("%s: %s", res.Kind, res.Error)
			log.Warn("remote enable after recharge failed", zap.String("kind", string(res.Kind)), zap.String("error", res.Error))
		}
		if err := audit(context.WithoutCancel(ctx), s.store, logEntry(action, router.ID, &acc.ID, "%s", details)); err != nil {
			log.Error("failed to audit remote enable", zap.Error(err))
		}
	}

	log.Info("account recharged", zap.Int("days", n), zap.Time("expiry_at", newExpiry))
	events.Emit(ctx, s.publisher, s.logger, events.AccountEvent{
		Type:      events.AccountRecharged,
		RouterID:  router.ID,
		AccountID: &acc.ID,
		Username:  acc.Username,
		Status:    string(acc.Status),
		ExpiryAt:  acc.ExpiryAt,
	})
	return result, nil
}

// UpdateExpiry sets or clears an account's expiry without touching the router
func (s *AccountService) UpdateExpiry(ctx context.Context, accountID uuid.UUID, expiry *time.Time) (*db.Account, error) {
	acc, router, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.UpdateExpiry(ctx, acc.ID, expiry); err != nil {
			return err
		}
		if err := tx.InsertExpiryAdjustment(ctx, &db.ExpiryAdjustment{
			AccountID:      acc.ID,
			PreviousExpiry: acc.ExpiryAt,
			NewExpiry:      expiry,
			Type:           db.AdjustmentManualEdit,
		}); err != nil {
			return err
		}
		return audit(ctx, tx, logEntry(db.ActionExpiryUpdated, router.ID, &acc.ID,
			"expiry %s -> %s", formatExpiry(acc.ExpiryAt), formatExpiry(expiry)))
	})
	if err != nil {
		return nil, err
	}

	acc.ExpiryAt = expiry
	return acc, nil
}

// ChangePassword replaces the secret on the router, then locally
func (s *AccountService) ChangePassword(ctx context.Context, accountID uuid.UUID, password string) (*db.Account, error) {
	if err := s.validator.ValidatePassword(password); err != nil {
		return nil, err
	}

	acc, router, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if res := s.device.SetPassword(ctx, router.Target(), acc.Username, password); !res.Success {
		auditFailure(ctx, s.store, s.logger, db.ActionPasswordUpdateFailed, router.ID, &acc.ID, acc.Username, res)
		return nil, &DeviceError{Op: "set password", Result: res}
	}
	storeCtx := context.WithoutCancel(ctx)

	err = s.store.WithTx(storeCtx, func(tx repository.Store) error {
		if err := tx.UpdatePassword(storeCtx, acc.ID, password); err != nil {
			return err
		}
		return audit(storeCtx, tx, logEntry(db.ActionPasswordUpdated, router.ID, &acc.ID, "password changed for %s", acc.Username))
	})
	if err != nil {
		return nil, err
	}

	acc.Password = password
	return acc, nil
}

func (s *AccountService) load(ctx context.Context, accountID uuid.UUID) (*db.Account, *db.Router, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	router, err := s.store.GetRouter(ctx, acc.RouterID)
	if err != nil {
		return nil, nil, err
	}
	return acc, router, nil
}
