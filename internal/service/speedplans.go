package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/septivank/router-secrets-worker/internal/logging"
	"github.com/septivank/router-secrets-worker/internal/repository"
	"github.com/septivank/router-secrets-worker/internal/routeros"
	"github.com/septivank/router-secrets-worker/internal/validator"
	"go.uber.org/zap"
)

// SpeedPlanInput describes a new speed plan
type SpeedPlanInput struct {
	RouterID    uuid.UUID
	Name        string
	Limit       routeros.RateLimit
	Description string
}

// CreateSpeedPlan adds a plan to a router's catalog. Plans live only in the
// local record; the ceiling reaches the router when an account is created
// with the plan.
func (s *AccountService) CreateSpeedPlan(ctx context.Context, in SpeedPlanInput) (*db.SpeedPlan, error) {
	if err := s.validator.ValidateSpeedPlan(in.Name, in.Limit); err != nil {
		return nil, err
	}
	router, err := s.store.GetRouter(ctx, in.RouterID)
	if err != nil {
		return nil, err
	}

	plan := &db.SpeedPlan{
		RouterID:     router.ID,
		Name:         in.Name,
		DownloadKbps: in.Limit.DownloadKbps,
		UploadKbps:   in.Limit.UploadKbps,
		Description:  in.Description,
		Active:       true,
	}
	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.CreateSpeedPlan(ctx, plan); err != nil {
			return err
		}
		return audit(ctx, tx, logEntry(db.ActionSpeedPlanCreated, router.ID, nil,
			"created speed plan %s (%d/%d kbps)", plan.Name, plan.DownloadKbps, plan.UploadKbps))
	})
	if err != nil {
		return nil, err
	}

	logging.WithRouter(s.logger, router.ID, router.FriendlyName).Info("speed plan created",
		zap.String("plan", plan.Name),
		zap.String("limit", plan.RateLimit().String()))
	return plan, nil
}

// ListSpeedPlans returns a router's catalog
func (s *AccountService) ListSpeedPlans(ctx context.Context, routerID uuid.UUID) ([]db.SpeedPlan, error) {
	if _, err := s.store.GetRouter(ctx, routerID); err != nil {
		return nil, err
	}
	return s.store.ListSpeedPlans(ctx, routerID)
}

// DeleteSpeedPlan removes a plan no account uses
func (s *AccountService) DeleteSpeedPlan(ctx context.Context, planID uuid.UUID) error {
	plan, err := s.store.GetSpeedPlan(ctx, planID)
	if err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.DeleteSpeedPlan(ctx, plan.ID); err != nil {
			return err
		}
		return audit(ctx, tx, logEntry(db.ActionSpeedPlanDeleted, plan.RouterID, nil, "deleted speed plan %s", plan.Name))
	})
}

// planFor loads a plan that may be applied to a new account on routerID
func (s *AccountService) planFor(ctx context.Context, routerID, planID uuid.UUID) (*db.SpeedPlan, error) {
	plan, err := s.store.GetSpeedPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.RouterID != routerID {
		return nil, fmt.Errorf("%w: speed plan %s belongs to another router", validator.ErrInvalid, plan.Name)
	}
	if !plan.Active {
		return nil, fmt.Errorf("%w: speed plan %s is inactive", validator.ErrInvalid, plan.Name)
	}
	return plan, nil
}
