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
	"github.com/septivank/router-secrets-worker/internal/metrics"
	"github.com/septivank/router-secrets-worker/internal/reconcile"
	"github.com/septivank/router-secrets-worker/internal/repository"
	"github.com/septivank/router-secrets-worker/internal/routeros"
	"go.uber.org/zap"
)

// SyncService reconciles routers with the local store: the import flow
// (scan, then save operator selections) and the resync flow
type SyncService struct {
	store     repository.Store
	device    Device
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewSyncService creates a new sync service
func NewSyncService(store repository.Store, device Device, publisher events.Publisher, logger *zap.Logger) *SyncService {
	return &SyncService{
		store:     store,
		device:    device,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// ImportCandidate is a secret found on the router with no local account. Its
// password is not carried; SaveImport reads it from the router again.
type ImportCandidate struct {
	Username string           `json:"username"`
	Status   db.AccountStatus `json:"status"`
	Service  string           `json:"service,omitempty"`
	Profile  string           `json:"profile,omitempty"`
	CallerID string           `json:"caller_id,omitempty"`
	Comment  string           `json:"comment,omitempty"`
}

// ImportScan lists what an import would bring in
type ImportScan struct {
	RouterID   uuid.UUID         `json:"router_id"`
	Candidates []ImportCandidate `json:"candidates"`
	Existing   int               `json:"existing"`
	LocalOnly  []string          `json:"local_only,omitempty"`
}

// ImportSummary reports the outcome of saving import selections
type ImportSummary struct {
	Imported []string `json:"imported"`
	Skipped  []string `json:"skipped"`
	Failed   []string `json:"failed,omitempty"`
}

// ResyncSummary reports the outcome of a resync
type ResyncSummary struct {
	Created    []string `json:"created"`
	Updated    []string `json:"updated"`
	Unchanged  int      `json:"unchanged"`
	LocalOnly  []string `json:"local_only,omitempty"`
	Duplicates []string `json:"duplicates,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
	Failed     []string `json:"failed,omitempty"`
}

// ScanImport fetches the router's secrets and returns the ones not yet known
// locally. Nothing is written except router liveness and the audit entry.
func (s *SyncService) ScanImport(ctx context.Context, routerID uuid.UUID) (*ImportScan, error) {
	router, plan, err := s.fetchPlan(ctx, routerID)
	if err != nil {
		return nil, err
	}

	scan := &ImportScan{
		RouterID:   router.ID,
		Candidates: make([]ImportCandidate, 0, len(plan.New)),
		Existing:   len(plan.Updates) + len(plan.Unchanged),
		LocalOnly:  usernames(plan.LocalOnly),
	}
	for _, n := range plan.New {
		scan.Candidates = append(scan.Candidates, ImportCandidate{
			Username: n.Username,
			Status:   n.Status,
			Service:  n.Remote.Service,
			Profile:  n.Remote.Profile,
			CallerID: n.Remote.CallerID,
			Comment:  n.Remote.Comment,
		})
	}

	if err := audit(ctx, s.store, logEntry(db.ActionImportScan, router.ID, nil,
		"found %d new secrets on %s", len(scan.Candidates), router.FriendlyName)); err != nil {
		return nil, err
	}

	logging.WithRouter(s.logger, router.ID, router.FriendlyName).Info("import scan completed",
		zap.Int("candidates", len(scan.Candidates)),
		zap.Int("existing", scan.Existing),
		zap.Int("local_only", len(scan.LocalOnly)),
	)
	return scan, nil
}

// SaveImport commits the operator's selections. The router is fetched again so
// the committed password and status are current; selections without an expiry
// or no longer new are skipped.
func (s *SyncService) SaveImport(ctx context.Context, routerID uuid.UUID, selections []reconcile.Selection) (*ImportSummary, error) {
	router, plan, err := s.fetchPlan(ctx, routerID)
	if err != nil {
		return nil, err
	}
	log := logging.WithRouter(s.logger, router.ID, router.FriendlyName)
	storeCtx := context.WithoutCancel(ctx)

	imports, skipped := reconcile.SelectImports(plan.New, selections)
	summary := &ImportSummary{Imported: []string{}, Skipped: skipped}

	for _, imp := range imports {
		acc, err := s.commitImport(storeCtx, router.ID, imp)
		switch {
		case errors.Is(err, db.ErrDuplicateUsername):
			log.Info("import skipped, username already exists", zap.String("username", imp.Username))
			summary.Skipped = append(summary.Skipped, imp.Username)
			continue
		case err != nil:
			log.Error("failed to import account", zap.String("username", imp.Username), zap.Error(err))
			summary.Failed = append(summary.Failed, imp.Username)
			continue
		}

		summary.Imported = append(summary.Imported, acc.Username)
		metrics.ReconcileMutations.WithLabelValues("import", "created").Inc()
		events.Emit(storeCtx, s.publisher, s.logger, events.AccountEvent{
			Type:      events.AccountImported,
			RouterID:  router.ID,
			AccountID: &acc.ID,
			Username:  acc.Username,
			Status:    string(acc.Status),
			ExpiryAt:  acc.ExpiryAt,
		})
	}

	if err := audit(storeCtx, s.store, logEntry(db.ActionImportCompleted, router.ID, nil,
		"imported=%d skipped=%d failed=%d", len(summary.Imported), len(summary.Skipped), len(summary.Failed))); err != nil {
		return nil, err
	}

	log.Info("import completed",
		zap.Int("imported", len(summary.Imported)),
		zap.Int("skipped", len(summary.Skipped)),
		zap.Int("failed", len(summary.Failed)),
	)
	return summary, nil
}

func (s *SyncService) commitImport(ctx context.Context, routerID uuid.UUID, imp reconcile.Import) (*db.Account, error) {
	now := s.now()
	acc := &db.Account{
		RouterID:    routerID,
		Username:    imp.Username,
		Password:    imp.Password,
		Status:      imp.Status,
		ActivatedAt: now,
		ExpiryAt:    ptr(imp.ExpiryAt),
		Source:      db.SourceImported,
		ImportedAt:  &now,
	}

	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.CreateAccount(ctx, acc); err != nil {
			return err
		}
		if err := tx.InsertExpiryAdjustment(ctx, &db.ExpiryAdjustment{
			AccountID: acc.ID,
			NewExpiry: acc.ExpiryAt,
			Type:      db.AdjustmentImportSet,
		}); err != nil {
			return err
		}
		return audit(ctx, tx, logEntry(db.ActionImported, routerID, &acc.ID,
			"imported %s with expiry %s", acc.Username, formatExpiry(acc.ExpiryAt)))
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Resync adopts every new secret without an expiry and applies the router's
// disabled flag and password to existing accounts. Local-only accounts are
// reported, never removed.
func (s *SyncService) Resync(ctx context.Context, routerID uuid.UUID) (*ResyncSummary, error) {
	router, plan, err := s.fetchPlan(ctx, routerID)
	if err != nil {
		return nil, err
	}
	log := logging.WithRouter(s.logger, router.ID, router.FriendlyName)
	storeCtx := context.WithoutCancel(ctx)

	summary := &ResyncSummary{
		Created:    []string{},
		Updated:    []string{},
		Unchanged:  len(plan.Unchanged),
		LocalOnly:  usernames(plan.LocalOnly),
		Duplicates: plan.Duplicates,
	}

	for _, n := range plan.New {
		acc, err := s.commitResyncNew(storeCtx, router.ID, n)
		switch {
		case errors.Is(err, db.ErrDuplicateUsername):
			summary.Skipped = append(summary.Skipped, n.Username)
			continue
		case err != nil:
			log.Error("failed to create account from router", zap.String("username", n.Username), zap.Error(err))
			summary.Failed = append(summary.Failed, n.Username)
			continue
		}
		summary.Created = append(summary.Created, n.Username)
		metrics.ReconcileMutations.WithLabelValues("resync", "created").Inc()
		events.Emit(storeCtx, s.publisher, s.logger, events.AccountEvent{
			Type:      events.AccountImported,
			RouterID:  router.ID,
			AccountID: &acc.ID,
			Username:  acc.Username,
			Status:    string(acc.Status),
		})
	}

	for _, u := range plan.Updates {
		if err := s.commitResyncUpdate(storeCtx, router.ID, u); err != nil {
			log.Error("failed to update account from router", zap.String("username", u.Account.Username), zap.Error(err))
			summary.Failed = append(summary.Failed, u.Account.Username)
			continue
		}
		summary.Updated = append(summary.Updated, u.Account.Username)
		metrics.ReconcileMutations.WithLabelValues("resync", "updated").Inc()
		if u.StatusChanged() {
			events.Emit(storeCtx, s.publisher, s.logger, events.AccountEvent{
				Type:      events.AccountResynced,
				RouterID:  router.ID,
				AccountID: ptr(u.Account.ID),
				Username:  u.Account.Username,
				Status:    string(u.Status),
				ExpiryAt:  u.Account.ExpiryAt,
				Detail:    fmt.Sprintf("%s -> %s", u.Account.Status, u.Status),
			})
		}
	}

	if len(summary.LocalOnly) > 0 {
		log.Warn("local accounts missing on router", zap.Strings("usernames", summary.LocalOnly))
	}
	if len(summary.Duplicates) > 0 {
		log.Warn("router reported duplicate secret names", zap.Strings("usernames", summary.Duplicates))
	}

	if err := audit(storeCtx, s.store, logEntry(db.ActionRouterResync, router.ID, nil,
		"created=%d updated=%d unchanged=%d local_only=%d failed=%d",
		len(summary.Created), len(summary.Updated), summary.Unchanged, len(summary.LocalOnly), len(summary.Failed))); err != nil {
		return nil, err
	}

	log.Info("resync completed",
		zap.Int("created", len(summary.Created)),
		zap.Int("updated", len(summary.Updated)),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("failed", len(summary.Failed)),
	)
	return summary, nil
}

func (s *SyncService) commitResyncNew(ctx context.Context, routerID uuid.UUID, n reconcile.NewAccount) (*db.Account, error) {
	now := s.now()
	acc := &db.Account{
		RouterID:    routerID,
		Username:    n.Username,
		Password:    n.Password,
		Status:      n.Status,
		ActivatedAt: now,
		Source:      db.SourceImported,
		ImportedAt:  &now,
	}

	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.CreateAccount(ctx, acc); err != nil {
			return err
		}
		if err := tx.InsertExpiryAdjustment(ctx, &db.ExpiryAdjustment{
			AccountID: acc.ID,
			Type:      db.AdjustmentResync,
		}); err != nil {
			return err
		}
		return audit(ctx, tx, logEntry(db.ActionImported, routerID, &acc.ID,
			"created %s from router without expiry", acc.Username))
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *SyncService) commitResyncUpdate(ctx context.Context, routerID uuid.UUID, u reconcile.Update) error {
	return s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.UpdateAccountSync(ctx, u.Account.ID, u.Status, u.Password); err != nil {
			return err
		}
		if err := tx.InsertExpiryAdjustment(ctx, &db.ExpiryAdjustment{
			AccountID:      u.Account.ID,
			PreviousExpiry: u.Account.ExpiryAt,
			NewExpiry:      u.Account.ExpiryAt,
			Type:           db.AdjustmentResync,
		}); err != nil {
			return err
		}
		return audit(ctx, tx, logEntry(db.ActionResynced, routerID, ptr(u.Account.ID),
			"status %s -> %s, password changed: %t", u.Account.Status, u.Status, u.PasswordChanged()))
	})
}

// fetchPlan loads the router and its accounts, fetches the remote secrets and
// records the router's liveness either way
func (s *SyncService) fetchPlan(ctx context.Context, routerID uuid.UUID) (*db.Router, reconcile.Result, error) {
	router, err := s.store.GetRouter(ctx, routerID)
	if err != nil {
		return nil, reconcile.Result{}, err
	}

	remote, res := s.device.FetchAccounts(ctx, router.Target())
	checkedAt := s.now()
	storeCtx := context.WithoutCancel(ctx)
	if !res.Success {
		s.recordFailure(storeCtx, router, res, checkedAt)
		return nil, reconcile.Result{}, &DeviceError{Op: "fetch accounts", Result: res}
	}

	if err := s.store.UpdateRouterStatus(storeCtx, router.ID, db.RouterOnline, checkedAt); err != nil {
		return nil, reconcile.Result{}, err
	}

	local, err := s.store.ListAccountsByRouter(storeCtx, router.ID)
	if err != nil {
		return nil, reconcile.Result{}, err
	}
	return router, reconcile.Plan(remote, local), nil
}

func (s *SyncService) recordFailure(ctx context.Context, router *db.Router, res routeros.Result, checkedAt time.Time) {
	log := logging.WithRouter(s.logger, router.ID, router.FriendlyName)
	status := routerStatusFor(res.Kind)

	if err := s.store.UpdateRouterStatus(ctx, router.ID, status, checkedAt); err != nil {
		log.Error("failed to record router status", zap.Error(err))
	}
	if err := audit(ctx, s.store, logEntry(db.ActionRouterConnectionFails, router.ID, nil,
		"%s: %s", res.Kind, res.Error)); err != nil {
		log.Error("failed to audit router failure", zap.Error(err))
	}
	if status != router.Status {
		events.Emit(ctx, s.publisher, s.logger, events.AccountEvent{
			Type:     events.RouterStatusChanged,
			RouterID: router.ID,
			Status:   string(status),
			Detail:   res.Error,
		})
	}
}

func usernames(accounts []db.Account) []string {
	if len(accounts) == 0 {
		return nil
	}
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Username)
	}
	return out
}
