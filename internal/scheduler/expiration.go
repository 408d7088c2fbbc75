// Package scheduler runs the expiration enforcement loop: on every tick it
// disables overdue ACTIVE accounts on their routers and marks them EXPIRED.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/septivank/router-secrets-worker/internal/events"
	"github.com/septivank/router-secrets-worker/internal/logging"
	"github.com/septivank/router-secrets-worker/internal/metrics"
	"github.com/septivank/router-secrets-worker/internal/repository"
	"github.com/septivank/router-secrets-worker/internal/routeros"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Disabler flips the disabled flag of a secret on a router
type Disabler interface {
	SetEnabled(ctx context.Context, target routeros.Target, username string, enabled bool) routeros.Result
}

// Config holds scheduler settings
type Config struct {
	Interval          time.Duration
	RunOnStart        bool
	RouterConcurrency int
}

// TickReport summarizes one enforcement tick
type TickReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Overdue   int           `json:"overdue"`
	Expired   int           `json:"expired"`
	Failed    int           `json:"failed"`
	Errored   int           `json:"errored"`
	Skipped   bool          `json:"skipped"`
	Err       error         `json:"-"`
}

type outcome int

const (
	outcomeExpired outcome = iota
	outcomeFailed
	outcomeErrored
)

// ExpirationScheduler owns the enforcement loop. Instances are independent.
type ExpirationScheduler struct {
	store     repository.Store
	device    Disabler
	publisher events.Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. It does nothing until Start or RunOnce.
func New(store repository.Store, device Disabler, publisher events.Publisher, cfg Config, logger *zap.Logger) *ExpirationScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.RouterConcurrency <= 0 {
		cfg.RouterConcurrency = 1
	}
	return &ExpirationScheduler{
		store:     store,
		device:    device,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("expiration"),
		now:       time.Now,
	}
}

// Start launches the loop in the background. The loop outlives ctx's
// deadline; it ends on Stop.
func (s *ExpirationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("expiration scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("expiration scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("run_on_start", s.cfg.RunOnStart),
		zap.Int("router_concurrency", s.cfg.RouterConcurrency),
	)

	go s.loop(loopCtx, s.done)
	return nil
}

// Stop cancels the loop, aborting in-flight device sessions, and waits for
// the current tick to return or ctx to end
func (s *ExpirationScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		s.logger.Info("expiration scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("expiration scheduler did not stop in time: %w", ctx.Err())
	}
}

func (s *ExpirationScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if s.cfg.RunOnStart {
		s.RunOnce(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single enforcement tick. If another tick is in progress it
// returns immediately with Skipped set.
func (s *ExpirationScheduler) RunOnce(ctx context.Context) (report TickReport) {
	report.StartedAt = s.now()
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous expiration tick still running, skipping")
		metrics.ExpirationTicks.WithLabelValues("skipped").Inc()
		report.Skipped = true
		return report
	}
	defer s.running.Store(false)
	defer func() { report.Duration = s.now().Sub(report.StartedAt) }()

	overdue, err := s.store.ListOverdue(ctx, report.StartedAt)
	if err != nil {
		s.logger.Error("failed to list overdue accounts", zap.Error(err))
		entry := &db.LogEntry{Action: db.ActionSchedulerError, Details: err.Error()}
		if aerr := s.store.InsertLog(ctx, entry); aerr != nil {
			s.logger.Error("failed to audit scheduler error", zap.Error(aerr))
		}
		metrics.ExpirationTicks.WithLabelValues("failed").Inc()
		report.Err = err
		return report
	}

	report.Overdue = len(overdue)
	if len(overdue) == 0 {
		s.logger.Debug("no overdue accounts")
		metrics.ExpirationTicks.WithLabelValues("completed").Inc()
		return report
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.RouterConcurrency)

	for _, batch := range groupByRouter(overdue) {
		g.Go(func() error {
			counts := s.processRouter(ctx, batch)
			mu.Lock()
			report.Expired += counts[outcomeExpired]
			report.Failed += counts[outcomeFailed]
			report.Errored += counts[outcomeErrored]
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	metrics.ExpirationTicks.WithLabelValues("completed").Inc()
	s.logger.Info("expiration tick completed",
		zap.Int("overdue", report.Overdue),
		zap.Int("expired", report.Expired),
		zap.Int("failed", report.Failed),
		zap.Int("errored", report.Errored),
	)
	return report
}

// processRouter handles one router's overdue accounts sequentially so that no
// two sessions mutate the same router's secrets at once
func (s *ExpirationScheduler) processRouter(ctx context.Context, batch []db.OverdueAccount) map[outcome]int {
	counts := make(map[outcome]int, 4)
	for i, o := range batch {
		if ctx.Err() != nil {
			logging.WithRouter(s.logger, o.Router.ID, o.Router.FriendlyName).Warn("tick cancelled, leaving accounts for the next run",
				zap.Int("remaining", len(batch)-i))
			break
		}
		out := s.processAccount(ctx, o)
		counts[out]++
		metrics.ExpirationAccounts.WithLabelValues(out.String()).Inc()
	}
	return counts
}

// processAccount disables one account remotely and only then records it
// locally. Writes after the device call use a context detached from
// cancellation so a stop between the two steps still leaves an audit trail.
func (s *ExpirationScheduler) processAccount(ctx context.Context, o db.OverdueAccount) (out outcome) {
	acc, router := o.Account, o.Router
	log := logging.WithAccount(logging.WithRouter(s.logger, router.ID, router.FriendlyName), acc.ID, acc.Username)
	storeCtx := context.WithoutCancel(ctx)

	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while expiring account", zap.Any("panic", p))
			s.auditError(storeCtx, log, acc, fmt.Errorf("panic: %v", p))
			out = outcomeErrored
		}
	}()

	res := s.device.SetEnabled(ctx, router.Target(), acc.Username, false)
	if !res.Success {
		log.Warn("failed to disable expired account on router",
			zap.String("kind", string(res.Kind)),
			zap.String("error", res.Error),
		)
		entry := &db.LogEntry{
			Action:    db.ActionAutoDisableFailed,
			RouterID:  &router.ID,
			AccountID: &acc.ID,
			Details:   fmt.Sprintf("%s: %s", res.Kind, res.Error),
		}
		if err := s.store.InsertLog(storeCtx, entry); err != nil {
			log.Error("failed to audit disable failure", zap.Error(err))
			return outcomeErrored
		}
		events.Emit(storeCtx, s.publisher, log, events.AccountEvent{
			Type:      events.AccountDisableFailed,
			RouterID:  router.ID,
			AccountID: &acc.ID,
			Username:  acc.Username,
			Status:    string(acc.Status),
			ExpiryAt:  acc.ExpiryAt,
			Detail:    string(res.Kind),
		})
		return outcomeFailed
	}

	var changed bool
	err := s.store.WithTx(storeCtx, func(tx repository.Store) error {
		var err error
		changed, err = tx.MarkExpired(storeCtx, acc.ID)
		if err != nil {
			return err
		}
		details := fmt.Sprintf("expired at %s", acc.ExpiryAt.UTC().Format(time.RFC3339))
		if !changed {
			details += "; account was no longer ACTIVE locally"
		}
		return tx.InsertLog(storeCtx, &db.LogEntry{
			Action:    db.ActionAutoDisabled,
			RouterID:  &router.ID,
			AccountID: &acc.ID,
			Details:   details,
		})
	})
	if err != nil {
		log.Error("disabled on router but failed to record expiry", zap.Error(err))
		s.auditError(storeCtx, log, acc, err)
		return outcomeErrored
	}

	if !changed {
		log.Warn("account changed status while being expired")
	} else {
		log.Info("account expired and disabled on router")
	}
	events.Emit(storeCtx, s.publisher, log, events.AccountEvent{
		Type:      events.AccountExpired,
		RouterID:  router.ID,
		AccountID: &acc.ID,
		Username:  acc.Username,
		Status:    string(db.AccountExpired),
		ExpiryAt:  acc.ExpiryAt,
	})
	return outcomeExpired
}

func (s *ExpirationScheduler) auditError(ctx context.Context, log *zap.Logger, acc db.Account, cause error) {
	entry := &db.LogEntry{
		Action:    db.ActionAutoDisableError,
		RouterID:  &acc.RouterID,
		AccountID: &acc.ID,
		Details:   cause.Error(),
	}
	if err := s.store.InsertLog(ctx, entry); err != nil {
		log.Error("failed to audit expiration error", zap.Error(err))
	}
}

func (o outcome) String() string {
	switch o {
	case outcomeExpired:
		return "expired"
	case outcomeFailed:
		return "failed"
	default:
		return "error"
	}
}

// groupByRouter keeps the order of first appearance
func groupByRouter(overdue []db.OverdueAccount) [][]db.OverdueAccount {
	index := make(map[uuid.UUID]int)
	var groups [][]db.OverdueAccount
	for _, o := range overdue {
		i, ok := index[o.Router.ID]
		if !ok {
			i = len(groups)
			index[o.Router.ID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], o)
	}
	return groups
}
