package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/septivank/router-secrets-worker/internal/events"
	"github.com/septivank/router-secrets-worker/internal/repository"
	"github.com/septivank/router-secrets-worker/internal/routeros"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDisabler struct {
	mu      sync.Mutex
	results map[string]routeros.Result
	panics  map[string]bool
	calls   []string
	block   chan struct{}
	entered chan struct{}
}

func newFakeDisabler() *fakeDisabler {
	return &fakeDisabler{results: map[string]routeros.Result{}, panics: map[string]bool{}}
}

func (f *fakeDisabler) SetEnabled(ctx context.Context, target routeros.Target, username string, enabled bool) routeros.Result {
	f.mu.Lock()
	f.calls = append(f.calls, username)
	res, ok := f.results[username]
	shouldPanic := f.panics[username]
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if shouldPanic {
		panic("device exploded")
	}
	if !ok {
		return routeros.Result{Success: true}
	}
	return res
}

func (f *fakeDisabler) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	store  *repository.MemoryStore
	router db.Router
	device *fakeDisabler
	bus    *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	router := store.AddRouter(db.Router{
		FriendlyName: "core-1",
		Address:      "10.0.0.1",
		Port:         8728,
		APIUsername:  "api",
		APIPassword:  "secret",
		Status:       db.RouterOnline,
	})
	return &fixture{store: store, router: router, device: newFakeDisabler(), bus: &events.Recorder{}}
}

func (f *fixture) addAccount(routerID uuid.UUID, username string, status db.AccountStatus, expiry time.Time) db.Account {
	return f.store.AddAccount(db.Account{
		RouterID: routerID,
		Username: username,
		Password: "pw",
		Status:   status,
		ExpiryAt: &expiry,
	})
}

// scheduler runs routers in parallel against the plain memory store. An
// injected store gets one router at a time: a failed memory transaction
// rolls back writes of concurrent ones.
func (f *fixture) scheduler(store repository.Store) *ExpirationScheduler {
	concurrency := 4
	if store == nil {
		store = f.store
	} else {
		concurrency = 1
	}
	return New(store, f.device, f.bus, Config{Interval: time.Hour, RouterConcurrency: concurrency}, zap.NewNop())
}

func statusOf(t *testing.T, store *repository.MemoryStore, id uuid.UUID) db.AccountStatus {
	t.Helper()
	acc, err := store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Status
}

func TestRunOnce_ExpiresOverdueAccount(t *testing.T) {
	f := newFixture(t)
	yesterday := time.Now().Add(-24 * time.Hour)
	alice := f.addAccount(f.router.ID, "alice", db.AccountActive, yesterday)
	bob := f.addAccount(f.router.ID, "bob", db.AccountActive, time.Now().Add(24*time.Hour))

	report := f.scheduler(nil).RunOnce(context.Background())

	assert.Equal(t, 1, report.Overdue)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, db.AccountExpired, statusOf(t, f.store, alice.ID))
	assert.Equal(t, db.AccountActive, statusOf(t, f.store, bob.ID))
	assert.Equal(t, []string{"alice"}, f.device.Calls())

	logs := f.store.LogsWithAction(db.ActionAutoDisabled)
	require.Len(t, logs, 1)
	assert.Equal(t, alice.ID, *logs[0].AccountID)
	assert.Len(t, f.store.Logs(), 1)
	assert.Equal(t, []events.Type{events.AccountExpired}, f.bus.Types())
}

func TestRunOnce_DeviceFailureKeepsAccountActive(t *testing.T) {
	f := newFixture(t)
	alice := f.addAccount(f.router.ID, "alice", db.AccountActive, time.Now().Add(-24*time.Hour))
	f.device.results["alice"] = routeros.Result{
		Kind:  routeros.KindConnectionRefused,
		Error: "dial tcp 10.0.0.1:8728: connect: connection refused",
	}

	report := f.scheduler(nil).RunOnce(context.Background())

	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Expired)
	assert.Equal(t, db.AccountActive, statusOf(t, f.store, alice.ID))

	logs := f.store.LogsWithAction(db.ActionAutoDisableFailed)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Details, string(routeros.KindConnectionRefused))
	assert.Empty(t, f.store.LogsWithAction(db.ActionAutoDisabled))
	assert.Equal(t, []events.Type{events.AccountDisableFailed}, f.bus.Types())
}

func TestRunOnce_FailureIsIsolatedPerAccount(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Hour)
	carol := f.addAccount(f.router.ID, "carol", db.AccountActive, past.Add(-time.Hour))
	dave := f.addAccount(f.router.ID, "dave", db.AccountActive, past)
	f.device.panics["carol"] = true

	report := f.scheduler(nil).RunOnce(context.Background())

	assert.Equal(t, 2, report.Overdue)
	assert.Equal(t, 1, report.Errored)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, db.AccountActive, statusOf(t, f.store, carol.ID))
	assert.Equal(t, db.AccountExpired, statusOf(t, f.store, dave.ID))
	assert.Len(t, f.store.LogsWithAction(db.ActionAutoDisableError), 1)
	assert.Len(t, f.store.LogsWithAction(db.ActionAutoDisabled), 1)
}

type failingStore struct {
	*repository.MemoryStore
	listErr error
	markErr error
}

func (s *failingStore) ListOverdue(ctx context.Context, now time.Time) ([]db.OverdueAccount, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.ListOverdue(ctx, now)
}

func (s *failingStore) MarkExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	if s.markErr != nil {
		return false, s.markErr
	}
	return s.MemoryStore.MarkExpired(ctx, id)
}

func (s *failingStore) WithTx(ctx context.Context, fn func(tx repository.Store) error) error {
	return s.MemoryStore.WithTx(ctx, func(repository.Store) error { return fn(s) })
}

func TestRunOnce_ListFailureAbandonsTick(t *testing.T) {
	f := newFixture(t)
	f.addAccount(f.router.ID, "alice", db.AccountActive, time.Now().Add(-time.Hour))
	store := &failingStore{MemoryStore: f.store, listErr: errors.New("connection reset")}

	report := f.scheduler(store).RunOnce(context.Background())

	require.Error(t, report.Err)
	assert.Empty(t, f.device.Calls())
	logs := f.store.LogsWithAction(db.ActionSchedulerError)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].AccountID)
}

func TestRunOnce_LocalWriteFailureIsAudited(t *testing.T) {
	f := newFixture(t)
	alice := f.addAccount(f.router.ID, "alice", db.AccountActive, time.Now().Add(-time.Hour))
	store := &failingStore{MemoryStore: f.store, markErr: errors.New("deadlock detected")}

	report := f.scheduler(store).RunOnce(context.Background())

	assert.Equal(t, 1, report.Errored)
	assert.Equal(t, db.AccountActive, statusOf(t, f.store, alice.ID))
	assert.Len(t, f.store.LogsWithAction(db.ActionAutoDisableError), 1)
	assert.Empty(t, f.store.LogsWithAction(db.ActionAutoDisabled))
}

func TestRunOnce_ProcessesRoutersIndependently(t *testing.T) {
	f := newFixture(t)
	other := f.store.AddRouter(db.Router{FriendlyName: "edge-2", Address: "10.0.0.2", APIUsername: "api", APIPassword: "secret"})
	past := time.Now().Add(-time.Hour)
	a := f.addAccount(f.router.ID, "erin", db.AccountActive, past)
	b := f.addAccount(other.ID, "erin", db.AccountActive, past)
	c := f.addAccount(other.ID, "gus", db.AccountActive, past)
	f.device.results["gus"] = routeros.Result{Kind: routeros.KindTimeout, Error: "connection timeout after 15s"}

	report := f.scheduler(nil).RunOnce(context.Background())

	assert.Equal(t, 3, report.Overdue)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, db.AccountExpired, statusOf(t, f.store, a.ID))
	assert.Equal(t, db.AccountExpired, statusOf(t, f.store, b.ID))
	assert.Equal(t, db.AccountActive, statusOf(t, f.store, c.ID))
}

func TestRunOnce_SkipsWhileTickRunning(t *testing.T) {
	f := newFixture(t)
	f.addAccount(f.router.ID, "alice", db.AccountActive, time.Now().Add(-time.Hour))
	f.device.block = make(chan struct{})
	f.device.entered = make(chan struct{}, 1)
	s := f.scheduler(nil)

	first := make(chan TickReport, 1)
	go func() { first <- s.RunOnce(context.Background()) }()
	<-f.device.entered

	second := s.RunOnce(context.Background())
	assert.True(t, second.Skipped)

	close(f.device.block)
	report := <-first
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Expired)
	assert.Len(t, f.device.Calls(), 1)
}

func TestStartStop_RunsImmediatelyWhenConfigured(t *testing.T) {
	f := newFixture(t)
	alice := f.addAccount(f.router.ID, "alice", db.AccountActive, time.Now().Add(-time.Hour))
	s := New(f.store, f.device, f.bus, Config{Interval: time.Hour, RunOnStart: true, RouterConcurrency: 1}, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		acc, err := f.store.GetAccount(context.Background(), alice.ID)
		return err == nil && acc.Status == db.AccountExpired
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestGroupByRouter_KeepsOrder(t *testing.T) {
	r1, r2 := uuid.New(), uuid.New()
	in := []db.OverdueAccount{
		{Router: db.Router{ID: r1}, Account: db.Account{Username: "a"}},
		{Router: db.Router{ID: r2}, Account: db.Account{Username: "b"}},
		{Router: db.Router{ID: r1}, Account: db.Account{Username: "c"}},
	}

	groups := groupByRouter(in)

	require.Len(t, groups, 2)
	assert.Equal(t, "a", groups[0][0].Account.Username)
	assert.Equal(t, "c", groups[0][1].Account.Username)
	assert.Equal(t, "b", groups[1][0].Account.Username)
}
