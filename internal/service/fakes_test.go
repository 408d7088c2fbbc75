package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/septivank/router-secrets-worker/internal/events"
	"github.com/septivank/router-secrets-worker/internal/repository"
	"github.com/septivank/router-secrets-worker/internal/routeros"
	"github.com/septivank/router-secrets-worker/internal/validator"
	"go.uber.org/zap"
)

// fakeDevice embeds Device so unconfigured calls panic loudly
type fakeDevice struct {
	Device

	mu        sync.Mutex
	remote    []routeros.RemoteAccount
	fetchRes  routeros.Result
	testRes   routeros.Result
	createRes routeros.Result
	enableRes routeros.Result
	passRes   routeros.Result
	calls     []string
	lastLimit *routeros.RateLimit

	// afterCall runs once the device has answered, before the result returns
	afterCall func()
}

func newFakeDevice() *fakeDevice {
	ok := routeros.Result{Success: true}
	return &fakeDevice{fetchRes: ok, testRes: ok, createRes: ok, enableRes: ok, passRes: ok}
}

func (f *fakeDevice) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	after := f.afterCall
	f.mu.Unlock()

	if after != nil {
		after()
	}
}

func (f *fakeDevice) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDevice) TestConnection(ctx context.Context, target routeros.Target) routeros.Result {
	f.record("test")
	return f.testRes
}

func (f *fakeDevice) FetchAccounts(ctx context.Context, target routeros.Target) ([]routeros.RemoteAccount, routeros.Result) {
	f.record("fetch")
	if !f.fetchRes.Success {
		return nil, f.fetchRes
	}
	return append([]routeros.RemoteAccount(nil), f.remote...), f.fetchRes
}

func (f *fakeDevice) CreateAccount(ctx context.Context, target routeros.Target, username, secret string, limit *routeros.RateLimit) routeros.Result {
	f.mu.Lock()
	f.lastLimit = limit
	f.mu.Unlock()
	f.record("create " + username)
	return f.createRes
}

func (f *fakeDevice) SetEnabled(ctx context.Context, target routeros.Target, username string, enabled bool) routeros.Result {
	if enabled {
		f.record("enable " + username)
	} else {
		f.record("disable " + username)
	}
	return f.enableRes
}

func (f *fakeDevice) SetPassword(ctx context.Context, target routeros.Target, username, secret string) routeros.Result {
	f.record("password " + username)
	return f.passRes
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store    *repository.MemoryStore
	router   db.Router
	device   *fakeDevice
	bus      *events.Recorder
	sync     *SyncService
	accounts *AccountService
}

func newHarness() *harness {
	store := repository.NewMemoryStore()
	router := store.AddRouter(db.Router{
		FriendlyName: "core-1",
		Address:      "10.0.0.1",
		Port:         8728,
		APIUsername:  "api",
		APIPassword:  "secret",
		Status:       db.RouterOffline,
	})
	h := &harness{store: store, router: router, device: newFakeDevice(), bus: &events.Recorder{}}
	h.wire(store)
	return h
}

func (h *harness) wire(store repository.Store) {
	h.sync = NewSyncService(store, h.device, h.bus, zap.NewNop())
	h.sync.now = func() time.Time { return fixedNow }
	h.accounts = NewAccountService(store, h.device, h.bus, validator.NewValidator(30, time.UTC), zap.NewNop())
	h.accounts.now = func() time.Time { return fixedNow }
}

func (h *harness) addAccount(username string, status db.AccountStatus, expiry *time.Time) db.Account {
	return h.store.AddAccount(db.Account{
		RouterID: h.router.ID,
		Username: username,
		Password: username + "-pw",
		Status:   status,
		ExpiryAt: expiry,
	})
}

func (h *harness) account(id uuid.UUID) db.Account {
	acc, err := h.store.GetAccount(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return *acc
}

func (h *harness) accountByName(username string) *db.Account {
	acc, err := h.store.GetAccountByUsername(context.Background(), h.router.ID, username)
	if err != nil {
		return nil
	}
	return acc
}

// duplicateStore reports every insert as a unique violation
type duplicateStore struct {
	*repository.MemoryStore
}

func (s *duplicateStore) CreateAccount(ctx context.Context, acc *db.Account) error {
	return db.ErrDuplicateUsername
}

func (s *duplicateStore) WithTx(ctx context.Context, fn func(tx repository.Store) error) error {
	return s.MemoryStore.WithTx(ctx, func(repository.Store) error { return fn(s) })
}

// ctxStore refuses work on a done context the way pgx does on Begin
type ctxStore struct {
	*repository.MemoryStore
}

func (s *ctxStore) InsertLog(ctx context.Context, entry *db.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.InsertLog(ctx, entry)
}

func (s *ctxStore) UpdateRouterStatus(ctx context.Context, id uuid.UUID, status db.RouterStatus, checkedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.UpdateRouterStatus(ctx, id, status, checkedAt)
}

func (s *ctxStore) WithTx(ctx context.Context, fn func(tx repository.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.WithTx(ctx, func(repository.Store) error { return fn(s) })
}

// cancelOnDeviceAnswer wires a store that honours cancellation and returns a
// context that is cancelled as soon as the device answers
func (h *harness) cancelOnDeviceAnswer() context.Context {
	h.wire(&ctxStore{MemoryStore: h.store})
	ctx, cancel := context.WithCancel(context.Background())
	h.device.afterCall = cancel
	return ctx
}
