package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/db"
)

// MemoryStore is an in-process Store backing the service, scheduler and API
// tests. WithTx restores the previous state when fn fails; concurrent
// transactions are not isolated from each other, so a failing transaction
// also discards writes made meanwhile by other goroutines.
type MemoryStore struct {
	mu          sync.Mutex
	routers     map[uuid.UUID]db.Router
	accounts    map[uuid.UUID]db.Account
	plans       map[uuid.UUID]db.SpeedPlan
	adjustments []db.ExpiryAdjustment
	logs        []db.LogEntry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routers:  make(map[uuid.UUID]db.Router),
		accounts: make(map[uuid.UUID]db.Account),
		plans:    make(map[uuid.UUID]db.SpeedPlan),
	}
}

// AddRouter seeds a router, assigning an id when missing
func (m *MemoryStore) AddRouter(r db.Router) db.Router {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = db.RouterOffline
	}
	m.routers[r.ID] = r
	return r
}

// AddAccount seeds an account, assigning an id when missing
func (m *MemoryStore) AddAccount(a db.Account) db.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Source == "" {
		a.Source = db.SourceManual
	}
	m.accounts[a.ID] = a
	return a
}

// Accounts returns a copy of all accounts sorted by username
func (m *MemoryStore) Accounts() []db.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]db.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Adjustments returns a copy of the expiry history
func (m *MemoryStore) Adjustments() []db.ExpiryAdjustment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.ExpiryAdjustment(nil), m.adjustments...)
}

// Logs returns a copy of the audit log
func (m *MemoryStore) Logs() []db.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.LogEntry(nil), m.logs...)
}

// LogsWithAction filters the audit log by action
func (m *MemoryStore) LogsWithAction(action string) []db.LogEntry {
	var out []db.LogEntry
	for _, e := range m.Logs() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryStore) GetRouter(ctx context.Context, id uuid.UUID) (*db.Router, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.routers[id]
	if !ok {
		return nil, fmt.Errorf("router: %w", db.ErrNotFound)
	}
	return &r, nil
}

func (m *MemoryStore) UpdateRouterStatus(ctx context.Context, id uuid.UUID, status db.RouterStatus, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.routers[id]
	if !ok {
		return fmt.Errorf("router status: %w", db.ErrNotFound)
	}
	r.Status = status
	r.LastCheckedAt = &checkedAt
	r.UpdatedAt = time.Now()
	m.routers[id] = r
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*db.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account: %w", db.ErrNotFound)
	}
	return &a, nil
}

func (m *MemoryStore) GetAccountByUsername(ctx context.Context, routerID uuid.UUID, username string) (*db.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.RouterID == routerID && a.Username == username {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("account: %w", db.ErrNotFound)
}

func (m *MemoryStore) ListAccountsByRouter(ctx context.Context, routerID uuid.UUID) ([]db.Account, error) {
	var out []db.Account
	for _, a := range m.Accounts() {
		if a.RouterID == routerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, now time.Time) ([]db.OverdueAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []db.OverdueAccount
	for _, a := range m.accounts {
		if a.Status != db.AccountActive || a.ExpiryAt == nil || !a.ExpiryAt.Before(now) {
			continue
		}
		r, ok := m.routers[a.RouterID]
		if !ok {
			continue
		}
		out = append(out, db.OverdueAccount{Account: a, Router: r})
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Router.ID.String(), out[j].Router.ID.String()
		if ri != rj {
			return ri < rj
		}
		return out[i].Account.ExpiryAt.Before(*out[j].Account.ExpiryAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acc *db.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.RouterID == acc.RouterID && a.Username == acc.Username {
			return fmt.Errorf("%q: %w", acc.Username, db.ErrDuplicateUsername)
		}
	}
	now := time.Now()
	acc.ID = uuid.New()
	if acc.ActivatedAt.IsZero() {
		acc.ActivatedAt = now
	}
	acc.CreatedAt = now
	acc.UpdatedAt = now
	m.accounts[acc.ID] = *acc
	return nil
}

func (m *MemoryStore) update(id uuid.UUID, what string, fn func(a *db.Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("%s: %w", what, db.ErrNotFound)
	}
	fn(&a)
	a.UpdatedAt = time.Now()
	m.accounts[id] = a
	return nil
}

func (m *MemoryStore) UpdateAccountSync(ctx context.Context, id uuid.UUID, status db.AccountStatus, password string) error {
	return m.update(id, "account", func(a *db.Account) {
		a.Status = status
		a.Password = password
	})
}

func (m *MemoryStore) SetAccountStatus(ctx context.Context, id uuid.UUID, status db.AccountStatus) error {
	return m.update(id, "account status", func(a *db.Account) { a.Status = status })
}

func (m *MemoryStore) MarkExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok || a.Status != db.AccountActive {
		return false, nil
	}
	a.Status = db.AccountExpired
	a.UpdatedAt = time.Now()
	m.accounts[id] = a
	return true, nil
}

func (m *MemoryStore) UpdateExpiry(ctx context.Context, id uuid.UUID, expiry *time.Time) error {
	return m.update(id, "account expiry", func(a *db.Account) { a.ExpiryAt = expiry })
}

func (m *MemoryStore) ApplyRecharge(ctx context.Context, id uuid.UUID, expiry, rechargedAt time.Time) error {
	return m.update(id, "account recharge", func(a *db.Account) {
		a.ExpiryAt = &expiry
		a.Status = db.AccountActive
		a.LastRechargedAt = &rechargedAt
	})
}

func (m *MemoryStore) UpdatePassword(ctx context.Context, id uuid.UUID, password string) error {
	return m.update(id, "account password", func(a *db.Account) { a.Password = password })
}

func (m *MemoryStore) InsertExpiryAdjustment(ctx context.Context, adj *db.ExpiryAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	adj.ID = uuid.New()
	adj.CreatedAt = time.Now()
	m.adjustments = append(m.adjustments, *adj)
	return nil
}

func (m *MemoryStore) InsertLog(ctx context.Context, entry *db.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *MemoryStore) CreateSpeedPlan(ctx context.Context, plan *db.SpeedPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.plans {
		if p.RouterID == plan.RouterID && p.Name == plan.Name {
			return fmt.Errorf("%q: %w", plan.Name, db.ErrDuplicatePlanName)
		}
	}
	now := time.Now()
	plan.ID = uuid.New()
	plan.CreatedAt = now
	plan.UpdatedAt = now
	m.plans[plan.ID] = *plan
	return nil
}

func (m *MemoryStore) GetSpeedPlan(ctx context.Context, id uuid.UUID) (*db.SpeedPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("speed plan: %w", db.ErrNotFound)
	}
	return &p, nil
}

func (m *MemoryStore) ListSpeedPlans(ctx context.Context, routerID uuid.UUID) ([]db.SpeedPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []db.SpeedPlan
	for _, p := range m.plans {
		if p.RouterID == routerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteSpeedPlan(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[id]; !ok {
		return fmt.Errorf("speed plan: %w", db.ErrNotFound)
	}
	for _, a := range m.accounts {
		if a.SpeedPlanID != nil && *a.SpeedPlanID == id {
			return fmt.Errorf("speed plan %s: %w", id, db.ErrPlanInUse)
		}
	}
	delete(m.plans, id)
	return nil
}

type memorySnapshot struct {
	routers     map[uuid.UUID]db.Router
	accounts    map[uuid.UUID]db.Account
	plans       map[uuid.UUID]db.SpeedPlan
	adjustments []db.ExpiryAdjustment
	logs        []db.LogEntry
}

func (m *MemoryStore) snapshot() memorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := memorySnapshot{
		routers:     make(map[uuid.UUID]db.Router, len(m.routers)),
		accounts:    make(map[uuid.UUID]db.Account, len(m.accounts)),
		plans:       make(map[uuid.UUID]db.SpeedPlan, len(m.plans)),
		adjustments: append([]db.ExpiryAdjustment(nil), m.adjustments...),
		logs:        append([]db.LogEntry(nil), m.logs...),
	}
	for k, v := range m.routers {
		s.routers[k] = v
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.plans {
		s.plans[k] = v
	}
	return s
}

func (m *MemoryStore) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.routers = s.routers
	m.accounts = s.accounts
	m.plans = s.plans
	m.adjustments = s.adjustments
	m.logs = s.logs
}

// WithTx runs fn against the store and undoes its writes if it fails
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) (err error) {
	snap := m.snapshot()
	defer func() {
		if p := recover(); p != nil {
			m.restore(snap)
			panic(p)
		}
		if err != nil {
			m.restore(snap)
		}
	}()

	err = fn(m)
	return err
}
