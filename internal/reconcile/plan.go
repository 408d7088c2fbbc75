// Package reconcile diffs the PPP secrets configured on one router against
// the local accounts recorded for that router. It performs no I/O: callers
// fetch both sides, ask for a plan, and commit it themselves.
//
// Local accounts are never deleted or stripped of locally owned fields
// (expiry, provenance, recharge history). The device is authoritative only
// for the disabled flag and the password.
package reconcile

import (
	"sort"
	"time"

	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/septivank/router-secrets-worker/internal/routeros"
)

// NewAccount is a remote secret with no local counterpart
type NewAccount struct {
	Username string
	Password string
	Status   db.AccountStatus
	Remote   routeros.RemoteAccount
}

// Update is a local account whose device-owned fields diverge from the router
type Update struct {
	Account  db.Account
	Status   db.AccountStatus
	Password string
}

// StatusChanged reports whether the update moves the account to another status
func (u Update) StatusChanged() bool {
	return u.Status != u.Account.Status
}

// PasswordChanged reports whether the update replaces the local password
func (u Update) PasswordChanged() bool {
	return u.Password != u.Account.Password
}

// Result is the merge plan for one router
type Result struct {
	New        []NewAccount
	Updates    []Update
	Unchanged  []string
	LocalOnly  []db.Account
	Duplicates []string
}

// Mutations is the number of local writes the plan would cause
func (r Result) Mutations() int {
	return len(r.New) + len(r.Updates)
}

// Plan computes the merge plan for one router. Both slices must belong to the
// same router; usernames are never matched across routers.
func Plan(remote []routeros.RemoteAccount, local []db.Account) Result {
	byName := make(map[string]db.Account, len(local))
	for _, acc := range local {
		byName[acc.Username] = acc
	}

	var res Result
	seen := make(map[string]bool, len(remote))
	for _, r := range remote {
		if r.Name == "" {
			continue
		}
		if seen[r.Name] {
			res.Duplicates = append(res.Duplicates, r.Name)
			continue
		}
		seen[r.Name] = true

		acc, exists := byName[r.Name]
		if !exists {
			res.New = append(res.New, NewAccount{
				Username: r.Name,
				Password: r.Password,
				Status:   statusForNew(r),
				Remote:   r,
			})
			continue
		}

		upd := Update{
			Account:  acc,
			Status:   reconcileStatus(acc.Status, r.Disabled),
			Password: acc.Password,
		}
		if r.Password != "" {
			upd.Password = r.Password
		}
		if upd.StatusChanged() || upd.PasswordChanged() {
			res.Updates = append(res.Updates, upd)
		} else {
			res.Unchanged = append(res.Unchanged, acc.Username)
		}
	}

	for _, acc := range local {
		if !seen[acc.Username] {
			res.LocalOnly = append(res.LocalOnly, acc)
		}
	}
	sort.Slice(res.LocalOnly, func(i, j int) bool {
		return res.LocalOnly[i].Username < res.LocalOnly[j].Username
	})

	return res
}

func statusForNew(r routeros.RemoteAccount) db.AccountStatus {
	if r.Disabled {
		return db.AccountDisabled
	}
	return db.AccountActive
}

// reconcileStatus applies the device's disabled flag to a local status.
// EXPIRED is left alone either way: leaving it requires a recharge.
func reconcileStatus(local db.AccountStatus, remoteDisabled bool) db.AccountStatus {
	switch {
	case local == db.AccountExpired:
		return db.AccountExpired
	case remoteDisabled:
		return db.AccountDisabled
	default:
		return db.AccountActive
	}
}

// Selection is an operator's decision about one discovered secret
type Selection struct {
	Username string     `json:"username"`
	ExpiryAt *time.Time `json:"expiry_at,omitempty"`
}

// Import is a discovered secret the operator chose to adopt
type Import struct {
	NewAccount
	ExpiryAt time.Time
}

// SelectImports matches operator selections against the secrets discovered in
// a fresh plan. Selections without an expiry, or naming a secret that is not a
// new discovery (already local, gone from the router), are skipped.
func SelectImports(candidates []NewAccount, selections []Selection) (imports []Import, skipped []string) {
	byName := make(map[string]NewAccount, len(candidates))
	for _, c := range candidates {
		byName[c.Username] = c
	}

	taken := make(map[string]bool, len(selections))
	for _, sel := range selections {
		cand, found := byName[sel.Username]
		if sel.ExpiryAt == nil || !found || taken[sel.Username] {
			skipped = append(skipped, sel.Username)
			continue
		}
		taken[sel.Username] = true
		imports = append(imports, Import{NewAccount: cand, ExpiryAt: *sel.ExpiryAt})
	}
	return imports, skipped
}
