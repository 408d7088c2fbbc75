// Package events defines the account state-change notifications emitted after
// local commits. Delivery is best effort: a failed publish never undoes the
// commit that produced the event.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names an account state change. It doubles as the routing key suffix.
type Type string

const (
	AccountExpired       Type = "account.expired"
	AccountDisableFailed Type = "account.disable_failed"
	AccountCreated       Type = "account.created"
	AccountEnabled       Type = "account.enabled"
	AccountDisabled      Type = "account.disabled"
	AccountRecharged     Type = "account.recharged"
	AccountImported      Type = "account.imported"
	AccountResynced      Type = "account.resynced"
	RouterStatusChanged  Type = "router.status"
)

// AccountEvent is the payload published for every state change
type AccountEvent struct {
	Type       Type       `json:"type"`
	RouterID   uuid.UUID  `json:"router_id"`
	AccountID  *uuid.UUID `json:"account_id,omitempty"`
	Username   string     `json:"username,omitempty"`
	Status     string     `json:"status,omitempty"`
	ExpiryAt   *time.Time `json:"expiry_at,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Publisher delivers account events to a bus
type Publisher interface {
	Publish(ctx context.Context, event AccountEvent) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, AccountEvent) error { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []AccountEvent
}

func (r *Recorder) Publish(_ context.Context, event AccountEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything published so far
func (r *Recorder) Events() []AccountEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AccountEvent(nil), r.events...)
}

// Types lists the published event types in order
func (r *Recorder) Types() []Type {
	var out []Type
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}

// Emit publishes best effort: a failure is logged and swallowed
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, event AccountEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := p.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish account event",
			zap.Error(err),
			zap.String("type", string(event.Type)),
			zap.String("router_id", event.RouterID.String()),
			zap.String("username", event.Username),
		)
	}
}
