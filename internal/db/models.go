package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/routeros"
)

var (
	// ErrNotFound is returned when a router or account row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateUsername is returned when (router_id, username) already exists
	ErrDuplicateUsername = errors.New("username already exists on router")
	// ErrDuplicatePlanName is returned when (router_id, name) already exists
	ErrDuplicatePlanName = errors.New("speed plan name already exists on router")
	// ErrPlanInUse is returned when deleting a speed plan that accounts still use
	ErrPlanInUse = errors.New("speed plan is in use")
)

// RouterStatus is the last-known liveness of a router
type RouterStatus string

const (
	RouterOnline  RouterStatus = "ONLINE"
	RouterOffline RouterStatus = "OFFLINE"
	RouterError   RouterStatus = "ERROR"
)

// AccountStatus is the local status of a subscriber secret
type AccountStatus string

const (
	AccountActive   AccountStatus = "ACTIVE"
	AccountExpired  AccountStatus = "EXPIRED"
	AccountDisabled AccountStatus = "DISABLED"
)

// AccountSource records how an account came to exist locally
type AccountSource string

const (
	SourceManual   AccountSource = "MANUAL"
	SourceImported AccountSource = "IMPORTED"
)

// AdjustmentType tags the cause of an expiry change
type AdjustmentType string

const (
	AdjustmentManualEdit AdjustmentType = "MANUAL_EDIT"
	AdjustmentRecharge   AdjustmentType = "RECHARGE"
	AdjustmentImportSet  AdjustmentType = "IMPORT_SET"
	AdjustmentResync     AdjustmentType = "RESYNC"
)

// Audit log actions
const (
	ActionAutoDisabled          = "PPPOE_USER_AUTO_DISABLED"
	ActionAutoDisableFailed     = "PPPOE_USER_AUTO_DISABLE_FAILED"
	ActionAutoDisableError      = "PPPOE_USER_AUTO_DISABLE_ERROR"
	ActionSchedulerError        = "EXPIRATION_SCHEDULER_ERROR"
	ActionRecharged             = "PPPOE_USER_RECHARGED"
	ActionEnableFailed          = "PPPOE_USER_ENABLE_FAILED"
	ActionEnabled               = "PPPOE_USER_ENABLED"
	ActionDisabled              = "PPPOE_USER_DISABLED"
	ActionCreated               = "PPPOE_USER_CREATED"
	ActionCreateFailed          = "PPPOE_USER_CREATE_FAILED"
	ActionDisableFailed         = "PPPOE_USER_DISABLE_FAILED"
	ActionPasswordUpdateFailed  = "PPPOE_USER_PASSWORD_UPDATE_FAILED"
	ActionExpiryUpdated         = "PPPOE_USER_EXPIRY_UPDATED"
	ActionPasswordUpdated       = "PPPOE_USER_UPDATED"
	ActionImported              = "PPPOE_USER_IMPORTED"
	ActionResynced              = "PPPOE_USER_RESYNCED"
	ActionImportScan            = "ROUTER_IMPORT_USERS"
	ActionImportCompleted       = "ROUTER_IMPORT_USERS_COMPLETED"
	ActionRouterResync          = "ROUTER_RESYNC"
	ActionRouterConnectionOK    = "ROUTER_CONNECTION_SUCCESS"
	ActionRouterConnectionFails = "ROUTER_CONNECTION_FAILED"
	ActionSpeedPlanCreated      = "SPEED_PLAN_CREATED"
	ActionSpeedPlanDeleted      = "SPEED_PLAN_DELETED"
)

// Router represents a managed RouterOS device
type Router struct {
	ID            uuid.UUID
	FriendlyName  string
	Address       string
	Port          int
	APIUsername   string
	APIPassword   string
	Status        RouterStatus
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Target returns the connection parameters of the router
func (r *Router) Target() routeros.Target {
	return routeros.Target{
		Name:     r.FriendlyName,
		Address:  r.Address,
		Port:     r.Port,
		Username: r.APIUsername,
		Password: r.APIPassword,
	}
}

// Account represents a PPPoE subscriber secret in the database
type Account struct {
	ID              uuid.UUID
	RouterID        uuid.UUID
	Username        string
	Password        string
	Status          AccountStatus
	ActivatedAt     time.Time
	ExpiryAt        *time.Time
	Source          AccountSource
	ImportedAt      *time.Time
	LastRechargedAt *time.Time
	SpeedPlanID     *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SpeedPlan is a named download/upload ceiling offered on one router
type SpeedPlan struct {
	ID           uuid.UUID
	RouterID     uuid.UUID
	Name         string
	DownloadKbps int
	UploadKbps   int
	Description  string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RateLimit returns the ceiling the plan applies to a secret
func (p *SpeedPlan) RateLimit() *routeros.RateLimit {
	return &routeros.RateLimit{DownloadKbps: p.DownloadKbps, UploadKbps: p.UploadKbps}
}

// OverdueAccount is an ACTIVE account past its expiry joined with its router
type OverdueAccount struct {
	Account Account
	Router  Router
}

// ExpiryAdjustment is an append-only record of an expiry change
type ExpiryAdjustment struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	PreviousExpiry *time.Time
	NewExpiry      *time.Time
	Type           AdjustmentType
	CreatedAt      time.Time
}

// LogEntry is an append-only audit record
type LogEntry struct {
	ID        uuid.UUID
	Action    string
	RouterID  *uuid.UUID
	AccountID *uuid.UUID
	Details   string
	CreatedAt time.Time
}
