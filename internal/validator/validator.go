package validator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/septivank/router-secrets-worker/internal/routeros"
	"github.com/septivank/router-secrets-worker/tools/timeparser"
)

// ErrInvalid marks operator input that was rejected before any device or
// database call
var ErrInvalid = errors.New("invalid input")

const maxUsernameLength = 64

// Validator checks operator input with configurable defaults
type Validator struct {
	defaultDays int
	location    *time.Location
}

// NewValidator creates a validator. defaultDays applies to recharges and new
// accounts without an explicit expiry; loc is used for expiry input without a zone.
func NewValidator(defaultDays int, loc *time.Location) *Validator {
	if defaultDays <= 0 {
		defaultDays = 30
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Validator{
		defaultDays: defaultDays,
		location:    loc,
	}
}

// DefaultDays is the validity applied when the operator gives none
func (v *Validator) DefaultDays() int {
	return v.defaultDays
}

// ValidateCredentials checks a PPPoE username and secret before they are sent
// to a device
func (v *Validator) ValidateCredentials(username, password string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: username is required", ErrInvalid)
	}
	if len(username) > maxUsernameLength {
		return fmt.Errorf("%w: username longer than %d characters", ErrInvalid, maxUsernameLength)
	}
	if strings.ContainsAny(username, " \t\r\n=?") {
		return fmt.Errorf("%w: username contains whitespace or reserved characters", ErrInvalid)
	}
	return v.ValidatePassword(password)
}

// ValidatePassword checks a PPPoE secret
func (v *Validator) ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalid)
	}
	if strings.ContainsAny(password, "\r\n") {
		return fmt.Errorf("%w: password contains line breaks", ErrInvalid)
	}
	return nil
}

// ValidateRateLimit accepts nil or a limit with both directions set. A half
// pair is rejected rather than silently replaced by the default profile.
func (v *Validator) ValidateRateLimit(limit *routeros.RateLimit) error {
	if limit == nil {
		return nil
	}
	if !limit.Valid() {
		return fmt.Errorf("%w: rate limit needs download and upload of at least 1 kbps", ErrInvalid)
	}
	return nil
}

// ValidateSpeedPlan checks a plan name and its ceiling
func (v *Validator) ValidateSpeedPlan(name string, limit routeros.RateLimit) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: speed plan name is required", ErrInvalid)
	}
	return v.ValidateRateLimit(&limit)
}

// RechargeDays resolves the number of days for a recharge
func (v *Validator) RechargeDays(days *int) (int, error) {
	if days == nil {
		return v.defaultDays, nil
	}
	if *days <= 0 {
		return 0, fmt.Errorf("%w: days must be greater than 0", ErrInvalid)
	}
	return *days, nil
}

// ParseExpiry parses operator-supplied expiry text in the configured location
func (v *Validator) ParseExpiry(value string) (time.Time, error) {
	t, err := timeparser.ParseExpiry(value, v.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return t, nil
}

// ValidateTarget checks connection parameters of a router
func (v *Validator) ValidateTarget(target routeros.Target) error {
	if target.Address == "" || target.Username == "" || target.Password == "" {
		return fmt.Errorf("%w: address, username and password are required", ErrInvalid)
	}
	if target.Port < 0 || target.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, target.Port)
	}
	return nil
}
