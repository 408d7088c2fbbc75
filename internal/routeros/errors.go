package routeros

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies a failed device operation into an actionable category
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindTimeout              ErrorKind = "TIMEOUT"
	KindConnectionRefused    ErrorKind = "CONNECTION_REFUSED"
	KindAuthenticationFailed ErrorKind = "AUTHENTICATION_FAILED"
	KindNotFound             ErrorKind = "NOT_FOUND"
	KindUnknown              ErrorKind = "UNKNOWN"
)

// Retryable reports whether the failure is likely to clear on a later attempt
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindConnectionRefused
}

// Result is the outcome of one device operation. Device failures are returned
// as values, never as panics or bare errors.
type Result struct {
	Success     bool      `json:"success"`
	Kind        ErrorKind `json:"kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	Suggestions []string  `json:"suggestions,omitempty"`
	Identity    string    `json:"identity,omitempty"`
}

// Err converts a failed result into an error; it returns nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Kind, Message: r.Error, Suggestions: r.Suggestions}
}

// Error is the error form of a failed Result
type Error struct {
	Kind        ErrorKind
	Message     string
	Suggestions []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("routeros %s: %s", strings.ToLower(string(e.Kind)), e.Message)
}

// errNotFound marks a lookup by name that matched no secret on the device
var errNotFound = errors.New("user not found")

func ok() Result {
	return Result{Success: true}
}

func failure(err error) Result {
	kind := Classify(err)
	return Result{
		Success:     false,
		Kind:        kind,
		Error:       err.Error(),
		Suggestions: Suggestions(kind),
	}
}

// Classify maps a transport or device error onto an ErrorKind. Typed errors
// are checked first; the error text is the fallback since RouterOS reports
// most failures as plain trap messages.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, errNotFound) {
		return KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "econnrefused"):
		return KindConnectionRefused
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "invalid user name or password"),
		strings.Contains(msg, "cannot log in"):
		return KindAuthenticationFailed
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such item"):
		return KindNotFound
	default:
		return KindUnknown
	}
}

// Suggestions returns operator-facing remediation hints for a failure kind
func Suggestions(kind ErrorKind) []string {
	switch kind {
	case KindNone:
		return nil
	case KindTimeout:
		return []string{
			"Check if the router is running and accessible",
			"Check if the router IP address is correct",
			"Check if there is a firewall blocking the connection",
			"Check if the API service is enabled on the router",
			"Try pinging the router from this server",
		}
	case KindConnectionRefused:
		return []string{
			"Check if the API service is enabled on the router",
			"Check if the port number is correct",
			"Check if the router is running",
		}
	case KindAuthenticationFailed:
		return []string{
			"Check if the API username is correct",
			"Check if the API password is correct",
			"Check if the user has API permissions",
		}
	case KindNotFound:
		return []string{
			"Check if the PPPoE secret still exists on the router",
			"Run a resync to refresh the local account list",
		}
	default:
		return []string{
			"Check network connectivity",
			"Check router configuration",
			"Check firewall settings",
			"Verify API service is enabled",
		}
	}
}
