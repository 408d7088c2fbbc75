package routeros

import (
	"fmt"
	"strings"
)

const (
	defaultService = "pppoe"
	defaultProfile = "default"
)

// RemoteAccount is one PPP secret as currently configured on a device.
// It is rebuilt from the device on every query and never cached.
type RemoteAccount struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Service  string `json:"service"`
	Profile  string `json:"profile"`
	CallerID string `json:"caller_id"`
	Disabled bool   `json:"disabled"`
	Comment  string `json:"comment"`
}

// RateLimit is a download/upload ceiling in kbit/s
type RateLimit struct {
	DownloadKbps int `json:"download_kbps"`
	UploadKbps   int `json:"upload_kbps"`
}

// Valid reports whether both directions carry a positive ceiling
func (r *RateLimit) Valid() bool {
	return r != nil && r.DownloadKbps > 0 && r.UploadKbps > 0
}

// String renders the limit in RouterOS rx/tx order, upload first
func (r RateLimit) String() string {
	return fmt.Sprintf("%dk/%dk", r.UploadKbps, r.DownloadKbps)
}

func identityCommand() []string {
	return []string{"/system/identity/print"}
}

func listSecretsCommand() []string {
	return []string{"/ppp/secret/print"}
}

func findSecretCommand(name string) []string {
	return []string{"/ppp/secret/print", "?name=" + name}
}

func addSecretCommand(name, secret string, limit *RateLimit) []string {
	cmd := []string{
		"/ppp/secret/add",
		"=name=" + name,
		"=password=" + secret,
		"=service=" + defaultService,
	}
	if limit.Valid() {
		cmd = append(cmd,
			"=limit-at="+limit.String(),
			"=max-limit="+limit.String(),
		)
	} else {
		cmd = append(cmd, "=profile="+defaultProfile)
	}
	return cmd
}

func setDisabledCommand(id string, disabled bool) []string {
	return []string{"/ppp/secret/set", "=.id=" + id, "=disabled=" + FormatBool(disabled)}
}

func setPasswordCommand(id, secret string) []string {
	return []string{"/ppp/secret/set", "=.id=" + id, "=password=" + secret}
}

// ParseRemoteAccount converts a raw reply map into a RemoteAccount
func ParseRemoteAccount(m map[string]string) RemoteAccount {
	return RemoteAccount{
		ID:       m[".id"],
		Name:     m["name"],
		Password: m["password"],
		Service:  m["service"],
		Profile:  m["profile"],
		CallerID: m["caller-id"],
		Disabled: parseDisabled(m["disabled"]),
		Comment:  m["comment"],
	}
}

// ParseBool parses a RouterOS boolean word; only true/yes are true.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes":
		return true
	default:
		return false
	}
}

// FormatBool renders a boolean the way the device expects it
func FormatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// parseDisabled reports an account as enabled only when the device says so
// explicitly; anything unparseable counts as disabled.
func parseDisabled(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "false", "no":
		return false
	default:
		return true
	}
}
