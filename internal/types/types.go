package types

import (
	"fmt"
	"time"
)

// HostKind tags which command templates a host is compatible with.
type HostKind string

const (
	HostKindSSH          HostKind = "ssh"
	HostKindApplianceSSH HostKind = "appliance-ssh"
)

func (k HostKind) Valid() bool {
	return k == HostKindSSH || k == HostKindApplianceSSH
}

// ElevationMode selects the in-session privilege switch performed after login.
type ElevationMode string

const (
	ElevationNone ElevationMode = "none"
	ElevationSu   ElevationMode = "su"
)

// HostStatus is the last known reachability of a host (best effort).
type HostStatus string

const (
	HostStatusUnknown  HostStatus = "unknown"
	HostStatusOnline   HostStatus = "online"
	HostStatusOffline  HostStatus = "offline"
	HostStatusDegraded HostStatus = "degraded" // reachable, but login or elevation failed
)

// Elevation is the elevation policy of a host.
type Elevation struct {
	Mode  ElevationMode `yaml:"mode" json:"mode"`
	User  string        `yaml:"user,omitempty" json:"user,omitempty"`
	Shell string        `yaml:"shell,omitempty" json:"shell,omitempty"`
}

// Enabled reports whether a privilege switch is required after login.
func (e Elevation) Enabled() bool { return e.Mode == ElevationSu }

// Host is a remote target.
type Host struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Kind          HostKind   `json:"kind"`
	Address       string     `json:"address"`
	Port          int        `json:"port"`
	Username      string     `json:"username"`
	Elevation     Elevation  `json:"elevation"`
	Status        HostStatus `json:"status"`
	StatusChecked time.Time  `json:"status_checked,omitempty"`
}

// Addr returns the host:port dial address.
func (h Host) Addr() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// Credential holds plaintext secrets for a single connection attempt.
// It never prints its contents.
type Credential struct {
	Password        string
	PrivateKey      string
	Passphrase      string
	ElevationSecret string
}

func (c Credential) String() string   { return "[redacted credential]" }
func (c Credential) GoString() string { return "types.Credential{[redacted]}" }

// HasKey reports whether public-key authentication should be used.
func (c Credential) HasKey() bool { return c.PrivateKey != "" }

// SealedCredential is the at-rest form of Credential; every field is a vault envelope
// (empty when the secret is not set).
type SealedCredential struct {
	HostID          string
	Password        string
	PrivateKey      string
	Passphrase      string
	ElevationSecret string
}

// ParamType is the declared type of a template parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamEnum    ParamType = "enum"
)

// ParamSpec is one entry of a template's ordered parameter schema.
type ParamSpec struct {
	Name      string    `yaml:"name" json:"name"`
	Label     string    `yaml:"label,omitempty" json:"label,omitempty"`
	Type      ParamType `yaml:"type" json:"type"`
	Required  bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Default   *string   `yaml:"default,omitempty" json:"default,omitempty"`
	Min       *int64    `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *int64    `yaml:"max,omitempty" json:"max,omitempty"`
	Pattern   string    `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Options   []string  `yaml:"options,omitempty" json:"options,omitempty"`
	Sensitive bool      `yaml:"sensitive,omitempty" json:"sensitive,omitempty"`
}

// CommandTemplate is a reusable command blueprint.
type CommandTemplate struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Category       string      `json:"category"`
	Command        string      `json:"command"`
	Description    string      `json:"description"`
	HostKinds      []HostKind  `json:"host_kinds"`
	Params         []ParamSpec `json:"params"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	Confirm        bool        `json:"confirm"`
}

// Supports reports whether the template may run against hosts of the given kind.
func (t CommandTemplate) Supports(kind HostKind) bool {
	for _, k := range t.HostKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Timeout returns the command-phase timeout; zero means unlimited.
func (t CommandTemplate) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Outcome classifies a finished execution attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success" // exit code 0
	OutcomeFailed  Outcome = "failed"  // remote command exited nonzero
	OutcomeError   Outcome = "error"   // engine-level failure before or during the run
)

// Execution is the immutable record of one attempt.
type Execution struct {
	ID           string            `json:"id"`
	Seq          int64             `json:"seq"`
	TemplateID   string            `json:"template_id"`
	HostID       string            `json:"host_id"`
	Parameters   map[string]string `json:"parameters"`
	ExitCode     int               `json:"exit_code"`
	Stdout       string            `json:"stdout"`
	Stderr       string            `json:"stderr"`
	Duration     time.Duration     `json:"duration"`
	Outcome      Outcome           `json:"outcome"`
	ErrorKind    ErrorKind         `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	PrevHash     string            `json:"prev_hash"`
	Hash         string            `json:"hash"`
}
