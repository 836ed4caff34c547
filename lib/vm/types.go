// Package vm defines the node-local VM data model: the persisted VMRecord
// and the in-memory process handle bound to a booted VM.
package vm

import (
	"os/exec"
	"time"
)

// State is the lifecycle state of a node-local VM.
type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Record is the authoritative per-node VM record, persisted as JSON in the
// shared store. A record with State == StateRunning always has SSHPort and
// SSHUser populated.
type Record struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	Workdir     string    `json:"workdir"`
	VCPUs       int       `json:"vcpus"`
	MemMiB      int       `json:"mem_mib"`
	DiskGiB     int       `json:"disk_gib"`
	SSHPort     int       `json:"ssh_port,omitempty"`
	SSHUser     string    `json:"ssh_user,omitempty"`
	ErrorReason string    `json:"error_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	BootedAt    time.Time `json:"booted_at,omitempty"`
}

// Proc is the in-memory handle for a booted VM. It is ephemeral to the
// process that booted the VM; the Record in the store stays authoritative.
type Proc struct {
	Workdir    string
	Overlay    string
	SeedISO    string
	PortSSH    int
	Cmd        *exec.Cmd // child process handle; nil when reattached via pidfile
	ConsoleLog string
	Pidfile    string
}

// CreateRequest carries the caller-chosen shape of a new VM.
type CreateRequest struct {
	ID      string `json:"id,omitempty"`
	VCPUs   int    `json:"vcpus"`
	MemMiB  int    `json:"mem_mib"`
	DiskGiB int    `json:"disk_gib"`
}

// Action is a power action applied to an existing VM.
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionReboot Action = "reboot"
)

// ParseAction validates an action tag at the API boundary.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionStart, ActionStop, ActionReboot:
		return Action(s), nil
	default:
		return "", ErrUnknownAction
	}
}
