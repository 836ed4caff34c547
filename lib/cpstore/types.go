// Package cpstore persists control-plane state: nodes, containers,
// container types, and per-user resource quotas.
package cpstore

import "time"

// ContainerStatus is the last observed state of a container's VM.
type ContainerStatus string

const (
	StatusCreating     ContainerStatus = "creating"
	StatusProvisioning ContainerStatus = "provisioning"
	StatusRunning      ContainerStatus = "running"
	StatusStopped      ContainerStatus = "stopped"
	StatusError        ContainerStatus = "error"
)

// DesiredState is what the user asked for; the reconciler drives status
// toward it.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// Node is one worker host running a node agent.
type Node struct {
	Name        string    `json:"name"`
	BaseURL     string    `json:"base_url"`
	AuthToken   string    `json:"auth_token"`
	CapVCPUs    int       `json:"cap_vcpus"`
	CapMemMiB   int       `json:"cap_mem_mib"`
	Active      bool      `json:"active"`
	Healthy     bool      `json:"healthy"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Container is a user-facing workspace backed by one VM on one node.
type Container struct {
	ID           string          `json:"id"`
	User         string          `json:"user"`
	Node         string          `json:"node"`
	Type         string          `json:"type,omitempty"` // empty for legacy containers
	VCPUs        int             `json:"vcpus"`
	MemMiB       int             `json:"mem_mib"`
	DiskGiB      int             `json:"disk_gib"`
	Status       ContainerStatus `json:"status"`
	DesiredState DesiredState    `json:"desired_state"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ContainerType is a sizing/pricing preset.
type ContainerType struct {
	Name        string `json:"name"`
	VCPUs       int    `json:"vcpus"`
	MemMiB      int    `json:"mem_mib"`
	DiskGiB     int    `json:"disk_gib"`
	CreditsCost int    `json:"credits_cost"`
	Private     bool   `json:"private"`
}

// ResourceQuota bounds what one user may run.
type ResourceQuota struct {
	User         string   `json:"user"`
	Credits      int      `json:"credits"`
	AIUsePerDay  int      `json:"ai_use_per_day"`
	AllowedTypes []string `json:"allowed_types"`
}
