package orchestrator

import (
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
)

// Health values reported by Status.
const (
	HealthNone      = "none"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// StatusReport describes the active sandbox, if any.
type StatusReport struct {
	Active             bool                  `json:"active"`
	HealthStatus       string                `json:"healthStatus"`
	Sandbox            *provider.SandboxInfo `json:"sandboxData,omitempty"`
	CreationInProgress bool                  `json:"creationInProgress"`
	FileCount          int                   `json:"fileCount"`
	CachedFiles        int                   `json:"cachedFiles"`
}

// FilesSnapshot is the readable project content of a sandbox.
type FilesSnapshot struct {
	Files     map[string]string `json:"files"`
	Structure string            `json:"structure"`
	FileCount int               `json:"fileCount"`
}

// KillResult reports what Kill did.
type KillResult struct {
	Killed    bool   `json:"sandboxKilled"`
	SandboxID string `json:"sandboxId,omitempty"`
}
