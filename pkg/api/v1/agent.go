// Package v1 defines the externally facing typed payloads for the Nox API.
// All boundary validation happens against these types; internal code operates
// on the same records.
package v1

import (
	"regexp"
	"time"

	"github.com/noxlabs/nox/internal/common/errdefs"
)

// AgentStatus represents the lifecycle status of an agent.
type AgentStatus string

const (
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusStarting AgentStatus = "starting"
	AgentStatusRunning  AgentStatus = "running"
	AgentStatusStopping AgentStatus = "stopping"
	AgentStatusStopped  AgentStatus = "stopped"
	AgentStatusCrashed  AgentStatus = "crashed"
	AgentStatusUnknown  AgentStatus = "unknown"
)

// IsTerminal reports whether an agent in this status may be deleted.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentStatusInactive, AgentStatusStopped, AgentStatusCrashed:
		return true
	default:
		return false
	}
}

// ResourceLimits bounds an agent subprocess.
type ResourceLimits struct {
	MaxCPUPercent      float64 `json:"max_cpu_percent"`
	MaxMemoryMB        int     `json:"max_memory_mb"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
}

// DefaultResourceLimits returns the limits applied when a spec omits them.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxCPUPercent:      50,
		MaxMemoryMB:        512,
		MaxConcurrentTasks: 3,
	}
}

// Agent is the authoritative record for a registered agent.
type Agent struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	SystemPrompt  string         `json:"system_prompt"`
	Command       []string       `json:"command,omitempty"` // subprocess argv; empty uses the configured default
	Capabilities  []string       `json:"capabilities,omitempty"`
	Resources     ResourceLimits `json:"resources"`
	Status        AgentStatus    `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	LastHealthyAt *time.Time     `json:"last_healthy_at,omitempty"`
}

// HasCapability reports whether the agent declares the given capability tag.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to readers.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Command = append([]string(nil), a.Command...)
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	if a.LastHealthyAt != nil {
		t := *a.LastHealthyAt
		cp.LastHealthyAt = &t
	}
	return &cp
}

// CreateAgentRequest creates a new agent.
type CreateAgentRequest struct {
	ID           string          `json:"id" binding:"required"`
	Name         string          `json:"name"`
	SystemPrompt string          `json:"system_prompt" binding:"required"`
	Command      []string        `json:"command,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Resources    *ResourceLimits `json:"resources,omitempty"`
}

// UpdateAgentRequest patches an existing agent. Nil fields are unchanged.
type UpdateAgentRequest struct {
	Name         *string         `json:"name,omitempty"`
	SystemPrompt *string         `json:"system_prompt,omitempty"`
	Command      []string        `json:"command,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Resources    *ResourceLimits `json:"resources,omitempty"`
}

// agentIDPattern constrains agent identifiers: lowercase alphanumeric with
// underscore/hyphen, starting with a letter, at most 64 characters.
var agentIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// Validate checks the create request at the API boundary.
func (r *CreateAgentRequest) Validate() error {
	if !agentIDPattern.MatchString(r.ID) {
		return errdefs.Invalid("agent id %q must match %s", r.ID, agentIDPattern.String())
	}
	if r.SystemPrompt == "" {
		return errdefs.Invalid("system_prompt is required")
	}
	if len(r.Name) > 200 {
		return errdefs.Invalid("name exceeds 200 characters")
	}
	if r.Resources != nil {
		if r.Resources.MaxCPUPercent < 0 || r.Resources.MaxCPUPercent > 100 {
			return errdefs.Invalid("max_cpu_percent must be within [0,100]")
		}
		if r.Resources.MaxMemoryMB < 0 {
			return errdefs.Invalid("max_memory_mb must be non-negative")
		}
	}
	return nil
}
