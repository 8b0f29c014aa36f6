package api

import (
	"github.com/mateo/fleetd/internal/breaker"
	"github.com/mateo/fleetd/internal/health"
	"github.com/mateo/fleetd/internal/queue"
	"github.com/mateo/fleetd/internal/registry"
	"github.com/mateo/fleetd/internal/worker"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

// RegisterAgentRequest registers or re-registers one agent.
type RegisterAgentRequest struct {
	AgentID      string                `json:"agentID"`
	Name         string                `json:"name"`
	Host         string                `json:"host"`
	Port         int                   `json:"port"`
	Capabilities []registry.Capability `json:"capabilities,omitempty"`
	Tags         []string              `json:"tags,omitempty"`
	Metadata     map[string]string     `json:"metadata,omitempty"`
	Status       string                `json:"status,omitempty"`
	TTLSeconds   int                   `json:"ttlSeconds,omitempty"`
}

// AgentView is a registration enriched with the monitor's and breaker's view.
type AgentView struct {
	*registry.AgentRegistration
	Health      health.Record   `json:"health"`
	Breaker     breaker.Metrics `json:"breaker"`
	Connections int             `json:"connections"`
}

type RefreshTTLRequest struct {
	TTLSeconds int `json:"ttlSeconds,omitempty"`
}

type SetWeightRequest struct {
	Weight float64 `json:"weight"`
}

// SubmitTaskRequest enqueues one task. Agent requirements (capability,
// capabilityVersion, tags) ride in metadata.
type SubmitTaskRequest struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Priority string         `json:"priority,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type SubmitTaskResponse struct {
	ID string `json:"id"`
}

// HealthResponse is the aggregate liveness of the runtime.
type HealthResponse struct {
	Status     string          `json:"status"` // "ok" or "degraded"
	Components map[string]bool `json:"components"`
}

// AgentCounts breaks the fleet down by health status.
type AgentCounts struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
}

// MetricsResponse is the runtime's observability surface.
type MetricsResponse struct {
	Agents   AgentCounts                `json:"agents"`
	Tasks    map[queue.TaskState]int    `json:"tasks"`
	Workers  worker.Stats               `json:"workers"`
	Breakers map[string]breaker.Metrics `json:"breakers"`
}
