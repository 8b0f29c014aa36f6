package ws

import (
	"encoding/json"

	"github.com/mateo/fleetd/internal/breaker"
	"github.com/mateo/fleetd/internal/health"
	"github.com/mateo/fleetd/internal/queue"
	"github.com/mateo/fleetd/internal/worker"
)

// Envelope is the top-level WebSocket message format.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// --- Client -> Server messages ---

// SubscribePayload requests subscription to a channel.
type SubscribePayload struct {
	Channel string `json:"channel"` // "status"
}

// UnsubscribePayload cancels a subscription.
type UnsubscribePayload struct {
	Channel string `json:"channel"`
}

// --- Server -> Client messages ---

// AgentSnapshot is the full live state of one agent.
type AgentSnapshot struct {
	AgentID     string        `json:"agentID"`
	Name        string        `json:"name"`
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	Status      string        `json:"status"`
	Health      health.Record `json:"health"`
	Breaker     breaker.State `json:"breaker"`
	Connections int           `json:"connections"`
}

// StatusSnapshotPayload is sent on subscribe and then periodically.
type StatusSnapshotPayload struct {
	Agents  []AgentSnapshot         `json:"agents"`
	Tasks   map[queue.TaskState]int `json:"tasks"`
	Workers worker.Stats            `json:"workers"`
}

// AgentEventPayload is sent when the registry changes.
type AgentEventPayload struct {
	AgentID string         `json:"agentID"`
	Agent   *AgentSnapshot `json:"agent,omitempty"`
}

// Message type constants.
const (
	// Client -> Server
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"

	// Server -> Client
	TypeStatusSnapshot    = "status.snapshot"
	TypeAgentRegistered   = "agent.registered"
	TypeAgentDeregistered = "agent.deregistered"
	TypeAgentExpired      = "agent.expired"
	TypeAgentRenewed      = "agent.renewed"
)

// ChannelStatus carries fleet status snapshots and agent events.
const ChannelStatus = "status"

// MakeEnvelope creates an Envelope with the given type and payload.
func MakeEnvelope(msgType string, payload interface{}) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: p})
}
