package registry

import "time"

// AgentStatus is the caller-declared lifecycle status of an agent,
// distinct from the health monitor's view.
type AgentStatus string

const (
	StatusOnline   AgentStatus = "online"
	StatusOffline  AgentStatus = "offline"
	StatusDraining AgentStatus = "draining"
)

// Capability identifies one thing an agent can do. Equality is exact on
// both fields; there is no version range matching.
type Capability struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

func (c Capability) String() string {
	if c.Version == "" {
		return c.Name
	}
	return c.Name + ":" + c.Version
}

// AgentRegistration is the identity and metadata of one agent. A
// registration expires when now > LastRenewed + TTL.
type AgentRegistration struct {
	AgentID      string            `json:"agentID"`
	Name         string            `json:"name"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       AgentStatus       `json:"status"`
	TTLSeconds   int               `json:"ttlSeconds"`
	LastRenewed  time.Time         `json:"lastRenewed"`
}

// Expired reports whether the registration's TTL has lapsed at the given time.
func (r *AgentRegistration) Expired(now time.Time) bool {
	return now.After(r.LastRenewed.Add(time.Duration(r.TTLSeconds) * time.Second))
}

// HasCapability reports whether the agent advertises the capability exactly.
func (r *AgentRegistration) HasCapability(c Capability) bool {
	for _, have := range r.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HasTags reports whether tags is a subset of the agent's tag set.
func (r *AgentRegistration) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range r.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// StoreEventType identifies the kind of store change.
type StoreEventType string

const (
	EventAgentRegistered   StoreEventType = "agent.registered"
	EventAgentDeregistered StoreEventType = "agent.deregistered"
	EventAgentExpired      StoreEventType = "agent.expired"
	EventAgentRenewed      StoreEventType = "agent.renewed"
)

// StoreEvent is emitted when the registry changes.
type StoreEvent struct {
	Type    StoreEventType     `json:"type"`
	AgentID string             `json:"agentID"`
	Agent   *AgentRegistration `json:"agent,omitempty"`
}
