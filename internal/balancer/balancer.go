package balancer

import (
	"errors"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/mateo/fleetd/internal/health"
	"github.com/mateo/fleetd/internal/registry"
)

// ErrNoAvailableAgents is returned when zero eligible candidates exist. It is
// distinct from a transient failure: no retry will help without a registry or
// health change.
var ErrNoAvailableAgents = errors.New("no available agents")

// Strategy selects how one agent is picked from the candidate set.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyWeighted         Strategy = "weighted"
	StrategyRandom           Strategy = "random"
)

// HealthView is the liveness filter consulted during selection.
// *health.Monitor satisfies it.
type HealthView interface {
	Status(agentID string) health.Record
}

type Config struct {
	Strategy      Strategy
	DefaultWeight float64
}

func DefaultConfig() Config {
	return Config{
		Strategy:      StrategyRoundRobin,
		DefaultWeight: 1.0,
	}
}

// Balancer selects one agent per unit of work and tracks caller-managed
// in-flight connection counts.
type Balancer struct {
	cfg    Config
	store  *registry.Store
	health HealthView

	mu      sync.Mutex
	conns   map[string]int
	weights map[string]float64
	cursors map[string]int // rotating cursor per (capability, tags) key
}

func New(cfg Config, store *registry.Store, hv HealthView) *Balancer {
	return &Balancer{
		cfg:     cfg,
		store:   store,
		health:  hv,
		conns:   make(map[string]int),
		weights: make(map[string]float64),
		cursors: make(map[string]int),
	}
}

// Select picks one agent matching the capability/tag filter. With
// requireHealthy, only agents whose health status is HEALTHY are eligible;
// DEGRADED, UNHEALTHY and UNKNOWN are all excluded, so an agent must pass at
// least one check to be selectable.
func (b *Balancer) Select(capability *registry.Capability, tags []string, requireHealthy bool) (*registry.AgentRegistration, error) {
	candidates := b.store.Discover(capability, tags)

	if requireHealthy && b.health != nil {
		eligible := candidates[:0]
		for _, reg := range candidates {
			if b.health.Status(reg.AgentID).Status == health.StatusHealthy {
				eligible = append(eligible, reg)
			}
		}
		candidates = eligible
	}

	if len(candidates) == 0 {
		return nil, ErrNoAvailableAgents
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.cfg.Strategy {
	case StrategyLeastConnections:
		return b.leastConnections(candidates), nil
	case StrategyWeighted:
		return b.weighted(candidates), nil
	case StrategyRandom:
		return candidates[rand.IntN(len(candidates))], nil
	default:
		return b.roundRobin(capability, tags, candidates), nil
	}
}

// SetWeight configures the selection weight for WEIGHTED strategy. Agents
// without a weight use DefaultWeight.
func (b *Balancer) SetWeight(agentID string, weight float64) {
	b.mu.Lock()
	b.weights[agentID] = weight
	b.mu.Unlock()
}

// Acquire increments the in-flight connection count for agentID. Callers
// must pair every Acquire with a Release.
func (b *Balancer) Acquire(agentID string) {
	b.mu.Lock()
	b.conns[agentID]++
	b.mu.Unlock()
}

// Release decrements the in-flight connection count, floored at zero. A
// release without a matching acquire is a no-op.
func (b *Balancer) Release(agentID string) {
	b.mu.Lock()
	if b.conns[agentID] > 0 {
		b.conns[agentID]--
	}
	b.mu.Unlock()
}

// Connections returns the current in-flight count for agentID.
func (b *Balancer) Connections(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[agentID]
}

func (b *Balancer) roundRobin(capability *registry.Capability, tags []string, candidates []*registry.AgentRegistration) *registry.AgentRegistration {
	key := filterKey(capability, tags)
	idx := b.cursors[key] % len(candidates)
	b.cursors[key] = idx + 1
	return candidates[idx]
}

func (b *Balancer) leastConnections(candidates []*registry.AgentRegistration) *registry.AgentRegistration {
	best := candidates[0]
	for _, reg := range candidates[1:] {
		c, bc := b.conns[reg.AgentID], b.conns[best.AgentID]
		if c < bc || (c == bc && reg.AgentID < best.AgentID) {
			best = reg
		}
	}
	return best
}

func (b *Balancer) weighted(candidates []*registry.AgentRegistration) *registry.AgentRegistration {
	total := 0.0
	for _, reg := range candidates {
		total += b.weightOf(reg.AgentID)
	}
	if total <= 0 {
		return candidates[rand.IntN(len(candidates))]
	}

	draw := rand.Float64() * total
	cum := 0.0
	for _, reg := range candidates {
		cum += b.weightOf(reg.AgentID)
		if draw < cum {
			return reg
		}
	}
	return candidates[len(candidates)-1]
}

func (b *Balancer) weightOf(agentID string) float64 {
	if w, ok := b.weights[agentID]; ok {
		return w
	}
	return b.cfg.DefaultWeight
}

func filterKey(capability *registry.Capability, tags []string) string {
	var sb strings.Builder
	if capability != nil {
		sb.WriteString(capability.String())
	}
	sb.WriteByte('|')
	if len(tags) > 0 {
		sorted := append([]string(nil), tags...)
		sort.Strings(sorted)
		sb.WriteString(strings.Join(sorted, ","))
	}
	return sb.String()
}
