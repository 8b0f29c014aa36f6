package registry

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an agent ID is not registered.
var ErrNotFound = errors.New("agent not found")

const defaultTTLSeconds = 30

type entry struct {
	reg *AgentRegistration
	seq int // first-registration order, stable across re-registers
}

// Store is the authoritative table of known agents. Records are treated as
// immutable once stored; every update allocates a fresh registration so
// readers holding a pointer always see a consistent snapshot.
type Store struct {
	mu            sync.RWMutex
	agents        map[string]*entry
	seq           int
	sweepInterval time.Duration

	subMu sync.Mutex
	subs  map[chan StoreEvent]struct{}

	stopCh  chan struct{}
	stopped sync.Once
	running bool
}

func NewStore(sweepInterval time.Duration) *Store {
	return &Store{
		agents:        make(map[string]*entry),
		subs:          make(map[chan StoreEvent]struct{}),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// Register upserts a registration keyed by AgentID and resets its TTL clock.
// Re-registering keeps the original insertion order.
func (s *Store) Register(reg *AgentRegistration) {
	r := *reg
	if r.TTLSeconds == 0 {
		r.TTLSeconds = defaultTTLSeconds
	}
	if r.Status == "" {
		r.Status = StatusOnline
	}
	r.LastRenewed = time.Now()

	s.mu.Lock()
	if prev, ok := s.agents[r.AgentID]; ok {
		prev.reg = &r
	} else {
		s.seq++
		s.agents[r.AgentID] = &entry{reg: &r, seq: s.seq}
	}
	s.mu.Unlock()

	s.emit(StoreEvent{Type: EventAgentRegistered, AgentID: r.AgentID, Agent: &r})
}

// Deregister removes the record. Unknown IDs are a no-op.
func (s *Store) Deregister(agentID string) {
	s.mu.Lock()
	_, ok := s.agents[agentID]
	delete(s.agents, agentID)
	s.mu.Unlock()

	if ok {
		s.emit(StoreEvent{Type: EventAgentDeregistered, AgentID: agentID})
	}
}

// Get returns the registration for agentID. Expired records are not returned.
func (s *Store) Get(agentID string) (*AgentRegistration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.agents[agentID]
	if !ok || e.reg.Expired(time.Now()) {
		return nil, false
	}
	return e.reg, true
}

// Discover returns all non-expired registrations matching the filter:
// capability membership (if given) and tag subset (if given). Results come
// back in first-registration order. Expiry is checked at read time, so sweep
// lag never causes a stale agent to be returned.
func (s *Store) Discover(capability *Capability, tags []string) []*AgentRegistration {
	now := time.Now()

	s.mu.RLock()
	matched := make([]*entry, 0, len(s.agents))
	for _, e := range s.agents {
		if e.reg.Expired(now) {
			continue
		}
		if capability != nil && !e.reg.HasCapability(*capability) {
			continue
		}
		if len(tags) > 0 && !e.reg.HasTags(tags) {
			continue
		}
		matched = append(matched, e)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	result := make([]*AgentRegistration, len(matched))
	for i, e := range matched {
		result[i] = e.reg
	}
	return result
}

// List returns all non-expired registrations.
func (s *Store) List() []*AgentRegistration {
	return s.Discover(nil, nil)
}

// Count returns the number of non-expired registrations.
func (s *Store) Count() int {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.agents {
		if !e.reg.Expired(now) {
			n++
		}
	}
	return n
}

// RefreshTTL updates the registration's renewal clock. A ttlSeconds of 0
// keeps the current TTL.
func (s *Store) RefreshTTL(agentID string, ttlSeconds int) error {
	s.mu.Lock()
	e, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	r := *e.reg
	if ttlSeconds > 0 {
		r.TTLSeconds = ttlSeconds
	}
	r.LastRenewed = time.Now()
	e.reg = &r
	s.mu.Unlock()

	s.emit(StoreEvent{Type: EventAgentRenewed, AgentID: agentID, Agent: &r})
	return nil
}

// Start begins the background expiry sweep. Call Stop or cancel ctx to end it.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	go s.sweepLoop(ctx)
}

// Stop ends the sweep loop. Safe to call more than once.
func (s *Store) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
}

// Running reports whether the sweep loop is active.
func (s *Store) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Subscribe returns a channel of store events. Callers must Unsubscribe when done.
func (s *Store) Subscribe() chan StoreEvent {
	ch := make(chan StoreEvent, 64)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Store) Unsubscribe(ch chan StoreEvent) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}

func (s *Store) emit(ev StoreEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber too slow, drop the event
		}
	}
}

func (s *Store) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setStopped()
			return
		case <-s.stopCh:
			s.setStopped()
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Store) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Sweep evicts expired registrations. Discovery already filters by expiry at
// read time; the sweep only reclaims memory and emits expiry events.
func (s *Store) Sweep() {
	now := time.Now()

	s.mu.Lock()
	var expired []string
	for id, e := range s.agents {
		if e.reg.Expired(now) {
			expired = append(expired, id)
			delete(s.agents, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		log.Printf("Registry: agent %s expired, evicted", id)
		s.emit(StoreEvent{Type: EventAgentExpired, AgentID: id})
	}
}
