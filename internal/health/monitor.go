package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mateo/fleetd/internal/registry"
)

// Status is the monitor's view of an agent, owned exclusively by the Monitor.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Checker probes one agent. Implementations must honor ctx cancellation;
// exceeding the check timeout is treated as a failed check.
type Checker interface {
	Check(ctx context.Context) (bool, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) (bool, error)

func (f CheckerFunc) Check(ctx context.Context) (bool, error) { return f(ctx) }

// Record is the per-agent health state.
type Record struct {
	Status              Status    `json:"status"`
	LastResponseTimeMs  float64   `json:"lastResponseTimeMs"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastChecked         time.Time `json:"lastChecked"`
}

type sample struct {
	ok        bool
	latencyMs float64
}

// maxSamples bounds the per-agent window feeding Metrics.
const maxSamples = 50

type Config struct {
	CheckInterval              time.Duration
	CheckTimeout               time.Duration
	DegradedThresholdMs        float64
	UnhealthyThresholdFailures int
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:              10 * time.Second,
		CheckTimeout:               5 * time.Second,
		DegradedThresholdMs:        1000,
		UnhealthyThresholdFailures: 3,
	}
}

// Monitor periodically probes registered agents and maintains a health state
// machine per agent. Checks for distinct agents run concurrently; a check in
// flight suppresses the next scheduled tick for that agent.
type Monitor struct {
	cfg   Config
	store *registry.Store

	mu       sync.Mutex
	checkers map[string]Checker
	records  map[string]*Record
	samples  map[string][]sample
	inFlight map[string]bool
	running  bool

	stopCh  chan struct{}
	stopped sync.Once
}

func NewMonitor(cfg Config, store *registry.Store) *Monitor {
	return &Monitor{
		cfg:      cfg,
		store:    store,
		checkers: make(map[string]Checker),
		records:  make(map[string]*Record),
		samples:  make(map[string][]sample),
		inFlight: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// RegisterChecker associates a probe with an agent, overwriting any prior
// checker for that ID.
func (m *Monitor) RegisterChecker(agentID string, checker Checker) {
	m.mu.Lock()
	m.checkers[agentID] = checker
	m.mu.Unlock()
}

// Start begins the periodic check loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	go m.loop(ctx)
}

// Stop ends the check loop. Safe to call while checks are in flight.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

// Running reports whether the check loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Status returns the current record for agentID, or an UNKNOWN record if the
// agent has never completed a check.
func (m *Monitor) Status(agentID string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[agentID]; ok {
		return *rec
	}
	return Record{Status: StatusUnknown}
}

// Metrics returns the success rate and average successful response time over
// the retained sample window.
func (m *Monitor) Metrics(agentID string) (successRate, avgResponseTimeMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.samples[agentID]
	if len(window) == 0 {
		return 0, 0
	}

	var successes int
	var totalMs float64
	for _, s := range window {
		if s.ok {
			successes++
			totalMs += s.latencyMs
		}
	}
	successRate = float64(successes) / float64(len(window))
	if successes > 0 {
		avgResponseTimeMs = totalMs / float64(successes)
	}
	return successRate, avgResponseTimeMs
}

// Counts returns the number of monitored agents per health status.
func (m *Monitor) Counts() map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[Status]int)
	for id := range m.checkers {
		if rec, ok := m.records[id]; ok {
			counts[rec.Status]++
		} else {
			counts[StatusUnknown]++
		}
	}
	return counts
}

// CheckNow runs one full check round synchronously.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.checkRound(ctx).Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.setStopped()
			return
		case <-m.stopCh:
			m.setStopped()
			return
		case <-ticker.C:
			m.checkRound(ctx)
		}
	}
}

func (m *Monitor) setStopped() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// checkRound dispatches one probe per agent. Agents gone from the registry
// have their checker and record discarded here.
func (m *Monitor) checkRound(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup

	m.mu.Lock()
	for id, checker := range m.checkers {
		if _, ok := m.store.Get(id); !ok {
			log.Printf("Health: agent %s no longer registered, dropping checker", id)
			delete(m.checkers, id)
			delete(m.records, id)
			delete(m.samples, id)
			continue
		}
		if m.inFlight[id] {
			continue
		}
		m.inFlight[id] = true
		wg.Add(1)
		go func(id string, c Checker) {
			defer wg.Done()
			m.runCheck(ctx, id, c)
		}(id, checker)
	}
	m.mu.Unlock()

	return &wg
}

func (m *Monitor) runCheck(ctx context.Context, agentID string, checker Checker) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	start := time.Now()
	ok, err := checker.Check(cctx)
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inFlight, agentID)

	rec, exists := m.records[agentID]
	if !exists {
		rec = &Record{Status: StatusUnknown}
		m.records[agentID] = rec
	}
	rec.LastChecked = time.Now()
	rec.LastResponseTimeMs = elapsedMs

	succeeded := err == nil && ok
	m.samples[agentID] = append(m.samples[agentID], sample{ok: succeeded, latencyMs: elapsedMs})
	if len(m.samples[agentID]) > maxSamples {
		m.samples[agentID] = m.samples[agentID][len(m.samples[agentID])-maxSamples:]
	}

	if succeeded {
		rec.ConsecutiveFailures = 0
		if elapsedMs > m.cfg.DegradedThresholdMs {
			rec.Status = StatusDegraded
		} else {
			rec.Status = StatusHealthy
		}
		return
	}

	rec.ConsecutiveFailures++
	if rec.ConsecutiveFailures >= m.cfg.UnhealthyThresholdFailures {
		if rec.Status != StatusUnhealthy {
			log.Printf("Health: agent %s unhealthy after %d consecutive failures", agentID, rec.ConsecutiveFailures)
		}
		rec.Status = StatusUnhealthy
	}
}
