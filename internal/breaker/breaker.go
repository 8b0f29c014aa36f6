package breaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrCircuitOpen is surfaced when a caller is denied permission; callers
// should try an alternate agent or fail fast, never retry the same agent.
var ErrCircuitOpen = errors.New("circuit open")

// State of a per-agent breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Config struct {
	FailureThreshold  float64       // failure rate tripping CLOSED->OPEN
	SuccessThreshold  float64       // trial success rate closing HALF_OPEN
	Timeout           time.Duration // how long OPEN denies before trials
	MinRequests       int           // samples required before tripping
	WindowSize        int           // rolling window bound, most recent N
	HalfOpenMaxTrials int           // trial outcomes that decide HALF_OPEN
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  0.5,
		SuccessThreshold:  0.5,
		Timeout:           30 * time.Second,
		MinRequests:       5,
		WindowSize:        20,
		HalfOpenMaxTrials: 1,
	}
}

type outcome struct {
	ok bool
	at time.Time
}

type record struct {
	state          State
	window         []outcome
	openedAt       time.Time
	trialInFlight  int
	trialTotal     int
	trialSuccesses int
}

// Metrics is a point-in-time snapshot of one agent's breaker.
type Metrics struct {
	State       State     `json:"state"`
	Samples     int       `json:"samples"`
	Failures    int       `json:"failures"`
	FailureRate float64   `json:"failureRate"`
	OpenedAt    time.Time `json:"openedAt,omitzero"`
}

// Breaker holds a failure-isolation state machine per agent. An agent with
// no samples ever recorded is CLOSED.
type Breaker struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*record
}

func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:     cfg,
		records: make(map[string]*record),
	}
}

// Allow reports whether a request against agentID is permitted. While OPEN
// and before the timeout it denies without consuming a trial slot; once the
// timeout elapses the breaker moves to HALF_OPEN and admits trial requests
// one at a time.
func (b *Breaker) Allow(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[agentID]
	if !ok {
		return true
	}

	if rec.state == StateOpen && time.Since(rec.openedAt) >= b.cfg.Timeout {
		rec.state = StateHalfOpen
		rec.trialInFlight = 0
		rec.trialTotal = 0
		rec.trialSuccesses = 0
	}

	switch rec.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	default: // half-open: single-flight trials until enough outcomes decide
		if rec.trialInFlight > 0 || rec.trialTotal >= b.cfg.HalfOpenMaxTrials {
			return false
		}
		rec.trialInFlight++
		return true
	}
}

// RecordSuccess records one successful outcome for agentID.
func (b *Breaker) RecordSuccess(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.ensure(agentID)
	if rec.state == StateHalfOpen {
		if rec.trialInFlight > 0 {
			rec.trialInFlight--
		}
		rec.trialTotal++
		rec.trialSuccesses++
		if rec.trialTotal >= b.cfg.HalfOpenMaxTrials {
			rate := float64(rec.trialSuccesses) / float64(rec.trialTotal)
			if rate >= b.cfg.SuccessThreshold {
				log.Printf("Breaker: agent %s recovered, closing", agentID)
				b.close(rec)
			} else {
				b.open(rec)
			}
		}
		return
	}

	b.push(rec, true)
	b.evaluateTrip(agentID, rec)
}

// RecordFailure records one failed outcome for agentID. A failure while
// HALF_OPEN reopens immediately and resets the timeout clock.
func (b *Breaker) RecordFailure(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.ensure(agentID)
	if rec.state == StateHalfOpen {
		if rec.trialInFlight > 0 {
			rec.trialInFlight--
		}
		log.Printf("Breaker: agent %s failed trial, reopening", agentID)
		b.open(rec)
		return
	}

	b.push(rec, false)
	b.evaluateTrip(agentID, rec)
}

func (b *Breaker) evaluateTrip(agentID string, rec *record) {
	if rec.state != StateClosed || len(rec.window) < b.cfg.MinRequests {
		return
	}
	if rate := b.failureRate(rec); rate >= b.cfg.FailureThreshold {
		log.Printf("Breaker: agent %s tripped open (failure rate %.2f over %d samples)",
			agentID, rate, len(rec.window))
		b.open(rec)
	}
}

// State returns the breaker state for agentID, computed on read: an OPEN
// breaker whose timeout has elapsed reports HALF_OPEN.
func (b *Breaker) State(agentID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[agentID]
	if !ok {
		return StateClosed
	}
	if rec.state == StateOpen && time.Since(rec.openedAt) >= b.cfg.Timeout {
		return StateHalfOpen
	}
	return rec.state
}

// Metrics returns the breaker metrics for agentID.
func (b *Breaker) Metrics(agentID string) Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[agentID]
	if !ok {
		return Metrics{State: StateClosed}
	}
	return b.metricsLocked(rec)
}

// Snapshot returns metrics for every agent with recorded samples.
func (b *Breaker) Snapshot() map[string]Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Metrics, len(b.records))
	for id, rec := range b.records {
		out[id] = b.metricsLocked(rec)
	}
	return out
}

// Reset forces agentID back to CLOSED and clears its samples. Operator
// escape hatch.
func (b *Breaker) Reset(agentID string) {
	b.mu.Lock()
	delete(b.records, agentID)
	b.mu.Unlock()
}

func (b *Breaker) ensure(agentID string) *record {
	rec, ok := b.records[agentID]
	if !ok {
		rec = &record{state: StateClosed}
		b.records[agentID] = rec
	}
	return rec
}

func (b *Breaker) push(rec *record, ok bool) {
	rec.window = append(rec.window, outcome{ok: ok, at: time.Now()})
	if len(rec.window) > b.cfg.WindowSize {
		rec.window = rec.window[len(rec.window)-b.cfg.WindowSize:]
	}
}

func (b *Breaker) failureRate(rec *record) float64 {
	if len(rec.window) == 0 {
		return 0
	}
	failures := 0
	for _, o := range rec.window {
		if !o.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(rec.window))
}

func (b *Breaker) open(rec *record) {
	rec.state = StateOpen
	rec.openedAt = time.Now()
	rec.window = nil
	rec.trialInFlight = 0
	rec.trialTotal = 0
	rec.trialSuccesses = 0
}

func (b *Breaker) close(rec *record) {
	rec.state = StateClosed
	rec.window = nil
	rec.openedAt = time.Time{}
	rec.trialInFlight = 0
	rec.trialTotal = 0
	rec.trialSuccesses = 0
}

func (b *Breaker) metricsLocked(rec *record) Metrics {
	state := rec.state
	if state == StateOpen && time.Since(rec.openedAt) >= b.cfg.Timeout {
		state = StateHalfOpen
	}
	failures := 0
	for _, o := range rec.window {
		if !o.ok {
			failures++
		}
	}
	return Metrics{
		State:       state,
		Samples:     len(rec.window),
		Failures:    failures,
		FailureRate: b.failureRate(rec),
		OpenedAt:    rec.openedAt,
	}
}
