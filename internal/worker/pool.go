package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mateo/fleetd/internal/balancer"
	"github.com/mateo/fleetd/internal/breaker"
	"github.com/mateo/fleetd/internal/queue"
	"github.com/mateo/fleetd/internal/registry"
	"github.com/mateo/fleetd/internal/retry"
)

// ErrStopTimeout is returned when Stop gives up waiting for in-flight tasks.
// Tasks still running at that point have been requeued, not lost.
var ErrStopTimeout = errors.New("worker pool stop timed out")

// Executor runs one task against a selected agent. Implementations must
// honor ctx; exceeding the execution timeout is an ordinary failure.
type Executor interface {
	Execute(ctx context.Context, task *queue.Task, agent *registry.AgentRegistration) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *queue.Task, agent *registry.AgentRegistration) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *queue.Task, agent *registry.AgentRegistration) (any, error) {
	return f(ctx, task, agent)
}

type Config struct {
	MaxWorkers     int
	ExecTimeout    time.Duration
	RequeueBackoff time.Duration // pause after a dispatch with no usable agent
}

func DefaultConfig() Config {
	return Config{
		MaxWorkers:     4,
		ExecTimeout:    60 * time.Second,
		RequeueBackoff: 500 * time.Millisecond,
	}
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	MaxWorkers    int   `json:"maxWorkers"`
	ActiveWorkers int   `json:"activeWorkers"`
	Processed     int64 `json:"processed"`
	Succeeded     int64 `json:"succeeded"`
	Failed        int64 `json:"failed"`
	Retried       int64 `json:"retried"`
	Requeued      int64 `json:"requeued"`
}

// Pool runs a bounded set of executors pulling from the queue, selecting a
// safe agent via balancer + breaker, and recording outcomes back.
type Pool struct {
	cfg      Config
	queue    *queue.Queue
	balancer *balancer.Balancer
	breaker  *breaker.Breaker
	retry    retry.Policy
	executor Executor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  int
	stats   Stats
	running bool
}

func NewPool(cfg Config, q *queue.Queue, lb *balancer.Balancer, cb *breaker.Breaker, rp retry.Policy, exec Executor) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		queue:    q,
		balancer: lb,
		breaker:  cb,
		retry:    rp,
		executor: exec,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches MaxWorkers executor goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	log.Printf("Worker pool started with %d workers", p.cfg.MaxWorkers)
}

// Stop stops pulling new tasks, unblocks idle workers, and waits up to
// timeout for in-flight tasks. On timeout it force-returns ErrStopTimeout;
// interrupted tasks are requeued by their workers.
func (p *Pool) Stop(timeout time.Duration) error {
	p.cancel()
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Running reports whether the pool is accepting work.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// GetStats returns a snapshot of pool activity.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.MaxWorkers = p.cfg.MaxWorkers
	s.ActiveWorkers = p.active
	return s
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		task, err := p.queue.Next(p.ctx)
		if err != nil {
			return // pool stopping
		}
		p.process(task)
	}
}

func (p *Pool) process(task *queue.Task) {
	p.mu.Lock()
	p.active++
	p.stats.Processed++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	capability, tags := taskFilter(task)

	agent := p.pickAgent(capability, tags)
	if agent == nil {
		// No eligible agent, or every candidate's breaker denied. Put the
		// task back without counting an attempt and back off briefly.
		if err := p.queue.Requeue(task.ID, false); err != nil {
			log.Printf("Worker: requeue %s: %v", task.ID, err)
		}
		p.mu.Lock()
		p.stats.Requeued++
		p.mu.Unlock()
		p.sleep(p.cfg.RequeueBackoff)
		return
	}

	p.balancer.Acquire(agent.AgentID)
	execCtx, cancel := context.WithTimeout(p.ctx, p.cfg.ExecTimeout)
	result, err := p.executor.Execute(execCtx, task, agent)
	cancel()
	p.balancer.Release(agent.AgentID)

	if err == nil {
		p.breaker.RecordSuccess(agent.AgentID)
		if cerr := p.queue.Complete(task.ID, result); cerr != nil {
			log.Printf("Worker: complete %s: %v", task.ID, cerr)
		}
		p.mu.Lock()
		p.stats.Succeeded++
		p.mu.Unlock()
		return
	}

	p.breaker.RecordFailure(agent.AgentID)

	if p.ctx.Err() != nil {
		// Shutdown interrupted the execution; leave the task runnable.
		if rerr := p.queue.Requeue(task.ID, false); rerr != nil {
			log.Printf("Worker: requeue %s on shutdown: %v", task.ID, rerr)
		}
		return
	}

	attempts := task.Attempts() + 1 // counting the attempt that just failed
	if attempts >= p.retry.MaxAttempts {
		if ferr := p.queue.Fail(task.ID, err.Error()); ferr != nil {
			log.Printf("Worker: fail %s: %v", task.ID, ferr)
		}
		p.mu.Lock()
		p.stats.Failed++
		p.mu.Unlock()
		return
	}

	delay := p.retry.Delay(attempts - 1)
	log.Printf("Worker: task %s attempt %d failed (%v), retrying in %s", task.ID, attempts, err, delay)
	p.sleep(delay)
	if rerr := p.queue.Requeue(task.ID, true); rerr != nil {
		log.Printf("Worker: requeue %s for retry: %v", task.ID, rerr)
	}
	p.mu.Lock()
	p.stats.Retried++
	p.mu.Unlock()
}

// pickAgent rotates through selections until the breaker permits one. A
// denial is not a failed attempt; the next selection tries a different agent.
func (p *Pool) pickAgent(capability *registry.Capability, tags []string) *registry.AgentRegistration {
	const selectTries = 3
	for i := 0; i < selectTries; i++ {
		reg, err := p.balancer.Select(capability, tags, true)
		if err != nil {
			return nil // no available agents
		}
		if p.breaker.Allow(reg.AgentID) {
			return reg
		}
	}
	return nil
}

// sleep waits the given duration, interrupted by pool shutdown.
func (p *Pool) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.ctx.Done():
	}
}

// taskFilter extracts the agent requirements riding in task metadata.
func taskFilter(task *queue.Task) (*registry.Capability, []string) {
	if task.Metadata == nil {
		return nil, nil
	}

	var capability *registry.Capability
	if name, ok := task.Metadata["capability"].(string); ok && name != "" {
		capability = &registry.Capability{Name: name}
		if v, ok := task.Metadata["capabilityVersion"].(string); ok {
			capability.Version = v
		}
	}

	var tags []string
	switch v := task.Metadata["tags"].(type) {
	case []string:
		tags = v
	case []any: // metadata round-tripped through JSON
		for _, e := range v {
			if s, ok := e.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	return capability, tags
}
