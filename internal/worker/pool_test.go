package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mateo/fleetd/internal/balancer"
	"github.com/mateo/fleetd/internal/breaker"
	"github.com/mateo/fleetd/internal/health"
	"github.com/mateo/fleetd/internal/queue"
	"github.com/mateo/fleetd/internal/registry"
	"github.com/mateo/fleetd/internal/retry"
)

// allHealthy satisfies balancer.HealthView for tests that exercise the pool
// rather than the monitor.
type allHealthy struct{}

func (allHealthy) Status(string) health.Record {
	return health.Record{Status: health.StatusHealthy}
}

type fixture struct {
	store *registry.Store
	queue *queue.Queue
	lb    *balancer.Balancer
	cb    *breaker.Breaker
	pool  *Pool
}

func newFixture(t *testing.T, exec Executor, agentIDs ...string) *fixture {
	t.Helper()

	store := registry.NewStore(time.Minute)
	for _, id := range agentIDs {
		store.Register(&registry.AgentRegistration{
			AgentID:    id,
			Host:       "127.0.0.1",
			Port:       9000,
			TTLSeconds: 300,
		})
	}

	q := queue.New(queue.DefaultConfig())
	lb := balancer.New(balancer.DefaultConfig(), store, allHealthy{})
	cb := breaker.New(breaker.Config{
		FailureThreshold:  0.5,
		SuccessThreshold:  0.5,
		Timeout:           time.Minute,
		MinRequests:       100, // never trips under test load
		WindowSize:        100,
		HalfOpenMaxTrials: 1,
	})
	rp := retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Strategy:    retry.StrategyConstant,
	}

	pool := NewPool(Config{
		MaxWorkers:     2,
		ExecTimeout:    time.Second,
		RequeueBackoff: 5 * time.Millisecond,
	}, q, lb, cb, rp, exec)

	t.Cleanup(func() { pool.Stop(2 * time.Second) })

	return &fixture{store: store, queue: q, lb: lb, cb: cb, pool: pool}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSuccessfulTask(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *queue.Task, agent *registry.AgentRegistration) (any, error) {
		return "done by " + agent.AgentID, nil
	})
	f := newFixture(t, exec, "a1")
	f.pool.Start()

	task := &queue.Task{Name: "work"}
	if err := f.queue.Submit(task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, "task completion", func() bool {
		got, err := f.queue.Get(task.ID)
		return err == nil && got.State == queue.StateCompleted
	})

	got, _ := f.queue.Get(task.ID)
	if got.Result != "done by a1" {
		t.Errorf("unexpected result: %v", got.Result)
	}

	stats := f.pool.GetStats()
	if stats.Succeeded != 1 {
		t.Errorf("expected 1 succeeded, got %d", stats.Succeeded)
	}
	if f.cb.State("a1") != breaker.StateClosed {
		t.Errorf("expected breaker closed after success")
	}
	if f.lb.Connections("a1") != 0 {
		t.Errorf("expected connection released, got %d", f.lb.Connections("a1"))
	}
}

func TestFailingTaskExhaustsAttempts(t *testing.T) {
	var executions atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, task *queue.Task, agent *registry.AgentRegistration) (any, error) {
		executions.Add(1)
		return nil, errors.New("always fails")
	})
	f := newFixture(t, exec, "a1")
	f.pool.Start()

	task := &queue.Task{Name: "doomed"}
	if err := f.queue.Submit(task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, "task failure", func() bool {
		got, err := f.queue.Get(task.ID)
		return err == nil && got.State == queue.StateFailed
	})

	// MaxAttempts=3 means exactly 3 executions, not fewer or more.
	if n := executions.Load(); n != 3 {
		t.Errorf("expected exactly 3 executions, got %d", n)
	}

	got, _ := f.queue.Get(task.ID)
	if got.Error != "always fails" {
		t.Errorf("expected failure message recorded, got %q", got.Error)
	}
	if got.Attempts() != 2 {
		t.Errorf("expected 2 retried attempts in metadata, got %d", got.Attempts())
	}

	stats := f.pool.GetStats()
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", stats.Failed)
	}
	if stats.Retried != 2 {
		t.Errorf("expected 2 retries, got %d", stats.Retried)
	}
}

func TestTaskMetadataRouting(t *testing.T) {
	var picked atomic.Value
	exec := ExecutorFunc(func(ctx context.Context, task *queue.Task, agent *registry.AgentRegistration) (any, error) {
		picked.Store(agent.AgentID)
		return nil, nil
	})

	f := newFixture(t, exec) // agents registered manually below
	f.store.Register(&registry.AgentRegistration{
		AgentID:    "generic",
		Host:       "127.0.0.1",
		Port:       9000,
		TTLSeconds: 300,
	})
	f.store.Register(&registry.AgentRegistration{
		AgentID:      "gpu-box",
		Host:         "127.0.0.1",
		Port:         9001,
		Capabilities: []registry.Capability{{Name: "compute"}},
		Tags:         []string{"gpu"},
		TTLSeconds:   300,
	})
	f.pool.Start()

	task := &queue.Task{
		Name: "render",
		Metadata: map[string]any{
			"capability": "compute",
			"tags":       []string{"gpu"},
		},
	}
	if err := f.queue.Submit(task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, "task completion", func() bool {
		got, err := f.queue.Get(task.ID)
		return err == nil && got.State == queue.StateCompleted
	})

	if got := picked.Load(); got != "gpu-box" {
		t.Errorf("expected task routed to gpu-box, got %v", got)
	}
}

func TestBreakerDenialRequeuesWithoutCounting(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *queue.Task, agent *registry.AgentRegistration) (any, error) {
		t.Error("executor must not run while the breaker denies the only agent")
		return nil, nil
	})
	f := newFixture(t, exec, "a1")

	// Trip the only agent's breaker before any work arrives.
	for i := 0; i < 100; i++ {
		f.cb.RecordFailure("a1")
	}
	if f.cb.State("a1") != breaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", f.cb.State("a1"))
	}

	f.pool.Start()

	task := &queue.Task{Name: "blocked"}
	if err := f.queue.Submit(task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, "requeue on breaker denial", func() bool {
		return f.pool.GetStats().Requeued >= 1
	})

	got, _ := f.queue.Get(task.ID)
	if got.Attempts() != 0 {
		t.Errorf("expected breaker denial to not count attempts, got %d", got.Attempts())
	}
	if got.State.Terminal() {
		t.Errorf("expected task still runnable, got %s", got.State)
	}
}

func TestNoAgentsRequeues(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *queue.Task, agent *registry.AgentRegistration) (any, error) {
		return nil, nil
	})
	f := newFixture(t, exec) // empty registry
	f.pool.Start()

	task := &queue.Task{Name: "waiting"}
	if err := f.queue.Submit(task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, "requeue with no agents", func() bool {
		return f.pool.GetStats().Requeued >= 1
	})

	got, _ := f.queue.Get(task.ID)
	if got.State.Terminal() {
		t.Errorf("expected task still runnable, got %s", got.State)
	}
}

func TestGracefulStopRequeuesInFlight(t *testing.T) {
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task *queue.Task, agent *registry.AgentRegistration) (any, error) {
		close(started)
		<-ctx.Done() // holds until shutdown cancels the execution
		return nil, ctx.Err()
	})
	f := newFixture(t, exec, "a1")
	f.pool.Start()

	task := &queue.Task{Name: "interrupted"}
	if err := f.queue.Submit(task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}

	if err := f.pool.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if f.pool.Running() {
		t.Error("expected pool stopped")
	}

	// The interrupted task is back in PENDING, not lost and not failed.
	got, _ := f.queue.Get(task.ID)
	if got.State != queue.StatePending {
		t.Errorf("expected interrupted task requeued as pending, got %s", got.State)
	}
	if got.Attempts() != 0 {
		t.Errorf("expected shutdown interruption to not count attempts, got %d", got.Attempts())
	}
}

func TestStopTimeout(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *queue.Task, agent *registry.AgentRegistration) (any, error) {
		time.Sleep(500 * time.Millisecond) // ignores ctx
		return nil, nil
	})
	f := newFixture(t, exec, "a1")
	f.pool.Start()

	if err := f.queue.Submit(&queue.Task{Name: "slow"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitFor(t, "worker pickup", func() bool {
		return f.pool.GetStats().Processed >= 1
	})

	if err := f.pool.Stop(10 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Errorf("expected ErrStopTimeout, got %v", err)
	}
}
