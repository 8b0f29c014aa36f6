package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mateo/fleetd/internal/balancer"
	"github.com/mateo/fleetd/internal/breaker"
	"github.com/mateo/fleetd/internal/health"
	"github.com/mateo/fleetd/internal/queue"
	"github.com/mateo/fleetd/internal/registry"
	"github.com/mateo/fleetd/internal/retry"
	"github.com/mateo/fleetd/internal/worker"
)

type apiFixture struct {
	e       *echo.Echo
	store   *registry.Store
	monitor *health.Monitor
	lb      *balancer.Balancer
	cb      *breaker.Breaker
	queue   *queue.Queue
	pool    *worker.Pool
}

func newAPIFixture(t *testing.T, queueSize int) *apiFixture {
	t.Helper()

	store := registry.NewStore(time.Minute)
	monitor := health.NewMonitor(health.DefaultConfig(), store)
	lb := balancer.New(balancer.DefaultConfig(), store, monitor)
	cb := breaker.New(breaker.DefaultConfig())
	q := queue.New(queue.Config{MaxSize: queueSize})
	exec := worker.ExecutorFunc(func(ctx context.Context, task *queue.Task, agent *registry.AgentRegistration) (any, error) {
		return nil, nil
	})
	pool := worker.NewPool(worker.DefaultConfig(), q, lb, cb, retry.Default(), exec)

	h := NewHandler(store, monitor, lb, cb, q, pool, nil)
	return &apiFixture{
		e:       NewServer(h),
		store:   store,
		monitor: monitor,
		lb:      lb,
		cb:      cb,
		queue:   q,
		pool:    pool,
	}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndGetAgent(t *testing.T) {
	f := newAPIFixture(t, 10)

	rec := f.do(http.MethodPost, "/v1/agents",
		`{"agentID":"a1","name":"worker one","host":"10.0.0.5","port":9000,
		  "capabilities":[{"name":"compute","version":"1.0"}],"tags":["gpu"],"ttlSeconds":60}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/v1/agents/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view AgentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "a1", view.AgentID)
	assert.Equal(t, "10.0.0.5", view.Host)
	assert.Equal(t, 60, view.TTLSeconds)
	assert.Equal(t, health.StatusUnknown, view.Health.Status)
	assert.Equal(t, breaker.StateClosed, view.Breaker.State)
	assert.Equal(t, 0, view.Connections)
}

func TestRegisterAgentValidation(t *testing.T) {
	f := newAPIFixture(t, 10)

	rec := f.do(http.MethodPost, "/v1/agents", `{"host":"10.0.0.5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/v1/agents", `{"agentID":"a1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/v1/agents", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAgentsFiltered(t *testing.T) {
	f := newAPIFixture(t, 10)

	f.do(http.MethodPost, "/v1/agents",
		`{"agentID":"a1","host":"h1","capabilities":[{"name":"compute","version":"1.0"}],"tags":["gpu"]}`)
	f.do(http.MethodPost, "/v1/agents",
		`{"agentID":"a2","host":"h2","capabilities":[{"name":"storage","version":"2.0"}]}`)

	rec := f.do(http.MethodGet, "/v1/agents?capability=compute&version=1.0", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Agents []AgentView `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "a1", resp.Agents[0].AgentID)

	rec = f.do(http.MethodGet, "/v1/agents?tags=gpu,missing", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Agents)
}

func TestGetAgentNotFound(t *testing.T) {
	f := newAPIFixture(t, 10)
	rec := f.do(http.MethodGet, "/v1/agents/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeregisterAgent(t *testing.T) {
	f := newAPIFixture(t, 10)
	f.do(http.MethodPost, "/v1/agents", `{"agentID":"a1","host":"h1"}`)

	rec := f.do(http.MethodDelete, "/v1/agents/a1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/v1/agents/a1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshTTL(t *testing.T) {
	f := newAPIFixture(t, 10)
	f.do(http.MethodPost, "/v1/agents", `{"agentID":"a1","host":"h1","ttlSeconds":30}`)

	rec := f.do(http.MethodPost, "/v1/agents/a1/ttl", `{"ttlSeconds":120}`)
	require.Equal(t, http.StatusOK, rec.Code)

	reg, ok := f.store.Get("a1")
	require.True(t, ok)
	assert.Equal(t, 120, reg.TTLSeconds)

	rec = f.do(http.MethodPost, "/v1/agents/nope/ttl", `{"ttlSeconds":120}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetWeight(t *testing.T) {
	f := newAPIFixture(t, 10)

	rec := f.do(http.MethodPost, "/v1/agents/a1/weight", `{"weight":2.5}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/v1/agents/a1/weight", `{"weight":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAndGetTask(t *testing.T) {
	f := newAPIFixture(t, 10)

	rec := f.do(http.MethodPost, "/v1/tasks",
		`{"name":"render","priority":"high","metadata":{"capability":"compute"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var submitted SubmitTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.ID)

	rec = f.do(http.MethodGet, "/v1/tasks/"+submitted.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var task queue.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, "render", task.Name)
	assert.Equal(t, queue.PriorityHigh, task.Priority)
	assert.Equal(t, queue.StatePending, task.State)
}

func TestSubmitTaskValidation(t *testing.T) {
	f := newAPIFixture(t, 10)
	rec := f.do(http.MethodPost, "/v1/tasks", `{"priority":"high"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTaskDuplicateID(t *testing.T) {
	f := newAPIFixture(t, 10)

	rec := f.do(http.MethodPost, "/v1/tasks", `{"id":"dup","name":"first"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/v1/tasks", `{"id":"dup","name":"second"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The original task is what the queue still holds.
	rec = f.do(http.MethodGet, "/v1/tasks/dup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var task queue.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, "first", task.Name)
}

func TestSubmitTaskQueueFull(t *testing.T) {
	f := newAPIFixture(t, 1)

	rec := f.do(http.MethodPost, "/v1/tasks", `{"name":"t1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/v1/tasks", `{"name":"t2"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCancelTask(t *testing.T) {
	f := newAPIFixture(t, 10)

	rec := f.do(http.MethodPost, "/v1/tasks", `{"name":"doomed"}`)
	var submitted SubmitTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = f.do(http.MethodPost, "/v1/tasks/"+submitted.ID+"/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cancelling a terminal task is a conflict, not a server error.
	rec = f.do(http.MethodPost, "/v1/tasks/"+submitted.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/v1/tasks/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskStats(t *testing.T) {
	f := newAPIFixture(t, 10)
	f.do(http.MethodPost, "/v1/tasks", `{"name":"t1"}`)
	f.do(http.MethodPost, "/v1/tasks", `{"name":"t2"}`)

	rec := f.do(http.MethodGet, "/v1/tasks/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[queue.TaskState]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats[queue.StatePending])
}

func TestResetBreaker(t *testing.T) {
	f := newAPIFixture(t, 10)
	for i := 0; i < 10; i++ {
		f.cb.RecordFailure("a1")
	}
	require.Equal(t, breaker.StateOpen, f.cb.State("a1"))

	rec := f.do(http.MethodPost, "/v1/breakers/a1/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, breaker.StateClosed, f.cb.State("a1"))
}

func TestHealthzDegradedWhenStopped(t *testing.T) {
	f := newAPIFixture(t, 10)

	// Nothing started: every component reports down.
	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.False(t, resp.Components["registry"])
}

func TestHealthzOK(t *testing.T) {
	f := newAPIFixture(t, 10)

	ctx := t.Context()
	f.store.Start(ctx)
	f.monitor.Start(ctx)
	f.pool.Start()
	t.Cleanup(func() {
		f.pool.Stop(time.Second)
		f.monitor.Stop()
		f.store.Stop()
	})

	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestMetrics(t *testing.T) {
	f := newAPIFixture(t, 10)
	f.do(http.MethodPost, "/v1/agents", `{"agentID":"a1","host":"h1"}`)
	f.do(http.MethodPost, "/v1/tasks", `{"name":"t1"}`)
	f.cb.RecordSuccess("a1")

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var m MetricsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, 1, m.Agents.Total)
	assert.Equal(t, 1, m.Tasks[queue.StatePending])
	assert.Contains(t, m.Breakers, "a1")
}
