// Package api exposes the runtime's HTTP control and observability surface,
// plus the Go client fleetctl uses to reach it.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mateo/fleetd/internal/balancer"
	"github.com/mateo/fleetd/internal/breaker"
	"github.com/mateo/fleetd/internal/health"
	"github.com/mateo/fleetd/internal/queue"
	"github.com/mateo/fleetd/internal/registry"
	"github.com/mateo/fleetd/internal/worker"
)

// Handler serves the HTTP API over the runtime's components.
type Handler struct {
	store    *registry.Store
	monitor  *health.Monitor
	balancer *balancer.Balancer
	breaker  *breaker.Breaker
	queue    *queue.Queue
	pool     *worker.Pool

	// checkerFor, when set, installs a health probe for agents registered
	// through the API.
	checkerFor func(*registry.AgentRegistration) health.Checker
}

func NewHandler(store *registry.Store, monitor *health.Monitor, lb *balancer.Balancer, cb *breaker.Breaker, q *queue.Queue, pool *worker.Pool, checkerFor func(*registry.AgentRegistration) health.Checker) *Handler {
	return &Handler{
		store:      store,
		monitor:    monitor,
		balancer:   lb,
		breaker:    cb,
		queue:      q,
		pool:       pool,
		checkerFor: checkerFor,
	}
}

// NewServer builds the echo server with all routes registered.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Recover())

	h.RegisterRoutes(e)
	return e
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)
	e.GET("/metrics", h.Metrics)

	e.POST("/v1/agents", h.RegisterAgent)
	e.GET("/v1/agents", h.ListAgents)
	e.GET("/v1/agents/:agent_id", h.GetAgent)
	e.DELETE("/v1/agents/:agent_id", h.DeregisterAgent)
	e.POST("/v1/agents/:agent_id/ttl", h.RefreshTTL)
	e.POST("/v1/agents/:agent_id/weight", h.SetWeight)

	e.POST("/v1/tasks", h.SubmitTask)
	e.GET("/v1/tasks/stats", h.TaskStats)
	e.GET("/v1/tasks/:task_id", h.GetTask)
	e.POST("/v1/tasks/:task_id/cancel", h.CancelTask)

	e.POST("/v1/breakers/:agent_id/reset", h.ResetBreaker)
}

// Healthz reports aggregate status: ok iff the registry sweep, health
// monitor, and worker pool are all operational.
func (h *Handler) Healthz(c echo.Context) error {
	components := map[string]bool{
		"registry": h.store.Running(),
		"health":   h.monitor.Running(),
		"workers":  h.pool.Running(),
	}

	status := "ok"
	code := http.StatusOK
	for _, up := range components {
		if !up {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	return c.JSON(code, HealthResponse{Status: status, Components: components})
}

// Metrics returns the observability surface in one document.
func (h *Handler) Metrics(c echo.Context) error {
	counts := h.monitor.Counts()
	return c.JSON(http.StatusOK, MetricsResponse{
		Agents: AgentCounts{
			Total:     h.store.Count(),
			Healthy:   counts[health.StatusHealthy],
			Degraded:  counts[health.StatusDegraded],
			Unhealthy: counts[health.StatusUnhealthy],
			Unknown:   counts[health.StatusUnknown],
		},
		Tasks:    h.queue.Stats(),
		Workers:  h.pool.GetStats(),
		Breakers: h.breaker.Snapshot(),
	})
}

// RegisterAgent upserts a registration and installs its health probe.
// POST /v1/agents
func (h *Handler) RegisterAgent(c echo.Context) error {
	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.AgentID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "agentID is required"})
	}
	if req.Host == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "host is required"})
	}

	reg := &registry.AgentRegistration{
		AgentID:      req.AgentID,
		Name:         req.Name,
		Host:         req.Host,
		Port:         req.Port,
		Capabilities: req.Capabilities,
		Tags:         req.Tags,
		Metadata:     req.Metadata,
		Status:       registry.AgentStatus(req.Status),
		TTLSeconds:   req.TTLSeconds,
	}
	h.store.Register(reg)

	if h.checkerFor != nil {
		h.monitor.RegisterChecker(reg.AgentID, h.checkerFor(reg))
	}
	return c.JSON(http.StatusOK, OKResponse{OK: true})
}

// ListAgents discovers non-expired agents, optionally filtered.
// GET /v1/agents?capability=compute&version=1.0&tags=gpu,west
func (h *Handler) ListAgents(c echo.Context) error {
	var capability *registry.Capability
	if name := c.QueryParam("capability"); name != "" {
		capability = &registry.Capability{Name: name, Version: c.QueryParam("version")}
	}
	var tags []string
	if raw := c.QueryParam("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	regs := h.store.Discover(capability, tags)
	views := make([]AgentView, len(regs))
	for i, reg := range regs {
		views[i] = h.agentView(reg)
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": views})
}

// GetAgent returns one agent with its health and breaker view.
// GET /v1/agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	agentID := c.Param("agent_id")
	reg, ok := h.store.Get(agentID)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "agent not found"})
	}
	return c.JSON(http.StatusOK, h.agentView(reg))
}

// DeregisterAgent removes an agent. Unknown IDs are a no-op.
// DELETE /v1/agents/:agent_id
func (h *Handler) DeregisterAgent(c echo.Context) error {
	h.store.Deregister(c.Param("agent_id"))
	return c.JSON(http.StatusOK, OKResponse{OK: true})
}

// RefreshTTL renews an agent's registration.
// POST /v1/agents/:agent_id/ttl
func (h *Handler) RefreshTTL(c echo.Context) error {
	var req RefreshTTLRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if err := h.store.RefreshTTL(c.Param("agent_id"), req.TTLSeconds); err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, OKResponse{OK: true})
}

// SetWeight configures an agent's weighted-selection weight.
// POST /v1/agents/:agent_id/weight
func (h *Handler) SetWeight(c echo.Context) error {
	var req SetWeightRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.Weight < 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "weight must be non-negative"})
	}
	h.balancer.SetWeight(c.Param("agent_id"), req.Weight)
	return c.JSON(http.StatusOK, OKResponse{OK: true})
}

// SubmitTask enqueues a task.
// POST /v1/tasks
func (h *Handler) SubmitTask(c echo.Context) error {
	var req SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "name is required"})
	}

	task := &queue.Task{
		ID:       req.ID,
		Name:     req.Name,
		Priority: queue.ParsePriority(req.Priority),
		Metadata: req.Metadata,
	}
	if err := h.queue.Submit(task); err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: err.Error()})
		case errors.Is(err, queue.ErrDuplicateID):
			return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
	}
	return c.JSON(http.StatusOK, SubmitTaskResponse{ID: task.ID})
}

// GetTask returns one task snapshot.
// GET /v1/tasks/:task_id
func (h *Handler) GetTask(c echo.Context) error {
	task, err := h.queue.Get(c.Param("task_id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, task)
}

// CancelTask cancels a PENDING or RUNNING task.
// POST /v1/tasks/:task_id/cancel
func (h *Handler) CancelTask(c echo.Context) error {
	err := h.queue.Cancel(c.Param("task_id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, OKResponse{OK: true})
	case errors.Is(err, queue.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	default:
		var invalid *queue.InvalidTransitionError
		if errors.As(err, &invalid) {
			return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// TaskStats returns task counts by state.
// GET /v1/tasks/stats
func (h *Handler) TaskStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.queue.Stats())
}

// ResetBreaker forces an agent's breaker CLOSED. Operator escape hatch.
// POST /v1/breakers/:agent_id/reset
func (h *Handler) ResetBreaker(c echo.Context) error {
	h.breaker.Reset(c.Param("agent_id"))
	return c.JSON(http.StatusOK, OKResponse{OK: true})
}

func (h *Handler) agentView(reg *registry.AgentRegistration) AgentView {
	return AgentView{
		AgentRegistration: reg,
		Health:            h.monitor.Status(reg.AgentID),
		Breaker:           h.breaker.Metrics(reg.AgentID),
		Connections:       h.balancer.Connections(reg.AgentID),
	}
}
