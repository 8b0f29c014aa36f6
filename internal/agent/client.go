// Package agent provides the default HTTP implementations of the two
// collaborators the runtime consumes at its boundary: the per-agent health
// probe and the task executor. Library consumers may supply their own.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mateo/fleetd/internal/health"
	"github.com/mateo/fleetd/internal/queue"
	"github.com/mateo/fleetd/internal/registry"
)

// Client probes and executes against remote agents over HTTP. It satisfies
// worker.Executor.
type Client struct {
	httpClient *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Checker returns a health probe hitting GET /healthz on the agent.
func (c *Client) Checker(reg *registry.AgentRegistration) health.Checker {
	url := fmt.Sprintf("http://%s:%d/healthz", reg.Host, reg.Port)
	return health.CheckerFunc(func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return false, fmt.Errorf("health probe failed: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK, nil
	})
}

type executeRequest struct {
	TaskID   string         `json:"taskID"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type executeResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Execute sends the task to POST /execute on the agent and returns its result.
func (c *Client) Execute(ctx context.Context, task *queue.Task, reg *registry.AgentRegistration) (any, error) {
	payload, err := json.Marshal(executeRequest{
		TaskID:   task.ID,
		Name:     task.Name,
		Metadata: task.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling task: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/execute", reg.Host, reg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing task on %s: %w", reg.AgentID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var execResp executeResponse
		if json.Unmarshal(body, &execResp) == nil && execResp.Error != "" {
			return nil, fmt.Errorf("agent %s: %s", reg.AgentID, execResp.Error)
		}
		return nil, fmt.Errorf("agent %s: HTTP %d: %s", reg.AgentID, resp.StatusCode, body)
	}

	var execResp executeResponse
	if err := json.Unmarshal(body, &execResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if execResp.Error != "" {
		return nil, fmt.Errorf("agent %s: %s", reg.AgentID, execResp.Error)
	}
	return execResp.Result, nil
}
