package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mateo/fleetd/internal/queue"
)

// Client talks to a running fleetd daemon. Used by fleetctl.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(port int) *Client {
	return &Client{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Health reports the daemon's aggregate status. A degraded daemon answers
// 503 with a valid body, so that is not treated as a transport error.
func (c *Client) Health() (*HealthResponse, error) {
	resp, err := c.HTTPClient.Get(c.BaseURL + "/healthz")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &health, nil
}

func (c *Client) Metrics() (*MetricsResponse, error) {
	var resp MetricsResponse
	if err := c.get("/metrics", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RegisterAgent(req RegisterAgentRequest) error {
	return c.post("/v1/agents", req, nil)
}

func (c *Client) DeregisterAgent(agentID string) error {
	return c.do(http.MethodDelete, "/v1/agents/"+url.PathEscape(agentID), nil, nil)
}

func (c *Client) ListAgents(capability, version string, tags []string) ([]AgentView, error) {
	q := url.Values{}
	if capability != "" {
		q.Set("capability", capability)
	}
	if version != "" {
		q.Set("version", version)
	}
	if len(tags) > 0 {
		q.Set("tags", strings.Join(tags, ","))
	}
	path := "/v1/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Agents []AgentView `json:"agents"`
	}
	if err := c.get(path, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

func (c *Client) RefreshTTL(agentID string, ttlSeconds int) error {
	return c.post("/v1/agents/"+url.PathEscape(agentID)+"/ttl", RefreshTTLRequest{TTLSeconds: ttlSeconds}, nil)
}

func (c *Client) SetWeight(agentID string, weight float64) error {
	return c.post("/v1/agents/"+url.PathEscape(agentID)+"/weight", SetWeightRequest{Weight: weight}, nil)
}

func (c *Client) SubmitTask(req SubmitTaskRequest) (string, error) {
	var resp SubmitTaskResponse
	if err := c.post("/v1/tasks", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) GetTask(taskID string) (*queue.Task, error) {
	var task queue.Task
	if err := c.get("/v1/tasks/"+url.PathEscape(taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) CancelTask(taskID string) error {
	return c.post("/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil)
}

func (c *Client) TaskStats() (map[queue.TaskState]int, error) {
	var stats map[queue.TaskState]int
	if err := c.get("/v1/tasks/stats", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *Client) ResetBreaker(agentID string) error {
	return c.post("/v1/breakers/"+url.PathEscape(agentID)+"/reset", nil, nil)
}

func (c *Client) get(path string, result interface{}) error {
	return c.do(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, payload, result interface{}) error {
	return c.do(http.MethodPost, path, payload, result)
}

func (c *Client) do(method, path string, payload, result interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	}

	if result != nil {
		return json.Unmarshal(respBody, result)
	}
	return nil
}
