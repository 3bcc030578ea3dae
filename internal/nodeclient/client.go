// Package nodeclient is the HTTP client collector nodes and tools use to talk to the coordinator.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

const userAgent = "PolicyHub-Node/1.0"

// Client handles communication with the coordinator for one node.
type Client struct {
	endpoint   string
	apiToken   string
	nodeName   string
	httpClient *http.Client
	log        logr.Logger
}

// NewClient creates a client authenticating with apiToken. nodeName is sent on
// every request so the coordinator can attribute polls and results.
func NewClient(endpoint, apiToken, nodeName string, log logr.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		apiToken: apiToken,
		nodeName: nodeName,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.WithName("node-client"),
	}
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// APIError is a non-2xx response from the coordinator.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (status %d): %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// FetchPendingResponse is the response from polling for work.
type FetchPendingResponse struct {
	Success     bool              `json:"success"`
	Simulations []models.WorkItem `json:"simulations"`
	NodeName    string            `json:"nodeName"`
}

// FetchPendingSimulations claims the simulations waiting for this node.
func (c *Client) FetchPendingSimulations(ctx context.Context) (*FetchPendingResponse, error) {
	var result FetchPendingResponse
	if err := c.do(ctx, http.MethodGet, "/api/operator/simulation/pending", nil, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch pending simulations: %w", err)
	}
	c.log.V(1).Info("Fetched pending simulations", "count", len(result.Simulations))
	return &result, nil
}

// SubmitResultResponse is the response from submitting a node result.
type SubmitResultResponse struct {
	Success  bool                     `json:"success"`
	Accepted bool                     `json:"accepted"`
	Outcome  models.SubmissionOutcome `json:"outcome"`
	Status   models.Status            `json:"status"`
}

// SubmitSimulationResult reports this node's result for a simulation.
func (c *Client) SubmitSimulationResult(ctx context.Context, simulationID string, result *models.PartialResult) (*SubmitResultResponse, error) {
	if result == nil {
		return nil, fmt.Errorf("result is nil")
	}
	body := models.ResultSubmission{PartialResult: *result}
	body.SimulationID = simulationID
	body.NodeName = c.nodeName

	var resp SubmitResultResponse
	if err := c.do(ctx, http.MethodPost, "/api/operator/simulation/results", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to submit simulation result: %w", err)
	}
	c.log.Info("Submitted simulation result",
		"simulationId", simulationID,
		"accepted", resp.Accepted,
		"status", resp.Status)
	return &resp, nil
}

// SubmitValidation posts validation summaries and events.
func (c *Client) SubmitValidation(ctx context.Context, in *models.ValidationIngestion) (*models.IngestResult, error) {
	if in == nil {
		return &models.IngestResult{Success: true}, nil
	}
	if in.NodeName == "" {
		in.NodeName = c.nodeName
	}

	var result models.IngestResult
	if err := c.do(ctx, http.MethodPost, "/api/operator/validation", in, &result); err != nil {
		return nil, fmt.Errorf("failed to submit validation: %w", err)
	}
	c.log.V(1).Info("Submitted validation",
		"summaries", result.SummariesUpserted,
		"events", result.EventsCreated,
		"duplicate", result.Duplicate)
	return &result, nil
}

// HeartbeatResponse is the response from a heartbeat.
type HeartbeatResponse struct {
	Success   bool   `json:"success"`
	ClusterID string `json:"clusterId"`
	NodeCount int    `json:"nodeCount"`
}

// Heartbeat reports cluster liveness.
func (c *Client) Heartbeat(ctx context.Context, req models.HeartbeatRequest) (*HeartbeatResponse, error) {
	var result HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/operator/heartbeat", req, &result); err != nil {
		return nil, fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return &result, nil
}

// SummaryResponse is the validation summary of a window.
type SummaryResponse struct {
	Success bool `json:"success"`
	models.SummaryReport
}

// GetValidationSummary returns the summary of the last hours; zero selects the server default.
func (c *Client) GetValidationSummary(ctx context.Context, hours int) (*SummaryResponse, error) {
	path := "/telemetry/validation/summary"
	if hours > 0 {
		path += "?hours=" + strconv.Itoa(hours)
	}
	var result SummaryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to get validation summary: %w", err)
	}
	return &result, nil
}

// SimulationResponse wraps a single simulation.
type SimulationResponse struct {
	Success    bool               `json:"success"`
	Simulation *models.Simulation `json:"simulation"`
}

// StatusResponse reports the status of a simulation after a change.
type StatusResponse struct {
	Success      bool          `json:"success"`
	SimulationID string        `json:"simulationId"`
	Status       models.Status `json:"status"`
}

// CreateSimulation requests a new simulation.
func (c *Client) CreateSimulation(ctx context.Context, req *models.CreateSimulationRequest) (*StatusResponse, error) {
	var result StatusResponse
	if err := c.do(ctx, http.MethodPost, "/simulation", req, &result); err != nil {
		return nil, fmt.Errorf("failed to create simulation: %w", err)
	}
	return &result, nil
}

// GetSimulation fetches a simulation by id.
func (c *Client) GetSimulation(ctx context.Context, id string) (*models.Simulation, error) {
	var result SimulationResponse
	if err := c.do(ctx, http.MethodGet, "/simulation/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, fmt.Errorf("failed to get simulation: %w", err)
	}
	return result.Simulation, nil
}

// CancelSimulation cancels a pending or running simulation.
func (c *Client) CancelSimulation(ctx context.Context, id string) (*StatusResponse, error) {
	var result StatusResponse
	if err := c.do(ctx, http.MethodPost, "/simulation/"+url.PathEscape(id)+"/cancel", nil, &result); err != nil {
		return nil, fmt.Errorf("failed to cancel simulation: %w", err)
	}
	return &result, nil
}

// do sends in as JSON, when non-nil, and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.nodeName != "" {
		req.Header.Set("X-Node-Name", c.nodeName)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
