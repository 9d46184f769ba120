// Package n8n talks to remote n8n instances over their public REST API and
// to the npm registry for release lookups.
package n8n

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"n8nadmin/internal/types"
)

const (
	apiKeyHeader = "X-N8N-API-KEY"

	// executionPageLimit is the hard cap of the executions endpoint.
	executionPageLimit = 250

	npmLatestURL         = "https://registry.npmjs.org/n8n/latest"
	versionCheckInterval = time.Hour
)

var (
	// ErrUnauthorized means the instance rejected the stored API key.
	ErrUnauthorized = errors.New("instance rejected api key")
	// ErrUnreachable means the instance could not be contacted at all.
	ErrUnreachable = errors.New("instance unreachable")
)

type Client struct {
	http   *http.Client
	logger *slog.Logger

	versionMu        sync.Mutex
	latestVersion    string
	lastVersionCheck time.Time
}

func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// SystemInfo probes an instance and classifies the result as one of the
// instance status values.
type SystemInfo struct {
	Status  string
	Version string
}

// GetSystemInfo performs a lightweight authenticated probe. The version is
// scraped from the instance's landing page since the public API does not
// expose it.
func (c *Client) GetSystemInfo(ctx context.Context, baseURL, apiKey string) SystemInfo {
	if baseURL == "" {
		return SystemInfo{Status: types.InstanceStatusOffline, Version: types.VersionUnknown}
	}

	resp, err := c.doAPI(ctx, http.MethodGet, baseURL, "/api/v1/users", apiKey, nil)
	if err != nil {
		return SystemInfo{Status: types.InstanceStatusOffline, Version: types.VersionUnknown}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return SystemInfo{Status: types.InstanceStatusAuthError, Version: types.VersionUnknown}
	case resp.StatusCode >= 400:
		return SystemInfo{Status: types.InstanceStatusError, Version: types.VersionUnknown}
	}

	return SystemInfo{Status: types.InstanceStatusOnline, Version: c.fetchVersion(ctx, baseURL)}
}

var (
	versionInlineRe = regexp.MustCompile(`window\.n8nVersion\s*=\s*["']([^"']+)["']`)
	sentryMetaRe    = regexp.MustCompile(`name="n8n:config:sentry"\s+content="([^"]+)"`)
	sentryReleaseRe = regexp.MustCompile(`"release"\s*:\s*"n8n@([^"]+)"`)
)

func (c *Client) fetchVersion(ctx context.Context, baseURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/", nil)
	if err != nil {
		return types.VersionUnknown
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return types.VersionUnknown
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.VersionUnknown
	}

	if m := versionInlineRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	if m := sentryMetaRe.FindSubmatch(body); m != nil {
		if decoded, err := base64.StdEncoding.DecodeString(string(m[1])); err == nil {
			if rm := sentryReleaseRe.FindSubmatch(decoded); rm != nil {
				return string(rm[1])
			}
		}
	}
	return types.VersionUnknown
}

// LatestVersion returns the newest published n8n release, cached for an
// hour. Returns VersionUnknown when the registry was never reachable.
func (c *Client) LatestVersion(ctx context.Context) string {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()

	if c.latestVersion != "" && time.Since(c.lastVersionCheck) < versionCheckInterval {
		return c.latestVersion
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, npmLatestURL, nil)
	if err != nil {
		return c.cachedOrUnknown()
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("npm registry lookup failed", "err", err)
		return c.cachedOrUnknown()
	}
	defer resp.Body.Close()

	var payload struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Version == "" {
		return c.cachedOrUnknown()
	}

	c.latestVersion = payload.Version
	c.lastVersionCheck = time.Now()
	return c.latestVersion
}

func (c *Client) cachedOrUnknown() string {
	if c.latestVersion != "" {
		return c.latestVersion
	}
	return types.VersionUnknown
}

type workflowsResponse struct {
	Data []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Active bool   `json:"active"`
	} `json:"data"`
}

type executionsResponse struct {
	Data []execution `json:"data"`
}

type execution struct {
	ID           json.Number `json:"id"`
	WorkflowID   string      `json:"workflowId"`
	Status       string      `json:"status"`
	StartedAt    string      `json:"startedAt"`
	WorkflowData *struct {
		Name string `json:"name"`
	} `json:"workflowData"`
	ResultData *resultData `json:"resultData"`
	Data       *struct {
		ResultData *resultData `json:"resultData"`
	} `json:"data"`
}

type resultData struct {
	Error *struct {
		Message string `json:"message"`
		Node    *struct {
			Name string `json:"name"`
		} `json:"node"`
	} `json:"error"`
	LastNodeExecuted string `json:"lastNodeExecuted"`
	Message          string `json:"message"`
}

// GetWorkflows lists the instance's workflows enriched with last run and
// last error timestamps from recent executions, sorted by name.
func (c *Client) GetWorkflows(ctx context.Context, baseURL, apiKey string) ([]types.Workflow, error) {
	resp, err := c.doAPI(ctx, http.MethodGet, baseURL, "/api/v1/workflows", apiKey, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var parsed workflowsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode workflows: %w", err)
	}

	workflows := make([]types.Workflow, 0, len(parsed.Data))
	for _, w := range parsed.Data {
		workflows = append(workflows, types.Workflow{ID: w.ID, Name: w.Name, Active: w.Active})
	}

	c.enrichWithExecutions(ctx, baseURL, apiKey, workflows)

	sort.SliceStable(workflows, func(i, j int) bool {
		return strings.ToLower(workflows[i].Name) < strings.ToLower(workflows[j].Name)
	})
	return workflows, nil
}

// enrichWithExecutions fills LastRunAt/LastErrorAt from the most recent
// executions. Failures here degrade the listing, never fail it.
func (c *Client) enrichWithExecutions(ctx context.Context, baseURL, apiKey string, workflows []types.Workflow) {
	resp, err := c.doAPI(ctx, http.MethodGet, baseURL, fmt.Sprintf("/api/v1/executions?limit=%d", executionPageLimit), apiKey, nil)
	if err != nil {
		c.logger.Debug("fetch executions for workflow stats failed", "err", err)
		return
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		c.logger.Debug("fetch executions for workflow stats failed", "err", err)
		return
	}

	var parsed executionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return
	}

	lastRuns := map[string]time.Time{}
	lastErrors := map[string]time.Time{}
	for _, exec := range parsed.Data {
		startedAt, err := time.Parse(time.RFC3339, exec.StartedAt)
		if err != nil || exec.WorkflowID == "" {
			continue
		}
		if prev, ok := lastRuns[exec.WorkflowID]; !ok || startedAt.After(prev) {
			lastRuns[exec.WorkflowID] = startedAt
		}
		status := strings.ToLower(exec.Status)
		if status == "error" || status == "crashed" {
			if prev, ok := lastErrors[exec.WorkflowID]; !ok || startedAt.After(prev) {
				lastErrors[exec.WorkflowID] = startedAt
			}
		}
	}

	for i := range workflows {
		if ts, ok := lastRuns[workflows[i].ID]; ok {
			t := ts
			workflows[i].LastRunAt = &t
		}
		if ts, ok := lastErrors[workflows[i].ID]; ok {
			t := ts
			workflows[i].LastErrorAt = &t
		}
	}
}

// GetRawWorkflows returns the workflow objects exactly as the instance
// serves them, for export archives.
func (c *Client) GetRawWorkflows(ctx context.Context, baseURL, apiKey string) ([]map[string]any, error) {
	resp, err := c.doAPI(ctx, http.MethodGet, baseURL, "/api/v1/workflows", apiKey, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var parsed struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode workflows: %w", err)
	}
	return parsed.Data, nil
}

// GetExecutionErrors lists failed executions as error events, newest data
// included. The remote caps pages at 250; since filters client-side because
// startedAfter is not supported by every n8n release.
func (c *Client) GetExecutionErrors(ctx context.Context, baseURL, apiKey string, limit int, since *time.Time) ([]types.Event, error) {
	if limit <= 0 || limit > executionPageLimit {
		limit = executionPageLimit
	}

	path := fmt.Sprintf("/api/v1/executions?status=error&includeData=true&limit=%d", limit)
	resp, err := c.doAPI(ctx, http.MethodGet, baseURL, path, apiKey, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var parsed executionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}

	events := make([]types.Event, 0, len(parsed.Data))
	for _, exec := range parsed.Data {
		event := mapExecutionToEvent(exec)
		if since != nil && !event.OccurredAt.After(*since) {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func mapExecutionToEvent(exec execution) types.Event {
	occurredAt := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339, exec.StartedAt); err == nil {
		occurredAt = ts
	}

	workflowName := "Unknown Workflow"
	if exec.WorkflowData != nil && exec.WorkflowData.Name != "" {
		workflowName = exec.WorkflowData.Name
	} else if exec.WorkflowID != "" {
		workflowName = "Workflow " + exec.WorkflowID
	}

	message := "Execution failed"
	nodeName := ""
	for _, rd := range []*resultData{exec.ResultData, nestedResultData(exec)} {
		if rd == nil {
			continue
		}
		if rd.Error != nil && rd.Error.Message != "" {
			message = rd.Error.Message
			if rd.Error.Node != nil {
				nodeName = rd.Error.Node.Name
			}
			break
		}
		if rd.Message != "" {
			message = rd.Message
			break
		}
	}

	return types.Event{
		ID:         exec.ID.String(),
		EventType:  types.EventTypeWorkflowError,
		Severity:   types.SeverityError,
		OccurredAt: occurredAt,
		Payload: types.EventPayload{
			WorkflowID:   exec.WorkflowID,
			WorkflowName: workflowName,
			ErrorMessage: message,
			NodeName:     nodeName,
			ExecutionID:  exec.ID.String(),
		},
	}
}

func nestedResultData(exec execution) *resultData {
	if exec.Data == nil {
		return nil
	}
	return exec.Data.ResultData
}

// ImportWorkflow creates a workflow on the instance from an exported
// definition. Only the fields the create endpoint accepts are forwarded.
func (c *Client) ImportWorkflow(ctx context.Context, baseURL, apiKey string, definition map[string]any) error {
	payload := map[string]any{}
	for _, field := range []string{"name", "nodes", "connections", "settings"} {
		if value, ok := definition[field]; ok {
			payload[field] = value
		}
	}
	if payload["name"] == nil || payload["nodes"] == nil {
		return errors.New("workflow definition missing name or nodes")
	}
	if payload["settings"] == nil {
		payload["settings"] = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}

	resp, err := c.doAPI(ctx, http.MethodPost, baseURL, "/api/v1/workflows", apiKey, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) doAPI(ctx context.Context, method, baseURL, path, apiKey string, body io.Reader) (*http.Response, error) {
	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		return fmt.Errorf("instance returned status %d", resp.StatusCode)
	}
	return nil
}
