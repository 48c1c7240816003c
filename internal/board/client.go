package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// APIClient is the HTTP implementation of TaskAPI.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient builds a client against baseURL (e.g. http://localhost:8787).
// A nil hc uses a client with a 15s timeout.
func NewAPIClient(baseURL, token string, hc *http.Client) *APIClient {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (c *APIClient) ListTasks(ctx context.Context, projectID int64) ([]Task, error) {
	var tasks []Task
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/projects/%d/tasks", projectID), nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *APIClient) UpdateTaskTag(ctx context.Context, taskID int64, tagID *int64) (Task, error) {
	var task Task
	body := map[string]*int64{"tagId": tagID}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/tasks/%d", taskID), body, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)
		return &APIError{Status: resp.StatusCode, Code: payload.Code, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
