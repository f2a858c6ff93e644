// Package client is the Go client of the coordination API. It submits
// tasks, waits for their completion with bounded exponential backoff, and
// decrypts collected results with the local organization's private key.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/coordination"
	"github.com/vantage6/vantage6-sub005/crypto"
	"github.com/vantage6/vantage6-sub005/retry"
	"github.com/vantage6/vantage6-sub005/types"
	"github.com/vantage6/vantage6-sub005/wire"
)

// Client talks to one coordination server on behalf of one organization.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	crypto  crypto.Provider
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a Client. provider decrypts result payloads addressed to the
// local organization; pass crypto.NopProvider for unencrypted collaborations.
func New(baseURL, token string, provider crypto.Provider, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		crypto:  provider,
		logger:  logger.With(zap.String("component", "client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateTaskRequest is the client-side create-task call.
type CreateTaskRequest struct {
	CollaborationID uint     `json:"collaboration_id"`
	TargetOrgIDs    []uint   `json:"organizations"`
	Image           string   `json:"image"`
	Name            string   `json:"name,omitempty"`
	Description     string   `json:"description,omitempty"`
	Input           []byte   `json:"input"`
	Databases       []string `json:"databases,omitempty"`
}

// TaskRef identifies a created task and its runs.
type TaskRef struct {
	UUID   string `json:"uuid"`
	RunIDs []uint `json:"run_ids"`
}

// CreateTask submits a task for execution across the target organizations.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*TaskRef, error) {
	var ref TaskRef
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// CreateTaskWithInput encodes input with the given serialization format and
// submits the task with the tagged payload as its input. Nodes dispatch on
// the format tag when decoding; req.Input is overwritten.
func (c *Client) CreateTaskWithInput(ctx context.Context, req CreateTaskRequest, format wire.Format, input any) (*TaskRef, error) {
	payload, err := wire.Marshal(format, input)
	if err != nil {
		return nil, err
	}
	req.Input = payload
	return c.CreateTask(ctx, req)
}

// TaskStatus fetches the task's derived status.
func (c *Client) TaskStatus(ctx context.Context, taskUUID string) (*coordination.TaskSummary, error) {
	var summary coordination.TaskSummary
	path := fmt.Sprintf("/api/v1/tasks/%s/status", taskUUID)
	if err := c.do(ctx, http.MethodGet, path, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// WaitForResults polls the task's status with the given backoff policy until
// every run is terminal: failed runs are terminal too, so a partially failed
// task never blocks the wait forever. Waiting is purely observational;
// cancelling ctx abandons the wait without touching server-side state.
func (c *Client) WaitForResults(ctx context.Context, taskUUID string, policy retry.Policy) (*coordination.TaskSummary, error) {
	for attempt := 0; ; attempt++ {
		summary, err := c.TaskStatus(ctx, taskUUID)
		if err != nil {
			return nil, err
		}
		if summary.Finished {
			c.logger.Debug("task finished",
				zap.String("task_uuid", taskUUID),
				zap.String("status", string(summary.Status)),
				zap.Int("polls", attempt+1),
			)
			return summary, nil
		}
		if err := policy.Wait(ctx, attempt+1); err != nil {
			return nil, err
		}
	}
}

// Result is one organization's decrypted outcome. A run that failed before
// producing a payload carries its status and log instead; a payload that
// could not be decrypted carries Err while the other entries stay usable.
type Result struct {
	RunID          uint
	OrganizationID uint
	Status         string
	Payload        []byte
	Log            string
	Err            error
}

// Decode deserializes the decrypted payload into v, dispatching on its
// format tag. Untagged payloads are decoded as gob, matching what older
// nodes produce.
func (r *Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	return wire.Unmarshal(r.Payload, v)
}

// GetResults fetches the finished task's results and decrypts each payload
// with the local organization's key. Entries come back in the original
// target-organization order. A per-entry decryption failure is recorded on
// that entry, never propagated as a call failure.
func (c *Client) GetResults(ctx context.Context, taskUUID string) ([]Result, error) {
	var entries []coordination.ResultEntry
	path := fmt.Sprintf("/api/v1/tasks/%s/results", taskUUID)
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(entries))
	for _, entry := range entries {
		result := Result{
			RunID:          entry.RunID,
			OrganizationID: entry.OrganizationID,
			Status:         string(entry.Status),
			Log:            entry.Log,
		}
		if len(entry.Payload) > 0 {
			plaintext, err := c.crypto.DecryptOwn(entry.Payload)
			if err != nil {
				c.logger.Warn("result decryption failed",
					zap.Uint("run_id", entry.RunID),
					zap.Error(err),
				)
				result.Err = err
			} else {
				result.Payload = plaintext
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// Run executes the complete submit-wait-collect cycle.
func (c *Client) Run(ctx context.Context, req CreateTaskRequest, policy retry.Policy) ([]Result, error) {
	ref, err := c.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := c.WaitForResults(ctx, ref.UUID, policy); err != nil {
		return nil, err
	}
	return c.GetResults(ctx, ref.UUID)
}

// OnlineCheck triggers a liveness probe of every node in the collaboration.
func (c *Client) OnlineCheck(ctx context.Context, collabID uint, timeout time.Duration) (*coordination.OnlineCheckReport, error) {
	var report coordination.OnlineCheckReport
	path := fmt.Sprintf("/api/v1/collaborations/%d/online-check?timeout=%s", collabID, timeout)
	if err := c.do(ctx, http.MethodPost, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// envelope mirrors the server's uniform response structure.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewError(types.ErrServiceUnavailable, "coordination server unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}

	if !env.Success {
		code := types.ErrInternalError
		message := http.StatusText(resp.StatusCode)
		if env.Error != nil {
			code = types.ErrorCode(env.Error.Code)
			message = env.Error.Message
		}
		return types.NewError(code, message).WithHTTPStatus(resp.StatusCode)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
