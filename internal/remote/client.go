// Package remote is the HTTP client for the central authority's sync API:
// the batch-sync endpoint, the resolve-conflict endpoint, and the plain
// resource reads used by snapshot refresh.
//
// Every call returns a typed *model.SyncError so transient versus permanent
// failures are a typed decision point for the coordinator, never a
// silently-empty result.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fieldline/fieldsync/pkg/model"
)

// BatchItem is one queued operation inside a batch-sync request.
type BatchItem struct {
	ClientID  string          `json:"clientId"`
	Operation model.OpKind    `json:"operation"`
	Resource  string          `json:"resource"`
	Payload   json.RawMessage `json:"payload"`
}

// BatchRequest is the body of POST /sync/batch.
type BatchRequest struct {
	ClientTime string      `json:"clientTime"`
	Items      []BatchItem `json:"items"`
}

// BatchConflict flags a version mismatch for one batch item.
type BatchConflict struct {
	ClientID      string `json:"clientId"`
	ClientVersion int64  `json:"clientVersion"`
	ServerVersion int64  `json:"serverVersion"`
	// Deleted is set when the server's winning state is a deletion.
	Deleted bool `json:"deleted,omitempty"`
	// Entity is the server's current document, when the server includes it.
	Entity json.RawMessage `json:"entity,omitempty"`
}

// BatchFailure flags a non-retryable rejection of one batch item.
type BatchFailure struct {
	ClientID string `json:"clientId"`
	Reason   string `json:"reason"`
}

// BatchResponse is the body returned by POST /sync/batch.
type BatchResponse struct {
	IDMap     map[string]string `json:"idMap"`
	Conflicts []BatchConflict   `json:"conflicts"`
	Failures  []BatchFailure    `json:"failures"`
}

// ResolveRequest is the body of POST /sync/resolve-conflict.
type ResolveRequest struct {
	ClientID      string           `json:"clientId"`
	Resolution    model.Resolution `json:"resolution"`
	ClientVersion int64            `json:"clientVersion"`
	ServerVersion int64            `json:"serverVersion"`
}

// ResolveResponse echoes the chosen resolution and the resulting entity.
type ResolveResponse struct {
	Resolution model.Resolution `json:"resolution"`
	Entity     json.RawMessage  `json:"entity"`
}

// Client calls the remote sync API.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	logger  *zap.Logger
}

// New creates a client for the API rooted at baseURL. timeout bounds every
// request; token, when non-empty, is sent as a bearer token.
func New(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// SendBatch posts a batch of pending operations stamped with the client's
// local time.
func (c *Client) SendBatch(ctx context.Context, items []BatchItem) (*BatchResponse, error) {
	req := BatchRequest{
		ClientTime: time.Now().Format(time.RFC3339),
		Items:      items,
	}
	var resp BatchResponse
	if err := c.post(ctx, "/sync/batch", req, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("batch sent",
		zap.Int("items", len(items)),
		zap.Int("assigned_ids", len(resp.IDMap)),
		zap.Int("conflicts", len(resp.Conflicts)),
		zap.Int("failures", len(resp.Failures)))
	return &resp, nil
}

// ResolveConflict reports a conflict decision to the server and returns
// the server's echo of the resulting entity.
func (c *Client) ResolveConflict(ctx context.Context, req ResolveRequest) (*ResolveResponse, error) {
	var resp ResolveResponse
	if err := c.post(ctx, "/sync/resolve-conflict", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchResource reads a whole remote collection for the snapshot cache.
func (c *Client) FetchResource(ctx context.Context, resource string) ([]json.RawMessage, error) {
	op := "fetch " + resource
	endpoint := c.baseURL + "/" + url.PathEscape(resource)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, model.Permanent(op, err)
	}
	c.setHeaders(httpReq)

	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, model.Transient(op, err)
	}
	defer httpResp.Body.Close()

	if err := classify(op, httpResp); err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.NewDecoder(httpResp.Body).Decode(&items); err != nil {
		return nil, model.Permanent(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return items, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	op := "POST " + path

	encoded, err := json.Marshal(body)
	if err != nil {
		return model.Permanent(op, fmt.Errorf("failed to encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return model.Permanent(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		// Transport failures and timeouts are retryable.
		return model.Transient(op, err)
	}
	defer httpResp.Body.Close()

	if err := classify(op, httpResp); err != nil {
		return err
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return model.Permanent(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classify converts a non-2xx response into a typed SyncError, reading a
// bounded amount of the body for the message.
func classify(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	return model.NewSyncError(model.ClassifyStatus(resp.StatusCode), op, err)
}
