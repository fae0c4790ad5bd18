package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lumadesk/operator/internal/inbox"
	"github.com/lumadesk/operator/internal/takeover"
)

const defaultTimeout = 20 * time.Second

// Client talks to the campaign backend over HTTP with a bearer token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewClient creates a backend client. The base URL is the backend root
// without a trailing slash.
func NewClient(log *slog.Logger, baseURL, token string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		logger:     log.With(slog.String("component", "backend_client")),
	}
}

// ListThreads fetches the full thread directory for an agent and channel.
func (c *Client) ListThreads(ctx context.Context, agentID string, channel inbox.Channel) ([]inbox.Thread, error) {
	var out struct {
		Threads []inbox.Thread `json:"threads"`
	}
	path := fmt.Sprintf("/agents/%s/channels/%s/threads", url.PathEscape(agentID), url.PathEscape(string(channel)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return out.Threads, nil
}

// ThreadMessages fetches one page of history for a thread, newest last. A
// zero Before means the latest page.
func (c *Client) ThreadMessages(ctx context.Context, key inbox.ThreadKey, query ThreadMessagesQuery) (ThreadMessagesResult, error) {
	values := url.Values{}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Before > 0 {
		values.Set("before", strconv.FormatInt(query.Before, 10))
	}
	path := c.threadPath(key, "messages")
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out ThreadMessagesResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return ThreadMessagesResult{}, fmt.Errorf("thread messages: %w", err)
	}
	return out, nil
}

// Send delivers a text or attachment message and returns the backend
// acknowledgement.
func (c *Client) Send(ctx context.Context, key inbox.ThreadKey, body SendBody) (SendResult, error) {
	var out SendResult
	if err := c.do(ctx, http.MethodPost, c.threadPath(key, "send"), body, &out); err != nil {
		return SendResult{}, fmt.Errorf("send message: %w", err)
	}
	return out, nil
}

// MarkRead reports the read position and returns the server's unread count.
func (c *Client) MarkRead(ctx context.Context, key inbox.ThreadKey) (int, error) {
	var out struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := c.do(ctx, http.MethodPost, c.threadPath(key, "read"), struct{}{}, &out); err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return out.UnreadCount, nil
}

// Takeover requests a control transition and returns the confirmed state.
// Implements takeover.Transitioner.
func (c *Client) Takeover(ctx context.Context, key inbox.ThreadKey, req takeover.Request) (takeover.Result, error) {
	var out takeover.Result
	if err := c.do(ctx, http.MethodPost, c.threadPath(key, "takeover"), req, &out); err != nil {
		return takeover.Result{}, fmt.Errorf("takeover: %w", err)
	}
	return out, nil
}

// PairingCode asks the backend for the current channel pairing code, used
// when the agent's channel session needs relinking.
func (c *Client) PairingCode(ctx context.Context, agentID string, channel inbox.Channel) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	path := fmt.Sprintf("/agents/%s/channels/%s/pairing", url.PathEscape(agentID), url.PathEscape(string(channel)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("pairing code: %w", err)
	}
	return out.Code, nil
}

func (c *Client) threadPath(key inbox.ThreadKey, suffix string) string {
	return fmt.Sprintf("/agents/%s/channels/%s/threads/%s/%s",
		url.PathEscape(key.AgentID),
		url.PathEscape(string(key.Channel)),
		url.PathEscape(key.ContactID),
		suffix,
	)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("backend base url not configured")
	}
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.logger.Debug("backend request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(started)),
	)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
