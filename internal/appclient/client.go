// Package appclient talks to islandd's control API over its unix socket.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/islandd/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	dialer       *websocket.Dialer
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

func New(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	c := NewWithClient("http://unix", &http.Client{Transport: &http.Transport{DialContext: dial}})
	c.dialer = &websocket.Dialer{
		NetDialContext:   dial,
		HandshakeTimeout: defaultUnaryTimeout,
	}
	return c
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		dialer:       &websocket.Dialer{HandshakeTimeout: defaultUnaryTimeout},
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

var ErrStreamPayloadInvalid = errors.New("stream payload invalid")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusNotFound
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.getJSON(ctx, "/v1/health", nil, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context) (api.SessionsEnvelope, error) {
	var out api.SessionsEnvelope
	err := c.getJSON(ctx, "/v1/sessions", nil, &out)
	return out, err
}

// ListPending lists held permission requests, optionally for one session.
func (c *Client) ListPending(ctx context.Context, sessionID string) (api.PendingListEnvelope, error) {
	query := url.Values{}
	if s := strings.TrimSpace(sessionID); s != "" {
		query.Set("session", s)
	}
	var out api.PendingListEnvelope
	err := c.getJSON(ctx, "/v1/pending", query, &out)
	return out, err
}

func (c *Client) GetPending(ctx context.Context, toolUseID string) (api.PendingEnvelope, error) {
	var out api.PendingEnvelope
	err := c.getJSON(ctx, "/v1/pending/"+url.PathEscape(toolUseID), nil, &out)
	return out, err
}

func (c *Client) SessionPending(ctx context.Context, sessionID string) (api.PendingEnvelope, error) {
	var out api.PendingEnvelope
	err := c.getJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/pending", nil, &out)
	return out, err
}

func (c *Client) Respond(ctx context.Context, toolUseID, decision, reason string) (api.RespondResponse, error) {
	return c.respond(ctx, "/v1/pending/"+url.PathEscape(toolUseID)+"/respond", decision, reason)
}

// RespondSession answers the most recent pending request of a session.
func (c *Client) RespondSession(ctx context.Context, sessionID, decision, reason string) (api.RespondResponse, error) {
	return c.respond(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/respond", decision, reason)
}

func (c *Client) respond(ctx context.Context, path, decision, reason string) (api.RespondResponse, error) {
	body, err := c.request(ctx, http.MethodPost, path, nil, api.RespondRequest{Decision: decision, Reason: reason})
	if err != nil {
		return api.RespondResponse{}, err
	}
	var resp api.RespondResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.RespondResponse{}, fmt.Errorf("decode respond response: %w", err)
	}
	return resp, nil
}

func (c *Client) Cancel(ctx context.Context, toolUseID string) (api.CancelResponse, error) {
	return c.cancel(ctx, "/v1/pending/"+url.PathEscape(toolUseID))
}

func (c *Client) CancelSession(ctx context.Context, sessionID string) (api.CancelResponse, error) {
	return c.cancel(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/pending")
}

func (c *Client) cancel(ctx context.Context, path string) (api.CancelResponse, error) {
	body, err := c.request(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return api.CancelResponse{}, err
	}
	var resp api.CancelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.CancelResponse{}, fmt.Errorf("decode cancel response: %w", err)
	}
	return resp, nil
}

type HistoryOptions struct {
	Limit     int
	SessionID string
}

func (c *Client) History(ctx context.Context, opts HistoryOptions) (api.HistoryEnvelope, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if s := strings.TrimSpace(opts.SessionID); s != "" {
		query.Set("session", s)
	}
	var out api.HistoryEnvelope
	err := c.getJSON(ctx, "/v1/history", query, &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeRequestError(resp.StatusCode, payload)
	}
	return payload, nil
}

func decodeRequestError(status int, payload []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{
			StatusCode: status,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
