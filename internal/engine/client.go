// ABOUTME: HTTP client for the compute engine backend
// ABOUTME: Opens SSE streams and calls the preflight and HITL checkpoint endpoints

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/2389/consult-gateway/internal/config"
	"github.com/2389/consult-gateway/internal/errs"
	"github.com/2389/consult-gateway/internal/modes"
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 4 << 10

// Identity headers carried on every engine request.
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
)

// Identity is the caller metadata attached as headers, never in request bodies.
type Identity struct {
	TenantID  string
	UserID    string
	SessionID string
}

// Client talks to the compute engine over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	routes     map[modes.Route]string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a compute engine client. The connect timeout bounds dialing and
// waiting for response headers; once a stream is flowing there is no idle timeout.
func New(cfg config.EngineConfig, logger *slog.Logger) *Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = connectTimeout

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		routes: map[modes.Route]string{
			modes.RouteInteractive: "/" + strings.Trim(cfg.InteractiveRoute, "/"),
			modes.RouteMission:     "/" + strings.Trim(cfg.MissionRoute, "/"),
		},
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "engine"),
	}
}

// RoutePath returns the path prefix for a route class.
func (c *Client) RoutePath(r modes.Route) string {
	return c.routes[r]
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, id Identity) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errs.Internal("encoding engine request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errs.Internal("building engine request", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if id.TenantID != "" {
		req.Header.Set(HeaderTenantID, id.TenantID)
	}
	if id.UserID != "" {
		req.Header.Set(HeaderUserID, id.UserID)
	}
	if id.SessionID != "" {
		req.Header.Set(HeaderSessionID, id.SessionID)
	}
	return req, nil
}

// do sends req and classifies transport failures and non-2xx statuses.
// On success the caller owns resp.Body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(req, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("engine returned error status",
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode,
		)
		e := errs.Upstream(errs.CodeUpstreamStatus,
			fmt.Sprintf("engine returned status %d", resp.StatusCode), resp.StatusCode, nil)
		if msg := strings.TrimSpace(string(snippet)); msg != "" {
			e.WithDetail("upstream_body", msg)
		}
		return nil, e
	}

	return resp, nil
}

func classifyTransportError(req *http.Request, err error) error {
	if ctxErr := req.Context().Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return errs.Timeout("engine request timed out", err)
		}
		return ctxErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Timeout("engine request timed out", err)
	}
	return errs.Upstream(errs.CodeUpstreamUnreachable, "engine unreachable", 0, err)
}

// OpenStream issues exactly one POST {route}/stream and returns the event-stream
// body. Non-2xx responses never yield a body.
func (c *Client) OpenStream(ctx context.Context, route modes.Route, body map[string]any, id Identity) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.RoutePath(route)+"/stream", body, id)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("engine stream opened", "route", route, "session_id", id.SessionID)
	return resp.Body, nil
}

// PreflightRequest is the body of POST {mission}/preflight.
type PreflightRequest struct {
	MissionID string         `json:"mission_id"`
	Goal      string         `json:"goal"`
	TenantID  string         `json:"tenant_id"`
	UserID    string         `json:"user_id"`
	Options   map[string]any `json:"options,omitempty"`
}

// PreflightCheck is one check as reported by the engine.
type PreflightCheck struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Required bool   `json:"required"`
}

// PreflightResponse is the engine's preflight verdict.
type PreflightResponse struct {
	Passed bool             `json:"passed"`
	Checks []PreflightCheck `json:"checks"`
}

// Preflight calls POST {mission}/preflight once.
func (c *Client) Preflight(ctx context.Context, in PreflightRequest) (*PreflightResponse, error) {
	var out PreflightResponse
	id := Identity{TenantID: in.TenantID, UserID: in.UserID}
	if err := c.doJSON(ctx, http.MethodPost, c.RoutePath(modes.RouteMission)+"/preflight", in, &out, id); err != nil {
		return nil, err
	}
	return &out, nil
}

// RespondRequest is the body of POST /hitl/checkpoint/{id}/respond.
type RespondRequest struct {
	Action        string          `json:"action"`
	Option        string          `json:"option,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Modifications json.RawMessage `json:"modifications,omitempty"`
	MissionID     string          `json:"mission_id"`
	UserID        string          `json:"user_id"`
	Timestamp     time.Time       `json:"timestamp"`
}

// RespondCheckpoint forwards a checkpoint resolution. It is not idempotent and must not be retried.
func (c *Client) RespondCheckpoint(ctx context.Context, checkpointID string, in RespondRequest, id Identity) (json.RawMessage, error) {
	var out json.RawMessage
	path := "/hitl/checkpoint/" + checkpointID + "/respond"
	if err := c.doJSON(ctx, http.MethodPost, path, in, &out, id); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCheckpoint reads the engine's view of a checkpoint.
func (c *Client) GetCheckpoint(ctx context.Context, checkpointID string, id Identity) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/hitl/checkpoint/"+checkpointID, nil, &out, id); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, id Identity) error {
	req, err := c.newRequest(ctx, method, path, in, id)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(req, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Upstream(errs.CodeUpstreamStatus, "engine returned malformed JSON", resp.StatusCode, err)
	}
	return nil
}
