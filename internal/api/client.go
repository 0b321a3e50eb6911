// Package api is a client of the relay's REST endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/feltcanvas/felt/internal/relay"
)

// Client talks to a relay's HTTP API.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// New creates a new API client. baseURL is the relay's http(s) root.
func New(baseURL, secret string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURLFromWebSocket derives the HTTP root from a relay WebSocket URL such
// as ws://host:8787/v1/ws.
func BaseURLFromWebSocket(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/v1/ws")
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// Healthcheck checks if the relay is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil)
}

// Status returns the relay's traffic counters.
func (c *Client) Status(ctx context.Context) (relay.Stats, error) {
	var st relay.Stats
	err := c.do(ctx, http.MethodGet, "/v1/status", &st)
	return st, err
}

// ListSessions returns live and stored sessions.
func (c *Client) ListSessions(ctx context.Context) ([]relay.SessionInfo, error) {
	var out []relay.SessionInfo
	err := c.do(ctx, http.MethodGet, "/v1/sessions", &out)
	return out, err
}

// GetSession returns the state and roster of one session.
func (c *Client) GetSession(ctx context.Context, session string) (relay.SessionDetail, error) {
	var out relay.SessionDetail
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(session), &out)
	return out, err
}

// Export asks the relay to write a session file and returns its path on the
// relay host.
func (c *Client) Export(ctx context.Context, session string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(session)+"/export", &out)
	return out.Path, err
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned status %d", e.Code)
	}
	return fmt.Sprintf("relay returned status %d: %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.secret != "" {
		req.Header.Set(relay.SecretHeader, c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, &body)
		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
