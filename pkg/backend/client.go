package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mindfulhome/sessiond/pkg/metrics"
)

const (
	connectTimeout = 30 * time.Second
	requestTimeout = 90 * time.Second
)

// Content is one turn of a negotiation transcript in the backend's wire
// format. The generate endpoint is stateless, so the full transcript is
// replayed on every call.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a single text fragment of a turn.
type Part struct {
	Text string `json:"text"`
}

// UserContent builds a user-role turn from plain text.
func UserContent(text string) Content {
	return Content{Role: "user", Parts: []Part{{Text: text}}}
}

// ModelContent builds a model-role turn from plain text.
func ModelContent(text string) Content {
	return Content{Role: "model", Parts: []Part{{Text: text}}}
}

// FunctionCall is a tool invocation emitted by the model.
type FunctionCall struct {
	Name string                     `json:"name"`
	Args map[string]json.RawMessage `json:"args"`
}

// IntArg decodes an integer argument, returning fallback when absent or
// malformed.
func (f FunctionCall) IntArg(name string, fallback int) int {
	raw, ok := f.Args[name]
	if !ok {
		return fallback
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return fallback
	}
	return v
}

// StringArg decodes a string argument, returning "" when absent or malformed.
func (f FunctionCall) StringArg(name string) string {
	raw, ok := f.Args[name]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model    string           `json:"model"`
	Contents []Content        `json:"contents"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

// GenerateResponse is the reply of POST /api/generate.
type GenerateResponse struct {
	Result        string         `json:"result"`
	FunctionCalls []FunctionCall `json:"function_calls"`
}

// ExchangeTokenResponse is the reply of POST /api/auth/exchange.
type ExchangeTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// ModelInfo describes one model the backend can serve.
type ModelInfo struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// ModelsResponse is the reply of GET /api/models.
type ModelsResponse struct {
	Models  []ModelInfo `json:"models"`
	Default string      `json:"default"`
}

// Client talks to the remote negotiation service over HTTP+JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a backend client with the contractual connect/read
// timeouts. A call exceeding them is a hard failure for that turn.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

// Generate runs one negotiation turn against POST /api/generate.
func (c *Client) Generate(ctx context.Context, token, model string, contents []Content, tools []map[string]any) (*GenerateResponse, error) {
	body, err := json.Marshal(GenerateRequest{Model: model, Contents: contents, Tools: tools})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generate request: %w", err)
	}

	var resp GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/api/generate", token, bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExchangeToken exchanges a short-lived identity token for a long-lived
// app token via POST /api/auth/exchange.
func (c *Client) ExchangeToken(ctx context.Context, idToken string) (*ExchangeTokenResponse, error) {
	var resp ExchangeTokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/exchange", idToken, strings.NewReader(""), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckAuthStatus validates a token against GET /api/auth/status.
// A nil return means the backend accepted the token.
func (c *Client) CheckAuthStatus(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodGet, "/api/auth/status", token, nil, nil)
}

// Models fetches the model catalog from GET /api/models. No auth required.
func (c *Client) Models(ctx context.Context) (*ModelsResponse, error) {
	var resp ModelsResponse
	if err := c.do(ctx, http.MethodGet, "/api/models", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs one HTTP round trip, decoding a successful body into out and
// translating a non-2xx body into an *HTTPError.
func (c *Client) do(ctx context.Context, method, path, bearer string, body io.Reader, out any) error {
	start := time.Now()
	defer func() {
		metrics.BackendRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend request %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message, code := parseErrorDetail(respBody, resp.StatusCode)
		return &HTTPError{StatusCode: resp.StatusCode, Message: message, Code: code}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode backend response: %w", err)
	}
	return nil
}

// ParseExpiresAt parses the backend's ISO expiry timestamp, defaulting to
// 30 days out when it is malformed.
func ParseExpiresAt(iso string) time.Time {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		logrus.Warnf("failed to parse expiresAt %q, defaulting to 30 days: %v", iso, err)
		return time.Now().Add(30 * 24 * time.Hour)
	}
	return t
}
