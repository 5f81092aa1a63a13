// Package remote issues entity commands (create, update, delete) and opens
// the replication stream against the workspace service.
//
// Commands carry a bearer token from the configured TokenProvider; a missing
// token is tolerated so a not-yet-authenticated session can still reach
// public endpoints. Command responses arrive in one of several envelope
// shapes, which Unwrap probes before treating the payload as a bare row.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/offsite-dev/replica/internal/backend"
)

// ErrCursorInvalid signals that the server rejected the replication cursor
// (HTTP 400). The only recovery is a full resync from scratch.
var ErrCursorInvalid = errors.New("replication cursor rejected by server")

// CommandError is a non-2xx response to an entity command.
type CommandError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// TokenProvider supplies the bearer token for outgoing requests.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a func to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken returns a provider that always yields the given token.
func StaticToken(token string) TokenProvider {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

// Client talks to the workspace service.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenProvider
	logger *log.Logger
}

// New creates a client for the given base URL. tokens may be nil for an
// unauthenticated session; httpClient nil gets http.DefaultClient.
func New(baseURL string, tokens TokenProvider, httpClient *http.Client, logger *log.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{base: base, http: httpClient, tokens: tokens, logger: logger}, nil
}

// Create issues POST <restPath> and returns the server's row.
func (c *Client) Create(ctx context.Context, restPath string, row backend.Row) (backend.Row, error) {
	body, status, err := c.do(ctx, http.MethodPost, restPath, row)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &CommandError{Method: http.MethodPost, Path: restPath, Status: status, Body: truncate(body)}
	}
	return Unwrap(body)
}

// Update issues PATCH <restPath>/<id> and returns the server's row.
func (c *Client) Update(ctx context.Context, restPath, id string, patch backend.Row) (backend.Row, error) {
	path := joinPath(restPath, id)
	body, status, err := c.do(ctx, http.MethodPatch, path, patch)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &CommandError{Method: http.MethodPatch, Path: path, Status: status, Body: truncate(body)}
	}
	return Unwrap(body)
}

// Delete issues DELETE <restPath>/<id>. A 404 means the row is already gone
// and is treated as success.
func (c *Client) Delete(ctx context.Context, restPath, id string) error {
	path := joinPath(restPath, id)
	body, status, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		c.logger.Printf("DELETE %s: already gone", path)
		return nil
	}
	if status < 200 || status > 299 {
		return &CommandError{Method: http.MethodDelete, Path: path, Status: status, Body: truncate(body)}
	}
	return nil
}

// OpenStream issues GET <syncPath>[?cursor=...] and hands back the response
// body for line-by-line consumption. A 400 maps to ErrCursorInvalid.
func (c *Client) OpenStream(ctx context.Context, syncPath, cursor string) (io.ReadCloser, error) {
	ref := syncPath
	if cursor != "" {
		ref += "?cursor=" + url.QueryEscape(cursor)
	}

	req, err := c.newRequest(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open replication stream: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		resp.Body.Close()
		return nil, ErrCursorInvalid
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &CommandError{Method: http.MethodGet, Path: syncPath, Status: resp.StatusCode, Body: truncate(body)}
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload backend.Row) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) newRequest(ctx context.Context, method, ref string, body io.Reader) (*http.Request, error) {
	u, err := c.base.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", ref, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("token provider failed: %w", err)
		}
		// No token yet is fine: the request goes out unauthenticated.
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// envelopeKeys are probed in order before falling back to the bare payload.
var envelopeKeys = []string{"data", "row"}

// Unwrap extracts the row from a command response. Servers answer with
// {data: row}, {row: row}, or the row itself depending on endpoint vintage.
func Unwrap(body []byte) (backend.Row, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unparseable command response: %w", err)
	}

	for _, key := range envelopeKeys {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var row backend.Row
		if err := json.Unmarshal(raw, &row); err == nil && row != nil {
			return row, nil
		}
	}

	var row backend.Row
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, fmt.Errorf("unparseable command response: %w", err)
	}
	return row, nil
}

func joinPath(restPath, id string) string {
	return strings.TrimSuffix(restPath, "/") + "/" + url.PathEscape(id)
}

func truncate(body []byte) string {
	const max = 512
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
