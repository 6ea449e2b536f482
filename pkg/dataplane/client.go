package dataplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"kvrouter/pkg/types"
)

const keysPath = "/internal/api/v1/keys/"

// ErrUnreachable wraps failures to reach the node at all (dial, timeout,
// reset). Anything else returned by Client is the node rejecting the call.
var ErrUnreachable = errors.New("node unreachable")

// Client is a storage node's data plane.
type Client interface {
	// Apply runs a mutating command (OpWrite or OpDelete).
	Apply(ctx context.Context, node types.NodeAddr, op types.Op, key, value string) error
	// Query reads a key; found is false when the node has no value.
	Query(ctx context.Context, node types.NodeAddr, key string) (value string, found bool, err error)
}

// StatusError is a non-success answer from a node.
type StatusError struct {
	Method string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Method, e.Code, e.Body)
}

// HTTPClient реализует Client поверх HTTP API ноды.
type HTTPClient struct {
	httpClient *http.Client
}

func NewHTTPClient() *HTTPClient {
	return &HTTPClient{httpClient: &http.Client{}}
}

func keyURL(node types.NodeAddr, key string) string {
	return node.BaseURL() + keysPath + url.PathEscape(key)
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: execute %s request: %w", ErrUnreachable, req.Method, err)
	}
	return resp, nil
}

func statusError(method string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Method: method, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (c *HTTPClient) Apply(ctx context.Context, node types.NodeAddr, op types.Op, key, value string) error {
	var (
		method string
		body   io.Reader
	)
	switch op {
	case types.OpWrite:
		method, body = http.MethodPut, strings.NewReader(value)
	case types.OpDelete:
		method = http.MethodDelete
	default:
		return fmt.Errorf("apply: unsupported operation %s", op)
	}

	req, err := http.NewRequestWithContext(ctx, method, keyURL(node, key), body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError(method, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPClient) Query(ctx context.Context, node types.NodeAddr, key string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL(node, key), nil)
	if err != nil {
		return "", false, fmt.Errorf("create GET request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, statusError(http.MethodGet, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("%w: read GET response: %w", ErrUnreachable, err)
	}
	return string(data), true, nil
}
