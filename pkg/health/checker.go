package health

import (
	"context"
	"fmt"
	"net/http"

	"kvrouter/pkg/types"
)

// Checker answers whether a node's process is responsive.
type Checker interface {
	Check(ctx context.Context, addr types.NodeAddr) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, addr types.NodeAddr) error

func (f CheckerFunc) Check(ctx context.Context, addr types.NodeAddr) error {
	return f(ctx, addr)
}

// HTTPChecker issues GET {addr}/health and expects 200.
type HTTPChecker struct {
	client *http.Client
}

func NewHTTPChecker() *HTTPChecker {
	return &HTTPChecker{client: &http.Client{}}
}

func healthURL(addr types.NodeAddr) string {
	return addr.BaseURL() + "/health"
}

func (c *HTTPChecker) Check(ctx context.Context, addr types.NodeAddr) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(addr), nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
