// Package agent is the storage-node side of push heartbeats: it reports the
// node to the router on a fixed period.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"kvrouter/pkg/listener"
	"kvrouter/pkg/types"
)

const (
	DefaultPeriod  = 5 * time.Second
	DefaultTimeout = 2 * time.Second

	heartbeatPath = "/api/v1/health/heartbeat"

	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

type heartbeat struct {
	NodeID types.NodeAddr `json:"nodeId"`
	Status string         `json:"status"`
}

// Agent posts {nodeId, status} heartbeats to a router.
type Agent struct {
	routerURL string
	nodeID    types.NodeAddr
	client    *http.Client
	// selfCheck решает, какой статус отправить; nil - всегда healthy
	selfCheck func(ctx context.Context) bool
}

type Option func(*Agent)

func WithHTTPClient(c *http.Client) Option { return func(a *Agent) { a.client = c } }

// WithSelfCheck makes the agent report "unhealthy" while check returns false.
func WithSelfCheck(check func(ctx context.Context) bool) Option {
	return func(a *Agent) { a.selfCheck = check }
}

func New(routerURL string, nodeID types.NodeAddr, opts ...Option) *Agent {
	a := &Agent{
		routerURL: strings.TrimRight(routerURL, "/"),
		nodeID:    nodeID,
		client:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Send posts a single heartbeat.
func (a *Agent) Send(ctx context.Context) error {
	status := statusHealthy
	if a.selfCheck != nil && !a.selfCheck(ctx) {
		status = statusUnhealthy
	}

	body, err := json.Marshal(heartbeat{NodeID: a.nodeID, Status: status})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.routerURL+heartbeatPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat rejected: status %d", resp.StatusCode)
	}
	slog.Debug("heartbeat sent", "node", a.nodeID, "status", status)
	return nil
}

// Job sends a heartbeat on every tick. Failures are logged by the listener
// and the next tick tries again.
func (a *Agent) Job(period time.Duration) listener.Job {
	if period <= 0 {
		period = DefaultPeriod
	}
	return listener.NewTicker("heartbeat", period, func(ctx context.Context, _ time.Time) error {
		return a.Send(ctx)
	})
}
