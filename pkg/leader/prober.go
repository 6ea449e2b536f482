package leader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.etcd.io/etcd/raft/v3"

	"kvrouter/pkg/types"
)

const DefaultTimeout = 2 * time.Second

// Status is a node's answer to "are you the leader of this shard".
type Status int

const (
	// StatusError: timeout, refused connection or an unreadable answer.
	// Treated as not-a-leader, but reported separately from StatusFollower.
	StatusError Status = iota
	StatusFollower
	StatusLeader
)

func (s Status) String() string {
	switch s {
	case StatusLeader:
		return "LEADER"
	case StatusFollower:
		return "FOLLOWER"
	default:
		return "ERROR"
	}
}

// Prober asks a node whether it currently leads a shard.
type Prober interface {
	IsLeader(ctx context.Context, node types.NodeAddr, shard types.ShardID) (Status, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, node types.NodeAddr, shard types.ShardID) (Status, error)

func (f ProberFunc) IsLeader(ctx context.Context, node types.NodeAddr, shard types.ShardID) (Status, error) {
	return f(ctx, node, shard)
}

// HTTPProber queries GET {node}/leader/{shardId}.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPProber{
		client:  &http.Client{},
		timeout: timeout,
	}
}

func (p *HTTPProber) IsLeader(ctx context.Context, node types.NodeAddr, shard types.ShardID) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u := node.BaseURL() + "/leader/" + url.PathEscape(string(shard))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return StatusError, fmt.Errorf("create leader request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return StatusError, fmt.Errorf("leader request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return StatusError, fmt.Errorf("read leader response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return StatusError, fmt.Errorf("leader status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return ParseStatus(body)
}

type stateBody struct {
	State string `json:"state"`
}

// ParseStatus decodes a leadership answer. Accepted forms are the plain
// words LEADER / FOLLOWER / ERROR, and JSON {"state": ...} carrying either
// those words or a raft state name such as "StateLeader".
func ParseStatus(body []byte) (Status, error) {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var sb stateBody
		if err := json.Unmarshal([]byte(text), &sb); err != nil {
			return StatusError, fmt.Errorf("decode leader response: %w", err)
		}
		text = sb.State
	}
	text = strings.Trim(text, `"`)

	switch text {
	case "LEADER", raft.StateLeader.String():
		return StatusLeader, nil
	case "FOLLOWER",
		raft.StateFollower.String(),
		raft.StateCandidate.String(),
		raft.StatePreCandidate.String():
		return StatusFollower, nil
	case "ERROR":
		return StatusError, fmt.Errorf("node reported ERROR")
	default:
		return StatusError, fmt.Errorf("malformed leader response %q", text)
	}
}
