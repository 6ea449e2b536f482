package routeerr

import (
	"context"
	"errors"
	"fmt"

	"kvrouter/pkg/types"
)

var (
	ErrNoShardsAvailable = errors.New("kvrouter: no shards available")
	ErrUnknownShard      = errors.New("kvrouter: unknown shard")
	ErrNoHealthyNodes    = errors.New("kvrouter: no healthy nodes")
	ErrNoLeaderFound     = errors.New("kvrouter: no leader found")
	ErrNodeUnreachable   = errors.New("kvrouter: node unreachable")
	ErrDataPlaneFailure  = errors.New("kvrouter: data plane failure")
)

// Stage is the routing pipeline step that produced an error.
type Stage string

const (
	StageResolve        Stage = "resolve"
	StageSelect         Stage = "select"
	StageDiscoverLeader Stage = "discover-leader"
	StageForward        Stage = "forward"
)

// Class groups errors by how callers should react to them.
type Class string

const (
	// ClassUnavailable: directory not populated or shard never registered.
	ClassUnavailable Class = "unavailable"
	// ClassTransient: cluster is live but degraded, retry later.
	ClassTransient Class = "transient"
	// ClassUpstream: the chosen node failed.
	ClassUpstream Class = "upstream"
	ClassInternal Class = "internal"
)

// Error is a terminal failure of one routed attempt.
type Error struct {
	Stage Stage
	Kind  error // one of the sentinels above
	Shard types.ShardID
	Node  types.NodeAddr
	Err   error // cause, may be nil
}

func New(stage Stage, kind error, shard types.ShardID, node types.NodeAddr, cause error) *Error {
	return &Error{Stage: stage, Kind: kind, Shard: shard, Node: node, Err: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	if e.Shard != "" {
		msg += fmt.Sprintf(" shard=%s", e.Shard)
	}
	if e.Node != "" {
		msg += fmt.Sprintf(" node=%s", e.Node)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Timeout reports whether the cause was a deadline.
func (e *Error) Timeout() bool {
	return e.Err != nil && errors.Is(e.Err, context.DeadlineExceeded)
}

// ClassOf maps any error to its class.
func ClassOf(err error) Class {
	switch {
	case errors.Is(err, ErrNoShardsAvailable), errors.Is(err, ErrUnknownShard):
		return ClassUnavailable
	case errors.Is(err, ErrNoHealthyNodes), errors.Is(err, ErrNoLeaderFound):
		return ClassTransient
	case errors.Is(err, ErrNodeUnreachable), errors.Is(err, ErrDataPlaneFailure):
		return ClassUpstream
	default:
		return ClassInternal
	}
}

// Code returns a short machine-readable name for the error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNoShardsAvailable):
		return "NO_SHARDS_AVAILABLE"
	case errors.Is(err, ErrUnknownShard):
		return "UNKNOWN_SHARD"
	case errors.Is(err, ErrNoHealthyNodes):
		return "NO_HEALTHY_NODES"
	case errors.Is(err, ErrNoLeaderFound):
		return "NO_LEADER_FOUND"
	case errors.Is(err, ErrNodeUnreachable):
		return "NODE_UNREACHABLE"
	case errors.Is(err, ErrDataPlaneFailure):
		return "DATA_PLANE_FAILURE"
	default:
		return "INTERNAL"
	}
}
