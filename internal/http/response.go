package http

import (
	"errors"
	"net/http"

	"kvrouter/pkg/routeerr"
	"kvrouter/pkg/types"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status    Status         `json:"status,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Shard     types.ShardID  `json:"shardId,omitempty"`
	Node      types.NodeAddr `json:"node,omitempty"`
	Value     string         `json:"value,omitempty"`
	Error     string         `json:"error,omitempty"`
	// Code и Stage заполняются только для ошибок маршрутизации
	Code  string         `json:"code,omitempty"`
	Stage routeerr.Stage `json:"stage,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// NewRouteErrorResponse раскладывает ошибку маршрутизации по полям ответа.
func NewRouteErrorResponse(err error) Response {
	resp := Response{Status: StatusError, Error: err.Error(), Code: routeerr.Code(err)}
	var re *routeerr.Error
	if errors.As(err, &re) {
		resp.Stage = re.Stage
		resp.Shard = re.Shard
		resp.Node = re.Node
	}
	return resp
}

// httpStatus maps an error class onto the client-facing status code.
// retry is set for transient errors, the caller adds Retry-After.
func httpStatus(err error) (code int, retry bool) {
	switch routeerr.ClassOf(err) {
	case routeerr.ClassUnavailable:
		return http.StatusServiceUnavailable, false
	case routeerr.ClassTransient:
		return http.StatusServiceUnavailable, true
	case routeerr.ClassUpstream:
		var re *routeerr.Error
		if errors.As(err, &re) && re.Timeout() {
			return http.StatusGatewayTimeout, false
		}
		return http.StatusBadGateway, false
	default:
		return http.StatusInternalServerError, false
	}
}

// ShardLocation is the shard-manager lookup answer.
type ShardLocation struct {
	ShardID types.ShardID    `json:"shardId"`
	Nodes   []types.NodeAddr `json:"nodes"`
}

// noShardsLocation отдаётся, пока ни один шард не зарегистрирован
var noShardsLocation = ShardLocation{ShardID: "NO_SHARDS", Nodes: []types.NodeAddr{}}

type RegisterShardRequest struct {
	ShardID   types.ShardID    `json:"shardId"`
	RaftNodes []types.NodeAddr `json:"raftNodes"`
	RestNodes []types.NodeAddr `json:"restNodes"`
}

// Replicas prefers restNodes: leader checks, health, heartbeats and the
// internal keys API all live on the REST port. raftNodes are the consensus
// ports and are used only when no REST addresses are given.
func (r RegisterShardRequest) Replicas() []types.NodeAddr {
	if len(r.RestNodes) > 0 {
		return r.RestNodes
	}
	return r.RaftNodes
}

type HeartbeatRequest struct {
	NodeID types.NodeAddr `json:"nodeId"`
	Status string         `json:"status"`
}

const heartbeatHealthy = "healthy"

type ShardsResponse struct {
	Shards   []ShardLocation `json:"shards"`
	RingSize int             `json:"ringSize"`
	Version  uint64          `json:"version"`
}

// NodeHealth is one entry of the routing status map.
type NodeHealth struct {
	Healthy           bool  `json:"healthy"`
	ActiveConnections int64 `json:"activeConnections"`
	// unix millis
	LastHeartbeatAt int64 `json:"lastHeartbeatAt"`
}
