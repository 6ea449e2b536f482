package types

import "strings"

// ShardID identifies a logical shard (partition of the keyspace).
type ShardID string

// NodeAddr is the base address of a storage node, e.g. "http://shard1-node1:8080".
type NodeAddr string

// BaseURL returns the address with a scheme (http:// by default) and without trailing slashes.
func (a NodeAddr) BaseURL() string {
	u := string(a)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "http://" + u
	}
	return strings.TrimRight(u, "/")
}

// Op is the kind of a routed client operation.
type Op int

const (
	OpWrite Op = iota
	OpRead
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "PUT"
	case OpRead:
		return "GET"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Mutating сообщает, нужен ли лидер шарда для операции.
func (o Op) Mutating() bool {
	return o == OpWrite || o == OpDelete
}
