package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"kvrouter/pkg/listener"
	"kvrouter/pkg/metrics"
	"kvrouter/pkg/types"
)

const (
	DefaultSweepInterval  = 15 * time.Second
	DefaultStaleThreshold = 30 * time.Second
	DefaultProbeTimeout   = time.Second
)

// NodeStatus is a point-in-time copy of a node's health record.
type NodeStatus struct {
	Addr              types.NodeAddr
	Healthy           bool
	LastHeartbeatAt   time.Time
	ActiveConnections int64
}

// Candidate is a healthy replica eligible for routing.
type Candidate struct {
	Addr              types.NodeAddr
	ActiveConnections int64
}

type nodeState struct {
	healthy       atomic.Bool
	lastHeartbeat atomic.Int64 // unix nanos
	conns         atomic.Int64
}

func newNodeState(now time.Time) *nodeState {
	st := &nodeState{}
	st.healthy.Store(true)
	st.lastHeartbeat.Store(now.UnixNano())
	return st
}

func (st *nodeState) status(addr types.NodeAddr) NodeStatus {
	return NodeStatus{
		Addr:              addr,
		Healthy:           st.healthy.Load(),
		LastHeartbeatAt:   time.Unix(0, st.lastHeartbeat.Load()),
		ActiveConnections: st.conns.Load(),
	}
}

type nodeMap = skipmap.FuncMap[types.NodeAddr, *nodeState]

// Registry tracks liveness and load of storage nodes.
//
// Heartbeats and probes both write the healthy flag and the last write
// wins. Only heartbeats refresh lastHeartbeatAt, so a node kept alive by
// probes alone is still evicted by the sweep.
type Registry struct {
	nodes *nodeMap

	now            func() time.Time
	checker        Checker
	probeTimeout   time.Duration
	staleThreshold time.Duration
	metrics        metrics.Collector
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithChecker(c Checker) Option {
	return func(r *Registry) { r.checker = c }
}

func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) { r.probeTimeout = d }
}

func WithStaleThreshold(d time.Duration) Option {
	return func(r *Registry) { r.staleThreshold = d }
}

func WithMetrics(c metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		nodes: skipmap.NewFunc[types.NodeAddr, *nodeState](func(a, b types.NodeAddr) bool {
			return a < b
		}),
		now:            time.Now,
		probeTimeout:   DefaultProbeTimeout,
		staleThreshold: DefaultStaleThreshold,
		metrics:        metrics.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.checker == nil {
		r.checker = NewHTTPChecker()
	}
	return r
}

func (r *Registry) loadOrCreate(addr types.NodeAddr) (*nodeState, bool) {
	if st, ok := r.nodes.Load(addr); ok {
		return st, false
	}
	st, loaded := r.nodes.LoadOrStore(addr, newNodeState(r.now()))
	return st, !loaded
}

// Heartbeat records a node's self-reported health and refreshes its
// heartbeat time. Unknown nodes are created with zero connections.
func (r *Registry) Heartbeat(addr types.NodeAddr, healthy bool) {
	for {
		st, created := r.loadOrCreate(addr)
		was := st.healthy.Swap(healthy)
		st.lastHeartbeat.Store(r.now().UnixNano())

		// sweep мог удалить запись между Load и Store, тогда повторяем
		if cur, ok := r.nodes.Load(addr); ok && cur == st {
			switch {
			case created:
				slog.Info("node registered by heartbeat", "node", addr, "healthy", healthy)
			case was != healthy:
				slog.Info("node health changed by heartbeat", "node", addr, "healthy", healthy)
			}
			return
		}
	}
}

// Track creates a healthy entry for addr if it is not known yet.
func (r *Registry) Track(addr types.NodeAddr) {
	if _, created := r.loadOrCreate(addr); created {
		slog.Debug("node tracked", "node", addr)
	}
}

// Probe actively checks addr and records the result on its entry, if any.
// It does not refresh the heartbeat time and never creates an entry.
func (r *Registry) Probe(ctx context.Context, addr types.NodeAddr) bool {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	err := r.checker.Check(ctx, addr)
	healthy := err == nil

	if st, ok := r.nodes.Load(addr); ok {
		if was := st.healthy.Swap(healthy); was != healthy {
			slog.Info("node health changed by probe", "node", addr, "healthy", healthy, "error", err)
		}
	}
	if err != nil {
		slog.Debug("probe failed", "node", addr, "error", err)
	}
	return healthy
}

// ProbeAll probes every tracked node concurrently.
func (r *Registry) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	r.nodes.Range(func(addr types.NodeAddr, _ *nodeState) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Probe(ctx, addr)
		}()
		return true
	})
	wg.Wait()
}

// IncrementConnections bumps the node's counter; absent nodes are ignored.
func (r *Registry) IncrementConnections(addr types.NodeAddr) (int64, bool) {
	st, ok := r.nodes.Load(addr)
	if !ok {
		return 0, false
	}
	n := st.conns.Add(1)
	r.metrics.SetGauge("kvrouter_active_connections", map[string]string{"node": string(addr)}, float64(n))
	return n, true
}

// DecrementConnections lowers the node's counter, never below zero.
// Absent nodes are ignored and not created.
func (r *Registry) DecrementConnections(addr types.NodeAddr) (int64, bool) {
	st, ok := r.nodes.Load(addr)
	if !ok {
		return 0, false
	}
	for {
		cur := st.conns.Load()
		if cur <= 0 {
			return 0, true
		}
		if st.conns.CompareAndSwap(cur, cur-1) {
			r.metrics.SetGauge("kvrouter_active_connections", map[string]string{"node": string(addr)}, float64(cur-1))
			return cur - 1, true
		}
	}
}

// CandidatesForShard returns the healthy members of replicas, in replica
// order, with their current connection counts.
func (r *Registry) CandidatesForShard(shard types.ShardID, replicas []types.NodeAddr) []Candidate {
	out := make([]Candidate, 0, len(replicas))
	seen := make(map[types.NodeAddr]struct{}, len(replicas))
	for _, addr := range replicas {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		st, ok := r.nodes.Load(addr)
		if !ok || !st.healthy.Load() {
			continue
		}
		out = append(out, Candidate{Addr: addr, ActiveConnections: st.conns.Load()})
	}
	slog.Debug("candidates for shard", "shard_id", shard, "replicas", len(replicas), "healthy", len(out))
	return out
}

// Get returns a copy of one node's record.
func (r *Registry) Get(addr types.NodeAddr) (NodeStatus, bool) {
	st, ok := r.nodes.Load(addr)
	if !ok {
		return NodeStatus{}, false
	}
	return st.status(addr), true
}

// Snapshot returns all records ordered by address.
func (r *Registry) Snapshot() []NodeStatus {
	out := make([]NodeStatus, 0, r.nodes.Len())
	r.nodes.Range(func(addr types.NodeAddr, st *nodeState) bool {
		out = append(out, st.status(addr))
		return true
	})
	return out
}

// Sweep evicts nodes whose last heartbeat is older than the stale threshold.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.staleThreshold).UnixNano()

	var stale []types.NodeAddr
	r.nodes.Range(func(addr types.NodeAddr, st *nodeState) bool {
		if st.lastHeartbeat.Load() < cutoff {
			stale = append(stale, addr)
		}
		return true
	})

	evicted := 0
	for _, addr := range stale {
		st, ok := r.nodes.Load(addr)
		// heartbeat мог прийти после Range
		if !ok || st.lastHeartbeat.Load() >= cutoff {
			continue
		}
		if r.evict(addr, st, cutoff) {
			evicted++
		}
	}
	return evicted
}

// evict удаляет st, если после Delete он все еще устарел; иначе возвращает запись на место.
func (r *Registry) evict(addr types.NodeAddr, st *nodeState, cutoff int64) bool {
	if !r.nodes.Delete(addr) {
		return false
	}
	// Heartbeat мог обновить st между проверкой и Delete и уже вернуться
	if st.lastHeartbeat.Load() >= cutoff {
		r.nodes.LoadOrStore(addr, st)
		return false
	}
	r.metrics.IncCounter("kvrouter_evictions_total", nil, 1)
	r.metrics.SetGauge("kvrouter_active_connections", map[string]string{"node": string(addr)}, 0)
	slog.Info("evicted stale node", "node", addr, "last_heartbeat", time.Unix(0, st.lastHeartbeat.Load()))
	return true
}

// SweepJob runs Sweep on every tick of period.
func (r *Registry) SweepJob(period time.Duration) listener.Job {
	return listener.NewTicker("health-sweep", period, func(_ context.Context, _ time.Time) error {
		r.Sweep(r.now())
		return nil
	})
}

// ProbeJob runs ProbeAll on every tick of period.
func (r *Registry) ProbeJob(period time.Duration) listener.Job {
	return listener.NewTicker("health-probe", period, func(ctx context.Context, _ time.Time) error {
		r.ProbeAll(ctx)
		return nil
	})
}
