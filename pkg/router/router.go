package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kvrouter/pkg/dataplane"
	"kvrouter/pkg/health"
	"kvrouter/pkg/leader"
	"kvrouter/pkg/metrics"
	"kvrouter/pkg/routeerr"
	"kvrouter/pkg/types"
)

const (
	DefaultLeaderProbeTimeout = 2 * time.Second
	DefaultForwardTimeout     = 2 * time.Second
)

// Directory resolves keys to shards and shards to replicas.
type Directory interface {
	ResolveShard(key string) (types.ShardID, error)
	ReplicasOf(shard types.ShardID) ([]types.NodeAddr, error)
}

// HealthRegistry supplies healthy candidates and connection accounting.
type HealthRegistry interface {
	CandidatesForShard(shard types.ShardID, replicas []types.NodeAddr) []health.Candidate
	IncrementConnections(addr types.NodeAddr) (int64, bool)
	DecrementConnections(addr types.NodeAddr) (int64, bool)
}

// Request is one client operation. Value is used by OpWrite only.
type Request struct {
	Op    types.Op
	Key   string
	Value string
}

// Result describes where a request went and what the node answered.
type Result struct {
	RequestID string
	Shard     types.ShardID
	Node      types.NodeAddr
	Value     string
	Found     bool
}

type Config struct {
	LeaderProbeTimeout time.Duration
	ForwardTimeout     time.Duration
	Metrics            metrics.Collector
}

// Router sends each request to one reachable node of the key's shard: the
// leader for writes and deletes, the least loaded healthy replica for reads.
// Every request is exactly one attempt; retries are up to the caller.
type Router struct {
	dir     Directory
	health  HealthRegistry
	prober  leader.Prober
	data    dataplane.Client
	metrics metrics.Collector

	leaderTimeout  time.Duration
	forwardTimeout time.Duration
}

func New(dir Directory, reg HealthRegistry, prober leader.Prober, data dataplane.Client, cfg Config) *Router {
	if cfg.LeaderProbeTimeout <= 0 {
		cfg.LeaderProbeTimeout = DefaultLeaderProbeTimeout
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = DefaultForwardTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Router{
		dir:            dir,
		health:         reg,
		prober:         prober,
		data:           data,
		metrics:        cfg.Metrics,
		leaderTimeout:  cfg.LeaderProbeTimeout,
		forwardTimeout: cfg.ForwardTimeout,
	}
}

type requestIDKey struct{}

// WithRequestID attaches a request id that Route will use instead of
// generating one.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (r *Router) Write(ctx context.Context, key, value string) (Result, error) {
	return r.Route(ctx, Request{Op: types.OpWrite, Key: key, Value: value})
}

func (r *Router) ReadOnly(ctx context.Context, key string) (Result, error) {
	return r.Route(ctx, Request{Op: types.OpRead, Key: key})
}

func (r *Router) Delete(ctx context.Context, key string) (Result, error) {
	return r.Route(ctx, Request{Op: types.OpDelete, Key: key})
}

// Route runs the pipeline: resolve shard, select candidates, discover the
// leader (mutations only), forward.
func (r *Router) Route(ctx context.Context, req Request) (res Result, err error) {
	res.RequestID = RequestIDFrom(ctx)
	if res.RequestID == "" {
		res.RequestID = uuid.NewString()
	}
	log := slog.With("request_id", res.RequestID, "op", req.Op.String(), "key", req.Key)

	started := time.Now()
	defer func() {
		r.metrics.IncCounter("kvrouter_requests_total", map[string]string{
			"op":      req.Op.String(),
			"outcome": outcome(err),
		}, 1)
		r.metrics.ObserveHistogram("kvrouter_request_seconds", map[string]string{"op": req.Op.String()}, time.Since(started).Seconds())
		if err != nil {
			log.Warn("routing failed", "shard_id", res.Shard, "node", res.Node, "error", err)
		}
	}()

	// RESOLVING_SHARD
	shard, err := r.dir.ResolveShard(req.Key)
	if err != nil {
		return res, err
	}
	res.Shard = shard

	replicas, err := r.dir.ReplicasOf(shard)
	if err != nil {
		return res, err
	}

	// SELECTING_CANDIDATE
	candidates := r.health.CandidatesForShard(shard, replicas)
	if len(candidates) == 0 {
		return res, routeerr.New(routeerr.StageSelect, routeerr.ErrNoHealthyNodes, shard, "",
			fmt.Errorf("%d replicas, none healthy", len(replicas)))
	}

	var target types.NodeAddr
	if req.Op.Mutating() {
		// LEADER_DISCOVERY
		target, err = r.discoverLeader(ctx, log, shard, candidates)
		if err != nil {
			return res, err
		}
	} else {
		target = leastLoaded(candidates)
	}
	res.Node = target
	log.Debug("routing", "shard_id", shard, "node", target, "candidates", len(candidates))

	// FORWARDING
	r.health.IncrementConnections(target)
	defer r.health.DecrementConnections(target)

	value, found, err := r.forward(ctx, target, req)
	if err != nil {
		return res, routeerr.New(routeerr.StageForward, classifyForward(err), shard, target, err)
	}
	res.Value, res.Found = value, found
	return res, nil
}

func (r *Router) forward(ctx context.Context, node types.NodeAddr, req Request) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.forwardTimeout)
	defer cancel()

	started := time.Now()
	defer func() {
		r.metrics.ObserveHistogram("kvrouter_forward_seconds", map[string]string{"node": string(node)}, time.Since(started).Seconds())
	}()

	if req.Op == types.OpRead {
		return r.data.Query(ctx, node, req.Key)
	}
	return "", false, r.data.Apply(ctx, node, req.Op, req.Key, req.Value)
}

func classifyForward(err error) error {
	if errors.Is(err, dataplane.ErrUnreachable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return routeerr.ErrNodeUnreachable
	}
	return routeerr.ErrDataPlaneFailure
}

type probeResult struct {
	addr   types.NodeAddr
	status leader.Status
	err    error
}

// discoverLeader probes all candidates concurrently and returns the leader
// with the smallest address. Waits for every probe, each bounded by the
// leader probe timeout.
func (r *Router) discoverLeader(ctx context.Context, log *slog.Logger, shard types.ShardID, candidates []health.Candidate) (types.NodeAddr, error) {
	ctx, cancel := context.WithTimeout(ctx, r.leaderTimeout)
	defer cancel()

	results := make([]probeResult, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, addr types.NodeAddr) {
			defer wg.Done()
			st, err := r.prober.IsLeader(ctx, addr, shard)
			if err != nil {
				st = leader.StatusError
			}
			results[i] = probeResult{addr: addr, status: st, err: err}
		}(i, c.Addr)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].addr < results[j].addr })

	var (
		leaders   []types.NodeAddr
		followers int
		failures  int
	)
	for _, pr := range results {
		r.metrics.IncCounter("kvrouter_leader_probes_total", map[string]string{"status": pr.status.String()}, 1)
		switch pr.status {
		case leader.StatusLeader:
			leaders = append(leaders, pr.addr)
		case leader.StatusFollower:
			followers++
			log.Debug("leader probe: follower", "shard_id", shard, "node", pr.addr)
		default:
			failures++
			log.Warn("leader probe: error", "shard_id", shard, "node", pr.addr, "error", pr.err)
		}
	}

	switch {
	case len(leaders) == 0:
		return "", routeerr.New(routeerr.StageDiscoverLeader, routeerr.ErrNoLeaderFound, shard, "",
			fmt.Errorf("%d followers, %d probe errors", followers, failures))
	case len(leaders) > 1:
		log.Warn("multiple nodes claim leadership", "shard_id", shard, "leaders", leaders, "chosen", leaders[0])
	}
	return leaders[0], nil
}

// leastLoaded picks the candidate with the fewest active connections,
// ties broken by address.
func leastLoaded(candidates []health.Candidate) types.NodeAddr {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ActiveConnections < best.ActiveConnections ||
			(c.ActiveConnections == best.ActiveConnections && c.Addr < best.Addr) {
			best = c
		}
	}
	return best.Addr
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return routeerr.Code(err)
}
