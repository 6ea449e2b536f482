package cluster

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"kvrouter/pkg/clock"
	"kvrouter/pkg/routeerr"
	"kvrouter/pkg/types"
)

// ShardRecord is a registered shard and its replica endpoints, in
// registration order.
type ShardRecord struct {
	ID       types.ShardID
	Replicas []types.NodeAddr
}

// Directory maps keys to shards and shards to replica sets.
//
// Registration is rare and serialized; lookups take no lock. Re-registering
// a shard replaces its replica list but leaves its previous virtual nodes on
// the ring: they still point at a valid shard, so routing stays correct, but
// the ring grows when a shard's replica set changes.
type Directory struct {
	ring *HashRing

	mu      sync.Mutex
	shards  atomic.Pointer[map[types.ShardID][]types.NodeAddr]
	version clock.Logical // растёт на каждую регистрацию
}

func NewDirectory(h Hasher) *Directory {
	d := &Directory{ring: NewHashRing(h)}
	empty := make(map[types.ShardID][]types.NodeAddr)
	d.shards.Store(&empty)
	return d
}

// RegisterShard stores (or overwrites) the shard record and adds one virtual
// node per replica endpoint.
func (d *Directory) RegisterShard(id types.ShardID, replicas []types.NodeAddr) {
	d.mu.Lock()
	cur := *d.shards.Load()
	next := make(map[types.ShardID][]types.NodeAddr, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[id] = append([]types.NodeAddr(nil), replicas...)
	// запись о шарде публикуем раньше кольца: резолв не увидит шард без реплик
	d.shards.Store(&next)
	d.mu.Unlock()

	d.ring.AddVirtualNodes(id, replicas)
	version := d.version.Tick()

	slog.Info("shard registered",
		"shard_id", id,
		"replicas", len(replicas),
		"ring_size", d.ring.Len(),
		"version", version,
	)
}

// ResolveShard returns the shard owning key.
func (d *Directory) ResolveShard(key string) (types.ShardID, error) {
	shard, ok := d.ring.Lookup(key)
	if !ok {
		return "", routeerr.New(routeerr.StageResolve, routeerr.ErrNoShardsAvailable, "", "", nil)
	}
	return shard, nil
}

// ReplicasOf returns a copy of the shard's replica endpoints.
func (d *Directory) ReplicasOf(id types.ShardID) ([]types.NodeAddr, error) {
	replicas, ok := (*d.shards.Load())[id]
	if !ok {
		return nil, routeerr.New(routeerr.StageResolve, routeerr.ErrUnknownShard, id, "", nil)
	}
	return append([]types.NodeAddr(nil), replicas...), nil
}

// Resolve combines ResolveShard and ReplicasOf.
func (d *Directory) Resolve(key string) (ShardRecord, error) {
	id, err := d.ResolveShard(key)
	if err != nil {
		return ShardRecord{}, err
	}
	replicas, err := d.ReplicasOf(id)
	if err != nil {
		return ShardRecord{}, err
	}
	return ShardRecord{ID: id, Replicas: replicas}, nil
}

// Shards lists registered shards ordered by id.
func (d *Directory) Shards() []ShardRecord {
	m := *d.shards.Load()
	out := make([]ShardRecord, 0, len(m))
	for id, replicas := range m {
		out = append(out, ShardRecord{ID: id, Replicas: append([]types.NodeAddr(nil), replicas...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RingSize is the number of virtual nodes on the ring.
func (d *Directory) RingSize() int {
	return d.ring.Len()
}

// Version counts RegisterShard calls. Clients compare it to notice
// directory changes.
func (d *Directory) Version() uint64 {
	return d.version.Val()
}

func (d *Directory) Ring() *HashRing {
	return d.ring
}
