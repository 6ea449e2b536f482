package cluster

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"kvrouter/pkg/types"
)

// Hasher maps a string to a position on the ring. It must be deterministic
// across processes so every router instance resolves keys the same way.
type Hasher func(s string) uint64

// FNV64a returns a 64-bit FNV-1a based hasher. A non-zero seed is mixed in first.
func FNV64a(seed uint64) Hasher {
	var prefix []byte
	if seed != 0 {
		prefix = binary.BigEndian.AppendUint64(nil, seed)
	}
	return func(s string) uint64 {
		h := fnv.New64a()
		if prefix != nil {
			_, _ = h.Write(prefix)
		}
		_, _ = h.Write([]byte(s))
		return mix64(h.Sum64())
	}
}

// mix64 is the murmur3 finalizer. FNV-1a alone barely moves the high bits
// for keys that differ only in their last bytes, and the ring orders by them.
func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// RingEntry is one virtual node: a ring position owned by a shard.
type RingEntry struct {
	Hash  uint64
	Shard types.ShardID
}

// HashRing реализует consistent hashing: позиции на кольце -> шард.
// Readers never lock: the sorted entry slice is replaced wholesale on insert.
type HashRing struct {
	hash    Hasher
	mu      sync.Mutex // serializes writers
	entries atomic.Pointer[[]RingEntry]
}

func NewHashRing(h Hasher) *HashRing {
	if h == nil {
		h = FNV64a(0)
	}
	r := &HashRing{hash: h}
	empty := make([]RingEntry, 0)
	r.entries.Store(&empty)
	return r
}

// Insert places the given positions on the ring. A position that is already
// taken is reassigned to the new shard.
func (h *HashRing) Insert(shard types.ShardID, positions ...uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := *h.entries.Load()
	next := make([]RingEntry, len(cur), len(cur)+len(positions))
	copy(next, cur)

	for _, pos := range positions {
		idx := sort.Search(len(next), func(i int) bool { return next[i].Hash >= pos })
		if idx < len(next) && next[idx].Hash == pos {
			next[idx].Shard = shard
			continue
		}
		next = append(next, RingEntry{})
		copy(next[idx+1:], next[idx:])
		next[idx] = RingEntry{Hash: pos, Shard: shard}
	}
	h.entries.Store(&next)
}

// AddVirtualNodes inserts one position per endpoint, hash(endpoint ++ shard).
func (h *HashRing) AddVirtualNodes(shard types.ShardID, endpoints []types.NodeAddr) {
	positions := make([]uint64, 0, len(endpoints))
	for _, ep := range endpoints {
		positions = append(positions, h.hash(string(ep)+string(shard)))
	}
	h.Insert(shard, positions...)
}

// Lookup returns the shard owning the first position >= hash(key),
// wrapping to the smallest position.
func (h *HashRing) Lookup(key string) (types.ShardID, bool) {
	return h.LookupHash(h.hash(key))
}

func (h *HashRing) LookupHash(pos uint64) (types.ShardID, bool) {
	entries := *h.entries.Load()
	if len(entries) == 0 {
		return "", false
	}
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Hash >= pos })
	if idx == len(entries) {
		idx = 0
	}
	return entries[idx].Shard, true
}

// Entries returns a copy of the ring in position order.
func (h *HashRing) Entries() []RingEntry {
	entries := *h.entries.Load()
	out := make([]RingEntry, len(entries))
	copy(out, entries)
	return out
}

func (h *HashRing) Len() int {
	return len(*h.entries.Load())
}
