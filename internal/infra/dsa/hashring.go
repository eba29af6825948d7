// Package dsa implements generic concurrency-safe data structures shared
// across banditd's infrastructure layer:
//
//  1. HashRing    — O(log n) consistent hashing, used to shard per-key
//     policy-state update actors across a fixed worker pool.
//  2. BloomFilter — O(1) probabilistic membership, used as a fast
//     pre-check before the authoritative reward-attribution CAS.
//  3. PriorityQueue — O(log n) min-heap, used to schedule periodic
//     guardrail and decision evaluation jobs.
package dsa

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// ─── Consistent Hash Ring ───────────────────────────────────────────────────
// Maps arbitrary string keys to worker IDs with minimal movement when a
// worker joins or leaves. Each worker gets VirtualNodes virtual positions
// on the ring. Lookup is O(log n) via binary search on the sorted ring;
// rebalancing on join/leave moves only O(K/n) keys (K=total keys tracked
// elsewhere, n=workers).

// HashRingConfig configures the consistent hash ring.
type HashRingConfig struct {
	VirtualNodes int // virtual positions per worker (default 150)
}

// DefaultHashRingConfig returns production defaults. 150 virtual nodes
// keeps load-distribution standard deviation under 5%.
func DefaultHashRingConfig() HashRingConfig {
	return HashRingConfig{VirtualNodes: 150}
}

// HashRing implements a consistent hash ring with virtual nodes.
type HashRing struct {
	mu           sync.RWMutex
	config       HashRingConfig
	ring         []ringPoint
	nodeMap      map[string]bool
	virtualNodes int
}

type ringPoint struct {
	hash uint32
	node string
}

// NewHashRing creates an empty consistent hash ring.
func NewHashRing(cfg HashRingConfig) *HashRing {
	if cfg.VirtualNodes <= 0 {
		cfg.VirtualNodes = 150
	}
	return &HashRing{
		config:       cfg,
		nodeMap:      make(map[string]bool),
		virtualNodes: cfg.VirtualNodes,
	}
}

// AddNode inserts a worker and its virtual replicas onto the ring.
func (h *HashRing) AddNode(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.nodeMap[nodeID] {
		return
	}
	h.nodeMap[nodeID] = true

	for i := 0; i < h.virtualNodes; i++ {
		hash := hashKey(fmt.Sprintf("%s#%d", nodeID, i))
		h.ring = append(h.ring, ringPoint{hash: hash, node: nodeID})
	}
	sort.Slice(h.ring, func(i, j int) bool {
		return h.ring[i].hash < h.ring[j].hash
	})
}

// RemoveNode removes a worker and all its virtual replicas.
func (h *HashRing) RemoveNode(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.nodeMap[nodeID] {
		return
	}
	delete(h.nodeMap, nodeID)

	filtered := h.ring[:0]
	for _, p := range h.ring {
		if p.node != nodeID {
			filtered = append(filtered, p)
		}
	}
	h.ring = filtered
}

// Lookup finds the worker responsible for the given key. O(log n).
func (h *HashRing) Lookup(key string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.ring) == 0 {
		return ""
	}

	hash := hashKey(key)
	idx := sort.Search(len(h.ring), func(i int) bool {
		return h.ring[i].hash >= hash
	})
	if idx >= len(h.ring) {
		idx = 0
	}
	return h.ring[idx].node
}

// Nodes returns all workers on the ring, sorted.
func (h *HashRing) Nodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	nodes := make([]string, 0, len(h.nodeMap))
	for id := range h.nodeMap {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// Size returns the number of workers on the ring.
func (h *HashRing) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodeMap)
}

// hashKey produces a 32-bit hash of a key via SHA-256 truncation.
func hashKey(key string) uint32 {
	h := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(h[:4])
}
