// Package clustermap implements the gossip-replicated, node-id-keyed map
// from spec.md §4.1: a last-writer-wins store of per-node performance
// snapshots, read by the scheduler and written by the gossip engine.
//
// Grounded on internal/reputation.PeerHistory's sync.RWMutex-guarded
// map[string]*Record pattern: one exclusive lock for mutation, a
// snapshot taken under the read lock for consumers that must not
// observe a partial insertion.
package clustermap

import "sync"

// NodePerf is the unit of exchange and the scheduler's input row, per
// spec.md §3.
type NodePerf struct {
	NodeID       string             `json:"node_id"`
	RamTokens    uint64             `json:"ram_tokens"`
	LayerLatency map[int]float32    `json:"layer_latency"`
	RTT          map[string]float32 `json:"rtt"`
	TimestampMs  uint64             `json:"timestamp_ms"`
}

// Clone returns a deep copy of p so a caller holding a Snapshot() result
// cannot mutate the map's internal state through shared map fields.
func (p NodePerf) Clone() NodePerf {
	out := p
	if p.LayerLatency != nil {
		out.LayerLatency = make(map[int]float32, len(p.LayerLatency))
		for k, v := range p.LayerLatency {
			out.LayerLatency[k] = v
		}
	}
	if p.RTT != nil {
		out.RTT = make(map[string]float32, len(p.RTT))
		for k, v := range p.RTT {
			out.RTT[k] = v
		}
	}
	return out
}

// Map is the concurrent, merge-on-write ClusterMap described in
// spec.md §4.1. The zero value is not usable; construct with New.
type Map struct {
	mu      sync.RWMutex
	entries map[string]NodePerf
}

// New returns an empty ClusterMap.
func New() *Map {
	return &Map{entries: make(map[string]NodePerf)}
}

// InsertOrMerge applies the cluster's sole consistency rule: insert if
// no entry exists for incoming.NodeID; otherwise replace the stored
// entry only when incoming.TimestampMs is strictly greater than the
// stored one. Equal timestamps are ignored (the first writer for a given
// timestamp wins), matching spec.md §4.1 and the merge-tiebreak scenario
// in §8.
func (m *Map) InsertOrMerge(incoming NodePerf) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.entries[incoming.NodeID]
	if !ok || incoming.TimestampMs > stored.TimestampMs {
		m.entries[incoming.NodeID] = incoming.Clone()
	}
}

// Snapshot returns a consistent copy of every entry at a single logical
// instant: the copy happens while holding the read lock, so a
// concurrent writer cannot be observed mid-insertion.
func (m *Map) Snapshot() []NodePerf {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]NodePerf, 0, len(m.entries))
	for _, p := range m.entries {
		out = append(out, p.Clone())
	}
	return out
}

// Get returns the stored NodePerf for nodeID, if any.
func (m *Map) Get(nodeID string) (NodePerf, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.entries[nodeID]
	if !ok {
		return NodePerf{}, false
	}
	return p.Clone(), true
}

// ValuesLen returns the number of distinct nodes currently tracked.
func (m *Map) ValuesLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
