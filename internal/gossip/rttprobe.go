package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Prober maintains a best-effort, continuously-refreshed round-trip
// time estimate to a set of peers, fed into the local PerfBuilder's
// NodePerf.RTT map. Grounded on pkg/p2pnet/ping.go's PingPeer/doPing
// stream round trip, reusing gossip's own ProtocolID instead of a
// dedicated ping protocol: each probe times a full SyncRequest/
// SyncResponse round trip on a fresh gossip stream, stream setup
// included, as a proxy for path latency.
type Prober struct {
	host host.Host

	mu    sync.RWMutex
	rtt   map[string]float32 // peer.ID.String() -> milliseconds
}

// NewProber returns a Prober bound to h.
func NewProber(h host.Host) *Prober {
	return &Prober{host: h, rtt: make(map[string]float32)}
}

// Snapshot returns a copy of the current RTT table, keyed by
// peer.ID.String(),
// suitable for embedding directly in a NodePerf.RTT field.
func (pr *Prober) Snapshot() map[string]float32 {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make(map[string]float32, len(pr.rtt))
	for k, v := range pr.rtt {
		out[k] = v
	}
	return out
}

// Probe measures the round trip of a SyncRequest/SyncResponse exchange
// with p and records it. A failure leaves the previous measurement (if
// any) in place rather than zeroing it out, since a single dropped
// probe shouldn't erase a node's known-good latency history. The
// SyncResponse payload itself is discarded here; probing piggybacks on
// the engine's own sync protocol instead of inventing a separate one.
func (pr *Prober) Probe(ctx context.Context, p peer.ID) {
	streamCtx, cancel := context.WithTimeout(ctx, streamDeadline)
	defer cancel()

	start := time.Now()
	s, err := pr.host.NewStream(streamCtx, p, ProtocolID)
	if err != nil {
		return
	}
	defer s.Close()

	if err := writeMsg(s, syncRequestMsg()); err != nil {
		return
	}
	if err := s.CloseWrite(); err != nil {
		return
	}
	if _, err := readMsg(s); err != nil {
		return
	}
	rtt := time.Since(start)

	pr.mu.Lock()
	pr.rtt[p.String()] = float32(rtt.Microseconds()) / 1000.0
	pr.mu.Unlock()
}

// ProbeAll probes every peer in peers sequentially. Callers that gossip
// to many peers may prefer to run this on its own slower ticker than
// the publish loop, since it opens an extra stream per peer.
func (pr *Prober) ProbeAll(ctx context.Context, peers []peer.ID) {
	for _, p := range peers {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pr.Probe(ctx, p)
	}
}
