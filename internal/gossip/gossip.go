// Package gossip implements the anti-entropy replication engine from
// spec.md §4.2: a periodic push of the local node's NodePerf row to
// every known peer, plus a one-shot pull (SyncRequest/SyncResponse) run
// once at join time so a newly joined node doesn't have to wait a full
// publish interval to see the rest of the cluster.
//
// Grounded on original_source/engine/src/gossip.rs's start_gossip_loop
// and server.rs's handle_stream/merge_perf/send_perf/request_sync,
// reworked onto a libp2p stream instead of a raw QUIC connection, in the
// manner of pkg/p2pnet/ping.go's PingPeer stream round trip.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/shurlinet/fabricsched/internal/clustermap"
)

// ProtocolID is the libp2p protocol this engine's stream handler serves.
const ProtocolID = protocol.ID("/fabricsched/gossip/1.0.0")

// maxMessageSize bounds a single GossipMsg on the wire, per spec.md §4.2.
const maxMessageSize = 1 << 20 // 1 MiB

// DefaultInterval is the publish cadence from spec.md §4.2.
const DefaultInterval = 2 * time.Second

const streamDeadline = 10 * time.Second

// msgType tags a GossipMsg's payload, mirroring the three-variant enum
// in original_source/engine/src/dht.rs's GossipMsg.
type msgType string

const (
	msgPerf         msgType = "perf"
	msgSyncRequest  msgType = "sync_request"
	msgSyncResponse msgType = "sync_response"
)

// GossipMsg is the sole wire envelope exchanged over ProtocolID streams.
// Exactly one of Perf or Perfs is populated, selected by Type.
type GossipMsg struct {
	Type  msgType               `json:"type"`
	Perf  *clustermap.NodePerf  `json:"perf,omitempty"`
	Perfs []clustermap.NodePerf `json:"perfs,omitempty"`
}

func perfMsg(p clustermap.NodePerf) GossipMsg {
	return GossipMsg{Type: msgPerf, Perf: &p}
}

func syncRequestMsg() GossipMsg {
	return GossipMsg{Type: msgSyncRequest}
}

func syncResponseMsg(perfs []clustermap.NodePerf) GossipMsg {
	return GossipMsg{Type: msgSyncResponse, Perfs: perfs}
}

// PerfBuilder produces the local node's current NodePerf row each time
// the publish loop fires. Implementations typically read host memory
// stats and the rttprobe.Prober's latest measurements.
type PerfBuilder func() clustermap.NodePerf

// Engine drives the publish loop and serves incoming gossip streams. The
// zero value is not usable; construct with New.
type Engine struct {
	host    host.Host
	cluster *clustermap.Map
	build   PerfBuilder
	metrics *Metrics
	log     *slog.Logger

	mu    sync.RWMutex
	peers map[peer.ID]struct{}
}

// New constructs a gossip Engine bound to h and cluster. build supplies
// the local NodePerf snapshot on each publish tick.
func New(h host.Host, cluster *clustermap.Map, build PerfBuilder, metrics *Metrics, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Engine{
		host:    h,
		cluster: cluster,
		build:   build,
		metrics: metrics,
		log:     log.With("component", "gossip"),
		peers:   make(map[peer.ID]struct{}),
	}
}

// Metrics returns the engine's Prometheus collectors, for merging into a
// shared registry or exposing on the control API's /metrics endpoint.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// AddPeer registers p as a gossip target for future publish ticks. It is
// idempotent.
func (e *Engine) AddPeer(p peer.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[p] = struct{}{}
}

// RemovePeer stops gossiping to p.
func (e *Engine) RemovePeer(p peer.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, p)
}

func (e *Engine) peerList() []peer.ID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]peer.ID, 0, len(e.peers))
	for p := range e.peers {
		out = append(out, p)
	}
	return out
}

// Peers returns the peers currently registered for gossip, for callers
// that need to drive their own periodic work (e.g. RTT probing) against
// the same peer set the publish loop uses.
func (e *Engine) Peers() []peer.ID {
	return e.peerList()
}

// Register installs the stream handler on the host. Call once before
// Run or SyncWith.
func (e *Engine) Register() {
	e.host.SetStreamHandler(ProtocolID, e.handleStream)
}

// Run blocks, publishing the local NodePerf to every known peer every
// interval (DefaultInterval if interval <= 0), until ctx is cancelled.
// A peer that fails to receive a publish is logged and retried on the
// next tick; the engine never blacklists a peer for a transient
// failure, per spec.md §4.2.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publishTick(ctx)
		}
	}
}

func (e *Engine) publishTick(ctx context.Context) {
	perf := e.build()
	e.cluster.InsertOrMerge(perf)

	for _, p := range e.peerList() {
		if err := e.sendPerf(ctx, p, perf); err != nil {
			e.metrics.PublishTotal.WithLabelValues("failure").Inc()
			e.log.Warn("gossip publish failed", "peer", p.String(), "err", err)
			continue
		}
		e.metrics.PublishTotal.WithLabelValues("success").Inc()
	}
}

// SyncWith opens a stream to p, requests its full snapshot, and merges
// every row into the local ClusterMap. Intended to be called once when
// a node joins, so it doesn't wait out a full publish interval to learn
// about the rest of the cluster.
func (e *Engine) SyncWith(ctx context.Context, p peer.ID) error {
	start := time.Now()
	s, err := e.openStream(ctx, p)
	if err != nil {
		e.metrics.SyncTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("open sync stream to %s: %w", p, err)
	}
	defer s.Close()

	if err := writeMsg(s, syncRequestMsg()); err != nil {
		e.metrics.SyncTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("send sync request to %s: %w", p, err)
	}
	if err := s.CloseWrite(); err != nil {
		e.metrics.SyncTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("close write half to %s: %w", p, err)
	}

	resp, err := readMsg(s)
	if err != nil {
		e.metrics.SyncTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("read sync response from %s: %w", p, err)
	}
	if resp.Type != msgSyncResponse {
		e.metrics.SyncTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("unexpected reply type %q from %s", resp.Type, p)
	}

	for _, perf := range resp.Perfs {
		e.cluster.InsertOrMerge(perf)
	}
	e.metrics.SyncTotal.WithLabelValues("success").Inc()
	e.metrics.SyncDurationSeconds.Observe(time.Since(start).Seconds())
	return nil
}

func (e *Engine) sendPerf(ctx context.Context, p peer.ID, perf clustermap.NodePerf) error {
	s, err := e.openStream(ctx, p)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := writeMsg(s, perfMsg(perf)); err != nil {
		return err
	}
	return s.CloseWrite()
}

func (e *Engine) openStream(ctx context.Context, p peer.ID) (network.Stream, error) {
	streamCtx, cancel := context.WithTimeout(ctx, streamDeadline)
	defer cancel()
	return e.host.NewStream(streamCtx, p, ProtocolID)
}

// handleStream serves one inbound gossip message per stream, mirroring
// server.rs's handle_stream: read the envelope (capped at
// maxMessageSize), dispatch on its type, reply only for SyncRequest.
func (e *Engine) handleStream(s network.Stream) {
	defer s.Close()

	_ = s.SetDeadline(time.Now().Add(streamDeadline))

	msg, err := readMsg(s)
	if err != nil {
		e.log.Warn("gossip stream read failed", "peer", s.Conn().RemotePeer().String(), "err", err)
		return
	}

	switch msg.Type {
	case msgPerf:
		if msg.Perf != nil {
			e.cluster.InsertOrMerge(*msg.Perf)
		}

	case msgSyncRequest:
		snapshot := e.cluster.Snapshot()
		if err := writeMsg(s, syncResponseMsg(snapshot)); err != nil {
			e.log.Warn("gossip sync reply failed", "peer", s.Conn().RemotePeer().String(), "err", err)
		}

	case msgSyncResponse:
		for _, perf := range msg.Perfs {
			e.cluster.InsertOrMerge(perf)
		}

	default:
		e.log.Warn("gossip stream: unknown message type", "type", msg.Type)
	}
}

func writeMsg(w io.Writer, msg GossipMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode gossip message: %w", err)
	}
	if len(data) > maxMessageSize {
		return fmt.Errorf("gossip message too large: %d bytes", len(data))
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write gossip message: %w", err)
	}
	return nil
}

func readMsg(r io.Reader) (GossipMsg, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxMessageSize+1))
	if err != nil {
		return GossipMsg{}, fmt.Errorf("read gossip message: %w", err)
	}
	if len(data) > maxMessageSize {
		return GossipMsg{}, fmt.Errorf("gossip message exceeds %d bytes", maxMessageSize)
	}
	var msg GossipMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return GossipMsg{}, fmt.Errorf("decode gossip message: %w", err)
	}
	return msg, nil
}
