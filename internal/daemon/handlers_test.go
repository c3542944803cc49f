package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shurlinet/fabricsched/internal/clustermap"
	"github.com/shurlinet/fabricsched/internal/scheduler/phase1"
	"github.com/shurlinet/fabricsched/pkg/p2pnet"
)

// --- Mock runtime with a real p2pnet.Network ---

type networkMockRuntime struct {
	net          *p2pnet.Network
	version      string
	startTime    time.Time
	authKeysPath string
	gater        GaterReloader
	gating       bool
	cmap         *clustermap.Map
	params       phase1.Params
	modelLayers  int
}

func (m *networkMockRuntime) Network() *p2pnet.Network         { return m.net }
func (m *networkMockRuntime) ConfigFile() string               { return "/mock/config.yaml" }
func (m *networkMockRuntime) AuthKeysPath() string             { return m.authKeysPath }
func (m *networkMockRuntime) GaterForHotReload() GaterReloader { return m.gater }
func (m *networkMockRuntime) GatingEnabled() bool              { return m.gating }
func (m *networkMockRuntime) Version() string                  { return m.version }
func (m *networkMockRuntime) StartTime() time.Time             { return m.startTime }
func (m *networkMockRuntime) ClusterMap() *clustermap.Map {
	if m.cmap == nil {
		m.cmap = clustermap.New()
	}
	return m.cmap
}
func (m *networkMockRuntime) SchedulerParams() phase1.Params { return m.params }
func (m *networkMockRuntime) ModelLayers() int                { return m.modelLayers }

// mockGater implements GaterReloader for testing auth hot-reload plumbing.
type mockGater struct {
	reloadErr   error
	reloadCount int
}

func (m *mockGater) ReloadFromFile() error {
	m.reloadCount++
	return m.reloadErr
}

// genHandlerPeerID generates a random peer ID for handler tests.
func genHandlerPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("peer ID: %v", err)
	}
	return pid
}

// newTestNetwork creates a minimal p2pnet.Network for handler testing.
func newTestNetwork(t *testing.T) *p2pnet.Network {
	t.Helper()
	dir := t.TempDir()
	net, err := p2pnet.New(p2pnet.Config{
		KeyFile: filepath.Join(dir, "test.key"),
	})
	if err != nil {
		t.Fatalf("create test network: %v", err)
	}
	t.Cleanup(func() { net.Close() })
	return net
}

// newNetworkServer creates a Server backed by a real p2pnet.Network and an
// empty ClusterMap.
func newNetworkServer(t *testing.T) (*Server, *networkMockRuntime) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")
	cookiePath := filepath.Join(dir, ".test-cookie")

	net := newTestNetwork(t)
	rt := &networkMockRuntime{
		net:         net,
		version:     "test-0.1.0",
		startTime:   time.Now().Add(-60 * time.Second),
		cmap:        clustermap.New(),
		params:      phase1.Params{Alpha: 0.5, TComp: 1.0, RRTT: 1.0},
		modelLayers: 32,
	}

	srv := NewServer(rt, socketPath, cookiePath, "test-0.1.0")
	return srv, rt
}

// --- handleStatus ---

func TestHandleStatus_JSON(t *testing.T) {
	srv, _ := newNetworkServer(t)

	req := httptest.NewRequest("GET", "/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var envelope DataResponse
	json.NewDecoder(rec.Body).Decode(&envelope)
	dataBytes, _ := json.Marshal(envelope.Data)
	var status StatusResponse
	json.Unmarshal(dataBytes, &status)

	if status.PeerID == "" {
		t.Error("PeerID should not be empty")
	}
	if status.Version != "test-0.1.0" {
		t.Errorf("Version = %q", status.Version)
	}
	if status.UptimeSeconds < 59 {
		t.Errorf("UptimeSeconds = %d, expected >= 59", status.UptimeSeconds)
	}
	if status.ClusterSize != 0 {
		t.Errorf("ClusterSize = %d, want 0", status.ClusterSize)
	}
}

func TestHandleStatus_Text(t *testing.T) {
	srv, _ := newNetworkServer(t)

	req := httptest.NewRequest("GET", "/v1/status?format=text", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{"peer_id:", "version:", "uptime:", "connected_peers:", "cluster_size:", "listen_addresses:"} {
		if !bytes.Contains([]byte(body), []byte(want)) {
			t.Errorf("text output missing %q", want)
		}
	}
}

// --- handleClusterMap ---

func TestHandleClusterMap_Empty(t *testing.T) {
	srv, _ := newNetworkServer(t)

	req := httptest.NewRequest("GET", "/v1/clustermap", nil)
	rec := httptest.NewRecorder()
	srv.handleClusterMap(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var envelope DataResponse
	json.NewDecoder(rec.Body).Decode(&envelope)
	dataBytes, _ := json.Marshal(envelope.Data)
	var resp ClusterMapResponse
	json.Unmarshal(dataBytes, &resp)

	if len(resp.Nodes) != 0 {
		t.Errorf("got %d nodes, want 0", len(resp.Nodes))
	}
}

func TestHandleClusterMap_WithNodes(t *testing.T) {
	srv, rt := newNetworkServer(t)
	rt.cmap.InsertOrMerge(clustermap.NodePerf{
		NodeID:       "node-a",
		RamTokens:    8,
		LayerLatency: map[int]float32{0: 1.0, 1: 1.2},
		RTT:          map[string]float32{"node-b": 15.0},
		TimestampMs:  1,
	})

	req := httptest.NewRequest("GET", "/v1/clustermap", nil)
	rec := httptest.NewRecorder()
	srv.handleClusterMap(rec, req)

	var envelope DataResponse
	json.NewDecoder(rec.Body).Decode(&envelope)
	dataBytes, _ := json.Marshal(envelope.Data)
	var resp ClusterMapResponse
	json.Unmarshal(dataBytes, &resp)

	if len(resp.Nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(resp.Nodes))
	}
	if resp.Nodes[0].PeerID != "node-a" {
		t.Errorf("PeerID = %q", resp.Nodes[0].PeerID)
	}
	if resp.Nodes[0].LayerCapacity != 2 {
		t.Errorf("LayerCapacity = %d, want 2", resp.Nodes[0].LayerCapacity)
	}
	if resp.Nodes[0].RTTMillis != 15.0 {
		t.Errorf("RTTMillis = %f, want 15.0", resp.Nodes[0].RTTMillis)
	}
}

func TestHandleClusterMap_Text(t *testing.T) {
	srv, rt := newNetworkServer(t)
	rt.cmap.InsertOrMerge(clustermap.NodePerf{NodeID: "node-a", RamTokens: 4, TimestampMs: 1})

	req := httptest.NewRequest("GET", "/v1/clustermap?format=text", nil)
	rec := httptest.NewRecorder()
	srv.handleClusterMap(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("node-a")) {
		t.Errorf("text output missing node-a: %q", rec.Body.String())
	}
}

// --- handlePlan ---

func seedClusterMap(t *testing.T, m *clustermap.Map, n int, layerCap int) {
	t.Helper()
	for i := 0; i < n; i++ {
		pid := genHandlerPeerID(t)
		m.InsertOrMerge(clustermap.NodePerf{
			NodeID:       pid.String(),
			RamTokens:    4,
			LayerLatency: layerLatencyMap(layerCap),
			TimestampMs:  uint64(i + 1),
		})
	}
}

func layerLatencyMap(n int) map[int]float32 {
	m := make(map[int]float32, n)
	for i := 0; i < n; i++ {
		m[i] = 1.0
	}
	return m
}

func TestHandlePlan_EmptyClusterMap(t *testing.T) {
	srv, _ := newNetworkServer(t)

	req := httptest.NewRequest("POST", "/v1/plan", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	srv.handlePlan(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestHandlePlan_Success(t *testing.T) {
	srv, rt := newNetworkServer(t)
	rt.modelLayers = 8
	seedClusterMap(t, rt.cmap, 2, 8)

	req := httptest.NewRequest("POST", "/v1/plan", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	srv.handlePlan(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var envelope DataResponse
	json.NewDecoder(rec.Body).Decode(&envelope)
	dataBytes, _ := json.Marshal(envelope.Data)
	var resp PlanResponse
	json.Unmarshal(dataBytes, &resp)

	if resp.PlanID == "" {
		t.Error("PlanID should not be empty")
	}
	if resp.K == 0 {
		t.Error("K should be nonzero")
	}
	if len(resp.PlanJSON) == 0 {
		t.Error("PlanJSON should not be empty")
	}
}

func TestHandlePlan_RequestOverridesDefaults(t *testing.T) {
	srv, rt := newNetworkServer(t)
	rt.modelLayers = 8
	seedClusterMap(t, rt.cmap, 2, 8)

	body, _ := json.Marshal(PlanRequest{ModelLayers: 4})
	req := httptest.NewRequest("POST", "/v1/plan", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handlePlan(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePlan_Infeasible(t *testing.T) {
	srv, rt := newNetworkServer(t)
	rt.modelLayers = 100
	seedClusterMap(t, rt.cmap, 1, 1)

	req := httptest.NewRequest("POST", "/v1/plan", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	srv.handlePlan(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestHandlePlan_InvalidBody(t *testing.T) {
	srv, rt := newNetworkServer(t)
	rt.modelLayers = 8
	seedClusterMap(t, rt.cmap, 2, 8)

	req := httptest.NewRequest("POST", "/v1/plan", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.handlePlan(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandlePlan_Text(t *testing.T) {
	srv, rt := newNetworkServer(t)
	rt.modelLayers = 8
	seedClusterMap(t, rt.cmap, 2, 8)

	req := httptest.NewRequest("POST", "/v1/plan?format=text", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	srv.handlePlan(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("plan_id:")) {
		t.Errorf("text output missing plan_id: %q", rec.Body.String())
	}
}

// --- SocketPath / Listener ---

func TestSocketPath(t *testing.T) {
	srv, _ := newNetworkServer(t)
	if srv.SocketPath() == "" {
		t.Error("SocketPath should not be empty")
	}
}

func TestListenerNilBeforeStart(t *testing.T) {
	srv, _ := newNetworkServer(t)
	if srv.Listener() != nil {
		t.Error("Listener should be nil before Start")
	}
}
