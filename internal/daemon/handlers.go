package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shurlinet/fabricsched/internal/clustermap"
	"github.com/shurlinet/fabricsched/internal/scheduler/phase1"
	"github.com/shurlinet/fabricsched/internal/scheduler/plan"
)

// maxRequestBodySize limits the size of JSON request bodies to prevent
// unbounded memory consumption from oversized or malicious payloads.
const maxRequestBodySize = 1 << 20 // 1 MB

// registerRoutes sets up all HTTP routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/clustermap", s.handleClusterMap)
	mux.HandleFunc("POST /v1/plan", s.handlePlan)
	mux.HandleFunc("POST /v1/shutdown", s.handleShutdown)
}

// --- Format helpers ---

// wantsText returns true if the client prefers plain text output.
func wantsText(r *http.Request) bool {
	if r.URL.Query().Get("format") == "text" {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/plain")
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(DataResponse{Data: data})
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// respondText writes a plain text response.
func respondText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	fmt.Fprint(w, text)
}

// --- Handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rt := s.runtime
	h := rt.Network().Host()

	var listenAddrs []string
	for _, addr := range h.Addrs() {
		listenAddrs = append(listenAddrs, addr.String())
	}

	resp := StatusResponse{
		PeerID:         h.ID().String(),
		Version:        rt.Version(),
		UptimeSeconds:  int(time.Since(rt.StartTime()).Seconds()),
		ListenAddrs:    listenAddrs,
		ConnectedPeers: len(h.Network().Peers()),
		ClusterSize:    rt.ClusterMap().ValuesLen(),
		GatingEnabled:  rt.GatingEnabled(),
		StartedAt:      rt.StartTime(),
	}

	if wantsText(r) {
		var sb strings.Builder
		fmt.Fprintf(&sb, "peer_id: %s\n", resp.PeerID)
		fmt.Fprintf(&sb, "version: %s\n", resp.Version)
		fmt.Fprintf(&sb, "uptime: %ds\n", resp.UptimeSeconds)
		fmt.Fprintf(&sb, "connected_peers: %d\n", resp.ConnectedPeers)
		fmt.Fprintf(&sb, "cluster_size: %d\n", resp.ClusterSize)
		fmt.Fprintf(&sb, "gating_enabled: %v\n", resp.GatingEnabled)
		fmt.Fprintf(&sb, "listen_addresses: %d\n", len(resp.ListenAddrs))
		for _, a := range resp.ListenAddrs {
			fmt.Fprintf(&sb, "  %s\n", a)
		}
		respondText(w, http.StatusOK, sb.String())
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClusterMap(w http.ResponseWriter, r *http.Request) {
	rows := s.runtime.ClusterMap().Snapshot()
	sort.Slice(rows, func(i, j int) bool { return rows[i].NodeID < rows[j].NodeID })

	dtos := make([]NodePerfDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, nodePerfDTO(row))
	}

	if wantsText(r) {
		var sb strings.Builder
		for _, d := range dtos {
			fmt.Fprintf(&sb, "%s\tlayers=%d\tcompute=%d\trtt=%.1fms\n", d.PeerID, d.LayerCapacity, d.ComputeCap, d.RTTMillis)
		}
		respondText(w, http.StatusOK, sb.String())
		return
	}

	respondJSON(w, http.StatusOK, ClusterMapResponse{Nodes: dtos})
}

// nodePerfDTO flattens a clustermap.NodePerf's capacity and self-RTT into
// the wire DTO. LayerCapacity is the row's raw layer count; ComputeCap
// approximates relative compute weight from RamTokens since NodePerf
// carries no separate FLOPs figure. RTTMillis is the average of the row's
// recorded per-peer RTTs, or zero if none have been probed yet.
func nodePerfDTO(p clustermap.NodePerf) NodePerfDTO {
	d := NodePerfDTO{
		PeerID:        p.NodeID,
		LayerCapacity: len(p.LayerLatency),
		ComputeCap:    int(p.RamTokens),
		UpdatedAt:     time.UnixMilli(int64(p.TimestampMs)),
	}
	if len(p.RTT) > 0 {
		var sum float32
		for _, rtt := range p.RTT {
			sum += rtt
		}
		d.RTTMillis = float64(sum) / float64(len(p.RTT))
	}
	return d
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(&req); err != nil && err != io.EOF {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	params := s.runtime.SchedulerParams()
	if req.Alpha != 0 {
		params.Alpha = req.Alpha
	}
	if req.TComp != 0 {
		params.TComp = req.TComp
	}
	if req.RRTT != 0 {
		params.RRTT = req.RRTT
	}
	modelLayers := s.runtime.ModelLayers()
	if req.ModelLayers > 0 {
		modelLayers = req.ModelLayers
	}

	rows := s.runtime.ClusterMap().Snapshot()
	if len(rows) == 0 {
		respondError(w, http.StatusConflict, "cluster map is empty, nothing to schedule")
		return
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].NodeID < rows[j].NodeID })

	gpus := make([]phase1.Gpu, len(rows))
	for i, row := range rows {
		dto := nodePerfDTO(row)
		gpus[i] = phase1.Gpu{LayerCap: dto.LayerCapacity, ComputeCap: dto.ComputeCap}
	}

	result := phase1.Solve(gpus, modelLayers, params)
	if result.K == 0 {
		respondError(w, http.StatusUnprocessableEntity, "no feasible schedule for the current cluster map")
		return
	}

	namedPipelines := namePipelines(result, rows)
	emitted := plan.Emit(result, namedPipelines, modelLayers)

	cidVal, err := emitted.CID()
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("compute plan CID: %v", err))
		return
	}

	planJSON, err := json.Marshal(emitted)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("marshal plan: %v", err))
		return
	}

	resp := PlanResponse{
		PlanID:    cidVal.String(),
		K:         emitted.K,
		Score:     emitted.Score,
		Pipelines: len(emitted.Pipelines),
		PlanJSON:  planJSON,
	}

	slog.Info("plan computed via API", "plan_id", resp.PlanID, "k", resp.K, "pipelines", resp.Pipelines)

	if wantsText(r) {
		respondText(w, http.StatusOK, fmt.Sprintf("plan_id: %s\nk: %d\nscore: %.4f\npipelines: %d\n", resp.PlanID, resp.K, resp.Score, resp.Pipelines))
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// namePipelines maps phase1.Result's anonymous Pipelines back to node
// identities. phase1.Solve sorts its input descending by LayerCap before
// running the DP, so a same-order sort of rows here reproduces that
// ordering; a per-(LayerCap,ComputeCap) FIFO queue then recovers the
// identity of each assigned Gpu value in the order phase1 consumed them.
// Rows sharing an identical (LayerCap, ComputeCap) pair are
// interchangeable for scheduling purposes, so any ambiguity among them is
// immaterial to the emitted plan's layer layout.
func namePipelines(result phase1.Result, rows []clustermap.NodePerf) [][]plan.NamedGpu {
	type key struct {
		layerCap, computeCap int
	}
	queues := make(map[key][]string)

	sorted := make([]clustermap.NodePerf, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return nodePerfDTO(sorted[i]).LayerCapacity > nodePerfDTO(sorted[j]).LayerCapacity
	})
	for _, row := range sorted {
		d := nodePerfDTO(row)
		k := key{d.LayerCapacity, d.ComputeCap}
		queues[k] = append(queues[k], d.PeerID)
	}

	named := make([][]plan.NamedGpu, len(result.Pipelines))
	for i, pipeline := range result.Pipelines {
		named[i] = make([]plan.NamedGpu, len(pipeline.Gpus))
		for j, g := range pipeline.Gpus {
			k := key{g.LayerCap, g.ComputeCap}
			q := queues[k]
			nodeID := "unknown"
			if len(q) > 0 {
				nodeID = q[0]
				queues[k] = q[1:]
			}
			named[i][j] = plan.NamedGpu{NodeID: nodeID, LayerCap: g.LayerCap, ComputeCap: g.ComputeCap}
		}
	}
	return named
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})

	// Signal shutdown after response is sent
	go func() {
		time.Sleep(100 * time.Millisecond) // let response flush
		close(s.shutdownCh)
	}()
}

// SocketPath returns the path to the Unix socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listener returns the underlying net.Listener (for health checks).
func (s *Server) Listener() net.Listener {
	return s.listener
}
