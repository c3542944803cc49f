package daemon

import "time"

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	PeerID         string    `json:"peer_id"`
	Version        string    `json:"version"`
	UptimeSeconds  int       `json:"uptime_seconds"`
	ListenAddrs    []string  `json:"listen_addresses"`
	ConnectedPeers int       `json:"connected_peers"`
	ClusterSize    int       `json:"cluster_size"`
	GatingEnabled  bool      `json:"gating_enabled"`
	StartedAt      time.Time `json:"started_at"`
}

// NodePerfDTO is the wire representation of one row of the ClusterMap, for
// GET /v1/clustermap.
type NodePerfDTO struct {
	PeerID        string    `json:"peer_id"`
	LayerCapacity int       `json:"layer_capacity"`
	ComputeCap    int       `json:"compute_capacity"`
	RTTMillis     float64   `json:"rtt_millis"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ClusterMapResponse is returned by GET /v1/clustermap.
type ClusterMapResponse struct {
	Nodes []NodePerfDTO `json:"nodes"`
}

// PlanRequest is the body for POST /v1/plan: the model layer count and
// scoring scalars to run Phase-1/Phase-2 against the current ClusterMap
// snapshot. Zero fields fall back to the node's configured defaults.
type PlanRequest struct {
	ModelLayers int     `json:"model_layers,omitempty"`
	Alpha       float64 `json:"alpha,omitempty"`
	TComp       float64 `json:"t_comp,omitempty"`
	RRTT        float64 `json:"r_rtt,omitempty"`
}

// PlanResponse is returned by POST /v1/plan: the emitted plan, its
// content-addressed ID, and the replication count and score the search
// selected.
type PlanResponse struct {
	PlanID    string  `json:"plan_id"`
	K         int     `json:"k"`
	Score     float64 `json:"score"`
	Pipelines int     `json:"pipelines"`
	PlanJSON  []byte  `json:"plan"`
}

// ErrorResponse is returned on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DataResponse wraps a successful response.
type DataResponse struct {
	Data any `json:"data"`
}
