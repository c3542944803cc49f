// Package plan converts Phase-1 pipeline traces and Phase-2 layer
// allocations into the final, immutable Plan: a contiguous, gap-free
// stage/layer layout per spec.md §4.6.
package plan

import (
	"encoding/json"
	"sort"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"

	"github.com/shurlinet/fabricsched/internal/scheduler/phase1"
	"github.com/shurlinet/fabricsched/internal/scheduler/phase2"
)

// LayerRange is a contiguous half-open interval [Lo, Hi) in {0, ..., L}.
type LayerRange struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// Stage is one GPU's contribution to one pipeline.
type Stage struct {
	NodeID     string     `json:"node_id"`
	LayerCap   int        `json:"layer_cap"`
	ComputeCap int        `json:"compute_cap"`
	Layers     LayerRange `json:"layers"`
}

// Pipeline is an ordered list of stages covering [0, L).
type Pipeline struct {
	Stages []Stage `json:"stages"`
}

// Plan is the scheduler's final, immutable output.
type Plan struct {
	K         int        `json:"k"`
	Stages    int        `json:"stages"`
	Score     float64    `json:"score"`
	Pipelines []Pipeline `json:"pipelines"`
}

// NamedGpu attaches the node identity the scheduler doesn't itself need
// (phase1.Gpu is identity-free) so the emitted Plan is addressable.
type NamedGpu struct {
	NodeID     string
	LayerCap   int
	ComputeCap int
}

// Emit runs Phase-2 water-filling over each of result's pipelines (using
// the caller-supplied node identities, positionally aligned with
// result.Pipelines[p].Gpus) and assembles the contiguous layer layout.
// Pipelines that cannot fit modelLayers (all caps saturated) are omitted,
// per spec.md §4.5's feasibility note.
func Emit(result phase1.Result, namedPipelines [][]NamedGpu, modelLayers int) Plan {
	out := Plan{K: result.K, Stages: result.Stages, Score: result.Score}

	for _, named := range namedPipelines {
		stages := make([]phase2.Stage, len(named))
		for i, g := range named {
			stages[i] = phase2.Stage{LayerCap: g.LayerCap, ComputeCap: g.ComputeCap}
		}

		alloc, ok := phase2.Allocate(stages, modelLayers)
		if !ok {
			continue
		}

		pipeline := Pipeline{}
		cursor := 0
		for i, g := range named {
			if alloc[i] == 0 {
				continue
			}
			pipeline.Stages = append(pipeline.Stages, Stage{
				NodeID:     g.NodeID,
				LayerCap:   g.LayerCap,
				ComputeCap: g.ComputeCap,
				Layers:     LayerRange{Lo: cursor, Hi: cursor + alloc[i]},
			})
			cursor += alloc[i]
		}
		out.Pipelines = append(out.Pipelines, pipeline)
	}

	return out
}

// CID returns a content identifier for the plan: the plan is serialized
// to canonical JSON (map keys are already fixed struct field order, so
// encoding/json's output is stable for a given Plan value), hashed with
// BLAKE3, and wrapped as a CIDv1 using the raw multicodec. Two nodes that
// compute byte-identical plans (spec.md §8's determinism property) get
// the same CID, so a plan cache or gossip dedup step can key on it
// instead of deep-comparing the whole structure.
func (p Plan) CID() (cid.Cid, error) {
	data, err := json.Marshal(canonicalize(p))
	if err != nil {
		return cid.Undef, err
	}
	sum := blake3.Sum256(data)
	digest, err := mh.Encode(sum[:], mh.BLAKE3)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, digest), nil
}

// canonicalize returns a copy of p with every pipeline's stages already
// in cursor order (they are, by construction) so JSON encoding is
// order-stable across equivalent plans.
func canonicalize(p Plan) Plan {
	out := p
	out.Pipelines = make([]Pipeline, len(p.Pipelines))
	for i, pl := range p.Pipelines {
		cp := make([]Stage, len(pl.Stages))
		copy(cp, pl.Stages)
		sort.SliceStable(cp, func(a, b int) bool { return cp[a].Layers.Lo < cp[b].Layers.Lo })
		out.Pipelines[i] = Pipeline{Stages: cp}
	}
	return out
}
