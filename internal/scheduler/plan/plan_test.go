package plan

import (
	"testing"

	"github.com/shurlinet/fabricsched/internal/scheduler/phase1"
)

func TestEmitContiguousGapFree(t *testing.T) {
	result := phase1.Solve(
		[]phase1.Gpu{
			{LayerCap: 6, ComputeCap: 1},
			{LayerCap: 6, ComputeCap: 2},
			{LayerCap: 6, ComputeCap: 3},
			{LayerCap: 6, ComputeCap: 2},
			{LayerCap: 6, ComputeCap: 1},
		},
		10,
		phase1.Params{Alpha: 1, TComp: 10, RRTT: 1},
	)

	named := make([][]NamedGpu, len(result.Pipelines))
	for i, p := range result.Pipelines {
		for j, g := range p.Gpus {
			named[i] = append(named[i], NamedGpu{
				NodeID:     nodeName(i, j),
				LayerCap:   g.LayerCap,
				ComputeCap: g.ComputeCap,
			})
		}
	}

	out := Emit(result, named, 10)

	if len(out.Pipelines) != len(result.Pipelines) {
		t.Fatalf("got %d pipelines, want %d", len(out.Pipelines), len(result.Pipelines))
	}
	for _, pl := range out.Pipelines {
		if len(pl.Stages) == 0 {
			t.Fatal("empty pipeline in output")
		}
		if pl.Stages[0].Layers.Lo != 0 {
			t.Fatalf("pipeline does not start at layer 0: %+v", pl.Stages)
		}
		if last := pl.Stages[len(pl.Stages)-1].Layers.Hi; last != 10 {
			t.Fatalf("pipeline does not end at layer 10: got %d", last)
		}
		for i := 1; i < len(pl.Stages); i++ {
			if pl.Stages[i].Layers.Lo != pl.Stages[i-1].Layers.Hi {
				t.Fatalf("gap or overlap between stage %d and %d: %+v", i-1, i, pl.Stages)
			}
		}
	}
}

func TestEmitOmitsInfeasiblePipeline(t *testing.T) {
	result := phase1.Result{
		K:      1,
		Stages: 1,
		Pipelines: []phase1.Pipeline{
			{Gpus: []phase1.Gpu{{LayerCap: 2, ComputeCap: 1}}},
		},
	}
	named := [][]NamedGpu{
		{{NodeID: "a", LayerCap: 2, ComputeCap: 1}},
	}
	out := Emit(result, named, 10)
	if len(out.Pipelines) != 0 {
		t.Fatalf("expected infeasible pipeline to be omitted, got %+v", out.Pipelines)
	}
}

func TestCIDDeterministic(t *testing.T) {
	result := phase1.Solve(
		[]phase1.Gpu{{LayerCap: 5, ComputeCap: 1}, {LayerCap: 5, ComputeCap: 1}},
		5,
		phase1.Params{Alpha: 1, TComp: 10, RRTT: 1},
	)
	named := [][]NamedGpu{
		{{NodeID: "a", LayerCap: 5, ComputeCap: 1}},
		{{NodeID: "b", LayerCap: 5, ComputeCap: 1}},
	}

	p1 := Emit(result, named, 5)
	p2 := Emit(result, named, 5)

	c1, err := p1.CID()
	if err != nil {
		t.Fatalf("CID: %v", err)
	}
	c2, err := p2.CID()
	if err != nil {
		t.Fatalf("CID: %v", err)
	}
	if !c1.Equals(c2) {
		t.Fatalf("identical plans produced different CIDs: %s != %s", c1, c2)
	}
}

func TestCIDDiffersOnDifferentPlans(t *testing.T) {
	named := [][]NamedGpu{
		{{NodeID: "a", LayerCap: 5, ComputeCap: 1}},
	}
	small := Emit(phase1.Result{K: 1, Stages: 1, Pipelines: []phase1.Pipeline{
		{Gpus: []phase1.Gpu{{LayerCap: 5, ComputeCap: 1}}},
	}}, named, 5)

	namedBig := [][]NamedGpu{
		{{NodeID: "b", LayerCap: 8, ComputeCap: 1}},
	}
	big := Emit(phase1.Result{K: 1, Stages: 1, Pipelines: []phase1.Pipeline{
		{Gpus: []phase1.Gpu{{LayerCap: 8, ComputeCap: 1}}},
	}}, namedBig, 8)

	c1, _ := small.CID()
	c2, _ := big.CID()
	if c1.Equals(c2) {
		t.Fatal("expected different plans to produce different CIDs")
	}
}

func nodeName(pipeline, stage int) string {
	letters := "abcdefghijklmnopqrstuvwxyz"
	return string(letters[pipeline]) + string(letters[stage])
}
