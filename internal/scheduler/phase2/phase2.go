// Package phase2 implements the Phase-2 water-filling allocator from
// spec.md §4.5: given a pipeline's ordered GPUs, distribute L model
// layers proportionally to compute capacity, respecting per-GPU layer
// caps, with a deterministic Hamilton/largest-remainder rule for the
// integer leftover.
//
// Grounded on original_source/engine/src/scheduling.rs's water_fill.
package phase2

import "sort"

// Stage is one GPU's (layer_cap, compute_cap) pair within a pipeline, in
// stage order.
type Stage struct {
	LayerCap   int
	ComputeCap int
}

// Allocate computes the per-stage layer allocation for a pipeline. The
// result always sums to modelLayers unless the pipeline's total layer
// capacity cannot fit modelLayers, in which case ok is false and the
// caller (the plan emitter) should omit the pipeline.
func Allocate(stages []Stage, modelLayers int) (alloc []int, ok bool) {
	n := len(stages)
	alloc = make([]int, n)
	if n == 0 || modelLayers <= 0 {
		return alloc, modelLayers == 0
	}

	totalCap := 0
	totalCompute := 0
	for _, s := range stages {
		totalCap += s.LayerCap
		totalCompute += s.ComputeCap
	}
	if totalCap < modelLayers {
		return alloc, false
	}

	if totalCompute == 0 {
		return allocateRoundRobin(stages, modelLayers), true
	}

	lambda := float64(modelLayers) / float64(totalCompute)

	ideal := make([]float64, n)
	for i, s := range stages {
		v := lambda * float64(s.ComputeCap)
		if cap := float64(s.LayerCap); v > cap {
			v = cap
		}
		ideal[i] = v
	}

	for i, v := range ideal {
		alloc[i] = int(v)
	}

	sum := 0
	for _, a := range alloc {
		sum += a
	}
	remaining := modelLayers - sum

	type fracEntry struct {
		idx  int
		frac float64
	}
	fracs := make([]fracEntry, n)
	for i, v := range ideal {
		fracs[i] = fracEntry{idx: i, frac: v - float64(alloc[i])}
	}
	// Sort by fractional remainder descending; stable preserves original
	// stage order among ties, per spec.md §4.5 step 5.
	sort.SliceStable(fracs, func(i, j int) bool {
		return fracs[i].frac > fracs[j].frac
	})

	// A single pass over fracs hands out at most one unit per stage, which
	// undercounts whenever cap-clamping strands more than one unit of
	// ideal mass on a saturated stage: the shortfall has to keep landing
	// on the remaining non-saturated stages, in fracs order, until it's
	// gone.
	for remaining > 0 {
		progressed := false
		for _, fe := range fracs {
			if remaining == 0 {
				break
			}
			if alloc[fe.idx] < stages[fe.idx].LayerCap {
				alloc[fe.idx]++
				remaining--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	return alloc, remaining == 0
}

// allocateRoundRobin handles the F == 0 degenerate case: distribute L by
// ascending stage index, one layer at a time, capped by layer_cap.
func allocateRoundRobin(stages []Stage, modelLayers int) []int {
	alloc := make([]int, len(stages))
	remaining := modelLayers
	for remaining > 0 {
		progressed := false
		for i, s := range stages {
			if remaining == 0 {
				break
			}
			if alloc[i] < s.LayerCap {
				alloc[i]++
				remaining--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return alloc
}
