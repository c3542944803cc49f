// Package phase1 implements the pipeline-formation search described in
// spec.md §4.4: a memoized DP over GPU-to-pipeline assignment that picks a
// replication count k and, for that k, the assignment minimizing the total
// number of pipeline stages.
//
// Grounded on original_source/engine/src/scheduling.rs (phase1_naive, dfs,
// solve_for_k, reconstruct), generalized to the memoized back-pointer
// formulation spec.md §4.4/§9 requires.
package phase1

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Gpu is one scheduling unit: a GPU's layer capacity and relative compute
// weight.
type Gpu struct {
	LayerCap   int
	ComputeCap int
}

// Params are the scalars that drive the k-selection objective:
// Z(k) = k^Alpha / (TComp + (s*(k)/k) * RRTT).
type Params struct {
	Alpha float64
	TComp float64
	RRTT  float64
}

// decisionKind tags the three DP transitions evaluated at each GPU.
type decisionKind int

const (
	decisionSkip decisionKind = iota
	decisionExtend
	decisionStartNew
)

// step is the recorded decision for one GPU in sorted order.
type step struct {
	kind      decisionKind
	extendIdx int // meaningful only when kind == decisionExtend
}

// Pipeline is an ordered list of GPUs (stage order) assigned to one
// replication.
type Pipeline struct {
	Gpus []Gpu
}

// Result is the Phase-1 outcome: the selected replication count, the
// minimal stage count for it, the winning score, and one pipeline per
// replication with GPUs in stage order.
type Result struct {
	K         int
	Stages    int
	Score     float64
	Pipelines []Pipeline
}

// infeasible is a large finite sentinel standing in for +infinity so it
// remains comparable and arithmetic on it never overflows.
const infeasible = math.MaxInt / 4

// Solve runs the full Phase-1 procedure: sort GPUs, compute kMax, search
// every feasible k, score candidates, and reconstruct the winning k's
// pipelines. Returns a zero-value Result (K == 0, no pipelines) when no k
// is feasible, per spec.md §4.4's failure semantics.
func Solve(gpus []Gpu, modelLayers int, p Params) Result {
	n := len(gpus)
	if n == 0 || modelLayers <= 0 {
		return Result{}
	}

	sorted := make([]Gpu, n)
	copy(sorted, gpus)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LayerCap > sorted[j].LayerCap
	})

	totalCap := 0
	for _, g := range sorted {
		totalCap += g.LayerCap
	}
	kMax := n
	if c := totalCap / modelLayers; c < kMax {
		kMax = c
	}
	if kMax <= 0 {
		return Result{}
	}

	bestK := 0
	bestScore := math.Inf(-1)
	var bestTrace []step

	for k := 1; k <= kMax; k++ {
		sStar, trace := solveForK(sorted, modelLayers, k)
		if sStar >= infeasible {
			continue
		}
		z := math.Pow(float64(k), p.Alpha) / (p.TComp + (float64(sStar)/float64(k))*p.RRTT)
		// Ties broken by larger k: ascending iteration + >= keeps the
		// last (largest) k among equal scores.
		if bestK == 0 || z >= bestScore {
			bestK = k
			bestScore = z
			bestTrace = trace
		}
	}

	if bestK == 0 {
		return Result{}
	}

	stages := 0
	for _, st := range bestTrace {
		if st.kind != decisionSkip {
			stages++
		}
	}

	return Result{
		K:         bestK,
		Stages:    stages,
		Score:     bestScore,
		Pipelines: reconstruct(bestTrace, sorted, modelLayers),
	}
}

// dpState is the transient (r, f) pair: r is the sorted multiset of
// residual layer counts for partial pipelines, f is the count of fully
// assigned pipelines.
type dpState struct {
	r []int
	f int
}

func (s dpState) key(i int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%d|", i, s.f)
	for _, v := range s.r {
		fmt.Fprintf(&b, "%d,", v)
	}
	return b.String()
}

// normalize returns a sorted copy of r (non-decreasing), the canonical
// memo-key form spec.md §9 requires.
func normalize(r []int) []int {
	out := make([]int, len(r))
	copy(out, r)
	sort.Ints(out)
	return out
}

type memoEntry struct {
	value    int
	decision step
}

// solveForK runs the memoized DP for one target replication count k and
// returns the minimal stage count s*(k) plus the back-pointer trace
// (one step per GPU in sorted order) that achieves it.
func solveForK(gpus []Gpu, modelLayers, k int) (int, []step) {
	memo := make(map[string]memoEntry)
	n := len(gpus)

	var dp func(i int, st dpState) int
	dp = func(i int, st dpState) int {
		if i == n {
			if st.f == k {
				return 0
			}
			return infeasible
		}

		key := st.key(i)
		if e, ok := memo[key]; ok {
			return e.value
		}

		ci := gpus[i].LayerCap
		best := infeasible
		bestStep := step{kind: decisionSkip}

		// 1. Skip.
		if v := dp(i+1, st); v < best {
			best = v
			bestStep = step{kind: decisionSkip}
		}

		// 2. Extend(j) for each partial pipeline j, in ascending order.
		for j := range st.r {
			next := dpState{r: make([]int, len(st.r)), f: st.f}
			copy(next.r, st.r)
			rj := next.r[j] - ci
			if rj < 0 {
				rj = 0
			}
			if rj == 0 {
				next.r = append(next.r[:j], next.r[j+1:]...)
				next.f++
			} else {
				next.r[j] = rj
			}
			next.r = normalize(next.r)

			if v := 1 + dp(i+1, next); v < best {
				best = v
				bestStep = step{kind: decisionExtend, extendIdx: j}
			}
		}

		// 3. StartNew, only if it would not exceed k active pipelines.
		if st.f+len(st.r) < k {
			next := dpState{r: make([]int, len(st.r)), f: st.f}
			copy(next.r, st.r)
			residual := modelLayers - ci
			if residual <= 0 {
				next.f++
			} else {
				next.r = append(next.r, residual)
				next.r = normalize(next.r)
			}

			if v := 1 + dp(i+1, next); v < best {
				best = v
				bestStep = step{kind: decisionStartNew}
			}
		}

		memo[key] = memoEntry{value: best, decision: bestStep}
		return best
	}

	sStar := dp(0, dpState{})
	if sStar >= infeasible {
		return infeasible, nil
	}

	// Replay the winning decision at every visited state to recover the
	// trace, re-deriving each successor state exactly as the search did.
	trace := make([]step, 0, n)
	cur := dpState{}
	for i := 0; i < n; i++ {
		e, ok := memo[cur.key(i)]
		if !ok {
			// Unreachable for a consistent memo built above, but fall
			// back to Skip rather than panicking on a malformed replay.
			trace = append(trace, step{kind: decisionSkip})
			continue
		}
		trace = append(trace, e.decision)
		cur = applyStep(cur, e.decision, gpus[i].LayerCap, modelLayers)
	}
	return sStar, trace
}

// applyStep derives the successor dpState for a recorded decision,
// mirroring the transition rules used inside dp.
func applyStep(st dpState, s step, ci, modelLayers int) dpState {
	switch s.kind {
	case decisionSkip:
		return st
	case decisionExtend:
		next := dpState{r: make([]int, len(st.r)), f: st.f}
		copy(next.r, st.r)
		rj := next.r[s.extendIdx] - ci
		if rj < 0 {
			rj = 0
		}
		if rj == 0 {
			next.r = append(next.r[:s.extendIdx], next.r[s.extendIdx+1:]...)
			next.f++
		} else {
			next.r[s.extendIdx] = rj
		}
		next.r = normalize(next.r)
		return next
	case decisionStartNew:
		next := dpState{r: make([]int, len(st.r)), f: st.f}
		copy(next.r, st.r)
		residual := modelLayers - ci
		if residual <= 0 {
			next.f++
		} else {
			next.r = append(next.r, residual)
			next.r = normalize(next.r)
		}
		return next
	}
	return st
}

// activePipeline tracks a partially-assigned pipeline during
// reconstruction: the GPU indices assigned so far (stage order) and the
// remaining layer residual.
type activePipeline struct {
	gpuIdxs  []int
	residual int
}

// reconstruct replays a Phase-1 trace into the ordered GPU-per-pipeline
// assignment, following spec.md §4.4's reconstruction rule: Extend(j)
// indexes into the active-pipeline list as it stood at decision time,
// and a pipeline is removed from that list the moment its residual
// reaches zero.
func reconstruct(trace []step, gpus []Gpu, modelLayers int) []Pipeline {
	var all []*activePipeline
	// active is kept sorted ascending by residual at all times, mirroring
	// normalize()'s sort order: Extend(j) replays against the DP's sorted
	// multiset index, not insertion order, so the two must stay in lockstep
	// (spec.md §9: "reconstruction must replay using exactly the same
	// normalization rule the search used; otherwise pipeline identity
	// drifts").
	var active []*activePipeline

	insertSorted := func(p *activePipeline) {
		idx := sort.Search(len(active), func(i int) bool { return active[i].residual >= p.residual })
		active = append(active, nil)
		copy(active[idx+1:], active[idx:])
		active[idx] = p
	}

	for i, s := range trace {
		ci := gpus[i].LayerCap
		switch s.kind {
		case decisionSkip:
			// no-op

		case decisionStartNew:
			p := &activePipeline{gpuIdxs: []int{i}, residual: modelLayers - ci}
			all = append(all, p)
			if p.residual > 0 {
				insertSorted(p)
			}

		case decisionExtend:
			if s.extendIdx >= len(active) {
				continue
			}
			p := active[s.extendIdx]
			active = append(active[:s.extendIdx], active[s.extendIdx+1:]...)
			p.gpuIdxs = append(p.gpuIdxs, i)
			p.residual -= ci
			if p.residual > 0 {
				insertSorted(p)
			}
		}
	}

	pipelines := make([]Pipeline, 0, len(all))
	for _, p := range all {
		pl := Pipeline{Gpus: make([]Gpu, len(p.gpuIdxs))}
		for j, idx := range p.gpuIdxs {
			pl.Gpus[j] = gpus[idx]
		}
		pipelines = append(pipelines, pl)
	}
	return pipelines
}
