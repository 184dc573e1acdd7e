package graph

import "sort"

// Default PageRank parameters.
const (
	DefaultDamping       = 0.85
	DefaultTolerance     = 1e-6
	DefaultMaxIterations = 100
)

// Graph is a sparse directed reference graph: forward adjacency (u ->
// callees) and reverse adjacency (u -> callers), keyed by stable unit ID.
// Cycles are expected and pose no problem for the iterative algorithm.
type Graph struct {
	nodes   map[string]bool
	forward map[string][]string
	reverse map[string][]string
}

// NewGraph builds a Graph from a resolved, deduplicated edge list. Every
// unit ID mentioned (as source, or as a resolved target) becomes a node;
// dangling (unresolved) edges contribute no node or adjacency entry.
func NewGraph(edges []Edge) *Graph {
	g := &Graph{
		nodes:   make(map[string]bool),
		forward: make(map[string][]string),
		reverse: make(map[string][]string),
	}
	for _, e := range edges {
		g.nodes[e.Source] = true
		if !e.Resolved {
			continue
		}
		g.nodes[e.Target] = true
		g.forward[e.Source] = append(g.forward[e.Source], e.Target)
		g.reverse[e.Target] = append(g.reverse[e.Target], e.Source)
	}
	return g
}

// AddNode ensures an isolated unit (no edges) still participates in rank
// computation.
func (g *Graph) AddNode(id string) {
	g.nodes[id] = true
}

// Callees returns u's direct forward edges.
func (g *Graph) Callees(id string) []string { return g.forward[id] }

// Callers returns all units with a direct edge into id.
func (g *Graph) Callers(id string) []string { return g.reverse[id] }

// Nodes returns every node ID in the graph, sorted for deterministic iteration.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// PageRank computes damped PageRank over g, iterating until the maximum
// per-node delta drops below tol or maxIter passes complete, whichever
// comes first. The returned distribution sums to 1 (up to float error).
func PageRank(g *Graph, damping, tol float64, maxIter int) map[string]float64 {
	nodes := g.Nodes()
	n := len(nodes)
	rank := make(map[string]float64, n)
	if n == 0 {
		return rank
	}
	base := 1.0 / float64(n)
	for _, id := range nodes {
		rank[id] = base
	}

	danglingWeight := (1 - damping) / float64(n)

	for iter := 0; iter < maxIter; iter++ {
		next := make(map[string]float64, n)
		var danglingSum float64
		for _, id := range nodes {
			if len(g.forward[id]) == 0 {
				danglingSum += rank[id]
			}
		}
		redistributed := damping * danglingSum / float64(n)

		for _, id := range nodes {
			next[id] = danglingWeight + redistributed
		}
		for _, id := range nodes {
			outs := g.forward[id]
			if len(outs) == 0 {
				continue
			}
			share := damping * rank[id] / float64(len(outs))
			for _, target := range outs {
				next[target] += share
			}
		}

		maxDelta := 0.0
		for _, id := range nodes {
			d := next[id] - rank[id]
			if d < 0 {
				d = -d
			}
			if d > maxDelta {
				maxDelta = d
			}
		}
		rank = next
		if maxDelta < tol {
			break
		}
	}

	normalize(rank)
	return rank
}

func normalize(rank map[string]float64) {
	var sum float64
	for _, v := range rank {
		sum += v
	}
	if sum == 0 {
		return
	}
	for k, v := range rank {
		rank[k] = v / sum
	}
}

// Snapshot is an immutable, atomically-swappable PageRank result paired
// with the graph it was computed over: one snapshot per indexer process,
// read-only from query paths.
type Snapshot struct {
	Graph *Graph
	Rank  map[string]float64
}

// NewSnapshot computes PageRank with the default parameters.
func NewSnapshot(edges []Edge) *Snapshot {
	g := NewGraph(edges)
	return &Snapshot{
		Graph: g,
		Rank:  PageRank(g, DefaultDamping, DefaultTolerance, DefaultMaxIterations),
	}
}
