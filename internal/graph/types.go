// Package graph resolves code-unit references into a directed edge graph,
// computes PageRank importance over it, and answers the structural queries
// built on top (map, symbol, callers, callees, context, impact, dead-code,
// test-gaps).
package graph

// EdgeKind is the kind of a reference edge.
type EdgeKind string

const (
	EdgeCall       EdgeKind = "call"
	EdgeImport     EdgeKind = "import"
	EdgeTypeRef    EdgeKind = "type-ref"
	EdgeExtends    EdgeKind = "extends"
	EdgeImplements EdgeKind = "implements"
)

// Edge is a directed relation between two code units.
type Edge struct {
	Source string
	Target string
	Kind   EdgeKind

	// Resolved is false when Target could not be matched to a known unit
	// ID; TargetName then holds the unresolved placeholder name.
	Resolved   bool
	TargetName string
}

// key returns the (source, target-or-name, kind) dedup key for an edge.
func (e Edge) key() string {
	target := e.Target
	if !e.Resolved {
		target = "?" + e.TargetName
	}
	return e.Source + "\x00" + target + "\x00" + string(e.Kind)
}

// Dedup removes duplicate edges per (source, target, kind).
func Dedup(edges []Edge) []Edge {
	seen := make(map[string]bool, len(edges))
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		k := e.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}
