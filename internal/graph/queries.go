package graph

import (
	"regexp"
	"sort"
	"strings"

	"github.com/codelens/codelens/internal/units"
)

// UnitMeta is the projection of a code unit the query engine reports.
// Constructed from units.Unit; kept separate so the engine can be rebuilt
// from tracker rows without holding the full forest in memory.
type UnitMeta struct {
	ID         string
	File       string
	Kind       units.Kind
	Name       string
	Signature  string
	StartLine  int
	EndLine    int
	Exported   bool
	Rank       float64
}

// Engine answers the structural symbol-graph queries over a PageRank
// snapshot and a unit-metadata index.
type Engine struct {
	snapshot *Snapshot
	units    map[string]*UnitMeta
	byName   map[string][]*UnitMeta
}

// NewEngine builds an Engine from a snapshot and the full unit list.
func NewEngine(snapshot *Snapshot, all []*units.Unit) *Engine {
	e := &Engine{
		snapshot: snapshot,
		units:    make(map[string]*UnitMeta, len(all)),
		byName:   make(map[string][]*UnitMeta),
	}
	for _, u := range all {
		if u.Kind == units.KindFile {
			continue
		}
		m := &UnitMeta{
			ID:        u.ID,
			File:      u.File,
			Kind:      u.Kind,
			Name:      u.Name,
			Signature: u.Signature,
			StartLine: u.StartLine,
			EndLine:   u.EndLine,
			Exported:  u.Visibility == units.VisibilityPublic || u.Visibility == units.VisibilityExported,
			Rank:      snapshot.Rank[u.ID],
		}
		e.units[u.ID] = m
		e.byName[u.Name] = append(e.byName[u.Name], m)
	}
	return e
}

// Map returns units ordered by rank, optionally filtered by a
// case-insensitive substring match on name or file path, trimmed to an
// approximate token budget (4 chars/token, matching the chunker's estimator).
func (e *Engine) Map(query string, budgetTokens int) []*UnitMeta {
	all := e.allSortedByRank()
	var filtered []*UnitMeta
	q := strings.ToLower(strings.TrimSpace(query))
	for _, u := range all {
		if q != "" && !strings.Contains(strings.ToLower(u.Name), q) && !strings.Contains(strings.ToLower(u.File), q) {
			continue
		}
		filtered = append(filtered, u)
	}
	if budgetTokens <= 0 {
		return filtered
	}
	var out []*UnitMeta
	used := 0
	for _, u := range filtered {
		cost := len(u.Signature)/4 + len(u.Name)/4 + 4
		if used+cost > budgetTokens && len(out) > 0 {
			break
		}
		out = append(out, u)
		used += cost
	}
	return out
}

// Symbol resolves a name to units: exact case-sensitive match first, then
// case-insensitive, then substring; ties within a tier broken by rank.
func (e *Engine) Symbol(name string) []*UnitMeta {
	if exact, ok := e.byName[name]; ok {
		return sortByRank(exact)
	}
	var ci []*UnitMeta
	lower := strings.ToLower(name)
	for n, us := range e.byName {
		if strings.ToLower(n) == lower {
			ci = append(ci, us...)
		}
	}
	if len(ci) > 0 {
		return sortByRank(ci)
	}
	var sub []*UnitMeta
	for n, us := range e.byName {
		if strings.Contains(strings.ToLower(n), lower) {
			sub = append(sub, us...)
		}
	}
	return sortByRank(sub)
}

// Callers returns units with a direct edge into any unit named name.
func (e *Engine) Callers(name string) []*UnitMeta {
	var out []*UnitMeta
	for _, target := range e.Symbol(name) {
		for _, id := range e.snapshot.Graph.Callers(target.ID) {
			if u, ok := e.units[id]; ok {
				out = append(out, u)
			}
		}
	}
	return sortByRank(dedupMeta(out))
}

// Callees returns units directly referenced by any unit named name.
func (e *Engine) Callees(name string) []*UnitMeta {
	var out []*UnitMeta
	for _, src := range e.Symbol(name) {
		for _, id := range e.snapshot.Graph.Callees(src.ID) {
			if u, ok := e.units[id]; ok {
				out = append(out, u)
			}
		}
	}
	return sortByRank(dedupMeta(out))
}

// ContextResult is the unit plus its direct callers and callees.
type ContextResult struct {
	Unit    *UnitMeta
	Callers []*UnitMeta
	Callees []*UnitMeta
}

// Context returns the unit plus direct callers and callees.
func (e *Engine) Context(name string) []*ContextResult {
	var out []*ContextResult
	for _, u := range e.Symbol(name) {
		out = append(out, &ContextResult{
			Unit:    u,
			Callers: e.directCallers(u.ID),
			Callees: e.directCallees(u.ID),
		})
	}
	return out
}

func (e *Engine) directCallers(id string) []*UnitMeta {
	var out []*UnitMeta
	for _, cid := range e.snapshot.Graph.Callers(id) {
		if u, ok := e.units[cid]; ok {
			out = append(out, u)
		}
	}
	return sortByRank(out)
}

func (e *Engine) directCallees(id string) []*UnitMeta {
	var out []*UnitMeta
	for _, cid := range e.snapshot.Graph.Callees(id) {
		if u, ok := e.units[cid]; ok {
			out = append(out, u)
		}
	}
	return sortByRank(out)
}

// DefaultMaxImpactDepth bounds the blast-radius BFS in Impact.
const DefaultMaxImpactDepth = 6

// Impact returns the reverse-reachable set from the unit named name, i.e.
// transitive callers, bounded to maxDepth hops (default 6).
func (e *Engine) Impact(name string, maxDepth int) []*UnitMeta {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxImpactDepth
	}
	targets := e.Symbol(name)
	visited := map[string]int{}
	queue := make([]string, 0, len(targets))
	for _, t := range targets {
		visited[t.ID] = 0
		queue = append(queue, t.ID)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		depth := visited[cur]
		if depth >= maxDepth {
			continue
		}
		for _, caller := range e.snapshot.Graph.Callers(cur) {
			if _, seen := visited[caller]; seen {
				continue
			}
			visited[caller] = depth + 1
			queue = append(queue, caller)
		}
	}

	var out []*UnitMeta
	for id, depth := range visited {
		if depth == 0 {
			continue // exclude the target itself
		}
		if u, ok := e.units[id]; ok {
			out = append(out, u)
		}
	}
	return sortByRank(out)
}

var entryPointNameRe = regexp.MustCompile(`(?i)^(main|init)$`)

func isEntryPoint(u *UnitMeta) bool {
	if entryPointNameRe.MatchString(u.Name) {
		return true
	}
	return strings.Contains(u.File, "cmd/") || strings.HasSuffix(u.File, "main.go")
}

// DeadCode returns units with in-degree 0 whose rank is below the 20th
// percentile, excluding heuristic entry points.
func (e *Engine) DeadCode() []*UnitMeta {
	threshold := e.percentileRank(0.20)
	var out []*UnitMeta
	for _, u := range e.units {
		if isEntryPoint(u) {
			continue
		}
		if len(e.snapshot.Graph.Callers(u.ID)) > 0 {
			continue
		}
		if u.Rank <= threshold {
			out = append(out, u)
		}
	}
	return sortByRank(out)
}

var testPathRe = regexp.MustCompile(`(?i)test|spec|/tests/|/__tests__/`)

// TestGaps returns top-20%-rank units whose caller set contains no file
// matching test heuristics.
func (e *Engine) TestGaps() []*UnitMeta {
	threshold := e.percentileRank(0.80)
	var out []*UnitMeta
	for _, u := range e.units {
		if u.Rank < threshold {
			continue
		}
		covered := false
		for _, cid := range e.snapshot.Graph.Callers(u.ID) {
			caller, ok := e.units[cid]
			if ok && testPathRe.MatchString(caller.File) {
				covered = true
				break
			}
		}
		if testPathRe.MatchString(u.File) {
			covered = true
		}
		if !covered {
			out = append(out, u)
		}
	}
	return sortByRank(out)
}

// percentileRank returns the rank value at the given percentile (0-1) of
// the current rank distribution.
func (e *Engine) percentileRank(p float64) float64 {
	if len(e.units) == 0 {
		return 0
	}
	ranks := make([]float64, 0, len(e.units))
	for _, u := range e.units {
		ranks = append(ranks, u.Rank)
	}
	sort.Float64s(ranks)
	idx := int(float64(len(ranks)-1) * p)
	return ranks[idx]
}

func (e *Engine) allSortedByRank() []*UnitMeta {
	all := make([]*UnitMeta, 0, len(e.units))
	for _, u := range e.units {
		all = append(all, u)
	}
	return sortByRank(all)
}

func sortByRank(in []*UnitMeta) []*UnitMeta {
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].Rank != in[j].Rank {
			return in[i].Rank > in[j].Rank
		}
		return in[i].ID < in[j].ID
	})
	return in
}

func dedupMeta(in []*UnitMeta) []*UnitMeta {
	seen := map[string]bool{}
	out := in[:0]
	for _, u := range in {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		out = append(out, u)
	}
	return out
}
