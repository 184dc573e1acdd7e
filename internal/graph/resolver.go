package graph

import (
	"strings"

	"github.com/codelens/codelens/internal/units"
)

// Record is the minimal projection of a unit the resolver needs. Kept
// separate from units.Unit so the resolver does not need the full forest in
// memory; callers such as the file tracker can rebuild it from persisted rows.
type Record struct {
	ID   string
	File string
	Name string
}

// Index is the project-wide lookup the resolver matches tokens against.
type Index struct {
	byName      map[string][]Record
	byFile      map[string][]Record
	importPaths map[string][]string // file -> raw import path literals
}

// NewIndex builds an Index from every unit in the project plus each file's
// raw import path literals (recorded only on file-root units).
func NewIndex(all []*units.Unit) *Index {
	idx := &Index{
		byName:      make(map[string][]Record),
		byFile:      make(map[string][]Record),
		importPaths: make(map[string][]string),
	}
	for _, u := range all {
		if u.Kind == units.KindFile {
			if len(u.ImportPaths) > 0 {
				idx.importPaths[u.File] = u.ImportPaths
			}
			continue
		}
		if u.Name == "" {
			continue
		}
		r := Record{ID: u.ID, File: u.File, Name: u.Name}
		idx.byName[u.Name] = append(idx.byName[u.Name], r)
		idx.byFile[u.File] = append(idx.byFile[u.File], r)
	}
	return idx
}

// GlobalCandidates returns every known unit with the given name, project-wide.
func (idx *Index) GlobalCandidates(name string) []Record {
	return idx.byName[name]
}

// Resolver turns a unit's raw reference tokens into edges, in the
// resolution order: local scope, explicit import,
// global name match (PageRank tie-break), unresolved.
type Resolver struct {
	idx  *Index
	rank func(unitID string) float64
}

// NewResolver creates a Resolver. rank may be nil before the first PageRank
// pass completes; in that case global-match ties are broken by unit ID.
func NewResolver(idx *Index, rank func(unitID string) float64) *Resolver {
	if rank == nil {
		rank = func(string) float64 { return 0 }
	}
	return &Resolver{idx: idx, rank: rank}
}

// ResolveUnit resolves every call/extends/implements token of u into edges.
func (r *Resolver) ResolveUnit(u *units.Unit) []Edge {
	var edges []Edge
	for _, name := range u.CallsMade {
		edges = append(edges, r.resolveToken(u, name, EdgeCall))
	}
	for _, name := range u.ExtendsRefs {
		edges = append(edges, r.resolveToken(u, name, EdgeExtends))
	}
	for _, name := range u.ImplementsRefs {
		edges = append(edges, r.resolveToken(u, name, EdgeImplements))
	}
	for _, name := range u.ImportsUsed {
		edges = append(edges, r.resolveToken(u, name, EdgeTypeRef))
	}
	return Dedup(edges)
}

func (r *Resolver) resolveToken(u *units.Unit, token string, kind EdgeKind) Edge {
	if token == "" || token == u.Name {
		return Edge{Source: u.ID, Kind: kind, Resolved: false, TargetName: token}
	}

	// 1. Local scope: same file.
	if local := r.idx.byFile[u.File]; len(local) > 0 {
		for _, rec := range local {
			if rec.Name == token && rec.ID != u.ID {
				return Edge{Source: u.ID, Target: rec.ID, Kind: kind, Resolved: true}
			}
		}
	}

	// 2. Explicitly imported symbols: candidate lives in a file whose path
	// matches one of this file's import path literals.
	candidates := r.idx.byName[token]
	if len(candidates) > 0 {
		if imports, ok := r.idx.importPaths[u.File]; ok {
			for _, rec := range candidates {
				if rec.ID == u.ID {
					continue
				}
				for _, imp := range imports {
					if importMatchesFile(imp, rec.File) {
						return Edge{Source: u.ID, Target: rec.ID, Kind: kind, Resolved: true}
					}
				}
			}
		}
	}

	// 3. Global name match, tie-broken by PageRank (falls back to ID order
	// so resolution stays idempotent before the first rank computation).
	var best *Record
	var bestRank float64
	for i := range candidates {
		rec := candidates[i]
		if rec.ID == u.ID {
			continue
		}
		rk := r.rank(rec.ID)
		if best == nil || rk > bestRank || (rk == bestRank && rec.ID < best.ID) {
			best = &rec
			bestRank = rk
		}
	}
	if best != nil {
		return Edge{Source: u.ID, Target: best.ID, Kind: kind, Resolved: true}
	}

	// 4. Unresolved: dangling edge with a placeholder target name.
	return Edge{Source: u.ID, Kind: kind, Resolved: false, TargetName: token}
}

// importMatchesFile reports whether an import path literal plausibly refers
// to the file at path (matched on trailing path segment or stem, since full
// module-resolution semantics are out of scope).
func importMatchesFile(importPath, file string) bool {
	importPath = strings.TrimSuffix(importPath, "/")
	stem := strings.TrimSuffix(file, pathExt(file))
	base := lastSegment(stem)
	return strings.HasSuffix(importPath, base) || strings.Contains(file, lastSegment(importPath))
}

func pathExt(p string) string {
	if idx := strings.LastIndex(p, "."); idx != -1 {
		return p[idx:]
	}
	return ""
}

func lastSegment(p string) string {
	p = strings.TrimSuffix(p, "/")
	if idx := strings.LastIndexByte(p, '/'); idx != -1 {
		return p[idx+1:]
	}
	return p
}
