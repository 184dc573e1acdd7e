package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/codelens/codelens/internal/chunk"
	"github.com/codelens/codelens/internal/config"
	"github.com/codelens/codelens/internal/embed"
	"github.com/codelens/codelens/internal/enrich"
	"github.com/codelens/codelens/internal/graph"
	"github.com/codelens/codelens/internal/scanner"
	"github.com/codelens/codelens/internal/store"
	"github.com/codelens/codelens/internal/tracker"
	"github.com/codelens/codelens/internal/units"
)

// SymbolGraphDeps are the dependencies the symbol-graph pipeline needs on
// top of the chunking/embedding Runner already provides.
type SymbolGraphDeps struct {
	Tracker  *tracker.Tracker
	Docs     *store.DocumentStore
	Embedder embed.Embedder
	LLM      enrich.LLMClient // nil disables the enrichment stage (enrich.Enabled still extracts units/edges)
	Config   config.SymbolGraphConfig
}

// SymbolGraphPipeline drives unit extraction -> reference resolution ->
// tracker persistence -> PageRank -> enrichment -> embedding -> document
// store over a file set,
// per spec 4.10 steps 4b-6. It is the bottom-up enrichment half of the
// indexer orchestrator that the chunk-only Runner does not cover.
type SymbolGraphPipeline struct {
	deps     SymbolGraphDeps
	parser   *chunk.Parser
	extract  *units.Extractor
	registry *chunk.LanguageRegistry

	// snapshot is the immutable rank/query view swapped in atomically at
	// the end of Run, per spec 5's "PageRank state ... swapped atomically".
	snapshot *graph.Snapshot
	engine   *graph.Engine
}

// NewSymbolGraphPipeline builds a pipeline sharing the default language
// registry with the chunker so unit extraction sees the same grammars.
func NewSymbolGraphPipeline(deps SymbolGraphDeps) *SymbolGraphPipeline {
	registry := chunk.DefaultRegistry()
	return &SymbolGraphPipeline{
		deps:     deps,
		parser:   chunk.NewParserWithRegistry(registry),
		extract:  units.NewExtractorWithRegistry(registry),
		registry: registry,
	}
}

// Close releases the tree-sitter parser.
func (p *SymbolGraphPipeline) Close() {
	if p.parser != nil {
		p.parser.Close()
	}
}

// Engine returns the last-computed query engine (nil before the first Run).
// Callers read it only after Run returns; it is never mutated afterwards,
// matching spec 5's "queries read an immutable snapshot" guarantee.
func (p *SymbolGraphPipeline) Engine() *graph.Engine {
	return p.engine
}

// fileUnitResult is one file's extraction outcome, produced concurrently
// in Run's per-file worker loop and merged sequentially afterwards so
// persistence ordering stays deterministic.
type fileUnitResult struct {
	path        string
	contentHash string
	root        *units.Unit
	flat        []*units.Unit
	skipped     bool
}

// Run executes steps 3-6 of spec 4.10 over files. It is called by the
// Runner once chunking has produced the file list; files already
// up-to-date in the tracker (same content hash and model key) are
// skipped, so an unchanged file never produces new writes.
func (p *SymbolGraphPipeline) Run(ctx context.Context, files []*scanner.FileInfo, modelKey string) error {
	if !p.deps.Config.Enabled {
		return nil
	}
	if p.deps.Tracker == nil || p.deps.Docs == nil {
		return fmt.Errorf("symbol graph: tracker and document store are required")
	}

	results := make([]*fileUnitResult, 0, len(files))
	for _, f := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		content, err := os.ReadFile(f.AbsPath)
		if err != nil {
			slog.Warn("symbolgraph_read_failed", slog.String("file", f.Path), slog.String("error", err.Error()))
			continue
		}
		hash := hashString(string(content))

		needs, err := p.deps.Tracker.NeedsReindex(ctx, f.Path, hash, modelKey)
		if err != nil {
			slog.Warn("symbolgraph_tracker_check_failed", slog.String("file", f.Path), slog.String("error", err.Error()))
			needs = true
		}
		if !needs {
			results = append(results, &fileUnitResult{path: f.Path, contentHash: hash, skipped: true})
			continue
		}

		lang, ok := p.registry.GetByName(f.Language)
		var root *units.Unit
		if ok {
			tree, perr := p.parser.Parse(ctx, content, lang.Name)
			if perr != nil {
				slog.Warn("symbolgraph_parse_failed", slog.String("file", f.Path), slog.String("error", perr.Error()))
				root = fallbackFileUnit(f.Path, f.Language, content)
			} else {
				root = p.extract.Extract(tree, content, f.Path)
			}
		} else {
			// Unsupported language falls back to a single
			// file-level unit rather than aborting the file (spec 4.1).
			root = fallbackFileUnit(f.Path, f.Language, content)
		}

		results = append(results, &fileUnitResult{
			path:        f.Path,
			contentHash: hash,
			root:        root,
			flat:        root.Flatten(),
		})
	}

	// Step 4c: delete prior documents/units for every changed file before
	// writing new ones, so file-granular atomicity (spec 3's global
	// invariant) holds even if the run is interrupted mid-way.
	for _, r := range results {
		if r.skipped {
			continue
		}
		if err := p.deps.Docs.DeleteByFile(ctx, r.path); err != nil {
			slog.Warn("symbolgraph_delete_docs_failed", slog.String("file", r.path), slog.String("error", err.Error()))
		}
	}

	// Build the project-wide unit index across every changed file plus
	// whatever is already tracked, for the reference resolver's global-name resolution tier.
	allKnownUnits, err := p.deps.Tracker.AllUnits(ctx)
	if err != nil {
		return fmt.Errorf("load known units: %w", err)
	}
	changedByPath := make(map[string][]*units.Unit, len(results))
	for _, r := range results {
		if r.skipped {
			continue
		}
		changedByPath[r.path] = r.flat
	}
	merged := mergeUnits(allKnownUnits, changedByPath)
	unitIndex := graph.NewIndex(merged)

	// First pass: resolve per-file edges using the rank from the last
	// completed run (stale but monotone improving across runs); unresolved
	// callees are retained as dangling edges per spec 3.
	rankFn := p.currentRank()
	resolver := graph.NewResolver(unitIndex, rankFn)

	for _, r := range results {
		if r.skipped {
			continue
		}
		var edges []graph.Edge
		for _, u := range r.flat {
			edges = append(edges, resolver.ResolveUnit(u)...)
		}
		edges = graph.Dedup(edges)
		if err := p.deps.Tracker.Record(ctx, r.path, r.contentHash, modelKey, r.flat, edges); err != nil {
			return fmt.Errorf("record %s: %w", r.path, err)
		}
	}

	// Step 5: second edge-resolution pass over every tracked unit now
	// that all targets are known, converting dangling callees into edges.
	if _, err := p.deps.Tracker.ResolveDangling(ctx, unitIndex, rankFn); err != nil {
		slog.Warn("symbolgraph_resolve_dangling_failed", slog.String("error", err.Error()))
	}

	// Step 6: recompute PageRank over the full graph and swap the
	// query snapshot atomically.
	allEdges, err := p.deps.Tracker.AllEdges(ctx)
	if err != nil {
		return fmt.Errorf("load edges: %w", err)
	}
	allUnits, err := p.deps.Tracker.AllUnits(ctx)
	if err != nil {
		return fmt.Errorf("load units: %w", err)
	}
	g := graph.NewGraph(allEdges)
	damping, tol, maxIter := p.deps.Config.Damping, p.deps.Config.Tolerance, p.deps.Config.MaxIterations
	if damping == 0 {
		damping = graph.DefaultDamping
	}
	if tol == 0 {
		tol = graph.DefaultTolerance
	}
	if maxIter == 0 {
		maxIter = graph.DefaultMaxIterations
	}
	p.snapshot = &graph.Snapshot{Graph: g, Rank: graph.PageRank(g, damping, tol, maxIter)}
	p.engine = graph.NewEngine(p.snapshot, allUnits)

	// Stage 4d/4e: enrichment + embedding, bottom-up per changed file.
	if p.deps.Config.Enrich && p.deps.LLM != nil {
		if err := p.enrichAndEmbed(ctx, results, modelKey); err != nil {
			slog.Warn("symbolgraph_enrich_failed", slog.String("error", err.Error()))
		}
	}

	return nil
}

// currentRank returns a lookup into the last-swapped snapshot, or a
// constant zero function before the first run (the reference resolver's tie-break degrades
// gracefully to first-match on a cold index).
func (p *SymbolGraphPipeline) currentRank() func(string) float64 {
	if p.snapshot == nil {
		return func(string) float64 { return 0 }
	}
	return func(id string) float64 { return p.snapshot.Rank[id] }
}

// enrichAndEmbed runs the enrichment pipeline's extractor DAG over each changed file's unit
// forest, embeds the resulting documents, and persists them to the document store.
func (p *SymbolGraphPipeline) enrichAndEmbed(ctx context.Context, results []*fileUnitResult, modelKey string) error {
	pipeline := enrich.NewPipeline(p.deps.LLM)
	existing := func(store.DocumentType, string, string) bool { return false } // tracker resets docs per-file already

	for _, r := range results {
		if r.skipped || r.root == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ec := enrich.ExtractionContext{
			FilePath:    r.path,
			ContentHash: r.contentHash,
			Root:        r.root,
			AllUnits:    units.BottomUp(r.root),
			Existing:    existing,
		}
		docs, errs := pipeline.Run(ctx, ec)
		for _, fe := range errs {
			slog.Warn("enrich_extractor_failed",
				slog.String("type", string(fe.DocumentType)),
				slog.String("file", fe.FilePath),
				slog.String("error", fe.Err.Error()))
		}
		if len(docs) == 0 {
			continue
		}

		texts := make([]string, len(docs))
		for i, d := range docs {
			texts[i] = d.Content
		}
		vectors, err := p.deps.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			slog.Warn("symbolgraph_embed_failed", slog.String("file", r.path), slog.String("error", err.Error()))
			continue
		}
		if err := p.deps.Docs.AddDocuments(ctx, docs, vectors); err != nil {
			if _, ok := err.(store.ErrDimensionMismatch); ok {
				if rerr := p.deps.Docs.Reset(ctx, p.deps.Embedder.Dimensions()); rerr != nil {
					return fmt.Errorf("reset document store: %w", rerr)
				}
				if terr := p.deps.Tracker.ResetForDimensionChange(ctx, modelKey); terr != nil {
					return fmt.Errorf("reset tracker for dimension change: %w", terr)
				}
				continue
			}
			slog.Warn("symbolgraph_add_documents_failed", slog.String("file", r.path), slog.String("error", err.Error()))
		}
	}
	return nil
}

// fallbackFileUnit builds a single file-level unit when no grammar is
// available, matching the parser registry's "mark unsupported, fall back" contract.
func fallbackFileUnit(path, lang string, content []byte) *units.Unit {
	return &units.Unit{
		ID:      units.NewID(path, units.KindFile, path, 0, uint32(len(content))),
		File:    path,
		Lang:    lang,
		Kind:    units.KindFile,
		Name:    filepath.Base(path),
		EndLine: countLines(content),
		Content: string(content),
	}
}

func countLines(b []byte) int {
	n := 1
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

// mergeUnits overlays changedByPath onto the previously tracked unit set,
// so unchanged files still contribute candidates to the reference resolver's global-name tier.
func mergeUnits(known []*units.Unit, changedByPath map[string][]*units.Unit) []*units.Unit {
	byPath := make(map[string][]*units.Unit)
	for _, u := range known {
		byPath[u.File] = append(byPath[u.File], u)
	}
	for path, flat := range changedByPath {
		byPath[path] = flat
	}
	out := make([]*units.Unit, 0, len(known)+len(changedByPath)*4)
	for _, flat := range byPath {
		out = append(out, flat...)
	}
	return out
}

// OllamaLLMAdapter adapts the existing LLMContextGenerator (index.go's
// contextual-retrieval client) to enrich.LLMClient, so the enrichment
// pipeline reuses the same Ollama wire call instead of a second client.
type OllamaLLMAdapter struct {
	gen *LLMContextGenerator
}

// NewOllamaLLMAdapter wraps gen for use as the enrichment pipeline's LLM client.
func NewOllamaLLMAdapter(gen *LLMContextGenerator) *OllamaLLMAdapter {
	return &OllamaLLMAdapter{gen: gen}
}

// Generate implements enrich.LLMClient.
func (a *OllamaLLMAdapter) Generate(ctx context.Context, prompt string) (string, error) {
	return a.gen.generate(ctx, prompt)
}

// Available implements enrich.LLMClient.
func (a *OllamaLLMAdapter) Available(ctx context.Context) bool {
	return a.gen.Available(ctx)
}
