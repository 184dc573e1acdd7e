package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codelens/codelens/internal/config"
	"github.com/codelens/codelens/internal/embed"
	"github.com/codelens/codelens/internal/enrich"
	"github.com/codelens/codelens/internal/graph"
	"github.com/codelens/codelens/internal/index"
	"github.com/codelens/codelens/internal/learning"
	"github.com/codelens/codelens/internal/output"
	"github.com/codelens/codelens/internal/search"
	"github.com/codelens/codelens/internal/store"
	"github.com/codelens/codelens/internal/tracker"
)

// retrieveOptions holds CLI flags for the typed retriever.
type retrieveOptions struct {
	limit     int
	useCase   string
	language  string
	path      string
	session   string
	repoMap   bool
	repoBudget int
	format    string
}

func newRetrieveCmd() *cobra.Command {
	var opts retrieveOptions

	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Typed retrieval over the enrichment document store",
		Long: `Runs the symbol-graph-aware retriever: typed RRF fusion across code
chunks and LLM-authored documents (file/symbol summaries, idioms, usage
examples, anti-patterns, project docs), optional LLM reranking, a
PageRank-ordered repo map, and adaptive per-file boosts learned from past
feedback (see 'codelens feedback').

Examples:
  codelens retrieve "how does retry backoff work" --use-case search
  codelens retrieve "parseConfig" --use-case navigation --repo-map`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runRetrieve(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVar(&opts.useCase, "use-case", "default", "Type-weight profile: fim, search, navigation, default")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Filter by language")
	cmd.Flags().StringVarP(&opts.path, "path", "p", "", "Filter by path substring")
	cmd.Flags().StringVar(&opts.session, "session", "", "Session ID for refinement-feedback detection")
	cmd.Flags().BoolVar(&opts.repoMap, "repo-map", false, "Prepend a PageRank-ordered repo map")
	cmd.Flags().IntVar(&opts.repoBudget, "repo-map-budget", 2000, "Token budget for the repo map")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

// buildRetriever opens the symbol-graph tracker and document store created
// by 'codelens index' and assembles the retrieval pipeline around them.
func buildRetriever(ctx context.Context, root string, cfg *config.Config, embedder embed.Embedder) (*search.Retriever, *tracker.Tracker, func(), error) {
	dataDir := filepath.Join(root, ".codelens")

	graphTracker, err := tracker.Open(filepath.Join(dataDir, "graph.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open symbol graph tracker (run 'codelens index' first): %w", err)
	}
	cleanup := func() { _ = graphTracker.Close() }

	metadata, err := store.NewSQLiteStore(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("open metadata store: %w", err)
	}
	prevCleanup0 := cleanup
	cleanup = func() {
		_ = metadata.Close()
		prevCleanup0()
	}

	dimensions := embedder.Dimensions()
	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("open BM25 index: %w", err)
	}
	vectorCfg := store.DefaultVectorStoreConfig(dimensions)
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		_ = bm25.Close()
		cleanup()
		return nil, nil, nil, fmt.Errorf("open vector store: %w", err)
	}
	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		_ = vector.Load(vectorPath)
	}
	prevCleanup := cleanup
	cleanup = func() {
		_ = vector.Close()
		_ = bm25.Close()
		prevCleanup()
	}

	docs := store.NewDocumentStore(bm25, vector, dimensions)
	if err := docs.Load(ctx, graphTracker); err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("load document store state: %w", err)
	}

	allUnits, err := graphTracker.AllUnits(ctx)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("load units: %w", err)
	}
	allEdges, err := graphTracker.AllEdges(ctx)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("load edges: %w", err)
	}
	g := graph.NewGraph(allEdges)
	sgc := cfg.SymbolGraph
	damping, tol, maxIter := sgc.Damping, sgc.Tolerance, sgc.MaxIterations
	if damping == 0 {
		damping = graph.DefaultDamping
	}
	if tol == 0 {
		tol = graph.DefaultTolerance
	}
	if maxIter == 0 {
		maxIter = graph.DefaultMaxIterations
	}
	snapshot := &graph.Snapshot{Graph: g, Rank: graph.PageRank(g, damping, tol, maxIter)}
	graphEngine := graph.NewEngine(snapshot, allUnits)

	learn := learning.New()
	learn.SetPathLookup(metadata)
	if err := learn.Load(ctx, graphTracker); err != nil {
		_ = err // cold start is not an error condition worth failing the query over
	}

	var reranker search.LLMReranker
	if sgc.Enrich && !cfg.Contextual.FallbackOnly {
		if gen, genErr := index.NewLLMContextGenerator(index.ContextGeneratorConfig{
			OllamaHost: cfg.Embeddings.OllamaHost,
			Model:      cfg.Contextual.Model,
			Timeout:    cfg.Contextual.Timeout,
			BatchSize:  cfg.Contextual.BatchSize,
		}); genErr == nil && gen.Available(ctx) {
			reranker = &llmRerankAdapter{llm: index.NewOllamaLLMAdapter(gen)}
		}
	}

	return search.NewRetriever(docs, embedder, graphEngine, learn, reranker), graphTracker, cleanup, nil
}

func runRetrieve(ctx context.Context, cmd *cobra.Command, query string, opts retrieveOptions) error {
	out := output.New(cmd.OutOrStdout())

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	retriever, _, cleanup, err := buildRetriever(ctx, root, cfg, embedder)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := retriever.Retrieve(ctx, query, search.RetrievalOptions{
		Limit:          opts.limit,
		UseCase:        store.UseCase(opts.useCase),
		Language:       opts.language,
		PathPattern:    opts.path,
		SessionID:      opts.session,
		IncludeRepoMap: opts.repoMap,
		RepoMapBudget:  opts.repoBudget,
	})
	if err != nil {
		return fmt.Errorf("retrieve failed: %w", err)
	}

	if opts.format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if result.RepoMap != "" {
		out.Statusf("🗺️", "repo map")
		fmt.Fprintln(cmd.OutOrStdout(), result.RepoMap)
	}
	if len(result.Items) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", query))
		return nil
	}
	out.Statusf("🔍", "Found %d results for %q:", len(result.Items), query)
	out.Newline()
	for i, item := range result.Items {
		fmt.Fprintf(cmd.OutOrStdout(), "%d. [%s] %s (score %.4f, id %s)\n", i+1, item.Document.DocumentType, item.Document.FilePath, item.Score, item.Document.ID)
	}
	out.Newline()
	out.Status("", "Use the id values above with 'codelens feedback --accept/--reject' to teach the ranker.")
	return nil
}

// llmRerankAdapter adapts enrich.LLMClient's free-text Generate call to
// search.LLMReranker's 0-10 scored-candidates contract, prompting the
// model once per candidate rather than requiring a dedicated scoring API.
type llmRerankAdapter struct {
	llm enrich.LLMClient
}

func (a *llmRerankAdapter) Score(ctx context.Context, query string, candidates []string) ([]int, error) {
	scores := make([]int, len(candidates))
	for i, c := range candidates {
		prompt := fmt.Sprintf("Rate how relevant this code is to the query %q on a scale of 0-10. Reply with only the number.\n\n%s", query, truncateForRerank(c))
		resp, err := a.llm.Generate(ctx, prompt)
		if err != nil {
			scores[i] = 5 // neutral fallback keeps the blend close to the original RRF score
			continue
		}
		scores[i] = parseRerankScore(resp)
	}
	return scores, nil
}

func truncateForRerank(s string) string {
	const maxLen = 2000
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

func parseRerankScore(resp string) int {
	resp = strings.TrimSpace(resp)
	var n int
	if _, err := fmt.Sscanf(resp, "%d", &n); err != nil {
		return 5
	}
	if n < 0 {
		n = 0
	}
	if n > 10 {
		n = 10
	}
	return n
}

// newFeedbackCmd exposes the learning layer's explicit-feedback collection surface.
func newFeedbackCmd() *cobra.Command {
	var query, accepted, rejected, useCase, docTypes string

	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record explicit feedback on retrieval results",
		Long: `Records which retrieved results were accepted or rejected for a query,
updating the adaptive per-use-case type weights and per-file boosts that
future 'codelens retrieve' calls apply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeedback(cmd.Context(), cmd, query, accepted, rejected, useCase, docTypes)
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "The original query text")
	cmd.Flags().StringVar(&accepted, "accept", "", "Comma-separated accepted result IDs, as returned by 'codelens retrieve' (resolved internally to file paths)")
	cmd.Flags().StringVar(&rejected, "reject", "", "Comma-separated rejected result IDs, as returned by 'codelens retrieve'")
	cmd.Flags().StringVar(&useCase, "use-case", "default", "Use case the query was issued under")
	cmd.Flags().StringVar(&docTypes, "doc-types", "", "Comma-separated resultID=doctype pairs, e.g. c1a2b3=code_chunk,d4e5f6=file_summary (for type-weight updates)")
	_ = cmd.MarkFlagRequired("query")

	return cmd
}

func runFeedback(ctx context.Context, cmd *cobra.Command, query, accepted, rejected, useCase, docTypesArg string) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	dataDir := filepath.Join(root, ".codelens")

	graphTracker, err := tracker.Open(filepath.Join(dataDir, "graph.db"))
	if err != nil {
		return fmt.Errorf("open symbol graph tracker (run 'codelens index' first): %w", err)
	}
	defer func() { _ = graphTracker.Close() }()

	metadata, err := store.NewSQLiteStore(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	learn := learning.New()
	learn.SetPathLookup(metadata)
	if err := learn.Load(ctx, graphTracker); err != nil {
		return fmt.Errorf("load learning state: %w", err)
	}

	docTypes := make(map[string]string)
	for _, pair := range strings.Split(docTypesArg, ",") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			docTypes[kv[0]] = kv[1]
		}
	}

	learn.RecordExplicit(ctx, learning.Feedback{
		Query:       query,
		UseCase:     useCase,
		AcceptedIDs: splitNonEmpty(accepted),
		RejectedIDs: splitNonEmpty(rejected),
		DocTypes:    docTypes,
		Timestamp:   time.Now(),
	})

	if err := learn.Save(ctx, graphTracker); err != nil {
		return fmt.Errorf("save learning state: %w", err)
	}

	out := output.New(cmd.OutOrStdout())
	out.Status("✅", "feedback recorded")
	return nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
