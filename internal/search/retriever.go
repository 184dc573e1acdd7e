package search

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/codelens/codelens/internal/embed"
	"github.com/codelens/codelens/internal/graph"
	"github.com/codelens/codelens/internal/learning"
	"github.com/codelens/codelens/internal/store"
)

// LLMReranker scores a batch of candidates against a query, returning one
// score per candidate on a 0-10 relevance scale. Distinct from the
// cross-encoder Reranker: this is an LLM-prompt contract (the same
// client the enrichment pipeline uses), not a dedicated reranking model.
type LLMReranker interface {
	Score(ctx context.Context, query string, candidates []string) ([]int, error)
}

// RetrievalOptions configures one call to Retriever.Retrieve.
type RetrievalOptions struct {
	Limit          int
	UseCase        store.UseCase
	Language       string
	PathPattern    string
	SessionID      string // for refinement detection; empty disables it
	IncludeRepoMap bool
	RepoMapBudget  int // token budget for the prepended repo map
}

// RetrievedItem is one final, boosted, possibly-reranked result.
type RetrievedItem struct {
	Document *store.Document
	Score    float64
}

// RetrievalResult is the full response of a Retrieve call.
type RetrievalResult struct {
	RepoMap string // empty unless IncludeRepoMap was set
	Items   []RetrievedItem
}

// Retriever performs typed hybrid search over the document store, with
// optional LLM reranking, a PageRank-ordered repo-map prepend, and
// learned file-boost application as the final re-sort step. It composes
// with Engine rather than replacing it; Engine remains the
// code-chunk-only fast path, while Retriever is the typed,
// enrichment-aware surface.
type Retriever struct {
	docs     *store.DocumentStore
	embedder embed.Embedder
	graph    *graph.Engine // nil until the first successful indexing pass
	learn    *learning.Layer
	rerank   LLMReranker // nil disables reranking
}

// NewRetriever builds a Retriever. graphEngine and learn may be nil;
// rerank may be nil to disable the LLM reranking stage.
func NewRetriever(docs *store.DocumentStore, embedder embed.Embedder, graphEngine *graph.Engine, learn *learning.Layer, rerank LLMReranker) *Retriever {
	return &Retriever{docs: docs, embedder: embedder, graph: graphEngine, learn: learn, rerank: rerank}
}

// SetGraphEngine swaps in a freshly computed graph.Engine after a reindex,
// so queries read an immutable snapshot.
func (r *Retriever) SetGraphEngine(e *graph.Engine) {
	r.graph = e
}

// Retrieve runs the full retrieval pipeline: embed, typed RRF search,
// optional LLM rerank, repo-map prepend, and learned-boost re-sort.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts RetrievalOptions) (*RetrievalResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	var queryVector []float32
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		queryVector = vec
	}

	fetchLimit := limit
	if r.rerank != nil || r.learn != nil {
		fetchLimit = limit * 3 // overfetch so reranking/boosting has room to reorder
	}

	fused, err := r.docs.SearchDocuments(ctx, query, queryVector, store.DocumentOptions{
		Limit:       fetchLimit,
		UseCase:     opts.UseCase,
		Language:    opts.Language,
		PathPattern: opts.PathPattern,
	})
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}

	items := make([]RetrievedItem, len(fused))
	for i, f := range fused {
		items[i] = RetrievedItem{Document: f.Document, Score: f.Score}
	}

	if r.rerank != nil && len(items) > 0 {
		items = r.applyRerank(ctx, query, items)
	}

	if r.learn != nil {
		paths := make([]string, len(items))
		scores := make([]float64, len(items))
		for i, it := range items {
			paths[i] = it.Document.FilePath
			scores[i] = it.Score
		}
		boosted := r.learn.ApplyBoosts(paths, scores)
		for i := range items {
			items[i].Score = boosted[i]
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > limit {
		items = items[:limit]
	}

	if r.learn != nil && opts.SessionID != "" {
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.Document.ID
		}
		r.learn.RecordQuery(ctx, opts.SessionID, query, ids, time.Now())
	}

	result := &RetrievalResult{Items: items}
	if opts.IncludeRepoMap && r.graph != nil {
		result.RepoMap = r.formatRepoMap(query, opts.RepoMapBudget)
	}
	return result, nil
}

// maxRerankCandidates bounds how many overfetched items go to the LLM
// reranker per query; items past the cap keep their fusion score.
const maxRerankCandidates = 20

// applyRerank blends the LLM reranker's 0-10 score with the original RRF
// score with a 0.3/0.7 combination, defensively clamping the
// reranker's output to [0, 10] before blending. Only the top
// maxRerankCandidates items are sent to the reranker.
func (r *Retriever) applyRerank(ctx context.Context, query string, items []RetrievedItem) []RetrievedItem {
	n := len(items)
	if n > maxRerankCandidates {
		n = maxRerankCandidates
	}
	candidates := make([]string, n)
	for i := 0; i < n; i++ {
		candidates[i] = items[i].Document.Content
	}
	scores, err := r.rerank.Score(ctx, query, candidates)
	if err != nil || len(scores) != n {
		return items
	}
	for i := 0; i < n; i++ {
		s := scores[i]
		if s < 0 {
			s = 0
		}
		if s > 10 {
			s = 10
		}
		items[i].Score = 0.3*items[i].Score + 0.7*(float64(s)/10.0)
	}
	return items
}

// formatRepoMap renders a PageRank-ordered unit listing trimmed to
// budgetTokens (approximated as 4 chars/token, the same estimate the
// chunker and index.ContextGenerator use).
func (r *Retriever) formatRepoMap(query string, budgetTokens int) string {
	if budgetTokens <= 0 {
		budgetTokens = 2000
	}
	units := r.graph.Map(query, budgetTokens)

	var b strings.Builder
	budgetChars := budgetTokens * 4
	for _, u := range units {
		line := u.File + ":" + strconv.Itoa(u.StartLine) + " " + string(u.Kind) + " " + u.Name
		if u.Signature != "" {
			line += " " + u.Signature
		}
		line += "\n"
		if b.Len()+len(line) > budgetChars {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}
