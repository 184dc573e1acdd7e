package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelens/codelens/internal/embed"
	"github.com/codelens/codelens/internal/learning"
	"github.com/codelens/codelens/internal/store"
)

// identityChunkLookup implements learning.ChunkPathLookup, treating every
// ID as already being the file path it resolves to.
type identityChunkLookup struct{}

func (identityChunkLookup) GetChunk(_ context.Context, id string) (*store.Chunk, error) {
	return &store.Chunk{FilePath: id}, nil
}

func newTestDocStore(t *testing.T) *store.DocumentStore {
	t.Helper()
	bm25, err := store.NewSQLiteBM25Index("", store.DefaultBM25Config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm25.Close() })

	vec, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(embed.StaticDimensions))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vec.Close() })

	return store.NewDocumentStore(bm25, vec, embed.StaticDimensions)
}

// fixedScoreReranker returns the same score for every candidate, used to
// verify the 0.3/0.7 blend arithmetic deterministically.
type fixedScoreReranker struct{ score int }

func (f *fixedScoreReranker) Score(_ context.Context, _ string, candidates []string) ([]int, error) {
	out := make([]int, len(candidates))
	for i := range out {
		out[i] = f.score
	}
	return out, nil
}

func TestRetrieveFusesAcrossDocumentTypes(t *testing.T) {
	ds := newTestDocStore(t)
	ctx := context.Background()

	docs := []*store.Document{
		{ID: "c1", Content: "func ParseConfig() error { return nil }", DocumentType: store.DocumentTypeCodeChunk, FilePath: "config.go"},
		{ID: "s1", Content: "ParseConfig reads and validates the YAML config file.", DocumentType: store.DocumentTypeFileSummary, FilePath: "config.go"},
	}
	vectors := [][]float32{make([]float32, embed.StaticDimensions), make([]float32, embed.StaticDimensions)}
	vectors[0][0] = 1
	vectors[1][0] = 0.9
	require.NoError(t, ds.AddDocuments(ctx, docs, vectors))

	embedder := embed.NewStaticEmbedder()
	r := NewRetriever(ds, embedder, nil, nil, nil)

	result, err := r.Retrieve(ctx, "ParseConfig", RetrievalOptions{Limit: 5, UseCase: store.UseCaseSearch})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Items)
	assert.Empty(t, result.RepoMap, "repo map is only populated when IncludeRepoMap is set")
}

func TestApplyRerankBlendsOriginalAndRerankScores(t *testing.T) {
	items := []RetrievedItem{{Document: &store.Document{ID: "a"}, Score: 1.0}}
	r := &Retriever{rerank: &fixedScoreReranker{score: 10}}

	blended := r.applyRerank(context.Background(), "q", items)
	require.Len(t, blended, 1)
	assert.InDelta(t, 0.3*1.0+0.7*1.0, blended[0].Score, 1e-9)
}

func TestApplyRerankClampsOutOfRangeScores(t *testing.T) {
	items := []RetrievedItem{{Document: &store.Document{ID: "a"}, Score: 0.5}}
	r := &Retriever{rerank: &fixedScoreReranker{score: 99}}

	blended := r.applyRerank(context.Background(), "q", items)
	assert.InDelta(t, 0.3*0.5+0.7*1.0, blended[0].Score, 1e-9, "score above 10 must clamp to 10 before blending")
}

// countingReranker records how many candidates each Score call received.
type countingReranker struct{ batch int }

func (c *countingReranker) Score(_ context.Context, _ string, candidates []string) ([]int, error) {
	c.batch = len(candidates)
	return make([]int, len(candidates)), nil
}

func TestApplyRerankCapsCandidateBatch(t *testing.T) {
	items := make([]RetrievedItem, 25)
	for i := range items {
		items[i] = RetrievedItem{Document: &store.Document{ID: fmt.Sprintf("d%d", i)}, Score: 1.0}
	}
	counter := &countingReranker{}
	r := &Retriever{rerank: counter}

	blended := r.applyRerank(context.Background(), "q", items)
	require.Len(t, blended, 25)
	assert.Equal(t, maxRerankCandidates, counter.batch, "reranker batch must be capped")
	// Items past the cap keep their fusion score.
	assert.InDelta(t, 1.0, blended[24].Score, 1e-9)
	// Items inside the cap were blended with a rerank score of 0.
	assert.InDelta(t, 0.3*1.0, blended[0].Score, 1e-9)
}

func TestRetrieveAppliesLearnedFileBoosts(t *testing.T) {
	ds := newTestDocStore(t)
	ctx := context.Background()

	docs := []*store.Document{
		{ID: "c1", Content: "retry with exponential backoff", DocumentType: store.DocumentTypeCodeChunk, FilePath: "retry.go"},
		{ID: "c2", Content: "retry with exponential backoff", DocumentType: store.DocumentTypeCodeChunk, FilePath: "other.go"},
	}
	vectors := [][]float32{make([]float32, embed.StaticDimensions), make([]float32, embed.StaticDimensions)}
	require.NoError(t, ds.AddDocuments(ctx, docs, vectors))

	learn := learning.New()
	// Stand in for the metadata store: resolves each accepted/rejected ID
	// to itself as a file path, as it already is here (see
	// learning.ChunkPathLookup).
	learn.SetPathLookup(identityChunkLookup{})
	for i := 0; i < learning.MinSamplesToTrust; i++ {
		learn.RecordExplicit(ctx, learning.Feedback{
			Query:       "retry backoff",
			AcceptedIDs: []string{"retry.go"},
			RejectedIDs: []string{"other.go"},
			Timestamp:   time.Now(),
		})
	}

	r := NewRetriever(ds, embed.NewStaticEmbedder(), nil, learn, nil)
	result, err := r.Retrieve(ctx, "retry backoff", RetrievalOptions{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, result.Items)
	assert.Equal(t, "retry.go", result.Items[0].Document.FilePath, "the file with accepted feedback should outrank the one with rejections")
}
