package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDocumentStore(t *testing.T) *DocumentStore {
	t.Helper()
	bm25, err := NewSQLiteBM25Index("", DefaultBM25Config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm25.Close() })

	vec, err := NewHNSWStore(DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vec.Close() })

	return NewDocumentStore(bm25, vec, 4)
}

func TestAddAndSearchDocumentsAcrossTypes(t *testing.T) {
	ctx := context.Background()
	ds := newTestDocumentStore(t)

	docs := []*Document{
		{ID: "c1", Content: "func Parse reads tokens", DocumentType: DocumentTypeCodeChunk, FilePath: "a.go"},
		{ID: "s1", Content: "Parse summary: reads tokens into an AST", DocumentType: DocumentTypeFileSummary, FilePath: "a.go"},
	}
	vectors := [][]float32{{1, 0, 0, 0}, {0.9, 0.1, 0, 0}}
	require.NoError(t, ds.AddDocuments(ctx, docs, vectors))

	results, err := ds.SearchDocuments(ctx, "parse tokens", []float32{1, 0, 0, 0}, DocumentOptions{UseCase: UseCaseSearch, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	seen := map[string]bool{}
	for _, r := range results {
		seen[r.Document.ID] = true
	}
	assert.True(t, seen["c1"] || seen["s1"])
}

func TestDeleteByFileRemovesAllItsDocuments(t *testing.T) {
	ctx := context.Background()
	ds := newTestDocumentStore(t)

	docs := []*Document{
		{ID: "c1", Content: "alpha", DocumentType: DocumentTypeCodeChunk, FilePath: "a.go"},
		{ID: "s1", Content: "alpha summary", DocumentType: DocumentTypeFileSummary, FilePath: "a.go"},
		{ID: "c2", Content: "beta", DocumentType: DocumentTypeCodeChunk, FilePath: "b.go"},
	}
	vectors := [][]float32{{1, 0, 0, 0}, {1, 0, 0, 0}, {0, 1, 0, 0}}
	require.NoError(t, ds.AddDocuments(ctx, docs, vectors))

	require.NoError(t, ds.DeleteByFile(ctx, "a.go"))

	results, err := ds.SearchDocuments(ctx, "alpha beta", []float32{0.5, 0.5, 0, 0}, DocumentOptions{Limit: 10})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a.go", r.Document.FilePath)
	}
}

func TestDeleteByDocumentType(t *testing.T) {
	ctx := context.Background()
	ds := newTestDocumentStore(t)

	docs := []*Document{
		{ID: "c1", Content: "alpha", DocumentType: DocumentTypeCodeChunk, FilePath: "a.go"},
		{ID: "s1", Content: "alpha summary", DocumentType: DocumentTypeFileSummary, FilePath: "a.go"},
	}
	vectors := [][]float32{{1, 0, 0, 0}, {1, 0, 0, 0}}
	require.NoError(t, ds.AddDocuments(ctx, docs, vectors))

	require.NoError(t, ds.DeleteByDocumentType(ctx, DocumentTypeFileSummary))

	results, err := ds.SearchDocuments(ctx, "alpha", []float32{1, 0, 0, 0}, DocumentOptions{Limit: 10})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, DocumentTypeFileSummary, r.Document.DocumentType)
	}
}

// TestSearchDocumentsFusionUsesOneIndexedRanks pins the RRF denominator:
// a document at the top of the vector list scores w_v·w_t/(60+1+1), not
// w_v·w_t/(60+0+1).
func TestSearchDocumentsFusionUsesOneIndexedRanks(t *testing.T) {
	ctx := context.Background()
	ds := newTestDocumentStore(t)

	docs := []*Document{
		{ID: "c1", Content: "alpha", DocumentType: DocumentTypeCodeChunk, FilePath: "a.go"},
	}
	require.NoError(t, ds.AddDocuments(ctx, docs, [][]float32{{1, 0, 0, 0}}))

	// Vector-only query: c1 is the sole vector hit, rank 1.
	results, err := ds.SearchDocuments(ctx, "", []float32{1, 0, 0, 0}, DocumentOptions{
		UseCase: UseCaseSearch,
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	wt := DefaultTypeWeights(UseCaseSearch)[DocumentTypeCodeChunk]
	want := DefaultVectorWeight * wt / float64(60+1+1)
	assert.InDelta(t, want, results[0].Score, 1e-9)
}

func TestAddDocumentsDetectsDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	ds := newTestDocumentStore(t)

	docs := []*Document{{ID: "c1", Content: "alpha", FilePath: "a.go"}}
	require.NoError(t, ds.AddDocuments(ctx, docs, [][]float32{{1, 0, 0, 0}}))

	bad := []*Document{{ID: "c2", Content: "beta", FilePath: "b.go"}}
	err := ds.AddDocuments(ctx, bad, [][]float32{{1, 0, 0}})
	require.Error(t, err)
	var mismatch ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 4, mismatch.Expected)
	assert.Equal(t, 3, mismatch.Got)
}

func TestEscapeFilterValueNeutralizesSpecialChars(t *testing.T) {
	got := EscapeFilterValue(`it's a \wild* card%`)
	assert.Equal(t, `it\'s a \\wild\* card\%`, got)
}

// fakeMetadataPersister stands in for *tracker.Tracker's key-value metadata
// table, the same way learning.Layer's own tests avoid standing up SQLite.
type fakeMetadataPersister struct{ values map[string]string }

func newFakeMetadataPersister() *fakeMetadataPersister {
	return &fakeMetadataPersister{values: make(map[string]string)}
}

func (f *fakeMetadataPersister) GetMetadata(_ context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeMetadataPersister) SetMetadata(_ context.Context, key, value string) error {
	f.values[key] = value
	return nil
}

func TestDocumentStoreSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	ds := newTestDocumentStore(t)

	docs := []*Document{
		{ID: "c1", Content: "alpha", DocumentType: DocumentTypeCodeChunk, FilePath: "a.go"},
		{ID: "s1", Content: "alpha summary", DocumentType: DocumentTypeFileSummary, FilePath: "a.go"},
	}
	vectors := [][]float32{{1, 0, 0, 0}, {1, 0, 0, 0}}
	require.NoError(t, ds.AddDocuments(ctx, docs, vectors))

	persister := newFakeMetadataPersister()
	require.NoError(t, ds.Save(ctx, persister))

	restored := NewDocumentStore(nil, nil, 4)
	require.NoError(t, restored.Load(ctx, persister))

	results, err := restored.SearchDocuments(ctx, "", nil, DocumentOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results, "no query text/vector means no hits, but the document map must still be populated")
	assert.Len(t, restored.docs, 2)
	assert.Len(t, restored.byFile["a.go"], 2)
}

func TestDocumentStoreLoadWithNoPriorStateIsNoop(t *testing.T) {
	ctx := context.Background()
	ds := newTestDocumentStore(t)
	require.NoError(t, ds.Load(ctx, newFakeMetadataPersister()))
	assert.Empty(t, ds.docs)
}

func TestRegisterMetadataResolvesIDsWithoutReindexing(t *testing.T) {
	ctx := context.Background()
	ds := newTestDocumentStore(t)

	// Simulate the chunk pipeline's raw fast path: IDs already indexed into
	// BM25/vector directly, bypassing AddDocuments.
	raw := []*Document{{ID: "c1", Content: "alpha"}}
	require.NoError(t, ds.bm25.Index(ctx, raw))
	require.NoError(t, ds.vector.Add(ctx, []string{"c1"}, [][]float32{{1, 0, 0, 0}}))

	ds.RegisterMetadata([]*Document{{ID: "c1", DocumentType: DocumentTypeCodeChunk, FilePath: "a.go"}})

	results, err := ds.SearchDocuments(ctx, "alpha", []float32{1, 0, 0, 0}, DocumentOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.go", results[0].Document.FilePath)
}
