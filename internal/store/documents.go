package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TypeWeights maps a DocumentType to its RRF contribution weight for one
// use case (spec 4.8's per-type weight table). Missing types score 0.
type TypeWeights map[DocumentType]float64

// UseCase selects a default TypeWeights table for searchDocuments.
type UseCase string

const (
	UseCaseFIM        UseCase = "fim"
	UseCaseSearch     UseCase = "search"
	UseCaseNavigation UseCase = "navigation"
	UseCaseDefault    UseCase = "default"
)

// DefaultTypeWeights returns the use-case default type-weight table. An
// unknown use case falls back to UseCaseDefault.
func DefaultTypeWeights(useCase UseCase) TypeWeights {
	switch useCase {
	case UseCaseFIM:
		return TypeWeights{
			DocumentTypeCodeChunk:     0.50,
			DocumentTypeSymbolSummary: 0.10,
			DocumentTypeIdiom:         0.15,
			DocumentTypeUsageExample:  0.25,
		}
	case UseCaseSearch:
		return TypeWeights{
			DocumentTypeCodeChunk:     0.20,
			DocumentTypeFileSummary:   0.25,
			DocumentTypeSymbolSummary: 0.25,
			DocumentTypeIdiom:         0.15,
			DocumentTypeUsageExample:  0.10,
			DocumentTypeAntiPattern:   0.05,
		}
	case UseCaseNavigation:
		return TypeWeights{
			DocumentTypeCodeChunk:     0.20,
			DocumentTypeFileSummary:   0.30,
			DocumentTypeSymbolSummary: 0.35,
			DocumentTypeIdiom:         0.10,
			DocumentTypeProjectDoc:    0.05,
		}
	default:
		return TypeWeights{
			DocumentTypeCodeChunk:     0.30,
			DocumentTypeFileSummary:   0.15,
			DocumentTypeSymbolSummary: 0.20,
			DocumentTypeIdiom:         0.15,
			DocumentTypeUsageExample:  0.10,
			DocumentTypeAntiPattern:   0.05,
			DocumentTypeProjectDoc:    0.05,
		}
	}
}

// DefaultVectorWeight and DefaultKeywordWeight are the w_v/w_k defaults from
// spec 4.8 (distinct from search.DefaultWeights, which the classifier uses
// for query-type-driven BM25/semantic balance rather than store-level fusion).
const (
	DefaultVectorWeight  = 0.6
	DefaultKeywordWeight = 0.4
)

// EscapeFilterValue escape-encodes a filter string segment against the
// store's query-DSL special characters before interpolation into a filter
// clause (spec 4.8's "Filter safety" requirement).
func EscapeFilterValue(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`*`, `\*`,
		`%`, `\%`,
	)
	return r.Replace(s)
}

// DocumentStore is the hybrid document store: it fronts a BM25Index and a
// VectorStore with the tagged-union Document model, atomic add/delete
// operations, and typed RRF fusion. It holds the document metadata itself
// (DocumentType/FilePath/provenance) since MetadataStore has no concrete
// SQL-backed implementation in this tree to persist it through.
type DocumentStore struct {
	mu sync.RWMutex

	bm25      BM25Index
	vector    VectorStore
	dimension int

	docs   map[string]*Document // id -> document (content + tagged-union metadata)
	byFile map[string]map[string]bool
}

// NewDocumentStore wraps an existing BM25Index/VectorStore pair. dimension
// is the store's configured vector width, used to detect mismatched writes.
func NewDocumentStore(bm25 BM25Index, vector VectorStore, dimension int) *DocumentStore {
	return &DocumentStore{
		bm25:      bm25,
		vector:    vector,
		dimension: dimension,
		docs:      make(map[string]*Document),
		byFile:    make(map[string]map[string]bool),
	}
}

// AddDocuments atomically appends docs to both indices. If vectors is
// non-nil, vectors[i] corresponds to docs[i] (the enrichment pipeline may
// add text-only documents pending embedding, in which case pass nil). If
// the vector store's existing dimension differs from vectors[0]'s length,
// ErrDimensionMismatch is returned and the caller must clear the store
// (via Reset) and signal the file tracker to reset.
func (s *DocumentStore) AddDocuments(ctx context.Context, docs []*Document, vectors [][]float32) error {
	if len(docs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if vectors != nil && len(vectors) != len(docs) {
		return fmt.Errorf("addDocuments: %d docs but %d vectors", len(docs), len(vectors))
	}
	if vectors != nil && s.dimension > 0 {
		if got := len(vectors[0]); got != s.dimension {
			return ErrDimensionMismatch{Expected: s.dimension, Got: got}
		}
	}

	bm25Docs := make([]*Document, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		if d.DocumentType == "" {
			d.DocumentType = DocumentTypeCodeChunk
		}
		bm25Docs[i] = &Document{ID: d.ID, Content: d.Content}
		ids[i] = d.ID
	}

	if err := s.bm25.Index(ctx, bm25Docs); err != nil {
		return fmt.Errorf("index bm25: %w", err)
	}
	if vectors != nil {
		if err := s.vector.Add(ctx, ids, vectors); err != nil {
			// Best-effort rollback of the BM25 half of this atomic append.
			_ = s.bm25.Delete(ctx, ids)
			return fmt.Errorf("index vectors: %w", err)
		}
	}

	for _, d := range docs {
		s.docs[d.ID] = d
		if d.FilePath != "" {
			if s.byFile[d.FilePath] == nil {
				s.byFile[d.FilePath] = make(map[string]bool)
			}
			s.byFile[d.FilePath][d.ID] = true
		}
	}
	if vectors != nil && s.dimension == 0 {
		s.dimension = len(vectors[0])
	}
	return nil
}

// RegisterMetadata records docs' tagged-union metadata (DocumentType,
// FilePath, ...) without touching the BM25/vector indices, for documents a
// caller has already indexed into those directly (the chunk pipeline's
// raw code_chunk fast path). Without this, SearchDocuments' id-to-Document
// lookup would see BM25/vector hits for IDs SearchDocuments itself never
// learned about through AddDocuments.
func (s *DocumentStore) RegisterMetadata(docs []*Document) {
	if len(docs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		if d.DocumentType == "" {
			d.DocumentType = DocumentTypeCodeChunk
		}
		s.docs[d.ID] = d
		if d.FilePath != "" {
			if s.byFile[d.FilePath] == nil {
				s.byFile[d.FilePath] = make(map[string]bool)
			}
			s.byFile[d.FilePath][d.ID] = true
		}
	}
}

// Reset drops every document from both indices and reinitializes the
// store for newDimension. Called after AddDocuments reports
// ErrDimensionMismatch; the caller is responsible for also signaling the
// file tracker to reset (spec 4.8/4.9's shared reset contract).
func (s *DocumentStore) Reset(ctx context.Context, newDimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	if err := s.deleteIDsLocked(ctx, ids); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	s.dimension = newDimension
	return nil
}

// deleteIDsLocked removes ids from both indices and the document map.
// Caller must hold s.mu.
func (s *DocumentStore) deleteIDsLocked(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.bm25.Delete(ctx, ids); err != nil {
		return fmt.Errorf("delete bm25: %w", err)
	}
	if err := s.vector.Delete(ctx, ids); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	for _, id := range ids {
		if d, ok := s.docs[id]; ok && d.FilePath != "" {
			delete(s.byFile[d.FilePath], id)
		}
		delete(s.docs, id)
	}
	return nil
}

// DeleteByFile removes every document whose FilePath equals path.
func (s *DocumentStore) DeleteByFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id := range s.byFile[path] {
		ids = append(ids, id)
	}
	if err := s.deleteIDsLocked(ctx, ids); err != nil {
		return err
	}
	delete(s.byFile, path)
	return nil
}

// DeleteAllByFile is an alias for DeleteByFile, matching spec 4.8's naming
// (deleteByFile vs deleteAllByFile distinguish "documents derived from this
// file" from "every document variant for this file"; this store treats
// FilePath as the single source of truth for both).
func (s *DocumentStore) DeleteAllByFile(ctx context.Context, path string) error {
	return s.DeleteByFile(ctx, path)
}

// DeleteByDocumentType removes every document of the given type.
func (s *DocumentStore) DeleteByDocumentType(ctx context.Context, t DocumentType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, d := range s.docs {
		if d.DocumentType == t {
			ids = append(ids, id)
		}
	}
	return s.deleteIDsLocked(ctx, ids)
}

// documentMetadataKey is where the serialized document map lives in the
// file tracker's key-value metadata table, mirroring learning.Layer's
// Save/Load persistence (internal/learning/store.go): the BM25/vector
// indices already persist themselves to disk, but the tagged-union
// Document metadata (DocumentType/FilePath/provenance) they resolve IDs
// against lives only in this struct's docs/byFile maps, which a fresh
// process would otherwise start with empty.
const documentMetadataKey = "document_store_state"

// MetadataPersister is the narrow slice of *tracker.Tracker DocumentStore
// persists through, matching learning.Layer's metadataStore interface so
// both packages are wired into the same tracker without either importing
// it directly.
type MetadataPersister interface {
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// Save serializes every tracked Document to the metadata store under a
// single key, so a later process can reconstruct byFile/docs against the
// BM25/vector indices it reopens from disk.
func (s *DocumentStore) Save(ctx context.Context, store MetadataPersister) error {
	s.mu.RLock()
	docs := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	data, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("marshal document store state: %w", err)
	}
	return store.SetMetadata(ctx, documentMetadataKey, string(data))
}

// Load restores a previously saved document map, if any. A missing key is
// not an error: the store simply starts cold (as it would before the
// first successful index run).
func (s *DocumentStore) Load(ctx context.Context, store MetadataPersister) error {
	raw, ok, err := store.GetMetadata(ctx, documentMetadataKey)
	if err != nil {
		return fmt.Errorf("load document store state: %w", err)
	}
	if !ok {
		return nil
	}
	var docs []*Document
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return fmt.Errorf("decode document store state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string]*Document, len(docs))
	s.byFile = make(map[string]map[string]bool)
	for _, d := range docs {
		s.docs[d.ID] = d
		if d.FilePath != "" {
			if s.byFile[d.FilePath] == nil {
				s.byFile[d.FilePath] = make(map[string]bool)
			}
			s.byFile[d.FilePath][d.ID] = true
		}
	}
	return nil
}

// DocumentOptions configures SearchDocuments.
type DocumentOptions struct {
	Limit       int
	UseCase     UseCase
	TypeWeights TypeWeights // overrides the use-case default when non-nil
	VectorWeight,
	KeywordWeight float64 // w_v, w_k; zero values fall back to the package defaults
	Language    string
	PathPattern string
}

// TypedFusedResult is one fused, typed result from SearchDocuments.
type TypedFusedResult struct {
	Document *Document
	Score    float64
}

// SearchDocuments performs typed RRF fusion across heterogeneous
// document types (k=60, 1-indexed ranks).
func (s *DocumentStore) SearchDocuments(ctx context.Context, queryText string, queryVector []float32, opts DocumentOptions) ([]*TypedFusedResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	weights := opts.TypeWeights
	if weights == nil {
		weights = DefaultTypeWeights(opts.UseCase)
	}
	wv := opts.VectorWeight
	if wv == 0 {
		wv = DefaultVectorWeight
	}
	wk := opts.KeywordWeight
	if wk == 0 {
		wk = DefaultKeywordWeight
	}

	fetchN := limit * 3
	var bm25Results []*BM25Result
	var err error
	if queryText != "" {
		bm25Results, err = s.bm25.Search(ctx, queryText, fetchN)
		if err != nil {
			return nil, fmt.Errorf("bm25 search: %w", err)
		}
	}
	var vecResults []*VectorResult
	if queryVector != nil {
		vecResults, err = s.vector.Search(ctx, queryVector, fetchN)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	const k = 60
	scores := make(map[string]float64)
	touch := func(id string) {
		if _, ok := scores[id]; !ok {
			scores[id] = 0
		}
	}

	// Ranks are 1-indexed: the top hit in either list contributes
	// w / (k + 1 + 1).
	for i, r := range vecResults {
		d, ok := s.docs[r.ID]
		if !ok || !matchesFilter(d, opts) {
			continue
		}
		touch(r.ID)
		scores[r.ID] += wv * weights[d.DocumentType] / float64(k+(i+1)+1)
	}
	for i, r := range bm25Results {
		d, ok := s.docs[r.DocID]
		if !ok || !matchesFilter(d, opts) {
			continue
		}
		touch(r.DocID)
		scores[r.DocID] += wk * weights[d.DocumentType] / float64(k+(i+1)+1)
	}

	results := make([]*TypedFusedResult, 0, len(scores))
	for id, sc := range scores {
		results = append(results, &TypedFusedResult{Document: s.docs[id], Score: sc})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.ID < results[j].Document.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func matchesFilter(d *Document, opts DocumentOptions) bool {
	if opts.PathPattern != "" && !strings.Contains(d.FilePath, opts.PathPattern) {
		return false
	}
	return true
}
