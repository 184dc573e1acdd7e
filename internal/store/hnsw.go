package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// errStoreClosed is returned by every HNSWStore operation after Close.
var errStoreClosed = errors.New("store is closed")

// HNSWStore is the dense-vector half of the hybrid index, backed by the
// pure-Go coder/hnsw graph (no CGO). Document IDs are strings (chunk and
// enrichment-document IDs); the graph itself is keyed by a monotonically
// assigned uint64, with the two mappings kept here.
//
// Deletion is lazy: removing a document only drops its ID mapping, the
// graph node stays behind as an orphan. Orphans are invisible to Search
// (no reverse mapping) and are reclaimed when the index is rebuilt from
// the embeddings persisted in the metadata store.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	keyByID map[string]uint64 // document ID -> graph key
	idByKey map[uint64]string // graph key -> document ID
	nextKey uint64

	closed bool
}

// hnswMetadata is the sidecar state persisted next to the graph file.
// Field names are part of the on-disk gob format.
type hnswMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  VectorStoreConfig
}

// NewHNSWStore creates an empty vector store for the configured dimension
// and metric.
func NewHNSWStore(cfg VectorStoreConfig) (*HNSWStore, error) {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	if cfg.Metric == "l2" {
		graph.Distance = hnsw.EuclideanDistance
	} else {
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWStore{
		graph:   graph,
		config:  cfg,
		keyByID: make(map[string]uint64),
		idByKey: make(map[uint64]string),
	}, nil
}

// prepareVector copies a vector, unit-normalizing the copy when the store
// uses cosine distance. The caller's slice is never mutated.
func (s *HNSWStore) prepareVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(out)
	}
	return out
}

// Add inserts vectors under their document IDs. Re-adding an existing ID
// orphans the old graph node and inserts a fresh one; deleting in place
// is avoided because removing the last graph node corrupts coder/hnsw's
// entry point.
func (s *HNSWStore) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		if oldKey, exists := s.keyByID[id]; exists {
			delete(s.idByKey, oldKey)
			delete(s.keyByID, id)
		}

		key := s.nextKey
		s.nextKey++

		s.graph.Add(hnsw.MakeNode(key, s.prepareVector(vectors[i])))
		s.keyByID[id] = key
		s.idByKey[key] = id
	}

	return nil
}

// Search returns the k nearest live documents to the query vector.
// Orphaned graph nodes have no reverse mapping and are filtered out.
func (s *HNSWStore) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if s.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	q := s.prepareVector(query)
	nodes := s.graph.Search(q, k)

	results := make([]*VectorResult, 0, len(nodes))
	for _, node := range nodes {
		id, live := s.idByKey[node.Key]
		if !live {
			continue
		}
		distance := s.graph.Distance(q, node.Value)
		results = append(results, &VectorResult{
			ID:       id,
			Distance: distance,
			Score:    distanceToScore(distance, s.config.Metric),
		})
	}
	return results, nil
}

// Delete lazily removes documents: the ID mappings go away, the graph
// nodes stay behind as orphans until the next rebuild.
func (s *HNSWStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}

	for _, id := range ids {
		if key, exists := s.keyByID[id]; exists {
			delete(s.idByKey, key)
			delete(s.keyByID, id)
		}
	}
	return nil
}

// AllIDs returns every live document ID, for consistency checks against
// the BM25 index and the metadata store.
func (s *HNSWStore) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}

	ids := make([]string, 0, len(s.keyByID))
	for id := range s.keyByID {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether a live vector exists for the ID.
func (s *HNSWStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	_, exists := s.keyByID[id]
	return exists
}

// Count returns the number of live vectors (orphans excluded).
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return len(s.keyByID)
}

// HNSWStats describes how much of the graph is still live versus
// orphaned by lazy deletion; the ratio drives index-rebuild decisions.
type HNSWStats struct {
	ValidIDs   int // live ID mappings
	GraphNodes int // total graph nodes, orphans included
	Orphans    int // GraphNodes - ValidIDs
}

// Stats returns live/orphan counts for the graph.
func (s *HNSWStore) Stats() HNSWStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return HNSWStats{}
	}

	live := len(s.keyByID)
	total := s.graph.Len()
	return HNSWStats{
		ValidIDs:   live,
		GraphNodes: total,
		Orphans:    total - live,
	}
}

// writeAtomic writes to path via a temp file and rename, so readers never
// observe a half-written index.
func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := write(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Save persists the graph to path and the ID mappings to path+".meta",
// each written atomically.
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := writeAtomic(path, func(f *os.File) error {
		if err := s.graph.Export(f); err != nil {
			return fmt.Errorf("failed to export graph: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	meta := hnswMetadata{
		IDMap:   s.keyByID,
		NextKey: s.nextKey,
		Config:  s.config,
	}
	return writeAtomic(path+".meta", func(f *os.File) error {
		if err := gob.NewEncoder(f).Encode(meta); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		return nil
	})
}

// Load restores a previously saved graph and its ID mappings. The stored
// config (dimension included) replaces the store's current one.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}

	meta, err := readHNSWMetadata(path + ".meta")
	if err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}
	s.keyByID = meta.IDMap
	s.nextKey = meta.NextKey
	s.config = meta.Config
	s.idByKey = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		s.idByKey[key] = id
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw's Import wants an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}
	return nil
}

// readHNSWMetadata decodes a sidecar metadata file.
func readHNSWMetadata(path string) (*hnswMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode hnsw metadata: %w", err)
	}
	return &meta, nil
}

// Close marks the store closed and drops the graph. Further operations
// fail; Save must happen before Close.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// ReadHNSWStoreDimensions reads the vector dimension recorded in an
// existing store's sidecar metadata without loading the graph. A missing
// sidecar returns 0 (fresh index).
func ReadHNSWStoreDimensions(vectorPath string) (int, error) {
	meta, err := readHNSWMetadata(vectorPath + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read hnsw metadata: %w", err)
	}
	return meta.Config.Dimensions, nil
}

var _ VectorStore = (*HNSWStore)(nil)

// normalizeVectorInPlace scales v to unit length; the zero vector is left
// untouched.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps a distance to a 0-1 similarity: cosine distance
// spans [0, 2], L2 spans [0, inf).
func distanceToScore(distance float32, metric string) float32 {
	if metric == "l2" {
		return 1.0 / (1.0 + distance)
	}
	return 1.0 - distance/2.0
}
