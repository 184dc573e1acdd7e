package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EmbedderInfoInput describes the embedder currently configured, for
// compatibility checking against the index's recorded embedder.
type EmbedderInfoInput struct {
	Model      string
	Backend    string
	Dimensions int
}

// GetIndexInfo collects configuration and statistics for an existing index.
// current may be nil when no embedder could be created (e.g. offline).
func GetIndexInfo(ctx context.Context, metadata *SQLiteStore, dataDir string, current *EmbedderInfoInput) (*IndexInfo, error) {
	info := &IndexInfo{
		Location:    dataDir,
		ProjectRoot: filepath.Dir(dataDir),
	}

	// Embedding configuration recorded at index time.
	model, err := metadata.GetState(ctx, StateKeyIndexModel)
	if err != nil {
		return nil, fmt.Errorf("failed to read index model: %w", err)
	}
	info.IndexModel = model
	if model != "" {
		info.IndexBackend = inferBackendFromModel(model)
	}

	dims, err := metadata.GetState(ctx, StateKeyIndexDimension)
	if err != nil {
		return nil, fmt.Errorf("failed to read index dimensions: %w", err)
	}
	if dims != "" {
		info.IndexDimensions, _ = strconv.Atoi(dims)
	}

	// Statistics.
	if err := metadata.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks`).Scan(&info.ChunkCount); err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	if err := metadata.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files`).Scan(&info.DocumentCount); err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	// Index sizes on disk. The BM25 index is either a SQLite file or a
	// Bleve directory depending on the backend the index was built with.
	backend := DetectBM25Backend(filepath.Join(dataDir, "bm25"))
	bm25Path := GetBM25IndexPath(dataDir, string(backend))
	if fi, err := os.Stat(bm25Path); err == nil {
		if fi.IsDir() {
			info.BM25SizeBytes = getDirSize(bm25Path)
		} else {
			info.BM25SizeBytes = fi.Size()
		}
	}
	if fi, err := os.Stat(filepath.Join(dataDir, "vectors.hnsw")); err == nil {
		info.VectorSizeBytes = fi.Size()
	}
	info.IndexSizeBytes = info.BM25SizeBytes + info.VectorSizeBytes

	// Timestamps from the file registry.
	var minIndexed, maxIndexed int64
	err = metadata.db.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(indexed_at), 0), COALESCE(MAX(indexed_at), 0) FROM files`).
		Scan(&minIndexed, &maxIndexed)
	if err != nil {
		return nil, fmt.Errorf("failed to read index timestamps: %w", err)
	}
	if minIndexed > 0 {
		info.CreatedAt = time.Unix(0, minIndexed)
	}
	if maxIndexed > 0 {
		info.UpdatedAt = time.Unix(0, maxIndexed)
	}

	// Current embedder, for compatibility checking.
	if current != nil {
		info.CurrentModel = current.Model
		info.CurrentBackend = current.Backend
		info.CurrentDimensions = current.Dimensions
		// An empty index is compatible with anything.
		info.Compatible = info.IndexDimensions == 0 ||
			info.IndexDimensions == current.Dimensions
	}

	return info, nil
}

// inferBackendFromModel guesses which embedding backend produced a model
// name recorded in an older index that predates the backend state key.
func inferBackendFromModel(model string) string {
	if strings.HasPrefix(model, "static") {
		return "static"
	}
	if filepath.IsAbs(model) || containsAny(model, []string{"mlx-community/", "mlx-"}) {
		return "mlx"
	}
	return "ollama"
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// getDirSize returns the total size of all files under dir, 0 on error.
func getDirSize(dir string) int64 {
	var size int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// FormatBytes renders a byte count in human-readable units.
func FormatBytes(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatTime renders a timestamp for display; the zero time is "unknown".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}
