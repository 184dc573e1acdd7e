package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/codelens/codelens/internal/config"
	"github.com/codelens/codelens/internal/store"
)

// DebugInfo is the machine-readable snapshot `codelens debug --json` emits.
type DebugInfo struct {
	ProjectRoot  string    `json:"project_root"`
	IndexPath    string    `json:"index_path"`
	FileCount    int       `json:"file_count"`
	ChunkCount   int       `json:"chunk_count"`
	LastIndexed  time.Time `json:"last_indexed"`

	// Languages maps normalized extension to its fraction of indexed files.
	Languages map[string]float64 `json:"languages,omitempty"`

	EmbedderProvider  string `json:"embedder_provider"`
	EmbedderModel     string `json:"embedder_model"`
	WithEmbeddings    int    `json:"with_embeddings"`
	WithoutEmbeddings int    `json:"without_embeddings"`

	MetadataSize int64 `json:"metadata_size"`
	BM25Size     int64 `json:"bm25_size"`
	VectorSize   int64 `json:"vector_size"`
	TotalSize    int64 `json:"total_size"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Print a detailed diagnostic snapshot of the index",
		Long: `Print everything codelens knows about the current project's index:
file and chunk counts, language breakdown, embedder configuration and
coverage, and the on-disk size of each store. Useful when 'codelens
status' isn't detailed enough to diagnose a problem.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDebug(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runDebug(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	dataDir := filepath.Join(root, ".codelens")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if !fileExists(metadataPath) {
		return fmt.Errorf("no index found in %s\nRun 'codelens index' to create one", root)
	}

	info, err := collectDebugInfo(ctx, root, dataDir)
	if err != nil {
		return fmt.Errorf("failed to collect debug info: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	renderDebugInfo(cmd.OutOrStdout(), info)
	return nil
}

// collectDebugInfo gathers everything rendered by `codelens debug` from the
// metadata store and config, the same sources `status.go`'s collectStatus
// reads, extended with a per-language breakdown and embedding coverage.
func collectDebugInfo(ctx context.Context, root, dataDir string) (DebugInfo, error) {
	info := DebugInfo{ProjectRoot: root, IndexPath: dataDir}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return info, fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	projectID := hashString(root)
	if project, perr := metadata.GetProject(ctx, projectID); perr == nil && project != nil {
		info.FileCount = project.FileCount
		info.ChunkCount = project.ChunkCount
		info.LastIndexed = project.IndexedAt
	}

	info.Languages = collectLanguageBreakdown(ctx, metadata, projectID)

	if with, without, eerr := metadata.GetEmbeddingStats(ctx); eerr == nil {
		info.WithEmbeddings = with
		info.WithoutEmbeddings = without
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}
	info.EmbedderProvider = cfg.Embeddings.Provider
	if info.EmbedderProvider == "" {
		info.EmbedderProvider = "ollama"
	}
	info.EmbedderModel = cfg.Embeddings.Model
	if info.EmbedderModel == "" {
		info.EmbedderModel = "embeddinggemma"
	}

	info.MetadataSize = getFileSize(metadataPath)
	bm25SQLitePath := filepath.Join(dataDir, "bm25.db")
	bm25BlevePath := filepath.Join(dataDir, "bm25.bleve")
	if size := getFileSize(bm25SQLitePath); size > 0 {
		info.BM25Size = size
	} else {
		info.BM25Size = getDirSize(bm25BlevePath)
	}
	info.VectorSize = getFileSize(filepath.Join(dataDir, "vectors.hnsw"))
	info.TotalSize = info.MetadataSize + info.BM25Size + info.VectorSize

	return info, nil
}

// collectLanguageBreakdown pages through the project's files and tallies
// them by normalized extension, returning nil when the project has no
// files on record (a fresh or empty index).
func collectLanguageBreakdown(ctx context.Context, metadata store.MetadataStore, projectID string) map[string]float64 {
	counts := make(map[string]int)
	total := 0
	cursor := ""

	for {
		files, next, err := metadata.ListFiles(ctx, projectID, cursor, 500)
		if err != nil || len(files) == 0 {
			break
		}
		for _, f := range files {
			ext := strings.TrimPrefix(filepath.Ext(f.Path), ".")
			if ext == "" {
				continue
			}
			counts[normalizeExtension(strings.ToLower(ext))]++
			total++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if total == 0 {
		return nil
	}
	breakdown := make(map[string]float64, len(counts))
	for k, v := range counts {
		breakdown[k] = float64(v) / float64(total)
	}
	return breakdown
}

// normalizeExtension collapses related file extensions into the same
// display bucket (e.g. .tsx and .ts both report as "ts").
func normalizeExtension(ext string) string {
	switch ext {
	case "tsx":
		return "ts"
	case "jsx", "mjs":
		return "js"
	case "yml":
		return "yaml"
	case "htm":
		return "html"
	default:
		return ext
	}
}

// formatLanguages renders a language breakdown sorted by share descending,
// e.g. "go (50%), ts (30%), md (20%)".
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}

	type entry struct {
		name string
		frac float64
	}
	entries := make([]entry, 0, len(langs))
	for name, frac := range langs {
		entries = append(entries, entry{name, frac})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].frac != entries[j].frac {
			return entries[i].frac > entries[j].frac
		}
		return entries[i].name < entries[j].name
	})

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s (%d%%)", e.name, int(e.frac*100+0.5))
	}
	return strings.Join(parts, ", ")
}

// formatAge renders a time as a human-relative age, matching the style of
// ui.formatTime (unexported in the ui package) but reporting "unknown" for
// a project that has never been indexed.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02 15:04")
	}
}

// formatNumber adds thousands separators, e.g. 12345 -> "12,345".
func formatNumber(n int) string {
	return humanize.Comma(int64(n))
}

func renderDebugInfo(w io.Writer, info DebugInfo) {
	_, _ = fmt.Fprintln(w, "CodeLens Debug Info")
	_, _ = fmt.Fprintln(w, strings.Repeat("=", 40))
	_, _ = fmt.Fprintf(w, "Project root: %s\n", info.ProjectRoot)
	_, _ = fmt.Fprintf(w, "Index path:   %s\n", info.IndexPath)
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "FILES & CHUNKS")
	_, _ = fmt.Fprintf(w, "  Files:        %s\n", formatNumber(info.FileCount))
	_, _ = fmt.Fprintf(w, "  Chunks:       %s\n", formatNumber(info.ChunkCount))
	_, _ = fmt.Fprintf(w, "  Last indexed: %s\n", formatAge(info.LastIndexed))
	_, _ = fmt.Fprintf(w, "  Languages:    %s\n", formatLanguages(info.Languages))
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "EMBEDDER")
	_, _ = fmt.Fprintf(w, "  Provider: %s\n", info.EmbedderProvider)
	_, _ = fmt.Fprintf(w, "  Model:    %s\n", info.EmbedderModel)
	_, _ = fmt.Fprintf(w, "  Coverage: %s with embeddings, %s without\n",
		formatNumber(info.WithEmbeddings), formatNumber(info.WithoutEmbeddings))
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "BM25 INDEX")
	_, _ = fmt.Fprintf(w, "  Size: %s\n", humanize.Bytes(uint64(info.BM25Size)))
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "VECTOR STORE")
	_, _ = fmt.Fprintf(w, "  Size: %s\n", humanize.Bytes(uint64(info.VectorSize)))
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "STORAGE")
	_, _ = fmt.Fprintf(w, "  Metadata: %s\n", humanize.Bytes(uint64(info.MetadataSize)))
	_, _ = fmt.Fprintf(w, "  Total:    %s\n", humanize.Bytes(uint64(info.TotalSize)))
}
