package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codelens/codelens/internal/chunk"
	"github.com/codelens/codelens/internal/async"
	"github.com/codelens/codelens/internal/config"
	"github.com/codelens/codelens/internal/embed"
	"github.com/codelens/codelens/internal/index"
	"github.com/codelens/codelens/internal/lock"
	"github.com/codelens/codelens/internal/logging"
	"github.com/codelens/codelens/internal/mcp"
	"github.com/codelens/codelens/internal/scanner"
	"github.com/codelens/codelens/internal/search"
	"github.com/codelens/codelens/internal/store"
	"github.com/codelens/codelens/internal/watcher"
)

// defaultWatcherStartupTimeout bounds how long the background file watcher
// is given to finish its initial directory walk. Overridable via
// CODELENS_WATCHER_STARTUP_TIMEOUT for slow filesystems.
const defaultWatcherStartupTimeout = 2 * time.Second

func newServeCmd() *cobra.Command {
	var transport string
	var session string
	var port int
	var serveDebug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol server for AI coding assistants.

The server speaks MCP over stdio by default so it can be wired up directly
as a tool provider for Claude Code, Cursor, and similar clients. Stdout is
reserved exclusively for JSON-RPC traffic; all status and error output goes
to the debug log file instead.

Examples:
  codelens serve
  codelens serve --transport stdio
  codelens serve --session my-project`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveDebug {
				if logger, cleanup, err := logging.Setup(logging.DebugConfig()); err == nil {
					slog.SetDefault(logger)
					defer cleanup()
				}
			}
			if session != "" {
				return runServeWithSession(cmd.Context(), session, transport, port)
			}
			return runServe(cmd.Context(), transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport protocol: stdio or sse")
	cmd.Flags().StringVar(&session, "session", "", "Named session, used to scope the debug log file for multi-project setups")
	cmd.Flags().IntVar(&port, "port", 0, "Port for network transports (unused for stdio)")
	cmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable verbose debug logging for this server run")

	return cmd
}

// verifyStdinForMCP checks that stdin looks like a pipe rather than an
// interactive terminal. MCP clients always connect stdio via a pipe; a
// terminal means the command was run interactively by mistake.
func verifyStdinForMCP() error {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return errors.New("stdin is a terminal, not a pipe: codelens serve expects an MCP client to connect over stdin/stdout, not an interactive terminal")
	}
	return nil
}

// runServe starts the MCP server with no session scoping.
func runServe(ctx context.Context, transport string, port int) error {
	return serveProject(ctx, "", transport, port)
}

// runServeWithSession starts the MCP server scoped to a named session, used
// when multiple projects share a single long-running assistant process.
func runServeWithSession(ctx context.Context, session, transport string, port int) error {
	return serveProject(ctx, session, transport, port)
}

// serveProject wires up the stores, search engine, MCP server and background
// file watcher, then blocks serving the given transport until ctx is
// cancelled or the transport's Serve call returns.
func serveProject(ctx context.Context, session, transport string, port int) error {
	logCleanup, err := setupServeLogging(session)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logCleanup()

	if transport == "stdio" {
		if err := verifyStdinForMCP(); err != nil {
			slog.Warn("stdin_check_failed", slog.String("error", err.Error()))
			return err
		}
	}

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	dataDir := filepath.Join(root, ".codelens")

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	existingDims, err := store.ReadHNSWStoreDimensions(vectorPath)
	if err != nil {
		slog.Debug("could not read vector dimensions", slog.String("error", err.Error()))
		existingDims = 0
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

	dimensions := embedder.Dimensions()
	slog.Debug("embedder_initialized",
		slog.String("provider", provider.String()),
		slog.String("model", embedder.ModelName()),
		slog.Int("dimensions", dimensions),
		slog.Int("existing_dims", existingDims))

	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dimensions))
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()
	if _, err := os.Stat(vectorPath); err == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	engine := search.New(bm25, vector, embedder, metadata, engineConfig)

	mcpServer, err := mcp.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	indexLock := lock.New(filepath.Join(dataDir, ".indexing.lock"))

	// Expose live indexing state through the index_status tool: the watcher
	// flips this while applying incremental updates.
	progress := async.NewIndexProgress()
	progress.SetReady()
	mcpServer.SetIndexProgress(progress)

	watcherCtx, stopWatcher := context.WithCancel(ctx)
	defer stopWatcher()
	go runBackgroundWatcher(watcherCtx, root, dataDir, cfg, engine, metadata, indexLock, progress)

	slog.Info("mcp_server_starting",
		slog.String("transport", transport),
		slog.String("session", session),
		slog.String("root", root))

	return mcpServer.Serve(ctx, transport, fmt.Sprintf(":%d", port))
}

// setupServeLogging configures MCP-safe logging: structured JSON to a log
// file only, never to stdout (which must stay reserved for JSON-RPC), and
// installs it as the default logger so every package under this call path
// (embedder init, search engine, watcher) logs consistently. Session-scoped
// servers get their own log file so concurrent sessions don't interleave.
func setupServeLogging(session string) (func(), error) {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if session != "" {
		logCfg.FilePath = filepath.Join(logging.DefaultLogDir(), fmt.Sprintf("session-%s.log", session))
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return func() {}, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

// runBackgroundWatcher starts the hybrid file watcher and feeds its debounced
// events into an index.Coordinator so edits made while the MCP server is
// attached keep the index fresh. Start-up runs on its own goroutine and is
// bounded by watcherStartupTimeout so a slow filesystem walk never delays
// the MCP handshake: the caller does not wait on this goroutine.
func runBackgroundWatcher(ctx context.Context, root, dataDir string, cfg *config.Config, engine *search.Engine, metadata store.MetadataStore, indexLock *lock.Lock, progress *async.IndexProgress) {
	startCtx, cancel := context.WithTimeout(ctx, watcherStartupTimeout())
	defer cancel()

	opts := watcher.DefaultOptions()
	w, err := watcher.NewHybridWatcher(opts)
	if err != nil {
		slog.Warn("watcher_init_failed", slog.String("error", err.Error()))
		return
	}

	if err := w.Start(startCtx, root); err != nil {
		slog.Warn("watcher_start_failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = w.Stop() }()

	sc, err := scanner.New()
	if err != nil {
		slog.Warn("scanner_init_failed", slog.String("error", err.Error()))
		sc = nil
	}

	coord := index.NewCoordinator(index.CoordinatorConfig{
		ProjectID:       root,
		RootPath:        root,
		DataDir:         dataDir,
		Engine:          engine,
		Metadata:        metadata,
		CodeChunker:     chunk.NewCodeChunker(),
		MDChunker:       chunk.NewMarkdownChunker(),
		Scanner:         sc,
		ExcludePatterns: cfg.Paths.Exclude,
	})

	slog.Info("watcher_ready", slog.String("root", root))

	for {
		select {
		case <-ctx.Done():
			return
		case events, ok := <-w.Events():
			if !ok {
				return
			}
			// Serialize incremental updates against a concurrent `codelens
			// index` run through the same cross-process lock file.
			acquired, lockErr := indexLock.Acquire(0, 0)
			if lockErr != nil || acquired == nil || !acquired.Acquired {
				slog.Debug("watcher_skipped_busy_index")
				continue
			}
			progress.SetStage(async.StageIndexing, len(events))
			if err := coord.HandleEvents(ctx, events); err != nil {
				progress.SetError(err.Error())
				slog.Warn("watcher_handle_events_failed", slog.String("error", err.Error()))
			} else {
				progress.SetReady()
			}
			_ = indexLock.Release()
		case err, ok := <-w.Errors():
			if !ok {
				continue
			}
			slog.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}

// watcherStartupTimeout reads CODELENS_WATCHER_STARTUP_TIMEOUT, falling back
// to defaultWatcherStartupTimeout when unset or invalid.
func watcherStartupTimeout() time.Duration {
	if v := os.Getenv("CODELENS_WATCHER_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultWatcherStartupTimeout
}
