package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// StoreConfig holds tunables for the SQLite metadata store.
type StoreConfig struct {
	// CacheSizeMB is the SQLite page cache size in megabytes.
	// Zero means the default of 64MB.
	CacheSizeMB int
}

// DefaultStoreConfig returns the default metadata store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		CacheSizeMB: 64,
	}
}

var _ MetadataStore = (*SQLiteStore)(nil)

// SQLiteStore implements MetadataStore backed by a single SQLite database.
// Chunks, files, projects, symbols, embeddings, and runtime state all live
// in one file so a project index can be copied or deleted as a unit.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the metadata database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(path, DefaultStoreConfig())
}

// NewSQLiteStoreWithConfig opens the metadata database with explicit tuning.
func NewSQLiteStoreWithConfig(path string, cfg StoreConfig) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; WAL readers don't block on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	cacheMB := cfg.CacheSizeMB
	if cacheMB <= 0 {
		cacheMB = DefaultStoreConfig().CacheSizeMB
	}

	// WAL mode must be set via PRAGMA for modernc.org/sqlite
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cacheMB*1024), // negative = KB
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS projects (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		root_path    TEXT NOT NULL,
		project_type TEXT,
		chunk_count  INTEGER NOT NULL DEFAULT 0,
		file_count   INTEGER NOT NULL DEFAULT 0,
		indexed_at   INTEGER NOT NULL DEFAULT 0,
		version      TEXT
	);

	CREATE TABLE IF NOT EXISTS files (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL,
		path         TEXT NOT NULL,
		size         INTEGER NOT NULL DEFAULT 0,
		mod_time     INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT,
		language     TEXT,
		content_type TEXT,
		indexed_at   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_files_project_path ON files(project_id, path);

	CREATE TABLE IF NOT EXISTS chunks (
		id              TEXT PRIMARY KEY,
		file_id         TEXT NOT NULL,
		file_path       TEXT,
		content         TEXT,
		raw_content     TEXT,
		context         TEXT,
		content_type    TEXT,
		language        TEXT,
		start_line      INTEGER NOT NULL DEFAULT 0,
		end_line        INTEGER NOT NULL DEFAULT 0,
		metadata        TEXT,
		embedding       BLOB,
		embedding_model TEXT,
		created_at      INTEGER NOT NULL DEFAULT 0,
		updated_at      INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

	CREATE TABLE IF NOT EXISTS symbols (
		chunk_id    TEXT NOT NULL,
		name        TEXT NOT NULL,
		type        TEXT,
		start_line  INTEGER NOT NULL DEFAULT 0,
		end_line    INTEGER NOT NULL DEFAULT 0,
		signature   TEXT,
		doc_comment TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_symbols_chunk ON symbols(chunk_id);
	CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);

	CREATE TABLE IF NOT EXISTS state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO schema_version (version) VALUES (?) ON CONFLICT(version) DO NOTHING`,
		CurrentSchemaVersion)
	return err
}

// DB exposes the underlying handle for callers that share the database
// (query telemetry lives in the same file).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Project operations ---

// SaveProject inserts or updates a project record.
func (s *SQLiteStore) SaveProject(ctx context.Context, project *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, project_type, chunk_count, file_count, indexed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			root_path = excluded.root_path,
			project_type = excluded.project_type,
			chunk_count = excluded.chunk_count,
			file_count = excluded.file_count,
			indexed_at = excluded.indexed_at,
			version = excluded.version`,
		project.ID, project.Name, project.RootPath, project.ProjectType,
		project.ChunkCount, project.FileCount, project.IndexedAt.UnixNano(), project.Version)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// GetProject returns the project with the given ID, or nil if absent.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, project_type, chunk_count, file_count, indexed_at, version
		FROM projects WHERE id = ?`, id)

	var p Project
	var indexedAt int64
	err := row.Scan(&p.ID, &p.Name, &p.RootPath, &p.ProjectType,
		&p.ChunkCount, &p.FileCount, &indexedAt, &p.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.IndexedAt = time.Unix(0, indexedAt)
	return &p, nil
}

// UpdateProjectStats sets the cached file and chunk counts.
func (s *SQLiteStore) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET file_count = ?, chunk_count = ?, indexed_at = ? WHERE id = ?`,
		fileCount, chunkCount, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update project stats: %w", err)
	}
	return nil
}

// RefreshProjectStats recalculates file and chunk counts from the database
// and updates indexed_at. Used after incremental updates where the cached
// counts may have drifted.
func (s *SQLiteStore) RefreshProjectStats(ctx context.Context, id string) error {
	var fileCount, chunkCount int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE project_id = ?`, id).Scan(&fileCount); err != nil {
		return fmt.Errorf("failed to count files: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks
		WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)`, id).Scan(&chunkCount); err != nil {
		return fmt.Errorf("failed to count chunks: %w", err)
	}
	return s.UpdateProjectStats(ctx, id, fileCount, chunkCount)
}

// --- File operations ---

// SaveFiles upserts file records in a single transaction.
func (s *SQLiteStore) SaveFiles(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			path = excluded.path,
			size = excluded.size,
			mod_time = excluded.mod_time,
			content_hash = excluded.content_hash,
			language = excluded.language,
			content_type = excluded.content_type,
			indexed_at = excluded.indexed_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.ProjectID, f.Path, f.Size,
			f.ModTime.UnixNano(), f.ContentHash, f.Language, f.ContentType,
			f.IndexedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to save file %s: %w", f.Path, err)
		}
	}

	return tx.Commit()
}

func scanFile(scanner interface{ Scan(...any) error }) (*File, error) {
	var f File
	var modTime, indexedAt int64
	err := scanner.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime,
		&f.ContentHash, &f.Language, &f.ContentType, &indexedAt)
	if err != nil {
		return nil, err
	}
	f.ModTime = time.Unix(0, modTime)
	f.IndexedAt = time.Unix(0, indexedAt)
	return &f, nil
}

const fileColumns = `id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at`

// GetFileByPath returns a file by (project, relative path), or nil if absent.
func (s *SQLiteStore) GetFileByPath(ctx context.Context, projectID, path string) (*File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ? AND path = ?`,
		projectID, path)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// GetChangedFiles returns files whose mod time is after since.
func (s *SQLiteStore) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ? AND mod_time > ? ORDER BY path`,
		projectID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query changed files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// listFilesCursor encodes a pagination offset as an opaque cursor.
func listFilesCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("offset:%d", offset)))
}

func parseListFilesCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	payload := string(raw)
	if !strings.HasPrefix(payload, "offset:") {
		return 0, fmt.Errorf("invalid cursor format: %q", payload)
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(payload, "offset:"))
	if err != nil {
		return 0, fmt.Errorf("invalid cursor offset: %w", err)
	}
	if offset < 0 {
		return 0, fmt.Errorf("cursor offset must be non-negative, got %d", offset)
	}
	return offset, nil
}

// ListFiles returns a page of files ordered by path, with an opaque cursor
// for the next page. An empty next cursor means no more pages.
func (s *SQLiteStore) ListFiles(ctx context.Context, projectID string, cursor string, limit int) ([]*File, string, error) {
	offset, err := parseListFilesCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	// Fetch one extra row to detect whether a next page exists.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ? ORDER BY path LIMIT ? OFFSET ?`,
		projectID, limit+1, offset)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(files) > limit {
		files = files[:limit]
		nextCursor = listFilesCursor(offset + limit)
	}
	return files, nextCursor, nil
}

// GetFilePathsByProject returns all relative paths tracked for a project.
func (s *SQLiteStore) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM files WHERE project_id = ? ORDER BY path`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query file paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// GetFilesForReconciliation returns every file keyed by path, for the
// startup sync that compares disk state against the index.
func (s *SQLiteStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	fileMap := make(map[string]*File)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		fileMap[f.Path] = f
	}
	return fileMap, rows.Err()
}

// ListFilePathsUnder returns paths under a directory prefix. An empty
// prefix returns every path; a trailing slash is normalized away.
func (s *SQLiteStore) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	dirPrefix = strings.TrimSuffix(dirPrefix, "/")
	if dirPrefix == "" {
		return s.GetFilePathsByProject(ctx, projectID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM files WHERE project_id = ? AND path LIKE ? ESCAPE '\' ORDER BY path`,
		projectID, escapeLikePattern(dirPrefix)+"/%")
	if err != nil {
		return nil, fmt.Errorf("failed to query file paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// DeleteFile removes a file and its chunks. Idempotent.
func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM symbols WHERE chunk_id IN (SELECT id FROM chunks WHERE file_id = ?)`, fileID); err != nil {
		return fmt.Errorf("failed to delete symbols: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return tx.Commit()
}

// DeleteFilesByProject removes all files for a project, cascading to chunks.
func (s *SQLiteStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM symbols WHERE chunk_id IN (
			SELECT id FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)
		)`, projectID); err != nil {
		return fmt.Errorf("failed to delete symbols: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)`,
		projectID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to delete files: %w", err)
	}
	return tx.Commit()
}

// --- Chunk operations ---

// SaveChunks upserts chunks (and their symbols) in a single transaction.
func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, file_id, file_path, content, raw_content, context,
			content_type, language, start_line, end_line, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_id = excluded.file_id,
			file_path = excluded.file_path,
			content = excluded.content,
			raw_content = excluded.raw_content,
			context = excluded.context,
			content_type = excluded.content_type,
			language = excluded.language,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk statement: %w", err)
	}
	defer chunkStmt.Close()

	symDelStmt, err := tx.PrepareContext(ctx, `DELETE FROM symbols WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare symbol delete: %w", err)
	}
	defer symDelStmt.Close()

	symStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO symbols (chunk_id, name, type, start_line, end_line, signature, doc_comment)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare symbol statement: %w", err)
	}
	defer symStmt.Close()

	for _, c := range chunks {
		var metadata []byte
		if len(c.Metadata) > 0 {
			metadata, err = json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode chunk metadata: %w", err)
			}
		}

		if _, err := chunkStmt.ExecContext(ctx, c.ID, c.FileID, c.FilePath,
			c.Content, c.RawContent, c.Context, string(c.ContentType), c.Language,
			c.StartLine, c.EndLine, string(metadata),
			c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to save chunk %s: %w", c.ID, err)
		}

		if _, err := symDelStmt.ExecContext(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to clear symbols for chunk %s: %w", c.ID, err)
		}
		for _, sym := range c.Symbols {
			if _, err := symStmt.ExecContext(ctx, c.ID, sym.Name, string(sym.Type),
				sym.StartLine, sym.EndLine, sym.Signature, sym.DocComment); err != nil {
				return fmt.Errorf("failed to save symbol %s: %w", sym.Name, err)
			}
		}
	}

	return tx.Commit()
}

const chunkColumns = `id, file_id, file_path, content, raw_content, context,
	content_type, language, start_line, end_line, metadata, created_at, updated_at`

func scanChunk(scanner interface{ Scan(...any) error }) (*Chunk, error) {
	var c Chunk
	var contentType, metadata string
	var createdAt, updatedAt int64
	err := scanner.Scan(&c.ID, &c.FileID, &c.FilePath, &c.Content, &c.RawContent,
		&c.Context, &contentType, &c.Language, &c.StartLine, &c.EndLine,
		&metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.ContentType = ContentType(contentType)
	c.CreatedAt = time.Unix(0, createdAt)
	c.UpdatedAt = time.Unix(0, updatedAt)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
		}
	}
	return &c, nil
}

// GetChunk returns a single chunk with its symbols, or nil if absent.
func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	if err := s.attachSymbols(ctx, []*Chunk{c}); err != nil {
		return nil, err
	}
	return c, nil
}

// GetChunks returns the chunks for the given IDs, skipping IDs that do
// not exist. An empty input returns nil.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve the caller's order.
	chunks := make([]*Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			chunks = append(chunks, c)
		}
	}
	if err := s.attachSymbols(ctx, chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// GetChunksByFile returns all chunks for a file ordered by start line.
func (s *SQLiteStore) GetChunksByFile(ctx context.Context, fileID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE file_id = ? ORDER BY start_line`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachSymbols(ctx, chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *SQLiteStore) attachSymbols(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	placeholders := make([]string, len(chunks))
	args := make([]any, len(chunks))
	byID := make(map[string]*Chunk, len(chunks))
	for i, c := range chunks {
		placeholders[i] = "?"
		args[i] = c.ID
		byID[c.ID] = c
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, name, type, start_line, end_line, signature, doc_comment
		FROM symbols WHERE chunk_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY start_line`, args...)
	if err != nil {
		return fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chunkID, symType string
		var sym Symbol
		if err := rows.Scan(&chunkID, &sym.Name, &symType, &sym.StartLine,
			&sym.EndLine, &sym.Signature, &sym.DocComment); err != nil {
			return fmt.Errorf("failed to scan symbol: %w", err)
		}
		sym.Type = SymbolType(symType)
		if c, ok := byID[chunkID]; ok {
			c.Symbols = append(c.Symbols, &sym)
		}
	}
	return rows.Err()
}

// DeleteChunks removes chunks by ID. Missing IDs are ignored.
func (s *SQLiteStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	inClause := strings.Join(placeholders, ",")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM symbols WHERE chunk_id IN (`+inClause+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete symbols: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE id IN (`+inClause+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return tx.Commit()
}

// DeleteChunksByFile removes all chunks for a file.
func (s *SQLiteStore) DeleteChunksByFile(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM symbols WHERE chunk_id IN (SELECT id FROM chunks WHERE file_id = ?)`, fileID); err != nil {
		return fmt.Errorf("failed to delete symbols: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return tx.Commit()
}

// --- Symbol operations ---

// SearchSymbols returns symbols whose name contains the query substring.
func (s *SQLiteStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*Symbol, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, start_line, end_line, signature, doc_comment
		FROM symbols WHERE name LIKE ? ESCAPE '\' ORDER BY name LIMIT ?`,
		"%"+escapeLikePattern(name)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search symbols: %w", err)
	}
	defer rows.Close()

	var symbols []*Symbol
	for rows.Next() {
		var sym Symbol
		var symType string
		if err := rows.Scan(&sym.Name, &symType, &sym.StartLine, &sym.EndLine,
			&sym.Signature, &sym.DocComment); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		sym.Type = SymbolType(symType)
		symbols = append(symbols, &sym)
	}
	return symbols, rows.Err()
}

// --- State operations ---

// GetState returns a runtime state value, or "" when the key is unset.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, nil
}

// SetState stores a runtime state value, overwriting any prior value.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// --- Embedding operations ---

// embeddingToBytes packs a float32 vector into little-endian bytes for
// BLOB storage.
func embeddingToBytes(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToEmbedding(data []byte) []float32 {
	if len(data) < 4 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}

// SaveChunkEmbeddings stores embeddings against existing chunks so the
// vector index can be rebuilt without re-embedding.
func (s *SQLiteStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("chunk ID count (%d) does not match embedding count (%d)",
			len(chunkIDs), len(embeddings))
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE chunks SET embedding = ?, embedding_model = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, id := range chunkIDs {
		if _, err := stmt.ExecContext(ctx, embeddingToBytes(embeddings[i]), model, id); err != nil {
			return fmt.Errorf("failed to save embedding for chunk %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// GetAllEmbeddings returns every stored embedding keyed by chunk ID.
// Chunks without an embedding are omitted.
func (s *SQLiteStore) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	embeddings := make(map[string][]float32)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		if vec := bytesToEmbedding(data); vec != nil {
			embeddings[id] = vec
		}
	}
	return embeddings, rows.Err()
}

// GetEmbeddingStats counts chunks with and without a stored embedding.
func (s *SQLiteStore) GetEmbeddingStats(ctx context.Context) (withEmbedding, withoutEmbedding int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN embedding IS NOT NULL THEN 1 END),
			COUNT(CASE WHEN embedding IS NULL THEN 1 END)
		FROM chunks`).Scan(&withEmbedding, &withoutEmbedding)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get embedding stats: %w", err)
	}
	return withEmbedding, withoutEmbedding, nil
}

// --- Checkpoint operations ---

// SaveIndexCheckpoint records indexing progress so an interrupted run can
// resume instead of starting over.
func (s *SQLiteStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	values := map[string]string{
		StateKeyCheckpointStage:         stage,
		StateKeyCheckpointTotal:         strconv.Itoa(total),
		StateKeyCheckpointEmbedded:      strconv.Itoa(embeddedCount),
		StateKeyCheckpointTimestamp:     time.Now().UTC().Format(time.RFC3339),
		StateKeyCheckpointEmbedderModel: embedderModel,
	}
	for key, value := range values {
		if err := s.SetState(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// LoadIndexCheckpoint returns the saved checkpoint, or nil when there is
// none or the last run completed.
func (s *SQLiteStore) LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error) {
	stage, err := s.GetState(ctx, StateKeyCheckpointStage)
	if err != nil {
		return nil, err
	}
	if stage == "" || stage == "complete" {
		return nil, nil
	}

	cp := &IndexCheckpoint{Stage: stage}

	if raw, err := s.GetState(ctx, StateKeyCheckpointTotal); err != nil {
		return nil, err
	} else if raw != "" {
		cp.Total, _ = strconv.Atoi(raw)
	}
	if raw, err := s.GetState(ctx, StateKeyCheckpointEmbedded); err != nil {
		return nil, err
	} else if raw != "" {
		cp.EmbeddedCount, _ = strconv.Atoi(raw)
	}
	if raw, err := s.GetState(ctx, StateKeyCheckpointTimestamp); err != nil {
		return nil, err
	} else if raw != "" {
		cp.Timestamp, _ = time.Parse(time.RFC3339, raw)
	}
	if raw, err := s.GetState(ctx, StateKeyCheckpointEmbedderModel); err != nil {
		return nil, err
	} else {
		cp.EmbedderModel = raw
	}

	return cp, nil
}

// ClearIndexCheckpoint removes any saved checkpoint.
func (s *SQLiteStore) ClearIndexCheckpoint(ctx context.Context) error {
	keys := []string{
		StateKeyCheckpointStage,
		StateKeyCheckpointTotal,
		StateKeyCheckpointEmbedded,
		StateKeyCheckpointTimestamp,
		StateKeyCheckpointEmbedderModel,
	}
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to clear checkpoint key %s: %w", key, err)
		}
	}
	return nil
}
