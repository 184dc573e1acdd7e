// Package tracker is the file tracker: a SQLite-backed registry of
// per-file content hashes, last-indexed timestamps, the unit/edge registry,
// and embedding-model metadata.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, no CGO, matching store.SQLiteBM25Index

	"github.com/codelens/codelens/internal/graph"
	"github.com/codelens/codelens/internal/units"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	path TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	last_indexed TIMESTAMP NOT NULL,
	embedding_model TEXT NOT NULL DEFAULT '',
	edge_fingerprint TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS units (
	id TEXT PRIMARY KEY,
	file TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	visibility TEXT NOT NULL DEFAULT '',
	is_async INTEGER NOT NULL DEFAULT 0,
	start_line INTEGER NOT NULL,
	end_line INTEGER NOT NULL,
	start_byte INTEGER NOT NULL,
	end_byte INTEGER NOT NULL,
	summary TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_units_file ON units(file);
CREATE INDEX IF NOT EXISTS idx_units_name ON units(name);

CREATE TABLE IF NOT EXISTS edges (
	source TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	target_name TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source, target, target_name, kind)
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Tracker is the file registry.
type Tracker struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens (creating if necessary) the tracker database at path. Use
// ":memory:" for an ephemeral tracker.
func Open(path string) (*Tracker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker schema: %w", err)
	}
	return &Tracker{db: db}, nil
}

// Close releases the underlying database handle.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// NeedsReindex reports whether path must be (re)indexed: true if it is
// unknown, its content hash differs, or modelKey differs from the
// recorded embedding model.
func (t *Tracker) NeedsReindex(ctx context.Context, path, contentHash, modelKey string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var storedHash, storedModel string
	err := t.db.QueryRowContext(ctx,
		`SELECT content_hash, embedding_model FROM files WHERE path = ?`, path,
	).Scan(&storedHash, &storedModel)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("query file: %w", err)
	}
	return storedHash != contentHash || storedModel != modelKey, nil
}

// Record persists a file's content hash, its units, and its resolved edges
// as a single transaction (a per-file-indexing-unit
// transaction). Prior units/edges for the file are replaced.
func (t *Tracker) Record(ctx context.Context, path, contentHash, modelKey string, fileUnits []*units.Unit, edges []graph.Edge) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM units WHERE file = ?`, path); err != nil {
		return fmt.Errorf("delete prior units: %w", err)
	}
	var priorIDs []string
	rows, err := tx.QueryContext(ctx, `SELECT id FROM units WHERE file = ?`, path)
	if err == nil {
		for rows.Next() {
			var id string
			if rows.Scan(&id) == nil {
				priorIDs = append(priorIDs, id)
			}
		}
		rows.Close()
	}
	for _, id := range priorIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE source = ? OR target = ?`, id, id); err != nil {
			return fmt.Errorf("delete prior edges: %w", err)
		}
	}

	unitStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO units (id, file, parent_id, kind, name, signature, visibility, is_async, start_line, end_line, start_byte, end_byte, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file=excluded.file, parent_id=excluded.parent_id, kind=excluded.kind, name=excluded.name,
			signature=excluded.signature, visibility=excluded.visibility, is_async=excluded.is_async,
			start_line=excluded.start_line, end_line=excluded.end_line, start_byte=excluded.start_byte,
			end_byte=excluded.end_byte, summary=excluded.summary
	`)
	if err != nil {
		return fmt.Errorf("prepare unit insert: %w", err)
	}
	defer unitStmt.Close()

	for _, u := range fileUnits {
		async := 0
		if u.IsAsync {
			async = 1
		}
		if _, err := unitStmt.ExecContext(ctx, u.ID, u.File, u.ParentID, string(u.Kind), u.Name, u.Signature,
			string(u.Visibility), async, u.StartLine, u.EndLine, u.StartByte, u.EndByte, u.Summary); err != nil {
			return fmt.Errorf("insert unit %s: %w", u.ID, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO edges (source, target, target_name, kind, resolved)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare edge insert: %w", err)
	}
	defer edgeStmt.Close()

	for _, e := range edges {
		resolved := 0
		if e.Resolved {
			resolved = 1
		}
		if _, err := edgeStmt.ExecContext(ctx, e.Source, e.Target, e.TargetName, string(e.Kind), resolved); err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
	}

	fingerprint := edgeFingerprint(edges)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO files (path, content_hash, last_indexed, embedding_model, edge_fingerprint)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash=excluded.content_hash, last_indexed=excluded.last_indexed,
			embedding_model=excluded.embedding_model, edge_fingerprint=excluded.edge_fingerprint
	`, path, contentHash, time.Now().UTC(), modelKey, fingerprint); err != nil {
		return fmt.Errorf("upsert file record: %w", err)
	}

	return tx.Commit()
}

// RemoveFile deletes a file's units, edges, and registry row.
func (t *Tracker) RemoveFile(ctx context.Context, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM units WHERE file = ?`, path)
	if err != nil {
		return fmt.Errorf("query units: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE source = ? OR target = ?`, id, id); err != nil {
			return fmt.Errorf("delete edges: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM units WHERE file = ?`, path); err != nil {
		return fmt.Errorf("delete units: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return tx.Commit()
}

// ListIndexedFiles returns every tracked relative path.
func (t *Tracker) ListIndexedFiles(ctx context.Context) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows, err := t.db.QueryContext(ctx, `SELECT path FROM files`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AllUnits loads every persisted unit, project-wide, as units.Unit values
// suitable for graph.NewIndex / graph.NewEngine. Parent/child links are not
// reconstructed (the forest shape is not needed for resolution or ranking).
func (t *Tracker) AllUnits(ctx context.Context) ([]*units.Unit, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows, err := t.db.QueryContext(ctx, `
		SELECT id, file, parent_id, kind, name, signature, visibility, is_async, start_line, end_line, start_byte, end_byte, summary
		FROM units
	`)
	if err != nil {
		return nil, fmt.Errorf("select units: %w", err)
	}
	defer rows.Close()

	var out []*units.Unit
	for rows.Next() {
		var u units.Unit
		var kind, visibility string
		var async int
		if err := rows.Scan(&u.ID, &u.File, &u.ParentID, &kind, &u.Name, &u.Signature, &visibility, &async,
			&u.StartLine, &u.EndLine, &u.StartByte, &u.EndByte, &u.Summary); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.Kind = units.Kind(kind)
		u.Visibility = units.Visibility(visibility)
		u.IsAsync = async != 0
		out = append(out, &u)
	}
	return out, rows.Err()
}

// AllEdges loads every persisted edge, project-wide.
func (t *Tracker) AllEdges(ctx context.Context) ([]graph.Edge, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows, err := t.db.QueryContext(ctx, `SELECT source, target, target_name, kind, resolved FROM edges`)
	if err != nil {
		return nil, fmt.Errorf("select edges: %w", err)
	}
	defer rows.Close()

	var out []graph.Edge
	for rows.Next() {
		var e graph.Edge
		var kind string
		var resolved int
		if err := rows.Scan(&e.Source, &e.Target, &e.TargetName, &kind, &resolved); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Kind = graph.EdgeKind(kind)
		e.Resolved = resolved != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveDangling re-resolves every still-dangling edge against the current
// project-wide unit index (the post-run second edge-resolution pass).
// Returns the number of edges newly resolved.
func (t *Tracker) ResolveDangling(ctx context.Context, idx *graph.Index, rank func(string) float64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	resolver := graph.NewResolver(idx, rank)
	_ = resolver // resolution is token-based; dangling rows only retain target_name

	rows, err := t.db.QueryContext(ctx, `SELECT source, target_name, kind FROM edges WHERE resolved = 0`)
	if err != nil {
		return 0, fmt.Errorf("select dangling: %w", err)
	}
	type row struct{ source, name, kind string }
	var dangling []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.source, &r.name, &r.kind); err == nil {
			dangling = append(dangling, r)
		}
	}
	rows.Close()

	count := 0
	for _, d := range dangling {
		// Global name match only: local/import tiers were already exhausted
		// in the first pass that produced this dangling row.
		candidates := idx.GlobalCandidates(d.name)
		var best string
		var bestRank float64
		for _, c := range candidates {
			if c.ID == d.source {
				continue
			}
			r := rank(c.ID)
			if best == "" || r > bestRank || (r == bestRank && c.ID < best) {
				best = c.ID
				bestRank = r
			}
		}
		if best == "" {
			continue
		}
		if _, err := t.db.ExecContext(ctx, `
			UPDATE edges SET target = ?, resolved = 1 WHERE source = ? AND target_name = ? AND kind = ?
		`, best, d.source, d.name, d.kind); err != nil {
			return count, fmt.Errorf("resolve dangling edge: %w", err)
		}
		count++
	}
	return count, nil
}

// GetMetadata reads a key-value metadata entry.
func (t *Tracker) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var v string
	err := t.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata: %w", err)
	}
	return v, true, nil
}

// SetMetadata upserts a key-value metadata entry.
func (t *Tracker) SetMetadata(ctx context.Context, key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// ResetForDimensionChange clears every unit/edge/file row. Called when the store
// detects a vector-dimension mismatch and signals the tracker to reset
// (all stored vectors must share one dimension).
func (t *Tracker) ResetForDimensionChange(ctx context.Context, newModelKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{`DELETE FROM edges`, `DELETE FROM units`, `DELETE FROM files`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES ('embedding_model', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, newModelKey); err != nil {
		return fmt.Errorf("reset metadata: %w", err)
	}
	return tx.Commit()
}

func edgeFingerprint(edges []graph.Edge) string {
	return fmt.Sprintf("%d", len(edges))
}
