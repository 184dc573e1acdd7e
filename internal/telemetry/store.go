package telemetry

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLiteMetricsStore persists aggregated query telemetry in the same
// SQLite database the metadata store owns. It never opens or closes the
// connection itself; callers hand in the shared handle.
type SQLiteMetricsStore struct {
	db *sql.DB
}

// NewSQLiteMetricsStore wraps a shared database handle. The telemetry
// tables must already exist (see InitTelemetrySchema).
func NewSQLiteMetricsStore(db *sql.DB) (*SQLiteMetricsStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLiteMetricsStore{db: db}, nil
}

// zeroResultCap bounds the zero-result ring; older rows are dropped.
const zeroResultCap = 100

// InitTelemetrySchema creates the telemetry tables on the shared handle.
func InitTelemetrySchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_type_stats (
		date       TEXT NOT NULL,
		query_type TEXT NOT NULL,
		count      INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, query_type)
	);

	CREATE TABLE IF NOT EXISTS query_terms (
		term      TEXT PRIMARY KEY,
		count     INTEGER NOT NULL DEFAULT 1,
		last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_query_terms_count ON query_terms(count DESC);

	CREATE TABLE IF NOT EXISTS zero_result_queries (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		query     TEXT NOT NULL,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS query_latency_stats (
		date   TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, bucket)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create telemetry schema: %w", err)
	}
	return nil
}

// addDailyCounts folds a batch of (key, count) pairs into one of the
// per-day aggregate tables inside a single transaction. Both the
// query-type and latency tables share this (date, key) -> count shape.
func (s *SQLiteMetricsStore) addDailyCounts(table, keyColumn, date string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (date, %s, count) VALUES (?, ?, ?)
		ON CONFLICT(date, %s) DO UPDATE SET count = count + excluded.count`,
		table, keyColumn, keyColumn)
	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for key, count := range counts {
		if _, err := stmt.Exec(date, key, count); err != nil {
			return fmt.Errorf("add count for %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// sumDailyCounts reads back an aggregate table over an inclusive date
// range, summing per key.
func (s *SQLiteMetricsStore) sumDailyCounts(table, keyColumn, from, to string) (map[string]int64, error) {
	query := fmt.Sprintf(`
		SELECT %s, SUM(count) FROM %s
		WHERE date >= ? AND date <= ?
		GROUP BY %s`, keyColumn, table, keyColumn)
	rows, err := s.db.Query(query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

// SaveQueryTypeCounts folds daily query-type counts into the store.
func (s *SQLiteMetricsStore) SaveQueryTypeCounts(date string, counts map[QueryType]int64) error {
	raw := make(map[string]int64, len(counts))
	for qt, n := range counts {
		raw[string(qt)] = n
	}
	return s.addDailyCounts("query_type_stats", "query_type", date, raw)
}

// GetQueryTypeCounts sums query-type counts over an inclusive date range.
func (s *SQLiteMetricsStore) GetQueryTypeCounts(from, to string) (map[QueryType]int64, error) {
	raw, err := s.sumDailyCounts("query_type_stats", "query_type", from, to)
	if err != nil {
		return nil, err
	}
	counts := make(map[QueryType]int64, len(raw))
	for key, n := range raw {
		counts[QueryType(key)] = n
	}
	return counts, nil
}

// UpsertTermCounts folds query-term frequencies into the store and
// refreshes each term's last-seen timestamp.
func (s *SQLiteMetricsStore) UpsertTermCounts(terms map[string]int64) error {
	if len(terms) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO query_terms (term, count, last_seen)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(term) DO UPDATE SET
			count = count + excluded.count,
			last_seen = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for term, count := range terms {
		if _, err := stmt.Exec(term, count); err != nil {
			return fmt.Errorf("upsert term %q: %w", term, err)
		}
	}

	return tx.Commit()
}

// GetTopTerms returns the most frequent query terms, highest first.
func (s *SQLiteMetricsStore) GetTopTerms(limit int) ([]TermCount, error) {
	rows, err := s.db.Query(
		`SELECT term, count FROM query_terms ORDER BY count DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}
	defer rows.Close()

	var terms []TermCount
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		terms = append(terms, tc)
	}
	return terms, rows.Err()
}

// AddZeroResultQuery records a query that returned nothing, keeping only
// the newest zeroResultCap entries.
func (s *SQLiteMetricsStore) AddZeroResultQuery(query string, timestamp time.Time) error {
	if _, err := s.db.Exec(
		`INSERT INTO zero_result_queries (query, timestamp) VALUES (?, ?)`,
		query, timestamp); err != nil {
		return fmt.Errorf("insert zero-result query: %w", err)
	}

	if _, err := s.db.Exec(`
		DELETE FROM zero_result_queries
		WHERE id NOT IN (
			SELECT id FROM zero_result_queries ORDER BY id DESC LIMIT ?
		)`, zeroResultCap); err != nil {
		return fmt.Errorf("trim zero-result queries: %w", err)
	}
	return nil
}

// GetZeroResultQueries returns the newest zero-result queries.
func (s *SQLiteMetricsStore) GetZeroResultQueries(limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT query FROM zero_result_queries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query zero-result queries: %w", err)
	}
	defer rows.Close()

	var queries []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// SaveLatencyCounts folds daily latency-bucket counts into the store.
func (s *SQLiteMetricsStore) SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error {
	raw := make(map[string]int64, len(counts))
	for bucket, n := range counts {
		raw[string(bucket)] = n
	}
	return s.addDailyCounts("query_latency_stats", "bucket", date, raw)
}

// GetLatencyCounts sums latency-bucket counts over an inclusive date range.
func (s *SQLiteMetricsStore) GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error) {
	raw, err := s.sumDailyCounts("query_latency_stats", "bucket", from, to)
	if err != nil {
		return nil, err
	}
	counts := make(map[LatencyBucket]int64, len(raw))
	for key, n := range raw {
		counts[LatencyBucket(key)] = n
	}
	return counts, nil
}

// Close is a no-op; the handle belongs to the metadata store.
func (s *SQLiteMetricsStore) Close() error {
	return nil
}
