// Package store — SQLite-backed Store implementation.
// Single-file durability without an external database. Complex execution
// fields travel as a JSON body column; hot filter columns (platform, stage,
// status) are broken out for indexed queries.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on top of a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "loom.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// ── Execution Store ─────────────────────────────────────────

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}
	var completedAt any
	if exec.CompletedAt != nil {
		completedAt = exec.CompletedAt.UTC().Format(time.RFC3339)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, stage, status, platform, score, attempts, error, body, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, string(exec.Stage), string(exec.Status), exec.Opportunity.Platform,
		exec.Score, exec.Attempts, exec.Error, string(body),
		exec.CreatedAt.UTC().Format(time.RFC3339), exec.UpdatedAt.UTC().Format(time.RFC3339), completedAt)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	exec.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}
	var completedAt any
	if exec.CompletedAt != nil {
		completedAt = exec.CompletedAt.UTC().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET stage = ?, status = ?, score = ?, attempts = ?, error = ?, body = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(exec.Stage), string(exec.Status), exec.Score, exec.Attempts, exec.Error,
		string(body), exec.UpdatedAt.Format(time.RFC3339), completedAt, exec.ID)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "execution", Key: exec.ID}
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM executions WHERE id = ?", id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "execution", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	var exec models.Execution
	if err := json.Unmarshal([]byte(body), &exec); err != nil {
		return nil, fmt.Errorf("unmarshaling execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]models.Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT body FROM executions WHERE 1=1"
	var args []any
	if filter.Platform != "" {
		query += " AND platform = ?"
		args = append(args, filter.Platform)
	}
	if filter.Stage != "" {
		query += " AND stage = ?"
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var result []models.Execution
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var exec models.Execution
		if err := json.Unmarshal([]byte(body), &exec); err != nil {
			return nil, fmt.Errorf("unmarshaling execution row: %w", err)
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "execution", Key: id}
	}
	_, _ = s.db.ExecContext(ctx, "DELETE FROM approvals WHERE execution_id = ?", id)
	return nil
}

// ── Approval Store ──────────────────────────────────────────

func (s *SQLiteStore) CreateApproval(ctx context.Context, record *models.ApprovalRecord) error {
	var resolvedAt any
	if record.ResolvedAt != nil {
		resolvedAt = record.ResolvedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO approvals (execution_id, id, status, approver, comments, requested_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ExecutionID, record.ID, record.Status, record.Approver, record.Comments,
		record.RequestedAt.UTC().Format(time.RFC3339), resolvedAt)
	if err != nil {
		return fmt.Errorf("inserting approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateApproval(ctx context.Context, record *models.ApprovalRecord) error {
	return s.CreateApproval(ctx, record)
}

func (s *SQLiteStore) GetApproval(ctx context.Context, executionID string) (*models.ApprovalRecord, error) {
	var rec models.ApprovalRecord
	var requestedAt string
	var resolvedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, id, status, approver, comments, requested_at, resolved_at
		FROM approvals WHERE execution_id = ?`, executionID).
		Scan(&rec.ExecutionID, &rec.ID, &rec.Status, &rec.Approver, &rec.Comments, &requestedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "approval", Key: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("querying approval: %w", err)
	}
	rec.RequestedAt, _ = time.Parse(time.RFC3339, requestedAt)
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339, resolvedAt.String)
		if err == nil {
			rec.ResolvedAt = &t
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, status string, limit int) ([]models.ApprovalRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT execution_id, id, status, approver, comments, requested_at, resolved_at FROM approvals"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY requested_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	defer rows.Close()

	var result []models.ApprovalRecord
	for rows.Next() {
		var rec models.ApprovalRecord
		var requestedAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&rec.ExecutionID, &rec.ID, &rec.Status, &rec.Approver, &rec.Comments, &requestedAt, &resolvedAt); err != nil {
			return nil, err
		}
		rec.RequestedAt, _ = time.Parse(time.RFC3339, requestedAt)
		if resolvedAt.Valid {
			if t, err := time.Parse(time.RFC3339, resolvedAt.String); err == nil {
				rec.ResolvedAt = &t
			}
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ── Result Cache Store ──────────────────────────────────────

func (s *SQLiteStore) GetCachedResult(ctx context.Context, idempotencyKey string) (*models.OutcomeResult, error) {
	var body, expiresAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT body, expires_at FROM result_cache WHERE idempotency_key = ?", idempotencyKey).
		Scan(&body, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "cached_result", Key: idempotencyKey}
	}
	if err != nil {
		return nil, fmt.Errorf("querying cached result: %w", err)
	}
	exp, _ := time.Parse(time.RFC3339, expiresAt)
	if time.Now().After(exp) {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM result_cache WHERE idempotency_key = ?", idempotencyKey)
		return nil, &ErrNotFound{Entity: "cached_result", Key: idempotencyKey}
	}
	var result models.OutcomeResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling cached result: %w", err)
	}
	return &result, nil
}

func (s *SQLiteStore) PutCachedResult(ctx context.Context, idempotencyKey string, result *models.OutcomeResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO result_cache (idempotency_key, body, expires_at)
		VALUES (?, ?, ?)`,
		idempotencyKey, string(body), time.Now().Add(ttl).UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting cached result: %w", err)
	}
	return nil
}

// ── Learning Store ──────────────────────────────────────────

func (s *SQLiteStore) AppendLearning(ctx context.Context, record *models.LearningRecord) error {
	won := 0
	if record.Won {
		won = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learning (execution_id, platform, won, stage, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		record.ExecutionID, record.Platform, won, string(record.Stage),
		record.RecordedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting learning record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PlatformTallies(ctx context.Context) ([]models.PlatformTally, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, SUM(won), COUNT(*) - SUM(won)
		FROM learning GROUP BY platform`)
	if err != nil {
		return nil, fmt.Errorf("querying tallies: %w", err)
	}
	defer rows.Close()

	var result []models.PlatformTally
	for rows.Next() {
		var t models.PlatformTally
		if err := rows.Scan(&t.Platform, &t.Wins, &t.Losses); err != nil {
			return nil, err
		}
		if total := t.Wins + t.Losses; total > 0 {
			t.WinRate = float64(t.Wins) / float64(total)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
