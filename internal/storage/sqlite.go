package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/funnyzak/viewaudit/internal/config"
	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/pkg/request"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
)

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StorageConfig
	log logger.Logger
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    started_ns INTEGER NOT NULL,
    finished_ns INTEGER,
    lines INTEGER NOT NULL DEFAULT 0,
    uniq INTEGER NOT NULL DEFAULT 0,
    identical INTEGER NOT NULL DEFAULT 0,
    mismatched INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_ns DESC);

CREATE TABLE IF NOT EXISTS replays (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    timestamp_ns INTEGER NOT NULL,
    view TEXT NOT NULL,
    full_path TEXT NOT NULL,
    result TEXT NOT NULL,
    prod_rows INTEGER NOT NULL DEFAULT 0,
    new_rows INTEGER NOT NULL DEFAULT 0,
    diff_rows INTEGER NOT NULL DEFAULT 0,
    diff_json TEXT,
    archive_dir TEXT,
    duration_ms INTEGER,
    error TEXT,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_replays_ts ON replays(timestamp_ns DESC);
CREATE INDEX IF NOT EXISTS idx_replays_run ON replays(run_id);
CREATE INDEX IF NOT EXISTS idx_replays_view ON replays(view, timestamp_ns DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) BeginRun(kind string) (*request.RunRecord, error) {
	run := &request.RunRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(context.Background(),
		"INSERT INTO runs (id, kind, started_ns) VALUES (?, ?, ?)",
		run.ID, run.Kind, run.StartedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (s *sqliteStore) FinishRun(run *request.RunRecord) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE runs SET finished_ns = ?, lines = ?, uniq = ?, identical = ?, mismatched = ?, failed = ? WHERE id = ?`,
		finished.UnixNano(), run.Lines, run.Unique, run.Identical, run.Mismatched, run.Failed, run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

func (s *sqliteStore) ListRuns(limit int) ([]*request.RunRecord, error) {
	query := "SELECT id, kind, started_ns, finished_ns, lines, uniq, identical, mismatched, failed FROM runs ORDER BY started_ns DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*request.RunRecord
	for rows.Next() {
		var (
			run      request.RunRecord
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &run.Kind, &started, &finished,
			&run.Lines, &run.Unique, &run.Identical, &run.Mismatched, &run.Failed); err != nil {
			return nil, err
		}
		run.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			t := time.Unix(0, finished.Int64).UTC()
			run.FinishedAt = &t
		}
		result = append(result, &run)
	}
	return result, rows.Err()
}

// RecordReplay stores one replay outcome and prunes the oldest rows beyond
// the configured maximum.
func (s *sqliteStore) RecordReplay(data *request.ReplayRecord) (rec *request.ReplayRecord, err error) {
	if data == nil {
		return nil, fmt.Errorf("replay record is nil")
	}
	ctx := context.Background()
	ts := data.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	data.Timestamp = ts

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertSQL := `INSERT INTO replays (
		run_id, timestamp_ns, view, full_path, result, prod_rows, new_rows,
		diff_rows, diff_json, archive_dir, duration_ms, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var diff interface{}
	if len(data.Diff) > 0 {
		diff = string(data.Diff)
	}
	res, err := tx.ExecContext(ctx, insertSQL,
		data.RunID,
		ts.UnixNano(),
		data.View,
		data.FullPath,
		data.Result,
		data.ProdRows,
		data.NewRows,
		data.DiffRows,
		diff,
		data.ArchiveDir,
		data.DurationMs,
		data.Error,
	)
	if err != nil {
		return nil, fmt.Errorf("insert replay: %w", err)
	}
	if data.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("read replay id: %w", err)
	}

	if err = s.prune(ctx, tx); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx) error {
	if s.cfg.MaxRecords <= 0 {
		return nil
	}
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM replays").Scan(&count); err != nil {
		return fmt.Errorf("count records: %w", err)
	}
	if excess := count - s.cfg.MaxRecords; excess > 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM replays WHERE id IN (SELECT id FROM replays ORDER BY id ASC LIMIT ?)", excess); err != nil {
			return fmt.Errorf("prune max records: %w", err)
		}
		s.log.Debug("Pruned replay ledger", "removed", excess)
	}
	return nil
}

const replayColumns = "id, run_id, timestamp_ns, view, full_path, result, prod_rows, new_rows, diff_rows, diff_json, archive_dir, duration_ms, error"

func (s *sqliteStore) ListReplays(opts ListOptions) ([]*request.ReplayRecord, int, error) {
	ctx := context.Background()
	where, args := buildFilters(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM replays "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := strings.Builder{}
	query.WriteString("SELECT " + replayColumns + " FROM replays ")
	query.WriteString(where)
	query.WriteString(" ORDER BY id DESC")

	listArgs := append([]interface{}{}, args...)
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		query.WriteString(" LIMIT ? OFFSET ?")
		listArgs = append(listArgs, opts.Limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []*request.ReplayRecord
	for rows.Next() {
		rec, err := scanReplay(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *sqliteStore) GetReplay(id int64) (*request.ReplayRecord, error) {
	row := s.db.QueryRowContext(context.Background(), "SELECT "+replayColumns+" FROM replays WHERE id = ?", id)
	rec, err := scanReplay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanReplay(scanner interface {
	Scan(dest ...interface{}) error
}) (*request.ReplayRecord, error) {
	var (
		rec        request.ReplayRecord
		ts         int64
		diffJSON   sql.NullString
		archiveDir sql.NullString
		durationMs sql.NullInt64
		errorMsg   sql.NullString
	)
	if err := scanner.Scan(
		&rec.ID,
		&rec.RunID,
		&ts,
		&rec.View,
		&rec.FullPath,
		&rec.Result,
		&rec.ProdRows,
		&rec.NewRows,
		&rec.DiffRows,
		&diffJSON,
		&archiveDir,
		&durationMs,
		&errorMsg,
	); err != nil {
		return nil, err
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	if diffJSON.Valid && diffJSON.String != "" {
		rec.Diff = []byte(diffJSON.String)
	}
	rec.ArchiveDir = archiveDir.String
	rec.DurationMs = durationMs.Int64
	rec.Error = errorMsg.String
	return &rec, nil
}

func buildFilters(opts ListOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if runID := strings.TrimSpace(opts.RunID); runID != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, runID)
	}
	if view := strings.TrimSpace(opts.View); view != "" {
		clauses = append(clauses, "view = ?")
		args = append(args, view)
	}
	if opts.DiffOnly {
		clauses = append(clauses, "diff_rows > 0")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
