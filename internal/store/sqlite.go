package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ctestci/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			build_dir TEXT NOT NULL,
			revision TEXT NOT NULL,
			reported_revision TEXT,
			update_exit_code INTEGER NOT NULL DEFAULT -1,
			build_exit_code INTEGER NOT NULL DEFAULT -1,
			exit_code INTEGER NOT NULL DEFAULT -1,
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			config_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			sha256 TEXT,
			size_bytes INTEGER,
			created_at TEXT NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run core.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, build_dir, revision, status, started_at, config_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID,
		run.BuildDir,
		run.Revision,
		run.Status,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.Config,
	)
	return err
}

// RecordStep stores the exit code of the update or build step.
func (s *SQLiteStore) RecordStep(ctx context.Context, runID string, stage string, exitCode int) error {
	var column string
	switch stage {
	case core.StageUpdate:
		column = "update_exit_code"
	case core.StageBuild:
		column = "build_exit_code"
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET `+column+` = ? WHERE run_id = ?`, exitCode, runID)
	return err
}

func (s *SQLiteStore) RecordPatch(ctx context.Context, runID string, reportedRevision string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET reported_revision = ?
		WHERE run_id = ?`,
		reportedRevision,
		runID,
	)
	return err
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status string, exitCode int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, exit_code = ?, error = ?, finished_at = ?
		WHERE run_id = ?`,
		status,
		exitCode,
		errMsg,
		time.Now().UTC().Format(time.RFC3339),
		runID,
	)
	return err
}

func (s *SQLiteStore) AddArtifact(ctx context.Context, artifact core.ArtifactRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (run_id, stage, kind, path, sha256, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		artifact.RunID,
		artifact.Stage,
		artifact.Kind,
		artifact.Path,
		artifact.SHA256,
		artifact.SizeBytes,
		artifact.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

const runColumns = `run_id, build_dir, revision, reported_revision, update_exit_code, build_exit_code,
	exit_code, status, error, started_at, finished_at, config_json`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (core.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return core.RunRecord{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return run, err
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]core.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []core.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, runID string) ([]core.ArtifactRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, kind, path, sha256, size_bytes, created_at
		FROM artifacts
		WHERE run_id = ?
		ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []core.ArtifactRecord
	for rows.Next() {
		var (
			artifact  core.ArtifactRecord
			sha       sql.NullString
			size      sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&artifact.Stage, &artifact.Kind, &artifact.Path, &sha, &size, &createdAt); err != nil {
			return nil, err
		}
		artifact.RunID = runID
		artifact.SHA256 = sha.String
		artifact.SizeBytes = size.Int64
		artifact.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (core.RunRecord, error) {
	var (
		run        core.RunRecord
		reported   sql.NullString
		errMsg     sql.NullString
		startedAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(
		&run.RunID,
		&run.BuildDir,
		&run.Revision,
		&reported,
		&run.UpdateExitCode,
		&run.BuildExitCode,
		&run.ExitCode,
		&run.Status,
		&errMsg,
		&startedAt,
		&finishedAt,
		&run.Config,
	); err != nil {
		return core.RunRecord{}, err
	}

	run.ReportedRevision = reported.String
	run.Error = errMsg.String
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if finishedAt.Valid {
		run.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt.String)
	}
	return run, nil
}
