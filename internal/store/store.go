// File: internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

// ErrNoDatabase is returned by callers that need persistence when no
// database is configured.
var ErrNoDatabase = errors.New("database not configured")

// ErrScanNotFound is returned when a task has no persisted scan row.
var ErrScanNotFound = errors.New("scan not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the tables the store writes to. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
    id         BIGSERIAL PRIMARY KEY,
    name       TEXT NOT NULL,
    target     TEXT NOT NULL DEFAULT '',
    scope      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS scans (
    id          BIGSERIAL PRIMARY KEY,
    task_id     TEXT NOT NULL UNIQUE,
    project_id  BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    tool_name   TEXT NOT NULL,
    command     TEXT NOT NULL,
    status      TEXT NOT NULL,
    output      TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS findings (
    id          BIGSERIAL PRIMARY KEY,
    scan_id     BIGINT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
    finding_id  TEXT NOT NULL,
    severity    TEXT NOT NULL,
    title       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    evidence    TEXT NOT NULL DEFAULT ''
);
`

const (
	sqlInsertProject = `
        INSERT INTO projects (name, target, scope, created_at)
        VALUES ($1, $2, $3, $4)
        RETURNING id;
    `
	sqlListProjects = `
        SELECT id, name, target, scope, created_at
        FROM projects
        ORDER BY id DESC;
    `
	sqlInsertScan = `
        INSERT INTO scans (task_id, project_id, tool_name, command, status, output, started_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (task_id) DO NOTHING;
    `
	sqlFinishScan = `
        UPDATE scans SET status = $2, output = $3, finished_at = $4
        WHERE task_id = $1;
    `
	sqlScanIDByTask = `SELECT id FROM scans WHERE task_id = $1;`
	sqlListScans    = `
        SELECT id, task_id, project_id, tool_name, command, status, started_at, finished_at
        FROM scans
        WHERE project_id = $1
        ORDER BY started_at DESC;
    `
	sqlListFindings = `
        SELECT finding_id, severity, title, description, evidence
        FROM findings
        WHERE scan_id = $1
        ORDER BY id ASC;
    `
)

var findingColumns = []string{"scan_id", "finding_id", "severity", "title", "description", "evidence"}

// Store persists projects, scans and findings in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CreateProject inserts a project and returns it with its id.
func (s *Store) CreateProject(ctx context.Context, name, target, scope string) (schemas.Project, error) {
	p := schemas.Project{Name: name, Target: target, Scope: scope, CreatedAt: time.Now().UTC()}
	if err := s.pool.QueryRow(ctx, sqlInsertProject, p.Name, p.Target, p.Scope, p.CreatedAt).Scan(&p.ID); err != nil {
		return schemas.Project{}, fmt.Errorf("failed to create project: %w", err)
	}
	s.log.Info("Project created", zap.Int64("project_id", p.ID), zap.String("name", name))
	return p, nil
}

// ListProjects returns every project, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]schemas.Project, error) {
	rows, err := s.pool.Query(ctx, sqlListProjects)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	projects := []schemas.Project{}
	for rows.Next() {
		var p schemas.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Target, &p.Scope, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project row: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return projects, nil
}

// CreateScan records the start of a task under a project. Recording the same
// task twice is a no-op.
func (s *Store) CreateScan(ctx context.Context, projectID int64, task schemas.TaskView) error {
	_, err := s.pool.Exec(ctx, sqlInsertScan,
		task.ID, projectID, task.Tool, task.CommandLine(), string(task.Status), task.Output, task.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create scan for task %s: %w", task.ID, err)
	}
	return nil
}

// FinishScan stores a task's final status and output.
func (s *Store) FinishScan(ctx context.Context, task schemas.TaskView) error {
	tag, err := s.pool.Exec(ctx, sqlFinishScan, task.ID, string(task.Status), task.Output, finishedAt(task))
	if err != nil {
		return fmt.Errorf("failed to finish scan for task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", ErrScanNotFound, task.ID)
	}
	return nil
}

// FinishScans updates many scans in one transaction using a single batch.
func (s *Store) FinishScans(ctx context.Context, tasks []schemas.TaskView) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	batch := &pgx.Batch{}
	for _, t := range tasks {
		batch.Queue(sqlFinishScan, t.ID, string(t.Status), t.Output, finishedAt(t))
	}
	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for i := range tasks {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to finish scan for task %s (index %d): %w", tasks[i].ID, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ScanID resolves the row id of a task's scan.
func (s *Store) ScanID(ctx context.Context, taskID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, sqlScanIDByTask, taskID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: task %s", ErrScanNotFound, taskID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up scan for task %s: %w", taskID, err)
	}
	return id, nil
}

// SaveFindings bulk-inserts findings for a scan.
func (s *Store) SaveFindings(ctx context.Context, scanID int64, findings []schemas.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	rows := make([][]any, len(findings))
	for i, f := range findings {
		rows[i] = []any{scanID, f.ID, string(f.Severity), f.Name, f.Description, f.PoC}
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"findings"}, findingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(n) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), n)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListScans returns a project's scans, newest first. Output is omitted.
func (s *Store) ListScans(ctx context.Context, projectID int64) ([]schemas.ScanRecord, error) {
	rows, err := s.pool.Query(ctx, sqlListScans, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}
	defer rows.Close()

	scans := []schemas.ScanRecord{}
	for rows.Next() {
		var r schemas.ScanRecord
		var status string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ProjectID, &r.ToolName, &r.Command, &status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scan row: %w", err)
		}
		r.Status = schemas.TaskStatus(status)
		scans = append(scans, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return scans, nil
}

// ListFindings returns the findings of one scan in insertion order.
func (s *Store) ListFindings(ctx context.Context, scanID int64) ([]schemas.Finding, error) {
	rows, err := s.pool.Query(ctx, sqlListFindings, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	findings := []schemas.Finding{}
	for rows.Next() {
		var f schemas.Finding
		var severity string
		if err := rows.Scan(&f.ID, &severity, &f.Name, &f.Description, &f.PoC); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		f.Severity = schemas.Severity(severity)
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}

func (s *Store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.log.Error("Failed to rollback transaction", zap.Error(err))
	}
}

func finishedAt(t schemas.TaskView) *time.Time {
	if t.FinishedAt == nil {
		return nil
	}
	u := t.FinishedAt.UTC()
	return &u
}
