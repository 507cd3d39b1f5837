package store

import (
	"context"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

// Recorder adapts a Store to schemas.ScanRecorder so workflows can persist
// results without depending on the database driver.
type Recorder struct {
	store *Store
}

// NewRecorder wraps s. A nil store yields a recorder that reports ErrNoDatabase.
func NewRecorder(s *Store) *Recorder {
	return &Recorder{store: s}
}

var _ schemas.ScanRecorder = (*Recorder)(nil)

// RecordScan creates the scan row and, for a finished task, stores its outcome.
func (r *Recorder) RecordScan(ctx context.Context, projectID int64, task schemas.TaskView) error {
	if r.store == nil {
		return ErrNoDatabase
	}
	if err := r.store.CreateScan(ctx, projectID, task); err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return nil
	}
	return r.store.FinishScan(ctx, task)
}

// RecordFindings attaches findings to the task's scan row.
func (r *Recorder) RecordFindings(ctx context.Context, _ int64, task schemas.TaskView, findings []schemas.Finding) error {
	if r.store == nil {
		return ErrNoDatabase
	}
	scanID, err := r.store.ScanID(ctx, task.ID)
	if err != nil {
		return err
	}
	return r.store.SaveFindings(ctx, scanID, findings)
}
