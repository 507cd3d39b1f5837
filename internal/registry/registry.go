// File: internal/registry/registry.go
package registry

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

// ErrTaskNotFound is returned when no record exists for a task id.
var ErrTaskNotFound = errors.New("task not found")

// record is one task's mutable state. Each record carries its own lock so
// output appends on one task never contend with reads of another.
type record struct {
	mu         sync.RWMutex
	id         string
	tool       string
	command    []string
	status     schemas.TaskStatus
	output     []byte
	startedAt  time.Time
	finishedAt *time.Time
	exitCode   *int
}

func (r *record) view() schemas.TaskView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v := schemas.TaskView{
		ID:        r.id,
		Tool:      r.tool,
		Command:   append([]string(nil), r.command...),
		Status:    r.status,
		Output:    string(r.output),
		StartedAt: r.startedAt,
	}
	if r.finishedAt != nil {
		t := *r.finishedAt
		v.FinishedAt = &t
	}
	if r.exitCode != nil {
		c := *r.exitCode
		v.ExitCode = &c
	}
	return v
}

// Registry is the process-wide store of task records. The zero value is not
// usable; construct it with New. Records are never evicted.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	order   []string
	now     func() time.Time
	log     *zap.Logger
}

// Ensures Registry satisfies the read side consumers depend on.
var _ schemas.TaskReader = (*Registry)(nil)

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		records: make(map[string]*record),
		now:     time.Now,
		log:     logger.Named("registry"),
	}
}

// NewTaskID returns a short id that no record currently uses.
func (r *Registry) NewTaskID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, taken := r.records[id]; !taken {
			return id
		}
	}
}

// Create registers a pending record, replacing any record under the same id.
// The record is visible to readers as soon as Create returns.
func (r *Registry) Create(id, tool string, command []string) schemas.TaskView {
	rec := &record{
		id:        id,
		tool:      tool,
		command:   append([]string(nil), command...),
		status:    schemas.TaskPending,
		startedAt: r.now(),
	}

	r.mu.Lock()
	if prev, exists := r.records[id]; exists {
		if prev.view().Status != schemas.TaskPending {
			r.log.Warn("Replacing existing task record", zap.String("task_id", id))
		}
	} else {
		r.order = append(r.order, id)
	}
	r.records[id] = rec
	r.mu.Unlock()

	return rec.view()
}

func (r *Registry) lookup(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// MarkRunning moves a pending task to running. It reports whether the transition happened.
func (r *Registry) MarkRunning(id string) bool {
	rec, ok := r.lookup(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.status.CanTransition(schemas.TaskRunning) {
		return false
	}
	rec.status = schemas.TaskRunning
	return true
}

// Append adds a chunk to the task's output. Output of a terminal task is frozen,
// so Append reports false once the task has finished.
func (r *Registry) Append(id, chunk string) bool {
	if chunk == "" {
		return true
	}
	rec, ok := r.lookup(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status.IsTerminal() {
		return false
	}
	rec.output = append(rec.output, chunk...)
	return true
}

// Finish moves the task to a terminal status and stamps the finish time. A task
// that is already terminal keeps its status; the exit code is still recorded if
// none was set, since the process may be reaped after a kill marked it.
// It reports whether the status changed.
func (r *Registry) Finish(id string, status schemas.TaskStatus, exitCode *int) bool {
	if !status.IsTerminal() {
		return false
	}
	rec, ok := r.lookup(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if exitCode != nil && rec.exitCode == nil {
		c := *exitCode
		rec.exitCode = &c
	}
	if !rec.status.CanTransition(status) {
		return false
	}
	now := r.now()
	rec.status = status
	rec.finishedAt = &now
	return true
}

// Get returns a copy of the task record.
func (r *Registry) Get(id string) (schemas.TaskView, bool) {
	rec, ok := r.lookup(id)
	if !ok {
		return schemas.TaskView{}, false
	}
	return rec.view(), true
}

// Status returns just the task's current status.
func (r *Registry) Status(id string) (schemas.TaskStatus, bool) {
	rec, ok := r.lookup(id)
	if !ok {
		return "", false
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.status, true
}

// OutputSince returns the output appended after byte offset, the offset to use
// on the next call, and the status observed alongside it. Tailing readers call
// it repeatedly instead of copying the whole output each poll.
func (r *Registry) OutputSince(id string, offset int) (string, int, schemas.TaskStatus, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return "", offset, "", ErrTaskNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	if offset < 0 || offset > len(rec.output) {
		offset = len(rec.output)
	}
	return string(rec.output[offset:]), len(rec.output), rec.status, nil
}

// Snapshot returns copies of every record in creation order.
func (r *Registry) Snapshot() []schemas.TaskView {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.order))
	for _, id := range r.order {
		recs = append(recs, r.records[id])
	}
	r.mu.RUnlock()

	views := make([]schemas.TaskView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, rec.view())
	}
	return views
}

// Len reports how many task ids are known.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
