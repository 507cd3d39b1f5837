package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-recon/internal/registry"
	"github.com/xkilldash9x/scalpel-recon/internal/store"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

// Response is the envelope of every JSON answer.
type Response struct {
	Status string `json:"status"` // "success", "error", "accepted"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PipelineRequest starts a sequential pipeline.
type PipelineRequest struct {
	Target    string                 `json:"target"`
	Stages    []schemas.StageRequest `json:"stages"`
	ProjectID int64                  `json:"project_id,omitempty"`
}

// QuickPipelineRequest starts a canned pipeline.
type QuickPipelineRequest struct {
	Mode      string `json:"mode"`
	Target    string `json:"target"`
	ProjectID int64  `json:"project_id,omitempty"`
}

// ProjectRequest creates a project.
type ProjectRequest struct {
	Name   string `json:"name"`
	Target string `json:"target"`
	Scope  string `json:"scope"`
}

const defaultNotificationLimit = 50

func (s *Server) registerRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tools", s.handleListTools)
		r.Post("/tools/run", s.handleRunTool)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Delete("/tasks/{id}", s.handleKillTask)

		r.Post("/pipelines", s.handleStartPipeline)
		r.Post("/pipelines/quick", s.handleStartQuickPipeline)
		r.Get("/pipelines", s.handleListPipelines)
		r.Get("/pipelines/{id}", s.handleGetPipeline)
		r.Delete("/pipelines/{id}", s.handleKillPipeline)

		r.Post("/recon", s.handleStartRecon)
		r.Get("/recon", s.handleListRecon)
		r.Get("/recon/{id}", s.handleGetRecon)
		r.Delete("/recon/{id}", s.handleKillRecon)

		r.Post("/waf", s.handleStartDoubleCheck)
		r.Get("/waf", s.handleListDoubleChecks)
		r.Get("/waf/{id}", s.handleGetDoubleCheck)
		r.Delete("/waf/{id}", s.handleKillDoubleCheck)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/read-all", s.handleMarkAllRead)
		r.Get("/notifications/unread-count", s.handleUnreadCount)
		r.Post("/notifications/{id}/read", s.handleMarkRead)

		r.Get("/targets", s.handleListTargets)
		r.Get("/targets/{name}", s.handleGetTarget)

		r.Get("/projects", s.handleListProjects)
		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects/{id}/scans", s.handleListScans)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// -- Tools and tasks --

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	s.respondWithSuccess(w, http.StatusOK, s.deps.Catalog.Describe())
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ToolRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.deps.Orchestrator.RunTool(req, nil)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithStatus(w, http.StatusAccepted, "accepted", map[string]string{"task_id": view.ID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	s.respondWithSuccess(w, http.StatusOK, s.deps.Tasks.Snapshot())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, ok := s.deps.Tasks.Get(id)
	if !ok {
		s.respondWithErr(w, fmt.Errorf("%w: %s", registry.ErrTaskNotFound, id))
		return
	}
	s.respondWithSuccess(w, http.StatusOK, view)
}

// handleKillTask answers 200 with killed=false when the task has no active
// process, matching the supervisor's no-op kill.
func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Tasks.Get(id); !ok {
		s.respondWithErr(w, fmt.Errorf("%w: %s", registry.ErrTaskNotFound, id))
		return
	}
	killed := s.deps.Orchestrator.KillTask(id)
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"task_id": id, "killed": killed})
}

// -- Pipelines --

func (s *Server) handleStartPipeline(w http.ResponseWriter, r *http.Request) {
	var req PipelineRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.deps.Orchestrator.StartPipeline(req.Target, req.Stages, req.ProjectID)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithStatus(w, http.StatusAccepted, "accepted", view)
}

func (s *Server) handleStartQuickPipeline(w http.ResponseWriter, r *http.Request) {
	var req QuickPipelineRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.deps.Orchestrator.StartQuickPipeline(req.Mode, req.Target, req.ProjectID)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithStatus(w, http.StatusAccepted, "accepted", view)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	s.respondWithSuccess(w, http.StatusOK, s.deps.Orchestrator.ListPipelines())
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Orchestrator.GetPipeline(chi.URLParam(r, "id"))
	s.respond(w, view, err)
}

func (s *Server) handleKillPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Orchestrator.KillPipeline(id); err != nil {
		s.respondWithErr(w, err)
		return
	}
	view, err := s.deps.Orchestrator.GetPipeline(id)
	s.respond(w, view, err)
}

// -- Recon sessions --

func (s *Server) handleStartRecon(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ReconRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.deps.Orchestrator.StartRecon(req)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithStatus(w, http.StatusAccepted, "accepted", view)
}

func (s *Server) handleListRecon(w http.ResponseWriter, _ *http.Request) {
	s.respondWithSuccess(w, http.StatusOK, s.deps.Orchestrator.ListSessions())
}

func (s *Server) handleGetRecon(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Orchestrator.GetSession(chi.URLParam(r, "id"))
	s.respond(w, view, err)
}

func (s *Server) handleKillRecon(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Orchestrator.KillSession(id); err != nil {
		s.respondWithErr(w, err)
		return
	}
	view, err := s.deps.Orchestrator.GetSession(id)
	s.respond(w, view, err)
}

// -- WAF double-check --

func (s *Server) handleStartDoubleCheck(w http.ResponseWriter, r *http.Request) {
	req := orchestrator.DoubleCheckRequest{DoubleCheck: true}
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.deps.Orchestrator.StartDoubleCheck(req)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithStatus(w, http.StatusAccepted, "accepted", view)
}

func (s *Server) handleListDoubleChecks(w http.ResponseWriter, _ *http.Request) {
	s.respondWithSuccess(w, http.StatusOK, s.deps.Orchestrator.ListDoubleChecks())
}

func (s *Server) handleGetDoubleCheck(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Orchestrator.GetDoubleCheck(chi.URLParam(r, "id"))
	s.respond(w, view, err)
}

func (s *Server) handleKillDoubleCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Orchestrator.KillDoubleCheck(id); err != nil {
		s.respondWithErr(w, err)
		return
	}
	view, err := s.deps.Orchestrator.GetDoubleCheck(id)
	s.respond(w, view, err)
}

// -- Notifications --

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultNotificationLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	unreadOnly, _ := strconv.ParseBool(q.Get("unread_only"))
	s.respondWithSuccess(w, http.StatusOK, s.deps.Bus.List(limit, unreadOnly))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, "notification id must be an integer")
		return
	}
	if !s.deps.Bus.MarkRead(id) {
		s.respondWithError(w, http.StatusNotFound, fmt.Sprintf("notification not found: %d", id))
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]int64{"id": id})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, _ *http.Request) {
	s.respondWithSuccess(w, http.StatusOK, map[string]int{"updated": s.deps.Bus.MarkAllRead()})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, _ *http.Request) {
	s.respondWithSuccess(w, http.StatusOK, map[string]int{"count": s.deps.Bus.UnreadCount()})
}

// -- Targets --

func (s *Server) handleListTargets(w http.ResponseWriter, _ *http.Request) {
	s.respondWithSuccess(w, http.StatusOK, s.deps.Mapper.ListTargets())
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	graph, ok := s.deps.Mapper.Graph(name)
	if !ok {
		s.respondWithError(w, http.StatusNotFound, fmt.Sprintf("target not found: %s", name))
		return
	}
	s.respondWithSuccess(w, http.StatusOK, graph)
}

// -- Projects --

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	if s.deps.Projects == nil {
		s.respondWithErr(w, store.ErrNoDatabase)
		return
	}
	projects, err := s.deps.Projects.ListProjects(r.Context())
	s.respond(w, projects, err)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	if s.deps.Projects == nil {
		s.respondWithErr(w, store.ErrNoDatabase)
		return
	}
	var req ProjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.respondWithError(w, http.StatusBadRequest, "project name is required")
		return
	}
	project, err := s.deps.Projects.CreateProject(r.Context(), strings.TrimSpace(req.Name), req.Target, req.Scope)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithSuccess(w, http.StatusCreated, project)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	if s.deps.Projects == nil {
		s.respondWithErr(w, store.ErrNoDatabase)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.respondWithError(w, http.StatusBadRequest, "project id must be a positive integer")
		return
	}
	scans, err := s.deps.Projects.ListScans(r.Context(), id)
	s.respond(w, scans, err)
}

// -- Helpers --

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		s.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tools.ErrBinaryNotFound):
		return http.StatusFailedDependency
	case errors.Is(err, store.ErrNoDatabase), errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrTaskNotFound),
		errors.Is(err, orchestrator.ErrPipelineNotFound),
		errors.Is(err, orchestrator.ErrSessionNotFound),
		errors.Is(err, orchestrator.ErrCheckNotFound),
		errors.Is(err, store.ErrScanNotFound):
		return http.StatusNotFound
	case errors.Is(err, tools.ErrUnknownTool),
		errors.Is(err, tools.ErrEmptyTarget),
		errors.Is(err, tools.ErrNoCommand),
		errors.Is(err, orchestrator.ErrNoStages),
		errors.Is(err, orchestrator.ErrUnknownMode),
		errors.Is(err, orchestrator.ErrNoTargets):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respond(w http.ResponseWriter, data any, err error) {
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, data)
}

func (s *Server) respondWithErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
		msg = "internal error"
	}
	s.respondWithError(w, code, msg)
}

func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.write(w, statusCode, Response{Status: "error", Error: message})
}

func (s *Server) respondWithSuccess(w http.ResponseWriter, statusCode int, data any) {
	s.respondWithStatus(w, statusCode, "success", data)
}

func (s *Server) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data any) {
	s.write(w, statusCode, Response{Status: status, Data: data})
}

func (s *Server) write(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
