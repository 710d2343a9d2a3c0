package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/app"
	"github.com/slate-dev/slate/internal/filelock"
	"github.com/slate-dev/slate/internal/model"
	"github.com/slate-dev/slate/internal/registry"
	"github.com/slate-dev/slate/internal/service"
	"github.com/slate-dev/slate/internal/storage"
)

// Handler serves the HTTP API over a wired App
type Handler struct {
	app     *app.App
	origins []string
	logger  *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(a *app.App, allowedOrigins []string, logger *zap.Logger) *Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Handler{
		app:     a,
		origins: allowedOrigins,
		logger:  logger.Named("api"),
	}
}

// Router builds the chi router with all routes
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.status)

		r.Get("/tasks", h.listTasks)
		r.Post("/tasks", h.enqueueTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/{action}", h.taskAction)

		r.Post("/tick", h.tick)
		r.Post("/sweep", h.sweep)

		r.Get("/agents", h.listAgents)
		r.Put("/agents/{id}/health", h.setAgentHealth)

		r.Get("/alerts", h.listAlerts)
		r.Get("/history", h.listHistory)
		r.Get("/archive", h.listArchive)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.app.Tasks.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.TaskFilter{AssignedTo: q.Get("assigned_to")}
	for _, s := range q["status"] {
		for _, part := range strings.Split(s, ",") {
			status := model.TaskStatus(strings.TrimSpace(part))
			if !status.Valid() {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + part})
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	filter.Limit = queryInt(q.Get("limit"), 0)
	filter.Offset = queryInt(q.Get("offset"), 0)

	tasks, err := h.app.Tasks.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req service.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	task, err := h.app.Tasks.Enqueue(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.app.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type actionRequest struct {
	Note string `json:"note"`
}

func (h *Handler) taskAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req actionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	tasks := h.app.Tasks
	ctx := r.Context()

	var task *model.Task
	var err error
	switch chi.URLParam(r, "action") {
	case "cancel":
		task, err = tasks.Cancel(ctx, id, req.Note)
	case "complete":
		task, err = tasks.Complete(ctx, id, req.Note)
	case "fail":
		task, err = tasks.Fail(ctx, id, req.Note)
	case "timeout":
		task, err = tasks.Timeout(ctx, id, req.Note)
	case "requeue":
		task, err = tasks.Requeue(ctx, id)
	case "block":
		task, err = tasks.Block(ctx, id, req.Note)
	case "unblock":
		task, err = tasks.Unblock(ctx, id)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) tick(w http.ResponseWriter, r *http.Request) {
	report, err := h.app.Tick(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.app.Sweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":  h.app.Registry.List(),
		"summary": h.app.Registry.Summary(),
	})
}

type healthRequest struct {
	State model.HealthState `json:"state"`
	Pin   bool              `json:"pin"`
}

func (h *Handler) setAgentHealth(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseAgentID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	var req healthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !req.State.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state must be active, degraded or offline"})
		return
	}

	agent, err := h.app.SetAgentHealth(r.Context(), id, req.State, req.Pin)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Alerts.Recent(queryInt(r.URL.Query().Get("limit"), 50)))
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.HistoryFilter{
		TaskID:  q.Get("task_id"),
		AgentID: model.AgentID(strings.ToUpper(q.Get("agent_id"))),
		Outcome: model.Outcome(q.Get("outcome")),
	}

	records, err := h.app.History.List(r.Context(), filter, queryInt(q.Get("offset"), 0), queryInt(q.Get("limit"), 100))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []*model.RoutingRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) listArchive(w http.ResponseWriter, r *http.Request) {
	archived, err := h.app.Store.ListArchived(r.Context(), queryInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if archived == nil {
		archived = []model.ArchivedTask{}
	}
	writeJSON(w, http.StatusOK, archived)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrTaskNotFound),
		errors.Is(err, registry.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEmptyTitle),
		errors.Is(err, service.ErrInvalidPriority),
		errors.Is(err, service.ErrCircularDependency),
		errors.Is(err, registry.ErrUnknownAgent):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, storage.ErrTaskExists),
		errors.Is(err, service.ErrStaleResult):
		return http.StatusConflict
	case errors.Is(err, filelock.ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
