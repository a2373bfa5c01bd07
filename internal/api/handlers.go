package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"webrunner/internal/logging"
	"webrunner/internal/store"
	"webrunner/internal/types"
)

// TaskService is the task surface the handlers depend on.
type TaskService interface {
	Create(task *types.Task) error
	Get(id string) (*types.Task, error)
	List(userID string, status types.TaskStatus) ([]*types.Task, error)
	Update(id string, fields map[string]interface{}) (*types.Task, error)
	Delete(id string) error
	Result(taskID string) (*types.TaskResult, error)
	Logs(taskID string) ([]*types.TaskLog, error)
	Execute(ctx context.Context, taskID string) (*types.ExecutionSummary, error)
}

// Claimer performs the pending-to-running transition for manual execution.
type Claimer interface {
	ClaimTask(id string) (bool, error)
}

// AIService exposes the model passthrough endpoints.
type AIService interface {
	ProcessData(ctx context.Context, rawData interface{}, aiTask, outputFormat string, schema json.RawMessage) (interface{}, error)
	GenerateAutomationInstructions(ctx context.Context, taskDescription string) (interface{}, error)
	AnalyzeWebpage(ctx context.Context, pageHTML, pageURL string) (interface{}, error)
}

// Handlers carries the dependencies for all routes. The AI service may be
// nil when no model backend is configured.
type Handlers struct {
	authn  Authenticator
	tasks  TaskService
	claims Claimer
	ai     AIService
}

// NewHandlers wires the route dependencies.
func NewHandlers(authn Authenticator, tasks TaskService, claims Claimer, ai AIService) *Handlers {
	return &Handlers{authn: authn, tasks: tasks, claims: claims, ai: ai}
}

// Health reports liveness. Unauthenticated.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTaskRequest struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	URL          string           `json:"url"`
	Config       types.TaskConfig `json:"config"`
	ScheduledFor string           `json:"scheduled_for"`
}

// CreateTask registers a new task owned by the calling key's user.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task := &types.Task{
		UserID:      requestUser(r),
		Name:        req.Name,
		Description: req.Description,
		URL:         req.URL,
		Config:      req.Config,
	}
	if req.ScheduledFor != "" {
		ts, err := time.Parse(time.RFC3339, req.ScheduledFor)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scheduled_for must be RFC 3339")
			return
		}
		task.ScheduledFor = &ts
	}

	if err := h.tasks.Create(task); err != nil {
		if errors.Is(err, store.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logging.Tasks("create task failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// ListTasks returns the caller's tasks, optionally filtered by status.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := types.TaskStatus(r.URL.Query().Get("status"))
	list, err := h.tasks.List(requestUser(r), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": list, "count": len(list)})
}

// loadOwned fetches a task and enforces ownership. Reading another user's
// task is forbidden.
func (h *Handlers) loadOwned(w http.ResponseWriter, r *http.Request) (*types.Task, bool) {
	task, err := h.tasks.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load task")
		}
		return nil, false
	}
	if task.UserID != "" && task.UserID != requestUser(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return task, true
}

// GetTask returns one task.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// UpdateTask applies a partial update. Unknown fields are ignored.
func (h *Handlers) UpdateTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.loadOwned(w, r); !ok {
		return
	}

	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task, err := h.tasks.Update(r.PathValue("id"), fields)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, store.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to update task")
		}
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask removes a task and its history.
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.loadOwned(w, r); !ok {
		return
	}
	if err := h.tasks.Delete(r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to delete task")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteTask claims a pending task and runs it in the background. A task
// that is not pending cannot be claimed and yields 409.
func (h *Handlers) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	claimed, err := h.claims.ClaimTask(task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to claim task")
		return
	}
	if !claimed {
		writeError(w, http.StatusConflict, "task is not pending")
		return
	}

	// Detached from the request lifecycle. The result lands in the store.
	go func(id string) {
		if _, err := h.tasks.Execute(context.Background(), id); err != nil {
			logging.TasksError("background execute %s: %v", id, err)
		}
	}(task.ID)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"status":  string(types.StatusRunning),
	})
}

// TaskResult returns the most recent result for a task.
func (h *Handlers) TaskResult(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	result, err := h.tasks.Result(task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "no result yet")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TaskLogs returns a task's execution log, oldest first.
func (h *Handlers) TaskLogs(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	logs, err := h.tasks.Logs(task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs, "count": len(logs)})
}

type aiProcessRequest struct {
	Data         interface{}     `json:"data"`
	Task         string          `json:"task"`
	OutputFormat string          `json:"output_format"`
	Schema       json.RawMessage `json:"schema"`
}

// AIProcess runs extracted data through the model without a task.
func (h *Handlers) AIProcess(w http.ResponseWriter, r *http.Request) {
	if h.ai == nil {
		writeError(w, http.StatusServiceUnavailable, "no model backend configured")
		return
	}
	var req aiProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Data == nil {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	out, err := h.ai.ProcessData(r.Context(), req.Data, req.Task, req.OutputFormat, req.Schema)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": out})
}

type aiInstructionsRequest struct {
	Goal string `json:"goal"`
}

// AIInstructions drafts a structured automation plan for a natural-language
// goal.
func (h *Handlers) AIInstructions(w http.ResponseWriter, r *http.Request) {
	if h.ai == nil {
		writeError(w, http.StatusServiceUnavailable, "no model backend configured")
		return
	}
	var req aiInstructionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	out, err := h.ai.GenerateAutomationInstructions(r.Context(), req.Goal)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instructions": out})
}

type aiAnalyzeRequest struct {
	HTML string `json:"html"`
	URL  string `json:"url"`
}

// AIAnalyze suggests extractable data regions for page markup.
func (h *Handlers) AIAnalyze(w http.ResponseWriter, r *http.Request) {
	if h.ai == nil {
		writeError(w, http.StatusServiceUnavailable, "no model backend configured")
		return
	}
	var req aiAnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HTML == "" {
		writeError(w, http.StatusBadRequest, "html is required")
		return
	}

	out, err := h.ai.AnalyzeWebpage(r.Context(), req.HTML, req.URL)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"analysis": out})
}
