package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sleeplessd/sleepless/internal/events"
	"github.com/sleeplessd/sleepless/internal/queue"
)

type addTaskRequest struct {
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
	Submitter   string `json:"submitter,omitempty"`
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "description is required"})
		return
	}

	priority := queue.PriorityRandom
	if req.Priority != "" {
		p, err := queue.ParsePriority(req.Priority)
		if err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		priority = p
	}

	var opts []queue.TaskOption
	if req.ProjectID != "" {
		opts = append(opts, queue.WithProject(req.ProjectID, req.ProjectName))
	}
	if req.Submitter != "" {
		opts = append(opts, queue.WithSubmitter(req.Submitter))
	}
	if req.TaskType != "" {
		tt := queue.TaskType(req.TaskType)
		if tt != queue.TypeNew && tt != queue.TypeRefine {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown task_type " + req.TaskType})
			return
		}
		opts = append(opts, queue.WithType(tt))
	}

	task, err := s.store.AddTask(req.Description, priority, opts...)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(events.NewTaskEvent(events.EventTaskAdded, events.SourceGateway, task.ID, map[string]any{
			"priority": string(task.Priority),
		}))
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.store.RecentTasks(limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []*queue.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			httpError(w, http.StatusNotFound, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	task, err := s.store.CancelTask(id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			httpError(w, http.StatusNotFound, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if task.Status != queue.StatusCancelled {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "task is not pending", "task": task,
		})
		return
	}
	if s.bus != nil {
		s.bus.Publish(events.NewTaskEvent(events.EventTaskCancelled, events.SourceGateway, task.ID, nil))
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	results, err := s.store.ResultsForTask(id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if results == nil {
		results = []*queue.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.Projects()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if projects == nil {
		projects = []*queue.ProjectSummary{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.ProjectByID(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if summary == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown project"})
		return
	}
	tasks, err := s.store.ProjectTasks(summary.ProjectID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": summary, "tasks": tasks})
}
