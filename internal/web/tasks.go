package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rosterlabs/roster/internal/fault"
	"github.com/rosterlabs/roster/internal/taskstore"
)

type taskListResponse struct {
	Tasks []*taskstore.Task `json:"tasks"`
	Total int               `json:"total"`
}

type executionListResponse struct {
	TaskID     string                 `json:"task_id"`
	Executions []*taskstore.Execution `json:"executions"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var f taskstore.Filter
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "enabled must be a boolean")
			return
		}
		f.Enabled = &enabled
	}
	f.AgentName = r.URL.Query().Get("agent")

	tasks, err := s.opts.Tasks.ListTasks(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if tasks == nil {
		tasks = []*taskstore.Task{}
	}
	writeJSON(w, http.StatusOK, taskListResponse{Tasks: tasks, Total: len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleUpsertTask creates or replaces a task. The scheduler validates the
// schedule and (re)arms the trigger; an omitted id means create.
func (s *Server) handleUpsertTask(w http.ResponseWriter, r *http.Request) {
	var task taskstore.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: "+err.Error())
		return
	}
	created := task.ID == ""
	if created {
		task.ID = uuid.NewString()
	}
	if err := s.opts.Scheduler.Upsert(r.Context(), &task); err != nil {
		if fault.KindOf(err) == fault.ConfigInvalid {
			writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, &task)
}

func (s *Server) handleEnableTask(w http.ResponseWriter, r *http.Request) {
	s.setTaskEnabled(w, r, true)
}

func (s *Server) handleDisableTask(w http.ResponseWriter, r *http.Request) {
	s.setTaskEnabled(w, r, false)
}

func (s *Server) setTaskEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	task.Enabled = enabled
	if err := s.opts.Scheduler.Upsert(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Scheduler.Delete(r.Context(), id); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found_error", "no task "+strconv.Quote(id))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
			return
		}
		limit = n
	}
	execs, err := s.opts.Tasks.ListExecutions(r.Context(), task.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if execs == nil {
		execs = []*taskstore.Execution{}
	}
	writeJSON(w, http.StatusOK, executionListResponse{TaskID: task.ID, Executions: execs})
}

// loadTask resolves {id} and answers 404/500 itself on failure.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*taskstore.Task, bool) {
	id := chi.URLParam(r, "id")
	task, err := s.opts.Tasks.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found_error", "no task "+strconv.Quote(id))
		} else {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return nil, false
	}
	return task, true
}
