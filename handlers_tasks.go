package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 1000
)

// Every handler here is mounted behind RequireAuth and RequireOwner, so the
// {user_id} path segment is the authenticated caller.

func taskIDFromRequest(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["task_id"], 10, 64)
	return id, err == nil && id > 0
}

func (a *App) writeTaskError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Task not found")
		return
	}
	a.Log.ErrorContext(r.Context(), op, "err", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
}

func validateTitle(title string) (string, bool) {
	title = strings.TrimSpace(title)
	return title, title != "" && len(title) <= maxTitleLen
}

// HandleListTasks lists the caller's tasks, newest first.
// GET /api/{user_id}/tasks?status=all|pending|completed
func (a *App) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	status := TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = TaskStatusAll
	case TaskStatusAll, TaskStatusPending, TaskStatusCompleted:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "status must be one of all, pending, completed")
		return
	}
	tasks, err := a.DB.ListTasks(r.Context(), mux.Vars(r)["user_id"], status)
	if err != nil {
		a.writeTaskError(w, r, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// HandleCreateTask creates a task.
// POST /api/{user_id}/tasks
func (a *App) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	title, ok := validateTitle(in.Title)
	if !ok || len(in.Description) > maxDescriptionLen {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Title is required and must be at most 200 characters")
		return
	}
	task, err := a.DB.CreateTask(r.Context(), mux.Vars(r)["user_id"], title, in.Description)
	if err != nil {
		a.writeTaskError(w, r, "create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// HandleGetTask
// GET /api/{user_id}/tasks/{task_id}
func (a *App) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Task not found")
		return
	}
	task, err := a.DB.GetTask(r.Context(), mux.Vars(r)["user_id"], taskID)
	if err != nil {
		a.writeTaskError(w, r, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandleUpdateTask applies a partial update.
// PUT /api/{user_id}/tasks/{task_id}
func (a *App) HandleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Task not found")
		return
	}
	var in TaskUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if in.Title != nil {
		title, ok := validateTitle(*in.Title)
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Title must be non-empty and at most 200 characters")
			return
		}
		in.Title = &title
	}
	if in.Description != nil && len(*in.Description) > maxDescriptionLen {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Description must be at most 1000 characters")
		return
	}
	task, err := a.DB.UpdateTask(r.Context(), mux.Vars(r)["user_id"], taskID, in)
	if err != nil {
		a.writeTaskError(w, r, "update task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandleToggleTask flips completion, or sets it when the body carries
// {"completed": bool}.
// PATCH /api/{user_id}/tasks/{task_id}/complete
func (a *App) HandleToggleTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Task not found")
		return
	}
	var in struct {
		Completed *bool `json:"completed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	userID := mux.Vars(r)["user_id"]
	var (
		task *Task
		err  error
	)
	if in.Completed != nil {
		task, err = a.DB.UpdateTask(r.Context(), userID, taskID, TaskUpdate{Completed: in.Completed})
	} else {
		task, err = a.DB.ToggleTask(r.Context(), userID, taskID)
	}
	if err != nil {
		a.writeTaskError(w, r, "toggle task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandleDeleteTask
// DELETE /api/{user_id}/tasks/{task_id}
func (a *App) HandleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Task not found")
		return
	}
	if err := a.DB.DeleteTask(r.Context(), mux.Vars(r)["user_id"], taskID); err != nil {
		a.writeTaskError(w, r, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
