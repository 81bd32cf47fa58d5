package server

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"drover/internal/task"
)

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, apiResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, format string, args ...any) {
	c.JSON(status, apiResponse{Success: false, Error: fmt.Sprintf(format, args...)})
}

type spawnBashRequest struct {
	Command string `json:"command" binding:"required"`
	Workdir string `json:"workdir"`
	// TimeoutSeconds bounds the command; zero selects the daemon default.
	TimeoutSeconds int `json:"timeout_seconds"`
}

type spawnSubagentRequest struct {
	Prompt  string `json:"prompt" binding:"required"`
	Context string `json:"context"`
}

type spawnResponse struct {
	TaskID string `json:"task_id"`
}

type listTasksResponse struct {
	Tasks []task.Info `json:"tasks"`
	Count int         `json:"count"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type cleanupRequest struct {
	ClearHistory bool `json:"clear_history"`
}

type cleanupResponse struct {
	CancelledTasks int `json:"cancelled_tasks"`
}

type countResponse struct {
	Running int `json:"running"`
}

type registerContextRequest struct {
	Agent            task.AgentConfig `json:"agent"`
	Workspace        string           `json:"workspace" binding:"required"`
	ParentSessionDir string           `json:"parent_session_dir"`
}

func (s *Server) handleHealth(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSpawnBash(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req spawnBashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: %v", err)
		return
	}
	if req.TimeoutSeconds < 0 {
		respondError(c, http.StatusBadRequest, "timeout_seconds must not be negative")
		return
	}

	taskID := s.orch.SpawnBash(c.Request.Context(), task.BashRequest{
		SessionID: sessionID,
		Command:   req.Command,
		Workdir:   req.Workdir,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
	})
	respondOK(c, http.StatusAccepted, spawnResponse{TaskID: taskID})
}

func (s *Server) handleSpawnSubagent(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req spawnSubagentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: %v", err)
		return
	}

	taskID, err := s.orch.SpawnSubagent(c.Request.Context(), task.SubagentRequest{
		SessionID: sessionID,
		Prompt:    req.Prompt,
		Context:   req.Context,
	})
	if err != nil {
		switch {
		case errors.Is(err, task.ErrNoSubagentFactory):
			respondError(c, http.StatusServiceUnavailable, "%v", err)
		case task.IsSpawnError(err):
			respondError(c, http.StatusBadRequest, "%v", err)
		default:
			respondError(c, http.StatusInternalServerError, "%v", err)
		}
		return
	}
	respondOK(c, http.StatusAccepted, spawnResponse{TaskID: taskID})
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks := s.orch.ListTasks(c.Param("session_id"))
	respondOK(c, http.StatusOK, listTasksResponse{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleTaskResult(c *gin.Context) {
	result, ok := s.orch.GetTaskResult(c.Param("session_id"), c.Param("task_id"))
	if !ok {
		respondError(c, http.StatusNotFound, "task not found")
		return
	}
	respondOK(c, http.StatusOK, result)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	cancelled := s.orch.CancelTask(c.Request.Context(), c.Param("session_id"), c.Param("task_id"))
	if !cancelled {
		// Unknown, finished, and foreign-session tasks are deliberately
		// indistinguishable here.
		respondError(c, http.StatusNotFound, "task not found or not cancellable")
		return
	}
	respondOK(c, http.StatusOK, cancelResponse{Cancelled: true})
}

func (s *Server) handleCleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: %v", err)
		return
	}
	n := s.orch.CleanupSession(c.Request.Context(), c.Param("session_id"), req.ClearHistory)
	respondOK(c, http.StatusOK, cleanupResponse{CancelledTasks: n})
}

func (s *Server) handleSessionCount(c *gin.Context) {
	respondOK(c, http.StatusOK, countResponse{Running: s.orch.RunningCount(c.Param("session_id"))})
}

func (s *Server) handleTotalCount(c *gin.Context) {
	respondOK(c, http.StatusOK, countResponse{Running: s.orch.TotalRunningCount()})
}

func (s *Server) handleRegisterContext(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req registerContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: %v", err)
		return
	}

	parentDir := req.ParentSessionDir
	if parentDir == "" && s.sessionRoot != "" {
		parentDir = filepath.Join(s.sessionRoot, sessionID)
	}
	s.orch.RegisterSubagentContext(sessionID, task.SubagentContext{
		Agent:            req.Agent,
		Workspace:        req.Workspace,
		ParentSessionDir: parentDir,
	})
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUnregisterContext(c *gin.Context) {
	s.orch.UnregisterSubagentContext(c.Param("session_id"))
	c.Status(http.StatusNoContent)
}
