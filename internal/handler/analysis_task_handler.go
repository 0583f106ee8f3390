package handler

import (
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/edna-backend-go/internal/middleware"
	"github.com/jengzang/edna-backend-go/internal/service"
	"github.com/jengzang/edna-backend-go/pkg/response"
)

// AnalysisTaskHandler handles HTTP requests for analysis tasks
type AnalysisTaskHandler struct {
	service *service.AnalysisTaskService
}

// NewAnalysisTaskHandler creates a new analysis task handler
func NewAnalysisTaskHandler(service *service.AnalysisTaskService) *AnalysisTaskHandler {
	return &AnalysisTaskHandler{service: service}
}

// CreateTaskRequest represents the request body for creating an analysis task
type CreateTaskRequest struct {
	SkillName string          `json:"skill_name" binding:"required"` // edna_synthesis, edna_fit, residual_diagnostics
	Params    json.RawMessage `json:"params"`
}

func createdBy(c *gin.Context) string {
	if user := c.GetString(middleware.UserKey); user != "" {
		return user
	}
	return "anonymous"
}

// CreateTask creates a new analysis task
// POST /api/v1/analysis/tasks
func (h *AnalysisTaskHandler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	task, err := h.service.CreateTask(req.SkillName, req.Params, createdBy(c))
	if err != nil {
		respondError(c, err)
		return
	}

	response.Accepted(c, task)
}

func taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid task ID")
		return 0, false
	}
	return id, true
}

// GetTask retrieves a task by ID
// GET /api/v1/analysis/tasks/:id
func (h *AnalysisTaskHandler) GetTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	task, err := h.service.GetTask(id)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, task)
}

// ListTasks retrieves all tasks
// GET /api/v1/analysis/tasks
func (h *AnalysisTaskHandler) ListTasks(c *gin.Context) {
	skillName := c.Query("skill_name")
	status := c.Query("status")
	limit, offset := paging(c)

	tasks, err := h.service.ListTasks(skillName, status, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"tasks":  tasks,
		"limit":  limit,
		"offset": offset,
	})
}

// CancelTask cancels a pending or running task
// DELETE /api/v1/analysis/tasks/:id
func (h *AnalysisTaskHandler) CancelTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	if err := h.service.CancelTask(id); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "Task cancelled successfully"})
}

// TriggerPipeline creates a synthesis -> fit -> diagnostics chain
// POST /api/v1/analysis/pipeline
func (h *AnalysisTaskHandler) TriggerPipeline(c *gin.Context) {
	var req service.PipelineRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}

	tasks, err := h.service.CreatePipeline(req, createdBy(c))
	if err != nil {
		respondError(c, err)
		return
	}

	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	response.Accepted(c, gin.H{
		"message":  "Pipeline triggered successfully",
		"task_ids": ids,
		"tasks":    tasks,
	})
}

func paging(c *gin.Context) (limit, offset int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		limit = 20
	}
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		offset = 0
	}
	return limit, offset
}
