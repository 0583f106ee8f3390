package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/service"
	"github.com/jengzang/edna-backend-go/pkg/response"
)

// RunHandler serves synthesis runs and their records
type RunHandler struct {
	service *service.DatasetService
}

// NewRunHandler creates a new run handler
func NewRunHandler(service *service.DatasetService) *RunHandler {
	return &RunHandler{service: service}
}

// ListRuns GET /api/v1/runs
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit, offset := paging(c)
	runs, err := h.service.ListRuns(limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"runs": runs, "limit": limit, "offset": offset})
}

// GetRun GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.service.GetRun(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, run)
}

// ListPlates GET /api/v1/runs/:id/plates
func (h *RunHandler) ListPlates(c *gin.Context) {
	plates, err := h.service.ListPlates(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, plates)
}

func recordFilter(c *gin.Context) (models.RecordFilter, bool) {
	var filter models.RecordFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters: "+err.Error())
		return filter, false
	}
	return filter, true
}

// ListStandards GET /api/v1/runs/:id/standards?plate=&detected=&page=&pageSize=
func (h *RunHandler) ListStandards(c *gin.Context) {
	filter, ok := recordFilter(c)
	if !ok {
		return
	}
	page, err := h.service.ListStandards(c.Param("id"), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, page)
}

// ListObservations GET /api/v1/runs/:id/observations?plate=&detected=&page=&pageSize=
func (h *RunHandler) ListObservations(c *gin.Context) {
	filter, ok := recordFilter(c)
	if !ok {
		return
	}
	page, err := h.service.ListObservations(c.Param("id"), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, page)
}

// ExportRun POST /api/v1/runs/:id/export
func (h *RunHandler) ExportRun(c *gin.Context) {
	infos, err := h.service.ExportRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, infos)
}

// DeleteRun DELETE /api/v1/runs/:id
func (h *RunHandler) DeleteRun(c *gin.Context) {
	if err := h.service.DeleteRun(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "Run deleted"})
}
