package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/edna-backend-go/internal/service"
	"github.com/jengzang/edna-backend-go/pkg/response"
)

// ModelHandler serves fits and residual diagnostics
type ModelHandler struct {
	service *service.ModelService
}

// NewModelHandler creates a new model handler
func NewModelHandler(service *service.ModelService) *ModelHandler {
	return &ModelHandler{service: service}
}

// GetFit GET /api/v1/fits/:id
func (h *ModelHandler) GetFit(c *gin.Context) {
	fit, err := h.service.GetFit(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, fit)
}

// GetRandomEffects GET /api/v1/fits/:id/random-effects
func (h *ModelHandler) GetRandomEffects(c *gin.Context) {
	effects, err := h.service.GetRandomEffects(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, effects)
}

// GetReport GET /api/v1/fits/:id/report
func (h *ModelHandler) GetReport(c *gin.Context) {
	rows, err := h.service.GetReport(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, rows)
}

// GetResidualRun GET /api/v1/residuals/:id
func (h *ModelHandler) GetResidualRun(c *gin.Context) {
	rr, err := h.service.GetResidualRun(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, rr)
}

// GetResidualMatrix streams the residual matrix as CSV
// GET /api/v1/residuals/:id/matrix
func (h *ModelHandler) GetResidualMatrix(c *gin.Context) {
	info, body, err := h.service.OpenResidualMatrix(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer body.Close()

	c.Header("Content-Disposition", `attachment; filename="`+c.Param("id")+`.csv"`)
	c.DataFromReader(http.StatusOK, info.Size, "text/csv", io.NopCloser(body), nil)
}
