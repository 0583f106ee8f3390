package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/edna-backend-go/internal/artifact"
	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/repository"
	"github.com/jengzang/edna-backend-go/internal/service"
	"github.com/jengzang/edna-backend-go/pkg/response"
)

// respondError maps service errors onto HTTP statuses
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrInvalidTask), engine.IsConfig(err):
		response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrTaskFinished):
		response.Conflict(c, err.Error())
	default:
		_ = c.Error(err)
		response.InternalError(c, err.Error())
	}
}
