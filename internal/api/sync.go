package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"banksync-backend/internal/api/dto"
	"banksync-backend/internal/application/service"
	"banksync-backend/internal/infrastructure/storage"
)

func (s *Server) syncConnection(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError("invalid connection id"))
		return
	}

	result, err := s.syncSvc.SyncConnection(c.Request.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, dto.NotFoundError("connection"))
	case errors.Is(err, service.ErrSyncRunning), errors.Is(err, service.ErrSyncBudgetExhausted):
		c.JSON(http.StatusConflict, dto.ConflictError(err.Error()))
	case err != nil:
		s.logger.Error("sync failed", "connection_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) rematch(c *gin.Context) {
	result, err := s.syncSvc.Rematch(c.Request.Context())
	if err != nil {
		s.logger.Error("rematch failed", "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}
	c.JSON(http.StatusOK, result)
}
