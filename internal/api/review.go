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

func (s *Server) approveSuggestion(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError("invalid suggestion id"))
		return
	}

	var req dto.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError(err.Error()))
		return
	}

	tx, err := s.reviewSvc.Approve(c.Request.Context(), id, req.Reviewer)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, dto.NotFoundError("suggestion"))
	case errors.Is(err, service.ErrAlreadyReviewed), errors.Is(err, service.ErrNotPendingApproval):
		c.JSON(http.StatusConflict, dto.ConflictError(err.Error()))
	case err != nil && tx != nil:
		// Approved but settlement hit a business condition; the transaction
		// state carries the outcome.
		c.JSON(http.StatusOK, dto.FromTransaction(tx))
	case err != nil:
		s.logger.Error("approve failed", "suggestion_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
	default:
		c.JSON(http.StatusOK, dto.FromTransaction(tx))
	}
}

func (s *Server) rejectSuggestion(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError("invalid suggestion id"))
		return
	}

	var req dto.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError(err.Error()))
		return
	}

	err = s.reviewSvc.Reject(c.Request.Context(), id, req.Reviewer)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, dto.NotFoundError("suggestion"))
	case errors.Is(err, service.ErrAlreadyReviewed):
		c.JSON(http.StatusConflict, dto.ConflictError(err.Error()))
	case err != nil:
		s.logger.Error("reject failed", "suggestion_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
	default:
		c.JSON(http.StatusNoContent, nil)
	}
}
