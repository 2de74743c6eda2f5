package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"banksync-backend/internal/api/dto"
	"banksync-backend/internal/domain/bank"
	"banksync-backend/internal/infrastructure/storage"
)

func (s *Server) listTransactions(c *gin.Context) {
	var connectionID int64
	if v := c.Query("connection_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.BadRequestError("invalid connection_id"))
			return
		}
		connectionID = id
	}

	state := bank.TransactionState(c.Query("state"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	txs, err := s.repo.ListTransactions(c.Request.Context(), connectionID, state, limit)
	if err != nil {
		s.logger.Error("list transactions failed", "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}
	c.JSON(http.StatusOK, dto.FromTransactions(txs))
}

func (s *Server) getTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError("invalid transaction id"))
		return
	}

	tx, err := s.repo.GetTransaction(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, dto.NotFoundError("transaction"))
		return
	}
	if err != nil {
		s.logger.Error("get transaction failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}
	c.JSON(http.StatusOK, dto.FromTransaction(tx))
}

func (s *Server) listSuggestions(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError("invalid transaction id"))
		return
	}

	if _, err := s.repo.GetTransaction(c.Request.Context(), id); errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, dto.NotFoundError("transaction"))
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}

	suggestions, err := s.repo.ListSuggestions(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("list suggestions failed", "transaction_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}
	c.JSON(http.StatusOK, dto.FromSuggestions(suggestions))
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.repo.TransactionStats(c.Request.Context())
	if err != nil {
		s.logger.Error("stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}

	byState := make(map[string]int, len(stats.ByState))
	for state, n := range stats.ByState {
		byState[string(state)] = n
	}
	c.JSON(http.StatusOK, dto.StatsResponse{
		Total:          stats.Total,
		ByState:        byState,
		PendingReview:  stats.PendingReview,
		MatchedLast30d: stats.MatchedLast30d,
	})
}

// allowedDiscardStates are the states a human may dismiss a transaction from.
var allowedDiscardStates = map[bank.TransactionState]bool{
	bank.StateNoMatch:         true,
	bank.StatePendingApproval: true,
	bank.StateError:           true,
}

// discardTransaction dismisses a transaction that will never match an order
// (bank fees, unrelated transfers). Open suggestions are rejected.
func (s *Server) discardTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError("invalid transaction id"))
		return
	}

	var req dto.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError(err.Error()))
		return
	}

	tx, err := s.repo.GetTransaction(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, dto.NotFoundError("transaction"))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}

	if !allowedDiscardStates[tx.State] {
		c.JSON(http.StatusConflict, dto.ConflictError("transaction is "+string(tx.State)))
		return
	}

	tx.State = bank.StateDiscarded
	tx.ErrorMessage = "Manually discarded"
	if err := s.repo.UpdateTransactionMatch(c.Request.Context(), tx); err != nil {
		s.logger.Error("discard failed", "transaction_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}
	if err := s.repo.RejectPending(c.Request.Context(), tx.ID, req.Reviewer, time.Now()); err != nil {
		s.logger.Error("close suggestions failed", "transaction_id", id, "error", err)
	}

	c.JSON(http.StatusOK, dto.FromTransaction(tx))
}
