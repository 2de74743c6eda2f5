package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gosimple/slug"

	"banksync-backend/internal/api/dto"
	"banksync-backend/internal/domain/bank"
	"banksync-backend/internal/infrastructure/storage"
)

func (s *Server) listConnections(c *gin.Context) {
	connections, err := s.repo.ListConnections(c.Request.Context())
	if err != nil {
		s.logger.Error("list connections failed", "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}

	out := make([]dto.ConnectionResponse, len(connections))
	for i := range connections {
		out[i] = dto.FromConnection(&connections[i])
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getConnection(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError("invalid connection id"))
		return
	}

	conn, err := s.repo.GetConnection(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, dto.NotFoundError("connection"))
		return
	}
	if err != nil {
		s.logger.Error("get connection failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}
	c.JSON(http.StatusOK, dto.FromConnection(conn))
}

// createConnection starts the end-user authorization flow at the provider
// and stores the connection in pending state. The response carries the link
// the user must visit.
func (s *Server) createConnection(c *gin.Context) {
	var req dto.CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError(err.Error()))
		return
	}

	provider, ok := s.providers[req.Provider]
	if !ok {
		c.JSON(http.StatusBadRequest, dto.BadRequestError("unknown provider: "+req.Provider))
		return
	}

	link, err := provider.CreateAuthorization(c.Request.Context(), req.RedirectURL, req.InstitutionID)
	if err != nil {
		s.logger.Error("start authorization failed", "provider", req.Provider, "error", err)
		c.JSON(http.StatusBadGateway, dto.NewAPIError("provider_error", "could not start authorization"))
		return
	}

	// Organizer identifiers are slugs in the shop database.
	conn := &bank.Connection{
		Provider:      req.Provider,
		Reference:     link.ID,
		InstitutionID: req.InstitutionID,
		Organizer:     slug.Make(req.Organizer),
		Status:        bank.ConnectionPending,
	}
	if err := s.repo.SaveConnection(c.Request.Context(), conn); err != nil {
		s.logger.Error("save connection failed", "error", err)
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}

	c.JSON(http.StatusCreated, dto.AuthorizationResponse{
		Connection: dto.FromConnection(conn),
		Link:       link.Link,
	})
}

// activateConnection verifies the consent at the provider after the end user
// finished the authorization flow, then flips the connection to active.
func (s *Server) activateConnection(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.BadRequestError("invalid connection id"))
		return
	}

	conn, err := s.repo.GetConnection(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, dto.NotFoundError("connection"))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}

	provider, ok := s.providers[conn.Provider]
	if !ok {
		c.JSON(http.StatusConflict, dto.ConflictError("no client for provider "+conn.Provider))
		return
	}

	consent, err := provider.Consent(c.Request.Context(), conn.Reference)
	if err != nil {
		s.logger.Error("consent check failed", "connection_id", conn.ID, "error", err)
		c.JSON(http.StatusBadGateway, dto.NewAPIError("provider_error", "could not verify consent"))
		return
	}

	conn.Status = bank.ConnectionActive
	conn.ConsentExpiresAt = consent.ExpiresAt
	if err := s.repo.SaveConnection(c.Request.Context(), conn); err != nil {
		c.JSON(http.StatusInternalServerError, dto.InternalError())
		return
	}
	c.JSON(http.StatusOK, dto.FromConnection(conn))
}
