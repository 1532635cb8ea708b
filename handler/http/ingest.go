package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"webrag/src/core/ingestion"
)

// Ingest godoc
// @Summary Queue a document for ingestion
// @Tags ingestion
// @Accept json
// @Produce json
// @Param projectId path string true "Project ID"
// @Param body body ingestion.Request true "Document and provider configuration"
// @Success 202 {object} ingestion.Ticket
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /projects/{projectId}/ingest [post]
func (h *Handler) Ingest(c *gin.Context) {
	var req ingestion.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, &bindError{err: err}, nil)
		return
	}
	req.ProjectID = c.Param("projectId")

	ticket, err := h.service.Ingest(c.Request.Context(), req)
	if err != nil {
		// The ticket still names the session carrying the error event.
		var details interface{}
		if ticket.SessionID != "" {
			details = ticket
		}
		sendError(c, err, details)
		return
	}

	sendJSON(c, http.StatusAccepted, ticket)
}

// GetSession godoc
// @Summary Latest progress state of an ingestion session
// @Tags ingestion
// @Produce json
// @Param projectId path string true "Project ID"
// @Param sessionId path string true "Session ID"
// @Success 200 {object} progress.Update
// @Failure 404 {object} ErrorResponse
// @Router /projects/{projectId}/sessions/{sessionId} [get]
func (h *Handler) GetSession(c *gin.Context) {
	update, ok := h.service.Status(c.Param("projectId"), c.Param("sessionId"))
	if !ok {
		sendError(c, ErrSessionNotFound, nil)
		return
	}
	sendJSON(c, http.StatusOK, update)
}
