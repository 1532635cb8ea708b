package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"webrag/src/core/knowledge"
	"webrag/src/core/retrieval"
)

type queryRequest struct {
	Question     string                   `json:"question" binding:"required"`
	DocumentRefs []string                 `json:"candidate_document_refs"`
	Provider     knowledge.ProviderConfig `json:"provider"`
}

// Query godoc
// @Summary Answer a question over the candidate documents
// @Tags query
// @Accept json
// @Produce json
// @Param projectId path string true "Project ID"
// @Param body body queryRequest true "Question and candidate document set"
// @Success 200 {object} retrieval.Answer
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /projects/{projectId}/query [post]
func (h *Handler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, &bindError{err: err}, nil)
		return
	}

	answer, err := h.service.Query(c.Request.Context(), retrieval.Request{
		ProjectID:    c.Param("projectId"),
		DocumentRefs: req.DocumentRefs,
		Question:     req.Question,
	}, req.Provider)
	if err != nil {
		// A failed query still reports what it spent.
		var details interface{}
		if answer != nil {
			details = gin.H{"cost": answer.Cost, "usage": answer.Usage}
		}
		sendError(c, err, details)
		return
	}

	sendJSON(c, http.StatusOK, answer)
}
