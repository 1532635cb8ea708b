package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"webrag/src/core/ingestion"
	"webrag/src/core/knowledge"
)

// bindError turns a request decoding failure into a validation error.
type bindError struct {
	err error
}

func (e *bindError) Error() string { return e.err.Error() }

func (e *bindError) Unwrap() error {
	return &knowledge.ValidationError{Field: "body", Reason: e.err.Error()}
}

// GetCacheStats godoc
// @Summary Content cache counters
// @Tags cache
// @Produce json
// @Success 200 {object} contentcache.Stats
// @Failure 500 {object} ErrorResponse
// @Router /cache/stats [get]
func (h *Handler) GetCacheStats(c *gin.Context) {
	stats, err := h.service.CacheStats(c.Request.Context())
	if err != nil {
		sendError(c, err, nil)
		return
	}
	sendJSON(c, http.StatusOK, stats)
}

// InvalidateCache godoc
// @Summary Drop the cached snapshot of a URL
// @Tags cache
// @Param url query string true "Source URL"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Router /cache [delete]
func (h *Handler) InvalidateCache(c *gin.Context) {
	if err := h.service.InvalidateCache(c.Request.Context(), c.Query("url")); err != nil {
		sendError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// CheckHealth godoc
// @Summary Check system health status
// @Tags system
// @Produce json
// @Success 200 {object} ingestion.HealthStatus
// @Failure 503 {object} ingestion.HealthStatus
// @Router /health [get]
func (h *Handler) CheckHealth(c *gin.Context) {
	status := h.service.Health(c.Request.Context())
	code := http.StatusOK
	for _, s := range status.Components {
		if s == ingestion.StatusDown {
			code = http.StatusServiceUnavailable
			break
		}
	}
	sendJSON(c, code, status)
}
