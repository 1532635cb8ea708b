package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"webrag/src/core/contentcache"
	"webrag/src/core/ingestion"
	"webrag/src/core/knowledge"
	"webrag/src/core/progress"
	"webrag/src/core/retrieval"
)

var ErrSessionNotFound = errors.New("session not found")

// Service is implemented by *ingestion.Engine.
type Service interface {
	Ingest(ctx context.Context, req ingestion.Request) (ingestion.Ticket, error)
	Query(ctx context.Context, req retrieval.Request, override knowledge.ProviderConfig) (*retrieval.Answer, error)
	Subscribe(ctx context.Context, projectID string) <-chan progress.Update
	Status(projectID, sessionID string) (progress.Update, bool)
	CacheStats(ctx context.Context) (contentcache.Stats, error)
	InvalidateCache(ctx context.Context, url string) error
	Health(ctx context.Context) ingestion.HealthStatus
}

var _ Service = (*ingestion.Engine)(nil)

type Handler struct {
	service Service
	metrics http.Handler
}

// NewHandler builds the API handler. metrics may be nil, in which case
// /metrics is not served.
func NewHandler(service Service, metrics http.Handler) *Handler {
	return &Handler{
		service: service,
		metrics: metrics,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")

	// Ingestion routes
	v1.POST("/projects/:projectId/ingest", h.Ingest)
	v1.GET("/projects/:projectId/sessions/:sessionId", h.GetSession)

	// Progress routes
	v1.GET("/projects/:projectId/progress", h.StreamProgress)
	v1.GET("/projects/:projectId/progress/ws", h.ProgressWebSocket)

	// Query routes
	v1.POST("/projects/:projectId/query", h.Query)

	// Cache routes
	v1.GET("/cache/stats", h.GetCacheStats)
	v1.DELETE("/cache", h.InvalidateCache)

	// System routes
	v1.GET("/health", h.CheckHealth)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}
}

// Common error response structure
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func sendError(c *gin.Context, err error, details interface{}) {
	var (
		validation *knowledge.ValidationError
		config     *knowledge.ConfigurationError
		rateLimit  *knowledge.RateLimitError
		transient  *knowledge.TransientError
	)

	var code string
	var status int
	switch {
	case errors.As(err, &validation),
		errors.Is(err, ingestion.ErrNoContent),
		errors.Is(err, ingestion.ErrNoFetcher),
		errors.Is(err, retrieval.ErrProviderRequired):
		code = "VALIDATION_ERROR"
		status = http.StatusBadRequest
	case errors.As(err, &config):
		code = "CONFIGURATION_ERROR"
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrSessionNotFound):
		code = "NOT_FOUND"
		status = http.StatusNotFound
	case errors.As(err, &rateLimit):
		code = "RATE_LIMITED"
		status = http.StatusTooManyRequests
	case errors.As(err, &transient), errors.Is(err, context.DeadlineExceeded):
		code = "UPSTREAM_UNAVAILABLE"
		status = http.StatusServiceUnavailable
	default:
		code = "INTERNAL_ERROR"
		status = http.StatusInternalServerError
	}

	c.JSON(status, ErrorResponse{
		Code:    code,
		Message: err.Error(),
		Details: details,
	})
}

func sendJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}
