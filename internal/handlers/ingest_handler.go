package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stwalsh4118/atlas/listings/internal/database"
	apierrors "github.com/stwalsh4118/atlas/listings/internal/errors"
	"github.com/stwalsh4118/atlas/listings/internal/middleware"
	"github.com/stwalsh4118/atlas/listings/internal/models"
	"github.com/stwalsh4118/atlas/listings/internal/repository"
	"github.com/stwalsh4118/atlas/listings/internal/services"
	"github.com/stwalsh4118/atlas/listings/internal/stats"
)

// IngestHandler exposes scrape sessions, listing ingestion and tagging.
type IngestHandler struct {
	service services.IngestService
}

// NewIngestHandler creates a new IngestHandler instance.
func NewIngestHandler(service services.IngestService) *IngestHandler {
	return &IngestHandler{service: service}
}

// StartSessionRequest is the optional body of POST /api/v1/sessions.
type StartSessionRequest struct {
	TotalListingsInMarket int `json:"total_listings_in_market" binding:"gte=0"`
}

// StartSessionResponse carries the new session id.
type StartSessionResponse struct {
	SessionID uuid.UUID `json:"session_id"`
}

// IngestRequest is one scraped listing. Listing holds the raw scraper
// fields and is decoded with weak typing.
type IngestRequest struct {
	Listing      map[string]interface{} `json:"listing" binding:"required"`
	City         string                 `json:"city" binding:"required"`
	PropertyType string                 `json:"property_type" binding:"required"`
	AsOf         string                 `json:"as_of" binding:"required,datetime=2006-01-02"`
}

// IngestResponse reports the upsert outcome.
type IngestResponse struct {
	ID      string                   `json:"id"`
	Outcome repository.UpsertOutcome `json:"outcome"`
	Created bool                     `json:"created"`
}

// AbortSessionRequest describes why the scraper gave up.
type AbortSessionRequest struct {
	Reason string `json:"reason" binding:"required"`
	// Blocked marks the abort as caused by the portal blocking the scraper.
	Blocked bool `json:"blocked"`
}

// SessionResultResponse is returned when a session is closed.
type SessionResultResponse struct {
	Status string         `json:"status"`
	Stats  stats.Snapshot `json:"stats"`
}

// TagResponse reports how many listings were classified.
type TagResponse struct {
	Tagged int64 `json:"tagged"`
}

// PreviewTagsRequest is a description to classify.
type PreviewTagsRequest struct {
	Description string `json:"description" binding:"required"`
}

// PreviewTagsResponse lists the tags the description would receive.
type PreviewTagsResponse struct {
	Tags []string `json:"tags"`
}

// StartSession handles POST /api/v1/sessions.
func (h *IngestHandler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		bindError(c, err)
		return
	}

	id := h.service.StartSession(req.TotalListingsInMarket)
	c.JSON(http.StatusCreated, StartSessionResponse{SessionID: id})
}

// Ingest handles POST /api/v1/sessions/:id/listings.
// A rolled-back write answers 502 so the scraper can tell it from an update.
func (h *IngestHandler) Ingest(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	input, err := models.DecodeListingInput(req.Listing)
	if err != nil {
		apierrors.BadRequest(c, "Invalid listing fields", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	res, err := h.service.Ingest(c.Request.Context(), sessionID, repository.UpsertParams{
		Listing:      input,
		City:         req.City,
		PropertyType: req.PropertyType,
		AsOf:         req.AsOf,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSessionNotFound):
			apierrors.NotFound(c, apierrors.ErrSessionNotFound, "Scrape session not found")
		case errors.Is(err, services.ErrInvalidListing):
			apierrors.BadRequest(c, err.Error(), nil)
		default:
			apierrors.InternalServerError(c, "Failed to ingest listing", err)
		}
		return
	}

	if res.Failed() {
		apierrors.WriteFailed(c, input.ID, res.Err)
		return
	}

	status := http.StatusOK
	if res.Created() {
		status = http.StatusCreated
	}
	c.JSON(status, IngestResponse{
		ID:      input.ID,
		Outcome: res.Outcome,
		Created: res.Created(),
	})
}

// SessionStats handles GET /api/v1/sessions/:id/stats.
func (h *IngestHandler) SessionStats(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	snap, err := h.service.SessionStats(sessionID)
	if err != nil {
		apierrors.NotFound(c, apierrors.ErrSessionNotFound, "Scrape session not found")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// FinishSession handles POST /api/v1/sessions/:id/finish.
func (h *IngestHandler) FinishSession(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	snap, err := h.service.FinishSession(c.Request.Context(), sessionID)
	h.sessionClosed(c, string(models.ScrapeLogCompleted), snap, err)
}

// AbortSession handles POST /api/v1/sessions/:id/abort.
func (h *IngestHandler) AbortSession(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	var req AbortSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	cause := errors.New(req.Reason)
	if req.Blocked {
		cause = apierrors.NewCriticalBlockingError(req.Reason)
	}

	snap, err := h.service.AbortSession(c.Request.Context(), sessionID, cause)
	h.sessionClosed(c, string(models.ScrapeLogAborted), snap, err)
}

func (h *IngestHandler) sessionClosed(c *gin.Context, status string, snap stats.Snapshot, err error) {
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			apierrors.NotFound(c, apierrors.ErrSessionNotFound, "Scrape session not found")
			return
		}
		apierrors.InternalServerError(c, "Failed to save scrape log", err)
		return
	}
	c.JSON(http.StatusOK, SessionResultResponse{Status: status, Stats: snap})
}

// GetListing handles GET /api/v1/listings/:id.
func (h *IngestHandler) GetListing(c *gin.Context) {
	listing, err := h.service.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		storageError(c, "Failed to query listing", err)
		return
	}
	if listing == nil {
		apierrors.NotFound(c, apierrors.ErrNotFound, "Listing not found")
		return
	}
	c.JSON(http.StatusOK, listing)
}

// ApplyTags handles POST /api/v1/listings/tags.
func (h *IngestHandler) ApplyTags(c *gin.Context) {
	n, err := h.service.ApplyTags(c.Request.Context())
	if err != nil {
		storageError(c, "Failed to apply tags", err)
		return
	}

	if log := middleware.GetLogger(c); log != nil {
		log.Info("Listings tagged", map[string]interface{}{"tagged": n})
	}
	c.JSON(http.StatusOK, TagResponse{Tagged: n})
}

// PreviewTags handles POST /api/v1/listings/tags/preview. It is a dry run
// of the current rules and writes nothing.
func (h *IngestHandler) PreviewTags(c *gin.Context) {
	var req PreviewTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	c.JSON(http.StatusOK, PreviewTagsResponse{Tags: h.service.PreviewTags(req.Description)})
}

func sessionParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apierrors.BadRequest(c, "Session id must be a UUID", map[string]interface{}{
			"session_id": c.Param("id"),
		})
		return uuid.Nil, false
	}
	return id, true
}

// storageError answers 503 when the reconnect cycle gave up and 500 otherwise.
func storageError(c *gin.Context, message string, err error) {
	if errors.Is(err, database.ErrConnectionExhausted) {
		apierrors.ServiceUnavailable(c, err)
		return
	}
	apierrors.InternalServerError(c, message, err)
}

func bindError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		apierrors.ValidationError(c, validationErrors)
		return
	}
	apierrors.BadRequest(c, "Invalid request body", nil)
}
