package errors

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/stwalsh4118/atlas/listings/internal/middleware"
)

// Error code constants for standardized error responses
const (
	ErrNotFound           = "NOT_FOUND"
	ErrBadRequest         = "BAD_REQUEST"
	ErrInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrValidation         = "VALIDATION_ERROR"
	ErrDatabaseConnection = "DATABASE_CONNECTION_ERROR"
	ErrSessionNotFound    = "SESSION_NOT_FOUND"
	ErrWriteFailed        = "WRITE_FAILED"
)

// CriticalBlockingError marks a condition under which a scrape cannot
// continue, such as the portal serving a captcha or an IP block. It is
// raised by the scraper and recorded when the session is aborted.
type CriticalBlockingError struct {
	Reason string
}

// NewCriticalBlockingError creates a CriticalBlockingError.
func NewCriticalBlockingError(reason string) *CriticalBlockingError {
	return &CriticalBlockingError{Reason: reason}
}

func (e *CriticalBlockingError) Error() string {
	return fmt.Sprintf("critical blocking error: %s", e.Reason)
}

// ErrorResponse is the top-level error response structure.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error information.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

var (
	translatorMu sync.RWMutex
	translator   ut.Translator
)

// RegisterTranslations installs English messages on v and makes them the
// ones ValidationError renders. Each call uses a fresh translator, so
// several validators can be registered.
func RegisterTranslations(v *validator.Validate) error {
	english := en.New()
	trans, _ := ut.New(english, english).GetTranslator("en")

	if err := entranslations.RegisterDefaultTranslations(v, trans); err != nil {
		return fmt.Errorf("failed to register validation translations: %w", err)
	}

	translatorMu.Lock()
	translator = trans
	translatorMu.Unlock()
	return nil
}

func currentTranslator() ut.Translator {
	translatorMu.RLock()
	defer translatorMu.RUnlock()
	return translator
}

func respond(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: middleware.GetRequestID(c),
		},
	})
}

// NotFound returns a 404 with the given code.
func NotFound(c *gin.Context, code, message string) {
	if log := middleware.GetLogger(c); log != nil {
		log.Warn("Resource not found", map[string]interface{}{
			"code":    code,
			"message": message,
			"path":    c.Request.URL.Path,
		})
	}
	respond(c, http.StatusNotFound, code, message, nil)
}

// BadRequest returns a 400 Bad Request error response with optional details.
func BadRequest(c *gin.Context, message string, details map[string]interface{}) {
	if log := middleware.GetLogger(c); log != nil {
		fields := map[string]interface{}{
			"message": message,
			"path":    c.Request.URL.Path,
		}
		if details != nil {
			fields["details"] = details
		}
		log.Warn("Bad request", fields)
	}
	respond(c, http.StatusBadRequest, ErrBadRequest, message, details)
}

// InternalServerError returns a 500. The error is logged but never exposed
// to the client.
func InternalServerError(c *gin.Context, message string, err error) {
	if log := middleware.GetLogger(c); log != nil {
		log.Error("Internal server error", err, map[string]interface{}{
			"message": message,
			"path":    c.Request.URL.Path,
			"method":  c.Request.Method,
		})
	}
	respond(c, http.StatusInternalServerError, ErrInternalServer, message, nil)
}

// WriteFailed returns a 502 for a listing write that was rolled back.
// The reason is passed to the client so the scraper can decide to retry.
func WriteFailed(c *gin.Context, listingID string, err error) {
	if log := middleware.GetLogger(c); log != nil {
		log.Error("Listing write failed", err, map[string]interface{}{
			"listing_id": listingID,
		})
	}
	respond(c, http.StatusBadGateway, ErrWriteFailed, "Listing could not be stored", map[string]interface{}{
		"listing_id": listingID,
		"reason":     err.Error(),
	})
}

// ServiceUnavailable returns a 503 when the database cannot be reached.
func ServiceUnavailable(c *gin.Context, err error) {
	if log := middleware.GetLogger(c); log != nil {
		log.Error("Database unavailable", err, nil)
	}
	respond(c, http.StatusServiceUnavailable, ErrDatabaseConnection, "Database is unavailable", nil)
}

// ValidationError returns a 400 with one translated message per field.
func ValidationError(c *gin.Context, validationErrors validator.ValidationErrors) {
	details := make(map[string]interface{}, len(validationErrors))
	for _, err := range validationErrors {
		details[err.Field()] = formatValidationError(err)
	}

	if log := middleware.GetLogger(c); log != nil {
		log.Warn("Validation error", map[string]interface{}{
			"path":   c.Request.URL.Path,
			"fields": details,
		})
	}
	respond(c, http.StatusBadRequest, ErrValidation, "Validation failed for one or more fields", details)
}

// formatValidationError prefers the registered translation and falls back
// to a generic message for tags without one.
func formatValidationError(err validator.FieldError) string {
	if trans := currentTranslator(); trans != nil {
		if msg := err.Translate(trans); msg != "" && msg != err.Error() {
			return msg
		}
	}

	switch err.Tag() {
	case "required":
		return "This field is required"
	case "gte":
		return "Must be greater than or equal to " + err.Param()
	case "lte":
		return "Must be less than or equal to " + err.Param()
	case "datetime":
		return "Must be a date formatted as " + err.Param()
	case "uuid":
		return "Must be a valid UUID"
	default:
		return "Validation failed for tag: " + err.Tag()
	}
}
