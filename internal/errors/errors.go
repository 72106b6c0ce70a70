package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mantonx/signage/internal/logger"
)

// Error codes shared by the engine and the HTTP surface.
const (
	CodeConfigFetch     = "CONFIG_FETCH_ERROR"
	CodeMalformedConfig = "MALFORMED_CONFIG"
	CodeMediaLoad       = "MEDIA_LOAD_ERROR"
	CodeCacheResolution = "CACHE_RESOLUTION_ERROR"
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeInternal        = "INTERNAL_ERROR"
)

// SignageError represents a structured error with HTTP context
type SignageError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Cause      error                  `json:"-"`
	HTTPStatus int                    `json:"-"`
}

func (e *SignageError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SignageError) Unwrap() error {
	return e.Cause
}

// ToGinResponse sends the error as a standardized JSON response
func (e *SignageError) ToGinResponse(c *gin.Context) {
	statusCode := e.HTTPStatus
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}

	response := gin.H{
		"error": e.Message,
		"code":  e.Code,
	}

	if len(e.Context) > 0 {
		response["details"] = e.Context
	}

	logger.Error("HTTP error response",
		"status", statusCode,
		"code", e.Code,
		"message", e.Message,
		"path", c.Request.URL.Path,
		"method", c.Request.Method)

	c.JSON(statusCode, response)
}

// IsCode reports whether err or anything it wraps is a SignageError with code.
func IsCode(err error, code string) bool {
	var se *SignageError
	if stderrors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// NewConfigFetchError covers network, HTTP status and read failures on the
// device configuration document.
func NewConfigFetchError(url string, cause error) *SignageError {
	return &SignageError{
		Code:       CodeConfigFetch,
		Message:    "Failed to fetch device configuration",
		HTTPStatus: http.StatusBadGateway,
		Context:    map[string]interface{}{"url": url},
		Cause:      cause,
	}
}

func NewMalformedConfigError(reason string, cause error) *SignageError {
	return &SignageError{
		Code:       CodeMalformedConfig,
		Message:    "Malformed device configuration: " + reason,
		HTTPStatus: http.StatusUnprocessableEntity,
		Cause:      cause,
	}
}

func NewMediaLoadError(region string, url string, cause error) *SignageError {
	return &SignageError{
		Code:       CodeMediaLoad,
		Message:    "Media failed to load",
		HTTPStatus: http.StatusBadGateway,
		Context:    map[string]interface{}{"region": region, "url": url},
		Cause:      cause,
	}
}

func NewCacheResolutionError(url string, cause error) *SignageError {
	return &SignageError{
		Code:       CodeCacheResolution,
		Message:    "Asset cache resolution failed",
		HTTPStatus: http.StatusBadGateway,
		Context:    map[string]interface{}{"url": url},
		Cause:      cause,
	}
}

// Common error constructors
func NewValidationError(message string, field string) *SignageError {
	return &SignageError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Context:    map[string]interface{}{"field": field},
	}
}

func NewNotFoundError(resource string, id string) *SignageError {
	return &SignageError{
		Code:       CodeNotFound,
		Message:    resource + " not found",
		HTTPStatus: http.StatusNotFound,
		Context:    map[string]interface{}{"resource": resource, "id": id},
	}
}

func NewInternalError(message string, cause error) *SignageError {
	return &SignageError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// HTTP helpers

// HandleError renders err, keeping its code when it is a SignageError.
func HandleError(c *gin.Context, err error) {
	var se *SignageError
	if stderrors.As(err, &se) {
		se.ToGinResponse(c)
		return
	}
	NewInternalError("Unexpected error", err).ToGinResponse(c)
}

// HandleValidationError sends a validation error response
func HandleValidationError(c *gin.Context, message string, field string) {
	NewValidationError(message, field).ToGinResponse(c)
}

// HandleNotFound sends a not found error response
func HandleNotFound(c *gin.Context, resource string, id string) {
	NewNotFoundError(resource, id).ToGinResponse(c)
}

// HandleInternalError sends an internal server error response
func HandleInternalError(c *gin.Context, message string, err error) {
	NewInternalError(message, err).ToGinResponse(c)
}
