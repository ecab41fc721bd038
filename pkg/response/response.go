package response

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code         string              `json:"code"`
	Message      string              `json:"message"`
	Fields       []apperr.FieldError `json:"fields,omitempty"`
	RetryAfterMS int64               `json:"retry_after_ms,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:           http.StatusBadRequest,
	apperr.KindUnauthorized:         http.StatusUnauthorized,
	apperr.KindNotFound:             http.StatusNotFound,
	apperr.KindNoActiveConnection:   http.StatusConflict,
	apperr.KindUnsupportedBroker:    http.StatusBadRequest,
	apperr.KindBrokerNotImplemented: http.StatusNotImplemented,
	apperr.KindMissingVerifier:      http.StatusBadRequest,
	apperr.KindInvalidState:         http.StatusBadRequest,
	apperr.KindTokenExchangeFailed:  http.StatusBadGateway,
	apperr.KindTokenRefreshFailed:   http.StatusBadGateway,
	apperr.KindNoRefreshToken:       http.StatusConflict,
	apperr.KindReconnectRequired:    http.StatusConflict,
	apperr.KindRateLimitExceeded:    http.StatusTooManyRequests,
	apperr.KindSymbolNotFound:       http.StatusUnprocessableEntity,
	apperr.KindNoAccountFound:       http.StatusUnprocessableEntity,
	apperr.KindBrokerRejected:       http.StatusUnprocessableEntity,
	apperr.KindDuplicateOrder:       http.StatusConflict,
	apperr.KindBrokerUnavailable:    http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status used for an error kind.
func StatusFor(kind apperr.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// OK sends a 200 response regardless of method
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// Accepted sends a 202 response for work queued in the background
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// TooManyRequests sends a 429 response with a Retry-After header in whole seconds
func TooManyRequests(c *gin.Context, err *apperr.Error) {
	seconds := int(math.Ceil(err.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.JSON(http.StatusTooManyRequests, Response{
		Success: false,
		Error: &Error{
			Code:         string(err.Kind),
			Message:      err.Message,
			RetryAfterMS: err.RetryAfter.Milliseconds(),
		},
	})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind == apperr.KindInternal {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled request error")
		InternalError(c, "An unexpected error occurred")
		return
	}

	if appErr.Kind == apperr.KindRateLimitExceeded {
		TooManyRequests(c, appErr)
		return
	}

	status := StatusFor(appErr.Kind)
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Str("kind", string(appErr.Kind)).Msg("upstream failure")
	}

	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    string(appErr.Kind),
			Message: appErr.Message,
			Fields:  appErr.Fields,
		},
	})
}
