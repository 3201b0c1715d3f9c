package handlers

import (
	"net/http"

	"example.com/backstage/simul/internal/models"
	"example.com/backstage/simul/internal/sequencer"
	"example.com/backstage/simul/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error represents an API error
type Error struct {
	Message    string
	StatusCode int
	Code       string
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// Common API errors
var (
	ErrInvalidRequest     = &Error{Message: "Invalid request", StatusCode: http.StatusBadRequest, Code: "INVALID_REQUEST"}
	ErrNotFound           = &Error{Message: "Simul not found", StatusCode: http.StatusNotFound, Code: "NOT_FOUND"}
	ErrUnauthorized       = &Error{Message: "Unauthorized", StatusCode: http.StatusUnauthorized, Code: "UNAUTHORIZED"}
	ErrForbidden          = &Error{Message: "Only the host can do this", StatusCode: http.StatusForbidden, Code: "FORBIDDEN"}
	ErrEventFull          = &Error{Message: "Simul is full", StatusCode: http.StatusConflict, Code: "EVENT_FULL"}
	ErrConflict           = &Error{Message: "Simul changed meanwhile, try again", StatusCode: http.StatusConflict, Code: "CONFLICT"}
	ErrServiceUnavailable = &Error{Message: "Too many pending operations", StatusCode: http.StatusServiceUnavailable, Code: "SERVICE_UNAVAILABLE"}
	ErrGatewayTimeout     = &Error{Message: "Operation timed out", StatusCode: http.StatusGatewayTimeout, Code: "TIMEOUT"}
)

// NewValidationError creates a new validation error with a custom message
func NewValidationError(message string) *Error {
	return &Error{
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_ERROR",
	}
}

// toAPIError maps service errors to their HTTP form. Unknown errors yield nil.
func toAPIError(err error) *Error {
	var apiError *Error
	if errors.As(err, &apiError) {
		return apiError
	}

	var ineligible *services.IneligibleError
	if errors.As(err, &ineligible) {
		return &Error{Message: ineligible.Reason, StatusCode: http.StatusForbidden, Code: "INELIGIBLE"}
	}

	switch {
	case errors.Is(err, services.ErrEventFull):
		return ErrEventFull
	case errors.Is(err, services.ErrVariantNotOffered):
		return NewValidationError(services.ErrVariantNotOffered.Error())
	case errors.Is(err, services.ErrInvalidSetup):
		return NewValidationError(err.Error())
	case errors.Is(err, models.ErrStaleEvent):
		return ErrConflict
	case errors.Is(err, sequencer.ErrQueueFull), errors.Is(err, sequencer.ErrClosed):
		return ErrServiceUnavailable
	case errors.Is(err, sequencer.ErrTimeout):
		return ErrGatewayTimeout
	}
	return nil
}

// writeError writes an error response
func writeError(c *gin.Context, err error) {
	if apiError := toAPIError(err); apiError != nil {
		c.AbortWithStatusJSON(apiError.StatusCode, ErrorResponse{
			Message: apiError.Message,
			Code:    apiError.Code,
		})
		return
	}

	log.Error().Err(err).Str("path", c.FullPath()).Msg("Unhandled error")
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Message: "Internal server error",
		Code:    "INTERNAL_ERROR",
	})
}
