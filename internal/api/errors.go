package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/orchestrator"
	"github.com/sentinel-av/sentinel/internal/quarantine"
	"github.com/sentinel-av/sentinel/internal/update"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// NewErrorResponse creates a new API error response
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
}

func generateCorrelationID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound),
		errors.Is(err, quarantine.ErrNotFound),
		errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSessionFinished),
		errors.Is(err, quarantine.ErrInvalidState),
		errors.Is(err, quarantine.ErrPathConflict),
		errors.Is(err, update.ErrNotNewer),
		errors.Is(err, update.ErrStaleBase):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNotRunning),
		errors.Is(err, quarantine.ErrVaultClosed),
		errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	case errors.IsCategory(err, errors.CategoryValidation),
		errors.Is(err, orchestrator.ErrNoRoots),
		errors.Is(err, update.ErrMalformed):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryIntegrity):
		return http.StatusUnprocessableEntity
	case errors.IsCategory(err, errors.CategoryState):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// HandleError writes err as an ErrorResponse and logs it with its correlation ID.
func (s *Server) HandleError(c echo.Context, err error, message string) error {
	code := statusFor(err)
	resp := NewErrorResponse(err, message, code)

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", c.Request().URL.Path),
		logger.String("method", c.Request().Method),
		logger.Error(err),
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("API error", fields...)
	} else {
		s.log.Debug("API error", fields...)
	}
	return c.JSON(code, resp)
}

// handleHTTPError renders echo's own errors, such as 404 routes or auth
// failures, in the same shape.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	message := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
	}
	if werr := c.JSON(code, NewErrorResponse(nil, message, code)); werr != nil {
		s.log.Warn("failed to write error response", logger.Error(werr))
	}
}
