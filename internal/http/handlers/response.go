package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/supplier-confirmations/internal/http/middleware"
	"github.com/tbourn/supplier-confirmations/internal/mailbox"
	"github.com/tbourn/supplier-confirmations/internal/services"
)

type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code ErrCode `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"case not found"`
}

func fail(c *gin.Context, status int, code ErrCode, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", string(code)).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail writes the error envelope. Used by the router for NoRoute/NoMethod.
func Fail(c *gin.Context, status int, code ErrCode, msg string) { fail(c, status, code, msg) }

// failErr maps a service error onto a status and code. Messages of 5xx
// errors are not echoed to clients.
func failErr(c *gin.Context, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && code == ErrCodeInternal {
		_ = c.Error(err)
		msg = "internal server error"
	}
	fail(c, status, code, msg)
}

func classify(err error) (int, ErrCode) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, services.ErrCaseNotFound), errors.Is(err, services.ErrAttachmentNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, services.ErrInvalidTransition):
		return http.StatusConflict, ErrCodeInvalidTransition
	case errors.Is(err, services.ErrNoSupplierEmail):
		return http.StatusUnprocessableEntity, ErrCodeNeedsBuyer
	case errors.Is(err, services.ErrSendInFlight):
		return http.StatusConflict, ErrCodeSendInFlight
	case errors.Is(err, mailbox.ErrUnavailable):
		return http.StatusServiceUnavailable, ErrCodeMailboxUnavailable
	case errors.Is(err, services.ErrSendFailed):
		return http.StatusBadGateway, ErrCodeSendFailed
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// bindJSON decodes the body into dst, answering 400 (or 413) itself on
// failure.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
			return false
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
