package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
)

// statusFor maps the domain error taxonomy to an HTTP status and a stable code
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrNoValidRows):
		return http.StatusBadRequest, "no_valid_rows"
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, domain.ErrInsufficientCredit):
		return http.StatusPaymentRequired, "insufficient_credit"
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, domain.ErrBatchNotFound):
		return http.StatusNotFound, "batch_not_found"
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound, "job_not_found"
	case errors.Is(err, domain.ErrJobAlreadyClaimed), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "conflict"
	case domain.IsUpstream(err):
		return http.StatusServiceUnavailable, "upstream_failure"
	}
	return http.StatusInternalServerError, "internal_error"
}

// respondError writes err as a JSON error body. Internal errors are logged and masked.
func respondError(c *gin.Context, logger *slog.Logger, op string, err error) {
	status, code := statusFor(err)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			slog.String("op", op),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	} else {
		logger.Warn("Request rejected",
			slog.String("op", op),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(status, gin.H{
		"error": message,
		"code":  code,
	})
}
