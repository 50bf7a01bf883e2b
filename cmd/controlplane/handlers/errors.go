package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/llmctl/llmctl/cmd/controlplane/service"
	"github.com/llmctl/llmctl/common/clients"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
)

// writeError maps service errors onto the boundary error contract. Every
// error body is an APIErrorEnvelope carrying the request id; unexpected
// errors are logged and surfaced as a generic 500.
func writeError(c echo.Context, log *logger.Logger, err error) error {
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)

	var rateLimited *service.RateLimitError
	switch {
	case errors.As(err, &rateLimited):
		c.Response().Header().Set("Retry-After", strconv.FormatInt(rateLimited.RetryAfterSeconds, 10))
		envelope := contracts.NewAPIError(contracts.CodeRateLimited, rateLimited.Error(), requestID).
			WithDetails(map[string]any{
				"tier":                string(rateLimited.Tier),
				"limit":               rateLimited.Limit,
				"current_count":       rateLimited.CurrentCount,
				"retry_after_seconds": rateLimited.RetryAfterSeconds,
			})
		return c.JSON(http.StatusTooManyRequests, withCorrelation(c, envelope))

	case errors.Is(err, contracts.ErrValidation), errors.Is(err, contracts.ErrContractViolation):
		envelope := contracts.NewAPIError(contracts.CodeInvalidRequest, err.Error(), requestID)
		return c.JSON(http.StatusBadRequest, withCorrelation(c, envelope))

	case errors.Is(err, pgx.ErrNoRows):
		envelope := contracts.NewAPIError(contracts.CodeNotFound, err.Error(), requestID)
		return c.JSON(http.StatusNotFound, withCorrelation(c, envelope))

	case errors.Is(err, contracts.ErrIdempotencyConflict):
		envelope := contracts.NewAPIError(contracts.CodeConflict, err.Error(), requestID)
		return c.JSON(http.StatusConflict, withCorrelation(c, envelope))

	case errors.Is(err, clients.ErrRAGUnavailable):
		envelope := contracts.NewAPIError(contracts.CodeRAGUnavailable, err.Error(), requestID)
		return c.JSON(http.StatusServiceUnavailable, withCorrelation(c, envelope))

	default:
		log.Error("request failed",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"request_id", requestID,
			"error", err)
		envelope := contracts.NewAPIError(contracts.CodeInternalError, "internal error", requestID)
		return c.JSON(http.StatusInternalServerError, withCorrelation(c, envelope))
	}
}

// invalidRequest answers a malformed request without going through the
// service layer.
func invalidRequest(c echo.Context, message string) error {
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	envelope := contracts.NewAPIError(contracts.CodeInvalidRequest, message, requestID)
	return c.JSON(http.StatusBadRequest, withCorrelation(c, envelope))
}

// withCorrelation attaches the caller's correlation id when present.
func withCorrelation(c echo.Context, envelope *contracts.APIErrorEnvelope) *contracts.APIErrorEnvelope {
	if correlationID := c.Request().Header.Get("X-Correlation-ID"); correlationID != "" {
		envelope.WithCorrelationID(correlationID)
	}
	return envelope
}

// HTTPErrorHandler converts errors echo raises itself (unknown routes,
// method mismatches, oversized bodies) into contract envelopes so no bare
// echo error body leaks to clients.
func HTTPErrorHandler(log *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		message := "internal error"
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.Code
			if s, ok := httpErr.Message.(string); ok {
				message = s
			} else {
				message = http.StatusText(status)
			}
		}

		code := contracts.CodeInternalError
		switch {
		case status == http.StatusNotFound:
			code = contracts.CodeNotFound
		case status == http.StatusTooManyRequests:
			code = contracts.CodeRateLimited
		case status >= 400 && status < 500:
			code = contracts.CodeInvalidRequest
		}
		if status >= 500 {
			log.Error("unhandled request error",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"error", err)
		}

		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		envelope := contracts.NewAPIError(code, message, requestID)
		if jsonErr := c.JSON(status, withCorrelation(c, envelope)); jsonErr != nil {
			log.Error("failed to write error response", "error", jsonErr)
		}
	}
}
