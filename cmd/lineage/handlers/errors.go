package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/lyzr/lineage/cmd/lineage/service"
	"github.com/lyzr/lineage/common/logger"
	"github.com/lyzr/lineage/common/validation"
)

const dateLayout = "2006-01-02"

// statusFor maps an engine error kind to its HTTP status
func statusFor(kind service.ErrorKind) int {
	switch kind {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindAlreadyConsumed, service.KindConcurrentModification:
		return http.StatusConflict
	case service.KindInvalidQuantity, service.KindQuantityExceeded, service.KindIncompatibleInputs:
		return http.StatusUnprocessableEntity
	case service.KindSequenceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error body for err. Persistence and partial
// failures carry the incident reference the engine logged under.
func respondError(c echo.Context, log *logger.Logger, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("operation timed out", "path", c.Path(), "error", err)
		return c.JSON(http.StatusGatewayTimeout, map[string]interface{}{
			"error":   "timeout",
			"message": "operation timed out",
		})
	}

	var le *service.LineageError
	if !errors.As(err, &le) {
		log.Error("unexpected handler error", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error":   "internal_error",
			"message": "internal server error",
		})
	}

	body := map[string]interface{}{
		"error":   string(le.Kind),
		"message": le.Error(),
	}
	if le.Incident != "" {
		body["incident"] = le.Incident
	}
	if le.RequiresReconciliation() {
		body["requires_reconciliation"] = true
	}
	return c.JSON(statusFor(le.Kind), body)
}

// bindAndValidate decodes the body into req and runs its validate tags.
// On failure it writes the 400 and returns ok=false.
func bindAndValidate(c echo.Context, req interface{}) (ok bool, err error) {
	if err := c.Bind(req); err != nil {
		return false, c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "invalid_request",
			"message": "invalid request body",
		})
	}
	if err := c.Validate(req); err != nil {
		return false, c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "invalid_request",
			"message": validation.Summary(err),
			"fields":  validation.FieldErrors(err),
		})
	}
	return true, nil
}

// unitIDParam parses the :id path parameter, writing a 400 when malformed
func unitIDParam(c echo.Context) (id uuid.UUID, ok bool, err error) {
	id, perr := uuid.Parse(c.Param("id"))
	if perr != nil {
		return uuid.Nil, false, c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "invalid_request",
			"message": "id must be a uuid",
		})
	}
	return id, true, nil
}
