package apperrors

import (
	"errors"
	"net/http"
)

// Codes carried in the "code" field of JSON error bodies.
const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeConflict    = "conflict"
	CodeRetryBudget = "retry_budget_exhausted"
	CodeModeration  = "moderation_rejected"
	CodeUnavailable = "unavailable"
	CodeLaunch      = "launch_failed"
	CodeInternal    = "internal"
)

// First match wins; retry budget sits before conflict so it keeps its own code.
var classes = []struct {
	sentinel error
	status   int
	code     string
}{
	{ErrValidation, http.StatusBadRequest, CodeValidation},
	{ErrNotFound, http.StatusNotFound, CodeNotFound},
	{ErrRetryBudget, http.StatusConflict, CodeRetryBudget},
	{ErrConflict, http.StatusConflict, CodeConflict},
	{ErrModeration, http.StatusUnprocessableEntity, CodeModeration},
	{ErrUnavailable, http.StatusServiceUnavailable, CodeUnavailable},
	{ErrLaunch, http.StatusBadGateway, CodeLaunch},
}

// Classify maps an error to an HTTP status and a stable error code.
func Classify(err error) (int, string) {
	for _, c := range classes {
		if errors.Is(err, c.sentinel) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}
