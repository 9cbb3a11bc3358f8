package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the status the API answers with. Validation
// errors are 400, unknown agents or jobs 404 and conflicting scheduler records
// 409. ErrNotReady is 503 so that a scheduler retries while an agent has no
// callbacks yet or its loop has stopped. Anything else is 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
