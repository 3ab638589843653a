package domain

import (
	"context"
	"errors"
	"net/http"
)

// HTTPStatus maps an error from the optimization loop to a response status.
// Batch and optimization failures are checked first since they wrap their cause.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBatchFailed),
		errors.Is(err, ErrOptimizationFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrDegenerateDistribution):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCircuit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499 // client closed request
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
