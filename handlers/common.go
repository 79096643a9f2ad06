package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"

	"ticket-ledger/internal/status"
)

// apiError maps a service error onto the HTTP surface. The error kinds are
// stable; anything unrecognized is a plain server error.
func apiError(err error) error {
	kind, ok := status.KindOf(err)
	if !ok {
		return apis.NewApiError(http.StatusInternalServerError, "Internal error", err)
	}

	switch kind {
	case status.KindValidation:
		return apis.NewBadRequestError(err.Error(), err)
	case status.KindNotFound:
		return apis.NewNotFoundError(err.Error(), err)
	case status.KindConflict:
		return apis.NewApiError(http.StatusConflict, err.Error(), err)
	case status.KindCapacity:
		return apis.NewApiError(http.StatusConflict, err.Error(), err)
	case status.KindAuthorization:
		return apis.NewForbiddenError(err.Error(), err)
	case status.KindState:
		return apis.NewApiError(http.StatusConflict, err.Error(), err)
	case status.KindPayment:
		return apis.NewApiError(http.StatusPaymentRequired, err.Error(), err)
	default:
		// Fatal: the event is frozen pending operator intervention.
		return apis.NewApiError(http.StatusInternalServerError, err.Error(), err)
	}
}
