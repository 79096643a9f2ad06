package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-ledger/services"
)

type DelegationHandler struct {
	app      *pocketbase.PocketBase
	manager  *services.DelegationManager
	pipeline *services.CommitPipeline
}

func NewDelegationHandler(app *pocketbase.PocketBase, manager *services.DelegationManager, pipeline *services.CommitPipeline) *DelegationHandler {
	return &DelegationHandler{
		app:      app,
		manager:  manager,
		pipeline: pipeline,
	}
}

// Delegate moves write authority for the event into its shadow copy.
func (h *DelegationHandler) Delegate(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	eventKey := e.Request.PathValue("eventId")

	if err := h.manager.Delegate(e.Request.Context(), eventKey, e.Auth.Id); err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"event_key": eventKey,
		"state":     "delegated",
	})
}

// Commit folds shadow mutations back into the ledger. With terminal set the
// event also returns to local on success.
func (h *DelegationHandler) Commit(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	eventKey := e.Request.PathValue("eventId")

	var req struct {
		Terminal bool `json:"terminal"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	if err := h.manager.Authorize(e.Request.Context(), eventKey, e.Auth.Id); err != nil {
		return apiError(err)
	}

	if err := h.pipeline.Commit(e.Request.Context(), eventKey, req.Terminal); err != nil {
		return apiError(err)
	}

	state := "delegated"
	if req.Terminal {
		state = "local"
	}
	return e.JSON(http.StatusOK, map[string]any{
		"event_key": eventKey,
		"state":     state,
	})
}

// Undelegate discards the shadow copy. Uncommitted shadow mutations are lost;
// commit first if they matter.
func (h *DelegationHandler) Undelegate(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	eventKey := e.Request.PathValue("eventId")

	if err := h.manager.Undelegate(e.Request.Context(), eventKey, e.Auth.Id); err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"event_key": eventKey,
		"state":     "local",
	})
}
