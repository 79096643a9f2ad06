package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"ticket-ledger/services"
)

// AdminHandler exposes operator tooling: funding test accounts, inspecting
// the delegation set, and unfreezing events after manual reconciliation.
type AdminHandler struct {
	payments  *services.RedisPaymentService
	manager   *services.DelegationManager
	processor *services.Processor
}

func NewAdminHandler(payments *services.RedisPaymentService, manager *services.DelegationManager, processor *services.Processor) *AdminHandler {
	return &AdminHandler{
		payments:  payments,
		manager:   manager,
		processor: processor,
	}
}

// Deposit credits an account balance.
func (h *AdminHandler) Deposit(e *core.RequestEvent) error {
	var req struct {
		Account string `json:"account"`
		Amount  int64  `json:"amount"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.Account == "" || req.Amount <= 0 {
		return apis.NewBadRequestError("account and positive amount required", nil)
	}

	if err := h.payments.Deposit(e.Request.Context(), req.Account, decimal.NewFromInt(req.Amount)); err != nil {
		return apiError(err)
	}

	balance, err := h.payments.Balance(e.Request.Context(), req.Account)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"account": req.Account,
		"balance": balance,
	})
}

// Balance reads an account's current balance.
func (h *AdminHandler) Balance(e *core.RequestEvent) error {
	account := e.Request.PathValue("account")
	if account == "" {
		return apis.NewBadRequestError("account required", nil)
	}

	balance, err := h.payments.Balance(e.Request.Context(), account)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"account": account,
		"balance": balance,
	})
}

// DelegatedEvents lists event keys currently held in shadow state.
func (h *AdminHandler) DelegatedEvents(e *core.RequestEvent) error {
	return e.JSON(http.StatusOK, map[string]any{
		"delegated": h.manager.DelegatedEvents(),
	})
}

// UnfreezeEvent clears a frozen event so traffic can resume after the
// operator has repaired the underlying record.
func (h *AdminHandler) UnfreezeEvent(e *core.RequestEvent) error {
	eventKey := e.Request.PathValue("eventId")
	if eventKey == "" {
		return apis.NewBadRequestError("event id required", nil)
	}

	if err := h.processor.UnfreezeEvent(e.Request.Context(), eventKey); err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"event_key": eventKey,
		"frozen":    false,
	})
}
