package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-ledger/services"
)

type EventHandler struct {
	app       *pocketbase.PocketBase
	processor *services.Processor
}

func NewEventHandler(app *pocketbase.PocketBase, processor *services.Processor) *EventHandler {
	return &EventHandler{
		app:       app,
		processor: processor,
	}
}

// InitializeEvent creates a new event owned by the authenticated organizer.
func (h *EventHandler) InitializeEvent(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Price       int64  `json:"price"`
		Capacity    uint32 `json:"capacity"`
		StartsAt    int64  `json:"starts_at"`
		EndsAt      int64  `json:"ends_at"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	event, err := h.processor.InitializeEvent(
		e.Request.Context(),
		e.Auth.Id,
		req.Title,
		req.Description,
		req.Price,
		req.Capacity,
		time.Unix(req.StartsAt, 0),
		time.Unix(req.EndsAt, 0),
	)
	if err != nil {
		return apiError(err)
	}

	h.mirrorEvent(event.Key, map[string]any{
		"key":          event.Key,
		"organizer":    event.Organizer,
		"title":        event.Title,
		"price":        event.Price,
		"capacity":     event.Capacity,
		"tickets_sold": event.TicketsSold,
		"is_active":    event.IsActive,
	})

	return e.JSON(http.StatusOK, map[string]any{
		"event_key": event.Key,
		"title":     event.Title,
		"capacity":  event.Capacity,
	})
}

// PurchaseTicket sells one ticket to the authenticated buyer.
func (h *EventHandler) PurchaseTicket(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	eventKey := e.Request.PathValue("eventId")

	ticket, err := h.processor.PurchaseTicket(e.Request.Context(), eventKey, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}

	h.mirrorTicket(ticket.Key, map[string]any{
		"key":          ticket.Key,
		"event_key":    ticket.EventKey,
		"buyer":        ticket.Buyer,
		"ticket_index": ticket.TicketIndex,
		"is_used":      ticket.IsUsed,
	})
	h.mirrorEventStats(e, eventKey)

	return e.JSON(http.StatusOK, map[string]any{
		"ticket_key":   ticket.Key,
		"ticket_index": ticket.TicketIndex,
	})
}

// CheckInTicket marks a ticket used; the requester must be the organizer.
func (h *EventHandler) CheckInTicket(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ticketKey := e.Request.PathValue("ticketId")

	ticket, err := h.processor.CheckInTicket(e.Request.Context(), ticketKey, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"ticket_key":    ticket.Key,
		"is_used":       ticket.IsUsed,
		"check_in_time": ticket.CheckInTime,
	})
}

// UpdateCapacity resizes a local event, never below tickets already sold.
func (h *EventHandler) UpdateCapacity(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	eventKey := e.Request.PathValue("eventId")

	var req struct {
		Capacity uint32 `json:"capacity"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	event, err := h.processor.UpdateEventCapacity(e.Request.Context(), eventKey, e.Auth.Id, req.Capacity)
	if err != nil {
		return apiError(err)
	}

	h.mirrorEventStats(e, eventKey)

	return e.JSON(http.StatusOK, map[string]any{
		"event_key": event.Key,
		"capacity":  event.Capacity,
	})
}

// GetStats serves the live projection; no auth required.
func (h *EventHandler) GetStats(e *core.RequestEvent) error {
	eventKey := e.Request.PathValue("eventId")

	stats, err := h.processor.GetEventStats(e.Request.Context(), eventKey)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, stats)
}

// mirrorEvent writes the audit-mirror record for a new event. Best effort:
// the ledger is the source of truth, the mirror is for browsing.
func (h *EventHandler) mirrorEvent(key string, fields map[string]any) {
	collection, err := h.app.FindCollectionByNameOrId("events")
	if err != nil {
		log.Printf("Event mirror skipped for %s: %v", key, err)
		return
	}

	record := core.NewRecord(collection)
	for name, value := range fields {
		record.Set(name, value)
	}
	if err := h.app.Save(record); err != nil {
		log.Printf("Event mirror save failed for %s: %v", key, err)
	}
}

func (h *EventHandler) mirrorTicket(key string, fields map[string]any) {
	collection, err := h.app.FindCollectionByNameOrId("tickets")
	if err != nil {
		log.Printf("Ticket mirror skipped for %s: %v", key, err)
		return
	}

	record := core.NewRecord(collection)
	for name, value := range fields {
		record.Set(name, value)
	}
	if err := h.app.Save(record); err != nil {
		log.Printf("Ticket mirror save failed for %s: %v", key, err)
	}
}

// mirrorEventStats refreshes the mirrored counters after a mutation.
func (h *EventHandler) mirrorEventStats(e *core.RequestEvent, eventKey string) {
	stats, err := h.processor.GetEventStats(e.Request.Context(), eventKey)
	if err != nil {
		return
	}

	record, err := h.app.FindFirstRecordByFilter(
		"events",
		"key = {:key}",
		dbx.Params{"key": eventKey},
	)
	if err != nil {
		return
	}

	record.Set("tickets_sold", stats.TicketsSold)
	record.Set("capacity", stats.Capacity)
	record.Set("is_active", stats.IsActive)
	if err := h.app.Save(record); err != nil {
		log.Printf("Event mirror update failed for %s: %v", eventKey, err)
	}
}
