package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-ledger/services"
)

type RealtimeHandler struct {
	app       *pocketbase.PocketBase
	broadcast *services.Broadcaster
}

func NewRealtimeHandler(app *pocketbase.PocketBase, broadcast *services.Broadcaster) *RealtimeHandler {
	return &RealtimeHandler{
		app:       app,
		broadcast: broadcast,
	}
}

// SubscribeEvent streams one event's notifications over SSE.
func (h *RealtimeHandler) SubscribeEvent(e *core.RequestEvent) error {
	return h.stream(e, e.Request.PathValue("eventId"))
}

// SubscribeAll streams every notification over SSE.
func (h *RealtimeHandler) SubscribeAll(e *core.RequestEvent) error {
	return h.stream(e, services.SubscribeAll)
}

// stream writes notifications as server-sent events until the client leaves
// or the subscriber queue overflows. An overflow ends with a gap record; the
// client resynchronizes through the stats endpoint before reconnecting.
func (h *RealtimeHandler) stream(e *core.RequestEvent, eventRef string) error {
	flusher, ok := e.Response.(http.Flusher)
	if !ok {
		return apis.NewApiError(http.StatusNotImplemented, "Streaming unsupported", nil)
	}

	e.Response.Header().Set("Content-Type", "text/event-stream")
	e.Response.Header().Set("Cache-Control", "no-cache")
	e.Response.Header().Set("Connection", "keep-alive")
	e.Response.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.broadcast.Subscribe(eventRef)
	defer h.broadcast.Unsubscribe(sub.ID)

	// Heartbeats keep intermediaries from reaping idle streams.
	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	ctx := e.Request.Context()
	for {
		select {
		case n, open := <-sub.C:
			if !open {
				return nil
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(e.Response, "data: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(e.Response, ": ping\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}
