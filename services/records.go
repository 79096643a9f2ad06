package services

import (
	"context"
	"encoding/json"
	"errors"

	"ticket-ledger/internal/status"
	"ticket-ledger/models"
	"ticket-ledger/store"
)

// Records are stored as JSON. Decoding maps the store's key errors onto the
// domain taxonomy so callers never see storage-level sentinels.

func readEvent(ctx context.Context, s store.LedgerStore, key string) (*models.Event, error) {
	data, err := s.Read(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, status.ErrEventNotFound
	} else if err != nil {
		return nil, err
	}

	var event models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func readTicket(ctx context.Context, s store.LedgerStore, key string) (*models.Ticket, error) {
	data, err := s.Read(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, status.ErrTicketNotFound
	} else if err != nil {
		return nil, err
	}

	var ticket models.Ticket
	if err := json.Unmarshal(data, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func encodeEvent(event *models.Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

func encodeTicket(ticket *models.Ticket) []byte {
	data, _ := json.Marshal(ticket)
	return data
}
