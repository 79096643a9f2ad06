package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"ticket-ledger/internal/status"
	"ticket-ledger/models"
	"ticket-ledger/monitoring"
	"ticket-ledger/store"
	"ticket-ledger/utils"
)

// Processor validates and applies the public ledger operations. Every write
// to one event runs inside that event's critical section, so ticket indexes
// are dense and capacity is never oversold even under concurrent load. When
// an event is delegated the same operations run against its shadow copy
// instead of the ledger.
type Processor struct {
	Store     store.LedgerStore
	Payments  PaymentGateway
	Manager   *DelegationManager
	Broadcast *Broadcaster
	Locks     *utils.KeyedMutex
	Monitor   *monitoring.Monitor

	breaker *utils.CircuitBreaker
}

func NewProcessor(ledger store.LedgerStore, payments PaymentGateway, manager *DelegationManager, broadcast *Broadcaster, monitor *monitoring.Monitor) *Processor {
	return &Processor{
		Store:     ledger,
		Payments:  payments,
		Manager:   manager,
		Broadcast: broadcast,
		Locks:     manager.Locks,
		Monitor:   monitor,
		breaker:   utils.NewCircuitBreaker("payments"),
	}
}

// InitializeEvent creates a new event record. The key is derived from
// (organizer, title), so creating the same title twice for one organizer
// collides with the existing record and fails instead of overwriting.
func (p *Processor) InitializeEvent(ctx context.Context, organizer, title, description string, price int64, capacity uint32, startsAt, endsAt time.Time) (*models.Event, error) {
	if capacity == 0 || price < 0 || !startsAt.Before(endsAt) {
		return nil, status.ErrInvalidSchedule
	}

	event := &models.Event{
		Key:             utils.EventKey(organizer, title),
		Organizer:       organizer,
		Title:           title,
		Description:     description,
		Price:           price,
		Capacity:        capacity,
		TicketsSold:     0,
		StartsAt:        startsAt,
		EndsAt:          endsAt,
		IsActive:        true,
		DelegationState: models.DelegationLocal,
		Revision:        1,
	}

	err := p.Store.Create(ctx, event.Key, encodeEvent(event))
	if errors.Is(err, store.ErrKeyExists) {
		p.track("initialize_event", "duplicate")
		return nil, status.ErrDuplicateEvent
	} else if err != nil {
		return nil, err
	}

	log.Printf("Event initialized: %s (%s)", event.Title, event.Key)
	p.track("initialize_event", "success")

	p.Broadcast.Publish(models.Notification{
		Type:      models.NotifyCreated,
		EventRef:  event.Key,
		Sequence:  event.Revision,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"title":    event.Title,
			"capacity": event.Capacity,
			"price":    event.Price,
		},
	})
	return event.Clone(), nil
}

// PurchaseTicket sells one ticket to buyer. Payment debit, ticket creation
// and the sold counter move as one unit: a failed debit leaves no trace, and
// a failed write is compensated by refunding the debit.
func (p *Processor) PurchaseTicket(ctx context.Context, eventKey, buyer string) (*models.Ticket, error) {
	p.Locks.Lock(eventKey)
	defer p.Locks.Unlock(eventKey)

	event, err := p.readGuarded(ctx, eventKey)
	if err != nil {
		p.track("purchase_ticket", "failed")
		return nil, err
	}

	var ticket *models.Ticket
	if event.DelegationState == models.DelegationLocal {
		ticket, err = p.purchaseLocal(ctx, event, buyer)
	} else {
		ticket, err = p.purchaseShadow(ctx, eventKey, buyer)
	}
	if err != nil {
		p.track("purchase_ticket", "failed")
		return nil, err
	}

	p.track("purchase_ticket", "success")
	return ticket, nil
}

func (p *Processor) purchaseLocal(ctx context.Context, event *models.Event, buyer string) (*models.Ticket, error) {
	if err := validatePurchase(event); err != nil {
		return nil, err
	}

	ticketKey := utils.TicketKey(event.Key, buyer)
	if _, err := p.Store.Read(ctx, ticketKey); err == nil {
		return nil, status.ErrAlreadyPurchased
	} else if !errors.Is(err, store.ErrKeyNotFound) {
		return nil, err
	}

	if err := p.transfer(ctx, buyer, event.Organizer, event.Price); err != nil {
		return nil, err
	}

	ticket := newTicket(ticketKey, event, buyer)
	applyPurchase(event, ticket)

	batch := store.Batch{
		Creates: map[string][]byte{ticketKey: encodeTicket(ticket)},
		Updates: map[string][]byte{event.Key: encodeEvent(event)},
	}
	if err := p.Store.Apply(ctx, batch); err != nil {
		// The debit went through but the records did not. Compensate so the
		// operation has no partial effects.
		p.refund(ctx, event.Organizer, buyer, event.Price)
		return nil, err
	}

	p.Broadcast.Publish(models.Notification{
		Type:      models.NotifyPurchased,
		EventRef:  event.Key,
		Sequence:  event.Revision,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"buyer":        buyer,
			"ticket_index": ticket.TicketIndex,
			"tickets_sold": event.TicketsSold,
		},
	})
	return ticket.Clone(), nil
}

func (p *Processor) purchaseShadow(ctx context.Context, eventKey, buyer string) (*models.Ticket, error) {
	sh := p.Manager.shadow(eventKey)
	if sh == nil {
		// The ledger says delegated but no shadow exists in this process
		// (restart mid-delegation). Writes stay blocked until an operator
		// undelegates.
		return nil, status.ErrAlreadyDelegated
	}
	if sh.committing {
		return nil, status.ErrCommitInFlight
	}

	if err := validatePurchase(sh.workEvent); err != nil {
		return nil, err
	}

	ticketKey := utils.TicketKey(eventKey, buyer)
	if _, ok := sh.workTickets[ticketKey]; ok {
		return nil, status.ErrAlreadyPurchased
	}

	if err := p.transfer(ctx, buyer, sh.workEvent.Organizer, sh.workEvent.Price); err != nil {
		return nil, err
	}

	ticket := newTicket(ticketKey, sh.workEvent, buyer)
	applyPurchase(sh.workEvent, ticket)
	sh.workTickets[ticketKey] = ticket
	p.Manager.indexShadowTicket(ticketKey, eventKey)

	p.Broadcast.Publish(models.Notification{
		Type:      models.NotifyPurchased,
		EventRef:  eventKey,
		Sequence:  sh.workEvent.Revision,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"buyer":        buyer,
			"ticket_index": ticket.TicketIndex,
			"tickets_sold": sh.workEvent.TicketsSold,
			"shadow":       true,
		},
	})
	return ticket.Clone(), nil
}

// CheckInTicket marks a ticket used. Only the organizer of the owning event
// may check tickets in, and a ticket checks in exactly once.
func (p *Processor) CheckInTicket(ctx context.Context, ticketKey, requester string) (*models.Ticket, error) {
	eventKey, err := p.ticketEventKey(ctx, ticketKey)
	if err != nil {
		p.track("check_in_ticket", "failed")
		return nil, err
	}

	p.Locks.Lock(eventKey)
	defer p.Locks.Unlock(eventKey)

	event, err := p.readGuarded(ctx, eventKey)
	if err != nil {
		p.track("check_in_ticket", "failed")
		return nil, err
	}
	if event.Organizer != requester {
		p.track("check_in_ticket", "unauthorized")
		return nil, status.ErrUnauthorized
	}

	var ticket *models.Ticket
	if event.DelegationState == models.DelegationLocal {
		ticket, err = p.checkInLocal(ctx, event, ticketKey)
	} else {
		ticket, err = p.checkInShadow(eventKey, ticketKey)
	}
	if err != nil {
		p.track("check_in_ticket", "failed")
		return nil, err
	}

	p.track("check_in_ticket", "success")
	return ticket, nil
}

func (p *Processor) checkInLocal(ctx context.Context, event *models.Event, ticketKey string) (*models.Ticket, error) {
	ticket, err := readTicket(ctx, p.Store, ticketKey)
	if err != nil {
		return nil, err
	}
	if ticket.IsUsed {
		return nil, status.ErrTicketAlreadyUsed
	}

	now := time.Now()
	ticket.IsUsed = true
	ticket.CheckInTime = &now
	checked := *ticket
	event.Revision++

	// Ticket flip and revision bump land together or not at all, so a
	// failed write can always be retried cleanly.
	batch := store.Batch{
		Updates: map[string][]byte{
			ticketKey: encodeTicket(ticket),
			event.Key: encodeEvent(event),
		},
	}
	if err := p.Store.Apply(ctx, batch); err != nil {
		return nil, err
	}

	p.Broadcast.Publish(models.Notification{
		Type:      models.NotifyCheckedIn,
		EventRef:  event.Key,
		Sequence:  event.Revision,
		Timestamp: now,
		Payload: map[string]any{
			"ticket_index": checked.TicketIndex,
			"buyer":        checked.Buyer,
		},
	})
	return checked.Clone(), nil
}

func (p *Processor) checkInShadow(eventKey, ticketKey string) (*models.Ticket, error) {
	sh := p.Manager.shadow(eventKey)
	if sh == nil {
		return nil, status.ErrAlreadyDelegated
	}
	if sh.committing {
		return nil, status.ErrCommitInFlight
	}

	ticket, ok := sh.workTickets[ticketKey]
	if !ok {
		return nil, status.ErrTicketNotFound
	}
	if ticket.IsUsed {
		return nil, status.ErrTicketAlreadyUsed
	}

	now := time.Now()
	ticket.IsUsed = true
	ticket.CheckInTime = &now
	sh.workEvent.Revision++

	p.Broadcast.Publish(models.Notification{
		Type:      models.NotifyCheckedIn,
		EventRef:  eventKey,
		Sequence:  sh.workEvent.Revision,
		Timestamp: now,
		Payload: map[string]any{
			"ticket_index": ticket.TicketIndex,
			"buyer":        ticket.Buyer,
			"shadow":       true,
		},
	})
	return ticket.Clone(), nil
}

// UpdateEventCapacity changes the capacity of a local event. Capacity is not
// part of the shadow diff, so mutating it while delegated would bypass the
// commit pipeline; delegated events must commit and undelegate first.
func (p *Processor) UpdateEventCapacity(ctx context.Context, eventKey, requester string, newCapacity uint32) (*models.Event, error) {
	p.Locks.Lock(eventKey)
	defer p.Locks.Unlock(eventKey)

	event, err := p.readGuarded(ctx, eventKey)
	if err != nil {
		p.track("update_capacity", "failed")
		return nil, err
	}
	if event.Organizer != requester {
		p.track("update_capacity", "unauthorized")
		return nil, status.ErrUnauthorized
	}
	if event.DelegationState != models.DelegationLocal {
		p.track("update_capacity", "failed")
		return nil, status.ErrAlreadyDelegated
	}
	if newCapacity < event.TicketsSold {
		p.track("update_capacity", "failed")
		return nil, status.ErrCapacityBelowSold
	}

	event.Capacity = newCapacity
	event.Revision++
	if err := p.Store.Update(ctx, eventKey, func([]byte) ([]byte, error) {
		return encodeEvent(event), nil
	}); err != nil {
		p.track("update_capacity", "failed")
		return nil, err
	}

	log.Printf("Event %s capacity updated to %d", eventKey, newCapacity)
	p.track("update_capacity", "success")

	p.Broadcast.Publish(models.Notification{
		Type:      models.NotifyCapacityUpdated,
		EventRef:  eventKey,
		Sequence:  event.Revision,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"capacity": newCapacity,
		},
	})
	return event.Clone(), nil
}

// GetEventStats projects the live counters. For a delegated event the shadow
// copy is fresher than the ledger, so stats come from there.
func (p *Processor) GetEventStats(ctx context.Context, eventKey string) (models.EventStats, error) {
	p.Locks.Lock(eventKey)
	defer p.Locks.Unlock(eventKey)

	if sh := p.Manager.shadow(eventKey); sh != nil {
		return sh.workEvent.Stats(), nil
	}

	event, err := readEvent(ctx, p.Store, eventKey)
	if err != nil {
		return models.EventStats{}, err
	}
	return event.Stats(), nil
}

// UnfreezeEvent clears the frozen flag after operator reconciliation. If the
// persisted record still violates an invariant the next read freezes it
// again, so unfreezing a broken record is harmless.
func (p *Processor) UnfreezeEvent(ctx context.Context, eventKey string) error {
	p.Locks.Lock(eventKey)
	defer p.Locks.Unlock(eventKey)

	err := p.Store.Update(ctx, eventKey, func(current []byte) ([]byte, error) {
		var event models.Event
		if err := decode(current, &event); err != nil {
			return nil, err
		}
		event.Frozen = false
		return encodeEvent(&event), nil
	})
	if errors.Is(err, store.ErrKeyNotFound) {
		return status.ErrEventNotFound
	}
	if err == nil {
		log.Printf("Event %s unfrozen by operator", eventKey)
	}
	return err
}

// readGuarded reads the event and enforces the fatal invariant sentinel: a
// persisted record that breaks the ledger invariants freezes the event.
func (p *Processor) readGuarded(ctx context.Context, eventKey string) (*models.Event, error) {
	event, err := readEvent(ctx, p.Store, eventKey)
	if err != nil {
		return nil, err
	}
	if event.Frozen {
		return nil, status.ErrEventFrozen
	}
	if event.InvariantViolated() {
		event.Frozen = true
		if err := p.Store.Update(ctx, eventKey, func([]byte) ([]byte, error) {
			return encodeEvent(event), nil
		}); err != nil {
			log.Printf("Failed to freeze event %s: %v", eventKey, err)
		}
		log.Printf("Invariant violation detected on event %s: sold %d > capacity %d, event frozen",
			eventKey, event.TicketsSold, event.Capacity)
		return nil, status.ErrEventFrozen
	}
	return event, nil
}

// ticketEventKey resolves the owning event for a ticket: the ledger record
// when it exists, otherwise the shadow index for tickets sold during an
// active delegation.
func (p *Processor) ticketEventKey(ctx context.Context, ticketKey string) (string, error) {
	ticket, err := readTicket(ctx, p.Store, ticketKey)
	if err == nil {
		return ticket.EventKey, nil
	}
	if !errors.Is(err, status.ErrTicketNotFound) {
		return "", err
	}
	if eventKey, ok := p.Manager.shadowTicketEvent(ticketKey); ok {
		return eventKey, nil
	}
	return "", status.ErrTicketNotFound
}

// transfer runs the payment debit/credit behind the circuit breaker.
func (p *Processor) transfer(ctx context.Context, from, to string, price int64) error {
	err := p.breaker.Execute(ctx, func() error {
		_, err := p.Payments.Transfer(ctx, from, to, decimal.NewFromInt(price))
		return err
	})
	if err == nil {
		return nil
	}
	if _, ok := status.KindOf(err); ok {
		return err
	}
	log.Printf("Payment transfer %s -> %s failed: %v", from, to, err)
	return status.ErrFailedPayment
}

func (p *Processor) refund(ctx context.Context, from, to string, price int64) {
	if _, err := p.Payments.Transfer(ctx, from, to, decimal.NewFromInt(price)); err != nil {
		// Needs operator reconciliation; the ledger records are consistent,
		// only the compensation is outstanding.
		log.Printf("Refund %s -> %s of %d failed: %v", from, to, price, err)
	}
}

func (p *Processor) track(operation, result string) {
	if p.Monitor != nil {
		p.Monitor.TrackOperation(operation, result)
	}
}

func validatePurchase(event *models.Event) error {
	if !event.IsActive {
		return status.ErrEventInactive
	}
	if event.TicketsSold >= event.Capacity {
		return status.ErrEventSoldOut
	}
	return nil
}

func newTicket(ticketKey string, event *models.Event, buyer string) *models.Ticket {
	return &models.Ticket{
		Key:          ticketKey,
		EventKey:     event.Key,
		Buyer:        buyer,
		TicketIndex:  event.TicketsSold,
		PurchaseTime: time.Now(),
	}
}

// applyPurchase advances the event counters for a freshly created ticket.
// The caller persists or shadows the result.
func applyPurchase(event *models.Event, ticket *models.Ticket) {
	event.TicketsSold++
	event.TicketKeys = append(event.TicketKeys, ticket.Key)
	event.Revision++
}
