package services

import (
	"context"
	"log"
	"sync"
	"time"

	"ticket-ledger/internal/status"
	"ticket-ledger/models"
	"ticket-ledger/store"
	"ticket-ledger/utils"
)

// shadowCopy is the low-latency working replica of one delegated event. The
// base fields hold the last committed snapshot; the work fields absorb
// mutations until the commit pipeline folds them back into the ledger.
type shadowCopy struct {
	baseEvent   *models.Event
	baseTickets map[string]*models.Ticket

	workEvent   *models.Event
	workTickets map[string]*models.Ticket

	// committing blocks new shadow writes while a commit is in flight. A
	// failed flush leaves it set together with pending, and the same diff is
	// retried; sequence comparison makes the retry idempotent.
	committing bool
	pending    *CommitDiff
}

// DelegationManager moves write authority for an event between the ledger
// (local) and a shadow working copy (delegated). The persisted
// DelegationState field is the single source of truth for which context may
// accept writes; all transitions happen under the event's critical section.
type DelegationManager struct {
	Store     store.LedgerStore
	Locks     *utils.KeyedMutex
	Broadcast *Broadcaster

	mu      sync.RWMutex
	shadows map[string]*shadowCopy

	// shadowTickets maps ticket keys sold during a delegation to their event,
	// so check-in can find the owning shadow before the ticket reaches the
	// ledger.
	shadowTickets map[string]string
}

func NewDelegationManager(ledger store.LedgerStore, locks *utils.KeyedMutex, broadcast *Broadcaster) *DelegationManager {
	return &DelegationManager{
		Store:         ledger,
		Locks:         locks,
		Broadcast:     broadcast,
		shadows:       make(map[string]*shadowCopy),
		shadowTickets: make(map[string]string),
	}
}

// Delegate snapshots the event and its tickets into a shadow copy and marks
// the ledger record delegated. Only the organizer may delegate, and only from
// the local state.
func (m *DelegationManager) Delegate(ctx context.Context, eventKey, requester string) error {
	m.Locks.Lock(eventKey)
	defer m.Locks.Unlock(eventKey)

	event, err := readEvent(ctx, m.Store, eventKey)
	if err != nil {
		return err
	}
	if event.Frozen || event.InvariantViolated() {
		return status.ErrEventFrozen
	}
	if event.Organizer != requester {
		return status.ErrUnauthorized
	}
	if event.DelegationState != models.DelegationLocal {
		return status.ErrAlreadyDelegated
	}

	tickets := make(map[string]*models.Ticket, len(event.TicketKeys))
	for _, ticketKey := range event.TicketKeys {
		ticket, err := readTicket(ctx, m.Store, ticketKey)
		if err != nil {
			return err
		}
		tickets[ticketKey] = ticket
	}

	event.DelegationState = models.DelegationDelegated
	event.Revision++
	if err := m.writeEvent(ctx, event); err != nil {
		return err
	}

	sh := &shadowCopy{
		baseEvent:   event.Clone(),
		baseTickets: cloneTickets(tickets),
		workEvent:   event.Clone(),
		workTickets: cloneTickets(tickets),
	}

	m.mu.Lock()
	m.shadows[eventKey] = sh
	m.mu.Unlock()

	log.Printf("Event %s delegated at seq %d (%d tickets snapshotted)",
		eventKey, event.Revision, len(tickets))

	m.Broadcast.Publish(models.Notification{
		Type:      models.NotifyDelegated,
		EventRef:  eventKey,
		Sequence:  event.Revision,
		Timestamp: time.Now(),
	})
	return nil
}

// Undelegate discards the shadow copy and returns authority to the ledger.
// Uncommitted shadow mutations are lost by design; callers that care commit
// first. Fails while a commit is in flight.
func (m *DelegationManager) Undelegate(ctx context.Context, eventKey, requester string) error {
	m.Locks.Lock(eventKey)
	defer m.Locks.Unlock(eventKey)

	event, err := readEvent(ctx, m.Store, eventKey)
	if err != nil {
		return err
	}
	if event.Organizer != requester {
		return status.ErrUnauthorized
	}
	if event.DelegationState != models.DelegationDelegated {
		return status.ErrNotDelegated
	}

	sh := m.shadow(eventKey)
	if sh != nil && sh.committing {
		return status.ErrCommitInFlight
	}

	event.DelegationState = models.DelegationLocal
	event.Revision++
	if err := m.writeEvent(ctx, event); err != nil {
		return err
	}

	m.dropShadow(eventKey)

	log.Printf("Event %s undelegated at seq %d", eventKey, event.Revision)

	m.Broadcast.Publish(models.Notification{
		Type:      models.NotifyUndelegated,
		EventRef:  eventKey,
		Sequence:  event.Revision,
		Timestamp: time.Now(),
	})
	return nil
}

// Authorize verifies that requester is the organizer of the event.
func (m *DelegationManager) Authorize(ctx context.Context, eventKey, requester string) error {
	event, err := readEvent(ctx, m.Store, eventKey)
	if err != nil {
		return err
	}
	if event.Organizer != requester {
		return status.ErrUnauthorized
	}
	return nil
}

// DelegatedEvents lists the keys of every event with an active shadow copy.
// The commit scheduler walks this.
func (m *DelegationManager) DelegatedEvents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.shadows))
	for key := range m.shadows {
		keys = append(keys, key)
	}
	return keys
}

// shadow returns the shadow copy for eventKey, nil when not delegated. The
// returned copy must only be mutated under the event's critical section.
func (m *DelegationManager) shadow(eventKey string) *shadowCopy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shadows[eventKey]
}

func (m *DelegationManager) dropShadow(eventKey string) {
	m.mu.Lock()
	delete(m.shadows, eventKey)
	for ticketKey, owner := range m.shadowTickets {
		if owner == eventKey {
			delete(m.shadowTickets, ticketKey)
		}
	}
	m.mu.Unlock()
}

func (m *DelegationManager) indexShadowTicket(ticketKey, eventKey string) {
	m.mu.Lock()
	m.shadowTickets[ticketKey] = eventKey
	m.mu.Unlock()
}

func (m *DelegationManager) shadowTicketEvent(ticketKey string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eventKey, ok := m.shadowTickets[ticketKey]
	return eventKey, ok
}

func (m *DelegationManager) writeEvent(ctx context.Context, event *models.Event) error {
	return m.Store.Update(ctx, event.Key, func([]byte) ([]byte, error) {
		return encodeEvent(event), nil
	})
}

func cloneTickets(tickets map[string]*models.Ticket) map[string]*models.Ticket {
	cloned := make(map[string]*models.Ticket, len(tickets))
	for key, ticket := range tickets {
		cloned[key] = ticket.Clone()
	}
	return cloned
}
