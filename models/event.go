package models

import (
	"time"
)

// DelegationState tells which execution context currently owns writes for an
// event: the durable ledger (local) or the low-latency shadow copy.
type DelegationState string

const (
	DelegationLocal      DelegationState = "local"
	DelegationDelegated  DelegationState = "delegated"
	DelegationCommitting DelegationState = "committing"
)

type Event struct {
	Key             string          `json:"key"`
	Organizer       string          `json:"organizer"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Price           int64           `json:"price"` // minor currency units
	Capacity        uint32          `json:"capacity"`
	TicketsSold     uint32          `json:"tickets_sold"`
	StartsAt        time.Time       `json:"starts_at"`
	EndsAt          time.Time       `json:"ends_at"`
	IsActive        bool            `json:"is_active"`
	DelegationState DelegationState `json:"delegation_state"`

	// Revision increases by one on every mutation. It doubles as the commit
	// sequence number: the ledger copy's revision is the last applied
	// sequence, and a shadow diff is only applied when its revision is newer.
	Revision uint64 `json:"revision"`

	// Frozen is set when a persisted invariant violation is detected on read.
	// A frozen event rejects all further writes until operator intervention.
	Frozen bool `json:"frozen,omitempty"`

	// TicketKeys lists every ticket key issued for this event, in purchase
	// order. Ticket keys are content-derived, so the event record carries the
	// index needed to enumerate its tickets.
	TicketKeys []string `json:"ticket_keys,omitempty"`
}

// Clone returns a deep copy. Shadow snapshots and notifications must never
// alias the stored record.
func (e *Event) Clone() *Event {
	c := *e
	c.TicketKeys = append([]string(nil), e.TicketKeys...)
	return &c
}

// InvariantViolated reports whether the persisted record breaks a ledger
// invariant that should be impossible to write.
func (e *Event) InvariantViolated() bool {
	return e.TicketsSold > e.Capacity
}

type EventStats struct {
	TicketsSold      uint32 `json:"tickets_sold"`
	TicketsAvailable uint32 `json:"tickets_available"`
	Capacity         uint32 `json:"capacity"`
	Revenue          int64  `json:"revenue"`
	IsActive         bool   `json:"is_active"`
}

// Stats is the read-only projection served by GetEventStats.
func (e *Event) Stats() EventStats {
	available := uint32(0)
	if e.Capacity > e.TicketsSold {
		available = e.Capacity - e.TicketsSold
	}
	return EventStats{
		TicketsSold:      e.TicketsSold,
		TicketsAvailable: available,
		Capacity:         e.Capacity,
		Revenue:          int64(e.TicketsSold) * e.Price,
		IsActive:         e.IsActive,
	}
}
