package models

import (
	"time"
)

// NotificationType enumerates every mutation the broadcaster announces.
type NotificationType string

const (
	NotifyCreated         NotificationType = "created"
	NotifyPurchased       NotificationType = "purchased"
	NotifyCheckedIn       NotificationType = "checked_in"
	NotifyCapacityUpdated NotificationType = "capacity_updated"
	NotifyDelegated       NotificationType = "delegated"
	NotifyCommitted       NotificationType = "committed"
	NotifyUndelegated     NotificationType = "undelegated"

	// NotifyGap is the terminal record a slow subscriber receives before its
	// stream is closed: notifications were lost, resynchronize via stats.
	NotifyGap NotificationType = "gap"
)

// Notification is an immutable change record. Sequence is the event revision
// after the mutation, so subscribers can order records and detect staleness.
type Notification struct {
	Type      NotificationType `json:"type"`
	EventRef  string           `json:"event_ref"`
	Sequence  uint64           `json:"sequence"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   map[string]any   `json:"payload,omitempty"`
}
