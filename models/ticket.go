package models

import (
	"time"
)

type Ticket struct {
	Key          string     `json:"key"`
	EventKey     string     `json:"event_key"`
	Buyer        string     `json:"buyer"`
	TicketIndex  uint32     `json:"ticket_index"`
	PurchaseTime time.Time  `json:"purchase_time"`
	CheckInTime  *time.Time `json:"check_in_time,omitempty"`
	IsUsed       bool       `json:"is_used"`
}

func (t *Ticket) Clone() *Ticket {
	c := *t
	if t.CheckInTime != nil {
		ct := *t.CheckInTime
		c.CheckInTime = &ct
	}
	return &c
}
