package utils

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// DeriveKey maps a domain tag plus its identifying parts to a stable storage
// key. Parts are length-framed so ("ab","c") and ("a","bc") never collide.
func DeriveKey(tag string, parts ...string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write([]byte{0, byte(len(p) >> 8), byte(len(p))})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EventKey derives the ledger key for an event. Re-deriving for the same
// organizer and title always lands on the same record, which is what makes
// event titles unique per organizer.
func EventKey(organizer, title string) string {
	return DeriveKey("event", organizer, title)
}

// TicketKey derives the ledger key for a ticket. One key per (event, buyer),
// so a buyer holds at most one ticket per event.
func TicketKey(eventKey, buyer string) string {
	return DeriveKey("ticket", eventKey, buyer)
}
