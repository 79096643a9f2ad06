package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-ledger/internal/status"
	"ticket-ledger/models"
	"ticket-ledger/store"
	"ticket-ledger/utils"
)

func TestDelegate_OrganizerOnly(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	err := tl.manager.Delegate(ctx, event.Key, "intruder")
	assert.ErrorIs(t, err, status.ErrUnauthorized)

	err = tl.manager.Delegate(ctx, "no-such-event", "org")
	assert.ErrorIs(t, err, status.ErrEventNotFound)

	require.NoError(t, tl.manager.Delegate(ctx, event.Key, "org"))
	err = tl.manager.Delegate(ctx, event.Key, "org")
	assert.ErrorIs(t, err, status.ErrAlreadyDelegated)
}

func TestDelegateUndelegate_RoundTrip(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	_, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)

	before := tl.readEvent(t, event.Key)

	require.NoError(t, tl.manager.Delegate(ctx, event.Key, "org"))

	delegated := tl.readEvent(t, event.Key)
	assert.Equal(t, models.DelegationDelegated, delegated.DelegationState)
	assert.Equal(t, before.Revision+1, delegated.Revision)
	assert.Equal(t, []string{event.Key}, tl.manager.DelegatedEvents())

	require.NoError(t, tl.manager.Undelegate(ctx, event.Key, "org"))

	after := tl.readEvent(t, event.Key)
	assert.Equal(t, models.DelegationLocal, after.DelegationState)
	assert.Equal(t, before.TicketsSold, after.TicketsSold)
	assert.Equal(t, before.Capacity, after.Capacity)
	assert.Equal(t, before.TicketKeys, after.TicketKeys)
	assert.Empty(t, tl.manager.DelegatedEvents())

	err = tl.manager.Undelegate(ctx, event.Key, "org")
	assert.ErrorIs(t, err, status.ErrNotDelegated)
}

func TestShadowIsolation(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	require.NoError(t, tl.manager.Delegate(ctx, event.Key, "org"))

	_, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)

	// The sale happened on the shadow copy; the ledger record is untouched.
	stored := tl.readEvent(t, event.Key)
	assert.Equal(t, uint32(0), stored.TicketsSold)

	_, err = tl.store.Read(ctx, utils.TicketKey(event.Key, "alice"))
	assert.ErrorIs(t, err, store.ErrKeyNotFound)

	// Stats read through the shadow, so they see the sale immediately.
	stats, err := tl.processor.GetEventStats(ctx, event.Key)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stats.TicketsSold)
}

func TestShadowCheckIn_BeforeCommit(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	require.NoError(t, tl.manager.Delegate(ctx, event.Key, "org"))

	ticket, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)

	// The ticket exists only in the shadow, yet check-in resolves it.
	checked, err := tl.processor.CheckInTicket(ctx, ticket.Key, "org")
	require.NoError(t, err)
	assert.True(t, checked.IsUsed)

	_, err = tl.processor.CheckInTicket(ctx, ticket.Key, "org")
	assert.ErrorIs(t, err, status.ErrTicketAlreadyUsed)
}

func TestUndelegate_DiscardsShadowMutations(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	require.NoError(t, tl.manager.Delegate(ctx, event.Key, "org"))

	ticket, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)

	require.NoError(t, tl.manager.Undelegate(ctx, event.Key, "org"))

	stored := tl.readEvent(t, event.Key)
	assert.Equal(t, uint32(0), stored.TicketsSold)
	assert.Empty(t, stored.TicketKeys)

	_, err = tl.store.Read(ctx, ticket.Key)
	assert.ErrorIs(t, err, store.ErrKeyNotFound)

	// The shadow ticket index is purged with the shadow.
	_, err = tl.processor.CheckInTicket(ctx, ticket.Key, "org")
	assert.ErrorIs(t, err, status.ErrTicketNotFound)
}

func TestDelegate_SnapshotsExistingTickets(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	ticket, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)

	require.NoError(t, tl.manager.Delegate(ctx, event.Key, "org"))

	// A ticket sold before delegation is checked in through the shadow.
	checked, err := tl.processor.CheckInTicket(ctx, ticket.Key, "org")
	require.NoError(t, err)
	assert.True(t, checked.IsUsed)

	// The ledger copy of the ticket is still unused until commit.
	raw, err := tl.store.Read(ctx, ticket.Key)
	require.NoError(t, err)
	var storedTicket models.Ticket
	require.NoError(t, decode(raw, &storedTicket))
	assert.False(t, storedTicket.IsUsed)
}
