package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-ledger/internal/status"
	"ticket-ledger/models"
	"ticket-ledger/store"
	"ticket-ledger/utils"
)

type transferRecord struct {
	From   string
	To     string
	Amount int64
}

// fakeGateway records transfers in memory and can be told to fail.
type fakeGateway struct {
	mu        sync.Mutex
	transfers []transferRecord
	failWith  error
}

func (g *fakeGateway) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failWith != nil {
		return "", g.failWith
	}
	g.transfers = append(g.transfers, transferRecord{From: from, To: to, Amount: amount.IntPart()})
	return "TESTREF", nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.transfers)
}

func (g *fakeGateway) last() transferRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transfers[len(g.transfers)-1]
}

type testLedger struct {
	store     store.LedgerStore
	memory    *store.MemoryStore
	gateway   *fakeGateway
	broadcast *Broadcaster
	manager   *DelegationManager
	pipeline  *CommitPipeline
	processor *Processor
}

func newTestLedger() *testLedger {
	memory := store.NewMemoryStore()
	return newTestLedgerWithStore(memory, memory)
}

func newTestLedgerWithStore(ledger store.LedgerStore, memory *store.MemoryStore) *testLedger {
	gateway := &fakeGateway{}
	broadcast := NewBroadcaster(16, nil, nil)
	locks := utils.NewKeyedMutex()
	manager := NewDelegationManager(ledger, locks, broadcast)
	pipeline := NewCommitPipeline(ledger, manager, broadcast, nil, time.Minute)
	processor := NewProcessor(ledger, gateway, manager, broadcast, nil)

	return &testLedger{
		store:     ledger,
		memory:    memory,
		gateway:   gateway,
		broadcast: broadcast,
		manager:   manager,
		pipeline:  pipeline,
		processor: processor,
	}
}

func (tl *testLedger) mustEvent(t *testing.T, organizer, title string, price int64, capacity uint32) *models.Event {
	t.Helper()

	event, err := tl.processor.InitializeEvent(
		context.Background(),
		organizer, title, "test event",
		price, capacity,
		time.Now().Add(time.Hour), time.Now().Add(2*time.Hour),
	)
	require.NoError(t, err)
	return event
}

func (tl *testLedger) readEvent(t *testing.T, eventKey string) *models.Event {
	t.Helper()

	event, err := readEvent(context.Background(), tl.store, eventKey)
	require.NoError(t, err)
	return event
}

func TestInitializeEvent_Validation(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	starts := time.Now().Add(time.Hour)
	ends := starts.Add(time.Hour)

	_, err := tl.processor.InitializeEvent(ctx, "org", "Show", "", 100, 0, starts, ends)
	assert.ErrorIs(t, err, status.ErrInvalidSchedule)

	_, err = tl.processor.InitializeEvent(ctx, "org", "Show", "", -1, 10, starts, ends)
	assert.ErrorIs(t, err, status.ErrInvalidSchedule)

	_, err = tl.processor.InitializeEvent(ctx, "org", "Show", "", 100, 10, ends, starts)
	assert.ErrorIs(t, err, status.ErrInvalidSchedule)

	_, err = tl.processor.InitializeEvent(ctx, "org", "Show", "", 100, 10, starts, starts)
	assert.ErrorIs(t, err, status.ErrInvalidSchedule)
}

func TestInitializeEvent_DuplicateTitle(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	starts := time.Now().Add(time.Hour)
	ends := starts.Add(time.Hour)

	first, err := tl.processor.InitializeEvent(ctx, "org", "Show", "", 100, 10, starts, ends)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Revision)

	_, err = tl.processor.InitializeEvent(ctx, "org", "Show", "again", 200, 20, starts, ends)
	assert.ErrorIs(t, err, status.ErrDuplicateEvent)

	// Same title under another organizer is a different event.
	_, err = tl.processor.InitializeEvent(ctx, "other", "Show", "", 100, 10, starts, ends)
	assert.NoError(t, err)
}

func TestPurchaseTicket_SellsOutAtCapacity(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Small Show", 2500, 2)

	first, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first.TicketIndex)

	second, err := tl.processor.PurchaseTicket(ctx, event.Key, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), second.TicketIndex)

	_, err = tl.processor.PurchaseTicket(ctx, event.Key, "carol")
	assert.ErrorIs(t, err, status.ErrEventSoldOut)

	stored := tl.readEvent(t, event.Key)
	assert.Equal(t, uint32(2), stored.TicketsSold)
	assert.Len(t, stored.TicketKeys, 2)
	assert.Equal(t, 2, tl.gateway.count())
	assert.Equal(t, transferRecord{From: "bob", To: "org", Amount: 2500}, tl.gateway.last())
}

func TestPurchaseTicket_OnePerBuyer(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 2500, 10)

	_, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)

	_, err = tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	assert.ErrorIs(t, err, status.ErrAlreadyPurchased)

	// The duplicate attempt must not debit again.
	assert.Equal(t, 1, tl.gateway.count())
}

func TestPurchaseTicket_PaymentFailureLeavesNoTrace(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 2500, 10)

	tl.gateway.failWith = status.ErrInsufficientFunds
	_, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	assert.ErrorIs(t, err, status.ErrInsufficientFunds)

	stored := tl.readEvent(t, event.Key)
	assert.Equal(t, uint32(0), stored.TicketsSold)

	_, err = tl.store.Read(ctx, utils.TicketKey(event.Key, "alice"))
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
}

// flakyStore forwards to a MemoryStore but fails the next failApply batch
// applications.
type flakyStore struct {
	*store.MemoryStore
	failApply int
}

func (s *flakyStore) Apply(ctx context.Context, batch store.Batch) error {
	if s.failApply > 0 {
		s.failApply--
		return errors.New("store offline")
	}
	return s.MemoryStore.Apply(ctx, batch)
}

func TestPurchaseTicket_ApplyFailureRefundsBuyer(t *testing.T) {
	memory := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: memory}
	tl := newTestLedgerWithStore(flaky, memory)
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 2500, 10)

	flaky.failApply = 1
	_, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.Error(t, err)

	// Debit plus compensating refund.
	require.Equal(t, 2, tl.gateway.count())
	assert.Equal(t, transferRecord{From: "org", To: "alice", Amount: 2500}, tl.gateway.last())

	stored := tl.readEvent(t, event.Key)
	assert.Equal(t, uint32(0), stored.TicketsSold)
}

func TestPurchaseTicket_Concurrent(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Hot Show", 1000, 5)

	buyers := []string{"b0", "b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8", "b9"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var sold []uint32
	failures := 0

	for _, buyer := range buyers {
		wg.Add(1)
		go func(buyer string) {
			defer wg.Done()
			ticket, err := tl.processor.PurchaseTicket(ctx, event.Key, buyer)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				return
			}
			sold = append(sold, ticket.TicketIndex)
		}(buyer)
	}
	wg.Wait()

	assert.Len(t, sold, 5)
	assert.Equal(t, 5, failures)

	// Indexes are dense: every value in [0, 5) exactly once.
	seen := make(map[uint32]bool)
	for _, index := range sold {
		assert.Less(t, index, uint32(5))
		assert.False(t, seen[index], "duplicate ticket index %d", index)
		seen[index] = true
	}

	stored := tl.readEvent(t, event.Key)
	assert.Equal(t, uint32(5), stored.TicketsSold)
}

func TestCheckInTicket(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	ticket, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)
	require.False(t, ticket.IsUsed)

	_, err = tl.processor.CheckInTicket(ctx, ticket.Key, "somebody-else")
	assert.ErrorIs(t, err, status.ErrUnauthorized)

	checked, err := tl.processor.CheckInTicket(ctx, ticket.Key, "org")
	require.NoError(t, err)
	assert.True(t, checked.IsUsed)
	require.NotNil(t, checked.CheckInTime)

	_, err = tl.processor.CheckInTicket(ctx, ticket.Key, "org")
	assert.ErrorIs(t, err, status.ErrTicketAlreadyUsed)

	_, err = tl.processor.CheckInTicket(ctx, utils.TicketKey(event.Key, "nobody"), "org")
	assert.ErrorIs(t, err, status.ErrTicketNotFound)
}

func TestCheckInTicket_ApplyFailureIsRetryable(t *testing.T) {
	memory := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: memory}
	tl := newTestLedgerWithStore(flaky, memory)
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	ticket, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)

	flaky.failApply = 1
	_, err = tl.processor.CheckInTicket(ctx, ticket.Key, "org")
	require.Error(t, err)

	// Nothing was persisted: the ticket is still unused, not stranded in a
	// half-written state that would refuse the retry.
	stored, err := readTicket(ctx, tl.store, ticket.Key)
	require.NoError(t, err)
	assert.False(t, stored.IsUsed)

	checked, err := tl.processor.CheckInTicket(ctx, ticket.Key, "org")
	require.NoError(t, err)
	assert.True(t, checked.IsUsed)
}

func TestNotifications_CheckInFiresOnce(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	ticket, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)

	sub := tl.broadcast.Subscribe(SubscribeAll)
	defer tl.broadcast.Unsubscribe(sub.ID)

	_, err = tl.processor.CheckInTicket(ctx, ticket.Key, "org")
	require.NoError(t, err)
	_, err = tl.processor.CheckInTicket(ctx, ticket.Key, "org")
	require.ErrorIs(t, err, status.ErrTicketAlreadyUsed)

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, models.NotifyCheckedIn, got[0].Type)
	assert.Equal(t, event.Key, got[0].EventRef)
	assert.Equal(t, "alice", got[0].Payload["buyer"])
}

func TestNotifications_FailedPurchaseEmitsNothing(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	sub := tl.broadcast.Subscribe(SubscribeAll)
	defer tl.broadcast.Unsubscribe(sub.ID)

	tl.gateway.failWith = status.ErrInsufficientFunds
	_, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.ErrorIs(t, err, status.ErrInsufficientFunds)

	assert.Empty(t, drain(sub))
}

func TestUpdateEventCapacity(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	_, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)
	_, err = tl.processor.PurchaseTicket(ctx, event.Key, "bob")
	require.NoError(t, err)

	_, err = tl.processor.UpdateEventCapacity(ctx, event.Key, "intruder", 20)
	assert.ErrorIs(t, err, status.ErrUnauthorized)

	_, err = tl.processor.UpdateEventCapacity(ctx, event.Key, "org", 1)
	assert.ErrorIs(t, err, status.ErrCapacityBelowSold)

	updated, err := tl.processor.UpdateEventCapacity(ctx, event.Key, "org", 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), updated.Capacity)

	// Shrunk to exactly sold: the event is now sold out.
	_, err = tl.processor.PurchaseTicket(ctx, event.Key, "carol")
	assert.ErrorIs(t, err, status.ErrEventSoldOut)

	_, err = tl.processor.UpdateEventCapacity(ctx, event.Key, "org", 100)
	require.NoError(t, err)
	_, err = tl.processor.PurchaseTicket(ctx, event.Key, "carol")
	assert.NoError(t, err)
}

func TestUpdateEventCapacity_RejectedWhileDelegated(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	require.NoError(t, tl.manager.Delegate(ctx, event.Key, "org"))

	_, err := tl.processor.UpdateEventCapacity(ctx, event.Key, "org", 20)
	assert.ErrorIs(t, err, status.ErrAlreadyDelegated)
}

func TestGetEventStats(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 100000000, 10)

	_, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	require.NoError(t, err)
	_, err = tl.processor.PurchaseTicket(ctx, event.Key, "bob")
	require.NoError(t, err)

	stats, err := tl.processor.GetEventStats(ctx, event.Key)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), stats.TicketsSold)
	assert.Equal(t, uint32(8), stats.TicketsAvailable)
	assert.Equal(t, int64(200000000), stats.Revenue)
	assert.True(t, stats.IsActive)

	_, err = tl.processor.GetEventStats(ctx, "no-such-event")
	assert.ErrorIs(t, err, status.ErrEventNotFound)
}

func TestFrozenEvent_BlocksOperationsUntilUnfrozen(t *testing.T) {
	tl := newTestLedger()
	ctx := context.Background()
	event := tl.mustEvent(t, "org", "Show", 1000, 10)

	// Corrupt the record behind the processor's back: sold above capacity.
	broken := tl.readEvent(t, event.Key)
	broken.TicketsSold = 11
	require.NoError(t, tl.store.Update(ctx, event.Key, func([]byte) ([]byte, error) {
		return encodeEvent(broken), nil
	}))

	_, err := tl.processor.PurchaseTicket(ctx, event.Key, "alice")
	assert.ErrorIs(t, err, status.ErrEventFrozen)

	// The freeze is persisted, so every later operation fails fast.
	stored := tl.readEvent(t, event.Key)
	assert.True(t, stored.Frozen)
	_, err = tl.processor.UpdateEventCapacity(ctx, event.Key, "org", 50)
	assert.ErrorIs(t, err, status.ErrEventFrozen)

	// Operator repairs the record and unfreezes.
	repaired := tl.readEvent(t, event.Key)
	repaired.TicketsSold = 10
	require.NoError(t, tl.store.Update(ctx, event.Key, func([]byte) ([]byte, error) {
		return encodeEvent(repaired), nil
	}))
	require.NoError(t, tl.processor.UnfreezeEvent(ctx, event.Key))

	_, err = tl.processor.UpdateEventCapacity(ctx, event.Key, "org", 50)
	assert.NoError(t, err)
}
