package services

import (
	"context"
	"log"
	"time"

	"ticket-ledger/internal/status"
	"ticket-ledger/models"
	"ticket-ledger/monitoring"
	"ticket-ledger/store"
	"ticket-ledger/utils"
)

// CommitDiff is the delta between a shadow copy and its last committed
// snapshot. Sequence carries the shadow revision the diff was cut at; the
// ledger applies a diff only when that sequence is newer than what it holds.
type CommitDiff struct {
	EventKey       string
	Sequence       uint64
	Event          *models.Event
	NewTickets     map[string]*models.Ticket
	UpdatedTickets map[string]*models.Ticket
	Terminal       bool
}

// CommitPipeline folds shadow mutations back into the ledger. Application is
// all-or-nothing through the store batch, and stale diffs are rejected by
// sequence comparison so retries and out-of-order commits are safe.
type CommitPipeline struct {
	Store     store.LedgerStore
	Manager   *DelegationManager
	Broadcast *Broadcaster
	Locks     *utils.KeyedMutex
	Monitor   *monitoring.Monitor

	// Interval drives the background scheduler that periodically commits
	// every delegated event.
	Interval time.Duration
}

func NewCommitPipeline(ledger store.LedgerStore, manager *DelegationManager, broadcast *Broadcaster, monitor *monitoring.Monitor, interval time.Duration) *CommitPipeline {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CommitPipeline{
		Store:     ledger,
		Manager:   manager,
		Broadcast: broadcast,
		Locks:     manager.Locks,
		Monitor:   monitor,
		Interval:  interval,
	}
}

// Commit reconciles the event's shadow copy into the ledger. With terminal
// set, a successful commit also returns authority to the ledger (the shadow
// is dropped and the event goes local). A commit that fails on the store side
// leaves the event committing; calling Commit again retries the same diff,
// with terminal taken from the retry call.
func (p *CommitPipeline) Commit(ctx context.Context, eventKey string, terminal bool) error {
	started := time.Now()

	p.Locks.Lock(eventKey)
	defer p.Locks.Unlock(eventKey)

	sh := p.Manager.shadow(eventKey)
	if sh == nil {
		return status.ErrNotDelegated
	}

	diff := sh.pending
	if diff != nil && diff.Terminal != terminal {
		// A retry may change its mind about handing authority back; the
		// diff contents stay identical, only the landing state moves.
		diff.Terminal = terminal
		if terminal {
			diff.Event.DelegationState = models.DelegationLocal
		} else {
			diff.Event.DelegationState = models.DelegationDelegated
		}
	}
	if diff == nil {
		diff = p.buildDiff(eventKey, sh, terminal)
		if diff == nil {
			// Nothing changed since the last commit.
			if !terminal {
				return nil
			}
			return p.finishTerminalNoop(ctx, eventKey, sh)
		}
		sh.pending = diff
		sh.committing = true
	}

	if err := p.applyDiff(ctx, diff); err != nil {
		if err == status.ErrCommitConflict {
			// Stale sequence: drop the diff and hand the event back to the
			// delegation owner unchanged, per the recovery contract.
			sh.pending = nil
			sh.committing = false
			return err
		}
		// Store-side failure: the event stays committing and the same diff
		// is retried on the next call.
		log.Printf("Commit for event %s seq %d failed, staying in committing: %v",
			eventKey, diff.Sequence, err)
		return err
	}

	sh.pending = nil
	sh.committing = false
	sh.baseEvent = diff.Event.Clone()
	sh.baseTickets = cloneTickets(sh.workTickets)

	if diff.Terminal {
		p.Manager.dropShadow(eventKey)
	}

	log.Printf("Committed event %s at seq %d (%d new, %d updated tickets, terminal=%v)",
		eventKey, diff.Sequence, len(diff.NewTickets), len(diff.UpdatedTickets), diff.Terminal)

	if p.Monitor != nil {
		p.Monitor.TrackCommit(time.Since(started))
	}

	p.Broadcast.Publish(models.Notification{
		Type:      models.NotifyCommitted,
		EventRef:  eventKey,
		Sequence:  diff.Sequence,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"new_tickets":     len(diff.NewTickets),
			"updated_tickets": len(diff.UpdatedTickets),
		},
	})
	if diff.Terminal {
		p.Broadcast.Publish(models.Notification{
			Type:      models.NotifyUndelegated,
			EventRef:  eventKey,
			Sequence:  diff.Sequence,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// buildDiff cuts the delta between work and base. Returns nil when the shadow
// saw no mutation since the last commit.
func (p *CommitPipeline) buildDiff(eventKey string, sh *shadowCopy, terminal bool) *CommitDiff {
	if sh.workEvent.Revision == sh.baseEvent.Revision {
		return nil
	}

	diff := &CommitDiff{
		EventKey:       eventKey,
		Sequence:       sh.workEvent.Revision,
		NewTickets:     make(map[string]*models.Ticket),
		UpdatedTickets: make(map[string]*models.Ticket),
		Terminal:       terminal,
	}

	event := sh.workEvent.Clone()
	if terminal {
		event.DelegationState = models.DelegationLocal
	} else {
		event.DelegationState = models.DelegationDelegated
	}
	diff.Event = event

	for key, ticket := range sh.workTickets {
		base, ok := sh.baseTickets[key]
		if !ok {
			diff.NewTickets[key] = ticket.Clone()
			continue
		}
		if base.IsUsed != ticket.IsUsed {
			diff.UpdatedTickets[key] = ticket.Clone()
		}
	}
	return diff
}

// applyDiff validates the sequence against the ledger and applies the whole
// diff as one batch. Caller holds the event's critical section.
func (p *CommitPipeline) applyDiff(ctx context.Context, diff *CommitDiff) error {
	current, err := readEvent(ctx, p.Store, diff.EventKey)
	if err != nil {
		return err
	}
	if diff.Sequence <= current.Revision {
		return status.ErrCommitConflict
	}

	batch := store.Batch{
		Creates: make(map[string][]byte, len(diff.NewTickets)),
		Updates: make(map[string][]byte, len(diff.UpdatedTickets)+1),
	}
	for key, ticket := range diff.NewTickets {
		batch.Creates[key] = encodeTicket(ticket)
	}
	for key, ticket := range diff.UpdatedTickets {
		batch.Updates[key] = encodeTicket(ticket)
	}
	batch.Updates[diff.EventKey] = encodeEvent(diff.Event)

	return p.Store.Apply(ctx, batch)
}

// finishTerminalNoop handles a terminal commit with an empty diff: there is
// nothing to fold, so it reduces to an undelegation.
func (p *CommitPipeline) finishTerminalNoop(ctx context.Context, eventKey string, sh *shadowCopy) error {
	event, err := readEvent(ctx, p.Store, eventKey)
	if err != nil {
		return err
	}
	event.DelegationState = models.DelegationLocal
	event.Revision++
	if err := p.Store.Update(ctx, eventKey, func([]byte) ([]byte, error) {
		return encodeEvent(event), nil
	}); err != nil {
		return err
	}

	p.Manager.dropShadow(eventKey)

	p.Broadcast.Publish(models.Notification{
		Type:      models.NotifyUndelegated,
		EventRef:  eventKey,
		Sequence:  event.Revision,
		Timestamp: time.Now(),
	})
	return nil
}

// Run periodically commits every delegated event until ctx is cancelled.
// This is the background fold of shadow state into the ledger; organizers can
// still commit on demand in between ticks.
func (p *CommitPipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	log.Printf("Commit scheduler started (interval %s)", p.Interval)

	for {
		select {
		case <-ticker.C:
			delegated := p.Manager.DelegatedEvents()
			if p.Monitor != nil {
				p.Monitor.SetDelegated(len(delegated))
			}
			for _, eventKey := range delegated {
				if err := p.Commit(ctx, eventKey, false); err != nil {
					log.Printf("Scheduled commit for event %s: %v", eventKey, err)
				}
			}
		case <-ctx.Done():
			log.Println("Commit scheduler stopping")
			return
		}
	}
}
