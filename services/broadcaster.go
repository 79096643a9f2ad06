package services

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	pubnub "github.com/pubnub/go"

	"ticket-ledger/models"
	"ticket-ledger/monitoring"
)

// SubscribeAll is the wildcard event reference: the subscriber receives every
// notification regardless of event.
const SubscribeAll = "*"

// Subscription is a live notification stream. C is closed when the caller
// unsubscribes or when the subscriber falls too far behind; in the latter
// case the last record on C is a gap marker and the subscriber must
// resynchronize via the stats endpoint.
type Subscription struct {
	ID       string
	EventRef string
	C        <-chan models.Notification

	ch chan models.Notification
}

// Broadcaster fans out ledger change notifications. Delivery is at-least-once
// to currently connected subscribers; nothing is replayed to late joiners.
// Each subscriber owns a bounded queue, and a slow subscriber is disconnected
// with a gap marker instead of silently losing records.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	byEvent map[string]map[string]*Subscription
	global  map[string]*Subscription

	bufSize int
	pn      *pubnub.PubNub
	monitor *monitoring.Monitor
}

func NewBroadcaster(bufSize int, pn *pubnub.PubNub, monitor *monitoring.Monitor) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		subs:    make(map[string]*Subscription),
		byEvent: make(map[string]map[string]*Subscription),
		global:  make(map[string]*Subscription),
		bufSize: bufSize,
		pn:      pn,
		monitor: monitor,
	}
}

// Subscribe registers a stream for one event key, or for every event when
// eventRef is SubscribeAll.
func (b *Broadcaster) Subscribe(eventRef string) *Subscription {
	ch := make(chan models.Notification, b.bufSize)
	sub := &Subscription{
		ID:       uuid.NewString(),
		EventRef: eventRef,
		C:        ch,
		ch:       ch,
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	if eventRef == SubscribeAll {
		b.global[sub.ID] = sub
	} else {
		if b.byEvent[eventRef] == nil {
			b.byEvent[eventRef] = make(map[string]*Subscription)
		}
		b.byEvent[eventRef][sub.ID] = sub
	}
	count := len(b.subs)
	b.mu.Unlock()

	if b.monitor != nil {
		b.monitor.SetSubscribers(count)
	}
	return sub
}

// Unsubscribe removes and closes a subscription. Safe to call twice.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		b.removeLocked(sub)
	}
	count := len(b.subs)
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
	if b.monitor != nil {
		b.monitor.SetSubscribers(count)
	}
}

// removeLocked detaches a subscription from every registry index. Caller
// holds b.mu and is responsible for closing the channel.
func (b *Broadcaster) removeLocked(sub *Subscription) {
	delete(b.subs, sub.ID)
	delete(b.global, sub.ID)
	if m := b.byEvent[sub.EventRef]; m != nil {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(b.byEvent, sub.EventRef)
		}
	}
}

// Publish delivers a notification to every matching subscriber and mirrors it
// outward to the per-event PubNub channel. A full subscriber queue
// disconnects that subscriber only; other subscribers and the caller are
// unaffected.
func (b *Broadcaster) Publish(n models.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var dropped []*Subscription

	b.mu.Lock()
	for _, sub := range b.global {
		if !trySend(sub, n) {
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range b.byEvent[n.EventRef] {
		if !trySend(sub, n) {
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		b.removeLocked(sub)
	}
	count := len(b.subs)
	b.mu.Unlock()

	for _, sub := range dropped {
		// The queue is full, so drop the oldest queued record to make room
		// for the gap marker. The subscription is already out of the
		// registry, so no other goroutine writes to this channel.
		gap := models.Notification{
			Type:      models.NotifyGap,
			EventRef:  sub.EventRef,
			Sequence:  n.Sequence,
			Timestamp: time.Now(),
		}
		select {
		case sub.ch <- gap:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- gap:
			default:
			}
		}
		close(sub.ch)
		log.Printf("Subscriber %s disconnected: queue overflow at seq %d", sub.ID, n.Sequence)
	}

	if b.monitor != nil {
		b.monitor.TrackNotification(string(n.Type))
		if len(dropped) > 0 {
			b.monitor.SetSubscribers(count)
		}
	}

	b.publishExternal(n)
}

func trySend(sub *Subscription, n models.Notification) bool {
	select {
	case sub.ch <- n:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) publishExternal(n models.Notification) {
	if b.pn == nil {
		return
	}

	message := map[string]any{
		"type":      string(n.Type),
		"event_ref": n.EventRef,
		"sequence":  n.Sequence,
		"timestamp": n.Timestamp.Unix(),
		"payload":   n.Payload,
	}

	channel := fmt.Sprintf("event-%s", n.EventRef)
	b.pn.Publish().
		Channel(channel).
		Message(message).
		Execute()

	b.pn.Publish().
		Channel("ledger-events").
		Message(message).
		Execute()
}
