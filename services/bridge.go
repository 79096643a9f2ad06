package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ticket-ledger/models"
)

const notificationQueueName = "ledger.notifications"

var errStreamClosed = errors.New("notification stream closed")

// NotificationBridge forwards every broadcaster notification to a durable
// RabbitMQ queue so downstream consumers (analytics, mail, audit) get the
// stream without holding a live subscription against this process. Broker
// failures are logged and retried; the in-process broadcaster and the ledger
// are never affected.
type NotificationBridge struct {
	url       string
	broadcast *Broadcaster
}

func NewNotificationBridge(url string, broadcast *Broadcaster) *NotificationBridge {
	return &NotificationBridge{
		url:       url,
		broadcast: broadcast,
	}
}

// Run consumes a wildcard subscription and publishes until ctx is cancelled.
// Reconnects with backoff when the broker drops; resubscribes when the
// broadcaster disconnects a lagging stream.
func (b *NotificationBridge) Run(ctx context.Context) {
	backoff := time.Second
	sub := b.broadcast.Subscribe(SubscribeAll)
	defer func() { b.broadcast.Unsubscribe(sub.ID) }()

	for {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			log.Printf("notification-bridge: failed to dial broker: %v; retrying in %s", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = b.publishLoop(ctx, conn, sub)
		_ = conn.Close()

		switch {
		case err == nil:
			return
		case errors.Is(err, errStreamClosed):
			// We lagged and were disconnected with a gap. A fresh
			// subscription picks the stream back up from now.
			log.Println("notification-bridge: subscription overflowed, resubscribing")
			sub = b.broadcast.Subscribe(SubscribeAll)
		default:
			log.Printf("notification-bridge: publish loop ended: %v; reconnecting", err)
		}
	}
}

func (b *NotificationBridge) publishLoop(ctx context.Context, conn *amqp.Connection, sub *Subscription) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	// Durable so records survive broker restarts.
	if _, err := ch.QueueDeclare(notificationQueueName, true, false, false, false, nil); err != nil {
		return err
	}

	for {
		select {
		case n, ok := <-sub.C:
			if !ok {
				return errStreamClosed
			}
			if err := publishNotification(ctx, ch, n); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func publishNotification(ctx context.Context, ch *amqp.Channel, n models.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		log.Printf("notification-bridge: marshal failed: %v", err)
		return nil
	}

	return ch.PublishWithContext(ctx,
		"",                    // default exchange
		notificationQueueName, // routing key = queue name
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    n.Timestamp.UTC(),
			Body:         body,
		},
	)
}
