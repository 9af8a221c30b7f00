// Package events publishes server-side chat events to an AMQP topic
// exchange so side services (archival, moderation, analytics) can
// consume them without speaking the wire protocol. Publishing is best
// effort: a broker outage never blocks or fails a client operation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Event is the JSON envelope placed on the exchange. Kind doubles as
// the routing key suffix (chatwire.<kind>).
type Event struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	ChatID    int64  `json:"chat_id,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Body      string `json:"body,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Event kinds emitted by the server.
const (
	KindMessageSent    = "message.sent"
	KindMessageEdited  = "message.edited"
	KindMessageDeleted = "message.deleted"
	KindChatCreated    = "chat.created"
	KindChatDeleted    = "chat.deleted"
	KindUserLoggedIn   = "user.logged_in"
	KindUserLoggedOut  = "user.logged_out"
)

// Publisher emits server events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (NopPublisher) Close() error                                   { return nil }

// AMQPPublisher publishes events to a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
}

// DialOptions controls connection retries against a slow-starting broker.
type DialOptions struct {
	URL      string
	Exchange string
	Attempts int
	Delay    time.Duration
}

const maxDialBackoff = 60 * time.Second

// NewAMQPPublisher dials the broker with exponential backoff and
// declares the exchange. It respects ctx for graceful shutdown while
// the broker is still unreachable.
func NewAMQPPublisher(ctx context.Context, opts DialOptions) (*AMQPPublisher, error) {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}

	var conn *amqp091.Connection
	var lastErr error
	sleep := opts.Delay
	for i := 1; i <= opts.Attempts; i++ {
		c, err := amqp091.Dial(opts.URL)
		if err == nil {
			conn = c
			break
		}
		lastErr = err
		log.Printf("AMQP dial failed (attempt %d/%d), retrying in %v: %v", i, opts.Attempts, sleep, err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		sleep *= 2
		if sleep > maxDialBackoff {
			sleep = maxDialBackoff
		}
	}
	if conn == nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker after %d attempts: %w", opts.Attempts, lastErr)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &AMQPPublisher{conn: conn, exchange: opts.Exchange}, nil
}

// Publish places one event on the exchange under chatwire.<kind>.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx, p.exchange, "chatwire."+event.Kind, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    event.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}
