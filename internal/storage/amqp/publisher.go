// Package amqp publishes pocket events to a RabbitMQ exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"pocketDCA/internal/model"
)

// Config describes the broker connection.
type Config struct {
	URL string
	// Exchange is a topic exchange. Routing keys are "pocket.<EventName>".
	Exchange string
	// Queue, when set, is declared durable and bound to every pocket event.
	Queue string
}

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher is an event sink backed by an AMQP channel.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       Channel
	exchange string
}

// Dial connects to the broker and declares the exchange and optional queue.
func Dial(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "pocket.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if cfg.Queue != "" {
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
		}
		if err := ch.QueueBind(cfg.Queue, "pocket.#", exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
		}
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// NewPublisher wraps an existing channel.
func NewPublisher(ch Channel, exchange string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange}
}

// RoutingKey returns the routing key of an event.
func RoutingKey(ev model.PocketEvent) string {
	return "pocket." + string(ev.Name)
}

// PutEvents publishes each event as a persistent JSON message.
func (p *Publisher) PutEvents(ctx context.Context, events []model.PocketEvent) error {
	if p == nil || p.ch == nil {
		return errors.New("amqp publisher is not initialized")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", ev.Sequence, err)
		}
		err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Timestamp:    time.Unix(int64(ev.Timestamp), 0).UTC(),
			Type:         string(ev.Name),
			Headers:      amqp.Table{"sequence": strconv.FormatUint(ev.Sequence, 10), "pocket_id": ev.PocketID},
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish event %d: %w", ev.Sequence, err)
		}
	}
	return nil
}

// Close closes the channel and the connection it owns.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
