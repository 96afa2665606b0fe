// Package events forwards in-process bus events to a RabbitMQ topic
// exchange so other systems can follow session and registry lifecycles.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/basket/clawmesh/internal/bus"
	"github.com/basket/clawmesh/internal/config"
)

const publishTimeout = 5 * time.Second

// Publisher sends one message to the exchange under routingKey.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg Message) error
	Close() error
}

// Message is the JSON body of every forwarded event.
type Message struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// AMQPPublisher publishes to a durable topic exchange. The connection is
// re-dialed on the next publish after the broker drops it.
type AMQPPublisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects and declares the exchange.
func DialAMQP(cfg config.AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is empty")
	}
	p := &AMQPPublisher{url: cfg.URL, exchange: cfg.Exchange}
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connectLocked() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		if err := p.connectLocked(); err != nil {
			return err
		}
	}
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.At,
		Type:         msg.Topic,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// Forwarder copies every bus event to a Publisher.
type Forwarder struct {
	bus    *bus.Bus
	pub    Publisher
	logger *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewForwarder(b *bus.Bus, pub Publisher, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{bus: b, pub: pub, logger: logger.With("component", "events")}
}

// Run forwards until ctx is canceled. The topic is used as the routing
// key, so consumers bind with patterns like "session.#".
func (f *Forwarder) Run(ctx context.Context) {
	sub := f.bus.Subscribe("")
	defer f.bus.Unsubscribe(sub)
	f.logger.Info("event forwarder started")

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("event forwarder stopped",
				"published", f.published.Load(),
				"failed", f.failed.Load(),
			)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev bus.Event) {
	msg := Message{
		ID:      uuid.NewString(),
		Topic:   ev.Topic,
		At:      ev.At,
		Payload: ev.Payload,
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := f.pub.Publish(pctx, ev.Topic, msg); err != nil {
		f.failed.Add(1)
		f.logger.Warn("event publish failed", "topic", ev.Topic, "error", err)
		return
	}
	f.published.Add(1)
}

// Published and Failed report forwarding totals.
func (f *Forwarder) Published() uint64 { return f.published.Load() }
func (f *Forwarder) Failed() uint64    { return f.failed.Load() }
