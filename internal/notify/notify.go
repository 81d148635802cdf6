// Package notify hands video status changes to the external email service
// over AMQP.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	apperrors "github.com/coursehub/backend/internal/errors"
	"github.com/coursehub/backend/internal/video"
)

// DefaultExchange is the topic exchange status changes are published to.
const DefaultExchange = "coursehub.video"

// Event describes one status transition of a video.
type Event struct {
	VideoID      string       `json:"videoId"`
	ChapterID    string       `json:"chapterId,omitempty"`
	UserID       string       `json:"userId,omitempty"`
	Title        string       `json:"title,omitempty"`
	Status       video.Status `json:"status"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	OccurredAt   time.Time    `json:"occurredAt"`
}

// RoutingKey returns video.status.<status> in lower case.
func (e Event) RoutingKey() string {
	switch e.Status {
	case video.StatusPending:
		return "video.status.pending"
	case video.StatusProcessing:
		return "video.status.processing"
	case video.StatusReady:
		return "video.status.ready"
	case video.StatusFailed:
		return "video.status.failed"
	}
	return "video.status.unknown"
}

// Notifier publishes status changes. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
	Ping(ctx context.Context) error
	Close() error
}

// Nop discards every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
func (Nop) Ping(context.Context) error          { return nil }
func (Nop) Close() error                        { return nil }

// defaultDialTimeout bounds the TCP connect and the AMQP handshake.
const defaultDialTimeout = 5 * time.Second

// Publisher publishes events to a durable topic exchange. A lost broker is
// redialed in the background; Notify never dials.
type Publisher struct {
	url         string
	exchange    string
	dialTimeout time.Duration
	retry       *apperrors.RetryConfig

	// done is cancelled by Close and stops any reconnect in flight.
	done   context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
}

func newPublisher(url, exchange string) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	done, cancel := context.WithCancel(context.Background())
	return &Publisher{
		url:         url,
		exchange:    exchange,
		dialTimeout: defaultDialTimeout,
		retry:       apperrors.DefaultRetryConfig(),
		done:        done,
		cancel:      cancel,
	}
}

// Dial connects to the broker and declares the exchange. The connection
// is retried with the default backoff.
func Dial(ctx context.Context, url, exchange string) (*Publisher, error) {
	p := newPublisher(url, exchange)

	if err := apperrors.Retry(ctx, p.retry, p.connect); err != nil {
		p.cancel()
		return nil, apperrors.TransientNetwork("failed to connect to notification broker").WithCause(err)
	}
	return p, nil
}

// connect opens a fresh connection and channel without holding the lock,
// then swaps them in.
func (p *Publisher) connect(ctx context.Context) error {
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(p.dialTimeout),
	})
	if err != nil {
		return apperrors.TransientNetwork("amqp dial failed").WithCause(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return apperrors.TransientNetwork("amqp channel open failed").WithCause(err)
	}
	err = ch.ExchangeDeclare(
		p.exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return apperrors.TransientNetwork("exchange declare failed").WithCause(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done.Err() != nil {
		conn.Close()
		return p.done.Err()
	}
	old := p.conn
	p.conn, p.ch = conn, ch
	if old != nil {
		old.Close()
	}
	return nil
}

// session returns the open channel, or nil when the broker is gone.
func (p *Publisher) session() *amqp.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() || p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	return p.ch
}

// reconnect starts a background redial unless one is already running.
func (p *Publisher) reconnect() {
	p.mu.Lock()
	if p.reconnecting || p.done.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.reconnecting = false
			p.mu.Unlock()
		}()
		// Gives up after the retry budget; the next Notify starts another round.
		_ = apperrors.Retry(p.done, p.retry, p.connect)
	}()
}

// Notify publishes e as a persistent JSON message routed by status. While
// the broker is unreachable it fails fast and the event is dropped.
func (p *Publisher) Notify(ctx context.Context, e Event) error {
	msg, err := message(e)
	if err != nil {
		return err
	}

	ch := p.session()
	if ch == nil {
		p.reconnect()
		return apperrors.TransientNetwork("notification broker unavailable")
	}
	if err := ch.PublishWithContext(ctx, p.exchange, e.RoutingKey(), false, false, msg); err != nil {
		p.reconnect()
		return apperrors.TransientNetwork("publish failed").WithCause(err)
	}
	return nil
}

func message(e Event) (amqp.Publishing, error) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    e.OccurredAt,
		Type:         video.EventStatusUpdate,
		Body:         body,
	}, nil
}

// Ping reports whether the broker connection is usable.
func (p *Publisher) Ping(ctx context.Context) error {
	if p.session() == nil {
		p.reconnect()
		return apperrors.TransientNetwork("notification broker unavailable")
	}
	return nil
}

// Close stops reconnecting and closes the channel and connection.
func (p *Publisher) Close() error {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*Publisher)(nil)
)
