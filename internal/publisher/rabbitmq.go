package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"edfi_sync/internal/domain"
)

// RabbitMQ publishes lifecycle events to a topic exchange and dispatch messages to the
// durable job queue.
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex

	eventsExchange string
	jobsExchange   string
	jobsRoutingKey string

	logger *slog.Logger
	now    func() time.Time
}

type Config struct {
	URL            string
	EventsExchange string
	JobsExchange   string
	JobsQueue      string
	JobsRoutingKey string
	Prefetch       int
}

// Event is the envelope of everything published on the events exchange.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	logger.Info("connected to rabbitmq",
		"events_exchange", cfg.EventsExchange,
		"jobs_exchange", cfg.JobsExchange,
		"jobs_queue", cfg.JobsQueue,
	)

	return &RabbitMQ{
		conn:           conn,
		channel:        ch,
		eventsExchange: cfg.EventsExchange,
		jobsExchange:   cfg.JobsExchange,
		jobsRoutingKey: cfg.JobsRoutingKey,
		logger:         logger.With("component", "publisher"),
		now:            time.Now,
	}, nil
}

func declareTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare events exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.JobsExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare jobs exchange: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.JobsQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare jobs queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, cfg.JobsRoutingKey, cfg.JobsExchange, false, nil); err != nil {
		return fmt.Errorf("bind jobs queue: %w", err)
	}
	return nil
}

// Publish sends one event. The event name doubles as the routing key so subscribers can
// bind on patterns such as "sync.job.*".
func (r *RabbitMQ) Publish(ctx context.Context, event, tenantID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	now := r.now().UTC()
	body, err := json.Marshal(Event{
		ID:         uuid.NewString(),
		Type:       event,
		TenantID:   tenantID,
		OccurredAt: now,
		Payload:    data,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := r.send(ctx, r.eventsExchange, event, body, now); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}

	r.logger.Debug("published event", "event", event, "tenant_id", tenantID)
	return nil
}

// Dispatch queues one run of the given jobs.
func (r *RabbitMQ) Dispatch(ctx context.Context, msg domain.DispatchMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}

	if err := r.send(ctx, r.jobsExchange, r.jobsRoutingKey, body, r.now().UTC()); err != nil {
		return fmt.Errorf("dispatch jobs: %w", err)
	}

	r.logger.Debug("dispatched jobs",
		"connection_id", msg.ConnectionID,
		"job_ids", msg.JobIDs,
	)
	return nil
}

func (r *RabbitMQ) send(ctx context.Context, exchange, routingKey string, body []byte, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.channel.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    at,
		},
	)
}

// Connection exposes the underlying connection so a consumer can open its own channel.
func (r *RabbitMQ) Connection() *amqp.Connection {
	return r.conn
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
