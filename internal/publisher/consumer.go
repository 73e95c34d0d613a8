package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"edfi_sync/internal/domain"
)

// JobRunner executes the jobs of one dispatch message.
type JobRunner interface {
	RunJobs(ctx context.Context, msg domain.DispatchMessage) error
}

// WorkerPool runs fn on a bounded set of goroutines. Go blocks while the pool is full
// and returns ctx's error if ctx ends first.
type WorkerPool interface {
	Go(ctx context.Context, fn func()) error
}

// Consumer reads dispatch messages from the job queue and hands them to the worker pool.
// A message is acked after its jobs ran and requeued if the run was interrupted.
type Consumer struct {
	conn     *amqp.Connection
	queue    string
	prefetch int
	runner   JobRunner
	pool     WorkerPool
	logger   *slog.Logger
}

func NewConsumer(conn *amqp.Connection, cfg Config, runner JobRunner, pool WorkerPool, logger *slog.Logger) *Consumer {
	return &Consumer{
		conn:     conn,
		queue:    cfg.JobsQueue,
		prefetch: cfg.Prefetch,
		runner:   runner,
		pool:     pool,
		logger:   logger.With("component", "consumer"),
	}
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}

	deliveries, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.Info("consumer started", "queue", c.queue, "prefetch", c.prefetch)

	return c.consume(ctx, deliveries)
}

// consume hands deliveries to the pool. It returns only after every handler it started
// has acked or nacked, so the channel is still open for them.
func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped")
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("delivery channel closed")
			}

			inflight.Add(1)
			err := c.pool.Go(ctx, func() {
				defer inflight.Done()
				c.handle(ctx, d)
			})
			if err != nil {
				// unacked, so the broker redelivers it once the channel closes
				inflight.Done()
				c.logger.Info("consumer stopped before a worker was free", "delivery_tag", d.DeliveryTag)
				return err
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg domain.DispatchMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || len(msg.JobIDs) == 0 {
		c.logger.Error("dropping malformed dispatch message",
			"delivery_tag", d.DeliveryTag,
			"error", err,
		)
		_ = d.Reject(false)
		return
	}

	logger := c.logger.With("connection_id", msg.ConnectionID)

	if err := c.runner.RunJobs(ctx, msg); err != nil {
		logger.Warn("job run interrupted, requeueing", "job_ids", msg.JobIDs, "error", err)
		if err := d.Nack(false, true); err != nil {
			logger.Error("failed to nack delivery", "error", err)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Error("failed to ack delivery", "error", err)
	}
}
