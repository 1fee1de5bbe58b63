package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/event"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultQueue         = "hookrelay.events"
	DefaultPrefetchCount = 16
	DefaultWorkers       = 4
)

// Dispatcher accepts parsed events for delivery fan-out.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt *event.Event) error
}

// Config holds RabbitMQ consumer settings.
type Config struct {
	URL           string
	Queue         string
	ConsumerTag   string
	PrefetchCount int
	Workers       int
}

// Consumer reads envelopes from a durable queue and dispatches them.
type Consumer struct {
	cfg        Config
	dispatcher Dispatcher
	schema     *jsonschema.Schema
	logger     *slog.Logger
}

// NewConsumer creates a consumer. The envelope schema is compiled up front
// so a broken schema fails construction, not the first message.
func NewConsumer(cfg Config, dispatcher Dispatcher, logger *slog.Logger) (*Consumer, error) {
	if dispatcher == nil {
		return nil, errors.New("hookrelay/ingest: nil dispatcher")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = DefaultPrefetchCount
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}

	return &Consumer{
		cfg:        cfg,
		dispatcher: dispatcher,
		schema:     schema,
		logger:     logger,
	}, nil
}

// Run connects to the broker and consumes until ctx is cancelled or the
// connection drops. The caller owns reconnect policy.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("hookrelay/ingest: dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("hookrelay/ingest: open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("hookrelay/ingest: declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("hookrelay/ingest: set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("hookrelay/ingest: consume: %w", err)
	}

	c.logger.InfoContext(ctx, "ingest consumer started",
		"queue", c.cfg.Queue, "workers", c.cfg.Workers)

	eg, egCtx := errgroup.WithContext(context.Background())

	eg.Go(func() error {
		select {
		case <-ctx.Done():
			return ch.Cancel(c.cfg.ConsumerTag, false)
		case <-egCtx.Done():
			return conn.Close()
		case connErr := <-conn.NotifyClose(make(chan *amqp.Error)):
			return connErr
		}
	})

	for range c.cfg.Workers {
		eg.Go(func() error {
			for d := range deliveries {
				select {
				case <-ctx.Done():
					return nil
				default:
					err := c.handle(ctx, d.Body)
					if ackErr := acknowledge(&d, err); ackErr != nil {
						return ackErr
					}
				}
			}
			return nil
		})
	}

	return eg.Wait()
}

// handle parses, validates, and dispatches one message body.
func (c *Consumer) handle(ctx context.Context, body []byte) error {
	env, err := ParseEnvelope(c.schema, body)
	if err != nil {
		c.logger.WarnContext(ctx, "dropping invalid envelope", "error", err)
		return err
	}

	evt := env.Event()
	if !event.KnownType(evt.Type) {
		err := &UnprocessableError{Err: fmt.Errorf("%w: %s", hookrelay.ErrUnknownEventType, evt.Type)}
		c.logger.WarnContext(ctx, "dropping envelope with unknown event type",
			"type", evt.Type, "form_id", evt.FormID)
		return err
	}

	if err := c.dispatcher.Dispatch(ctx, evt); err != nil {
		c.logger.ErrorContext(ctx, "dispatch failed, requeueing",
			"type", evt.Type, "form_id", evt.FormID, "error", err)
		return err
	}
	return nil
}

// acknowledge acks a processed message, rejects unprocessable ones without
// requeue, and requeues transient failures.
func acknowledge(d *amqp.Delivery, err error) error {
	switch {
	case err == nil:
		return d.Ack(false)
	case IsUnprocessable(err):
		return d.Reject(false)
	default:
		return d.Reject(true)
	}
}
