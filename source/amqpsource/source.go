// Package amqpsource polls a RabbitMQ queue with basic.get.
//
// The connection is opened on the first poll and reopened on the poll after
// a failure, so a broker outage shows up as poll errors rather than a failed
// start. Deliveries are acknowledged when their exchange completes and
// rejected, optionally with requeue, when it fails.
package amqpsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jpalmerr/intake"
	"github.com/jpalmerr/intake/exchange"
	"github.com/jpalmerr/intake/uow"
)

const defaultMaxMessages = 10

// Headers set on every dispatched message, in addition to the delivery headers.
const (
	HeaderQueue       = "amqp_queue"
	HeaderRoutingKey  = "amqp_routing_key"
	HeaderDeliveryTag = "amqp_delivery_tag"
	HeaderRedelivered = "amqp_redelivered"
	HeaderContentType = "Content-Type"
)

// Channel is the part of *amqp.Channel used by [Source].
type Channel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// Config configures a [Source].
type Config struct {
	// URL is an amqp:// URL. Ignored when Channel is set.
	URL string

	// Queue to poll.
	Queue string

	// MaxMessages bounds the deliveries fetched per poll. Defaults to 10.
	MaxMessages int

	// Requeue returns failed deliveries to the queue instead of dropping
	// them or routing them to the queue's dead letter exchange.
	Requeue bool

	// Channel replaces the connection built from URL.
	Channel Channel

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Source is an [intake.Poller] over a RabbitMQ queue.
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   Channel
}

// New validates cfg and creates a [Source].
func New(cfg Config) (*Source, error) {
	if cfg.Queue == "" {
		return nil, errors.New("amqpsource: queue is required")
	}
	if cfg.Channel == nil && cfg.URL == "" {
		return nil, errors.New("amqpsource: url or channel is required")
	}
	if cfg.URL != "" {
		if _, err := amqp.ParseURI(cfg.URL); err != nil {
			return nil, fmt.Errorf("amqpsource: invalid url: %w", err)
		}
	}
	if cfg.MaxMessages < 0 {
		return nil, errors.New("amqpsource: max messages cannot be negative")
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = defaultMaxMessages
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{cfg: cfg, logger: logger, ch: cfg.Channel}, nil
}

// channel returns the open channel, dialing if needed.
func (s *Source) channel() (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil {
		return s.ch, nil
	}

	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqpsource: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpsource: open channel: %w", err)
	}
	s.conn = conn
	s.ch = ch
	return ch, nil
}

// reset drops a broken dialed connection so the next poll reopens it.
// An injected channel is kept.
func (s *Source) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return
	}
	_ = s.ch.Close()
	_ = s.conn.Close()
	s.conn = nil
	s.ch = nil
}

// Poll implements [intake.Poller].
func (s *Source) Poll(ctx context.Context, d intake.Dispatcher) (int, error) {
	ch, err := s.channel()
	if err != nil {
		return 0, err
	}

	n := 0
	for n < s.cfg.MaxMessages {
		if ctx.Err() != nil {
			return n, nil
		}

		delivery, ok, err := ch.Get(s.cfg.Queue, false)
		if err != nil {
			s.reset()
			return n, fmt.Errorf("amqpsource: get from %q: %w", s.cfg.Queue, err)
		}
		if !ok {
			break
		}

		index := n
		_ = d.Dispatch(ctx, func(ex *exchange.Exchange) {
			ex.SetIn(s.toMessage(delivery))
			ex.SetInternalProperty(exchange.PropertyBatchIndex, index)
			if delivery.Redelivered {
				ex.SetInternalProperty(exchange.PropertyRedeliveryCounter, 1)
			}
		}, s.acknowledge(delivery))
		n++
	}
	return n, nil
}

// acknowledge returns the synchronization settling one delivery.
func (s *Source) acknowledge(delivery amqp.Delivery) uow.Synchronization {
	return uow.SynchronizationFuncs{
		Complete: func(ex *exchange.Exchange) {
			if err := delivery.Ack(false); err != nil {
				s.logger.Warn("failed to ack delivery",
					"queue", s.cfg.Queue,
					"delivery_tag", delivery.DeliveryTag,
					"exchange_id", ex.ID(),
					"error", err,
				)
			}
		},
		Failure: func(ex *exchange.Exchange) {
			if err := delivery.Nack(false, s.cfg.Requeue); err != nil {
				s.logger.Warn("failed to nack delivery",
					"queue", s.cfg.Queue,
					"delivery_tag", delivery.DeliveryTag,
					"exchange_id", ex.ID(),
					"error", err,
				)
			}
		},
	}
}

func (s *Source) toMessage(delivery amqp.Delivery) *exchange.DefaultMessage {
	msg := exchange.NewMessage()
	msg.SetBody(delivery.Body)
	if delivery.MessageId != "" {
		msg.SetMessageID(delivery.MessageId)
	}
	for k, v := range delivery.Headers {
		msg.SetHeader(k, v)
	}
	msg.SetHeader(HeaderQueue, s.cfg.Queue)
	msg.SetHeader(HeaderRoutingKey, delivery.RoutingKey)
	msg.SetHeader(HeaderDeliveryTag, delivery.DeliveryTag)
	msg.SetHeader(HeaderRedelivered, delivery.Redelivered)
	if delivery.ContentType != "" {
		msg.SetHeader(HeaderContentType, delivery.ContentType)
	}
	return msg
}

// Close closes the channel and the connection.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("amqpsource: close channel: %w", err))
		}
		s.ch = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("amqpsource: close connection: %w", err))
		}
		s.conn = nil
	}
	return errors.Join(errs...)
}
