// Package kafkasource polls a Kafka topic through a consumer group reader.
//
// Each poll fetches up to MaxMessages records, waiting at most FetchTimeout
// for each. The offset of a record is committed once its exchange completes.
// A failed exchange leaves its offset uncommitted, so the record is delivered
// again after a rebalance or restart unless a later offset is committed first.
package kafkasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jpalmerr/intake"
	"github.com/jpalmerr/intake/exchange"
	"github.com/jpalmerr/intake/uow"
)

const (
	defaultMaxMessages  = 10
	defaultFetchTimeout = 500 * time.Millisecond
)

// Headers set on every dispatched message, in addition to the record headers.
const (
	HeaderTopic     = "kafka_topic"
	HeaderPartition = "kafka_partition"
	HeaderOffset    = "kafka_offset"
	HeaderKey       = "kafka_key"
)

// Reader is the part of *kafka.Reader used by [Source].
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a [Source].
type Config struct {
	// Brokers are the bootstrap addresses. Ignored when Reader is set.
	Brokers []string

	// Topic to consume.
	Topic string

	// GroupID is the consumer group. Offsets are committed to it.
	GroupID string

	// MaxMessages bounds the records fetched per poll. Defaults to 10.
	MaxMessages int

	// FetchTimeout bounds the wait for each record. Defaults to 500ms.
	FetchTimeout time.Duration

	// Reader replaces the reader built from the fields above.
	Reader Reader

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Source is an [intake.Poller] over a Kafka topic.
type Source struct {
	cfg    Config
	reader Reader
	logger *slog.Logger
}

// New validates cfg and creates a [Source].
func New(cfg Config) (*Source, error) {
	if cfg.MaxMessages < 0 {
		return nil, errors.New("kafkasource: max messages cannot be negative")
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = defaultMaxMessages
	}
	if cfg.FetchTimeout < 0 {
		return nil, errors.New("kafkasource: fetch timeout cannot be negative")
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}

	reader := cfg.Reader
	if reader == nil {
		if len(cfg.Brokers) == 0 {
			return nil, errors.New("kafkasource: at least one broker address is required")
		}
		if cfg.Topic == "" {
			return nil, errors.New("kafkasource: topic is required")
		}
		if cfg.GroupID == "" {
			return nil, errors.New("kafkasource: group id is required")
		}
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{cfg: cfg, reader: reader, logger: logger}, nil
}

// Poll implements [intake.Poller].
func (s *Source) Poll(ctx context.Context, d intake.Dispatcher) (int, error) {
	n := 0
	for n < s.cfg.MaxMessages {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		m, err := s.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				// shutting down
				return n, nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return n, fmt.Errorf("kafkasource: fetch: %w", err)
		}

		index := n
		_ = d.Dispatch(ctx, func(ex *exchange.Exchange) {
			ex.SetIn(toMessage(m))
			ex.SetInternalProperty(exchange.PropertyBatchIndex, index)
		}, s.commit(ctx, m))
		n++
	}
	return n, nil
}

// commit returns the synchronization settling one record.
func (s *Source) commit(ctx context.Context, m kafka.Message) uow.Synchronization {
	return uow.SynchronizationFuncs{
		Complete: func(ex *exchange.Exchange) {
			if err := s.reader.CommitMessages(ctx, m); err != nil {
				s.logger.Warn("failed to commit offset",
					"topic", m.Topic,
					"partition", m.Partition,
					"offset", m.Offset,
					"exchange_id", ex.ID(),
					"error", err,
				)
			}
		},
		Failure: func(ex *exchange.Exchange) {
			s.logger.Warn("leaving offset uncommitted after failed exchange",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"exchange_id", ex.ID(),
			)
		},
	}
}

// toMessage maps a record onto an exchange message. Record headers keep
// their first value.
func toMessage(m kafka.Message) *exchange.DefaultMessage {
	msg := exchange.NewMessage()
	msg.SetBody(m.Value)
	for _, h := range m.Headers {
		if _, ok := msg.Header(h.Key); ok {
			continue
		}
		msg.SetHeader(h.Key, string(h.Value))
	}
	msg.SetHeader(HeaderTopic, m.Topic)
	msg.SetHeader(HeaderPartition, m.Partition)
	msg.SetHeader(HeaderOffset, m.Offset)
	if len(m.Key) > 0 {
		msg.SetHeader(HeaderKey, string(m.Key))
	}
	return msg
}

// Close closes the reader.
func (s *Source) Close() error {
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("kafkasource: close reader: %w", err)
	}
	return nil
}
