// Package natssource polls a NATS JetStream pull consumer.
//
// Each poll fetches a batch of up to MaxMessages, waiting at most
// FetchTimeout. Messages are acked when their exchange completes and naked
// when it fails, leaving redelivery to the consumer's MaxDeliver setting.
package natssource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jpalmerr/intake"
	"github.com/jpalmerr/intake/exchange"
	"github.com/jpalmerr/intake/uow"
)

const (
	defaultMaxMessages  = 10
	defaultFetchTimeout = 500 * time.Millisecond
)

// Headers set on every dispatched message, in addition to the message headers.
const (
	HeaderSubject  = "nats_subject"
	HeaderStream   = "nats_stream"
	HeaderSequence = "nats_sequence"
)

// Fetcher is the part of jetstream.Consumer used by [Source].
type Fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Config configures a [Source].
type Config struct {
	// URL is a nats:// URL. Ignored when Fetcher is set.
	URL string

	// Stream holding the messages. It must already exist.
	Stream string

	// Consumer is the durable consumer name. It is created or updated on
	// connect with explicit acks.
	Consumer string

	// FilterSubject optionally narrows the consumer to one subject.
	FilterSubject string

	// MaxMessages bounds the batch fetched per poll. Defaults to 10.
	MaxMessages int

	// FetchTimeout bounds the wait for a batch. Defaults to 500ms.
	FetchTimeout time.Duration

	// Fetcher replaces the consumer built from the fields above.
	Fetcher Fetcher

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Source is an [intake.Poller] over a JetStream consumer.
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *nats.Conn
	fetcher Fetcher
}

// New validates cfg and creates a [Source]. The connection is opened on the
// first poll.
func New(cfg Config) (*Source, error) {
	if cfg.Fetcher == nil {
		if cfg.URL == "" {
			return nil, errors.New("natssource: url or fetcher is required")
		}
		if cfg.Stream == "" {
			return nil, errors.New("natssource: stream is required")
		}
		if cfg.Consumer == "" {
			return nil, errors.New("natssource: consumer is required")
		}
	}
	if cfg.MaxMessages < 0 {
		return nil, errors.New("natssource: max messages cannot be negative")
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = defaultMaxMessages
	}
	if cfg.FetchTimeout < 0 {
		return nil, errors.New("natssource: fetch timeout cannot be negative")
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{cfg: cfg, logger: logger, fetcher: cfg.Fetcher}, nil
}

func (s *Source) connect(ctx context.Context) (Fetcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fetcher != nil {
		return s.fetcher, nil
	}

	nc, err := nats.Connect(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("natssource: connect to %q: %w", s.cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natssource: init jetstream: %w", err)
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       s.cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: s.cfg.FilterSubject,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natssource: create consumer %q: %w", s.cfg.Consumer, err)
	}

	s.conn = nc
	s.fetcher = cons
	return cons, nil
}

// Poll implements [intake.Poller].
func (s *Source) Poll(ctx context.Context, d intake.Dispatcher) (int, error) {
	fetcher, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}

	batch, err := fetcher.Fetch(s.cfg.MaxMessages, jetstream.FetchMaxWait(s.cfg.FetchTimeout))
	if err != nil {
		return 0, fmt.Errorf("natssource: fetch: %w", err)
	}

	var msgs []jetstream.Msg
	for m := range batch.Messages() {
		msgs = append(msgs, m)
	}
	if err := batch.Error(); err != nil && !isTimeout(err) && len(msgs) == 0 {
		return 0, fmt.Errorf("natssource: fetch: %w", err)
	}

	for i, m := range msgs {
		_ = d.Dispatch(ctx, func(ex *exchange.Exchange) {
			ex.SetIn(toMessage(m))
			ex.SetInternalProperty(exchange.PropertyBatchIndex, i)
			ex.SetInternalProperty(exchange.PropertyBatchSize, len(msgs))
			ex.SetInternalProperty(exchange.PropertyBatchComplete, i == len(msgs)-1)
			if md, err := m.Metadata(); err == nil && md.NumDelivered > 1 {
				ex.SetInternalProperty(exchange.PropertyRedeliveryCounter, int(md.NumDelivered-1))
			}
		}, s.acknowledge(m))
	}
	return len(msgs), nil
}

func isTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// acknowledge returns the synchronization settling one message.
func (s *Source) acknowledge(m jetstream.Msg) uow.Synchronization {
	return uow.SynchronizationFuncs{
		Complete: func(ex *exchange.Exchange) {
			if err := m.Ack(); err != nil {
				s.logger.Warn("failed to ack message",
					"subject", m.Subject(),
					"exchange_id", ex.ID(),
					"error", err,
				)
			}
		},
		Failure: func(ex *exchange.Exchange) {
			if err := m.Nak(); err != nil {
				s.logger.Warn("failed to nak message",
					"subject", m.Subject(),
					"exchange_id", ex.ID(),
					"error", err,
				)
			}
		},
	}
}

// toMessage maps a JetStream message onto an exchange message. Multi-valued
// headers keep their first value.
func toMessage(m jetstream.Msg) *exchange.DefaultMessage {
	msg := exchange.NewMessage()
	msg.SetBody(m.Data())
	for k, v := range m.Headers() {
		if len(v) > 0 {
			msg.SetHeader(k, v[0])
		}
	}
	if id := m.Headers().Get(nats.MsgIdHdr); id != "" {
		msg.SetMessageID(id)
	}
	msg.SetHeader(HeaderSubject, m.Subject())
	if md, err := m.Metadata(); err == nil {
		msg.SetHeader(HeaderStream, md.Stream)
		msg.SetHeader(HeaderSequence, md.Sequence.Stream)
	}
	return msg
}

// Close closes the connection if the source opened one.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.fetcher = nil
	}
	return nil
}
