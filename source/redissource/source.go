// Package redissource polls a Redis list as a reliable queue.
//
// Each poll moves up to MaxMessages entries from the tail of Key onto a
// processing list with LMOVE and dispatches them oldest first. A completed
// exchange removes its entry from the processing list. A failed exchange is
// moved back onto Key, or onto DeadLetterKey when one is configured. Entries
// stranded on the processing list by a crash are returned with
// [Source.Recover].
package redissource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jpalmerr/intake"
	"github.com/jpalmerr/intake/exchange"
	"github.com/jpalmerr/intake/uow"
)

const defaultMaxMessages = 10

// Headers set on every dispatched message.
const (
	HeaderKey           = "redis_key"
	HeaderProcessingKey = "redis_processing_key"
)

// Config configures a [Source].
type Config struct {
	// URL is a redis:// or rediss:// URL. Ignored when Client is set.
	URL string

	// Key is the list producers LPUSH onto.
	Key string

	// ProcessingKey holds in-flight entries. Defaults to Key + ":processing".
	ProcessingKey string

	// DeadLetterKey receives failed entries. Empty requeues onto Key.
	DeadLetterKey string

	// MaxMessages bounds the entries moved per poll. Defaults to 10.
	MaxMessages int

	// Client is an optional existing Redis client.
	Client redis.UniversalClient

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Source is an [intake.Poller] over a Redis list.
type Source struct {
	cfg       Config
	client    redis.UniversalClient
	ownClient bool
	logger    *slog.Logger
}

// New validates cfg and creates a [Source]. Without cfg.Client a client is
// created from cfg.URL; it is not contacted until the first poll.
func New(cfg Config) (*Source, error) {
	if cfg.Key == "" {
		return nil, errors.New("redissource: key is required")
	}
	if cfg.ProcessingKey == "" {
		cfg.ProcessingKey = cfg.Key + ":processing"
	}
	if cfg.ProcessingKey == cfg.Key {
		return nil, errors.New("redissource: processing key must differ from key")
	}
	if cfg.MaxMessages < 0 {
		return nil, errors.New("redissource: max messages cannot be negative")
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = defaultMaxMessages
	}

	client := cfg.Client
	own := false
	if client == nil {
		if cfg.URL == "" {
			return nil, errors.New("redissource: url or client is required")
		}
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redissource: invalid url: %w", err)
		}
		client = redis.NewClient(opts)
		own = true
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{cfg: cfg, client: client, ownClient: own, logger: logger}, nil
}

// Poll implements [intake.Poller].
func (s *Source) Poll(ctx context.Context, d intake.Dispatcher) (int, error) {
	n := 0
	for n < s.cfg.MaxMessages {
		value, err := s.client.LMove(ctx, s.cfg.Key, s.cfg.ProcessingKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("redissource: move from %q: %w", s.cfg.Key, err)
		}

		index := n
		_ = d.Dispatch(ctx, func(ex *exchange.Exchange) {
			msg := exchange.NewMessage()
			msg.SetBody(value)
			msg.SetHeader(HeaderKey, s.cfg.Key)
			msg.SetHeader(HeaderProcessingKey, s.cfg.ProcessingKey)
			ex.SetIn(msg)
			ex.SetInternalProperty(exchange.PropertyBatchIndex, index)
		}, s.settle(ctx, value))
		n++
	}
	return n, nil
}

// settle returns the synchronization finishing one entry.
func (s *Source) settle(ctx context.Context, value string) uow.Synchronization {
	return uow.SynchronizationFuncs{
		Complete: func(ex *exchange.Exchange) {
			if err := s.client.LRem(ctx, s.cfg.ProcessingKey, 1, value).Err(); err != nil {
				s.logger.Warn("failed to remove completed entry",
					"key", s.cfg.ProcessingKey,
					"exchange_id", ex.ID(),
					"error", err,
				)
			}
		},
		Failure: func(ex *exchange.Exchange) {
			target := s.cfg.Key
			if s.cfg.DeadLetterKey != "" {
				target = s.cfg.DeadLetterKey
			}
			_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, s.cfg.ProcessingKey, 1, value)
				pipe.RPush(ctx, target, value)
				return nil
			})
			if err != nil {
				s.logger.Warn("failed to requeue failed entry",
					"key", target,
					"exchange_id", ex.ID(),
					"error", err,
				)
			}
		},
	}
}

// Recover moves every entry left on the processing list back onto Key and
// returns how many were moved. Call it before the consumer starts.
func (s *Source) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := s.client.LMove(ctx, s.cfg.ProcessingKey, s.cfg.Key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("redissource: recover %q: %w", s.cfg.ProcessingKey, err)
		}
		n++
	}
}

// Close closes the client if the source created it.
func (s *Source) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}
