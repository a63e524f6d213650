package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"

	"github.com/jpalmerr/intake"
	"github.com/jpalmerr/intake/exchange"
	"github.com/jpalmerr/intake/source/amqpsource"
	"github.com/jpalmerr/intake/source/httpsource"
	"github.com/jpalmerr/intake/source/kafkasource"
	"github.com/jpalmerr/intake/source/mongosource"
	"github.com/jpalmerr/intake/source/natssource"
	"github.com/jpalmerr/intake/source/redissource"
)

// Source is a poller holding connections that must be closed on shutdown.
type Source interface {
	intake.Poller
	Close() error
}

// BuildConsumers converts parsed configuration into SDK Consumer objects.
//
// Every consumer dispatches to processor. The returned sources must be
// closed once the consumers are shut down. On error, sources already built
// are closed.
func BuildConsumers(cfg *Config, processor intake.Processor, logger *slog.Logger) ([]*intake.Consumer, []Source, error) {
	consumers := make([]*intake.Consumer, 0, len(cfg.Consumers))
	sources := make([]Source, 0, len(cfg.Consumers))

	for _, cc := range cfg.Consumers {
		c, src, err := BuildConsumer(cc, processor, logger)
		if err != nil {
			_ = CloseSources(sources)
			return nil, nil, fmt.Errorf("consumer %q: %w", cc.Name, err)
		}
		consumers = append(consumers, c)
		sources = append(sources, src)
	}

	return consumers, sources, nil
}

// CloseSources closes every source and joins the errors.
func CloseSources(sources []Source) error {
	var errs []error
	for _, s := range sources {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecoverSources returns messages stranded in flight by a previous run to
// their queue, for every consumer whose source sets recover. sources must be
// the slice BuildConsumers returned for cfg.
func RecoverSources(ctx context.Context, cfg *Config, sources []Source, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if len(sources) != len(cfg.Consumers) {
		return fmt.Errorf("got %d sources for %d consumers", len(sources), len(cfg.Consumers))
	}

	for i, src := range sources {
		cc := cfg.Consumers[i]
		if !cc.Source.Recover {
			continue
		}

		var n int64
		var err error
		switch s := src.(type) {
		case *redissource.Source:
			var moved int
			moved, err = s.Recover(ctx)
			n = int64(moved)
		case *mongosource.Source:
			n, err = s.Recover(ctx)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("consumer %q: %w", cc.Name, err)
		}
		logger.Info("recovered in-flight messages", "consumer", cc.Name, "count", n)
	}
	return nil
}

// BuildConsumer converts a single ConsumerConfig to an SDK Consumer and the
// source it polls.
func BuildConsumer(cc ConsumerConfig, processor intake.Processor, logger *slog.Logger) (*intake.Consumer, Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ep, err := buildEndpoint(cc)
	if err != nil {
		return nil, nil, err
	}

	opts, err := consumerOptions(cc, ep)
	if err != nil {
		return nil, nil, err
	}
	if processor != nil {
		opts = append(opts, intake.WithProcessor(processor))
	}
	opts = append(opts, intake.WithConsumerLogger(logger))

	src, err := BuildSource(cc.Source, logger.With("consumer", cc.Name))
	if err != nil {
		return nil, nil, err
	}

	c, err := intake.NewConsumer(ep, src, opts...)
	if err != nil {
		_ = src.Close()
		return nil, nil, err
	}
	return c, src, nil
}

func buildEndpoint(cc ConsumerConfig) (intake.Endpoint, error) {
	var opts []intake.EndpointOption

	if len(cc.Labels) > 0 {
		opts = append(opts, intake.WithLabels(mapToKeyValuePairs(cc.Labels)...))
	}

	if cc.ExchangePattern != "" {
		p, err := exchange.ParsePattern(cc.ExchangePattern)
		if err != nil {
			return intake.Endpoint{}, err
		}
		opts = append(opts, intake.WithExchangePattern(p))
	}

	uri := cc.URI
	if uri == "" {
		uri = sourceURI(cc.Source)
	}

	return intake.NewEndpoint(cc.Name, uri, opts...)
}

// sourceURI names what a source polls without exposing credentials.
func sourceURI(s SourceConfig) string {
	switch s.Type {
	case SourceHTTP:
		if u, err := url.Parse(s.URL); err == nil {
			return u.Redacted()
		}
		return s.URL
	case SourceRedis:
		return "redis:" + s.Key
	case SourceKafka:
		return "kafka:" + s.Topic
	case SourceAMQP:
		return "amqp:" + s.Queue
	case SourceNATS:
		return "nats:" + s.Stream + "/" + s.Consumer
	case SourceMongo:
		return "mongo:" + s.Database + "." + s.Collection
	default:
		return s.Type + ":"
	}
}

// consumerOptions maps scheduling, backoff, strategy and pooling settings
// onto consumer options.
func consumerOptions(cc ConsumerConfig, ep intake.Endpoint) ([]intake.ConsumerOption, error) {
	unit, err := ParseTimeUnit(cc.TimeUnit)
	if err != nil {
		return nil, err
	}

	var opts []intake.ConsumerOption

	if cc.InitialDelay.IsSet() {
		opts = append(opts, intake.WithInitialDelay(cc.InitialDelay.Resolve(unit)))
	}
	if cc.Delay.IsSet() {
		opts = append(opts, intake.WithDelay(cc.Delay.Resolve(unit)))
	}
	if cc.UseFixedDelay != nil {
		opts = append(opts, intake.WithFixedDelay(*cc.UseFixedDelay))
	}
	if cc.StartScheduler != nil {
		opts = append(opts, intake.WithStartScheduler(*cc.StartScheduler))
	}

	if cc.Backoff.Multiplier > 0 {
		opts = append(opts,
			intake.WithBackoffMultiplier(cc.Backoff.Multiplier),
			intake.WithBackoffIdleThreshold(cc.Backoff.IdleThreshold),
			intake.WithBackoffErrorThreshold(cc.Backoff.ErrorThreshold),
		)
	}

	if cc.RepeatCount > 0 {
		opts = append(opts, intake.WithRepeatCount(cc.RepeatCount))
	}
	if cc.Greedy {
		opts = append(opts, intake.WithGreedy(true))
	}
	if cc.SendEmptyMessageWhenIdle {
		opts = append(opts, intake.WithSendEmptyMessageWhenIdle(true))
	}

	switch cc.Strategy.Type {
	case StrategyRetry:
		opts = append(opts, intake.WithPollStrategy(intake.RetryPollStrategy{MaxRetries: cc.Strategy.MaxRetries}))
	case StrategyLimited:
		opts = append(opts, intake.WithPollStrategy(intake.NewLimitedPollStrategy(cc.Strategy.Limit)))
	}

	if cc.ExchangePool.Capacity > 0 {
		opts = append(opts, intake.WithExchangeFactory(
			exchange.NewPooledFactory(cc.ExchangePool.Capacity, exchange.WithPattern(ep.Pattern())),
		))
	}

	return opts, nil
}

// BuildSource creates the poller described by sc.
func BuildSource(sc SourceConfig, logger *slog.Logger) (Source, error) {
	switch sc.Type {
	case SourceHTTP:
		return checked(httpsource.New(httpsource.Config{
			URL:     sc.URL,
			Method:  sc.Method,
			Headers: sc.Headers,
			Timeout: sc.Timeout.Duration(),
			Logger:  logger,
		}))
	case SourceRedis:
		return checked(redissource.New(redissource.Config{
			URL:           sc.URL,
			Key:           sc.Key,
			ProcessingKey: sc.ProcessingKey,
			DeadLetterKey: sc.DeadLetterKey,
			MaxMessages:   sc.MaxMessages,
			Logger:        logger,
		}))
	case SourceKafka:
		return checked(kafkasource.New(kafkasource.Config{
			Brokers:      sc.Brokers,
			Topic:        sc.Topic,
			GroupID:      sc.GroupID,
			MaxMessages:  sc.MaxMessages,
			FetchTimeout: sc.FetchTimeout.Duration(),
			Logger:       logger,
		}))
	case SourceAMQP:
		return checked(amqpsource.New(amqpsource.Config{
			URL:         sc.URL,
			Queue:       sc.Queue,
			MaxMessages: sc.MaxMessages,
			Requeue:     sc.Requeue,
			Logger:      logger,
		}))
	case SourceNATS:
		return checked(natssource.New(natssource.Config{
			URL:           sc.URL,
			Stream:        sc.Stream,
			Consumer:      sc.Consumer,
			FilterSubject: sc.FilterSubject,
			MaxMessages:   sc.MaxMessages,
			FetchTimeout:  sc.FetchTimeout.Duration(),
			Logger:        logger,
		}))
	case SourceMongo:
		return checked(mongosource.New(mongosource.Config{
			URI:         sc.URL,
			Database:    sc.Database,
			Collection:  sc.Collection,
			MaxMessages: sc.MaxMessages,
			MaxAttempts: sc.MaxAttempts,
			Logger:      logger,
		}))
	default:
		return nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}

// checked drops a typed nil source so a failed constructor never yields a
// non-nil Source.
func checked(s Source, err error) (Source, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// mapToKeyValuePairs converts a map to a sorted slice of key-value pairs.
func mapToKeyValuePairs(m map[string]string) []string {
	// sort keys for deterministic ordering
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(m)*2)
	for _, k := range keys {
		pairs = append(pairs, k, m[k])
	}
	return pairs
}
