// Package config provides YAML configuration parsing for intake.
//
// This package enables running intake as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	port: 8080
//
//	consumers:
//	  - name: orders
//	    source:
//	      type: redis
//	      url: ${REDIS_URL:-redis://localhost:6379/0}
//	      key: orders
//	    delay: 500
//	    time_unit: milliseconds
//	    backoff:
//	      multiplier: 5
//	      idle_threshold: 3
//
//	  - name: payments
//	    source:
//	      type: kafka
//	      brokers: [localhost:9092]
//	      topic: payments
//	      group_id: intake
//	    greedy: true
//	    strategy:
//	      type: retry
//	      max_retries: 2
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/intake/exchange"
)

// Source types understood by the builder.
const (
	SourceHTTP  = "http"
	SourceRedis = "redis"
	SourceKafka = "kafka"
	SourceAMQP  = "amqp"
	SourceNATS  = "nats"
	SourceMongo = "mongo"
)

// Strategy types understood by the builder.
const (
	StrategyDefault = "default"
	StrategyRetry   = "retry"
	StrategyLimited = "limited"
)

const defaultPort = 8080

// Config is the root configuration structure for intake.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Port is the health server port. Defaults to 8080. A negative port
	// disables the server.
	Port int `yaml:"port"`

	// Consumers defines the polling consumers.
	Consumers []ConsumerConfig `yaml:"consumers"`
}

// ServerPort returns the health server port, with zero meaning disabled.
func (c *Config) ServerPort() int {
	if c.Port < 0 {
		return 0
	}
	return c.Port
}

// ConsumerConfig defines a single polling consumer.
type ConsumerConfig struct {
	// Name identifies the consumer in logs and health output. Must be unique.
	Name string `yaml:"name"`

	// URI overrides the endpoint URI derived from the source.
	URI string `yaml:"uri"`

	// Labels are metadata key-value pairs for grouping/filtering.
	Labels map[string]string `yaml:"labels"`

	// ExchangePattern is InOnly (default) or InOut.
	ExchangePattern string `yaml:"exchange_pattern"`

	Source SourceConfig `yaml:"source"`

	// InitialDelay and Delay accept duration strings ("5s") or bare numbers
	// counted in TimeUnit.
	InitialDelay Interval `yaml:"initial_delay"`
	Delay        Interval `yaml:"delay"`

	// TimeUnit applies to bare numbers in InitialDelay and Delay.
	// Defaults to milliseconds.
	TimeUnit string `yaml:"time_unit"`

	// UseFixedDelay waits Delay after each poll ends. False schedules at a
	// fixed rate. Defaults to true.
	UseFixedDelay *bool `yaml:"use_fixed_delay"`

	Backoff BackoffConfig `yaml:"backoff"`

	// RepeatCount stops polling after that many polls. Zero is unlimited.
	RepeatCount int64 `yaml:"repeat_count"`

	// Greedy polls again at once while a poll returns messages.
	Greedy bool `yaml:"greedy"`

	// SendEmptyMessageWhenIdle dispatches an empty exchange for idle polls.
	SendEmptyMessageWhenIdle bool `yaml:"send_empty_message_when_idle"`

	// StartScheduler starts polling when the consumer starts. Defaults to true.
	StartScheduler *bool `yaml:"start_scheduler"`

	Strategy StrategyConfig `yaml:"strategy"`

	ExchangePool PoolConfig `yaml:"exchange_pool"`
}

// BackoffConfig skips polls after consecutive idle or failed polls.
type BackoffConfig struct {
	Multiplier     int `yaml:"multiplier"`
	IdleThreshold  int `yaml:"idle_threshold"`
	ErrorThreshold int `yaml:"error_threshold"`
}

// StrategyConfig selects the poll strategy.
type StrategyConfig struct {
	// Type is "default", "retry" or "limited".
	Type string `yaml:"type"`

	// MaxRetries is the number of extra attempts per cycle (type: retry).
	MaxRetries int `yaml:"max_retries"`

	// Limit is the number of consecutive failures before the consumer is
	// suspended (type: limited).
	Limit int `yaml:"limit"`
}

// PoolConfig enables exchange pooling.
type PoolConfig struct {
	// Capacity is the number of idle exchanges kept. Zero disables pooling.
	Capacity int `yaml:"capacity"`
}

// SourceConfig defines where a consumer polls from. Which fields apply
// depends on Type.
type SourceConfig struct {
	// Type is one of http, redis, kafka, amqp, nats, mongo.
	Type string `yaml:"type"`

	// URL is the connection URL (http, redis, amqp, nats, mongo).
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	URL string `yaml:"url"`

	// MaxMessages bounds the messages dispatched per poll.
	MaxMessages int `yaml:"max_messages"`

	// Recover returns messages left in flight by a previous run to the
	// queue before polling starts (redis, mongo).
	Recover bool `yaml:"recover"`

	// http
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Timeout Duration          `yaml:"timeout"`

	// redis
	Key           string `yaml:"key"`
	ProcessingKey string `yaml:"processing_key"`
	DeadLetterKey string `yaml:"dead_letter_key"`

	// kafka
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`

	// kafka, nats
	FetchTimeout Duration `yaml:"fetch_timeout"`

	// amqp
	Queue   string `yaml:"queue"`
	Requeue bool   `yaml:"requeue"`

	// nats
	Stream        string `yaml:"stream"`
	Consumer      string `yaml:"consumer"`
	FilterSubject string `yaml:"filter_subject"`

	// mongo
	Database    string `yaml:"database"`
	Collection  string `yaml:"collection"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Interval is a scheduling delay. In YAML it is either a duration string
// ("1.5s") or a bare integer counted in the consumer's time unit.
type Interval struct {
	set   bool
	d     time.Duration
	count int64
	bare  bool
}

// UnmarshalYAML implements yaml.Unmarshaler for Interval.
func (i *Interval) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("interval must be a duration or a number, got %v", node.Kind)
	}

	if n, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*i = Interval{set: true, count: n, bare: true}
		return nil
	}

	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid interval %q: %w", node.Value, err)
	}
	*i = Interval{set: true, d: parsed}
	return nil
}

// IsSet reports whether the interval was present in the configuration.
func (i Interval) IsSet() bool {
	return i.set
}

// Resolve returns the interval as a duration, counting bare numbers in unit.
func (i Interval) Resolve(unit time.Duration) time.Duration {
	if i.bare {
		return time.Duration(i.count) * unit
	}
	return i.d
}

// timeUnits maps accepted time_unit spellings to their length.
var timeUnits = map[string]time.Duration{
	"nanoseconds":  time.Nanosecond,
	"ns":           time.Nanosecond,
	"microseconds": time.Microsecond,
	"us":           time.Microsecond,
	"milliseconds": time.Millisecond,
	"ms":           time.Millisecond,
	"seconds":      time.Second,
	"s":            time.Second,
	"minutes":      time.Minute,
	"m":            time.Minute,
	"hours":        time.Hour,
	"h":            time.Hour,
}

// ParseTimeUnit resolves a time_unit value. Empty means milliseconds.
func ParseTimeUnit(s string) (time.Duration, error) {
	if s == "" {
		return time.Millisecond, nil
	}
	unit, ok := timeUnits[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown time unit %q", s)
	}
	return unit, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in source URLs, brokers and header
// values. Port defaults to 8080.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if len(c.Consumers) == 0 {
		return errors.New("at least one consumer must be defined")
	}
	if c.Port > 65535 {
		return fmt.Errorf("port must be at most 65535, got %d", c.Port)
	}

	seen := make(map[string]int, len(c.Consumers))
	for i := range c.Consumers {
		cc := &c.Consumers[i]

		if cc.Name == "" {
			return fmt.Errorf("consumers[%d]: name is required", i)
		}
		if prev, dup := seen[cc.Name]; dup {
			return fmt.Errorf("consumers[%d] (%s): name already used by consumers[%d]", i, cc.Name, prev)
		}
		seen[cc.Name] = i

		if err := cc.validate(); err != nil {
			return fmt.Errorf("consumers[%d] (%s): %w", i, cc.Name, err)
		}
	}

	return nil
}

func (cc *ConsumerConfig) validate() error {
	if cc.ExchangePattern != "" {
		if _, err := exchange.ParsePattern(cc.ExchangePattern); err != nil {
			return fmt.Errorf("exchange_pattern: %w", err)
		}
	}

	unit, err := ParseTimeUnit(cc.TimeUnit)
	if err != nil {
		return fmt.Errorf("time_unit: %w", err)
	}
	if cc.InitialDelay.Resolve(unit) < 0 {
		return errors.New("initial_delay cannot be negative")
	}
	if cc.Delay.IsSet() && cc.Delay.Resolve(unit) <= 0 {
		return errors.New("delay must be positive")
	}

	b := cc.Backoff
	if b.Multiplier < 0 || b.IdleThreshold < 0 || b.ErrorThreshold < 0 {
		return errors.New("backoff values cannot be negative")
	}
	if b.Multiplier > 0 && b.IdleThreshold == 0 && b.ErrorThreshold == 0 {
		return errors.New("backoff multiplier requires idle_threshold or error_threshold")
	}
	if cc.RepeatCount < 0 {
		return errors.New("repeat_count cannot be negative")
	}

	switch cc.Strategy.Type {
	case "", StrategyDefault:
	case StrategyRetry:
		if cc.Strategy.MaxRetries < 1 {
			return errors.New("strategy retry requires max_retries of at least 1")
		}
	case StrategyLimited:
		if cc.Strategy.Limit < 1 {
			return errors.New("strategy limited requires limit of at least 1")
		}
	default:
		return fmt.Errorf("unknown strategy type %q", cc.Strategy.Type)
	}

	if cc.ExchangePool.Capacity < 0 {
		return errors.New("exchange_pool capacity cannot be negative")
	}

	if err := cc.Source.expandAndValidate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	return nil
}

func (s *SourceConfig) expandAndValidate() error {
	if s.URL != "" {
		expanded, err := expandEnvVars(s.URL)
		if err != nil {
			return fmt.Errorf("url: %w", err)
		}
		s.URL = expanded
	}
	for i, b := range s.Brokers {
		expanded, err := expandEnvVars(b)
		if err != nil {
			return fmt.Errorf("brokers[%d]: %w", i, err)
		}
		s.Brokers[i] = expanded
	}
	for k, v := range s.Headers {
		expanded, err := expandEnvVars(v)
		if err != nil {
			return fmt.Errorf("headers[%s]: %w", k, err)
		}
		s.Headers[k] = expanded
	}

	if s.MaxMessages < 0 {
		return errors.New("max_messages cannot be negative")
	}
	if s.Timeout.Duration() < 0 || s.FetchTimeout.Duration() < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if s.Recover && s.Type != SourceRedis && s.Type != SourceMongo {
		return fmt.Errorf("recover is not supported for %s sources", s.Type)
	}

	switch s.Type {
	case SourceHTTP:
		if err := requireScheme(s.URL, "http", "https"); err != nil {
			return err
		}
		if s.Method != "" && s.Method != "GET" && s.Method != "HEAD" && s.Method != "POST" {
			return errors.New("method must be GET, HEAD, or POST")
		}
	case SourceRedis:
		if err := requireScheme(s.URL, "redis", "rediss", "unix"); err != nil {
			return err
		}
		if s.Key == "" {
			return errors.New("key is required")
		}
	case SourceKafka:
		if len(s.Brokers) == 0 {
			return errors.New("at least one broker is required")
		}
		if s.Topic == "" {
			return errors.New("topic is required")
		}
		if s.GroupID == "" {
			return errors.New("group_id is required")
		}
	case SourceAMQP:
		if err := requireScheme(s.URL, "amqp", "amqps"); err != nil {
			return err
		}
		if s.Queue == "" {
			return errors.New("queue is required")
		}
	case SourceNATS:
		if err := requireScheme(s.URL, "nats", "tls", "ws", "wss"); err != nil {
			return err
		}
		if s.Stream == "" {
			return errors.New("stream is required")
		}
		if s.Consumer == "" {
			return errors.New("consumer is required")
		}
	case SourceMongo:
		if err := requireScheme(s.URL, "mongodb", "mongodb+srv"); err != nil {
			return err
		}
		if s.Database == "" {
			return errors.New("database is required")
		}
		if s.Collection == "" {
			return errors.New("collection is required")
		}
		if s.MaxAttempts < 0 {
			return errors.New("max_attempts cannot be negative")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown type %q", s.Type)
	}
	return nil
}

// requireScheme checks that raw is a URL with one of the given schemes.
func requireScheme(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("url scheme must be one of %s, got %q", strings.Join(schemes, ", "), u.Scheme)
}
