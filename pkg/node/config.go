package node

import (
	"log/slog"
	"time"

	"github.com/helios-starling/kernel/pkg/queue"
	"github.com/helios-starling/kernel/pkg/resolver"
	"github.com/helios-starling/kernel/pkg/sendbuffer"
)

// Config holds the node-wide defaults spec.md §6 lists. Construct one with
// NewConfig and zero or more Option funcs, the same functional-options
// shape pkg/server/config.go and pkg/middleware use for SessionConfig and
// WithXxx middleware options.
type Config struct {
	Version string

	MessageBufferSize int
	MessageMaxAge     time.Duration

	QueueMaxSize       int
	QueueMaxRetries    int
	QueueBaseDelay     time.Duration
	MaxConcurrent      int
	QueueOnFull        queue.FullPolicy
	DrainTimeout       time.Duration
	QueueRateLimit     float64
	QueueRateBurst     int

	SendBufferOnFull    sendbuffer.FullPolicy
	SendBufferBatchWindow time.Duration

	MaxMessageSize   int
	DisconnectionTTL time.Duration
	Strict           bool
	AllowCustomTypes bool

	StatsInterval time.Duration

	Logger *slog.Logger
}

// Option mutates a Config at construction.
type Option func(*Config)

// NewConfig builds the spec.md §6 defaults, then applies opts in order.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		Version:               "1.0.0",
		MessageBufferSize:     1000,
		MessageMaxAge:         5 * time.Minute,
		QueueMaxSize:          1000,
		QueueMaxRetries:       3,
		QueueBaseDelay:        time.Second,
		MaxConcurrent:         10,
		QueueOnFull:           queue.Block,
		DrainTimeout:          30 * time.Second,
		SendBufferOnFull:      sendbuffer.Block,
		SendBufferBatchWindow: 100 * time.Millisecond,
		MaxMessageSize:        1 << 20,
		DisconnectionTTL:      5 * time.Minute,
		Strict:                true,
		AllowCustomTypes:      false,
		StatsInterval:         0,
		Logger:                slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithVersion(v string) Option { return func(c *Config) { c.Version = v } }

func WithQueueMaxSize(n int) Option { return func(c *Config) { c.QueueMaxSize = n } }

func WithQueueMaxRetries(n int) Option { return func(c *Config) { c.QueueMaxRetries = n } }

func WithQueueBaseDelay(d time.Duration) Option { return func(c *Config) { c.QueueBaseDelay = d } }

func WithMaxConcurrent(n int) Option { return func(c *Config) { c.MaxConcurrent = n } }

func WithQueueOnFull(p queue.FullPolicy) Option { return func(c *Config) { c.QueueOnFull = p } }

func WithDrainTimeout(d time.Duration) Option { return func(c *Config) { c.DrainTimeout = d } }

func WithQueueRateLimit(eventsPerSecond float64, burst int) Option {
	return func(c *Config) { c.QueueRateLimit = eventsPerSecond; c.QueueRateBurst = burst }
}

func WithSendBufferOnFull(p sendbuffer.FullPolicy) Option {
	return func(c *Config) { c.SendBufferOnFull = p }
}

func WithSendBufferBatchWindow(d time.Duration) Option {
	return func(c *Config) { c.SendBufferBatchWindow = d }
}

func WithMaxMessageSize(n int) Option { return func(c *Config) { c.MaxMessageSize = n } }

func WithDisconnectionTTL(d time.Duration) Option {
	return func(c *Config) { c.DisconnectionTTL = d }
}

func WithStrict(strict bool) Option { return func(c *Config) { c.Strict = strict } }

func WithAllowCustomTypes(allow bool) Option {
	return func(c *Config) { c.AllowCustomTypes = allow }
}

func WithStatsInterval(d time.Duration) Option { return func(c *Config) { c.StatsInterval = d } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func withResolverOptions(c *Config) resolver.Options {
	return resolver.Options{
		Strict:           c.Strict,
		AllowCustomTypes: c.AllowCustomTypes,
		MaxMessageSize:   c.MaxMessageSize,
		Version:          c.Version,
		Logger:           c.Logger,
	}
}
