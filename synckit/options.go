package synckit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/storefront-sync/cache"
	"github.com/c0deZ3R0/storefront-sync/events"
	"github.com/c0deZ3R0/storefront-sync/network"
	"github.com/c0deZ3R0/storefront-sync/schedule"
)

// Defaults applied by New.
const (
	DefaultMaxRetries          = 3
	DefaultRetryDelay          = time.Second
	DefaultMaxRetryDelay       = time.Minute
	DefaultSyncInterval        = 30 * time.Second
	DefaultMaxConflictAttempts = 3
	DefaultFlushConcurrency    = 8
)

// Config holds the engine's tunables.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries" json:"maxRetries"`

	// RetryDelay is the base delay; retry i waits RetryDelay * 2^(i-1).
	RetryDelay time.Duration `yaml:"retry_delay" json:"retryDelay"`

	// MaxRetryDelay caps the backoff. Zero disables the cap.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"maxRetryDelay"`

	// SyncInterval is the period of the periodic sweep.
	SyncInterval time.Duration `yaml:"sync_interval" json:"syncInterval"`

	// MaxConflictAttempts bounds resolver-driven re-attempts per operation.
	MaxConflictAttempts int `yaml:"max_conflict_attempts" json:"maxConflictAttempts"`

	// FlushConcurrency bounds the number of keys flushed in parallel.
	FlushConcurrency int `yaml:"flush_concurrency" json:"flushConcurrency"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          DefaultMaxRetries,
		RetryDelay:          DefaultRetryDelay,
		MaxRetryDelay:       DefaultMaxRetryDelay,
		SyncInterval:        DefaultSyncInterval,
		MaxConflictAttempts: DefaultMaxConflictAttempts,
		FlushConcurrency:    DefaultFlushConcurrency,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry delay must not be negative, got %s", c.RetryDelay))
	}
	if c.MaxRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("max retry delay must not be negative, got %s", c.MaxRetryDelay))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync interval must be positive, got %s", c.SyncInterval))
	}
	if c.MaxConflictAttempts < 1 {
		errs = append(errs, fmt.Errorf("max conflict attempts must be at least 1, got %d", c.MaxConflictAttempts))
	}
	if c.FlushConcurrency < 1 {
		errs = append(errs, fmt.Errorf("flush concurrency must be at least 1, got %d", c.FlushConcurrency))
	}
	return errors.Join(errs...)
}

// Option is a functional option for configuring an Engine via New.
type Option func(*Engine) error

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) error {
		e.cfg = cfg
		return nil
	}
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(e *Engine) error {
		e.cfg.MaxRetries = n
		return nil
	}
}

// WithRetryDelay sets the base backoff delay.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.RetryDelay = d
		return nil
	}
}

// WithMaxRetryDelay caps the backoff delay.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.MaxRetryDelay = d
		return nil
	}
}

// WithSyncInterval sets the periodic sweep interval.
func WithSyncInterval(d time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.SyncInterval = d
		return nil
	}
}

// WithMaxConflictAttempts bounds resolver-driven re-attempts.
func WithMaxConflictAttempts(n int) Option {
	return func(e *Engine) error {
		e.cfg.MaxConflictAttempts = n
		return nil
	}
}

// WithFlushConcurrency bounds the number of keys flushed in parallel.
func WithFlushConcurrency(n int) Option {
	return func(e *Engine) error {
		e.cfg.FlushConcurrency = n
		return nil
	}
}

// WithScheduler sets the delayed-task queue used for retries and the
// periodic sweep. Tests pass a schedule.ManualScheduler.
func WithScheduler(s schedule.Scheduler) Option {
	return func(e *Engine) error {
		if s == nil {
			return errors.New("scheduler must not be nil")
		}
		e.sched = s
		return nil
	}
}

// WithNetworkMonitor sets the connectivity source.
func WithNetworkMonitor(m *network.Monitor) Option {
	return func(e *Engine) error {
		if m == nil {
			return errors.New("network monitor must not be nil")
		}
		e.net = m
		return nil
	}
}

// WithInitialState seeds the default network monitor.
func WithInitialState(online bool) Option {
	return func(e *Engine) error {
		e.initialOnline = online
		return nil
	}
}

// WithBus sets the event bus. The cache store publishes to it as well.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) error {
		if b == nil {
			return errors.New("event bus must not be nil")
		}
		e.bus = b
		return nil
	}
}

// WithCache sets the cache store. The store should publish to the engine's
// bus for cache events to reach subscribers.
func WithCache(c *cache.Store) Option {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("cache store must not be nil")
		}
		e.cache = c
		return nil
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) error {
		if l != nil {
			e.logger = l
		}
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) error {
		if m != nil {
			e.metrics = m
		}
		return nil
	}
}

// WithIDGenerator overrides the operation id source.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) error {
		if fn == nil {
			return errors.New("id generator must not be nil")
		}
		e.newID = fn
		return nil
	}
}

// WithClock overrides the time source used to stamp operations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		e.now = now
		return nil
	}
}

// WithDefaultResolver sets the resolver used for keys with no registration
// and no matching rule.
func WithDefaultResolver(r ConflictResolver) Option {
	return func(e *Engine) error {
		e.fallback = r
		return nil
	}
}

// WithConflictRule registers a rule at construction time.
func WithConflictRule(name string, m Matcher, r ConflictResolver) Option {
	return func(e *Engine) error {
		e.rules = append(e.rules, Rule{Name: name, Matcher: m, Resolver: r})
		return nil
	}
}
