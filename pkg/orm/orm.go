// Package orm is the entry point of keel. Init connects a driver, discovers
// entity metadata and returns an ORM; ORM.EM hands out one EntityManager per
// request, each with its own Unit of Work and identity map.
package orm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/conduit-lang/keel/internal/cli/config"
	"github.com/conduit-lang/keel/internal/logging"
	"github.com/conduit-lang/keel/internal/orm/cache"
	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/hooks"
	"github.com/conduit-lang/keel/internal/orm/metrics"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

// Option customises Init
type Option func(*options)

type options struct {
	logger     *zap.Logger
	driver     driver.Driver
	cache      cache.Adapter
	hooks      *hooks.Registry
	registerer prometheus.Registerer
	workers    int
}

// WithLogger replaces the logger built from the configuration
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDriver uses an already constructed driver instead of the configured one
func WithDriver(drv driver.Driver) Option {
	return func(o *options) { o.driver = drv }
}

// WithCache uses a metadata cache adapter instead of the configured one
func WithCache(adapter cache.Adapter) Option {
	return func(o *options) { o.cache = adapter }
}

// WithHooks registers lifecycle hooks for every EntityManager
func WithHooks(registry *hooks.Registry) Option {
	return func(o *options) { o.hooks = registry }
}

// WithMetricsRegisterer registers metrics collectors with reg. Without it a
// private registry is used, exposed through ORM.Gatherer.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHookWorkers sets the size of the async hook worker pool
func WithHookWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// ORM is a connected driver plus validated metadata
type ORM struct {
	config   *config.Config
	logger   *zap.Logger
	driver   driver.Driver
	registry *schema.Registry
	cache    cache.Adapter
	hooks    *hooks.Executor
	queue    *hooks.Queue
	metrics  metrics.Recorder
	gatherer prometheus.Gatherer
}

// Init validates the configuration, connects the driver and discovers entity
// metadata. When discovery fails the driver is closed before returning.
func Init(ctx context.Context, cfg *config.Config, opts ...Option) (*ORM, error) {
	if cfg == nil {
		return nil, errors.New("orm: configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Options{Debug: cfg.Debug, Level: cfg.LogLevel})
		if err != nil {
			return nil, err
		}
	}

	registry := schema.NewRegistry()

	drv := o.driver
	if drv == nil {
		var err error
		drv, err = newDriver(cfg, registry, logger)
		if err != nil {
			return nil, err
		}
	}

	adapter := o.cache
	if adapter == nil {
		var err error
		adapter, err = NewCache(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	orm := &ORM{
		config:   cfg,
		logger:   logger,
		driver:   drv,
		registry: registry,
		cache:    adapter,
		metrics:  metrics.Nop{},
	}

	if err := drv.Connect(ctx); err != nil {
		orm.closeCache()
		return nil, fmt.Errorf("failed to connect to database %s: %w", cfg.DBName, err)
	}

	if err := orm.discover(ctx, cfg.Entities); err != nil {
		orm.abort(ctx)
		return nil, err
	}

	if err := orm.ensureSchema(ctx); err != nil {
		orm.abort(ctx)
		return nil, err
	}

	if cfg.Metrics.Enabled {
		if err := orm.setupMetrics(o.registerer); err != nil {
			orm.abort(ctx)
			return nil, err
		}
	}

	hookRegistry := o.hooks
	if hookRegistry == nil {
		hookRegistry = hooks.NewRegistry()
	}
	orm.queue = hooks.NewQueue(o.workers, logger)
	orm.queue.Start()
	orm.hooks = hooks.NewExecutorWithRegistry(hookRegistry, orm.queue, logger)

	logger.Info(fmt.Sprintf("successfully connected to database %s on %s", cfg.DBName, MaskURL(orm.ClientURL())),
		zap.String("driver", drv.Name()),
		zap.Int("entities", registry.Count()),
	)

	return orm, nil
}

func (o *ORM) setupMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		private := prometheus.NewRegistry()
		reg, o.gatherer = private, private
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		o.gatherer = g
	}
	recorder, err := metrics.NewPrometheus(o.config.Metrics.Namespace, reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	o.metrics = recorder
	return nil
}

// abort force-closes the driver after a failed Init
func (o *ORM) abort(ctx context.Context) {
	if err := o.driver.Close(ctx, true); err != nil {
		o.logger.Warn("failed to close driver", zap.Error(err))
	}
	o.closeCache()
}

func (o *ORM) closeCache() {
	if c, ok := o.cache.(io.Closer); ok {
		if err := c.Close(); err != nil {
			o.logger.Warn("failed to close metadata cache", zap.Error(err))
		}
	}
}

// EM returns a fresh EntityManager. Use one per request.
func (o *ORM) EM() *EntityManager {
	return newEntityManager(o)
}

// IsConnected reports whether the driver connection is alive
func (o *ORM) IsConnected(ctx context.Context) bool {
	return o.driver.IsConnected(ctx)
}

// Close drains the async hook queue and closes the driver. With force set,
// queued async hooks are abandoned and running ones cancelled.
func (o *ORM) Close(ctx context.Context, force bool) error {
	if o.queue != nil {
		drainCtx := ctx
		if force {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			drainCtx = cancelled
		}
		if err := o.queue.Close(drainCtx); err != nil && !force {
			o.logger.Warn("async hooks did not finish before close", zap.Error(err))
		}
	}
	err := o.driver.Close(ctx, force)
	o.closeCache()
	return err
}

// Registry returns the validated metadata
func (o *ORM) Registry() *schema.Registry {
	return o.registry
}

// Config returns the configuration Init was called with
func (o *ORM) Config() *config.Config {
	return o.config
}

// Driver returns the connected driver
func (o *ORM) Driver() driver.Driver {
	return o.driver
}

// Logger returns the ORM logger
func (o *ORM) Logger() *zap.Logger {
	return o.logger
}

// Cache returns the metadata cache adapter
func (o *ORM) Cache() cache.Adapter {
	return o.cache
}

// Gatherer exposes the private metrics registry, nil when metrics are
// disabled or registered elsewhere
func (o *ORM) Gatherer() prometheus.Gatherer {
	return o.gatherer
}

// ClientURL returns the configured client URL or the driver default
func (o *ORM) ClientURL() string {
	if o.config.ClientURL != "" {
		return o.config.ClientURL
	}
	return o.driver.DefaultClientURL()
}

var credentials = regexp.MustCompile(`//([^:/@]+):([^@]+)@`)

// MaskURL hides the password of a client URL
func MaskURL(clientURL string) string {
	return credentials.ReplaceAllString(clientURL, "//$1:*****@")
}
