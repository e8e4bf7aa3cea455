package orm

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/conduit-lang/keel/internal/cli/config"
	"github.com/conduit-lang/keel/internal/orm/cache"
	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/driver/dynamo"
	"github.com/conduit-lang/keel/internal/orm/driver/memory"
	"github.com/conduit-lang/keel/internal/orm/driver/redisdriver"
	"github.com/conduit-lang/keel/internal/orm/driver/sqldriver"
	"github.com/conduit-lang/keel/internal/orm/schema"
	"github.com/conduit-lang/keel/internal/orm/transaction"
)

// newDriver builds the configured driver. The memory driver enforces
// referential integrity against registry, which discovery fills later.
func newDriver(cfg *config.Config, registry *schema.Registry, logger *zap.Logger) (driver.Driver, error) {
	named := logger.Named(cfg.Driver)

	switch cfg.Driver {
	case "memory":
		return memory.New(memory.WithReferentialIntegrity(registry)), nil
	case "sqlite3", "postgres", "pgx":
		level, err := transaction.ParseIsolationLevel(cfg.Isolation)
		if err != nil {
			return nil, err
		}
		return sqldriver.New(cfg.Driver, cfg.ClientURL,
			sqldriver.WithIsolation(level),
			sqldriver.WithTxTimeout(cfg.FlushTimeout),
			sqldriver.WithLogger(named),
		)
	case "redis":
		clientURL := cfg.ClientURL
		if clientURL == "" {
			clientURL = redisURL(cfg.Redis)
		}
		return redisdriver.New(clientURL,
			redisdriver.WithPrefix(cfg.Redis.Prefix),
			redisdriver.WithLogger(named),
		), nil
	case "dynamodb":
		return dynamo.New(cfg.ClientURL, dynamo.Config{
			Region:    cfg.DynamoDB.Region,
			Endpoint:  cfg.DynamoDB.Endpoint,
			LinkTable: cfg.DynamoDB.LinkTable,
		}, dynamo.WithLogger(named)), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// redisURL builds a client URL from the redis section
func redisURL(rc config.RedisConfig) string {
	u := url.URL{Scheme: "redis", Host: rc.Addr, Path: "/" + strconv.Itoa(rc.DB)}
	if rc.Password != "" {
		u.User = url.UserPassword("", rc.Password)
	}
	return u.String()
}

// NewCache builds the metadata cache adapter selected by cfg
func NewCache(ctx context.Context, cfg *config.Config) (cache.Adapter, error) {
	cc := cache.Config{TTL: cfg.Cache.TTL, Prefix: cache.DefaultConfig().Prefix}

	switch cfg.Cache.Adapter {
	case "none":
		return cache.NullAdapter{}, nil
	case "memory":
		return cache.NewMemoryAdapter(cc), nil
	case "file":
		return cache.NewFileAdapter(cfg.Cache.Dir, cc), nil
	case "redis":
		cc.Prefix = cfg.Redis.Prefix + "metadata:"
		adapter, err := cache.NewRedisAdapter(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Config:   cc,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to metadata cache: %w", err)
		}
		return adapter, nil
	case "s3":
		cc.Prefix = cfg.Cache.S3.Prefix
		return cache.NewS3Adapter(ctx, cache.S3Config{
			Bucket:    cfg.Cache.S3.Bucket,
			Region:    cfg.Cache.S3.Region,
			Endpoint:  cfg.Cache.S3.Endpoint,
			PathStyle: cfg.Cache.S3.PathStyle,
			Config:    cc,
		})
	default:
		return nil, fmt.Errorf("unknown cache adapter %q", cfg.Cache.Adapter)
	}
}
