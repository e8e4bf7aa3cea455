package orm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/keel/internal/orm/cache"
	"github.com/conduit-lang/keel/internal/orm/driver/sqldriver"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

// discover fills the registry from code-declared entities and the
// declaration directories, using the metadata cache for the latter
func (o *ORM) discover(ctx context.Context, declared []*schema.EntitySchema) error {
	start := time.Now()

	if err := o.registry.RegisterAll(declared...); err != nil {
		return fmt.Errorf("metadata discovery failed: %w", err)
	}

	fromCache := false
	if dirs := o.config.EntitiesDirs; len(dirs) > 0 {
		schemas, hit, err := o.loadDeclarations(ctx, dirs)
		if err != nil {
			return fmt.Errorf("metadata discovery failed: %w", err)
		}
		if err := o.registry.RegisterAll(schemas...); err != nil {
			return fmt.Errorf("metadata discovery failed: %w", err)
		}
		fromCache = hit
	}

	if err := o.registry.ValidateAll(); err != nil {
		return fmt.Errorf("metadata discovery failed: %w", err)
	}

	o.logger.Debug("metadata discovered",
		zap.Int("entities", o.registry.Count()),
		zap.Bool("cached", fromCache),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// loadDeclarations returns the schemas declared in dirs, from the cache when
// the declaration fingerprint is unchanged. Cache failures are logged and
// fall back to reading the files.
func (o *ORM) loadDeclarations(ctx context.Context, dirs []string) ([]*schema.EntitySchema, bool, error) {
	fingerprint, _, err := schema.Fingerprint(dirs...)
	if err != nil {
		return nil, false, err
	}
	key := cache.Key(o.config.DBName, fingerprint)

	schemas, err := cache.LoadSchemas(ctx, o.cache, key, fingerprint)
	switch {
	case err == nil:
		return schemas, true, nil
	case !cache.IsCacheMiss(err):
		o.logger.Warn("failed to read metadata cache", zap.String("key", key), zap.Error(err))
	}

	result, err := schema.LoadDir(dirs...)
	if err != nil {
		return nil, false, err
	}

	// Validate a scratch registry so only consistent metadata is cached.
	scratch := schema.NewRegistry()
	if err := scratch.RegisterAll(result.Schemas...); err == nil && scratch.ValidateAll() == nil {
		if err := cache.StoreSchemas(ctx, o.cache, key, fingerprint, result.Schemas); err != nil {
			o.logger.Warn("failed to write metadata cache", zap.String("key", key), zap.Error(err))
		}
	}
	return result.Schemas, false, nil
}

// ensureSchema creates missing tables on SQL drivers when configured
func (o *ORM) ensureSchema(ctx context.Context) error {
	if !o.config.EnsureSchema {
		return nil
	}
	sd, ok := o.driver.(*sqldriver.Driver)
	if !ok {
		return nil
	}
	if err := sd.EnsureSchema(ctx, o.registry); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
