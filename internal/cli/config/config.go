package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conduit-lang/keel/internal/orm/schema"
	"github.com/conduit-lang/keel/internal/orm/transaction"
)

// Drivers lists the accepted values of the driver option
var Drivers = []string{"memory", "sqlite3", "postgres", "pgx", "redis", "dynamodb"}

// CacheAdapters lists the accepted values of the cache.adapter option
var CacheAdapters = []string{"file", "memory", "redis", "s3", "none"}

// Config represents the keel configuration
type Config struct {
	DBName       string        `mapstructure:"db_name"`
	ClientURL    string        `mapstructure:"client_url"`
	Driver       string        `mapstructure:"driver"`
	EntitiesDirs []string      `mapstructure:"entities_dirs"`
	AutoFlush    bool          `mapstructure:"auto_flush"`
	Strict       bool          `mapstructure:"strict"`
	Debug        bool          `mapstructure:"debug"`
	LogLevel     string        `mapstructure:"log_level"`
	BaseDir      string        `mapstructure:"base_dir"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
	EnsureSchema bool          `mapstructure:"ensure_schema"`
	Isolation    string        `mapstructure:"isolation"`

	// Entities are declared in code and registered next to the ones found
	// in EntitiesDirs
	Entities []*schema.EntitySchema `mapstructure:"-"`

	Cache    CacheConfig    `mapstructure:"cache"`
	Redis    RedisConfig    `mapstructure:"redis"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// CacheConfig represents metadata cache configuration
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Adapter string        `mapstructure:"adapter"`
	Dir     string        `mapstructure:"dir"`
	TTL     time.Duration `mapstructure:"ttl"`
	S3      S3Config      `mapstructure:"s3"`
}

// S3Config locates the bucket used by the s3 cache adapter
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
	Prefix    string `mapstructure:"prefix"`
}

// RedisConfig is shared by the redis driver and the redis cache adapter
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// DynamoDBConfig represents DynamoDB driver configuration
type DynamoDBConfig struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	LinkTable string `mapstructure:"link_table"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Load loads the configuration from keel.yml or keel.yaml in the current
// directory, environment variables and defaults.
func Load() (*Config, error) {
	return LoadFrom(".")
}

// LoadFrom loads the configuration file found in dir
func LoadFrom(dir string) (*Config, error) {
	v := newViper()
	v.SetConfigName("keel")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - use defaults and environment
	}

	return decode(v, dir)
}

// Default returns the default configuration for code-declared setups. It is
// not validated; Init validates it once DBName and Entities are filled in.
func Default() *Config {
	v := newViper()
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(err)
	}
	if err := config.normalize("."); err != nil {
		panic(err)
	}
	return &config
}

// LoadFile loads the configuration from an explicit file path
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v, filepath.Dir(path))
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("db_name", "")
	v.SetDefault("client_url", "")
	v.SetDefault("driver", "memory")
	v.SetDefault("entities_dirs", []string{})
	v.SetDefault("auto_flush", true)
	v.SetDefault("strict", false)
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "")
	v.SetDefault("base_dir", "")
	v.SetDefault("flush_timeout", "30s")
	v.SetDefault("ensure_schema", false)
	v.SetDefault("isolation", "default")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.adapter", "file")
	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.ttl", "0s")
	v.SetDefault("cache.s3.bucket", "")
	v.SetDefault("cache.s3.region", "us-east-1")
	v.SetDefault("cache.s3.endpoint", "")
	v.SetDefault("cache.s3.path_style", false)
	v.SetDefault("cache.s3.prefix", "keel/metadata/")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "keel:")
	v.SetDefault("dynamodb.region", "us-east-1")
	v.SetDefault("dynamodb.endpoint", "")
	v.SetDefault("dynamodb.link_table", "keel_links")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "keel")

	v.SetEnvPrefix("KEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("client_url", "KEEL_CLIENT_URL", "DATABASE_URL")

	return v
}

func decode(v *viper.Viper, dir string) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.normalize(dir); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// normalize fills derived defaults and resolves relative paths against
// base_dir
func (c *Config) normalize(dir string) error {
	if c.BaseDir == "" {
		c.BaseDir = dir
	}
	abs, err := filepath.Abs(c.BaseDir)
	if err != nil {
		return fmt.Errorf("invalid base_dir %s: %w", c.BaseDir, err)
	}
	c.BaseDir = abs

	for i, d := range c.EntitiesDirs {
		c.EntitiesDirs[i] = c.resolve(d)
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.BaseDir, "temp")
	} else {
		c.Cache.Dir = c.resolve(c.Cache.Dir)
	}

	c.Driver = strings.ToLower(c.Driver)
	c.Cache.Adapter = strings.ToLower(c.Cache.Adapter)
	c.Isolation = strings.ToLower(c.Isolation)
	if !c.Cache.Enabled {
		c.Cache.Adapter = "none"
	}
	return nil
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.BaseDir, path)
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var errs []error

	if c.DBName == "" {
		errs = append(errs, errors.New("No database specified, please fill in `db_name` option"))
	}
	if len(c.EntitiesDirs) == 0 && len(c.Entities) == 0 {
		errs = append(errs, errors.New("No entities found, please fill in `entities_dirs` option"))
	}
	if !contains(Drivers, c.Driver) {
		errs = append(errs, fmt.Errorf("unknown driver %q, expected one of %s", c.Driver, strings.Join(Drivers, ", ")))
	}
	if !contains(CacheAdapters, c.Cache.Adapter) {
		errs = append(errs, fmt.Errorf("unknown cache adapter %q, expected one of %s", c.Cache.Adapter, strings.Join(CacheAdapters, ", ")))
	}
	if c.Cache.Adapter == "s3" && c.Cache.S3.Bucket == "" {
		errs = append(errs, errors.New("the s3 cache adapter requires `cache.s3.bucket`"))
	}
	if c.FlushTimeout < 0 {
		errs = append(errs, fmt.Errorf("flush_timeout must not be negative, got: %s", c.FlushTimeout))
	}
	if _, err := transaction.ParseIsolationLevel(c.Isolation); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// InProject checks if the current directory holds a keel configuration file
func InProject() bool {
	for _, name := range []string{"keel.yml", "keel.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return true
		}
	}
	return false
}

// GetProjectRoot tries to find the project root by looking for keel.yml
func GetProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		for _, name := range []string{"keel.yml", "keel.yaml"} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a keel project (no keel.yml found)")
		}
		dir = parent
	}
}
