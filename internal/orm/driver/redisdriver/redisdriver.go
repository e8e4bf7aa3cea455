// Package redisdriver stores entities as CBOR documents in Redis.
//
// Layout, relative to the key prefix:
//
//	<table>:<key>               row document
//	<table>:ids                 sorted set of keys in insertion order
//	<table>:seq                 key and ordering sequence
//	link:<table>:<column>:<key> sorted set of linked keys
//	link:<table>:seq            link ordering sequence
//
// A transaction reads through to Redis and buffers its writes. Commit
// watches every row it read, verifies the rows are unchanged and applies
// the writes in one MULTI/EXEC block.
package redisdriver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/conduit-lang/keel/internal/orm/codec"
	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

// DefaultURL is used when no client URL is configured
const DefaultURL = "redis://127.0.0.1:6379/0"

// Driver is a Redis document driver
type Driver struct {
	url    string
	prefix string
	logger *zap.Logger

	mu     sync.RWMutex
	client *redis.Client
}

// Option configures a Driver
type Option func(*Driver)

// WithClient uses an existing client instead of dialing the client URL
func WithClient(client *redis.Client) Option {
	return func(d *Driver) {
		d.client = client
	}
}

// WithPrefix namespaces every key
func WithPrefix(prefix string) Option {
	return func(d *Driver) {
		d.prefix = prefix
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// New creates a driver. An empty url selects DefaultURL.
func New(url string, opts ...Option) *Driver {
	if url == "" {
		url = DefaultURL
	}
	d := &Driver{url: url, prefix: "keel:", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements driver.Driver
func (d *Driver) Name() string { return "redis" }

// DefaultClientURL implements driver.Driver
func (d *Driver) DefaultClientURL() string { return DefaultURL }

// Connect dials Redis unless a client was supplied and pings it
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		opt, err := redis.ParseURL(d.url)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		d.client = redis.NewClient(opt)
	}
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

// IsConnected pings the server
func (d *Driver) IsConnected(ctx context.Context) bool {
	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()
	return client != nil && client.Ping(ctx).Err() == nil
}

// Close closes the client. Pending commands finish either way.
func (d *Driver) Close(_ context.Context, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

func (d *Driver) conn() (*redis.Client, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.client == nil {
		return nil, driver.ErrNotConnected
	}
	return d.client, nil
}

func (d *Driver) rowKey(table string, id interface{}) string {
	return d.prefix + table + ":" + driver.KeyString(id)
}

func (d *Driver) idsKey(table string) string {
	return d.prefix + table + ":ids"
}

func (d *Driver) seqKey(table string) string {
	return d.prefix + table + ":seq"
}

func (d *Driver) linkKey(jt, column string, id interface{}) string {
	return d.prefix + "link:" + jt + ":" + column + ":" + driver.KeyString(id)
}

func (d *Driver) linkSeqKey(jt string) string {
	return d.prefix + "link:" + jt + ":seq"
}

// Find implements driver.Driver. Lookups by primary key read the rows
// directly; anything else scans the table index.
func (d *Driver) Find(ctx context.Context, meta *schema.EntitySchema, where driver.Criteria, opts driver.FindOptions) ([]driver.Row, error) {
	client, err := d.conn()
	if err != nil {
		return nil, err
	}

	var members []string
	if ids, ok := keyLookup(meta, where); ok {
		members = ids
	} else {
		members, err = client.ZRange(ctx, d.idsKey(meta.TableName), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = d.rowKey(meta.TableName, m)
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	var out []driver.Row
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		row, err := decodeRow([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		if where.Match(row) {
			out = append(out, row)
		}
	}
	d.logger.Debug("find",
		zap.String("table", meta.TableName),
		zap.Int("scanned", len(keys)),
		zap.Int("matched", len(out)))
	return opts.Apply(out), nil
}

// keyLookup extracts the requested keys when where constrains the
// primary key
func keyLookup(meta *schema.EntitySchema, where driver.Criteria) ([]string, bool) {
	want, ok := where[meta.PrimaryKeyColumn()]
	if !ok || want == nil {
		return nil, false
	}
	if list, ok := driver.AsList(want); ok {
		out := make([]string, len(list))
		for i, v := range list {
			out[i] = driver.KeyString(v)
		}
		return out, true
	}
	return []string{driver.KeyString(want)}, true
}

// FindLinks implements driver.Driver. Linked keys come back as strings.
func (d *Driver) FindLinks(ctx context.Context, jt *schema.JoinTable, column string, key interface{}) ([]interface{}, error) {
	client, err := d.conn()
	if err != nil {
		return nil, err
	}
	if column != jt.OwnerColumn && column != jt.InverseColumn {
		return nil, fmt.Errorf("join table %s has no column %s", jt.Name, column)
	}

	members, err := client.ZRange(ctx, d.linkKey(jt.Name, column, key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out, nil
}

// Begin implements driver.Driver
func (d *Driver) Begin(ctx context.Context) (driver.Tx, error) {
	client, err := d.conn()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newTx(d, client), nil
}

func decodeRow(data []byte) (driver.Row, error) {
	var m map[string]interface{}
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return driver.Row(m), nil
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
