// Package dynamo stores entities as DynamoDB items. Every entity table is
// keyed by its primary key column. Link rows and key sequences live in one
// auxiliary table keyed by pk and sk strings.
//
// A transaction reads with strongly consistent GetItem calls and buffers
// its writes; Commit sends them as a single TransactWriteItems call whose
// condition expressions re-check existence and versions.
package dynamo

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

// DefaultURL is used when no client URL is configured. It selects the
// regional endpoint of the default AWS configuration.
const DefaultURL = "dynamodb://"

// DefaultLinkTable holds link rows and sequences unless configured otherwise
const DefaultLinkTable = "keel_links"

// Client is the subset of the DynamoDB API the driver uses. *dynamodb.Client
// satisfies it.
type Client interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	ListTables(ctx context.Context, in *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
}

// Config selects the AWS region, an optional endpoint (DynamoDB Local) and
// the link table
type Config struct {
	Region    string
	Endpoint  string
	LinkTable string
}

// Driver is a DynamoDB document driver
type Driver struct {
	url    string
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	client    Client
	connected bool
}

// Option configures a Driver
type Option func(*Driver)

// WithClient uses an existing client instead of loading the AWS configuration
func WithClient(client Client) Option {
	return func(d *Driver) {
		d.client = client
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// New creates a driver. A client URL with a host ("dynamodb://localhost:8000")
// sets the endpoint when cfg has none.
func New(clientURL string, cfg Config, opts ...Option) *Driver {
	if clientURL == "" {
		clientURL = DefaultURL
	}
	if cfg.LinkTable == "" {
		cfg.LinkTable = DefaultLinkTable
	}
	if cfg.Endpoint == "" {
		if u, err := url.Parse(clientURL); err == nil && u.Host != "" {
			cfg.Endpoint = "http://" + u.Host
		}
	}
	d := &Driver{url: clientURL, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements driver.Driver
func (d *Driver) Name() string { return "dynamodb" }

// DefaultClientURL implements driver.Driver
func (d *Driver) DefaultClientURL() string { return DefaultURL }

// Connect loads the AWS configuration unless a client was supplied and lists
// one table to verify credentials and endpoint
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		var loadOpts []func(*config.LoadOptions) error
		if d.cfg.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(d.cfg.Region))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return fmt.Errorf("failed to load aws config: %w", err)
		}
		endpoint := d.cfg.Endpoint
		d.client = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	}
	if _, err := d.client.ListTables(ctx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)}); err != nil {
		return fmt.Errorf("failed to connect to dynamodb: %w", err)
	}
	d.connected = true
	return nil
}

// IsConnected reports whether Connect succeeded and Close was not called
func (d *Driver) IsConnected(_ context.Context) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Close marks the driver disconnected. The HTTP client has nothing to release.
func (d *Driver) Close(_ context.Context, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *Driver) conn() (Client, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connected {
		return nil, driver.ErrNotConnected
	}
	return d.client, nil
}

// Find implements driver.Driver. A primary key criterion reads items
// directly; anything else scans the table.
func (d *Driver) Find(ctx context.Context, meta *schema.EntitySchema, where driver.Criteria, opts driver.FindOptions) ([]driver.Row, error) {
	client, err := d.conn()
	if err != nil {
		return nil, err
	}

	var items []map[string]types.AttributeValue
	if ids, ok := keyLookup(meta, where); ok {
		for _, id := range ids {
			item, err := getItem(ctx, client, meta, id)
			if err != nil {
				return nil, err
			}
			if item != nil {
				items = append(items, item)
			}
		}
	} else {
		items, err = scan(ctx, client, meta.TableName)
		if err != nil {
			return nil, err
		}
	}

	var out []driver.Row
	for _, item := range items {
		row, err := fromItem(meta, item)
		if err != nil {
			return nil, err
		}
		if where.Match(row) {
			out = append(out, row)
		}
	}
	d.logger.Debug("find",
		zap.String("table", meta.TableName),
		zap.Int("read", len(items)),
		zap.Int("matched", len(out)))
	return opts.Apply(out), nil
}

func keyLookup(meta *schema.EntitySchema, where driver.Criteria) ([]interface{}, bool) {
	want, ok := where[meta.PrimaryKeyColumn()]
	if !ok || want == nil {
		return nil, false
	}
	if list, ok := driver.AsList(want); ok {
		return list, true
	}
	return []interface{}{want}, true
}

func getItem(ctx context.Context, client Client, meta *schema.EntitySchema, id interface{}) (map[string]types.AttributeValue, error) {
	key, err := itemKey(meta, id)
	if err != nil {
		return nil, err
	}
	out, err := client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(meta.TableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %s: %w", meta.TableName, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func scan(ctx context.Context, client Client, table string) ([]map[string]types.AttributeValue, error) {
	var (
		items []map[string]types.AttributeValue
		start map[string]types.AttributeValue
	)
	for {
		out, err := client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(table),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan %s: %w", table, err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		start = out.LastEvaluatedKey
	}
}

// FindLinks implements driver.Driver. Links come back in insertion order.
func (d *Driver) FindLinks(ctx context.Context, jt *schema.JoinTable, column string, key interface{}) ([]interface{}, error) {
	client, err := d.conn()
	if err != nil {
		return nil, err
	}
	if column != jt.OwnerColumn && column != jt.InverseColumn {
		return nil, fmt.Errorf("join table %s has no column %s", jt.Name, column)
	}

	var (
		links []link
		start map[string]types.AttributeValue
	)
	for {
		out, err := client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.cfg.LinkTable),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: linkPK(jt.Name, column, key)},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb query %s: %w", d.cfg.LinkTable, err)
		}
		for _, item := range out.Items {
			l, err := decodeLink(item)
			if err != nil {
				return nil, err
			}
			links = append(links, l)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	return sortLinks(links), nil
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
