package redisdriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/conduit-lang/keel/internal/orm/codec"
	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

type write func(ctx context.Context, pipe redis.Pipeliner)

// Tx buffers the writes of one flush
type Tx struct {
	driver *Driver
	client *redis.Client

	// reads holds the encoded row seen for each row key (nil when absent);
	// commit fails when any of them changed
	reads map[string][]byte
	// rows is the transaction's view of the rows it wrote (nil when deleted)
	rows   map[string]driver.Row
	links  map[string]bool
	writes []write
	done   bool
}

func newTx(d *Driver, client *redis.Client) *Tx {
	return &Tx{
		driver: d,
		client: client,
		reads:  make(map[string][]byte),
		rows:   make(map[string]driver.Row),
		links:  make(map[string]bool),
	}
}

func (tx *Tx) check(ctx context.Context) error {
	if tx.done {
		return driver.ErrTxDone
	}
	return ctx.Err()
}

// current returns the row as this transaction sees it, or nil
func (tx *Tx) current(ctx context.Context, key string) (driver.Row, error) {
	if row, ok := tx.rows[key]; ok {
		return row, nil
	}
	data, err := tx.client.Get(ctx, key).Bytes()
	switch {
	case isNil(err):
		tx.reads[key] = nil
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis: %w", err)
	}
	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = data
	}
	return decodeRow(data)
}

// Insert implements driver.Tx. Generated keys come from the table sequence;
// a sequence value already taken by an assigned key is skipped.
func (tx *Tx) Insert(ctx context.Context, meta *schema.EntitySchema, row driver.Row) (interface{}, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}

	table := meta.TableName
	pk := meta.PrimaryKeyColumn()
	id := row[pk]

	var score int64
	if id == nil {
		for {
			n, err := tx.client.Incr(ctx, tx.driver.seqKey(table)).Result()
			if err != nil {
				return nil, fmt.Errorf("redis: %w", err)
			}
			existing, err := tx.current(ctx, tx.driver.rowKey(table, n))
			if err != nil {
				return nil, err
			}
			if existing == nil {
				id, score = n, n
				break
			}
		}
	} else {
		existing, err := tx.current(ctx, tx.driver.rowKey(table, id))
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s %v already exists", driver.ErrUniqueViolation, meta.Name, id)
		}
		score, err = tx.client.Incr(ctx, tx.driver.seqKey(table)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	}

	stored := row.Clone()
	stored[pk] = id
	if err := tx.put(meta, id, stored); err != nil {
		return nil, err
	}
	member := driver.KeyString(id)
	idsKey := tx.driver.idsKey(table)
	tx.writes = append(tx.writes, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, idsKey, redis.Z{Score: float64(score), Member: member})
	})
	return id, nil
}

// Update implements driver.Tx
func (tx *Tx) Update(ctx context.Context, meta *schema.EntitySchema, id interface{}, changes driver.Row, check *driver.VersionCheck) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	row, err := tx.lookup(ctx, meta, id, check)
	if err != nil {
		return err
	}

	merged := row.Clone()
	for col, v := range changes {
		merged[col] = v
	}
	if check != nil {
		merged[check.Column] = check.Next
	}
	return tx.put(meta, id, merged)
}

// Delete implements driver.Tx
func (tx *Tx) Delete(ctx context.Context, meta *schema.EntitySchema, id interface{}, check *driver.VersionCheck) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if _, err := tx.lookup(ctx, meta, id, check); err != nil {
		return err
	}

	key := tx.driver.rowKey(meta.TableName, id)
	idsKey := tx.driver.idsKey(meta.TableName)
	member := driver.KeyString(id)
	tx.rows[key] = nil
	tx.writes = append(tx.writes, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, idsKey, member)
	})
	return nil
}

// LinkInsert implements driver.Tx
func (tx *Tx) LinkInsert(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error {
	if err := tx.check(ctx); err != nil {
		return err
	}

	ownerSide := tx.driver.linkKey(jt.Name, jt.OwnerColumn, ownerKey)
	inverse := driver.KeyString(inverseKey)
	exists, err := tx.linked(ctx, ownerSide, inverse)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: link %s(%v, %v) already exists", driver.ErrUniqueViolation, jt.Name, ownerKey, inverseKey)
	}

	score, err := tx.client.Incr(ctx, tx.driver.linkSeqKey(jt.Name)).Result()
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	inverseSide := tx.driver.linkKey(jt.Name, jt.InverseColumn, inverseKey)
	owner := driver.KeyString(ownerKey)
	tx.links[ownerSide+"\x00"+inverse] = true
	tx.writes = append(tx.writes, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, ownerSide, redis.Z{Score: float64(score), Member: inverse})
		pipe.ZAdd(ctx, inverseSide, redis.Z{Score: float64(score), Member: owner})
	})
	return nil
}

// LinkDelete implements driver.Tx. Deleting a missing link is not an error.
func (tx *Tx) LinkDelete(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error {
	if err := tx.check(ctx); err != nil {
		return err
	}

	ownerSide := tx.driver.linkKey(jt.Name, jt.OwnerColumn, ownerKey)
	inverseSide := tx.driver.linkKey(jt.Name, jt.InverseColumn, inverseKey)
	owner, inverse := driver.KeyString(ownerKey), driver.KeyString(inverseKey)
	tx.links[ownerSide+"\x00"+inverse] = false
	tx.writes = append(tx.writes, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.ZRem(ctx, ownerSide, inverse)
		pipe.ZRem(ctx, inverseSide, owner)
	})
	return nil
}

// Commit implements driver.Tx. A row changed by another client since this
// transaction read it fails the commit with driver.ErrVersionMismatch.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return driver.ErrTxDone
	}
	tx.done = true
	if len(tx.writes) == 0 {
		return nil
	}

	apply := func(pipe redis.Pipeliner) error {
		for _, w := range tx.writes {
			w(ctx, pipe)
		}
		return nil
	}

	keys := make([]string, 0, len(tx.reads))
	for key := range tx.reads {
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		_, err := tx.client.TxPipelined(ctx, apply)
		return wrap(err)
	}

	err := tx.client.Watch(ctx, func(rtx *redis.Tx) error {
		for _, key := range keys {
			got, err := rtx.Get(ctx, key).Bytes()
			if err != nil && !isNil(err) {
				return err
			}
			if !bytes.Equal(got, tx.reads[key]) {
				return fmt.Errorf("%w: %s changed since it was read", driver.ErrVersionMismatch, key)
			}
		}
		_, err := rtx.TxPipelined(ctx, apply)
		return err
	}, keys...)

	tx.driver.logger.Debug("commit",
		zap.Int("writes", len(tx.writes)),
		zap.Int("watched", len(keys)),
		zap.Error(err))
	return wrap(err)
}

// Rollback implements driver.Tx. Nothing was written, so the buffer is
// dropped. Sequence values already taken stay taken.
func (tx *Tx) Rollback(_ context.Context) error {
	tx.done = true
	tx.writes = nil
	return nil
}

func (tx *Tx) lookup(ctx context.Context, meta *schema.EntitySchema, id interface{}, check *driver.VersionCheck) (driver.Row, error) {
	row, err := tx.current(ctx, tx.driver.rowKey(meta.TableName, id))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s %v", driver.ErrNotFound, meta.Name, id)
	}
	if check != nil {
		stored, _ := driver.ToInt64(row[check.Column])
		if stored != check.Expected {
			return nil, fmt.Errorf("%w: %s %v has version %d, expected %d",
				driver.ErrVersionMismatch, meta.Name, id, stored, check.Expected)
		}
	}
	return row, nil
}

func (tx *Tx) put(meta *schema.EntitySchema, id interface{}, row driver.Row) error {
	data, err := codec.Marshal(map[string]interface{}(row))
	if err != nil {
		return fmt.Errorf("encode %s %v: %w", meta.Name, id, err)
	}
	key := tx.driver.rowKey(meta.TableName, id)
	tx.rows[key] = row
	tx.writes = append(tx.writes, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, key, data, 0)
	})
	return nil
}

func (tx *Tx) linked(ctx context.Context, key, member string) (bool, error) {
	if staged, ok := tx.links[key+"\x00"+member]; ok {
		return staged, nil
	}
	err := tx.client.ZScore(ctx, key, member).Err()
	switch {
	case isNil(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("redis: %w", err)
	}
	return true, nil
}

func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %w", driver.ErrVersionMismatch, err)
	case errors.Is(err, driver.ErrVersionMismatch):
		return err
	}
	return fmt.Errorf("redis: %w", err)
}
