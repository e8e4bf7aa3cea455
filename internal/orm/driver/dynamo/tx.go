package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

// maxTransactItems is the TransactWriteItems limit
const maxTransactItems = 100

type writeKind int

const (
	writePut writeKind = iota
	writeUpdate
	writeDelete
	writeLinkPut
	writeLinkDelete
)

// write is the pending change to one item. DynamoDB rejects a transaction
// touching an item twice, so successive primitives on an item are merged.
type write struct {
	kind  writeKind
	meta  *schema.EntitySchema
	id    interface{}
	row   driver.Row
	check *driver.VersionCheck
	table string
	item  map[string]types.AttributeValue
	key   map[string]types.AttributeValue
}

// Tx buffers the writes of one flush
type Tx struct {
	driver *Driver
	client Client

	rows   map[string]driver.Row
	links  map[string]bool
	writes map[string]*write
	order  []string
	done   bool
}

func newTx(d *Driver, client Client) *Tx {
	return &Tx{
		driver: d,
		client: client,
		rows:   make(map[string]driver.Row),
		links:  make(map[string]bool),
		writes: make(map[string]*write),
	}
}

func (tx *Tx) check(ctx context.Context) error {
	if tx.done {
		return driver.ErrTxDone
	}
	return ctx.Err()
}

func rowID(meta *schema.EntitySchema, id interface{}) string {
	return meta.TableName + "\x00" + driver.KeyString(id)
}

func (tx *Tx) current(ctx context.Context, meta *schema.EntitySchema, id interface{}) (driver.Row, error) {
	rid := rowID(meta, id)
	if row, ok := tx.rows[rid]; ok {
		return row, nil
	}
	item, err := getItem(ctx, tx.client, meta, id)
	if err != nil || item == nil {
		return nil, err
	}
	return fromItem(meta, item)
}

func (tx *Tx) stage(id string, w *write) {
	if _, ok := tx.writes[id]; !ok {
		tx.order = append(tx.order, id)
	}
	tx.writes[id] = w
}

func (tx *Tx) unstage(id string) {
	delete(tx.writes, id)
	for i, o := range tx.order {
		if o == id {
			tx.order = append(tx.order[:i], tx.order[i+1:]...)
			break
		}
	}
}

// Insert implements driver.Tx. Generated keys come from a per-table sequence.
func (tx *Tx) Insert(ctx context.Context, meta *schema.EntitySchema, row driver.Row) (interface{}, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}

	pk := meta.PrimaryKeyColumn()
	id := row[pk]
	if id == nil {
		for {
			n, err := next(ctx, tx.client, tx.driver.cfg.LinkTable, meta.TableName)
			if err != nil {
				return nil, err
			}
			existing, err := tx.current(ctx, meta, n)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				id = n
				break
			}
		}
	} else {
		existing, err := tx.current(ctx, meta, id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s %v already exists", driver.ErrUniqueViolation, meta.Name, id)
		}
	}

	stored := row.Clone()
	stored[pk] = id
	rid := rowID(meta, id)
	tx.rows[rid] = stored
	tx.stage(rid, &write{kind: writePut, meta: meta, id: id, row: stored})
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
	rid := rowID(meta, id)
	tx.rows[rid] = merged

	if w, ok := tx.writes[rid]; ok {
		if w.kind == writePut {
			w.row = merged
			return nil
		}
		for col, v := range changes {
			w.row[col] = v
		}
		if check != nil {
			w.row[check.Column] = check.Next
			if w.check == nil {
				w.check = check
			}
		}
		return nil
	}

	set := changes.Clone()
	if check != nil {
		set[check.Column] = check.Next
	}
	tx.stage(rid, &write{kind: writeUpdate, meta: meta, id: id, row: set, check: check})
	return nil
}

// Delete implements driver.Tx
func (tx *Tx) Delete(ctx context.Context, meta *schema.EntitySchema, id interface{}, check *driver.VersionCheck) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if _, err := tx.lookup(ctx, meta, id, check); err != nil {
		return err
	}

	rid := rowID(meta, id)
	tx.rows[rid] = nil
	if w, ok := tx.writes[rid]; ok {
		if w.kind == writePut {
			tx.unstage(rid)
			return nil
		}
		if w.check != nil {
			check = w.check
		}
	}
	tx.stage(rid, &write{kind: writeDelete, meta: meta, id: id, check: check})
	return nil
}

// LinkInsert implements driver.Tx. Each link is stored twice, once under
// each side, so it can be found from either.
func (tx *Tx) LinkInsert(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error {
	if err := tx.check(ctx); err != nil {
		return err
	}

	ownerID := linkPK(jt.Name, jt.OwnerColumn, ownerKey) + "\x00" + driver.KeyString(inverseKey)
	inverseID := linkPK(jt.Name, jt.InverseColumn, inverseKey) + "\x00" + driver.KeyString(ownerKey)
	staged, touched := tx.links[ownerID]
	if touched && staged {
		return fmt.Errorf("%w: link %s(%v, %v) already exists", driver.ErrUniqueViolation, jt.Name, ownerKey, inverseKey)
	}
	stored, err := tx.stored(ctx, jt, ownerKey, inverseKey)
	if err != nil {
		return err
	}
	switch {
	case stored && !touched:
		return fmt.Errorf("%w: link %s(%v, %v) already exists", driver.ErrUniqueViolation, jt.Name, ownerKey, inverseKey)
	case stored:
		// deleted earlier in this transaction; keep the stored link
		tx.links[ownerID] = true
		tx.unstage("link\x00" + ownerID)
		tx.unstage("link\x00" + inverseID)
		return nil
	}

	pos, err := next(ctx, tx.client, tx.driver.cfg.LinkTable, jt.Name)
	if err != nil {
		return err
	}
	ownerItem, err := linkItem(jt.Name, jt.OwnerColumn, ownerKey, inverseKey, pos)
	if err != nil {
		return err
	}
	inverseItem, err := linkItem(jt.Name, jt.InverseColumn, inverseKey, ownerKey, pos)
	if err != nil {
		return err
	}

	tx.links[ownerID] = true
	tx.stageLink(ownerID, &write{kind: writeLinkPut, table: tx.driver.cfg.LinkTable, item: ownerItem})
	tx.stageLink(inverseID, &write{kind: writeLinkPut, table: tx.driver.cfg.LinkTable, item: inverseItem})
	return nil
}

// LinkDelete implements driver.Tx. Deleting a missing link is not an error.
func (tx *Tx) LinkDelete(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error {
	if err := tx.check(ctx); err != nil {
		return err
	}

	ownerID := linkPK(jt.Name, jt.OwnerColumn, ownerKey) + "\x00" + driver.KeyString(inverseKey)
	inverseID := linkPK(jt.Name, jt.InverseColumn, inverseKey) + "\x00" + driver.KeyString(ownerKey)
	tx.links[ownerID] = false
	tx.stageLink(ownerID, &write{kind: writeLinkDelete, table: tx.driver.cfg.LinkTable,
		key: linkKey(jt.Name, jt.OwnerColumn, ownerKey, inverseKey)})
	tx.stageLink(inverseID, &write{kind: writeLinkDelete, table: tx.driver.cfg.LinkTable,
		key: linkKey(jt.Name, jt.InverseColumn, inverseKey, ownerKey)})
	return nil
}

// stageLink replaces any earlier write to the same link item; a link put
// followed by a delete in one transaction leaves only the delete
func (tx *Tx) stageLink(id string, w *write) {
	tx.stage("link\x00"+id, w)
}

func (tx *Tx) stored(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) (bool, error) {
	out, err := tx.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(tx.driver.cfg.LinkTable),
		Key:            linkKey(jt.Name, jt.OwnerColumn, ownerKey, inverseKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("dynamodb get %s: %w", tx.driver.cfg.LinkTable, err)
	}
	return len(out.Item) > 0, nil
}

func (tx *Tx) lookup(ctx context.Context, meta *schema.EntitySchema, id interface{}, check *driver.VersionCheck) (driver.Row, error) {
	row, err := tx.current(ctx, meta, id)
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

// Commit implements driver.Tx
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return driver.ErrTxDone
	}
	tx.done = true
	if len(tx.order) == 0 {
		return nil
	}
	if len(tx.order) > maxTransactItems {
		return fmt.Errorf("dynamodb: %d item writes exceed the transaction limit of %d", len(tx.order), maxTransactItems)
	}

	items := make([]types.TransactWriteItem, 0, len(tx.order))
	writes := make([]*write, 0, len(tx.order))
	for _, id := range tx.order {
		w := tx.writes[id]
		item, err := w.transactItem()
		if err != nil {
			return err
		}
		items = append(items, item)
		writes = append(writes, w)
	}

	_, err := tx.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	tx.driver.logger.Debug("commit", zap.Int("items", len(items)), zap.Error(err))
	return mapTransactError(err, writes)
}

// Rollback implements driver.Tx. Nothing was written.
func (tx *Tx) Rollback(_ context.Context) error {
	tx.done = true
	tx.writes = nil
	tx.order = nil
	return nil
}

func (w *write) transactItem() (types.TransactWriteItem, error) {
	switch w.kind {
	case writePut:
		item, err := toItem(w.row)
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("encode %s %v: %w", w.meta.Name, w.id, err)
		}
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                aws.String(w.meta.TableName),
			Item:                     item,
			ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
			ExpressionAttributeNames: map[string]string{"#pk": w.meta.PrimaryKeyColumn()},
		}}, nil

	case writeUpdate:
		key, err := itemKey(w.meta, w.id)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		values, err := toItem(w.row)
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("encode %s %v: %w", w.meta.Name, w.id, err)
		}
		names := map[string]string{"#pk": w.meta.PrimaryKeyColumn()}
		exprValues := make(map[string]types.AttributeValue, len(values)+1)
		cols := make([]string, 0, len(values))
		for col := range values {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		sets := make([]string, len(cols))
		for i, col := range cols {
			n, v := "#a"+strconv.Itoa(i), ":v"+strconv.Itoa(i)
			names[n] = col
			exprValues[v] = values[col]
			sets[i] = n + " = " + v
		}
		cond := w.condition(names, exprValues)
		return types.TransactWriteItem{Update: &types.Update{
			TableName:                           aws.String(w.meta.TableName),
			Key:                                 key,
			UpdateExpression:                    aws.String("SET " + strings.Join(sets, ", ")),
			ConditionExpression:                 aws.String(cond),
			ExpressionAttributeNames:            names,
			ExpressionAttributeValues:           exprValues,
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		}}, nil

	case writeDelete:
		key, err := itemKey(w.meta, w.id)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		names := map[string]string{"#pk": w.meta.PrimaryKeyColumn()}
		exprValues := map[string]types.AttributeValue{}
		cond := w.condition(names, exprValues)
		del := &types.Delete{
			TableName:                           aws.String(w.meta.TableName),
			Key:                                 key,
			ConditionExpression:                 aws.String(cond),
			ExpressionAttributeNames:            names,
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		}
		if len(exprValues) > 0 {
			del.ExpressionAttributeValues = exprValues
		}
		return types.TransactWriteItem{Delete: del}, nil

	case writeLinkPut:
		return types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(w.table),
			Item:                w.item,
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		}}, nil

	default:
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(w.table),
			Key:       w.key,
		}}, nil
	}
}

// condition requires the item to exist and, with a version check, to still
// carry the expected version
func (w *write) condition(names map[string]string, values map[string]types.AttributeValue) string {
	cond := "attribute_exists(#pk)"
	if w.check != nil {
		names["#ver"] = w.check.Column
		values[":expected"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(w.check.Expected, 10)}
		cond += " AND #ver = :expected"
	}
	return cond
}

// mapTransactError turns cancellation reasons into driver sentinels. A
// failed condition on a put means the key exists; on an update or delete it
// means the item vanished or its version moved.
func mapTransactError(err error, writes []*write) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil || i >= len(writes) {
				continue
			}
			w := writes[i]
			switch *reason.Code {
			case "ConditionalCheckFailed":
				switch {
				case w.kind == writePut || w.kind == writeLinkPut:
					return fmt.Errorf("%w: %w", driver.ErrUniqueViolation, err)
				case len(reason.Item) == 0:
					return fmt.Errorf("%w: %s %v: %w", driver.ErrNotFound, w.meta.Name, w.id, err)
				default:
					return fmt.Errorf("%w: %s %v: %w", driver.ErrVersionMismatch, w.meta.Name, w.id, err)
				}
			case "TransactionConflict":
				return fmt.Errorf("%w: %w", driver.ErrVersionMismatch, err)
			}
		}
	}
	return fmt.Errorf("dynamodb: %w", err)
}
