package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/schema"
	"github.com/conduit-lang/keel/internal/orm/transaction"
)

// Tx runs the primitives of one flush inside a database transaction
type Tx struct {
	driver *Driver
	tx     *transaction.Transaction
}

// Insert implements driver.Tx. The key comes back through RETURNING.
func (t *Tx) Insert(ctx context.Context, meta *schema.EntitySchema, row driver.Row) (interface{}, error) {
	dl := t.driver.dialect
	pkCol := meta.PrimaryKeyColumn()

	var (
		names []string
		marks []string
		args  []interface{}
		pk    column
	)
	for _, c := range columns(meta) {
		if c.name == pkCol {
			pk = c
		}
		v, ok := row[c.name]
		if !ok || (c.name == pkCol && v == nil) {
			continue
		}
		arg, err := encode(c, v)
		if err != nil {
			return nil, err
		}
		names = append(names, dl.Quote(c.name))
		marks = append(marks, dl.Placeholder(len(args)+1))
		args = append(args, arg)
	}

	var query string
	if len(names) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", dl.Quote(meta.TableName), dl.Quote(pkCol))
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			dl.Quote(meta.TableName), strings.Join(names, ", "), strings.Join(marks, ", "), dl.Quote(pkCol))
	}

	t.driver.log(query, args)
	var id interface{}
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return nil, ConvertDBError(err)
	}
	return decode(pk, id)
}

// Update implements driver.Tx. A version check adds the expected version to
// the WHERE clause and writes the next one.
func (t *Tx) Update(ctx context.Context, meta *schema.EntitySchema, id interface{}, changes driver.Row, check *driver.VersionCheck) error {
	dl := t.driver.dialect
	index := columnIndex(meta)

	var (
		sets []string
		args []interface{}
	)
	for _, col := range sortedKeys(changes) {
		c, ok := index[col]
		if !ok {
			return fmt.Errorf("table %s has no column %s", meta.TableName, col)
		}
		arg, err := encode(c, changes[col])
		if err != nil {
			return err
		}
		args = append(args, arg)
		sets = append(sets, fmt.Sprintf("%s = %s", dl.Quote(col), dl.Placeholder(len(args))))
	}
	if check != nil {
		args = append(args, check.Next)
		sets = append(sets, fmt.Sprintf("%s = %s", dl.Quote(check.Column), dl.Placeholder(len(args))))
	}
	if len(sets) == 0 {
		return nil
	}

	where, whereArgs := t.keyClause(meta, id, check, len(args)+1)
	query := fmt.Sprintf("UPDATE %s SET %s%s", dl.Quote(meta.TableName), strings.Join(sets, ", "), where)
	return t.execOne(ctx, meta, query, append(args, whereArgs...), id, check)
}

// Delete implements driver.Tx
func (t *Tx) Delete(ctx context.Context, meta *schema.EntitySchema, id interface{}, check *driver.VersionCheck) error {
	where, args := t.keyClause(meta, id, check, 1)
	query := fmt.Sprintf("DELETE FROM %s%s", t.driver.dialect.Quote(meta.TableName), where)
	return t.execOne(ctx, meta, query, args, id, check)
}

// LinkInsert implements driver.Tx
func (t *Tx) LinkInsert(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error {
	dl := t.driver.dialect
	query := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s)",
		dl.Quote(jt.Name), dl.Quote(jt.OwnerColumn), dl.Quote(jt.InverseColumn), dl.Placeholder(1), dl.Placeholder(2))
	args := []interface{}{ownerKey, inverseKey}
	t.driver.log(query, args)
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return ConvertDBError(err)
	}
	return nil
}

// LinkDelete implements driver.Tx. Deleting a missing link is not an error.
func (t *Tx) LinkDelete(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error {
	dl := t.driver.dialect
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s = %s",
		dl.Quote(jt.Name), dl.Quote(jt.OwnerColumn), dl.Placeholder(1), dl.Quote(jt.InverseColumn), dl.Placeholder(2))
	args := []interface{}{ownerKey, inverseKey}
	t.driver.log(query, args)
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return ConvertDBError(err)
	}
	return nil
}

// Commit implements driver.Tx
func (t *Tx) Commit(_ context.Context) error {
	return ConvertDBError(t.tx.Commit())
}

// Rollback implements driver.Tx. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback(_ context.Context) error {
	if t.tx.IsCommitted() {
		return nil
	}
	return ConvertDBError(t.tx.Rollback())
}

func (t *Tx) keyClause(meta *schema.EntitySchema, id interface{}, check *driver.VersionCheck, start int) (string, []interface{}) {
	dl := t.driver.dialect
	where := fmt.Sprintf(" WHERE %s = %s", dl.Quote(meta.PrimaryKeyColumn()), dl.Placeholder(start))
	args := []interface{}{id}
	if check != nil {
		where += fmt.Sprintf(" AND %s = %s", dl.Quote(check.Column), dl.Placeholder(start+1))
		args = append(args, check.Expected)
	}
	return where, args
}

// execOne runs a statement that must touch exactly one row. Zero affected
// rows is a version mismatch when the row still exists, otherwise not found.
func (t *Tx) execOne(ctx context.Context, meta *schema.EntitySchema, query string, args []interface{}, id interface{}, check *driver.VersionCheck) error {
	t.driver.log(query, args)
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return ConvertDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if check == nil {
		return fmt.Errorf("%w: %s %v", driver.ErrNotFound, meta.Name, id)
	}

	dl := t.driver.dialect
	probe := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		dl.Quote(check.Column), dl.Quote(meta.TableName), dl.Quote(meta.PrimaryKeyColumn()), dl.Placeholder(1))
	t.driver.log(probe, []interface{}{id})
	var stored interface{}
	err = t.tx.QueryRowContext(ctx, probe, id).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s %v", driver.ErrNotFound, meta.Name, id)
	case err != nil:
		return ConvertDBError(err)
	}
	return fmt.Errorf("%w: %s %v has version %v, expected %d", driver.ErrVersionMismatch, meta.Name, id, stored, check.Expected)
}
