package memory

import (
	"context"
	"fmt"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

// Tx is a memory driver transaction
type Tx struct {
	driver *Driver
	state  *state
	done   bool
}

func (tx *Tx) check(ctx context.Context) error {
	if tx.done {
		return driver.ErrTxDone
	}
	return ctx.Err()
}

// Insert implements driver.Tx
func (tx *Tx) Insert(ctx context.Context, meta *schema.EntitySchema, row driver.Row) (interface{}, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}

	row = row.Clone()
	pkCol := meta.PrimaryKeyColumn()
	id := row[pkCol]
	if id == nil {
		tx.state.seq[meta.TableName]++
		id = tx.state.seq[meta.TableName]
		row[pkCol] = id
	} else if n, ok := driver.ToInt64(id); ok && n > tx.state.seq[meta.TableName] {
		tx.state.seq[meta.TableName] = n
	}

	t := tx.state.table(meta.TableName)
	key := driver.KeyString(id)
	if _, exists := t.rows[key]; exists {
		return nil, fmt.Errorf("%w: %s.%s = %v", driver.ErrUniqueViolation, meta.TableName, pkCol, id)
	}
	if err := tx.checkRow(meta, row, nil); err != nil {
		return nil, err
	}

	t.rows[key] = row
	t.order = append(t.order, key)
	return id, nil
}

// Update implements driver.Tx
func (tx *Tx) Update(ctx context.Context, meta *schema.EntitySchema, id interface{}, changes driver.Row, check *driver.VersionCheck) error {
	if err := tx.check(ctx); err != nil {
		return err
	}

	row, err := tx.lookup(meta, id, check)
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
	if err := tx.checkRow(meta, merged, changes); err != nil {
		return err
	}

	tx.state.tables[meta.TableName].rows[driver.KeyString(id)] = merged
	return nil
}

// Delete implements driver.Tx
func (tx *Tx) Delete(ctx context.Context, meta *schema.EntitySchema, id interface{}, check *driver.VersionCheck) error {
	if err := tx.check(ctx); err != nil {
		return err
	}

	if _, err := tx.lookup(meta, id, check); err != nil {
		return err
	}
	if err := tx.checkNotReferenced(meta, id); err != nil {
		return err
	}

	t := tx.state.tables[meta.TableName]
	key := driver.KeyString(id)
	delete(t.rows, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// LinkInsert implements driver.Tx
func (tx *Tx) LinkInsert(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	for _, l := range tx.state.links[jt.Name] {
		if driver.Equal(l.owner, ownerKey) && driver.Equal(l.inverse, inverseKey) {
			return fmt.Errorf("%w: %s (%v, %v)", driver.ErrUniqueViolation, jt.Name, ownerKey, inverseKey)
		}
	}
	tx.state.links[jt.Name] = append(tx.state.links[jt.Name], link{owner: ownerKey, inverse: inverseKey})
	return nil
}

// LinkDelete implements driver.Tx. Deleting a missing link is a no-op.
func (tx *Tx) LinkDelete(ctx context.Context, jt *schema.JoinTable, ownerKey, inverseKey interface{}) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	links := tx.state.links[jt.Name]
	for i, l := range links {
		if driver.Equal(l.owner, ownerKey) && driver.Equal(l.inverse, inverseKey) {
			tx.state.links[jt.Name] = append(links[:i], links[i+1:]...)
			break
		}
	}
	return nil
}

// Commit implements driver.Tx
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return driver.ErrTxDone
	}
	tx.done = true
	defer tx.driver.writer.Unlock()

	tx.driver.mu.Lock()
	tx.driver.committed = tx.state
	tx.driver.mu.Unlock()
	return nil
}

// Rollback implements driver.Tx. Rolling back a finished transaction is a no-op.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.state = nil
	tx.driver.writer.Unlock()
	return nil
}

func (tx *Tx) lookup(meta *schema.EntitySchema, id interface{}, check *driver.VersionCheck) (driver.Row, error) {
	t, ok := tx.state.tables[meta.TableName]
	if !ok {
		return nil, fmt.Errorf("%w: %s %v", driver.ErrNotFound, meta.Name, id)
	}
	row, ok := t.rows[driver.KeyString(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %v", driver.ErrNotFound, meta.Name, id)
	}
	if check != nil {
		current, _ := driver.ToInt64(row[check.Column])
		if current != check.Expected {
			return nil, fmt.Errorf("%w: %s %v has version %d, expected %d",
				driver.ErrVersionMismatch, meta.Name, id, current, check.Expected)
		}
	}
	return row, nil
}

// checkRow enforces NOT NULL and foreign keys for the columns in touched, or
// for every column when touched is nil
func (tx *Tx) checkRow(meta *schema.EntitySchema, row, touched driver.Row) error {
	if tx.driver.registry == nil {
		return nil
	}

	for _, f := range meta.Fields {
		col := meta.Column(f.Name)
		if _, ok := touched[col]; touched != nil && !ok {
			continue
		}
		if !f.Nullable && row[col] == nil {
			return fmt.Errorf("%w: %s.%s", driver.ErrNotNullViolation, meta.TableName, col)
		}
	}

	for _, rel := range meta.ToOneRelations() {
		if _, ok := touched[rel.ForeignKey]; touched != nil && !ok {
			continue
		}
		fk := row[rel.ForeignKey]
		if fk == nil {
			if !rel.Nullable {
				return fmt.Errorf("%w: %s.%s", driver.ErrNotNullViolation, meta.TableName, rel.ForeignKey)
			}
			continue
		}
		target, ok := tx.driver.registry.Get(rel.Target)
		if !ok {
			continue
		}
		if t, ok := tx.state.tables[target.TableName]; !ok || t.rows[driver.KeyString(fk)] == nil {
			return fmt.Errorf("%w: %s.%s = %v has no %s row",
				driver.ErrForeignKeyViolation, meta.TableName, rel.ForeignKey, fk, target.TableName)
		}
	}
	return nil
}

// checkNotReferenced rejects deleting a row other rows still point at
func (tx *Tx) checkNotReferenced(meta *schema.EntitySchema, id interface{}) error {
	if tx.driver.registry == nil {
		return nil
	}

	for _, other := range tx.driver.registry.Schemas() {
		for _, rel := range other.ToOneRelations() {
			if rel.Target != meta.Name {
				continue
			}
			t, ok := tx.state.tables[other.TableName]
			if !ok {
				continue
			}
			for _, row := range t.rows {
				if fk := row[rel.ForeignKey]; fk != nil && driver.Equal(fk, id) {
					return fmt.Errorf("%w: %s.%s still references %s %v",
						driver.ErrForeignKeyViolation, other.TableName, rel.ForeignKey, meta.Name, id)
				}
			}
		}
	}
	return nil
}
