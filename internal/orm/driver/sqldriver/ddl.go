package sqldriver

import (
	"context"
	"fmt"
	"strings"

	"github.com/conduit-lang/keel/internal/orm/schema"
	"github.com/conduit-lang/keel/internal/orm/transaction"
)

// CreateTableStatements renders the DDL for every registered entity and
// join table. Dialects that cannot reference tables created later get their
// foreign keys as trailing ALTER TABLE statements.
func (d *Dialect) CreateTableStatements(registry *schema.Registry) ([]string, error) {
	if err := registry.ValidateAll(); err != nil {
		return nil, err
	}

	var tables, constraints []string
	for _, meta := range registry.Schemas() {
		var defs []string
		for _, c := range columns(meta) {
			if c.field != nil {
				defs = append(defs, d.fieldDef(meta, c))
				continue
			}
			target, ok := registry.Get(c.relation.Target)
			if !ok {
				return nil, fmt.Errorf("entity %s: unknown relation target %s", meta.Name, c.relation.Target)
			}
			def := d.Quote(c.name) + " " + d.keyType(target)
			if !c.relation.Nullable {
				def += " NOT NULL"
			}
			ref := fmt.Sprintf("REFERENCES %s (%s)", d.Quote(target.TableName), d.Quote(target.PrimaryKeyColumn()))
			if d.inlineFK {
				def += " " + ref
			} else {
				constraints = append(constraints, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) %s",
					d.Quote(meta.TableName), d.Quote(meta.TableName+"_"+c.name+"_fkey"), d.Quote(c.name), ref))
			}
			defs = append(defs, def)
		}
		tables = append(tables, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Quote(meta.TableName), strings.Join(defs, ", ")))

		for _, rel := range meta.CollectionRelations() {
			if rel.Kind != schema.ManyToMany || !rel.Owner || rel.JoinTable == nil {
				continue
			}
			target, ok := registry.Get(rel.Target)
			if !ok {
				return nil, fmt.Errorf("entity %s: unknown relation target %s", meta.Name, rel.Target)
			}
			jt := rel.JoinTable
			owner := d.Quote(jt.OwnerColumn) + " " + d.keyType(meta) + " NOT NULL"
			inverse := d.Quote(jt.InverseColumn) + " " + d.keyType(target) + " NOT NULL"
			if d.inlineFK {
				owner += fmt.Sprintf(" REFERENCES %s (%s)", d.Quote(meta.TableName), d.Quote(meta.PrimaryKeyColumn()))
				inverse += fmt.Sprintf(" REFERENCES %s (%s)", d.Quote(target.TableName), d.Quote(target.PrimaryKeyColumn()))
			}
			tables = append(tables, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, %s, PRIMARY KEY (%s, %s))",
				d.Quote(jt.Name), owner, inverse, d.Quote(jt.OwnerColumn), d.Quote(jt.InverseColumn)))
		}
	}
	return append(tables, constraints...), nil
}

func (d *Dialect) fieldDef(meta *schema.EntitySchema, c column) string {
	if c.field.Name == meta.PrimaryKey {
		if meta.PKStrategy == schema.PKAuto {
			return d.Quote(c.name) + " " + d.autoPK
		}
		return d.Quote(c.name) + " " + d.types(c.field) + " PRIMARY KEY"
	}
	def := d.Quote(c.name) + " " + d.types(c.field)
	if !c.field.Nullable {
		def += " NOT NULL"
	}
	return def
}

// EnsureSchema creates missing tables in one transaction
func (d *Driver) EnsureSchema(ctx context.Context, registry *schema.Registry) error {
	txm, _, err := d.manager()
	if err != nil {
		return err
	}
	stmts, err := d.dialect.CreateTableStatements(registry)
	if err != nil {
		return err
	}
	return txm.Run(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
		for _, stmt := range stmts {
			d.log(stmt, nil)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("ensure schema: %w", ConvertDBError(err))
			}
		}
		return nil
	})
}
