package sqldriver

import (
	"fmt"
	"strings"

	"github.com/conduit-lang/keel/internal/orm/schema"

	// database/sql drivers for the supported dialects
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect captures the differences between the supported SQL backends
type Dialect struct {
	// Name is the keel driver name ("sqlite3", "postgres", "pgx")
	Name string
	// SQLDriver is the database/sql driver name passed to sql.Open
	SQLDriver string
	// DefaultURL is used when no client URL is configured
	DefaultURL string

	numbered bool
	types    func(f *schema.Field) string
	autoPK   string
	// inlineFK reports whether foreign keys can be declared in CREATE TABLE
	// before their target exists
	inlineFK bool
}

var (
	// SQLite uses ? placeholders and accepts forward foreign key references
	SQLite = &Dialect{
		Name:       "sqlite3",
		SQLDriver:  "sqlite3",
		DefaultURL: "file:keel.db?_foreign_keys=on",
		types:      sqliteType,
		autoPK:     "INTEGER PRIMARY KEY AUTOINCREMENT",
		inlineFK:   true,
	}

	// Postgres runs on lib/pq
	Postgres = &Dialect{
		Name:       "postgres",
		SQLDriver:  "postgres",
		DefaultURL: "postgresql://postgres@127.0.0.1:5432",
		numbered:   true,
		types:      postgresType,
		autoPK:     "BIGSERIAL PRIMARY KEY",
	}

	// PGX runs on the pgx stdlib adapter
	PGX = &Dialect{
		Name:       "pgx",
		SQLDriver:  "pgx",
		DefaultURL: "postgresql://postgres@127.0.0.1:5432",
		numbered:   true,
		types:      postgresType,
		autoPK:     "BIGSERIAL PRIMARY KEY",
	}
)

// LookupDialect returns the dialect for a keel driver name
func LookupDialect(name string) (*Dialect, error) {
	switch name {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	case "pgx":
		return PGX, nil
	default:
		return nil, fmt.Errorf("unknown sql dialect: %s", name)
	}
}

// Placeholder returns the bind marker for the n-th argument (1-based)
func (d *Dialect) Placeholder(n int) string {
	if d.numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Quote quotes an identifier
func (d *Dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func sqliteType(f *schema.Field) string {
	switch f.Type {
	case schema.TypeInt, schema.TypeBigInt:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeTimestamp:
		return "TIMESTAMP"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeBytes:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func postgresType(f *schema.Field) string {
	switch f.Type {
	case schema.TypeString:
		if f.Length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", f.Length)
		}
		return "TEXT"
	case schema.TypeInt:
		return "INTEGER"
	case schema.TypeBigInt:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeDecimal:
		return "NUMERIC"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeTimestamp:
		return "TIMESTAMPTZ"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeUUID:
		return "UUID"
	case schema.TypeJSON:
		return "JSONB"
	case schema.TypeBytes:
		return "BYTEA"
	default:
		return "TEXT"
	}
}

// keyType is the column type of a foreign key pointing at meta
func (d *Dialect) keyType(meta *schema.EntitySchema) string {
	pk, err := meta.PrimaryKeyField()
	if err != nil {
		return "TEXT"
	}
	if meta.PKStrategy == schema.PKAuto && d.numbered {
		return "BIGINT"
	}
	return d.types(pk)
}
