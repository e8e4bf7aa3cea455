package sqldriver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

// column is one stored column of an entity table. Foreign key columns carry
// the relation instead of a field.
type column struct {
	name     string
	field    *schema.Field
	relation *schema.Relation
}

// columns lists the stored columns of meta: declared fields, then to-one
// foreign keys, in declaration order
func columns(meta *schema.EntitySchema) []column {
	out := make([]column, 0, len(meta.Fields)+len(meta.Relations))
	for _, f := range meta.Fields {
		out = append(out, column{name: meta.Column(f.Name), field: f})
	}
	for _, r := range meta.ToOneRelations() {
		if r.ForeignKey != "" {
			out = append(out, column{name: r.ForeignKey, relation: r})
		}
	}
	return out
}

func columnIndex(meta *schema.EntitySchema) map[string]column {
	cols := columns(meta)
	out := make(map[string]column, len(cols))
	for _, c := range cols {
		out[c.name] = c
	}
	return out
}

// encode converts an entity value to a bind argument
func encode(c column, v interface{}) (interface{}, error) {
	if v == nil || c.field == nil {
		return v, nil
	}
	if c.field.Type == schema.TypeJSON {
		if s, ok := v.(string); ok {
			return s, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json column %s: %w", c.name, err)
		}
		return string(b), nil
	}
	return v, nil
}

// decode normalizes a scanned value. Backends disagree on how they return
// text, booleans and JSON; entities always see string, bool and decoded JSON.
func decode(c column, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if c.field == nil {
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
		return v, nil
	}

	switch c.field.Type {
	case schema.TypeString, schema.TypeText, schema.TypeDecimal, schema.TypeUUID:
		switch s := v.(type) {
		case []byte:
			return string(s), nil
		case [16]byte:
			return formatUUID(s), nil
		}
	case schema.TypeBool:
		if n, ok := driver.ToInt64(v); ok {
			return n != 0, nil
		}
	case schema.TypeFloat:
		switch n := v.(type) {
		case float32:
			return float64(n), nil
		case []byte:
			var f float64
			_, err := fmt.Sscan(string(n), &f)
			return f, err
		}
	case schema.TypeInt, schema.TypeBigInt:
		if n, ok := driver.ToInt64(v); ok {
			return n, nil
		}
	case schema.TypeTimestamp, schema.TypeDate:
		switch s := v.(type) {
		case string:
			return parseTime(s)
		case []byte:
			return parseTime(string(s))
		}
	case schema.TypeJSON:
		var raw []byte
		switch s := v.(type) {
		case string:
			raw = []byte(s)
		case []byte:
			raw = s
		default:
			return v, nil
		}
		var out interface{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode json column %s: %w", c.name, err)
		}
		return out, nil
	case schema.TypeBytes:
		if b, ok := v.([]byte); ok {
			return append([]byte(nil), b...), nil
		}
	}
	return v, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time value %q", s)
}

func formatUUID(b [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// whereClause renders criteria in sorted column order. Arguments are
// numbered from start.
func (d *Dialect) whereClause(meta *schema.EntitySchema, where driver.Criteria, start int) (string, []interface{}, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	index := columnIndex(meta)
	var (
		parts []string
		args  []interface{}
		n     = start
	)
	for _, col := range sortedKeys(where) {
		c, ok := index[col]
		if !ok {
			return "", nil, fmt.Errorf("table %s has no column %s", meta.TableName, col)
		}
		want := where[col]
		switch {
		case want == nil:
			parts = append(parts, d.Quote(col)+" IS NULL")
		case isList(want):
			values, _ := driver.AsList(want)
			if len(values) == 0 {
				parts = append(parts, "1 = 0")
				continue
			}
			marks := make([]string, len(values))
			for i, v := range values {
				arg, err := encode(c, v)
				if err != nil {
					return "", nil, err
				}
				marks[i] = d.Placeholder(n)
				args = append(args, arg)
				n++
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", d.Quote(col), strings.Join(marks, ", ")))
		default:
			arg, err := encode(c, want)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, fmt.Sprintf("%s = %s", d.Quote(col), d.Placeholder(n)))
			args = append(args, arg)
			n++
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func isList(v interface{}) bool {
	_, ok := driver.AsList(v)
	return ok
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
