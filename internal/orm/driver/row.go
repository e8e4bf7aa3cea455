package driver

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Row is a stored record keyed by column name
type Row map[string]interface{}

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Criteria filters rows by column. A slice value matches any of its elements
// (IN); a nil value matches NULL.
type Criteria map[string]interface{}

// Order sorts find results by a column
type Order struct {
	Column string
	Desc   bool
}

// FindOptions controls ordering and paging of Find
type FindOptions struct {
	OrderBy []Order
	Limit   int
	Offset  int
}

// Match reports whether row satisfies every criterion
func (c Criteria) Match(row Row) bool {
	for col, want := range c {
		got := row[col]
		if values, ok := AsList(want); ok {
			found := false
			for _, v := range values {
				if Equal(got, v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if !Equal(got, want) {
			return false
		}
	}
	return true
}

// AsList expands a slice criterion into its elements. []byte is a scalar.
func AsList(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if _, ok := v.([]byte); ok {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Equal compares two stored values. Keys of different integer widths and
// UUIDs in string or binary form compare equal; times use time.Time.Equal.
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if ab, ok := a.([]byte); ok {
		if bb, ok := b.([]byte); ok {
			return bytes.Equal(ab, bb)
		}
	}
	if isKeyLike(a) && isKeyLike(b) {
		return KeyString(a) == KeyString(b)
	}
	return reflect.DeepEqual(a, b)
}

func isKeyLike(v interface{}) bool {
	switch v.(type) {
	case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, fmt.Stringer:
		return true
	}
	return false
}

// KeyString normalizes a primary key value to a string. Integer keys of any
// width normalize alike, so an int64 returned by a driver matches an int used
// by the application.
func KeyString(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case []byte:
		return hex.EncodeToString(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// ToInt64 converts an integer-like stored value. Drivers use it to read
// version columns and generated keys.
func ToInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}
