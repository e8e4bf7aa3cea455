package driver

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Apply sorts and pages rows in process. Drivers without server-side
// ordering use it after filtering with Criteria.Match.
func (opts FindOptions) Apply(rows []Row) []Row {
	if len(opts.OrderBy) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, o := range opts.OrderBy {
				c := Compare(rows[i][o.Column], rows[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			return nil
		}
		rows = rows[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(rows) {
		rows = rows[:opts.Limit]
	}
	return rows
}

// Compare orders NULLs first, then numbers, times and strings
func Compare(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if ai, ok := ToInt64(a); ok {
		if bi, ok := ToInt64(b); ok {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			}
			return 0
		}
	}
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
