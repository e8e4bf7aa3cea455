package transaction

import (
	"database/sql"
	"fmt"
	"strings"
)

// IsolationLevel names a database/sql isolation level
type IsolationLevel sql.IsolationLevel

const (
	Default         = IsolationLevel(sql.LevelDefault)
	ReadUncommitted = IsolationLevel(sql.LevelReadUncommitted)
	ReadCommitted   = IsolationLevel(sql.LevelReadCommitted)
	RepeatableRead  = IsolationLevel(sql.LevelRepeatableRead)
	Serializable    = IsolationLevel(sql.LevelSerializable)
)

var isolationKeys = map[string]IsolationLevel{
	"":                 Default,
	"default":          Default,
	"read_uncommitted": ReadUncommitted,
	"read_committed":   ReadCommitted,
	"repeatable_read":  RepeatableRead,
	"serializable":     Serializable,
}

// ParseIsolationLevel reads a configuration key such as "read_committed"
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	if level, ok := isolationKeys[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return Default, fmt.Errorf("unknown isolation level: %s", s)
}

func (l IsolationLevel) String() string {
	return sql.IsolationLevel(l).String()
}

func (l IsolationLevel) txOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.IsolationLevel(l)}
}
